package mesona

import (
	"errors"
	"net"
)

var (
	// 对应方向要求填充, 但该方向的会话不是 tls1.3, 无法接管记录层
	ErrPaddingUnsupported = errors.New("peer session cannot carry record padding")

	ErrSNINotAllowed = errors.New("sni not allowed")

	// 上游协商出的 alpn 与 客户端协商出的 不同, 两端无法直接对话
	ErrALPNMismatch = errors.New("upstream negotiated a different alpn protocol")

	ErrServerStopped = errors.New("server stopped")
)

type Direction int

const (
	DirToServer Direction = iota // 客户端 -> 真正的服务器
	DirToClient                  // 真正的服务器 -> 客户端
)

func (d Direction) String() string {
	if d == DirToServer {
		return "client->server"
	}
	return "server->client"
}

// RelayError 表示 转发过程中 某个方向上的读写错误.
type RelayError struct {
	Direction Direction
	Op        string // "read" 或 "write"
	Err       error
}

func (e *RelayError) Error() string {
	return "relay " + e.Direction.String() + " " + e.Op + ": " + e.Err.Error()
}

func (e *RelayError) Unwrap() error { return e.Err }

func (e *RelayError) Timeout() bool {
	ne, ok := e.Err.(net.Error)
	return ok && ne.Timeout()
}
