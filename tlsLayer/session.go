package tlsLayer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/e1732a364fed/mesona/netLayer"
	"github.com/e1732a364fed/mesona/padding"
	"github.com/e1732a364fed/mesona/utils"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const DefaultCloseTimeout = 2 * time.Second

var (
	ErrNotEstablished   = errors.New("tls session not established")
	ErrHandshakeStarted = errors.New("tls handshake already attempted")
)

type Role int

const (
	RoleServer Role = iota //面向客户端, 我们扮演 tls 服务端
	RoleClient             //面向真正的服务器, 我们扮演 tls 客户端
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

type State int32

const (
	StateUnstarted State = iota
	StateHandshaking
	StateEstablished
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type HandshakeError struct {
	Role Role
	Err  error
}

func (e *HandshakeError) Error() string {
	return "tls handshake failed as " + e.Role.String() + ": " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

func (e *HandshakeError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Info 是握手后协商出的参数
type Info struct {
	Version            uint16
	CipherSuite        uint16
	NegotiatedProtocol string
	ServerName         string
	PeerCertificates   []*x509.Certificate
	DidResume          bool
}

func (i Info) VersionName() string {
	return tls.VersionName(i.Version)
}

func (i Info) CipherSuiteName() string {
	return tls.CipherSuiteName(i.CipherSuite)
}

// handshaker 是 *tls.Conn 和 *utls.UConn 的共同部分
type handshaker interface {
	net.Conn
	HandshakeContext(ctx context.Context) error
	CloseWrite() error
}

// Session 是一个 tls 会话, 角色为 RoleServer 或 RoleClient.
//
// 若创建时要求填充, 且协商出了 tls1.3, 握手后 Session 会接管记录层, 此时 CanPad 返回 true,
// WritePadded / WriteSegments 才会真正填充; 否则填充参数被忽略, 直接使用 tls 库的连接.
//
// Read 只能在一个 goroutine 中调用; 写方法可以与 Close 并发.
type Session struct {
	role    Role
	raw     net.Conn
	bc      *boundaryConn
	tc      handshaker
	stateFn func() Info
	keys    *keyLog
	wantPad bool

	closeTimeout time.Duration

	state atomic.Int32
	info  Info
	rl    *recordLayer

	closeOnce sync.Once
	closeErr  error
}

func newSession(role Role, raw net.Conn, wantPad bool, closeTimeout time.Duration) *Session {
	if closeTimeout <= 0 {
		closeTimeout = DefaultCloseTimeout
	}
	return &Session{
		role:         role,
		raw:          raw,
		bc:           &boundaryConn{Conn: raw},
		keys:         &keyLog{},
		wantPad:      wantPad,
		closeTimeout: closeTimeout,
	}
}

// Handshake 只能调用一次, 失败后不会重试. 返回的错误都是 *HandshakeError.
func (s *Session) Handshake(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateUnstarted), int32(StateHandshaking)) {
		return &HandshakeError{Role: s.role, Err: ErrHandshakeStarted}
	}

	err := s.tc.HandshakeContext(ctx)
	if err == nil {
		s.info = s.stateFn()
		err = s.afterHandshake()
	}
	if err != nil {
		s.state.CompareAndSwap(int32(StateHandshaking), int32(StateFailed))
		return &HandshakeError{Role: s.role, Err: err}
	}

	if !s.state.CompareAndSwap(int32(StateHandshaking), int32(StateEstablished)) {
		//握手期间被 Close 了
		return &HandshakeError{Role: s.role, Err: net.ErrClosed}
	}

	if ce := utils.CanLogDebug("tls handshake ok"); ce != nil {
		ce.Write(
			zap.String("role", s.role.String()),
			zap.String("version", s.info.VersionName()),
			zap.String("suite", s.info.CipherSuiteName()),
			zap.String("alpn", s.info.NegotiatedProtocol),
			zap.String("sni", s.info.ServerName),
			zap.Bool("canPad", s.rl != nil),
		)
	}
	return nil
}

// afterHandshake 决定是否接管记录层
func (s *Session) afterHandshake() error {
	if !s.wantPad || s.info.Version != tls.VersionTLS13 {
		s.bc.passthrough = true
		return nil
	}

	suite := cipherSuiteTLS13ByID(s.info.CipherSuite)
	if suite == nil {
		return fmt.Errorf("unsupported tls 1.3 cipher suite %#04x", s.info.CipherSuite)
	}
	if !s.bc.atBoundary() {
		return errors.New("tls library stopped inside a record")
	}

	clientSecret, serverSecret, err := s.keys.secrets()
	if err != nil {
		return err
	}
	readSecret, writeSecret := clientSecret, serverSecret
	if s.role == RoleClient {
		readSecret, writeSecret = serverSecret, clientSecret
	}

	rl, err := newRecordLayer(s.raw, suite, readSecret, writeSecret)
	if err != nil {
		return err
	}
	s.rl = rl
	return nil
}

func (s *Session) Role() Role { return s.role }

func (s *Session) State() State { return State(s.state.Load()) }

// CanPad 只对已接管记录层的 tls1.3 会话返回 true.
func (s *Session) CanPad() bool { return s.rl != nil }

func (s *Session) Info() Info { return s.info }

func (s *Session) readable() bool {
	switch s.State() {
	case StateEstablished, StateClosed:
		return true
	}
	return false
}

// Read 返回解密后的明文. 对方正常关闭 (close_notify 或 记录边界上的 EOF) 时返回 io.EOF.
func (s *Session) Read(p []byte) (int, error) {
	if !s.readable() {
		return 0, ErrNotEstablished
	}
	if s.rl != nil {
		return s.rl.Read(p)
	}
	return s.tc.Read(p)
}

func (s *Session) Write(p []byte) (int, error) {
	return s.WritePadded(p, 0)
}

// WritePadded 把 p 加密为一个或多个记录, 大于 16384 的数据会被切分.
// padHint 只作用于最后一个记录, 且会被静默截断, 使记录的内部明文不超过 16384 字节.
func (s *Session) WritePadded(p []byte, padHint int) (int, error) {
	if s.rl == nil {
		if !s.readable() {
			return 0, ErrNotEstablished
		}
		return s.tc.Write(p)
	}

	segs := make([]padding.Segment, 0, len(p)/maxPlaintext+1)
	for off := 0; off < len(p); off += maxPlaintext {
		segs = append(segs, padding.Segment{Data: min(len(p)-off, maxPlaintext)})
	}
	if padHint > 0 {
		if len(segs) == 0 {
			segs = append(segs, padding.Segment{})
		}
		last := &segs[len(segs)-1]
		last.Pad = min(padHint, maxPlaintext-last.Data)
	}
	if len(segs) == 0 {
		return 0, nil
	}
	return s.rl.writeSegments(p, segs)
}

// WriteSegments 按 padding.Policy 给出的计划写入 p. segs 中 Data 之和必须等于 len(p).
// 不能填充的会话直接写入 p.
func (s *Session) WriteSegments(p []byte, segs []padding.Segment) (int, error) {
	if s.rl == nil {
		return s.WritePadded(p, 0)
	}
	return s.rl.writeSegments(p, segs)
}

// CloseWrite 发送 close_notify 并关闭 tcp 的写方向.
func (s *Session) CloseWrite() error {
	if s.State() != StateEstablished {
		return ErrNotEstablished
	}
	var err error
	if s.rl != nil {
		err = s.rl.closeNotify()
	} else {
		err = s.tc.CloseWrite()
	}
	if e := netLayer.CloseWrite(s.raw); err == nil {
		err = e
	}
	return err
}

// Close 在 closeTimeout 的写超时内 尽力发送 close_notify, 然后释放底层连接. 可以重复调用.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		prev := State(s.state.Swap(int32(StateClosed)))

		if prev == StateEstablished {
			//先设置超时, 使阻塞中的写入尽快返回, 释放写锁
			s.raw.SetWriteDeadline(time.Now().Add(s.closeTimeout))

			if s.rl != nil {
				s.rl.closeNotify()
			} else {
				//tls 库发送 close_notify 时 会把写超时重设为 5 秒, 所以这里自己计时, 超时就直接关闭底层连接
				done := make(chan struct{})
				go func() {
					s.tc.Close()
					close(done)
				}()
				timer := time.NewTimer(s.closeTimeout)
				select {
				case <-done:
				case <-timer.C:
				}
				timer.Stop()
			}
		}
		s.closeErr = s.raw.Close()
		if errors.Is(s.closeErr, net.ErrClosed) {
			s.closeErr = nil
		}
	})
	return s.closeErr
}

func (s *Session) LocalAddr() net.Addr  { return s.raw.LocalAddr() }
func (s *Session) RemoteAddr() net.Addr { return s.raw.RemoteAddr() }

func (s *Session) SetDeadline(t time.Time) error      { return s.raw.SetDeadline(t) }
func (s *Session) SetReadDeadline(t time.Time) error  { return s.raw.SetReadDeadline(t) }
func (s *Session) SetWriteDeadline(t time.Time) error { return s.raw.SetWriteDeadline(t) }
