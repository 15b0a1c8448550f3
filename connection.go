package mesona

import (
	"net"
	"sync"
	"time"

	"github.com/e1732a364fed/mesona/netLayer"
	"github.com/e1732a364fed/mesona/padding"
	"github.com/e1732a364fed/mesona/tlsLayer"
	"go.uber.org/atomic"
)

type ConnState int32

const (
	StatePairing ConnState = iota
	StateRelaying
	StateDraining
	StateClosed
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StatePairing:
		return "PAIRING"
	case StateRelaying:
		return "RELAYING"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

func (s ConnState) terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Connection 是 一个客户端连接 与 它对应的上游连接, 由自己的转发 goroutine 持有.
type Connection struct {
	ID uint64

	raw    net.Conn //接受的原始连接, 可能被 PROXY protocol 包装过
	client *tlsLayer.Session

	mu     sync.Mutex
	server *tlsLayer.Session
	dest   netLayer.Addr

	toClient, toServer padding.Policy

	state atomic.Int32

	bytesToServer atomic.Uint64
	bytesToClient atomic.Uint64

	createdAt time.Time

	closeOnce sync.Once
}

func newConnection(id uint64, raw net.Conn, client *tlsLayer.Session) *Connection {
	return &Connection{
		ID:        id,
		raw:       raw,
		client:    client,
		createdAt: time.Now(),
	}
}

func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

// transition 只允许状态前进; 终止状态之后不再改变. 返回是否成功.
func (c *Connection) transition(to ConnState) bool {
	for {
		cur := ConnState(c.state.Load())
		if cur.terminal() {
			return false
		}
		if to != StateFailed && to <= cur {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

// setServer 在连接已被关闭时 返回 false, 此时调用者负责关闭 sess.
func (c *Connection) setServer(sess *tlsLayer.Session, dest netLayer.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State().terminal() {
		return false
	}
	c.server = sess
	c.dest = dest
	return true
}

func (c *Connection) Server() *tlsLayer.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

func (c *Connection) Client() *tlsLayer.Session { return c.client }

func (c *Connection) Destination() netLayer.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dest
}

func (c *Connection) BytesToServer() uint64 { return c.bytesToServer.Load() }
func (c *Connection) BytesToClient() uint64 { return c.bytesToClient.Load() }

// closeSessions 关闭两个会话, 每个会话的 Close 都有自己的超时.
func (c *Connection) closeSessions() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		server := c.server
		c.mu.Unlock()

		var wg sync.WaitGroup
		if server != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				server.Close()
			}()
		}
		c.client.Close()
		wg.Wait()
	})
}

// fail 使连接进入 FAILED 并关闭两个会话. 连接已经终止时 返回 false.
func (c *Connection) fail() bool {
	ok := c.transition(StateFailed)
	c.closeSessions()
	return ok
}

// finish 使连接进入 CLOSED 并关闭两个会话.
func (c *Connection) finish() bool {
	c.mu.Lock()
	ok := c.transition(StateClosed)
	c.mu.Unlock()
	c.closeSessions()
	return ok
}

// Close 强制关闭连接, 用于 Server.Stop.
func (c *Connection) Close() error {
	c.finish()
	return nil
}
