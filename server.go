package mesona

import (
	"context"
	"net"
	"sync"

	"github.com/e1732a364fed/mesona/netLayer"
	"github.com/e1732a364fed/mesona/utils"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Stats 是 一个监听器 自启动以来的统计数据.
type Stats struct {
	Accepted      uint64
	Active        int
	Failed        uint64
	BytesToServer uint64
	BytesToClient uint64
}

// Server 监听一个地址, 为每个接受的连接 完成双方握手 并转发.
type Server struct {
	settings *Settings
	dialer   *netLayer.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[uint64]*Connection
	stopped  bool
	wg       sync.WaitGroup

	nextID        atomic.Uint64
	accepted      atomic.Uint64
	failed        atomic.Uint64
	bytesToServer atomic.Uint64
	bytesToClient atomic.Uint64
}

func NewServer(st *Settings) (*Server, error) {
	if st == nil {
		return nil, utils.ErrNilParameter
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		settings: st,
		dialer: &netLayer.Dialer{
			Timeout:  st.DialTimeout,
			Sockopt:  st.DialSockopt,
			ProxyURL: st.UpstreamProxy,
			Resolver: st.Resolver,
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[uint64]*Connection),
	}, nil
}

func (s *Server) Settings() *Settings { return s.settings }

// Start 非阻塞, 监听 Settings.Listen 并在自己的 goroutine 中接受连接.
func (s *Server) Start() error {
	l, err := netLayer.Listen("tcp", s.settings.Listen, s.settings.ListenOpt)
	if err != nil {
		return utils.ErrInErr{ErrDesc: "listen failed", ErrDetail: err, Data: s.settings.Listen}
	}
	if !s.setListener(l) {
		l.Close()
		return ErrServerStopped
	}

	if ce := utils.CanLogInfo("listening"); ce != nil {
		ce.Write(
			zap.String("tag", s.settings.Tag),
			zap.String("addr", l.Addr().String()),
			zap.Stringer("destination", s.settings.Destination),
			zap.String("server", s.settings.Server.String()),
		)
	}
	go netLayer.LoopAccept(l, s.handle)
	return nil
}

// Serve 阻塞, 在给定的 listener 上接受连接, 直到它被关闭.
func (s *Server) Serve(l net.Listener) error {
	if !s.setListener(l) {
		return ErrServerStopped
	}
	netLayer.LoopAccept(l, s.handle)
	return nil
}

func (s *Server) setListener(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.listener = l
	return true
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	active := len(s.conns)
	s.mu.Unlock()
	return Stats{
		Accepted:      s.accepted.Load(),
		Active:        active,
		Failed:        s.failed.Load(),
		BytesToServer: s.bytesToServer.Load(),
		BytesToClient: s.bytesToClient.Load(),
	}
}

// Stop 关闭监听 以及所有仍在进行的连接, 并等待它们结束. 可以重复调用.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	l := s.listener
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	if l != nil {
		l.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()

	if ce := utils.CanLogInfo("stopped"); ce != nil {
		ce.Write(zap.String("tag", s.settings.Tag), zap.Int("closedConns", len(conns)))
	}
}

func (s *Server) register(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[c.ID] = c
	s.wg.Add(1)
	return true
}

func (s *Server) unregister(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c.ID)
	s.mu.Unlock()
	s.wg.Done()
}

// handle 处理一个新接受的连接, 阻塞直到它结束.
func (s *Server) handle(raw net.Conn) {
	s.accepted.Inc()
	st := s.settings

	sess := st.TLSServer.NewSession(raw, st.clientMayPad())
	c := newConnection(s.nextID.Inc(), raw, sess)
	if !s.register(c) {
		raw.Close()
		return
	}
	defer s.unregister(c)

	ctx, cancel := context.WithTimeout(s.ctx, st.HandshakeTimeout)
	err := sess.Handshake(ctx)
	cancel()
	if err != nil {
		s.connFailed(c, "client handshake failed", err)
		return
	}

	if err := s.pair(s.ctx, c); err != nil {
		s.connFailed(c, "pairing failed", err)
		return
	}

	s.relay(c)
	if c.State() != StateClosed {
		return
	}

	if ce := utils.CanLogDebug("connection closed"); ce != nil {
		ce.Write(
			zap.Uint64("id", c.ID),
			zap.String("tag", st.Tag),
			zap.Uint64("toServer", c.BytesToServer()),
			zap.Uint64("toClient", c.BytesToClient()),
		)
	}
}

// connFailed 关闭连接, 并在它 不是被 Stop 关闭的 情况下 记录错误.
func (s *Server) connFailed(c *Connection, msg string, err error) {
	if !c.fail() {
		return
	}
	s.failed.Inc()

	lvl := utils.Log_error
	if s.settings.SuppressErrors {
		lvl = utils.Log_debug
	}
	if ce := utils.CanLogLevel(lvl, msg); ce != nil {
		dest := c.Destination()
		ce.Write(
			zap.Uint64("id", c.ID),
			zap.String("tag", s.settings.Tag),
			zap.String("from", c.raw.RemoteAddr().String()),
			zap.String("target", dest.String()),
			zap.Error(err),
		)
	}
}
