package mesona

import (
	"bytes"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/e1732a364fed/mesona/internal/certtest"
	"github.com/e1732a364fed/mesona/netLayer"
	"github.com/e1732a364fed/mesona/padding"
	"github.com/e1732a364fed/mesona/tlsLayer"
	"github.com/pires/go-proxyproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upstream struct {
	addr   string
	ca     *certtest.Authority
	states chan tls.ConnectionState
	remote chan net.Addr
}

type upstreamOpt struct {
	maxVersion uint16
	alpn       []string
	proxyProto bool
	handler    func(*tls.Conn)
}

func echo(c *tls.Conn) {
	io.Copy(c, c)
	c.CloseWrite()
}

func startUpstream(t *testing.T, opt upstreamOpt) *upstream {
	ca, err := certtest.NewAuthority("upstream ca")
	require.NoError(t, err)
	leaf, err := ca.Issue("upstream.test", "localhost", "127.0.0.1")
	require.NoError(t, err)

	var l net.Listener
	l, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	if opt.proxyProto {
		l = &proxyproto.Listener{Listener: l}
	}
	l = tls.NewListener(l, &tls.Config{
		Certificates: []tls.Certificate{leaf.TLS},
		MaxVersion:   opt.maxVersion,
		NextProtos:   opt.alpn,
	})
	t.Cleanup(func() { l.Close() })

	if opt.handler == nil {
		opt.handler = echo
	}
	u := &upstream{
		addr:   l.Addr().String(),
		ca:     ca,
		states: make(chan tls.ConnectionState, 8),
		remote: make(chan net.Addr, 8),
	}
	go netLayer.LoopAccept(l, func(c net.Conn) {
		defer c.Close()
		tc := c.(*tls.Conn)
		if err := tc.Handshake(); err != nil {
			return
		}
		u.states <- tc.ConnectionState()
		u.remote <- tc.RemoteAddr()
		opt.handler(tc)
	})
	return u
}

type relayPKI struct {
	ca   *certtest.Authority
	leaf *certtest.Leaf
}

func newRelayPKI(t *testing.T) *relayPKI {
	ca, err := certtest.NewAuthority("substitute ca")
	require.NoError(t, err)
	leaf, err := ca.Issue("relay.test", "upstream.test", "localhost", "127.0.0.1")
	require.NoError(t, err)
	return &relayPKI{ca: ca, leaf: leaf}
}

func testSettings(t *testing.T, rp *relayPKI, up *upstream, alpn []string) *Settings {
	srv, err := tlsLayer.NewServer(tlsLayer.ServerConf{
		Credentials: &tlsLayer.Credentials{Certificates: []tls.Certificate{rp.leaf.TLS}},
		AlpnList:    alpn,
	})
	require.NoError(t, err)

	cli := tlsLayer.NewClient(tlsLayer.ClientConf{
		Credentials: &tlsLayer.Credentials{CAPool: up.ca.Pool()},
	})

	dest, err := netLayer.NewAddrByHostPort(up.addr)
	require.NoError(t, err)

	return &Settings{
		Tag:              "test",
		Listen:           "127.0.0.1:0",
		Server:           dest,
		ServerName:       "upstream.test",
		TLSServer:        srv,
		TLSClient:        cli,
		HandshakeTimeout: 5 * time.Second,
		DialTimeout:      5 * time.Second,
		DrainTimeout:     time.Second,
	}
}

func startRelay(t *testing.T, st *Settings) *Server {
	s, err := NewServer(st)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func dialRelay(t *testing.T, s *Server, rp *relayPKI, serverName string, alpn []string) *tls.Conn {
	c, err := tls.DialWithDialer(&net.Dialer{Timeout: 5 * time.Second}, "tcp", s.Addr().String(), &tls.Config{
		RootCAs:    rp.ca.Pool(),
		ServerName: serverName,
		NextProtos: alpn,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func mustAtoi(t *testing.T, s string) int {
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	assert.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}

// liveConn 等待 唯一一个 正在进行的连接 出现.
func liveConn(t *testing.T, s *Server) *Connection {
	t.Helper()
	var c *Connection
	eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, v := range s.conns {
			c = v
		}
		return c != nil
	}, "no live connection")
	require.NotNil(t, c)
	return c
}

func TestRelayIdenticalBytesAcrossModes(t *testing.T) {
	payload := make([]byte, 200*1024+7)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	modes := map[string]padding.Params{
		"none":   {},
		"fixed":  {Mode: padding.Fixed, RecordSize: 512},
		"bucket": {Mode: padding.Bucket, BlockSize: 1024},
		"random": {Mode: padding.Random, MinPad: 0, MaxPad: 1000},
	}

	for name, p := range modes {
		t.Run(name, func(t *testing.T) {
			rp := newRelayPKI(t)
			up := startUpstream(t, upstreamOpt{})
			st := testSettings(t, rp, up, nil)
			st.Padding = PaddingPair{ToClient: p, ToServer: p}
			st.BufferSize = 4096
			s := startRelay(t, st)

			cli := dialRelay(t, s, rp, "relay.test", nil)

			go func() {
				for off := 0; off < len(payload); off += 3000 {
					end := min(off+3000, len(payload))
					if _, err := cli.Write(payload[off:end]); err != nil {
						return
					}
				}
				cli.CloseWrite()
			}()

			cli.SetReadDeadline(time.Now().Add(10 * time.Second))
			got, err := io.ReadAll(cli)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, got), "relayed bytes differ: got %d bytes", len(got))

			eventually(t, func() bool { return s.Stats().Active == 0 }, "connection did not finish")
			stats := s.Stats()
			assert.EqualValues(t, len(payload), stats.BytesToServer)
			assert.EqualValues(t, len(payload), stats.BytesToClient)
			assert.EqualValues(t, 0, stats.Failed)
		})
	}
}

// tap 在客户端和中继之间转发, 并记录 中继发给客户端 的字节.
type tap struct {
	addr string

	mu    sync.Mutex
	armed bool
	buf   bytes.Buffer
}

func startTap(t *testing.T, target string) *tap {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	tp := &tap{addr: l.Addr().String()}

	go netLayer.LoopAccept(l, func(c net.Conn) {
		defer c.Close()
		r, err := net.Dial("tcp", target)
		if err != nil {
			return
		}
		defer r.Close()
		go io.Copy(r, c)

		bs := make([]byte, 32*1024)
		for {
			n, err := r.Read(bs)
			if n > 0 {
				tp.mu.Lock()
				if tp.armed {
					tp.buf.Write(bs[:n])
				}
				tp.mu.Unlock()
				if _, err := c.Write(bs[:n]); err != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	})
	return tp
}

func (tp *tap) arm() {
	tp.mu.Lock()
	tp.armed = true
	tp.mu.Unlock()
}

func (tp *tap) records() (types []byte, lens []int) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	b := tp.buf.Bytes()
	for len(b) >= 5 {
		n := int(binary.BigEndian.Uint16(b[3:5]))
		types = append(types, b[0])
		lens = append(lens, 5+n)
		b = b[5+n:]
	}
	return
}

func TestFixedPaddingRecordsTowardClient(t *testing.T) {
	rp := newRelayPKI(t)
	up := startUpstream(t, upstreamOpt{})
	st := testSettings(t, rp, up, nil)
	st.Padding.ToClient = padding.Params{Mode: padding.Fixed, RecordSize: 512}
	s := startRelay(t, st)

	tp := startTap(t, s.Addr().String())
	c, err := tls.Dial("tcp", tp.addr, &tls.Config{RootCAs: rp.ca.Pool(), ServerName: "relay.test"})
	require.NoError(t, err)
	defer c.Close()
	tp.arm()

	_, err = c.Write([]byte("0123456789"))
	require.NoError(t, err)
	got := make([]byte, 10)
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))

	types, lens := tp.records()
	require.NotEmpty(t, lens)
	for i := range lens {
		assert.EqualValues(t, 23, types[i])
		assert.Equal(t, 534, lens[i], "record %d", i)
		assert.Equal(t, padding.WireLen(10, 502), lens[i])
	}
}

func TestALPNAndSNIForwarded(t *testing.T) {
	rp := newRelayPKI(t)
	up := startUpstream(t, upstreamOpt{alpn: []string{"h2", "http/1.1"}})
	st := testSettings(t, rp, up, []string{"h2", "http/1.1"})
	st.ServerName = ""
	s := startRelay(t, st)

	cli := dialRelay(t, s, rp, "upstream.test", []string{"http/1.1"})
	assert.Equal(t, "http/1.1", cli.ConnectionState().NegotiatedProtocol)

	select {
	case cs := <-up.states:
		assert.Equal(t, "http/1.1", cs.NegotiatedProtocol)
		assert.Equal(t, "upstream.test", cs.ServerName, "client sni is used when server_name is empty")
		assert.EqualValues(t, tls.VersionTLS13, cs.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never saw a handshake")
	}
}

func TestALPNMismatchFailsPairing(t *testing.T) {
	rp := newRelayPKI(t)
	up := startUpstream(t, upstreamOpt{})
	st := testSettings(t, rp, up, []string{"h2", "http/1.1"})
	s := startRelay(t, st)

	c := dialRelay(t, s, rp, "relay.test", []string{"h2"})
	assert.Equal(t, "h2", c.ConnectionState().NegotiatedProtocol)

	select {
	case cs := <-up.states:
		assert.Equal(t, "", cs.NegotiatedProtocol)
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never saw a handshake")
	}

	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := c.Read(make([]byte, 1))
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrDeadlineExceeded), "client must be closed instead of relayed")
	eventually(t, func() bool { return s.Stats().Failed == 1 && s.Stats().Active == 0 }, "pairing should fail")
	assert.Zero(t, s.Stats().BytesToServer)

	//客户端没有协商 alpn 时, 没有 alpn 的上游照常工作
	cli := dialRelay(t, s, rp, "relay.test", nil)
	_, err = cli.Write([]byte("plain"))
	require.NoError(t, err)
	got := make([]byte, 5)
	cli.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(cli, got)
	require.NoError(t, err)
	assert.Equal(t, "plain", string(got))
}

func countFDs(t *testing.T) int {
	ents, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skip("no /proc/self/fd")
	}
	return len(ents)
}

func TestUpstreamHandshakeFailureClosesClient(t *testing.T) {
	rp := newRelayPKI(t)
	up := startUpstream(t, upstreamOpt{})
	st := testSettings(t, rp, up, nil)

	other, err := certtest.NewAuthority("unrelated ca")
	require.NoError(t, err)
	st.TLSClient = tlsLayer.NewClient(tlsLayer.ClientConf{
		Credentials: &tlsLayer.Credentials{CAPool: other.Pool()},
	})
	s := startRelay(t, st)

	before := countFDs(t)

	c, err := tls.Dial("tcp", s.Addr().String(), &tls.Config{RootCAs: rp.ca.Pool(), ServerName: "relay.test"})
	require.NoError(t, err)

	start := time.Now()
	c.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, err = c.Read(make([]byte, 1))
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrDeadlineExceeded), "client was not closed by the relay")
	assert.Less(t, time.Since(start), 5*time.Second)
	c.Close()

	eventually(t, func() bool { return s.Stats().Failed == 1 && s.Stats().Active == 0 }, "failure not accounted")
	eventually(t, func() bool { return countFDs(t) <= before }, "file descriptors leaked")
}

func TestEOFDrainReachesClosed(t *testing.T) {
	rp := newRelayPKI(t)
	hold := make(chan struct{})
	t.Cleanup(func() { close(hold) })

	up := startUpstream(t, upstreamOpt{handler: func(c *tls.Conn) {
		io.Copy(io.Discard, c)
		<-hold
	}})
	st := testSettings(t, rp, up, nil)
	st.DrainTimeout = 200 * time.Millisecond
	st.Padding.ToServer = padding.Params{Mode: padding.Random, MaxPad: 64}
	s := startRelay(t, st)

	cli := dialRelay(t, s, rp, "relay.test", nil)
	_, err := cli.Write([]byte("bye"))
	require.NoError(t, err)

	conn := liveConn(t, s)
	eventually(t, func() bool { return conn.State() == StateRelaying }, "never relaying")

	start := time.Now()
	require.NoError(t, cli.CloseWrite())

	eventually(t, func() bool { return conn.State() == StateClosed }, "drain did not reach CLOSED")
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.EqualValues(t, 3, conn.BytesToServer())
	assert.EqualValues(t, 0, s.Stats().Failed)

	cli.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = cli.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestPaddingNeedsTLS13Upstream(t *testing.T) {
	rp := newRelayPKI(t)
	up := startUpstream(t, upstreamOpt{maxVersion: tls.VersionTLS12})

	st := testSettings(t, rp, up, nil)
	st.Padding.ToServer = padding.Params{Mode: padding.Bucket, BlockSize: 256}
	s := startRelay(t, st)

	c, err := tls.Dial("tcp", s.Addr().String(), &tls.Config{RootCAs: rp.ca.Pool(), ServerName: "relay.test"})
	require.NoError(t, err)
	defer c.Close()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = c.Read(make([]byte, 1))
	require.Error(t, err)
	eventually(t, func() bool { return s.Stats().Failed == 1 }, "pairing should fail")

	//不填充时 tls1.2 的上游可以正常使用
	st2 := testSettings(t, rp, up, nil)
	s2 := startRelay(t, st2)
	cli := dialRelay(t, s2, rp, "relay.test", nil)
	_, err = cli.Write([]byte("tls12"))
	require.NoError(t, err)
	got := make([]byte, 5)
	cli.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(cli, got)
	require.NoError(t, err)
	assert.Equal(t, "tls12", string(got))
}

func TestPaddingNeedsTLS13Client(t *testing.T) {
	rp := newRelayPKI(t)
	up := startUpstream(t, upstreamOpt{})
	st := testSettings(t, rp, up, nil)
	st.Padding.ToClient = padding.Params{Mode: padding.Fixed, RecordSize: 1024}
	s := startRelay(t, st)

	c, err := tls.Dial("tcp", s.Addr().String(), &tls.Config{
		RootCAs:    rp.ca.Pool(),
		ServerName: "relay.test",
		MaxVersion: tls.VersionTLS12,
	})
	require.NoError(t, err)
	defer c.Close()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = c.Read(make([]byte, 1))
	require.Error(t, err)
	eventually(t, func() bool { return s.Stats().Failed == 1 }, "pairing should fail")

	select {
	case <-up.states:
		t.Fatal("upstream must not be dialed when the client side cannot pad")
	default:
	}
}

func TestSNIDestination(t *testing.T) {
	rp := newRelayPKI(t)
	up := startUpstream(t, upstreamOpt{})
	_, port, err := net.SplitHostPort(up.addr)
	require.NoError(t, err)

	st := testSettings(t, rp, up, nil)
	st.Destination = DestSNI
	st.Server = netLayer.Addr{}
	st.ServerName = ""
	st.SNIPort = mustAtoi(t, port)
	st.AllowedSNI = []string{"localhost"}
	s := startRelay(t, st)

	cli := dialRelay(t, s, rp, "localhost", nil)
	_, err = cli.Write([]byte("sni"))
	require.NoError(t, err)
	got := make([]byte, 3)
	cli.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(cli, got)
	require.NoError(t, err)
	assert.Equal(t, "sni", string(got))

	denied, err := tls.Dial("tcp", s.Addr().String(), &tls.Config{RootCAs: rp.ca.Pool(), ServerName: "relay.test"})
	require.NoError(t, err)
	defer denied.Close()
	denied.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = denied.Read(make([]byte, 1))
	require.Error(t, err)
	eventually(t, func() bool { return s.Stats().Failed == 1 }, "sni outside the allow list must fail")
}

func TestSendProxyProtocol(t *testing.T) {
	rp := newRelayPKI(t)
	up := startUpstream(t, upstreamOpt{proxyProto: true})
	st := testSettings(t, rp, up, nil)
	st.SendProxyProtocol = 2
	s := startRelay(t, st)

	cli := dialRelay(t, s, rp, "relay.test", nil)
	select {
	case ra := <-up.remote:
		assert.Equal(t, cli.LocalAddr().String(), ra.String())
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never saw a connection")
	}
}

func TestStopClosesLiveConnections(t *testing.T) {
	rp := newRelayPKI(t)
	up := startUpstream(t, upstreamOpt{})
	st := testSettings(t, rp, up, nil)
	s, err := NewServer(st)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	cli := dialRelay(t, s, rp, "relay.test", nil)
	_, err = cli.Write([]byte("x"))
	require.NoError(t, err)
	conn := liveConn(t, s)
	eventually(t, func() bool { return conn.State() == StateRelaying }, "never relaying")
	addr := s.Addr().String()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, 0, s.Stats().Active)
	assert.EqualValues(t, 0, s.Stats().Failed, "connections closed by Stop are not failures")

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
	assert.ErrorIs(t, s.Start(), ErrServerStopped)

	s.Stop()
}

func TestServeOnGivenListener(t *testing.T) {
	rp := newRelayPKI(t)
	up := startUpstream(t, upstreamOpt{})
	s, err := NewServer(testSettings(t, rp, up, nil))
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(l) }()
	t.Cleanup(s.Stop)

	eventually(t, func() bool { return s.Addr() != nil }, "listener not set")
	cli := dialRelay(t, s, rp, "relay.test", nil)
	_, err = cli.Write([]byte("served"))
	require.NoError(t, err)
	got := make([]byte, 6)
	cli.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(cli, got)
	require.NoError(t, err)

	s.Stop()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestClientHandshakeTimeout(t *testing.T) {
	rp := newRelayPKI(t)
	up := startUpstream(t, upstreamOpt{})
	st := testSettings(t, rp, up, nil)
	st.HandshakeTimeout = 200 * time.Millisecond
	st.SuppressErrors = true
	s := startRelay(t, st)

	c, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	start := time.Now()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = c.Read(make([]byte, 1))
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrDeadlineExceeded), "relay should drop a silent client")
	assert.Less(t, time.Since(start), 3*time.Second)
	eventually(t, func() bool { return s.Stats().Failed == 1 }, "handshake timeout is a failure")
}
