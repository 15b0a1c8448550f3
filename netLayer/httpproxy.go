package netLayer

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"

	"github.com/e1732a364fed/mesona/utils"
	"golang.org/x/net/proxy"
)

func init() {
	proxy.RegisterDialerType("http", newHTTPConnectDialer)
}

// httpConnectDialer 用 http CONNECT 方法 通过代理拨号. 可带 Basic 认证.
type httpConnectDialer struct {
	proxyAddr string
	auth      string
	forward   proxy.Dialer
}

func newHTTPConnectDialer(u *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
	d := &httpConnectDialer{proxyAddr: u.Host, forward: forward}
	if u.Port() == "" {
		d.proxyAddr = net.JoinHostPort(u.Hostname(), "80")
	}
	if u.User != nil {
		pass, _ := u.User.Password()
		d.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(u.User.Username()+":"+pass))
	}
	return d, nil
}

func (d *httpConnectDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *httpConnectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var c net.Conn
	var err error
	if cd, ok := d.forward.(proxy.ContextDialer); ok {
		c, err = cd.DialContext(ctx, network, d.proxyAddr)
	} else {
		c, err = d.forward.Dial(network, d.proxyAddr)
	}
	if err != nil {
		return nil, err
	}

	//握手期间 ctx 结束则关闭连接, 使阻塞的读写返回
	stop := context.AfterFunc(ctx, func() { c.Close() })
	nc, err := d.connect(c, addr)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		c.Close()
		return nil, err
	}
	return nc, nil
}

func (d *httpConnectDialer) connect(c net.Conn, addr string) (net.Conn, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.auth != "" {
		req.Header.Set("Proxy-Authorization", d.auth)
	}
	if err := req.Write(c); err != nil {
		return nil, err
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, utils.ErrInErr{ErrDesc: "http proxy refused CONNECT to " + addr, Data: resp.Status}
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: c, r: br}, nil
	}
	return c, nil
}

// bufferedConn 先读出 代理响应之后 已被缓存的数据.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	if bc.r.Buffered() > 0 {
		return bc.r.Read(p)
	}
	return bc.Conn.Read(p)
}
