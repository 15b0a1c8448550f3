package netLayer

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/e1732a364fed/mesona/utils"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

const DefaultDialTimeout = 10 * time.Second

// DialError 表示 无法连接到上游.
type DialError struct {
	Addr string
	Via  string // 代理地址, 直连时为空
	Err  error
}

func (e *DialError) Error() string {
	s := "upstream unreachable: dial " + e.Addr
	if e.Via != "" {
		s += " via " + e.Via
	}
	return s + ": " + e.Err.Error()
}

func (e *DialError) Unwrap() error { return e.Err }

func (e *DialError) Timeout() bool {
	ne, ok := e.Err.(net.Error)
	return ok && ne.Timeout()
}

// Dialer 拨号 tcp 上游. ProxyURL 非空时 经代理拨号 (socks5://, socks5h:// 或 http:// CONNECT, 可带用户名密码).
// Resolver 非空时 目标域名在本地用它解析, 否则交给系统或者代理.
type Dialer struct {
	Timeout  time.Duration
	Sockopt  *Sockopt
	ProxyURL *url.URL
	Resolver *Resolver
}

// ParseProxyURL 检查 代理url. socks4 不支持.
func ParseProxyURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "socks5", "socks5h", "http":
	default:
		return nil, utils.ErrInErr{ErrDesc: "only socks5 and http proxy are supported", ErrDetail: utils.ErrWrongParameter, Data: s}
	}
	if u.Host == "" {
		return nil, utils.ErrInErr{ErrDesc: "proxy url has no host", ErrDetail: utils.ErrWrongParameter, Data: s}
	}
	return u, nil
}

func (d *Dialer) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultDialTimeout
}

func (d *Dialer) DialContext(ctx context.Context, target Addr) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	de := &DialError{Addr: target.String()}
	if d.ProxyURL != nil {
		de.Via = d.ProxyURL.Host
	}

	if target.IP == nil && target.Name != "" && d.Resolver != nil {
		ip, err := d.Resolver.LookupIP(ctx, target.Name)
		if err != nil {
			de.Err = err
			return nil, de
		}
		target.IP = ip
		target.Name = ""
	}

	network := target.Network
	if network == "" || !IsStrTCP_network(network) {
		network = "tcp"
	}

	nd := &net.Dialer{Control: d.Sockopt.control}

	var c net.Conn
	var err error
	if d.ProxyURL == nil {
		c, err = nd.DialContext(ctx, network, target.String())
	} else {
		c, err = dialViaProxy(ctx, d.ProxyURL, nd, target.String())
	}
	if err != nil {
		de.Err = err
		return nil, de
	}

	if ce := utils.CanLogDebug("dialed upstream"); ce != nil {
		ce.Write(zap.String("target", target.String()), zap.String("via", de.Via), zap.String("local", c.LocalAddr().String()))
	}
	return c, nil
}

func dialViaProxy(ctx context.Context, u *url.URL, forward *net.Dialer, addr string) (net.Conn, error) {
	pd, err := proxy.FromURL(u, forward)
	if err != nil {
		return nil, err
	}
	if cd, ok := pd.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return pd.Dial("tcp", addr)
}

func IsStrTCP_network(s string) bool {
	switch s {
	case "tcp", "tcp4", "tcp6":
		return true
	}
	return false
}
