package netLayer

import (
	"errors"
	"net"
	"net/url"
	"strconv"

	"github.com/e1732a364fed/mesona/utils"
)

// Addr 完整地表示了一个 传输层的目标，同时用 Network 字段 来记录网络层协议名.
// Name 和 IP 只用其一; 域名在拨号前可以通过 Resolver 解析为 IP.
type Addr struct {
	Network string
	Name    string // domain name
	IP      net.IP
	Port    int
}

// hostPortStr格式 必须为 host:port
func NewAddrByHostPort(hostPortStr string) (Addr, error) {
	host, portStr, err := net.SplitHostPort(hostPortStr)
	if err != nil {
		return Addr{}, err
	}
	if host == "" {
		host = "127.0.0.1"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Addr{}, err
	}
	if port < 0 || port > 65535 {
		return Addr{}, utils.ErrInErr{ErrDesc: "Invalid port", ErrDetail: utils.ErrWrongParameter, Data: port}
	}

	a := Addr{Port: port, Network: "tcp"}
	if ip := net.ParseIP(host); ip != nil {
		a.IP = ip
	} else {
		a.Name = host
	}
	return a, nil
}

// 如 udp://1.1.1.1:53 , tcp://dns.google:53 , tls://dns.google:853
func NewAddrByURL(addrStr string) (Addr, error) {
	u, err := url.Parse(addrStr)
	if err != nil {
		return Addr{}, err
	}
	if u.Scheme == "" || u.Host == "" {
		return Addr{}, errors.New("not an url with scheme and host: " + addrStr)
	}

	a, err := NewAddrByHostPort(u.Host)
	if err != nil {
		return Addr{}, err
	}
	a.Network = u.Scheme
	return a, nil
}

// NewAddrFromAny 接受 *net.TCPAddr, 其它 net.Addr, 或 host:port 字符串.
func NewAddrFromAny(thing any) (addr Addr, err error) {
	switch value := thing.(type) {
	case *net.TCPAddr:
		return Addr{IP: value.IP, Port: value.Port, Network: "tcp"}, nil
	case string:
		return NewAddrByHostPort(value)
	case net.Addr:
		var host, port string
		host, port, err = net.SplitHostPort(value.String())
		if err != nil {
			return
		}
		addr.Network = value.Network()
		addr.IP = net.ParseIP(host)
		if addr.IP == nil {
			addr.Name = host
		}
		addr.Port, err = strconv.Atoi(port)
		return
	}
	err = utils.ErrInErr{ErrDesc: "NewAddrFromAny, unsupported type", ErrDetail: utils.ErrWrongParameter, Data: thing}
	return
}

// Return host:port string. 若有Name而没有ip，则返回 a.Name:a.Port . 否则返回 a.IP: a.Port;
func (a *Addr) String() string {
	port := strconv.Itoa(a.Port)
	if a.IP == nil {
		return net.JoinHostPort(a.Name, port)
	}
	return net.JoinHostPort(a.IP.String(), port)
}

// 返回以url表示的 地址.
func (a *Addr) UrlString() string {
	if a.Network != "" {
		return a.Network + "://" + a.String()
	}
	return "tcp://" + a.String()
}

// 返回 Name, 没有Name时返回 IP 的字符串形式
func (a *Addr) HostStr() string {
	if a.Name != "" {
		return a.Name
	}
	if a.IP != nil {
		return a.IP.String()
	}
	return ""
}

func (a *Addr) IsEmpty() bool {
	return a.Name == "" && len(a.IP) == 0 && a.Port == 0
}

func (a *Addr) IsIpv6() bool {
	if a.IP == nil {
		return false
	}
	return a.IP.To4() == nil
}

func (a *Addr) ToTCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: a.IP, Port: a.Port}
}
