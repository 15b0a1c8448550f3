package netLayer

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/e1732a364fed/mesona/utils"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const DefaultDnsTimeout = 5 * time.Second

var ErrRecursion = errors.New("multiple recursion not allowed")

// 判断 DNSQuery 返回的错误 是否是 网络层面的错误 (而不是 查无此记录 之类)
func Is_DNSQuery_returnType_ReadErr(err error) bool {
	if err == nil {
		return false
	}
	switch err {
	case os.ErrNotExist, dns.ErrRcode, ErrRecursion:
		return false
	default:
		return true
	}
}

// domain必须是 dns.Fqdn 函数 包过的.
// dns_type 目前只实现了 TypeA, TypeAAAA; 遇到cname时 会继续查询, recursionCount 使用者统一填0 即可.
//
// 可能返回如下几种错误 os.ErrNotExist (表示查无此记录), dns.ErrRcode (表示dns返回的 Rcode 不是 dns.RcodeSuccess), ErrRecursion,
// 如果不是这三个error, 那就是 与服务器通信时出错了.
func DNSQuery(ctx context.Context, c *dns.Client, server string, domain string, dns_type uint16, recursionCount int) (ip net.IP, ttl uint32, err error) {
	m := new(dns.Msg)
	m.SetQuestion(domain, dns_type)

	var r *dns.Msg
	r, _, err = c.ExchangeContext(ctx, m, server)
	if r == nil {
		if ce := utils.CanLogErr("dns query read err"); ce != nil {
			ce.Write(zap.Error(err))
		}
		if err == nil {
			err = utils.ErrInvalidData
		}
		return
	}

	if r.Rcode != dns.RcodeSuccess {
		if ce := utils.CanLogDebug("dns query code err"); ce != nil {
			//dns查不到的情况是很有可能的，所以还是放在debug日志里
			ce.Write(zap.Int("rcode", r.Rcode), zap.String("domain", domain))
		}
		err = dns.ErrRcode
		return
	}

	switch dns_type {
	case dns.TypeA:
		for _, a := range r.Answer {
			if aa, ok := a.(*dns.A); ok {
				return aa.A, aa.Hdr.Ttl, nil
			}
		}
	case dns.TypeAAAA:
		for _, a := range r.Answer {
			if aa, ok := a.(*dns.AAAA); ok {
				return aa.AAAA, aa.Hdr.Ttl, nil
			}
		}
	}

	//没A和4A那就查cname在不在

	for _, a := range r.Answer {
		if aa, ok := a.(*dns.CNAME); ok {
			if ce := utils.CanLogDebug("dns query got cname"); ce != nil {
				ce.Write(zap.String("query", domain), zap.String("target", aa.Target))
			}

			if recursionCount > 2 {
				//不准循环递归, 有可能两个域名cname相互指向对方
				err = ErrRecursion
				return
			}
			return DNSQuery(ctx, c, server, dns.Fqdn(aa.Target), dns_type, recursionCount+1)
		}
	}

	err = os.ErrNotExist
	return
}

type IPRecord struct {
	IP         net.IP
	TTL        uint32 //seconds
	RecordTime time.Time
}

func (r IPRecord) expired(now time.Time) bool {
	return now.Sub(r.RecordTime) > time.Duration(r.TTL)*time.Second
}

// Resolver 向一个指定的dns服务器查询 A/AAAA 记录, 并按ttl缓存结果.
// 先查 A, 没有结果 再查 AAAA.
type Resolver struct {
	Server  Addr
	Timeout time.Duration

	client *dns.Client

	mutex sync.RWMutex
	cache map[string]IPRecord
}

// NewResolver 接受 如 udp://1.1.1.1:53 , tcp://8.8.8.8:53 , tls://dns.google:853 的url;
// 不带scheme的 host:port 视为 udp.
func NewResolver(urlStr string, timeout time.Duration) (*Resolver, error) {
	a, err := NewAddrByURL(urlStr)
	if err != nil {
		a, err = NewAddrByHostPort(urlStr)
		if err != nil {
			return nil, err
		}
		a.Network = "udp"
	}
	if a.Port == 0 {
		a.Port = 53
	}
	if timeout <= 0 {
		timeout = DefaultDnsTimeout
	}

	c := &dns.Client{Timeout: timeout}
	switch a.Network {
	case "udp":
		c.Net = "udp"
	case "tcp":
		c.Net = "tcp"
	case "tls":
		c.Net = "tcp-tls"
	default:
		return nil, utils.ErrInErr{ErrDesc: "unsupported dns server network", ErrDetail: utils.ErrWrongParameter, Data: a.Network}
	}

	return &Resolver{
		Server:  a,
		Timeout: timeout,
		client:  c,
		cache:   make(map[string]IPRecord),
	}, nil
}

// LookupIP 返回 host 的一个ip. host 本身是ip时直接返回.
func (r *Resolver) LookupIP(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	fqdn := dns.Fqdn(host)
	now := time.Now()

	r.mutex.RLock()
	rec, ok := r.cache[fqdn]
	r.mutex.RUnlock()
	if ok && !rec.expired(now) {
		return rec.IP, nil
	}

	server := r.Server.String()
	ip, ttl, err := DNSQuery(ctx, r.client, server, fqdn, dns.TypeA, 0)
	if err != nil && !Is_DNSQuery_returnType_ReadErr(err) {
		ip, ttl, err = DNSQuery(ctx, r.client, server, fqdn, dns.TypeAAAA, 0)
	}
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "dns lookup failed", ErrDetail: err, Data: host}
	}

	if ce := utils.CanLogDebug("dns resolved"); ce != nil {
		ce.Write(zap.String("host", host), zap.String("ip", ip.String()), zap.Uint32("ttl", ttl))
	}

	r.mutex.Lock()
	r.cache[fqdn] = IPRecord{IP: ip, TTL: ttl, RecordTime: now}
	r.mutex.Unlock()
	return ip, nil
}
