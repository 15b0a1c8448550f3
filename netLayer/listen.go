package netLayer

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/e1732a364fed/mesona/utils"
	"github.com/pires/go-proxyproto"
	"go.uber.org/zap"
)

type ListenOpt struct {
	Sockopt *Sockopt

	// 要求每个连接以 PROXY protocol 头开始 (v1 或 v2), 之后 RemoteAddr 返回头中声明的来源地址.
	AcceptProxyProtocol bool

	// 按 tcp 对端地址过滤, 先于 PROXY protocol 的解析.
	Allow *ACL
}

// aclListener 直接关闭 不在白名单中的连接, 不交给上层.
type aclListener struct {
	net.Listener
	acl *ACL
}

func (l *aclListener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if l.acl.Allow(c.RemoteAddr()) {
			return c, nil
		}
		if ce := utils.CanLogInfo("rejected connection not in allow list"); ce != nil {
			ce.Write(zap.String("from", c.RemoteAddr().String()))
		}
		c.Close()
	}
}

// Listen 监听 tcp, 并按 opt 包装 listener.
func Listen(network, addr string, opt ListenOpt) (net.Listener, error) {
	if network == "" {
		network = "tcp"
	}
	lc := net.ListenConfig{Control: opt.Sockopt.control}
	listener, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, err
	}
	if opt.Allow != nil {
		listener = &aclListener{Listener: listener, acl: opt.Allow}
	}
	if opt.AcceptProxyProtocol {
		listener = &proxyproto.Listener{
			Listener:          listener,
			Policy:            proxyProtocolListenPolicyFunc,
			ReadHeaderTimeout: DefaultProxyHeaderTimeout,
		}
	}
	return listener, nil
}

// LoopAccept 阻塞, 直到 listener 被关闭. 其它 Accept 错误只打印日志, 遇到 描述符耗尽 时休眠 500ms.
func LoopAccept(listener net.Listener, acceptFunc func(net.Conn)) {
	for {
		newc, err := listener.Accept()
		if err != nil {
			errStr := err.Error()
			if errors.Is(err, net.ErrClosed) || strings.Contains(errStr, "closed") {
				if ce := utils.CanLogDebug("local connection closed"); ce != nil {
					ce.Write(zap.Error(err))
				}
				break
			}
			if ce := utils.CanLogWarn("failed to accept connection"); ce != nil {
				ce.Write(zap.Error(err))
			}
			if strings.Contains(errStr, "too many") {
				if ce := utils.CanLogWarn("To many incoming conn! Will Sleep."); ce != nil {
					ce.Write(zap.String("err", errStr))
				}
				time.Sleep(time.Millisecond * 500)
			}
			continue
		}
		go acceptFunc(newc)
	}
}

// ListenAndAccept 非阻塞，在自己的goroutine中监听. 返回的 listener 用于关闭.
func ListenAndAccept(network, addr string, opt ListenOpt, acceptFunc func(net.Conn)) (net.Listener, error) {
	listener, err := Listen(network, addr, opt)
	if err != nil {
		return nil, err
	}
	go LoopAccept(listener, acceptFunc)
	return listener, nil
}
