package netLayer

import (
	"io"
	"net"
	"time"

	"github.com/e1732a364fed/mesona/utils"
	"github.com/pires/go-proxyproto"
)

const DefaultProxyHeaderTimeout = 10 * time.Second

var proxyProtocolListenPolicyFunc = func(upstream net.Addr) (proxyproto.Policy, error) { return proxyproto.REQUIRE, nil }

// PROXY protocol。
// Reference： http://www.haproxy.org/download/1.8/doc/proxy-protocol.txt
//
// xver 必须是 1或者2. wlc 为监听的连接，wrc为转发的连接. 头中的来源为 wlc 的对端, 目标为 wlc 的本地地址.
func WritePROXYprotocol(xver int, wlc net.Conn, wrc io.Writer) (n int64, err error) {
	if xver != 1 && xver != 2 {
		return 0, utils.ErrInErr{ErrDesc: "Invalid PROXY protocol version", ErrDetail: utils.ErrWrongParameter, Data: xver}
	}
	h := proxyproto.HeaderProxyFromAddrs(byte(xver), wlc.RemoteAddr(), wlc.LocalAddr())
	return h.WriteTo(wrc)
}
