/*
Package netLayer contains definitions in network layer AND transport layer.

本包负责 监听 (含来源地址过滤 和 PROXY protocol), 拨号 (含 socks5/http 上游代理 和 自定义dns), 以及 socket 选项.
*/
package netLayer

import (
	"net"

	"github.com/e1732a364fed/mesona/utils"
)

// CloseWrite 关闭 c 的写方向. c 可以是被 PROXY protocol 包装过的连接. 不支持半关闭的连接返回 nil.
func CloseWrite(c net.Conn) error {
	for i := 0; i < 4; i++ {
		switch v := c.(type) {
		case interface{ CloseWrite() error }:
			return v.CloseWrite()
		case interface{ Raw() net.Conn }:
			c = v.Raw()
		case interface{ NetConn() net.Conn }:
			c = v.NetConn()
		default:
			return nil
		}
	}
	return utils.ErrInvalidData
}
