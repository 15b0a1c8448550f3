package netLayer

import "syscall"

// 用于 listen和 dial 配置一些底层参数.
type Sockopt struct {
	Somark int    `toml:"mark"`
	Device string `toml:"device"`
}

func (so *Sockopt) IsEmpty() bool {
	return so == nil || (so.Somark == 0 && so.Device == "")
}

// control 用于 net.ListenConfig.Control 和 net.Dialer.Control
func (so *Sockopt) control(network, address string, c syscall.RawConn) error {
	if so.IsEmpty() {
		return nil
	}
	return c.Control(func(fd uintptr) {
		SetSockOpt(int(fd), so)
	})
}
