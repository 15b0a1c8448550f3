//go:build !linux

package netLayer

import "github.com/e1732a364fed/mesona/utils"

func SetSockOpt(fd int, sockopt *Sockopt) {
	if sockopt.IsEmpty() {
		return
	}
	if ce := utils.CanLogWarn("sockopt mark and device are only supported on linux"); ce != nil {
		ce.Write()
	}
}
