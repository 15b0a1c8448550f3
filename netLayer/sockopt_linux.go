package netLayer

import (
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/e1732a364fed/mesona/utils"
)

// SetSockOpt 是平台相关的. 设置失败只打印日志.
func SetSockOpt(fd int, sockopt *Sockopt) {
	if sockopt == nil {
		return
	}

	if sockopt.Somark != 0 {
		setSomark(fd, sockopt.Somark)
	}

	if sockopt.Device != "" {
		bindToDevice(fd, sockopt.Device)
	}
}

func bindToDevice(fd int, device string) {
	if err := unix.BindToDevice(fd, device); err != nil {
		if ce := utils.CanLogErr("BindToDevice failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
	}
}

func setSomark(fd int, somark int) {
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_MARK, somark); err != nil {
		if ce := utils.CanLogErr("setSomark failed"); ce != nil {
			ce.Write(zap.Error(err))
		}
	}
}
