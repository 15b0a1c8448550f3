package mesona

import (
	"errors"
	"io"
	"time"

	"github.com/e1732a364fed/mesona/padding"
	"github.com/e1732a364fed/mesona/tlsLayer"
	"github.com/e1732a364fed/mesona/utils"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// pump 从 src 读取明文, 按 policy 的计划 写入 dst, 直到出错.
// 读到 EOF 时 对 dst 发送 close_notify 并关闭写方向, 返回 nil.
func pump(dir Direction, dst, src *tlsLayer.Session, policy padding.Policy, bufSize int, counters ...*atomic.Uint64) error {
	var buf []byte
	if bufSize <= utils.MaxBufLen {
		bs := utils.GetPacket()
		defer utils.PutPacket(bs)
		buf = bs[:bufSize]
	} else {
		buf = make([]byte, bufSize)
	}

	segs := make([]padding.Segment, 0, 4)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			segs = policy.Plan(n, segs[:0])
			if _, werr := dst.WriteSegments(buf[:n], segs); werr != nil {
				return &RelayError{Direction: dir, Op: "write", Err: werr}
			}
			for _, c := range counters {
				c.Add(uint64(n))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if cerr := dst.CloseWrite(); cerr != nil {
					return &RelayError{Direction: dir, Op: "write", Err: cerr}
				}
				return nil
			}
			return &RelayError{Direction: dir, Op: "read", Err: err}
		}
	}
}

// relay 阻塞, 直到连接进入 CLOSED 或 FAILED.
func (s *Server) relay(c *Connection) {
	if !c.transition(StateRelaying) {
		return
	}
	bufSize := s.settings.BufferSize
	server := c.Server()

	errCh := make(chan error, 2)
	go func() {
		errCh <- pump(DirToServer, server, c.client, c.toServer, bufSize, &c.bytesToServer, &s.bytesToServer)
	}()
	go func() {
		errCh <- pump(DirToClient, c.client, server, c.toClient, bufSize, &c.bytesToClient, &s.bytesToClient)
	}()

	if err := <-errCh; err != nil {
		s.connFailed(c, "relay failed", err)
		<-errCh
		return
	}

	c.transition(StateDraining)

	timer := time.NewTimer(s.settings.DrainTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		if err != nil {
			s.connFailed(c, "relay failed while draining", err)
			return
		}
	case <-timer.C:
		if ce := utils.CanLogDebug("drain timeout, closing both sides"); ce != nil {
			ce.Write(zap.Uint64("id", c.ID), zap.Duration("timeout", s.settings.DrainTimeout))
		}
		c.finish()
		<-errCh
		return
	}

	c.finish()
}
