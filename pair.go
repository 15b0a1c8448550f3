package mesona

import (
	"context"
	"net"
	"strconv"

	"github.com/e1732a364fed/mesona/netLayer"
	"github.com/e1732a364fed/mesona/padding"
	"github.com/e1732a364fed/mesona/utils"
	"go.uber.org/zap"
)

// pair 在客户端握手完成后 建立上游会话, 并为两个方向各创建一个填充策略. 不重试.
// 失败时 上游的连接已被关闭, 客户端会话 由调用者关闭.
func (s *Server) pair(ctx context.Context, c *Connection) error {
	st := s.settings
	info := c.client.Info()

	pp := st.paddingFor(info.ServerName)
	if pp.ToClient.Enabled() && !c.client.CanPad() {
		return utils.ErrInErr{ErrDesc: "client side", ErrDetail: ErrPaddingUnsupported, Data: info.VersionName()}
	}

	dest, err := st.destination(info.ServerName)
	if err != nil {
		return err
	}

	rawUp, err := s.dialer.DialContext(ctx, dest)
	if err != nil {
		return err
	}

	if st.SendProxyProtocol > 0 {
		if _, err := netLayer.WritePROXYprotocol(st.SendProxyProtocol, c.raw, rawUp); err != nil {
			rawUp.Close()
			return utils.ErrInErr{ErrDesc: "failed to send PROXY protocol header", ErrDetail: err, Data: dest.String()}
		}
	}

	var alpn []string
	if p := info.NegotiatedProtocol; p != "" {
		alpn = []string{p}
	}
	serverName := st.upstreamServerName(info.ServerName, dest)

	up, err := st.TLSClient.NewSession(rawUp, serverName, alpn, pp.ToServer.Enabled())
	if err != nil {
		rawUp.Close()
		return err
	}
	if !c.setServer(up, dest) {
		up.Close()
		return net.ErrClosed
	}

	hctx, cancel := context.WithTimeout(ctx, st.HandshakeTimeout)
	err = up.Handshake(hctx)
	cancel()
	if err != nil {
		return err
	}

	if got := up.Info().NegotiatedProtocol; got != info.NegotiatedProtocol {
		return utils.ErrInErr{ErrDesc: "client " + strconv.Quote(info.NegotiatedProtocol) + ", upstream " + strconv.Quote(got), ErrDetail: ErrALPNMismatch, Data: dest.String()}
	}

	if pp.ToServer.Enabled() && !up.CanPad() {
		return utils.ErrInErr{ErrDesc: "server side", ErrDetail: ErrPaddingUnsupported, Data: up.Info().VersionName()}
	}

	if c.toClient, err = padding.New(pp.ToClient); err != nil {
		return err
	}
	if c.toServer, err = padding.New(pp.ToServer); err != nil {
		return err
	}

	if ce := utils.CanLogInfo("paired"); ce != nil {
		ce.Write(
			zap.Uint64("id", c.ID),
			zap.String("tag", st.Tag),
			zap.String("from", c.raw.RemoteAddr().String()),
			zap.String("sni", info.ServerName),
			zap.String("target", dest.String()),
			zap.String("alpn", up.Info().NegotiatedProtocol),
			zap.Stringer("padToClient", pp.ToClient.Mode),
			zap.Stringer("padToServer", pp.ToServer.Mode),
		)
	}
	return nil
}
