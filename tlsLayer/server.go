package tlsLayer

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/e1732a364fed/mesona/utils"
	"golang.org/x/exp/slices"
)

type ServerConf struct {
	Credentials  *Credentials
	VerifyClient bool
	AlpnList     []string
	MinVersion   uint16
	CipherSuites []uint16 //只影响 tls1.2
	CloseTimeout time.Duration
}

// Server 持有面向客户端的 tls 配置, 为每个接受的连接创建 RoleServer 会话.
type Server struct {
	tlsConfig    *tls.Config
	closeTimeout time.Duration
}

func NewServer(conf ServerConf) (*Server, error) {
	creds := conf.Credentials
	if creds == nil || len(creds.Certificates) == 0 {
		return nil, utils.ErrInErr{ErrDesc: "tls server needs a certificate and key", ErrDetail: utils.ErrNilParameter}
	}

	minver := conf.MinVersion
	if minver == 0 {
		minver = tls.VersionTLS12
	}

	c := &tls.Config{
		Certificates: creds.Certificates,
		MinVersion:   minver,
		CipherSuites: slices.Clone(conf.CipherSuites),
		NextProtos:   slices.Clone(conf.AlpnList),

		//否则 crypto/tls 会在 握手返回前 用应用数据密钥写入 NewSessionTicket, 我们就无法接管记录层了
		SessionTicketsDisabled: true,
	}

	if conf.VerifyClient {
		if creds.CAPool == nil {
			return nil, utils.ErrInErr{ErrDesc: "verify_client needs a ca file", ErrDetail: utils.ErrNilParameter}
		}
		c.ClientAuth = tls.RequireAndVerifyClientCert
		c.ClientCAs = creds.CAPool
		c.VerifyPeerCertificate = creds.verifyPeerCertificate
	}

	return &Server{tlsConfig: c, closeTimeout: conf.CloseTimeout}, nil
}

// NewSession 创建一个尚未握手的 RoleServer 会话. wantPad 为 true 时 握手后若为 tls1.3 会接管记录层.
func (s *Server) NewSession(raw net.Conn, wantPad bool) *Session {
	sess := newSession(RoleServer, raw, wantPad, s.closeTimeout)

	cfg := s.tlsConfig.Clone()
	cfg.KeyLogWriter = sess.keys

	conn := tls.Server(sess.bc, cfg)
	sess.tc = conn
	sess.stateFn = func() Info {
		return infoFromState(conn.ConnectionState())
	}
	return sess
}

func infoFromState(cs tls.ConnectionState) Info {
	return Info{
		Version:            cs.Version,
		CipherSuite:        cs.CipherSuite,
		NegotiatedProtocol: cs.NegotiatedProtocol,
		ServerName:         cs.ServerName,
		PeerCertificates:   cs.PeerCertificates,
		DidResume:          cs.DidResume,
	}
}
