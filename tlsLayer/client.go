package tlsLayer

import (
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/e1732a364fed/mesona/utils"
	utls "github.com/refraction-networking/utls"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// 关于utls的简单分析，可参考
//https://github.com/e1732a364fed/v2ray_simple/discussions/7

type ClientConf struct {
	Credentials  *Credentials
	Insecure     bool //不验证真正服务器的证书链. CRL 检查仍会进行
	MinVersion   uint16
	CipherSuites []uint16 //只影响 tls1.2; 使用 utls 指纹时 提供的套件由指纹决定
	Fingerprint  string
	CloseTimeout time.Duration
}

// Client 持有面向真正服务器的 tls 配置, 为每个出站连接创建 RoleClient 会话.
type Client struct {
	tlsConfig  *tls.Config
	uTlsConfig *utls.Config

	useUTls         bool
	utlsFingerprint utls.ClientHelloID

	closeTimeout time.Duration
}

// ParseFingerprint 返回 ok==false 表示使用 crypto/tls 自己的 ClientHello.
func ParseFingerprint(str string) (id utls.ClientHelloID, ok bool) {
	switch strings.ToLower(str) {
	case "", "golang", "go", "none":
		return
	case "chrome":
		id = utls.HelloChrome_Auto
	case "firefox":
		id = utls.HelloFirefox_Auto
	case "ios":
		id = utls.HelloIOS_Auto
	case "safari":
		id = utls.HelloSafari_Auto
	case "android":
		id = utls.HelloAndroid_11_OkHttp
	case "360":
		id = utls.Hello360_Auto
	case "edge":
		id = utls.HelloEdge_Auto
	case "random":
		id = utls.HelloRandomizedALPN
	default:
		if ce := utils.CanLogWarn("unknown utls fingerprint, using chrome"); ce != nil {
			ce.Write(zap.String("fingerprint", str))
		}
		id = utls.HelloChrome_Auto
	}
	ok = true
	return
}

func NewClient(conf ClientConf) *Client {
	creds := conf.Credentials
	if creds == nil {
		creds = &Credentials{}
	}
	minver := conf.MinVersion
	if minver == 0 {
		minver = tls.VersionTLS12
	}

	c := &Client{closeTimeout: conf.CloseTimeout}

	c.utlsFingerprint, c.useUTls = ParseFingerprint(conf.Fingerprint)

	if c.useUTls {
		uc := &utls.Config{
			RootCAs:               creds.CAPool,
			InsecureSkipVerify:    conf.Insecure,
			MinVersion:            minver,
			CipherSuites:          conf.CipherSuites,
			VerifyPeerCertificate: creds.verifyPeerCertificate,
		}
		for _, cert := range creds.Certificates {
			uc.Certificates = append(uc.Certificates, utls.Certificate{
				Certificate: cert.Certificate,
				PrivateKey:  cert.PrivateKey,
				Leaf:        cert.Leaf,
			})
		}
		c.uTlsConfig = uc

		if ce := utils.CanLogInfo("Using uTls fingerprint"); ce != nil {
			ce.Write(zap.String("fingerprint", c.utlsFingerprint.Str()))
		}
	} else {
		c.tlsConfig = &tls.Config{
			RootCAs:               creds.CAPool,
			Certificates:          creds.Certificates,
			InsecureSkipVerify:    conf.Insecure,
			MinVersion:            minver,
			CipherSuites:          conf.CipherSuites,
			VerifyPeerCertificate: creds.verifyPeerCertificate,
		}
	}

	return c
}

// NewSession 创建一个尚未握手的 RoleClient 会话. serverName 为发送的 SNI, 同时用于证书验证;
// alpn 为要提供的协议列表, 一般就是客户端那边协商出的协议.
func (c *Client) NewSession(raw net.Conn, serverName string, alpn []string, wantPad bool) (*Session, error) {
	sess := newSession(RoleClient, raw, wantPad, c.closeTimeout)

	if !c.useUTls {
		cfg := c.tlsConfig.Clone()
		cfg.ServerName = serverName
		cfg.NextProtos = alpn
		cfg.KeyLogWriter = sess.keys

		conn := tls.Client(sess.bc, cfg)
		sess.tc = conn
		sess.stateFn = func() Info {
			return infoFromState(conn.ConnectionState())
		}
		return sess, nil
	}

	//utls.Config 不能复用, 握手一次后就会被污染, 只能拷贝
	cfg := c.uTlsConfig.Clone()
	cfg.ServerName = serverName
	cfg.NextProtos = alpn
	cfg.KeyLogWriter = sess.keys

	var uconn *utls.UConn

	if strings.HasPrefix(c.utlsFingerprint.Client, "Randomized") {
		id := c.utlsFingerprint
		if len(alpn) == 0 {
			id = utls.HelloRandomizedNoALPN
		}
		uconn = utls.UClient(sess.bc, cfg, id)
	} else {
		spec, err := utls.UTLSIdToSpec(c.utlsFingerprint)
		if err != nil {
			return nil, utils.ErrInErr{ErrDesc: "UTLSIdToSpec failed", ErrDetail: err, Data: c.utlsFingerprint.Str()}
		}
		setSpecALPN(&spec, alpn)

		uconn = utls.UClient(sess.bc, cfg, utls.HelloCustom)
		if err := uconn.ApplyPreset(&spec); err != nil {
			return nil, utils.ErrInErr{ErrDesc: "utls ApplyPreset failed", ErrDetail: err, Data: c.utlsFingerprint.Str()}
		}
	}

	sess.tc = uconn
	sess.stateFn = func() Info {
		cs := uconn.ConnectionState()
		return Info{
			Version:            cs.Version,
			CipherSuite:        cs.CipherSuite,
			NegotiatedProtocol: cs.NegotiatedProtocol,
			ServerName:         cs.ServerName,
			PeerCertificates:   cs.PeerCertificates,
			DidResume:          cs.DidResume,
		}
	}
	return sess, nil
}

// setSpecALPN 把指纹中的 ALPN 换成 alpn. alpn 为空时 去掉 ALPN 以及依赖它的 ALPS 扩展.
func setSpecALPN(spec *utls.ClientHelloSpec, alpn []string) {
	exts := spec.Extensions[:0]
	for _, ext := range spec.Extensions {
		switch e := ext.(type) {
		case *utls.ALPNExtension:
			if len(alpn) == 0 {
				continue
			}
			e.AlpnProtocols = slices.Clone(alpn)
		case *utls.ApplicationSettingsExtension:
			if len(alpn) == 0 {
				continue
			}
		}
		exts = append(exts, ext)
	}
	spec.Extensions = exts
}
