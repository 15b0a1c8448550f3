package config

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/e1732a364fed/mesona"
	"github.com/e1732a364fed/mesona/netLayer"
	"github.com/e1732a364fed/mesona/padding"
	"github.com/e1732a364fed/mesona/tlsLayer"
	"github.com/e1732a364fed/mesona/utils"
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (pc PaddingConf) Params() (padding.Params, error) {
	m, err := padding.ParseMode(pc.Mode)
	if err != nil {
		return padding.Params{}, err
	}
	p := padding.Params{
		Mode:       m,
		RecordSize: pc.RecordSize,
		BlockSize:  pc.BlockSize,
		MinPad:     pc.MinPad,
		MaxPad:     pc.MaxPad,
	}
	return p, p.Validate()
}

func (tc TLSConf) certConf() tlsLayer.CertConf {
	return tlsLayer.CertConf{
		CA:       tc.CA,
		CertFile: tc.Cert,
		KeyFile:  tc.Key,
		CRLFile:  tc.CRL,
	}
}

// isListenAddr 与 govalidator.IsDialString 类似, 但允许 空的host 和 0端口.
func isListenAddr(s string) bool {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return false
	}
	if host != "" && !govalidator.IsIP(host) && !govalidator.IsDNSName(host) {
		return false
	}
	return port == "0" || govalidator.IsPort(port)
}

func invalid(tag, desc string, data any) error {
	return utils.ErrInErr{ErrDesc: "listener " + tag + ": " + desc, ErrDetail: utils.ErrWrongParameter, Data: data}
}

// validate 检查地址 域名 之类的格式. 文件 和 填充参数 在 Resolve 中检查.
func (lc *ListenerConf) validate(tag string) error {
	if !isListenAddr(lc.Listen) {
		return invalid(tag, "listen must be host:port", lc.Listen)
	}

	switch strings.ToLower(lc.Destination) {
	case "", "static":
		if !govalidator.IsDialString(lc.Server) {
			return invalid(tag, "server must be host:port", lc.Server)
		}
	case "sni":
		if !govalidator.IsPort(strconv.Itoa(lc.SNIPort)) {
			return invalid(tag, "sni_port must be a port", lc.SNIPort)
		}
		for _, s := range lc.AllowedSNI {
			if !govalidator.IsDNSName(strings.TrimPrefix(s, "*.")) {
				return invalid(tag, "allowed_sni entry is not a dns name", s)
			}
		}
	}

	if lc.ServerName != "" && !govalidator.IsDNSName(lc.ServerName) && !govalidator.IsIP(lc.ServerName) {
		return invalid(tag, "server_name is not a dns name", lc.ServerName)
	}
	if lc.UpstreamProxy != "" {
		if u, err := url.Parse(lc.UpstreamProxy); err != nil || !govalidator.IsDialString(u.Host) {
			return invalid(tag, "upstream_proxy must be socks5://host:port or http://host:port", lc.UpstreamProxy)
		}
	}
	for _, a := range lc.Allow {
		if !govalidator.IsCIDR(a) && !govalidator.IsIP(a) {
			return invalid(tag, "allow entry is neither ip nor cidr", a)
		}
	}
	if lc.BufferSize < 0 || lc.BufferSize > 1024*1024 {
		return invalid(tag, "buffer_size out of range", lc.BufferSize)
	}
	return nil
}

// Resolve 把一个监听器的配置 解析为 mesona.Settings: 读取证书 CRL, 创建 tls 配置, dns 和 上游代理.
func (lc *ListenerConf) Resolve(tag string) (*mesona.Settings, error) {
	if err := lc.validate(tag); err != nil {
		return nil, err
	}

	st := &mesona.Settings{
		Tag:               tag,
		Listen:            lc.Listen,
		SNIPort:           lc.SNIPort,
		ServerName:        lc.ServerName,
		BufferSize:        lc.BufferSize,
		HandshakeTimeout:  seconds(lc.HandshakeTimeout),
		DialTimeout:       seconds(lc.DialTimeout),
		DrainTimeout:      seconds(lc.DrainTimeout),
		SendProxyProtocol: lc.SendProxyProtocol,
		SuppressErrors:    lc.SuppressErrors,
	}

	var err error
	if st.Destination, err = mesona.ParseDestinationPolicy(lc.Destination); err != nil {
		return nil, err
	}
	if st.Destination == mesona.DestStatic {
		if st.Server, err = netLayer.NewAddrByHostPort(lc.Server); err != nil {
			return nil, utils.ErrInErr{ErrDesc: "invalid server", ErrDetail: err, Data: lc.Server}
		}
	}
	for _, s := range lc.AllowedSNI {
		st.AllowedSNI = append(st.AllowedSNI, strings.ToLower(s))
	}

	if st.Padding.ToServer, err = lc.PaddingToServer.Params(); err != nil {
		return nil, utils.ErrInErr{ErrDesc: "invalid padding_to_server", ErrDetail: err, Data: tag}
	}
	if st.Padding.ToClient, err = lc.PaddingToClient.Params(); err != nil {
		return nil, utils.ErrInErr{ErrDesc: "invalid padding_to_client", ErrDetail: err, Data: tag}
	}
	if len(lc.SNIPadding) > 0 {
		st.SNIPadding = make(map[string]mesona.PaddingPair, len(lc.SNIPadding))
		for sni, spc := range lc.SNIPadding {
			pp := st.Padding
			if spc.ToClient != nil {
				if pp.ToClient, err = spc.ToClient.Params(); err != nil {
					return nil, utils.ErrInErr{ErrDesc: "invalid sni_padding to_client", ErrDetail: err, Data: sni}
				}
			}
			if spc.ToServer != nil {
				if pp.ToServer, err = spc.ToServer.Params(); err != nil {
					return nil, utils.ErrInErr{ErrDesc: "invalid sni_padding to_server", ErrDetail: err, Data: sni}
				}
			}
			st.SNIPadding[strings.ToLower(sni)] = pp
		}
	}

	if err := lc.resolveTLS(st); err != nil {
		return nil, err
	}

	if lc.DNS != "" {
		if st.Resolver, err = netLayer.NewResolver(lc.DNS, st.DialTimeout); err != nil {
			return nil, utils.ErrInErr{ErrDesc: "invalid dns", ErrDetail: err, Data: lc.DNS}
		}
	}
	if lc.UpstreamProxy != "" {
		if st.UpstreamProxy, err = netLayer.ParseProxyURL(lc.UpstreamProxy); err != nil {
			return nil, err
		}
	}

	acl, err := netLayer.NewACL(lc.Allow)
	if err != nil {
		return nil, err
	}
	var sockopt *netLayer.Sockopt
	if !lc.Sockopt.IsEmpty() {
		so := lc.Sockopt
		sockopt = &so
	}
	st.ListenOpt = netLayer.ListenOpt{
		Sockopt:             sockopt,
		AcceptProxyProtocol: lc.AcceptProxyProtocol,
		Allow:               acl,
	}
	st.DialSockopt = sockopt

	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}

func (lc *ListenerConf) resolveTLS(st *mesona.Settings) error {
	serverCreds, err := tlsLayer.LoadCredentials(lc.ServerTLS.certConf())
	if err != nil {
		return utils.ErrInErr{ErrDesc: "invalid server_tls", ErrDetail: err, Data: st.Tag}
	}
	serverMin, err := tlsLayer.ParseVersion(lc.ServerTLS.MinVersion)
	if err != nil {
		return err
	}
	serverSuites, err := tlsLayer.ParseCipherSuites(lc.ServerTLS.CipherSuites)
	if err != nil {
		return utils.ErrInErr{ErrDesc: "invalid server_tls", ErrDetail: err, Data: st.Tag}
	}
	st.TLSServer, err = tlsLayer.NewServer(tlsLayer.ServerConf{
		Credentials:  serverCreds,
		VerifyClient: lc.VerifyClient,
		AlpnList:     lc.ServerTLS.Alpn,
		MinVersion:   serverMin,
		CipherSuites: serverSuites,
		CloseTimeout: seconds(lc.CloseTimeout),
	})
	if err != nil {
		return utils.ErrInErr{ErrDesc: "invalid server_tls", ErrDetail: err, Data: st.Tag}
	}

	clientCreds, err := tlsLayer.LoadCredentials(lc.ClientTLS.certConf())
	if err != nil {
		return utils.ErrInErr{ErrDesc: "invalid client_tls", ErrDetail: err, Data: st.Tag}
	}
	clientMin, err := tlsLayer.ParseVersion(lc.ClientTLS.MinVersion)
	if err != nil {
		return err
	}
	clientSuites, err := tlsLayer.ParseCipherSuites(lc.ClientTLS.CipherSuites)
	if err != nil {
		return utils.ErrInErr{ErrDesc: "invalid client_tls", ErrDetail: err, Data: st.Tag}
	}
	st.TLSClient = tlsLayer.NewClient(tlsLayer.ClientConf{
		Credentials:  clientCreds,
		Insecure:     !lc.VerifyServer,
		MinVersion:   clientMin,
		CipherSuites: clientSuites,
		Fingerprint:  lc.Fingerprint,
		CloseTimeout: seconds(lc.CloseTimeout),
	})
	return nil
}

// Resolve 解析所有监听器. 某个监听器出错时 不影响其它的, 错误按标签返回.
func (c *Conf) Resolve() (settings []*mesona.Settings, errs map[string]error) {
	for _, tag := range c.Tags() {
		st, err := c.Listen[tag].Resolve(tag)
		if err != nil {
			if errs == nil {
				errs = make(map[string]error)
			}
			errs[tag] = err
			continue
		}
		settings = append(settings, st)
	}
	return
}
