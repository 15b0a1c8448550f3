package mesona

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/e1732a364fed/mesona/netLayer"
	"github.com/e1732a364fed/mesona/padding"
	"github.com/e1732a364fed/mesona/tlsLayer"
	"github.com/e1732a364fed/mesona/utils"
	"golang.org/x/exp/slices"
)

const (
	DefaultBufferSize       = 16 * 1024
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDrainTimeout     = 5 * time.Second
)

// DestinationPolicy 决定 一个连接要转发到哪个真正的服务器.
type DestinationPolicy int

const (
	DestStatic DestinationPolicy = iota // 总是转发到 Settings.Server
	DestSNI                             // 转发到 客户端的 SNI + Settings.SNIPort
)

func (d DestinationPolicy) String() string {
	if d == DestSNI {
		return "sni"
	}
	return "static"
}

func ParseDestinationPolicy(s string) (DestinationPolicy, error) {
	switch strings.ToLower(s) {
	case "", "static":
		return DestStatic, nil
	case "sni":
		return DestSNI, nil
	}
	return DestStatic, utils.ErrInErr{ErrDesc: "unknown destination policy", ErrDetail: utils.ErrWrongParameter, Data: s}
}

// PaddingPair 是 两个方向上的 填充参数.
type PaddingPair struct {
	ToClient padding.Params
	ToServer padding.Params
}

// Settings 是 一个监听器 解析完毕的配置, 创建 Server 后就不再改变, 所有连接共享.
type Settings struct {
	Tag    string // 只是标签, 用于日志
	Listen string

	Destination DestinationPolicy
	Server      netLayer.Addr //DestStatic
	SNIPort     int           //DestSNI
	AllowedSNI  []string      //DestSNI, 空表示全部允许. 支持 *.example.com 形式

	ServerName string //发往真正服务器的 SNI, 为空时使用客户端的 SNI

	TLSServer *tlsLayer.Server //面向客户端
	TLSClient *tlsLayer.Client //面向真正的服务器

	Padding PaddingPair

	// 按 客户端的 SNI (小写) 覆盖 Padding
	SNIPadding map[string]PaddingPair

	BufferSize       int
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	DrainTimeout     time.Duration

	ListenOpt         netLayer.ListenOpt
	DialSockopt       *netLayer.Sockopt
	UpstreamProxy     *url.URL
	Resolver          *netLayer.Resolver
	SendProxyProtocol int // 0 表示不发送, 否则为 PROXY protocol 的版本 1 或 2

	// 把 单个连接的失败 从 error 级别 降到 debug 级别
	SuppressErrors bool
}

// Validate 检查必要项, 并为零值的可选项 填上默认值.
func (st *Settings) Validate() error {
	if st.Listen == "" {
		return utils.ErrInErr{ErrDesc: "listen address is empty", ErrDetail: utils.ErrNilParameter, Data: st.Tag}
	}
	if st.TLSServer == nil || st.TLSClient == nil {
		return utils.ErrInErr{ErrDesc: "settings need both tls server and tls client", ErrDetail: utils.ErrNilParameter, Data: st.Tag}
	}
	switch st.Destination {
	case DestStatic:
		if st.Server.IsEmpty() || st.Server.Port == 0 {
			return utils.ErrInErr{ErrDesc: "static destination needs a server address", ErrDetail: utils.ErrNilParameter, Data: st.Tag}
		}
	case DestSNI:
		if st.SNIPort <= 0 || st.SNIPort > 65535 {
			return utils.ErrInErr{ErrDesc: "sni destination needs a valid sni_port", ErrDetail: utils.ErrWrongParameter, Data: st.SNIPort}
		}
	default:
		return utils.ErrInErr{ErrDesc: "unknown destination policy", ErrDetail: utils.ErrWrongParameter, Data: int(st.Destination)}
	}

	if err := st.Padding.validate(); err != nil {
		return err
	}
	for sni, pp := range st.SNIPadding {
		if err := pp.validate(); err != nil {
			return utils.ErrInErr{ErrDesc: "invalid sni padding", ErrDetail: err, Data: sni}
		}
	}

	switch st.SendProxyProtocol {
	case 0, 1, 2:
	default:
		return utils.ErrInErr{ErrDesc: "invalid PROXY protocol version", ErrDetail: utils.ErrWrongParameter, Data: st.SendProxyProtocol}
	}

	if st.BufferSize <= 0 {
		st.BufferSize = DefaultBufferSize
	}
	if st.HandshakeTimeout <= 0 {
		st.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if st.DialTimeout <= 0 {
		st.DialTimeout = netLayer.DefaultDialTimeout
	}
	if st.DrainTimeout <= 0 {
		st.DrainTimeout = DefaultDrainTimeout
	}
	return nil
}

func (pp PaddingPair) validate() error {
	if err := pp.ToClient.Validate(); err != nil {
		return utils.ErrInErr{ErrDesc: "invalid padding toward client", ErrDetail: err}
	}
	if err := pp.ToServer.Validate(); err != nil {
		return utils.ErrInErr{ErrDesc: "invalid padding toward server", ErrDetail: err}
	}
	return nil
}

// paddingFor 返回 对某个 SNI 生效的填充参数
func (st *Settings) paddingFor(sni string) PaddingPair {
	if pp, ok := st.SNIPadding[strings.ToLower(sni)]; ok {
		return pp
	}
	return st.Padding
}

// clientMayPad 为 true 时, 面向客户端的会话 要在握手后 接管记录层.
// 握手前还不知道 SNI, 所以只要有一个 SNI 覆盖 需要填充 就要准备好.
func (st *Settings) clientMayPad() bool {
	if st.Padding.ToClient.Enabled() {
		return true
	}
	for _, pp := range st.SNIPadding {
		if pp.ToClient.Enabled() {
			return true
		}
	}
	return false
}

func (st *Settings) sniAllowed(sni string) bool {
	if len(st.AllowedSNI) == 0 {
		return true
	}
	sni = strings.ToLower(sni)
	if slices.Contains(st.AllowedSNI, sni) {
		return true
	}
	for _, pattern := range st.AllowedSNI {
		if suffix, ok := strings.CutPrefix(pattern, "*."); ok && strings.HasSuffix(sni, "."+suffix) {
			return true
		}
	}
	return false
}

// destination 按策略 确定目标地址.
func (st *Settings) destination(sni string) (netLayer.Addr, error) {
	if st.Destination != DestSNI {
		return st.Server, nil
	}
	if sni == "" {
		return netLayer.Addr{}, utils.ErrInErr{ErrDesc: "client sent no sni", ErrDetail: ErrSNINotAllowed}
	}
	if !st.sniAllowed(sni) {
		return netLayer.Addr{}, utils.ErrInErr{ErrDesc: "sni not in allow list", ErrDetail: ErrSNINotAllowed, Data: sni}
	}
	return netLayer.NewAddrByHostPort(net.JoinHostPort(sni, strconv.Itoa(st.SNIPort)))
}

// upstreamServerName 依次使用 server_name, 客户端的 SNI, 目标的主机名.
func (st *Settings) upstreamServerName(sni string, dest netLayer.Addr) string {
	if st.ServerName != "" {
		return st.ServerName
	}
	if sni != "" {
		return sni
	}
	return dest.HostStr()
}
