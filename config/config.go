/*
Package config 读取 toml 格式的配置文件, 并把每个 [listen.xxx] 解析为 mesona.Settings.

toml：https://toml.io/cn/

每个监听器的配置 按 内置默认值 -> [default] -> [listen.xxx] 的顺序叠加, 后者只覆盖它明确给出的项.
[listen.xxx] 中的 xxx 只是标签.
*/
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/e1732a364fed/mesona/netLayer"
	"github.com/e1732a364fed/mesona/utils"
	"go.uber.org/zap"
)

type AppConf struct {
	LogLevel *int    `toml:"loglevel"` //需要为指针, 否则无法判断0到底是未给出的默认值还是 显式声明的0
	LogFile  *string `toml:"logfile"`
}

type PaddingConf struct {
	Mode       string `toml:"mode"` // none, fixed, bucket, random
	RecordSize int    `toml:"record_size"`
	BlockSize  int    `toml:"block_size"`
	MinPad     int    `toml:"min_pad"`
	MaxPad     int    `toml:"max_pad"`
}

// SNIPaddingConf 中 未给出的方向 沿用监听器本身的填充.
type SNIPaddingConf struct {
	ToClient *PaddingConf `toml:"to_client"`
	ToServer *PaddingConf `toml:"to_server"`
}

type TLSConf struct {
	Cert       string   `toml:"cert"`
	Key        string   `toml:"key"`
	CA         string   `toml:"ca"`
	CRL        string   `toml:"crl"`
	Alpn       []string `toml:"alpn"`
	MinVersion string   `toml:"min_version"`

	CipherSuites []string `toml:"cipher_suites"` //tls1.2 套件名, 留空为默认
}

// ListenerConf 是 [default] 和 [listen.xxx] 共用的格式.
type ListenerConf struct {
	Listen      string   `toml:"listen"`
	Server      string   `toml:"server"`
	Destination string   `toml:"destination"` // static 或 sni
	SNIPort     int      `toml:"sni_port"`
	AllowedSNI  []string `toml:"allowed_sni"`
	ServerName  string   `toml:"server_name"`

	UpstreamProxy       string   `toml:"upstream_proxy"`
	DNS                 string   `toml:"dns"`
	AcceptProxyProtocol bool     `toml:"accept_proxy_protocol"`
	SendProxyProtocol   int      `toml:"send_proxy_protocol"`
	Allow               []string `toml:"allow"`
	Fingerprint         string   `toml:"fingerprint"`

	BufferSize       int `toml:"buffer_size"`
	HandshakeTimeout int `toml:"handshake_timeout"` //秒
	DialTimeout      int `toml:"dial_timeout"`
	DrainTimeout     int `toml:"drain_timeout"`
	CloseTimeout     int `toml:"close_timeout"`

	VerifyServer   bool `toml:"verify_server"`
	VerifyClient   bool `toml:"verify_client"`
	SuppressErrors bool `toml:"suppress_errors"`

	PaddingToServer PaddingConf               `toml:"padding_to_server"`
	PaddingToClient PaddingConf               `toml:"padding_to_client"`
	SNIPadding      map[string]SNIPaddingConf `toml:"sni_padding"`

	ServerTLS TLSConf          `toml:"server_tls"`
	ClientTLS TLSConf          `toml:"client_tls"`
	Sockopt   netLayer.Sockopt `toml:"sockopt"`
}

// builtinDefaults 每次返回一个新的值, 各监听器之间不共享任何切片或map.
func builtinDefaults() ListenerConf {
	return ListenerConf{
		Destination:      "static",
		BufferSize:       16 * 1024,
		HandshakeTimeout: 10,
		DialTimeout:      10,
		DrainTimeout:     5,
		CloseTimeout:     2,
		VerifyServer:     true,
		PaddingToServer:  PaddingConf{Mode: "none"},
		PaddingToClient:  PaddingConf{Mode: "none"},
	}
}

// Conf 是 解析后的整个配置文件. Listen 中的每一项 都已经叠加了默认值.
type Conf struct {
	App *AppConf

	Listen map[string]*ListenerConf
}

// Tags 按字母序返回所有监听器的标签, 使启动顺序稳定.
func (c *Conf) Tags() []string {
	return utils.GetMapSortedKeySlice(c.Listen)
}

type rawConf struct {
	App     *AppConf                  `toml:"app"`
	Default toml.Primitive            `toml:"default"`
	Listen  map[string]toml.Primitive `toml:"listen"`
}

func LoadTomlConfStr(str string) (*Conf, error) {
	var raw rawConf
	md, err := toml.Decode(str, &raw)
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "invalid toml", ErrDetail: err}
	}

	c := &Conf{App: raw.App, Listen: make(map[string]*ListenerConf, len(raw.Listen))}

	for tag, prim := range raw.Listen {
		lc := builtinDefaults()
		//toml 解码到已有的值上时, 只覆盖给出的项, 这正是我们需要的叠加方式
		if md.IsDefined("default") {
			if err := md.PrimitiveDecode(raw.Default, &lc); err != nil {
				return nil, utils.ErrInErr{ErrDesc: "invalid [default]", ErrDetail: err}
			}
		}
		if err := md.PrimitiveDecode(prim, &lc); err != nil {
			return nil, utils.ErrInErr{ErrDesc: "invalid listener", ErrDetail: err, Data: tag}
		}
		c.Listen[tag] = &lc
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		if ce := utils.CanLogWarn("config has unknown keys"); ce != nil {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			ce.Write(zap.Strings("keys", keys))
		}
	}
	return c, nil
}

func LoadTomlConfFile(fileNamePath string) (*Conf, error) {
	bs, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "can't open config file", ErrDetail: err, Data: fileNamePath}
	}
	return LoadTomlConfStr(string(bs))
}

// Setup 应用 日志相关的配置. 命令行中明确给出的参数 优先于配置文件.
func (ac *AppConf) Setup() {
	if ac == nil {
		return
	}
	if ac.LogFile != nil && !utils.IsFlagGiven("lf") {
		utils.LogOutFileName = *ac.LogFile
	}
	if ac.LogLevel != nil && !utils.IsFlagGiven("ll") {
		utils.LogLevel = *ac.LogLevel
	}
}
