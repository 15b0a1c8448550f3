package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/e1732a364fed/mesona"
	"github.com/e1732a364fed/mesona/internal/certtest"
	"github.com/e1732a364fed/mesona/padding"
	"github.com/e1732a364fed/mesona/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const layeredConf = `
[app]
loglevel = 2

[default]
server = "upstream.example:443"
dial_timeout = 3
allow = ["127.0.0.0/8"]
padding_to_client = { mode = "fixed", record_size = 1024 }

[listen.a]
listen = "127.0.0.1:0"

[listen.b]
listen = ":8443"
server = "other.example:8443"
dial_timeout = 7
verify_server = false

[listen.b.padding_to_client]
mode = "bucket"
block_size = 512

[listen.b.sni_padding."Video.example".to_server]
mode = "random"
min_pad = 1
max_pad = 100
`

func TestLayeredMerge(t *testing.T) {
	c, err := LoadTomlConfStr(layeredConf)
	require.NoError(t, err)

	require.NotNil(t, c.App)
	require.NotNil(t, c.App.LogLevel)
	assert.Equal(t, 2, *c.App.LogLevel)
	assert.Nil(t, c.App.LogFile)

	assert.Equal(t, []string{"a", "b"}, c.Tags())

	a := c.Listen["a"]
	assert.Equal(t, "127.0.0.1:0", a.Listen)
	assert.Equal(t, "upstream.example:443", a.Server, "inherited from [default]")
	assert.Equal(t, 3, a.DialTimeout)
	assert.Equal(t, 10, a.HandshakeTimeout, "builtin default")
	assert.Equal(t, 16*1024, a.BufferSize)
	assert.True(t, a.VerifyServer)
	assert.Equal(t, "fixed", a.PaddingToClient.Mode)
	assert.Equal(t, 1024, a.PaddingToClient.RecordSize)
	assert.Equal(t, "none", a.PaddingToServer.Mode)
	assert.Equal(t, []string{"127.0.0.0/8"}, a.Allow)

	b := c.Listen["b"]
	assert.Equal(t, "other.example:8443", b.Server)
	assert.Equal(t, 7, b.DialTimeout)
	assert.False(t, b.VerifyServer)
	assert.Equal(t, "bucket", b.PaddingToClient.Mode)
	assert.Equal(t, 512, b.PaddingToClient.BlockSize)
	require.Contains(t, b.SNIPadding, "Video.example")
	assert.Nil(t, b.SNIPadding["Video.example"].ToClient)
	require.NotNil(t, b.SNIPadding["Video.example"].ToServer)
	assert.Equal(t, 100, b.SNIPadding["Video.example"].ToServer.MaxPad)

	//两个监听器不能共享 [default] 解码出的切片
	a.Allow[0] = "10.0.0.0/8"
	assert.Equal(t, "127.0.0.0/8", b.Allow[0])
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadTomlConfStr(`[listen.a`)
	assert.Error(t, err)

	_, err = LoadTomlConfStr(`
[listen.a]
buffer_size = "big"
`)
	assert.Error(t, err)

	c, err := LoadTomlConfStr(`
[listen.a]
listen = "127.0.0.1:0"
no_such_key = 1
`)
	require.NoError(t, err, "unknown keys are only warned about")
	assert.Len(t, c.Listen, 1)

	_, err = LoadTomlConfFile("/nonexistent/mesona.toml")
	assert.Error(t, err)
}

type pki struct {
	dir                   string
	ca, crl, cert, key    string
	clientCert, clientKey string
}

func writePKI(t *testing.T) pki {
	t.Helper()
	dir := t.TempDir()

	ca, err := certtest.NewAuthority("config test ca")
	require.NoError(t, err)
	leaf, err := ca.Issue("relay.test", "127.0.0.1")
	require.NoError(t, err)
	client, err := ca.Issue("client.test")
	require.NoError(t, err)
	crl, err := ca.CRL(client.Cert)
	require.NoError(t, err)

	p := pki{dir: dir}
	write := func(name string, data []byte) string {
		path, err := certtest.WriteFile(dir, name, data)
		require.NoError(t, err)
		return path
	}
	p.ca = write("ca.pem", ca.CertPEM)
	p.crl = write("ca.crl", crl)
	p.cert = write("relay.pem", leaf.CertPEM)
	p.key = write("relay.key", leaf.KeyPEM)
	p.clientCert = write("client.pem", client.CertPEM)
	p.clientKey = write("client.key", client.KeyPEM)
	return p
}

func (p pki) conf(listener string) string {
	return fmt.Sprintf(`
[default]
server_tls = { cert = '%s', key = '%s', ca = '%s', crl = '%s', alpn = ["h2", "http/1.1"] }
client_tls = { cert = '%s', key = '%s', ca = '%s', min_version = "1.3" }
verify_client = true
close_timeout = 1

%s
`, p.cert, p.key, p.ca, p.crl, p.clientCert, p.clientKey, p.ca, listener)
}

func TestResolve(t *testing.T) {
	p := writePKI(t)

	c, err := LoadTomlConfStr(p.conf(`
[listen.static]
listen = "127.0.0.1:0"
server = "127.0.0.1:9443"
dns = "udp://127.0.0.1:5353"
upstream_proxy = "socks5://127.0.0.1:1080"
accept_proxy_protocol = true
send_proxy_protocol = 2
allow = ["127.0.0.1", "::1/128"]
drain_timeout = 1
padding_to_server = { mode = "random", min_pad = 0, max_pad = 64 }

[listen.static.sni_padding."Video.Example".to_client]
mode = "fixed"
record_size = 4096

[listen.bysni]
listen = "127.0.0.1:0"
destination = "sni"
sni_port = 443
allowed_sni = ["Example.com", "*.example.org"]
suppress_errors = true
upstream_proxy = "http://user:pw@127.0.0.1:3128"
client_tls = { cipher_suites = ["TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256"] }
`))
	require.NoError(t, err)

	settings, errs := c.Resolve()
	require.Empty(t, errs)
	require.Len(t, settings, 2)

	//按标签排序
	bysni, static := settings[0], settings[1]
	assert.Equal(t, "bysni", bysni.Tag)
	assert.Equal(t, "static", static.Tag)

	assert.Equal(t, mesona.DestStatic, static.Destination)
	assert.Equal(t, "127.0.0.1:9443", static.Server.String())
	assert.Equal(t, time.Second, static.DrainTimeout)
	assert.Equal(t, 10*time.Second, static.HandshakeTimeout)
	assert.Equal(t, 2, static.SendProxyProtocol)
	require.NotNil(t, static.Resolver)
	require.NotNil(t, static.UpstreamProxy)
	assert.Equal(t, "socks5", static.UpstreamProxy.Scheme)
	assert.True(t, static.ListenOpt.AcceptProxyProtocol)
	require.NotNil(t, static.ListenOpt.Allow)
	assert.Equal(t, 2, static.ListenOpt.Allow.Len())
	assert.Nil(t, static.ListenOpt.Sockopt)
	assert.NotNil(t, static.TLSServer)
	assert.NotNil(t, static.TLSClient)

	assert.Equal(t, padding.Random, static.Padding.ToServer.Mode)
	assert.Equal(t, 64, static.Padding.ToServer.MaxPad)
	assert.False(t, static.Padding.ToClient.Enabled())

	override, ok := static.SNIPadding["video.example"]
	require.True(t, ok, "sni keys are lowercased")
	assert.Equal(t, padding.Params{Mode: padding.Fixed, RecordSize: 4096}, override.ToClient)
	assert.Equal(t, static.Padding.ToServer, override.ToServer, "missing side inherits the listener padding")

	assert.Equal(t, mesona.DestSNI, bysni.Destination)
	assert.Equal(t, 443, bysni.SNIPort)
	assert.Equal(t, []string{"example.com", "*.example.org"}, bysni.AllowedSNI)
	assert.True(t, bysni.SuppressErrors)
	assert.True(t, bysni.Server.IsEmpty())
	require.NotNil(t, bysni.UpstreamProxy)
	assert.Equal(t, "http", bysni.UpstreamProxy.Scheme)
	assert.Equal(t, "user", bysni.UpstreamProxy.User.Username())
}

func TestResolveErrors(t *testing.T) {
	p := writePKI(t)

	cases := map[string]string{
		"listen":         `listen = "nope"` + "\nserver = \"a.example:443\"",
		"server":         `listen = "127.0.0.1:0"` + "\nserver = \"a.example\"",
		"sni port":       `listen = "127.0.0.1:0"` + "\ndestination = \"sni\"\nsni_port = 70000",
		"allowed sni":    `listen = "127.0.0.1:0"` + "\ndestination = \"sni\"\nsni_port = 443\nallowed_sni = [\"bad name!\"]",
		"destination":    `listen = "127.0.0.1:0"` + "\nserver = \"a.example:443\"\ndestination = \"dns\"",
		"allow":          `listen = "127.0.0.1:0"` + "\nserver = \"a.example:443\"\nallow = [\"not-an-ip\"]",
		"proxy scheme":   `listen = "127.0.0.1:0"` + "\nserver = \"a.example:443\"\nupstream_proxy = \"socks4://127.0.0.1:1080\"",
		"dns scheme":     `listen = "127.0.0.1:0"` + "\nserver = \"a.example:443\"\ndns = \"https://dns.example/dns-query\"",
		"padding mode":   `listen = "127.0.0.1:0"` + "\nserver = \"a.example:443\"\npadding_to_client = { mode = \"zigzag\" }",
		"padding range":  `listen = "127.0.0.1:0"` + "\nserver = \"a.example:443\"\npadding_to_server = { mode = \"random\", min_pad = 10, max_pad = 1 }",
		"record size":    `listen = "127.0.0.1:0"` + "\nserver = \"a.example:443\"\npadding_to_server = { mode = \"fixed\", record_size = 20000 }",
		"proxy protocol": `listen = "127.0.0.1:0"` + "\nserver = \"a.example:443\"\nsend_proxy_protocol = 3",
		"buffer":         `listen = "127.0.0.1:0"` + "\nserver = \"a.example:443\"\nbuffer_size = -1",
		"cipher suite":   `listen = "127.0.0.1:0"` + "\nserver = \"a.example:443\"\nclient_tls = { cipher_suites = [\"TLS_AES_128_GCM_SHA256\"] }",
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			c, err := LoadTomlConfStr(p.conf("[listen.x]\n" + body))
			require.NoError(t, err)
			settings, errs := c.Resolve()
			assert.Empty(t, settings)
			assert.Error(t, errs["x"])
		})
	}
}

func TestResolveMissingCert(t *testing.T) {
	c, err := LoadTomlConfStr(`
[listen.missing]
listen = "127.0.0.1:0"
server = "a.example:443"
server_tls = { cert = '/nonexistent/cert.pem', key = '/nonexistent/key.pem' }

[listen.nocert]
listen = "127.0.0.1:0"
server = "a.example:443"
`)
	require.NoError(t, err)

	settings, errs := c.Resolve()
	assert.Empty(t, settings)
	assert.Len(t, errs, 2)
	assert.Error(t, errs["missing"])
	assert.Error(t, errs["nocert"], "a listener without a certificate can't terminate tls")
}

func TestAppConfSetup(t *testing.T) {
	oldLevel, oldFile, oldFlags := utils.LogLevel, utils.LogOutFileName, utils.GivenFlags
	defer func() {
		utils.LogLevel, utils.LogOutFileName, utils.GivenFlags = oldLevel, oldFile, oldFlags
	}()

	lvl := utils.Log_warning
	file := "relay.log"
	ac := &AppConf{LogLevel: &lvl, LogFile: &file}

	utils.GivenFlags = nil
	ac.Setup()
	assert.Equal(t, utils.Log_warning, utils.LogLevel)
	assert.Equal(t, "relay.log", utils.LogOutFileName)

	//命令行给出的参数优先
	utils.LogLevel = utils.Log_debug
	utils.GivenFlags = utils.GetGivenFlags()
	utils.GivenFlags["ll"] = nil
	ac.Setup()
	assert.Equal(t, utils.Log_debug, utils.LogLevel)

	var nilConf *AppConf
	assert.NotPanics(t, nilConf.Setup)
}
