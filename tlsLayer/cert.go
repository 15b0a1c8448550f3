package tlsLayer

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/e1732a364fed/mesona/utils"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

var (
	ErrCAFileWrong  = errors.New("ca file is somehow wrong")
	ErrCRLFileWrong = errors.New("crl file is somehow wrong")
	ErrCertRevoked  = errors.New("certificate revoked")
)

type CertConf struct {
	CA                string
	CertFile, KeyFile string
	CRLFile           string
}

// Credentials 是一个监听器所用的证书链 私钥 信任的CA 以及可选的CRL. 只读, 所有连接共享.
type Credentials struct {
	Certificates []tls.Certificate

	// 为nil时, 客户端角色使用系统根证书
	CAPool  *x509.CertPool
	CACerts []*x509.Certificate

	CRL *x509.RevocationList

	revoked map[string]time.Time //serial 的十六进制形式 -> 吊销时间
}

func LoadCA(caFile string) (cp *x509.CertPool, certs []*x509.Certificate, err error) {
	if caFile == "" {
		err = utils.ErrNilParameter
		return
	}
	data, err := os.ReadFile(utils.GetFilePath(caFile))
	if err != nil {
		return nil, nil, err
	}
	cp = x509.NewCertPool()
	if !cp.AppendCertsFromPEM(data) {
		return nil, nil, ErrCAFileWrong
	}

	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, e := x509.ParseCertificate(block.Bytes)
		if e != nil {
			return nil, nil, utils.ErrInErr{ErrDesc: "LoadCA parse failed", ErrDetail: e, Data: caFile}
		}
		certs = append(certs, c)
	}
	return
}

// LoadCRL 接受 PEM ("X509 CRL") 或 DER 格式.
func LoadCRL(crlFile string) (*x509.RevocationList, error) {
	data, err := os.ReadFile(utils.GetFilePath(crlFile))
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "X509 CRL" {
			return nil, utils.ErrInErr{ErrDesc: ErrCRLFileWrong.Error(), ErrDetail: ErrCRLFileWrong, Data: block.Type}
		}
		data = block.Bytes
	}
	crl, err := x509.ParseRevocationList(data)
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: ErrCRLFileWrong.Error(), ErrDetail: err, Data: crlFile}
	}
	return crl, nil
}

// LoadCredentials 读取 conf 中给出的文件. 证书和私钥要么都给出, 要么都不给.
func LoadCredentials(conf CertConf) (*Credentials, error) {
	c := &Credentials{}

	if (conf.CertFile == "") != (conf.KeyFile == "") {
		return nil, utils.ErrInErr{ErrDesc: "cert and key must be given together", ErrDetail: utils.ErrWrongParameter}
	}

	if conf.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(utils.GetFilePath(conf.CertFile), utils.GetFilePath(conf.KeyFile))
		if err != nil {
			return nil, utils.ErrInErr{ErrDesc: "LoadX509KeyPair failed", ErrDetail: err, Data: conf.CertFile}
		}
		c.Certificates = []tls.Certificate{cert}
	}

	if conf.CA != "" {
		pool, certs, err := LoadCA(conf.CA)
		if err != nil {
			return nil, err
		}
		c.CAPool = pool
		c.CACerts = certs
	}

	if conf.CRLFile != "" {
		crl, err := LoadCRL(conf.CRLFile)
		if err != nil {
			return nil, err
		}
		if err := c.SetCRL(crl); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// SetCRL 检查 crl 的签名 (若能找到签发它的CA), 并建立吊销索引.
func (c *Credentials) SetCRL(crl *x509.RevocationList) error {
	issuerFound := false
	for _, ca := range c.CACerts {
		if !bytes.Equal(ca.RawSubject, crl.RawIssuer) {
			continue
		}
		issuerFound = true
		if err := crl.CheckSignatureFrom(ca); err != nil {
			return utils.ErrInErr{ErrDesc: "crl signature check failed", ErrDetail: err, Data: ca.Subject.String()}
		}
		break
	}
	if !issuerFound {
		if ce := utils.CanLogWarn("crl issuer not among the configured CAs, signature not checked"); ce != nil {
			ce.Write(zap.String("issuer", crl.Issuer.String()))
		}
	}
	if !crl.NextUpdate.IsZero() && time.Now().After(crl.NextUpdate) {
		if ce := utils.CanLogWarn("crl is stale"); ce != nil {
			ce.Write(zap.Time("nextUpdate", crl.NextUpdate))
		}
	}

	c.revoked = make(map[string]time.Time, len(crl.RevokedCertificateEntries))
	for _, e := range crl.RevokedCertificateEntries {
		c.revoked[e.SerialNumber.Text(16)] = e.RevocationTime
	}
	c.CRL = crl
	return nil
}

func (c *Credentials) IsRevoked(cert *x509.Certificate) bool {
	if c == nil || c.CRL == nil {
		return false
	}
	if !bytes.Equal(cert.RawIssuer, c.CRL.RawIssuer) {
		return false
	}
	_, ok := c.revoked[cert.SerialNumber.Text(16)]
	return ok
}

// verifyPeerCertificate 用于 tls.Config 和 utls.Config 的 VerifyPeerCertificate.
// 标准的证书链验证由 tls 库完成, 这里只做 CRL 检查.
func (c *Credentials) verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if c == nil || c.CRL == nil {
		return nil
	}
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return err
		}
		if c.IsRevoked(cert) {
			return fmt.Errorf("%w: serial %s, subject %s", ErrCertRevoked, cert.SerialNumber.Text(16), cert.Subject)
		}
	}
	return nil
}

func ParseVersion(s string) (uint16, error) {
	switch s {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported tls min_version %q, must be 1.2 or 1.3", s)
}

// ParseCipherSuites 把 tls1.2 套件名 (如 TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256) 转为 id.
// tls1.3 的套件不可配置, 也不接受不安全的套件. 空列表返回 nil, 即使用库的默认值.
func ParseCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		var found *tls.CipherSuite
		for _, cs := range tls.CipherSuites() {
			if cs.Name == name {
				found = cs
				break
			}
		}
		if found == nil || !slices.Contains(found.SupportedVersions, tls.VersionTLS12) {
			return nil, fmt.Errorf("unsupported tls1.2 cipher suite %q", name)
		}
		ids = append(ids, found.ID)
	}
	return ids, nil
}
