package tlsLayer

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

const (
	keyLogLabelClientTraffic = "CLIENT_TRAFFIC_SECRET_0"
	keyLogLabelServerTraffic = "SERVER_TRAFFIC_SECRET_0"

	aeadNonceLength = 12
)

var ErrSecretsNotCaptured = errors.New("tls 1.3 traffic secrets were not captured")

// tls1.3 的密码套件, 只包含我们接管记录层时需要的部分.
type cipherSuite struct {
	id     uint16
	keyLen int
	hash   func() hash.Hash
	aead   func(key []byte) (cipher.AEAD, error)
}

func aeadAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

var tls13CipherSuites = []*cipherSuite{
	{id: 0x1301, keyLen: 16, hash: sha256.New, aead: aeadAESGCM},           //TLS_AES_128_GCM_SHA256
	{id: 0x1302, keyLen: 32, hash: sha512.New384, aead: aeadAESGCM},        //TLS_AES_256_GCM_SHA384
	{id: 0x1303, keyLen: 32, hash: sha256.New, aead: chacha20poly1305.New}, //TLS_CHACHA20_POLY1305_SHA256
}

func cipherSuiteTLS13ByID(id uint16) *cipherSuite {
	for _, s := range tls13CipherSuites {
		if s.id == id {
			return s
		}
	}
	return nil
}

// expandLabel 实现 RFC 8446 7.1 的 HKDF-Expand-Label.
func (cs *cipherSuite) expandLabel(secret []byte, label string, context []byte, length int) []byte {
	var b cryptobyte.Builder
	b.AddUint16(uint16(length))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte("tls13 "))
		b.AddBytes([]byte(label))
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(context)
	})
	hkdfLabel, err := b.Bytes()
	if err != nil {
		panic("tlsLayer: HKDF-Expand-Label invocation failed unexpectedly")
	}
	out := make([]byte, length)
	n, err := io.ReadFull(hkdf.Expand(cs.hash, secret, hkdfLabel), out)
	if err != nil || n != length {
		panic("tlsLayer: HKDF-Expand invocation failed unexpectedly")
	}
	return out
}

// trafficKey 从 traffic secret 派生 aead 密钥和 iv.
func (cs *cipherSuite) trafficKey(secret []byte) (key, iv []byte) {
	key = cs.expandLabel(secret, "key", nil, cs.keyLen)
	iv = cs.expandLabel(secret, "iv", nil, aeadNonceLength)
	return
}

// nextTrafficSecret 用于 KeyUpdate, 见 RFC 8446 7.2.
func (cs *cipherSuite) nextTrafficSecret(secret []byte) []byte {
	return cs.expandLabel(secret, "traffic upd", nil, cs.hash().Size())
}

// keyLog 作为 tls.Config.KeyLogWriter, 从 NSS key log 格式中截取 应用数据阶段 的 traffic secret.
//
// crypto/tls 和 utls 每次 Write 都恰好是一行: "LABEL <client_random hex> <secret hex>\n"
type keyLog struct {
	mu           sync.Mutex
	clientSecret []byte
	serverSecret []byte
}

func (kl *keyLog) Write(p []byte) (int, error) {
	fields := bytes.Fields(p)
	if len(fields) != 3 {
		return len(p), nil
	}

	var dst *[]byte
	switch string(fields[0]) {
	case keyLogLabelClientTraffic:
		dst = &kl.clientSecret
	case keyLogLabelServerTraffic:
		dst = &kl.serverSecret
	default:
		return len(p), nil
	}

	secret := make([]byte, hex.DecodedLen(len(fields[2])))
	if _, err := hex.Decode(secret, fields[2]); err != nil {
		return 0, err
	}

	kl.mu.Lock()
	*dst = secret
	kl.mu.Unlock()
	return len(p), nil
}

func (kl *keyLog) secrets() (client, server []byte, err error) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	if len(kl.clientSecret) == 0 || len(kl.serverSecret) == 0 {
		return nil, nil, ErrSecretsNotCaptured
	}
	return kl.clientSecret, kl.serverSecret, nil
}
