package tlsLayer

import (
	"bufio"
	"bytes"
	"crypto/cipher"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/e1732a364fed/mesona/padding"
	"github.com/e1732a364fed/mesona/utils"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const (
	recordTypeChangeCipherSpec = 20
	recordTypeAlert            = 21
	recordTypeHandshake        = 22
	recordTypeApplicationData  = 23

	recordHeaderLen = padding.RecordHeaderLen

	maxPlaintext       = padding.MaxRecordPayload
	maxCiphertextTLS13 = maxPlaintext + 256

	typeNewSessionTicket = 4
	typeKeyUpdate        = 24

	alertLevelWarning = 1
	alertLevelError   = 2

	alertCloseNotify       = 0
	alertUnexpectedMessage = 10
	alertBadRecordMAC      = 20
	alertRecordOverflow    = 22
	alertDecodeError       = 50
	alertInternalError     = 80

	// 连续收到的空 application_data 记录上限, 防止对方用空记录空转我们
	maxConsecutiveEmptyRecords = 100

	// 握手后消息的长度上限, 我们只关心 NewSessionTicket 和 KeyUpdate
	maxPostHandshakeMsgLen = 1 << 16
)

// 己方写入这么多条记录后 主动更新写密钥. AES-GCM 在同一密钥下的安全上限远高于此.
var keyUpdateInterval uint64 = 1 << 24

var errWriteAfterClose = errors.New("tls: write after close_notify")

// AlertError 表示对方发来了一个非 close_notify 的 alert.
type AlertError struct {
	Level       uint8
	Description uint8
}

func (e *AlertError) Error() string {
	return "remote error: " + tls.AlertError(e.Description).Error()
}

// localAlert 是我们自己检测到的协议错误; 它会在返回前被发送给对方.
type localAlert struct {
	desc uint8
	msg  string
}

func (e *localAlert) Error() string {
	return fmt.Sprintf("%s (%s)", tls.AlertError(e.desc).Error(), e.msg)
}

func (e *localAlert) Unwrap() error {
	return tls.AlertError(e.desc)
}

// boundaryConn 在握手期间放在 tls 库和 tcp 连接之间, 使每次 Read 都不会越过当前记录的末尾.
// 这样握手结束时 tls 库内部不会缓存任何 属于应用数据阶段的 字节, 我们可以干净地接管记录层.
type boundaryConn struct {
	net.Conn

	hdr  [recordHeaderLen]byte
	hdrN int
	left int

	passthrough bool
}

func (bc *boundaryConn) Read(p []byte) (int, error) {
	if bc.passthrough {
		return bc.Conn.Read(p)
	}
	if len(p) == 0 {
		return 0, nil
	}

	if bc.left == 0 {
		//读取记录头
		want := recordHeaderLen - bc.hdrN
		if len(p) > want {
			p = p[:want]
		}
		n, err := bc.Conn.Read(p)
		copy(bc.hdr[bc.hdrN:], p[:n])
		bc.hdrN += n
		if bc.hdrN == recordHeaderLen {
			bc.hdrN = 0
			bc.left = int(binary.BigEndian.Uint16(bc.hdr[3:5]))
		}
		return n, err
	}

	if len(p) > bc.left {
		p = p[:bc.left]
	}
	n, err := bc.Conn.Read(p)
	bc.left -= n
	return n, err
}

// atBoundary 报告是否恰好停在记录边界上
func (bc *boundaryConn) atBoundary() bool {
	return bc.hdrN == 0 && bc.left == 0
}

// halfConn 是一个方向上的 tls1.3 记录保护状态.
type halfConn struct {
	suite  *cipherSuite
	secret []byte
	aead   cipher.AEAD
	iv     [aeadNonceLength]byte
	seq    uint64

	nonceBuf [aeadNonceLength]byte
}

func (hc *halfConn) setTrafficSecret(suite *cipherSuite, secret []byte) error {
	key, iv := suite.trafficKey(secret)
	aead, err := suite.aead(key)
	if err != nil {
		return err
	}
	hc.suite = suite
	hc.secret = secret
	hc.aead = aead
	copy(hc.iv[:], iv)
	hc.seq = 0
	return nil
}

func (hc *halfConn) update() error {
	return hc.setTrafficSecret(hc.suite, hc.suite.nextTrafficSecret(hc.secret))
}

// nonce = iv xor 64位大端序号(右对齐), 见 RFC 8446 5.3
func (hc *halfConn) nonce() []byte {
	hc.nonceBuf = hc.iv
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], hc.seq)
	for i, b := range seq {
		hc.nonceBuf[aeadNonceLength-8+i] ^= b
	}
	return hc.nonceBuf[:]
}

// recordLayer 在握手完成后 取代 tls 库 负责 tls1.3 应用数据记录的加解密, 并且可以在每个记录里填充.
//
// 读方向只允许一个 goroutine; 写方向由 wmu 保护, 因为 KeyUpdate 的应答 和 Close 可能与正常写入并发.
type recordLayer struct {
	conn net.Conn
	br   *bufio.Reader

	in      halfConn
	rbuf    []byte
	input   []byte
	hand    bytes.Buffer
	readErr error
	empties int

	wmu       sync.Mutex
	out       halfConn
	wbuf      []byte
	writeErr  error
	closeSent bool
}

func newRecordLayer(conn net.Conn, suite *cipherSuite, readSecret, writeSecret []byte) (*recordLayer, error) {
	rl := &recordLayer{
		conn: conn,
		br:   bufio.NewReaderSize(conn, recordHeaderLen+maxCiphertextTLS13),
		rbuf: make([]byte, recordHeaderLen+maxCiphertextTLS13),
	}
	if err := rl.in.setTrafficSecret(suite, readSecret); err != nil {
		return nil, err
	}
	if err := rl.out.setTrafficSecret(suite, writeSecret); err != nil {
		return nil, err
	}
	return rl, nil
}

func (rl *recordLayer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(rl.input) == 0 {
		if rl.readErr != nil {
			return 0, rl.readErr
		}
		if err := rl.readRecord(); err != nil {
			var la *localAlert
			if errors.As(err, &la) {
				rl.sendAlert(la.desc)
			}
			rl.readErr = err
		}
	}
	n := copy(p, rl.input)
	rl.input = rl.input[n:]
	return n, nil
}

func (rl *recordLayer) readRecord() error {
	hdr := rl.rbuf[:recordHeaderLen]
	if _, err := io.ReadFull(rl.br, hdr); err != nil {
		//在记录边界上的 裸 EOF 与 crypto/tls 一样视为正常结束
		return err
	}

	typ := hdr[0]
	n := int(binary.BigEndian.Uint16(hdr[3:5]))

	if typ != recordTypeApplicationData {
		return &localAlert{alertUnexpectedMessage, fmt.Sprintf("unexpected record type %d", typ)}
	}
	if n > maxCiphertextTLS13 {
		return &localAlert{alertRecordOverflow, fmt.Sprintf("ciphertext length %d", n)}
	}
	if n < rl.in.aead.Overhead()+1 {
		return &localAlert{alertDecodeError, fmt.Sprintf("ciphertext length %d", n)}
	}

	payload := rl.rbuf[recordHeaderLen : recordHeaderLen+n]
	if _, err := io.ReadFull(rl.br, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}

	plain, err := rl.in.aead.Open(payload[:0], rl.in.nonce(), payload, hdr)
	if err != nil {
		return &localAlert{alertBadRecordMAC, "decryption failed"}
	}
	rl.in.seq++

	if len(plain) > maxPlaintext+1 {
		return &localAlert{alertRecordOverflow, fmt.Sprintf("plaintext length %d", len(plain))}
	}

	//去掉尾部的填充, 最后一个非零字节就是真正的内容类型
	i := len(plain) - 1
	for i >= 0 && plain[i] == 0 {
		i--
	}
	if i < 0 {
		return &localAlert{alertUnexpectedMessage, "record without content type"}
	}
	contentType := plain[i]
	content := plain[:i]

	if contentType != recordTypeHandshake && rl.hand.Len() > 0 {
		return &localAlert{alertUnexpectedMessage, "handshake message interleaved with other records"}
	}

	switch contentType {
	case recordTypeApplicationData:
		if len(content) == 0 {
			rl.empties++
			if rl.empties > maxConsecutiveEmptyRecords {
				return &localAlert{alertUnexpectedMessage, "too many empty records"}
			}
			return nil
		}
		rl.empties = 0
		rl.input = content
		return nil

	case recordTypeAlert:
		if len(content) != 2 {
			return &localAlert{alertDecodeError, "malformed alert"}
		}
		if content[1] == alertCloseNotify {
			return io.EOF
		}
		return &AlertError{Level: content[0], Description: content[1]}

	case recordTypeHandshake:
		if len(content) == 0 {
			return &localAlert{alertUnexpectedMessage, "empty handshake record"}
		}
		rl.hand.Write(content)
		return rl.handlePostHandshake()
	}

	return &localAlert{alertUnexpectedMessage, fmt.Sprintf("unexpected inner content type %d", contentType)}
}

func (rl *recordLayer) handlePostHandshake() error {
	for rl.hand.Len() >= 4 {
		data := rl.hand.Bytes()
		msgLen := int(data[1])<<16 | int(data[2])<<8 | int(data[3])
		if msgLen > maxPostHandshakeMsgLen {
			return &localAlert{alertUnexpectedMessage, fmt.Sprintf("post-handshake message length %d", msgLen)}
		}
		if len(data) < 4+msgLen {
			return nil
		}
		msgType := data[0]
		body := data[4 : 4+msgLen]

		switch msgType {
		case typeNewSessionTicket:
			//我们不做会话恢复

			if ce := utils.CanLogDebug("tls ignored NewSessionTicket"); ce != nil {
				ce.Write(zap.Int("len", msgLen))
			}

		case typeKeyUpdate:
			if msgLen != 1 || body[0] > 1 {
				return &localAlert{alertDecodeError, "malformed KeyUpdate"}
			}
			if rl.hand.Len() != 4+msgLen {
				return &localAlert{alertUnexpectedMessage, "KeyUpdate not at record boundary"}
			}
			requested := body[0] == 1

			if err := rl.in.update(); err != nil {
				return &localAlert{alertInternalError, err.Error()}
			}
			if ce := utils.CanLogDebug("tls received KeyUpdate"); ce != nil {
				ce.Write(zap.Bool("requested", requested))
			}
			if requested {
				if err := rl.sendKeyUpdate(false); err != nil {
					return err
				}
			}

		default:
			return &localAlert{alertUnexpectedMessage, fmt.Sprintf("unexpected post-handshake message %d", msgType)}
		}
		rl.hand.Next(4 + msgLen)
	}
	return nil
}

// appendRecord 加密一个记录并追加到 b. pad 个零字节放在内容类型之后.
// 调用者需持有 wmu.
func (rl *recordLayer) appendRecord(b []byte, contentType byte, data []byte, pad int) []byte {
	innerLen := len(data) + 1 + pad
	ctLen := innerLen + rl.out.aead.Overhead()

	b = slices.Grow(b, recordHeaderLen+ctLen)
	start := len(b)
	b = append(b, recordTypeApplicationData, 0x03, 0x03, byte(ctLen>>8), byte(ctLen))
	b = append(b, data...)
	b = append(b, contentType)
	padStart := len(b)
	b = b[:padStart+pad]
	clear(b[padStart:])

	hdr := b[start : start+recordHeaderLen]
	inner := b[start+recordHeaderLen:]
	sealed := rl.out.aead.Seal(inner[:0], rl.out.nonce(), inner, hdr)
	rl.out.seq++

	return b[:start+recordHeaderLen+len(sealed)]
}

// 调用者需持有 wmu.
func (rl *recordLayer) appendKeyUpdate(b []byte, requested bool) ([]byte, error) {
	msg := []byte{typeKeyUpdate, 0, 0, 1, 0}
	if requested {
		msg[4] = 1
	}
	b = rl.appendRecord(b, recordTypeHandshake, msg, 0)
	return b, rl.out.update()
}

func (rl *recordLayer) sendKeyUpdate(requested bool) error {
	rl.wmu.Lock()
	defer rl.wmu.Unlock()

	if rl.writeErr != nil {
		return rl.writeErr
	}
	if rl.closeSent {
		return errWriteAfterClose
	}

	b, err := rl.appendKeyUpdate(rl.wbuf[:0], requested)
	rl.wbuf = b
	if err != nil {
		rl.writeErr = err
		return err
	}
	return rl.flushLocked()
}

func (rl *recordLayer) flushLocked() error {
	_, err := rl.conn.Write(rl.wbuf)
	if err != nil {
		rl.writeErr = err
	}
	if cap(rl.wbuf) > 4*padding.MaxWireLen {
		rl.wbuf = nil
	}
	return err
}

// writeSegments 按 segs 把 p 加密成若干记录, 一次性写出.
// segs 中 Data 之和必须等于 len(p).
func (rl *recordLayer) writeSegments(p []byte, segs []padding.Segment) (int, error) {
	rl.wmu.Lock()
	defer rl.wmu.Unlock()

	if rl.writeErr != nil {
		return 0, rl.writeErr
	}
	if rl.closeSent {
		return 0, errWriteAfterClose
	}

	b := rl.wbuf[:0]
	off := 0
	for _, s := range segs {
		if rl.out.seq >= keyUpdateInterval {
			var err error
			if b, err = rl.appendKeyUpdate(b, false); err != nil {
				rl.writeErr = err
				return 0, err
			}
		}
		b = rl.appendRecord(b, recordTypeApplicationData, p[off:off+s.Data], s.Pad)
		off += s.Data
	}
	rl.wbuf = b

	if err := rl.flushLocked(); err != nil {
		return 0, err
	}
	return off, nil
}

// sendAlert 尽力发送一个 alert; close_notify 之后不会再发送任何东西.
func (rl *recordLayer) sendAlert(desc uint8) error {
	rl.wmu.Lock()
	defer rl.wmu.Unlock()

	if rl.closeSent || rl.writeErr != nil {
		return rl.writeErr
	}

	level := byte(alertLevelError)
	if desc == alertCloseNotify {
		level = alertLevelWarning
	}
	rl.wbuf = rl.appendRecord(rl.wbuf[:0], recordTypeAlert, []byte{level, desc}, 0)
	rl.closeSent = true
	return rl.flushLocked()
}

func (rl *recordLayer) closeNotify() error {
	return rl.sendAlert(alertCloseNotify)
}
