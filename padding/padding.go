/*
Package padding decides how much filler goes into every outgoing tls record.

一个 Policy 把一段明文长度 转换成若干个 Segment, 每个 Segment 对应一个 tls 记录:
Data 是该记录携带的明文字节数, Pad 是附加的填充字节数.

所有模式都保证 Data+Pad <= MaxRecordPayload; 填充从不被截断,
放不下的部分会被放进额外的 纯填充记录 (Data==0) 中. tls1.3 允许零长度的 application_data 记录.
*/
package padding

import (
	crand "crypto/rand"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
)

const (
	// tls1.3 TLSInnerPlaintext 中 content+padding 的上限 (2^14), 见 RFC 8446 5.4
	MaxRecordPayload = 1 << 14

	RecordHeaderLen = 5
	ContentTypeLen  = 1
	AEADOverhead    = 16

	// 一个填满的记录在线路上的长度
	MaxWireLen = RecordHeaderLen + MaxRecordPayload + ContentTypeLen + AEADOverhead

	// random 模式单次填充的上限. 对端 (比如 crypto/tls) 会限制连续空记录的个数,
	// 溢出的填充最多占用 8 个纯填充记录.
	MaxRandomPad = 8 * MaxRecordPayload
)

var ErrPaddingOverflow = errors.New("padding would exceed the maximum tls record size")

// WireLen 返回 携带 data 字节明文 和 pad 字节填充 的 tls1.3 记录在线路上的长度.
func WireLen(data, pad int) int {
	return RecordHeaderLen + data + ContentTypeLen + pad + AEADOverhead
}

type Mode int

const (
	None Mode = iota
	Fixed
	Bucket
	Random
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case Fixed:
		return "fixed"
	case Bucket:
		return "bucket"
	case Random:
		return "random"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "none", "off":
		return None, nil
	case "fixed":
		return Fixed, nil
	case "bucket", "bucketed", "block":
		return Bucket, nil
	case "random", "randomized", "range":
		return Random, nil
	}
	return None, fmt.Errorf("unknown padding mode %q", s)
}

// Params 在 监听器 解析配置后就不再改变, 各个连接只读.
type Params struct {
	Mode       Mode
	RecordSize int //fixed
	BlockSize  int //bucket
	MinPad     int //random
	MaxPad     int //random
}

func (p Params) Enabled() bool {
	return p.Mode != None
}

func (p Params) Validate() error {
	switch p.Mode {
	case None:
	case Fixed:
		if p.RecordSize <= 0 {
			return fmt.Errorf("fixed padding needs a positive record size, got %d", p.RecordSize)
		}
		if p.RecordSize > MaxRecordPayload {
			return fmt.Errorf("%w: record size %d", ErrPaddingOverflow, p.RecordSize)
		}
	case Bucket:
		if p.BlockSize <= 0 {
			return fmt.Errorf("bucket padding needs a positive block size, got %d", p.BlockSize)
		}
		if p.BlockSize > MaxRecordPayload {
			return fmt.Errorf("%w: block size %d", ErrPaddingOverflow, p.BlockSize)
		}
	case Random:
		if p.MinPad < 0 || p.MaxPad < p.MinPad {
			return fmt.Errorf("random padding needs 0 <= min_pad <= max_pad, got [%d, %d]", p.MinPad, p.MaxPad)
		}
		if p.MaxPad > MaxRandomPad {
			return fmt.Errorf("%w: max_pad %d", ErrPaddingOverflow, p.MaxPad)
		}
	default:
		return fmt.Errorf("unknown padding mode %d", int(p.Mode))
	}
	return nil
}

type Segment struct {
	Data int
	Pad  int
}

// Policy 不是并发安全的; 每个连接的每个方向各自持有一个.
type Policy interface {
	// Plan 把长度为 n 的明文分配到若干记录中, 结果追加到 dst 后返回.
	// n==0 时返回 dst 本身.
	Plan(n int, dst []Segment) []Segment
	Params() Params
}

// New 为一个新连接的某个方向创建 Policy. Random 模式会得到独立的随机源.
func New(p Params) (Policy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch p.Mode {
	case Fixed:
		return fixedPolicy{p}, nil
	case Bucket:
		return bucketPolicy{p}, nil
	case Random:
		var seed [32]byte
		if _, err := crand.Read(seed[:]); err != nil {
			return nil, err
		}
		return &randomPolicy{p: p, rng: rand.New(rand.NewChaCha8(seed))}, nil
	}
	return nonePolicy{}, nil
}

// appendPadded 写入一个 Data 字节的记录, 并附加 pad 字节填充;
// 超出单个记录容量的填充 会被放到后续的 纯填充记录 里.
func appendPadded(dst []Segment, data, pad int) []Segment {
	room := MaxRecordPayload - data
	if pad <= room {
		return append(dst, Segment{Data: data, Pad: pad})
	}
	dst = append(dst, Segment{Data: data, Pad: room})
	pad -= room
	for pad > 0 {
		thisPad := min(pad, MaxRecordPayload)
		dst = append(dst, Segment{Pad: thisPad})
		pad -= thisPad
	}
	return dst
}

type nonePolicy struct{}

func (nonePolicy) Params() Params { return Params{} }

func (nonePolicy) Plan(n int, dst []Segment) []Segment {
	for n > 0 {
		d := min(n, MaxRecordPayload)
		dst = append(dst, Segment{Data: d})
		n -= d
	}
	return dst
}

// 所有记录都被填充到 RecordSize, 最后一个不满的记录也是.
type fixedPolicy struct{ p Params }

func (fp fixedPolicy) Params() Params { return fp.p }

func (fp fixedPolicy) Plan(n int, dst []Segment) []Segment {
	l := fp.p.RecordSize
	for n > 0 {
		d := min(n, l)
		dst = append(dst, Segment{Data: d, Pad: l - d})
		n -= d
	}
	return dst
}

// 把长度向上取整到 BlockSize 的倍数; 超过单个记录的部分按 BlockSize 倍数切分.
type bucketPolicy struct{ p Params }

func (bp bucketPolicy) Params() Params { return bp.p }

func (bp bucketPolicy) Plan(n int, dst []Segment) []Segment {
	b := bp.p.BlockSize
	perRecord := (MaxRecordPayload / b) * b
	for n > 0 {
		d := min(n, perRecord)
		rounded := (d + b - 1) / b * b
		dst = append(dst, Segment{Data: d, Pad: rounded - d})
		n -= d
	}
	return dst
}

// 每次写入都独立地随机取 [MinPad, MaxPad] 内的填充量, 与明文长度和之前的调用都无关.
type randomPolicy struct {
	p   Params
	rng *rand.Rand
}

func (rp *randomPolicy) Params() Params { return rp.p }

func (rp *randomPolicy) pad() int {
	span := rp.p.MaxPad - rp.p.MinPad
	if span == 0 {
		return rp.p.MinPad
	}
	return rp.p.MinPad + rp.rng.IntN(span+1)
}

func (rp *randomPolicy) Plan(n int, dst []Segment) []Segment {
	for n > MaxRecordPayload {
		dst = append(dst, Segment{Data: MaxRecordPayload})
		n -= MaxRecordPayload
	}
	if n <= 0 {
		return dst
	}
	return appendPadded(dst, n, rp.pad())
}
