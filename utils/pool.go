package utils

import "sync"

// 专门储存 长度为 MaxBufLen 的 []byte
// 16k 恰好是一个 tls 记录的最大明文长度, 一次读取一般不会超过一个记录.
var standardPacketPool sync.Pool

const DefaultMaxBufLen = 16 * 1024

// Pool 中 buf 的大小. 比它大的 buffer_size 不走 Pool
var MaxBufLen = DefaultMaxBufLen

func init() {
	standardPacketPool = sync.Pool{
		New: func() any {
			return make([]byte, MaxBufLen)
		},
	}
}

// 获取 长度为 MaxBufLen 的 []byte
func GetPacket() []byte {
	return standardPacketPool.Get().([]byte)
}

// 放回用 GetPacket 获取的 []byte. 容量不足 MaxBufLen 的会被丢弃
func PutPacket(bs []byte) {
	if cap(bs) < MaxBufLen {
		return
	}
	standardPacketPool.Put(bs[:MaxBufLen])
}
