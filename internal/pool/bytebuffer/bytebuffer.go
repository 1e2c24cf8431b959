// Package bytebuffer 提供进程级共享的字节缓冲池。
//
// 基于 valyala/bytebufferpool，按使用尺寸自适应分级，
// 用于降低编解码路径上频繁 make([]byte) 带来的分配与 GC 压力。
package bytebuffer

import (
	"github.com/valyala/bytebufferpool"
)

// ByteBuffer 即 bytebufferpool.ByteBuffer，通过 B 字段访问底层切片。
type ByteBuffer = bytebufferpool.ByteBuffer

// Get 从池中取出一个空缓冲区。
func Get() *ByteBuffer {
	return bytebufferpool.Get()
}

// Put 将缓冲区归还池中。归还后调用方不得再持有该缓冲区。
func Put(b *ByteBuffer) {
	bytebufferpool.Put(b)
}
