package framer

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lk2023060901/swap-garden-go/internal/pool/bytebuffer"
)

// Framer 抽象了字节载荷的打包/解包能力。
//
// 约定：一帧数据的格式为 4 字节大端无符号整型（表示后续载荷长度）+ 载荷字节。
// 载荷对 Framer 完全不透明，内容语义由上层的序列化器决定。
type Framer interface {
	// WriteFrame 将载荷打包为一帧并写入到 w 中。
	WriteFrame(w io.Writer, payload []byte) error

	// ReadFrame 从 r 中读取一帧数据并返回其载荷。
	ReadFrame(r io.Reader) ([]byte, error)
}

// LengthPrefixedFramer 使用长度前缀（4 字节大端）作为帧边界。
// 适用于基于流的连接（如 TCP）。
type LengthPrefixedFramer struct {
	// MaxFrameSize 为允许的最大载荷长度，单位字节。
	// 为 0 时使用默认值 defaultMaxFrameSize。
	MaxFrameSize uint32
}

const defaultMaxFrameSize uint32 = 16 * 1024 * 1024 // 16MB

// 编译期断言：确保 LengthPrefixedFramer 实现了 Framer 接口。
var _ Framer = (*LengthPrefixedFramer)(nil)

// NewLengthPrefixedFramer 创建一个长度前缀帧编码器。
// maxFrameSize 为 0 时使用默认值。
func NewLengthPrefixedFramer(maxFrameSize uint32) *LengthPrefixedFramer {
	if maxFrameSize == 0 {
		maxFrameSize = defaultMaxFrameSize
	}
	return &LengthPrefixedFramer{
		MaxFrameSize: maxFrameSize,
	}
}

// WriteFrame 将载荷编码为长度前缀帧并写入。
// 头部与载荷合并为一次 Write，避免对端读到半个帧头。
func (f *LengthPrefixedFramer) WriteFrame(w io.Writer, payload []byte) error {
	length := uint32(len(payload))
	if length > f.effectiveMaxSize() {
		return fmt.Errorf("framer: frame size %d exceeds max %d", length, f.effectiveMaxSize())
	}

	buf := bytebuffer.Get()
	defer bytebuffer.Put(buf)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], length)
	buf.B = append(buf.B, header[:]...)
	buf.B = append(buf.B, payload...)

	if _, err := w.Write(buf.B); err != nil {
		return fmt.Errorf("framer: write frame failed: %w", err)
	}
	return nil
}

// ReadFrame 从流中读取一帧数据并返回载荷。
func (f *LengthPrefixedFramer) ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("framer: read header failed: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > f.effectiveMaxSize() {
		return nil, fmt.Errorf("framer: frame size %d exceeds max %d", length, f.effectiveMaxSize())
	}
	if length == 0 {
		return nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("framer: read body failed: %w", err)
	}
	return payload, nil
}

func (f *LengthPrefixedFramer) effectiveMaxSize() uint32 {
	if f == nil || f.MaxFrameSize == 0 {
		return defaultMaxFrameSize
	}
	return f.MaxFrameSize
}
