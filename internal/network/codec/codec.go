package codec

import (
	"fmt"
	"io"

	"github.com/lk2023060901/swap-garden-go/internal/network/compressor"
	"github.com/lk2023060901/swap-garden-go/internal/network/crypto"
	"github.com/lk2023060901/swap-garden-go/internal/network/framer"
	"github.com/lk2023060901/swap-garden-go/internal/network/serializer"
)

// Codec 抽象了“从业务对象到网络帧，以及从网络帧回到业务对象”的完整编解码流程。
//
// Pipeline（写出 Encode）：
//
//	msg --> serializer --> [compress?] --> [encrypt?] --> framer.WriteFrame
//
// Pipeline（读入 Decode）：
//
//	framer.ReadFrame --> [decrypt?] --> [decompress?] --> serializer --> msg
//
// 是否压缩、加密由连接两端在建连前约定，Codec 不在帧内携带协商信息。
type Codec interface {
	// Encode 将业务对象编码并写入到底层流。
	Encode(w io.Writer, msg any) error

	// Decode 从底层流中读取一帧报文，并解码到 msg 中。
	// msg 为接收解码结果的目标对象（通常为指针）。
	Decode(r io.Reader, msg any) error

	// DecodeRaw 从底层流中读取一帧报文，并返回已完成解压的业务字节。
	// 不负责反序列化为具体对象，供上层自行处理。
	DecodeRaw(r io.Reader) ([]byte, error)

	// EncodeRaw 将已序列化的业务字节按 Encode 的后半段流程写出。
	EncodeRaw(w io.Writer, payload []byte) error
}

// Options 用于构造 Codec 的依赖注入参数。
type Options struct {
	Framer     framer.Framer
	Serializer serializer.Serializer
	Compressor compressor.Compressor // 允许为 nil（内部会用 NopCompressor）
	Encryptor  crypto.Encryptor      // 允许为 nil（内部会用 NopEncryptor）

	EnableCompression bool
}

type codec struct {
	framer     framer.Framer
	serializer serializer.Serializer
	compressor compressor.Compressor
	encryptor  crypto.Encryptor

	compress bool
}

var _ Codec = (*codec)(nil)

// New 创建一个基于给定依赖的 Codec。
func New(opts Options) (Codec, error) {
	if opts.Framer == nil {
		return nil, fmt.Errorf("codec: framer is nil")
	}
	if opts.Serializer == nil {
		return nil, fmt.Errorf("codec: serializer is nil")
	}

	c := &codec{
		framer:     opts.Framer,
		serializer: opts.Serializer,
		compress:   opts.EnableCompression,
	}

	if opts.Compressor != nil {
		c.compressor = opts.Compressor
	} else {
		c.compressor = compressor.NopCompressor{}
	}
	if opts.Encryptor != nil {
		c.encryptor = opts.Encryptor
	} else {
		c.encryptor = crypto.NopEncryptor{}
	}

	return c, nil
}

// Encode 实现 Codec.Encode。
func (c *codec) Encode(w io.Writer, msg any) error {
	if msg == nil {
		return fmt.Errorf("codec: msg is nil")
	}

	body, err := c.serializer.Marshal(msg)
	if err != nil {
		return fmt.Errorf("codec: marshal failed: %w", err)
	}
	return c.EncodeRaw(w, body)
}

// EncodeRaw 实现 Codec.EncodeRaw。
func (c *codec) EncodeRaw(w io.Writer, payload []byte) error {
	if w == nil {
		return fmt.Errorf("codec: writer is nil")
	}

	if c.compress && len(payload) > 0 {
		compressed, err := c.compressor.Compress(nil, payload)
		if err != nil {
			return fmt.Errorf("codec: compress failed: %w", err)
		}
		payload = compressed
	}

	if len(payload) > 0 {
		sealed, err := c.encryptor.Encrypt(payload, nil)
		if err != nil {
			return fmt.Errorf("codec: encrypt failed: %w", err)
		}
		payload = sealed
	}

	if err := c.framer.WriteFrame(w, payload); err != nil {
		return fmt.Errorf("codec: write frame failed: %w", err)
	}
	return nil
}

// DecodeRaw 实现 Codec.DecodeRaw。
func (c *codec) DecodeRaw(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("codec: reader is nil")
	}

	data, err := c.framer.ReadFrame(r)
	if err != nil {
		return nil, fmt.Errorf("codec: read frame failed: %w", err)
	}

	if len(data) > 0 {
		plain, err := c.encryptor.Decrypt(data, nil)
		if err != nil {
			return nil, fmt.Errorf("codec: decrypt failed: %w", err)
		}
		data = plain
	}

	if c.compress && len(data) > 0 {
		plain, err := c.compressor.Decompress(nil, data)
		if err != nil {
			return nil, fmt.Errorf("codec: decompress failed: %w", err)
		}
		data = plain
	}
	return data, nil
}

// Decode 实现 Codec.Decode。
func (c *codec) Decode(r io.Reader, msg any) error {
	data, err := c.DecodeRaw(r)
	if err != nil {
		return err
	}
	if msg != nil && len(data) > 0 {
		if err := c.serializer.Unmarshal(data, msg); err != nil {
			return fmt.Errorf("codec: unmarshal failed: %w", err)
		}
	}
	return nil
}
