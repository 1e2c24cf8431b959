package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/swap-garden-go/internal/network/compressor"
	"github.com/lk2023060901/swap-garden-go/internal/network/crypto"
	"github.com/lk2023060901/swap-garden-go/internal/network/framer"
	"github.com/lk2023060901/swap-garden-go/internal/network/serializer"
)

type envelope struct {
	Kind string `json:"kind"`
	Body string `json:"body"`
}

type CodecSuite struct {
	suite.Suite
}

func (s *CodecSuite) newCodec(compress bool) Codec {
	var cmp compressor.Compressor
	if compress {
		z, err := compressor.NewZstdCompressor()
		s.Require().NoError(err)
		cmp = z
	}
	c, err := New(Options{
		Framer:            framer.NewLengthPrefixedFramer(0),
		Serializer:        serializer.JSONSerializer{},
		Compressor:        cmp,
		EnableCompression: compress,
	})
	s.Require().NoError(err)
	return c
}

func (s *CodecSuite) TestValidation() {
	_, err := New(Options{Serializer: serializer.JSONSerializer{}})
	s.Error(err)

	_, err = New(Options{Framer: framer.NewLengthPrefixedFramer(0)})
	s.Error(err)
}

func (s *CodecSuite) TestRoundTrip() {
	c := s.newCodec(false)
	var buf bytes.Buffer

	in := envelope{Kind: "logon", Body: "alice"}
	s.Require().NoError(c.Encode(&buf, in))

	var out envelope
	s.Require().NoError(c.Decode(&buf, &out))
	s.Equal(in, out)
}

func (s *CodecSuite) TestCompressedRoundTrip() {
	c := s.newCodec(true)
	var buf bytes.Buffer

	in := envelope{Kind: "data", Body: string(bytes.Repeat([]byte("abc"), 10000))}
	s.Require().NoError(c.Encode(&buf, in))

	var out envelope
	s.Require().NoError(c.Decode(&buf, &out))
	s.Equal(in, out)
}

func (s *CodecSuite) TestEncryptedRoundTrip() {
	enc, err := crypto.NewAESGCMEncryptor(bytes.Repeat([]byte{0x24}, 32))
	s.Require().NoError(err)

	c, err := New(Options{
		Framer:     framer.NewLengthPrefixedFramer(0),
		Serializer: serializer.JSONSerializer{},
		Encryptor:  enc,
	})
	s.Require().NoError(err)

	var buf bytes.Buffer
	in := envelope{Kind: "secret", Body: "top"}
	s.Require().NoError(c.Encode(&buf, in))
	s.NotContains(buf.String(), "secret")

	var out envelope
	s.Require().NoError(c.Decode(&buf, &out))
	s.Equal(in, out)
}

func (s *CodecSuite) TestRawPath() {
	c := s.newCodec(true)
	var buf bytes.Buffer

	payload := bytes.Repeat([]byte("payload"), 1000)
	s.Require().NoError(c.EncodeRaw(&buf, payload))

	got, err := c.DecodeRaw(&buf)
	s.Require().NoError(err)
	s.Equal(payload, got)
}

func (s *CodecSuite) TestMultipleFramesInOrder() {
	c := s.newCodec(false)
	var buf bytes.Buffer

	for i := 0; i < 5; i++ {
		s.Require().NoError(c.Encode(&buf, envelope{Kind: "seq", Body: string(rune('a' + i))}))
	}
	for i := 0; i < 5; i++ {
		var out envelope
		s.Require().NoError(c.Decode(&buf, &out))
		s.Equal(string(rune('a'+i)), out.Body)
	}
}

func TestCodec(t *testing.T) {
	suite.Run(t, new(CodecSuite))
}
