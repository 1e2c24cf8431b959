package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/suite"
)

type CryptoSuite struct {
	suite.Suite

	enc *AESGCMEncryptor
}

func (s *CryptoSuite) SetupTest() {
	enc, err := NewAESGCMEncryptor(bytes.Repeat([]byte{0x42}, 32))
	s.Require().NoError(err)
	s.enc = enc
}

func (s *CryptoSuite) TestKeySizeValidation() {
	_, err := NewAESGCMEncryptor([]byte("short"))
	s.Error(err)
}

func (s *CryptoSuite) TestRoundTrip() {
	plaintext := []byte("the quick brown fox")
	aad := []byte("session-7")

	packet, err := s.enc.Encrypt(plaintext, aad)
	s.Require().NoError(err)
	s.NotEqual(plaintext, packet)

	got, err := s.enc.Decrypt(packet, aad)
	s.Require().NoError(err)
	s.Equal(plaintext, got)
}

func (s *CryptoSuite) TestTamperedPacketRejected() {
	packet, err := s.enc.Encrypt([]byte("payload"), nil)
	s.Require().NoError(err)

	packet[len(packet)-1] ^= 0xFF
	_, err = s.enc.Decrypt(packet, nil)
	s.Error(err)
}

func (s *CryptoSuite) TestAADMismatchRejected() {
	packet, err := s.enc.Encrypt([]byte("payload"), []byte("aad-1"))
	s.Require().NoError(err)

	_, err = s.enc.Decrypt(packet, []byte("aad-2"))
	s.Error(err)
}

func (s *CryptoSuite) TestShortPacketRejected() {
	_, err := s.enc.Decrypt([]byte{1, 2, 3}, nil)
	s.ErrorIs(err, ErrPacketTooShort)
}

func TestCrypto(t *testing.T) {
	suite.Run(t, new(CryptoSuite))
}
