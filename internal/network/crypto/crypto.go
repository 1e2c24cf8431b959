package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/cockroachdb/errors"
)

var (
	// ErrPacketTooShort 表示密文报文长度不足以包含完整的 nonce。
	ErrPacketTooShort = errors.New("crypto: packet too short")
)

const aes256KeySize = 32

// Encryptor 抽象可选的载荷加密层：
//   - Encrypt：明文到密文报文，附带完整性保护；
//   - Decrypt：校验完整性并还原明文。
//
// aad 为关联数据，不被加密但参与完整性校验。
type Encryptor interface {
	Encrypt(plaintext, aad []byte) ([]byte, error)
	Decrypt(packet, aad []byte) ([]byte, error)
}

// NopEncryptor 直接透传数据，用于未启用加密的链路。
type NopEncryptor struct{}

func (NopEncryptor) Encrypt(plaintext, _ []byte) ([]byte, error) { return plaintext, nil }
func (NopEncryptor) Decrypt(packet, _ []byte) ([]byte, error)    { return packet, nil }

var _ Encryptor = NopEncryptor{}

// AESGCMEncryptor 使用 AES-256-GCM 提供机密性与完整性。
//
// 报文格式：nonce || ciphertext，其中 ciphertext 已含 GCM tag。
type AESGCMEncryptor struct {
	aead cipher.AEAD
}

var _ Encryptor = (*AESGCMEncryptor)(nil)

// NewAESGCMEncryptor 构造 AES-256-GCM 加密器，key 必须为 32 字节。
func NewAESGCMEncryptor(key []byte) (*AESGCMEncryptor, error) {
	if len(key) != aes256KeySize {
		return nil, errors.Newf("crypto: key must be %d bytes, got %d", aes256KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESGCMEncryptor{aead: aead}, nil
}

func (e *AESGCMEncryptor) Encrypt(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (e *AESGCMEncryptor) Decrypt(packet, aad []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(packet) < nonceSize {
		return nil, ErrPacketTooShort
	}
	return e.aead.Open(nil, packet[:nonceSize], packet[nonceSize:], aad)
}
