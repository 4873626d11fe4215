package card

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
)

// Cipher encrypts card numbers with AES-256 in deterministic (IV-less) ECB
// mode and PKCS#7 padding. Identical plaintexts yield identical ciphertexts,
// which is what backs the uniqueness index on stored numbers; do not reuse
// this cipher for data that needs semantic security.
type Cipher struct {
	block cipher.Block
}

// NewCipher builds a Cipher from the configured key material. Keys shorter
// than 32 bytes are zero-padded, longer ones truncated, matching how the key
// is provisioned.
func NewCipher(key string) (*Cipher, error) {
	if key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	k := make([]byte, 32)
	copy(k, key)
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("init aes cipher: %w", err)
	}
	return &Cipher{block: block}, nil
}

// Encrypt returns the base64 ciphertext of plain.
func (c *Cipher) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", fmt.Errorf("plaintext is empty")
	}
	data := pad([]byte(plain), aes.BlockSize)
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		c.block.Encrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(enc string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(data))
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		c.block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return unpad(out)
}

func pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte) (string, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return "", fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return "", fmt.Errorf("invalid padding")
		}
	}
	return string(data[:len(data)-n]), nil
}
