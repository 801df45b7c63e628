package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const encPrefix = "enc:"

// SecretKey encrypts configuration secrets with AES-256-GCM so they can sit
// in a config file.
type SecretKey struct {
	key []byte
}

// NewSecretKey derives the key from the FILEGEN_SECRET_KEY value.
func NewSecretKey(raw string) (*SecretKey, error) {
	if raw == "" {
		return nil, errors.New(EnvPrefix + "_SECRET_KEY is not set")
	}
	h := sha256.Sum256([]byte(raw))
	return &SecretKey{key: h[:]}, nil
}

func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix)
}

func (s *SecretKey) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt returns "enc:" followed by the base64 nonce and ciphertext.
func (s *SecretKey) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt passes values without the "enc:" prefix through unchanged.
func (s *SecretKey) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}
	n := gcm.NonceSize()
	if len(data) < n {
		return "", errors.New("ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// MaskSecret keeps the last four characters: "****abcd".
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
