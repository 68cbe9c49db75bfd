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
	"os"
	"runtime"
	"strings"
)

// SealedPrefix marks a config value as encrypted at rest.
const SealedPrefix = "enc:v1:"

var (
	ErrUnsealFailed = errors.New("unseal failed")
	ErrSealedFormat = errors.New("invalid sealed format")
)

// SecretBox seals and opens secrets kept in config files, such as the
// database password, with AES-256-GCM and a key bound to the local machine
// and user.
type SecretBox struct {
	key []byte
}

// NewSecretBox derives the machine key and returns a ready box.
func NewSecretBox() (*SecretBox, error) {
	return &SecretBox{key: machineKey()}, nil
}

// newSecretBoxWithKey is used by tests that need a deterministic key.
func newSecretBoxWithKey(passphrase string) *SecretBox {
	sum := sha256.Sum256([]byte(passphrase))
	return &SecretBox{key: sum[:]}
}

// Seal encrypts plaintext and returns a value safe to write to a config file.
func (b *SecretBox) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	gcm, err := b.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as-is.
func (b *SecretBox) Open(stored string) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrSealedFormat, err)
	}

	gcm, err := b.gcm()
	if err != nil {
		return "", err
	}

	n := gcm.NonceSize()
	if len(raw) < n {
		return "", ErrSealedFormat
	}

	plain, err := gcm.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrUnsealFailed
	}
	return string(plain), nil
}

func (b *SecretBox) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// machineKey hashes host and user identifiers into a 32-byte key.
func machineKey() []byte {
	var entropy strings.Builder

	hostname, _ := os.Hostname()
	entropy.WriteString(hostname)
	home, _ := os.UserHomeDir()
	entropy.WriteString(home)
	entropy.WriteString(runtime.GOOS)
	entropy.WriteString(runtime.GOARCH)
	entropy.WriteString("memoria-config-secret-v1")
	if uid := os.Getuid(); uid != -1 {
		fmt.Fprintf(&entropy, "uid:%d", uid)
	}
	if user := os.Getenv("USER"); user != "" {
		entropy.WriteString(user)
	}

	sum := sha256.Sum256([]byte(entropy.String()))
	return sum[:]
}

// Mask hides a secret for display, keeping the first and last 2 characters
// of long values.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:2] + "****" + secret[len(secret)-2:]
}
