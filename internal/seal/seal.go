// Package seal provides authenticated encryption for individual string
// values: sensitive metadata fields and stored credentials. Values are
// sealed with XChaCha20-Poly1305 under a key derived with HKDF, and the
// field name is bound as additional data so a sealed value cannot be moved
// to another field.
package seal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// Prefix marks a sealed value.
	Prefix = "enc:v1:"

	// KeySize is the master key length.
	KeySize = 32

	version byte = 0x01
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidFormat    = errors.New("invalid sealed format")
)

// Sealer seals and opens values under one derived key.
type Sealer struct {
	key []byte
}

// New derives a sealing key for the given purpose from a 32-byte master key.
func New(masterKey []byte, purpose string) (*Sealer, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	key, err := deriveKey(masterKey, []byte("veil.seal."+purpose+".v1"))
	if err != nil {
		return nil, err
	}
	return &Sealer{key: key}, nil
}

// NewEphemeral seals under a random key. Values sealed with it can only be
// opened by the same Sealer.
func NewEphemeral(purpose string) (*Sealer, error) {
	master, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return New(master, purpose)
}

// NewMachineSealer derives its key from machine-specific identifiers so
// stored values can only be opened on the same machine by the same user.
func NewMachineSealer() (*Sealer, error) {
	return NewMachine("credential")
}

// NewMachine is NewMachineSealer for another purpose.
func NewMachine(purpose string) (*Sealer, error) {
	return New(machineKey(), purpose)
}

// GenerateKey returns a random master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext for the named field. Empty input stays empty.
func (s *Sealer) Seal(field, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(plaintext)+aead.Overhead())
	out[0] = version
	copy(out[1:], nonce[:])
	out = aead.Seal(out, nonce[:], []byte(plaintext), aad(field))

	return Prefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed value for the named field. Values without the
// prefix are returned as-is.
func (s *Sealer) Open(field, stored string) (string, error) {
	if stored == "" || !IsSealed(stored) {
		return stored, nil
	}

	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrInvalidFormat, err)
	}
	if len(blob) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", ErrInvalidFormat
	}
	if blob[0] != version {
		return "", fmt.Errorf("%w: unsupported version %d", ErrInvalidFormat, blob[0])
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], aad(field))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsSealed checks if a value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// MaskSecret returns a masked version of a secret for display purposes.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func aad(field string) []byte {
	return append([]byte{version}, field...)
}

func deriveKey(master, info []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, master, nil, info)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return key, nil
}

func machineKey() []byte {
	var entropy strings.Builder

	hostname, _ := os.Hostname()
	entropy.WriteString(hostname)
	home, _ := os.UserHomeDir()
	entropy.WriteString(home)
	entropy.WriteString(runtime.GOOS)
	entropy.WriteString(runtime.GOARCH)
	entropy.WriteString("veil-credential-v1")
	if uid := os.Getuid(); uid != -1 {
		entropy.WriteString(fmt.Sprintf("uid:%d", uid))
	}
	if username := os.Getenv("USER"); username != "" {
		entropy.WriteString(username)
	}

	sum := sha256.Sum256([]byte(entropy.String()))
	return sum[:]
}
