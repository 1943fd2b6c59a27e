// Package credential seals account credential blobs before they leave the process.
package credential

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var ErrOpen = errors.New("credential: cannot open sealed blob")

// Sink turns credential blobs into their stored form and back.
// Implementations never interpret the blob.
type Sink interface {
	Seal(plain []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Plain stores blobs unchanged. Used when no key is configured.
type Plain struct{}

func (Plain) Seal(plain []byte) ([]byte, error) { return append([]byte(nil), plain...), nil }

func (Plain) Open(sealed []byte) ([]byte, error) { return append([]byte(nil), sealed...), nil }

// SecretBox seals blobs with NaCl secretbox. The stored form is nonce || box.
type SecretBox struct {
	key  [keySize]byte
	rand io.Reader
}

// NewSecretBox builds a sealer from a 32 byte key.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("credential: key must be %d bytes, got %d", keySize, len(key))
	}
	sb := &SecretBox{rand: rand.Reader}
	copy(sb.key[:], key)
	return sb, nil
}

// NewSink returns a SecretBox for a hex encoded key, or Plain when hexKey is empty.
func NewSink(hexKey string) (Sink, error) {
	if hexKey == "" {
		return Plain{}, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("credential: decode key: %w", err)
	}
	return NewSecretBox(key)
}

func (s *SecretBox) Seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
		return nil, fmt.Errorf("credential: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &s.key), nil
}

func (s *SecretBox) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrOpen
	}
	return plain, nil
}
