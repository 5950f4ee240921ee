package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/enclave-secure-channel/cryptoutils"
	"github.com/ruteri/enclave-secure-channel/interfaces"
	"golang.org/x/crypto/argon2"
)

const (
	sealedFormatVersion byte = 1
	longTermKeyLabel         = "long-term-keypair"
)

var (
	// ErrUnsealFailed is returned for sealed blobs that fail authentication,
	// were sealed for another measurement or label, or are malformed.
	ErrUnsealFailed = errors.New("failed to unseal")
)

// Sealer encrypts secrets under a key bound to the enclave measurement, so
// that only the same enclave build can recover them.
// It is safe for concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from a master key and the enclave
// measurement. The master key must be at least 32 bytes long.
func NewSealer(masterKey []byte, measurement []byte) (*Sealer, error) {
	if len(masterKey) < 32 {
		return nil, errors.New("master key must be at least 32 bytes")
	}

	h := sha256.New()
	h.Write(masterKey)
	h.Write(measurement)
	h.Write([]byte("seal"))
	return newSealerWithKey(h.Sum(nil))
}

// NewSealerFromPassphrase derives the sealing key from a passphrase with Argon2id.
func NewSealerFromPassphrase(passphrase string, measurement []byte) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}

	salt := append([]byte("SCHAN-SEAL-KEY-"), measurement...)

	// Parameters: time=1, memory=64*1024, threads=4, keyLen=32
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	return newSealerWithKey(key)
}

func newSealerWithKey(key []byte) (*Sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	for i := range key {
		key[i] = 0
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext. The label is authenticated and must be presented
// again to Unseal.
//
// Format: [version (1 byte)][nonce (12 bytes)][ciphertext]
func (s *Sealer) Seal(plaintext []byte, label string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, sealedFormatVersion)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, []byte(label)), nil
}

// Unseal decrypts a blob produced by Seal with the same label.
func (s *Sealer) Unseal(sealed []byte, label string) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < 1+nonceSize+s.aead.Overhead() || sealed[0] != sealedFormatVersion {
		return nil, ErrUnsealFailed
	}

	nonce := sealed[1 : 1+nonceSize]
	plaintext, err := s.aead.Open(nil, nonce, sealed[1+nonceSize:], []byte(label))
	if err != nil {
		return nil, ErrUnsealFailed
	}
	return plaintext, nil
}

// SealKeypair seals the private half of a long-term keypair.
func (s *Sealer) SealKeypair(kp *interfaces.Keypair) ([]byte, error) {
	return s.Seal(kp.Private[:], longTermKeyLabel)
}

// UnsealKeypair recovers a keypair sealed with SealKeypair.
func (s *Sealer) UnsealKeypair(sealed []byte) (*interfaces.Keypair, error) {
	raw, err := s.Unseal(sealed, longTermKeyLabel)
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range raw {
			raw[i] = 0
		}
	}()

	if len(raw) != interfaces.PrivateKeySize {
		return nil, ErrUnsealFailed
	}
	var priv interfaces.PrivateKey
	copy(priv[:], raw)
	return cryptoutils.KeypairFromPrivateKey(priv)
}
