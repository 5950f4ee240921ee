// Package interfaces defines the core interfaces and types for the secure channel.
// It provides the contract between different components without implementation details.
package interfaces

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// PublicKeySize is the size of a Curve25519 public key.
	PublicKeySize = 32
	// PrivateKeySize is the size of a Curve25519 private key.
	PrivateKeySize = 32
	// NonceSize is the size of a box nonce.
	NonceSize = 24
	// NonceContextSize is the length of the context prefix embedded in every nonce.
	NonceContextSize = 16
	// AttestationContextSize is the length of the context prefix embedded in report data.
	AttestationContextSize = 16
	// QuoteNonceSize is the length of the nonce embedded in report data.
	QuoteNonceSize = 16
	// ReportDataSize is the size of the user data field of an enclave quote.
	ReportDataSize = 64
)

// PublicKey is a Curve25519 public key.
type PublicKey [PublicKeySize]byte

// NewPublicKeyFromBytes creates a public key from a 32-byte slice.
func NewPublicKeyFromBytes(source []byte) (PublicKey, error) {
	if len(source) != PublicKeySize {
		return PublicKey{}, errors.New("invalid public key length: must be 32 bytes")
	}

	var key PublicKey
	copy(key[:], source)
	return key, nil
}

// NewPublicKeyFromHex creates a public key from its hex representation.
func NewPublicKeyFromHex(source string) (PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(source, "0x"))
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid hex format: %w", err)
	}
	return NewPublicKeyFromBytes(raw)
}

// String returns the hex representation of the key.
func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// Bytes returns the raw key.
func (k PublicKey) Bytes() []byte {
	return k[:]
}

// Equal compares two keys in constant time.
func (k PublicKey) Equal(other PublicKey) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

// IsZero reports whether the key is unset.
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := NewPublicKeyFromHex(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// PrivateKey is a Curve25519 private key. It never leaves the process
// except sealed under the enclave sealing key.
type PrivateKey [PrivateKeySize]byte

// String hides the key material from logs and fmt verbs.
func (k PrivateKey) String() string {
	return "<private key>"
}

// Keypair is a Curve25519 keypair.
type Keypair struct {
	Public  PublicKey
	Private PrivateKey
}

// Zero wipes the private half of the keypair.
func (kp *Keypair) Zero() {
	if kp == nil {
		return
	}
	for i := range kp.Private {
		kp.Private[i] = 0
	}
}

// NonceContext is the 16-byte prefix that binds a nonce to the purpose it was issued for.
type NonceContext [NonceContextSize]byte

func mustNonceContext(s string) NonceContext {
	if len(s) != NonceContextSize {
		panic("nonce context must be exactly 16 bytes: " + s)
	}
	var c NonceContext
	copy(c[:], s)
	return c
}

var (
	// NonceContextInit tags the handshake response box.
	NonceContextInit = mustNonceContext("SCHAN-Nonce-Init")
	// NonceContextRequest tags client-to-server boxes.
	NonceContextRequest = mustNonceContext("SCHAN-Nonce-Rqst")
	// NonceContextResponse tags server-to-client boxes.
	NonceContextResponse = mustNonceContext("SCHAN-Nonce-Resp")
)

func (c NonceContext) String() string {
	return string(c[:])
}

// Nonce is a 24-byte box nonce: a context prefix followed by 8 bytes of
// either randomness or a big-endian counter.
type Nonce [NonceSize]byte

// Context returns the context prefix of the nonce.
func (n Nonce) Context() NonceContext {
	var c NonceContext
	copy(c[:], n[:NonceContextSize])
	return c
}

func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

func (n Nonce) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *Nonce) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid hex format: %w", err)
	}
	if len(raw) != NonceSize {
		return errors.New("invalid nonce length: must be 24 bytes")
	}
	copy(n[:], raw)
	return nil
}

// AttestationContext is the 16-byte prefix of quote report data, naming the
// direction of the attestation.
type AttestationContext [AttestationContextSize]byte

func mustAttestationContext(s string) AttestationContext {
	if len(s) != AttestationContextSize {
		panic("attestation context must be exactly 16 bytes: " + s)
	}
	var c AttestationContext
	copy(c[:], s)
	return c
}

var (
	// AttestationContextClientToServer tags quotes a client produces for a server.
	AttestationContextClientToServer = mustAttestationContext("SCHAN-Attn-C2S-0")
	// AttestationContextServerToClient tags quotes the server produces over its long-term key.
	AttestationContextServerToClient = mustAttestationContext("SCHAN-Attn-S2C-0")
)

func (c AttestationContext) String() string {
	return string(c[:])
}

// QuoteNonce is the 16-byte freshness value embedded in report data.
type QuoteNonce [QuoteNonceSize]byte

// ClientIdentity describes the caller of an application method, as far as
// the channel could establish it.
type ClientIdentity struct {
	// ChannelKey is the client's short-term key, set for encrypted calls.
	ChannelKey *PublicKey `json:"channel_key,omitempty"`

	// Measurement is the attested enclave measurement of a mutually
	// attested client.
	Measurement []byte `json:"measurement,omitempty"`

	// Signer is the address recovered from a signed method envelope.
	Signer *common.Address `json:"signer,omitempty"`
}

// Attested reports whether the client proved its enclave identity during the handshake.
func (id *ClientIdentity) Attested() bool {
	return id != nil && len(id.Measurement) > 0
}
