package cryptoutils

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/ruteri/enclave-secure-channel/interfaces"
)

var (
	// ErrNonceContextMismatch is returned when a nonce was issued for another purpose.
	ErrNonceContextMismatch = errors.New("nonce context mismatch")

	// ErrNonceReplayed is returned when a counter nonce does not exceed the last one accepted.
	ErrNonceReplayed = errors.New("nonce replayed")

	// ErrNonceExhausted is returned when the counter space is used up.
	ErrNonceExhausted = errors.New("nonce counter exhausted")
)

// NonceGenerator issues nonces for outgoing boxes and validates nonces of
// incoming ones.
type NonceGenerator interface {
	// GetNonce returns a fresh nonce prefixed with ctx.
	GetNonce(ctx interfaces.NonceContext) (interfaces.Nonce, error)

	// UnpackNonce validates a received nonce against ctx. Stateful
	// generators record the nonce as seen only when it is valid.
	UnpackNonce(nonce interfaces.Nonce, ctx interfaces.NonceContext) error
}

func checkContext(nonce interfaces.Nonce, ctx interfaces.NonceContext) error {
	if subtle.ConstantTimeCompare(nonce[:interfaces.NonceContextSize], ctx[:]) != 1 {
		return ErrNonceContextMismatch
	}
	return nil
}

// RandomNonceGenerator fills the nonce suffix with random bytes. It keeps no
// state and is safe for concurrent use. It is used for the handshake
// response box only.
type RandomNonceGenerator struct {
	rand io.Reader
}

func NewRandomNonceGenerator() *RandomNonceGenerator {
	return &RandomNonceGenerator{rand: rand.Reader}
}

func (g *RandomNonceGenerator) GetNonce(ctx interfaces.NonceContext) (interfaces.Nonce, error) {
	var nonce interfaces.Nonce
	copy(nonce[:], ctx[:])
	if _, err := io.ReadFull(g.rand, nonce[interfaces.NonceContextSize:]); err != nil {
		return interfaces.Nonce{}, fmt.Errorf("failed to read random nonce: %w", err)
	}
	return nonce, nil
}

func (g *RandomNonceGenerator) UnpackNonce(nonce interfaces.Nonce, ctx interfaces.NonceContext) error {
	return checkContext(nonce, ctx)
}

// MonotonicNonceGenerator issues strictly increasing big-endian counters and
// accepts only received counters above the highest one accepted so far.
// The first issued counter is 1. It is not safe for concurrent use.
type MonotonicNonceGenerator struct {
	sent     uint64
	lastSeen uint64
}

func NewMonotonicNonceGenerator() *MonotonicNonceGenerator {
	return &MonotonicNonceGenerator{}
}

func (g *MonotonicNonceGenerator) GetNonce(ctx interfaces.NonceContext) (interfaces.Nonce, error) {
	if g.sent == math.MaxUint64 {
		return interfaces.Nonce{}, ErrNonceExhausted
	}
	g.sent++

	var nonce interfaces.Nonce
	copy(nonce[:], ctx[:])
	binary.BigEndian.PutUint64(nonce[interfaces.NonceContextSize:], g.sent)
	return nonce, nil
}

func (g *MonotonicNonceGenerator) UnpackNonce(nonce interfaces.Nonce, ctx interfaces.NonceContext) error {
	if err := checkContext(nonce, ctx); err != nil {
		return err
	}
	counter := binary.BigEndian.Uint64(nonce[interfaces.NonceContextSize:])
	if counter <= g.lastSeen {
		return ErrNonceReplayed
	}
	g.lastSeen = counter
	return nil
}

// Reset forgets both the issued and the accepted counters.
func (g *MonotonicNonceGenerator) Reset() {
	g.sent = 0
	g.lastSeen = 0
}

// Counter returns the last issued counter.
func (g *MonotonicNonceGenerator) Counter() uint64 {
	return g.sent
}
