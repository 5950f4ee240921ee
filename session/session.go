package session

import (
	"sync"
	"time"

	"github.com/ruteri/enclave-secure-channel/cryptoutils"
	"github.com/ruteri/enclave-secure-channel/interfaces"
)

// Session is the server end of one channel, keyed by the client's
// short-term public key. Box operations on a session are serialized by its
// own lock, so sessions never block each other.
type Session struct {
	mu        sync.Mutex
	clientKey interfaces.PublicKey
	keypair   *interfaces.Keypair
	shared    cryptoutils.SharedKeyCache
	nonces    *cryptoutils.MonotonicNonceGenerator
	state     interfaces.StateMachine

	// Immutable after creation.
	measurement []byte

	// Guarded by the table lock.
	lastUsed time.Time
}

func newSession(clientKey interfaces.PublicKey, keypair *interfaces.Keypair, measurement []byte, now time.Time) (*Session, error) {
	s := &Session{
		clientKey:   clientKey,
		keypair:     keypair,
		nonces:      cryptoutils.NewMonotonicNonceGenerator(),
		measurement: measurement,
		lastUsed:    now,
	}
	if err := s.state.TransitionTo(interfaces.StateEstablished); err != nil {
		return nil, err
	}
	return s, nil
}

// ClientKey returns the client's short-term public key.
func (s *Session) ClientKey() interfaces.PublicKey {
	return s.clientKey
}

// PublicKey returns the server's short-term public key for this session.
func (s *Session) PublicKey() interfaces.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keypair.Public
}

// Identity describes the client of this session.
func (s *Session) Identity() *interfaces.ClientIdentity {
	key := s.clientKey
	id := &interfaces.ClientIdentity{ChannelKey: &key}
	if len(s.measurement) > 0 {
		id.Measurement = append([]byte(nil), s.measurement...)
	}
	return id
}

func (s *Session) State() interfaces.ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.State()
}

// OpenRequest authenticates and decrypts a request box. Any failure closes
// the session and is returned as a security error; the caller must evict it.
func (s *Session) OpenRequest(b *interfaces.CryptoBox) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.state.EnsureReady(); err != nil {
		return nil, err
	}

	plaintext, err := cryptoutils.OpenBox(b, interfaces.NonceContextRequest, s.nonces, s.clientKey, s.keypair, &s.shared)
	if err != nil {
		s.closeLocked()
		return nil, interfaces.NewSecurityError(err)
	}
	return plaintext, nil
}

// SealResponse encrypts a response payload for the client.
func (s *Session) SealResponse(payload []byte) (*interfaces.CryptoBox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.state.EnsureReady(); err != nil {
		return nil, err
	}
	return cryptoutils.CreateBox(payload, interfaces.NonceContextResponse, s.nonces, s.clientKey, s.keypair, &s.shared)
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.state.State() == interfaces.StateEstablished {
		_ = s.state.TransitionTo(interfaces.StateClosed)
	}
	s.shared.Reset()
	s.keypair.Zero()
}
