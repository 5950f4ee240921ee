package session

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/enclave-secure-channel/attestation"
	"github.com/ruteri/enclave-secure-channel/cryptoutils"
	"github.com/ruteri/enclave-secure-channel/interfaces"
	"github.com/ruteri/enclave-secure-channel/metrics"
)

var ErrNoLongTermKey = errors.New("long-term key not initialized")

// Config configures a session table.
type Config struct {
	// MaxSessions caps the number of sessions; the least recently used
	// session is evicted to make room. Zero or negative means unlimited.
	MaxSessions int

	// IdleTimeout evicts sessions unused for this long. Zero disables it.
	IdleTimeout time.Duration

	// RequireClientAttestation rejects handshakes without a client quote.
	RequireClientAttestation bool

	// ClientPolicy is applied to client quotes.
	ClientPolicy attestation.Policy
}

// Table holds the server's long-term keypair with its quote, and the
// sessions keyed by client short-term public key. It is safe for concurrent
// use; no lock is held across attestation calls.
type Table struct {
	cfg         Config
	log         *slog.Logger
	attestation *attestation.Service
	random      *cryptoutils.RandomNonceGenerator
	now         func() time.Time

	mu       sync.Mutex
	longTerm *interfaces.Keypair
	quote    []byte
	queue    *list.List // front is the most recently used
	items    map[interfaces.PublicKey]*list.Element
}

func NewTable(cfg Config, svc *attestation.Service, log *slog.Logger) *Table {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Table{
		cfg:         cfg,
		log:         log,
		attestation: svc,
		random:      cryptoutils.NewRandomNonceGenerator(),
		now:         time.Now,
		queue:       list.New(),
		items:       make(map[interfaces.PublicKey]*list.Element),
	}
}

// SetLongTermKey installs the server's long-term keypair and refreshes the
// quote over it. The previous keypair is wiped. Existing sessions are kept.
func (t *Table) SetLongTermKey(ctx context.Context, kp *interfaces.Keypair) error {
	spid, err := t.attestation.GetSPID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get SPID: %w", err)
	}
	nonce, err := attestation.NewQuoteNonce()
	if err != nil {
		return err
	}
	quote, err := t.attestation.GetQuote(ctx, spid, interfaces.AttestationContextServerToClient, kp.Public, nonce)
	if err != nil {
		return fmt.Errorf("failed to quote long-term key: %w", err)
	}

	t.mu.Lock()
	old := t.longTerm
	t.longTerm = kp
	t.quote = quote
	t.mu.Unlock()

	if old != nil && old != kp {
		old.Zero()
	}

	t.log.Info("Installed long-term key", slog.String("publicKey", kp.Public.String()))
	return nil
}

// LongTermKeypair returns a copy of the long-term keypair.
func (t *Table) LongTermKeypair() (*interfaces.Keypair, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.longTerm == nil {
		return nil, ErrNoLongTermKey
	}
	kp := *t.longTerm
	return &kp, nil
}

// Quote returns the quote over the long-term key.
func (t *Table) Quote() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.quote...)
}

// CreateSession performs the server side of the handshake. It verifies the
// client's quote if one is present, creates the session and returns the
// attested init response. A key that already has a session is rejected with
// interfaces.ErrSessionExists.
func (t *Table) CreateSession(ctx context.Context, req *interfaces.ChannelInitRequest) (_ *interfaces.ChannelInitResponse, err error) {
	started := t.now()
	defer func() {
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultFailure
		}
		metrics.RecordHandshake(result, started)
	}()

	if req.ShortTermPublicKey.IsZero() {
		return nil, fmt.Errorf("%w: missing short-term public key", interfaces.ErrBadRequest)
	}

	if t.hasSession(req.ShortTermPublicKey) {
		return nil, interfaces.ErrSessionExists
	}

	measurement, err := t.verifyClient(ctx, req)
	if err != nil {
		return nil, err
	}

	keypair, err := cryptoutils.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	boxPayload, err := interfaces.Encode(&interfaces.ChannelInitResponseBox{ShortTermPublicKey: keypair.Public})
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.expireIdleLocked(t.now())

	if _, ok := t.items[req.ShortTermPublicKey]; ok {
		keypair.Zero()
		return nil, interfaces.ErrSessionExists
	}
	if t.longTerm == nil {
		keypair.Zero()
		return nil, ErrNoLongTermKey
	}

	var initKey cryptoutils.SharedKeyCache
	responseBox, err := cryptoutils.CreateBox(boxPayload, interfaces.NonceContextInit, t.random, req.ShortTermPublicKey, t.longTerm, &initKey)
	initKey.Reset()
	if err != nil {
		keypair.Zero()
		return nil, err
	}

	s, err := newSession(req.ShortTermPublicKey, keypair, measurement, t.now())
	if err != nil {
		keypair.Zero()
		return nil, err
	}
	t.insertLocked(s)

	t.log.Debug("Created session",
		slog.String("clientKey", req.ShortTermPublicKey.String()),
		slog.Bool("attested", len(measurement) > 0),
		slog.Int("sessions", t.queue.Len()))

	return &interfaces.ChannelInitResponse{
		ContractAttestationReport: append([]byte(nil), t.quote...),
		ResponseBox:               *responseBox,
	}, nil
}

func (t *Table) verifyClient(ctx context.Context, req *interfaces.ChannelInitRequest) ([]byte, error) {
	if len(req.ClientAttestationReport) == 0 {
		if t.cfg.RequireClientAttestation {
			return nil, interfaces.NewSecurityError(fmt.Errorf("%w: client attestation required", interfaces.ErrAttestationMismatch))
		}
		return nil, nil
	}

	nonce, err := attestation.NewQuoteNonce()
	if err != nil {
		return nil, err
	}
	report, err := t.attestation.VerifyQuote(ctx, req.ClientAttestationReport, nonce[:])
	if err != nil {
		if errors.Is(err, interfaces.ErrAttestationUnavailable) {
			return nil, err
		}
		return nil, interfaces.NewSecurityError(err)
	}

	clientKey := req.ShortTermPublicKey
	if err := attestation.CheckBinding(report, attestation.Expectation{
		Context:   interfaces.AttestationContextClientToServer,
		PublicKey: &clientKey,
		Nonce:     nonce[:],
	}); err != nil {
		return nil, interfaces.NewSecurityError(err)
	}
	if err := t.cfg.ClientPolicy.Check(report); err != nil {
		return nil, interfaces.NewSecurityError(err)
	}
	return report.Quote.Measurement, nil
}

func (t *Table) hasSession(key interfaces.PublicKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.items[key]
	return ok
}

func (t *Table) insertLocked(s *Session) {
	t.items[s.clientKey] = t.queue.PushFront(s)

	if t.cfg.MaxSessions > 0 {
		for t.queue.Len() > t.cfg.MaxSessions {
			t.removeLocked(t.queue.Back())
		}
	}
	metrics.SetActiveSessions(t.queue.Len())
}

func (t *Table) removeLocked(elem *list.Element) {
	s := elem.Value.(*Session)
	t.queue.Remove(elem)
	delete(t.items, s.clientKey)
	s.close()
}

// GetSession returns the established session for a client key.
func (t *Table) GetSession(key interfaces.PublicKey) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.items[key]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	s := elem.Value.(*Session)
	if s.State() != interfaces.StateEstablished {
		return nil, interfaces.ErrChannelNotReady
	}

	t.queue.MoveToFront(elem)
	s.lastUsed = t.now()
	return s, nil
}

// CloseSession closes and evicts the session for a client key.
func (t *Table) CloseSession(key interfaces.PublicKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.items[key]
	if !ok {
		return interfaces.ErrSessionNotFound
	}
	t.removeLocked(elem)
	metrics.SetActiveSessions(t.queue.Len())
	return nil
}

// ExpireIdle evicts sessions idle since before now minus the idle timeout
// and returns how many were evicted.
func (t *Table) ExpireIdle(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expireIdleLocked(now)
}

func (t *Table) expireIdleLocked(now time.Time) int {
	if t.cfg.IdleTimeout <= 0 {
		return 0
	}

	evicted := 0
	for elem := t.queue.Back(); elem != nil; {
		s := elem.Value.(*Session)
		if now.Sub(s.lastUsed) < t.cfg.IdleTimeout {
			// Older sessions are at the back; the rest are fresher.
			break
		}
		prev := elem.Prev()
		t.removeLocked(elem)
		evicted++
		elem = prev
	}
	if evicted > 0 {
		t.log.Debug("Expired idle sessions", slog.Int("count", evicted))
		metrics.SetActiveSessions(t.queue.Len())
	}
	return evicted
}

// Len returns the number of sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queue.Len()
}
