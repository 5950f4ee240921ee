// Package channel implements the client end of the secure channel.
//
// A Channel is used as follows: Reset generates a fresh short-term keypair,
// InitiateHandshake verifies the server's attested long-term key and learns
// its short-term key, Call exchanges encrypted requests, and Close ends the
// session. After any security error the channel is closed and must be Reset
// and handshaken again.
package channel

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/enclave-secure-channel/attestation"
	"github.com/ruteri/enclave-secure-channel/cryptoutils"
	"github.com/ruteri/enclave-secure-channel/interfaces"
)

const DefaultCloseTimeout = 5 * time.Second

var ErrNotReset = errors.New("channel must be reset before a handshake")

// Config configures a client channel.
type Config struct {
	Boundary interfaces.EnclaveBoundary

	// Attestation verifies the server's quote, and produces the client's
	// quote when ClientAttestation is set.
	Attestation *attestation.Service

	// ServerPolicy is applied to the server's quote.
	ServerPolicy attestation.Policy

	// ServerPublicKey optionally pins the server's long-term key.
	ServerPublicKey *interfaces.PublicKey

	// ClientAttestation sends a quote over the client's short-term key.
	ClientAttestation bool

	// SigningKey optionally signs every request envelope.
	SigningKey *ecdsa.PrivateKey

	CloseTimeout time.Duration
	Log          *slog.Logger
}

// Channel is the client end of a secure channel. Handshake, calls and close
// are serialized; a Channel is safe for concurrent use but processes one
// request at a time.
type Channel struct {
	cfg Config
	log *slog.Logger

	mu                sync.Mutex
	state             interfaces.StateMachine
	keypair           *interfaces.Keypair
	serverLongTerm    interfaces.PublicKey
	serverShortTerm   interfaces.PublicKey
	serverMeasurement []byte
	initKey           cryptoutils.SharedKeyCache
	sessionKey        cryptoutils.SharedKeyCache
	nonces            *cryptoutils.MonotonicNonceGenerator
	random            *cryptoutils.RandomNonceGenerator
}

func New(cfg Config) (*Channel, error) {
	if cfg.Boundary == nil {
		return nil, errors.New("no enclave boundary configured")
	}
	if cfg.Attestation == nil {
		return nil, errors.New("no attestation service configured")
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Channel{
		cfg:    cfg,
		log:    log,
		nonces: cryptoutils.NewMonotonicNonceGenerator(),
		random: cryptoutils.NewRandomNonceGenerator(),
	}, nil
}

// State returns the channel state.
func (c *Channel) State() interfaces.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.State()
}

// ServerMeasurement returns the attested measurement of the server enclave
// after a successful handshake.
func (c *Channel) ServerMeasurement() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.serverMeasurement...)
}

// ServerPublicKey returns the attested long-term key of the server.
func (c *Channel) ServerPublicKey() interfaces.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverLongTerm
}

// Reset wipes all channel key material, generates a fresh short-term
// keypair and returns the channel to Init.
func (c *Channel) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wipeLocked()
	kp, err := cryptoutils.GenerateKeypair()
	if err != nil {
		return interfaces.NewInfrastructureError(err)
	}
	c.keypair = kp
	return c.state.TransitionTo(interfaces.StateInit)
}

func (c *Channel) wipeLocked() {
	c.keypair.Zero()
	c.keypair = nil
	c.serverLongTerm = interfaces.PublicKey{}
	c.serverShortTerm = interfaces.PublicKey{}
	c.serverMeasurement = nil
	c.initKey.Reset()
	c.sessionKey.Reset()
	c.nonces.Reset()
}

func (c *Channel) closeLocked() {
	if c.state.State() == interfaces.StateEstablished {
		_ = c.state.TransitionTo(interfaces.StateClosed)
	}
	c.wipeLocked()
}

// InitiateHandshake performs the handshake. On any failure the channel
// stays in Init without key material and must be Reset before retrying.
//
// Errors whose ChannelError.Retryable is true, including an attestation
// outage reported by the server, may succeed on a later attempt. A generic
// StatusError from the server, such as a full session table, is returned as
// a protocol error; it is not retryable on the same channel but a fresh
// Reset and handshake may succeed once the server recovers.
func (c *Channel) InitiateHandshake(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.State() != interfaces.StateInit || c.keypair == nil {
		return interfaces.NewProtocolError(interfaces.StatusErrorSecureChannel, "", ErrNotReset)
	}

	if err := c.handshakeLocked(ctx); err != nil {
		c.wipeLocked()
		c.log.Debug("Handshake failed", "err", err)
		return err
	}

	c.log.Debug("Handshake complete",
		slog.String("serverKey", c.serverLongTerm.String()),
		slog.String("measurement", fmt.Sprintf("%x", c.serverMeasurement)))
	return nil
}

func (c *Channel) handshakeLocked(ctx context.Context) error {
	initReq := &interfaces.ChannelInitRequest{ShortTermPublicKey: c.keypair.Public}
	if c.cfg.ClientAttestation {
		quote, err := c.clientQuote(ctx)
		if err != nil {
			return err
		}
		initReq.ClientAttestationReport = quote
	}

	payload, err := interfaces.Encode(initReq)
	if err != nil {
		return interfaces.NewInfrastructureError(err)
	}

	resp, err := c.roundTrip(ctx, &interfaces.ClientRequest{
		PlainRequest: &interfaces.PlainRequest{Method: interfaces.MethodChannelInit, Payload: payload},
	})
	if err != nil {
		return err
	}
	if resp.PlainResponse == nil {
		return interfaces.NewSecurityError(fmt.Errorf("%w: handshake response is not plaintext", interfaces.ErrOperationFailed))
	}
	if err := statusError(resp.PlainResponse); err != nil {
		return err
	}

	var initResp interfaces.ChannelInitResponse
	if err := interfaces.Decode(resp.PlainResponse.Payload, &initResp); err != nil {
		return interfaces.NewInfrastructureError(err)
	}

	serverKey, measurement, err := c.verifyServer(ctx, initResp.ContractAttestationReport)
	if err != nil {
		return err
	}

	plaintext, err := cryptoutils.OpenBox(&initResp.ResponseBox, interfaces.NonceContextInit, c.random, serverKey, c.keypair, &c.initKey)
	c.initKey.Reset()
	if err != nil {
		return interfaces.NewSecurityError(err)
	}

	var box interfaces.ChannelInitResponseBox
	if err := interfaces.Decode(plaintext, &box); err != nil {
		return interfaces.NewSecurityError(err)
	}
	if box.ShortTermPublicKey.IsZero() {
		return interfaces.NewSecurityError(fmt.Errorf("%w: empty server short-term key", interfaces.ErrOperationFailed))
	}

	if err := c.state.TransitionTo(interfaces.StateEstablished); err != nil {
		return interfaces.NewProtocolError(interfaces.StatusErrorSecureChannel, "", err)
	}
	c.serverLongTerm = serverKey
	c.serverShortTerm = box.ShortTermPublicKey
	c.serverMeasurement = measurement
	return nil
}

func (c *Channel) clientQuote(ctx context.Context) ([]byte, error) {
	spid, err := c.cfg.Attestation.GetSPID(ctx)
	if err != nil {
		return nil, attestationError(err)
	}
	nonce, err := attestation.NewQuoteNonce()
	if err != nil {
		return nil, interfaces.NewInfrastructureError(err)
	}
	quote, err := c.cfg.Attestation.GetQuote(ctx, spid, interfaces.AttestationContextClientToServer, c.keypair.Public, nonce)
	if err != nil {
		return nil, attestationError(err)
	}
	return quote, nil
}

// verifyServer submits the server's quote to the authority with a fresh
// nonce and returns the attested long-term key and measurement.
func (c *Channel) verifyServer(ctx context.Context, quote []byte) (interfaces.PublicKey, []byte, error) {
	nonce, err := attestation.NewQuoteNonce()
	if err != nil {
		return interfaces.PublicKey{}, nil, interfaces.NewInfrastructureError(err)
	}

	report, err := c.cfg.Attestation.VerifyQuote(ctx, quote, nonce[:])
	if err != nil {
		return interfaces.PublicKey{}, nil, attestationError(err)
	}

	if err := attestation.CheckBinding(report, attestation.Expectation{
		Context:   interfaces.AttestationContextServerToClient,
		PublicKey: c.cfg.ServerPublicKey,
		Nonce:     nonce[:],
	}); err != nil {
		return interfaces.PublicKey{}, nil, interfaces.NewSecurityError(err)
	}
	if err := c.cfg.ServerPolicy.Check(report); err != nil {
		return interfaces.PublicKey{}, nil, interfaces.NewSecurityError(err)
	}
	return report.PublicKey(), report.Quote.Measurement, nil
}

// Call invokes an application method over the established channel and
// returns the response payload.
//
// A secure channel error closes the channel. Infrastructure errors leave the
// channel established; the nonce counter is not rolled back, so a retried
// request uses a fresh nonce.
func (c *Channel) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if strings.HasPrefix(method, "_") {
		return nil, interfaces.NewProtocolError(interfaces.StatusErrorBadRequest, "", fmt.Errorf("%w: reserved method %s", interfaces.ErrBadRequest, method))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callLocked(ctx, method, payload)
}

func (c *Channel) callLocked(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if err := c.state.EnsureReady(); err != nil {
		return nil, interfaces.NewProtocolError(interfaces.StatusErrorSecureChannel, "", err)
	}

	req := &interfaces.PlainRequest{Method: method, Payload: payload}
	if c.cfg.SigningKey != nil {
		if err := cryptoutils.SignRequest(req, c.keypair.Public, c.cfg.SigningKey); err != nil {
			return nil, interfaces.NewInfrastructureError(err)
		}
	}
	plaintext, err := interfaces.Encode(req)
	if err != nil {
		return nil, interfaces.NewInfrastructureError(err)
	}

	box, err := cryptoutils.CreateBox(plaintext, interfaces.NonceContextRequest, c.nonces, c.serverShortTerm, c.keypair, &c.sessionKey)
	if err != nil {
		c.closeLocked()
		return nil, interfaces.NewSecurityError(err)
	}

	resp, err := c.roundTrip(ctx, &interfaces.ClientRequest{EncryptedRequest: box})
	if err != nil {
		return nil, err
	}

	if resp.PlainResponse != nil {
		err := statusError(resp.PlainResponse)
		if err == nil {
			err = interfaces.NewSecurityError(fmt.Errorf("%w: unencrypted response on established channel", interfaces.ErrOperationFailed))
		}
		if interfaces.IsSecurityError(err) {
			c.log.Warn("Secure channel error, closing channel", "err", err)
			c.closeLocked()
		}
		return nil, err
	}

	opened, err := cryptoutils.OpenBox(resp.EncryptedResponse, interfaces.NonceContextResponse, c.nonces, c.serverShortTerm, c.keypair, &c.sessionKey)
	if err != nil {
		c.log.Warn("Failed to open response, closing channel", "err", err)
		c.closeLocked()
		return nil, interfaces.NewSecurityError(err)
	}

	var plainResp interfaces.PlainResponse
	if err := interfaces.Decode(opened, &plainResp); err != nil {
		return nil, interfaces.NewInfrastructureError(err)
	}
	if err := statusError(&plainResp); err != nil {
		if interfaces.IsSecurityError(err) {
			c.closeLocked()
		}
		return nil, err
	}
	return plainResp.Payload, nil
}

// Close ends the session on the server on a best-effort basis and closes
// the channel. It is a no-op unless the channel is established.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.State() != interfaces.StateEstablished {
		return nil
	}

	closeCtx, cancel := context.WithTimeout(ctx, c.cfg.CloseTimeout)
	defer cancel()

	payload, err := interfaces.Encode(&interfaces.ChannelCloseRequest{})
	if err == nil {
		err = c.sendCloseLocked(closeCtx, payload)
	}
	if err != nil {
		c.log.Debug("Failed to notify server of close", "err", err)
	}

	c.closeLocked()
	return nil
}

func (c *Channel) sendCloseLocked(ctx context.Context, payload []byte) error {
	plaintext, err := interfaces.Encode(&interfaces.PlainRequest{Method: interfaces.MethodChannelClose, Payload: payload})
	if err != nil {
		return err
	}
	box, err := cryptoutils.CreateBox(plaintext, interfaces.NonceContextRequest, c.nonces, c.serverShortTerm, c.keypair, &c.sessionKey)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, &interfaces.ClientRequest{EncryptedRequest: box})
	return err
}

func (c *Channel) roundTrip(ctx context.Context, req *interfaces.ClientRequest) (*interfaces.ClientResponse, error) {
	raw, err := interfaces.Encode(req)
	if err != nil {
		return nil, interfaces.NewInfrastructureError(err)
	}

	out, err := c.cfg.Boundary.Call(ctx, interfaces.EndpointRPC, raw)
	if err != nil {
		return nil, interfaces.NewInfrastructureError(err)
	}

	var resp interfaces.ClientResponse
	if err := interfaces.Decode(out, &resp); err != nil {
		return nil, interfaces.NewInfrastructureError(err)
	}
	if resp.PlainResponse == nil && resp.EncryptedResponse == nil {
		return nil, interfaces.NewInfrastructureError(fmt.Errorf("%w: empty response", interfaces.ErrParse))
	}
	return &resp, nil
}

// statusError converts a non-success response into a classified error.
func statusError(resp *interfaces.PlainResponse) error {
	msg := string(resp.Payload)
	switch resp.Status {
	case interfaces.StatusSuccess:
		return nil
	case interfaces.StatusErrorSecureChannel:
		return &interfaces.ChannelError{
			Class:   interfaces.SecurityError,
			Status:  resp.Status,
			Message: msg,
			Err:     interfaces.ErrOperationFailed,
		}
	case interfaces.StatusErrorBadRequest:
		return interfaces.NewProtocolError(resp.Status, msg, interfaces.ErrBadRequest)
	case interfaces.StatusErrorMethodNotFound:
		return interfaces.NewProtocolError(resp.Status, msg, interfaces.ErrMethodNotFound)
	case interfaces.StatusError:
		if msg == interfaces.ErrAttestationUnavailable.Error() {
			return &interfaces.ChannelError{
				Class:  interfaces.InfrastructureError,
				Status: resp.Status,
				Err:    interfaces.ErrAttestationUnavailable,
			}
		}
		return interfaces.NewProtocolError(resp.Status, msg, nil)
	default:
		return interfaces.NewProtocolError(resp.Status, msg, nil)
	}
}

func attestationError(err error) error {
	if errors.Is(err, interfaces.ErrAttestationUnavailable) {
		return interfaces.NewInfrastructureError(err)
	}
	return interfaces.NewSecurityError(err)
}
