// Package enclave implements the trusted side of the enclave boundary.
//
// Enclave.Call accepts a serialized ClientRequest, routes plaintext
// handshake and key restore requests to the internal methods, opens
// encrypted requests with the client's session, dispatches them and seals the
// response. Only the "rpc" endpoint exists.
package enclave

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ruteri/enclave-secure-channel/cryptoutils"
	"github.com/ruteri/enclave-secure-channel/dispatcher"
	"github.com/ruteri/enclave-secure-channel/interfaces"
	"github.com/ruteri/enclave-secure-channel/kms"
	"github.com/ruteri/enclave-secure-channel/metrics"
	"github.com/ruteri/enclave-secure-channel/session"
	"go.uber.org/atomic"
)

// DefaultMaxResponseSize bounds serialized responses leaving the enclave.
const DefaultMaxResponseSize = 1 << 20

type Config struct {
	MaxResponseSize int
	Log             *slog.Logger
}

// Enclave dispatches requests arriving across the boundary. It is safe for
// concurrent use.
type Enclave struct {
	maxResponseSize int
	log             *slog.Logger
	sessions        *session.Table
	dispatcher      *dispatcher.Dispatcher
	sealer          *kms.Sealer

	requests atomic.Uint64
}

// New creates an enclave serving sessions from the given table. The sealer
// may be nil, in which case key restore is unavailable.
func New(cfg Config, sessions *session.Table, sealer *kms.Sealer) (*Enclave, error) {
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = DefaultMaxResponseSize
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	e := &Enclave{
		maxResponseSize: cfg.MaxResponseSize,
		log:             cfg.Log,
		sessions:        sessions,
		dispatcher:      dispatcher.New(cfg.Log),
		sealer:          sealer,
	}

	if err := e.dispatcher.RegisterPlain(interfaces.MethodChannelInit, dispatcher.NewMethod(e.handleChannelInit)); err != nil {
		return nil, err
	}
	if err := e.dispatcher.RegisterPlain(interfaces.MethodKeyRestore, dispatcher.NewMethod(e.handleKeyRestore)); err != nil {
		return nil, err
	}
	if err := e.dispatcher.RegisterInternal(interfaces.MethodChannelClose, dispatcher.NewMethod(e.handleChannelClose)); err != nil {
		return nil, err
	}
	return e, nil
}

// Register adds an application method.
func (e *Enclave) Register(method string, h dispatcher.Handler) error {
	return e.dispatcher.Register(method, h)
}

// Methods returns the registered application method names.
func (e *Enclave) Methods() []string {
	return e.dispatcher.Methods()
}

// Requests returns the number of requests served.
func (e *Enclave) Requests() uint64 {
	return e.requests.Load()
}

// Call implements interfaces.EnclaveBoundary. The request buffer is copied
// before use. Malformed requests produce a bad request response rather than
// an error; an error means nothing could be returned across the boundary.
func (e *Enclave) Call(ctx context.Context, endpoint string, request []byte) ([]byte, error) {
	if endpoint != interfaces.EndpointRPC {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownEndpoint, endpoint)
	}
	e.requests.Inc()

	var resp *interfaces.ClientResponse
	var req interfaces.ClientRequest
	if err := interfaces.Decode(bytes.Clone(request), &req); err != nil {
		e.log.Debug("Malformed client request", "err", err)
		resp = plainResponse(dispatcher.ErrorResponse(err))
	} else {
		resp = e.HandleRequest(ctx, &req)
	}

	out, err := interfaces.Encode(resp)
	if err != nil {
		return nil, err
	}
	if len(out) > e.maxResponseSize {
		e.log.Warn("Response exceeds boundary limit",
			slog.Int("size", len(out)),
			slog.Int("limit", e.maxResponseSize))
		return nil, fmt.Errorf("%w: %d > %d bytes", interfaces.ErrResponseTooLarge, len(out), e.maxResponseSize)
	}
	return out, nil
}

// HandleRequest serves a decoded client request.
func (e *Enclave) HandleRequest(ctx context.Context, req *interfaces.ClientRequest) *interfaces.ClientResponse {
	switch {
	case req.EncryptedRequest != nil && req.PlainRequest == nil:
		return e.handleEncrypted(ctx, req.EncryptedRequest)
	case req.PlainRequest != nil && req.EncryptedRequest == nil:
		return e.handlePlain(ctx, req.PlainRequest)
	default:
		return plainResponse(dispatcher.ErrorResponse(fmt.Errorf("%w: exactly one of encrypted or plain request required", interfaces.ErrBadRequest)))
	}
}

func plainResponse(resp *interfaces.PlainResponse) *interfaces.ClientResponse {
	return &interfaces.ClientResponse{PlainResponse: resp}
}

func (e *Enclave) handlePlain(ctx context.Context, req *interfaces.PlainRequest) *interfaces.ClientResponse {
	if !e.dispatcher.IsPlain(req.Method) {
		e.log.Debug("Rejected plaintext request", slog.String("method", req.Method))
		return plainResponse(dispatcher.ErrorResponse(interfaces.ErrChannelNotReady))
	}
	return plainResponse(e.dispatcher.Dispatch(ctx, &dispatcher.Request{
		Method:  req.Method,
		Payload: req.Payload,
	}))
}

func (e *Enclave) handleEncrypted(ctx context.Context, b *interfaces.CryptoBox) *interfaces.ClientResponse {
	clientKey := b.SenderPublicKey
	s, err := e.sessions.GetSession(clientKey)
	if err != nil {
		e.log.Debug("No session for encrypted request", slog.String("clientKey", clientKey.String()), "err", err)
		return plainResponse(dispatcher.ErrorResponse(err))
	}

	plaintext, err := s.OpenRequest(b)
	if err != nil {
		return e.securityFailure(clientKey, err)
	}

	var req interfaces.PlainRequest
	dreq := &dispatcher.Request{Caller: s.Identity()}
	if err := interfaces.Decode(plaintext, &req); err != nil {
		dreq.Err = err
	} else {
		dreq.Method = req.Method
		dreq.Payload = req.Payload
		if e.dispatcher.IsPlain(req.Method) {
			dreq.Err = fmt.Errorf("%w: %s is not allowed on an established channel", interfaces.ErrBadRequest, req.Method)
		}
	}

	if dreq.Err == nil && len(req.Signature) > 0 {
		signer, err := cryptoutils.RecoverSigner(&req, clientKey)
		if err != nil {
			return e.securityFailure(clientKey, interfaces.NewSecurityError(err))
		}
		dreq.Caller.Signer = &signer
	}

	resp := e.dispatcher.Dispatch(ctx, dreq)
	payload, err := interfaces.Encode(resp)
	if err != nil {
		return plainResponse(dispatcher.ErrorResponse(err))
	}

	sealed, err := s.SealResponse(payload)
	if err != nil {
		return e.securityFailure(clientKey, interfaces.NewSecurityError(err))
	}

	if req.Method == interfaces.MethodChannelClose && resp.Status == interfaces.StatusSuccess {
		if err := e.sessions.CloseSession(clientKey); err != nil && !errors.Is(err, interfaces.ErrSessionNotFound) {
			e.log.Warn("Failed to close session", "err", err)
		}
	}

	return &interfaces.ClientResponse{EncryptedResponse: sealed}
}

// securityFailure evicts the session and answers with an opaque plaintext
// secure channel error.
func (e *Enclave) securityFailure(clientKey interfaces.PublicKey, err error) *interfaces.ClientResponse {
	metrics.RecordSecurityError()
	e.log.Warn("Secure channel failure, evicting session",
		slog.String("clientKey", clientKey.String()),
		"err", err)

	if closeErr := e.sessions.CloseSession(clientKey); closeErr != nil && !errors.Is(closeErr, interfaces.ErrSessionNotFound) {
		e.log.Warn("Failed to evict session", "err", closeErr)
	}
	return plainResponse(dispatcher.ErrorResponse(interfaces.NewSecurityError(interfaces.ErrOperationFailed)))
}
