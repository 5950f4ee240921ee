// Package dispatcher routes decrypted requests to named method handlers.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/ruteri/enclave-secure-channel/interfaces"
	"github.com/ruteri/enclave-secure-channel/metrics"
)

var (
	ErrMethodExists   = errors.New("method already registered")
	ErrReservedMethod = errors.New("method names starting with '_' are reserved")
)

// Handler serves one method. Returning an error wrapping
// interfaces.ErrBadRequest yields a bad request status; any other error
// yields a generic error status whose payload is the error message.
type Handler interface {
	Handle(ctx context.Context, caller *interfaces.ClientIdentity, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, caller *interfaces.ClientIdentity, payload []byte) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, caller *interfaces.ClientIdentity, payload []byte) ([]byte, error) {
	return f(ctx, caller, payload)
}

type methodHandler[Req any, Resp any] struct {
	fn func(ctx context.Context, caller *interfaces.ClientIdentity, req *Req) (*Resp, error)
}

// NewMethod wraps a typed function into a Handler that decodes its JSON
// request and encodes its JSON response.
func NewMethod[Req any, Resp any](fn func(ctx context.Context, caller *interfaces.ClientIdentity, req *Req) (*Resp, error)) Handler {
	return &methodHandler[Req, Resp]{fn: fn}
}

func (h *methodHandler[Req, Resp]) Handle(ctx context.Context, caller *interfaces.ClientIdentity, payload []byte) ([]byte, error) {
	req := new(Req)
	if err := json.Unmarshal(payload, req); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBadRequest, err)
	}

	resp, err := h.fn(ctx, caller, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

// Request is a method invocation as seen by the dispatcher.
type Request struct {
	Method  string
	Payload []byte
	Caller  *interfaces.ClientIdentity

	// Err is a failure that happened before dispatch, such as a box that
	// failed to open. It is reported without invoking any handler.
	Err error
}

type entry struct {
	handler  Handler
	internal bool

	// plain methods are served without an established channel.
	plain bool
}

// Dispatcher holds the method registry. It is safe for concurrent use.
type Dispatcher struct {
	mu      sync.RWMutex
	methods map[string]entry
	log     *slog.Logger
}

func New(log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		methods: make(map[string]entry),
		log:     log,
	}
}

// Register adds an application method.
func (d *Dispatcher) Register(name string, h Handler) error {
	if strings.HasPrefix(name, "_") {
		return fmt.Errorf("%w: %s", ErrReservedMethod, name)
	}
	return d.register(name, entry{handler: h})
}

// RegisterInternal adds a protocol method that requires an established channel.
func (d *Dispatcher) RegisterInternal(name string, h Handler) error {
	return d.register(name, entry{handler: h, internal: true})
}

// RegisterPlain adds a protocol method that is served without a channel,
// such as the handshake itself.
func (d *Dispatcher) RegisterPlain(name string, h Handler) error {
	return d.register(name, entry{handler: h, internal: true, plain: true})
}

func (d *Dispatcher) register(name string, e entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.methods[name]; ok {
		return fmt.Errorf("%w: %s", ErrMethodExists, name)
	}
	d.methods[name] = e
	return nil
}

// IsPlain reports whether name is registered as served without a channel.
func (d *Dispatcher) IsPlain(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.methods[name].plain
}

// Methods returns the registered application method names.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.methods))
	for name, e := range d.methods {
		if !e.internal {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Dispatch invokes the handler for req.Method and converts the outcome into a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *interfaces.PlainResponse {
	resp := d.dispatch(ctx, req)
	metrics.RecordDispatch(req.Method, resp.Status.String())
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, req *Request) *interfaces.PlainResponse {
	if req.Err != nil {
		return ErrorResponse(req.Err)
	}

	d.mu.RLock()
	e, ok := d.methods[req.Method]
	d.mu.RUnlock()
	if !ok {
		d.log.Debug("Method not found", slog.String("method", req.Method))
		return &interfaces.PlainResponse{
			Status:  interfaces.StatusErrorMethodNotFound,
			Payload: []byte(interfaces.ErrMethodNotFound.Error()),
		}
	}

	payload, err := e.handler.Handle(ctx, req.Caller, req.Payload)
	if err != nil {
		d.log.Debug("Method failed", slog.String("method", req.Method), "err", err)
		return ErrorResponse(err)
	}

	if payload == nil {
		payload = []byte{}
	}
	return &interfaces.PlainResponse{Status: interfaces.StatusSuccess, Payload: payload}
}

// ErrorResponse maps an error to the response a client receives. Security
// failures and attestation outages are reported without detail.
func ErrorResponse(err error) *interfaces.PlainResponse {
	switch {
	case interfaces.IsSecurityError(err), errors.Is(err, interfaces.ErrOperationFailed):
		return &interfaces.PlainResponse{
			Status:  interfaces.StatusErrorSecureChannel,
			Payload: []byte(interfaces.ErrOperationFailed.Error()),
		}
	case errors.Is(err, interfaces.ErrChannelNotReady), errors.Is(err, interfaces.ErrSessionNotFound):
		return &interfaces.PlainResponse{
			Status:  interfaces.StatusErrorSecureChannel,
			Payload: []byte(interfaces.ErrChannelNotReady.Error()),
		}
	case errors.Is(err, interfaces.ErrBadRequest), errors.Is(err, interfaces.ErrParse):
		return &interfaces.PlainResponse{
			Status:  interfaces.StatusErrorBadRequest,
			Payload: []byte(err.Error()),
		}
	case errors.Is(err, interfaces.ErrAttestationUnavailable):
		return &interfaces.PlainResponse{
			Status:  interfaces.StatusError,
			Payload: []byte(interfaces.ErrAttestationUnavailable.Error()),
		}
	case errors.Is(err, interfaces.ErrMethodNotFound):
		return &interfaces.PlainResponse{
			Status:  interfaces.StatusErrorMethodNotFound,
			Payload: []byte(err.Error()),
		}
	default:
		return &interfaces.PlainResponse{
			Status:  interfaces.StatusError,
			Payload: []byte(err.Error()),
		}
	}
}
