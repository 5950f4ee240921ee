package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/enclave-secure-channel/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockHandler struct {
	mock.Mock
}

func (m *MockHandler) Handle(ctx context.Context, caller *interfaces.ClientIdentity, payload []byte) ([]byte, error) {
	args := m.Called(ctx, caller, payload)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

type echoRequest struct {
	Message string `json:"message"`
}

type echoResponse struct {
	Message string `json:"message"`
}

func newTestDispatcher() *Dispatcher {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDispatchSuccess(t *testing.T) {
	d := newTestDispatcher()
	require.NoError(t, d.Register("echo", NewMethod(func(ctx context.Context, caller *interfaces.ClientIdentity, req *echoRequest) (*echoResponse, error) {
		return &echoResponse{Message: req.Message}, nil
	})))

	resp := d.Dispatch(context.Background(), &Request{Method: "echo", Payload: []byte(`{"message":"hi"}`)})
	assert.Equal(t, interfaces.StatusSuccess, resp.Status)
	assert.JSONEq(t, `{"message":"hi"}`, string(resp.Payload))
}

func TestDispatchMethodNotFound(t *testing.T) {
	d := newTestDispatcher()
	resp := d.Dispatch(context.Background(), &Request{Method: "missing"})
	assert.Equal(t, interfaces.StatusErrorMethodNotFound, resp.Status)
}

func TestDispatchBadRequest(t *testing.T) {
	d := newTestDispatcher()
	require.NoError(t, d.Register("echo", NewMethod(func(ctx context.Context, caller *interfaces.ClientIdentity, req *echoRequest) (*echoResponse, error) {
		t.Fatal("handler must not run on undecodable payload")
		return nil, nil
	})))

	resp := d.Dispatch(context.Background(), &Request{Method: "echo", Payload: []byte("not json")})
	assert.Equal(t, interfaces.StatusErrorBadRequest, resp.Status)
}

func TestDispatchHandlerError(t *testing.T) {
	d := newTestDispatcher()
	h := new(MockHandler)
	h.On("Handle", mock.Anything, mock.Anything, []byte("x")).Return(nil, errors.New("insufficient funds"))
	require.NoError(t, d.Register("pay", h))

	resp := d.Dispatch(context.Background(), &Request{Method: "pay", Payload: []byte("x")})
	assert.Equal(t, interfaces.StatusError, resp.Status)
	assert.Equal(t, "insufficient funds", string(resp.Payload))
	h.AssertExpectations(t)
}

func TestDispatchUpstreamErrorSkipsHandler(t *testing.T) {
	d := newTestDispatcher()
	h := new(MockHandler)
	require.NoError(t, d.Register("echo", h))

	resp := d.Dispatch(context.Background(), &Request{Method: "echo", Err: interfaces.NewSecurityError(interfaces.ErrOperationFailed)})
	assert.Equal(t, interfaces.StatusErrorSecureChannel, resp.Status)
	assert.Equal(t, "operation failed", string(resp.Payload))
	h.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything, mock.Anything)
}

func TestDispatchPassesCaller(t *testing.T) {
	d := newTestDispatcher()
	caller := &interfaces.ClientIdentity{Measurement: []byte{1}}
	h := new(MockHandler)
	h.On("Handle", mock.Anything, caller, []byte(nil)).Return([]byte("ok"), nil)
	require.NoError(t, d.Register("whoami", h))

	resp := d.Dispatch(context.Background(), &Request{Method: "whoami", Caller: caller})
	assert.Equal(t, interfaces.StatusSuccess, resp.Status)
	h.AssertExpectations(t)
}

func TestRegistry(t *testing.T) {
	d := newTestDispatcher()
	h := new(MockHandler)

	require.ErrorIs(t, d.Register("_channel_init", h), ErrReservedMethod)
	require.NoError(t, d.RegisterInternal("_channel_init", h))
	require.ErrorIs(t, d.RegisterInternal("_channel_init", h), ErrMethodExists)
	require.NoError(t, d.Register("echo", h))
	require.ErrorIs(t, d.Register("echo", h), ErrMethodExists)

	require.NoError(t, d.RegisterPlain("_key_restore", h))
	require.ErrorIs(t, d.RegisterPlain("_channel_init", h), ErrMethodExists)
	require.NoError(t, d.Register("status", h))

	assert.False(t, d.IsPlain("_channel_init"))
	assert.True(t, d.IsPlain("_key_restore"))
	assert.False(t, d.IsPlain("echo"))
	assert.False(t, d.IsPlain("missing"))
	assert.Equal(t, []string{"echo", "status"}, d.Methods())
}

func TestErrorResponse(t *testing.T) {
	cases := []struct {
		err    error
		status interfaces.StatusCode
	}{
		{interfaces.ErrOperationFailed, interfaces.StatusErrorSecureChannel},
		{interfaces.NewSecurityError(interfaces.ErrAttestationMismatch), interfaces.StatusErrorSecureChannel},
		{interfaces.ErrChannelNotReady, interfaces.StatusErrorSecureChannel},
		{interfaces.ErrSessionNotFound, interfaces.StatusErrorSecureChannel},
		{interfaces.ErrParse, interfaces.StatusErrorBadRequest},
		{interfaces.ErrMethodNotFound, interfaces.StatusErrorMethodNotFound},
		{interfaces.ErrSessionExists, interfaces.StatusError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, ErrorResponse(tc.err).Status, tc.err.Error())
	}

	// Security errors never leak their cause.
	resp := ErrorResponse(interfaces.NewSecurityError(errors.New("measurement 0xdead not allowed")))
	assert.Equal(t, "operation failed", string(resp.Payload))

	// Attestation outages keep their status but not the upstream detail.
	resp = ErrorResponse(fmt.Errorf("%w: dial tcp 10.0.0.7:443: connection refused", interfaces.ErrAttestationUnavailable))
	assert.Equal(t, interfaces.StatusError, resp.Status)
	assert.Equal(t, interfaces.ErrAttestationUnavailable.Error(), string(resp.Payload))
}
