package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/enclave-secure-channel/attestation"
	"github.com/ruteri/enclave-secure-channel/cryptoutils"
	"github.com/ruteri/enclave-secure-channel/dispatcher"
	"github.com/ruteri/enclave-secure-channel/enclave"
	"github.com/ruteri/enclave-secure-channel/interfaces"
	"github.com/ruteri/enclave-secure-channel/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	serverMeasurement = []byte("server-measurement-0123456789abc")
	clientMeasurement = []byte("client-measurement-0123456789abc")
)

// recordingBoundary forwards calls to an enclave, remembering the last
// request and optionally failing or rewriting calls.
type recordingBoundary struct {
	inner interfaces.EnclaveBoundary

	mu          sync.Mutex
	lastRequest []byte
	failNext    int
	rewrite     func([]byte) []byte
}

func (b *recordingBoundary) Call(ctx context.Context, endpoint string, request []byte) ([]byte, error) {
	b.mu.Lock()
	b.lastRequest = append([]byte(nil), request...)
	fail := b.failNext > 0
	if fail {
		b.failNext--
	}
	rewrite := b.rewrite
	b.mu.Unlock()

	if fail {
		return nil, errors.New("connection reset by peer")
	}
	resp, err := b.inner.Call(ctx, endpoint, request)
	if err != nil || rewrite == nil {
		return resp, err
	}
	return rewrite(resp), nil
}

type testEnv struct {
	enclave   *enclave.Enclave
	table     *session.Table
	boundary  *recordingBoundary
	authority *attestation.MockAuthority
	serverKey interfaces.PublicKey
}

type envOptions struct {
	sessionConfig   session.Config
	maxResponseSize int

	// verifierDown makes the server's authority fail to verify client quotes.
	verifierDown bool
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	authority, err := attestation.NewMockAuthority()
	require.NoError(t, err)
	var serverAuthority interfaces.AttestationAuthority = authority
	if opts.verifierDown {
		serverAuthority = downAuthority{inner: authority}
	}
	serverSvc := attestation.NewService(attestation.Config{
		Provider:   attestation.NewMockQuoteProvider(serverMeasurement),
		Authority:  serverAuthority,
		TrustRoots: authority.TrustRoots(),
		Log:        log,
	})

	table := session.NewTable(opts.sessionConfig, serverSvc, log)
	e, err := enclave.New(enclave.Config{MaxResponseSize: opts.maxResponseSize, Log: log}, table, nil)
	require.NoError(t, err)

	serverKey, err := e.GenerateLongTermKey(context.Background())
	require.NoError(t, err)

	require.NoError(t, e.Register("echo", dispatcher.HandlerFunc(func(ctx context.Context, caller *interfaces.ClientIdentity, payload []byte) ([]byte, error) {
		return payload, nil
	})))
	require.NoError(t, e.Register("whoami", dispatcher.NewMethod(func(ctx context.Context, caller *interfaces.ClientIdentity, _ *struct{}) (*interfaces.ClientIdentity, error) {
		return caller, nil
	})))
	require.NoError(t, e.Register("fail", dispatcher.HandlerFunc(func(ctx context.Context, caller *interfaces.ClientIdentity, payload []byte) ([]byte, error) {
		return nil, errors.New("handler refused")
	})))

	return &testEnv{
		enclave:   e,
		table:     table,
		boundary:  &recordingBoundary{inner: e},
		authority: authority,
		serverKey: serverKey,
	}
}

func (env *testEnv) clientConfig(t *testing.T) Config {
	return Config{
		Boundary: env.boundary,
		Attestation: attestation.NewService(attestation.Config{
			Provider:   attestation.NewMockQuoteProvider(clientMeasurement),
			Authority:  env.authority,
			TrustRoots: env.authority.TrustRoots(),
		}),
		ServerPolicy: attestation.Policy{
			AllowedMeasurements: [][]byte{serverMeasurement},
			AllowMock:           true,
		},
	}
}

func (env *testEnv) connect(t *testing.T, cfg Config) *Channel {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Reset())
	require.NoError(t, c.InitiateHandshake(context.Background()))
	require.Equal(t, interfaces.StateEstablished, c.State())
	return c
}

func TestEndToEndEcho(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.connect(t, env.clientConfig(t))

	out, err := c.Call(context.Background(), "echo", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), out)

	out, err = c.Call(context.Background(), "echo", []byte{})
	require.NoError(t, err)
	assert.Empty(t, out)

	assert.Equal(t, serverMeasurement, c.ServerMeasurement())
	assert.Equal(t, env.serverKey, c.ServerPublicKey())
}

func TestStaleNonceClosesChannelUntilRehandshake(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.connect(t, env.clientConfig(t))
	ctx := context.Background()

	out, err := c.Call(ctx, "echo", []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), out)

	// Replay the recorded request: its nonce is no longer above the server watermark.
	replayed, err := env.enclave.Call(ctx, interfaces.EndpointRPC, env.boundary.lastRequest)
	require.NoError(t, err)
	var resp interfaces.ClientResponse
	require.NoError(t, interfaces.Decode(replayed, &resp))
	require.NotNil(t, resp.PlainResponse)
	assert.Equal(t, interfaces.StatusErrorSecureChannel, resp.PlainResponse.Status)
	assert.Equal(t, 0, env.table.Len(), "session must be evicted")

	// The next valid call is rejected as well; the client closes its channel.
	_, err = c.Call(ctx, "echo", []byte("again"))
	require.Error(t, err)
	assert.True(t, interfaces.IsSecurityError(err))
	assert.Equal(t, interfaces.StateClosed, c.State())

	_, err = c.Call(ctx, "echo", []byte("again"))
	require.ErrorIs(t, err, interfaces.ErrChannelNotReady)

	require.ErrorIs(t, c.InitiateHandshake(ctx), ErrNotReset)

	require.NoError(t, c.Reset())
	require.NoError(t, c.InitiateHandshake(ctx))
	out, err = c.Call(ctx, "echo", []byte("back"))
	require.NoError(t, err)
	assert.Equal(t, []byte("back"), out)
}

func TestHandshakeRequiresReset(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c, err := New(env.clientConfig(t))
	require.NoError(t, err)

	require.ErrorIs(t, c.InitiateHandshake(context.Background()), ErrNotReset)

	_, err = c.Call(context.Background(), "echo", nil)
	require.ErrorIs(t, err, interfaces.ErrChannelNotReady)

	require.NoError(t, c.Reset())
	require.NoError(t, c.InitiateHandshake(context.Background()))
	require.ErrorIs(t, c.InitiateHandshake(context.Background()), ErrNotReset)
}

func TestHandshakeRejectsUnexpectedMeasurement(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	cfg := env.clientConfig(t)
	cfg.ServerPolicy.AllowedMeasurements = [][]byte{[]byte("some-other-enclave")}

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Reset())

	err = c.InitiateHandshake(context.Background())
	require.True(t, interfaces.IsSecurityError(err))
	require.ErrorIs(t, err, interfaces.ErrAttestationMismatch)
	assert.Equal(t, interfaces.StateInit, c.State())
	require.ErrorIs(t, c.InitiateHandshake(context.Background()), ErrNotReset)
}

func TestHandshakeRejectsMockWhenNotAllowed(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	cfg := env.clientConfig(t)
	cfg.ServerPolicy.AllowMock = false

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Reset())
	require.True(t, interfaces.IsSecurityError(c.InitiateHandshake(context.Background())))
}

func TestHandshakePinnedServerKey(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	cfg := env.clientConfig(t)
	cfg.ServerPublicKey = &env.serverKey
	env.connect(t, cfg)

	other, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)
	cfg.ServerPublicKey = &other.Public
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Reset())
	err = c.InitiateHandshake(context.Background())
	require.True(t, interfaces.IsSecurityError(err))
}

func TestHandshakeRejectsInitBoxFromUnattestedKey(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	impostor, err := cryptoutils.GenerateKeypair()
	require.NoError(t, err)

	// Re-seal the init box with a key the quote does not cover.
	env.boundary.rewrite = func(raw []byte) []byte {
		var resp interfaces.ClientResponse
		require.NoError(t, interfaces.Decode(raw, &resp))
		var initResp interfaces.ChannelInitResponse
		require.NoError(t, interfaces.Decode(resp.PlainResponse.Payload, &initResp))

		var req interfaces.ClientRequest
		require.NoError(t, interfaces.Decode(env.boundary.lastRequest, &req))
		var initReq interfaces.ChannelInitRequest
		require.NoError(t, interfaces.Decode(req.PlainRequest.Payload, &initReq))

		boxPayload, err := interfaces.Encode(&interfaces.ChannelInitResponseBox{ShortTermPublicKey: impostor.Public})
		require.NoError(t, err)
		var cache cryptoutils.SharedKeyCache
		forged, err := cryptoutils.CreateBox(boxPayload, interfaces.NonceContextInit, cryptoutils.NewRandomNonceGenerator(), initReq.ShortTermPublicKey, impostor, &cache)
		require.NoError(t, err)
		initResp.ResponseBox = *forged

		resp.PlainResponse.Payload, err = interfaces.Encode(&initResp)
		require.NoError(t, err)
		out, err := interfaces.Encode(&resp)
		require.NoError(t, err)
		return out
	}

	c, err := New(env.clientConfig(t))
	require.NoError(t, err)
	require.NoError(t, c.Reset())
	err = c.InitiateHandshake(context.Background())
	require.True(t, interfaces.IsSecurityError(err))
	require.ErrorIs(t, err, interfaces.ErrOperationFailed)
}

func TestHandshakeAuthorityUnavailableIsRetryable(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	cfg := env.clientConfig(t)
	cfg.Attestation = attestation.NewService(attestation.Config{Authority: unavailableAuthority{}})

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Reset())
	err = c.InitiateHandshake(context.Background())
	require.True(t, interfaces.IsRetryable(err))
	require.ErrorIs(t, err, interfaces.ErrAttestationUnavailable)
}

// An outage of the server's authority reaches the client as a retryable
// failure without the server's upstream error text.
func TestHandshakeServerAuthorityUnavailable(t *testing.T) {
	opts := envOptions{sessionConfig: session.Config{
		RequireClientAttestation: true,
		ClientPolicy: attestation.Policy{
			AllowedMeasurements: [][]byte{clientMeasurement},
			AllowMock:           true,
		},
	}}
	opts.verifierDown = true
	env := newTestEnv(t, opts)
	cfg := env.clientConfig(t)
	cfg.ClientAttestation = true

	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Reset())
	err = c.InitiateHandshake(context.Background())
	require.Error(t, err)
	assert.True(t, interfaces.IsRetryable(err))
	assert.ErrorIs(t, err, interfaces.ErrAttestationUnavailable)
	assert.NotContains(t, err.Error(), "10.0.0.7")
	assert.Equal(t, interfaces.StateInit, c.State())
}

func TestPlainMethodRejectedOnChannel(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.connect(t, env.clientConfig(t))

	c.mu.Lock()
	_, err := c.callLocked(context.Background(), interfaces.MethodKeyRestore, []byte("{}"))
	c.mu.Unlock()
	require.ErrorIs(t, err, interfaces.ErrBadRequest)

	out, err := c.Call(context.Background(), "echo", []byte("still fine"))
	require.NoError(t, err)
	assert.Equal(t, []byte("still fine"), out)
}

func TestDuplicateHandshakeRejected(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.connect(t, env.clientConfig(t))

	// Resend the recorded handshake for the same client key.
	var req interfaces.ClientRequest
	require.NoError(t, interfaces.Decode(env.boundary.lastRequest, &req))
	resp := env.enclave.HandleRequest(context.Background(), &req)
	require.NotNil(t, resp.PlainResponse)
	assert.Equal(t, interfaces.StatusError, resp.PlainResponse.Status)
	assert.Equal(t, "session already exists", string(resp.PlainResponse.Payload))

	_, err := c.Call(context.Background(), "echo", []byte("still fine"))
	require.NoError(t, err)
}

func TestApplicationErrorsKeepChannel(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.connect(t, env.clientConfig(t))
	ctx := context.Background()

	_, err := c.Call(ctx, "missing", nil)
	require.ErrorIs(t, err, interfaces.ErrMethodNotFound)
	assert.False(t, interfaces.IsSecurityError(err))

	_, err = c.Call(ctx, "fail", nil)
	var chErr *interfaces.ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, interfaces.ProtocolError, chErr.Class)
	assert.Equal(t, "handler refused", chErr.Message)

	_, err = c.Call(ctx, "whoami", []byte("not json"))
	require.ErrorIs(t, err, interfaces.ErrBadRequest)

	_, err = c.Call(ctx, interfaces.MethodChannelClose, nil)
	require.ErrorIs(t, err, interfaces.ErrBadRequest)

	assert.Equal(t, interfaces.StateEstablished, c.State())
	_, err = c.Call(ctx, "echo", []byte("ok"))
	require.NoError(t, err)
}

func TestInfrastructureErrorKeepsChannel(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.connect(t, env.clientConfig(t))
	ctx := context.Background()

	env.boundary.failNext = 1
	_, err := c.Call(ctx, "echo", []byte("lost"))
	require.True(t, interfaces.IsRetryable(err))
	assert.Equal(t, interfaces.StateEstablished, c.State())

	out, err := c.Call(ctx, "echo", []byte("retried"))
	require.NoError(t, err)
	assert.Equal(t, []byte("retried"), out)
}

func TestResponseTooLarge(t *testing.T) {
	env := newTestEnv(t, envOptions{maxResponseSize: 4096})
	c := env.connect(t, env.clientConfig(t))
	ctx := context.Background()

	_, err := c.Call(ctx, "echo", bytes.Repeat([]byte("x"), 8192))
	require.ErrorIs(t, err, interfaces.ErrResponseTooLarge)
	require.True(t, interfaces.IsRetryable(err))

	out, err := c.Call(ctx, "echo", []byte("small"))
	require.NoError(t, err)
	assert.Equal(t, []byte("small"), out)
}

func TestClose(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.connect(t, env.clientConfig(t))
	require.Equal(t, 1, env.table.Len())

	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, interfaces.StateClosed, c.State())
	assert.Equal(t, 0, env.table.Len())

	require.NoError(t, c.Close(context.Background()))
	_, err := c.Call(context.Background(), "echo", nil)
	require.ErrorIs(t, err, interfaces.ErrChannelNotReady)
}

func TestCloseWhenServerUnreachable(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	c := env.connect(t, env.clientConfig(t))

	env.boundary.failNext = 1
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, interfaces.StateClosed, c.State())
}

func TestMutualAttestationIdentity(t *testing.T) {
	env := newTestEnv(t, envOptions{sessionConfig: session.Config{
		RequireClientAttestation: true,
		ClientPolicy: attestation.Policy{
			AllowedMeasurements: [][]byte{clientMeasurement},
			AllowMock:           true,
		},
	}})

	cfg := env.clientConfig(t)
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Reset())
	require.True(t, interfaces.IsSecurityError(c.InitiateHandshake(context.Background())), "server requires a client quote")

	cfg.ClientAttestation = true
	c = env.connect(t, cfg)

	id, err := CallJSON[struct{}, interfaces.ClientIdentity](context.Background(), c, "whoami", &struct{}{})
	require.NoError(t, err)
	assert.Equal(t, clientMeasurement, id.Measurement)
	require.NotNil(t, id.ChannelKey)
}

func TestSignedRequests(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	cfg := env.clientConfig(t)
	cfg.SigningKey = key
	c := env.connect(t, cfg)

	id, err := CallJSON[struct{}, interfaces.ClientIdentity](context.Background(), c, "whoami", &struct{}{})
	require.NoError(t, err)
	require.NotNil(t, id.Signer)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), *id.Signer)
}

type unavailableAuthority struct{}

func (unavailableAuthority) Verify(ctx context.Context, quote []byte, nonce []byte) (*interfaces.AuthorityReport, error) {
	return nil, interfaces.ErrAttestationUnavailable
}

func (unavailableAuthority) SPID(ctx context.Context) ([]byte, error) {
	return nil, interfaces.ErrAttestationUnavailable
}

type downAuthority struct {
	inner interfaces.AttestationAuthority
}

func (a downAuthority) Verify(ctx context.Context, quote []byte, nonce []byte) (*interfaces.AuthorityReport, error) {
	return nil, fmt.Errorf("%w: dial tcp 10.0.0.7:443: connection refused", interfaces.ErrAttestationUnavailable)
}

func (a downAuthority) SPID(ctx context.Context) ([]byte, error) {
	return a.inner.SPID(ctx)
}
