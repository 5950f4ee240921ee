package attestation

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/ruteri/enclave-secure-channel/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMeasurement = []byte("0123456789abcdef0123456789abcdef")

func newMockService(t *testing.T) (*Service, *MockAuthority) {
	t.Helper()
	authority, err := NewMockAuthority()
	require.NoError(t, err)
	return NewService(Config{
		Provider:   NewMockQuoteProvider(testMeasurement),
		Authority:  authority,
		TrustRoots: authority.TrustRoots(),
	}), authority
}

func testKey(b byte) interfaces.PublicKey {
	var key interfaces.PublicKey
	for i := range key {
		key[i] = b
	}
	return key
}

func TestReportDataLayout(t *testing.T) {
	key := testKey(0x42)
	nonce := interfaces.QuoteNonce{1, 2, 3}
	data := ReportData(interfaces.AttestationContextServerToClient, key, nonce)

	assert.Equal(t, "SCHAN-Attn-S2C-0", string(data[:16]))
	assert.Equal(t, key[:], data[16:48])
	assert.Equal(t, nonce[:], data[48:])

	actx, gotKey, gotNonce := SplitReportData(data)
	assert.Equal(t, interfaces.AttestationContextServerToClient, actx)
	assert.Equal(t, key, gotKey)
	assert.Equal(t, nonce, gotNonce)
}

func TestParseQuoteRejectsShortInput(t *testing.T) {
	_, err := ParseQuote(make([]byte, 100))
	require.ErrorIs(t, err, ErrQuoteMalformed)
}

func TestVerifyQuoteBinding(t *testing.T) {
	svc, _ := newMockService(t)
	ctx := context.Background()
	key := testKey(0x11)
	quoteNonce := interfaces.QuoteNonce{9}

	quote, err := svc.GetQuote(ctx, nil, interfaces.AttestationContextServerToClient, key, quoteNonce)
	require.NoError(t, err)

	n1 := []byte("nonce-one-16byte")
	report, err := svc.VerifyQuote(ctx, quote, n1)
	require.NoError(t, err)
	assert.Equal(t, testMeasurement, report.Quote.Measurement)
	assert.Equal(t, key, report.PublicKey())
	assert.True(t, report.Body.Mock)

	require.NoError(t, CheckBinding(report, Expectation{
		Context:    interfaces.AttestationContextServerToClient,
		PublicKey:  &key,
		Nonce:      n1,
		QuoteNonce: &quoteNonce,
	}))

	t.Run("nonce does not round-trip", func(t *testing.T) {
		err := CheckBinding(report, Expectation{
			Context: interfaces.AttestationContextServerToClient,
			Nonce:   []byte("nonce-two-16byte"),
		})
		require.ErrorIs(t, err, interfaces.ErrAttestationMismatch)
	})

	t.Run("wrong context", func(t *testing.T) {
		err := CheckBinding(report, Expectation{
			Context: interfaces.AttestationContextClientToServer,
			Nonce:   n1,
		})
		require.ErrorIs(t, err, interfaces.ErrAttestationMismatch)
	})

	t.Run("wrong key", func(t *testing.T) {
		other := testKey(0x22)
		err := CheckBinding(report, Expectation{
			Context:   interfaces.AttestationContextServerToClient,
			PublicKey: &other,
			Nonce:     n1,
		})
		require.ErrorIs(t, err, interfaces.ErrAttestationMismatch)
	})

	t.Run("wrong quote nonce", func(t *testing.T) {
		other := interfaces.QuoteNonce{8}
		err := CheckBinding(report, Expectation{
			Context:    interfaces.AttestationContextServerToClient,
			Nonce:      n1,
			QuoteNonce: &other,
		})
		require.ErrorIs(t, err, interfaces.ErrAttestationMismatch)
	})
}

func TestVerifyQuoteRejectsTamperedReport(t *testing.T) {
	authority, err := NewMockAuthority()
	require.NoError(t, err)
	tampering := &tamperingAuthority{inner: authority}
	svc := NewService(Config{
		Provider:   NewMockQuoteProvider(testMeasurement),
		Authority:  tampering,
		TrustRoots: authority.TrustRoots(),
	})

	quote, err := svc.GetQuote(context.Background(), nil, interfaces.AttestationContextServerToClient, testKey(1), interfaces.QuoteNonce{})
	require.NoError(t, err)

	_, err = svc.VerifyQuote(context.Background(), quote, []byte("n"))
	require.ErrorIs(t, err, ErrReportSignature)
}

func TestVerifyQuoteRejectsUntrustedSigner(t *testing.T) {
	authority, err := NewMockAuthority()
	require.NoError(t, err)
	other, err := NewMockAuthority()
	require.NoError(t, err)

	svc := NewService(Config{
		Provider:   NewMockQuoteProvider(testMeasurement),
		Authority:  authority,
		TrustRoots: other.TrustRoots(),
	})
	quote, err := svc.GetQuote(context.Background(), nil, interfaces.AttestationContextServerToClient, testKey(1), interfaces.QuoteNonce{})
	require.NoError(t, err)

	_, err = svc.VerifyQuote(context.Background(), quote, []byte("n"))
	require.ErrorIs(t, err, ErrReportSignature)
}

// An authority that vouches for a measurement without signing must not be
// believed, whether or not trust roots are configured.
func TestVerifyQuoteRejectsUnsignedReport(t *testing.T) {
	trusted := []byte("trusted-measurement-0123456789ab")
	forger := &unsignedAuthority{measurement: trusted}
	provider := NewMockQuoteProvider([]byte("evil-measurement-0123456789abcde"))

	reportData := ReportData(interfaces.AttestationContextServerToClient, testKey(1), interfaces.QuoteNonce{})
	quote, err := provider.GetQuote(context.Background(), nil, reportData)
	require.NoError(t, err)

	roots, err := NewMockAuthority()
	require.NoError(t, err)

	for name, cfg := range map[string]Config{
		"no trust roots":   {Authority: forger},
		"with trust roots": {Authority: forger, TrustRoots: roots.TrustRoots()},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewService(cfg).VerifyQuote(context.Background(), quote, []byte("n"))
			require.ErrorIs(t, err, ErrReportSignature)
		})
	}
}

func TestVerifyQuoteInProcessAuthority(t *testing.T) {
	authority := &unsignedAuthority{}
	provider := NewMockQuoteProvider(testMeasurement)
	quote, err := provider.GetQuote(context.Background(), nil, ReportData(interfaces.AttestationContextServerToClient, testKey(1), interfaces.QuoteNonce{}))
	require.NoError(t, err)

	svc := NewService(Config{Authority: authority, InsecureSkipReportSignature: true})
	report, err := svc.VerifyQuote(context.Background(), quote, []byte("n"))
	require.NoError(t, err)
	assert.Equal(t, testMeasurement, report.Quote.Measurement)
	require.NoError(t, Policy{AllowedMeasurements: [][]byte{testMeasurement}}.Check(report))
}

func TestServiceUnavailable(t *testing.T) {
	svc := NewService(Config{})
	_, err := svc.GetQuote(context.Background(), nil, interfaces.AttestationContextClientToServer, testKey(1), interfaces.QuoteNonce{})
	require.ErrorIs(t, err, interfaces.ErrAttestationUnavailable)

	_, err = svc.VerifyQuote(context.Background(), []byte("quote"), nil)
	require.ErrorIs(t, err, interfaces.ErrAttestationUnavailable)

	_, err = svc.GetSPID(context.Background())
	require.ErrorIs(t, err, interfaces.ErrAttestationUnavailable)
}

func TestPolicy(t *testing.T) {
	svc, _ := newMockService(t)
	quote, err := svc.GetQuote(context.Background(), nil, interfaces.AttestationContextServerToClient, testKey(1), interfaces.QuoteNonce{})
	require.NoError(t, err)
	report, err := svc.VerifyQuote(context.Background(), quote, []byte("n"))
	require.NoError(t, err)

	require.ErrorIs(t, Policy{AllowedMeasurements: [][]byte{testMeasurement}}.Check(report), interfaces.ErrAttestationMismatch, "mock reports need AllowMock")
	require.NoError(t, Policy{AllowedMeasurements: [][]byte{testMeasurement}, AllowMock: true}.Check(report))
	require.ErrorIs(t, Policy{AllowMock: true}.Check(report), interfaces.ErrAttestationMismatch, "empty measurement list accepts nothing")
	require.ErrorIs(t, Policy{
		AllowedMeasurements:  [][]byte{testMeasurement},
		AllowedQuoteStatuses: []string{QuoteStatusGroupOutOfDate},
		AllowMock:            true,
	}.Check(report), interfaces.ErrAttestationMismatch)
}

func TestParseMeasurements(t *testing.T) {
	ms, err := ParseMeasurements([]string{"0xaabb", " ccdd ", ""})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0xaa, 0xbb}, {0xcc, 0xdd}}, ms)

	_, err = ParseMeasurements([]string{"zz"})
	require.Error(t, err)
}

func TestIASAuthority(t *testing.T) {
	mock, err := NewMockAuthority()
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, iasReportPath, r.URL.Path)
		assert.Equal(t, "subscription", r.Header.Get(iasSubscriptionHeader))

		var req iasReportRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		quote, err := base64.StdEncoding.DecodeString(req.Quote)
		require.NoError(t, err)
		nonce, err := hex.DecodeString(req.Nonce)
		require.NoError(t, err)

		report, err := mock.Verify(r.Context(), quote, nonce)
		require.NoError(t, err)

		w.Header().Set(iasSignatureHeader, base64.StdEncoding.EncodeToString(report.Signature))
		w.Header().Set(iasCertificatesHeader, url.QueryEscape(string(report.CertificateChain)))
		_, _ = w.Write(report.Body)
	}))
	defer server.Close()

	ias := NewIASAuthority(IASConfig{BaseURL: server.URL, SubscriptionKey: "subscription", SPID: []byte{1, 2}})
	svc := NewService(Config{
		Provider:   NewMockQuoteProvider(testMeasurement),
		Authority:  ias,
		TrustRoots: mock.TrustRoots(),
	})

	spid, err := svc.GetSPID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, spid)

	quote, err := svc.GetQuote(context.Background(), spid, interfaces.AttestationContextClientToServer, testKey(3), interfaces.QuoteNonce{})
	require.NoError(t, err)
	report, err := svc.VerifyQuote(context.Background(), quote, []byte("ias-nonce"))
	require.NoError(t, err)
	require.NoError(t, CheckBinding(report, Expectation{
		Context: interfaces.AttestationContextClientToServer,
		Nonce:   []byte("ias-nonce"),
	}))
}

func TestIASAuthorityUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ias := NewIASAuthority(IASConfig{BaseURL: server.URL})
	_, err := ias.Verify(context.Background(), []byte("quote"), nil)
	require.ErrorIs(t, err, interfaces.ErrAttestationUnavailable)

	_, err = ias.SPID(context.Background())
	require.ErrorIs(t, err, interfaces.ErrAttestationUnavailable)
}

func TestRemoteQuoteProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("quote:" + r.URL.Path))
	}))
	defer server.Close()

	p := &RemoteQuoteProvider{Address: server.URL}
	var data [interfaces.ReportDataSize]byte
	data[0] = 0xff
	quote, err := p.GetQuote(context.Background(), nil, data)
	require.NoError(t, err)
	assert.Equal(t, "quote:/attest/"+hex.EncodeToString(data[:]), string(quote))

	server.Close()
	_, err = p.GetQuote(context.Background(), nil, data)
	require.True(t, errors.Is(err, interfaces.ErrAttestationUnavailable))
}

type tamperingAuthority struct {
	inner interfaces.AttestationAuthority
}

func (a *tamperingAuthority) Verify(ctx context.Context, quote []byte, nonce []byte) (*interfaces.AuthorityReport, error) {
	report, err := a.inner.Verify(ctx, quote, nonce)
	if err != nil {
		return nil, err
	}
	var body ReportBody
	if err := json.Unmarshal(report.Body, &body); err != nil {
		return nil, err
	}
	body.Nonce = "00"
	report.Body, _ = json.Marshal(body)
	return report, nil
}

func (a *tamperingAuthority) SPID(ctx context.Context) ([]byte, error) {
	return a.inner.SPID(ctx)
}

// unsignedAuthority issues OK, non-mock reports without a signature,
// optionally rewriting the reported measurement.
type unsignedAuthority struct {
	measurement []byte
}

func (a *unsignedAuthority) Verify(ctx context.Context, quote []byte, nonce []byte) (*interfaces.AuthorityReport, error) {
	parsed, err := ParseQuote(quote)
	if err != nil {
		return nil, err
	}
	if a.measurement != nil {
		copy(parsed.Body[sgxMREnclaveOffset:sgxMREnclaveOffset+32], a.measurement)
	}
	body, err := json.Marshal(ReportBody{
		ID:          "unsigned",
		Version:     4,
		QuoteStatus: QuoteStatusOK,
		QuoteBody:   parsed.Body,
		Nonce:       hex.EncodeToString(nonce),
	})
	if err != nil {
		return nil, err
	}
	return &interfaces.AuthorityReport{Body: body}, nil
}

func (a *unsignedAuthority) SPID(ctx context.Context) ([]byte, error) {
	return nil, nil
}
