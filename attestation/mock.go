package attestation

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/enclave-secure-channel/interfaces"
)

// MockQuoteProvider produces SGX-layout quotes without hardware. Reports
// issued for them are always marked as mock. Never use outside tests and
// local development.
type MockQuoteProvider struct {
	Measurement []byte
	Signer      []byte
	SVN         uint16
}

// NewMockQuoteProvider creates a provider with a deterministic signer.
func NewMockQuoteProvider(measurement []byte) *MockQuoteProvider {
	signer := make([]byte, 32)
	for i := range signer {
		signer[i] = byte(i + 32)
	}
	return &MockQuoteProvider{Measurement: measurement, Signer: signer, SVN: 1}
}

func (p *MockQuoteProvider) GetQuote(ctx context.Context, spid []byte, reportData [interfaces.ReportDataSize]byte) ([]byte, error) {
	quote := make([]byte, sgxQuoteBodySize)

	// Version 3, ECDSA attestation key
	quote[0] = 3
	quote[2] = 2

	copy(quote[sgxMREnclaveOffset:sgxMREnclaveOffset+32], p.Measurement)
	copy(quote[sgxMRSignerOffset:sgxMRSignerOffset+32], p.Signer)
	quote[sgxISVSVNOffset] = byte(p.SVN)
	quote[sgxISVSVNOffset+1] = byte(p.SVN >> 8)
	copy(quote[sgxReportDataOffset:], reportData[:])
	return quote, nil
}

// MockAuthority issues mock reports for any parseable quote. It signs them
// with an in-memory P-256 key whose self-signed certificate is available
// through TrustRoots, so the full signature path is exercised.
type MockAuthority struct {
	key     *ecdsa.PrivateKey
	cert    *x509.Certificate
	certPEM []byte
	spid    []byte
	now     func() time.Time
}

func NewMockAuthority() (*MockAuthority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(now.UnixNano()),
		Subject:               pkix.Name{CommonName: "Mock Attestation Report Signing"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	spid := sha256.Sum256(der)
	return &MockAuthority{
		key:     key,
		cert:    cert,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		spid:    spid[:16],
		now:     time.Now,
	}, nil
}

// TrustRoots returns a pool holding the mock signing certificate.
func (a *MockAuthority) TrustRoots() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.cert)
	return pool
}

func (a *MockAuthority) Verify(ctx context.Context, quote []byte, nonce []byte) (*interfaces.AuthorityReport, error) {
	parsed, err := ParseQuote(quote)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(ReportBody{
		ID:          uuid.NewString(),
		Timestamp:   formatTimestamp(a.now()),
		Version:     4,
		QuoteStatus: QuoteStatusOK,
		QuoteBody:   parsed.Body,
		Nonce:       hex.EncodeToString(nonce),
		Mock:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}

	digest := sha256.Sum256(body)
	sig, err := ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign report: %w", err)
	}

	return &interfaces.AuthorityReport{
		Body:             body,
		Signature:        sig,
		CertificateChain: a.certPEM,
	}, nil
}

func (a *MockAuthority) SPID(ctx context.Context) ([]byte, error) {
	return append([]byte(nil), a.spid...), nil
}
