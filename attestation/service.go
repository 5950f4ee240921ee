package attestation

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ruteri/enclave-secure-channel/interfaces"
)

// Config configures an attestation Service.
type Config struct {
	// Provider produces quotes of the local enclave. Verify-only services
	// leave it nil.
	Provider interfaces.QuoteProvider

	Authority interfaces.AttestationAuthority

	// TrustRoots verifies authority report signatures. Reports are
	// rejected when it is nil unless InsecureSkipReportSignature is set.
	TrustRoots *x509.CertPool

	// InsecureSkipReportSignature accepts unsigned reports. Only set it for
	// authorities running in the same process as the verifier, such as the
	// local DCAP verifier, whose reports never cross an untrusted boundary.
	InsecureSkipReportSignature bool

	Log *slog.Logger
}

// Service produces quotes over (context, key, nonce) report data and
// verifies quotes through an attestation authority.
type Service struct {
	provider      interfaces.QuoteProvider
	authority     interfaces.AttestationAuthority
	trustRoots    *x509.CertPool
	skipSignature bool
	log           *slog.Logger
	now           func() time.Time
}

func NewService(cfg Config) *Service {
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		provider:      cfg.Provider,
		authority:     cfg.Authority,
		trustRoots:    cfg.TrustRoots,
		skipSignature: cfg.InsecureSkipReportSignature,
		log:           log,
		now:           time.Now,
	}
}

// NewQuoteNonce returns a fresh random nonce.
func NewQuoteNonce() (interfaces.QuoteNonce, error) {
	var nonce interfaces.QuoteNonce
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nonce, fmt.Errorf("failed to read nonce: %w", err)
	}
	return nonce, nil
}

// GetSPID returns the service provider identifier of the authority.
func (s *Service) GetSPID(ctx context.Context) ([]byte, error) {
	if s.authority == nil {
		return nil, fmt.Errorf("%w: no authority configured", interfaces.ErrAttestationUnavailable)
	}
	return s.authority.SPID(ctx)
}

// GetQuote produces a quote whose report data binds actx, key and nonce.
func (s *Service) GetQuote(ctx context.Context, spid []byte, actx interfaces.AttestationContext, key interfaces.PublicKey, nonce interfaces.QuoteNonce) ([]byte, error) {
	if s.provider == nil {
		return nil, fmt.Errorf("%w: no quote provider configured", interfaces.ErrAttestationUnavailable)
	}

	quote, err := s.provider.GetQuote(ctx, spid, ReportData(actx, key, nonce))
	if err != nil {
		if errors.Is(err, interfaces.ErrAttestationUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAttestationUnavailable, err)
	}

	s.log.Debug("Produced quote",
		slog.String("context", actx.String()),
		slog.String("publicKey", key.String()),
		slog.Int("size", len(quote)))
	return quote, nil
}

// VerifyQuote submits quote with nonce to the authority and decodes the
// resulting report. It does not check what the report binds; callers use
// CheckBinding and Policy.Check for that.
func (s *Service) VerifyQuote(ctx context.Context, quote []byte, nonce []byte) (*VerifiedReport, error) {
	if s.authority == nil {
		return nil, fmt.Errorf("%w: no authority configured", interfaces.ErrAttestationUnavailable)
	}

	report, err := s.authority.Verify(ctx, quote, nonce)
	if err != nil {
		return nil, err
	}

	switch {
	case s.skipSignature:
	case s.trustRoots == nil:
		return nil, fmt.Errorf("%w: no trust roots configured", ErrReportSignature)
	default:
		if err := verifyReportSignature(report, s.trustRoots, s.now()); err != nil {
			return nil, err
		}
	}

	var body ReportBody
	if err := json.Unmarshal(report.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: malformed report body: %v", ErrQuoteMalformed, err)
	}

	parsed, err := ParseQuote(body.QuoteBody)
	if err != nil {
		return nil, err
	}

	s.log.Debug("Verified quote",
		slog.String("reportID", body.ID),
		slog.String("status", body.QuoteStatus),
		slog.Bool("mock", body.Mock))

	return &VerifiedReport{Body: body, Quote: parsed, Raw: report}, nil
}
