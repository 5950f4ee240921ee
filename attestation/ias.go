package attestation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ruteri/enclave-secure-channel/interfaces"
)

const (
	IASDevelopmentHost = "api.trustedservices.intel.com/sgx/dev"
	IASProductionHost  = "api.trustedservices.intel.com/sgx"

	iasReportPath          = "/attestation/v4/report"
	iasSubscriptionHeader  = "Ocp-Apim-Subscription-Key"
	iasSignatureHeader     = "X-IASReport-Signature"
	iasCertificatesHeader  = "X-IASReport-Signing-Certificate"
	iasMaxReportSize       = 64 * 1024
	iasDefaultRequestLimit = 30 * time.Second
)

// IASConfig configures access to the Intel Attestation Service.
type IASConfig struct {
	// Release selects the production endpoint.
	Release bool

	// BaseURL overrides the endpoint, e.g. for a local test server.
	BaseURL string

	SubscriptionKey string
	SPID            []byte
	HTTPClient      *http.Client
}

// IASAuthority is an AttestationAuthority backed by the Intel Attestation
// Service. It runs on the untrusted host; the reports it returns are signed
// by Intel and verified against the configured trust roots.
type IASAuthority struct {
	baseURL string
	key     string
	spid    []byte
	client  *http.Client
}

func NewIASAuthority(cfg IASConfig) *IASAuthority {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		host := IASDevelopmentHost
		if cfg.Release {
			host = IASProductionHost
		}
		baseURL = "https://" + host
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: iasDefaultRequestLimit}
	}

	return &IASAuthority{
		baseURL: baseURL,
		key:     cfg.SubscriptionKey,
		spid:    cfg.SPID,
		client:  client,
	}
}

type iasReportRequest struct {
	Quote string `json:"isvEnclaveQuote"`
	Nonce string `json:"nonce,omitempty"`
}

func (a *IASAuthority) Verify(ctx context.Context, quote []byte, nonce []byte) (*interfaces.AuthorityReport, error) {
	reqBody, err := json.Marshal(iasReportRequest{
		Quote: base64.StdEncoding.EncodeToString(quote),
		Nonce: hex.EncodeToString(nonce),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode report request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+iasReportPath, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(iasSubscriptionHeader, a.key)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAttestationUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, iasMaxReportSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading report: %v", interfaces.ErrAttestationUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: authority rejected quote", ErrQuoteMalformed)
	default:
		return nil, fmt.Errorf("%w: authority returned status %d", interfaces.ErrAttestationUnavailable, resp.StatusCode)
	}

	sig, err := base64.StdEncoding.DecodeString(resp.Header.Get(iasSignatureHeader))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid signature header: %v", ErrReportSignature, err)
	}
	chain, err := url.QueryUnescape(resp.Header.Get(iasCertificatesHeader))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid certificate header: %v", ErrReportSignature, err)
	}

	return &interfaces.AuthorityReport{
		Body:             body,
		Signature:        sig,
		CertificateChain: []byte(chain),
	}, nil
}

func (a *IASAuthority) SPID(ctx context.Context) ([]byte, error) {
	if len(a.spid) == 0 {
		return nil, fmt.Errorf("%w: no SPID configured", interfaces.ErrAttestationUnavailable)
	}
	return append([]byte(nil), a.spid...), nil
}
