package attestationproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/enclave-secure-channel/api"
	"github.com/ruteri/enclave-secure-channel/attestation"
	"github.com/ruteri/enclave-secure-channel/interfaces"
)

const maxReportSize = 256 * 1024

// Client implements interfaces.AttestationAuthority through a host Handler.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Verify(ctx context.Context, quote []byte, nonce []byte) (*interfaces.AuthorityReport, error) {
	reqBody, err := json.Marshal(&api.VerifyQuoteRequest{Quote: quote, Nonce: nonce})
	if err != nil {
		return nil, err
	}

	var resp api.VerifyQuoteResponse
	if err := c.do(ctx, http.MethodPost, "/api/attestation/verify", reqBody, &resp); err != nil {
		return nil, err
	}
	return &resp.Report, nil
}

func (c *Client) SPID(ctx context.Context) ([]byte, error) {
	var resp api.SPIDResponse
	if err := c.do(ctx, http.MethodGet, "/api/attestation/spid", nil, &resp); err != nil {
		return nil, err
	}
	return resp.SPID, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrAttestationUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxReportSize))
	if err != nil {
		return fmt.Errorf("%w: could not read response: %v", interfaces.ErrAttestationUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", attestation.ErrQuoteMalformed, strings.TrimSpace(string(respBody)))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: proxy returned %d", interfaces.ErrAttestationUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("attestation proxy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse attestation proxy response: %w", err)
	}
	return nil
}
