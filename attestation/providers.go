package attestation

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	tdx_client "github.com/google/go-tdx-guest/client"
	"github.com/ruteri/enclave-secure-channel/interfaces"
)

// DCAPQuoteProvider requests quotes from the local TDX quoting facility,
// preferring the configfs-tsm interface over the legacy device.
type DCAPQuoteProvider struct{}

func (DCAPQuoteProvider) GetQuote(ctx context.Context, spid []byte, reportData [interfaces.ReportDataSize]byte) ([]byte, error) {
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		quote, err := qp.GetRawQuote(reportData)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrAttestationUnavailable, err)
		}
		return quote, nil
	}

	qd, err := tdx_client.OpenDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAttestationUnavailable, err)
	}
	defer qd.Close()

	quote, err := tdx_client.GetRawQuote(qd, reportData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAttestationUnavailable, err)
	}
	return quote, nil
}

// RemoteQuoteProvider requests quotes from a quote helper running next to the
// enclave, at GET {Address}/attest/{hex report data}.
type RemoteQuoteProvider struct {
	Address    string
	HTTPClient *http.Client
}

func (p *RemoteQuoteProvider) GetQuote(ctx context.Context, spid []byte, reportData [interfaces.ReportDataSize]byte) ([]byte, error) {
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	url := fmt.Sprintf("%s/attest/%s", p.Address, hex.EncodeToString(reportData[:]))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating quote request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: calling remote quote provider: %v", interfaces.ErrAttestationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: remote quote provider returned status %d: %s", interfaces.ErrAttestationUnavailable, resp.StatusCode, string(body))
	}

	rawQuote, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading quote from response: %v", interfaces.ErrAttestationUnavailable, err)
	}
	return rawQuote, nil
}
