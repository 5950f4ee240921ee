package enclavehandler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/enclave-secure-channel/interfaces"
)

const (
	DefaultClientTimeout   = 30 * time.Second
	DefaultMaxResponseSize = 1 << 20
)

// Client implements interfaces.EnclaveBoundary against a remote Handler.
type Client struct {
	BaseURL         string
	HTTPClient      *http.Client
	MaxResponseSize int64
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:         strings.TrimSuffix(baseURL, "/"),
		HTTPClient:      &http.Client{Timeout: DefaultClientTimeout},
		MaxResponseSize: DefaultMaxResponseSize,
	}
}

// Call posts request to the enclave endpoint. Responses larger than
// MaxResponseSize fail with interfaces.ErrResponseTooLarge.
func (c *Client) Call(ctx context.Context, endpoint string, request []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/enclave/%s", c.BaseURL, endpoint),
		bytes.NewReader(request))
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	maxSize := c.MaxResponseSize
	if maxSize <= 0 {
		maxSize = DefaultMaxResponseSize
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not reach enclave: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("could not read enclave response: %w", err)
	}
	if int64(len(body)) > maxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", interfaces.ErrResponseTooLarge, maxSize)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownEndpoint, endpoint)
	default:
		return nil, fmt.Errorf("enclave host returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
