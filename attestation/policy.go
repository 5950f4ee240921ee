package attestation

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/ruteri/enclave-secure-channel/interfaces"
)

// Policy decides which verified reports identify an acceptable enclave.
type Policy struct {
	// AllowedMeasurements lists accepted enclave measurements. An empty
	// list accepts none.
	AllowedMeasurements [][]byte

	// AllowedQuoteStatuses lists accepted authority verdicts. Empty means
	// QuoteStatusOK only.
	AllowedQuoteStatuses []string

	// AllowMock accepts reports from mock authorities.
	AllowMock bool
}

// Check returns an error wrapping interfaces.ErrAttestationMismatch unless
// the report satisfies the policy.
func (p Policy) Check(r *VerifiedReport) error {
	if r == nil || r.Quote == nil {
		return fmt.Errorf("%w: empty report", interfaces.ErrAttestationMismatch)
	}

	if r.Body.Mock && !p.AllowMock {
		return fmt.Errorf("%w: mock attestation not allowed", interfaces.ErrAttestationMismatch)
	}

	statuses := p.AllowedQuoteStatuses
	if len(statuses) == 0 {
		statuses = []string{QuoteStatusOK}
	}
	if !slices.Contains(statuses, r.Body.QuoteStatus) {
		return fmt.Errorf("%w: quote status %s not allowed", interfaces.ErrAttestationMismatch, r.Body.QuoteStatus)
	}

	for _, m := range p.AllowedMeasurements {
		if bytes.Equal(m, r.Quote.Measurement) {
			return nil
		}
	}
	return fmt.Errorf("%w: measurement %x not allowed", interfaces.ErrAttestationMismatch, r.Quote.Measurement)
}

// ParseMeasurements decodes hex measurements as given on the command line.
func ParseMeasurements(values []string) ([][]byte, error) {
	measurements := make([][]byte, 0, len(values))
	for _, v := range values {
		m, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(v), "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid measurement %q: %w", v, err)
		}
		if len(m) == 0 {
			continue
		}
		measurements = append(measurements, m)
	}
	return measurements, nil
}
