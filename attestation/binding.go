package attestation

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/ruteri/enclave-secure-channel/interfaces"
)

// Expectation is what a verified report must bind.
type Expectation struct {
	Context interfaces.AttestationContext

	// PublicKey is the key the quote must cover. Nil accepts any key; the
	// caller then reads it with VerifiedReport.PublicKey.
	PublicKey *interfaces.PublicKey

	// Nonce is the nonce submitted to the authority and must round-trip
	// through the report.
	Nonce []byte

	// QuoteNonce, if set, must equal the nonce embedded in report data.
	QuoteNonce *interfaces.QuoteNonce
}

// PublicKey returns the key embedded in the quote's report data.
func (r *VerifiedReport) PublicKey() interfaces.PublicKey {
	_, key, _ := SplitReportData(r.Quote.ReportData)
	return key
}

// CheckBinding verifies that the report echoes the submitted nonce and that
// the quote's report data binds the expected context, key and quote nonce.
// Every failure wraps interfaces.ErrAttestationMismatch.
func CheckBinding(r *VerifiedReport, exp Expectation) error {
	if r == nil || r.Quote == nil {
		return fmt.Errorf("%w: empty report", interfaces.ErrAttestationMismatch)
	}

	expectedNonce := hex.EncodeToString(exp.Nonce)
	if subtle.ConstantTimeCompare([]byte(expectedNonce), []byte(r.Body.Nonce)) != 1 {
		return fmt.Errorf("%w: report nonce does not match", interfaces.ErrAttestationMismatch)
	}

	actx, key, quoteNonce := SplitReportData(r.Quote.ReportData)
	if actx != exp.Context {
		return fmt.Errorf("%w: unexpected attestation context %q", interfaces.ErrAttestationMismatch, actx.String())
	}
	if exp.PublicKey != nil && !key.Equal(*exp.PublicKey) {
		return fmt.Errorf("%w: quote does not cover the expected key", interfaces.ErrAttestationMismatch)
	}
	if exp.QuoteNonce != nil && subtle.ConstantTimeCompare(quoteNonce[:], exp.QuoteNonce[:]) != 1 {
		return fmt.Errorf("%w: quote nonce does not match", interfaces.ErrAttestationMismatch)
	}
	return nil
}
