package attestation

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	"github.com/google/go-tdx-guest/verify"
	"github.com/google/uuid"
	"github.com/ruteri/enclave-secure-channel/interfaces"
)

// DCAPAuthority verifies TDX quotes locally against Intel's collateral.
// Its reports are unsigned; they are trusted because verification happens in
// the verifying process itself.
type DCAPAuthority struct {
	Options *verify.Options
	now     func() time.Time
}

func NewDCAPAuthority() *DCAPAuthority {
	return &DCAPAuthority{Options: verify.DefaultOptions(), now: time.Now}
}

func (a *DCAPAuthority) Verify(ctx context.Context, quote []byte, nonce []byte) (*interfaces.AuthorityReport, error) {
	parsed, err := ParseQuote(quote)
	if err != nil {
		return nil, err
	}
	if parsed.TEEType != TEETypeTDX {
		return nil, fmt.Errorf("%w: DCAP authority only verifies TDX quotes", ErrQuoteMalformed)
	}

	protoQuote, err := tdx_abi.QuoteToProto(quote)
	if err != nil {
		return nil, fmt.Errorf("%w: could not parse quote: %v", ErrQuoteMalformed, err)
	}

	status := QuoteStatusOK
	if err := verify.TdxQuote(protoQuote, a.Options); err != nil {
		status = QuoteStatusSignatureInvalid
	}

	body, err := json.Marshal(ReportBody{
		ID:          uuid.NewString(),
		Timestamp:   formatTimestamp(a.now()),
		Version:     4,
		QuoteStatus: status,
		QuoteBody:   parsed.Body,
		Nonce:       hex.EncodeToString(nonce),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	return &interfaces.AuthorityReport{Body: body}, nil
}

// SPID is not used by DCAP quoting.
func (a *DCAPAuthority) SPID(ctx context.Context) ([]byte, error) {
	return nil, nil
}
