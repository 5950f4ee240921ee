package interfaces

import "context"

// EnclaveBoundary is the single entry point into the enclave. Requests and
// responses are opaque byte buffers; implementations copy them across the
// boundary and enforce a maximum response size.
type EnclaveBoundary interface {
	// Call invokes the named endpoint. Transport failures and oversized
	// responses are returned as errors, never truncated.
	Call(ctx context.Context, endpoint string, request []byte) ([]byte, error)
}

// AuthorityReport is a report issued by an attestation authority for a quote.
type AuthorityReport struct {
	// Body is the JSON report body as signed by the authority.
	Body []byte `json:"report_body"`

	// Signature is the authority's signature over Body. Empty for authorities
	// trusted through their transport.
	Signature []byte `json:"signature,omitempty"`

	// CertificateChain is the PEM encoded signing chain, leaf first.
	CertificateChain []byte `json:"certificate_chain,omitempty"`
}

// AttestationAuthority verifies enclave quotes.
type AttestationAuthority interface {
	// Verify submits a quote and returns the authority's report. The nonce is
	// echoed in the report body. Unreachable authorities return an error
	// wrapping ErrAttestationUnavailable.
	Verify(ctx context.Context, quote []byte, nonce []byte) (*AuthorityReport, error)

	// SPID returns the service provider identifier quotes must be issued for.
	SPID(ctx context.Context) ([]byte, error)
}

// QuoteProvider produces quotes of the local enclave over the given report data.
type QuoteProvider interface {
	GetQuote(ctx context.Context, spid []byte, reportData [ReportDataSize]byte) ([]byte, error)
}
