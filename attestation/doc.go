// Package attestation binds channel keys to enclave identities.
//
// A quote's 64-byte report data is laid out as context (16 bytes) || public
// key (32 bytes) || nonce (16 bytes). The server quotes its long-term key
// under the server-to-client context; mutually attested clients quote their
// short-term key under the client-to-server context.
//
// Quotes are checked in three steps. Service.VerifyQuote submits the quote
// with a fresh nonce to an AttestationAuthority and verifies the report
// signature against the configured trust roots. CheckBinding confirms that
// the report echoes that nonce and that the report data names the expected
// context and key. Policy.Check accepts only configured measurements and
// quote statuses, and rejects mock reports unless explicitly allowed.
//
// Authorities: IASAuthority (Intel Attestation Service, host side),
// DCAPAuthority (local TDX verification) and MockAuthority (non-production).
// Quote providers: DCAPQuoteProvider, RemoteQuoteProvider and
// MockQuoteProvider.
package attestation
