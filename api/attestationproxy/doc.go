// Package attestationproxy lets enclaves without network access reach an
// attestation authority through the host.
//
// The Handler wraps an interfaces.AttestationAuthority on the host, typically
// an attestation.IASAuthority holding the subscription key. The Client
// implements interfaces.AttestationAuthority on the other side. Reports are
// passed through unmodified; their signatures are checked by the caller
// against its own trust roots, so the host is not trusted.
//
// Routes:
//   - POST /api/attestation/verify - verify a quote, returns api.VerifyQuoteResponse
//   - GET  /api/attestation/spid   - returns api.SPIDResponse
package attestationproxy
