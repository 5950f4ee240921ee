package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/enclave-secure-channel/interfaces"
)

// RouteRegistrar is implemented by the HTTP handlers mounted on the host server.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// VerifyQuoteRequest asks the attestation proxy to verify a quote.
type VerifyQuoteRequest struct {
	// Quote is the raw enclave quote.
	Quote []byte `json:"quote"`

	// Nonce is echoed back in the report body.
	Nonce []byte `json:"nonce"`
}

// VerifyQuoteResponse carries the authority's report unchanged.
type VerifyQuoteResponse struct {
	Report interfaces.AuthorityReport `json:"report"`
}

// SPIDResponse carries the service provider identifier quotes are issued for.
type SPIDResponse struct {
	SPID []byte `json:"spid"`
}
