// Package main (cmd/enclaveserver) runs an enclave application behind the
// host HTTP server.
//
// The enclave is hosted in-process. It attests its long-term key with the
// configured quote provider, accepts secure channel handshakes and serves the
// example methods echo and whoami. The host side exposes the enclave boundary
// at POST /api/enclave/{endpoint} and, with --serve-attestation-proxy, the
// attestation authority at /api/attestation for clients that cannot reach it
// directly.
//
// With --key-storage and a sealing secret the long-term key is sealed to the
// enclave measurement and stored content-addressed. A later start passes the
// logged ID as --key-id to keep the same attested key.
//
// Example usage for local development:
//
//	enclave-server --listen-addr=127.0.0.1:8080 \
//	    --quote-provider=mock --authority=mock --serve-attestation-proxy \
//	    --seal-passphrase=dev --key-storage=file:///tmp/sealed-keys
package main
