// Package enclavehandler carries enclave boundary calls over HTTP.
//
// The Handler runs on the host next to the enclave and forwards
// POST /api/enclave/{endpoint} bodies to an interfaces.EnclaveBoundary. The
// Client implements interfaces.EnclaveBoundary for remote channel clients.
// Request and response bodies are the opaque serialized messages; the host
// never sees channel plaintext.
package enclavehandler
