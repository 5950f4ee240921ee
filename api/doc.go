/*
Package api holds the types shared by the host HTTP surface of an enclave
server.

The host exposes two groups of routes, each implemented in a subpackage that
also provides the matching client:

  - enclavehandler: POST /api/enclave/{endpoint} forwards opaque request bytes
    across the enclave boundary and returns the enclave's response bytes.
    Its Client implements interfaces.EnclaveBoundary over HTTP.
  - attestationproxy: POST /api/attestation/verify and GET /api/attestation/spid
    expose an attestation authority to enclaves and clients that cannot reach
    it directly. Its Client implements interfaces.AttestationAuthority.

The host never sees channel plaintext. Everything it forwards is either a
sealed box or a handshake message whose integrity is protected by
attestation, so the host is untrusted by construction.

Handlers implement RouteRegistrar and are mounted by httpserver.Server,
configured with HTTPServerConfig.
*/
package api
