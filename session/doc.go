// Package session implements the server side of the secure channel: the
// handshake that creates a session for a client's short-term key, and the
// session table that holds established sessions.
//
// The table owns the server's long-term keypair and the quote over it. The
// handshake response is sealed with the long-term key, proving to a client
// that verified the quote that the response comes from the attested enclave.
// Each session then uses its own short-term server keypair and a monotonic
// nonce counter per direction.
//
// Sessions are bounded by MaxSessions (least recently used first) and by
// IdleTimeout, both enforced on every handshake.
package session
