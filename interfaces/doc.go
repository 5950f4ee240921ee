// Package interfaces defines core interfaces and types for the enclave secure
// channel, separating contracts from implementations.
//
// # Wire Types
//
// ClientRequest and ClientResponse are the envelopes exchanged across the
// enclave boundary. Each carries either a CryptoBox (an authenticated
// ciphertext with its nonce and sender key) or a plaintext PlainRequest /
// PlainResponse. Plaintext is only accepted for the handshake and key
// restore methods.
//
// # Channel State
//
// StateMachine enforces the channel lifecycle: any state may be reset to
// Init, Init becomes Established after a successful handshake, and
// Established becomes Closed on close or on a security error.
//
// # Errors
//
// ChannelError classifies failures as protocol, security or infrastructure
// errors. Security errors are fatal to the channel; infrastructure errors
// are retryable and leave the channel state unchanged.
//
// # Boundaries
//
// EnclaveBoundary is the byte-oriented entry into the enclave.
// AttestationAuthority and QuoteProvider abstract the quoting facility and
// the remote verifier. StorageBackend persists sealed long-term keys.
package interfaces
