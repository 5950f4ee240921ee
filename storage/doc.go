// Package storage keeps sealed key material outside the enclave in
// content-addressed backends.
//
// Blobs are identified by the SHA-256 hash of their bytes (interfaces.ContentID)
// and namespaced by interfaces.ContentType. Every backend verifies fetched
// content against its ID, so a backend can lose data but cannot substitute it.
// Sealed blobs are only useful to an enclave holding the same sealing key, so
// backends need not be trusted for confidentiality either.
//
// Backends are selected by URI:
//
//	file:///var/lib/securechannel/keys
//	s3://ACCESS_KEY:SECRET_KEY@bucket/prefix?region=eu-central-1&endpoint=https://minio:9000
//	vault://vault.example.com:8200/secret/securechannel?scheme=https
//
// A comma separated list of URIs builds a MultiStorageBackend that stores to
// every available backend and fetches from the first that has the content.
// SealedKeyStore is the entry point used by the enclave server.
package storage
