package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrContentNotFound    = errors.New("content not found")
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned for storage URIs with an unknown
	// scheme or missing parameters.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// ContentID addresses stored blobs by their SHA-256 digest.
type ContentID [sha256.Size]byte

func ComputeID(data []byte) ContentID {
	return sha256.Sum256(data)
}

// NewContentIDFromHex parses a 64-character hex digest, with or without 0x.
func NewContentIDFromHex(s string) (ContentID, error) {
	var id ContentID
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return id, fmt.Errorf("invalid content ID %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid content ID %q: want %d bytes, got %d", s, len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ContentID) Equal(other ContentID) bool {
	return id == other
}

// ContentType separates stored blobs by kind. Backends keep each kind under
// its own prefix.
type ContentType int

const (
	// SealedKeyType holds long-term keypairs sealed to the enclave measurement.
	SealedKeyType ContentType = iota

	// QuoteType holds published quotes over the long-term key.
	QuoteType
)

func (ct ContentType) String() string {
	switch ct {
	case SealedKeyType:
		return "sealed-key"
	case QuoteType:
		return "quote"
	}
	return "unknown"
}

// StorageBackendLocation is a backend URI such as file:///var/lib/keys,
// s3://bucket/prefix?region=... or vault://host:8200/secret/keys.
type StorageBackendLocation string

// StorageBackend keeps content-addressed blobs outside the enclave. Backends
// are untrusted: callers verify fetched content against its ID.
type StorageBackend interface {
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)

	// Store saves data and returns ComputeID(data).
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)

	Available(ctx context.Context) bool

	// Name is a short backend identifier for logs.
	Name() string

	LocationURI() string
}
