package storage

import (
	"context"
	"fmt"

	"github.com/ruteri/enclave-secure-channel/interfaces"
)

// SealedKeyStore persists sealed long-term keypairs and the quotes over them.
type SealedKeyStore struct {
	backend interfaces.StorageBackend
}

func NewSealedKeyStore(backend interfaces.StorageBackend) *SealedKeyStore {
	return &SealedKeyStore{backend: backend}
}

// Save stores a sealed keypair and returns the ID to load it by.
func (s *SealedKeyStore) Save(ctx context.Context, sealed []byte) (interfaces.ContentID, error) {
	id, err := s.backend.Store(ctx, sealed, interfaces.SealedKeyType)
	if err != nil {
		return id, fmt.Errorf("failed to store sealed key: %w", err)
	}
	return id, nil
}

// Load fetches a sealed keypair by ID.
func (s *SealedKeyStore) Load(ctx context.Context, id interfaces.ContentID) ([]byte, error) {
	sealed, err := s.backend.Fetch(ctx, id, interfaces.SealedKeyType)
	if err != nil {
		return nil, fmt.Errorf("failed to load sealed key %s: %w", id, err)
	}
	return sealed, nil
}

// PublishQuote stores the quote over the current long-term key, so verifiers
// can fetch it by ID without a handshake.
func (s *SealedKeyStore) PublishQuote(ctx context.Context, quote []byte) (interfaces.ContentID, error) {
	if len(quote) == 0 {
		return interfaces.ContentID{}, fmt.Errorf("no quote to publish")
	}
	id, err := s.backend.Store(ctx, quote, interfaces.QuoteType)
	if err != nil {
		return id, fmt.Errorf("failed to publish quote: %w", err)
	}
	return id, nil
}

// Quote fetches a published quote by ID.
func (s *SealedKeyStore) Quote(ctx context.Context, id interfaces.ContentID) ([]byte, error) {
	return s.backend.Fetch(ctx, id, interfaces.QuoteType)
}

func (s *SealedKeyStore) Location() string {
	return s.backend.LocationURI()
}
