package enclave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/enclave-secure-channel/cryptoutils"
	"github.com/ruteri/enclave-secure-channel/interfaces"
	"github.com/ruteri/enclave-secure-channel/kms"
	"github.com/ruteri/enclave-secure-channel/session"
)

var (
	ErrSealerUnavailable = errors.New("no sealer configured")
	ErrKeyRestoreFailed  = errors.New("failed to restore long-term key")
)

// Ready returns session.ErrNoLongTermKey until a long-term key is installed.
func (e *Enclave) Ready() error {
	if e.sessions.Quote() == nil {
		return session.ErrNoLongTermKey
	}
	return nil
}

// GenerateLongTermKey creates a fresh long-term keypair and installs it.
func (e *Enclave) GenerateLongTermKey(ctx context.Context) (interfaces.PublicKey, error) {
	kp, err := cryptoutils.GenerateKeypair()
	if err != nil {
		return interfaces.PublicKey{}, err
	}
	if err := e.sessions.SetLongTermKey(ctx, kp); err != nil {
		return interfaces.PublicKey{}, err
	}
	return kp.Public, nil
}

// SealLongTermKey returns the installed long-term keypair sealed to this
// enclave's measurement, for storage outside the enclave.
func (e *Enclave) SealLongTermKey() ([]byte, error) {
	if e.sealer == nil {
		return nil, ErrSealerUnavailable
	}
	kp, err := e.sessions.LongTermKeypair()
	if err != nil {
		return nil, err
	}
	defer kp.Zero()
	return e.sealer.SealKeypair(kp)
}

// RestoreLongTermKey unseals a keypair produced by SealLongTermKey, installs
// it and refreshes the quote.
func (e *Enclave) RestoreLongTermKey(ctx context.Context, sealed []byte) (interfaces.PublicKey, error) {
	if e.sealer == nil {
		return interfaces.PublicKey{}, ErrSealerUnavailable
	}
	kp, err := e.sealer.UnsealKeypair(sealed)
	if err != nil {
		return interfaces.PublicKey{}, err
	}
	if err := e.sessions.SetLongTermKey(ctx, kp); err != nil {
		kp.Zero()
		return interfaces.PublicKey{}, fmt.Errorf("failed to install restored key: %w", err)
	}
	e.log.Info("Restored long-term key", slog.String("publicKey", kp.Public.String()))
	return kp.Public, nil
}

func (e *Enclave) handleChannelInit(ctx context.Context, _ *interfaces.ClientIdentity, req *interfaces.ChannelInitRequest) (*interfaces.ChannelInitResponse, error) {
	return e.sessions.CreateSession(ctx, req)
}

// handleChannelClose only acknowledges; the session is evicted once the
// acknowledgement has been sealed.
func (e *Enclave) handleChannelClose(ctx context.Context, _ *interfaces.ClientIdentity, _ *interfaces.ChannelCloseRequest) (*interfaces.ChannelCloseResponse, error) {
	return &interfaces.ChannelCloseResponse{}, nil
}

func (e *Enclave) handleKeyRestore(ctx context.Context, _ *interfaces.ClientIdentity, req *interfaces.KeyRestoreRequest) (*interfaces.KeyRestoreResponse, error) {
	if len(req.SealedKey) == 0 {
		return nil, fmt.Errorf("%w: empty sealed key", interfaces.ErrBadRequest)
	}
	pub, err := e.RestoreLongTermKey(ctx, req.SealedKey)
	switch {
	case err == nil:
		return &interfaces.KeyRestoreResponse{PublicKey: pub}, nil
	case errors.Is(err, kms.ErrUnsealFailed), errors.Is(err, ErrSealerUnavailable), errors.Is(err, interfaces.ErrAttestationUnavailable):
		return nil, err
	default:
		// The cause may name hosts or files; it stays in the enclave log.
		e.log.Warn("Key restore failed", "err", err)
		return nil, ErrKeyRestoreFailed
	}
}
