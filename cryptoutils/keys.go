package cryptoutils

import (
	"crypto/rand"
	"fmt"

	"github.com/ruteri/enclave-secure-channel/interfaces"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// GenerateKeypair creates a fresh Curve25519 keypair from the system CSPRNG.
func GenerateKeypair() (*interfaces.Keypair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	kp := &interfaces.Keypair{Public: *pub, Private: *priv}
	for i := range priv {
		priv[i] = 0
	}
	return kp, nil
}

// KeypairFromPrivateKey recomputes the public half of a private key.
func KeypairFromPrivateKey(priv interfaces.PrivateKey) (*interfaces.Keypair, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	kp := &interfaces.Keypair{Private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}
