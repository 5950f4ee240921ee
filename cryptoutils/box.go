package cryptoutils

import (
	"github.com/ruteri/enclave-secure-channel/interfaces"
	"golang.org/x/crypto/nacl/box"
)

// SharedKeyCache holds the precomputed box key for one (local, peer) key
// pair. A cache asked for a different pair derives a new key. The zero value
// is empty and ready to use; it is not safe for concurrent use.
type SharedKeyCache struct {
	key   *[32]byte
	local interfaces.PublicKey
	peer  interfaces.PublicKey
}

func (c *SharedKeyCache) get(peer interfaces.PublicKey, local *interfaces.Keypair) *[32]byte {
	if c.key != nil && c.local == local.Public && c.peer == peer {
		return c.key
	}
	c.Reset()

	var shared [32]byte
	peerKey := [32]byte(peer)
	privKey := [32]byte(local.Private)
	box.Precompute(&shared, &peerKey, &privKey)
	for i := range privKey {
		privKey[i] = 0
	}

	c.key = &shared
	c.local = local.Public
	c.peer = peer
	return c.key
}

// Reset wipes the cached key.
func (c *SharedKeyCache) Reset() {
	if c.key != nil {
		for i := range c.key {
			c.key[i] = 0
		}
	}
	c.key = nil
	c.local = interfaces.PublicKey{}
	c.peer = interfaces.PublicKey{}
}

// CreateBox seals payload for peer under a nonce issued by gen for ctx.
func CreateBox(payload []byte, ctx interfaces.NonceContext, gen NonceGenerator, peer interfaces.PublicKey, local *interfaces.Keypair, cache *SharedKeyCache) (*interfaces.CryptoBox, error) {
	nonce, err := gen.GetNonce(ctx)
	if err != nil {
		return nil, err
	}

	shared := cache.get(peer, local)
	n := [interfaces.NonceSize]byte(nonce)
	ciphertext := box.SealAfterPrecomputation(nil, payload, &n, shared)

	return &interfaces.CryptoBox{
		Nonce:           nonce,
		Ciphertext:      ciphertext,
		SenderPublicKey: local.Public,
	}, nil
}

// OpenBox authenticates and decrypts a box sent by peer. The nonce is
// validated by gen only after the box authenticates, so a forged box never
// advances a receive counter. Every failure is reported as
// interfaces.ErrOperationFailed.
func OpenBox(b *interfaces.CryptoBox, ctx interfaces.NonceContext, gen NonceGenerator, peer interfaces.PublicKey, local *interfaces.Keypair, cache *SharedKeyCache) ([]byte, error) {
	if b == nil {
		return nil, interfaces.ErrOperationFailed
	}

	shared := cache.get(peer, local)
	n := [interfaces.NonceSize]byte(b.Nonce)
	plaintext, ok := box.OpenAfterPrecomputation(nil, b.Ciphertext, &n, shared)
	if !ok {
		return nil, interfaces.ErrOperationFailed
	}
	if err := gen.UnpackNonce(b.Nonce, ctx); err != nil {
		return nil, interfaces.ErrOperationFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
