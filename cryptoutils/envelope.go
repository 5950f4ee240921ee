package cryptoutils

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/enclave-secure-channel/interfaces"
)

const envelopeDomain = "SecChan-Method-v1"

// ErrInvalidSignature is returned when a method envelope signature does not recover.
var ErrInvalidSignature = errors.New("invalid envelope signature")

// EnvelopeDigest is the Keccak256 digest a method envelope signature commits
// to. Binding the client's short-term channel key prevents a signed request
// from being replayed on another channel.
func EnvelopeDigest(channelKey interfaces.PublicKey, method string, payload []byte) []byte {
	var methodLen [4]byte
	binary.BigEndian.PutUint32(methodLen[:], uint32(len(method)))
	return crypto.Keccak256([]byte(envelopeDomain), channelKey[:], methodLen[:], []byte(method), payload)
}

// SignRequest signs req for the channel identified by channelKey.
func SignRequest(req *interfaces.PlainRequest, channelKey interfaces.PublicKey, key *ecdsa.PrivateKey) error {
	sig, err := crypto.Sign(EnvelopeDigest(channelKey, req.Method, req.Payload), key)
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	req.Signature = sig
	return nil
}

// RecoverSigner returns the address that signed req for the channel identified by channelKey.
func RecoverSigner(req *interfaces.PlainRequest, channelKey interfaces.PublicKey) (common.Address, error) {
	if len(req.Signature) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	pub, err := crypto.SigToPub(EnvelopeDigest(channelKey, req.Method, req.Payload), req.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
