// Package kms seals enclave secrets for storage outside the enclave.
//
// A Sealer encrypts with AES-256-GCM under a key derived from a master
// secret and the enclave measurement, so a blob sealed by one enclave build
// does not open in another. The master secret is either a raw key of at
// least 32 bytes (NewSealer) or a passphrase stretched with Argon2id
// (NewSealerFromPassphrase).
//
// Sealed blobs carry a format version and are bound to a label. The long-term
// channel keypair is sealed under its own label by SealKeypair:
//
//	sealer, err := kms.NewSealerFromPassphrase(passphrase, measurement)
//	if err != nil {
//	    return err
//	}
//	sealed, err := sealer.SealKeypair(kp)
//	...
//	kp, err = sealer.UnsealKeypair(sealed)
package kms
