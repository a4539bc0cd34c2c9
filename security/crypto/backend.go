// Package crypto defines the pluggable cryptographic capability set the
// security envelope processor relies on: hashing, ECDSA sign/verify,
// AES-CCM seal/open and HKDF. Key material never leaves a Backend
// implementation; callers only ever hold opaque handles.
package crypto

// PrivateKeyHandle is an opaque reference to a private signing key held
// by a Backend.
type PrivateKeyHandle interface{}

// PublicKey is the uncompressed EC point of a verification key.
type PublicKey struct {
	X, Y []byte
}

// Backend is the capability set a security Wrapper depends on. Veloce
// ships one concrete implementation (Software, in this package) built on
// the standard library plus golang.org/x/crypto/hkdf; production
// deployments may swap in a HSM-backed implementation without touching
// the security package.
type Backend interface {
	// Hash returns the SHA-256 digest of data.
	Hash(data []byte) [32]byte

	// Sign produces an ECDSA signature (raw r||s, 64 bytes) over digest
	// using the key referenced by priv.
	Sign(priv PrivateKeyHandle, digest [32]byte) ([]byte, error)

	// Verify checks an ECDSA signature (raw r||s) over digest against pub.
	Verify(pub PublicKey, sig []byte, digest [32]byte) bool

	// SealCCM encrypts and authenticates plaintext under key/nonce using
	// AES-CCM, returning ciphertext||tag.
	SealCCM(key, nonce, plaintext, additionalData []byte) ([]byte, error)

	// OpenCCM reverses SealCCM, returning an error if authentication
	// fails.
	OpenCCM(key, nonce, ciphertext, additionalData []byte) ([]byte, error)

	// Hkdf derives length bytes of key material from secret using HKDF
	// with the given salt and info.
	Hkdf(secret, salt, info []byte, length int) ([]byte, error)
}
