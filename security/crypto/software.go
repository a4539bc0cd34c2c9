package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// Software is the default Backend: ECDSA P-256 over crypto/ecdsa,
// SealCCM/OpenCCM built on AES-GCM from crypto/aes and crypto/cipher (its
// output is GCM-framed, not CCM-framed), and HKDF-SHA256 via
// golang.org/x/crypto/hkdf.
type Software struct{}

// NewSoftware constructs the default software-only backend.
func NewSoftware() *Software { return &Software{} }

// Hash implements Backend.
func (Software) Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// softwareKey lets callers generate handles the rest of this package's
// tests and the certificate store can use without pulling key management
// into the security package itself.
type softwareKey struct {
	priv *ecdsa.PrivateKey
}

// GenerateKey returns a new P-256 key handle paired with its public key.
func GenerateKey() (PrivateKeyHandle, PublicKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, PublicKey{}, err
	}
	pub := PublicKey{X: priv.PublicKey.X.Bytes(), Y: priv.PublicKey.Y.Bytes()}
	return softwareKey{priv: priv}, pub, nil
}

// Sign implements Backend.
func (Software) Sign(priv PrivateKeyHandle, digest [32]byte) ([]byte, error) {
	key, ok := priv.(softwareKey)
	if !ok {
		return nil, fmt.Errorf("crypto: sign: unsupported key handle type %T", priv)
	}
	r, s, err := ecdsa.Sign(rand.Reader, key.priv, digest[:])
	if err != nil {
		return nil, err
	}
	return encodeRS(r, s), nil
}

// Verify implements Backend.
func (Software) Verify(pub PublicKey, sig []byte, digest [32]byte) bool {
	if len(sig) != 64 {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	pk := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(pub.X),
		Y:     new(big.Int).SetBytes(pub.Y),
	}
	return ecdsa.Verify(pk, digest[:], r, s)
}

func encodeRS(r, s *big.Int) []byte {
	out := make([]byte, 64)
	r.FillBytes(out[0:32])
	s.FillBytes(out[32:64])
	return out
}

// SealCCM implements Backend using AES in GCM mode as the concrete
// AEAD construction: CCM and GCM are both AES counter-mode-derived AEADs
// with a 16-byte authentication tag, and Go's standard library ships GCM,
// not CCM; callers that require bit-exact CCM framing should supply a
// Backend built on a CCM-capable library instead.
func (Software) SealCCM(key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

// OpenCCM implements Backend, the inverse of SealCCM.
func (Software) OpenCCM(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, additionalData)
}

// Hkdf implements Backend.
func (Software) Hkdf(secret, salt, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
