package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftwareHash(t *testing.T) {
	s := NewSoftware()
	h1 := s.Hash([]byte("hello"))
	h2 := s.Hash([]byte("hello"))
	h3 := s.Hash([]byte("world"))
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestSoftwareSignVerifyRoundTrip(t *testing.T) {
	s := NewSoftware()
	priv, pub, err := GenerateKey()
	require.NoError(t, err)

	digest := s.Hash([]byte("payload"))
	sig, err := s.Sign(priv, digest)
	require.NoError(t, err)
	assert.Len(t, sig, 64)

	assert.True(t, s.Verify(pub, sig, digest))
}

func TestSoftwareVerifyRejectsTamperedDigest(t *testing.T) {
	s := NewSoftware()
	priv, pub, err := GenerateKey()
	require.NoError(t, err)

	digest := s.Hash([]byte("payload"))
	sig, err := s.Sign(priv, digest)
	require.NoError(t, err)

	tampered := s.Hash([]byte("other"))
	assert.False(t, s.Verify(pub, sig, tampered))
}

func TestSoftwareVerifyRejectsWrongLengthSignature(t *testing.T) {
	s := NewSoftware()
	_, pub, err := GenerateKey()
	require.NoError(t, err)
	assert.False(t, s.Verify(pub, []byte("short"), s.Hash([]byte("x"))))
}

func TestSoftwareSignRejectsForeignKeyHandle(t *testing.T) {
	s := NewSoftware()
	_, err := s.Sign("not-a-key-handle", s.Hash([]byte("x")))
	assert.Error(t, err)
}

func TestSoftwareSealOpenCCMRoundTrip(t *testing.T) {
	s := NewSoftware()
	key := make([]byte, 16)
	nonce := make([]byte, 12)
	for i := range key {
		key[i] = byte(i)
	}
	for i := range nonce {
		nonce[i] = byte(i + 1)
	}

	ct, err := s.SealCCM(key, nonce, []byte("secret"), []byte("aad"))
	require.NoError(t, err)
	assert.NotEqual(t, []byte("secret"), ct)

	pt, err := s.OpenCCM(key, nonce, ct, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)
}

func TestSoftwareOpenCCMRejectsWrongAAD(t *testing.T) {
	s := NewSoftware()
	key := make([]byte, 16)
	nonce := make([]byte, 12)

	ct, err := s.SealCCM(key, nonce, []byte("secret"), []byte("aad"))
	require.NoError(t, err)

	_, err = s.OpenCCM(key, nonce, ct, []byte("wrong"))
	assert.Error(t, err)
}

func TestSoftwareHkdfIsDeterministicAndLengthed(t *testing.T) {
	s := NewSoftware()
	out1, err := s.Hkdf([]byte("secret"), []byte("salt"), []byte("info"), 32)
	require.NoError(t, err)
	assert.Len(t, out1, 32)

	out2, err := s.Hkdf([]byte("secret"), []byte("salt"), []byte("info"), 32)
	require.NoError(t, err)
	assert.Equal(t, out1, out2)

	out3, err := s.Hkdf([]byte("secret"), []byte("salt"), []byte("other-info"), 32)
	require.NoError(t, err)
	assert.NotEqual(t, out1, out3)
}

func TestGenerateKeyProducesDistinctKeys(t *testing.T) {
	_, pub1, err := GenerateKey()
	require.NoError(t, err)
	_, pub2, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, pub1, pub2)
}
