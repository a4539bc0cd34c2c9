package security

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/hashicorp/go-version"

	"github.com/veloce/veloce/gnet"
	"github.com/veloce/veloce/security/crypto"
)

// protocolVersion is the only EtsiTs103097Data version this stack accepts
// on ingress and the only one it ever emits.
const protocolVersion = 3

var wrapperVersion = version.Must(version.NewVersion(fmt.Sprintf("%d.0.0", protocolVersion)))

// DefaultMaxCertAge bounds how far a wrapper's generation_time may drift
// from the local clock before it is rejected as stale or from the future.
const DefaultMaxCertAge = 10 * time.Second

// Sentinel wrapper errors, reported at info per the forwarder's security
// error handling (drop, no reply).
var (
	ErrUnsupportedProtocolVersion = fmt.Errorf("security: unsupported protocol version")
	ErrStaleGenerationTime        = fmt.Errorf("security: generation_time outside MAX_CERT_AGE window")
	ErrInvalidNumberOfCerts       = fmt.Errorf("security: invalid number of signer certificates")
	ErrHashAlgorithmMismatch      = fmt.Errorf("security: hash algorithm mismatch")
	ErrSignatureInvalid           = fmt.Errorf("security: signature verification failed")
	ErrSignerNotPermitted         = fmt.Errorf("security: signer certificate not permitted for this AID")
	ErrTruncatedEnvelope          = fmt.Errorf("security: truncated envelope")
)

// HashAlgorithm identifies the digest used to build a wrapper's
// to-be-signed hash. Veloce only ever produces Sha256, but ingress checks
// the declared value against what it actually computed.
type HashAlgorithm uint8

// HashAlgorithm values.
const (
	HashSha256 HashAlgorithm = 0
)

// Wrapper implements gnet.Signer and gnet.Verifier: it builds and parses
// EtsiTs103097DataSigned-style envelopes, delegating cryptography to a
// crypto.Backend and certificate resolution to a Store.
//
// Wire layout (all integers big-endian):
//
//	1   byte   protocol_version
//	1   byte   hash_algorithm
//	8   bytes  generation_time (microseconds since the GN epoch, 2004-01-01)
//	4   bytes  its_aid
//	2   bytes  len(cert)
//	N   bytes  signer certificate (Raw)
//	64  bytes  signature (r||s)
//	rest       unsecured_payload
type Wrapper struct {
	Backend crypto.Backend
	Store   *Store

	// AID is stamped into every envelope this Wrapper signs, and checked
	// against the signer certificate's permitted AID set on ingress.
	AID uint32

	// MaxCertAge bounds generation_time drift. Zero means DefaultMaxCertAge.
	MaxCertAge time.Duration

	// SigningKey is the private key handle used for Sign. Must belong to
	// the certificate returned by Store.OwnAT.
	SigningKey crypto.PrivateKeyHandle
}

const envelopeFixedLen = 1 + 1 + 8 + 4 + 2

func epoch2004Micros(t time.Time) uint64 {
	d := t.Sub(gnet.Epoch2004)
	return uint64(d.Microseconds())
}

func timeFromEpoch2004Micros(u uint64) time.Time {
	return gnet.Epoch2004.Add(time.Duration(u) * time.Microsecond)
}

// Sign implements gnet.Signer.
func (w *Wrapper) Sign(now time.Time, payload []byte) ([]byte, error) {
	at, ok := w.Store.OwnAT()
	if !ok {
		return nil, fmt.Errorf("security: sign: no own AT certificate configured")
	}

	header := make([]byte, envelopeFixedLen+len(at.Raw))
	header[0] = protocolVersion
	header[1] = byte(HashSha256)
	binary.BigEndian.PutUint64(header[2:10], epoch2004Micros(now))
	binary.BigEndian.PutUint32(header[10:14], w.AID)
	binary.BigEndian.PutUint16(header[14:16], uint16(len(at.Raw)))
	copy(header[16:], at.Raw)

	tbs := append(append([]byte{}, header...), payload...)
	digest := w.Backend.Hash(tbs)
	sig, err := w.Backend.Sign(w.SigningKey, digest)
	if err != nil {
		return nil, fmt.Errorf("security: sign: %w", err)
	}

	out := make([]byte, 0, len(header)+len(sig)+len(payload))
	out = append(out, header...)
	out = append(out, sig...)
	out = append(out, payload...)
	return out, nil
}

// Verify implements gnet.Verifier.
func (w *Wrapper) Verify(now time.Time, raw []byte) ([]byte, gnet.StationID, error) {
	if len(raw) < envelopeFixedLen {
		return nil, 0, ErrTruncatedEnvelope
	}
	if raw[0] != protocolVersion {
		return nil, 0, fmt.Errorf("%w: got %s, want %s", ErrUnsupportedProtocolVersion, envelopeVersionString(raw[0]), wrapperVersion)
	}
	hashAlg := HashAlgorithm(raw[1])
	genTime := timeFromEpoch2004Micros(binary.BigEndian.Uint64(raw[2:10]))
	aid := binary.BigEndian.Uint32(raw[10:14])
	certLen := int(binary.BigEndian.Uint16(raw[14:16]))

	maxAge := w.MaxCertAge
	if maxAge == 0 {
		maxAge = DefaultMaxCertAge
	}
	age := now.Sub(genTime)
	if age < 0 {
		age = -age
	}
	if age > maxAge {
		return nil, 0, ErrStaleGenerationTime
	}

	rest := raw[envelopeFixedLen:]
	if len(rest) < certLen+64 {
		return nil, 0, ErrTruncatedEnvelope
	}
	certRaw := rest[:certLen]
	sig := rest[certLen : certLen+64]
	payload := rest[certLen+64:]

	// exactly one signer certificate: the envelope carries a single Raw
	// blob, so "invalid number of certs" only arises from a zero-length
	// certificate field.
	if certLen == 0 {
		return nil, 0, ErrInvalidNumberOfCerts
	}

	signer, err := decodeCachedOrRaw(w.Store, certRaw)
	if err != nil {
		return nil, 0, fmt.Errorf("security: decoding signer certificate: %w", err)
	}

	chain, err := w.Store.ResolveChain(now, signer)
	if err != nil {
		return nil, 0, fmt.Errorf("security: chain resolution: %w", err)
	}
	if len(chain) < 2 {
		return nil, 0, fmt.Errorf("security: chain resolution: root-only chain for leaf certificate")
	}

	if !signer.permitsAID(aid) {
		return nil, 0, ErrSignerNotPermitted
	}

	if hashAlg != HashSha256 {
		return nil, 0, ErrHashAlgorithmMismatch
	}

	header := raw[:envelopeFixedLen+certLen]
	tbs := append(append([]byte{}, header...), payload...)
	digest := w.Backend.Hash(tbs)
	if !w.Backend.Verify(signer.PublicKey, sig, digest) {
		return nil, 0, ErrSignatureInvalid
	}

	if _, known := w.Store.Lookup(signer.HashedId8()); !known {
		if err := w.Store.Insert(signer); err != nil {
			return nil, 0, fmt.Errorf("security: caching signer certificate: %w", err)
		}
	}

	return payload, stationIDFromHashedId8(signer.HashedId8()), nil
}

// decodeCachedOrRaw returns the store's cached Certificate for the raw
// bytes' derived HashedId8 if already known, otherwise decodes certRaw.
// Preferring the cached entry avoids re-decoding structured fields for a
// certificate this store has already validated once.
func decodeCachedOrRaw(store *Store, certRaw []byte) (Certificate, error) {
	id := ComputeHashedId8(certRaw)
	if c, ok := store.Lookup(id); ok {
		return c, nil
	}
	return DecodeCertificate(certRaw)
}

// stationIDFromHashedId8 derives a StationID from a signer's HashedId8 so
// the forwarder can attribute a verified packet without a separate
// identity mapping. Only the low 4 bytes are used, matching how ETSI
// ITS-G5 stations commonly derive their station ID from certificate
// material.
func stationIDFromHashedId8(id HashedId8) gnet.StationID {
	return gnet.StationID(binary.BigEndian.Uint32(id[4:8]))
}

// envelopeVersionString renders a raw single-byte protocol_version as the
// dotted version string used in diagnostics, so a log line reads "2.0.0"
// rather than a bare byte value.
func envelopeVersionString(b byte) *version.Version {
	return version.Must(version.NewVersion(fmt.Sprintf("%d.0.0", b)))
}
