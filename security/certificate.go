// Package security implements the ETSI TS 103 097 / TS 102 941 envelope:
// signed/encrypted message wrapping, certificate chain validation against
// a trust store, and the replay/freshness checks the forwarder relies on
// before handing a packet to the upper layer.
package security

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/veloce/veloce/security/crypto"
)

// HashedId8 is the low 8 bytes of SHA-256 of a certificate's canonical
// encoded form, used as its short identifier throughout the stack.
type HashedId8 [8]byte

// String renders h as hex, for logging.
func (h HashedId8) String() string {
	const hex = "0123456789abcdef"
	out := make([]byte, 16)
	for i, b := range h {
		out[i*2] = hex[b>>4]
		out[i*2+1] = hex[b&0x0f]
	}
	return string(out)
}

// ComputeHashedId8 derives the HashedId8 of a certificate's raw encoded
// bytes.
func ComputeHashedId8(raw []byte) HashedId8 {
	sum := sha256.Sum256(raw)
	var h HashedId8
	copy(h[:], sum[24:32])
	return h
}

// CertType identifies a certificate's position in the PKI tree:
// Root -> {EnrollmentAuthority, AuthorizationAuthority, TrustListManager}
// -> {EnrollmentCredential, AuthorizationTicket}.
type CertType uint8

// CertType values.
const (
	CertRoot CertType = iota
	CertEnrollmentAuthority
	CertAuthorizationAuthority
	CertTrustListManager
	CertEnrollmentCredential
	CertAuthorizationTicket
)

// parentType returns the CertType that must issue a certificate of type t,
// or ok=false if t has no required parent (the root).
func parentType(t CertType) (CertType, bool) {
	switch t {
	case CertEnrollmentAuthority, CertAuthorizationAuthority, CertTrustListManager:
		return CertRoot, true
	case CertEnrollmentCredential:
		return CertEnrollmentAuthority, true
	case CertAuthorizationTicket:
		return CertAuthorizationAuthority, true
	default:
		return 0, false
	}
}

// Region constrains where a certificate's holder is permitted to
// originate traffic; nil means unconstrained (valid everywhere).
type Region struct {
	CountryCodes []uint16
}

// subsetOf reports whether r only permits countries that parent also
// permits. A nil region is unconstrained and so is only a subset of
// another nil (or empty) region.
func (r Region) subsetOf(parent Region) bool {
	if len(parent.CountryCodes) == 0 {
		return true
	}
	if len(r.CountryCodes) == 0 {
		return false
	}
	allowed := make(map[uint16]bool, len(parent.CountryCodes))
	for _, c := range parent.CountryCodes {
		allowed[c] = true
	}
	for _, c := range r.CountryCodes {
		if !allowed[c] {
			return false
		}
	}
	return true
}

// Certificate is a hashable PKI entity: its ETSI-COER-encoded bytes plus
// the structured fields this stack needs without re-parsing the encoding
// on every access. Raw is what gets hashed into a HashedId8; the
// structured fields are recovered from Raw by the separate
// DecodeCertificate function, mirroring the original
// implementation's split between an opaque wrapper and the fields a
// caller actually inspects.
type Certificate struct {
	Raw    []byte
	Type   CertType
	Issuer HashedId8 // zero value means self-signed (root)

	NotBefore time.Time
	NotAfter  time.Time
	Region    Region
	AID       []uint32 // application identifiers this cert may sign for

	PublicKey crypto.PublicKey
}

// HashedId8 returns the certificate's derived short identifier.
func (c Certificate) HashedId8() HashedId8 {
	return ComputeHashedId8(c.Raw)
}

// validAt reports whether now falls within the certificate's validity
// window.
func (c Certificate) validAt(now time.Time) bool {
	return !now.Before(c.NotBefore) && now.Before(c.NotAfter)
}

// permitsAID reports whether the certificate may sign for aid. An empty
// AID list is treated as permitting everything (root/CA certs typically
// don't carry per-AID restrictions).
func (c Certificate) permitsAID(aid uint32) bool {
	if len(c.AID) == 0 {
		return true
	}
	for _, a := range c.AID {
		if a == aid {
			return true
		}
	}
	return false
}

// ErrWrongIssuerType is returned when a certificate's declared issuer
// resolves to an entry of the wrong CertType for its own type (e.g. an
// Authorization Ticket issued by an Enrollment Authority).
var ErrWrongIssuerType = fmt.Errorf("security: certificate issuer is not of the expected type")

// ErrMalformedCertificate is returned by DecodeCertificate when raw is too
// short or internally inconsistent.
var ErrMalformedCertificate = fmt.Errorf("security: malformed certificate encoding")

// EncodeCertificate produces the canonical encoded form of a certificate's
// structured fields. Veloce does not implement the IEEE 1609.2 / ETSI
// TS 103 097 ASN.1 COER encoding itself (out of scope per the wire-format
// non-goal); this is a self-describing binary encoding that plays the
// same role: it is what gets hashed into a HashedId8 and is fully
// reversible via DecodeCertificate, so a station that only ever observes
// these bytes over the air can recover every field it needs to validate
// the chain.
func EncodeCertificate(c Certificate) []byte {
	buf := make([]byte, 0, 64+len(c.PublicKey.X)+len(c.PublicKey.Y)+4*len(c.AID)+2*len(c.Region.CountryCodes))

	var hdr [1 + 8 + 8 + 8]byte
	hdr[0] = byte(c.Type)
	copy(hdr[1:9], c.Issuer[:])
	binary.BigEndian.PutUint64(hdr[9:17], uint64(c.NotBefore.Unix()))
	binary.BigEndian.PutUint64(hdr[17:25], uint64(c.NotAfter.Unix()))
	buf = append(buf, hdr[:]...)

	buf = appendUint16(buf, uint16(len(c.Region.CountryCodes)))
	for _, cc := range c.Region.CountryCodes {
		buf = appendUint16(buf, cc)
	}

	buf = appendUint16(buf, uint16(len(c.AID)))
	for _, aid := range c.AID {
		buf = appendUint32(buf, aid)
	}

	buf = appendUint16(buf, uint16(len(c.PublicKey.X)))
	buf = append(buf, c.PublicKey.X...)
	buf = appendUint16(buf, uint16(len(c.PublicKey.Y)))
	buf = append(buf, c.PublicKey.Y...)

	return buf
}

// DecodeCertificate reverses EncodeCertificate, populating every field a
// caller needs to validate the chain and check region/AID permissions
// without access to whatever produced the original Certificate value.
func DecodeCertificate(raw []byte) (Certificate, error) {
	if len(raw) < 25+2 {
		return Certificate{}, ErrMalformedCertificate
	}
	c := Certificate{Raw: raw, Type: CertType(raw[0])}
	copy(c.Issuer[:], raw[1:9])
	c.NotBefore = time.Unix(int64(binary.BigEndian.Uint64(raw[9:17])), 0).UTC()
	c.NotAfter = time.Unix(int64(binary.BigEndian.Uint64(raw[17:25])), 0).UTC()

	off := 25
	n, off, err := readUint16(raw, off)
	if err != nil {
		return Certificate{}, err
	}
	c.Region.CountryCodes = make([]uint16, n)
	for i := range c.Region.CountryCodes {
		var v uint16
		v, off, err = readUint16(raw, off)
		if err != nil {
			return Certificate{}, err
		}
		c.Region.CountryCodes[i] = v
	}

	n, off, err = readUint16(raw, off)
	if err != nil {
		return Certificate{}, err
	}
	c.AID = make([]uint32, n)
	for i := range c.AID {
		var v uint32
		v, off, err = readUint32(raw, off)
		if err != nil {
			return Certificate{}, err
		}
		c.AID[i] = v
	}

	xLen, off, err := readUint16(raw, off)
	if err != nil {
		return Certificate{}, err
	}
	if off+int(xLen) > len(raw) {
		return Certificate{}, ErrMalformedCertificate
	}
	c.PublicKey.X = append([]byte{}, raw[off:off+int(xLen)]...)
	off += int(xLen)

	yLen, off, err := readUint16(raw, off)
	if err != nil {
		return Certificate{}, err
	}
	if off+int(yLen) > len(raw) {
		return Certificate{}, ErrMalformedCertificate
	}
	c.PublicKey.Y = append([]byte{}, raw[off:off+int(yLen)]...)

	return c, nil
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func readUint16(raw []byte, off int) (uint16, int, error) {
	if off+2 > len(raw) {
		return 0, 0, ErrMalformedCertificate
	}
	return binary.BigEndian.Uint16(raw[off : off+2]), off + 2, nil
}

func readUint32(raw []byte, off int) (uint32, int, error) {
	if off+4 > len(raw) {
		return 0, 0, ErrMalformedCertificate
	}
	return binary.BigEndian.Uint32(raw[off : off+4]), off + 4, nil
}
