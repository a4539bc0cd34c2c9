package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkCert(t CertType, issuer HashedId8, id byte, notBefore, notAfter time.Time, region Region) Certificate {
	return Certificate{
		Raw:       []byte{byte(t), id},
		Type:      t,
		Issuer:    issuer,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Region:    region,
	}
}

func TestStoreInsertRejectsUnknownIssuer(t *testing.T) {
	s := NewStore()
	at := mkCert(CertAuthorizationTicket, HashedId8{0xff}, 1, time.Now(), time.Now().Add(time.Hour), Region{})
	err := s.Insert(at)
	assert.ErrorIs(t, err, ErrUnknownIssuer)
}

func TestStoreInsertRejectsWrongIssuerType(t *testing.T) {
	s := NewStore()
	root := mkCert(CertRoot, HashedId8{}, 0, time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour), Region{})
	s.InsertRoot(root)

	// An Authorization Ticket claiming the Root as its direct issuer
	// (should be issued by an AA) must be rejected.
	badAT := mkCert(CertAuthorizationTicket, root.HashedId8(), 1, time.Now(), time.Now().Add(time.Hour), Region{})
	err := s.Insert(badAT)
	assert.ErrorIs(t, err, ErrWrongIssuerType)
}

func TestStoreInsertRejectsNonNestedValidity(t *testing.T) {
	s := NewStore()
	now := time.Now()
	root := mkCert(CertRoot, HashedId8{}, 0, now.Add(-time.Hour), now.Add(24*time.Hour), Region{})
	s.InsertRoot(root)

	aa := mkCert(CertAuthorizationAuthority, root.HashedId8(), 1, now.Add(-30*time.Minute), now.Add(48*time.Hour), Region{})
	err := s.Insert(aa)
	assert.ErrorIs(t, err, ErrValidityNotNested)
}

func TestStoreInsertRejectsRegionEscalation(t *testing.T) {
	s := NewStore()
	now := time.Now()
	root := mkCert(CertRoot, HashedId8{}, 0, now.Add(-time.Hour), now.Add(24*time.Hour), Region{CountryCodes: []uint16{250}})
	s.InsertRoot(root)

	aa := mkCert(CertAuthorizationAuthority, root.HashedId8(), 1, now, now.Add(time.Hour), Region{CountryCodes: []uint16{250, 276}})
	err := s.Insert(aa)
	assert.ErrorIs(t, err, ErrRegionNotSubset)
}

func TestStoreResolveChainFullPath(t *testing.T) {
	s := NewStore()
	now := time.Now()
	root := mkCert(CertRoot, HashedId8{}, 0, now.Add(-time.Hour), now.Add(24*time.Hour), Region{})
	require.NoError(t, func() error { s.InsertRoot(root); return nil }())

	aa := mkCert(CertAuthorizationAuthority, root.HashedId8(), 1, now, now.Add(time.Hour), Region{})
	require.NoError(t, s.Insert(aa))

	at := mkCert(CertAuthorizationTicket, aa.HashedId8(), 2, now, now.Add(30*time.Minute), Region{})
	require.NoError(t, s.Insert(at))

	chain, err := s.ResolveChain(now.Add(time.Minute), at)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, at.HashedId8(), chain[0].HashedId8())
	assert.Equal(t, aa.HashedId8(), chain[1].HashedId8())
	assert.Equal(t, root.HashedId8(), chain[2].HashedId8())
}

func TestStoreResolveChainExpiredLeaf(t *testing.T) {
	s := NewStore()
	now := time.Now()
	root := mkCert(CertRoot, HashedId8{}, 0, now.Add(-time.Hour), now.Add(24*time.Hour), Region{})
	s.InsertRoot(root)
	aa := mkCert(CertAuthorizationAuthority, root.HashedId8(), 1, now.Add(-time.Hour), now.Add(time.Hour), Region{})
	require.NoError(t, s.Insert(aa))
	at := mkCert(CertAuthorizationTicket, aa.HashedId8(), 2, now.Add(-time.Hour), now.Add(-time.Minute), Region{})
	require.NoError(t, s.Insert(at))

	_, err := s.ResolveChain(now, at)
	assert.Error(t, err)
}

func TestStoreSetOwnChainAndOwnAT(t *testing.T) {
	s := NewStore()
	now := time.Now()
	root := mkCert(CertRoot, HashedId8{}, 0, now.Add(-time.Hour), now.Add(24*time.Hour), Region{})
	aa := mkCert(CertAuthorizationAuthority, root.HashedId8(), 1, now, now.Add(time.Hour), Region{})
	at := mkCert(CertAuthorizationTicket, aa.HashedId8(), 2, now, now.Add(30*time.Minute), Region{})

	require.NoError(t, s.SetOwnChain(at, aa, root))

	got, ok := s.OwnAT()
	require.True(t, ok)
	assert.Equal(t, at.HashedId8(), got.HashedId8())
}

func TestStoreOwnATUnsetWhenNeverConfigured(t *testing.T) {
	s := NewStore()
	_, ok := s.OwnAT()
	assert.False(t, ok)
}
