package security

import (
	"fmt"
	"time"
)

// ErrUnknownIssuer is returned when a certificate's issuer HashedId8 does
// not resolve to any entry in the store.
var ErrUnknownIssuer = fmt.Errorf("security: unknown issuer")

// ErrChainTooLong is returned when chain resolution exceeds the maximum
// depth (AT/EC -> AA/EA -> Root is depth 3; anything deeper indicates a
// malformed or hostile chain).
var ErrChainTooLong = fmt.Errorf("security: certificate chain too long")

// ErrValidityNotNested is returned when a certificate's validity window
// is not fully contained within its issuer's.
var ErrValidityNotNested = fmt.Errorf("security: validity window not nested in issuer's")

// ErrRegionNotSubset is returned when a certificate's permitted region is
// not a subset of its issuer's.
var ErrRegionNotSubset = fmt.Errorf("security: region not a subset of issuer's")

const maxChainDepth = 3

// Store owns every certificate this station knows about: its own chain
// (AT + AA + Root) plus every remote certificate observed and validated
// so far. All lookups are by HashedId8. Not safe for concurrent use;
// callers run it from the single core goroutine alongside gnet.Router
// and denm.Engine.
type Store struct {
	certs map[HashedId8]Certificate

	ownChain []HashedId8 // AT, AA, Root, in that order
}

// NewStore constructs an empty trust store.
func NewStore() *Store {
	return &Store{certs: make(map[HashedId8]Certificate)}
}

// InsertRoot adds a self-signed root certificate, skipping issuer
// resolution.
func (s *Store) InsertRoot(cert Certificate) {
	s.certs[cert.HashedId8()] = cert
}

// Insert validates that cert's issuer resolves to a store entry of the
// type cert's own type requires, then adds it keyed by HashedId8.
func (s *Store) Insert(cert Certificate) error {
	want, required := parentType(cert.Type)
	if !required {
		s.InsertRoot(cert)
		return nil
	}

	issuer, ok := s.certs[cert.Issuer]
	if !ok {
		return ErrUnknownIssuer
	}
	if issuer.Type != want {
		return ErrWrongIssuerType
	}
	if cert.NotBefore.Before(issuer.NotBefore) || cert.NotAfter.After(issuer.NotAfter) {
		return ErrValidityNotNested
	}
	if !cert.Region.subsetOf(issuer.Region) {
		return ErrRegionNotSubset
	}
	s.certs[cert.HashedId8()] = cert
	return nil
}

// Lookup returns the certificate for id, if known.
func (s *Store) Lookup(id HashedId8) (Certificate, bool) {
	c, ok := s.certs[id]
	return c, ok
}

// SetOwnChain records the local station's own AT + AA + Root chain,
// inserting each certificate if not already present.
func (s *Store) SetOwnChain(at, aa, root Certificate) error {
	s.InsertRoot(root)
	if err := s.Insert(aa); err != nil {
		return err
	}
	if err := s.Insert(at); err != nil {
		return err
	}
	s.ownChain = []HashedId8{at.HashedId8(), aa.HashedId8(), root.HashedId8()}
	return nil
}

// OwnAT returns the local station's current authorization ticket, if set.
func (s *Store) OwnAT() (Certificate, bool) {
	if len(s.ownChain) == 0 {
		return Certificate{}, false
	}
	c, ok := s.certs[s.ownChain[0]]
	return c, ok
}

// ResolveChain walks from leaf up through issuers to a root, validating
// nesting of validity windows and region permissions at every link, and
// that every certificate in the chain is valid at now. It returns the
// full chain, leaf first.
func (s *Store) ResolveChain(now time.Time, leaf Certificate) ([]Certificate, error) {
	chain := []Certificate{leaf}
	current := leaf
	for depth := 0; ; depth++ {
		if depth > maxChainDepth {
			return nil, ErrChainTooLong
		}
		if !current.validAt(now) {
			return nil, fmt.Errorf("security: certificate %s not valid at %s", current.HashedId8(), now)
		}
		_, required := parentType(current.Type)
		if !required {
			return chain, nil // current is the root
		}
		issuer, ok := s.certs[current.Issuer]
		if !ok {
			return nil, ErrUnknownIssuer
		}
		if current.NotBefore.Before(issuer.NotBefore) || current.NotAfter.After(issuer.NotAfter) {
			return nil, ErrValidityNotNested
		}
		if !current.Region.subsetOf(issuer.Region) {
			return nil, ErrRegionNotSubset
		}
		chain = append(chain, issuer)
		current = issuer
	}
}
