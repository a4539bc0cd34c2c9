package conformance

import (
	"sync"
	"time"

	"github.com/veloce/veloce/gnet"
)

// Position is a mutable LongPositionVector source: the GeoNetworking core
// only ever reads position through a gnet.PositionProvider closure, but
// UtChangePosition needs somewhere to write a delta. Position is that
// somewhere, shared between the UT dispatcher and the Router via
// Provider().
type Position struct {
	mu  sync.Mutex
	lpv gnet.LongPositionVector
}

// NewPosition seeds a Position at the given station address and
// coordinates.
func NewPosition(addr gnet.GnAddress, lat, lon int32) *Position {
	return &Position{lpv: gnet.LongPositionVector{
		Address:          addr,
		Timestamp:        gnet.TimestampFromTime(time.Now()),
		Latitude:         lat,
		Longitude:        lon,
		PositionAccurate: true,
	}}
}

// Provider returns the gnet.PositionProvider closure a Router should be
// constructed with.
func (p *Position) Provider() gnet.PositionProvider {
	return p.Get
}

// Get returns the current position vector, stamped with the current
// time.
func (p *Position) Get() gnet.LongPositionVector {
	p.mu.Lock()
	defer p.mu.Unlock()
	lpv := p.lpv
	lpv.Timestamp = gnet.TimestampFromTime(time.Now())
	return lpv
}

// Shift applies a (deltaLat, deltaLon) offset in 10^-7 degree units, per
// UtChangePosition.
func (p *Position) Shift(deltaLat, deltaLon int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lpv.Latitude += deltaLat
	p.lpv.Longitude += deltaLon
}

// SetAddress updates the address embedded in future position vectors,
// per UtChangePseudonym.
func (p *Position) SetAddress(addr gnet.GnAddress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lpv.Address = addr
}

// ResetAddress restores the address to addr without touching lat/lon,
// mirroring UtInitialize's reset of the GN address only.
func (p *Position) ResetAddress(addr gnet.GnAddress) {
	p.SetAddress(addr)
}
