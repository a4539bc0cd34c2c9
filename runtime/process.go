package runtime

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/veloce/veloce/btp"
	"github.com/veloce/veloce/conformance"
	"github.com/veloce/veloce/denm"
	"github.com/veloce/veloce/gnet"
	"github.com/veloce/veloce/link"
	"github.com/veloce/veloce/security"
	"github.com/veloce/veloce/security/crypto"
)

// LinkDriver is the subset of link.UDP/link.Pcap a Process drives: it is
// send-only, exactly gnet.LinkDriver. The process, not the core, owns the
// read side, and reads inbound frames only from the UDP driver that
// NewProcess builds.
type LinkDriver interface {
	gnet.LinkDriver
}

// Process wires the GeoNetworking forwarder, BTP demux, DENM engine and
// security wrapper into a runnable unit: it owns the link driver read
// pump and the central Poll(now) loop, exactly as sptp/client.Client owns
// its packet-conn read loop around a single-threaded measurement core.
//
// Router, Demux, DENM and Store carry no interior locking of their own:
// the link read pump and the conformance UT listener run on their own
// goroutines but never touch that state directly. Instead they funnel
// into inbound/confReqs, which only the pollLoop goroutine drains, so
// every mutation of the core happens on one goroutine.
type Process struct {
	cfg Config

	Router *gnet.Router
	Demux  *btp.Demux
	DENM   *denm.Engine
	Store  *security.Store

	link        LinkDriver
	udp         *link.UDP
	metrics     *Metrics
	conformance *conformance.State

	inbound  chan []byte
	confReqs chan confRequest
}

// inboundQueueLen bounds how many not-yet-processed datagrams the link
// read pump may hand to the core goroutine before PacketsDropped starts
// counting "queue_full" drops instead of blocking the pump.
const inboundQueueLen = 256

// confReqQueueLen bounds outstanding UT requests awaiting dispatch on the
// core goroutine.
const confReqQueueLen = 32

// confRequest carries a single UT datagram from the conformance
// listener's goroutine to the pollLoop goroutine, which alone calls
// conformance.State.Dispatch, and ferries the response back.
type confRequest struct {
	now    time.Time
	raw    []byte
	source *net.UDPAddr
	reply  chan []byte
}

func gnAddressFromStationID(id gnet.StationID, stationType uint8) gnet.GnAddress {
	var addr gnet.GnAddress
	addr.StationType = stationType
	binary.BigEndian.PutUint32(addr.LLAddr[2:6], uint32(id))
	return addr
}

// denmOriginator adapts the DENM engine's Originator interface onto the
// GeoNetworking forwarder's geo-broadcast transport via a BTP-B header.
type denmOriginator struct {
	router *gnet.Router
}

func (d *denmOriginator) OriginateDENM(now time.Time, payload []byte, area gnet.GeoArea) error {
	wire, err := btp.EncodeB(btp.HeaderB{DestPort: denm.Port}, payload)
	if err != nil {
		return err
	}
	transport := gnet.Transport{Kind: gnet.TransportBroadcast, Area: area}
	return d.router.Originate(now, transport, wire, gnet.DefaultMaxPacketLifetime, 0)
}

// NewProcess constructs a fully-wired Process. backend and signingKey
// drive the security envelope; store must already hold the station's own
// AT/AA/Root chain (see security.Store.SetOwnChain) before Run is called,
// or every outgoing packet's Sign call fails.
func NewProcess(cfg Config, position gnet.PositionProvider, backend crypto.Backend, store *security.Store, signingKey crypto.PrivateKeyHandle) (*Process, error) {
	p, err := newProcessCore(cfg, position, backend, store, signingKey)
	if err != nil {
		return nil, err
	}

	switch cfg.Link.Kind {
	case "", "udp":
		u, err := link.NewUDP(cfg.Link.ListenAddr, cfg.Link.DestAddr)
		if err != nil {
			return nil, fmt.Errorf("runtime: link: %w", err)
		}
		u.OnReceive(func(raw []byte, from net.Addr) {
			p.handleInbound(raw)
		})
		p.udp = u
		p.link = u
	default:
		return nil, fmt.Errorf("runtime: unsupported link kind %q (use NewProcessWithDriver for pcap)", cfg.Link.Kind)
	}
	p.Router.Link = p.link

	return p, nil
}

// NewProcessWithDriver is NewProcess for callers supplying their own
// LinkDriver (e.g. link.Pcap, or a fake for tests) instead of having one
// constructed from cfg.Link.
func NewProcessWithDriver(cfg Config, position gnet.PositionProvider, backend crypto.Backend, store *security.Store, signingKey crypto.PrivateKeyHandle, driver LinkDriver) (*Process, error) {
	p, err := newProcessCore(cfg, position, backend, store, signingKey)
	if err != nil {
		return nil, err
	}
	p.link = driver
	p.Router.Link = driver
	return p, nil
}

func newProcessCore(cfg Config, position gnet.PositionProvider, backend crypto.Backend, store *security.Store, signingKey crypto.PrivateKeyHandle) (*Process, error) {
	address := gnAddressFromStationID(gnet.StationID(cfg.StationID), 5)

	// The conformance harness needs to mutate the station's position and
	// address on the fly (UtChangePosition/UtChangePseudonym); when it is
	// enabled it owns position tracking instead of the caller-supplied
	// provider, seeded from that provider's first sample.
	var pos *conformance.Position
	posProvider := position
	if cfg.Conformance.Enabled {
		seed := position()
		pos = conformance.NewPosition(address, seed.Latitude, seed.Longitude)
		posProvider = pos.Provider()
	}

	router := gnet.NewRouter(cfg.GN, address, posProvider)

	wrapper := &security.Wrapper{Backend: backend, Store: store, AID: cfg.Security.AID, MaxCertAge: cfg.Security.MaxCertAge, SigningKey: signingKey}
	router.Verifier = wrapper
	router.Signer = wrapper

	demux := btp.NewDemux()

	p := &Process{
		cfg:     cfg,
		Router:  router,
		Demux:   demux,
		Store:   store,
		metrics: NewMetrics(),
		inbound: make(chan []byte, inboundQueueLen),
	}
	engine := denm.NewEngine(gnet.StationID(cfg.StationID), &denmOriginator{router: router}, p.deliverDENM, cfg.DENM)
	p.DENM = engine
	demux.Register(denm.Port, engine)

	if cfg.Conformance.Enabled {
		p.conformance = conformance.NewState(router, demux, engine, pos, address)
		p.confReqs = make(chan confRequest, confReqQueueLen)
		router.Upper = p.conformance
	} else {
		router.Upper = demux
	}
	return p, nil
}

func (p *Process) deliverDENM(ev denm.RecvEvent) {
	p.metrics.DENMEventsActive.Inc()
	log.Debugf("runtime: delivered DENM %v for action %+v", ev.Kind, ev.ActionID)
	if p.conformance != nil {
		p.conformance.NotifyDENM(ev)
	}
}

// handleInbound runs on the link read pump's goroutine. It never touches
// the router directly; it only hands the frame to the pollLoop goroutine,
// dropping it if that goroutine is falling behind.
func (p *Process) handleInbound(raw []byte) {
	p.metrics.PacketsReceived.Inc()
	select {
	case p.inbound <- raw:
	default:
		p.metrics.PacketsDropped.WithLabelValues("queue_full").Inc()
		log.Debugf("runtime: inbound queue full, dropping frame")
	}
}

// receiveInbound performs the actual Router.Receive call. Only pollLoop
// may call this.
func (p *Process) receiveInbound(now time.Time, raw []byte) {
	if err := p.Router.Receive(now, raw); err != nil {
		p.metrics.PacketsDropped.WithLabelValues("error").Inc()
		log.Debugf("runtime: receive error: %v", err)
	}
}

// dispatchConformance runs on the conformance listener's per-request
// goroutine. It hands the request to pollLoop and blocks for the
// response, giving the UT client the same synchronous request/response
// semantics conformance.State.Dispatch has always had, while keeping the
// actual dispatch on the single core goroutine.
func (p *Process) dispatchConformance(ctx context.Context, now time.Time, raw []byte, source *net.UDPAddr) []byte {
	reply := make(chan []byte, 1)
	select {
	case p.confReqs <- confRequest{now: now, raw: raw, source: source, reply: reply}:
	case <-ctx.Done():
		return nil
	}
	select {
	case resp := <-reply:
		return resp
	case <-ctx.Done():
		return nil
	}
}

// Run drives the process until ctx is cancelled: a link read pump
// goroutine, an optional metrics exporter goroutine, an optional
// conformance UT listener goroutine, and the central Poll(now) loop
// goroutine, all supervised by an errgroup exactly as
// responder/server.Server supervises its listener and worker goroutines.
// The calling goroutine blocks until the group has exited.
func (p *Process) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	if p.conformance != nil {
		p.conformance.SetDispatcher(func(now time.Time, raw []byte, source *net.UDPAddr) []byte {
			return p.dispatchConformance(ctx, now, raw, source)
		})
	}

	if p.udp != nil {
		eg.Go(func() error {
			err := p.udp.Run()
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	if p.cfg.Metrics.Enabled {
		eg.Go(func() error {
			return p.metrics.Serve(ctx, p.cfg.Metrics.ListenAddr)
		})
	}

	if p.conformance != nil {
		eg.Go(func() error {
			return p.conformance.ListenAndServe(ctx, p.cfg.Conformance.ListenAddr)
		})
	}

	eg.Go(func() error {
		return p.pollLoop(ctx)
	})

	err := eg.Wait()
	if p.udp != nil {
		_ = p.udp.Close()
	}
	return err
}

func (p *Process) pollLoop(ctx context.Context) error {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	for {
		now := time.Now()
		p.Router.Poll(now)
		p.DENM.Poll(now)
		p.metrics.LocationTableSize.Set(float64(p.Router.Table.Len()))

		wait := interval
		if at, ok := p.Router.PollAt(); ok {
			if d := at.Sub(now); d < wait && d > 0 {
				wait = d
			}
		}
		if at, ok := p.DENM.PollAt(); ok {
			if d := at.Sub(now); d < wait && d > 0 {
				wait = d
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case raw := <-p.inbound:
			timer.Stop()
			p.receiveInbound(time.Now(), raw)
		case req := <-p.confReqs:
			timer.Stop()
			req.reply <- p.conformance.Dispatch(req.now, req.raw, req.source)
		}
	}
}
