// Package link provides LinkDriver implementations: the boundary between
// the GeoNetworking core and an actual network interface. UDP is the
// driver used by tests and the conformance harness; Pcap (behind the
// gopacket build) drives a real broadcast-capable link.
package link

import (
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

// UDP is a LinkDriver that fans packets out over a UDP broadcast/multicast
// socket, standing in for an 802.11p/ITS-G5 link in tests and the
// conformance harness where no real radio is available.
type UDP struct {
	conn  *net.UDPConn
	dest  *net.UDPAddr
	mu    sync.Mutex
	onRecv func([]byte, net.Addr)
}

// NewUDP opens a UDP socket bound to listenAddr and configures dest as
// the destination for Send. listenAddr may be empty to pick an ephemeral
// port (egress-only driver).
func NewUDP(listenAddr, dest string) (*UDP, error) {
	var laddr *net.UDPAddr
	if listenAddr != "" {
		var err error
		laddr, err = net.ResolveUDPAddr("udp", listenAddr)
		if err != nil {
			return nil, fmt.Errorf("link: resolving listen address: %w", err)
		}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("link: listening: %w", err)
	}

	daddr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("link: resolving destination address: %w", err)
	}

	return &UDP{conn: conn, dest: daddr}, nil
}

// Send implements gnet.LinkDriver.
func (u *UDP) Send(raw []byte) error {
	_, err := u.conn.WriteToUDP(raw, u.dest)
	return err
}

// OnReceive registers the callback invoked for every datagram read by the
// pump goroutine. Must be called before Run.
func (u *UDP) OnReceive(f func(raw []byte, from net.Addr)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onRecv = f
}

// Run pumps inbound datagrams until the socket is closed, dispatching
// each to the registered OnReceive callback. It is meant to be run in its
// own goroutine, supervised by runtime.Process via errgroup.
func (u *UDP) Run() error {
	buf := make([]byte, 65535)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			return fmt.Errorf("link: read: %w", err)
		}
		u.mu.Lock()
		cb := u.onRecv
		u.mu.Unlock()
		if cb == nil {
			log.Debugf("link: dropping datagram, no receive callback registered")
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		cb(pkt, addr)
	}
}

// Close closes the underlying socket, unblocking Run.
func (u *UDP) Close() error {
	return u.conn.Close()
}
