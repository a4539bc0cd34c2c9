package link

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/jsimonetti/rtnetlink/rtnl"
	log "github.com/sirupsen/logrus"
)

// GeoNetworkingEtherType is the EtherType EN 302 636-4-1 registers for
// GeoNetworking frames carried directly over an 802.11p/Ethernet-style
// link (no IP encapsulation).
const GeoNetworkingEtherType = 0x8947

// Pcap is a LinkDriver that sends and receives raw GeoNetworking frames
// on a real network interface via libpcap, broadcasting at the Ethernet
// layer the way EN 302 636-4-1 Annex B expects over ITS-G5.
type Pcap struct {
	handle  *pcap.Handle
	srcMAC  net.HardwareAddr
	iface   string
	snaplen int32
}

// NewPcap opens iface for live capture/injection and resolves its MAC
// address via rtnetlink so outgoing frames carry a correct source
// address.
func NewPcap(iface string) (*Pcap, error) {
	conn, err := rtnl.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("link: rtnetlink dial: %w", err)
	}
	defer conn.Close()

	link, err := conn.Link().Get(0, iface)
	if err != nil {
		return nil, fmt.Errorf("link: resolving interface %q: %w", iface, err)
	}

	handle, err := pcap.OpenLive(iface, 65535, true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("link: opening %q for capture: %w", iface, err)
	}

	filter := fmt.Sprintf("ether proto 0x%x", GeoNetworkingEtherType)
	if err := handle.SetBPFFilter(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("link: setting BPF filter: %w", err)
	}

	return &Pcap{handle: handle, srcMAC: link.Attributes.Address, iface: iface, snaplen: 65535}, nil
}

// Send implements gnet.LinkDriver: it wraps raw in an Ethernet frame
// broadcast to ff:ff:ff:ff:ff:ff, as GeoNetworking has no link-layer
// addressing of its own below the GN address.
func (p *Pcap) Send(raw []byte) error {
	eth := layers.Ethernet{
		SrcMAC:       p.srcMAC,
		DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetType(GeoNetworkingEtherType),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	payload := gopacket.Payload(raw)
	if err := gopacket.SerializeLayers(buf, opts, &eth, payload); err != nil {
		return fmt.Errorf("link: serializing frame: %w", err)
	}
	return p.handle.WritePacketData(buf.Bytes())
}

// Run pumps inbound frames until the handle is closed, dispatching each
// GeoNetworking payload (Ethernet header stripped) to the onReceive
// callback.
func (p *Pcap) Run(onReceive func(raw []byte, received time.Time)) error {
	source := gopacket.NewPacketSource(p.handle, layers.LayerTypeEthernet)
	for pkt := range source.Packets() {
		ethLayer := pkt.Layer(layers.LayerTypeEthernet)
		if ethLayer == nil {
			continue
		}
		payload := ethLayer.LayerPayload()
		if len(payload) == 0 {
			continue
		}
		cp := make([]byte, len(payload))
		copy(cp, payload)
		ts := pkt.Metadata().Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		onReceive(cp, ts)
	}
	log.Debugf("link: pcap source for %s closed", p.iface)
	return nil
}

// Close releases the capture handle, unblocking Run.
func (p *Pcap) Close() {
	p.handle.Close()
}
