// Package ipv4 implements the kernel's only network-layer protocol: IPv4
// header assembly/checksumming, gateway-or-direct next-hop routing through
// net/arp, and a minimal ICMP echo responder. Protocol demux to the
// transport layer is done here too, since the original firmware's receive
// path never grew beyond a single dispatcher.
package ipv4

import (
	"kernel32/internal/neterr"
	"kernel32/kernel/kfmt"
	"kernel32/net/arp"
	"kernel32/net/nic"
)

const (
	ethertypeARP = 0x0806
	ethertypeIP  = 0x0800

	protoICMP = 1
	protoTCP  = 6

	headerLen = 20
	ttl       = 64

	icmpEchoRequest = 8
	icmpEchoReply   = 0
)

// Config holds the static addressing this kernel boots with. There is no
// DHCP client; these values are a compiled-in default (kmain's
// defaultConfig), matching SPEC_FULL's no-config-file-parser note.
type Config struct {
	LocalIP uint32
	Netmask uint32
	Gateway uint32
}

var cfg Config

// TCPHandler is invoked with the source IP and the TCP segment (header
// onward, no IPv4 header) for every received protoTCP datagram.
type TCPHandler func(srcIP uint32, segment []byte)

var tcpHandler TCPHandler

// Init stores the local addressing configuration and wires this package as
// the ARP layer's retransmit callback, breaking the import cycle between
// net/arp and net/ipv4 (arp queues packets that only ipv4 knows how to
// frame).
func Init(c Config) {
	cfg = c
	arp.SetResendFunc(func(dstIP uint32, protocol uint8, payload []byte) *neterr.Error {
		return sendFramed(dstIP, protocol, payload)
	})
}

// SetTCPHandler installs the function invoked for every received TCP
// segment, normally net/tcp's packet entry point.
func SetTCPHandler(fn TCPHandler) {
	tcpHandler = fn
}

// Checksum computes the one's-complement sum of 16-bit big-endian words
// with end-around carry folded in, then returns its complement. net/tcp
// reuses it over a pseudo-header + segment buffer, the same fold
// tcp_checksum performs after summing its own pseudo_header struct.
func Checksum(data []byte) uint16 {
	return checksum(data)
}

// LocalIP returns the configured local address, used by net/tcp to stamp
// the pseudo-header and its connections' local address.
func LocalIP() uint32 {
	return cfg.LocalIP
}

func checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

var nextID uint16

func put16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func put32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func get32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

var errNoNIC = neterr.New(neterr.DeviceNotPresent, "ipv4: no active NIC")

// Send assembles and transmits an IPv4 datagram carrying payload for proto
// to dstIP, resolving the next hop via net/arp: a miss queues the datagram
// and issues an ARP request rather than failing, mirroring
// net_send_ipv4_packet.
func Send(dstIP uint32, proto uint8, payload []byte) *neterr.Error {
	return sendFramed(dstIP, proto, payload)
}

func sendFramed(dstIP uint32, proto uint8, payload []byte) *neterr.Error {
	n := nic.Active()
	if n == nil {
		return errNoNIC
	}

	nextHop := dstIP
	if dstIP&cfg.Netmask != cfg.LocalIP&cfg.Netmask {
		nextHop = cfg.Gateway
	}

	destMAC, ok := arp.Lookup(nextHop)
	if !ok {
		if err := arp.QueuePacket(dstIP, proto, payload); err != nil {
			return err
		}
		return arp.SendRequest(cfg.LocalIP, nextHop)
	}

	frame := make([]byte, 14+headerLen+len(payload))

	srcMAC := n.MAC()
	copy(frame[0:6], destMAC[:])
	copy(frame[6:12], srcMAC[:])
	put16(frame[12:14], ethertypeIP)

	hdr := frame[14 : 14+headerLen]
	hdr[0] = 0x45 // version 4, IHL 5
	hdr[1] = 0    // TOS
	put16(hdr[2:4], uint16(headerLen+len(payload)))
	put16(hdr[4:6], nextID)
	nextID++
	put16(hdr[6:8], 0) // flags/fragment offset
	hdr[8] = ttl
	hdr[9] = proto
	put16(hdr[10:12], 0) // checksum, filled below
	put32(hdr[12:16], cfg.LocalIP)
	put32(hdr[16:20], dstIP)
	put16(hdr[10:12], checksum(hdr))

	copy(frame[14+headerLen:], payload)

	return n.Send(frame)
}

// Demux is the NIC receive entry point installed via nic.SetRxHandler: it
// reads the Ethernet header's EtherType and routes the frame to net/arp or
// HandleFrame, matching the top-level "NIC RX delivers to the IPv4 demux,
// which routes by protocol" data flow.
func Demux(frame []byte) {
	if len(frame) < 14 {
		return
	}
	ethertype := uint16(frame[12])<<8 | uint16(frame[13])

	switch ethertype {
	case ethertypeARP:
		var myMAC [6]byte
		if n := nic.Active(); n != nil {
			myMAC = n.MAC()
		}
		arp.HandlePacket(frame, cfg.LocalIP, myMAC)
	case ethertypeIP:
		HandleFrame(frame)
	}
}

// HandleFrame demuxes a received Ethernet frame whose ethertype already
// matched 0x0800: it validates the IPv4 header and dispatches the payload
// to ICMP or the registered TCP handler by protocol number.
func HandleFrame(frame []byte) {
	if len(frame) < 14+headerLen {
		return
	}
	hdr := frame[14 : 14+headerLen]
	if hdr[0]>>4 != 4 {
		return
	}
	ihl := int(hdr[0]&0x0F) * 4
	if ihl < headerLen || len(frame) < 14+ihl {
		return
	}

	srcIP := get32(hdr[12:16])
	dstIP := get32(hdr[16:20])
	if dstIP != cfg.LocalIP {
		return
	}

	proto := hdr[9]
	body := frame[14+ihl:]

	switch proto {
	case protoICMP:
		handleICMP(srcIP, body)
	case protoTCP:
		if tcpHandler != nil {
			tcpHandler(srcIP, body)
		}
	}
}

// lastEchoReplyID suppresses duplicate echo replies (the kernel's own
// re-pings bouncing back), matching the original firmware's prev_id guard
// in icmp_handle_packet.
var lastEchoReplyID uint16
var haveLastEchoReplyID bool

func handleICMP(srcIP uint32, pkt []byte) {
	if len(pkt) < 8 {
		return
	}
	icmpType := pkt[0]
	id := uint16(pkt[4])<<8 | uint16(pkt[5])

	if icmpType == icmpEchoReply {
		if haveLastEchoReplyID && id == lastEchoReplyID {
			return
		}
		lastEchoReplyID = id
		haveLastEchoReplyID = true
		kfmt.Printf("[icmp] echo reply from %d.%d.%d.%d id=%d\n",
			srcIP>>24, (srcIP>>16)&0xFF, (srcIP>>8)&0xFF, srcIP&0xFF, id)
		return
	}

	if icmpType != icmpEchoRequest {
		return
	}

	reply := make([]byte, len(pkt))
	copy(reply, pkt)
	reply[0] = icmpEchoReply
	put16(reply[2:4], 0)
	put16(reply[2:4], checksum(reply))

	sendFramed(srcIP, protoICMP, reply)
}

// SendEchoRequest transmits an ICMP echo request to dstIP, matching
// icmp_send_echo_request's static id/seq + timestamp-pattern payload.
func SendEchoRequest(dstIP uint32, id, seq uint16, payload []byte) *neterr.Error {
	pkt := make([]byte, 8+len(payload))
	pkt[0] = icmpEchoRequest
	pkt[1] = 0 // code
	put16(pkt[2:4], 0)
	put16(pkt[4:6], id)
	put16(pkt[6:8], seq)
	copy(pkt[8:], payload)
	put16(pkt[2:4], checksum(pkt))

	return sendFramed(dstIP, protoICMP, pkt)
}
