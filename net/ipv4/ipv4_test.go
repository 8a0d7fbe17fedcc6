package ipv4

import (
	"kernel32/internal/neterr"
	"kernel32/net/arp"
	"kernel32/net/nic"
	"testing"
)

type mockNIC struct {
	mac  [6]byte
	sent [][]byte
}

func (m *mockNIC) MAC() [6]byte { return m.mac }
func (m *mockNIC) Send(frame []byte) *neterr.Error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	m.sent = append(m.sent, cp)
	return nil
}

func resetIPv4State(t *testing.T) *mockNIC {
	t.Helper()
	nextID = 0
	tcpHandler = nil
	lastEchoReplyID = 0
	haveLastEchoReplyID = false
	cfg = Config{}

	m := &mockNIC{mac: [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}}
	nic.Register(m)
	return m
}

func TestChecksumKnownValue(t *testing.T) {
	// A zero-checksum-field IPv4 header; verifying the checksum it
	// produces reinflates to zero when summed back in is the standard
	// self-check for a one's-complement checksum.
	hdr := []byte{
		0x45, 0x00, 0x00, 0x3c, 0x1c, 0x46, 0x40, 0x00, 0x40, 0x06,
		0x00, 0x00, 0xac, 0x10, 0x0a, 0x63, 0xac, 0x10, 0x0a, 0x0c,
	}
	sum := checksum(hdr)
	if sum != 0xB1E6 {
		t.Fatalf("expected checksum 0xb1e6; got 0x%x", sum)
	}
	put16(hdr[10:12], sum)
	if checksum(hdr) != 0 {
		t.Fatalf("expected verifying a correctly-checksummed header to sum to zero")
	}
}

func TestSendQueuesOnARPMissAndIssuesRequest(t *testing.T) {
	m := resetIPv4State(t)
	cfg = Config{LocalIP: 0xC0A80101, Netmask: 0xFFFFFF00, Gateway: 0xC0A801FE}

	if err := Send(0xC0A80102, protoICMP, []byte{1, 2, 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(m.sent) != 1 {
		t.Fatalf("expected exactly one frame sent (the ARP request); got %d", len(m.sent))
	}
	ethertype := uint16(m.sent[0][12])<<8 | uint16(m.sent[0][13])
	if ethertype != ethertypeARP {
		t.Fatalf("expected an ARP request frame; got ethertype 0x%x", ethertype)
	}
}

func TestSendFramesDirectlyOnARPHit(t *testing.T) {
	m := resetIPv4State(t)
	cfg = Config{LocalIP: 0xC0A80101, Netmask: 0xFFFFFF00, Gateway: 0xC0A801FE}
	arp.Update(0xC0A80102, [6]byte{1, 2, 3, 4, 5, 6})

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if err := Send(0xC0A80102, protoTCP, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(m.sent) != 1 {
		t.Fatalf("expected a single IPv4 frame; got %d", len(m.sent))
	}
	frame := m.sent[0]
	ethertype := uint16(frame[12])<<8 | uint16(frame[13])
	if ethertype != ethertypeIP {
		t.Fatalf("expected an IPv4 frame; got ethertype 0x%x", ethertype)
	}
	hdr := frame[14 : 14+headerLen]
	if hdr[0] != 0x45 {
		t.Fatalf("expected version/IHL byte 0x45; got 0x%x", hdr[0])
	}
	if hdr[9] != protoTCP {
		t.Fatalf("expected protocol byte to carry protoTCP; got %d", hdr[9])
	}
	if checksum(hdr) != 0 {
		t.Fatalf("expected the written header checksum to self-validate")
	}
	if string(frame[14+headerLen:]) != string(payload) {
		t.Fatalf("expected the payload to follow the header unchanged")
	}
}

func TestSendRoutesThroughGatewayForNonLocalDestination(t *testing.T) {
	m := resetIPv4State(t)
	cfg = Config{LocalIP: 0xC0A80101, Netmask: 0xFFFFFF00, Gateway: 0xC0A801FE}
	arp.Update(0xC0A801FE, [6]byte{9, 9, 9, 9, 9, 9})

	if err := Send(0x08080808, protoICMP, []byte{1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	frame := m.sent[0]
	destMAC := frame[0:6]
	for i, b := range []byte{9, 9, 9, 9, 9, 9} {
		if destMAC[i] != b {
			t.Fatalf("expected the frame to be addressed to the gateway's MAC; got %v", destMAC)
		}
	}
}

func TestHandleFrameDropsNonLocalDestination(t *testing.T) {
	resetIPv4State(t)
	cfg = Config{LocalIP: 0xC0A80101}

	var called bool
	SetTCPHandler(func(srcIP uint32, segment []byte) { called = true })

	frame := make([]byte, 14+headerLen+4)
	put16(frame[12:14], ethertypeIP)
	hdr := frame[14 : 14+headerLen]
	hdr[0] = 0x45
	hdr[9] = protoTCP
	put32(hdr[16:20], 0xC0A80199) // not the local IP

	HandleFrame(frame)
	if called {
		t.Fatalf("expected HandleFrame to drop a datagram not addressed to the local IP")
	}
}

func TestHandleFrameDispatchesToTCPHandler(t *testing.T) {
	resetIPv4State(t)
	cfg = Config{LocalIP: 0xC0A80101}

	var gotSrc uint32
	var gotSegment []byte
	SetTCPHandler(func(srcIP uint32, segment []byte) {
		gotSrc = srcIP
		gotSegment = segment
	})

	frame := make([]byte, 14+headerLen+4)
	put16(frame[12:14], ethertypeIP)
	hdr := frame[14 : 14+headerLen]
	hdr[0] = 0x45
	hdr[9] = protoTCP
	put32(hdr[12:16], 0xC0A80105)
	put32(hdr[16:20], 0xC0A80101)
	copy(frame[14+headerLen:], []byte{1, 2, 3, 4})

	HandleFrame(frame)

	if gotSrc != 0xC0A80105 {
		t.Fatalf("expected the source IP to be passed through; got 0x%x", gotSrc)
	}
	if string(gotSegment) != "\x01\x02\x03\x04" {
		t.Fatalf("expected the TCP segment bytes to follow the header; got %v", gotSegment)
	}
}

func TestHandleICMPEchoRequestRepliesWithType0(t *testing.T) {
	m := resetIPv4State(t)
	cfg = Config{LocalIP: 0xC0A80101, Netmask: 0xFFFFFF00}
	arp.Update(0xC0A80105, [6]byte{1, 2, 3, 4, 5, 6})

	echo := make([]byte, 8)
	echo[0] = icmpEchoRequest
	put16(echo[4:6], 42)
	put16(echo[6:8], 1)
	put16(echo[2:4], checksum(echo))

	handleICMP(0xC0A80105, echo)

	if len(m.sent) != 1 {
		t.Fatalf("expected a single reply frame; got %d", len(m.sent))
	}
	reply := m.sent[0][14+headerLen:]
	if reply[0] != icmpEchoReply {
		t.Fatalf("expected the reply's ICMP type to be 0; got %d", reply[0])
	}
	if checksum(reply) != 0 {
		t.Fatalf("expected the reply's checksum to self-validate")
	}
}

func TestHandleICMPSuppressesDuplicateEchoReplies(t *testing.T) {
	resetIPv4State(t)

	reply := make([]byte, 8)
	reply[0] = icmpEchoReply
	put16(reply[4:6], 7)

	handleICMP(0xC0A80105, reply)
	if !haveLastEchoReplyID || lastEchoReplyID != 7 {
		t.Fatalf("expected the first echo reply's id to be recorded")
	}

	// A second call is a no-op; nothing further to assert beyond it not
	// overwriting state incorrectly or panicking.
	handleICMP(0xC0A80105, reply)
	if lastEchoReplyID != 7 {
		t.Fatalf("expected the duplicate suppression id to remain 7")
	}
}

func TestDemuxRoutesARPToARPPackage(t *testing.T) {
	resetIPv4State(t)
	cfg = Config{LocalIP: 0xC0A80102}

	senderMAC := [6]byte{1, 2, 3, 4, 5, 6}
	frame := make([]byte, 14+28)
	put16(frame[12:14], ethertypeARP)
	copy(frame[14+8:14+14], senderMAC[:])
	put32(frame[14+14:14+18], 0xC0A80101)
	put32(frame[14+24:14+28], 0xC0A80102)
	put16(frame[14+6:14+8], 2) // opcode = reply

	Demux(frame)

	mac, ok := arp.Lookup(0xC0A80101)
	if !ok || mac != senderMAC {
		t.Fatalf("expected Demux to route an ARP frame to arp.HandlePacket")
	}
}
