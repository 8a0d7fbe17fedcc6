// Package tcp implements the kernel's transport layer: a minimal TCP state
// machine (passive and active open, established-state data transfer,
// retransmission with a bounded retry budget, fast retransmit on 3
// duplicate ACKs) and the hook that hands HTTP GET requests to the
// responder installed via SetHTTPHandler.
package tcp

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"kernel32/internal/neterr"
	"kernel32/internal/stats"
	"kernel32/kernel/kfmt"
	"kernel32/kernel/timer"
	"kernel32/net/ipv4"
)

// TCP flag bits, matching the original firmware's TCP_* constants.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
)

// State is a TCP connection's position in the handshake/teardown state
// machine, matching tcp_state_t.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateWaitForAck
	StateCloseWait
	StateLastAck
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateWaitForAck:
		return "WAIT_FOR_ACK"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	default:
		return "UNKNOWN"
	}
}

// HTTPPort is the port the kernel's HTTP responder listens on, matching
// the original firmware's HTTP_PORT define.
const HTTPPort uint16 = 8080

const (
	defaultWindowSize = 5840
	defaultMSS        = 1460
	protoTCP          = 6

	synRetransmitTicks  = 300 // ~3s at the PIT's default 100Hz
	dataRetransmitTicks = 300
	maxRetries          = 5

	headerLen = 20

	firstEphemeralPort = 50000
	lastEphemeralPort  = 65535
)

// retransmitEntry mirrors retransmit_entry_t: a copy of a sent segment that
// is released once its sequence range is acknowledged.
type retransmitEntry struct {
	seq     uint32
	flags   uint8
	data    []byte
	retries int
}

// Conn is a TCP control block (TCB), identified by its 4-tuple.
type Conn struct {
	LocalIP    uint32
	RemoteIP   uint32
	LocalPort  uint16
	RemotePort uint16

	MSS uint16

	NextSeq     uint32
	ExpectedAck uint32
	LastAck     uint32
	DupAckCount int

	State State

	RetransmitQueue []*retransmitEntry
	RecvBuffer      []byte
}

var (
	connections []*Conn
	listenPorts = map[uint16]bool{}
)

type connTimer struct {
	conn        *Conn
	startTick   uint64
	timeoutTick uint64
	retries     int
	backoff     backoff.BackOff
}

var activeTimers []*connTimer

// Init wires this package as ipv4's TCP handler and starts the periodic
// timer/timeout scan on the PIT, matching check_tcp_timers being driven
// from the original firmware's main loop.
func Init() {
	ipv4.SetTCPHandler(HandlePacket)
	timer.RegisterPeriodic(10, CheckTimers)
}

// Listen registers port as accepting new inbound connections, matching
// tcp_listen.
func Listen(port uint16) {
	listenPorts[port] = true
}

func isListening(port uint16) bool {
	return listenPorts[port]
}

func findConnection(remoteIP uint32, remotePort uint16, localIP uint32, localPort uint16) *Conn {
	for _, c := range connections {
		if c.RemoteIP == remoteIP && c.RemotePort == remotePort &&
			c.LocalIP == localIP && c.LocalPort == localPort {
			return c
		}
	}
	return nil
}

func addConnection(c *Conn) {
	connections = append(connections, c)
	stats.TCPConnectionsActive.Inc()
}

func removeConnection(c *Conn) {
	cancelTimer(c)
	for i, existing := range connections {
		if existing == c {
			connections = append(connections[:i], connections[i+1:]...)
			stats.TCPConnectionsActive.Dec()
			return
		}
	}
}

func cancelTimer(c *Conn) {
	for i, t := range activeTimers {
		if t.conn == c {
			activeTimers = append(activeTimers[:i], activeTimers[i+1:]...)
			return
		}
	}
}

// startRetransmissionTimer arms a growing-interval timer for conn, using
// backoff/v5's exponential backoff for the interval growth on each retry
// (the original firmware always waited a fixed TCP_SYN_RETRANSMIT_TIMEOUT
// between attempts; this port lets the wait grow so a congested link
// doesn't retransmit into itself as aggressively). The interval grows only
// for SYN/FIN retransmissions; CheckTimers resends WAIT_FOR_ACK data at the
// fixed base interval.
func startRetransmissionTimer(c *Conn, baseTicks uint64) {
	cancelTimer(c)

	hz := timer.Frequency()
	if hz == 0 {
		hz = 100
	}
	base := time.Duration(baseTicks) * time.Second / time.Duration(hz)

	eb := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithMaxInterval(4*base),
		backoff.WithMultiplier(1.5),
		backoff.WithRandomizationFactor(0),
	)

	activeTimers = append(activeTimers, &connTimer{
		conn:        c,
		startTick:   timer.Ticks(),
		timeoutTick: baseTicks,
		backoff:     eb,
	})
}

var secretSeqCounter uint32

// generateInitialSeq mirrors generate_secure_initial_seq: the high 16 bits
// come from the tick counter, the low 16 from a rolling counter.
func generateInitialSeq() uint32 {
	tick := uint32(timer.Ticks())
	seq := (tick << 16) | (secretSeqCounter & 0xFFFF)
	secretSeqCounter++
	return seq
}

func put16(b []byte, v uint16) { b[0] = byte(v >> 8); b[1] = byte(v) }
func put32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
func get16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func get32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// segmentChecksum computes the TCP checksum over the pseudo-header
// (src_ip, dst_ip, 0, protocol, tcp_len) followed by the segment,
// mirroring tcp_checksum.
func segmentChecksum(localIP, remoteIP uint32, segment []byte) uint16 {
	buf := make([]byte, 12+len(segment))
	put32(buf[0:4], localIP)
	put32(buf[4:8], remoteIP)
	buf[8] = 0
	buf[9] = protoTCP
	put16(buf[10:12], uint16(len(segment)))
	copy(buf[12:], segment)
	return ipv4.Checksum(buf)
}

// SendSegment assembles and transmits a TCP segment for conn, advancing
// next_seq, attaching the MSS option on SYN, and appending to the
// retransmission queue when the segment carries SYN/FIN/data, mirroring
// tcp_send_segment.
func SendSegment(c *Conn, flags uint8, data []byte) *neterr.Error {
	var options []byte
	if flags&FlagSYN != 0 {
		options = []byte{2, 4, byte(defaultMSS >> 8), byte(defaultMSS & 0xFF)}
	}

	originalSeq := c.NextSeq
	hdrLen := headerLen + len(options)
	segment := make([]byte, hdrLen+len(data))

	put16(segment[0:2], c.LocalPort)
	put16(segment[2:4], c.RemotePort)
	put32(segment[4:8], originalSeq)
	put32(segment[8:12], c.ExpectedAck)
	segment[12] = byte((hdrLen / 4) << 4)
	segment[13] = flags
	put16(segment[16:18], defaultWindowSize)
	put16(segment[18:20], 0)

	if len(options) > 0 {
		copy(segment[headerLen:hdrLen], options)
	}
	if len(data) > 0 {
		copy(segment[hdrLen:], data)
		c.NextSeq += uint32(len(data))
	}
	if flags&(FlagSYN|FlagFIN) != 0 {
		c.NextSeq++
	}

	checksum := segmentChecksum(c.LocalIP, c.RemoteIP, segment)
	put16(segment[18:20], checksum)

	if err := ipv4.Send(c.RemoteIP, protoTCP, segment); err != nil {
		return err
	}

	if flags&(FlagSYN|FlagFIN) != 0 || len(data) > 0 {
		c.RetransmitQueue = append(c.RetransmitQueue, &retransmitEntry{
			seq:   originalSeq,
			flags: flags,
			data:  append([]byte{}, data...),
		})
	}
	return nil
}

func sendReset(localIP, remoteIP uint32, localPort, remotePort uint16, ack uint32) {
	temp := &Conn{LocalIP: localIP, RemoteIP: remoteIP, LocalPort: localPort, RemotePort: remotePort, NextSeq: ack}
	SendSegment(temp, FlagRST, nil)
}

// isHTTPGetRequest reports whether payload opens with "GET ", matching
// is_http_get_request.
func isHTTPGetRequest(payload []byte) bool {
	return len(payload) >= 4 && payload[0] == 'G' && payload[1] == 'E' && payload[2] == 'T' && payload[3] == ' '
}

// httpRequestHandler builds an HTTP response for a GET request's raw
// bytes. net/httpd.HandleRequest is wired in via SetHTTPHandler at boot to
// avoid an import cycle (httpd reads files through fs/fat32, which has no
// reason to import tcp).
type httpRequestHandler func(request []byte) []byte

var httpHandler httpRequestHandler

// SetHTTPHandler installs the HTTP responder invoked for GET requests
// received on an established connection.
func SetHTTPHandler(fn httpRequestHandler) {
	httpHandler = fn
}

func handleHTTPRequest(c *Conn, request []byte) {
	if httpHandler == nil {
		c.State = StateCloseWait
		return
	}

	response := httpHandler(request)
	SendSegment(c, FlagPSH|FlagACK, response)

	c.State = StateWaitForAck
	startRetransmissionTimer(c, dataRetransmitTicks)
}

func handleEstablishedState(c *Conn, flags uint8, seq, ack uint32, payload []byte) {
	if c.State == StateSynSent || c.State == StateCloseWait {
		c.State = StateEstablished
		c.NextSeq = seq + 1
		c.ExpectedAck = ack + 1
		c.DupAckCount = 0
	}

	if ack == c.LastAck {
		c.DupAckCount++
		if c.DupAckCount == 3 && len(c.RetransmitQueue) > 0 {
			entry := c.RetransmitQueue[0]
			SendSegment(c, FlagACK, entry.data)
			stats.TCPRetransmitsTotal.Inc()
		}
	} else {
		c.LastAck = ack
		c.DupAckCount = 0
	}

	if ack > c.NextSeq {
		c.NextSeq = ack
	}

	kept := c.RetransmitQueue[:0]
	for _, entry := range c.RetransmitQueue {
		if ack >= entry.seq+uint32(len(entry.data)) {
			continue
		}
		kept = append(kept, entry)
	}
	c.RetransmitQueue = kept

	if seq != c.ExpectedAck {
		// Out-of-order or duplicate segment: ack what we already have and
		// leave the receive buffer and ExpectedAck untouched.
		SendSegment(c, FlagACK, nil)
		return
	}

	if len(payload) > 0 {
		c.ExpectedAck = seq + uint32(len(payload))
		if isHTTPGetRequest(payload) {
			handleHTTPRequest(c, payload)
		} else {
			c.RecvBuffer = append(c.RecvBuffer, payload...)
			SendSegment(c, FlagACK, nil)
		}
	}

	if flags&FlagFIN != 0 {
		c.ExpectedAck++
		c.State = StateCloseWait
		SendSegment(c, FlagACK, nil)
		SendSegment(c, FlagFIN|FlagACK, nil)
		c.State = StateLastAck
	}
}

func handleWaitForAckState(c *Conn, ack uint32) {
	if len(c.RetransmitQueue) == 0 {
		return
	}
	entry := c.RetransmitQueue[0]

	expected := entry.seq + uint32(len(entry.data))
	if entry.flags&(FlagSYN|FlagFIN) != 0 {
		expected++
	}

	switch {
	case ack >= expected:
		c.RetransmitQueue = c.RetransmitQueue[1:]
		if len(c.RetransmitQueue) == 0 {
			removeConnection(c)
		}
	case ack > c.LastAck:
		c.LastAck = ack
		entry.retries = 0
	default:
		c.DupAckCount++
		if c.DupAckCount >= 3 {
			SendSegment(c, entry.flags, entry.data)
			stats.TCPRetransmitsTotal.Inc()
			c.DupAckCount = 0
		}
	}
}

func handleLastAckState(c *Conn, flags uint8, ack uint32) {
	if flags&FlagACK != 0 && ack == c.NextSeq {
		removeConnection(c)
	}
}

var errNoListener = neterr.New(neterr.DeviceNotPresent, "tcp: no listener on port")

// HandlePacket is the IPv4 TCP protocol handler: it validates the segment,
// verifies the checksum, finds or creates a connection, and dispatches by
// state, matching tcp_handle_packet.
func HandlePacket(srcIP uint32, segment []byte) {
	if len(segment) < headerLen {
		return
	}

	dataOffset := segment[12] >> 4
	if dataOffset < 5 {
		kfmt.Printf("[tcp] invalid data offset %d\n", dataOffset)
		return
	}

	srcPort := get16(segment[0:2])
	dstPort := get16(segment[2:4])
	seq := get32(segment[4:8])
	ack := get32(segment[8:12])
	flags := segment[13]
	localIP := ipv4.LocalIP()

	// The checksum is verified but, matching the original firmware, a
	// mismatch is logged rather than dropped: NAT/ARP re-checksumming
	// quirks in the reference environment made strict rejection too
	// brittle to rely on.
	received := get16(segment[16:18])
	zeroed := append([]byte{}, segment...)
	put16(zeroed[16:18], 0)
	if calculated := segmentChecksum(srcIP, localIP, zeroed); calculated != received {
		kfmt.Printf("[tcp] checksum mismatch (got 0x%04x, expected 0x%04x)\n", received, calculated)
	}

	conn := findConnection(srcIP, srcPort, localIP, dstPort)

	if flags&FlagRST != 0 {
		if conn != nil {
			kfmt.Printf("[tcp] RST received, closing connection\n")
			removeConnection(conn)
		}
		return
	}

	if flags&FlagSYN != 0 && conn == nil {
		if !isListening(dstPort) {
			sendReset(localIP, srcIP, dstPort, srcPort, seq+1)
			return
		}

		conn = &Conn{
			LocalIP:     localIP,
			RemoteIP:    srcIP,
			LocalPort:   dstPort,
			RemotePort:  srcPort,
			NextSeq:     generateInitialSeq(),
			ExpectedAck: seq + 1,
			State:       StateSynReceived,
			MSS:         defaultMSS,
		}
		addConnection(conn)
		SendSegment(conn, FlagSYN|FlagACK, nil)
		startRetransmissionTimer(conn, synRetransmitTicks)
		return
	}

	if conn == nil {
		sendReset(localIP, srcIP, dstPort, srcPort, ack)
		return
	}

	payload := segment[int(dataOffset)*4:]

	switch conn.State {
	case StateSynSent:
		if flags&(FlagSYN|FlagACK) == (FlagSYN | FlagACK) {
			if ack == conn.NextSeq {
				conn.ExpectedAck = seq + 1
				conn.State = StateEstablished
				SendSegment(conn, FlagACK, nil)
				cancelTimer(conn)
			}
		}
	case StateSynReceived:
		if flags&FlagACK != 0 && ack == conn.NextSeq {
			conn.State = StateEstablished
			cancelTimer(conn)
		}
	case StateEstablished:
		handleEstablishedState(conn, flags, seq, ack, payload)
	case StateWaitForAck:
		handleWaitForAckState(conn, ack)
	case StateLastAck:
		handleLastAckState(conn, flags, ack)
	}
}

// Connect performs an active open: it allocates an ephemeral local port,
// builds a TCB in SYN_SENT, and sends the initial SYN, matching
// tcp_connect.
func Connect(remoteIP uint32, remotePort uint16) (*Conn, *neterr.Error) {
	localPort := uint16(firstEphemeralPort + generateInitialSeq()%uint32(lastEphemeralPort-firstEphemeralPort+1))

	conn := &Conn{
		LocalIP:    ipv4.LocalIP(),
		LocalPort:  localPort,
		RemoteIP:   remoteIP,
		RemotePort: remotePort,
		State:      StateSynSent,
		NextSeq:    generateInitialSeq(),
		MSS:        defaultMSS,
	}

	if err := SendSegment(conn, FlagSYN, nil); err != nil {
		return nil, err
	}
	addConnection(conn)
	startRetransmissionTimer(conn, synRetransmitTicks)
	return conn, nil
}

// CheckTimers scans every active timer and retransmits or gives up once
// MAX_SYN_RETRIES is exceeded, matching check_tcp_timers.
func CheckTimers() {
	now := timer.Ticks()

	for i := 0; i < len(activeTimers); {
		t := activeTimers[i]
		if now-t.startTick < t.timeoutTick {
			i++
			continue
		}

		if t.conn.State == StateWaitForAck {
			if len(t.conn.RetransmitQueue) > 0 && t.conn.RetransmitQueue[0].retries < maxRetries {
				entry := t.conn.RetransmitQueue[0]
				SendSegment(t.conn, FlagACK, entry.data)
				entry.retries++
				stats.TCPRetransmitsTotal.Inc()
				t.startTick = now
				i++
				continue
			}
			kfmt.Printf("[tcp] max retries reached, closing connection\n")
			// removeConnection also drops t from activeTimers.
			removeConnection(t.conn)
			continue
		}

		if t.retries < maxRetries {
			flags := FlagFIN
			if t.conn.State == StateSynSent {
				flags = FlagSYN
			}
			SendSegment(t.conn, flags, nil)
			t.retries++
			stats.TCPRetransmitsTotal.Inc()
			t.startTick = now
			if d, err := t.backoff.NextBackOff(); err == nil {
				hz := timer.Frequency()
				if hz == 0 {
					hz = 100
				}
				t.timeoutTick = uint64(d) * uint64(hz) / uint64(time.Second)
			}
			i++
			continue
		}

		kfmt.Printf("[tcp] max control retries reached, closing\n")
		removeConnection(t.conn)
	}
}
