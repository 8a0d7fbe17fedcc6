// Package arp resolves IPv4 addresses to Ethernet MAC addresses: a
// fixed-size cache with a TTL, a bounded queue of packets awaiting
// resolution, and the request/reply wire format itself.
package arp

import (
	"kernel32/internal/neterr"
	"kernel32/internal/stats"
	"kernel32/kernel/kfmt"
	"kernel32/kernel/timer"
	"kernel32/net/nic"
)

const (
	// cacheSize bounds the open-addressed cache table, matching the
	// original firmware's ARP_CACHE_SIZE.
	cacheSize = 32

	// cacheTimeoutTicks is the TTL an entry remains valid for, in PIT
	// ticks (the original firmware measured this in its own get_ticks()
	// unit, which this port treats as PIT ticks).
	cacheTimeoutTicks = 30000

	// maxPending bounds the queue of packets awaiting ARP resolution,
	// matching MAX_PENDING_PACKETS.
	maxPending = 5

	opRequest = 1
	opReply   = 2

	ethertypeARP = 0x0806
	ethertypeIP  = 0x0800

	// packetLen is the total Ethernet+ARP frame size the original
	// firmware pads every request/reply to (NIC pads to 64 on the wire).
	packetLen = 60
)

type cacheEntry struct {
	ip        uint32
	mac       [6]byte
	timestamp uint64
	valid     bool
}

var cache [cacheSize]cacheEntry

type pendingPacket struct {
	dstIP      uint32
	protocol   uint8
	payload    []byte
	timestamp  uint64
}

var pending []pendingPacket

// ResendFn resends a payload once its destination has resolved. ipv4.Init
// installs net_send_ipv4_packet's Go equivalent here; arp cannot import
// net/ipv4 directly since ipv4 imports arp to resolve next hops.
type ResendFn func(dstIP uint32, protocol uint8, payload []byte) *neterr.Error

var resendFn ResendFn

// SetResendFunc installs the callback RetryPendingPackets uses to
// retransmit a packet once ARP resolves its destination.
func SetResendFunc(fn ResendFn) {
	resendFn = fn
}

// Lookup returns the MAC address cached for ip, if any unexpired entry
// exists.
func Lookup(ip uint32) (mac [6]byte, ok bool) {
	now := timer.Ticks()
	for i := range cache {
		e := &cache[i]
		if e.valid && e.ip == ip && now-e.timestamp < cacheTimeoutTicks {
			stats.ARPCacheHitsTotal.Inc()
			return e.mac, true
		}
	}
	stats.ARPCacheMissesTotal.Inc()
	return [6]byte{}, false
}

// Update records ip -> mac in the cache, overwriting a stale entry for the
// same IP or the first free slot, mirroring arp_cache_update's linear
// first-match-or-first-empty scan.
func Update(ip uint32, mac [6]byte) {
	now := timer.Ticks()
	for i := range cache {
		e := &cache[i]
		if e.ip == ip || !e.valid {
			e.ip = ip
			e.mac = mac
			e.timestamp = now
			e.valid = true
			return
		}
	}
}

func buildPacket(dstMAC [6]byte, srcMAC [6]byte, opcode uint16, srcIP, targetIP uint32, targetMAC [6]byte) []byte {
	buf := make([]byte, packetLen)

	copy(buf[0:6], dstMAC[:])
	copy(buf[6:12], srcMAC[:])
	buf[12] = ethertypeARP >> 8
	buf[13] = ethertypeARP & 0xFF

	buf[14] = 0x00 // hardware type: Ethernet
	buf[15] = 0x01
	buf[16] = ethertypeIP >> 8 // protocol type: IPv4
	buf[17] = ethertypeIP & 0xFF
	buf[18] = 6 // hardware size
	buf[19] = 4 // protocol size
	buf[20] = byte(opcode >> 8)
	buf[21] = byte(opcode & 0xFF)
	copy(buf[22:28], srcMAC[:])
	buf[28] = byte(srcIP >> 24)
	buf[29] = byte(srcIP >> 16)
	buf[30] = byte(srcIP >> 8)
	buf[31] = byte(srcIP)
	copy(buf[32:38], targetMAC[:])
	buf[38] = byte(targetIP >> 24)
	buf[39] = byte(targetIP >> 16)
	buf[40] = byte(targetIP >> 8)
	buf[41] = byte(targetIP)

	return buf
}

var errNoNIC = neterr.New(neterr.DeviceNotPresent, "arp: no active NIC")

// SendRequest broadcasts an ARP request for targetIP, claiming srcIP as the
// sender, matching rtl8139_send_arp_request.
func SendRequest(srcIP, targetIP uint32) *neterr.Error {
	n := nic.Active()
	if n == nil {
		return errNoNIC
	}

	broadcast := [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	frame := buildPacket(broadcast, n.MAC(), opRequest, srcIP, targetIP, [6]byte{})
	return n.Send(frame)
}

// sendReply answers an ARP request directed at myIP/myMAC.
func sendReply(myIP uint32, myMAC [6]byte, requesterIP uint32, requesterMAC [6]byte) *neterr.Error {
	n := nic.Active()
	if n == nil {
		return errNoNIC
	}

	frame := buildPacket(requesterMAC, myMAC, opReply, myIP, requesterIP, requesterMAC)
	return n.Send(frame)
}

// HandlePacket processes an inbound ARP packet (request or reply) found
// inside an Ethernet frame whose ethertype already matched 0x0806. myIP and
// myMAC are the local IP and the active NIC's address, used to decide
// whether to answer a request.
func HandlePacket(frame []byte, myIP uint32, myMAC [6]byte) {
	if len(frame) < 14+28 {
		return
	}
	body := frame[14:]

	opcode := uint16(body[6])<<8 | uint16(body[7])
	var senderMAC [6]byte
	copy(senderMAC[:], body[8:14])
	senderIP := uint32(body[14])<<24 | uint32(body[15])<<16 | uint32(body[16])<<8 | uint32(body[17])
	targetIP := uint32(body[24])<<24 | uint32(body[25])<<16 | uint32(body[26])<<8 | uint32(body[27])

	Update(senderIP, senderMAC)

	switch opcode {
	case opReply:
		kfmt.Printf("[arp] reply %d.%d.%d.%d -> %02x:%02x:%02x:%02x:%02x:%02x\n",
			senderIP>>24, (senderIP>>16)&0xFF, (senderIP>>8)&0xFF, senderIP&0xFF,
			senderMAC[0], senderMAC[1], senderMAC[2], senderMAC[3], senderMAC[4], senderMAC[5])
		RetryPendingPackets()
	case opRequest:
		if targetIP == myIP {
			sendReply(myIP, myMAC, senderIP, senderMAC)
		}
	}
}

var errQueueFull = neterr.New(neterr.OutOfMemory, "arp: pending packet queue full")

// QueuePacket copies payload into a pending slot awaiting ARP resolution
// for dstIP, matching queue_packet.
func QueuePacket(dstIP uint32, protocol uint8, payload []byte) *neterr.Error {
	if len(pending) >= maxPending {
		kfmt.Printf("[arp] packet queue full\n")
		return errQueueFull
	}

	owned := make([]byte, len(payload))
	copy(owned, payload)

	pending = append(pending, pendingPacket{
		dstIP:     dstIP,
		protocol:  protocol,
		payload:   owned,
		timestamp: timer.Ticks(),
	})
	return nil
}

// RetryPendingPackets retransmits every queued packet whose destination now
// resolves and removes it from the queue, mirroring retry_pending_packets'
// swap-with-last-and-shrink eviction.
func RetryPendingPackets() {
	if resendFn == nil {
		return
	}

	for i := 0; i < len(pending); {
		pkt := pending[i]
		if _, ok := Lookup(pkt.dstIP); ok {
			resendFn(pkt.dstIP, pkt.protocol, pkt.payload)

			last := len(pending) - 1
			pending[i] = pending[last]
			pending = pending[:last]
			continue
		}
		i++
	}
}
