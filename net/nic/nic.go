// Package nic defines the packet send/receive abstraction every concrete
// network card driver implements, and the single-NIC registry the rest of
// the network stack (ARP, IPv4) resolves against.
package nic

import "kernel32/internal/neterr"

// MaxFrameLen bounds a raw Ethernet frame, matching the RTL8139's maximum
// receive length.
const MaxFrameLen = 1514

// RxHandler is invoked with a raw Ethernet frame (header included) whenever
// the active NIC receives one. It must not retain data past the call.
type RxHandler func(data []byte)

// NIC is implemented by every concrete network card driver. It is the L2
// "NIC driver abstraction" layer: callers above it never touch device
// registers directly.
type NIC interface {
	// MAC returns the card's burned-in Ethernet address.
	MAC() [6]byte

	// Send transmits a raw Ethernet frame. frame must already contain the
	// destination MAC, source MAC and EtherType.
	Send(frame []byte) *neterr.Error
}

var (
	active  NIC
	rxFn    RxHandler
)

// Register installs n as the NIC the network stack sends through. Only one
// NIC is supported, matching spec scope (a single RTL8139 card).
func Register(n NIC) {
	active = n
}

// Active returns the currently registered NIC, or nil if none has probed
// successfully yet.
func Active() NIC {
	return active
}

// SetRxHandler installs the function invoked for every received frame
// (normally net/ipv4's Demux).
func SetRxHandler(fn RxHandler) {
	rxFn = fn
}

// Deliver is called by a driver's IRQ handler for every frame it pulls off
// the RX ring. It is a no-op if no receive handler has been installed yet.
func Deliver(frame []byte) {
	if rxFn != nil {
		rxFn(frame)
	}
}
