// Package kmain is the kernel's entry point: it brings up memory
// management, the Go runtime, interrupt handling and every device driver
// in the order spec.md's boot contract requires, then idles forever
// servicing interrupts.
package kmain

import (
	"kernel32/fs/blockdev"
	"kernel32/fs/fat32"
	"kernel32/kernel"
	"kernel32/kernel/cpu"
	"kernel32/kernel/goruntime"
	"kernel32/kernel/hal"
	"kernel32/kernel/hal/multiboot"
	"kernel32/kernel/irq"
	"kernel32/kernel/kfmt"
	"kernel32/kernel/mem"
	"kernel32/kernel/mem/pmm/allocator"
	"kernel32/kernel/mem/vmm"
	"kernel32/kernel/timer"
	"kernel32/net/arp"
	"kernel32/net/httpd"
	"kernel32/net/ipv4"
	"kernel32/net/nic"
	"kernel32/net/tcp"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// defaultConfig is the compiled-in addressing this kernel boots with. There
// is no DHCP client and no config file; these three values (and the PIT
// frequency below) are the entire "configuration" this kernel has, matching
// SPEC_FULL's ambient-stack note that compiled-in defaults stand in for a
// config parser; the multiboot command line is not parsed. The addresses are the
// conventional QEMU user-mode networking defaults, since neither spec.md
// nor original_source names a specific address.
var defaultConfig = ipv4.Config{
	LocalIP: 0x0A00020F, // 10.0.2.15
	Netmask: 0xFFFFFF00, // 255.255.255.0
	Gateway: 0x0A000202, // 10.0.2.2
}

// pitFrequencyHz is the PIT tick rate the TCP retransmission timer is
// scaled against.
const pitFrequencyHz = 100

// Kmain is the only Go symbol visible from the rt0 initialization code. It
// is invoked after the GDT and a minimal g0 have been set up, with the
// multiboot info pointer and the kernel's own physical load range so the
// PMM can reserve those frames.
//
// Kmain is not expected to return. If it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	var err *kernel.Error
	if err = allocator.Init(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}
	if err = vmm.Init(mem.KernelVMAStart); err != nil {
		kfmt.Panic(err)
	}
	if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	irq.Init()
	timer.SetFrequency(pitFrequencyHz)

	hal.DetectHardware()

	ipv4.Init(defaultConfig)
	nic.SetRxHandler(ipv4.Demux)

	arp.SendRequest(defaultConfig.LocalIP, defaultConfig.Gateway)

	tcp.Init()
	tcp.Listen(tcp.HTTPPort)
	tcp.SetHTTPHandler(httpd.HandleRequest)

	mountStorage()

	kfmt.Printf("[kmain] boot complete, %d driver(s) active\n", len(hal.ActiveDrivers()))

	cpu.EnableInterrupts()
	for {
		cpu.Halt()
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating it as dead code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// mountStorage probes for the ATA/IDE disk and mounts its FAT32 volume,
// wiring it into the HTTP responder. A disk or filesystem failure is
// logged rather than fatal: the network stack and ICMP responder are still
// useful with no volume mounted, serving a 404 for every request.
func mountStorage() {
	found := false
	for _, d := range hal.ActiveDrivers() {
		if _, ok := d.(*blockdev.ATA); ok {
			found = true
			break
		}
	}
	if !found {
		kfmt.Printf("[kmain] no ATA disk detected, filesystem unavailable\n")
		return
	}

	volume, err := fat32.Mount()
	if err != nil {
		kfmt.Printf("[kmain] fat32 mount failed: %s\n", err.Error())
		return
	}

	httpd.Mount(volume)
}
