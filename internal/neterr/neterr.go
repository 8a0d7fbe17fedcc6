// Package neterr provides the error taxonomy used by every package built
// on top of the heap allocator (net/arp, net/ipv4, net/tcp, fs/fat32).
// kernel.Error stays the currency for pre-heap code (PMM, paging, IRQ,
// multiboot) since it must not allocate; once goruntime.Init has brought up
// the allocator these packages are free to carry wrapped causes the way
// pkg/errors is used throughout the retrieved pack.
package neterr

import "github.com/pkg/errors"

// Kind classifies a neterr.Error without requiring callers to string-match
// its message.
type Kind int

const (
	// OutOfMemory indicates a heap or buffer-pool exhaustion.
	OutOfMemory Kind = iota

	// InvalidArgument indicates a malformed request, e.g. a zero-length
	// read or an address outside the valid range for the operation.
	InvalidArgument

	// DeviceNotPresent indicates no driver claimed the required hardware.
	DeviceNotPresent

	// DeviceError indicates the hardware reported a failure (transmit
	// underrun, a disk status register reporting an error).
	DeviceError

	// NotFound indicates a lookup failure (ARP cache miss, missing FAT32
	// directory entry, unknown TCP connection).
	NotFound

	// ChecksumMismatch indicates a corrupt packet, segment, or sector.
	ChecksumMismatch

	// Timeout indicates a bounded wait/retry budget was exhausted.
	Timeout

	// ProtocolError indicates a peer violated the wire protocol (bad
	// TCP flag combination, malformed FAT32 BPB signature).
	ProtocolError
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case OutOfMemory:
		return "out of memory"
	case InvalidArgument:
		return "invalid argument"
	case DeviceNotPresent:
		return "device not present"
	case DeviceError:
		return "device error"
	case NotFound:
		return "not found"
	case ChecksumMismatch:
		return "checksum mismatch"
	case Timeout:
		return "timeout"
	case ProtocolError:
		return "protocol error"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with a causal chain via pkg/errors. Error itself has
// no Format method; the stack trace recorded where the cause was wrapped is
// carried by the pkg/errors cause, reachable through Cause/Unwrap.
type Error struct {
	Kind  Kind
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.cause.Error()
}

// Cause implements the pkg/errors Causer interface so errors.Cause(e)
// unwraps to the original error, if any.
func (e *Error) Cause() error {
	return e.cause
}

// Unwrap supports errors.Is/errors.As from the standard library.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an Error of the given Kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, cause: errors.New(message)}
}

// Wrap creates an Error of the given Kind, wrapping cause with message.
// Returns nil if cause is nil, mirroring errors.Wrap.
func Wrap(cause error, kind Kind, message string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrap(cause, message)}
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	ne, ok := err.(*Error)
	return ok && ne.Kind == kind
}
