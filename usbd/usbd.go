// Package usbd defines the contract between the device stack and its class
// drivers: the driver callbacks the stack invokes during enumeration and
// transfer completion, and the endpoint/control primitives the stack exposes
// back to drivers.
package usbd

import (
	"errors"

	"github.com/padforge/xusbd/usb"
)

// Stage identifies the phase of a control transfer a driver callback is
// invoked for.
type Stage uint8

const (
	StageSetup Stage = iota
	StageData
	StageAck
)

func (s Stage) String() string {
	switch s {
	case StageSetup:
		return "setup"
	case StageData:
		return "data"
	case StageAck:
		return "ack"
	default:
		return "unknown"
	}
}

// XferResult is the outcome of a completed endpoint transfer.
type XferResult uint8

const (
	XferSuccess XferResult = iota
	XferFailed
	XferStalled
	XferTimeout
)

func (r XferResult) String() string {
	switch r {
	case XferSuccess:
		return "success"
	case XferFailed:
		return "failed"
	case XferStalled:
		return "stalled"
	case XferTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ErrNoFreeInstance is returned by a driver's Open when the interface
// matches but all instance slots are bound.
var ErrNoFreeInstance = errors.New("usbd: no free interface instance")

// Port is the endpoint and control surface the stack hands to class drivers.
// All operations are non-blocking; the only asynchrony is the gap between
// EndpointTransfer and the later Xfer callback.
type Port interface {
	// Ready reports whether the device is configured and mounted.
	Ready() bool

	// EndpointOpen registers an endpoint from its descriptor.
	EndpointOpen(desc usb.EndpointDescriptor) error

	// EndpointClaim reserves an endpoint for exactly one upcoming transfer.
	// It fails fast if the endpoint is already claimed or has a transfer
	// outstanding; this is the at-most-one-outstanding guarantee.
	EndpointClaim(addr uint8) bool

	// EndpointBusy reports whether a transfer is outstanding on an endpoint.
	EndpointBusy(addr uint8) bool

	// EndpointTransfer enqueues a transfer on a claimed endpoint. For IN
	// endpoints buf holds the bytes to send; for OUT endpoints buf receives
	// up to len(buf) bytes. The claim is consumed.
	EndpointTransfer(addr uint8, buf []byte) bool

	// ControlTransfer answers the current control request with data (IN) or
	// supplies the receive buffer for the data stage (OUT). Valid only from
	// a StageSetup callback.
	ControlTransfer(req usb.SetupPacket, buf []byte) bool

	// ControlStatus answers the current control request with a zero-length
	// status stage. Valid only from a StageSetup callback.
	ControlStatus(req usb.SetupPacket) bool
}

// ClassDriver is implemented by each device class driver the stack can bind
// interfaces to. The stack serializes all callbacks; drivers never run
// concurrently with themselves.
type ClassDriver interface {
	// Name identifies the driver in logs.
	Name() string

	// Init attaches the driver to a port. Called once before enumeration.
	Init(p Port)

	// Reset drops all bound interface instances (bus reset or detach).
	Reset(rhport uint8)

	// Open offers the driver an interface block from the configuration
	// descriptor. desc starts at the interface descriptor and extends to
	// the caller's max_len. A driver that does not recognize the interface
	// returns (0, nil); one that does returns the number of descriptor
	// bytes it consumed. A non-nil error means the descriptors are
	// malformed for a claimed interface and enumeration must fail.
	Open(rhport uint8, desc []byte) (int, error)

	// ControlXfer handles a class or vendor control request routed to this
	// driver, one invocation per stage. Returning false leaves the request
	// unhandled and stalls the control endpoint.
	ControlXfer(rhport uint8, stage Stage, req usb.SetupPacket) bool

	// Xfer is invoked when a transfer on one of the driver's endpoints
	// completes. Returning false indicates a driver invariant violation.
	Xfer(rhport uint8, epAddr uint8, result XferResult, xferredBytes uint32) bool
}

// OpenEndpointPair parses count endpoint descriptors from desc, checks
// they are of the wanted transfer type, opens them on the port, and returns
// the OUT and IN addresses (zero when a direction is absent). This mirrors
// the usual class-driver binding step for an interrupt endpoint pair.
func OpenEndpointPair(p Port, desc []byte, count int, xferType uint8) (epOut, epIn uint8, err error) {
	for i := 0; i < count; i++ {
		ed, perr := usb.ParseEndpointDescriptor(desc)
		if perr != nil {
			return 0, 0, perr
		}
		if ed.TransferType() != xferType {
			return 0, 0, errors.New("usbd: endpoint transfer type mismatch")
		}
		if err := p.EndpointOpen(ed); err != nil {
			return 0, 0, err
		}
		if usb.EndpointIn(ed.BEndpointAddress) {
			epIn = ed.BEndpointAddress
		} else {
			epOut = ed.BEndpointAddress
		}
		desc = usb.NextDesc(desc)
	}
	return epOut, epIn, nil
}
