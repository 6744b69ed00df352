// Package x360 implements the device-side class driver for the wired
// Xbox 360 controller protocol (XInput). The controller is not a HID device:
// it uses the unofficial vendor class triple ff/5d/01 with a pair of
// interrupt endpoints, 20-byte input reports, and vendor control requests
// for capability and serial queries.
package x360

import (
	"fmt"

	"github.com/padforge/xusbd/usb"
	"github.com/padforge/xusbd/usbd"
)

// Callbacks are the optional application hooks of the driver. A nil entry
// means the feature is not used by the application.
type Callbacks struct {
	// ReportIssue is invoked when a transfer completed with an error. When
	// set, the application is responsible for re-arming the OUT endpoint.
	ReportIssue func(itfNum uint8, epAddr uint8, result usbd.XferResult, xferredBytes uint32)

	// ReportComplete is invoked when an input report was fully sent.
	ReportComplete func(itfNum uint8, report []byte, length uint32)

	// ReceivedLED is invoked when the host changed the LED animation. Two
	// consecutive identical LED messages fire this exactly once.
	ReceivedLED func(itfNum uint8, led LEDAnimation)

	// ReceivedRumble is invoked when a rumble message arrived.
	ReceivedRumble func(itfNum uint8, motorLeft, motorRight uint8)
}

// Config carries the compile-time-style device properties the driver
// answers vendor queries from.
type Config struct {
	// MaxInterfaces caps how many ff/5d/01 interfaces can bind; zero means
	// one.
	MaxInterfaces int

	// RumbleCapabilities is the two-byte rumble capability mask returned
	// for the rumble-capability query. Nil stalls the query.
	RumbleCapabilities *[2]byte

	// InputCapabilities is the 18-byte input capability bitmap returned
	// for the input-capability query. Nil stalls the query.
	InputCapabilities *[ControlsLen]byte

	// SerialNumber is the raw serial bytes (no NUL terminator) returned
	// for the serial query. Nil or empty stalls the query.
	SerialNumber []byte
}

// instance is one bound ff/5d/01 interface. An instance is free iff both
// endpoint addresses are zero.
type instance struct {
	rhport uint8
	itfNum uint8
	epIn   uint8
	epOut  uint8

	// Dedicated transfer buffers per direction, large enough for the
	// biggest message of that direction.
	inBuf  [TransferInBufSize]byte
	outBuf [TransferOutBufSize]byte

	led LEDAnimation
}

func (in *instance) free() bool { return in.epIn == 0 && in.epOut == 0 }

// Driver is the X360 class driver. All state mutation happens from the
// stack's serialized callback context.
type Driver struct {
	port      usbd.Port
	cfg       Config
	cb        Callbacks
	instances []instance
}

// New builds an X360 class driver with the given device properties and
// application hooks.
func New(cfg Config, cb Callbacks) *Driver {
	n := cfg.MaxInterfaces
	if n <= 0 {
		n = 1
	}
	return &Driver{
		cfg:       cfg,
		cb:        cb,
		instances: make([]instance, n),
	}
}

func (d *Driver) Name() string { return "x360" }

// Init attaches the driver to its port and clears all instances.
func (d *Driver) Init(p usbd.Port) {
	d.port = p
	d.Reset(0)
}

// Reset frees every instance. Invoked on bus reset or detach.
func (d *Driver) Reset(rhport uint8) {
	for i := range d.instances {
		d.instances[i] = instance{}
	}
}

// Open binds the driver to an interface block if it carries the X360 class
// triple. The expected contiguous block is the interface descriptor, one
// class-specific 0x21 descriptor, then bNumEndpoints endpoint descriptors.
func (d *Driver) Open(rhport uint8, desc []byte) (int, error) {
	itf, err := usb.ParseInterfaceDescriptor(desc)
	if err != nil {
		return 0, err
	}
	if itf.BInterfaceClass != ClassControl ||
		itf.BInterfaceSubClass != SubclassControl ||
		itf.BInterfaceProtocol != ProtocolControl {
		return 0, nil
	}

	drvLen := usb.InterfaceDescLen + ClassSpecificLen + int(itf.BNumEndpoints)*usb.EndpointDescLen
	if len(desc) < drvLen {
		return 0, fmt.Errorf("x360: interface %d descriptor block truncated: %d bytes, need %d", itf.BInterfaceNumber, len(desc), drvLen)
	}

	in := d.freeInstance()
	if in == nil {
		return 0, usbd.ErrNoFreeInstance
	}

	// The class-specific descriptor follows the interface descriptor. Its
	// payload (endpoint report metadata) is opaque to the driver.
	p := usb.NextDesc(desc)
	if usb.DescTypeOf(p) != ClassSpecificType {
		return 0, fmt.Errorf("x360: interface %d: descriptor type 0x%02x where class-specific 0x%02x expected", itf.BInterfaceNumber, usb.DescTypeOf(p), ClassSpecificType)
	}

	p = usb.NextDesc(p)
	epOut, epIn, err := usbd.OpenEndpointPair(d.port, p, int(itf.BNumEndpoints), usb.XferInterrupt)
	if err != nil {
		return 0, fmt.Errorf("x360: interface %d: %w", itf.BInterfaceNumber, err)
	}
	in.epIn = epIn
	in.epOut = epOut
	in.itfNum = itf.BInterfaceNumber
	in.rhport = rhport

	// Arm the OUT endpoint right away so rumble/LED messages can land.
	if in.epOut != 0 {
		if !d.port.EndpointTransfer(in.epOut, in.outBuf[:]) {
			return 0, fmt.Errorf("x360: interface %d: arming OUT endpoint 0x%02x failed", itf.BInterfaceNumber, in.epOut)
		}
	}

	return drvLen, nil
}

// Ready reports whether the interface is bound and its IN endpoint is idle.
func (d *Driver) Ready(itfNum uint8) bool {
	in := d.instanceByItf(itfNum)
	if in == nil {
		return false
	}
	return d.port.Ready() && in.epIn != 0 && !d.port.EndpointBusy(in.epIn)
}

// Report sends the controls to the host as a 20-byte input report. It
// returns false if the interface is unbound or an earlier report is still
// outstanding on the IN endpoint.
func (d *Driver) Report(itfNum uint8, controls *Controls) bool {
	in := d.instanceByItf(itfNum)
	if in == nil {
		return false
	}

	// Claim first; this fails cleanly while a transfer is outstanding.
	if !d.port.EndpointClaim(in.epIn) {
		return false
	}

	putMessageHeader(in.inBuf[:], MessageTypeInInput, MessageControlsLen)
	controls.Encode(in.inBuf[2:MessageControlsLen])

	return d.port.EndpointTransfer(in.epIn, in.inBuf[:MessageControlsLen])
}

// ControlXfer handles the vendor control requests of the X360 protocol.
// Only bRequest 0x01 of vendor type is recognized; the recipient subfield
// picks between the per-interface capability queries and the device-level
// serial query, which share wValue 0x0000.
func (d *Driver) ControlXfer(rhport uint8, stage usbd.Stage, req usb.SetupPacket) bool {
	if req.Type() != usb.ReqTypeVendor {
		return false
	}
	if req.BRequest != vendorRequest {
		return false
	}

	in := d.instanceByItf(uint8(req.WIndex))
	if in == nil {
		return false
	}
	if in.rhport != rhport {
		return false
	}

	switch req.Recipient() {
	case usb.ReqRecipientInterface:
		return d.interfaceRequest(in, stage, req)
	case usb.ReqRecipientDevice:
		return d.deviceRequest(in, stage, req)
	default:
		return false
	}
}

// interfaceRequest answers the per-gamepad capability queries. Replies are
// synthesized at the SETUP stage only; DATA and ACK are the stack's.
func (d *Driver) interfaceRequest(in *instance, stage usbd.Stage, req usb.SetupPacket) bool {
	switch req.WValue {
	case handleRumble:
		if d.cfg.RumbleCapabilities == nil {
			return false
		}
		if stage != usbd.StageSetup {
			return true
		}
		putMessageHeader(in.inBuf[:], MessageTypeOutRumble, MessageRumbleLen)
		in.inBuf[2] = 0
		in.inBuf[3] = d.cfg.RumbleCapabilities[0]
		in.inBuf[4] = d.cfg.RumbleCapabilities[1]
		in.inBuf[5], in.inBuf[6], in.inBuf[7] = 0, 0, 0
		return d.port.ControlTransfer(req, in.inBuf[:MessageRumbleLen])

	case handleControl:
		if d.cfg.InputCapabilities == nil {
			return false
		}
		if stage != usbd.StageSetup {
			return true
		}
		putMessageHeader(in.inBuf[:], MessageTypeInInput, MessageControlsLen)
		copy(in.inBuf[2:MessageControlsLen], d.cfg.InputCapabilities[:])
		return d.port.ControlTransfer(req, in.inBuf[:MessageControlsLen])

	default:
		return false
	}
}

// deviceRequest answers the device-level serial query.
func (d *Driver) deviceRequest(in *instance, stage usbd.Stage, req usb.SetupPacket) bool {
	switch req.WValue {
	case handleSerial:
		if len(d.cfg.SerialNumber) == 0 || len(d.cfg.SerialNumber) > TransferInBufSize {
			return false
		}
		if stage != usbd.StageSetup {
			return true
		}
		n := copy(in.inBuf[:], d.cfg.SerialNumber)
		return d.port.ControlTransfer(req, in.inBuf[:n])

	default:
		return false
	}
}

// Xfer completes an endpoint transfer for one of the bound instances.
func (d *Driver) Xfer(rhport uint8, epAddr uint8, result usbd.XferResult, xferredBytes uint32) bool {
	in := d.instanceByEp(epAddr)
	if in == nil {
		return false
	}
	if in.rhport != rhport {
		return false
	}

	if result != usbd.XferSuccess {
		if d.cb.ReportIssue != nil {
			// The application must re-arm the OUT endpoint itself.
			d.cb.ReportIssue(in.itfNum, epAddr, result, xferredBytes)
		} else if epAddr == in.epOut {
			if !d.port.EndpointTransfer(in.epOut, in.outBuf[:]) {
				return false
			}
		}
		return true
	}

	switch epAddr {
	case in.epIn:
		if d.cb.ReportComplete != nil {
			d.cb.ReportComplete(in.itfNum, in.inBuf[:], xferredBytes)
		}
	case in.epOut:
		d.reportOutReceived(in, xferredBytes)
		if !d.port.EndpointTransfer(in.epOut, in.outBuf[:]) {
			return false
		}
	}

	return true
}

// reportOutReceived classifies a received OUT message by its two-byte
// header and dispatches it. Anything that is not a well-formed rumble or
// LED message is ignored.
func (d *Driver) reportOutReceived(in *instance, xferredBytes uint32) {
	if xferredBytes < 2 {
		return
	}
	msgType, msgLen := in.outBuf[0], in.outBuf[1]

	switch {
	case xferredBytes == MessageRumbleLen && msgType == MessageTypeOutRumble && msgLen == MessageRumbleLen:
		if d.cb.ReceivedRumble != nil {
			d.cb.ReceivedRumble(in.itfNum, in.outBuf[3], in.outBuf[4])
		}

	case xferredBytes == MessageLEDLen && msgType == MessageTypeOutLED && msgLen == MessageLEDLen:
		led := LEDAnimation(in.outBuf[2])
		// Only a change is surfaced; hosts re-send the current animation.
		if in.led == led {
			return
		}
		in.led = led
		if d.cb.ReceivedLED != nil {
			d.cb.ReceivedLED(in.itfNum, led)
		}
	}
}

func (d *Driver) freeInstance() *instance {
	for i := range d.instances {
		if d.instances[i].free() {
			return &d.instances[i]
		}
	}
	return nil
}

func (d *Driver) instanceByEp(epAddr uint8) *instance {
	for i := range d.instances {
		in := &d.instances[i]
		if !in.free() && (epAddr == in.epIn || epAddr == in.epOut) {
			return in
		}
	}
	return nil
}

func (d *Driver) instanceByItf(itfNum uint8) *instance {
	for i := range d.instances {
		in := &d.instances[i]
		if !in.free() && in.itfNum == itfNum {
			return in
		}
	}
	return nil
}
