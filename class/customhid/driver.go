// Package customhid implements a generic device-side HID class driver. It
// exposes the full HID control protocol (descriptor retrieval, GET/SET_REPORT,
// GET/SET_IDLE, GET/SET_PROTOCOL) without tying the interrupt data path to a
// fixed report layout: report buffers are owned by the application and only
// borrowed by the driver for the lifetime of one transfer.
package customhid

import (
	"fmt"

	"github.com/padforge/xusbd/usb"
	"github.com/padforge/xusbd/usbd"
)

// Callbacks are the application hooks of the driver. DescriptorReport and
// GetReport are mandatory; the rest map to "feature not supported" (the
// corresponding request stalls or is skipped) when nil.
type Callbacks struct {
	// OutEndpointOpened tells the application an interrupt OUT endpoint was
	// bound, so it can supply a receive buffer via ReceiveReport.
	OutEndpointOpened func(itfNum uint8)

	// DescriptorReport returns the report descriptor bytes. The slice must
	// stay valid until the control transfer completes. Mandatory.
	DescriptorReport func(itfNum uint8) []byte

	// DescriptorPhysical returns the physical descriptor for the given
	// descriptor index (zero names the descriptor-set overview).
	DescriptorPhysical func(itfNum uint8, descIndex uint8) []byte

	// GetReport returns the report to answer a GET_REPORT request with.
	// Mandatory.
	GetReport func(itfNum uint8, reportID uint8, reportType uint8) []byte

	// SetReport returns the buffer a SET_REPORT data stage is received
	// into.
	SetReport func(itfNum uint8, reportID uint8, reportType uint8) []byte

	// GetIdle returns the idle duration for a specific report ID (the
	// shared rate for ID zero is answered by the driver itself).
	GetIdle func(itfNum uint8, reportID uint8) (uint8, bool)

	// SetIdle observes an idle duration change, resolution 4 ms per unit.
	SetIdle func(itfNum uint8, reportID uint8, duration uint8)

	// SetProtocol observes a protocol mode change.
	SetProtocol func(itfNum uint8, protocolMode uint8)

	// ReportSentComplete is invoked when an input report was fully sent.
	ReportSentComplete func(itfNum uint8, report []byte, length uint32)

	// ReportReceivedComplete is invoked when an output or feature report
	// was received, over the control pipe (SET_REPORT, with the request's
	// report ID and type) or the interrupt OUT endpoint (ID 0xff, type
	// output).
	ReportReceivedComplete func(itfNum uint8, reportID uint8, reportType uint8, report []byte, length uint32)

	// ReportIssue is invoked when a transfer completed with an error. When
	// set, the application is responsible for re-arming the OUT endpoint.
	ReportIssue func(itfNum uint8, epAddr uint8, result usbd.XferResult, length uint32)
}

// Config sizes the driver.
type Config struct {
	// MaxInterfaces caps how many HID interfaces can bind; zero means one.
	MaxInterfaces int
}

// instance is one bound HID interface. An instance is free iff both
// endpoint addresses are zero.
type instance struct {
	rhport uint8
	itfNum uint8
	epIn   uint8
	epOut  uint8

	// Borrowed application buffers for the interrupt data path. The
	// application keeps them alive until the matching completion fires.
	inBuf   []byte
	outBuf  []byte
	outSize uint16

	// Application buffer a SET_REPORT data stage is received into, kept
	// apart from the interrupt OUT buffer fields.
	ctrlOutBuf []byte

	protocolMode uint8
	idleRate     uint8 // 4 ms units, 0 = infinite
	scratch      [1]byte

	// The HID sub-descriptor as it appeared in the configuration blob,
	// replayed verbatim for GET_DESCRIPTOR(HID).
	hidDesc []byte
}

func (in *instance) free() bool { return in.epIn == 0 && in.epOut == 0 }

// Driver is the custom HID class driver.
type Driver struct {
	port      usbd.Port
	cb        Callbacks
	instances []instance
}

// New builds a HID class driver with the given application hooks.
func New(cfg Config, cb Callbacks) *Driver {
	n := cfg.MaxInterfaces
	if n <= 0 {
		n = 1
	}
	return &Driver{
		cb:        cb,
		instances: make([]instance, n),
	}
}

func (d *Driver) Name() string { return "customhid" }

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

// Open binds the driver to any interface of class HID. The expected
// contiguous block is the interface descriptor, the HID sub-descriptor,
// then bNumEndpoints endpoint descriptors.
func (d *Driver) Open(rhport uint8, desc []byte) (int, error) {
	itf, err := usb.ParseInterfaceDescriptor(desc)
	if err != nil {
		return 0, err
	}
	if itf.BInterfaceClass != ClassHID {
		return 0, nil
	}

	drvLen := usb.InterfaceDescLen + usb.HIDDescLen + int(itf.BNumEndpoints)*usb.EndpointDescLen
	if len(desc) < drvLen {
		return 0, fmt.Errorf("customhid: interface %d descriptor block truncated: %d bytes, need %d", itf.BInterfaceNumber, len(desc), drvLen)
	}

	in := d.freeInstance()
	if in == nil {
		return 0, usbd.ErrNoFreeInstance
	}

	p := usb.NextDesc(desc)
	if usb.DescTypeOf(p) != usb.HIDDescType {
		return 0, fmt.Errorf("customhid: interface %d: descriptor type 0x%02x where HID 0x%02x expected", itf.BInterfaceNumber, usb.DescTypeOf(p), usb.HIDDescType)
	}
	// Keep the sub-descriptor bytes to satisfy later GET_DESCRIPTOR(HID)
	// requests.
	in.hidDesc = p[:usb.DescLen(p)]

	p = usb.NextDesc(p)
	epOut, epIn, err := usbd.OpenEndpointPair(d.port, p, int(itf.BNumEndpoints), usb.XferInterrupt)
	if err != nil {
		return 0, fmt.Errorf("customhid: interface %d: %w", itf.BInterfaceNumber, err)
	}
	in.epIn = epIn
	in.epOut = epOut
	in.itfNum = itf.BInterfaceNumber
	in.rhport = rhport
	in.protocolMode = ProtocolReport

	// The application owns receive buffers, so it must learn about the OUT
	// endpoint to arm it.
	if in.epOut != 0 && d.cb.OutEndpointOpened != nil {
		d.cb.OutEndpointOpened(in.itfNum)
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

// SendReport enqueues an input report on the interrupt IN endpoint. The
// buffer is borrowed: it must stay valid until ReportSentComplete fires.
// Returns false while an earlier report is still outstanding.
func (d *Driver) SendReport(itfNum uint8, report []byte) bool {
	in := d.instanceByItf(itfNum)
	if in == nil {
		return false
	}
	if len(report) == 0 {
		return false
	}
	if !d.port.EndpointClaim(in.epIn) {
		return false
	}
	in.inBuf = report
	return d.port.EndpointTransfer(in.epIn, report)
}

// ReceiveReport arms the interrupt OUT endpoint with an application buffer.
// The buffer must stay valid until ReportReceivedComplete fires; the
// endpoint stays unarmed afterwards until ReceiveReport is called again.
func (d *Driver) ReceiveReport(itfNum uint8, buf []byte) bool {
	in := d.instanceByItf(itfNum)
	if in == nil {
		return false
	}
	if len(buf) == 0 {
		return false
	}
	in.outBuf = buf
	in.outSize = uint16(len(buf))
	return d.port.EndpointTransfer(in.epOut, buf)
}

// GetProtocol returns the interface's protocol mode (boot or report).
func (d *Driver) GetProtocol(itfNum uint8) (uint8, bool) {
	in := d.instanceByItf(itfNum)
	if in == nil {
		return 0, false
	}
	return in.protocolMode, true
}

// ControlXfer dispatches standard and class control requests addressed to a
// bound HID interface.
func (d *Driver) ControlXfer(rhport uint8, stage usbd.Stage, req usb.SetupPacket) bool {
	if req.Recipient() != usb.ReqRecipientInterface {
		return false
	}

	in := d.instanceByItf(uint8(req.WIndex))
	if in == nil {
		return false
	}
	if in.rhport != rhport {
		return false
	}

	switch req.Type() {
	case usb.ReqTypeStandard:
		return d.standardRequest(in, stage, req)
	case usb.ReqTypeClass:
		return d.classRequest(in, stage, req)
	default:
		return false
	}
}

// standardRequest serves GET_DESCRIPTOR for the HID, report and physical
// descriptors. SET_DESCRIPTOR is not supported.
func (d *Driver) standardRequest(in *instance, stage usbd.Stage, req usb.SetupPacket) bool {
	if req.BRequest != usb.ReqGetDescriptor {
		return false
	}

	switch req.ValueHigh() {
	case usb.HIDDescType:
		if stage != usbd.StageSetup {
			return true
		}
		if len(in.hidDesc) == 0 {
			return false
		}
		return d.port.ControlTransfer(req, in.hidDesc)

	case usb.ReportDescType:
		if stage != usbd.StageSetup {
			return true
		}
		if d.cb.DescriptorReport == nil {
			return false
		}
		buf := d.cb.DescriptorReport(in.itfNum)
		if len(buf) == 0 {
			return false
		}
		return d.port.ControlTransfer(req, buf)

	case usb.PhysicalDescType:
		if stage != usbd.StageSetup {
			return true
		}
		if d.cb.DescriptorPhysical == nil {
			return false
		}
		buf := d.cb.DescriptorPhysical(in.itfNum, req.ValueLow())
		if len(buf) == 0 {
			return false
		}
		return d.port.ControlTransfer(req, buf)

	default:
		return false
	}
}

// classRequest serves the HID class request set over the control pipe.
func (d *Driver) classRequest(in *instance, stage usbd.Stage, req usb.SetupPacket) bool {
	switch req.BRequest {
	case ReqGetReport:
		if !req.DirIn() {
			return false
		}
		if stage != usbd.StageSetup {
			return true
		}
		if d.cb.GetReport == nil {
			return false
		}
		buf := d.cb.GetReport(in.itfNum, req.ValueLow(), req.ValueHigh())
		if len(buf) == 0 {
			return false
		}
		in.inBuf = buf
		return d.port.ControlTransfer(req, buf)

	case ReqSetReport:
		if req.DirIn() {
			return false
		}
		switch stage {
		case usbd.StageSetup:
			if d.cb.SetReport == nil {
				return false
			}
			buf := d.cb.SetReport(in.itfNum, req.ValueLow(), req.ValueHigh())
			if len(buf) == 0 {
				return false
			}
			in.ctrlOutBuf = buf
			return d.port.ControlTransfer(req, buf)
		case usbd.StageAck:
			if d.cb.ReportReceivedComplete != nil {
				d.cb.ReportReceivedComplete(in.itfNum, req.ValueLow(), req.ValueHigh(), in.ctrlOutBuf, uint32(req.WLength))
			}
			return true
		}
		return true

	case ReqGetIdle:
		if !req.DirIn() {
			return false
		}
		if stage != usbd.StageSetup {
			return true
		}
		if req.ValueLow() == 0 {
			// Shared rate across all report IDs.
			in.scratch[0] = in.idleRate
			return d.port.ControlTransfer(req, in.scratch[:])
		}
		if d.cb.GetIdle == nil {
			return false
		}
		duration, ok := d.cb.GetIdle(in.itfNum, req.ValueLow())
		if !ok {
			return false
		}
		in.scratch[0] = duration
		return d.port.ControlTransfer(req, in.scratch[:])

	case ReqSetIdle:
		if req.DirIn() {
			return false
		}
		if stage != usbd.StageSetup {
			return true
		}
		if !d.port.ControlStatus(req) {
			return false
		}
		if req.ValueLow() == 0 {
			in.idleRate = req.ValueHigh()
		}
		if d.cb.SetIdle != nil {
			d.cb.SetIdle(in.itfNum, req.ValueLow(), req.ValueHigh())
		}
		return true

	case ReqGetProtocol:
		if !req.DirIn() {
			return false
		}
		if stage != usbd.StageSetup {
			return true
		}
		in.scratch[0] = in.protocolMode
		return d.port.ControlTransfer(req, in.scratch[:])

	case ReqSetProtocol:
		if req.DirIn() {
			return false
		}
		if stage != usbd.StageSetup {
			return true
		}
		if !d.port.ControlStatus(req) {
			return false
		}
		in.protocolMode = req.ValueLow()
		if d.cb.SetProtocol != nil {
			d.cb.SetProtocol(in.itfNum, in.protocolMode)
		}
		return true

	default:
		return false
	}
}

// Xfer completes an interrupt transfer for one of the bound instances.
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
		} else if epAddr == in.epOut && in.outBuf != nil {
			if !d.port.EndpointTransfer(in.epOut, in.outBuf[:in.outSize]) {
				return false
			}
		}
		return true
	}

	switch epAddr {
	case in.epIn:
		if d.cb.ReportSentComplete != nil {
			d.cb.ReportSentComplete(in.itfNum, in.inBuf, xferredBytes)
		}
	case in.epOut:
		buf := in.outBuf
		// Hand the buffer back and stay unarmed; the application re-arms
		// via ReceiveReport when it wants the next report. This is the
		// backpressure point of the OUT path.
		in.outBuf = nil
		in.outSize = 0
		if d.cb.ReportReceivedComplete != nil {
			d.cb.ReportReceivedComplete(in.itfNum, 0xff, ReportTypeOutput, buf, xferredBytes)
		}
	}

	return true
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
