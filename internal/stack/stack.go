// Package stack implements the device-side USB stack a gadget's class
// drivers plug into: configuration-descriptor enumeration, the EP0 control
// state machine with SETUP/DATA/ACK staging, and interrupt endpoint
// bookkeeping with claim semantics.
package stack

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/padforge/xusbd/gadget"
	"github.com/padforge/xusbd/msos"
	"github.com/padforge/xusbd/usb"
	"github.com/padforge/xusbd/usbd"
)

// controlHandler is anything that can take part in the control-transfer
// state machine (class drivers and the MS OS responder).
type controlHandler interface {
	ControlXfer(rhport uint8, stage usbd.Stage, req usb.SetupPacket) bool
}

// endpoint tracks one opened non-control endpoint. pending holds the buffer
// of the single outstanding transfer, nil when idle.
type endpoint struct {
	desc    usb.EndpointDescriptor
	claimed bool
	pending []byte
}

// Stack drives one gadget on one root-hub port. The URB entry points take
// the stack mutex; everything the class drivers do runs under it, which is
// the serialization they rely on. Application code reaches driver APIs
// through Serialize.
type Stack struct {
	mu     sync.Mutex
	rhport uint8
	def    *gadget.Definition
	logger *slog.Logger

	msos *msos.Responder

	endpoints map[uint8]*endpoint
	drvByItf  map[uint8]usbd.ClassDriver
	drvByEp   map[uint8]usbd.ClassDriver

	configured bool

	// Control scratch, valid between a StageSetup callback and the end of
	// the request.
	ctrlData   []byte
	ctrlStatus bool
}

// New builds a stack for the gadget, initializes its drivers and binds the
// configuration's interfaces.
func New(rhport uint8, def *gadget.Definition, logger *slog.Logger) (*Stack, error) {
	s := &Stack{
		rhport:    rhport,
		def:       def,
		logger:    logger,
		endpoints: make(map[uint8]*endpoint),
		drvByItf:  make(map[uint8]usbd.ClassDriver),
		drvByEp:   make(map[uint8]usbd.ClassDriver),
	}
	if len(def.OSString) > 0 {
		s.msos = &msos.Responder{
			VendorCode:         def.MSVendorCode,
			CompatID:           def.CompatID,
			ExtendedProperties: def.ExtendedProperties,
		}
		s.msos.Init(s)
	}
	for _, drv := range def.Drivers {
		drv.Init(s)
	}
	if err := s.bindInterfaces(); err != nil {
		return nil, err
	}
	return s, nil
}

// bindInterfaces walks the packed configuration descriptor and offers each
// interface block to the registered drivers until one consumes it.
func (s *Stack) bindInterfaces() error {
	cfg := s.def.ConfigDescriptor()
	rest := usb.NextDesc(cfg) // skip the configuration header

	for len(rest) > 0 {
		if usb.DescTypeOf(rest) != usb.InterfaceDescType {
			// IADs and stray class descriptors between interfaces are not
			// the drivers' business.
			rest = usb.NextDesc(rest)
			continue
		}

		itfNum := rest[2]
		consumed := 0
		for _, drv := range s.def.Drivers {
			n, err := drv.Open(s.rhport, rest)
			if err != nil {
				return fmt.Errorf("stack: driver %s: %w", drv.Name(), err)
			}
			if n > 0 {
				if n > len(rest) {
					return fmt.Errorf("stack: driver %s consumed %d of %d bytes", drv.Name(), n, len(rest))
				}
				s.drvByItf[itfNum] = drv
				s.mapEndpoints(rest[:n], drv)
				s.logger.Debug("interface bound", "itf", itfNum, "driver", drv.Name(), "len", n)
				consumed = n
				break
			}
		}
		if consumed == 0 {
			return fmt.Errorf("stack: no driver claims interface %d", itfNum)
		}
		rest = rest[consumed:]
	}
	return nil
}

// mapEndpoints records which driver owns the endpoints inside a consumed
// interface block.
func (s *Stack) mapEndpoints(block []byte, drv usbd.ClassDriver) {
	for d := block; len(d) > 0; d = usb.NextDesc(d) {
		if usb.DescTypeOf(d) == usb.EndpointDescType && len(d) >= usb.EndpointDescLen {
			s.drvByEp[d[2]] = drv
		}
	}
}

// Serialize runs fn with the stack lock held, so applications can call
// driver APIs (report submission, receive arming) without racing the URB
// stream.
func (s *Stack) Serialize(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

// Reset drops all bindings and endpoint state, as on bus reset or detach.
func (s *Stack) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *Stack) reset() {
	for _, drv := range s.def.Drivers {
		drv.Reset(s.rhport)
	}
	s.endpoints = make(map[uint8]*endpoint)
	s.drvByItf = make(map[uint8]usbd.ClassDriver)
	s.drvByEp = make(map[uint8]usbd.ClassDriver)
	if s.configured && s.def.Mounted != nil {
		s.def.Mounted(false)
	}
	s.configured = false
}

// Rebind re-runs interface binding after a Reset.
func (s *Stack) Rebind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindInterfaces()
}

// Definition exposes the gadget this stack serves.
func (s *Stack) Definition() *gadget.Definition { return s.def }

//
// usbd.Port implementation
//

func (s *Stack) Ready() bool { return s.configured }

func (s *Stack) EndpointOpen(desc usb.EndpointDescriptor) error {
	addr := desc.BEndpointAddress
	if _, ok := s.endpoints[addr]; ok {
		return fmt.Errorf("stack: endpoint 0x%02x already open", addr)
	}
	s.endpoints[addr] = &endpoint{desc: desc}
	return nil
}

func (s *Stack) EndpointClaim(addr uint8) bool {
	ep, ok := s.endpoints[addr]
	if !ok || ep.claimed || ep.pending != nil {
		return false
	}
	ep.claimed = true
	return true
}

func (s *Stack) EndpointBusy(addr uint8) bool {
	ep, ok := s.endpoints[addr]
	return ok && ep.pending != nil
}

func (s *Stack) EndpointTransfer(addr uint8, buf []byte) bool {
	ep, ok := s.endpoints[addr]
	if !ok || ep.pending != nil {
		return false
	}
	ep.claimed = false
	ep.pending = buf
	return true
}

func (s *Stack) ControlTransfer(req usb.SetupPacket, buf []byte) bool {
	s.ctrlData = buf
	s.ctrlStatus = false
	return true
}

func (s *Stack) ControlStatus(req usb.SetupPacket) bool {
	s.ctrlData = nil
	s.ctrlStatus = true
	return true
}

//
// Host-side entry points (URB handling)
//

// HandleControl runs one EP0 control transfer. setup is the 8-byte SETUP
// packet, out the data-OUT payload if any. It returns the data-IN reply and
// whether the request was handled; an unhandled request maps to a stall.
func (s *Stack) HandleControl(setup []byte, out []byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := usb.ParseSetupPacket(setup)
	if err != nil {
		s.logger.Warn("malformed SETUP packet", "error", err)
		return nil, false
	}

	switch req.Type() {
	case usb.ReqTypeStandard:
		return s.standardRequest(req, out)
	case usb.ReqTypeClass:
		if drv, ok := s.drvByItf[uint8(req.WIndex)]; ok {
			return s.driverControl(drv, req, out)
		}
		return nil, false
	case usb.ReqTypeVendor:
		// Class drivers get the first shot (the X360 driver resolves the
		// instance itself); the MS OS responder catches the vendor-coded
		// feature requests whose wIndex is not an interface number.
		for _, drv := range s.def.Drivers {
			if data, ok := s.driverControl(drv, req, out); ok {
				return data, true
			}
		}
		if s.msos != nil {
			return s.driverControl(s.msos, req, out)
		}
		return nil, false
	default:
		return nil, false
	}
}

// standardRequest serves the chapter-9 requests the stack owns and routes
// interface-recipient GET_DESCRIPTOR to the bound class driver.
func (s *Stack) standardRequest(req usb.SetupPacket, out []byte) ([]byte, bool) {
	if req.Recipient() == usb.ReqRecipientInterface {
		switch req.BRequest {
		case usb.ReqGetInterface:
			// No alternate settings on these gadgets.
			return []byte{0}, true
		case usb.ReqSetInterface:
			return nil, true
		}
		// HID and report descriptors live with the class driver.
		if drv, ok := s.drvByItf[uint8(req.WIndex)]; ok {
			return s.driverControl(drv, req, out)
		}
		return nil, false
	}

	switch req.BRequest {
	case usb.ReqGetDescriptor:
		return s.getDescriptor(req)
	case usb.ReqSetAddress:
		return nil, true
	case usb.ReqSetConfiguration:
		if !s.configured {
			s.configured = true
			if s.def.Mounted != nil {
				s.def.Mounted(true)
			}
		}
		return nil, true
	case usb.ReqGetConfiguration:
		return []byte{s.def.ConfigHeader.BConfigurationValue}, true
	case usb.ReqGetStatus:
		return []byte{0, 0}, true
	default:
		return nil, false
	}
}

func (s *Stack) getDescriptor(req usb.SetupPacket) ([]byte, bool) {
	descType := req.ValueHigh()
	descIndex := req.ValueLow()

	var data []byte
	switch descType {
	case usb.DeviceDescType:
		data = s.def.Device.Bytes()
	case usb.ConfigDescType:
		data = s.def.ConfigDescriptor()
	case usb.StringDescType:
		if descIndex == msos.StringIndex && len(s.def.OSString) > 0 {
			data = s.def.OSString
		} else {
			data = s.def.StringDescriptor(descIndex)
		}
	}
	if len(data) == 0 {
		return nil, false
	}
	if int(req.WLength) < len(data) {
		data = data[:req.WLength]
	}
	return data, true
}

// driverControl walks a handler through the stages of one control transfer:
// SETUP (handler stages its reply or receive buffer through the Port), an
// optional DATA stage, and ACK.
func (s *Stack) driverControl(h controlHandler, req usb.SetupPacket, out []byte) ([]byte, bool) {
	s.ctrlData = nil
	s.ctrlStatus = false

	if !h.ControlXfer(s.rhport, usbd.StageSetup, req) {
		return nil, false
	}

	if req.DirIn() {
		data := s.ctrlData
		if int(req.WLength) < len(data) {
			data = data[:req.WLength]
		}
		h.ControlXfer(s.rhport, usbd.StageAck, req)
		return data, true
	}

	if req.WLength > 0 {
		if s.ctrlData == nil {
			// The handler acknowledged without supplying a buffer.
			return nil, false
		}
		copy(s.ctrlData, out)
		h.ControlXfer(s.rhport, usbd.StageData, req)
	}
	h.ControlXfer(s.rhport, usbd.StageAck, req)
	return nil, true
}

// HandleTransfer runs one non-EP0 URB. ep is the endpoint number without
// direction. For IN, the armed transfer's bytes are returned; for OUT, the
// payload is copied into the armed buffer. An unarmed endpoint yields an
// empty reply (the interrupt pipe simply has nothing to say).
func (s *Stack) HandleTransfer(epNum uint8, dirIn bool, out []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := epNum
	if dirIn {
		addr |= usb.DirInMask
	}
	ep, ok := s.endpoints[addr]
	if !ok || ep.pending == nil {
		return nil
	}
	drv, ok := s.drvByEp[addr]
	if !ok {
		return nil
	}

	buf := ep.pending
	ep.pending = nil

	if dirIn {
		if !drv.Xfer(s.rhport, addr, usbd.XferSuccess, uint32(len(buf))) {
			s.logger.Warn("driver IN completion failed", "ep", addr)
		}
		return buf
	}

	n := copy(buf, out)
	if !drv.Xfer(s.rhport, addr, usbd.XferSuccess, uint32(n)) {
		s.logger.Warn("driver OUT completion failed", "ep", addr)
	}
	return nil
}
