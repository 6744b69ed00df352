// Package testing provides shared test doubles for exercising class drivers
// without a full device stack.
package testing

import (
	"fmt"

	"github.com/padforge/xusbd/usb"
	"github.com/padforge/xusbd/usbd"
)

// MockPort implements usbd.Port with inspectable state: which endpoints
// were opened, what is claimed, what transfers are outstanding and what the
// last control reply was.
type MockPort struct {
	ReadyState bool

	Endpoints map[uint8]usb.EndpointDescriptor
	Claimed   map[uint8]bool
	Pending   map[uint8][]byte

	// FailTransfer makes EndpointTransfer fail for the listed addresses.
	FailTransfer map[uint8]bool

	// Control reply staged by the driver under test.
	CtrlData   []byte
	CtrlStatus bool
	CtrlReq    usb.SetupPacket
}

var _ usbd.Port = (*MockPort)(nil)

func NewMockPort() *MockPort {
	return &MockPort{
		ReadyState:   true,
		Endpoints:    make(map[uint8]usb.EndpointDescriptor),
		Claimed:      make(map[uint8]bool),
		Pending:      make(map[uint8][]byte),
		FailTransfer: make(map[uint8]bool),
	}
}

func (m *MockPort) Ready() bool { return m.ReadyState }

func (m *MockPort) EndpointOpen(desc usb.EndpointDescriptor) error {
	addr := desc.BEndpointAddress
	if _, ok := m.Endpoints[addr]; ok {
		return fmt.Errorf("endpoint 0x%02x already open", addr)
	}
	m.Endpoints[addr] = desc
	return nil
}

func (m *MockPort) EndpointClaim(addr uint8) bool {
	if _, ok := m.Endpoints[addr]; !ok {
		return false
	}
	if m.Claimed[addr] || m.Pending[addr] != nil {
		return false
	}
	m.Claimed[addr] = true
	return true
}

func (m *MockPort) EndpointBusy(addr uint8) bool {
	return m.Pending[addr] != nil
}

func (m *MockPort) EndpointTransfer(addr uint8, buf []byte) bool {
	if _, ok := m.Endpoints[addr]; !ok {
		return false
	}
	if m.FailTransfer[addr] {
		return false
	}
	if m.Pending[addr] != nil {
		return false
	}
	m.Claimed[addr] = false
	m.Pending[addr] = buf
	return true
}

func (m *MockPort) ControlTransfer(req usb.SetupPacket, buf []byte) bool {
	m.CtrlReq = req
	m.CtrlData = buf
	m.CtrlStatus = false
	return true
}

func (m *MockPort) ControlStatus(req usb.SetupPacket) bool {
	m.CtrlReq = req
	m.CtrlData = nil
	m.CtrlStatus = true
	return true
}

// TakePending returns and clears the outstanding transfer buffer for an
// endpoint, as the stack would on URB completion.
func (m *MockPort) TakePending(addr uint8) []byte {
	buf := m.Pending[addr]
	delete(m.Pending, addr)
	return buf
}

// ResetCtrl clears the staged control reply between requests.
func (m *MockPort) ResetCtrl() {
	m.CtrlData = nil
	m.CtrlStatus = false
	m.CtrlReq = usb.SetupPacket{}
}
