// Package virtualbus manages USB bus topology and auto-assigns device
// addresses for gadgets exported over USB/IP.
package virtualbus

import (
	"fmt"
	"sync"

	"github.com/padforge/xusbd/internal/stack"
	"github.com/padforge/xusbd/usbip"
)

const basepath = "/sys/devices/platform/vhci_hcd.0/usb"

var (
	globalBusCounter uint32
	allocatedBusIds  = make(map[uint32]bool)
	globalMutex      sync.Mutex
)

// VirtualBus groups exported gadgets under one bus number.
type VirtualBus struct {
	mutex           sync.Mutex
	busId           uint32
	allocatedDevIDs map[uint32]bool
	devices         []busDevice
}

type busDevice struct {
	stk  *stack.Stack
	meta usbip.ExportMeta
}

// DeviceMeta exposes a registered gadget stack and its export metadata.
type DeviceMeta struct {
	Stack *stack.Stack
	Meta  usbip.ExportMeta
}

// New creates a VirtualBus with a unique auto-assigned bus number.
func New() *VirtualBus {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	busId := globalBusCounter
	if busId == 0 {
		busId = 1
	}
	globalBusCounter = busId + 1
	allocatedBusIds[busId] = true

	return &VirtualBus{
		busId:           busId,
		allocatedDevIDs: make(map[uint32]bool),
	}
}

// NewWithBusId creates a VirtualBus with a specific bus number. Returns an
// error if the bus number is already allocated.
func NewWithBusId(busId uint32) (*VirtualBus, error) {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	if allocatedBusIds[busId] {
		return nil, fmt.Errorf("bus number %d already allocated", busId)
	}
	allocatedBusIds[busId] = true

	return &VirtualBus{
		busId:           busId,
		allocatedDevIDs: make(map[uint32]bool),
	}, nil
}

// Add registers a gadget stack on the bus and assigns it a device id.
func (vb *VirtualBus) Add(stk *stack.Stack) (usbip.ExportMeta, error) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()

	for _, d := range vb.devices {
		if d.stk == stk {
			return usbip.ExportMeta{}, fmt.Errorf("device already registered on this bus")
		}
	}

	var devID uint32
	for i := uint32(1); ; i++ {
		if !vb.allocatedDevIDs[i] {
			devID = i
			vb.allocatedDevIDs[i] = true
			break
		}
	}

	busDevID := fmt.Sprintf("%d-%d", vb.busId, devID)
	path := fmt.Sprintf("%s%d/%s", basepath, vb.busId, busDevID)

	var meta usbip.ExportMeta
	copy(meta.Path[:], path)
	copy(meta.USBBusId[:], busDevID)
	meta.BusId = vb.busId
	meta.DevId = devID

	vb.devices = append(vb.devices, busDevice{stk: stk, meta: meta})
	return meta, nil
}

// GetAllDeviceMetas returns all registered gadgets with their export
// metadata.
func (vb *VirtualBus) GetAllDeviceMetas() []DeviceMeta {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]DeviceMeta, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, DeviceMeta{Stack: d.stk, Meta: d.meta})
	}
	return out
}

// BusID returns the bus number for this VirtualBus.
func (vb *VirtualBus) BusID() uint32 {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	return vb.busId
}

// Remove unregisters a gadget stack from the bus and frees its device id.
func (vb *VirtualBus) Remove(stk *stack.Stack) error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for i, d := range vb.devices {
		if d.stk == stk {
			delete(vb.allocatedDevIDs, d.meta.DevId)
			vb.devices = append(vb.devices[:i], vb.devices[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("device not found")
}

// Close frees the bus number allocated to this VirtualBus so it can be
// reused. The VirtualBus must not be used afterwards.
func (vb *VirtualBus) Close() error {
	vb.mutex.Lock()
	vb.devices = nil
	vb.mutex.Unlock()

	globalMutex.Lock()
	defer globalMutex.Unlock()
	delete(allocatedBusIds, vb.busId)
	return nil
}
