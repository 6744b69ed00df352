// Package gadget describes a complete emulated USB device: its descriptor
// tables, the class drivers serving its interfaces, and the Microsoft OS
// descriptor providers.
package gadget

import (
	"bytes"
	"encoding/binary"

	"github.com/padforge/xusbd/usb"
	"github.com/padforge/xusbd/usbd"
)

// Definition holds all static descriptor and driver wiring for one device.
type Definition struct {
	Device       usb.DeviceDescriptor
	ConfigHeader usb.ConfigHeader
	Interfaces   []usb.InterfaceConfig

	// LangIDs backs string descriptor index zero.
	LangIDs []uint16

	// Strings maps non-zero string descriptor indices to their UTF-8
	// values.
	Strings map[uint8]string

	// OSString, when set, is served for string index 0xee to announce
	// Microsoft OS 1.0 descriptor support.
	OSString []byte

	// MSVendorCode must match the vendor code inside OSString.
	MSVendorCode uint8

	// CompatID and ExtendedProperties provide the MS feature descriptor
	// blobs; nil providers stall the corresponding request.
	CompatID           func() []byte
	ExtendedProperties func() []byte

	// Drivers are offered the configuration's interfaces in order.
	Drivers []usbd.ClassDriver

	// Mounted, when set, observes configuration state changes (mount on
	// SET_CONFIGURATION, unmount on reset/detach).
	Mounted func(bool)
}

// ConfigDescriptor flattens the configuration into its packed wire form.
func (g *Definition) ConfigDescriptor() []byte {
	return usb.BuildConfiguration(g.ConfigHeader, g.Interfaces)
}

// StringDescriptor returns the encoded string descriptor for an index, or
// nil if the index is not populated. Index zero yields the LangID table.
func (g *Definition) StringDescriptor(index uint8) []byte {
	if index == 0 {
		var b bytes.Buffer
		b.WriteByte(uint8(2 + 2*len(g.LangIDs)))
		b.WriteByte(usb.StringDescType)
		for _, id := range g.LangIDs {
			_ = binary.Write(&b, binary.LittleEndian, id)
		}
		return b.Bytes()
	}
	s, ok := g.Strings[index]
	if !ok {
		return nil
	}
	return usb.EncodeStringDescriptor(s)
}

// SetSerial replaces the serial number string descriptor, like swapping in
// a board-unique serial before attach.
func (g *Definition) SetSerial(serial string) {
	if g.Device.ISerialNumber == 0 {
		return
	}
	if g.Strings == nil {
		g.Strings = make(map[uint8]string)
	}
	g.Strings[g.Device.ISerialNumber] = serial
}
