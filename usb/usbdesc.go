// Package usb contains helpers for building and parsing USB descriptors and
// control requests.
package usb

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// USB descriptor type constants
const (
	DeviceDescType    = 0x01
	ConfigDescType    = 0x02
	StringDescType    = 0x03
	InterfaceDescType = 0x04
	EndpointDescType  = 0x05
	IADDescType       = 0x0b
	HIDDescType       = 0x21
	ReportDescType    = 0x22
	PhysicalDescType  = 0x23
)

// Descriptor lengths in bytes (fixed values from USB spec)
const (
	DeviceDescLen    = 18
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
	HIDDescLen       = 9
)

// Endpoint address direction bit and transfer types (bmAttributes low bits).
const (
	DirInMask = 0x80

	XferControl   = 0
	XferIso       = 1
	XferBulk      = 2
	XferInterrupt = 3
)

// EndpointIn reports whether an endpoint address is device-to-host.
func EndpointIn(addr uint8) bool { return addr&DirInMask != 0 }

// EndpointNumber strips the direction bit from an endpoint address.
func EndpointNumber(addr uint8) uint8 { return addr &^ DirInMask }

// DeviceDescriptor represents the standard USB device descriptor.
// BLength is computed dynamically; BDescriptorType is implied DeviceDescType.
type DeviceDescriptor struct {
	BcdUSB             uint16 // LE
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16 // LE
	IDProduct          uint16 // LE
	BcdDevice          uint16 // LE
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
	Speed              uint32 // USB speed: 1=low, 2=full, 3=high, 4=super
}

// Bytes returns the binary representation of the DeviceDescriptor with
// BLength auto-filled.
func (d DeviceDescriptor) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(DeviceDescLen)
	b.WriteByte(DeviceDescType)
	_ = binary.Write(&b, binary.LittleEndian, d.BcdUSB)
	b.WriteByte(d.BDeviceClass)
	b.WriteByte(d.BDeviceSubClass)
	b.WriteByte(d.BDeviceProtocol)
	b.WriteByte(d.BMaxPacketSize0)
	_ = binary.Write(&b, binary.LittleEndian, d.IDVendor)
	_ = binary.Write(&b, binary.LittleEndian, d.IDProduct)
	_ = binary.Write(&b, binary.LittleEndian, d.BcdDevice)
	b.WriteByte(d.IManufacturer)
	b.WriteByte(d.IProduct)
	b.WriteByte(d.ISerialNumber)
	b.WriteByte(d.BNumConfigurations)
	return b.Bytes()
}

// ConfigHeader represents the USB configuration descriptor header (9 bytes).
type ConfigHeader struct {
	WTotalLength        uint16 // LE, patched by BuildConfiguration
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8
}

func (h ConfigHeader) Write(b *bytes.Buffer) {
	b.WriteByte(ConfigDescLen)
	b.WriteByte(ConfigDescType)
	_ = binary.Write(b, binary.LittleEndian, h.WTotalLength)
	b.WriteByte(h.BNumInterfaces)
	b.WriteByte(h.BConfigurationValue)
	b.WriteByte(h.IConfiguration)
	b.WriteByte(h.BMAttributes)
	b.WriteByte(h.BMaxPower)
}

// InterfaceDescriptor (9 bytes) for each interface altsetting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

func (i InterfaceDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(InterfaceDescLen)
	b.WriteByte(InterfaceDescType)
	b.WriteByte(i.BInterfaceNumber)
	b.WriteByte(i.BAlternateSetting)
	b.WriteByte(i.BNumEndpoints)
	b.WriteByte(i.BInterfaceClass)
	b.WriteByte(i.BInterfaceSubClass)
	b.WriteByte(i.BInterfaceProtocol)
	b.WriteByte(i.IInterface)
}

// ParseInterfaceDescriptor decodes an interface descriptor from raw
// configuration bytes starting at the bLength field.
func ParseInterfaceDescriptor(data []byte) (InterfaceDescriptor, error) {
	var d InterfaceDescriptor
	if len(data) < InterfaceDescLen {
		return d, fmt.Errorf("interface descriptor: %d bytes, need %d", len(data), InterfaceDescLen)
	}
	if data[1] != InterfaceDescType {
		return d, fmt.Errorf("interface descriptor: type 0x%02x, want 0x%02x", data[1], InterfaceDescType)
	}
	d.BInterfaceNumber = data[2]
	d.BAlternateSetting = data[3]
	d.BNumEndpoints = data[4]
	d.BInterfaceClass = data[5]
	d.BInterfaceSubClass = data[6]
	d.BInterfaceProtocol = data[7]
	d.IInterface = data[8]
	return d, nil
}

// EndpointDescriptor (7 bytes) for each endpoint.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16 // LE
	BInterval        uint8
}

func (e EndpointDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(EndpointDescLen)
	b.WriteByte(EndpointDescType)
	b.WriteByte(e.BEndpointAddress)
	b.WriteByte(e.BMAttributes)
	_ = binary.Write(b, binary.LittleEndian, e.WMaxPacketSize)
	b.WriteByte(e.BInterval)
}

// TransferType returns the endpoint's transfer type (bmAttributes bits 0-1).
func (e EndpointDescriptor) TransferType() uint8 { return e.BMAttributes & 0x03 }

// ParseEndpointDescriptor decodes an endpoint descriptor from raw
// configuration bytes starting at the bLength field.
func ParseEndpointDescriptor(data []byte) (EndpointDescriptor, error) {
	var d EndpointDescriptor
	if len(data) < EndpointDescLen {
		return d, fmt.Errorf("endpoint descriptor: %d bytes, need %d", len(data), EndpointDescLen)
	}
	if data[1] != EndpointDescType {
		return d, fmt.Errorf("endpoint descriptor: type 0x%02x, want 0x%02x", data[1], EndpointDescType)
	}
	d.BEndpointAddress = data[2]
	d.BMAttributes = data[3]
	d.WMaxPacketSize = binary.LittleEndian.Uint16(data[4:6])
	d.BInterval = data[6]
	return d, nil
}

// HIDDescriptor (class descriptor, 0x21) with one subordinate report
// descriptor (0x22).
type HIDDescriptor struct {
	BcdHID            uint16 // LE
	BCountryCode      uint8
	BNumDescriptors   uint8
	ClassDescType     uint8  // 0x22 (report)
	WDescriptorLength uint16 // LE, report descriptor length
}

func (h HIDDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(HIDDescLen)
	b.WriteByte(HIDDescType)
	_ = binary.Write(b, binary.LittleEndian, h.BcdHID)
	b.WriteByte(h.BCountryCode)
	b.WriteByte(h.BNumDescriptors)
	b.WriteByte(h.ClassDescType)
	_ = binary.Write(b, binary.LittleEndian, h.WDescriptorLength)
}

// ClassSpecificDescriptor carries an opaque class descriptor that sits
// between the interface and endpoint descriptors (e.g. the XInput 0x21
// block). Payload excludes the two-byte bLength/bDescriptorType header.
type ClassSpecificDescriptor struct {
	DescriptorType uint8
	Payload        []byte
}

func (c ClassSpecificDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(uint8(2 + len(c.Payload)))
	b.WriteByte(c.DescriptorType)
	b.Write(c.Payload)
}

// InterfaceConfig holds all descriptors for a single interface.
type InterfaceConfig struct {
	Descriptor InterfaceDescriptor
	Class      []ClassSpecificDescriptor
	Endpoints  []EndpointDescriptor

	// HIDReport records the report descriptor (0x22) of a HID interface.
	// BuildConfiguration does not emit it and the stack does not serve it;
	// report descriptor requests are answered by the HID class driver.
	HIDReport []byte
}

// EncodeStringDescriptor converts a UTF-8 string to a USB string descriptor
// byte array. The resulting descriptor has the format:
//
//	Byte 0: bLength (total descriptor length)
//	Byte 1: bDescriptorType (0x03 for string)
//	Bytes 2+: UTF-16LE encoded string
func EncodeStringDescriptor(s string) []byte {
	runes := []rune(s)
	buf := make([]byte, 2+len(runes)*2)
	buf[0] = uint8(len(buf)) // bLength
	buf[1] = StringDescType
	for i, r := range runes {
		buf[2+i*2] = uint8(r)
		buf[2+i*2+1] = uint8(r >> 8)
	}
	return buf
}

// BuildConfiguration flattens a configuration header and its interfaces into
// the packed configuration descriptor byte stream, patching wTotalLength and
// bNumInterfaces.
func BuildConfiguration(hdr ConfigHeader, ifaces []InterfaceConfig) []byte {
	var b bytes.Buffer
	hdr.BNumInterfaces = uint8(len(ifaces))
	hdr.Write(&b)
	for _, iface := range ifaces {
		iface.Descriptor.Write(&b)
		for _, cd := range iface.Class {
			cd.Write(&b)
		}
		for _, ep := range iface.Endpoints {
			ep.Write(&b)
		}
	}
	data := b.Bytes()
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(data)))
	return data
}

// DescLen returns the bLength of the descriptor at the start of data, or 0
// if data is empty.
func DescLen(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	return int(data[0])
}

// DescTypeOf returns the bDescriptorType of the descriptor at the start of
// data, or 0 if data is too short.
func DescTypeOf(data []byte) uint8 {
	if len(data) < 2 {
		return 0
	}
	return data[1]
}

// NextDesc advances past the descriptor at the start of data. It returns nil
// once the stream is exhausted or a zero-length descriptor is hit.
func NextDesc(data []byte) []byte {
	n := DescLen(data)
	if n == 0 || n >= len(data) {
		return nil
	}
	return data[n:]
}
