// Package msos implements the Microsoft OS 1.0 descriptor convention: the
// magic OS string descriptor at string index 0xEE and the vendor-coded
// feature descriptor requests Windows follows up with. Answering them with a
// compat-ID of "XUSB10" makes Windows bind the in-box XInput driver with no
// driver install.
package msos

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"

	"github.com/padforge/xusbd/usb"
	"github.com/padforge/xusbd/usbd"
)

// StringIndex is the reserved string descriptor index Windows probes for
// the OS string descriptor.
const StringIndex = 0xee

// BcdVersion is the MS OS 1.0 descriptor version.
const BcdVersion = 0x0100

// Feature descriptor request types carried in wIndex of the vendor request.
const (
	GenreDescriptor              = 0x01 // reserved for future Windows versions
	ExtendedCompatIDDescriptor   = 0x04
	ExtendedPropertiesDescriptor = 0x05
	ContainerIDDescriptor        = 0x06
)

// Property data types for extended-properties custom property sections,
// mirroring the Windows registry value types.
const (
	PropertyTypeRegSZ                = 0x00000001
	PropertyTypeRegExpandSZ          = 0x00000002
	PropertyTypeRegBinary            = 0x00000003
	PropertyTypeRegDwordLittleEndian = 0x00000004
	PropertyTypeRegDwordBigEndian    = 0x00000005
	PropertyTypeRegLink              = 0x00000006
	PropertyTypeRegMultiSZ           = 0x00000007
)

// signature is "MSFT100" in UTF-16LE, the fixed qwSignature of the OS
// string descriptor.
var signature = []byte{0x4d, 0x00, 0x53, 0x00, 0x46, 0x00, 0x54, 0x00, 0x31, 0x00, 0x30, 0x00, 0x30, 0x00}

// OSStringDescriptor builds the 0x12-byte OS string descriptor announcing
// vendorCode as the bMS_VendorCode for feature descriptor requests.
// containerID sets the flags bit advertising Container ID support.
func OSStringDescriptor(vendorCode uint8, containerID bool) []byte {
	var b bytes.Buffer
	b.WriteByte(0x12)
	b.WriteByte(usb.StringDescType)
	b.Write(signature)
	b.WriteByte(vendorCode)
	var flags uint8
	if containerID {
		flags |= 1 << 1
	}
	b.WriteByte(flags)
	return b.Bytes()
}

// CompatIDFunction is one function section of the extended compat-ID
// feature descriptor. IDs are at most 8 bytes of uppercase ASCII and are
// NUL-padded on the wire.
type CompatIDFunction struct {
	FirstInterfaceNumber uint8
	CompatibleID         string
	SubCompatibleID      string
}

// CompatIDFunctionLen is the wire size of one function section.
const CompatIDFunctionLen = 24

// compatIDHeaderLen is the wire size of the compat-ID header section.
const compatIDHeaderLen = 16

// BuildCompatID builds the extended compat-ID feature descriptor: a 16-byte
// header followed by one 24-byte function section per entry.
func BuildCompatID(functions []CompatIDFunction) []byte {
	total := compatIDHeaderLen + len(functions)*CompatIDFunctionLen
	var b bytes.Buffer
	b.Grow(total)
	_ = binary.Write(&b, binary.LittleEndian, uint32(total))
	_ = binary.Write(&b, binary.LittleEndian, uint16(BcdVersion))
	_ = binary.Write(&b, binary.LittleEndian, uint16(ExtendedCompatIDDescriptor))
	b.WriteByte(uint8(len(functions)))
	b.Write(make([]byte, 7))
	for _, f := range functions {
		b.WriteByte(f.FirstInterfaceNumber)
		b.WriteByte(0x01)
		b.Write(fixedID(f.CompatibleID))
		b.Write(fixedID(f.SubCompatibleID))
		b.Write(make([]byte, 6))
	}
	return b.Bytes()
}

// fixedID NUL-pads an ID to its 8-byte wire field.
func fixedID(s string) []byte {
	out := make([]byte, 8)
	copy(out, s)
	return out
}

// ExtendedProperty is one custom property section of the extended
// properties feature descriptor. Name is stored as a NUL-terminated
// UTF-16LE string on the wire.
type ExtendedProperty struct {
	DataType uint32
	Name     string
	Data     []byte
}

// RegSZProperty builds a REG_SZ property whose data is a NUL-terminated
// UTF-16LE string.
func RegSZProperty(name, value string) ExtendedProperty {
	return ExtendedProperty{
		DataType: PropertyTypeRegSZ,
		Name:     name,
		Data:     utf16lez(value),
	}
}

// extPropsHeaderLen is the wire size of the extended-properties header.
const extPropsHeaderLen = 10

// BuildExtendedProperties builds the extended properties feature
// descriptor: a 10-byte header followed by the custom property sections.
func BuildExtendedProperties(props []ExtendedProperty) []byte {
	sections := make([][]byte, len(props))
	total := extPropsHeaderLen
	for i, p := range props {
		name := utf16lez(p.Name)
		var s bytes.Buffer
		size := 4 + 4 + 2 + len(name) + 4 + len(p.Data)
		_ = binary.Write(&s, binary.LittleEndian, uint32(size))
		_ = binary.Write(&s, binary.LittleEndian, p.DataType)
		_ = binary.Write(&s, binary.LittleEndian, uint16(len(name)))
		s.Write(name)
		_ = binary.Write(&s, binary.LittleEndian, uint32(len(p.Data)))
		s.Write(p.Data)
		sections[i] = s.Bytes()
		total += size
	}
	var b bytes.Buffer
	b.Grow(total)
	_ = binary.Write(&b, binary.LittleEndian, uint32(total))
	_ = binary.Write(&b, binary.LittleEndian, uint16(BcdVersion))
	_ = binary.Write(&b, binary.LittleEndian, uint16(ExtendedPropertiesDescriptor))
	_ = binary.Write(&b, binary.LittleEndian, uint16(len(props)))
	for _, s := range sections {
		b.Write(s)
	}
	return b.Bytes()
}

// utf16lez encodes s as UTF-16LE with a trailing NUL code unit.
func utf16lez(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, (len(units)+1)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[i*2:], u)
	}
	return out
}

// Responder answers the vendor-coded feature descriptor requests. The
// descriptor blobs come from the application; a nil provider leaves the
// request unhandled so the stack stalls it.
type Responder struct {
	port usbd.Port

	// VendorCode must match the bMS_VendorCode baked into the OS string
	// descriptor.
	VendorCode uint8

	// CompatID returns the extended compat-ID feature descriptor.
	CompatID func() []byte

	// ExtendedProperties returns the extended properties feature
	// descriptor.
	ExtendedProperties func() []byte
}

// Init attaches the responder to its port.
func (r *Responder) Init(p usbd.Port) { r.port = p }

// ControlXfer answers a vendor request carrying the announced vendor code.
// Only the SETUP stage is acted on; DATA and ACK of an initiated reply are
// the stack's business.
func (r *Responder) ControlXfer(rhport uint8, stage usbd.Stage, req usb.SetupPacket) bool {
	if req.Type() != usb.ReqTypeVendor {
		return false
	}
	if req.BRequest != r.VendorCode {
		return false
	}

	switch req.WIndex {
	case ExtendedCompatIDDescriptor:
		if r.CompatID == nil {
			return false
		}
		if stage != usbd.StageSetup {
			return true
		}
		return r.port.ControlTransfer(req, r.CompatID())

	case ExtendedPropertiesDescriptor:
		if r.ExtendedProperties == nil {
			return false
		}
		if stage != usbd.StageSetup {
			return true
		}
		return r.port.ControlTransfer(req, r.ExtendedProperties())

	default:
		return false
	}
}
