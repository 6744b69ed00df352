package usb

import (
	"encoding/binary"
	"fmt"
)

// Standard request codes (USB 2.0 Table 9-4).
const (
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqSetDescriptor    = 0x07
	ReqGetConfiguration = 0x08
	ReqSetConfiguration = 0x09
	ReqGetInterface     = 0x0a
	ReqSetInterface     = 0x0b
)

// bmRequestType type field (bits 5-6).
const (
	ReqTypeStandard = 0
	ReqTypeClass    = 1
	ReqTypeVendor   = 2
)

// bmRequestType recipient field (bits 0-4).
const (
	ReqRecipientDevice    = 0
	ReqRecipientInterface = 1
	ReqRecipientEndpoint  = 2
	ReqRecipientOther     = 3
)

// SetupPacketLen is the wire size of a SETUP packet.
const SetupPacketLen = 8

// SetupPacket is the 8-byte USB SETUP packet. It exists only for the
// duration of one control transfer.
type SetupPacket struct {
	BMRequestType uint8
	BRequest      uint8
	WValue        uint16
	WIndex        uint16
	WLength       uint16
}

// ParseSetupPacket decodes the 8 SETUP bytes (wValue/wIndex/wLength are
// little-endian on the wire).
func ParseSetupPacket(data []byte) (SetupPacket, error) {
	var p SetupPacket
	if len(data) < SetupPacketLen {
		return p, fmt.Errorf("setup packet: %d bytes, need %d", len(data), SetupPacketLen)
	}
	p.BMRequestType = data[0]
	p.BRequest = data[1]
	p.WValue = binary.LittleEndian.Uint16(data[2:4])
	p.WIndex = binary.LittleEndian.Uint16(data[4:6])
	p.WLength = binary.LittleEndian.Uint16(data[6:8])
	return p, nil
}

// Bytes encodes the packet back to its 8-byte wire form.
func (p SetupPacket) Bytes() []byte {
	b := make([]byte, SetupPacketLen)
	b[0] = p.BMRequestType
	b[1] = p.BRequest
	binary.LittleEndian.PutUint16(b[2:4], p.WValue)
	binary.LittleEndian.PutUint16(b[4:6], p.WIndex)
	binary.LittleEndian.PutUint16(b[6:8], p.WLength)
	return b
}

// DirIn reports whether the data stage flows device-to-host.
func (p SetupPacket) DirIn() bool { return p.BMRequestType&0x80 != 0 }

// Type returns the request type field (standard/class/vendor).
func (p SetupPacket) Type() uint8 { return (p.BMRequestType >> 5) & 0x03 }

// Recipient returns the request recipient field (device/interface/endpoint).
func (p SetupPacket) Recipient() uint8 { return p.BMRequestType & 0x1f }

// ValueLow and ValueHigh split wValue the way HID and descriptor requests
// encode (index, type) pairs into it.
func (p SetupPacket) ValueLow() uint8  { return uint8(p.WValue) }
func (p SetupPacket) ValueHigh() uint8 { return uint8(p.WValue >> 8) }
