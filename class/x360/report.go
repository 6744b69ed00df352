package x360

import (
	"encoding/binary"
	"io"
)

// ControlsLen is the wire size of the controls payload inside an input
// report; MessageControlsLen includes the two-byte message header.
const (
	ControlsLen        = 18
	MessageControlsLen = 2 + ControlsLen
	MessageRumbleLen   = 8
	MessageLEDLen      = 3
)

// Controls is the gamepad state carried by a 20-byte input report. Values
// match XInput's C API: a 16-bit button bitmap, unsigned triggers and signed
// little-endian stick axes.
type Controls struct {
	Buttons uint16
	// Triggers: 0-255
	LT, RT uint8
	// Sticks: signed 16-bit little endian values
	LX, LY   int16
	RX, RY   int16
	Reserved [6]byte
}

// Encode writes the 18-byte controls payload into dst.
// Layout (indices into dst):
//
//	0-1: Buttons (little-endian u16)
//	2:   LT (0-255)
//	3:   RT (0-255)
//	4-5: LX (little-endian int16)
//	6-7: LY
//	8-9: RX
//	10-11: RY
//	12-17: Reserved / zero
func (c *Controls) Encode(dst []byte) {
	binary.LittleEndian.PutUint16(dst[0:2], c.Buttons)
	dst[2] = c.LT
	dst[3] = c.RT
	binary.LittleEndian.PutUint16(dst[4:6], uint16(c.LX))
	binary.LittleEndian.PutUint16(dst[6:8], uint16(c.LY))
	binary.LittleEndian.PutUint16(dst[8:10], uint16(c.RX))
	binary.LittleEndian.PutUint16(dst[10:12], uint16(c.RY))
	copy(dst[12:18], c.Reserved[:])
}

// DecodeControls parses an 18-byte controls payload.
func DecodeControls(data []byte) (Controls, error) {
	var c Controls
	if len(data) < ControlsLen {
		return c, io.ErrUnexpectedEOF
	}
	c.Buttons = binary.LittleEndian.Uint16(data[0:2])
	c.LT = data[2]
	c.RT = data[3]
	c.LX = int16(binary.LittleEndian.Uint16(data[4:6]))
	c.LY = int16(binary.LittleEndian.Uint16(data[6:8]))
	c.RX = int16(binary.LittleEndian.Uint16(data[8:10]))
	c.RY = int16(binary.LittleEndian.Uint16(data[10:12]))
	copy(c.Reserved[:], data[12:18])
	return c, nil
}

// DecodeReport parses a full 20-byte input report (header + controls).
func DecodeReport(data []byte) (Controls, error) {
	if len(data) < MessageControlsLen {
		return Controls{}, io.ErrUnexpectedEOF
	}
	return DecodeControls(data[2:])
}

// putMessageHeader writes the two-byte message header shared by all X360
// messages: the type and the total message length.
func putMessageHeader(dst []byte, msgType uint8, length uint8) {
	dst[0] = msgType
	dst[1] = length
}
