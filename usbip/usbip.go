// Package usbip implements the USB/IP wire protocol (management ops and URB
// framing) used to attach an emulated gadget to a host's vhci-hcd driver.
package usbip

import (
	"encoding/binary"
	"io"
)

// Wire constants (network byte order / big-endian)
const (
	Version = 0x0111

	// Management commands
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction
	DirOut = 0x00000000
	DirIn  = 0x00000001

	// URB header (basic + command-specific part) wire size
	URBHeaderLen = 0x30
)

// writeBE writes a sequence of fixed-size values in network byte order.
func writeBE(w io.Writer, fields ...any) error {
	for _, f := range fields {
		if b, ok := f.([]byte); ok {
			if _, err := w.Write(b); err != nil {
				return err
			}
			continue
		}
		if err := binary.Write(w, binary.BigEndian, f); err != nil {
			return err
		}
	}
	return nil
}

// MgmtHeader is the 8-byte header for management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	return writeBE(w, h.Version, h.Command, h.Status)
}

// ParseMgmtHeader decodes the first 8 bytes of a management exchange.
func ParseMgmtHeader(data []byte) MgmtHeader {
	return MgmtHeader{
		Version: binary.BigEndian.Uint16(data[0:2]),
		Command: binary.BigEndian.Uint16(data[2:4]),
		Status:  binary.BigEndian.Uint32(data[4:8]),
	}
}

// DevListReplyHeader is the header after MgmtHeader for OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	return writeBE(w, d.NDevices)
}

// ExportMeta carries USB-IP bus identity for an emulated device. Fixed-size
// arrays match the wire format.
type ExportMeta struct {
	Path     [256]byte
	USBBusId [32]byte
	BusId    uint32
	DevId    uint32
}

// InterfaceDesc is the class triple advertised per interface in devlist
// replies.
type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// ExportedDevice describes one exported device in devlist/import replies.
// Strings are fixed-size, numbers big-endian per the kernel documentation.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	Interfaces []InterfaceDesc
}

// writeCommon emits the fields shared by devlist and import entries (up to
// and including bNumInterfaces).
func (d *ExportedDevice) writeCommon(w io.Writer) error {
	return writeBE(w,
		d.Path[:], d.USBBusId[:],
		d.BusId, d.DevId, d.Speed,
		d.IDVendor, d.IDProduct, d.BcdDevice,
		[]byte{
			d.BDeviceClass,
			d.BDeviceSubClass,
			d.BDeviceProtocol,
			d.BConfigurationValue,
			d.BNumConfigurations,
			d.BNumInterfaces,
		},
	)
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST (includes the
// interface triplets).
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	if err := d.writeCommon(w); err != nil {
		return err
	}
	for _, iface := range d.Interfaces {
		if err := writeBE(w, []byte{iface.Class, iface.SubClass, iface.Protocol, 0}); err != nil {
			return err
		}
	}
	return nil
}

// WriteImport writes the device entry for OP_REP_IMPORT (ends at
// bNumInterfaces).
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	return d.writeCommon(w)
}

// HeaderBasic is common to all URB cmds and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

// CmdSubmit is a submitted URB; the header occupies URBHeaderLen bytes, an
// OUT payload of TransferBufferLen bytes follows.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c *CmdSubmit) Write(w io.Writer) error {
	return writeBE(w,
		c.Basic.Command, c.Basic.Seqnum, c.Basic.Devid, c.Basic.Dir, c.Basic.Ep,
		c.TransferFlags, c.TransferBufferLen, c.StartFrame, c.NumberOfPackets,
		c.Interval, c.Setup[:],
	)
}

// ParseURBHeader decodes the URBHeaderLen-byte header common to CMD_SUBMIT
// and CMD_UNLINK. For CMD_UNLINK the TransferFlags field carries the
// seqnum to unlink.
func ParseURBHeader(hdr []byte) CmdSubmit {
	var c CmdSubmit
	c.Basic.Command = binary.BigEndian.Uint32(hdr[0:4])
	c.Basic.Seqnum = binary.BigEndian.Uint32(hdr[4:8])
	c.Basic.Devid = binary.BigEndian.Uint32(hdr[8:12])
	c.Basic.Dir = binary.BigEndian.Uint32(hdr[12:16])
	c.Basic.Ep = binary.BigEndian.Uint32(hdr[16:20])
	c.TransferFlags = binary.BigEndian.Uint32(hdr[20:24])
	c.TransferBufferLen = binary.BigEndian.Uint32(hdr[24:28])
	c.StartFrame = binary.BigEndian.Uint32(hdr[28:32])
	c.NumberOfPackets = binary.BigEndian.Uint32(hdr[32:36])
	c.Interval = binary.BigEndian.Uint32(hdr[36:40])
	copy(c.Setup[:], hdr[40:48])
	return c
}

// RetSubmit is the reply to a CMD_SUBMIT; an IN payload of ActualLength
// bytes follows the header.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         [8]byte
}

func (r *RetSubmit) Write(w io.Writer) error {
	return writeBE(w,
		r.Basic.Command, r.Basic.Seqnum, r.Basic.Devid, r.Basic.Dir, r.Basic.Ep,
		r.Status, r.ActualLength, r.StartFrame, r.NumberOfPackets, r.ErrorCount,
		r.Padding[:],
	)
}

// CmdUnlink cancels a previously submitted URB by sequence number.
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
	Padding      [24]byte
}

func (c *CmdUnlink) Write(w io.Writer) error {
	return writeBE(w,
		c.Basic.Command, c.Basic.Seqnum, c.Basic.Devid, c.Basic.Dir, c.Basic.Ep,
		c.UnlinkSeqnum, c.Padding[:],
	)
}

// RetUnlink is the reply to a CMD_UNLINK.
type RetUnlink struct {
	Basic   HeaderBasic
	Status  int32
	Padding [24]byte
}

func (r *RetUnlink) Write(w io.Writer) error {
	return writeBE(w,
		r.Basic.Command, r.Basic.Seqnum, r.Basic.Devid, r.Basic.Dir, r.Basic.Ep,
		r.Status, r.Padding[:],
	)
}

// ReadExactly fills buf from r or fails.
func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}
