package usb_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/padforge/xusbd/usb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceDescriptorBytes(t *testing.T) {
	d := usb.DeviceDescriptor{
		BcdUSB:             0x0200,
		BDeviceClass:       0xff,
		BDeviceSubClass:    0xff,
		BDeviceProtocol:    0xff,
		BMaxPacketSize0:    8,
		IDVendor:           0x045e,
		IDProduct:          0x028e,
		BcdDevice:          0x0114,
		IManufacturer:      1,
		IProduct:           2,
		ISerialNumber:      3,
		BNumConfigurations: 1,
	}
	b := d.Bytes()

	require.Len(t, b, usb.DeviceDescLen)
	assert.Equal(t, uint8(usb.DeviceDescLen), b[0])
	assert.Equal(t, uint8(usb.DeviceDescType), b[1])
	assert.Equal(t, uint16(0x0200), binary.LittleEndian.Uint16(b[2:4]))
	assert.Equal(t, uint16(0x045e), binary.LittleEndian.Uint16(b[8:10]), "idVendor is little-endian")
	assert.Equal(t, uint16(0x028e), binary.LittleEndian.Uint16(b[10:12]))
	assert.Equal(t, uint8(1), b[17])
}

func TestBuildConfigurationPatchesTotals(t *testing.T) {
	ifaces := []usb.InterfaceConfig{
		{
			Descriptor: usb.InterfaceDescriptor{
				BInterfaceNumber: 0,
				BNumEndpoints:    2,
				BInterfaceClass:  0xff,
			},
			Class: []usb.ClassSpecificDescriptor{
				{DescriptorType: 0x21, Payload: bytes.Repeat([]byte{0xaa}, 15)},
			},
			Endpoints: []usb.EndpointDescriptor{
				{BEndpointAddress: 0x81, BMAttributes: 0x03, WMaxPacketSize: 32, BInterval: 4},
				{BEndpointAddress: 0x01, BMAttributes: 0x03, WMaxPacketSize: 32, BInterval: 8},
			},
		},
	}
	cfg := usb.BuildConfiguration(usb.ConfigHeader{BConfigurationValue: 1, BMAttributes: 0xa0, BMaxPower: 50}, ifaces)

	wantLen := usb.ConfigDescLen + usb.InterfaceDescLen + 17 + 2*usb.EndpointDescLen
	require.Len(t, cfg, wantLen)
	assert.Equal(t, uint16(wantLen), binary.LittleEndian.Uint16(cfg[2:4]), "wTotalLength")
	assert.Equal(t, uint8(1), cfg[4], "bNumInterfaces")

	// Walk the stream back out.
	itf := usb.NextDesc(cfg)
	require.Equal(t, uint8(usb.InterfaceDescType), usb.DescTypeOf(itf))
	cls := usb.NextDesc(itf)
	require.Equal(t, uint8(0x21), usb.DescTypeOf(cls))
	assert.Equal(t, 17, usb.DescLen(cls))
	ep1 := usb.NextDesc(cls)
	parsed, err := usb.ParseEndpointDescriptor(ep1)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x81), parsed.BEndpointAddress)
	assert.Equal(t, uint8(usb.XferInterrupt), parsed.TransferType())
	ep2 := usb.NextDesc(ep1)
	parsed2, err := usb.ParseEndpointDescriptor(ep2)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x01), parsed2.BEndpointAddress)
	assert.Nil(t, usb.NextDesc(ep2))
}

func TestParseInterfaceDescriptorRoundTrip(t *testing.T) {
	in := usb.InterfaceDescriptor{
		BInterfaceNumber:   3,
		BAlternateSetting:  1,
		BNumEndpoints:      2,
		BInterfaceClass:    0xff,
		BInterfaceSubClass: 0x5d,
		BInterfaceProtocol: 0x01,
		IInterface:         4,
	}
	var b bytes.Buffer
	in.Write(&b)

	out, err := usb.ParseInterfaceDescriptor(b.Bytes())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseDescriptorErrors(t *testing.T) {
	_, err := usb.ParseInterfaceDescriptor([]byte{9, usb.InterfaceDescType, 0})
	assert.Error(t, err, "short interface descriptor")

	_, err = usb.ParseInterfaceDescriptor(make([]byte, 9))
	assert.Error(t, err, "wrong descriptor type")

	_, err = usb.ParseEndpointDescriptor([]byte{7, usb.EndpointDescType})
	assert.Error(t, err, "short endpoint descriptor")

	_, err = usb.ParseEndpointDescriptor(make([]byte, 7))
	assert.Error(t, err, "wrong descriptor type")
}

func TestEncodeStringDescriptor(t *testing.T) {
	desc := usb.EncodeStringDescriptor("AB")
	assert.Equal(t, []byte{6, usb.StringDescType, 'A', 0, 'B', 0}, desc)

	// Non-ASCII code points land as UTF-16LE units.
	copyright := usb.EncodeStringDescriptor("©")
	assert.Equal(t, []byte{4, usb.StringDescType, 0xa9, 0x00}, copyright)
}

func TestEndpointHelpers(t *testing.T) {
	assert.True(t, usb.EndpointIn(0x81))
	assert.False(t, usb.EndpointIn(0x01))
	assert.Equal(t, uint8(1), usb.EndpointNumber(0x81))
	assert.Equal(t, uint8(1), usb.EndpointNumber(0x01))
}

func TestNextDescTerminatesOnGarbage(t *testing.T) {
	assert.Nil(t, usb.NextDesc(nil))
	assert.Nil(t, usb.NextDesc([]byte{0x00, 0x03}), "zero-length descriptor must not loop")
	assert.Nil(t, usb.NextDesc([]byte{0x09, 0x04}), "bLength past the end of the stream")
}
