package x360_test

import (
	"bytes"
	"testing"

	"github.com/padforge/xusbd/class/x360"
	xtesting "github.com/padforge/xusbd/internal/testing"
	"github.com/padforge/xusbd/usb"
	"github.com/padforge/xusbd/usbd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var classPayload = []byte{
	0x00, 0x01, 0x01,
	0x25, 0x81, 0x14, 0x00, 0x00, 0x00, 0x00,
	0x13, 0x01, 0x08, 0x00, 0x00,
}

// interfaceBlock builds the packed descriptor block Open is offered: the
// interface descriptor, the class-specific 0x21 descriptor and the
// interrupt endpoint pair.
func interfaceBlock(itfNum uint8) []byte {
	var b bytes.Buffer
	usb.InterfaceDescriptor{
		BInterfaceNumber:   itfNum,
		BNumEndpoints:      2,
		BInterfaceClass:    x360.ClassControl,
		BInterfaceSubClass: x360.SubclassControl,
		BInterfaceProtocol: x360.ProtocolControl,
	}.Write(&b)
	usb.ClassSpecificDescriptor{DescriptorType: x360.ClassSpecificType, Payload: classPayload}.Write(&b)
	usb.EndpointDescriptor{BEndpointAddress: 0x81, BMAttributes: 0x03, WMaxPacketSize: 32, BInterval: 4}.Write(&b)
	usb.EndpointDescriptor{BEndpointAddress: 0x01, BMAttributes: 0x03, WMaxPacketSize: 32, BInterval: 8}.Write(&b)
	return b.Bytes()
}

var testCaps = struct {
	rumble [2]byte
	input  [x360.ControlsLen]byte
}{
	rumble: [2]byte{0x00, 0x00},
	input: [x360.ControlsLen]byte{
		0xff, 0xf7, 0xff, 0xff, 0x00, 0xff, 0x00, 0xff, 0x00, 0xff,
		0x00, 0xff, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	},
}

func newDriver(t *testing.T, cb x360.Callbacks) (*x360.Driver, *xtesting.MockPort) {
	t.Helper()
	port := xtesting.NewMockPort()
	drv := x360.New(x360.Config{
		RumbleCapabilities: &testCaps.rumble,
		InputCapabilities:  &testCaps.input,
		SerialNumber:       []byte("ABC"),
	}, cb)
	drv.Init(port)
	return drv, port
}

func openDriver(t *testing.T, cb x360.Callbacks) (*x360.Driver, *xtesting.MockPort) {
	t.Helper()
	drv, port := newDriver(t, cb)
	n, err := drv.Open(0, interfaceBlock(0))
	require.NoError(t, err)
	require.Equal(t, usb.InterfaceDescLen+x360.ClassSpecificLen+2*usb.EndpointDescLen, n)
	return drv, port
}

func TestOpenBindsInterface(t *testing.T) {
	drv, port := openDriver(t, x360.Callbacks{})

	assert.Contains(t, port.Endpoints, uint8(0x81))
	assert.Contains(t, port.Endpoints, uint8(0x01))
	// The OUT endpoint is armed immediately for rumble/LED traffic.
	require.NotNil(t, port.Pending[0x01])
	assert.Len(t, port.Pending[0x01], x360.TransferOutBufSize)

	assert.True(t, drv.Ready(0))
}

func TestOpenRejectsForeignInterface(t *testing.T) {
	drv, _ := newDriver(t, x360.Callbacks{})

	var b bytes.Buffer
	usb.InterfaceDescriptor{
		BInterfaceNumber: 0,
		BNumEndpoints:    2,
		BInterfaceClass:  0x03, // HID, not ours
	}.Write(&b)

	n, err := drv.Open(0, b.Bytes())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, drv.Ready(0))
}

func TestOpenTruncatedBlockFailsWithoutBinding(t *testing.T) {
	drv, port := newDriver(t, x360.Callbacks{})

	block := interfaceBlock(0)
	_, err := drv.Open(0, block[:len(block)-usb.EndpointDescLen])
	require.Error(t, err)
	assert.Empty(t, port.Endpoints)
	assert.False(t, drv.Ready(0))
}

func TestOpenSecondInstanceExhausted(t *testing.T) {
	drv, _ := openDriver(t, x360.Callbacks{})

	_, err := drv.Open(0, interfaceBlock(1))
	assert.ErrorIs(t, err, usbd.ErrNoFreeInstance)
}

func TestReportSerializesButtonPress(t *testing.T) {
	drv, port := openDriver(t, x360.Callbacks{})

	ok := drv.Report(0, &x360.Controls{Buttons: x360.ButtonA})
	require.True(t, ok)

	want := []byte{
		0x00, 0x14, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	assert.Equal(t, want, port.Pending[0x81])
}

func TestReportRoundTrip(t *testing.T) {
	drv, port := openDriver(t, x360.Callbacks{})

	in := x360.Controls{
		Buttons: x360.ButtonDPadUp | x360.ButtonRShoulder | x360.ButtonY,
		LT:      0x12,
		RT:      0xfe,
		LX:      -32768,
		LY:      32767,
		RX:      -1,
		RY:      0x0102,
	}
	require.True(t, drv.Report(0, &in))

	raw := port.TakePending(0x81)
	require.Len(t, raw, x360.MessageControlsLen)
	assert.Equal(t, uint8(x360.MessageTypeInInput), raw[0])
	assert.Equal(t, uint8(x360.MessageControlsLen), raw[1])

	out, err := x360.DecodeReport(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestReportFailsWhileOutstanding(t *testing.T) {
	drv, port := openDriver(t, x360.Callbacks{})

	require.True(t, drv.Report(0, &x360.Controls{}))
	assert.False(t, drv.Ready(0))
	assert.False(t, drv.Report(0, &x360.Controls{}), "second report must fail while one is outstanding")

	// Completion frees the endpoint for the next report.
	buf := port.TakePending(0x81)
	require.True(t, drv.Xfer(0, 0x81, usbd.XferSuccess, uint32(len(buf))))
	assert.True(t, drv.Report(0, &x360.Controls{}))
}

func TestReportUnknownInterface(t *testing.T) {
	drv, _ := openDriver(t, x360.Callbacks{})
	assert.False(t, drv.Report(7, &x360.Controls{}))
}

func TestReportCompleteCallback(t *testing.T) {
	var gotItf uint8
	var gotLen uint32
	drv, port := openDriver(t, x360.Callbacks{
		ReportComplete: func(itfNum uint8, report []byte, length uint32) {
			gotItf = itfNum
			gotLen = length
		},
	})

	require.True(t, drv.Report(0, &x360.Controls{}))
	buf := port.TakePending(0x81)
	require.True(t, drv.Xfer(0, 0x81, usbd.XferSuccess, uint32(len(buf))))
	assert.Equal(t, uint8(0), gotItf)
	assert.Equal(t, uint32(x360.MessageControlsLen), gotLen)
}

// deliverOut simulates the host writing an OUT message: the armed buffer is
// filled and the transfer completed.
func deliverOut(t *testing.T, drv *x360.Driver, port *xtesting.MockPort, msg []byte) {
	t.Helper()
	buf := port.TakePending(0x01)
	require.NotNil(t, buf, "OUT endpoint must be armed")
	copy(buf, msg)
	require.True(t, drv.Xfer(0, 0x01, usbd.XferSuccess, uint32(len(msg))))
}

func TestRumbleArrival(t *testing.T) {
	type rumble struct{ left, right uint8 }
	var got []rumble
	drv, port := openDriver(t, x360.Callbacks{
		ReceivedRumble: func(itfNum uint8, left, right uint8) {
			assert.Equal(t, uint8(0), itfNum)
			got = append(got, rumble{left, right})
		},
	})

	deliverOut(t, drv, port, []byte{0x00, 0x08, 0x00, 0x80, 0x40, 0x00, 0x00, 0x00})
	require.Equal(t, []rumble{{0x80, 0x40}}, got)

	// The OUT endpoint is re-armed with the same buffer.
	assert.NotNil(t, port.Pending[0x01])
}

func TestLEDDebounce(t *testing.T) {
	var got []x360.LEDAnimation
	drv, port := openDriver(t, x360.Callbacks{
		ReceivedLED: func(itfNum uint8, led x360.LEDAnimation) {
			got = append(got, led)
		},
	})

	msg := []byte{0x01, 0x03, byte(x360.LEDSlot1On)}
	deliverOut(t, drv, port, msg)
	deliverOut(t, drv, port, msg)
	assert.Equal(t, []x360.LEDAnimation{x360.LEDSlot1On}, got, "identical LED messages fire exactly once")

	deliverOut(t, drv, port, []byte{0x01, 0x03, byte(x360.LEDRotating)})
	assert.Equal(t, []x360.LEDAnimation{x360.LEDSlot1On, x360.LEDRotating}, got)
}

func TestMalformedOutIgnored(t *testing.T) {
	called := false
	drv, port := openDriver(t, x360.Callbacks{
		ReceivedRumble: func(uint8, uint8, uint8) { called = true },
		ReceivedLED:    func(uint8, x360.LEDAnimation) { called = true },
	})

	// Rumble type with LED length and vice versa.
	deliverOut(t, drv, port, []byte{0x00, 0x03, 0x01})
	deliverOut(t, drv, port, []byte{0x01, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	assert.False(t, called)
	assert.NotNil(t, port.Pending[0x01], "OUT must be re-armed even for ignored messages")
}

func TestXferErrorAutoRearmsOut(t *testing.T) {
	drv, port := openDriver(t, x360.Callbacks{})

	port.TakePending(0x01)
	require.True(t, drv.Xfer(0, 0x01, usbd.XferFailed, 0))
	assert.NotNil(t, port.Pending[0x01], "OUT re-armed automatically without an issue callback")
}

func TestXferErrorDelegatedToIssueCallback(t *testing.T) {
	var gotEp uint8
	var gotResult usbd.XferResult
	drv, port := openDriver(t, x360.Callbacks{
		ReportIssue: func(itfNum uint8, epAddr uint8, result usbd.XferResult, xferredBytes uint32) {
			gotEp = epAddr
			gotResult = result
		},
	})

	port.TakePending(0x01)
	require.True(t, drv.Xfer(0, 0x01, usbd.XferStalled, 0))
	assert.Equal(t, uint8(0x01), gotEp)
	assert.Equal(t, usbd.XferStalled, gotResult)
	assert.Nil(t, port.Pending[0x01], "re-arming is the callback's responsibility")
}

func vendorSetup(bmRequestType uint8, wValue uint16) usb.SetupPacket {
	return usb.SetupPacket{
		BMRequestType: bmRequestType,
		BRequest:      0x01,
		WValue:        wValue,
		WIndex:        0,
		WLength:       0x20,
	}
}

func TestVendorRumbleCapabilityQuery(t *testing.T) {
	drv, port := openDriver(t, x360.Callbacks{})

	// Vendor | IN | recipient interface.
	req := vendorSetup(0xc1, 0x0000)
	require.True(t, drv.ControlXfer(0, usbd.StageSetup, req))
	assert.Equal(t, []byte{0x00, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, port.CtrlData)

	// Later stages acknowledge without restaging the reply.
	port.ResetCtrl()
	assert.True(t, drv.ControlXfer(0, usbd.StageAck, req))
	assert.Nil(t, port.CtrlData)
}

func TestVendorInputCapabilityQuery(t *testing.T) {
	drv, port := openDriver(t, x360.Callbacks{})

	req := vendorSetup(0xc1, 0x0100)
	require.True(t, drv.ControlXfer(0, usbd.StageSetup, req))
	require.Len(t, port.CtrlData, x360.MessageControlsLen)
	assert.Equal(t, uint8(x360.MessageTypeInInput), port.CtrlData[0])
	assert.Equal(t, uint8(x360.MessageControlsLen), port.CtrlData[1])
	assert.Equal(t, testCaps.input[:], port.CtrlData[2:])
}

func TestVendorSerialQuery(t *testing.T) {
	drv, port := openDriver(t, x360.Callbacks{})

	// Same wValue as the rumble query, but recipient device.
	req := vendorSetup(0xc0, 0x0000)
	require.True(t, drv.ControlXfer(0, usbd.StageSetup, req))
	assert.Equal(t, []byte("ABC"), port.CtrlData, "serial bytes are raw, no NUL terminator")
}

func TestVendorRecipientDisambiguation(t *testing.T) {
	// The rumble-capability and serial requests share wValue 0x0000; only
	// the recipient tells them apart, so the recipient branch must come
	// first.
	drv, port := openDriver(t, x360.Callbacks{})

	require.True(t, drv.ControlXfer(0, usbd.StageSetup, vendorSetup(0xc1, 0x0000)))
	iface := append([]byte(nil), port.CtrlData...)
	port.ResetCtrl()
	require.True(t, drv.ControlXfer(0, usbd.StageSetup, vendorSetup(0xc0, 0x0000)))
	device := append([]byte(nil), port.CtrlData...)

	assert.NotEqual(t, iface, device)
	assert.Equal(t, uint8(0x08), iface[1], "interface recipient yields the rumble message")
	assert.Equal(t, []byte("ABC"), device, "device recipient yields the serial")
}

func TestVendorRequestRejections(t *testing.T) {
	drv, _ := openDriver(t, x360.Callbacks{})

	cases := []struct {
		name string
		req  usb.SetupPacket
	}{
		{"wrong type (class)", usb.SetupPacket{BMRequestType: 0xa1, BRequest: 0x01}},
		{"wrong bRequest", usb.SetupPacket{BMRequestType: 0xc1, BRequest: 0x02}},
		{"unknown wValue", usb.SetupPacket{BMRequestType: 0xc1, BRequest: 0x01, WValue: 0x0300}},
		{"unknown interface", usb.SetupPacket{BMRequestType: 0xc1, BRequest: 0x01, WIndex: 9}},
		{"endpoint recipient", usb.SetupPacket{BMRequestType: 0xc2, BRequest: 0x01}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.False(t, drv.ControlXfer(0, usbd.StageSetup, tc.req))
		})
	}
}

func TestResetFreesInstances(t *testing.T) {
	drv, port := openDriver(t, x360.Callbacks{})

	drv.Reset(0)
	assert.False(t, drv.Ready(0))
	assert.False(t, drv.Report(0, &x360.Controls{}))
	assert.False(t, drv.ControlXfer(0, usbd.StageSetup, vendorSetup(0xc1, 0x0000)))
	assert.False(t, drv.Xfer(0, 0x81, usbd.XferSuccess, 0))

	_ = port
}
