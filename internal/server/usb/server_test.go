package usb_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/padforge/xusbd/class/x360"
	"github.com/padforge/xusbd/gadget/x360pad"
	"github.com/padforge/xusbd/internal/log"
	serverusb "github.com/padforge/xusbd/internal/server/usb"
	"github.com/padforge/xusbd/internal/stack"
	"github.com/padforge/xusbd/usbip"
	"github.com/padforge/xusbd/virtualbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rumbleEvent struct{ left, right uint8 }

type testServer struct {
	srv    *serverusb.Server
	stk    *stack.Stack
	drv    *x360.Driver
	busid  string
	rumble chan rumbleEvent
}

func startServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{rumble: make(chan rumbleEvent, 8)}

	def, drv := x360pad.New(&x360pad.Options{Serial: "296013F"}, x360.Callbacks{
		ReceivedRumble: func(itfNum uint8, left, right uint8) {
			ts.rumble <- rumbleEvent{left, right}
		},
	})
	ts.drv = drv

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stk, err := stack.New(0, def, logger)
	require.NoError(t, err)
	ts.stk = stk

	bus := virtualbus.New()
	t.Cleanup(func() { _ = bus.Close() })
	meta, err := bus.Add(stk)
	require.NoError(t, err)
	ts.busid = string(meta.USBBusId[:bytes.IndexByte(meta.USBBusId[:], 0)])

	ts.srv = serverusb.New(serverusb.ServerConfig{
		Addr:              "127.0.0.1:0",
		ConnectionTimeout: 5 * time.Second,
	}, logger, log.NewRaw(nil))
	require.NoError(t, ts.srv.AddBus(bus))

	go func() { _ = ts.srv.ListenAndServe() }()
	t.Cleanup(func() { _ = ts.srv.Close() })

	require.NotNil(t, ts.srv.ListenAddr())
	return ts
}

func (ts *testServer) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", ts.srv.ListenAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

// importDevice performs OP_REQ_IMPORT and leaves the connection in URB
// stream mode.
func (ts *testServer) importDevice(t *testing.T) net.Conn {
	t.Helper()
	conn := ts.dial(t)

	hdr := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}
	require.NoError(t, hdr.Write(conn))
	var busid [32]byte
	copy(busid[:], ts.busid)
	_, err := conn.Write(busid[:])
	require.NoError(t, err)

	reply := make([]byte, 8+312)
	require.NoError(t, usbip.ReadExactly(conn, reply))
	rep := usbip.ParseMgmtHeader(reply[:8])
	require.Equal(t, uint16(usbip.OpRepImport), rep.Command)
	require.Zero(t, rep.Status)
	return conn
}

// controlURB submits an EP0 URB and returns the reply payload and status.
func controlURB(t *testing.T, conn net.Conn, seq uint32, dirIn bool, setup [8]byte, out []byte, wantLen uint32) ([]byte, int32) {
	t.Helper()

	dir := uint32(usbip.DirOut)
	if dirIn {
		dir = usbip.DirIn
	}
	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seq, Dir: dir, Ep: 0},
		TransferBufferLen: wantLen,
		Setup:             setup,
	}
	require.NoError(t, cmd.Write(conn))
	if !dirIn && len(out) > 0 {
		_, err := conn.Write(out)
		require.NoError(t, err)
	}

	ret := make([]byte, usbip.URBHeaderLen)
	require.NoError(t, usbip.ReadExactly(conn, ret))
	require.Equal(t, uint32(usbip.RetSubmitCode), binary.BigEndian.Uint32(ret[0:4]))
	require.Equal(t, seq, binary.BigEndian.Uint32(ret[4:8]))
	status := int32(binary.BigEndian.Uint32(ret[20:24]))
	actual := binary.BigEndian.Uint32(ret[24:28])

	var payload []byte
	if dirIn && actual > 0 && status == 0 {
		payload = make([]byte, actual)
		require.NoError(t, usbip.ReadExactly(conn, payload))
	}
	return payload, status
}

func setup(bm, req uint8, wValue, wIndex, wLength uint16) [8]byte {
	var s [8]byte
	s[0] = bm
	s[1] = req
	binary.LittleEndian.PutUint16(s[2:4], wValue)
	binary.LittleEndian.PutUint16(s[4:6], wIndex)
	binary.LittleEndian.PutUint16(s[6:8], wLength)
	return s
}

func TestDevlist(t *testing.T) {
	ts := startServer(t)
	conn := ts.dial(t)

	hdr := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}
	require.NoError(t, hdr.Write(conn))

	reply := make([]byte, 8+4)
	require.NoError(t, usbip.ReadExactly(conn, reply))
	rep := usbip.ParseMgmtHeader(reply[:8])
	assert.Equal(t, uint16(usbip.OpRepDevlist), rep.Command)
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(reply[8:12]))

	// One device entry with one interface triplet.
	entry := make([]byte, 312+4)
	require.NoError(t, usbip.ReadExactly(conn, entry))
	assert.Contains(t, string(entry[256:288]), ts.busid)
	assert.Equal(t, uint16(0x045e), binary.BigEndian.Uint16(entry[300:302]), "idVendor")
	assert.Equal(t, uint16(0x028e), binary.BigEndian.Uint16(entry[302:304]), "idProduct")
	assert.Equal(t, []byte{0xff, 0x5d, 0x01, 0x00}, entry[312:316], "XInput interface triple")
}

func TestImportAndEnumerate(t *testing.T) {
	ts := startServer(t)
	conn := ts.importDevice(t)

	dev, status := controlURB(t, conn, 1, true, setup(0x80, 0x06, 0x0100, 0, 18), nil, 18)
	require.Zero(t, status)
	require.Len(t, dev, 18)
	assert.Equal(t, []byte{0x5e, 0x04, 0x8e, 0x02}, dev[8:12])

	osStr, status := controlURB(t, conn, 2, true, setup(0x80, 0x06, 0x03ee, 0, 0x12), nil, 0x12)
	require.Zero(t, status)
	require.Len(t, osStr, 0x12)
	vendorCode := osStr[16]

	compat, status := controlURB(t, conn, 3, true, setup(0xc0, vendorCode, 0, 0x04, 0x28), nil, 0x28)
	require.Zero(t, status)
	require.Len(t, compat, 0x28)
	assert.Equal(t, []byte("XUSB10\x00\x00"), compat[18:26])

	// Unsupported request stalls with -EPIPE.
	_, status = controlURB(t, conn, 4, true, setup(0xc0, vendorCode, 0, 0x06, 0x18), nil, 0x18)
	assert.Equal(t, int32(-32), status)
}

func TestReportAndRumbleOverWire(t *testing.T) {
	ts := startServer(t)
	conn := ts.importDevice(t)

	_, status := controlURB(t, conn, 1, false, setup(0x00, 0x09, 1, 0, 0), nil, 0)
	require.Zero(t, status)

	// Application queues an input report.
	ts.stk.Serialize(func() {
		require.True(t, ts.drv.Ready(0))
		require.True(t, ts.drv.Report(0, &x360.Controls{Buttons: x360.ButtonA}))
	})

	// Host polls the interrupt IN endpoint.
	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 2, Dir: usbip.DirIn, Ep: 1},
		TransferBufferLen: 32,
	}
	require.NoError(t, cmd.Write(conn))
	ret := make([]byte, usbip.URBHeaderLen)
	require.NoError(t, usbip.ReadExactly(conn, ret))
	actual := binary.BigEndian.Uint32(ret[24:28])
	require.Equal(t, uint32(20), actual)
	report := make([]byte, actual)
	require.NoError(t, usbip.ReadExactly(conn, report))
	assert.Equal(t, uint8(0x14), report[1])
	assert.Equal(t, uint8(0x10), report[3], "button A bit")

	// Host sends a rumble command on the OUT endpoint.
	cmd = usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 3, Dir: usbip.DirOut, Ep: 1},
		TransferBufferLen: 8,
	}
	require.NoError(t, cmd.Write(conn))
	_, err := conn.Write([]byte{0x00, 0x08, 0x00, 0x80, 0x40, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	require.NoError(t, usbip.ReadExactly(conn, ret))
	assert.Equal(t, uint32(8), binary.BigEndian.Uint32(ret[24:28]), "OUT actual_length reports consumed bytes")

	select {
	case ev := <-ts.rumble:
		assert.Equal(t, rumbleEvent{0x80, 0x40}, ev)
	case <-time.After(time.Second):
		t.Fatal("rumble callback not invoked")
	}
}

func TestUnlinkReply(t *testing.T) {
	ts := startServer(t)
	conn := ts.importDevice(t)

	unlink := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: 9},
		UnlinkSeqnum: 2,
	}
	require.NoError(t, unlink.Write(conn))

	ret := make([]byte, usbip.URBHeaderLen)
	require.NoError(t, usbip.ReadExactly(conn, ret))
	assert.Equal(t, uint32(usbip.RetUnlinkCode), binary.BigEndian.Uint32(ret[0:4]))
	assert.Equal(t, uint32(9), binary.BigEndian.Uint32(ret[4:8]))
	assert.Equal(t, int32(-104), int32(binary.BigEndian.Uint32(ret[20:24])))
}

func TestDetachResetsGadget(t *testing.T) {
	ts := startServer(t)
	conn := ts.importDevice(t)

	_, status := controlURB(t, conn, 1, false, setup(0x00, 0x09, 1, 0, 0), nil, 0)
	require.Zero(t, status)
	ts.stk.Serialize(func() { require.True(t, ts.drv.Ready(0)) })

	require.NoError(t, conn.Close())

	// The server resets and rebinds the stack; the gadget drops back to
	// unconfigured but can be imported again.
	require.Eventually(t, func() bool {
		ready := true
		ts.stk.Serialize(func() { ready = ts.drv.Ready(0) })
		return !ready
	}, 2*time.Second, 10*time.Millisecond)

	conn2 := ts.importDevice(t)
	dev, status := controlURB(t, conn2, 1, true, setup(0x80, 0x06, 0x0100, 0, 18), nil, 18)
	require.Zero(t, status)
	assert.Len(t, dev, 18)
}
