// Package usb serves gadget stacks to USB/IP clients (vhci-hcd on Linux,
// usbip-win on Windows): devlist and import handling, then the URB stream
// bridged into the device stack's control and interrupt machinery.
package usb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/padforge/xusbd/internal/log"
	"github.com/padforge/xusbd/internal/stack"
	"github.com/padforge/xusbd/usbip"
	"github.com/padforge/xusbd/virtualbus"
)

const (
	// Standard header peek size
	headerPeekSize = 8

	// BUSID buffer size for import
	busIDSize = 32

	// URB status codes reported to the host
	statusStall     = -32  // -EPIPE, endpoint stalled the request
	statusConnReset = -104 // -ECONNRESET, unlinked URB
)

// Server accepts USB/IP clients and routes URBs into the gadget stacks
// registered on its busses.
type Server struct {
	config    *ServerConfig
	logger    *slog.Logger
	rawLogger log.RawLogger
	busses    map[uint32]*virtualbus.VirtualBus
	busesMu   sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
	ln        net.Listener
}

func New(config ServerConfig, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	return &Server{
		config:    &config,
		logger:    logger,
		rawLogger: rawLogger,
		busses:    make(map[uint32]*virtualbus.VirtualBus),
		ready:     make(chan struct{}),
	}
}

// AddBus registers a bus with the server. If the bus number is already
// present, an error is returned.
func (s *Server) AddBus(bus *virtualbus.VirtualBus) error {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	if bus == nil {
		return fmt.Errorf("bus is nil")
	}
	if _, ok := s.busses[bus.BusID()]; ok {
		return fmt.Errorf("bus %d already registered", bus.BusID())
	}
	s.busses[bus.BusID()] = bus
	return nil
}

// RemoveBus unregisters a bus from the server.
func (s *Server) RemoveBus(busID uint32) error {
	s.busesMu.Lock()
	bus, ok := s.busses[busID]
	if !ok {
		s.busesMu.Unlock()
		return fmt.Errorf("bus %d not found", busID)
	}
	delete(s.busses, busID)
	s.busesMu.Unlock()
	return bus.Close()
}

// ListBuses returns a snapshot of active bus numbers.
func (s *Server) ListBuses() []uint32 {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	out := make([]uint32, 0, len(s.busses))
	for k := range s.busses {
		out = append(out, k)
	}
	return out
}

// GetBus returns a bus by ID or nil if not present.
func (s *Server) GetBus(busID uint32) *virtualbus.VirtualBus {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	return s.busses[busID]
}

// ListenAndServe starts the USB/IP server and handles incoming connections.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("USB/IP server listening", "addr", s.config.Addr)
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || strings.Contains(strings.ToLower(err.Error()), "use of closed network connection") {
				s.logger.Info("USB/IP server stopped")
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		s.logger.Info("Client connected", "remote", c.RemoteAddr())
		go func() {
			if err := s.handleConn(c); err != nil {
				if isClientDisconnect(err) {
					s.logger.Info("Client disconnected", "error", err)
				} else {
					s.logger.Error("Connection handler error", "error", err)
				}
			}
		}()
	}
}

// Ready returns a channel that is closed once the server has bound to its
// listen address.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// ListenAddr returns the bound listener address, or nil before
// ListenAndServe has bound it. Useful with an Addr of ":0".
func (s *Server) ListenAddr() net.Addr {
	<-s.ready
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops the USB server by closing its listener.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// GetListenPort extracts the port number from the server's listen address.
func (s *Server) GetListenPort() uint16 {
	_, portStr, err := net.SplitHostPort(s.config.Addr)
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}

// --

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	conn = &logConn{Conn: conn, s: s}
	if err := conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout)); err != nil {
		s.logger.Warn("Failed to set deadline", "error", err)
	}

	// Peek first 8 bytes to tell a management op from an URB stream.
	var hdrBuf [headerPeekSize]byte
	if err := usbip.ReadExactly(conn, hdrBuf[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	hdr := usbip.ParseMgmtHeader(hdrBuf[:])
	if hdr.Version == usbip.Version {
		switch hdr.Command {
		case usbip.OpReqDevlist:
			s.logger.Info("OP_REQ_DEVLIST")
			return s.handleDevList(conn)
		case usbip.OpReqImport:
			s.logger.Info("OP_REQ_IMPORT")
			stk, err := s.handleImport(conn)
			if err != nil {
				return fmt.Errorf("handle import: %w", err)
			}
			return s.handleUrbStream(conn, stk)
		}
	}

	return fmt.Errorf("protocol violation: client sent URB data without OP_REQ_IMPORT")
}

// exportedDevice shapes a gadget's descriptor data into a devlist/import
// entry.
func exportedDevice(m virtualbus.DeviceMeta) usbip.ExportedDevice {
	def := m.Stack.Definition()
	exp := usbip.ExportedDevice{
		ExportMeta:          m.Meta,
		Speed:               def.Device.Speed,
		IDVendor:            def.Device.IDVendor,
		IDProduct:           def.Device.IDProduct,
		BcdDevice:           def.Device.BcdDevice,
		BDeviceClass:        def.Device.BDeviceClass,
		BDeviceSubClass:     def.Device.BDeviceSubClass,
		BDeviceProtocol:     def.Device.BDeviceProtocol,
		BConfigurationValue: def.ConfigHeader.BConfigurationValue,
		BNumConfigurations:  def.Device.BNumConfigurations,
		BNumInterfaces:      uint8(len(def.Interfaces)),
	}
	for _, iface := range def.Interfaces {
		exp.Interfaces = append(exp.Interfaces, usbip.InterfaceDesc{
			Class:    iface.Descriptor.BInterfaceClass,
			SubClass: iface.Descriptor.BInterfaceSubClass,
			Protocol: iface.Descriptor.BInterfaceProtocol,
		})
	}
	return exp
}

func (s *Server) handleDevList(conn net.Conn) error {
	_ = conn.SetDeadline(time.Time{})
	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist, Status: 0}
	_ = rep.Write(&buf)
	metas := s.getAllDeviceMetas()
	dlh := usbip.DevListReplyHeader{NDevices: uint32(len(metas))}
	_ = dlh.Write(&buf)
	for _, m := range metas {
		exp := exportedDevice(m)
		_ = exp.WriteDevlist(&buf)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write devlist: %w", err)
	}
	return nil
}

func (s *Server) handleImport(conn net.Conn) (*stack.Stack, error) {
	var rest [busIDSize]byte
	if err := usbip.ReadExactly(conn, rest[:]); err != nil {
		return nil, fmt.Errorf("read import busid: %w", err)
	}
	reqBus := string(rest[:bytes.IndexByte(rest[:], 0)])
	s.logger.Info("Import request", "busid", reqBus)

	var chosen *virtualbus.DeviceMeta
	for _, m := range s.getAllDeviceMetas() {
		end := bytes.IndexByte(m.Meta.USBBusId[:], 0)
		if string(m.Meta.USBBusId[:end]) == reqBus {
			chosen = &m
			break
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("no device matches busid %s", reqBus)
	}

	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 0}
	_ = rep.Write(&buf)
	exp := exportedDevice(*chosen)
	_ = exp.WriteImport(&buf)
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("write import reply failed: %w", err)
	}
	return chosen.Stack, nil
}

// getAllDeviceMetas aggregates device metas from all registered busses.
func (s *Server) getAllDeviceMetas() []virtualbus.DeviceMeta {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	out := []virtualbus.DeviceMeta{}
	for _, b := range s.busses {
		out = append(out, b.GetAllDeviceMetas()...)
	}
	return out
}

type logConn struct {
	net.Conn
	s *Server
}

func (lc *logConn) Read(p []byte) (int, error) {
	n, err := lc.Conn.Read(p)
	if n > 0 && lc.s.rawLogger != nil {
		lc.s.rawLogger.Log(true, p[:n])
	}
	return n, err
}

func (lc *logConn) Write(p []byte) (int, error) {
	n, err := lc.Conn.Write(p)
	if n > 0 && lc.s.rawLogger != nil {
		lc.s.rawLogger.Log(false, p[:n])
	}
	return n, err
}

// handleUrbStream pumps URBs between the client and one imported gadget.
// URBs arrive strictly sequentially per connection, which provides the
// serialization the class drivers rely on.
func (s *Server) handleUrbStream(conn net.Conn, stk *stack.Stack) error {
	_ = conn.SetDeadline(time.Time{})

	defer func() {
		// Cable pulled: drop all bindings, then rebind so the gadget can
		// be imported again.
		stk.Reset()
		if err := stk.Rebind(); err != nil {
			s.logger.Error("rebind after detach failed", "error", err)
		}
	}()

	for {
		var hdr [usbip.URBHeaderLen]byte
		if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
			return fmt.Errorf("read URB header: %w", err)
		}
		cmd := usbip.ParseURBHeader(hdr[:])

		if cmd.Basic.Command == usbip.CmdUnlinkCode {
			// TransferFlags aliases the unlink seqnum in this layout.
			s.logger.Debug("USBIP_CMD_UNLINK", "seq", cmd.Basic.Seqnum, "unlink", cmd.TransferFlags)
			ret := usbip.RetUnlink{
				Basic:  usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: cmd.Basic.Seqnum},
				Status: statusConnReset,
			}
			var out bytes.Buffer
			_ = ret.Write(&out)
			if _, err := conn.Write(out.Bytes()); err != nil {
				return fmt.Errorf("write RET_UNLINK: %w", err)
			}
			continue
		}
		if cmd.Basic.Command != usbip.CmdSubmitCode {
			return fmt.Errorf("unsupported cmd %d (seq=%d, devid=%d)", cmd.Basic.Command, cmd.Basic.Seqnum, cmd.Basic.Devid)
		}

		var outPayload []byte
		if cmd.Basic.Dir == usbip.DirOut && cmd.TransferBufferLen > 0 {
			outPayload = make([]byte, cmd.TransferBufferLen)
			if err := usbip.ReadExactly(conn, outPayload); err != nil {
				return fmt.Errorf("read OUT payload: %w", err)
			}
		}

		// An OUT URB on an interrupt endpoint with no armed transfer is
		// dropped and answered with zero actual_length.
		outArmed := true
		if cmd.Basic.Ep != 0 && cmd.Basic.Dir == usbip.DirOut {
			addr := uint8(cmd.Basic.Ep)
			stk.Serialize(func() { outArmed = stk.EndpointBusy(addr) })
		}

		respData, status := s.processSubmit(stk, cmd, outPayload)

		ret := usbip.RetSubmit{
			Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: cmd.Basic.Seqnum},
			Status:       status,
			ActualLength: uint32(len(respData)),
		}
		if cmd.Basic.Dir == usbip.DirOut && status == 0 {
			// For OUT the host wants the consumed byte count, not a payload.
			ret.ActualLength = cmd.TransferBufferLen
			if !outArmed {
				ret.ActualLength = 0
			}
			respData = nil
		}
		var out bytes.Buffer
		if err := ret.Write(&out); err != nil {
			return fmt.Errorf("build RET_SUBMIT header: %w", err)
		}
		out.Write(respData)
		if _, err := conn.Write(out.Bytes()); err != nil {
			return fmt.Errorf("write RET_SUBMIT: %w", err)
		}
	}
}

// processSubmit hands one URB to the stack: EP0 goes through the control
// state machine, everything else through the endpoint transfer path.
func (s *Server) processSubmit(stk *stack.Stack, cmd usbip.CmdSubmit, out []byte) ([]byte, int32) {
	if cmd.Basic.Ep == 0 {
		setup := cmd.Setup[:]
		s.logger.Debug("EP0",
			"bmRequestType", fmt.Sprintf("0x%02x", setup[0]),
			"bRequest", fmt.Sprintf("0x%02x", setup[1]),
			"wValue", fmt.Sprintf("0x%04x", binary.LittleEndian.Uint16(setup[2:4])),
			"wIndex", binary.LittleEndian.Uint16(setup[4:6]),
			"wLength", binary.LittleEndian.Uint16(setup[6:8]))
		data, ok := stk.HandleControl(setup, out)
		if !ok {
			return nil, statusStall
		}
		return data, 0
	}
	return stk.HandleTransfer(uint8(cmd.Basic.Ep), cmd.Basic.Dir == usbip.DirIn, out), 0
}
