package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/padforge/xusbd/class/x360"
	"github.com/padforge/xusbd/gadget"
	"github.com/padforge/xusbd/gadget/hidkbd"
	"github.com/padforge/xusbd/gadget/x360pad"
	"github.com/padforge/xusbd/internal/log"
	"github.com/padforge/xusbd/internal/server/usb"
	"github.com/padforge/xusbd/internal/stack"
	"github.com/padforge/xusbd/virtualbus"
)

// Serve exports one or more gadgets over USB/IP.
type Serve struct {
	Usb               usb.ServerConfig `embed:"" prefix:"usb."`
	Gadgets           []string         `help:"Gadgets to export" enum:"x360,hidkbd" default:"x360"`
	Serial            string           `help:"Override the gadget serial number"`
	ReportInterval    time.Duration    `help:"Idle input report interval for the x360 gadget (0 disables the pump)" default:"10ms"`
	ConnectionTimeout time.Duration    `help:"Timeout for the initial USB/IP handshake" default:"30s" env:"XUSBD_CONNECTION_TIMEOUT"`
}

// Run is called by kong when the serve command is executed.
func (s *Serve) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.StartServer(ctx, logger, rawLogger)
}

// StartServer builds the configured gadgets, registers them on a bus and
// serves USB/IP until ctx is done.
func (s *Serve) StartServer(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	s.Usb.ConnectionTimeout = s.ConnectionTimeout

	bus := virtualbus.New()
	defer bus.Close()

	var pumps []func(context.Context)
	for i, name := range s.Gadgets {
		def, pump, err := s.buildGadget(name, logger)
		if err != nil {
			return err
		}
		stk, err := stack.New(uint8(i), def, logger)
		if err != nil {
			return fmt.Errorf("gadget %s: %w", name, err)
		}
		meta, err := bus.Add(stk)
		if err != nil {
			return fmt.Errorf("gadget %s: %w", name, err)
		}
		busid := meta.USBBusId[:]
		logger.Info("gadget exported", "gadget", name, "busid", string(busid[:clen(busid)]))
		if pump != nil {
			pumps = append(pumps, pump(stk))
		}
	}

	srv := usb.New(s.Usb, logger, rawLogger)
	if err := srv.AddBus(bus); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	for _, p := range pumps {
		go p(ctx)
	}

	logger.Info("Starting xusbd USB/IP server", "addr", s.Usb.Addr)
	return srv.ListenAndServe()
}

// buildGadget assembles one gadget definition by name. The second return
// value, when non-nil, yields a background task bound to the gadget's
// stack (the x360 idle report pump).
func (s *Serve) buildGadget(name string, logger *slog.Logger) (*gadget.Definition, func(*stack.Stack) func(context.Context), error) {
	switch name {
	case "x360":
		var opts x360pad.Options
		if s.Serial != "" {
			opts.Serial = s.Serial
		}
		def, drv := x360pad.New(&opts, x360.Callbacks{
			ReceivedRumble: func(itfNum uint8, left, right uint8) {
				logger.Info("rumble", "itf", itfNum, "left", left, "right", right)
			},
			ReceivedLED: func(itfNum uint8, led x360.LEDAnimation) {
				logger.Info("led", "itf", itfNum, "animation", uint8(led))
			},
		})
		if s.ReportInterval <= 0 {
			return def, nil, nil
		}
		pump := func(stk *stack.Stack) func(context.Context) {
			return func(ctx context.Context) {
				// Keep the interrupt IN pipe fed with the current (neutral)
				// state so the host's input layer sees a live controller.
				var controls x360.Controls
				t := time.NewTicker(s.ReportInterval)
				defer t.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-t.C:
						stk.Serialize(func() {
							if drv.Ready(0) {
								drv.Report(0, &controls)
							}
						})
					}
				}
			}
		}
		return def, pump, nil

	case "hidkbd":
		var opts hidkbd.Options
		if s.Serial != "" {
			opts.Serial = s.Serial
		}
		def, kbd := hidkbd.New(&opts)
		kbd.LEDChanged = func(leds uint8) {
			logger.Info("keyboard leds", "state", fmt.Sprintf("0x%02x", leds))
		}
		return def, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown gadget %q", name)
	}
}

// clen finds the NUL terminator in a fixed-size wire string.
func clen(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return len(b)
}
