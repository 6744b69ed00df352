package usb

import "time"

// ServerConfig configures the USB/IP server.
type ServerConfig struct {
	Addr              string        `help:"Address for the USB/IP server to listen on" default:"0.0.0.0:3240" env:"XUSBD_USB_ADDR"`
	ConnectionTimeout time.Duration `kong:"-"`
}
