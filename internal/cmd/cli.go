// Package cmd wires the xusbd command line: the serve command exporting
// gadgets over USB/IP and the config template generator.
package cmd

// LogConfig selects log verbosity and destinations.
type LogConfig struct {
	Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"XUSBD_LOG_LEVEL"`
	File    string `help:"Write logs to this file instead of stdout/stderr" env:"XUSBD_LOG_FILE"`
	RawFile string `help:"Write a hexdump of the USB/IP wire traffic to this file" env:"XUSBD_LOG_RAW_FILE"`
}

// CLI is the root command structure parsed by kong.
type CLI struct {
	ConfigFile string    `name:"config" help:"Path to a configuration file (JSON/YAML/TOML)"`
	Log        LogConfig `embed:"" prefix:"log."`

	Serve  Serve         `cmd:"" default:"withargs" help:"Export emulated gadgets to USB/IP clients"`
	Config ConfigCommand `cmd:"" help:"Configuration file helpers"`
}
