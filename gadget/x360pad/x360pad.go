// Package x360pad assembles the Xbox 360 gamepad gadget: the descriptor
// tables of a wired controller, the X360 class driver bound to them, and
// the Microsoft OS 1.0 descriptors that make Windows pick the in-box XInput
// driver.
package x360pad

import (
	"github.com/padforge/xusbd/class/x360"
	"github.com/padforge/xusbd/gadget"
	"github.com/padforge/xusbd/msos"
	"github.com/padforge/xusbd/usb"
	"github.com/padforge/xusbd/usbd"
)

// Vendor code announced in the MS OS string descriptor; Windows echoes it
// as bRequest on the feature descriptor requests.
const MSVendorCode = 0x42

// Default identity of a wired Xbox 360 controller.
const (
	IDVendor  = 0x045e
	IDProduct = 0x028e
)

// inputCapabilities is the capability bitmap answered to the
// input-capability vendor query: everything but the reserved button bit,
// full triggers, and the high byte of each stick axis.
var inputCapabilities = [x360.ControlsLen]byte{
	0xff, 0xf7, 0xff, 0xff, 0x00, 0xff, 0x00, 0xff, 0x00, 0xff,
	0x00, 0xff, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// rumbleCapabilities is the mask answered to the rumble-capability query.
var rumbleCapabilities = [2]byte{0x00, 0x00}

// Options overrides parts of the gadget identity.
type Options struct {
	IDVendor  *uint16
	IDProduct *uint16

	// Serial replaces the default serial string and the raw serial bytes
	// answered to the X360 serial vendor query.
	Serial string
}

// New builds the gamepad gadget definition and its class driver. The driver
// is also returned directly so the application can push reports and watch
// rumble/LED traffic.
func New(opts *Options, cb x360.Callbacks) (*gadget.Definition, *x360.Driver) {
	serial := DeriveSerial()
	if opts != nil && opts.Serial != "" {
		serial = opts.Serial
	}

	drv := x360.New(x360.Config{
		MaxInterfaces:      1,
		RumbleCapabilities: &rumbleCapabilities,
		InputCapabilities:  &inputCapabilities,
		SerialNumber:       []byte(serial),
	}, cb)

	def := &gadget.Definition{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BDeviceClass:       0xff,
			BDeviceSubClass:    0xff,
			BDeviceProtocol:    0xff,
			BMaxPacketSize0:    0x08,
			IDVendor:           IDVendor,
			IDProduct:          IDProduct,
			BcdDevice:          0x0114,
			IManufacturer:      0x01,
			IProduct:           0x02,
			ISerialNumber:      0x03,
			BNumConfigurations: 0x01,
			Speed:              2, // Full speed
		},
		ConfigHeader: usb.ConfigHeader{
			BConfigurationValue: 1,
			BMAttributes:        0xa0, // bus powered, remote wakeup
			BMaxPower:           200 / 2,
		},
		Interfaces: []usb.InterfaceConfig{
			// Interface 0: ff/5d/01 control interface with the interrupt
			// endpoint pair. The 0x21 payload is the undocumented endpoint
			// report metadata a real controller carries.
			{
				Descriptor: usb.InterfaceDescriptor{
					BInterfaceNumber:   0x00,
					BNumEndpoints:      0x02,
					BInterfaceClass:    x360.ClassControl,
					BInterfaceSubClass: x360.SubclassControl,
					BInterfaceProtocol: x360.ProtocolControl,
				},
				Class: []usb.ClassSpecificDescriptor{
					{
						DescriptorType: x360.ClassSpecificType,
						Payload: []byte{
							0x00, 0x01, 0x01,
							0x25, 0x81, 0x14, 0x00, 0x00, 0x00, 0x00,
							0x13, 0x01, 0x08, 0x00, 0x00,
						},
					},
				},
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: 0x81, BMAttributes: 0x03, WMaxPacketSize: 0x0020, BInterval: 0x04},
					{BEndpointAddress: 0x01, BMAttributes: 0x03, WMaxPacketSize: 0x0020, BInterval: 0x08},
				},
			},
		},
		LangIDs: []uint16{0x0409},
		Strings: map[uint8]string{
			1: "©Microsoft Corporation",
			2: "Controller",
			3: serial,
		},
		OSString:     msos.OSStringDescriptor(MSVendorCode, true),
		MSVendorCode: MSVendorCode,
		CompatID: func() []byte {
			return msos.BuildCompatID([]msos.CompatIDFunction{
				{FirstInterfaceNumber: 0, CompatibleID: "XUSB10"},
			})
		},
		Drivers: []usbd.ClassDriver{drv},
	}

	if opts != nil {
		if opts.IDVendor != nil {
			def.Device.IDVendor = *opts.IDVendor
		}
		if opts.IDProduct != nil {
			def.Device.IDProduct = *opts.IDProduct
		}
	}

	return def, drv
}
