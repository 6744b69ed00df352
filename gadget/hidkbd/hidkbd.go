// Package hidkbd assembles a boot keyboard gadget on top of the custom HID
// class driver: descriptor tables, the boot-protocol report descriptor, and
// the callback wiring for input reports and the LED output report.
package hidkbd

import (
	"github.com/padforge/xusbd/class/customhid"
	"github.com/padforge/xusbd/gadget"
	"github.com/padforge/xusbd/usb"
	"github.com/padforge/xusbd/usbd"
)

// Default identity of the keyboard gadget.
const (
	IDVendor  = 0x2e8a
	IDProduct = 0x0010
)

// InputReportLen is the boot-protocol input report size (modifiers,
// reserved, six key slots).
const InputReportLen = 8

// reportDescriptor is the classic boot keyboard report descriptor: an
// 8-byte input report and a 5-bit LED output report.
var reportDescriptor = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x06, // Usage (Keyboard)
	0xa1, 0x01, // Collection (Application)
	0x05, 0x07, //   Usage Page (Keyboard)
	0x19, 0xe0, //   Usage Minimum (Left Control)
	0x29, 0xe7, //   Usage Maximum (Right GUI)
	0x15, 0x00, //   Logical Minimum (0)
	0x25, 0x01, //   Logical Maximum (1)
	0x75, 0x01, //   Report Size (1)
	0x95, 0x08, //   Report Count (8)
	0x81, 0x02, //   Input (Data, Var, Abs) - modifiers
	0x95, 0x01, //   Report Count (1)
	0x75, 0x08, //   Report Size (8)
	0x81, 0x01, //   Input (Const) - reserved
	0x95, 0x05, //   Report Count (5)
	0x75, 0x01, //   Report Size (1)
	0x05, 0x08, //   Usage Page (LEDs)
	0x19, 0x01, //   Usage Minimum (Num Lock)
	0x29, 0x05, //   Usage Maximum (Kana)
	0x91, 0x02, //   Output (Data, Var, Abs) - LEDs
	0x95, 0x01, //   Report Count (1)
	0x75, 0x03, //   Report Size (3)
	0x91, 0x01, //   Output (Const) - LED padding
	0x95, 0x06, //   Report Count (6)
	0x75, 0x08, //   Report Size (8)
	0x15, 0x00, //   Logical Minimum (0)
	0x25, 0x65, //   Logical Maximum (101)
	0x05, 0x07, //   Usage Page (Keyboard)
	0x19, 0x00, //   Usage Minimum (0)
	0x29, 0x65, //   Usage Maximum (101)
	0x81, 0x00, //   Input (Data, Array) - key slots
	0xc0, // End Collection
}

// Options overrides parts of the gadget identity.
type Options struct {
	IDVendor  *uint16
	IDProduct *uint16
	Serial    string
}

// Keyboard owns the application side of the gadget: the live input report,
// the LED receive buffer, and the hooks the class driver calls into.
type Keyboard struct {
	drv *customhid.Driver

	inputReport [InputReportLen]byte
	ledBuf      [1]byte
	leds        uint8

	// LEDChanged observes host LED updates (both the interrupt OUT path
	// and SET_REPORT over the control pipe).
	LEDChanged func(leds uint8)
}

// New builds the keyboard gadget definition and its application state.
func New(opts *Options) (*gadget.Definition, *Keyboard) {
	kbd := &Keyboard{}
	kbd.drv = customhid.New(customhid.Config{MaxInterfaces: 1}, customhid.Callbacks{
		OutEndpointOpened: func(itfNum uint8) {
			// Arm the LED report path as soon as the endpoint exists.
			kbd.drv.ReceiveReport(itfNum, kbd.ledBuf[:])
		},
		DescriptorReport: func(itfNum uint8) []byte {
			return reportDescriptor
		},
		GetReport: func(itfNum uint8, reportID uint8, reportType uint8) []byte {
			if reportType != customhid.ReportTypeInput {
				return nil
			}
			return kbd.inputReport[:]
		},
		SetReport: func(itfNum uint8, reportID uint8, reportType uint8) []byte {
			if reportType != customhid.ReportTypeOutput {
				return nil
			}
			return kbd.ledBuf[:]
		},
		ReportReceivedComplete: func(itfNum uint8, reportID uint8, reportType uint8, report []byte, length uint32) {
			if length >= 1 && len(report) >= 1 {
				kbd.setLEDs(report[0])
			}
			// Interrupt OUT stays unarmed after completion; hand the
			// buffer straight back.
			kbd.drv.ReceiveReport(itfNum, kbd.ledBuf[:])
		},
	})

	serial := "1337"
	if opts != nil && opts.Serial != "" {
		serial = opts.Serial
	}

	def := &gadget.Definition{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BMaxPacketSize0:    0x40,
			IDVendor:           IDVendor,
			IDProduct:          IDProduct,
			BcdDevice:          0x0100,
			IManufacturer:      0x01,
			IProduct:           0x02,
			ISerialNumber:      0x03,
			BNumConfigurations: 0x01,
			Speed:              2, // Full speed
		},
		ConfigHeader: usb.ConfigHeader{
			BConfigurationValue: 1,
			BMAttributes:        0xa0, // bus powered, remote wakeup
			BMaxPower:           100 / 2,
		},
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor: usb.InterfaceDescriptor{
					BInterfaceNumber:   0x00,
					BNumEndpoints:      0x02,
					BInterfaceClass:    customhid.ClassHID,
					BInterfaceSubClass: 0x01, // boot
					BInterfaceProtocol: 0x01, // keyboard
				},
				Class: []usb.ClassSpecificDescriptor{
					hidClassDescriptor(len(reportDescriptor)),
				},
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: 0x81, BMAttributes: 0x03, WMaxPacketSize: 0x0008, BInterval: 0x0a},
					{BEndpointAddress: 0x01, BMAttributes: 0x03, WMaxPacketSize: 0x0008, BInterval: 0x0a},
				},
				HIDReport: reportDescriptor,
			},
		},
		LangIDs: []uint16{0x0409},
		Strings: map[uint8]string{
			1: "padforge",
			2: "HID Keyboard",
			3: serial,
		},
		Drivers: []usbd.ClassDriver{kbd.drv},
	}

	if opts != nil {
		if opts.IDVendor != nil {
			def.Device.IDVendor = *opts.IDVendor
		}
		if opts.IDProduct != nil {
			def.Device.IDProduct = *opts.IDProduct
		}
	}

	return def, kbd
}

// hidClassDescriptor packs the 9-byte HID sub-descriptor announcing one
// report descriptor of the given length.
func hidClassDescriptor(reportLen int) usb.ClassSpecificDescriptor {
	return usb.ClassSpecificDescriptor{
		DescriptorType: usb.HIDDescType,
		Payload: []byte{
			0x11, 0x01, // bcdHID 1.11
			0x00,                                    // bCountryCode
			0x01,                                    // bNumDescriptors
			usb.ReportDescType,                      // bDescriptorType
			uint8(reportLen), uint8(reportLen >> 8), // wDescriptorLength
		},
	}
}

// Driver exposes the underlying class driver, mainly for tests and for
// applications that want the raw send/receive surface.
func (k *Keyboard) Driver() *customhid.Driver { return k.drv }

// SendKeys pushes a boot input report with the given modifier byte and up
// to six key codes. It returns false while an earlier report is still in
// flight.
func (k *Keyboard) SendKeys(modifiers uint8, keys ...uint8) bool {
	k.inputReport = [InputReportLen]byte{0: modifiers}
	for i, kc := range keys {
		if i >= 6 {
			break
		}
		k.inputReport[2+i] = kc
	}
	return k.drv.SendReport(0, k.inputReport[:])
}

// LEDs returns the last LED state received from the host.
func (k *Keyboard) LEDs() uint8 { return k.leds }

func (k *Keyboard) setLEDs(v uint8) {
	if k.leds == v {
		return
	}
	k.leds = v
	if k.LEDChanged != nil {
		k.LEDChanged(v)
	}
}
