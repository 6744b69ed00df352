package customhid

// HID interface class code; subclass and protocol are not checked when
// binding.
const ClassHID = 0x03

// HID class-specific request codes (HID 1.11 §7.2).
const (
	ReqGetReport   = 0x01
	ReqGetIdle     = 0x02
	ReqGetProtocol = 0x03
	ReqSetReport   = 0x09
	ReqSetIdle     = 0x0a
	ReqSetProtocol = 0x0b
)

// Report types as encoded in the high byte of wValue for GET/SET_REPORT.
const (
	ReportTypeInput   = 1
	ReportTypeOutput  = 2
	ReportTypeFeature = 3
)

// Protocol modes (HID 1.11 §7.2.5).
const (
	ProtocolBoot   = 0
	ProtocolReport = 1
)
