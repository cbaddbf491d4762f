//go:build linux

// Package rawgadget wraps the Linux raw-gadget kernel interface
// (/dev/raw-gadget), exposing one synchronous operation per raw-gadget
// command: init, run, event fetch, EP0 read/write/stall, endpoint
// enable/read/write, and configure.
package rawgadget

import (
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

// rawGadgetMagic is the ioctl magic letter for the raw-gadget device, per
// the kernel's usb/raw_gadget.h.
const rawGadgetMagic = 'U'

// udcNameLengthMax is the maximum length of a UDC driver or device name in
// the INIT payload.
const udcNameLengthMax = 128

// initPayloadSize is the size of the INIT command payload:
// driverName[128] + deviceName[128] + speed[1].
const initPayloadSize = udcNameLengthMax + udcNameLengthMax + 1

// eventHeaderSize is the size of the fixed header preceding an event's
// variable-length payload: {type: u32, length: u32}.
const eventHeaderSize = 8

// maxEventPayload is the largest event payload the kernel will report; any
// reported length outside [0, maxEventPayload] is clamped defensively.
const maxEventPayload = 4096

// ep0IOHeaderSize is the size of the usb_raw_ep_io header:
// {ep: u16, flags: u16, length: u32}.
const ep0IOHeaderSize = 8

// epEnablePayloadSize is the size of the EP_ENABLE payload: a 7-byte
// endpoint descriptor plus two pad bytes.
const epEnablePayloadSize = 9

// Command numbers, computed with the generic Linux _IOC encoding (magic
// 'U') via github.com/daedaluz/goioctl, mirroring spec's raw-gadget
// command table (§6) and the ioctl encoding style of the pack's
// Daedaluz-gousb/usbfs package.
var (
	ctlInit        = ioctl.IOW(rawGadgetMagic, 0, initPayloadSize)
	ctlRun         = ioctl.IO(rawGadgetMagic, 1)
	ctlEventFetch  = ioctl.IOR(rawGadgetMagic, 2, eventHeaderSize)
	ctlEP0Write    = ioctl.IOW(rawGadgetMagic, 3, ep0IOHeaderSize)
	ctlEP0Read     = ioctl.IOWR(rawGadgetMagic, 4, ep0IOHeaderSize)
	ctlEPEnable    = ioctl.IOW(rawGadgetMagic, 5, epEnablePayloadSize)
	ctlEPDisable   = ioctl.IOW(rawGadgetMagic, 6, unsafe.Sizeof(uint32(0)))
	ctlEPWrite     = ioctl.IOW(rawGadgetMagic, 7, ep0IOHeaderSize)
	ctlEPRead      = ioctl.IOWR(rawGadgetMagic, 8, ep0IOHeaderSize)
	ctlConfigure   = ioctl.IO(rawGadgetMagic, 9)
	ctlEP0Stall    = ioctl.IO(rawGadgetMagic, 12)
)

// Event type codes reported by EVENT_FETCH.
const (
	EventInvalid    = 0
	EventConnect    = 1
	EventControl    = 2
	EventSuspend    = 3
	EventResume     = 4
	EventReset      = 5
	EventDisconnect = 6
)

// Speed codes accepted by INIT.
const (
	SpeedUnknown = 0
	SpeedLow     = 1
	SpeedFull    = 2
	SpeedHigh    = 3
)
