//go:build linux

package rawgadget

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"github.com/dualwire/usbproxy/pkg"
	"github.com/dualwire/usbproxy/usbwire"
)

// DefaultDevicePath is the character device raw-gadget exposes.
const DefaultDevicePath = "/dev/raw-gadget"

// GadgetIO wraps a raw-gadget file descriptor and exposes one synchronous
// operation per raw-gadget command (spec §4.1). It implements the
// proxy.GadgetDevice interface structurally.
type GadgetIO struct {
	file *os.File
	fd   uintptr

	// ep0Mu serializes EP0 read/write/stall calls. EPRead/EPWrite, issued
	// by endpoint workers on distinct endpoints, do not take it; the kernel
	// interface itself is thread-safe across distinct endpoints.
	ep0Mu sync.Mutex
}

// Open opens the raw-gadget character device at path.
func Open(path string) (*GadgetIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, pkg.NewGadgetIOError("open", err)
	}
	return &GadgetIO{file: f, fd: f.Fd()}, nil
}

// Close releases the raw-gadget file descriptor.
func (g *GadgetIO) Close() error {
	return g.file.Close()
}

func ioctlPtr(fd uintptr, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlPtrRetval(fd uintptr, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, req, uintptr(arg))
	if errno != 0 {
		return int(r), errno
	}
	return int(r), nil
}

// Init issues the INIT command: driverName and deviceName are padded with
// zero bytes to 128 bytes each, followed by a one-byte speed (SpeedHigh).
func (g *GadgetIO) Init(driverName, deviceName string, speed uint8) error {
	payload := buildInitPayload(driverName, deviceName, speed)

	if err := ioctlPtr(g.fd, ctlInit, unsafe.Pointer(&payload[0])); err != nil {
		return pkg.NewGadgetIOError("init", err)
	}
	return nil
}

// buildInitPayload encodes the INIT command payload: driverName and
// deviceName zero-padded to 128 bytes each, followed by a one-byte speed.
func buildInitPayload(driverName, deviceName string, speed uint8) [initPayloadSize]byte {
	var payload [initPayloadSize]byte
	copy(payload[0:udcNameLengthMax], driverName)
	copy(payload[udcNameLengthMax:2*udcNameLengthMax], deviceName)
	payload[2*udcNameLengthMax] = speed
	return payload
}

// Run issues the RUN command, attaching the gadget to the bus.
func (g *GadgetIO) Run() error {
	if err := ioctlPtr(g.fd, ctlRun, nil); err != nil {
		return pkg.NewGadgetIOError("run", err)
	}
	return nil
}

// eventHeader mirrors the kernel's usb_raw_event header.
type eventHeader struct {
	Type   uint32
	Length uint32
	Data   [maxEventPayload]byte
}

// FetchEvent blocks until an event is available, returning its type and
// payload. The payload length is clamped to [0, maxEventPayload].
func (g *GadgetIO) FetchEvent() (uint32, []byte, error) {
	var ev eventHeader
	ev.Length = maxEventPayload

	if _, err := ioctlPtrRetval(g.fd, ctlEventFetch, unsafe.Pointer(&ev)); err != nil {
		return 0, nil, pkg.NewGadgetIOError("fetchEvent", err)
	}

	length := clampEventLength(ev.Length)
	payload := make([]byte, length)
	copy(payload, ev.Data[:length])
	return ev.Type, payload, nil
}

// ep0IO mirrors the kernel's usb_raw_ep_io header for EP0, followed by its
// data buffer.
type ep0IO struct {
	EP     uint16
	Flags  uint16
	Length uint32
	Data   [4096]byte
}

// EP0Read reads up to length bytes from EP0 (control OUT / status stage).
// A zero-length read is the canonical ACK for an OUT setup with wLength==0.
func (g *GadgetIO) EP0Read(length int) ([]byte, error) {
	g.ep0Mu.Lock()
	defer g.ep0Mu.Unlock()

	var io ep0IO
	io.EP = 0
	io.Length = uint32(length)

	n, err := ioctlPtrRetval(g.fd, ctlEP0Read, unsafe.Pointer(&io))
	if err != nil {
		return nil, pkg.NewGadgetIOError("ep0Read", err)
	}
	if n < 0 {
		n = 0
	}
	out := make([]byte, n)
	copy(out, io.Data[:n])
	return out, nil
}

// EP0Write writes data to EP0 (control IN phase). A zero-length write is
// the canonical ACK for an IN setup requested with wLength==0.
func (g *GadgetIO) EP0Write(data []byte) error {
	g.ep0Mu.Lock()
	defer g.ep0Mu.Unlock()

	var io ep0IO
	io.EP = 0
	io.Length = uint32(len(data))
	copy(io.Data[:], data)

	if _, err := ioctlPtrRetval(g.fd, ctlEP0Write, unsafe.Pointer(&io)); err != nil {
		return pkg.NewGadgetIOError("ep0Write", err)
	}
	return nil
}

// EP0Stall stalls the control endpoint.
func (g *GadgetIO) EP0Stall() error {
	g.ep0Mu.Lock()
	defer g.ep0Mu.Unlock()

	if err := ioctlPtr(g.fd, ctlEP0Stall, nil); err != nil {
		return pkg.NewGadgetIOError("ep0Stall", err)
	}
	return nil
}

// epEnablePayload mirrors the kernel's usb_raw_ep_enable payload: a 7-byte
// endpoint descriptor plus two pad bytes (epEnablePayloadSize in total).
type epEnablePayload struct {
	Descriptor [usbwire.EndpointDescriptorSize]byte
	_          [epEnablePayloadSize - usbwire.EndpointDescriptorSize]byte
}

// EPEnable enables a non-control endpoint described by desc, returning the
// downstream handle used by subsequent EPRead/EPWrite calls.
func (g *GadgetIO) EPEnable(desc usbwire.EndpointDescriptor) (int, error) {
	var payload epEnablePayload
	desc.MarshalTo(payload.Descriptor[:])

	handle, err := ioctlPtrRetval(g.fd, ctlEPEnable, unsafe.Pointer(&payload))
	if err != nil {
		return 0, pkg.NewGadgetIOError(fmt.Sprintf("epEnable(0x%02X)", desc.EndpointAddress), err)
	}
	return handle, nil
}

// EPRead reads up to length bytes from the endpoint identified by handle.
// A zero-length result is a legitimate transient condition; callers must
// treat it as "try again", not as an error.
func (g *GadgetIO) EPRead(handle int, length int) ([]byte, error) {
	var io ep0IO
	io.EP = uint16(handle)
	io.Length = uint32(length)

	n, err := ioctlPtrRetval(g.fd, ctlEPRead, unsafe.Pointer(&io))
	if err != nil {
		return nil, pkg.NewGadgetIOError("epRead", err)
	}
	if n < 0 {
		n = 0
	}
	out := make([]byte, n)
	copy(out, io.Data[:n])
	return out, nil
}

// EPWrite writes data to the endpoint identified by handle.
func (g *GadgetIO) EPWrite(handle int, data []byte) error {
	var io ep0IO
	io.EP = uint16(handle)
	io.Length = uint32(len(data))
	copy(io.Data[:], data)

	if _, err := ioctlPtrRetval(g.fd, ctlEPWrite, unsafe.Pointer(&io)); err != nil {
		return pkg.NewGadgetIOError("epWrite", err)
	}
	return nil
}

// Configure issues the CONFIGURE command; must be called after the active
// configuration's endpoints have been enabled.
func (g *GadgetIO) Configure() error {
	if err := ioctlPtr(g.fd, ctlConfigure, nil); err != nil {
		return pkg.NewGadgetIOError("configure", err)
	}
	return nil
}
