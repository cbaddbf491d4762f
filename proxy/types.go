// Package proxy implements the EP0 Engine, Endpoint Forwarder, and
// Supervisor: the event loop that splices control transfers between the
// raw-gadget downstream and the upstream device, the per-endpoint
// bulk/interrupt forwarders it spawns on SET_CONFIGURATION, and the
// top-level sequencing that wires both of them to the kernel gadget
// interface and a real USB peripheral.
package proxy

import (
	"time"

	"github.com/dualwire/usbproxy/rawgadget"
	"github.com/dualwire/usbproxy/upstream"
	"github.com/dualwire/usbproxy/usbwire"
)

// GadgetDevice is the downstream (gadget) seam the EP0 Engine and Endpoint
// Forwarder depend on. rawgadget.GadgetIO satisfies it structurally; tests
// substitute a hand-written fake, the same way the teacher's device stack
// is tested against a fake hal.DeviceHAL.
type GadgetDevice interface {
	Init(driverName, deviceName string, speed uint8) error
	Run() error
	FetchEvent() (uint32, []byte, error)
	EP0Read(length int) ([]byte, error)
	EP0Write(data []byte) error
	EP0Stall() error
	EPEnable(desc usbwire.EndpointDescriptor) (int, error)
	EPRead(handle int, length int) ([]byte, error)
	EPWrite(handle int, data []byte) error
	Configure() error
	Close() error
}

// UpstreamDevice is the upstream (real peripheral) seam the EP0 Engine and
// Endpoint Forwarder depend on. upstream.Device satisfies it structurally.
type UpstreamDevice interface {
	ControlTransfer(requestType, request uint8, value, index uint16, payloadOrLength []byte, timeout time.Duration) ([]byte, error)
	Reset() error
	SetConfiguration(value uint8) error
	Enumerate(configValue uint8) ([]upstream.EndpointInfo, error)
	BulkRead(address uint8, maxBytes int, timeout time.Duration) ([]byte, error)
	BulkWrite(address uint8, data []byte, timeout time.Duration) error
	Close() error
}

// DescriptorCache is the subset of cache.Cache the EP0 Engine needs to
// serve GET_DESCRIPTOR locally.
type DescriptorCache interface {
	Device(length int) []byte
	Configuration(index uint8, length int) ([]byte, bool)
	String(index uint8, length int) ([]byte, bool)
}

var (
	_ GadgetDevice   = (*rawgadget.GadgetIO)(nil)
	_ UpstreamDevice = (*upstream.Device)(nil)
)

// EndpointBinding is a live forwarding relationship between an upstream
// endpoint and its downstream (gadget) counterpart, created during
// SET_CONFIGURATION handling and destroyed on reset/disconnect/shutdown.
type EndpointBinding struct {
	UpstreamAddress  uint8 // includes direction bit
	DownstreamHandle int   // opaque handle returned by ep_enable
	Type             uint8 // usbwire.EndpointTypeBulk or EndpointTypeInterrupt
	MaxPacketSize    uint16
	Interval         uint8

	queue    chan []byte
	stopping chan struct{}
	done     chan struct{}
}

// ProxyState is the top-level proxy state machine.
type ProxyState struct {
	HostConnected    bool
	DeviceConfigured bool
	Bindings         []*EndpointBinding
	WorkersRunning   bool
}
