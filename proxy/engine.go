package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/dualwire/usbproxy/pkg"
	"github.com/dualwire/usbproxy/rawgadget"
	"github.com/dualwire/usbproxy/usbwire"
)

// livenessInterval is the period of the optional diagnostic heartbeat
// (spec §4.4: "A 5-second liveness interval is permitted").
const livenessInterval = 5 * time.Second

const controlTransferTimeout = 1000 * time.Millisecond

// EP0Engine runs the gadget event loop, dispatching CONNECT/SUSPEND/RESUME/
// RESET/DISCONNECT transitions and splicing CONTROL transfers between the
// gadget and the upstream device.
type EP0Engine struct {
	gadget    GadgetDevice
	upstream  UpstreamDevice
	cache     DescriptorCache
	forwarder *EndpointForwarder
	state     *ProxyState

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	running bool
}

// NewEP0Engine creates an engine wired to gadget, upstream, cache, and
// forwarder, sharing state with the forwarder and the Supervisor.
func NewEP0Engine(gadget GadgetDevice, upstream UpstreamDevice, cache DescriptorCache, forwarder *EndpointForwarder, state *ProxyState) *EP0Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &EP0Engine{
		gadget:    gadget,
		upstream:  upstream,
		cache:     cache,
		forwarder: forwarder,
		state:     state,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Stop requests the event loop to exit after its current event.
func (e *EP0Engine) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.cancel()
}

// Run blocks, processing gadget events until Stop is called or FetchEvent
// returns a fatal error.
func (e *EP0Engine) Run() error {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()

	go e.runLiveness()

	for e.isRunning() {
		eventType, payload, err := e.gadget.FetchEvent()
		if err != nil {
			return pkg.NewGadgetIOError("fetchEvent", err)
		}
		if !e.isRunning() {
			return nil
		}

		if err := e.handleEvent(eventType, payload); err != nil {
			pkg.LogError(pkg.ComponentEP0, "event handling failed", "event", eventType, "error", err)
		}
	}
	return nil
}

// runLiveness logs a periodic diagnostic line; it is purely informational
// (spec §4.4, "not required").
func (e *EP0Engine) runLiveness() {
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			pkg.LogDebug(pkg.ComponentEP0, "liveness", "hostConnected", e.state.HostConnected,
				"deviceConfigured", e.state.DeviceConfigured, "bindings", len(e.state.Bindings))
		}
	}
}

func (e *EP0Engine) isRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *EP0Engine) handleEvent(eventType uint32, payload []byte) error {
	switch eventType {
	case rawgadget.EventInvalid:
		return nil

	case rawgadget.EventConnect:
		if e.state.DeviceConfigured {
			e.teardownConfiguration()
		}
		e.state.HostConnected = true
		return nil

	case rawgadget.EventSuspend, rawgadget.EventResume:
		return nil

	case rawgadget.EventReset, rawgadget.EventDisconnect:
		if e.state.DeviceConfigured {
			e.teardownConfiguration()
		}
		return nil

	case rawgadget.EventControl:
		return e.handleControl(payload)

	default:
		pkg.LogWarn(pkg.ComponentEP0, "unrecognized event type, skipping", "event", eventType)
		return nil
	}
}

// teardownConfiguration implements the RESET/DISCONNECT teardown sequence:
// stop the forwarder, reset the upstream device, clear deviceConfigured.
func (e *EP0Engine) teardownConfiguration() {
	e.forwarder.Teardown()
	if err := e.upstream.Reset(); err != nil {
		pkg.LogWarn(pkg.ComponentEP0, "upstream reset failed during teardown", "error", err)
	}
	e.state.DeviceConfigured = false
}

func (e *EP0Engine) handleControl(payload []byte) error {
	var setup usbwire.SetupPacket
	if err := usbwire.ParseSetupPacket(payload, &setup); err != nil {
		pkg.LogWarn(pkg.ComponentEP0, "short setup packet, stalling", "error", err)
		return e.gadget.EP0Stall()
	}

	switch {
	case setup.IsStandard() && setup.Request == usbwire.RequestSetAddress:
		// The gadget controller handles addressing itself; never forwarded.
		_, err := e.gadget.EP0Read(0)
		return err

	case setup.IsStandard() && setup.Request == usbwire.RequestGetStatus && setup.IsDeviceToHost():
		return e.gadget.EP0Write([]byte{0x00, 0x00})

	case setup.IsStandard() && setup.Request == usbwire.RequestGetConfiguration && setup.IsDeviceToHost():
		status := byte(0)
		if e.state.DeviceConfigured {
			status = 1
		}
		return e.gadget.EP0Write([]byte{status})

	case setup.IsStandard() && setup.Request == usbwire.RequestSetConfiguration && !e.state.DeviceConfigured:
		return e.handleSetConfiguration(&setup)

	default:
		return e.handleGenericForward(&setup)
	}
}

// handleSetConfiguration implements the exact ordering required by spec
// §4.4: upstream set-configuration, gadget configure, enumerate + forwarder
// setup, mark configured, then ACK. Failure at any step stalls EP0 and
// leaves deviceConfigured false.
func (e *EP0Engine) handleSetConfiguration(setup *usbwire.SetupPacket) error {
	configValue := uint8(setup.Value)

	if err := e.upstream.SetConfiguration(configValue); err != nil {
		pkg.LogError(pkg.ComponentEP0, "upstream setConfiguration failed", "config", configValue, "error", err)
		return e.gadget.EP0Stall()
	}

	if err := e.gadget.Configure(); err != nil {
		pkg.LogError(pkg.ComponentEP0, "gadget configure failed", "error", err)
		return e.gadget.EP0Stall()
	}

	if err := e.forwarder.Setup(configValue); err != nil {
		pkg.LogError(pkg.ComponentEP0, "forwarder setup failed", "config", configValue, "error", err)
		return e.gadget.EP0Stall()
	}

	e.state.DeviceConfigured = true

	if _, err := e.gadget.EP0Read(0); err != nil {
		return err
	}
	return nil
}

// handleGenericForward serves GET_DESCRIPTOR locally from the cache when
// possible, falling through to an upstream control transfer otherwise.
func (e *EP0Engine) handleGenericForward(setup *usbwire.SetupPacket) error {
	if setup.IsDeviceToHost() {
		return e.handleGenericForwardIn(setup)
	}
	return e.handleGenericForwardOut(setup)
}

func (e *EP0Engine) handleGenericForwardIn(setup *usbwire.SetupPacket) error {
	if setup.IsStandard() && setup.Request == usbwire.RequestGetDescriptor {
		if blob, ok := e.servedFromCache(setup); ok {
			return e.gadget.EP0Write(blob)
		}
	}

	out, err := e.upstream.ControlTransfer(setup.RequestType, setup.Request, setup.Value, setup.Index,
		make([]byte, setup.Length), controlTransferTimeout)
	if err != nil {
		pkg.LogWarn(pkg.ComponentEP0, "upstream control transfer (IN) failed, stalling", "error", err)
		return e.gadget.EP0Stall()
	}
	return e.gadget.EP0Write(out)
}

// servedFromCache returns the cached descriptor bytes for setup, and
// whether the cache had an entry for it. A false return means the caller
// must fall through to an upstream forward.
func (e *EP0Engine) servedFromCache(setup *usbwire.SetupPacket) ([]byte, bool) {
	switch setup.DescriptorType() {
	case usbwire.DescriptorTypeDevice:
		return e.cache.Device(int(setup.Length)), true
	case usbwire.DescriptorTypeConfiguration:
		return e.cache.Configuration(setup.DescriptorIndex(), int(setup.Length))
	case usbwire.DescriptorTypeString:
		return e.cache.String(setup.DescriptorIndex(), int(setup.Length))
	default:
		return nil, false
	}
}

func (e *EP0Engine) handleGenericForwardOut(setup *usbwire.SetupPacket) error {
	if setup.Length > 0 {
		data, err := e.gadget.EP0Read(int(setup.Length))
		if err != nil {
			return err
		}
		if _, err := e.upstream.ControlTransfer(setup.RequestType, setup.Request, setup.Value, setup.Index,
			data, controlTransferTimeout); err != nil {
			// Downstream is already ACKed by the ep0Read above; the
			// alternative (stalling after the fact) would leave the host
			// believing a second transfer is owed.
			pkg.LogWarn(pkg.ComponentEP0, "upstream control transfer (OUT) failed after ACK", "error", err)
		}
		return nil
	}

	if _, err := e.upstream.ControlTransfer(setup.RequestType, setup.Request, setup.Value, setup.Index,
		nil, controlTransferTimeout); err != nil {
		pkg.LogWarn(pkg.ComponentEP0, "upstream control transfer (OUT, no data) failed, stalling", "error", err)
		return e.gadget.EP0Stall()
	}
	_, err := e.gadget.EP0Read(0)
	return err
}
