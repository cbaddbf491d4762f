package proxy

import (
	"sync"
	"time"

	"github.com/dualwire/usbproxy/pkg"
	"github.com/dualwire/usbproxy/usbwire"
)

// bulkReadMaxBytes and interruptReadMaxBytes bound a single upstream read,
// per spec §4.5 ("4096 for BULK | 64 for INTERRUPT").
const (
	bulkReadMaxBytes      = 4096
	interruptReadMaxBytes = 64
)

// workerJoinTimeout is the ceiling teardown waits for each worker to exit;
// exceeding it is logged but shutdown proceeds (spec §5).
const workerJoinTimeout = 2 * time.Second

// EndpointForwarder runs a reader/writer worker pair per bound non-control
// endpoint, bridging the gadget and the upstream device.
type EndpointForwarder struct {
	gadget GadgetDevice
	up     UpstreamDevice
	state  *ProxyState

	mu sync.Mutex
}

// NewEndpointForwarder creates a forwarder operating on gadget and up,
// mutating the shared state's Bindings and WorkersRunning fields.
func NewEndpointForwarder(gadget GadgetDevice, up UpstreamDevice, state *ProxyState) *EndpointForwarder {
	return &EndpointForwarder{gadget: gadget, up: up, state: state}
}

// Setup enumerates the interfaces and endpoints of configValue and, for
// each non-control endpoint, enables it on the gadget and spawns its
// reader/writer worker pair (spec §4.5).
func (f *EndpointForwarder) Setup(configValue uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	endpoints, err := f.up.Enumerate(configValue)
	if err != nil {
		return err
	}

	var bindings []*EndpointBinding
	for _, ep := range endpoints {
		desc := usbwire.EndpointDescriptor{
			EndpointAddress: ep.Address,
			Attributes:      ep.Attributes,
			MaxPacketSize:   ep.MaxPacketSize,
			Interval:        ep.Interval,
		}

		handle, err := f.gadget.EPEnable(desc)
		if err != nil {
			for _, b := range bindings {
				close(b.stopping)
			}
			return pkg.NewGadgetIOError("epEnable", err)
		}

		binding := &EndpointBinding{
			UpstreamAddress:  ep.Address,
			DownstreamHandle: handle,
			Type:             usbwire.TransferType(ep.Attributes),
			MaxPacketSize:    ep.MaxPacketSize,
			Interval:         ep.Interval,
			queue:            make(chan []byte, 256),
			stopping:         make(chan struct{}),
			done:             make(chan struct{}),
		}
		bindings = append(bindings, binding)

		if usbwire.IsIn(ep.Address) {
			go f.runInPair(binding)
		} else {
			go f.runOutPair(binding)
		}
	}

	f.state.Bindings = bindings
	f.state.WorkersRunning = len(bindings) > 0
	return nil
}

// runInPair runs the reader (upstream.bulkRead -> queue) and writer
// (queue -> gadget.EPWrite) for a device-to-host (IN) binding.
func (f *EndpointForwarder) runInPair(b *EndpointBinding) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		maxBytes := bulkReadMaxBytes
		if b.Type == usbwire.EndpointTypeInterrupt {
			maxBytes = interruptReadMaxBytes
		}
		for {
			select {
			case <-b.stopping:
				return
			default:
			}
			data, err := f.up.BulkRead(b.UpstreamAddress, maxBytes, 100*time.Millisecond)
			if err != nil {
				pkg.LogWarn(pkg.ComponentForwarder, "bulk read failed, exiting reader",
					"address", b.UpstreamAddress, "error", err)
				return
			}
			if len(data) == 0 {
				continue // timeout is a normal idle signal, not an error
			}
			select {
			case b.queue <- data:
			case <-b.stopping:
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case data := <-b.queue:
				if err := f.gadget.EPWrite(b.DownstreamHandle, data); err != nil {
					pkg.LogWarn(pkg.ComponentForwarder, "gadget write failed, exiting writer",
						"address", b.UpstreamAddress, "error", err)
					return
				}
			case <-time.After(100 * time.Millisecond):
				select {
				case <-b.stopping:
					return
				default:
				}
			case <-b.stopping:
				return
			}
		}
	}()

	wg.Wait()
	close(b.done)
}

// runOutPair runs the reader (gadget.EPRead -> queue) and writer
// (queue -> upstream.bulkWrite) for a host-to-device (OUT) binding.
func (f *EndpointForwarder) runOutPair(b *EndpointBinding) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		maxBytes := bulkReadMaxBytes
		if b.Type == usbwire.EndpointTypeInterrupt {
			maxBytes = interruptReadMaxBytes
		}
		for {
			select {
			case <-b.stopping:
				return
			default:
			}
			data, err := f.gadget.EPRead(b.DownstreamHandle, maxBytes)
			if err != nil {
				pkg.LogWarn(pkg.ComponentForwarder, "gadget read failed, exiting reader",
					"address", b.UpstreamAddress, "error", err)
				return
			}
			if len(data) == 0 {
				continue // transient; caller must retry
			}
			select {
			case b.queue <- data:
			case <-b.stopping:
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case data := <-b.queue:
				if err := f.up.BulkWrite(b.UpstreamAddress, data, 1000*time.Millisecond); err != nil {
					pkg.LogWarn(pkg.ComponentForwarder, "bulk write failed, exiting writer",
						"address", b.UpstreamAddress, "error", err)
					return
				}
			case <-b.stopping:
				return
			}
		}
	}()

	wg.Wait()
	close(b.done)
}

// Teardown sets the shared stop flag for every binding, waits up to
// workerJoinTimeout per worker pair, discards unsent queue contents, and
// empties the bindings list. Teardown is idempotent.
func (f *EndpointForwarder) Teardown() {
	f.mu.Lock()
	bindings := f.state.Bindings
	f.state.Bindings = nil
	f.state.WorkersRunning = false
	f.mu.Unlock()

	for _, b := range bindings {
		stopBinding(b)
	}
}

func stopBinding(b *EndpointBinding) {
	select {
	case <-b.stopping:
		// already stopping; still wait for done below.
	default:
		close(b.stopping)
	}

	select {
	case <-b.done:
	case <-time.After(workerJoinTimeout):
		pkg.LogWarn(pkg.ComponentForwarder, "worker pair did not exit within join timeout",
			"address", b.UpstreamAddress)
	}
}
