package proxy

import (
	"errors"
	"testing"
	"time"

	"github.com/dualwire/usbproxy/upstream"
	"github.com/dualwire/usbproxy/usbwire"
)

func TestForwarderSetupEnablesOneEndpointPerEnumeratedEndpoint(t *testing.T) {
	gadget := &fakeGadget{epReadErr: errors.New("stop"), ep0ReadErr: nil}
	up := &fakeUpstream{
		enumerateReturn: []upstream.EndpointInfo{
			{Address: 0x81, Attributes: usbwire.EndpointTypeBulk, MaxPacketSize: 512},
			{Address: 0x02, Attributes: usbwire.EndpointTypeBulk, MaxPacketSize: 512},
		},
		bulkReadErr: errors.New("stop"),
	}
	state := &ProxyState{}
	fw := NewEndpointForwarder(gadget, up, state)
	defer fw.Teardown()

	if err := fw.Setup(1); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if len(gadget.epEnableCalls) != 2 {
		t.Fatalf("epEnableCalls = %d, want 2", len(gadget.epEnableCalls))
	}
	if len(state.Bindings) != 2 {
		t.Fatalf("Bindings = %d, want 2", len(state.Bindings))
	}
	if !state.WorkersRunning {
		t.Error("expected WorkersRunning=true after Setup with endpoints")
	}
}

func TestForwarderBulkOutExactBytePassthrough(t *testing.T) {
	gadget := &fakeGadget{}
	up := &fakeUpstream{}
	state := &ProxyState{}
	fw := NewEndpointForwarder(gadget, up, state)

	binding := &EndpointBinding{
		UpstreamAddress:  0x02,
		DownstreamHandle: 0,
		Type:             usbwire.EndpointTypeBulk,
		queue:            make(chan []byte, 8),
		stopping:         make(chan struct{}),
		done:             make(chan struct{}),
	}
	state.Bindings = []*EndpointBinding{binding}

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	binding.queue <- payload

	done := make(chan struct{})
	go func() {
		// drive a queue-to-BulkWrite loop inline, shaped like runOutPair's
		// writer half; runOutPair itself is not started in this test.
		for {
			select {
			case data := <-binding.queue:
				up.BulkWrite(binding.UpstreamAddress, data, time.Second)
				close(done)
				return
			case <-binding.stopping:
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writer did not drain the queue in time")
	}
	fw.Teardown()

	if len(up.bulkWriteCalls) != 1 {
		t.Fatalf("bulkWriteCalls = %d, want 1", len(up.bulkWriteCalls))
	}
	if string(up.bulkWriteCalls[0]) != string(payload) {
		t.Errorf("bulkWrite received %v, want %v", up.bulkWriteCalls[0], payload)
	}
}

func TestForwarderTeardownIsIdempotent(t *testing.T) {
	gadget := &fakeGadget{}
	up := &fakeUpstream{}
	state := &ProxyState{}
	fw := NewEndpointForwarder(gadget, up, state)

	fw.Teardown()
	fw.Teardown()

	if state.WorkersRunning {
		t.Error("WorkersRunning must be false after teardown")
	}
	if len(state.Bindings) != 0 {
		t.Error("Bindings must be empty after teardown")
	}
}

func TestForwarderTeardownStopsWorkersWithinJoinTimeout(t *testing.T) {
	gadget := &fakeGadget{epReadErr: errors.New("stop")}
	up := &fakeUpstream{
		enumerateReturn: []upstream.EndpointInfo{
			{Address: 0x81, Attributes: usbwire.EndpointTypeBulk, MaxPacketSize: 512},
		},
		bulkReadErr: errors.New("stop"),
	}
	state := &ProxyState{}
	fw := NewEndpointForwarder(gadget, up, state)

	if err := fw.Setup(1); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	start := time.Now()
	fw.Teardown()
	if elapsed := time.Since(start); elapsed > workerJoinTimeout+500*time.Millisecond {
		t.Errorf("Teardown took %v, want <= %v", elapsed, workerJoinTimeout)
	}
	if state.WorkersRunning {
		t.Error("WorkersRunning must be false after teardown")
	}
}

func TestForwarderSetupFailurePropagatesGadgetError(t *testing.T) {
	gadget := &fakeGadget{epEnableErr: errors.New("enable failed")}
	up := &fakeUpstream{
		enumerateReturn: []upstream.EndpointInfo{
			{Address: 0x81, Attributes: usbwire.EndpointTypeBulk, MaxPacketSize: 512},
		},
	}
	state := &ProxyState{}
	fw := NewEndpointForwarder(gadget, up, state)

	if err := fw.Setup(1); err == nil {
		t.Fatal("expected Setup to propagate the epEnable failure")
	}
}
