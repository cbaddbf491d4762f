package proxy

import (
	"errors"
	"time"

	"github.com/dualwire/usbproxy/upstream"
	"github.com/dualwire/usbproxy/usbwire"
)

// fakeGadget is a hand-written GadgetDevice fake recording every call it
// receives, in the style of the teacher's mockHAL.
type fakeGadget struct {
	events   []fakeEvent
	eventIdx int

	ep0ReadLengths []int
	ep0ReadReturn  []byte
	ep0ReadErr     error

	ep0WriteCalls [][]byte
	ep0WriteErr   error

	stallCalls int
	stallErr   error

	configureCalls int
	configureErr   error

	epEnableCalls  []usbwire.EndpointDescriptor
	epEnableErr    error
	nextHandle     int

	epReadErr   error
	epWriteErr  error

	closeCalls int

	order *[]string
}

type fakeEvent struct {
	typ     uint32
	payload []byte
}

func (g *fakeGadget) note(s string) {
	if g.order != nil {
		*g.order = append(*g.order, s)
	}
}

func (g *fakeGadget) Init(driverName, deviceName string, speed uint8) error { return nil }
func (g *fakeGadget) Run() error                                            { return nil }

func (g *fakeGadget) FetchEvent() (uint32, []byte, error) {
	if g.eventIdx >= len(g.events) {
		return 0, nil, errors.New("fakeGadget: no more events")
	}
	e := g.events[g.eventIdx]
	g.eventIdx++
	return e.typ, e.payload, nil
}

func (g *fakeGadget) EP0Read(length int) ([]byte, error) {
	g.note("gadget.EP0Read")
	g.ep0ReadLengths = append(g.ep0ReadLengths, length)
	return g.ep0ReadReturn, g.ep0ReadErr
}

func (g *fakeGadget) EP0Write(data []byte) error {
	g.note("gadget.EP0Write")
	cp := make([]byte, len(data))
	copy(cp, data)
	g.ep0WriteCalls = append(g.ep0WriteCalls, cp)
	return g.ep0WriteErr
}

func (g *fakeGadget) EP0Stall() error {
	g.note("gadget.EP0Stall")
	g.stallCalls++
	return g.stallErr
}

func (g *fakeGadget) EPEnable(desc usbwire.EndpointDescriptor) (int, error) {
	g.note("gadget.EPEnable")
	g.epEnableCalls = append(g.epEnableCalls, desc)
	if g.epEnableErr != nil {
		return 0, g.epEnableErr
	}
	h := g.nextHandle
	g.nextHandle++
	return h, nil
}

func (g *fakeGadget) EPRead(handle int, length int) ([]byte, error) {
	if g.epReadErr != nil {
		return nil, g.epReadErr
	}
	return nil, errors.New("fakeGadget: EPRead exhausted")
}

func (g *fakeGadget) EPWrite(handle int, data []byte) error {
	return g.epWriteErr
}

func (g *fakeGadget) Configure() error {
	g.note("gadget.Configure")
	g.configureCalls++
	return g.configureErr
}

func (g *fakeGadget) Close() error {
	g.closeCalls++
	return nil
}

// fakeUpstream is a hand-written UpstreamDevice fake.
type fakeUpstream struct {
	controlCalls  []controlCall
	controlReturn []byte
	controlErr    error

	resetCalls int
	resetErr   error

	setConfigCalls []uint8
	setConfigErr   error

	enumerateReturn []upstream.EndpointInfo
	enumerateErr    error

	bulkReadErr error

	bulkWriteCalls [][]byte
	bulkWriteErr   error

	closeCalls int

	order *[]string
}

type controlCall struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	data        []byte
}

func (u *fakeUpstream) note(s string) {
	if u.order != nil {
		*u.order = append(*u.order, s)
	}
}

func (u *fakeUpstream) ControlTransfer(requestType, request uint8, value, index uint16, payloadOrLength []byte, timeout time.Duration) ([]byte, error) {
	u.note("upstream.ControlTransfer")
	cp := make([]byte, len(payloadOrLength))
	copy(cp, payloadOrLength)
	u.controlCalls = append(u.controlCalls, controlCall{requestType, request, value, index, cp})
	if u.controlErr != nil {
		return nil, u.controlErr
	}
	return u.controlReturn, nil
}

func (u *fakeUpstream) Reset() error {
	u.note("upstream.Reset")
	u.resetCalls++
	return u.resetErr
}

func (u *fakeUpstream) SetConfiguration(value uint8) error {
	u.note("upstream.SetConfiguration")
	u.setConfigCalls = append(u.setConfigCalls, value)
	return u.setConfigErr
}

func (u *fakeUpstream) Enumerate(configValue uint8) ([]upstream.EndpointInfo, error) {
	u.note("upstream.Enumerate")
	return u.enumerateReturn, u.enumerateErr
}

func (u *fakeUpstream) BulkRead(address uint8, maxBytes int, timeout time.Duration) ([]byte, error) {
	if u.bulkReadErr != nil {
		return nil, u.bulkReadErr
	}
	return nil, errors.New("fakeUpstream: BulkRead exhausted")
}

func (u *fakeUpstream) BulkWrite(address uint8, data []byte, timeout time.Duration) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	u.bulkWriteCalls = append(u.bulkWriteCalls, cp)
	return u.bulkWriteErr
}

func (u *fakeUpstream) Close() error {
	u.closeCalls++
	return nil
}

// fakeCache is a hand-written DescriptorCache fake over fixed byte tables.
type fakeCache struct {
	device  []byte
	configs map[uint8][]byte
	strings map[uint8][]byte
}

func (c *fakeCache) Device(length int) []byte { return truncateFake(c.device, length) }

func (c *fakeCache) Configuration(index uint8, length int) ([]byte, bool) {
	b, ok := c.configs[index]
	if !ok {
		return nil, false
	}
	return truncateFake(b, length), true
}

func (c *fakeCache) String(index uint8, length int) ([]byte, bool) {
	b, ok := c.strings[index]
	if !ok {
		return nil, false
	}
	return truncateFake(b, length), true
}

func truncateFake(blob []byte, length int) []byte {
	if length < 0 || length > len(blob) {
		return blob
	}
	return blob[:length]
}
