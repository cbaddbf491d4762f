// Package upstream is a thin façade over the real USB peripheral attached
// to the host-side USB stack: open, reset, cached descriptor fetch, control
// transfer, and bulk/interrupt read/write. It is backed by
// github.com/google/gousb, the same host-side USB library used by the
// pack's gherlein-gocat and guiperry-HASHER repos.
package upstream

import (
	"context"
	"time"

	"github.com/google/gousb"

	"github.com/dualwire/usbproxy/pkg"
)

// Timeouts per spec §4.2.
const (
	ControlTimeout   = 1000 * time.Millisecond
	BulkReadTimeout  = 100 * time.Millisecond
	BulkWriteTimeout = 1000 * time.Millisecond
)

// EndpointInfo describes one non-control endpoint of an active
// configuration, as returned by Enumerate.
type EndpointInfo struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

// Device is a façade over a real upstream USB peripheral.
type Device struct {
	ctx *gousb.Context
	dev *gousb.Device

	cfg   *gousb.Config
	ifces []*gousb.Interface

	in  map[uint8]*gousb.InEndpoint
	out map[uint8]*gousb.OutEndpoint
}

// Open locates the device by vendor/product ID, detaches any kernel driver,
// performs a bus reset, and probes with a GET_DESCRIPTOR(string, index=0)
// to confirm responsiveness. Returns pkg.ErrUpstreamUnavailable (wrapped)
// if the device is absent or unresponsive.
func Open(vendor, product uint16) (*Device, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vendor), gousb.ID(product))
	if err != nil {
		ctx.Close()
		return nil, pkg.NewUpstreamUnavailableError("open", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, pkg.NewUpstreamUnavailableError("open", errDeviceNotFound(vendor, product))
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, pkg.NewUpstreamUnavailableError("setAutoDetach", err)
	}

	if err := dev.Reset(); err != nil {
		dev.Close()
		ctx.Close()
		return nil, pkg.NewUpstreamUnavailableError("reset", err)
	}

	d := &Device{
		ctx: ctx,
		dev: dev,
		in:  make(map[uint8]*gousb.InEndpoint),
		out: make(map[uint8]*gousb.OutEndpoint),
	}

	var probe [255]byte
	if _, err := d.ControlTransfer(
		0x80, 0x06, uint16(0x03)<<8|0, 0, probe[:], ControlTimeout,
	); err != nil {
		d.Close()
		return nil, pkg.NewUpstreamUnavailableError("probe", err)
	}

	return d, nil
}

type errDeviceNotFound struct {
	vendor, product uint16
}

func (errDeviceNotFound) Error() string { return "device not found" }

// ControlTransfer issues a control transfer. The direction bit of
// requestType governs whether payloadOrLength is treated as bytes to send
// (OUT) or a buffer to fill up to its length (IN); the returned byte count
// for IN reflects the bytes actually received.
func (d *Device) ControlTransfer(requestType, request uint8, value, index uint16, payloadOrLength []byte, timeout time.Duration) ([]byte, error) {
	d.dev.ControlTimeout = timeout

	n, err := d.dev.Control(requestType, request, value, index, payloadOrLength)
	if err != nil {
		return nil, pkg.NewControlTransferError("controlTransfer", err)
	}
	return payloadOrLength[:n], nil
}

// Reset issues a bus reset on the upstream device.
func (d *Device) Reset() error {
	if err := d.dev.Reset(); err != nil {
		return pkg.NewUpstreamUnavailableError("reset", err)
	}
	return nil
}

// SetConfiguration selects the given configuration on the upstream device
// and releases any previously claimed interfaces.
func (d *Device) SetConfiguration(value uint8) error {
	d.releaseInterfaces()

	cfg, err := d.dev.Config(int(value))
	if err != nil {
		return pkg.NewControlTransferError("setConfiguration", err)
	}
	d.cfg = cfg
	return nil
}

// Enumerate yields the non-control (bulk/interrupt) endpoints of the given
// configuration, claiming each interface at its default alternate setting
// so the returned endpoints can immediately be used for transfers.
// Isochronous endpoints are recognized but skipped (non-goal).
func (d *Device) Enumerate(configValue uint8) ([]EndpointInfo, error) {
	if d.cfg == nil {
		return nil, pkg.NewControlTransferError("enumerate", errNotConfigured{})
	}

	desc, ok := d.dev.Desc.Configs[int(configValue)]
	if !ok {
		return nil, pkg.NewControlTransferError("enumerate", errConfigNotFound(configValue))
	}

	var out []EndpointInfo
	for _, ifaceDesc := range desc.Interfaces {
		if len(ifaceDesc.AltSettings) == 0 {
			continue
		}
		alt := ifaceDesc.AltSettings[0]

		iface, err := d.cfg.Interface(ifaceDesc.Number, alt.Alternate)
		if err != nil {
			return nil, pkg.NewControlTransferError("claimInterface", err)
		}
		d.ifces = append(d.ifces, iface)

		for addr, ep := range alt.Endpoints {
			attr := endpointAttributes(ep)
			if usbwireTransferType(attr) == transferTypeIsochronous {
				continue
			}

			info := EndpointInfo{
				Address:       uint8(addr),
				Attributes:    attr,
				MaxPacketSize: uint16(ep.MaxPacketSize),
				Interval:      intervalByte(ep),
			}
			out = append(out, info)

			if ep.Direction == gousb.EndpointDirectionIn {
				in, err := iface.InEndpoint(ep.Number)
				if err != nil {
					return nil, pkg.NewControlTransferError("inEndpoint", err)
				}
				d.in[info.Address] = in
			} else {
				o, err := iface.OutEndpoint(ep.Number)
				if err != nil {
					return nil, pkg.NewControlTransferError("outEndpoint", err)
				}
				d.out[info.Address] = o
			}
		}
	}
	return out, nil
}

// BulkRead reads up to maxBytes from the endpoint at address. A read
// timeout is not an error; it is the normal idle signal and yields an
// empty buffer.
func (d *Device) BulkRead(address uint8, maxBytes int, timeout time.Duration) ([]byte, error) {
	ep, ok := d.in[address]
	if !ok {
		return nil, pkg.NewBulkTransferError("bulkRead", errNoSuchEndpoint(address))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	buf := make([]byte, maxBytes)
	n, err := ep.ReadContext(ctx, buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, pkg.NewBulkTransferError("bulkRead", err)
	}
	return buf[:n], nil
}

// BulkWrite writes data to the endpoint at address.
func (d *Device) BulkWrite(address uint8, data []byte, timeout time.Duration) error {
	ep, ok := d.out[address]
	if !ok {
		return pkg.NewBulkTransferError("bulkWrite", errNoSuchEndpoint(address))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, err := ep.WriteContext(ctx, data)
	if err != nil {
		return pkg.NewBulkTransferError("bulkWrite", err)
	}
	return nil
}

// Close releases claimed interfaces, the configuration, and the device.
func (d *Device) Close() error {
	d.releaseInterfaces()
	if d.cfg != nil {
		d.cfg.Close()
		d.cfg = nil
	}
	var err error
	if d.dev != nil {
		err = d.dev.Close()
	}
	if d.ctx != nil {
		d.ctx.Close()
	}
	return err
}

func (d *Device) releaseInterfaces() {
	for _, iface := range d.ifces {
		iface.Close()
	}
	d.ifces = nil
	d.in = make(map[uint8]*gousb.InEndpoint)
	d.out = make(map[uint8]*gousb.OutEndpoint)
}

type errNotConfigured struct{}

func (errNotConfigured) Error() string { return "upstream device not configured" }

type errConfigNotFound uint8

func (e errConfigNotFound) Error() string { return "configuration not found" }

type errNoSuchEndpoint uint8

func (e errNoSuchEndpoint) Error() string { return "endpoint not bound" }

const transferTypeIsochronous = 0x01

func usbwireTransferType(attr uint8) uint8 { return attr & 0x03 }

func endpointAttributes(ep gousb.EndpointDesc) uint8 {
	attr := uint8(ep.TransferType)
	switch ep.IsoSyncType {
	case gousb.IsoSyncAsync:
		attr |= 0x04
	case gousb.IsoSyncAdaptive:
		attr |= 0x08
	case gousb.IsoSyncSync:
		attr |= 0x0C
	}
	switch ep.UsageType {
	case gousb.IsoUsageFeedback:
		attr |= 0x10
	case gousb.IsoUsageImplicit:
		attr |= 0x20
	}
	return attr
}

func intervalByte(ep gousb.EndpointDesc) uint8 {
	if ep.PollInterval <= 0 {
		return 0
	}
	frames := ep.PollInterval / time.Millisecond
	if frames > 255 {
		frames = 255
	}
	return uint8(frames)
}
