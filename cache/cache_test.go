package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/dualwire/usbproxy/usbwire"
)

// fakeUpstream implements ControlReader for testing, answering
// GET_DESCRIPTOR requests from fixed tables keyed by (type, index).
type fakeUpstream struct {
	device  []byte
	configs map[uint8][]byte
	strings map[uint8][]byte
	failAll bool
}

func (f *fakeUpstream) ControlTransfer(requestType, request uint8, value, index uint16, buf []byte, timeout time.Duration) ([]byte, error) {
	if f.failAll {
		return nil, errors.New("upstream unreachable")
	}
	descType := uint8(value >> 8)
	descIndex := uint8(value)

	var blob []byte
	switch descType {
	case usbwire.DescriptorTypeDevice:
		blob = f.device
	case usbwire.DescriptorTypeConfiguration:
		blob = f.configs[descIndex]
	case usbwire.DescriptorTypeString:
		b, ok := f.strings[descIndex]
		if !ok {
			return nil, errors.New("no such string")
		}
		blob = b
	}
	if blob == nil {
		return nil, errors.New("no such descriptor")
	}
	n := len(blob)
	if n > len(buf) {
		n = len(buf)
	}
	copy(buf, blob[:n])
	return buf[:n], nil
}

func deviceDescriptorWithStrings(numConfigs uint8, mfg, prod, serial uint8) []byte {
	d := make([]byte, usbwire.DeviceDescriptorSize)
	d[0] = usbwire.DeviceDescriptorSize
	d[1] = usbwire.DescriptorTypeDevice
	d[7] = 0x08 // bMaxPacketSize0, deliberately below the clamp
	d[usbwire.ManufacturerIndexOffset] = mfg
	d[usbwire.ProductIndexOffset] = prod
	d[usbwire.SerialNumberIndexOffset] = serial
	d[usbwire.NumConfigurationsOffset] = numConfigs
	return d
}

func configDescriptorBlob(total uint16) []byte {
	blob := make([]byte, total)
	blob[0] = usbwire.ConfigurationDescriptorSize
	blob[1] = usbwire.DescriptorTypeConfiguration
	blob[2] = byte(total)
	blob[3] = byte(total >> 8)
	return blob
}

func TestPopulateFetchesDeviceConfigAndStrings(t *testing.T) {
	fake := &fakeUpstream{
		device: deviceDescriptorWithStrings(1, 1, 2, 0),
		configs: map[uint8][]byte{
			0: configDescriptorBlob(32),
		},
		strings: map[uint8][]byte{
			1: {0x0A, 0x03, 'h', 0, 'i', 0},
			2: {0x06, 0x03, 'p', 0, 0, 0},
		},
	}

	c := New()
	if err := c.Populate(fake); err != nil {
		t.Fatalf("Populate: %v", err)
	}

	if len(c.DeviceDescriptor) != usbwire.DeviceDescriptorSize {
		t.Fatalf("DeviceDescriptor length = %d, want %d", len(c.DeviceDescriptor), usbwire.DeviceDescriptorSize)
	}
	if got := c.DeviceDescriptor[7]; got != 0x08 {
		t.Errorf("cached bMaxPacketSize0 = 0x%02X, want unmodified 0x08", got)
	}

	cfg, ok := c.Configuration(0, 32)
	if !ok || len(cfg) != 32 {
		t.Fatalf("Configuration(0) = %v, %v, want 32-byte blob", cfg, ok)
	}

	if _, ok := c.String(1, 255); !ok {
		t.Error("expected manufacturer string to be cached")
	}
	if _, ok := c.String(2, 255); !ok {
		t.Error("expected product string to be cached")
	}
	if _, ok := c.String(3, 255); ok {
		t.Error("expected no serial number string (index 0 on descriptor)")
	}
}

func TestPopulateStringFailureIsNonFatal(t *testing.T) {
	fake := &fakeUpstream{
		device: deviceDescriptorWithStrings(0, 5, 0, 0),
	}

	c := New()
	if err := c.Populate(fake); err != nil {
		t.Fatalf("Populate should succeed despite string fetch failure: %v", err)
	}
	if _, ok := c.String(5, 255); ok {
		t.Error("expected absent string to remain absent after fetch failure")
	}
}

func TestPopulateDeviceFailureIsFatal(t *testing.T) {
	fake := &fakeUpstream{failAll: true}

	c := New()
	if err := c.Populate(fake); err == nil {
		t.Fatal("expected Populate to fail when device descriptor fetch fails")
	}
}

func TestDeviceAppliesClampAtSendTime(t *testing.T) {
	c := New()
	c.DeviceDescriptor = deviceDescriptorWithStrings(0, 0, 0, 0)

	sent := c.Device(usbwire.DeviceDescriptorSize)
	if sent[7] != usbwire.MinControlMaxPacketSize0 {
		t.Errorf("Device() byte 7 = 0x%02X, want 0x%02X", sent[7], usbwire.MinControlMaxPacketSize0)
	}
	if c.DeviceDescriptor[7] != 0x08 {
		t.Error("Populate-time cache must remain unmodified; clamp applies only at send time")
	}
}

func TestTruncationIsPrefix(t *testing.T) {
	c := New()
	c.ConfigDescriptors[0] = []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}

	got, ok := c.Configuration(0, 4)
	if !ok {
		t.Fatal("expected configuration to be present")
	}
	want := []byte{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want prefix %v", got, want)
		}
	}
}
