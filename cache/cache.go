// Package cache pre-fetches and stores the device, configuration, and
// selected string descriptors of the upstream device so the EP0 Engine can
// serve GET_DESCRIPTOR locally without further upstream round-trips.
package cache

import (
	"time"

	"github.com/dualwire/usbproxy/pkg"
	"github.com/dualwire/usbproxy/usbwire"
)

// ControlReader is the subset of the upstream device façade the cache needs
// to populate itself: a single synchronous control transfer primitive.
// upstream.Device satisfies this interface structurally.
type ControlReader interface {
	ControlTransfer(requestType, request uint8, value, index uint16, payloadOrLength []byte, timeout time.Duration) ([]byte, error)
}

// Cache holds the device, configuration, and string descriptors fetched
// from the upstream device in one pass at startup. Once Populate returns,
// the cache never issues further upstream requests; its contents are never
// mutated afterward.
type Cache struct {
	DeviceDescriptor  []byte
	ConfigDescriptors map[uint8][]byte
	StringDescriptors map[uint8][]byte
}

// New returns an empty Cache ready for Populate.
func New() *Cache {
	return &Cache{
		ConfigDescriptors: make(map[uint8][]byte),
		StringDescriptors: make(map[uint8][]byte),
	}
}

const controlTimeout = 1000 * time.Millisecond

// Populate performs the exact three-step fetch algorithm (spec §4.3):
//  1. fetch the 18-byte device descriptor;
//  2. for each configuration index, fetch its 9-byte header, read
//     wTotalLength from it, then refetch and store the full blob verbatim;
//  3. for each non-zero manufacturer/product/serial-number string index on
//     the device descriptor, fetch the string with language ID 0x0409 —
//     failures here are non-fatal, absent strings simply remain absent.
func (c *Cache) Populate(dev ControlReader) error {
	deviceDesc := make([]byte, usbwire.DeviceDescriptorSize)
	if _, err := getDescriptor(dev, usbwire.DescriptorTypeDevice, 0, 0, deviceDesc); err != nil {
		return pkg.NewUpstreamUnavailableError("fetch device descriptor", err)
	}
	c.DeviceDescriptor = deviceDesc

	numConfigs := usbwire.NumConfigurations(deviceDesc)
	for i := uint8(0); i < numConfigs; i++ {
		hdr := make([]byte, usbwire.ConfigurationDescriptorSize)
		if _, err := getDescriptor(dev, usbwire.DescriptorTypeConfiguration, i, 0, hdr); err != nil {
			return pkg.NewUpstreamUnavailableError("fetch configuration header", err)
		}

		total := usbwire.ConfigurationTotalLength(hdr)
		if total < usbwire.ConfigurationDescriptorSize {
			total = usbwire.ConfigurationDescriptorSize
		}

		full := make([]byte, total)
		if _, err := getDescriptor(dev, usbwire.DescriptorTypeConfiguration, i, 0, full); err != nil {
			return pkg.NewUpstreamUnavailableError("fetch configuration descriptor", err)
		}
		c.ConfigDescriptors[i] = full
	}

	for _, idx := range usbwire.StringIndices(deviceDesc) {
		buf := make([]byte, 255)
		n, err := getDescriptor(dev, usbwire.DescriptorTypeString, idx, usbwire.LangIDUSEnglish, buf)
		if err != nil {
			pkg.LogWarn(pkg.ComponentCache, "string descriptor fetch failed, leaving absent",
				"index", idx, "error", err)
			continue
		}
		c.StringDescriptors[idx] = buf[:n]
	}

	return nil
}

func getDescriptor(dev ControlReader, descType, descIndex uint8, langID uint16, buf []byte) (int, error) {
	requestType := uint8(usbwire.RequestDirectionDeviceToHost | usbwire.RequestTypeStandard | usbwire.RequestRecipientDevice)
	value := uint16(descType)<<8 | uint16(descIndex)
	out, err := dev.ControlTransfer(requestType, usbwire.RequestGetDescriptor, value, langID, buf, controlTimeout)
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

// Device returns the cached device descriptor with bMaxPacketSize0 clamped
// to at least 64, truncated to length bytes. The clamp is applied here, at
// send time, so the cache itself stays byte-faithful to the upstream.
func (c *Cache) Device(length int) []byte {
	return truncate(usbwire.ClampMaxPacketSize0(c.DeviceDescriptor), length)
}

// Configuration returns the cached configuration descriptor blob for
// index, truncated to length bytes, and whether it was present.
func (c *Cache) Configuration(index uint8, length int) ([]byte, bool) {
	blob, ok := c.ConfigDescriptors[index]
	if !ok {
		return nil, false
	}
	return truncate(blob, length), true
}

// String returns the cached string descriptor blob for index, truncated to
// length bytes, and whether it was present.
func (c *Cache) String(index uint8, length int) ([]byte, bool) {
	blob, ok := c.StringDescriptors[index]
	if !ok {
		return nil, false
	}
	return truncate(blob, length), true
}

func truncate(blob []byte, length int) []byte {
	if length < 0 || length > len(blob) {
		return blob
	}
	return blob[:length]
}
