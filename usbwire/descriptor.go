package usbwire

import "encoding/binary"

// USB descriptor types (USB 2.0 Spec Table 9-5).
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
)

// DeviceDescriptorSize is the fixed size of a USB device descriptor.
const DeviceDescriptorSize = 18

// ConfigurationDescriptorSize is the size of a configuration descriptor header.
const ConfigurationDescriptorSize = 9

// EndpointDescriptorSize is the size of a USB endpoint descriptor.
const EndpointDescriptorSize = 7

// MinControlMaxPacketSize0 is the minimum bMaxPacketSize0 the proxy will
// ever present downstream (spec: "clamped to at least 64").
const MinControlMaxPacketSize0 = 64

// bMaxPacketSize0Offset is the byte offset of bMaxPacketSize0 within a
// device descriptor.
const bMaxPacketSize0Offset = 7

// ClampMaxPacketSize0 returns a copy of a device descriptor blob with byte 7
// (bMaxPacketSize0) raised to at least MinControlMaxPacketSize0. The input
// is never mutated in place, so a cached descriptor stays byte-faithful to
// the upstream device; the clamp is applied only at send time.
func ClampMaxPacketSize0(deviceDescriptor []byte) []byte {
	if len(deviceDescriptor) <= bMaxPacketSize0Offset {
		return deviceDescriptor
	}
	if deviceDescriptor[bMaxPacketSize0Offset] >= MinControlMaxPacketSize0 {
		return deviceDescriptor
	}
	out := make([]byte, len(deviceDescriptor))
	copy(out, deviceDescriptor)
	out[bMaxPacketSize0Offset] = MinControlMaxPacketSize0
	return out
}

// ConfigurationTotalLength reads wTotalLength from a configuration
// descriptor header (bytes 2-3, little-endian). Returns 0 if hdr is too
// short to contain the field.
func ConfigurationTotalLength(hdr []byte) uint16 {
	if len(hdr) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint16(hdr[2:4])
}

// NumConfigurationsOffset is the byte offset of bNumConfigurations in a
// device descriptor.
const NumConfigurationsOffset = 17

// NumConfigurations reads bNumConfigurations from a device descriptor blob.
func NumConfigurations(deviceDescriptor []byte) uint8 {
	if len(deviceDescriptor) <= NumConfigurationsOffset {
		return 0
	}
	return deviceDescriptor[NumConfigurationsOffset]
}

// String index offsets within a device descriptor.
const (
	ManufacturerIndexOffset = 14
	ProductIndexOffset      = 15
	SerialNumberIndexOffset = 16
)

// StringIndices returns the non-zero manufacturer, product, and serial
// number string indices from a device descriptor blob, in that order. Any
// that are zero or absent (blob too short) are omitted.
func StringIndices(deviceDescriptor []byte) []uint8 {
	offsets := []int{ManufacturerIndexOffset, ProductIndexOffset, SerialNumberIndexOffset}
	var out []uint8
	for _, off := range offsets {
		if len(deviceDescriptor) <= off {
			continue
		}
		if idx := deviceDescriptor[off]; idx != 0 {
			out = append(out, idx)
		}
	}
	return out
}

// LangIDUSEnglish is the standard language ID for US English, used for all
// string descriptor fetches (spec §4.3).
const LangIDUSEnglish = 0x0409

// EndpointDescriptor represents the 7-byte descriptor the gadget expects
// when enabling a forwarded endpoint.
type EndpointDescriptor struct {
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// MarshalTo serializes the endpoint descriptor as
// {bLength=7, bDescriptorType=0x05, bEndpointAddress, bmAttributes,
// wMaxPacketSize (LE u16), bInterval}. Returns the number of bytes written.
func (e *EndpointDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < EndpointDescriptorSize {
		return 0
	}
	buf[0] = EndpointDescriptorSize
	buf[1] = DescriptorTypeEndpoint
	buf[2] = e.EndpointAddress
	buf[3] = e.Attributes
	binary.LittleEndian.PutUint16(buf[4:6], e.MaxPacketSize)
	buf[6] = e.Interval
	return EndpointDescriptorSize
}

// Endpoint transfer types (bits 0-1 of bmAttributes).
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// Endpoint direction bit within the endpoint address.
const (
	EndpointDirectionOut = 0x00
	EndpointDirectionIn  = 0x80
)

// TransferType extracts the transfer type from bmAttributes.
func TransferType(attributes uint8) uint8 { return attributes & 0x03 }

// IsIn reports whether the endpoint address has the IN direction bit set.
func IsIn(address uint8) bool { return address&EndpointDirectionIn != 0 }
