// Package usbwire defines the USB wire data model shared by the gadget,
// upstream, cache, and proxy packages: the 8-byte SETUP packet, standard
// request and descriptor type codes, and endpoint attribute constants.
package usbwire

import (
	"encoding/binary"
	"fmt"

	"github.com/dualwire/usbproxy/pkg"
)

// Standard USB request codes (USB 2.0 Spec Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

// Request type masks (USB 2.0 Spec Table 9-2).
const (
	RequestTypeDirectionMask = 0x80
	RequestTypeTypeMask      = 0x60
	RequestTypeRecipientMask = 0x1F
)

// Request type direction values.
const (
	RequestDirectionHostToDevice = 0x00
	RequestDirectionDeviceToHost = 0x80
)

// Request type values.
const (
	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40
)

// Request recipient values.
const (
	RequestRecipientDevice    = 0x00
	RequestRecipientInterface = 0x01
	RequestRecipientEndpoint  = 0x02
	RequestRecipientOther     = 0x03
)

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// SetupPacket represents the 8-byte USB SETUP packet exchanged on EP0.
type SetupPacket struct {
	RequestType uint8  // bmRequestType: direction, type, recipient
	Request     uint8  // bRequest: specific request code
	Value       uint16 // wValue: request-specific parameter
	Index       uint16 // wIndex: request-specific index
	Length      uint16 // wLength: number of bytes to transfer
}

// ParseSetupPacket decodes an 8-byte little-endian setup packet from data
// into out. Returns pkg.ErrSetupPacketTooShort if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) error {
	if len(data) < SetupPacketSize {
		return pkg.ErrSetupPacketTooShort
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return nil
}

// MarshalTo serializes the setup packet to buf, little-endian.
// Returns the number of bytes written (8 if buf is large enough, else 0).
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// Direction returns the transfer direction bit.
func (s *SetupPacket) Direction() uint8 { return s.RequestType & RequestTypeDirectionMask }

// IsDeviceToHost reports whether this is an IN (device-to-host) transfer.
func (s *SetupPacket) IsDeviceToHost() bool { return s.Direction() == RequestDirectionDeviceToHost }

// IsHostToDevice reports whether this is an OUT (host-to-device) transfer.
func (s *SetupPacket) IsHostToDevice() bool { return s.Direction() == RequestDirectionHostToDevice }

// Type returns the request type bits (Standard, Class, or Vendor).
func (s *SetupPacket) Type() uint8 { return s.RequestType & RequestTypeTypeMask }

// IsStandard reports whether this is a standard request.
func (s *SetupPacket) IsStandard() bool { return s.Type() == RequestTypeStandard }

// Recipient returns the recipient bits.
func (s *SetupPacket) Recipient() uint8 { return s.RequestType & RequestTypeRecipientMask }

// IsDeviceRecipient reports whether the recipient is the device.
func (s *SetupPacket) IsDeviceRecipient() bool { return s.Recipient() == RequestRecipientDevice }

// DescriptorType returns the descriptor type from the high byte of wValue.
func (s *SetupPacket) DescriptorType() uint8 { return uint8(s.Value >> 8) }

// DescriptorIndex returns the descriptor index from the low byte of wValue.
func (s *SetupPacket) DescriptorIndex() uint8 { return uint8(s.Value & 0xFF) }

// String returns a human-readable representation, used in log lines.
func (s *SetupPacket) String() string {
	dir := "OUT"
	if s.IsDeviceToHost() {
		dir = "IN"
	}
	reqType := "Standard"
	switch s.Type() {
	case RequestTypeClass:
		reqType = "Class"
	case RequestTypeVendor:
		reqType = "Vendor"
	}
	return fmt.Sprintf("SETUP[%s %s] Request=0x%02X Value=0x%04X Index=0x%04X Length=%d",
		dir, reqType, s.Request, s.Value, s.Index, s.Length)
}
