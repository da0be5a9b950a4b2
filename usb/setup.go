// USB control transfer support
// https://github.com/usbarmory/dfu
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usb implements portable device-side USB 2.0 control plane
// structures and helpers, adopting the following specifications:
//   - USB2.0 - USB Specification Revision 2.0
//
// The package holds no bus mechanics, it provides the types shared between a
// USB device stack and its class drivers.
package usb

import (
	"encoding/binary"
)

// Endpoint direction
const (
	OUT = 0
	IN  = 1
)

// Format of Setup Data (p276, Table 9-2, USB2.0)
const (
	REQUEST_TYPE_DIR  = 7
	REQUEST_TYPE_TYPE = 5
	REQUEST_TYPE_RCPT = 0
)

// bmRequestType type field values (p276, Table 9-2, USB2.0)
const (
	REQUEST_STANDARD = 0
	REQUEST_CLASS    = 1
	REQUEST_VENDOR   = 2
)

// bmRequestType recipient field values (p276, Table 9-2, USB2.0)
const (
	RECIPIENT_DEVICE    = 0
	RECIPIENT_INTERFACE = 1
	RECIPIENT_ENDPOINT  = 2
	RECIPIENT_OTHER     = 3
)

// Standard request codes (p279, Table 9-4, USB2.0)
const (
	GET_STATUS        = 0
	CLEAR_FEATURE     = 1
	SET_FEATURE       = 3
	SET_ADDRESS       = 5
	GET_DESCRIPTOR    = 6
	SET_DESCRIPTOR    = 7
	GET_CONFIGURATION = 8
	SET_CONFIGURATION = 9
	GET_INTERFACE     = 10
	SET_INTERFACE     = 11
	SYNCH_FRAME       = 12
)

// Descriptor types (p279, Table 9-5, USB2.0)
const (
	DEVICE                    = 1
	CONFIGURATION             = 2
	STRING                    = 3
	INTERFACE                 = 4
	ENDPOINT                  = 5
	DEVICE_QUALIFIER          = 6
	OTHER_SPEED_CONFIGURATION = 7
	INTERFACE_POWER           = 8
)

// Standard feature selectors (p280, Table 9-6, USB2.0)
const (
	ENDPOINT_HALT        = 0
	DEVICE_REMOTE_WAKEUP = 1
	TEST_MODE            = 2
)

// SetupData implements
// p276, Table 9-2. Format of Setup Data, USB2.0.
type SetupData struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// Direction returns the bmRequestType data transfer direction (OUT or IN).
func (s *SetupData) Direction() int {
	return int(s.RequestType>>REQUEST_TYPE_DIR) & 0b1
}

// Type returns the bmRequestType type field (standard, class or vendor).
func (s *SetupData) Type() int {
	return int(s.RequestType>>REQUEST_TYPE_TYPE) & 0b11
}

// Recipient returns the bmRequestType recipient field.
func (s *SetupData) Recipient() int {
	return int(s.RequestType) & 0b11111
}

// Bytes converts the setup packet structure to byte array format.
func (s *SetupData) Bytes() []byte {
	buf := make([]byte, 8)

	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:], s.Value)
	binary.LittleEndian.PutUint16(buf[4:], s.Index)
	binary.LittleEndian.PutUint16(buf[6:], s.Length)

	return buf
}
