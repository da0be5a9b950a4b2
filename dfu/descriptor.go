// USB DFU mode class driver
// https://github.com/usbarmory/dfu
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dfu

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/usbarmory/dfu/usb"
)

// DFU descriptor constants
const (
	// p13, Table 4.1.3, DFU1.1
	DESC_FUNCTIONAL = 0x21

	FUNCTIONAL_LENGTH = 9
	STATUS_LENGTH     = 6

	// DFU 1.1
	DFU_VERSION = 0x0110
)

// FunctionalDescriptor implements
// p13, 4.1.3 Run-Time DFU Functional Descriptor, DFU1.1.
type FunctionalDescriptor struct {
	Length         uint8
	DescriptorType uint8
	Attributes     uint8
	DetachTimeOut  uint16
	TransferSize   uint16
	DFUVersion     uint16
}

// SetDefaults initializes default values for the DFU functional descriptor.
func (d *FunctionalDescriptor) SetDefaults() {
	d.Length = FUNCTIONAL_LENGTH
	d.DescriptorType = DESC_FUNCTIONAL
	d.DetachTimeOut = 1000
	d.TransferSize = TRANSFER_BUFFER_SIZE
	d.DFUVersion = DFU_VERSION
}

// Bytes converts the descriptor structure to byte array format.
func (d *FunctionalDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// Status implements the DFU_GETSTATUS response payload
// (p21, 6.1.2 DFU_GETSTATUS Request, DFU1.1).
type Status struct {
	Status      uint8
	PollTimeout [3]byte
	State       uint8
	String      uint8
}

// SetPollTimeout encodes the argument duration as the poll timeout
// millisecond count, clamped to its 24-bit range.
func (d *Status) SetPollTimeout(timeout time.Duration) {
	ms := timeout.Milliseconds()

	if ms > 0xffffff {
		ms = 0xffffff
	}

	d.PollTimeout[0] = byte(ms)
	d.PollTimeout[1] = byte(ms >> 8)
	d.PollTimeout[2] = byte(ms >> 16)
}

// Bytes converts the descriptor structure to byte array format.
func (d *Status) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// AddInterface adds a DFU mode interface descriptor, along with its DFU
// functional descriptor, to the argument device and configuration index. The
// resulting interface carries no endpoints as all transfers take place on the
// default control endpoint.
func AddInterface(device *usb.Device, configurationIndex int, attrs uint8) (iface *usb.InterfaceDescriptor, err error) {
	iface = &usb.InterfaceDescriptor{}
	iface.SetDefaults()

	iface.NumEndpoints = 0
	iface.InterfaceClass = APP_SPECIFIC_CLASS
	iface.InterfaceSubClass = DFU_SUBCLASS
	iface.InterfaceProtocol = PROTOCOL_DFU

	iInterface, err := device.AddString(`DFU 1.1`)

	if err != nil {
		return
	}

	iface.Interface = iInterface

	fn := &FunctionalDescriptor{}
	fn.SetDefaults()
	fn.Attributes = attrs

	iface.ClassDescriptors = append(iface.ClassDescriptors, fn.Bytes())

	conf := device.Configurations[configurationIndex]
	conf.Interfaces = append(conf.Interfaces, iface)

	iface.InterfaceNumber = uint8(len(conf.Interfaces) - 1)
	conf.NumInterfaces = uint8(len(conf.Interfaces))
	conf.SetTotalLength()

	return
}
