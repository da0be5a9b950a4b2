// USB DFU mode class driver
// https://github.com/usbarmory/dfu
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dfu implements the device side of the USB Device Firmware Upgrade
// class in DFU mode, adopting the following specifications:
//   - DFU1.1  - USB Device Firmware Upgrade Specification Revision 1.1
//   - USB2.0  - USB Specification Revision 2.0
//
// The driver is passive, it is meant to be invoked by a USB device stack on
// each stage of a default control endpoint transfer directed at the DFU
// interface (see Control) and by the application poll timer (see
// PollTimeoutDone). A single DFU interface per device is supported.
package dfu

import (
	"log"

	"github.com/usbarmory/dfu/usb"
)

// DFU interface identification
// (p9, Table 4.1, DFU1.1)
const (
	APP_SPECIFIC_CLASS = 0xfe
	DFU_SUBCLASS       = 0x01
	PROTOCOL_RUNTIME   = 0x01
	PROTOCOL_DFU       = 0x02
)

// DFU class-specific requests (p10, Table 3.2, DFU1.1)
const (
	DETACH = iota
	DNLOAD
	UPLOAD
	GETSTATUS
	CLRSTATUS
	GETSTATE
	ABORT
)

var requestNames = []string{
	"DETACH",
	"DNLOAD",
	"UPLOAD",
	"GETSTATUS",
	"CLRSTATUS",
	"GETSTATE",
	"ABORT",
}

func requestName(request uint8) string {
	if int(request) >= len(requestNames) {
		return "UNKNOWN"
	}

	return requestNames[request]
}

// State represents a DFU device state (p22, 6.1.2, DFU1.1).
type State uint8

// DFU device states (p22, 6.1.2, DFU1.1)
const (
	APP_IDLE State = iota
	APP_DETACH
	DFU_IDLE
	DFU_DNLOAD_SYNC
	DFU_DNBUSY
	DFU_DNLOAD_IDLE
	DFU_MANIFEST_SYNC
	DFU_MANIFEST
	DFU_MANIFEST_WAIT_RESET
	DFU_UPLOAD_IDLE
	DFU_ERROR
)

var stateNames = []string{
	"APP_IDLE",
	"APP_DETACH",
	"DFU_IDLE",
	"DFU_DNLOAD_SYNC",
	"DFU_DNBUSY",
	"DFU_DNLOAD_IDLE",
	"DFU_MANIFEST_SYNC",
	"DFU_MANIFEST",
	"DFU_MANIFEST_WAIT_RESET",
	"DFU_UPLOAD_IDLE",
	"DFU_ERROR",
}

// String returns the state name.
func (s State) String() string {
	if int(s) >= len(stateNames) {
		return "UNKNOWN"
	}

	return stateNames[s]
}

// DFU device status codes (p21, 6.1.2, DFU1.1)
const (
	OK uint8 = iota
	ERR_TARGET
	ERR_FILE
	ERR_WRITE
	ERR_ERASE
	ERR_CHECK_ERASED
	ERR_PROG
	ERR_VERIFY
	ERR_ADDRESS
	ERR_NOTDONE
	ERR_FIRMWARE
	ERR_VENDOR
	ERR_USBR
	ERR_POR
	ERR_UNKNOWN
	ERR_STALLEDPKT
)

var statusNames = []string{
	"OK",
	"ERR_TARGET",
	"ERR_FILE",
	"ERR_WRITE",
	"ERR_ERASE",
	"ERR_CHECK_ERASED",
	"ERR_PROG",
	"ERR_VERIFY",
	"ERR_ADDRESS",
	"ERR_NOTDONE",
	"ERR_FIRMWARE",
	"ERR_VENDOR",
	"ERR_USBR",
	"ERR_POR",
	"ERR_UNKNOWN",
	"ERR_STALLEDPKT",
}

// StatusName returns the name of a DFU status code.
func StatusName(status uint8) string {
	if int(status) >= len(statusNames) {
		return "UNKNOWN"
	}

	return statusNames[status]
}

// DFU functional attributes (p14, Table 4.2, DFU1.1)
const (
	CAN_DOWNLOAD = 1 << iota
	CAN_UPLOAD
	MANIFESTATION_TOLERANT
	WILL_DETACH
)

// TRANSFER_BUFFER_SIZE is the size of the block transfer staging buffer,
// bounding the control transfer wTransferSize a device can advertise.
const TRANSFER_BUFFER_SIZE = 4096

// Controller is the subset of USB device stack operations required to
// complete control transfers on the default control endpoint.
type Controller interface {
	// ControlXfer initiates the data stage of a control transfer, with
	// direction determined by the setup packet, transmitting (IN) or
	// receiving (OUT) buf.
	ControlXfer(setup *usb.SetupData, buf []byte) error

	// ControlStatus completes a control transfer with a zero length
	// status stage.
	ControlStatus(setup *usb.SetupData) error
}

// dfuState represents the driver instance state, a single DFU interface per
// device is supported (see Init).
type dfuState struct {
	state  State
	status uint8
	attrs  uint8

	blkTransferInProc bool

	itfNum          uint8
	lastBlockNum    uint16
	lastTransferLen uint16

	transferBuf [TRANSFER_BUFFER_SIZE]byte

	port Controller
	hooks Hooks
}

// driver instance
var ctx dfuState

// Init initializes the DFU mode class driver for operation on the default
// control endpoint of the argument USB device stack controller.
//
// The initial state is APP_DETACH as initialization is immediately followed
// by a USB bus reset during enumeration, which promotes the driver to
// DFU_IDLE (see Reset).
func Init(port Controller, hooks Hooks) {
	ctx.state = APP_DETACH
	ctx.status = OK
	ctx.attrs = hooks.attrs()
	ctx.blkTransferInProc = false
	ctx.lastBlockNum = 0
	ctx.lastTransferLen = 0

	ctx.port = port
	ctx.hooks = hooks

	printContext()
}

// Reset handles a USB bus reset event.
//
// From APP_DETACH the driver moves to DFU_IDLE, entering firmware transfer
// operation. From any other state the next state is delegated to the USBReset
// hook when present, otherwise it is APP_IDLE when the current firmware is
// valid (see FirmwareValid) and DFU_ERROR when it is not, with DFU_ERROR
// itself unconditionally clearing to APP_IDLE.
//
// A computed APP_IDLE state invokes the RebootToRuntime hook, as the device
// must switch back to its runtime personality.
func Reset() {
	if ctx.state == APP_DETACH {
		ctx.state = DFU_IDLE
	} else if ctx.hooks.USBReset != nil {
		ctx.hooks.USBReset(&ctx.state)
	} else {
		switch ctx.state {
		case DFU_IDLE, DFU_DNLOAD_SYNC, DFU_DNBUSY, DFU_DNLOAD_IDLE,
			DFU_MANIFEST_SYNC, DFU_MANIFEST, DFU_MANIFEST_WAIT_RESET,
			DFU_UPLOAD_IDLE:
			if ctx.hooks.firmwareValid() {
				ctx.state = APP_IDLE
			} else {
				ctx.state = DFU_ERROR
			}
		default:
			ctx.state = APP_IDLE
		}
	}

	if ctx.state == APP_IDLE && ctx.hooks.RebootToRuntime != nil {
		ctx.hooks.RebootToRuntime()
	}

	ctx.status = OK
	ctx.attrs = ctx.hooks.attrs()
	ctx.blkTransferInProc = false
	ctx.lastBlockNum = 0
	ctx.lastTransferLen = 0

	printContext()
}

// Open claims the DFU interface within the argument raw configuration
// descriptor buffer, which must point to an interface descriptor carrying the
// DFU application subclass and DFU mode protocol, consuming the DFU
// functional descriptor when it follows.
//
// The total descriptor length claimed by the driver is returned, 0 on
// mismatch.
func Open(desc []byte) int {
	if len(desc) < usb.INTERFACE_LENGTH ||
		usb.DescriptorLength(desc) < usb.INTERFACE_LENGTH ||
		usb.DescriptorType(desc) != usb.INTERFACE {
		return 0
	}

	// bInterfaceSubClass, bInterfaceProtocol
	if desc[6] != DFU_SUBCLASS || desc[7] != PROTOCOL_DFU {
		return 0
	}

	// bInterfaceNumber
	ctx.itfNum = desc[2]

	n := usb.INTERFACE_LENGTH

	if next := usb.NextDescriptor(desc); usb.DescriptorType(next) == DESC_FUNCTIONAL {
		n += usb.DescriptorLength(next)
	}

	return n
}

// SetStatus records a DFU status code in the driver state, its value is
// reported in GETSTATUS replies. Application hooks use it to report a
// specific error condition (e.g. ERR_VERIFY) when failing an operation.
func SetStatus(status uint8) {
	ctx.status = status
}

// CurrentState returns the current DFU device state.
func CurrentState() State {
	return ctx.state
}

func printContext() {
	log.Printf("dfu: state:%v status:%d attrs:%#.2x block:%d len:%d",
		ctx.state, ctx.status, ctx.attrs, ctx.lastBlockNum, ctx.lastTransferLen)
}
