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
	"log"

	"github.com/usbarmory/dfu/usb"
)

// Stage represents a control transfer stage (see Control).
type Stage int

// Control transfer stages
const (
	SETUP_STAGE Stage = iota
	DATA_STAGE
	STATUS_STAGE
)

// Control dispatches one stage of a control transfer directed at the DFU
// interface, the USB device stack is expected to invoke it on the setup, data
// and status stage of each such transfer.
//
// A false return rejects the request, the stack must then stall the default
// control endpoint. On an accepted request with no queued response the stack
// is expected to complete the status stage on its own.
func Control(stage Stage, setup *usb.SetupData) bool {
	// A download block is delivered to the application once its
	// availability has been reported to the host, which is on completion
	// of the GETSTATUS poll answered with DFU_DNBUSY (see stateMachine).
	if stage == DATA_STAGE && setup.Request == GETSTATUS && ctx.blkTransferInProc {
		dnloadReply()
		return true
	}

	// nothing to do with any other data or status stage
	if stage != SETUP_STAGE {
		return true
	}

	if setup.Recipient() != usb.RECIPIENT_INTERFACE {
		return false
	}

	// host tools claim the interface with SET_INTERFACE before issuing
	// DFU requests
	if setup.Type() == usb.REQUEST_STANDARD {
		if setup.Request == usb.SET_INTERFACE {
			controlStatus(setup)
			return true
		}

		return false
	}

	if setup.Type() != usb.REQUEST_CLASS {
		return false
	}

	switch setup.Request {
	case DETACH, DNLOAD, UPLOAD, GETSTATUS, CLRSTATUS, GETSTATE, ABORT:
		return stateMachine(setup)
	default:
		log.Printf("dfu: nonstandard request %d", setup.Request)

		if ctx.hooks.Nonstandard != nil {
			return ctx.hooks.Nonstandard(stage, setup)
		}

		return false
	}
}

func controlXfer(setup *usb.SetupData, buf []byte) {
	if err := ctx.port.ControlXfer(setup, buf); err != nil {
		log.Printf("dfu: control transfer error, %v", err)
	}
}

func controlStatus(setup *usb.SetupData) {
	if err := ctx.port.ControlStatus(setup); err != nil {
		log.Printf("dfu: control status error, %v", err)
	}
}

// getStatusReply transmits the 6-byte GETSTATUS response payload
// (p21, 6.1.2 DFU_GETSTATUS Request, DFU1.1).
func getStatusReply(setup *usb.SetupData) {
	resp := &Status{
		Status: ctx.status,
		State:  uint8(ctx.state),
		String: ctx.hooks.statusStringIndex(),
	}

	resp.SetPollTimeout(ctx.hooks.pollTimeout())

	controlXfer(setup, usb.Trim(resp.Bytes(), setup.Length))
}

// getStateReply transmits the single byte GETSTATE response payload
// (p23, 6.1.5 DFU_GETSTATE Request, DFU1.1).
func getStateReply(setup *usb.SetupData) {
	controlXfer(setup, usb.Trim([]byte{uint8(ctx.state)}, setup.Length))
}

// dnloadSetup records the host block index and length, arming the transfer
// buffer for the download data stage.
func dnloadSetup(setup *usb.SetupData) {
	ctx.lastBlockNum = setup.Value
	ctx.lastTransferLen = setup.Length

	controlXfer(setup, ctx.transferBuf[0:setup.Length])
}

// dnloadReply starts the application poll timer and hands the staged block
// over to the application, closing the pending block transfer.
func dnloadReply() {
	ctx.hooks.startPollTimeout(ctx.hooks.pollTimeout())
	ctx.hooks.downloadData(ctx.lastBlockNum, ctx.transferBuf[0:ctx.lastTransferLen])

	ctx.blkTransferInProc = false
	ctx.lastBlockNum = 0
	ctx.lastTransferLen = 0
}

// uploadReply fills the transfer buffer through the application upload hook
// and transmits it, returning the transmitted byte count.
func uploadReply(setup *usb.SetupData) int {
	n := int(setup.Length)

	if n > TRANSFER_BUFFER_SIZE {
		n = TRANSFER_BUFFER_SIZE
	}

	n = ctx.hooks.uploadData(setup.Value, ctx.transferBuf[0:n])
	controlXfer(setup, ctx.transferBuf[0:n])

	return n
}
