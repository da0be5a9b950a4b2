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

// stateMachine applies a DFU class request to the protocol automaton,
// queueing the control transfer response where one is due.
//
// A false return rejects the request, stalling the default control endpoint.
func stateMachine(setup *usb.SetupData) bool {
	switch ctx.state {
	case DFU_IDLE:
		switch setup.Request {
		case DNLOAD:
			if ctx.attrs&CAN_DOWNLOAD != 0 && setup.Length > 0 {
				if int(setup.Length) > TRANSFER_BUFFER_SIZE {
					ctx.state = DFU_ERROR
					return false
				}

				ctx.state = DFU_DNLOAD_SYNC
				ctx.blkTransferInProc = true
				dnloadSetup(setup)
			} else {
				// no stall, the state carries the error for the
				// next GETSTATUS to reveal
				ctx.state = DFU_ERROR
			}
		case UPLOAD:
			if ctx.attrs&CAN_UPLOAD != 0 {
				ctx.state = DFU_UPLOAD_IDLE
				uploadReply(setup)
			} else {
				ctx.state = DFU_ERROR
			}
		case GETSTATUS:
			getStatusReply(setup)
		case GETSTATE:
			getStateReply(setup)
		case ABORT:
			// no-op
		default:
			ctx.state = DFU_ERROR
			return false
		}
	case DFU_DNLOAD_SYNC:
		switch setup.Request {
		case GETSTATUS:
			if ctx.blkTransferInProc {
				// report DFU_DNBUSY so the host honors the
				// advertised poll timeout
				ctx.state = DFU_DNBUSY
			} else {
				ctx.state = DFU_DNLOAD_IDLE
			}

			getStatusReply(setup)
		case GETSTATE:
			getStateReply(setup)
		default:
			ctx.blkTransferInProc = false
			ctx.state = DFU_ERROR
			return false
		}
	case DFU_DNBUSY:
		// the host must wait out the poll timeout, the transition out
		// is driven by PollTimeoutDone
		ctx.blkTransferInProc = false
		ctx.state = DFU_ERROR
		return false
	case DFU_DNLOAD_IDLE:
		switch setup.Request {
		case DNLOAD:
			if ctx.attrs&CAN_DOWNLOAD != 0 && setup.Length > 0 {
				if int(setup.Length) > TRANSFER_BUFFER_SIZE {
					ctx.state = DFU_ERROR
					return false
				}

				ctx.state = DFU_DNLOAD_SYNC
				ctx.blkTransferInProc = true
				dnloadSetup(setup)
			} else if ctx.hooks.dataDone() {
				// zero length block, end of download
				ctx.state = DFU_MANIFEST_SYNC
				controlStatus(setup)
			} else {
				ctx.state = DFU_ERROR
				return false
			}
		case GETSTATUS:
			getStatusReply(setup)
		case GETSTATE:
			getStateReply(setup)
		case ABORT:
			ctx.hooks.abort()
			ctx.state = DFU_IDLE
		default:
			ctx.state = DFU_ERROR
			return false
		}
	case DFU_MANIFEST_SYNC:
		switch setup.Request {
		case GETSTATUS:
			if ctx.attrs&MANIFESTATION_TOLERANT == 0 {
				ctx.state = DFU_MANIFEST
			} else if ctx.hooks.firmwareValid() {
				ctx.state = DFU_IDLE
			}

			getStatusReply(setup)
		case GETSTATE:
			getStateReply(setup)
		default:
			ctx.state = DFU_ERROR
			return false
		}
	case DFU_MANIFEST:
		// busy manifesting, the transition out is driven by
		// PollTimeoutDone
		return false
	case DFU_MANIFEST_WAIT_RESET:
		log.Printf("dfu: %v, unexpected request %s", ctx.state, requestName(setup.Request))
		return false
	case DFU_UPLOAD_IDLE:
		switch setup.Request {
		case UPLOAD:
			if uploadReply(setup) != int(setup.Length) {
				// a short frame ends the upload
				ctx.state = DFU_IDLE
			}
		case GETSTATUS:
			getStatusReply(setup)
		case GETSTATE:
			getStateReply(setup)
		case ABORT:
			ctx.hooks.abort()
			ctx.state = DFU_IDLE
		default:
			return false
		}
	case DFU_ERROR:
		switch setup.Request {
		case GETSTATUS:
			getStatusReply(setup)
		case CLRSTATUS:
			ctx.state = DFU_IDLE
		case GETSTATE:
			getStateReply(setup)
		default:
			return false
		}
	default:
		log.Printf("dfu: unexpected state %d", ctx.state)
		ctx.state = DFU_ERROR
		return false
	}

	return true
}

// PollTimeoutDone signals the expiry of the application poll timer (see
// Hooks.StartPollTimeout), driving the asynchronous transition out of
// DFU_DNBUSY, once the block write settled, and out of DFU_MANIFEST, once
// manifestation completed. It has no effect in any other state.
func PollTimeoutDone() {
	switch ctx.state {
	case DFU_DNBUSY:
		ctx.state = DFU_DNLOAD_SYNC
	case DFU_MANIFEST:
		if ctx.attrs&MANIFESTATION_TOLERANT == 0 {
			ctx.state = DFU_MANIFEST_WAIT_RESET
		} else {
			ctx.state = DFU_MANIFEST_SYNC
		}
	}
}
