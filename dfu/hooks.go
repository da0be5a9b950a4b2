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
	"time"

	"github.com/usbarmory/dfu/usb"
)

// Hooks represents the application callbacks for the DFU mode class driver.
//
// DownloadData, UploadData, DataDone, FirmwareValid, InitAttrs,
// StartPollTimeout and RebootToRuntime implement the firmware transfer
// operation and are expected to be set on any useful instance, the remaining
// hooks are optional. A nil hook yields its zero value (see each field).
type Hooks struct {
	// InitAttrs returns the DFU functional attribute bitmask
	// (CAN_DOWNLOAD, CAN_UPLOAD, MANIFESTATION_TOLERANT, WILL_DETACH),
	// queried at initialization and on each bus reset. A nil hook yields
	// no attributes.
	InitAttrs func() uint8

	// USBReset, when set, overrides the bus reset state transition for
	// any state other than APP_DETACH, it may overwrite state with any
	// legal value.
	USBReset func(state *State)

	// FirmwareValid returns whether the current firmware image is valid,
	// consulted on bus reset and, on manifestation tolerant devices, at
	// manifestation synchronization. A nil hook reports an invalid image.
	FirmwareValid func() bool

	// RebootToRuntime performs the device specific reboot to runtime mode,
	// invoked on the bus reset path leading to APP_IDLE.
	RebootToRuntime func()

	// Nonstandard, when set, handles class requests outside the DFU
	// request set, returning false to stall. A nil hook stalls.
	Nonstandard func(stage Stage, setup *usb.SetupData) bool

	// PollTimeout returns the poll timeout advertised to the host in
	// GETSTATUS replies, the minimum delay the host must honor between
	// successive polls. A nil hook advertises no delay.
	PollTimeout func() time.Duration

	// StatusStringIndex returns the string descriptor index for vendor
	// status text in GETSTATUS replies, 0 when absent.
	StatusStringIndex func() uint8

	// StartPollTimeout starts a one-shot timer for the argument duration,
	// its expiry must invoke PollTimeoutDone.
	StartPollTimeout func(timeout time.Duration)

	// DownloadData consumes one downloaded firmware block, the buffer is
	// only valid for the duration of the call.
	DownloadData func(block uint16, buf []byte)

	// UploadData fills buf with up to len(buf) bytes of the firmware
	// image block, returning the byte count, a short count ends the
	// upload. A nil hook ends the upload immediately.
	UploadData func(block uint16, buf []byte) int

	// DataDone returns whether the downloaded image is complete and
	// acceptable, consulted on the end-of-download signal. A nil hook
	// rejects the image.
	DataDone func() bool

	// Abort, when set, performs application cleanup on a host issued
	// ABORT request.
	Abort func()
}

func (h *Hooks) attrs() uint8 {
	if h.InitAttrs == nil {
		return 0
	}

	return h.InitAttrs()
}

func (h *Hooks) firmwareValid() bool {
	if h.FirmwareValid == nil {
		return false
	}

	return h.FirmwareValid()
}

func (h *Hooks) pollTimeout() time.Duration {
	if h.PollTimeout == nil {
		return 0
	}

	return h.PollTimeout()
}

func (h *Hooks) statusStringIndex() uint8 {
	if h.StatusStringIndex == nil {
		return 0
	}

	return h.StatusStringIndex()
}

func (h *Hooks) startPollTimeout(timeout time.Duration) {
	if h.StartPollTimeout == nil {
		return
	}

	h.StartPollTimeout(timeout)
}

func (h *Hooks) downloadData(block uint16, buf []byte) {
	if h.DownloadData == nil {
		return
	}

	h.DownloadData(block, buf)
}

func (h *Hooks) uploadData(block uint16, buf []byte) int {
	if h.UploadData == nil {
		return 0
	}

	n := h.UploadData(block, buf)

	// the hook cannot yield more than requested
	if n > len(buf) {
		n = len(buf)
	}

	return n
}

func (h *Hooks) dataDone() bool {
	if h.DataDone == nil {
		return false
	}

	return h.DataDone()
}

func (h *Hooks) abort() {
	if h.Abort == nil {
		return
	}

	h.Abort()
}
