// dfu-util - host side DFU 1.1 firmware transfer tool
// https://github.com/usbarmory/dfu
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log"
	"time"

	"github.com/google/gousb"

	"github.com/usbarmory/dfu/dfu"
)

// bmRequestType for DFU class interface requests
const (
	classOut = gousb.ControlOut | gousb.ControlClass | gousb.ControlInterface
	classIn  = gousb.ControlIn | gousb.ControlClass | gousb.ControlInterface
)

// deviceStatus represents a parsed GETSTATUS response payload.
type deviceStatus struct {
	Status      uint8
	PollTimeout time.Duration
	State       dfu.State
	String      uint8
}

func (s *deviceStatus) err() error {
	if s.State == dfu.DFU_ERROR || s.Status != dfu.OK {
		return fmt.Errorf("device error %s in state %v", dfu.StatusName(s.Status), s.State)
	}

	return nil
}

func getStatus(dev *gousb.Device) (status *deviceStatus, err error) {
	buf := make([]byte, dfu.STATUS_LENGTH)

	n, err := dev.Control(classIn, dfu.GETSTATUS, 0, uint16(conf.Interface), buf)

	if err != nil {
		return
	}

	if n != dfu.STATUS_LENGTH {
		return nil, fmt.Errorf("invalid GETSTATUS response length %d", n)
	}

	ms := int(buf[1]) | int(buf[2])<<8 | int(buf[3])<<16

	status = &deviceStatus{
		Status:      buf[0],
		PollTimeout: time.Duration(ms) * time.Millisecond,
		State:       dfu.State(buf[4]),
		String:      buf[5],
	}

	return
}

func getState(dev *gousb.Device) (state dfu.State, err error) {
	buf := make([]byte, 1)

	if _, err = dev.Control(classIn, dfu.GETSTATE, 0, uint16(conf.Interface), buf); err != nil {
		return
	}

	return dfu.State(buf[0]), nil
}

func clearStatus(dev *gousb.Device) (err error) {
	_, err = dev.Control(classOut, dfu.CLRSTATUS, 0, uint16(conf.Interface), nil)
	return
}

// waitIdle polls the device status until the argument state is reached,
// honoring the advertised poll timeout between polls, within the configured
// ceiling.
func waitIdle(dev *gousb.Device, idle dfu.State) (err error) {
	var status *deviceStatus

	deadline := time.Now().Add(conf.Timeout)

	for {
		if status, err = getStatus(dev); err != nil {
			return
		}

		if err = status.err(); err != nil {
			return
		}

		if status.State == idle {
			return
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %v (state %v)", idle, status.State)
		}

		time.Sleep(status.PollTimeout)
	}
}

// download transfers a firmware image to the device, block by block, then
// signals end-of-download and follows manifestation to completion.
func download(dev *gousb.Device, img []byte) (err error) {
	var block int

	for off := 0; off < len(img); off += conf.TransferSize {
		end := off + conf.TransferSize

		if end > len(img) {
			end = len(img)
		}

		if _, err = dev.Control(classOut, dfu.DNLOAD, uint16(block), uint16(conf.Interface), img[off:end]); err != nil {
			return fmt.Errorf("block %d, %v", block, err)
		}

		if err = waitIdle(dev, dfu.DFU_DNLOAD_IDLE); err != nil {
			return fmt.Errorf("block %d, %v", block, err)
		}

		log.Printf("wrote block %d (%d bytes)", block, end-off)
		block++
	}

	// zero length block signals end-of-download
	if _, err = dev.Control(classOut, dfu.DNLOAD, uint16(block), uint16(conf.Interface), nil); err != nil {
		return fmt.Errorf("end-of-download, %v", err)
	}

	status, err := getStatus(dev)

	if err != nil {
		return fmt.Errorf("manifestation, %v", err)
	}

	if err = status.err(); err != nil {
		return
	}

	switch status.State {
	case dfu.DFU_IDLE:
		// manifestation tolerant device, session complete
	case dfu.DFU_MANIFEST, dfu.DFU_MANIFEST_SYNC:
		time.Sleep(status.PollTimeout)

		if err = waitIdle(dev, dfu.DFU_IDLE); err != nil {
			log.Printf("device awaits USB reset to activate new firmware (%v)", err)
			err = nil
		}
	case dfu.DFU_MANIFEST_WAIT_RESET:
		log.Printf("device awaits USB reset to activate new firmware")
	default:
		err = fmt.Errorf("unexpected state %v after manifestation", status.State)
	}

	return
}

// upload transfers the firmware image from the device, a short frame ends the
// transfer.
func upload(dev *gousb.Device) (img []byte, err error) {
	var block int

	for {
		buf := make([]byte, conf.TransferSize)

		n, err := dev.Control(classIn, dfu.UPLOAD, uint16(block), uint16(conf.Interface), buf)

		if err != nil {
			return nil, fmt.Errorf("block %d, %v", block, err)
		}

		img = append(img, buf[0:n]...)

		log.Printf("read block %d (%d bytes)", block, n)
		block++

		if n < conf.TransferSize {
			break
		}
	}

	return
}
