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
	"errors"
	"testing"
	"time"

	"github.com/usbarmory/dfu/usb"
)

// testPort records the control transfer operations issued by the driver.
type testPort struct {
	in    []byte
	out   []byte
	acked int
	fail  bool
}

func (p *testPort) ControlXfer(setup *usb.SetupData, buf []byte) error {
	if p.fail {
		return errors.New("transfer error")
	}

	if setup.Direction() == usb.IN {
		p.in = append([]byte{}, buf...)
	} else {
		p.out = buf
	}

	return nil
}

func (p *testPort) ControlStatus(setup *usb.SetupData) error {
	p.acked++
	return nil
}

func classSetup(request uint8, value uint16, length uint16) *usb.SetupData {
	requestType := uint8(0x21)

	switch request {
	case UPLOAD, GETSTATUS, GETSTATE:
		requestType = 0xa1
	}

	return &usb.SetupData{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Length:      length,
	}
}

// transfer drives all stages of a control transfer against the driver,
// returning acceptance and, for IN requests, the queued response payload.
func transfer(p *testPort, setup *usb.SetupData, payload []byte) (bool, []byte) {
	if !Control(SETUP_STAGE, setup) {
		return false, nil
	}

	if setup.Direction() == usb.OUT && setup.Length > 0 {
		copy(p.out, payload)
	}

	if setup.Length > 0 {
		if !Control(DATA_STAGE, setup) {
			return false, nil
		}
	}

	if !Control(STATUS_STAGE, setup) {
		return false, nil
	}

	return true, p.in
}

func TestHappyDownloadTolerant(t *testing.T) {
	var blocks []uint16
	var data []byte
	var timers []time.Duration

	port := &testPort{}

	Init(port, Hooks{
		InitAttrs: func() uint8 {
			return CAN_DOWNLOAD | MANIFESTATION_TOLERANT | WILL_DETACH
		},
		FirmwareValid: func() bool { return true },
		DataDone:      func() bool { return true },
		PollTimeout:   func() time.Duration { return 5 * time.Millisecond },
		StartPollTimeout: func(timeout time.Duration) {
			timers = append(timers, timeout)
		},
		DownloadData: func(block uint16, buf []byte) {
			blocks = append(blocks, block)
			data = append(data, buf...)
		},
	})

	Reset()

	if s := CurrentState(); s != DFU_IDLE {
		t.Fatalf("state %v after reset from APP_DETACH", s)
	}

	payload := bytes.Repeat([]byte{0xaa}, 64)

	if ok, _ := transfer(port, classSetup(DNLOAD, 0, 64), payload); !ok {
		t.Fatal("DNLOAD rejected")
	}

	if s := CurrentState(); s != DFU_DNLOAD_SYNC {
		t.Fatalf("state %v after DNLOAD", s)
	}

	ok, in := transfer(port, classSetup(GETSTATUS, 0, 6), nil)

	if !ok {
		t.Fatal("GETSTATUS rejected")
	}

	want := []byte{OK, 5, 0, 0, uint8(DFU_DNBUSY), 0}

	if !bytes.Equal(in, want) {
		t.Errorf("GETSTATUS reply mismatch, %x != %x", in, want)
	}

	if len(blocks) != 1 || blocks[0] != 0 {
		t.Errorf("downloaded blocks %v", blocks)
	}

	if !bytes.Equal(data, payload) {
		t.Errorf("downloaded data mismatch")
	}

	if len(timers) != 1 || timers[0] != 5*time.Millisecond {
		t.Errorf("poll timers %v", timers)
	}

	PollTimeoutDone()

	if s := CurrentState(); s != DFU_DNLOAD_SYNC {
		t.Fatalf("state %v after timeout", s)
	}

	if _, in = transfer(port, classSetup(GETSTATUS, 0, 6), nil); in[4] != uint8(DFU_DNLOAD_IDLE) {
		t.Errorf("bState %d after block completion", in[4])
	}

	if ok, _ = transfer(port, classSetup(DNLOAD, 1, 0), nil); !ok {
		t.Fatal("zero length DNLOAD rejected")
	}

	if s := CurrentState(); s != DFU_MANIFEST_SYNC {
		t.Fatalf("state %v after end of download", s)
	}

	if port.acked == 0 {
		t.Errorf("end of download not acknowledged")
	}

	if _, in = transfer(port, classSetup(GETSTATUS, 0, 6), nil); in[4] != uint8(DFU_IDLE) {
		t.Errorf("bState %d after manifestation", in[4])
	}

	if s := CurrentState(); s != DFU_IDLE {
		t.Errorf("state %v at end of download cycle", s)
	}
}

func TestOversizedDownload(t *testing.T) {
	port := &testPort{}

	Init(port, Hooks{
		InitAttrs: func() uint8 { return CAN_DOWNLOAD },
	})

	Reset()

	if ok := Control(SETUP_STAGE, classSetup(DNLOAD, 0, TRANSFER_BUFFER_SIZE+1)); ok {
		t.Errorf("oversized DNLOAD accepted")
	}

	if s := CurrentState(); s != DFU_ERROR {
		t.Errorf("state %v after oversized DNLOAD", s)
	}
}

func TestUploadShortTransfer(t *testing.T) {
	sizes := map[uint16]int{
		0: 64,
		1: 20,
	}

	port := &testPort{}

	Init(port, Hooks{
		InitAttrs: func() uint8 { return CAN_UPLOAD },
		UploadData: func(block uint16, buf []byte) int {
			n := sizes[block]

			for i := 0; i < n; i++ {
				buf[i] = byte(block)
			}

			return n
		},
	})

	Reset()

	ok, in := transfer(port, classSetup(UPLOAD, 0, 64), nil)

	if !ok || len(in) != 64 {
		t.Fatalf("UPLOAD block 0 reply length %d", len(in))
	}

	if s := CurrentState(); s != DFU_UPLOAD_IDLE {
		t.Fatalf("state %v after full frame", s)
	}

	if _, in = transfer(port, classSetup(UPLOAD, 1, 64), nil); len(in) != 20 {
		t.Errorf("UPLOAD block 1 reply length %d", len(in))
	}

	if s := CurrentState(); s != DFU_IDLE {
		t.Errorf("state %v after short frame", s)
	}
}

// downloadBlock brings an initialized driver from DFU_IDLE to
// DFU_DNLOAD_IDLE.
func downloadBlock(t *testing.T, port *testPort) {
	if ok, _ := transfer(port, classSetup(DNLOAD, 0, 8), bytes.Repeat([]byte{0x55}, 8)); !ok {
		t.Fatal("DNLOAD rejected")
	}

	if ok, _ := transfer(port, classSetup(GETSTATUS, 0, 6), nil); !ok {
		t.Fatal("GETSTATUS rejected")
	}

	PollTimeoutDone()

	if ok, _ := transfer(port, classSetup(GETSTATUS, 0, 6), nil); !ok {
		t.Fatal("GETSTATUS rejected")
	}

	if s := CurrentState(); s != DFU_DNLOAD_IDLE {
		t.Fatalf("state %v after block download", s)
	}
}

func TestErrorRecovery(t *testing.T) {
	port := &testPort{}

	Init(port, Hooks{
		InitAttrs: func() uint8 { return CAN_DOWNLOAD },
	})

	Reset()
	downloadBlock(t, port)

	ok, in := transfer(port, classSetup(GETSTATE, 0, 1), nil)

	if !ok || !bytes.Equal(in, []byte{uint8(DFU_DNLOAD_IDLE)}) {
		t.Errorf("GETSTATE reply %x", in)
	}

	if ok, _ = transfer(port, classSetup(DETACH, 0, 0), nil); ok {
		t.Errorf("DETACH accepted in DFU_DNLOAD_IDLE")
	}

	if s := CurrentState(); s != DFU_ERROR {
		t.Fatalf("state %v after invalid request", s)
	}

	if _, in = transfer(port, classSetup(GETSTATUS, 0, 6), nil); in[4] != uint8(DFU_ERROR) {
		t.Errorf("bState %d in error state", in[4])
	}

	if ok, _ = transfer(port, classSetup(CLRSTATUS, 0, 0), nil); !ok {
		t.Fatal("CLRSTATUS rejected")
	}

	if _, in = transfer(port, classSetup(GETSTATE, 0, 1), nil); !bytes.Equal(in, []byte{uint8(DFU_IDLE)}) {
		t.Errorf("GETSTATE reply %x after recovery", in)
	}
}

func TestIntolerantManifest(t *testing.T) {
	rebooted := false

	port := &testPort{}

	Init(port, Hooks{
		InitAttrs:       func() uint8 { return CAN_DOWNLOAD },
		FirmwareValid:   func() bool { return true },
		DataDone:        func() bool { return true },
		RebootToRuntime: func() { rebooted = true },
	})

	Reset()
	downloadBlock(t, port)

	if ok, _ := transfer(port, classSetup(DNLOAD, 1, 0), nil); !ok {
		t.Fatal("zero length DNLOAD rejected")
	}

	_, in := transfer(port, classSetup(GETSTATUS, 0, 6), nil)

	if in[4] != uint8(DFU_MANIFEST) {
		t.Errorf("bState %d at manifestation", in[4])
	}

	if s := CurrentState(); s != DFU_MANIFEST {
		t.Fatalf("state %v at manifestation", s)
	}

	PollTimeoutDone()

	if s := CurrentState(); s != DFU_MANIFEST_WAIT_RESET {
		t.Fatalf("state %v after manifestation", s)
	}

	if ok, _ := transfer(port, classSetup(GETSTATUS, 0, 6), nil); ok {
		t.Errorf("request accepted while awaiting reset")
	}

	if s := CurrentState(); s != DFU_MANIFEST_WAIT_RESET {
		t.Errorf("state %v changed while awaiting reset", s)
	}

	Reset()

	if s := CurrentState(); s != APP_IDLE {
		t.Errorf("state %v after bus reset", s)
	}

	if !rebooted {
		t.Errorf("reboot to runtime not invoked")
	}
}

func TestUploadAbort(t *testing.T) {
	aborted := false

	port := &testPort{}

	Init(port, Hooks{
		InitAttrs: func() uint8 { return CAN_UPLOAD },
		UploadData: func(block uint16, buf []byte) int {
			return len(buf)
		},
		Abort: func() { aborted = true },
	})

	Reset()

	if ok, _ := transfer(port, classSetup(UPLOAD, 0, 64), nil); !ok {
		t.Fatal("UPLOAD rejected")
	}

	if ok, _ := transfer(port, classSetup(ABORT, 0, 0), nil); !ok {
		t.Fatal("ABORT rejected")
	}

	if !aborted {
		t.Errorf("abort hook not invoked")
	}

	if s := CurrentState(); s != DFU_IDLE {
		t.Errorf("state %v after abort", s)
	}
}

func TestDnbusyStalls(t *testing.T) {
	port := &testPort{}

	Init(port, Hooks{
		InitAttrs: func() uint8 { return CAN_DOWNLOAD },
	})

	Reset()

	if ok, _ := transfer(port, classSetup(DNLOAD, 0, 8), make([]byte, 8)); !ok {
		t.Fatal("DNLOAD rejected")
	}

	if ok, _ := transfer(port, classSetup(GETSTATUS, 0, 6), nil); !ok {
		t.Fatal("GETSTATUS rejected")
	}

	if s := CurrentState(); s != DFU_DNBUSY {
		t.Fatalf("state %v after poll", s)
	}

	if ok, _ := transfer(port, classSetup(GETSTATE, 0, 1), nil); ok {
		t.Errorf("request accepted in DFU_DNBUSY")
	}

	if s := CurrentState(); s != DFU_ERROR {
		t.Errorf("state %v after request in DFU_DNBUSY", s)
	}
}

func TestDownloadNotSupported(t *testing.T) {
	port := &testPort{}

	Init(port, Hooks{})
	Reset()

	if ok, _ := transfer(port, classSetup(DNLOAD, 0, 8), make([]byte, 8)); !ok {
		t.Errorf("DNLOAD stalled, the state should carry the error instead")
	}

	if s := CurrentState(); s != DFU_ERROR {
		t.Errorf("state %v after unsupported DNLOAD", s)
	}

	if ok, _ := transfer(port, classSetup(CLRSTATUS, 0, 0), nil); !ok {
		t.Fatal("CLRSTATUS rejected")
	}

	if ok, _ := transfer(port, classSetup(UPLOAD, 0, 8), nil); !ok {
		t.Errorf("UPLOAD stalled, the state should carry the error instead")
	}

	if s := CurrentState(); s != DFU_ERROR {
		t.Errorf("state %v after unsupported UPLOAD", s)
	}
}

// Zero length DNLOAD in DFU_IDLE is an error, end-of-download must be
// preceded by at least one non-empty block.
func TestDnloadZeroLengthInIdle(t *testing.T) {
	port := &testPort{}

	Init(port, Hooks{
		InitAttrs: func() uint8 { return CAN_DOWNLOAD },
		DataDone:  func() bool { return true },
	})

	Reset()

	if ok, _ := transfer(port, classSetup(DNLOAD, 0, 0), nil); !ok {
		t.Errorf("zero length DNLOAD stalled in DFU_IDLE")
	}

	if s := CurrentState(); s != DFU_ERROR {
		t.Errorf("state %v after zero length DNLOAD in DFU_IDLE", s)
	}
}

func TestDispatcher(t *testing.T) {
	port := &testPort{}

	Init(port, Hooks{})
	Reset()

	// standard SET_INTERFACE to the interface recipient is acknowledged
	setInterface := &usb.SetupData{
		RequestType: 0x01,
		Request:     usb.SET_INTERFACE,
	}

	if !Control(SETUP_STAGE, setInterface) {
		t.Errorf("SET_INTERFACE rejected")
	}

	if port.acked != 1 {
		t.Errorf("SET_INTERFACE not acknowledged")
	}

	// any other standard request stalls
	getInterface := &usb.SetupData{
		RequestType: 0x81,
		Request:     usb.GET_INTERFACE,
		Length:      1,
	}

	if Control(SETUP_STAGE, getInterface) {
		t.Errorf("standard GET_INTERFACE accepted")
	}

	// wrong recipient stalls
	toDevice := classSetup(GETSTATUS, 0, 6)
	toDevice.RequestType = 0xa0

	if Control(SETUP_STAGE, toDevice) {
		t.Errorf("class request to device recipient accepted")
	}

	if s := CurrentState(); s != DFU_IDLE {
		t.Errorf("state %v changed by dispatcher rejection", s)
	}
}

func TestNonstandardRequest(t *testing.T) {
	var handled uint8

	port := &testPort{}

	Init(port, Hooks{})
	Reset()

	vendor := classSetup(0x42, 0, 0)

	if Control(SETUP_STAGE, vendor) {
		t.Errorf("nonstandard request accepted without hook")
	}

	Init(port, Hooks{
		Nonstandard: func(stage Stage, setup *usb.SetupData) bool {
			handled = setup.Request
			return true
		},
	})

	Reset()

	if !Control(SETUP_STAGE, vendor) {
		t.Errorf("nonstandard request rejected with hook")
	}

	if handled != 0x42 {
		t.Errorf("nonstandard hook request %#x", handled)
	}
}

func TestStatusBackdoor(t *testing.T) {
	port := &testPort{}

	Init(port, Hooks{
		InitAttrs: func() uint8 { return CAN_DOWNLOAD },
		DataDone: func() bool {
			SetStatus(ERR_VERIFY)
			return false
		},
	})

	Reset()
	downloadBlock(t, port)

	if ok, _ := transfer(port, classSetup(DNLOAD, 1, 0), nil); ok {
		t.Errorf("end of download accepted on rejected image")
	}

	_, in := transfer(port, classSetup(GETSTATUS, 0, 6), nil)

	if in[0] != ERR_VERIFY || in[4] != uint8(DFU_ERROR) {
		t.Errorf("GETSTATUS reply %x after application error", in)
	}
}
