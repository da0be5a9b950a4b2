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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// ConfFileName defines the name of the tool configuration file, looked up in
// /etc and next to the executable, with command line flags taking precedence.
const ConfFileName = "dfu-util.conf"

// Configuration represents the tool configuration.
type Configuration struct {
	Vendor       uint16        // USB vendor identifier
	Product      uint16        // USB product identifier
	Config       int           // configuration to select
	Interface    int           // DFU interface number
	TransferSize int           // DNLOAD/UPLOAD block size
	Timeout      time.Duration // GETSTATUS poll ceiling
}

// conf contains the tool configuration
var conf = Configuration{
	// http://pid.codes/1209/2702/
	Vendor:       0x1209,
	Product:      0x2702,
	Config:       1,
	Interface:    0,
	TransferSize: 4096,
	Timeout:      5 * time.Second,
}

// confLoad merges the configuration files, missing files are skipped.
func confLoad() error {
	exepath, err := os.Executable()

	if err != nil {
		return fmt.Errorf("conf: %v", err)
	}

	cfg, err := ini.LooseLoad(
		filepath.Join("/etc", ConfFileName),
		filepath.Join(filepath.Dir(exepath), ConfFileName),
	)

	if err != nil {
		return fmt.Errorf("conf: %v", err)
	}

	device := cfg.Section("device")

	if key := device.Key("vendor"); len(key.String()) > 0 {
		id, err := parseID(key.String())

		if err != nil {
			return fmt.Errorf("conf: vendor, %v", err)
		}

		conf.Vendor = id
	}

	if key := device.Key("product"); len(key.String()) > 0 {
		id, err := parseID(key.String())

		if err != nil {
			return fmt.Errorf("conf: product, %v", err)
		}

		conf.Product = id
	}

	conf.Config = device.Key("config").MustInt(conf.Config)
	conf.Interface = device.Key("interface").MustInt(conf.Interface)

	xfer := cfg.Section("transfer")

	conf.TransferSize = xfer.Key("size").MustInt(conf.TransferSize)
	conf.Timeout = xfer.Key("timeout").MustDuration(conf.Timeout)

	return nil
}

// parseID converts a hexadecimal USB identifier.
func parseID(s string) (uint16, error) {
	id, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)

	if err != nil {
		return 0, err
	}

	return uint16(id), nil
}

// parseDevice converts a vid:pid device selector.
func parseDevice(s string) (vendor uint16, product uint16, err error) {
	ids := strings.Split(s, ":")

	if len(ids) != 2 {
		return 0, 0, fmt.Errorf("invalid device selector %q", s)
	}

	if vendor, err = parseID(ids[0]); err != nil {
		return
	}

	product, err = parseID(ids[1])

	return
}
