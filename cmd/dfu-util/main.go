// dfu-util - host side DFU 1.1 firmware transfer tool
// https://github.com/usbarmory/dfu
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// dfu-util is a host side firmware transfer tool for devices implementing the
// USB Device Firmware Upgrade class (DFU 1.1) in DFU mode.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/gousb"

	"github.com/usbarmory/dfu/dfu"
)

var (
	list       bool
	status     bool
	clear      bool
	dnloadFile string
	uploadFile string
	device     string
	xferSize   int
)

func init() {
	log.SetFlags(0)

	flag.BoolVar(&list, "l", false, "list DFU capable devices")
	flag.BoolVar(&status, "s", false, "print device status and state")
	flag.BoolVar(&clear, "e", false, "clear device error status")
	flag.StringVar(&dnloadFile, "D", "", "download firmware `file` to device")
	flag.StringVar(&uploadFile, "U", "", "upload firmware from device to `file`")
	flag.StringVar(&device, "d", "", "device selector (`vid:pid`)")
	flag.IntVar(&conf.Config, "c", conf.Config, "configuration value")
	flag.IntVar(&conf.Interface, "i", conf.Interface, "DFU interface number")
	flag.IntVar(&xferSize, "t", 0, "transfer size")
}

// isDFU returns whether the argument descriptor advertises a DFU interface,
// matched on class and subclass only, so both runtime and DFU mode protocols
// qualify.
func isDFU(desc *gousb.DeviceDesc) bool {
	for _, cfg := range desc.Configs {
		for _, ifc := range cfg.Interfaces {
			for _, alt := range ifc.AltSettings {
				if uint8(alt.Class) == dfu.APP_SPECIFIC_CLASS &&
					uint8(alt.SubClass) == dfu.DFU_SUBCLASS {
					return true
				}
			}
		}
	}

	return false
}

func listDevices(ctx *gousb.Context) error {
	devs, err := ctx.OpenDevices(isDFU)

	for _, dev := range devs {
		defer dev.Close()

		fmt.Printf("%s:%s bus %d addr %d\n", dev.Desc.Vendor, dev.Desc.Product, dev.Desc.Bus, dev.Desc.Address)
	}

	if err != nil {
		return err
	}

	if len(devs) == 0 {
		log.Printf("no DFU capable devices found")
	}

	return nil
}

func openDevice(ctx *gousb.Context) (dev *gousb.Device, cleanup func(), err error) {
	dev, err = ctx.OpenDeviceWithVIDPID(gousb.ID(conf.Vendor), gousb.ID(conf.Product))

	if err != nil {
		return
	}

	if dev == nil {
		return nil, nil, fmt.Errorf("device %04x:%04x not found", conf.Vendor, conf.Product)
	}

	if err = dev.SetAutoDetach(true); err != nil {
		dev.Close()
		return nil, nil, err
	}

	cfg, err := dev.Config(conf.Config)

	if err != nil {
		dev.Close()
		return nil, nil, err
	}

	// claim the DFU interface, all transfers take place on the default
	// control endpoint
	intf, err := cfg.Interface(conf.Interface, 0)

	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, nil, err
	}

	cleanup = func() {
		intf.Close()
		cfg.Close()
		dev.Close()
	}

	return
}

func printStatus(dev *gousb.Device) error {
	s, err := getStatus(dev)

	if err != nil {
		return err
	}

	log.Printf("status:%s state:%v timeout:%v", dfu.StatusName(s.Status), s.State, s.PollTimeout)

	return nil
}

func main() {
	// command line flags take precedence over configuration files
	if err := confLoad(); err != nil {
		log.Fatal(err)
	}

	flag.Parse()

	if len(device) > 0 {
		vendor, product, err := parseDevice(device)

		if err != nil {
			log.Fatal(err)
		}

		conf.Vendor = vendor
		conf.Product = product
	}

	if xferSize > 0 {
		if xferSize > dfu.TRANSFER_BUFFER_SIZE {
			log.Fatalf("transfer size %d exceeds %d", xferSize, dfu.TRANSFER_BUFFER_SIZE)
		}

		conf.TransferSize = xferSize
	}

	ctx := gousb.NewContext()
	defer ctx.Close()

	if list {
		if err := listDevices(ctx); err != nil {
			log.Fatal(err)
		}

		return
	}

	dev, cleanup, err := openDevice(ctx)

	if err != nil {
		log.Fatal(err)
	}

	defer cleanup()

	switch {
	case status:
		err = printStatus(dev)
	case clear:
		err = clearStatus(dev)
	case len(dnloadFile) > 0:
		var img []byte

		if img, err = os.ReadFile(dnloadFile); err != nil {
			break
		}

		log.Printf("downloading %s (%d bytes) to %04x:%04x",
			dnloadFile, len(img), conf.Vendor, conf.Product)

		err = download(dev, img)
	case len(uploadFile) > 0:
		var img []byte

		if img, err = upload(dev); err != nil {
			break
		}

		log.Printf("uploaded %d bytes from %04x:%04x",
			len(img), conf.Vendor, conf.Product)

		err = os.WriteFile(uploadFile, img, 0600)
	default:
		flag.PrintDefaults()
	}

	if err != nil {
		log.Fatal(err)
	}
}
