// Copyright 2024 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Command sdctl is the operator entry point for the block storage
// subsystem: it loads configuration, starts the hotplug watcher against the
// configured directory, and hands control to the cli package's command
// line.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/blockstore/cli"
	"github.com/mendersoftware/blockstore/conf"
	"github.com/mendersoftware/blockstore/device"
	"github.com/mendersoftware/blockstore/driver/netdriver"
	"github.com/mendersoftware/blockstore/frame"
	"github.com/mendersoftware/blockstore/hotplug"
	"github.com/mendersoftware/blockstore/registry"
)

const defaultConfigPath = "/etc/blockstore/blockstore.conf"

func main() {
	cfg, err := conf.Load(defaultConfigPath)
	if err != nil {
		log.Fatalf("sdctl: loading configuration: %v", err)
	}

	reg := registry.New()
	devfs := device.NewMemDevfs()
	alloc := frame.NewPool(0)

	rt := &cli.Runtime{Registry: reg}

	flushInterval := cfg.FlushInterval()

	if cfg.HotplugDir != "" {
		w, err := hotplug.New(cfg.HotplugDir, hotplug.LinuxAttacher{}, reg, devfs, alloc, flushInterval)
		if err != nil {
			log.Warnf("sdctl: hotplug disabled: %v", err)
		} else {
			rt.Devices = w
			go w.Run()
			defer w.Close()
		}
	}

	if cfg.Backend == "netdriver" && cfg.NetdriverURL != "" {
		drv, blockSize, size, err := netdriver.Attach(cfg.NetdriverURL)
		if err != nil {
			log.Warnf("sdctl: netdriver attach %s: %v", cfg.NetdriverURL, err)
		} else if _, err := device.New(drv, reg, devfs, alloc, blockSize, size, flushInterval); err != nil {
			log.Warnf("sdctl: netdriver register: %v", err)
		}
	}

	if err := cli.SetupCLI(os.Args, rt); err != nil {
		log.Fatal(err)
	}
}
