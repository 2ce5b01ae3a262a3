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

// Package cli implements sdctl, an operator-facing command line for driving
// the block storage subsystem during manual testing, adapted from
// cli/cli.go's urfave/cli.App setup.
package cli

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/mendersoftware/blockstore/conf"
	"github.com/mendersoftware/blockstore/device"
	"github.com/mendersoftware/blockstore/registry"
)

const appDescription = "" +
	"sdctl drives the block storage subsystem for manual testing: " +
	"flushing a device's cache, reading back its identity, ejecting " +
	"a removable device, or just running the hotplug watcher in the " +
	"foreground."

// DeviceLookup resolves an operator-given device name (e.g. "sdb") to a live
// StorageDevice. hotplug.Watcher implements this.
type DeviceLookup interface {
	Device(name string) (*device.StorageDevice, bool)
}

// Runtime is the set of live objects a command needs; main wires this up
// once at startup and hands it to SetupCLI.
type Runtime struct {
	Registry *registry.Registry
	Devices  DeviceLookup
}

// SetupCLI builds and runs the sdctl command line, the Go analogue of
// cli.SetupCLI's app-and-commands assembly.
func SetupCLI(args []string, rt *Runtime) error {
	app := &cli.App{
		Name:        "sdctl",
		Usage:       "operate the block storage subsystem",
		Description: appDescription,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: "/etc/blockstore/blockstore.conf",
				Usage: "path to the JSON configuration file (not read: startup loads the default path and serve reads its own --config)",
			},
		},
		Commands: []*cli.Command{
			syncCommand(rt),
			identityCommand(rt),
			ejectCommand(rt),
			serveCommand(),
		},
	}
	return app.Run(args)
}

func deviceNamed(rt *Runtime, name string) (*device.StorageDevice, error) {
	if rt.Devices == nil {
		return nil, errors.New("sdctl: no devices attached")
	}
	sd, ok := rt.Devices.Device(name)
	if !ok {
		return nil, errors.Errorf("sdctl: no such device %q", name)
	}
	return sd, nil
}

func syncCommand(rt *Runtime) *cli.Command {
	return &cli.Command{
		Name:      "sync",
		Usage:     "flush a device's cache, or every device if none is given",
		ArgsUsage: "[device]",
		Action: func(ctx *cli.Context) error {
			if name := ctx.Args().First(); name != "" {
				sd, err := deviceNamed(rt, name)
				if err != nil {
					return err
				}
				return sd.Sync()
			}
			return rt.Registry.Sync()
		},
	}
}

func identityCommand(rt *Runtime) *cli.Command {
	return &cli.Command{
		Name:      "identity",
		Usage:     "print a device's block size, total size and hangup state",
		ArgsUsage: "<device>",
		Action: func(ctx *cli.Context) error {
			name := ctx.Args().First()
			if name == "" {
				return errors.New("sdctl identity: device name required")
			}
			sd, err := deviceNamed(rt, name)
			if err != nil {
				return err
			}
			h, err := sd.Open(device.MasterIndex)
			if err != nil {
				return err
			}
			defer h.Close()
			id, err := h.Identity()
			if err != nil {
				return err
			}
			fmt.Printf("%s: blockSize=%d totalSize=%d hangup=%t\n",
				name, id.BlockSize, id.TotalSize, id.Hangup)
			return nil
		},
	}
}

func ejectCommand(rt *Runtime) *cli.Command {
	return &cli.Command{
		Name:      "eject",
		Usage:     "eject a removable device",
		ArgsUsage: "<device>",
		Action: func(ctx *cli.Context) error {
			name := ctx.Args().First()
			if name == "" {
				return errors.New("sdctl eject: device name required")
			}
			sd, err := deviceNamed(rt, name)
			if err != nil {
				return err
			}
			h, err := sd.Open(device.MasterIndex)
			if err != nil {
				return err
			}
			defer h.Close()
			return h.Eject()
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the hotplug watcher in the foreground",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: "/etc/blockstore/blockstore.conf",
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := conf.Load(ctx.String("config"))
			if err != nil {
				return err
			}
			log.Infof("sdctl serve: backend=%s hotplugDir=%s", cfg.Backend, cfg.HotplugDir)
			select {}
		},
	}
}
