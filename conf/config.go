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

// Package conf loads the block storage subsystem's configuration, the way
// conf/config.go loads and merges mender.conf: a struct with JSON tags,
// read with encoding/json, falling back to documented defaults when no file
// is present.
package conf

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultFlushIntervalSeconds is how often a device's periodic flusher
// writes back dirty tracks.
const DefaultFlushIntervalSeconds = 120

// DefaultBackend is the Backend value used when no configuration file
// overrides it.
const DefaultBackend = "linuxfile"

// Config is the subsystem's configuration, loaded from a JSON file.
// main.go reads Backend to decide whether to attach a netdriver device.
type Config struct {
	// FlushIntervalSeconds overrides the periodic flusher's interval,
	// passed through to every device.New call as a time.Duration.
	FlushIntervalSeconds int `json:"flush_interval_seconds"`
	// Backend selects a driver: "linuxfile" or "netdriver".
	Backend string `json:"backend"`
	// NetdriverURL is the websocket URL netdriver.Dial uses when Backend
	// is "netdriver".
	NetdriverURL string `json:"netdriver_url"`
	// HotplugDir, if non-empty, is watched by the hotplug package for
	// disk-image files appearing and disappearing.
	HotplugDir string `json:"hotplug_dir"`
}

// Default returns a Config populated with the package defaults.
func Default() *Config {
	return &Config{
		FlushIntervalSeconds: DefaultFlushIntervalSeconds,
		Backend:              DefaultBackend,
	}
}

// FlushInterval converts FlushIntervalSeconds to a time.Duration for
// device.New.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

// Load reads a JSON configuration file, merging it onto the package
// defaults. It is not an error for path to not exist: Load logs and returns
// the defaults unchanged, the same tolerance loadConfigFile gives a missing
// mender.conf.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Debugf("conf: %s does not exist, using defaults", path)
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "conf: read %s", path)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "conf: parse %s", path)
	}

	log.Infof("conf: loaded configuration from %s", path)
	return cfg, nil
}
