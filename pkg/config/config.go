/*
Copyright 2024 The ReefOS Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the kernel's boot configuration from JSON, using
// go4.org/jsonconfig the way pkg/blobserver's registry.go builds its
// StorageConstructor configuration objects: an Obj that notes every key it
// reads and rejects anything left over as a typo.
package config

import (
	"encoding/json"
	"fmt"

	"go4.org/jsonconfig"
)

// SchedulerMode selects cooperative or pre-emptive scheduling (spec.md §4.1).
type SchedulerMode string

const (
	ModeCooperative SchedulerMode = "cooperative"
	ModePreemptive  SchedulerMode = "preemptive"
)

// Net describes one network interface's addressing.
type Net struct {
	Interface string `json:"interface"`
	DHCP      bool   `json:"dhcp"`
	Address   string `json:"address,omitempty"`
	Netmask   string `json:"netmask,omitempty"`
	Gateway   string `json:"gateway,omitempty"`
}

// Mount describes one ext2 mount: a backing device path and the flags it
// should be opened with.
type Mount struct {
	Device     string `json:"device"`
	MountPoint string `json:"mountPoint"`
	ReadOnly   bool   `json:"readOnly"`
}

// Config is the fully parsed boot configuration.
type Config struct {
	Scheduler SchedulerMode `json:"scheduler"`
	TickHz    int           `json:"tickHz"`
	Net       []Net         `json:"net"`
	Mounts    []Mount       `json:"mounts"`
}

// Load reads and validates a boot configuration file at path.
func Load(path string) (*Config, error) {
	obj, err := jsonconfig.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return decode(obj)
}

// decode walks the top-level keys through jsonconfig.Obj purely to get its
// "every key must be consumed" validation; the nested net/mounts arrays are
// re-marshaled through encoding/json since jsonconfig.Obj only names
// strings, bools, ints, objects, and string lists at the top level.
func decode(obj jsonconfig.Obj) (*Config, error) {
	cfg := &Config{
		Scheduler: SchedulerMode(obj.OptionalString("scheduler", string(ModePreemptive))),
		TickHz:    obj.OptionalInt("tickHz", 100),
	}

	markKnown(obj, "net", "mounts")

	if raw, ok := obj["net"]; ok {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("config: net: %w", err)
		}
		if err := json.Unmarshal(b, &cfg.Net); err != nil {
			return nil, fmt.Errorf("config: net: %w", err)
		}
	}
	if raw, ok := obj["mounts"]; ok {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("config: mounts: %w", err)
		}
		if err := json.Unmarshal(b, &cfg.Mounts); err != nil {
			return nil, fmt.Errorf("config: mounts: %w", err)
		}
	}

	if err := obj.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// markKnown records keys as consumed the same way Obj's unexported
// accessors do internally ("_knownkeys" -> map[string]bool), for the
// array-valued keys jsonconfig.Obj has no typed accessor for.
func markKnown(obj jsonconfig.Obj, keys ...string) {
	kk, _ := obj["_knownkeys"].(map[string]bool)
	if kk == nil {
		kk = make(map[string]bool)
		obj["_knownkeys"] = kk
	}
	for _, k := range keys {
		kk[k] = true
	}
}

// Default returns a minimal single-interface configuration useful for
// tests and for a console with no boot config file present.
func Default() *Config {
	return &Config{
		Scheduler: ModePreemptive,
		TickHz:    100,
		Net: []Net{
			{Interface: "eth0", DHCP: true},
		},
	}
}
