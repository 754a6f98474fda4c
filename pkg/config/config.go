// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the device-runtime configuration file, dispatching
// between the versioned (tagged by a "version" key) and the legacy
// unversioned schema for backward compatibility with pre-versioned
// deployments.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Compatible is the result of loading a configuration file: either the
// current versioned schema or the legacy flat one.
type Compatible struct {
	Versioned *Config
	Legacy    *Legacy
}

// IsVersioned reports whether the loaded document used the "version" key.
func (c Compatible) IsVersioned() bool {
	return c.Versioned != nil
}

// Resolved returns the configuration as a V1 regardless of which schema it
// was loaded as, so callers that only need the common fields don't have to
// branch on IsVersioned themselves.
func (c Compatible) Resolved() V1 {
	if c.Versioned != nil {
		return *c.Versioned.V1
	}
	l := c.Legacy
	return V1{
		AstarteLibrary:      l.AstarteLibrary,
		AstarteDeviceSdk:    l.AstarteDeviceSdk,
		AstarteMessageHub:   l.AstarteMessageHub,
		Containers:          *l.Containers,
		Service:             *l.Service,
		InterfacesDirectory: l.InterfacesDirectory,
		StoreDirectory:      l.StoreDirectory,
		DownloadDirectory:   l.DownloadDirectory,
		Telemetry:           l.Telemetry,
	}
}

// Load reads and parses the TOML configuration file at path.
func Load(path string) (Compatible, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Compatible{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	return Deserialize(string(data))
}

// Deserialize parses a TOML document, choosing the versioned or legacy
// schema based on the presence of the "version" key. A document carrying
// "version" but fields foreign to that version is a hard error.
func Deserialize(content string) (Compatible, error) {
	var generic map[string]any
	if _, err := toml.Decode(content, &generic); err != nil {
		return Compatible{}, fmt.Errorf("config: invalid toml: %w", err)
	}

	if _, ok := generic["version"]; !ok {
		var legacy Legacy
		if _, err := toml.Decode(content, &legacy); err != nil {
			return Compatible{}, fmt.Errorf("config: legacy schema: %w", err)
		}
		legacy.applyDefaults()
		return Compatible{Legacy: &legacy}, nil
	}

	cfg, err := decodeVersioned(content, generic)
	if err != nil {
		return Compatible{}, err
	}

	return Compatible{Versioned: cfg}, nil
}

func decodeVersioned(content string, generic map[string]any) (*Config, error) {
	version, _ := generic["version"].(string)

	switch version {
	case "v1":
		var v1 V1
		meta, err := toml.Decode(content, &v1)
		if err != nil {
			return nil, fmt.Errorf("config: v1 schema: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: v1 schema: unknown fields %v", undecoded)
		}
		v1.applyDefaults()
		return &Config{Version: "v1", V1: &v1}, nil
	default:
		return nil, fmt.Errorf("config: unsupported version %q", version)
	}
}

// Config is the versioned configuration, tagged by Version.
type Config struct {
	Version string
	V1      *V1
}
