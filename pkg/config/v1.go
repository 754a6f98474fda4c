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

package config

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
)

// V1 is the "v1" configuration schema.
type V1 struct {
	Version string `toml:"version"`

	AstarteLibrary    string       `toml:"astarte_library"`
	AstarteDeviceSdk  *DeviceSdk   `toml:"astarte_device_sdk"`
	AstarteMessageHub *MessageHub  `toml:"astarte_message_hub"`

	Containers ContainersConfig `toml:"containers"`
	Service    Service          `toml:"service"`
	Ota        OtaConfig        `toml:"ota"`

	InterfacesDirectory string `toml:"interfaces_directory"`
	StoreDirectory      string `toml:"store_directory"`
	DownloadDirectory   string `toml:"download_directory"`

	Telemetry []TelemetryInterface `toml:"telemetry_config"`
}

func (c *V1) applyDefaults() {
	c.Containers.applyDefaults()
	c.Service.applyDefaults()
	for i := range c.Telemetry {
		if c.Telemetry[i].PeriodSeconds == 0 {
			c.Telemetry[i].PeriodSeconds = DefaultTelemetryPeriod
		}
	}
}

// DeviceSdk configures the astarte-device-sdk connection.
type DeviceSdk struct {
	Realm             string `toml:"realm"`
	DeviceID          string `toml:"device_id"`
	CredentialsSecret string `toml:"credentials_secret"`
	PairingToken      string `toml:"pairing_token"`
	PairingURL        string `toml:"pairing_url"`
	IgnoreSSL         bool   `toml:"ignore_ssl"`
}

// MessageHub configures the astarte-message-hub connection.
type MessageHub struct {
	Endpoint string `toml:"endpoint"`
}

// ContainersConfig configures the container reconciler subsystem.
type ContainersConfig struct {
	Required   bool `toml:"required"`
	MaxRetries int  `toml:"max_retries"`
}

// MaxInitRetries is the default cap on reconciliation retries.
const MaxInitRetries = 10

func (c *ContainersConfig) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = MaxInitRetries
	}
}

// Service configures the forwarder's local debugging/control surface.
type Service struct {
	Enabled  bool     `toml:"enabled"`
	Listener Listener `toml:"listener"`
}

func (s *Service) applyDefaults() {
	if s.Listener.Unix == "" && s.Listener.Socket == "" {
		s.Listener = DefaultListener()
	}
}

// Listener is a union of a Unix socket path or a TCP address, matching the
// [listener] table's "unix" / "socket" keys.
type Listener struct {
	Unix   string `toml:"unix,omitempty"`
	Socket string `toml:"socket,omitempty"`
}

// Addr returns the dialable/listenable network and address pair.
func (l Listener) Addr() (network, address string) {
	if l.Unix != "" {
		return "unix", l.Unix
	}
	return "tcp", l.Socket
}

// DefaultListener returns the platform default: a Unix socket under
// $XDG_RUNTIME_DIR (falling back to /tmp) on Unix-family hosts, TCP
// 127.0.0.1:50052 elsewhere.
func DefaultListener() Listener {
	if runtime.GOOS == "windows" {
		return Listener{Socket: net.JoinHostPort("127.0.0.1", "50052")}
	}

	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}

	return Listener{Unix: filepath.Join(dir, "edgehog-device-runtime.sock")}
}

// OtaConfig configures the (out-of-scope) OTA subsystem's behavior knobs
// that the versioned schema still carries.
type OtaConfig struct {
	Reboot    string `toml:"reboot"`
	Streaming bool   `toml:"streaming"`
}

// TelemetryInterface enables periodic telemetry for a single interface.
type TelemetryInterface struct {
	InterfaceName string  `toml:"interface_name"`
	Enabled       bool    `toml:"enabled"`
	PeriodSeconds Seconds `toml:"period"`
}

// DefaultTelemetryPeriod is used when a TelemetryInterface omits period.
const DefaultTelemetryPeriod = 60
