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

// Legacy is the pre-versioned configuration schema, kept for backward
// compatibility with deployments that predate the "version" discriminator.
// Every field is optional since the old schema never required any of them.
type Legacy struct {
	AstarteLibrary    string       `toml:"astarte_library"`
	AstarteDeviceSdk  *DeviceSdk   `toml:"astarte_device_sdk"`
	AstarteMessageHub *MessageHub  `toml:"astarte_message_hub"`

	Containers *ContainersConfig `toml:"containers"`
	Service    *Service          `toml:"service"`
	Ota        *OtaConfig        `toml:"ota"`

	InterfacesDirectory string `toml:"interfaces_directory"`
	StoreDirectory      string `toml:"store_directory"`
	DownloadDirectory   string `toml:"download_directory"`

	Telemetry []TelemetryInterface `toml:"telemetry_config"`
}

func (l *Legacy) applyDefaults() {
	if l.Containers == nil {
		l.Containers = &ContainersConfig{}
	}
	l.Containers.applyDefaults()

	if l.Service == nil {
		l.Service = &Service{}
	}
	l.Service.applyDefaults()
}
