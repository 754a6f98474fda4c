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

// Package cloudbus declares the narrow contract the core expects from the
// cloud message-bus client. The bus itself (pairing, MQTT/gRPC transport,
// interface introspection) lives outside this module; every subsystem here
// only ever sees a Publisher/Subscriber.
package cloudbus

import "context"

// Interface names the core consumes or emits, exact and case-sensitive.
const (
	InterfaceOTARequest           = "io.edgehog.devicemanager.OTARequest"
	InterfaceCommands             = "io.edgehog.devicemanager.Commands"
	InterfaceTelemetry            = "io.edgehog.devicemanager.config.Telemetry"
	InterfaceLedBehavior          = "io.edgehog.devicemanager.LedBehavior"
	InterfaceForwarderSession     = "io.edgehog.devicemanager.ForwarderSessionRequest"
	InterfaceForwarderState       = "io.edgehog.devicemanager.ForwarderSessionState"
	InterfaceNetworkInterfaces    = "io.edgehog.devicemanager.NetworkInterfaceProperties"
	InterfaceAvailableImages      = "io.edgehog.devicemanager.apps.AvailableImages"
	InterfaceAvailableNetworks    = "io.edgehog.devicemanager.apps.AvailableNetworks"
	InterfaceAvailableVolumes     = "io.edgehog.devicemanager.apps.AvailableVolumes"
	InterfaceAvailableContainers  = "io.edgehog.devicemanager.apps.AvailableContainers"
	InterfaceAvailableDeployments = "io.edgehog.devicemanager.apps.AvailableDeployments"
)

// Publisher is the write-side of the cloud bus: setting, clearing and
// enumerating property paths on an interface.
type Publisher interface {
	// Send sets an individual property or datastream value.
	Send(ctx context.Context, iface, path string, value any) error
	// Unset clears a property. Distinct from Send(iface, path, false).
	Unset(ctx context.Context, iface, path string) error
	// InterfaceProps enumerates the stored property paths for iface.
	InterfaceProps(ctx context.Context, iface string) ([]string, error)
}

// EventData is the payload of a DeviceEvent: either a single value or an
// aggregate object keyed by endpoint name.
type EventData struct {
	Individual any
	Object     map[string]any
}

// IsObject reports whether the event carries an aggregate payload.
func (d EventData) IsObject() bool {
	return d.Object != nil
}

// DeviceEvent is one message received from the cloud bus.
type DeviceEvent struct {
	Interface string
	Path      string
	Data      EventData
}

// Subscriber is the read-side of the cloud bus.
type Subscriber interface {
	Recv(ctx context.Context) (DeviceEvent, error)
}

// Bus bundles both directions, the shape the Event Router is constructed with.
type Bus interface {
	Publisher
	Subscriber
}
