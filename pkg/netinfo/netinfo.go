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

// Package netinfo publishes the device's network interfaces onto the
// NetworkInterfaceProperties cloud-bus interface. The OS probe is injected
// so the publish path is testable without a real network stack.
package netinfo

import (
	"context"
	"net"
	"strings"

	"github.com/edgehog-device-runtime/device-runtime-go/pkg/cloudbus"
)

// Technology classifies a network interface for the cloud-facing
// technologyType property.
type Technology string

const (
	Ethernet Technology = "Ethernet"
	WiFi     Technology = "WiFi"
	Cellular Technology = "Cellular"
)

// Interface is one probed network interface.
type Interface struct {
	Name       string
	MACAddress string
	Technology Technology
}

// Prober enumerates the host's network interfaces. *SystemProber satisfies
// it using net.Interfaces; tests supply a fake.
type Prober interface {
	Interfaces(ctx context.Context) ([]Interface, error)
}

// SystemProber probes the real host network stack, classifying each
// interface's technology from its name using the same prefix conventions
// the major Linux network managers assign (eth*/en*, wlan*/wl*, wwan*/ww*).
type SystemProber struct{}

func (SystemProber) Interfaces(ctx context.Context) ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]Interface, 0, len(ifaces))
	for _, i := range ifaces {
		if i.Flags&net.FlagLoopback != 0 {
			continue
		}
		mac := i.HardwareAddr.String()
		if mac == "" {
			continue
		}
		out = append(out, Interface{
			Name:       i.Name,
			MACAddress: mac,
			Technology: classify(i.Name),
		})
	}
	return out, nil
}

func classify(name string) Technology {
	switch {
	case hasAnyPrefix(name, "wl", "wlan"):
		return WiFi
	case hasAnyPrefix(name, "ww", "wwan", "ppp"):
		return Cellular
	default:
		return Ethernet
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Publisher is the subset of cloudbus.Publisher Publish needs.
type Publisher interface {
	Send(ctx context.Context, iface, path string, value any) error
}

// Publish probes the host and sets macAddress/technologyType for every
// interface found.
func Publish(ctx context.Context, pub Publisher, probe Prober) error {
	ifaces, err := probe.Interfaces(ctx)
	if err != nil {
		return err
	}
	for _, i := range ifaces {
		base := "/" + i.Name
		if err := pub.Send(ctx, cloudbus.InterfaceNetworkInterfaces, base+"/macAddress", i.MACAddress); err != nil {
			return err
		}
		if err := pub.Send(ctx, cloudbus.InterfaceNetworkInterfaces, base+"/technologyType", string(i.Technology)); err != nil {
			return err
		}
	}
	return nil
}
