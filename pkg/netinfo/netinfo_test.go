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

package netinfo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgehog-device-runtime/device-runtime-go/pkg/cloudbus"
)

type fakeProber struct {
	ifaces []Interface
}

func (f fakeProber) Interfaces(ctx context.Context) ([]Interface, error) {
	return f.ifaces, nil
}

type recordingPublisher struct {
	sent map[string]any
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{sent: make(map[string]any)}
}

func (p *recordingPublisher) Send(ctx context.Context, iface, path string, value any) error {
	p.sent[iface+path] = value
	return nil
}

func TestPublishSetsMacAndTechnologyPerInterface(t *testing.T) {
	probe := fakeProber{ifaces: []Interface{
		{Name: "eth0", MACAddress: "aa:bb:cc:dd:ee:ff", Technology: Ethernet},
		{Name: "wlan0", MACAddress: "11:22:33:44:55:66", Technology: WiFi},
	}}
	pub := newRecordingPublisher()

	require.NoError(t, Publish(context.Background(), pub, probe))

	assert.Equal(t, "aa:bb:cc:dd:ee:ff", pub.sent[cloudbus.InterfaceNetworkInterfaces+"/eth0/macAddress"])
	assert.Equal(t, "Ethernet", pub.sent[cloudbus.InterfaceNetworkInterfaces+"/eth0/technologyType"])
	assert.Equal(t, "11:22:33:44:55:66", pub.sent[cloudbus.InterfaceNetworkInterfaces+"/wlan0/macAddress"])
	assert.Equal(t, "WiFi", pub.sent[cloudbus.InterfaceNetworkInterfaces+"/wlan0/technologyType"])
}

func TestClassifyByInterfaceNamePrefix(t *testing.T) {
	assert.Equal(t, Ethernet, classify("eth0"))
	assert.Equal(t, Ethernet, classify("enp3s0"))
	assert.Equal(t, WiFi, classify("wlan0"))
	assert.Equal(t, WiFi, classify("wlp2s0"))
	assert.Equal(t, Cellular, classify("wwan0"))
	assert.Equal(t, Cellular, classify("ppp0"))
}
