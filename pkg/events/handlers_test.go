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

package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgehog-device-runtime/device-runtime-go/pkg/cloudbus"
)

func TestRegisterStubsRoutesEveryUnimplementedInterfaceWithoutError(t *testing.T) {
	r := RegisterStubs(NewRouter())

	for _, iface := range []string{
		cloudbus.InterfaceOTARequest,
		cloudbus.InterfaceCommands,
		cloudbus.InterfaceLedBehavior,
		cloudbus.InterfaceTelemetry,
	} {
		require.NoError(t, r.Route(context.Background(), cloudbus.DeviceEvent{Interface: iface, Path: "/x"}))
	}
}
