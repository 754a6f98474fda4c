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

	"github.com/edgehog-device-runtime/device-runtime-go/pkg/cloudbus"
	"github.com/edgehog-device-runtime/device-runtime-go/pkg/log"
)

// LoggingStub builds a Handler that only records receipt of an event on
// the named interface. OTA, Commands, and LedBehavior have no in-scope
// implementation (none of the three is part of the container reconciler,
// forwarder, or config loader this module implements); registering a stub
// keeps the router's dispatch table complete and exercised rather than
// leaving those interfaces unroutable.
func LoggingStub(name string) Handler {
	logger := log.WithComponent("events").With().Str("interface", name).Logger()
	return func(ctx context.Context, ev cloudbus.DeviceEvent) error {
		logger.Info().Str("path", ev.Path).Msg("received event with no in-scope handler")
		return nil
	}
}

// RegisterStubs wires LoggingStub for every interface this module does not
// otherwise implement a real handler for.
func RegisterStubs(r *Router) *Router {
	return r.
		On(cloudbus.InterfaceOTARequest, LoggingStub(cloudbus.InterfaceOTARequest)).
		On(cloudbus.InterfaceCommands, LoggingStub(cloudbus.InterfaceCommands)).
		On(cloudbus.InterfaceLedBehavior, LoggingStub(cloudbus.InterfaceLedBehavior)).
		On(cloudbus.InterfaceTelemetry, LoggingStub(cloudbus.InterfaceTelemetry))
}
