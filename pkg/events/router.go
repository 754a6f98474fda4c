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

// Package events demultiplexes inbound cloud bus messages to the
// subsystem registered for their interface name.
package events

import (
	"context"
	"fmt"

	"github.com/edgehog-device-runtime/device-runtime-go/pkg/cloudbus"
)

// Handler processes one DeviceEvent already known to belong to its
// interface.
type Handler func(ctx context.Context, ev cloudbus.DeviceEvent) error

// ErrUnknownInterface is returned for an event whose interface has no
// registered handler.
type ErrUnknownInterface struct {
	Name string
}

func (e *ErrUnknownInterface) Error() string {
	return fmt.Sprintf("events: no handler registered for interface %q", e.Name)
}

// Router dispatches DeviceEvents by their Interface field.
type Router struct {
	handlers map[string]Handler
}

// NewRouter builds an empty Router; use On to register handlers.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// On registers handler for iface, replacing any previous registration.
func (r *Router) On(iface string, handler Handler) *Router {
	r.handlers[iface] = handler
	return r
}

// Route dispatches ev to its registered handler. An event on an interface
// with no handler yields ErrUnknownInterface rather than panicking, so a
// malformed or unexpected event can never crash the router's caller.
func (r *Router) Route(ctx context.Context, ev cloudbus.DeviceEvent) error {
	handler, ok := r.handlers[ev.Interface]
	if !ok {
		return &ErrUnknownInterface{Name: ev.Interface}
	}
	return handler(ctx, ev)
}

// Run reads events from sub until ctx is done or Recv returns a non-nil
// error, routing each to its handler and logging routing failures rather
// than aborting the loop.
func (r *Router) Run(ctx context.Context, sub cloudbus.Subscriber, onRouteError func(error)) error {
	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			return err
		}
		if err := r.Route(ctx, ev); err != nil && onRouteError != nil {
			onRouteError(err)
		}
	}
}
