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

// Package properties maps container domain resources onto the cloud bus's
// property interfaces. Rather than runtime polymorphism over a resource
// base type, each resource kind carries a small fixed capability set
// (Interface, ID, Field) that Publish and Retract use to build the
// property path, so adding a resource kind never touches the publishing
// code itself.
package properties

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/edgehog-device-runtime/device-runtime-go/pkg/cloudbus"
)

// Resource is a cloud-bus property identity: which interface it lives on,
// which resource instance it describes, and which field of that instance
// this value belongs to.
type Resource interface {
	Interface() string
	ID() uuid.UUID
	Field() string
}

// Publisher is the subset of cloudbus.Publisher property emission needs.
type Publisher interface {
	Send(ctx context.Context, iface, path string, value any) error
	Unset(ctx context.Context, iface, path string) error
}

// Image reports AvailableImages/{uuid}/pulled.
type Image struct {
	UUID   uuid.UUID
	Pulled bool
}

func (r Image) Interface() string { return cloudbus.InterfaceAvailableImages }
func (r Image) ID() uuid.UUID     { return r.UUID }
func (r Image) Field() string     { return "pulled" }
func (r Image) Value() any        { return r.Pulled }

// Network reports AvailableNetworks/{uuid}/created.
type Network struct {
	UUID    uuid.UUID
	Created bool
}

func (r Network) Interface() string { return cloudbus.InterfaceAvailableNetworks }
func (r Network) ID() uuid.UUID     { return r.UUID }
func (r Network) Field() string     { return "created" }
func (r Network) Value() any        { return r.Created }

// Volume reports AvailableVolumes/{uuid}/created.
type Volume struct {
	UUID    uuid.UUID
	Created bool
}

func (r Volume) Interface() string { return cloudbus.InterfaceAvailableVolumes }
func (r Volume) ID() uuid.UUID     { return r.UUID }
func (r Volume) Field() string     { return "created" }
func (r Volume) Value() any        { return r.Created }

// Container reports AvailableContainers/{uuid}/status.
type Container struct {
	UUID   uuid.UUID
	Status string
}

func (r Container) Interface() string { return cloudbus.InterfaceAvailableContainers }
func (r Container) ID() uuid.UUID     { return r.UUID }
func (r Container) Field() string     { return "status" }
func (r Container) Value() any        { return r.Status }

// Deployment reports AvailableDeployments/{uuid}/status.
type Deployment struct {
	UUID   uuid.UUID
	Status string
}

func (r Deployment) Interface() string { return cloudbus.InterfaceAvailableDeployments }
func (r Deployment) ID() uuid.UUID     { return r.UUID }
func (r Deployment) Field() string     { return "status" }
func (r Deployment) Value() any        { return r.Status }

type valued interface {
	Resource
	Value() any
}

// Publish sets a resource's property value on the cloud bus.
func Publish(ctx context.Context, pub Publisher, r valued) error {
	return pub.Send(ctx, r.Interface(), path(r), r.Value())
}

// Retract clears a resource's property entirely. This is a distinct
// operation from publishing a false/zero value: it removes the path from
// the interface rather than asserting a value on it, used when a resource
// is deleted rather than merely transitioned.
func Retract(ctx context.Context, pub Publisher, r Resource) error {
	return pub.Unset(ctx, r.Interface(), path(r))
}

func path(r Resource) string {
	return fmt.Sprintf("/%s/%s", r.ID().String(), r.Field())
}
