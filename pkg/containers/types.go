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

// Package containers implements the state store and domain types behind
// the container reconciler: images, networks, volumes, containers and
// deployments, as requested by Edgehog and reconciled against a Docker
// Engine-compatible API.
package containers

import "github.com/google/uuid"

// ImageStatus is the lifecycle of a pulled image.
type ImageStatus int

const (
	ImageReceived ImageStatus = iota
	ImagePulled
)

func (s ImageStatus) String() string {
	switch s {
	case ImageReceived:
		return "Received"
	case ImagePulled:
		return "Pulled"
	default:
		return "Unknown"
	}
}

// NetworkStatus is the lifecycle of a user-defined network.
type NetworkStatus int

const (
	NetworkReceived NetworkStatus = iota
	NetworkCreated
)

func (s NetworkStatus) String() string {
	switch s {
	case NetworkReceived:
		return "Received"
	case NetworkCreated:
		return "Created"
	default:
		return "Unknown"
	}
}

// VolumeStatus is the lifecycle of a named volume.
type VolumeStatus int

const (
	VolumeReceived VolumeStatus = iota
	VolumeCreated
)

func (s VolumeStatus) String() string {
	switch s {
	case VolumeReceived:
		return "Received"
	case VolumeCreated:
		return "Created"
	default:
		return "Unknown"
	}
}

// ContainerStatus is the lifecycle of a container instance.
type ContainerStatus int

const (
	ContainerReceived ContainerStatus = iota
	ContainerCreated
	ContainerRunning
	ContainerStopped
)

func (s ContainerStatus) String() string {
	switch s {
	case ContainerReceived:
		return "Received"
	case ContainerCreated:
		return "Created"
	case ContainerRunning:
		return "Running"
	case ContainerStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// canTransition reports whether moving from s to next is a legal status
// change: monotone along Received -> Created -> Running, with Running,
// Stopped, and Created allowed to cycle among themselves any number of
// times (Running <-> Stopped, Stopped -> Created for a subsequent
// re-creation). Any other downgrade (e.g. skipping back to Received) is
// rejected: those only happen via explicit field resets driven by the
// reconciler (e.g. engine-loss handling clears local_id and status
// together), never through SetContainerStatus.
func (s ContainerStatus) canTransition(next ContainerStatus) bool {
	if next == s {
		return true
	}
	switch s {
	case ContainerReceived:
		return next == ContainerCreated
	case ContainerCreated:
		return next == ContainerRunning
	case ContainerRunning:
		return next == ContainerStopped
	case ContainerStopped:
		return next == ContainerRunning || next == ContainerCreated
	default:
		return false
	}
}

// DeploymentStatus is the lifecycle of a deployment (a named set of
// containers).
type DeploymentStatus int

const (
	DeploymentReceived DeploymentStatus = iota
	DeploymentPublished
	DeploymentStarted
	DeploymentStopped
)

func (s DeploymentStatus) String() string {
	switch s {
	case DeploymentReceived:
		return "Received"
	case DeploymentPublished:
		return "Published"
	case DeploymentStarted:
		return "Started"
	case DeploymentStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// RestartPolicy mirrors Docker's container restart policy, with OnFailure
// carrying a maximum retry count.
type RestartPolicy struct {
	Name          string `json:"name"`
	MaxRetryCount int    `json:"max_retry_count,omitempty"`
}

const (
	RestartPolicyEmpty         = ""
	RestartPolicyOnFailure     = "on-failure"
	RestartPolicyAlways        = "always"
	RestartPolicyUnlessStopped = "unless-stopped"
	RestartPolicyNo            = "no"
)

// DriverOpt is a single ordered (name, value) driver option, used by both
// networks and volumes.
type DriverOpt struct {
	Name  string
	Value string
}

// PortBinding maps one container port/protocol pair to zero or more host
// bindings.
type PortBinding struct {
	Port     int
	Protocol string
	HostIP   string
	HostPort string
}

// Image is a pullable container image.
type Image struct {
	ID           uuid.UUID
	LocalID      string
	Status       ImageStatus
	Reference    string
	RegistryAuth string
}

// Network is a user-defined Docker network.
type Network struct {
	ID         uuid.UUID
	LocalID    string
	Status     NetworkStatus
	Name       string
	Driver     string
	Internal   bool
	EnableIPv6 bool
	Options    []DriverOpt
}

// Volume is a named Docker volume.
type Volume struct {
	ID      uuid.UUID
	LocalID string
	Status  VolumeStatus
	Name    string
	Driver  string
	Options []DriverOpt
}

// Container is a single container instance, created from an Image and
// attached to zero or more Networks and Volumes.
type Container struct {
	ID            uuid.UUID
	LocalID       string
	ImageID       *uuid.UUID
	Status        ContainerStatus
	Hostname      string
	RestartPolicy string
	NetworkMode   string
	Privileged    bool
	Env           []string
	Binds         []string
	PortBindings  []PortBinding
	NetworkIDs    []uuid.UUID
	VolumeIDs     []uuid.UUID
}

// Deployment is a named set of Containers with an aggregate status.
type Deployment struct {
	ID           uuid.UUID
	Status       DeploymentStatus
	ContainerIDs []uuid.UUID
}
