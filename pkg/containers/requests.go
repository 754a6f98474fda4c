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

package containers

import (
	"fmt"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
)

// CreateImageRequest is the payload of a CreateImage Astarte request.
type CreateImageRequest struct {
	ID           uuid.UUID
	Reference    string
	RegistryAuth string
}

// CreateNetworkRequest is the payload of a CreateNetwork Astarte request.
type CreateNetworkRequest struct {
	ID         uuid.UUID
	Driver     string
	Internal   bool
	EnableIPv6 bool
	Options    []DriverOpt
}

// CreateVolumeRequest is the payload of a CreateVolume Astarte request.
type CreateVolumeRequest struct {
	ID      uuid.UUID
	Name    string
	Driver  string
	Options []DriverOpt
}

// CreateContainerRequest is the payload of a CreateContainer Astarte
// request. PortBindings is the raw "hostIp:hostPort:containerPort/proto"
// form as received over the wire; ParsePortBindings turns it into the
// structured form stored alongside the container.
type CreateContainerRequest struct {
	ID            uuid.UUID
	ImageID       uuid.UUID
	NetworkIDs    []uuid.UUID
	VolumeIDs     []uuid.UUID
	Hostname      string
	RestartPolicy string
	NetworkMode   string
	Privileged    bool
	Env           []string
	Binds         []string
	PortBindings  []string
}

// CreateDeploymentRequest is the payload of a CreateDeployment Astarte
// request.
type CreateDeploymentRequest struct {
	ID           uuid.UUID
	ContainerIDs []uuid.UUID
}

// ParsePortBindings parses the wire "hostIp:hostPort:containerPort/proto"
// strings (Docker CLI -p syntax) into the structured bindings stored with
// the container, using the same grammar the Docker Engine API itself
// accepts.
func ParsePortBindings(specs []string) ([]PortBinding, error) {
	_, bindingMap, err := nat.ParsePortSpecs(specs)
	if err != nil {
		return nil, fmt.Errorf("containers: parse port bindings: %w", err)
	}

	var out []PortBinding
	for port, binds := range bindingMap {
		containerPort, protocol := port.Int(), port.Proto()
		for _, b := range binds {
			out = append(out, PortBinding{
				Port:     containerPort,
				Protocol: protocol,
				HostIP:   b.HostIP,
				HostPort: b.HostPort,
			})
		}
	}
	return out, nil
}
