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

// Package engine adapts the container domain model onto a Docker
// Engine-compatible HTTP API, normalizing the handful of status codes the
// reconciler needs to treat specially (404 as "gone", 304 as "already in
// the requested state").
package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/edgehog-device-runtime/device-runtime-go/pkg/log"
)

// OpError wraps an Engine API failure that the caller cannot treat as a
// normal "not found"/"already done" outcome.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return fmt.Sprintf("engine: %s: %v", e.Op, e.Err) }
func (e *OpError) Unwrap() error { return e.Err }

// Client adapts a subset of the Docker Engine API used by the reconciler.
// All methods whose outcome can legitimately be "the thing is already
// gone" or "already in the requested state" return (false, nil) or
// (true, nil) instead of an error for those cases, reserving the error
// return for conditions the caller must retry or surface.
type Client struct {
	cli *client.Client
}

// New builds a Client from the environment (DOCKER_HOST, DOCKER_CERT_PATH,
// etc.), matching the Docker CLI's own connection resolution.
func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("engine: connect: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Close releases the underlying HTTP transport.
func (c *Client) Close() error {
	return c.cli.Close()
}

// PullImage pulls reference, optionally authenticating with the given
// base64-encoded X-Registry-Auth header value.
func (c *Client) PullImage(ctx context.Context, reference, registryAuth string) error {
	logger := log.WithComponent("engine")

	rc, err := c.cli.ImagePull(ctx, reference, image.PullOptions{RegistryAuth: registryAuth})
	if err != nil {
		return &OpError{Op: "pull " + reference, Err: err}
	}
	defer rc.Close()

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return &OpError{Op: "pull " + reference, Err: err}
	}

	logger.Debug().Str("reference", reference).Msg("image pulled")
	return nil
}

// CreateNetwork creates a network, returning its engine-assigned id.
func (c *Client) CreateNetwork(ctx context.Context, name, driver string, internal, enableIPv6 bool, opts map[string]string) (string, error) {
	resp, err := c.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver:     driver,
		Internal:   internal,
		EnableIPv6: &enableIPv6,
		Options:    opts,
	})
	if err != nil {
		return "", &OpError{Op: "create network " + name, Err: err}
	}
	return resp.ID, nil
}

// CreateVolume creates a named volume, returning its engine-assigned name
// (the volume API uses the requested name as its own id).
func (c *Client) CreateVolume(ctx context.Context, name, driver string, opts map[string]string) (string, error) {
	vol, err := c.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:       name,
		Driver:     driver,
		DriverOpts: opts,
	})
	if err != nil {
		return "", &OpError{Op: "create volume " + name, Err: err}
	}
	return vol.Name, nil
}

// ContainerSpec is the subset of container configuration the reconciler
// assembles from the domain model to hand to the engine.
type ContainerSpec struct {
	Name          string
	Image         string
	Hostname      string
	Env           []string
	Binds         []string
	PortBindings  map[string][]PortBinding
	RestartPolicy string
	Privileged    bool
	NetworkMode   string
	Networks      []string
}

// PortBinding is a single host-ip/host-port pair for a container port.
type PortBinding struct {
	HostIP   string
	HostPort string
}

// CreateContainer creates a container from spec, returning its
// engine-assigned id.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	portBindings := make(map[nat.Port][]nat.PortBinding, len(spec.PortBindings))
	exposedPorts := make(nat.PortSet, len(spec.PortBindings))
	for portProto, binds := range spec.PortBindings {
		port := nat.Port(portProto)
		exposedPorts[port] = struct{}{}
		for _, b := range binds {
			portBindings[port] = append(portBindings[port], nat.PortBinding{
				HostIP:   b.HostIP,
				HostPort: b.HostPort,
			})
		}
	}

	endpoints := make(map[string]*network.EndpointSettings, len(spec.Networks))
	for _, id := range spec.Networks {
		endpoints[id] = &network.EndpointSettings{}
	}

	cfg := &container.Config{
		Hostname:     spec.Hostname,
		Image:        spec.Image,
		Env:          spec.Env,
		ExposedPorts: exposedPorts,
	}
	hostCfg := &container.HostConfig{
		Binds:        spec.Binds,
		PortBindings: portBindings,
		Privileged:   spec.Privileged,
		NetworkMode:  container.NetworkMode(spec.NetworkMode),
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyMode(spec.RestartPolicy),
		},
	}
	netCfg := &network.NetworkingConfig{EndpointsConfig: endpoints}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", &OpError{Op: "create container " + spec.Name, Err: err}
	}
	return resp.ID, nil
}

// Inspect looks a container up by local id first (if non-empty), falling
// back to the UUID name. Returns (false, nil) if neither resolves,
// matching the "container is gone" outcome the reconciler treats as a
// local-state reset rather than a hard failure.
func (c *Client) Inspect(ctx context.Context, localID, name string) (container.InspectResponse, bool, error) {
	if localID != "" {
		resp, ok, err := c.inspectBy(ctx, localID)
		if err != nil || ok {
			return resp, ok, err
		}
	}
	return c.inspectBy(ctx, name)
}

func (c *Client) inspectBy(ctx context.Context, ref string) (container.InspectResponse, bool, error) {
	resp, err := c.cli.ContainerInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return container.InspectResponse{}, false, nil
		}
		return container.InspectResponse{}, false, &OpError{Op: "inspect " + ref, Err: err}
	}
	return resp, true, nil
}

// Start starts a container, returning false if the engine reports it no
// longer exists.
func (c *Client) Start(ctx context.Context, ref string) (bool, error) {
	err := c.cli.ContainerStart(ctx, ref, container.StartOptions{})
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, &OpError{Op: "start " + ref, Err: err}
}

// Stop stops a container. A 304 (already stopped) counts as success, a
// 404 as "gone".
func (c *Client) Stop(ctx context.Context, ref string) (bool, error) {
	err := c.cli.ContainerStop(ctx, ref, container.StopOptions{})
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotModified(err) {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, &OpError{Op: "stop " + ref, Err: err}
}

// Remove removes a container, returning false if it was already gone.
func (c *Client) Remove(ctx context.Context, ref string) (bool, error) {
	err := c.cli.ContainerRemove(ctx, ref, container.RemoveOptions{})
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, &OpError{Op: "remove " + ref, Err: err}
}

// InspectImage looks an image up by reference, returning (false, nil) if
// the engine no longer has it.
func (c *Client) InspectImage(ctx context.Context, ref string) (image.InspectResponse, bool, error) {
	resp, err := c.cli.ImageInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return image.InspectResponse{}, false, nil
		}
		return image.InspectResponse{}, false, &OpError{Op: "inspect image " + ref, Err: err}
	}
	return resp, true, nil
}

// InspectNetwork looks a network up by id or name, returning (false, nil)
// if the engine no longer has it.
func (c *Client) InspectNetwork(ctx context.Context, ref string) (network.Inspect, bool, error) {
	resp, err := c.cli.NetworkInspect(ctx, ref, network.InspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return network.Inspect{}, false, nil
		}
		return network.Inspect{}, false, &OpError{Op: "inspect network " + ref, Err: err}
	}
	return resp, true, nil
}

// RemoveNetwork removes a network, returning false if it was already gone.
func (c *Client) RemoveNetwork(ctx context.Context, ref string) (bool, error) {
	err := c.cli.NetworkRemove(ctx, ref)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, &OpError{Op: "remove network " + ref, Err: err}
}

// InspectVolume looks a volume up by name, returning (false, nil) if the
// engine no longer has it.
func (c *Client) InspectVolume(ctx context.Context, ref string) (volume.Volume, bool, error) {
	resp, err := c.cli.VolumeInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return volume.Volume{}, false, nil
		}
		return volume.Volume{}, false, &OpError{Op: "inspect volume " + ref, Err: err}
	}
	return resp, true, nil
}

// RemoveVolume removes a volume, returning false if it was already gone.
func (c *Client) RemoveVolume(ctx context.Context, ref string) (bool, error) {
	err := c.cli.VolumeRemove(ctx, ref, false)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, &OpError{Op: "remove volume " + ref, Err: err}
}
