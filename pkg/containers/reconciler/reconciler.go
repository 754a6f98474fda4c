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

// Package reconciler drives the container engine towards the container
// domain's persisted state, one dependency-ordered cycle at a
// time: images, then networks/volumes, then containers, then
// start/stop, then a deployment status rollup.
package reconciler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edgehog-device-runtime/device-runtime-go/pkg/containers"
	"github.com/edgehog-device-runtime/device-runtime-go/pkg/containers/engine"
	"github.com/edgehog-device-runtime/device-runtime-go/pkg/containers/properties"
	"github.com/edgehog-device-runtime/device-runtime-go/pkg/log"
)

// Engine is the subset of the Docker Engine adapter the reconciler needs.
// Defining it here, rather than depending on *engine.Client directly,
// keeps the reconciler testable against a fake.
type Engine interface {
	PullImage(ctx context.Context, reference, registryAuth string) error
	CreateNetwork(ctx context.Context, name, driver string, internal, enableIPv6 bool, opts map[string]string) (string, error)
	CreateVolume(ctx context.Context, name, driver string, opts map[string]string) (string, error)
	CreateContainer(ctx context.Context, spec engine.ContainerSpec) (string, error)
	Start(ctx context.Context, ref string) (bool, error)
	Stop(ctx context.Context, ref string) (bool, error)
	Remove(ctx context.Context, ref string) (bool, error)
	RemoveNetwork(ctx context.Context, ref string) (bool, error)
	RemoveVolume(ctx context.Context, ref string) (bool, error)
}

// Publisher is the subset of cloudbus.Publisher the reconciler uses to
// report status changes.
type Publisher interface {
	Send(ctx context.Context, iface, path string, value any) error
	Unset(ctx context.Context, iface, path string) error
}

// Reconciler periodically reads the container domain store, drives the
// engine towards the persisted state, and publishes status changes.
type Reconciler struct {
	store     *containers.Store
	engine    Engine
	publisher Publisher
	logger    zerolog.Logger

	locks      *keyedMutex
	maxRetries int

	retryMu sync.Mutex
	retries map[uuid.UUID]int

	interval time.Duration
	stopCh   chan struct{}
}

// New builds a Reconciler. maxRetries bounds how many consecutive
// transient engine failures a single resource tolerates before the
// reconciler stops retrying it and only logs.
func New(store *containers.Store, eng Engine, publisher Publisher, maxRetries int, interval time.Duration) *Reconciler {
	return &Reconciler{
		store:      store,
		engine:     eng,
		publisher:  publisher,
		logger:     log.WithComponent("reconciler"),
		locks:      newKeyedMutex(),
		maxRetries: maxRetries,
		retries:    make(map[uuid.UUID]int),
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start runs the reconciliation loop in a goroutine until Stop is called.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop ends the reconciliation loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.RunOnce(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// RunOnce executes a single reconciliation cycle: pull pending images,
// create pending networks/volumes, create pending containers, start or
// stop containers per their deployment's target, then roll deployment
// status up from container state.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	snap, err := r.store.Snapshot(ctx)
	if err != nil {
		return err
	}

	containersByID := make(map[uuid.UUID]containers.Container, len(snap.Containers))
	for _, c := range snap.Containers {
		containersByID[c.ID] = c
	}

	waiting := make(map[uuid.UUID]bool, len(snap.MissingContainers))
	for depID, missing := range snap.MissingContainers {
		if len(missing) > 0 {
			waiting[depID] = true
		}
	}

	r.reconcileImages(ctx, snap.Images)
	r.reconcileNetworks(ctx, snap.Networks)
	r.reconcileVolumes(ctx, snap.Volumes)
	r.reconcileContainerCreation(ctx, snap.Containers, snap.Images)

	for _, d := range snap.Deployments {
		if waiting[d.ID] {
			r.logger.Debug().Str("deployment", d.ID.String()).Msg("deployment waiting on missing container refs")
			continue
		}
		r.reconcileDeployment(ctx, d, containersByID)
	}

	return nil
}

func (r *Reconciler) reconcileImages(ctx context.Context, images []containers.Image) {
	for _, img := range images {
		if img.Status == containers.ImagePulled {
			continue
		}
		unlock := r.locks.Lock(img.ID)
		err := r.withRetry(img.ID, func() error {
			return r.engine.PullImage(ctx, img.Reference, img.RegistryAuth)
		})
		unlock()
		if err != nil {
			r.logger.Warn().Err(err).Str("image", img.ID.String()).Msg("pull image failed")
			continue
		}
		if err := r.store.SetImageStatus(ctx, img.ID, containers.ImagePulled); err != nil {
			r.logger.Error().Err(err).Str("image", img.ID.String()).Msg("persist image status failed")
		}
		r.publish(ctx, properties.Image{UUID: img.ID, Pulled: true})
	}
}

func (r *Reconciler) reconcileNetworks(ctx context.Context, networks []containers.Network) {
	for _, n := range networks {
		if n.Status == containers.NetworkCreated {
			continue
		}
		unlock := r.locks.Lock(n.ID)
		opts := optsMap(n.Options)
		localID, err := withRetryValue(r, n.ID, func() (string, error) {
			return r.engine.CreateNetwork(ctx, n.ID.String(), n.Driver, n.Internal, n.EnableIPv6, opts)
		})
		unlock()
		if err != nil {
			r.logger.Warn().Err(err).Str("network", n.ID.String()).Msg("create network failed")
			continue
		}
		if err := r.store.SetNetworkLocalID(ctx, n.ID, localID); err != nil {
			r.logger.Error().Err(err).Str("network", n.ID.String()).Msg("persist network local id failed")
			continue
		}
		if err := r.store.SetNetworkStatus(ctx, n.ID, containers.NetworkCreated); err != nil {
			r.logger.Error().Err(err).Str("network", n.ID.String()).Msg("persist network status failed")
		}
		r.publish(ctx, properties.Network{UUID: n.ID, Created: true})
	}
}

func (r *Reconciler) reconcileVolumes(ctx context.Context, volumes []containers.Volume) {
	for _, v := range volumes {
		if v.Status == containers.VolumeCreated {
			continue
		}
		unlock := r.locks.Lock(v.ID)
		opts := optsMap(v.Options)
		localID, err := withRetryValue(r, v.ID, func() (string, error) {
			return r.engine.CreateVolume(ctx, v.ID.String(), v.Driver, opts)
		})
		unlock()
		if err != nil {
			r.logger.Warn().Err(err).Str("volume", v.ID.String()).Msg("create volume failed")
			continue
		}
		if err := r.store.SetVolumeLocalID(ctx, v.ID, localID); err != nil {
			r.logger.Error().Err(err).Str("volume", v.ID.String()).Msg("persist volume local id failed")
			continue
		}
		if err := r.store.SetVolumeStatus(ctx, v.ID, containers.VolumeCreated); err != nil {
			r.logger.Error().Err(err).Str("volume", v.ID.String()).Msg("persist volume status failed")
		}
		r.publish(ctx, properties.Volume{UUID: v.ID, Created: true})
	}
}

func (r *Reconciler) reconcileContainerCreation(ctx context.Context, conts []containers.Container, images []containers.Image) {
	imageRef := make(map[uuid.UUID]string, len(images))
	for _, img := range images {
		imageRef[img.ID] = img.Reference
	}

	for _, c := range conts {
		if c.Status != containers.ContainerReceived || c.ImageID == nil {
			continue
		}
		ref, ok := imageRef[*c.ImageID]
		if !ok {
			continue
		}

		spec := engine.ContainerSpec{
			Name:          c.ID.String(),
			Image:         ref,
			Hostname:      c.Hostname,
			Env:           c.Env,
			Binds:         c.Binds,
			RestartPolicy: c.RestartPolicy,
			Privileged:    c.Privileged,
			NetworkMode:   c.NetworkMode,
			PortBindings:  asEnginePortBindings(c.PortBindings),
		}
		for _, netID := range c.NetworkIDs {
			spec.Networks = append(spec.Networks, netID.String())
		}

		unlock := r.locks.Lock(c.ID)
		localID, err := withRetryValue(r, c.ID, func() (string, error) {
			return r.engine.CreateContainer(ctx, spec)
		})
		unlock()
		if err != nil {
			r.logger.Warn().Err(err).Str("container", c.ID.String()).Msg("create container failed")
			continue
		}

		if err := r.store.SetContainerLocalID(ctx, c.ID, localID); err != nil {
			r.logger.Error().Err(err).Str("container", c.ID.String()).Msg("persist container local id failed")
			continue
		}
		if err := r.store.SetContainerStatus(ctx, c.ID, containers.ContainerCreated); err != nil {
			r.logger.Error().Err(err).Str("container", c.ID.String()).Msg("persist container status failed")
			continue
		}
		r.publish(ctx, properties.Container{UUID: c.ID, Status: containers.ContainerCreated.String()})
	}
}

func (r *Reconciler) reconcileDeployment(ctx context.Context, d containers.Deployment, containersByID map[uuid.UUID]containers.Container) {
	switch d.Status {
	case containers.DeploymentStarted:
		for _, cid := range d.ContainerIDs {
			c, ok := containersByID[cid]
			if !ok || c.Status != containers.ContainerCreated && c.Status != containers.ContainerStopped {
				continue
			}
			r.startContainer(ctx, c)
		}
	case containers.DeploymentStopped:
		for _, cid := range d.ContainerIDs {
			c, ok := containersByID[cid]
			if !ok || c.Status != containers.ContainerRunning {
				continue
			}
			r.stopContainer(ctx, c)
		}
	}

	r.rollupDeploymentStatus(ctx, d, containersByID)
}

func (r *Reconciler) startContainer(ctx context.Context, c containers.Container) {
	unlock := r.locks.Lock(c.ID)
	ref := engineRef(c)
	ok, err := withRetryValue(r, c.ID, func() (bool, error) {
		return r.engine.Start(ctx, ref)
	})
	unlock()
	if err != nil {
		r.logger.Warn().Err(err).Str("container", c.ID.String()).Msg("start container failed")
		return
	}
	if !ok {
		r.logger.Warn().Str("container", c.ID.String()).Msg("container gone on start, resetting to received")
		if err := r.store.ResetContainerToReceived(ctx, c.ID); err != nil {
			r.logger.Error().Err(err).Str("container", c.ID.String()).Msg("reset container failed")
		}
		r.publish(ctx, properties.Container{UUID: c.ID, Status: containers.ContainerReceived.String()})
		return
	}
	if err := r.store.SetContainerStatus(ctx, c.ID, containers.ContainerRunning); err != nil {
		r.logger.Error().Err(err).Str("container", c.ID.String()).Msg("persist container status failed")
		return
	}
	r.publish(ctx, properties.Container{UUID: c.ID, Status: containers.ContainerRunning.String()})
}

func (r *Reconciler) stopContainer(ctx context.Context, c containers.Container) {
	unlock := r.locks.Lock(c.ID)
	ref := engineRef(c)
	ok, err := withRetryValue(r, c.ID, func() (bool, error) {
		return r.engine.Stop(ctx, ref)
	})
	unlock()
	if err != nil {
		r.logger.Warn().Err(err).Str("container", c.ID.String()).Msg("stop container failed")
		return
	}
	if !ok {
		r.logger.Warn().Str("container", c.ID.String()).Msg("container gone on stop, resetting to received")
		if err := r.store.ResetContainerToReceived(ctx, c.ID); err != nil {
			r.logger.Error().Err(err).Str("container", c.ID.String()).Msg("reset container failed")
		}
		r.publish(ctx, properties.Container{UUID: c.ID, Status: containers.ContainerReceived.String()})
		return
	}
	if err := r.store.SetContainerStatus(ctx, c.ID, containers.ContainerStopped); err != nil {
		r.logger.Error().Err(err).Str("container", c.ID.String()).Msg("persist container status failed")
		return
	}
	r.publish(ctx, properties.Container{UUID: c.ID, Status: containers.ContainerStopped.String()})
}

// rollupDeploymentStatus updates D.status to Started iff all its
// containers are Running, Stopped iff all are Stopped, otherwise leaves
// it unchanged: a single failed container within a deployment must never
// produce a false Started or Stopped report.
func (r *Reconciler) rollupDeploymentStatus(ctx context.Context, d containers.Deployment, containersByID map[uuid.UUID]containers.Container) {
	if len(d.ContainerIDs) == 0 {
		return
	}

	allRunning, allStopped := true, true
	for _, cid := range d.ContainerIDs {
		c, ok := containersByID[cid]
		if !ok {
			allRunning, allStopped = false, false
			break
		}
		if c.Status != containers.ContainerRunning {
			allRunning = false
		}
		if c.Status != containers.ContainerStopped {
			allStopped = false
		}
	}

	var next containers.DeploymentStatus
	switch {
	case allRunning:
		next = containers.DeploymentStarted
	case allStopped:
		next = containers.DeploymentStopped
	default:
		return
	}
	if next == d.Status {
		return
	}

	if err := r.store.SetDeploymentStatus(ctx, d.ID, next); err != nil {
		r.logger.Error().Err(err).Str("deployment", d.ID.String()).Msg("persist deployment status failed")
		return
	}
	r.publish(ctx, properties.Deployment{UUID: d.ID, Status: next.String()})
}

// RemoveContainer removes a container from the engine, if it was ever
// created there, then from the store, then unsets its status property. A
// container the engine has already forgotten (404 on remove) is treated as
// already gone rather than an error.
func (r *Reconciler) RemoveContainer(ctx context.Context, id uuid.UUID) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	if localID, ok, err := r.store.ContainerLocalID(ctx, id); err != nil {
		return err
	} else if ok {
		if _, err := r.engine.Remove(ctx, localID); err != nil {
			return err
		}
	}

	imageID, hasImage, err := r.store.ImageIDForContainer(ctx, id)
	if err != nil {
		return err
	}

	if err := r.store.DeleteContainer(ctx, id); err != nil {
		return err
	}
	r.retract(ctx, properties.Container{UUID: id})

	if hasImage {
		r.pruneImageIfUnreferenced(ctx, imageID)
	}
	return nil
}

// RemoveNetwork removes a network from the engine, if it was ever created
// there, then from the store. A network the engine has already forgotten
// (404 on remove) is treated as already gone rather than an error.
func (r *Reconciler) RemoveNetwork(ctx context.Context, id uuid.UUID) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	if localID, ok, err := r.store.NetworkLocalID(ctx, id); err != nil {
		return err
	} else if ok {
		if _, err := r.engine.RemoveNetwork(ctx, localID); err != nil {
			return err
		}
	}

	if err := r.store.DeleteNetwork(ctx, id); err != nil {
		return err
	}
	r.retract(ctx, properties.Network{UUID: id})
	return nil
}

// RemoveVolume removes a volume from the engine, if it was ever created
// there, then from the store. A volume the engine has already forgotten
// (404 on remove) is treated as already gone rather than an error.
func (r *Reconciler) RemoveVolume(ctx context.Context, id uuid.UUID) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	if localID, ok, err := r.store.VolumeLocalID(ctx, id); err != nil {
		return err
	} else if ok {
		if _, err := r.engine.RemoveVolume(ctx, localID); err != nil {
			return err
		}
	}

	if err := r.store.DeleteVolume(ctx, id); err != nil {
		return err
	}
	r.retract(ctx, properties.Volume{UUID: id})
	return nil
}

// RemoveDeployment removes every container the deployment still owns, then
// the deployment itself. Per-container removal failures are logged and
// skipped rather than aborting the whole operation, so a single stuck
// container does not prevent the rest of the deployment from being cleaned
// up.
func (r *Reconciler) RemoveDeployment(ctx context.Context, id uuid.UUID) error {
	containerIDs, err := r.store.DeploymentContainerIDs(ctx, id)
	if err != nil {
		return err
	}

	for _, cid := range containerIDs {
		if err := r.RemoveContainer(ctx, cid); err != nil {
			r.logger.Warn().Err(err).Str("container", cid.String()).Str("deployment", id.String()).Msg("remove container during deployment removal failed")
		}
	}

	if err := r.store.DeleteDeployment(ctx, id); err != nil {
		return err
	}
	r.retract(ctx, properties.Deployment{UUID: id})
	return nil
}

func (r *Reconciler) pruneImageIfUnreferenced(ctx context.Context, imageID uuid.UUID) {
	if err := r.store.DeleteImage(ctx, imageID); err != nil {
		var inUse *containers.ErrImageInUse
		if errors.As(err, &inUse) {
			return
		}
		r.logger.Warn().Err(err).Str("image", imageID.String()).Msg("prune unreferenced image failed")
		return
	}
	r.retract(ctx, properties.Image{UUID: imageID})
}

type publishable interface {
	properties.Resource
	Value() any
}

func (r *Reconciler) publish(ctx context.Context, res publishable) {
	if r.publisher == nil {
		return
	}
	if err := properties.Publish(ctx, r.publisher, res); err != nil {
		r.logger.Warn().Err(err).Str("interface", res.Interface()).Str("id", res.ID().String()).Msg("publish property failed")
	}
}

func (r *Reconciler) retract(ctx context.Context, res properties.Resource) {
	if r.publisher == nil {
		return
	}
	if err := properties.Retract(ctx, r.publisher, res); err != nil {
		r.logger.Warn().Err(err).Str("interface", res.Interface()).Str("id", res.ID().String()).Msg("retract property failed")
	}
}

// withRetry runs fn, tracking consecutive failures per id. Once id has
// failed maxRetries consecutive times, fn is no longer called and
// errRetriesExhausted is returned instead. Success resets the counter.
func (r *Reconciler) withRetry(id uuid.UUID, fn func() error) error {
	_, err := withRetryValue(r, id, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

var errRetriesExhausted = errors.New("reconciler: retries exhausted")

func withRetryValue[T any](r *Reconciler, id uuid.UUID, fn func() (T, error)) (T, error) {
	r.retryMu.Lock()
	attempts := r.retries[id]
	r.retryMu.Unlock()

	var zero T
	if attempts >= r.maxRetries {
		return zero, errRetriesExhausted
	}

	v, err := fn()

	r.retryMu.Lock()
	if err != nil {
		r.retries[id] = attempts + 1
	} else {
		delete(r.retries, id)
	}
	r.retryMu.Unlock()

	return v, err
}

func optsMap(opts []containers.DriverOpt) map[string]string {
	if len(opts) == 0 {
		return nil
	}
	m := make(map[string]string, len(opts))
	for _, o := range opts {
		m[o.Name] = o.Value
	}
	return m
}

func asEnginePortBindings(bindings []containers.PortBinding) map[string][]engine.PortBinding {
	if len(bindings) == 0 {
		return nil
	}
	out := make(map[string][]engine.PortBinding)
	for _, b := range bindings {
		key := portKey(b)
		out[key] = append(out[key], engine.PortBinding{HostIP: b.HostIP, HostPort: b.HostPort})
	}
	return out
}

func portKey(b containers.PortBinding) string {
	proto := b.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return strconv.Itoa(b.Port) + "/" + proto
}

func engineRef(c containers.Container) string {
	if c.LocalID != "" {
		return c.LocalID
	}
	return c.ID.String()
}
