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

package reconciler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgehog-device-runtime/device-runtime-go/pkg/containers"
	"github.com/edgehog-device-runtime/device-runtime-go/pkg/containers/engine"
	"github.com/edgehog-device-runtime/device-runtime-go/pkg/store"
)

type fakeEngine struct {
	mu         sync.Mutex
	startOK    bool
	stopOK     bool
	localIDSeq int
	removed    []string
}

func (f *fakeEngine) PullImage(ctx context.Context, reference, registryAuth string) error {
	return nil
}

func (f *fakeEngine) CreateNetwork(ctx context.Context, name, driver string, internal, enableIPv6 bool, opts map[string]string) (string, error) {
	return f.nextLocalID(), nil
}

func (f *fakeEngine) CreateVolume(ctx context.Context, name, driver string, opts map[string]string) (string, error) {
	return f.nextLocalID(), nil
}

func (f *fakeEngine) CreateContainer(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	return f.nextLocalID(), nil
}

func (f *fakeEngine) Start(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startOK, nil
}

func (f *fakeEngine) Stop(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopOK, nil
}

func (f *fakeEngine) Remove(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ref)
	return true, nil
}

func (f *fakeEngine) RemoveNetwork(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ref)
	return true, nil
}

func (f *fakeEngine) RemoveVolume(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ref)
	return true, nil
}

func (f *fakeEngine) nextLocalID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localIDSeq++
	return "local-" + uuid.New().String()[:8]
}

type publishedStatus struct {
	iface string
	path  string
	value any
}

type fakePublisher struct {
	mu     sync.Mutex
	sent   []publishedStatus
	unsets []publishedStatus
}

func (f *fakePublisher) Send(ctx context.Context, iface, path string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, publishedStatus{iface: iface, path: path, value: value})
	return nil
}

func (f *fakePublisher) Unset(ctx context.Context, iface, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsets = append(f.unsets, publishedStatus{iface: iface, path: path})
	return nil
}

func (f *fakePublisher) latestFor(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := "/" + id.String() + "/status"
	status := ""
	for _, s := range f.sent {
		if s.path == want {
			status, _ = s.value.(string)
		}
	}
	return status
}

func newTestReconciler(t *testing.T, eng Engine, pub Publisher) (*Reconciler, *containers.Store) {
	t.Helper()
	h, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "containers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	s := containers.NewStore(h)
	return New(s, eng, pub, 3, time.Hour), s
}

func TestRunOnceDrivesDeploymentToStarted(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{startOK: true}
	pub := &fakePublisher{}
	r, s := newTestReconciler(t, eng, pub)

	imageID := uuid.New()
	containerID := uuid.New()
	deploymentID := uuid.New()

	require.NoError(t, s.CreateImage(ctx, containers.CreateImageRequest{ID: imageID, Reference: "docker.io/library/nginx:latest"}))
	require.NoError(t, s.CreateContainer(ctx, containers.CreateContainerRequest{ID: containerID, ImageID: imageID}, nil))
	require.NoError(t, s.CreateDeployment(ctx, containers.CreateDeploymentRequest{ID: deploymentID, ContainerIDs: []uuid.UUID{containerID}}))

	// Cycle 1: pulls the image and creates the container.
	require.NoError(t, r.RunOnce(ctx))
	// Cycle 2: the deployment target defaults to Received, so nothing
	// starts yet until the target is set to Started.
	require.NoError(t, s.SetDeploymentStatus(ctx, deploymentID, containers.DeploymentStarted))
	require.NoError(t, r.RunOnce(ctx))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)

	var gotContainer containers.Container
	for _, c := range snap.Containers {
		if c.ID == containerID {
			gotContainer = c
		}
	}
	assert.Equal(t, containers.ContainerRunning, gotContainer.Status)
	assert.Equal(t, containers.ContainerRunning.String(), pub.latestFor(containerID))

	var gotDeployment containers.Deployment
	for _, d := range snap.Deployments {
		if d.ID == deploymentID {
			gotDeployment = d
		}
	}
	assert.Equal(t, containers.DeploymentStarted, gotDeployment.Status)
	assert.Equal(t, containers.DeploymentStarted.String(), pub.latestFor(deploymentID))
}

func TestRunOnceResetsContainerWhenEngineLostIt(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{startOK: false}
	pub := &fakePublisher{}
	r, s := newTestReconciler(t, eng, pub)

	imageID := uuid.New()
	containerID := uuid.New()
	deploymentID := uuid.New()

	require.NoError(t, s.CreateImage(ctx, containers.CreateImageRequest{ID: imageID, Reference: "busybox"}))
	require.NoError(t, s.CreateContainer(ctx, containers.CreateContainerRequest{ID: containerID, ImageID: imageID}, nil))
	require.NoError(t, s.CreateDeployment(ctx, containers.CreateDeploymentRequest{ID: deploymentID, ContainerIDs: []uuid.UUID{containerID}}))

	require.NoError(t, r.RunOnce(ctx))
	require.NoError(t, s.SetDeploymentStatus(ctx, deploymentID, containers.DeploymentStarted))
	require.NoError(t, r.RunOnce(ctx))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)

	var gotContainer containers.Container
	var gotDeployment containers.Deployment
	for _, c := range snap.Containers {
		if c.ID == containerID {
			gotContainer = c
		}
	}
	for _, d := range snap.Deployments {
		if d.ID == deploymentID {
			gotDeployment = d
		}
	}

	assert.Equal(t, containers.ContainerReceived, gotContainer.Status)
	assert.Equal(t, containers.ContainerReceived.String(), pub.latestFor(containerID))
	// The lost container leaves the deployment's stored status (the Started
	// target set above) unchanged.
	assert.Equal(t, containers.DeploymentStarted, gotDeployment.Status)
}

func TestRunOnceLeavesWaitingDeploymentAlone(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{startOK: true}
	pub := &fakePublisher{}
	r, s := newTestReconciler(t, eng, pub)

	deploymentID := uuid.New()
	missingContainerID := uuid.New()

	require.NoError(t, s.CreateDeployment(ctx, containers.CreateDeploymentRequest{
		ID:           deploymentID,
		ContainerIDs: []uuid.UUID{missingContainerID},
	}))
	require.NoError(t, s.SetDeploymentStatus(ctx, deploymentID, containers.DeploymentStarted))

	require.NoError(t, r.RunOnce(ctx))

	assert.Empty(t, pub.latestFor(deploymentID))
}

func TestRemoveContainerDeletesAndRetractsAndPrunesImage(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{startOK: true}
	pub := &fakePublisher{}
	r, s := newTestReconciler(t, eng, pub)

	imageID := uuid.New()
	containerID := uuid.New()

	require.NoError(t, s.CreateImage(ctx, containers.CreateImageRequest{ID: imageID, Reference: "nginx"}))
	require.NoError(t, s.CreateContainer(ctx, containers.CreateContainerRequest{ID: containerID, ImageID: imageID}, nil))
	require.NoError(t, r.RunOnce(ctx)) // creates the container on the engine, assigning a local id

	require.NoError(t, r.RemoveContainer(ctx, containerID))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	for _, c := range snap.Containers {
		assert.NotEqual(t, containerID, c.ID, "container should have been deleted")
	}
	for _, img := range snap.Images {
		assert.NotEqual(t, imageID, img.ID, "unreferenced image should have been pruned")
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, eng.removed, 1)
	assert.Len(t, pub.unsets, 2) // container status, then the pruned image
}

func TestRemoveDeploymentKeepsImageStillReferenced(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{startOK: true}
	pub := &fakePublisher{}
	r, s := newTestReconciler(t, eng, pub)

	imageID := uuid.New()
	c1, c2 := uuid.New(), uuid.New()
	deploymentID := uuid.New()

	require.NoError(t, s.CreateImage(ctx, containers.CreateImageRequest{ID: imageID, Reference: "nginx"}))
	require.NoError(t, s.CreateContainer(ctx, containers.CreateContainerRequest{ID: c1, ImageID: imageID}, nil))
	require.NoError(t, s.CreateContainer(ctx, containers.CreateContainerRequest{ID: c2, ImageID: imageID}, nil))
	require.NoError(t, s.CreateDeployment(ctx, containers.CreateDeploymentRequest{ID: deploymentID, ContainerIDs: []uuid.UUID{c1}}))

	require.NoError(t, r.RemoveDeployment(ctx, deploymentID))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)

	var stillHasC2 bool
	for _, c := range snap.Containers {
		if c.ID == c2 {
			stillHasC2 = true
		}
		assert.NotEqual(t, c1, c.ID)
	}
	assert.True(t, stillHasC2, "c2 was never part of the removed deployment")

	var imageGone = true
	for _, img := range snap.Images {
		if img.ID == imageID {
			imageGone = false
		}
	}
	assert.False(t, imageGone, "image still referenced by c2 must survive")

	var deploymentGone = true
	for _, d := range snap.Deployments {
		if d.ID == deploymentID {
			deploymentGone = false
		}
	}
	assert.True(t, deploymentGone)
}

func TestRemoveNetworkRemovesFromEngineAndStore(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	pub := &fakePublisher{}
	r, s := newTestReconciler(t, eng, pub)

	networkID := uuid.New()
	require.NoError(t, s.CreateNetwork(ctx, containers.CreateNetworkRequest{ID: networkID, Driver: "bridge"}))
	require.NoError(t, r.RunOnce(ctx)) // creates the network on the engine, assigning a local id

	require.NoError(t, r.RemoveNetwork(ctx, networkID))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	for _, n := range snap.Networks {
		assert.NotEqual(t, networkID, n.ID, "network should have been deleted")
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Len(t, eng.removed, 1)
}

func TestRemoveVolumeRemovesFromEngineAndStore(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	pub := &fakePublisher{}
	r, s := newTestReconciler(t, eng, pub)

	volumeID := uuid.New()
	require.NoError(t, s.CreateVolume(ctx, containers.CreateVolumeRequest{ID: volumeID, Name: "data"}))
	require.NoError(t, r.RunOnce(ctx)) // creates the volume on the engine, assigning a local id

	require.NoError(t, r.RemoveVolume(ctx, volumeID))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	for _, v := range snap.Volumes {
		assert.NotEqual(t, volumeID, v.ID, "volume should have been deleted")
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Len(t, eng.removed, 1)
}

func TestRemoveNetworkSkipsEngineCallWhenNeverCreated(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	pub := &fakePublisher{}
	r, s := newTestReconciler(t, eng, pub)

	networkID := uuid.New()
	require.NoError(t, s.CreateNetwork(ctx, containers.CreateNetworkRequest{ID: networkID, Driver: "bridge"}))
	// No RunOnce: the network never got an engine-assigned local id.

	require.NoError(t, r.RemoveNetwork(ctx, networkID))

	eng.mu.Lock()
	defer eng.mu.Unlock()
	assert.Empty(t, eng.removed)
}
