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
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgehog-device-runtime/device-runtime-go/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	h, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "containers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return NewStore(h)
}

func TestCreateContainerParksMissingImage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	imageID := uuid.New()
	containerID := uuid.New()

	err := s.CreateContainer(ctx, CreateContainerRequest{
		ID:      containerID,
		ImageID: imageID,
	}, nil)
	require.NoError(t, err)

	err = s.handle.ForRead(ctx, func(conn *sql.Conn) error {
		var imageIDCol sql.NullString
		row := conn.QueryRowContext(ctx, `SELECT image_id FROM containers WHERE id = ?`, containerID.String())
		require.NoError(t, row.Scan(&imageIDCol))
		assert.False(t, imageIDCol.Valid)

		var n int
		row = conn.QueryRowContext(ctx,
			`SELECT count(*) FROM container_missing_images WHERE container_id = ? AND image_id = ?`,
			containerID.String(), imageID.String())
		if err := row.Scan(&n); err != nil {
			return err
		}
		assert.Equal(t, 1, n)
		return nil
	})
	require.NoError(t, err)
}

func TestCreateImageResolvesParkedContainer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	imageID := uuid.New()
	containerID := uuid.New()

	require.NoError(t, s.CreateContainer(ctx, CreateContainerRequest{ID: containerID, ImageID: imageID}, nil))
	require.NoError(t, s.CreateImage(ctx, CreateImageRequest{ID: imageID, Reference: "docker.io/library/nginx:latest"}))

	err := s.handle.ForRead(ctx, func(conn *sql.Conn) error {
		var gotImageID string
		row := conn.QueryRowContext(ctx, `SELECT image_id FROM containers WHERE id = ?`, containerID.String())
		if err := row.Scan(&gotImageID); err != nil {
			return err
		}
		assert.Equal(t, imageID.String(), gotImageID)

		var n int
		row = conn.QueryRowContext(ctx, `SELECT count(*) FROM container_missing_images WHERE container_id = ?`, containerID.String())
		if err := row.Scan(&n); err != nil {
			return err
		}
		assert.Equal(t, 0, n)
		return nil
	})
	require.NoError(t, err)
}

func TestSetContainerStatusEnforcesMonotonicity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	imageID := uuid.New()
	containerID := uuid.New()
	require.NoError(t, s.CreateImage(ctx, CreateImageRequest{ID: imageID, Reference: "busybox"}))
	require.NoError(t, s.CreateContainer(ctx, CreateContainerRequest{ID: containerID, ImageID: imageID}, nil))

	require.NoError(t, s.SetContainerStatus(ctx, containerID, ContainerCreated))
	require.NoError(t, s.SetContainerStatus(ctx, containerID, ContainerRunning))
	require.NoError(t, s.SetContainerStatus(ctx, containerID, ContainerStopped))
	require.NoError(t, s.SetContainerStatus(ctx, containerID, ContainerCreated))
	require.NoError(t, s.SetContainerStatus(ctx, containerID, ContainerRunning))

	err := s.SetContainerStatus(ctx, containerID, ContainerReceived)
	var transitionErr *ErrIllegalTransition
	require.ErrorAs(t, err, &transitionErr)
}

func TestCreateContainerDedupesPortBindingsOnRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	imageID := uuid.New()
	containerID := uuid.New()
	require.NoError(t, s.CreateImage(ctx, CreateImageRequest{ID: imageID, Reference: "busybox"}))

	req := CreateContainerRequest{ID: containerID, ImageID: imageID}
	bindings := []PortBinding{{Port: 8080, Protocol: "tcp", HostIP: "0.0.0.0", HostPort: "8080"}}

	require.NoError(t, s.CreateContainer(ctx, req, bindings))
	require.NoError(t, s.CreateContainer(ctx, req, bindings))

	var count int
	err := s.handle.ForRead(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `SELECT count(*) FROM container_port_bindings WHERE container_id = ?`, containerID.String())
		return row.Scan(&count)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCreateNetworkResolvesParkedContainer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	imageID := uuid.New()
	networkID := uuid.New()
	containerID := uuid.New()
	require.NoError(t, s.CreateImage(ctx, CreateImageRequest{ID: imageID, Reference: "busybox"}))
	require.NoError(t, s.CreateContainer(ctx, CreateContainerRequest{
		ID:         containerID,
		ImageID:    imageID,
		NetworkIDs: []uuid.UUID{networkID},
	}, nil))

	require.NoError(t, s.CreateNetwork(ctx, CreateNetworkRequest{ID: networkID, Driver: "bridge"}))

	err := s.handle.ForRead(ctx, func(conn *sql.Conn) error {
		var n int
		row := conn.QueryRowContext(ctx,
			`SELECT count(*) FROM container_networks WHERE container_id = ? AND network_id = ?`,
			containerID.String(), networkID.String())
		if err := row.Scan(&n); err != nil {
			return err
		}
		assert.Equal(t, 1, n)
		return nil
	})
	require.NoError(t, err)
}

func TestCreateDeploymentParksMissingContainer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	deploymentID := uuid.New()
	containerID := uuid.New()

	require.NoError(t, s.CreateDeployment(ctx, CreateDeploymentRequest{
		ID:           deploymentID,
		ContainerIDs: []uuid.UUID{containerID},
	}))

	err := s.handle.ForRead(ctx, func(conn *sql.Conn) error {
		var n int
		row := conn.QueryRowContext(ctx,
			`SELECT count(*) FROM deployment_missing_containers WHERE deployment_id = ? AND container_id = ?`,
			deploymentID.String(), containerID.String())
		if err := row.Scan(&n); err != nil {
			return err
		}
		assert.Equal(t, 1, n)
		return nil
	})
	require.NoError(t, err)
}
