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
	"fmt"

	"github.com/google/uuid"

	"github.com/edgehog-device-runtime/device-runtime-go/pkg/store"
)

// Store is the SQLite-backed persistence layer for the container domain,
// built on top of the generic store.Handle.
type Store struct {
	handle *store.Handle
}

// NewStore wraps an already-open Handle.
func NewStore(handle *store.Handle) *Store {
	return &Store{handle: handle}
}

// CreateImage persists a newly requested image and resolves any
// containers that were waiting on it: a container created before its
// image arrived is parked in container_missing_images until the image
// shows up, at which point it is attached and the park row dropped.
func (s *Store) CreateImage(ctx context.Context, req CreateImageRequest) error {
	return s.handle.ForWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO images (id, reference, registry_auth, status) VALUES (?, ?, ?, ?)`,
			req.ID.String(), req.Reference, nullIfEmpty(req.RegistryAuth), ImageReceived)
		if err != nil {
			return fmt.Errorf("insert image: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE containers SET image_id = ?
			 WHERE id IN (SELECT container_id FROM container_missing_images WHERE image_id = ?)`,
			req.ID.String(), req.ID.String())
		if err != nil {
			return fmt.Errorf("attach waiting containers: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM container_missing_images WHERE image_id = ?`, req.ID.String())
		if err != nil {
			return fmt.Errorf("clear missing-image rows: %w", err)
		}
		return nil
	})
}

// CreateNetwork persists a newly requested network and resolves any
// containers waiting on it, mirroring CreateImage's promotion pattern.
func (s *Store) CreateNetwork(ctx context.Context, req CreateNetworkRequest) error {
	return s.handle.ForWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO networks (id, driver, internal, enable_ipv6, status) VALUES (?, ?, ?, ?, ?)`,
			req.ID.String(), req.Driver, req.Internal, req.EnableIPv6, NetworkReceived)
		if err != nil {
			return fmt.Errorf("insert network: %w", err)
		}

		for _, opt := range req.Options {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO network_driver_opts (network_id, name, value) VALUES (?, ?, ?)`,
				req.ID.String(), opt.Name, opt.Value); err != nil {
				return fmt.Errorf("insert driver opt: %w", err)
			}
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT container_id FROM container_missing_networks WHERE network_id = ?`, req.ID.String())
		if err != nil {
			return fmt.Errorf("find waiting containers: %w", err)
		}
		var containerIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan waiting container: %w", err)
			}
			containerIDs = append(containerIDs, id)
		}
		rows.Close()

		for _, cid := range containerIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO container_networks (container_id, network_id) VALUES (?, ?)`,
				cid, req.ID.String()); err != nil {
				return fmt.Errorf("attach waiting container: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM container_missing_networks WHERE network_id = ?`, req.ID.String())
		if err != nil {
			return fmt.Errorf("clear missing-network rows: %w", err)
		}
		return nil
	})
}

// CreateVolume persists a newly requested volume and, in the same
// transaction, promotes any container_missing_volumes rows waiting on it
// to real container_volumes refs, as CreateNetwork does for networks.
func (s *Store) CreateVolume(ctx context.Context, req CreateVolumeRequest) error {
	return s.handle.ForWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO volumes (id, name, driver, status) VALUES (?, ?, ?, ?)`,
			req.ID.String(), req.Name, req.Driver, VolumeReceived)
		if err != nil {
			return fmt.Errorf("insert volume: %w", err)
		}

		for _, opt := range req.Options {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO volume_driver_opts (volume_id, name, value) VALUES (?, ?, ?)`,
				req.ID.String(), opt.Name, opt.Value); err != nil {
				return fmt.Errorf("insert driver opt: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO container_volumes (container_id, volume_id)
			 SELECT container_id, volume_id FROM container_missing_volumes WHERE volume_id = ?`,
			req.ID.String()); err != nil {
			return fmt.Errorf("attach waiting containers: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM container_missing_volumes WHERE volume_id = ?`, req.ID.String()); err != nil {
			return fmt.Errorf("clear missing-volume rows: %w", err)
		}
		return nil
	})
}

// CreateContainer persists a newly requested container, its env/binds/port
// bindings, and its network and volume refs. Any ref to an image, network
// or volume not yet known to the store is parked in the corresponding
// container_missing_* table instead of being attached, to be resolved
// later by the matching Create* call.
func (s *Store) CreateContainer(ctx context.Context, req CreateContainerRequest, bindings []PortBinding) error {
	return s.handle.ForWriteTx(ctx, func(tx *sql.Tx) error {
		imageExists, err := resolveRef(ctx, tx, "images", req.ImageID)
		if err != nil {
			return err
		}

		var imageIDParam any
		if imageExists {
			imageIDParam = req.ImageID.String()
		}

		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO containers
			 (id, image_id, hostname, restart_policy, network_mode, privileged, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			req.ID.String(), imageIDParam, req.Hostname, req.RestartPolicy, req.NetworkMode, req.Privileged, ContainerReceived)
		if err != nil {
			return fmt.Errorf("insert container: %w", err)
		}

		if !imageExists {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO container_missing_images (container_id, image_id) VALUES (?, ?)`,
				req.ID.String(), req.ImageID.String()); err != nil {
				return fmt.Errorf("park missing image ref: %w", err)
			}
		}

		for _, v := range req.Env {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO container_env (container_id, value) VALUES (?, ?)`, req.ID.String(), v); err != nil {
				return fmt.Errorf("insert env: %w", err)
			}
		}
		for _, v := range req.Binds {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO container_binds (container_id, value) VALUES (?, ?)`, req.ID.String(), v); err != nil {
				return fmt.Errorf("insert bind: %w", err)
			}
		}
		for _, b := range bindings {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO container_port_bindings (container_id, port, protocol, host_ip, host_port) VALUES (?, ?, ?, ?, ?)`,
				req.ID.String(), b.Port, b.Protocol, b.HostIP, b.HostPort); err != nil {
				return fmt.Errorf("insert port binding: %w", err)
			}
		}

		for _, netID := range req.NetworkIDs {
			exists, err := resolveRef(ctx, tx, "networks", netID)
			if err != nil {
				return err
			}
			table := "container_missing_networks"
			if exists {
				table = "container_networks"
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`INSERT OR IGNORE INTO %s (container_id, network_id) VALUES (?, ?)`, table),
				req.ID.String(), netID.String()); err != nil {
				return fmt.Errorf("attach network ref: %w", err)
			}
		}

		for _, volID := range req.VolumeIDs {
			exists, err := resolveRef(ctx, tx, "volumes", volID)
			if err != nil {
				return err
			}
			table := "container_missing_volumes"
			if exists {
				table = "container_volumes"
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`INSERT OR IGNORE INTO %s (container_id, volume_id) VALUES (?, ?)`, table),
				req.ID.String(), volID.String()); err != nil {
				return fmt.Errorf("attach volume ref: %w", err)
			}
		}

		return nil
	})
}

// CreateDeployment persists a newly requested deployment and its
// container membership, parking unresolved container refs the same way
// CreateContainer parks unresolved image/network/volume refs.
func (s *Store) CreateDeployment(ctx context.Context, req CreateDeploymentRequest) error {
	return s.handle.ForWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO deployments (id, status) VALUES (?, ?)`, req.ID.String(), DeploymentReceived)
		if err != nil {
			return fmt.Errorf("insert deployment: %w", err)
		}

		for _, cid := range req.ContainerIDs {
			exists, err := resolveRef(ctx, tx, "containers", cid)
			if err != nil {
				return err
			}
			table := "deployment_missing_containers"
			if exists {
				table = "deployment_containers"
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf(`INSERT OR IGNORE INTO %s (deployment_id, container_id) VALUES (?, ?)`, table),
				req.ID.String(), cid.String()); err != nil {
				return fmt.Errorf("attach container ref: %w", err)
			}
		}
		return nil
	})
}

// SetContainerStatus updates a container's status, enforcing the monotone path
// (see ContainerStatus.canTransition). It is a no-op success if the
// container is already at next.
func (s *Store) SetContainerStatus(ctx context.Context, id uuid.UUID, next ContainerStatus) error {
	return s.handle.ForWriteTx(ctx, func(tx *sql.Tx) error {
		var current int
		row := tx.QueryRowContext(ctx, `SELECT status FROM containers WHERE id = ?`, id.String())
		if err := row.Scan(&current); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: container %s", ErrNotFound, id)
			}
			return err
		}

		from := ContainerStatus(current)
		if !from.canTransition(next) {
			return &ErrIllegalTransition{Kind: "container", ID: id, From: from, To: next}
		}

		_, err := tx.ExecContext(ctx, `UPDATE containers SET status = ? WHERE id = ?`, next, id.String())
		return err
	})
}

// ResetContainerToReceived clears a container's local_id and downgrades
// it to Received, used when the reconciler discovers the engine has lost
// track of a container it believed existed (engine 404 on an operation
// that assumed the container was present).
func (s *Store) ResetContainerToReceived(ctx context.Context, id uuid.UUID) error {
	return s.handle.ForWrite(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`UPDATE containers SET local_id = NULL, status = ? WHERE id = ?`, ContainerReceived, id.String())
		return err
	})
}

// SetDeploymentStatus updates a deployment's aggregate status, used by the
// reconciler's post-cycle rollup. Deployment status is a derived summary
// rather than an independently driven lifecycle, so no monotonicity check
// applies here.
func (s *Store) SetDeploymentStatus(ctx context.Context, id uuid.UUID, next DeploymentStatus) error {
	return s.handle.ForWrite(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `UPDATE deployments SET status = ? WHERE id = ?`, next, id.String())
		return err
	})
}

// SetContainerLocalID records the engine-assigned id once a container has
// been created on the engine.
func (s *Store) SetContainerLocalID(ctx context.Context, id uuid.UUID, localID string) error {
	return s.handle.ForWrite(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `UPDATE containers SET local_id = ? WHERE id = ?`, localID, id.String())
		return err
	})
}

// SetImageStatus updates an image's status. Image/Network/Volume
// lifecycles have only two states each (Received -> Pulled/Created), so
// unlike containers no monotonicity check is needed: the reconciler only
// ever drives them forward.
func (s *Store) SetImageStatus(ctx context.Context, id uuid.UUID, next ImageStatus) error {
	return s.handle.ForWrite(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `UPDATE images SET status = ? WHERE id = ?`, next, id.String())
		return err
	})
}

// SetNetworkLocalID records the engine-assigned id once a network has
// been created on the engine.
func (s *Store) SetNetworkLocalID(ctx context.Context, id uuid.UUID, localID string) error {
	return s.handle.ForWrite(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `UPDATE networks SET local_id = ? WHERE id = ?`, localID, id.String())
		return err
	})
}

// SetNetworkStatus updates a network's status.
func (s *Store) SetNetworkStatus(ctx context.Context, id uuid.UUID, next NetworkStatus) error {
	return s.handle.ForWrite(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `UPDATE networks SET status = ? WHERE id = ?`, next, id.String())
		return err
	})
}

// SetVolumeLocalID records the engine-assigned id once a volume has been
// created on the engine.
func (s *Store) SetVolumeLocalID(ctx context.Context, id uuid.UUID, localID string) error {
	return s.handle.ForWrite(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `UPDATE volumes SET local_id = ? WHERE id = ?`, localID, id.String())
		return err
	})
}

// SetVolumeStatus updates a volume's status.
func (s *Store) SetVolumeStatus(ctx context.Context, id uuid.UUID, next VolumeStatus) error {
	return s.handle.ForWrite(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `UPDATE volumes SET status = ? WHERE id = ?`, next, id.String())
		return err
	})
}

// DeleteContainer removes a container row. The schema's ON DELETE CASCADE
// foreign keys drop its env/binds/port-binding/network-ref/volume-ref rows
// and its deployment_containers memberships along with it, without ever
// touching the deployments it belonged to.
func (s *Store) DeleteContainer(ctx context.Context, id uuid.UUID) error {
	return s.handle.ForWrite(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `DELETE FROM containers WHERE id = ?`, id.String())
		return err
	})
}

// DeleteImage removes an image row, but only while no container still
// references it: an image is never deleted out from under a container
// that needs it to be recreated after an engine restart.
func (s *Store) DeleteImage(ctx context.Context, id uuid.UUID) error {
	return s.handle.ForWriteTx(ctx, func(tx *sql.Tx) error {
		var refs int
		row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM containers WHERE image_id = ?`, id.String())
		if err := row.Scan(&refs); err != nil {
			return fmt.Errorf("count image refs: %w", err)
		}
		if refs > 0 {
			return &ErrImageInUse{ID: id, Refs: refs}
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id.String())
		return err
	})
}

// DeleteNetwork removes a network row along with its driver opts. Callers
// are expected to have already detached it from every container.
func (s *Store) DeleteNetwork(ctx context.Context, id uuid.UUID) error {
	return s.handle.ForWrite(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `DELETE FROM networks WHERE id = ?`, id.String())
		return err
	})
}

// DeleteVolume removes a volume row along with its driver opts.
func (s *Store) DeleteVolume(ctx context.Context, id uuid.UUID) error {
	return s.handle.ForWrite(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `DELETE FROM volumes WHERE id = ?`, id.String())
		return err
	})
}

// DeleteDeployment removes a deployment row. It never touches the
// containers it referenced: the deployment_containers membership rows are
// dropped by the schema's own cascade, the containers are not.
func (s *Store) DeleteDeployment(ctx context.Context, id uuid.UUID) error {
	return s.handle.ForWrite(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id.String())
		return err
	})
}

// ImageIDForContainer returns the image a container references, if any.
func (s *Store) ImageIDForContainer(ctx context.Context, id uuid.UUID) (uuid.UUID, bool, error) {
	var imageID uuid.UUID
	var found bool
	err := s.handle.ForRead(ctx, func(conn *sql.Conn) error {
		var raw sql.NullString
		row := conn.QueryRowContext(ctx, `SELECT image_id FROM containers WHERE id = ?`, id.String())
		if err := row.Scan(&raw); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		if !raw.Valid {
			return nil
		}
		parsed, err := uuid.Parse(raw.String)
		if err != nil {
			return err
		}
		imageID, found = parsed, true
		return nil
	})
	return imageID, found, err
}

// ContainerLocalID returns the engine-assigned id for a container, if it
// has ever been created on the engine.
func (s *Store) ContainerLocalID(ctx context.Context, id uuid.UUID) (string, bool, error) {
	var localID string
	var found bool
	err := s.handle.ForRead(ctx, func(conn *sql.Conn) error {
		var raw sql.NullString
		row := conn.QueryRowContext(ctx, `SELECT local_id FROM containers WHERE id = ?`, id.String())
		if err := row.Scan(&raw); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		if raw.Valid && raw.String != "" {
			localID, found = raw.String, true
		}
		return nil
	})
	return localID, found, err
}

// NetworkLocalID returns the engine-assigned id for a network, if it has
// ever been created on the engine.
func (s *Store) NetworkLocalID(ctx context.Context, id uuid.UUID) (string, bool, error) {
	var localID string
	var found bool
	err := s.handle.ForRead(ctx, func(conn *sql.Conn) error {
		var raw sql.NullString
		row := conn.QueryRowContext(ctx, `SELECT local_id FROM networks WHERE id = ?`, id.String())
		if err := row.Scan(&raw); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		if raw.Valid && raw.String != "" {
			localID, found = raw.String, true
		}
		return nil
	})
	return localID, found, err
}

// VolumeLocalID returns the engine-assigned id for a volume, if it has
// ever been created on the engine.
func (s *Store) VolumeLocalID(ctx context.Context, id uuid.UUID) (string, bool, error) {
	var localID string
	var found bool
	err := s.handle.ForRead(ctx, func(conn *sql.Conn) error {
		var raw sql.NullString
		row := conn.QueryRowContext(ctx, `SELECT local_id FROM volumes WHERE id = ?`, id.String())
		if err := row.Scan(&raw); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		if raw.Valid && raw.String != "" {
			localID, found = raw.String, true
		}
		return nil
	})
	return localID, found, err
}

// DeploymentContainerIDs returns the containers currently belonging to a
// deployment.
func (s *Store) DeploymentContainerIDs(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.handle.ForRead(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT container_id FROM deployment_containers WHERE deployment_id = ?`, id.String())
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			parsed, err := uuid.Parse(raw)
			if err != nil {
				return err
			}
			ids = append(ids, parsed)
		}
		return rows.Err()
	})
	return ids, err
}

func resolveRef(ctx context.Context, tx *sql.Tx, table string, id uuid.UUID) (bool, error) {
	var exists int
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE id = ?`, table), id.String())
	err := row.Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check %s ref: %w", table, err)
	}
	return true, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
