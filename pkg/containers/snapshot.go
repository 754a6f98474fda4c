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
)

// Snapshot is a point-in-time read of the full container domain state,
// consumed by the reconciler once per cycle.
type Snapshot struct {
	Images      []Image
	Networks    []Network
	Volumes     []Volume
	Containers  []Container
	Deployments []Deployment

	// MissingContainers lists, per deployment, container uuids the
	// deployment references that the store has never seen created.
	MissingContainers map[uuid.UUID][]uuid.UUID
}

// Snapshot reads the full domain state in one reader connection.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{MissingContainers: make(map[uuid.UUID][]uuid.UUID)}

	err := s.handle.ForRead(ctx, func(conn *sql.Conn) error {
		var err error
		if snap.Images, err = readImages(ctx, conn); err != nil {
			return err
		}
		if snap.Networks, err = readNetworks(ctx, conn); err != nil {
			return err
		}
		if snap.Volumes, err = readVolumes(ctx, conn); err != nil {
			return err
		}
		if snap.Containers, err = readContainers(ctx, conn); err != nil {
			return err
		}
		if snap.Deployments, err = readDeployments(ctx, conn); err != nil {
			return err
		}
		return readMissingContainers(ctx, conn, snap.MissingContainers)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func readImages(ctx context.Context, conn *sql.Conn) ([]Image, error) {
	rows, err := conn.QueryContext(ctx, `SELECT id, local_id, reference, registry_auth, status FROM images`)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var out []Image
	for rows.Next() {
		var img Image
		var id string
		var localID, auth sql.NullString
		if err := rows.Scan(&id, &localID, &img.Reference, &auth, &img.Status); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		img.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse image id: %w", err)
		}
		img.LocalID = localID.String
		img.RegistryAuth = auth.String
		out = append(out, img)
	}
	return out, rows.Err()
}

func readNetworks(ctx context.Context, conn *sql.Conn) ([]Network, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT id, local_id, name, driver, internal, enable_ipv6, status FROM networks`)
	if err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	defer rows.Close()

	var out []Network
	for rows.Next() {
		var n Network
		var id string
		var localID sql.NullString
		if err := rows.Scan(&id, &localID, &n.Name, &n.Driver, &n.Internal, &n.EnableIPv6, &n.Status); err != nil {
			return nil, fmt.Errorf("scan network: %w", err)
		}
		n.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse network id: %w", err)
		}
		n.LocalID = localID.String
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		opts, err := readDriverOpts(ctx, conn, "network_driver_opts", "network_id", out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Options = opts
	}
	return out, nil
}

func readVolumes(ctx context.Context, conn *sql.Conn) ([]Volume, error) {
	rows, err := conn.QueryContext(ctx, `SELECT id, local_id, name, driver, status FROM volumes`)
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}
	defer rows.Close()

	var out []Volume
	for rows.Next() {
		var v Volume
		var id string
		var localID sql.NullString
		if err := rows.Scan(&id, &localID, &v.Name, &v.Driver, &v.Status); err != nil {
			return nil, fmt.Errorf("scan volume: %w", err)
		}
		v.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse volume id: %w", err)
		}
		v.LocalID = localID.String
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		opts, err := readDriverOpts(ctx, conn, "volume_driver_opts", "volume_id", out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Options = opts
	}
	return out, nil
}

func readDriverOpts(ctx context.Context, conn *sql.Conn, table, column string, id uuid.UUID) ([]DriverOpt, error) {
	rows, err := conn.QueryContext(ctx,
		fmt.Sprintf(`SELECT name, value FROM %s WHERE %s = ? ORDER BY name`, table, column), id.String())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out []DriverOpt
	for rows.Next() {
		var o DriverOpt
		if err := rows.Scan(&o.Name, &o.Value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func readContainers(ctx context.Context, conn *sql.Conn) ([]Container, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT id, local_id, image_id, hostname, restart_policy, network_mode, privileged, status FROM containers`)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	defer rows.Close()

	var out []Container
	for rows.Next() {
		var c Container
		var id string
		var localID, imageID sql.NullString
		if err := rows.Scan(&id, &localID, &imageID, &c.Hostname, &c.RestartPolicy, &c.NetworkMode, &c.Privileged, &c.Status); err != nil {
			return nil, fmt.Errorf("scan container: %w", err)
		}
		c.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse container id: %w", err)
		}
		c.LocalID = localID.String
		if imageID.Valid {
			parsed, err := uuid.Parse(imageID.String)
			if err != nil {
				return nil, fmt.Errorf("parse container image id: %w", err)
			}
			c.ImageID = &parsed
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].Env, err = readStrings(ctx, conn, "container_env", out[i].ID); err != nil {
			return nil, err
		}
		if out[i].Binds, err = readStrings(ctx, conn, "container_binds", out[i].ID); err != nil {
			return nil, err
		}
		if out[i].NetworkIDs, err = readRefs(ctx, conn, "container_networks", "network_id", out[i].ID); err != nil {
			return nil, err
		}
		if out[i].VolumeIDs, err = readRefs(ctx, conn, "container_volumes", "volume_id", out[i].ID); err != nil {
			return nil, err
		}
		if out[i].PortBindings, err = readPortBindings(ctx, conn, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readStrings(ctx context.Context, conn *sql.Conn, table string, containerID uuid.UUID) ([]string, error) {
	rows, err := conn.QueryContext(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE container_id = ?`, table), containerID.String())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func readRefs(ctx context.Context, conn *sql.Conn, table, column string, containerID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := conn.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE container_id = ?`, column, table), containerID.String())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", table, err)
		}
		out = append(out, parsed)
	}
	return out, rows.Err()
}

func readPortBindings(ctx context.Context, conn *sql.Conn, containerID uuid.UUID) ([]PortBinding, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT port, protocol, host_ip, host_port FROM container_port_bindings WHERE container_id = ?`,
		containerID.String())
	if err != nil {
		return nil, fmt.Errorf("list port bindings: %w", err)
	}
	defer rows.Close()

	var out []PortBinding
	for rows.Next() {
		var b PortBinding
		if err := rows.Scan(&b.Port, &b.Protocol, &b.HostIP, &b.HostPort); err != nil {
			return nil, fmt.Errorf("scan port binding: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func readDeployments(ctx context.Context, conn *sql.Conn) ([]Deployment, error) {
	rows, err := conn.QueryContext(ctx, `SELECT id, status FROM deployments`)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		var d Deployment
		var id string
		if err := rows.Scan(&id, &d.Status); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		d.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse deployment id: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		crows, err := conn.QueryContext(ctx,
			`SELECT container_id FROM deployment_containers WHERE deployment_id = ?`, out[i].ID.String())
		if err != nil {
			return nil, fmt.Errorf("list deployment containers: %w", err)
		}
		for crows.Next() {
			var id string
			if err := crows.Scan(&id); err != nil {
				crows.Close()
				return nil, fmt.Errorf("scan deployment container: %w", err)
			}
			parsed, err := uuid.Parse(id)
			if err != nil {
				crows.Close()
				return nil, fmt.Errorf("parse deployment container: %w", err)
			}
			out[i].ContainerIDs = append(out[i].ContainerIDs, parsed)
		}
		crows.Close()
		if err := crows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readMissingContainers(ctx context.Context, conn *sql.Conn, into map[uuid.UUID][]uuid.UUID) error {
	rows, err := conn.QueryContext(ctx, `SELECT deployment_id, container_id FROM deployment_missing_containers`)
	if err != nil {
		return fmt.Errorf("list missing containers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var depID, conID string
		if err := rows.Scan(&depID, &conID); err != nil {
			return fmt.Errorf("scan missing container: %w", err)
		}
		d, err := uuid.Parse(depID)
		if err != nil {
			return fmt.Errorf("parse deployment id: %w", err)
		}
		c, err := uuid.Parse(conID)
		if err != nil {
			return fmt.Errorf("parse container id: %w", err)
		}
		into[d] = append(into[d], c)
	}
	return rows.Err()
}
