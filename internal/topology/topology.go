package topology

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/diskwarden/internal/fault"
	"git.home.luguber.info/inful/diskwarden/internal/lifecycle"
	"git.home.luguber.info/inful/diskwarden/internal/store"
)

// BackendType is a storage backend kind. Closed set, persisted by name in
// storage_types.
type BackendType string

const (
	BackendCeph      BackendType = "ceph"
	BackendSIO       BackendType = "sio"
	BackendSolidfire BackendType = "solidfire"
	BackendHitachi   BackendType = "hitachi"
)

// ParseBackendType validates a backend name from config or the wire.
func ParseBackendType(raw string) (BackendType, error) {
	switch BackendType(raw) {
	case BackendCeph, BackendSIO, BackendSolidfire, BackendHitachi:
		return BackendType(raw), nil
	}
	return "", fmt.Errorf("unknown storage backend %q: %w", raw, ErrDetailNotFound)
}

// StorageDetail is one storage cluster/array/pool instance within a region.
// ArrayName and PoolName carry array/pool identity as attributes under the
// synthetic DetailID; (region, backend, hostname) stays the unique key for
// compatibility with the stored layout.
type StorageDetail struct {
	DetailID  int64
	RegionID  int64
	Region    string
	Backend   BackendType
	Hostname  string
	ArrayName *string
	UUID      string
	PoolName  *string
}

// Device is one physical or logical disk belonging to a storage detail.
type Device struct {
	DeviceID    int64
	UUID        string
	DetailID    int64
	Name        string
	Path        string
	MountPath   *string
	State       lifecycle.DeviceState
	SmartPassed *bool
}

// HostInfo is the initialization-time description of the host a daemon
// manages, supplied by configuration.
type HostInfo struct {
	Region    string
	Backend   BackendType
	Hostname  string
	ArrayName *string
	PoolName  *string
}

var (
	// ErrDetailNotFound indicates no storage detail matches the lookup key.
	ErrDetailNotFound = fault.New(fault.CodeNotFound, "topology", "resolve",
		"storage detail not found")

	// ErrDeviceNotFound indicates the device row does not exist.
	ErrDeviceNotFound = fault.New(fault.CodeNotFound, "topology", "device",
		"device not found")
)

// Catalog is the read-mostly topology lookup component. Reference rows are
// registered at initialization time and never mutated at runtime.
type Catalog struct {
	st *store.Store
}

// New creates a catalog over the shared store.
func New(st *store.Store) *Catalog { return &Catalog{st: st} }

// ResolveStorageDetail looks up a detail by (region, backend, hostname).
func (c *Catalog) ResolveStorageDetail(ctx context.Context, region string, backend BackendType, hostname string) (*StorageDetail, error) {
	row := c.st.DB().QueryRowContext(ctx, `
		SELECT d.detail_id, d.region_id, r.region_name, t.storage_type,
		       d.hostname, d.name_key1, d.uuid, d.name_key2
		FROM storage_details d
		JOIN regions r ON r.region_id = d.region_id
		JOIN storage_types t ON t.storage_id = d.storage_id
		WHERE r.region_name = ? AND t.storage_type = ? AND d.hostname = ?
	`, region, string(backend), hostname)

	detail, err := scanDetail(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("(%s, %s, %s): %w", region, backend, hostname, ErrDetailNotFound)
	}
	if err != nil {
		return nil, fault.Internal("topology", "resolve", err)
	}
	return detail, nil
}

// EnsureHost registers the region and storage detail for a host in one
// transaction, reusing existing rows. Called once at daemon startup.
func (c *Catalog) EnsureHost(ctx context.Context, info HostInfo) (*StorageDetail, error) {
	tx, err := c.st.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fault.Internal("topology", "ensure-host", err)
	}
	defer func() { _ = tx.Rollback() }()

	var regionID int64
	err = tx.QueryRowContext(ctx,
		"SELECT region_id FROM regions WHERE region_name = ?", info.Region,
	).Scan(&regionID)
	if err == sql.ErrNoRows {
		res, insErr := tx.ExecContext(ctx,
			"INSERT INTO regions (region_name) VALUES (?)", info.Region)
		if insErr != nil {
			return nil, fault.Internal("topology", "ensure-host", insErr)
		}
		regionID, _ = res.LastInsertId()
	} else if err != nil {
		return nil, fault.Internal("topology", "ensure-host", err)
	}

	var storageID int64
	err = tx.QueryRowContext(ctx,
		"SELECT storage_id FROM storage_types WHERE storage_type = ?", string(info.Backend),
	).Scan(&storageID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("storage backend %q: %w", info.Backend, ErrDetailNotFound)
	}
	if err != nil {
		return nil, fault.Internal("topology", "ensure-host", err)
	}

	var detailID int64
	err = tx.QueryRowContext(ctx,
		"SELECT detail_id FROM storage_details WHERE region_id = ? AND storage_id = ? AND hostname = ?",
		regionID, storageID, info.Hostname,
	).Scan(&detailID)
	if err == sql.ErrNoRows {
		res, insErr := tx.ExecContext(ctx,
			"INSERT INTO storage_details (storage_id, region_id, hostname, name_key1, uuid, name_key2) VALUES (?, ?, ?, ?, ?, ?)",
			storageID, regionID, info.Hostname, info.ArrayName, uuid.NewString(), info.PoolName,
		)
		if insErr != nil {
			return nil, fault.Internal("topology", "ensure-host", insErr)
		}
		detailID, _ = res.LastInsertId()
	} else if err != nil {
		return nil, fault.Internal("topology", "ensure-host", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fault.Internal("topology", "ensure-host", err)
	}
	return c.ResolveStorageDetail(ctx, info.Region, info.Backend, info.Hostname)
}

// AddDevice records a device under a storage detail with state unknown. If a
// device already exists at (path, detail) the existing row is returned; a
// path is never reused concurrently within the same detail.
func (c *Catalog) AddDevice(ctx context.Context, detailID int64, name, path string, mountPath *string) (*Device, error) {
	existing, err := c.DeviceByPath(ctx, detailID, path)
	if err == nil {
		return existing, nil
	}
	if !fault.IsCode(err, fault.CodeNotFound) {
		return nil, err
	}

	res, err := c.st.DB().ExecContext(ctx,
		"INSERT INTO devices (device_uuid, detail_id, device_name, device_path, mount_path, state) VALUES (?, ?, ?, ?, ?, ?)",
		uuid.NewString(), detailID, name, path, mountPath, string(lifecycle.StateUnknown),
	)
	if err != nil {
		return nil, fault.Internal("topology", "add-device", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fault.Internal("topology", "add-device", err)
	}
	return c.Device(ctx, id)
}

// Device retrieves one device by id.
func (c *Catalog) Device(ctx context.Context, deviceID int64) (*Device, error) {
	row := c.st.DB().QueryRowContext(ctx,
		"SELECT device_id, device_uuid, detail_id, device_name, device_path, mount_path, state, smart_passed FROM devices WHERE device_id = ?",
		deviceID,
	)
	dev, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("device %d: %w", deviceID, ErrDeviceNotFound)
	}
	if err != nil {
		return nil, fault.Internal("topology", "device", err)
	}
	return dev, nil
}

// DeviceByPath retrieves a device by its path within a storage detail.
func (c *Catalog) DeviceByPath(ctx context.Context, detailID int64, path string) (*Device, error) {
	row := c.st.DB().QueryRowContext(ctx,
		"SELECT device_id, device_uuid, detail_id, device_name, device_path, mount_path, state, smart_passed FROM devices WHERE detail_id = ? AND device_path = ?",
		detailID, path,
	)
	dev, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("device %s in detail %d: %w", path, detailID, ErrDeviceNotFound)
	}
	if err != nil {
		return nil, fault.Internal("topology", "device", err)
	}
	return dev, nil
}

// ListDevices returns all devices of a detail ordered by device name.
func (c *Catalog) ListDevices(ctx context.Context, detailID int64) ([]Device, error) {
	rows, err := c.st.DB().QueryContext(ctx,
		"SELECT device_id, device_uuid, detail_id, device_name, device_path, mount_path, state, smart_passed FROM devices WHERE detail_id = ? ORDER BY device_name",
		detailID,
	)
	if err != nil {
		return nil, fault.Internal("topology", "list-devices", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, fault.Internal("topology", "list-devices", err)
		}
		out = append(out, *dev)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Internal("topology", "list-devices", err)
	}
	return out, nil
}

// RemoveDevice deletes a decommissioned device. Its operations and their
// sub-operations cascade with it.
func (c *Catalog) RemoveDevice(ctx context.Context, deviceID int64) error {
	res, err := c.st.DB().ExecContext(ctx, "DELETE FROM devices WHERE device_id = ?", deviceID)
	if err != nil {
		return fault.Internal("topology", "remove-device", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %d: %w", deviceID, ErrDeviceNotFound)
	}
	return nil
}

// HostnameForDevice resolves the storage-detail hostname owning a device.
func (c *Catalog) HostnameForDevice(ctx context.Context, deviceID int64) (string, error) {
	var hostname string
	err := c.st.DB().QueryRowContext(ctx, `
		SELECT sd.hostname FROM storage_details sd
		JOIN devices d ON d.detail_id = sd.detail_id
		WHERE d.device_id = ?
	`, deviceID).Scan(&hostname)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("device %d: %w", deviceID, ErrDeviceNotFound)
	}
	if err != nil {
		return "", fault.Internal("topology", "hostname", err)
	}
	return hostname, nil
}

func scanDetail(row *sql.Row) (*StorageDetail, error) {
	var d StorageDetail
	var backend string
	var arrayName, detailUUID, poolName sql.NullString
	if err := row.Scan(&d.DetailID, &d.RegionID, &d.Region, &backend,
		&d.Hostname, &arrayName, &detailUUID, &poolName); err != nil {
		return nil, err
	}
	d.Backend = BackendType(backend)
	if arrayName.Valid {
		d.ArrayName = &arrayName.String
	}
	if detailUUID.Valid {
		d.UUID = detailUUID.String
	}
	if poolName.Valid {
		d.PoolName = &poolName.String
	}
	return &d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var dev Device
	var devUUID, mountPath sql.NullString
	var state string
	var smart sql.NullBool
	if err := row.Scan(&dev.DeviceID, &devUUID, &dev.DetailID, &dev.Name,
		&dev.Path, &mountPath, &state, &smart); err != nil {
		return nil, err
	}
	if devUUID.Valid {
		dev.UUID = devUUID.String
	}
	if mountPath.Valid {
		dev.MountPath = &mountPath.String
	}
	dev.State = lifecycle.DeviceState(state)
	if smart.Valid {
		dev.SmartPassed = &smart.Bool
	}
	return &dev, nil
}
