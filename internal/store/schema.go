package store

// All timestamps are stored as INTEGER Unix milliseconds (UTC).
//
// Deletion semantics follow the retention rules of the domain:
//   - devices -> operations -> operation_details cascade, so removing
//     decommissioned hardware removes its maintenance history with it;
//   - process_manager rows are referenced by operations with SET NULL, so
//     operation history survives registry turnover;
//   - process_manager rows themselves are never deleted by the registry,
//     only marked terminated.
const schema = `
CREATE TABLE IF NOT EXISTS process_manager (
	entry_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	pid           INTEGER NOT NULL,
	ip            TEXT NOT NULL,
	status        TEXT NOT NULL,
	start_time    INTEGER NOT NULL,
	snapshot_time INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_process_active
	ON process_manager(ip, pid) WHERE status != 'terminated';

CREATE TABLE IF NOT EXISTS regions (
	region_id   INTEGER PRIMARY KEY AUTOINCREMENT,
	region_name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS storage_types (
	storage_id   INTEGER PRIMARY KEY AUTOINCREMENT,
	storage_type TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS storage_details (
	detail_id  INTEGER PRIMARY KEY AUTOINCREMENT,
	storage_id INTEGER NOT NULL REFERENCES storage_types(storage_id),
	region_id  INTEGER NOT NULL REFERENCES regions(region_id),
	hostname   TEXT NOT NULL,
	name_key1  TEXT,
	uuid       TEXT,
	name_key2  TEXT,
	UNIQUE(region_id, storage_id, hostname)
);

CREATE TABLE IF NOT EXISTS devices (
	device_id    INTEGER PRIMARY KEY AUTOINCREMENT,
	device_uuid  TEXT,
	detail_id    INTEGER NOT NULL REFERENCES storage_details(detail_id),
	device_name  TEXT NOT NULL,
	device_path  TEXT NOT NULL,
	mount_path   TEXT,
	state        TEXT NOT NULL,
	smart_passed INTEGER,
	UNIQUE(device_path, detail_id)
);
CREATE INDEX IF NOT EXISTS idx_devices_detail ON devices(detail_id);

CREATE TABLE IF NOT EXISTS operation_types (
	type_id INTEGER PRIMARY KEY AUTOINCREMENT,
	op_name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS operations (
	operation_id  INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id     INTEGER NOT NULL REFERENCES devices(device_id) ON DELETE CASCADE,
	entry_id      INTEGER REFERENCES process_manager(entry_id) ON DELETE SET NULL,
	start_time    INTEGER NOT NULL,
	snapshot_time INTEGER NOT NULL,
	done_time     INTEGER,
	behalf_of     TEXT,
	reason        TEXT,
	UNIQUE(device_id, entry_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_operations_open
	ON operations(device_id) WHERE done_time IS NULL;
CREATE INDEX IF NOT EXISTS idx_operations_entry ON operations(entry_id);

CREATE TABLE IF NOT EXISTS operation_details (
	operation_detail_id INTEGER PRIMARY KEY AUTOINCREMENT,
	operation_id        INTEGER NOT NULL REFERENCES operations(operation_id) ON DELETE CASCADE,
	type_id             INTEGER NOT NULL REFERENCES operation_types(type_id),
	status              TEXT NOT NULL,
	tracking_id         TEXT,
	start_time          INTEGER NOT NULL,
	snapshot_time       INTEGER NOT NULL,
	done_time           INTEGER,
	UNIQUE(operation_id, type_id)
);
CREATE INDEX IF NOT EXISTS idx_operation_details_tracking
	ON operation_details(tracking_id) WHERE tracking_id IS NOT NULL;
`
