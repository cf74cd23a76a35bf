package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"git.home.luguber.info/inful/diskwarden/internal/fault"
	"git.home.luguber.info/inful/diskwarden/internal/store"
)

// InstanceStatus represents the lifecycle status of a daemon instance.
type InstanceStatus string

const (
	StatusStarting   InstanceStatus = "starting"
	StatusIdle       InstanceStatus = "idle"
	StatusBusy       InstanceStatus = "busy"
	StatusTerminated InstanceStatus = "terminated"
)

// Instance is one row of the process registry: a daemon run identified by
// (ip, pid). Rows are never deleted so operation attribution survives
// process turnover.
type Instance struct {
	EntryID      int64
	IP           string
	PID          int
	Status       InstanceStatus
	StartTime    time.Time
	SnapshotTime time.Time
}

var (
	// ErrDuplicateActiveInstance indicates a non-terminated entry already
	// exists for the same (ip, pid).
	ErrDuplicateActiveInstance = fault.New(fault.CodeDuplicateInstance, "registry", "register",
		"an active instance already exists for this host and pid")

	// ErrInstanceNotFound indicates no entry exists for the given id.
	ErrInstanceNotFound = fault.New(fault.CodeNotFound, "registry", "get",
		"registry entry not found")

	// ErrStaleHeartbeat indicates a heartbeat older than the stored snapshot.
	ErrStaleHeartbeat = fault.New(fault.CodeStaleWrite, "registry", "heartbeat",
		"heartbeat timestamp older than stored snapshot")
)

// Registry tracks live daemon instances and provides liveness checks.
type Registry struct {
	st *store.Store
}

// New creates a registry over the shared store.
func New(st *store.Store) *Registry { return &Registry{st: st} }

// Register creates a new entry with status starting and the current time.
// Fails with ErrDuplicateActiveInstance when a non-terminated entry for
// (ip, pid) exists.
func (r *Registry) Register(ctx context.Context, ip string, pid int) (*Instance, error) {
	now := time.Now().UTC()

	var existing int64
	err := r.st.DB().QueryRowContext(ctx,
		"SELECT entry_id FROM process_manager WHERE ip = ? AND pid = ? AND status != ?",
		ip, pid, string(StatusTerminated),
	).Scan(&existing)
	switch {
	case err == nil:
		return nil, fmt.Errorf("entry %d holds (%s, %d): %w", existing, ip, pid, ErrDuplicateActiveInstance)
	case err != sql.ErrNoRows:
		return nil, fault.Internal("registry", "register", err)
	}

	return r.insert(ctx, ip, pid, now)
}

// insert creates the entry row. The partial unique index on active (ip, pid)
// pairs is the backstop for a race between Register's check and this insert.
func (r *Registry) insert(ctx context.Context, ip string, pid int, now time.Time) (*Instance, error) {
	res, err := r.st.DB().ExecContext(ctx,
		"INSERT INTO process_manager (pid, ip, status, start_time, snapshot_time) VALUES (?, ?, ?, ?, ?)",
		pid, ip, string(StatusStarting), store.Millis(now), store.Millis(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("(%s, %d): %w", ip, pid, ErrDuplicateActiveInstance)
		}
		return nil, fault.Internal("registry", "register", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fault.Internal("registry", "register", err)
	}

	return &Instance{
		EntryID:      id,
		IP:           ip,
		PID:          pid,
		Status:       StatusStarting,
		StartTime:    now,
		SnapshotTime: now,
	}, nil
}

// Heartbeat updates status and snapshot time in place. Writes with a
// timestamp older than the stored snapshot are rejected with
// ErrStaleHeartbeat to guard against out-of-order delivery.
func (r *Registry) Heartbeat(ctx context.Context, entryID int64, status InstanceStatus, at time.Time) error {
	res, err := r.st.DB().ExecContext(ctx,
		"UPDATE process_manager SET status = ?, snapshot_time = ? WHERE entry_id = ? AND snapshot_time <= ?",
		string(status), store.Millis(at), entryID, store.Millis(at),
	)
	if err != nil {
		return fault.Internal("registry", "heartbeat", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fault.Internal("registry", "heartbeat", err)
	}
	if n == 0 {
		// Row missing or timestamp stale: disambiguate for the caller.
		if _, err := r.Get(ctx, entryID); err != nil {
			return err
		}
		return fmt.Errorf("entry %d: %w", entryID, ErrStaleHeartbeat)
	}
	return nil
}

// IsLive reports whether the instance is presumed alive: not terminated and
// heartbeat no older than the liveness threshold.
func (r *Registry) IsLive(ctx context.Context, entryID int64, threshold time.Duration) (bool, error) {
	inst, err := r.Get(ctx, entryID)
	if err != nil {
		return false, err
	}
	if inst.Status == StatusTerminated {
		return false, nil
	}
	return time.Since(inst.SnapshotTime) <= threshold, nil
}

// MarkTerminated records process exit. The row is retained; only the status
// changes.
func (r *Registry) MarkTerminated(ctx context.Context, entryID int64) error {
	res, err := r.st.DB().ExecContext(ctx,
		"UPDATE process_manager SET status = ? WHERE entry_id = ?",
		string(StatusTerminated), entryID,
	)
	if err != nil {
		return fault.Internal("registry", "terminate", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %d: %w", entryID, ErrInstanceNotFound)
	}
	return nil
}

// SweepStale marks every non-terminated instance whose heartbeat is older
// than the threshold as terminated, and returns how many were swept. Used by
// the periodic liveness sweep; rows are never removed.
func (r *Registry) SweepStale(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	res, err := r.st.DB().ExecContext(ctx,
		"UPDATE process_manager SET status = ? WHERE status != ? AND snapshot_time < ?",
		string(StatusTerminated), string(StatusTerminated), store.Millis(cutoff),
	)
	if err != nil {
		return 0, fault.Internal("registry", "sweep", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fault.Internal("registry", "sweep", err)
	}
	return n, nil
}

// Get retrieves one entry by id.
func (r *Registry) Get(ctx context.Context, entryID int64) (*Instance, error) {
	row := r.st.DB().QueryRowContext(ctx,
		"SELECT entry_id, pid, ip, status, start_time, snapshot_time FROM process_manager WHERE entry_id = ?",
		entryID,
	)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entry %d: %w", entryID, ErrInstanceNotFound)
	}
	if err != nil {
		return nil, fault.Internal("registry", "get", err)
	}
	return inst, nil
}

// ListActive returns all non-terminated entries ordered by start time.
func (r *Registry) ListActive(ctx context.Context) ([]Instance, error) {
	rows, err := r.st.DB().QueryContext(ctx,
		"SELECT entry_id, pid, ip, status, start_time, snapshot_time FROM process_manager WHERE status != ? ORDER BY start_time",
		string(StatusTerminated),
	)
	if err != nil {
		return nil, fault.Internal("registry", "list", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fault.Internal("registry", "list", err)
		}
		out = append(out, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Internal("registry", "list", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var inst Instance
	var status string
	var start, snapshot int64
	if err := row.Scan(&inst.EntryID, &inst.PID, &inst.IP, &status, &start, &snapshot); err != nil {
		return nil, err
	}
	inst.Status = InstanceStatus(status)
	inst.StartTime = store.FromMillis(start)
	inst.SnapshotTime = store.FromMillis(snapshot)
	return &inst, nil
}
