package optracker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"git.home.luguber.info/inful/diskwarden/internal/events"
	"git.home.luguber.info/inful/diskwarden/internal/fault"
	"git.home.luguber.info/inful/diskwarden/internal/lifecycle"
	"git.home.luguber.info/inful/diskwarden/internal/metrics"
	"git.home.luguber.info/inful/diskwarden/internal/observability"
	"git.home.luguber.info/inful/diskwarden/internal/store"
)

// Outcome is the result a caller assigns when closing an operation.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Operation is one top-level unit of maintenance work on one device,
// attributed to one registry entry. EntryID is zero when the owning registry
// entry has been removed; the row itself survives as audit history.
type Operation struct {
	OperationID  int64
	DeviceID     int64
	EntryID      int64
	StartTime    time.Time
	SnapshotTime time.Time
	DoneTime     *time.Time
	BehalfOf     string
	Reason       string
}

// Open reports whether the operation has not been closed yet.
func (o *Operation) Open() bool { return o.DoneTime == nil }

var (
	// ErrOperationAlreadyOpen indicates the device already has an open
	// operation.
	ErrOperationAlreadyOpen = fault.New(fault.CodeOperationOpen, "optracker", "open",
		"an operation is already open for this device")

	// ErrOperationNotFound indicates the operation row does not exist.
	ErrOperationNotFound = fault.New(fault.CodeNotFound, "optracker", "get",
		"operation not found")

	// ErrStaleSnapshot indicates a snapshot write older than the stored one,
	// or a heartbeat against an operation that is already closed.
	ErrStaleSnapshot = fault.New(fault.CodeStaleWrite, "optracker", "heartbeat",
		"snapshot write is older than the stored snapshot")
)

// Tracker owns the operations table and the sub-operation log. Terminal step
// outcomes are forwarded synchronously to the device state machine; that
// notification is the sole path by which device state changes.
type Tracker struct {
	st      *store.Store
	machine *lifecycle.Machine
	pub     events.Publisher
	rec     metrics.Recorder
}

// New creates a tracker. Publisher and recorder may be the noop
// implementations.
func New(st *store.Store, machine *lifecycle.Machine, pub events.Publisher, rec metrics.Recorder) *Tracker {
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Tracker{st: st, machine: machine, pub: pub, rec: rec}
}

// Open starts an operation on a device for a registry entry. It fails with
// ErrOperationAlreadyOpen when the device already has an open operation;
// this uniqueness is the sole mutual-exclusion mechanism between racing
// daemons. A registry entry holds at most one operation record per device,
// so re-entry on a device the run already closed an operation for supersedes
// that record instead of duplicating it: the row keeps its id, the previous
// incarnation's steps are cleared.
func (t *Tracker) Open(ctx context.Context, deviceID, entryID int64, reason, behalfOf string) (*Operation, error) {
	now := time.Now().UTC()

	var blocking int64
	err := t.st.DB().QueryRowContext(ctx,
		"SELECT operation_id FROM operations WHERE device_id = ? AND done_time IS NULL",
		deviceID,
	).Scan(&blocking)
	switch {
	case err == nil:
		t.rec.IncRejectedWrite(string(fault.CodeOperationOpen))
		return nil, fmt.Errorf("operation %d is open on device %d: %w", blocking, deviceID, ErrOperationAlreadyOpen)
	case err != sql.ErrNoRows:
		return nil, fault.Internal("optracker", "open", err)
	}

	var prior int64
	err = t.st.DB().QueryRowContext(ctx,
		"SELECT operation_id FROM operations WHERE device_id = ? AND entry_id = ?",
		deviceID, entryID,
	).Scan(&prior)
	switch {
	case err == nil:
		return t.reopen(ctx, prior, deviceID, entryID, reason, behalfOf, now)
	case err != sql.ErrNoRows:
		return nil, fault.Internal("optracker", "open", err)
	}

	res, err := t.st.DB().ExecContext(ctx,
		"INSERT INTO operations (device_id, entry_id, start_time, snapshot_time, behalf_of, reason) VALUES (?, ?, ?, ?, ?, ?)",
		deviceID, entryID, store.Millis(now), store.Millis(now), nullable(behalfOf), nullable(reason),
	)
	if err != nil {
		// The partial unique index and the (device, entry) key are the
		// backstop for races between the check above and this insert.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			t.rec.IncRejectedWrite(string(fault.CodeOperationOpen))
			return nil, fmt.Errorf("device %d entry %d: %w", deviceID, entryID, ErrOperationAlreadyOpen)
		}
		return nil, fault.Internal("optracker", "open", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fault.Internal("optracker", "open", err)
	}

	op := &Operation{
		OperationID:  id,
		DeviceID:     deviceID,
		EntryID:      entryID,
		StartTime:    now,
		SnapshotTime: now,
		BehalfOf:     behalfOf,
		Reason:       reason,
	}

	t.rec.IncOperationOpened()
	t.publish(ctx, events.OperationEvent{
		Kind:        events.KindOperationOpened,
		OperationID: id,
		DeviceID:    deviceID,
		EntryID:     entryID,
		At:          now,
	})
	observability.InfoContext(observability.WithOperationID(ctx, id), "operation opened")
	return op, nil
}

// reopen supersedes the closed record a registry entry already holds for a
// device. The row and its id survive; the steps of the previous incarnation
// do not, so each step type may occur again.
func (t *Tracker) reopen(ctx context.Context, operationID, deviceID, entryID int64, reason, behalfOf string, now time.Time) (*Operation, error) {
	tx, err := t.st.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fault.Internal("optracker", "reopen", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM operation_details WHERE operation_id = ?", operationID,
	); err != nil {
		return nil, fault.Internal("optracker", "reopen", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE operations SET start_time = ?, snapshot_time = ?, done_time = NULL, behalf_of = ?, reason = ? WHERE operation_id = ?",
		store.Millis(now), store.Millis(now), nullable(behalfOf), nullable(reason), operationID,
	); err != nil {
		return nil, fault.Internal("optracker", "reopen", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fault.Internal("optracker", "reopen", err)
	}

	op := &Operation{
		OperationID:  operationID,
		DeviceID:     deviceID,
		EntryID:      entryID,
		StartTime:    now,
		SnapshotTime: now,
		BehalfOf:     behalfOf,
		Reason:       reason,
	}

	t.rec.IncOperationOpened()
	t.publish(ctx, events.OperationEvent{
		Kind:        events.KindOperationOpened,
		OperationID: operationID,
		DeviceID:    deviceID,
		EntryID:     entryID,
		At:          now,
	})
	observability.InfoContext(observability.WithOperationID(ctx, operationID), "operation reopened")
	return op, nil
}

// Heartbeat refreshes the operation snapshot. Older timestamps and
// heartbeats against closed operations are rejected with ErrStaleSnapshot.
func (t *Tracker) Heartbeat(ctx context.Context, operationID int64, at time.Time) error {
	res, err := t.st.DB().ExecContext(ctx,
		"UPDATE operations SET snapshot_time = ? WHERE operation_id = ? AND done_time IS NULL AND snapshot_time <= ?",
		store.Millis(at), operationID, store.Millis(at),
	)
	if err != nil {
		return fault.Internal("optracker", "heartbeat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := t.Get(ctx, operationID); err != nil {
			return err
		}
		t.rec.IncRejectedWrite(string(fault.CodeStaleWrite))
		return fmt.Errorf("operation %d: %w", operationID, ErrStaleSnapshot)
	}
	return nil
}

// Adopt reattributes an open operation to a new registry entry and refreshes
// its snapshot. Crash recovery uses this when a restarted daemon resumes work
// a dead run left open, so the adopting run's heartbeat covers the operation
// from then on.
func (t *Tracker) Adopt(ctx context.Context, operationID, entryID int64, at time.Time) error {
	res, err := t.st.DB().ExecContext(ctx,
		"UPDATE operations SET entry_id = ?, snapshot_time = ? WHERE operation_id = ? AND done_time IS NULL AND snapshot_time <= ?",
		entryID, store.Millis(at), operationID, store.Millis(at),
	)
	if err != nil {
		return fault.Internal("optracker", "adopt", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := t.Get(ctx, operationID); err != nil {
			return err
		}
		t.rec.IncRejectedWrite(string(fault.CodeStaleWrite))
		return fmt.Errorf("operation %d: %w", operationID, ErrStaleSnapshot)
	}
	return nil
}

// Close records completion. Closing an already-closed operation is a no-op
// so retried close calls after a daemon restart stay harmless. The snapshot
// never moves backwards, even when the close timestamp arrives out of order.
func (t *Tracker) Close(ctx context.Context, operationID int64, outcome Outcome, at time.Time) error {
	res, err := t.st.DB().ExecContext(ctx,
		"UPDATE operations SET done_time = ?, snapshot_time = MAX(snapshot_time, ?) WHERE operation_id = ? AND done_time IS NULL",
		store.Millis(at), store.Millis(at), operationID,
	)
	if err != nil {
		return fault.Internal("optracker", "close", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		op, err := t.Get(ctx, operationID)
		if err != nil {
			return err
		}
		if !op.Open() {
			return nil // idempotent
		}
		return fault.Internal("optracker", "close", fmt.Errorf("close affected no rows for open operation %d", operationID))
	}

	op, err := t.Get(ctx, operationID)
	if err != nil {
		return err
	}
	t.rec.IncOperationClosed(metrics.Outcome(outcome))
	t.rec.ObserveOperationDuration(at.Sub(op.StartTime))
	t.publish(ctx, events.OperationEvent{
		Kind:        events.KindOperationClosed,
		OperationID: operationID,
		DeviceID:    op.DeviceID,
		EntryID:     op.EntryID,
		Status:      string(outcome),
		At:          at,
	})
	observability.InfoContext(observability.WithOperationID(ctx, operationID), "operation closed")
	return nil
}

// Get retrieves one operation by id.
func (t *Tracker) Get(ctx context.Context, operationID int64) (*Operation, error) {
	row := t.st.DB().QueryRowContext(ctx,
		"SELECT operation_id, device_id, entry_id, start_time, snapshot_time, done_time, behalf_of, reason FROM operations WHERE operation_id = ?",
		operationID,
	)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("operation %d: %w", operationID, ErrOperationNotFound)
	}
	if err != nil {
		return nil, fault.Internal("optracker", "get", err)
	}
	return op, nil
}

// OpenForDevice returns the open operation on a device, or ErrOperationNotFound.
func (t *Tracker) OpenForDevice(ctx context.Context, deviceID int64) (*Operation, error) {
	row := t.st.DB().QueryRowContext(ctx,
		"SELECT operation_id, device_id, entry_id, start_time, snapshot_time, done_time, behalf_of, reason FROM operations WHERE device_id = ? AND done_time IS NULL",
		deviceID,
	)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no open operation on device %d: %w", deviceID, ErrOperationNotFound)
	}
	if err != nil {
		return nil, fault.Internal("optracker", "open-for-device", err)
	}
	return op, nil
}

// OpenOperations lists the open operations attributed to a registry entry,
// each with its steps. This is the crash-recovery surface: a restarted
// daemon scans its prior entries and decides to resume or fail each one.
func (t *Tracker) OpenOperations(ctx context.Context, entryID int64) ([]OperationWithSteps, error) {
	rows, err := t.st.DB().QueryContext(ctx,
		"SELECT operation_id, device_id, entry_id, start_time, snapshot_time, done_time, behalf_of, reason FROM operations WHERE entry_id = ? AND done_time IS NULL ORDER BY start_time",
		entryID,
	)
	if err != nil {
		return nil, fault.Internal("optracker", "open-operations", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fault.Internal("optracker", "open-operations", err)
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Internal("optracker", "open-operations", err)
	}

	out := make([]OperationWithSteps, 0, len(ops))
	for _, op := range ops {
		steps, err := t.Steps(ctx, op.OperationID)
		if err != nil {
			return nil, err
		}
		out = append(out, OperationWithSteps{Operation: op, Steps: steps})
	}
	return out, nil
}

// OperationWithSteps pairs an operation with its recorded steps.
type OperationWithSteps struct {
	Operation Operation
	Steps     []Step
}

// LastStep returns the most recently started step, or nil when none exist.
func (o OperationWithSteps) LastStep() *Step {
	if len(o.Steps) == 0 {
		return nil
	}
	return &o.Steps[len(o.Steps)-1]
}

// StalledOperations returns open operations whose snapshot age exceeds the
// threshold. These are operator-alert candidates, never auto-cancelled.
func (t *Tracker) StalledOperations(ctx context.Context, threshold time.Duration) ([]Operation, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := t.st.DB().QueryContext(ctx,
		"SELECT operation_id, device_id, entry_id, start_time, snapshot_time, done_time, behalf_of, reason FROM operations WHERE done_time IS NULL AND snapshot_time < ? ORDER BY snapshot_time",
		store.Millis(cutoff),
	)
	if err != nil {
		return nil, fault.Internal("optracker", "stalled", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fault.Internal("optracker", "stalled", err)
		}
		out = append(out, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Internal("optracker", "stalled", err)
	}
	return out, nil
}

// CountOpen returns how many operations are currently open, fleet-wide.
func (t *Tracker) CountOpen(ctx context.Context) (int, error) {
	var n int
	if err := t.st.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM operations WHERE done_time IS NULL",
	).Scan(&n); err != nil {
		return 0, fault.Internal("optracker", "count-open", err)
	}
	return n, nil
}

func (t *Tracker) publish(ctx context.Context, ev events.OperationEvent) {
	if err := t.pub.Publish(ctx, ev); err != nil {
		observability.WarnContext(ctx, "event publish failed")
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	var op Operation
	var entry sql.NullInt64
	var start, snapshot int64
	var done sql.NullInt64
	var behalfOf, reason sql.NullString
	if err := row.Scan(&op.OperationID, &op.DeviceID, &entry, &start, &snapshot, &done, &behalfOf, &reason); err != nil {
		return nil, err
	}
	op.EntryID = entry.Int64
	op.StartTime = store.FromMillis(start)
	op.SnapshotTime = store.FromMillis(snapshot)
	op.DoneTime = store.TimePtr(done)
	op.BehalfOf = behalfOf.String
	op.Reason = reason.String
	return &op, nil
}
