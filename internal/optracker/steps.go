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
	"git.home.luguber.info/inful/diskwarden/internal/logfields"
	"git.home.luguber.info/inful/diskwarden/internal/observability"
	"git.home.luguber.info/inful/diskwarden/internal/store"
)

// Step is one typed sub-operation inside an operation. TrackingID carries an
// external repair-ticket reference and is empty until attached.
type Step struct {
	DetailID     int64
	OperationID  int64
	Type         lifecycle.OpType
	Status       lifecycle.StepStatus
	TrackingID   string
	StartTime    time.Time
	SnapshotTime time.Time
	DoneTime     *time.Time
}

var (
	// ErrStepNotFound indicates the sub-operation row does not exist.
	ErrStepNotFound = fault.New(fault.CodeNotFound, "optracker", "step",
		"sub-operation not found")

	// ErrDuplicateStepType indicates the operation already recorded a
	// sub-operation of this type.
	ErrDuplicateStepType = fault.New(fault.CodeDuplicateStep, "optracker", "append-step",
		"a sub-operation of this type already exists for the operation")

	// ErrOperationClosed indicates a write against an operation that has
	// already been closed.
	ErrOperationClosed = fault.New(fault.CodeInvalidStatus, "optracker", "append-step",
		"operation is already closed")

	// ErrInvalidStatusTransition indicates a sub-operation status move that
	// skips or reverses the pending, in_progress, terminal progression.
	ErrInvalidStatusTransition = fault.New(fault.CodeInvalidStatus, "optracker", "advance",
		"sub-operation status transition is not allowed")
)

// AppendStep records a new sub-operation of the given type against an open
// operation. Each operation holds at most one sub-operation per type.
func (t *Tracker) AppendStep(ctx context.Context, operationID int64, stepType lifecycle.OpType) (*Step, error) {
	op, err := t.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if !op.Open() {
		return nil, fmt.Errorf("operation %d: %w", operationID, ErrOperationClosed)
	}

	typeID, err := t.typeID(ctx, stepType)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := t.st.DB().ExecContext(ctx,
		"INSERT INTO operation_details (operation_id, type_id, status, start_time, snapshot_time) VALUES (?, ?, ?, ?, ?)",
		operationID, typeID, string(lifecycle.StatusPending), store.Millis(now), store.Millis(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			t.rec.IncRejectedWrite(string(fault.CodeDuplicateStep))
			return nil, fmt.Errorf("operation %d type %s: %w", operationID, stepType, ErrDuplicateStepType)
		}
		return nil, fault.Internal("optracker", "append-step", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fault.Internal("optracker", "append-step", err)
	}

	t.rec.IncStepTransition(string(stepType), string(lifecycle.StatusPending))
	observability.InfoContext(observability.WithStepType(observability.WithOperationID(ctx, operationID), string(stepType)),
		"sub-operation appended", logfields.DetailID(id))
	return &Step{
		DetailID:     id,
		OperationID:  operationID,
		Type:         stepType,
		Status:       lifecycle.StatusPending,
		StartTime:    now,
		SnapshotTime: now,
	}, nil
}

// Advance moves a sub-operation one status forward. The only legal moves are
// pending to in_progress, in_progress to complete and in_progress to failed.
// A terminal outcome is forwarded to the device state machine before the
// step row is written, so a rejected device transition leaves both the step
// and the device untouched. Writes carrying a timestamp older than the
// stored snapshot are rejected.
func (t *Tracker) Advance(ctx context.Context, detailID int64, to lifecycle.StepStatus, at time.Time) (*Step, error) {
	step, err := t.Step(ctx, detailID)
	if err != nil {
		return nil, err
	}
	if at.Before(step.SnapshotTime) {
		t.rec.IncRejectedWrite(string(fault.CodeStaleWrite))
		return nil, fmt.Errorf("sub-operation %d at %s: %w", detailID, at.UTC().Format(time.RFC3339Nano), ErrStaleSnapshot)
	}
	if !validStatusMove(step.Status, to) {
		t.rec.IncRejectedWrite(string(fault.CodeInvalidStatus))
		return nil, fmt.Errorf("sub-operation %d: %s -> %s: %w", detailID, step.Status, to, ErrInvalidStatusTransition)
	}

	op, err := t.Get(ctx, step.OperationID)
	if err != nil {
		return nil, err
	}

	// Validate the device-state consequence up front so an illegal outcome
	// rejects the whole advance instead of stranding a terminal step.
	if to.TerminalStatus() {
		current, err := t.machine.State(ctx, op.DeviceID)
		if err != nil {
			return nil, err
		}
		if _, err := lifecycle.Apply(current, step.Type, to); err != nil {
			t.rec.IncRejectedWrite(string(fault.CodeInvalidTransition))
			return nil, err
		}
	}

	var done any
	if to.TerminalStatus() {
		done = store.Millis(at)
	}
	res, err := t.st.DB().ExecContext(ctx,
		"UPDATE operation_details SET status = ?, snapshot_time = ?, done_time = ? WHERE operation_detail_id = ? AND status = ? AND snapshot_time <= ?",
		string(to), store.Millis(at), done, detailID, string(step.Status), store.Millis(at),
	)
	if err != nil {
		return nil, fault.Internal("optracker", "advance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with a concurrent writer since the read above.
		t.rec.IncRejectedWrite(string(fault.CodeStaleWrite))
		return nil, fmt.Errorf("sub-operation %d changed concurrently: %w", detailID, ErrStaleSnapshot)
	}

	step.Status = to
	step.SnapshotTime = at.UTC()
	if to.TerminalStatus() {
		dt := at.UTC()
		step.DoneTime = &dt
	}

	t.rec.IncStepTransition(string(step.Type), string(to))
	t.publish(ctx, events.OperationEvent{
		Kind:        events.KindStepAdvanced,
		OperationID: step.OperationID,
		DeviceID:    op.DeviceID,
		EntryID:     op.EntryID,
		StepType:    string(step.Type),
		Status:      string(to),
		TrackingID:  step.TrackingID,
		At:          at.UTC(),
	})

	if to.TerminalStatus() {
		state, err := t.machine.ApplyOutcome(ctx, op.DeviceID, step.Type, to)
		if err != nil {
			return nil, err
		}
		t.publish(ctx, events.OperationEvent{
			Kind:        events.KindDeviceStateChanged,
			OperationID: step.OperationID,
			DeviceID:    op.DeviceID,
			StepType:    string(step.Type),
			DeviceState: string(state),
			At:          at.UTC(),
		})
	}

	lctx := observability.WithStepType(observability.WithOperationID(ctx, step.OperationID), string(step.Type))
	observability.InfoContext(lctx, "sub-operation advanced",
		logfields.DetailID(detailID), logfields.Status(string(to)))
	return step, nil
}

// AttachTrackingRef stores an external ticket reference on a sub-operation.
// Terminal sub-operations are immutable, including their tracking reference.
func (t *Tracker) AttachTrackingRef(ctx context.Context, detailID int64, trackingID string) error {
	step, err := t.Step(ctx, detailID)
	if err != nil {
		return err
	}
	if step.Status.TerminalStatus() {
		t.rec.IncRejectedWrite(string(fault.CodeInvalidStatus))
		return fmt.Errorf("sub-operation %d is %s: %w", detailID, step.Status, ErrInvalidStatusTransition)
	}
	if _, err := t.st.DB().ExecContext(ctx,
		"UPDATE operation_details SET tracking_id = ? WHERE operation_detail_id = ?",
		trackingID, detailID,
	); err != nil {
		return fault.Internal("optracker", "attach-tracking", err)
	}
	observability.InfoContext(observability.WithOperationID(ctx, step.OperationID), "tracking reference attached",
		logfields.DetailID(detailID), logfields.TrackingID(trackingID))
	return nil
}

// Step retrieves one sub-operation by id.
func (t *Tracker) Step(ctx context.Context, detailID int64) (*Step, error) {
	row := t.st.DB().QueryRowContext(ctx, stepSelect+" WHERE d.operation_detail_id = ?", detailID)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sub-operation %d: %w", detailID, ErrStepNotFound)
	}
	if err != nil {
		return nil, fault.Internal("optracker", "step", err)
	}
	return step, nil
}

// Steps lists the sub-operations of an operation in recording order.
func (t *Tracker) Steps(ctx context.Context, operationID int64) ([]Step, error) {
	rows, err := t.st.DB().QueryContext(ctx,
		stepSelect+" WHERE d.operation_id = ? ORDER BY d.start_time, d.operation_detail_id", operationID)
	if err != nil {
		return nil, fault.Internal("optracker", "steps", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fault.Internal("optracker", "steps", err)
		}
		out = append(out, *step)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Internal("optracker", "steps", err)
	}
	return out, nil
}

func (t *Tracker) typeID(ctx context.Context, stepType lifecycle.OpType) (int64, error) {
	var id int64
	err := t.st.DB().QueryRowContext(ctx,
		"SELECT type_id FROM operation_types WHERE op_name = ?", string(stepType)).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fault.New(fault.CodeNotFound, "optracker", "append-step",
			fmt.Sprintf("unknown operation type %q", stepType))
	}
	if err != nil {
		return 0, fault.Internal("optracker", "append-step", err)
	}
	return id, nil
}

func validStatusMove(from, to lifecycle.StepStatus) bool {
	switch from {
	case lifecycle.StatusPending:
		return to == lifecycle.StatusInProgress
	case lifecycle.StatusInProgress:
		return to == lifecycle.StatusComplete || to == lifecycle.StatusFailed
	default:
		return false
	}
}

const stepSelect = `SELECT d.operation_detail_id, d.operation_id, t.op_name, d.status, d.tracking_id, d.start_time, d.snapshot_time, d.done_time
FROM operation_details d JOIN operation_types t ON t.type_id = d.type_id`

func scanStep(row rowScanner) (*Step, error) {
	var step Step
	var opName, status string
	var tracking sql.NullString
	var start, snapshot int64
	var done sql.NullInt64
	if err := row.Scan(&step.DetailID, &step.OperationID, &opName, &status, &tracking, &start, &snapshot, &done); err != nil {
		return nil, err
	}
	step.Type = lifecycle.OpType(opName)
	step.Status = lifecycle.StepStatus(status)
	step.TrackingID = tracking.String
	step.StartTime = store.FromMillis(start)
	step.SnapshotTime = store.FromMillis(snapshot)
	step.DoneTime = store.TimePtr(done)
	return &step, nil
}
