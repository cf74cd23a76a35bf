package optracker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/diskwarden/internal/fault"
	"git.home.luguber.info/inful/diskwarden/internal/lifecycle"
	"git.home.luguber.info/inful/diskwarden/internal/registry"
	"git.home.luguber.info/inful/diskwarden/internal/store"
	"git.home.luguber.info/inful/diskwarden/internal/topology"
)

type fixture struct {
	tracker  *Tracker
	machine  *lifecycle.Machine
	registry *registry.Registry
	deviceID int64
	nextPID  int
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	cat := topology.New(st)
	detail, err := cat.EnsureHost(ctx, topology.HostInfo{
		Region:   "us-east",
		Backend:  topology.BackendCeph,
		Hostname: "storage-01",
	})
	require.NoError(t, err)
	dev, err := cat.AddDevice(ctx, detail.DetailID, "sdb", "/dev/sdb", nil)
	require.NoError(t, err)

	machine := lifecycle.NewMachine(st)
	return &fixture{
		tracker:  New(st, machine, nil, nil),
		machine:  machine,
		registry: registry.New(st),
		deviceID: dev.DeviceID,
		nextPID:  1000,
	}
}

func (f *fixture) newEntry(t *testing.T) int64 {
	t.Helper()
	f.nextPID++
	inst, err := f.registry.Register(context.Background(), "10.0.0.1", f.nextPID)
	require.NoError(t, err)
	return inst.EntryID
}

// runStep appends a step and drives it to the given terminal outcome.
func (f *fixture) runStep(t *testing.T, operationID int64, typ lifecycle.OpType, outcome lifecycle.StepStatus) *Step {
	t.Helper()
	ctx := context.Background()
	step, err := f.tracker.AppendStep(ctx, operationID, typ)
	require.NoError(t, err)
	_, err = f.tracker.Advance(ctx, step.DetailID, lifecycle.StatusInProgress, time.Now())
	require.NoError(t, err)
	step, err = f.tracker.Advance(ctx, step.DetailID, outcome, time.Now())
	require.NoError(t, err)
	return step
}

// runOperation opens an operation under a fresh registry entry, runs one step
// to the given outcome and closes the operation.
func (f *fixture) runOperation(t *testing.T, typ lifecycle.OpType, outcome lifecycle.StepStatus) {
	t.Helper()
	ctx := context.Background()
	op, err := f.tracker.Open(ctx, f.deviceID, f.newEntry(t), "", "")
	require.NoError(t, err)
	f.runStep(t, op.OperationID, typ, outcome)
	result := OutcomeSucceeded
	if outcome == lifecycle.StatusFailed {
		result = OutcomeFailed
	}
	require.NoError(t, f.tracker.Close(ctx, op.OperationID, result, time.Now()))
}

func TestOpenRejectsSecondOpenOperation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	op, err := f.tracker.Open(ctx, f.deviceID, f.newEntry(t), "noisy smart counters", "ops-oncall")
	require.NoError(t, err)
	require.True(t, op.Open())
	require.Equal(t, "noisy smart counters", op.Reason)

	_, err = f.tracker.Open(ctx, f.deviceID, f.newEntry(t), "", "")
	require.ErrorIs(t, err, ErrOperationAlreadyOpen)
	require.True(t, fault.IsCode(err, fault.CodeOperationOpen))
}

func TestOpenSupersedesClosedOperationForSameRun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	entry := f.newEntry(t)

	op, err := f.tracker.Open(ctx, f.deviceID, entry, "bring-up", "")
	require.NoError(t, err)
	f.runStep(t, op.OperationID, lifecycle.OpDiskAdd, lifecycle.StatusComplete)
	require.NoError(t, f.tracker.Close(ctx, op.OperationID, OutcomeSucceeded, time.Now()))

	// Re-entry on the same device in the same run reuses the record instead
	// of duplicating it.
	reopened, err := f.tracker.Open(ctx, f.deviceID, entry, "routine check", "")
	require.NoError(t, err)
	require.Equal(t, op.OperationID, reopened.OperationID)
	require.True(t, reopened.Open())
	require.Equal(t, "routine check", reopened.Reason)

	// The superseded incarnation's steps are gone, so a step type that
	// already ran may run again.
	steps, err := f.tracker.Steps(ctx, reopened.OperationID)
	require.NoError(t, err)
	require.Empty(t, steps)
	_, err = f.tracker.AppendStep(ctx, reopened.OperationID, lifecycle.OpDiskAdd)
	require.NoError(t, err)

	// Superseding never bypasses the open-operation mutex.
	_, err = f.tracker.Open(ctx, f.deviceID, entry, "", "")
	require.ErrorIs(t, err, ErrOperationAlreadyOpen)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	op, err := f.tracker.Open(ctx, f.deviceID, f.newEntry(t), "", "")
	require.NoError(t, err)

	at := time.Now()
	require.NoError(t, f.tracker.Close(ctx, op.OperationID, OutcomeSucceeded, at))
	require.NoError(t, f.tracker.Close(ctx, op.OperationID, OutcomeSucceeded, at))

	got, err := f.tracker.Get(ctx, op.OperationID)
	require.NoError(t, err)
	require.False(t, got.Open())

	require.ErrorIs(t, f.tracker.Close(ctx, op.OperationID+99, OutcomeSucceeded, at), ErrOperationNotFound)
}

func TestCloseNeverRewindsSnapshot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	op, err := f.tracker.Open(ctx, f.deviceID, f.newEntry(t), "", "")
	require.NoError(t, err)

	later := op.SnapshotTime.Add(10 * time.Second)
	require.NoError(t, f.tracker.Heartbeat(ctx, op.OperationID, later))

	// An out-of-order close still closes, but the snapshot stays put.
	require.NoError(t, f.tracker.Close(ctx, op.OperationID, OutcomeSucceeded, later.Add(-5*time.Second)))

	got, err := f.tracker.Get(ctx, op.OperationID)
	require.NoError(t, err)
	require.False(t, got.Open())
	require.Equal(t, later.UnixMilli(), got.SnapshotTime.UnixMilli())
}

func TestAdoptReattributesOpenOperation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	dead := f.newEntry(t)

	op, err := f.tracker.Open(ctx, f.deviceID, dead, "", "")
	require.NoError(t, err)

	successor := f.newEntry(t)
	require.NoError(t, f.tracker.Adopt(ctx, op.OperationID, successor, time.Now()))

	got, err := f.tracker.Get(ctx, op.OperationID)
	require.NoError(t, err)
	require.Equal(t, successor, got.EntryID)
	require.True(t, got.Open())

	// The adopting run's scan now covers the operation, the dead run's no
	// longer does.
	open, err := f.tracker.OpenOperations(ctx, successor)
	require.NoError(t, err)
	require.Len(t, open, 1)
	open, err = f.tracker.OpenOperations(ctx, dead)
	require.NoError(t, err)
	require.Empty(t, open)

	// Closed operations cannot be adopted.
	require.NoError(t, f.tracker.Close(ctx, op.OperationID, OutcomeSucceeded, time.Now()))
	require.ErrorIs(t, f.tracker.Adopt(ctx, op.OperationID, successor, time.Now()), ErrStaleSnapshot)
}

func TestHeartbeatIsMonotonic(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	op, err := f.tracker.Open(ctx, f.deviceID, f.newEntry(t), "", "")
	require.NoError(t, err)

	later := op.SnapshotTime.Add(2 * time.Second)
	require.NoError(t, f.tracker.Heartbeat(ctx, op.OperationID, later))

	err = f.tracker.Heartbeat(ctx, op.OperationID, later.Add(-time.Second))
	require.ErrorIs(t, err, ErrStaleSnapshot)
	require.True(t, fault.IsCode(err, fault.CodeStaleWrite))

	got, err := f.tracker.Get(ctx, op.OperationID)
	require.NoError(t, err)
	require.Equal(t, later.UnixMilli(), got.SnapshotTime.UnixMilli())

	require.ErrorIs(t, f.tracker.Heartbeat(ctx, op.OperationID+99, later), ErrOperationNotFound)

	// Heartbeats against a closed operation are stale by definition.
	require.NoError(t, f.tracker.Close(ctx, op.OperationID, OutcomeSucceeded, later))
	require.ErrorIs(t, f.tracker.Heartbeat(ctx, op.OperationID, later.Add(time.Second)), ErrStaleSnapshot)
}

func TestAppendStepRejectsDuplicateTypeAndClosedOperation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	op, err := f.tracker.Open(ctx, f.deviceID, f.newEntry(t), "", "")
	require.NoError(t, err)

	_, err = f.tracker.AppendStep(ctx, op.OperationID, lifecycle.OpDiskAdd)
	require.NoError(t, err)
	_, err = f.tracker.AppendStep(ctx, op.OperationID, lifecycle.OpDiskAdd)
	require.ErrorIs(t, err, ErrDuplicateStepType)

	// A second step of a different type is fine.
	_, err = f.tracker.AppendStep(ctx, op.OperationID, lifecycle.OpEvaluation)
	require.NoError(t, err)

	require.NoError(t, f.tracker.Close(ctx, op.OperationID, OutcomeFailed, time.Now()))
	_, err = f.tracker.AppendStep(ctx, op.OperationID, lifecycle.OpDiskRemove)
	require.ErrorIs(t, err, ErrOperationClosed)
}

func TestAdvanceEnforcesContiguousProgression(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	op, err := f.tracker.Open(ctx, f.deviceID, f.newEntry(t), "", "")
	require.NoError(t, err)
	step, err := f.tracker.AppendStep(ctx, op.OperationID, lifecycle.OpDiskAdd)
	require.NoError(t, err)

	// pending may not jump straight to a terminal status.
	_, err = f.tracker.Advance(ctx, step.DetailID, lifecycle.StatusComplete, time.Now())
	require.ErrorIs(t, err, ErrInvalidStatusTransition)
	_, err = f.tracker.Advance(ctx, step.DetailID, lifecycle.StatusFailed, time.Now())
	require.ErrorIs(t, err, ErrInvalidStatusTransition)

	_, err = f.tracker.Advance(ctx, step.DetailID, lifecycle.StatusInProgress, time.Now())
	require.NoError(t, err)

	// Terminal statuses are immutable.
	got, err := f.tracker.Advance(ctx, step.DetailID, lifecycle.StatusComplete, time.Now())
	require.NoError(t, err)
	require.NotNil(t, got.DoneTime)
	_, err = f.tracker.Advance(ctx, step.DetailID, lifecycle.StatusInProgress, time.Now())
	require.ErrorIs(t, err, ErrInvalidStatusTransition)
	_, err = f.tracker.Advance(ctx, step.DetailID, lifecycle.StatusFailed, time.Now())
	require.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestAdvanceRejectsStaleTimestamp(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	op, err := f.tracker.Open(ctx, f.deviceID, f.newEntry(t), "", "")
	require.NoError(t, err)
	step, err := f.tracker.AppendStep(ctx, op.OperationID, lifecycle.OpDiskAdd)
	require.NoError(t, err)

	_, err = f.tracker.Advance(ctx, step.DetailID, lifecycle.StatusInProgress, step.SnapshotTime.Add(-time.Second))
	require.ErrorIs(t, err, ErrStaleSnapshot)

	// The rejected write left the step untouched.
	got, err := f.tracker.Step(ctx, step.DetailID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StatusPending, got.Status)
}

func TestTerminalOutcomeDrivesDeviceState(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// A completed add moves the device from unknown to healthy.
	f.runOperation(t, lifecycle.OpDiskAdd, lifecycle.StatusComplete)
	state, err := f.machine.State(ctx, f.deviceID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateHealthy, state)

	// A failed evaluation degrades it and records the health flag.
	f.runOperation(t, lifecycle.OpEvaluation, lifecycle.StatusFailed)
	state, err = f.machine.State(ctx, f.deviceID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateDegraded, state)
	passed, known, err := f.machine.SmartResult(ctx, f.deviceID)
	require.NoError(t, err)
	require.True(t, known)
	require.False(t, passed)
}

func TestAdvanceRejectsIllegalDeviceTransition(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// Replacing a device that is still unknown is not a legal move, so the
	// terminal advance must fail and leave the step in progress.
	op, err := f.tracker.Open(ctx, f.deviceID, f.newEntry(t), "", "")
	require.NoError(t, err)
	step, err := f.tracker.AppendStep(ctx, op.OperationID, lifecycle.OpDiskReplace)
	require.NoError(t, err)
	_, err = f.tracker.Advance(ctx, step.DetailID, lifecycle.StatusInProgress, time.Now())
	require.NoError(t, err)

	_, err = f.tracker.Advance(ctx, step.DetailID, lifecycle.StatusComplete, time.Now())
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	got, err := f.tracker.Step(ctx, step.DetailID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StatusInProgress, got.Status)
	state, err := f.machine.State(ctx, f.deviceID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateUnknown, state)
}

func TestAttachTrackingRefOnlyBeforeTerminal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	op, err := f.tracker.Open(ctx, f.deviceID, f.newEntry(t), "", "")
	require.NoError(t, err)
	step, err := f.tracker.AppendStep(ctx, op.OperationID, lifecycle.OpWaitForReplacement)
	require.NoError(t, err)

	require.NoError(t, f.tracker.AttachTrackingRef(ctx, step.DetailID, "TICKET-1001"))
	got, err := f.tracker.Step(ctx, step.DetailID)
	require.NoError(t, err)
	require.Equal(t, "TICKET-1001", got.TrackingID)

	_, err = f.tracker.Advance(ctx, step.DetailID, lifecycle.StatusInProgress, time.Now())
	require.NoError(t, err)
	_, err = f.tracker.Advance(ctx, step.DetailID, lifecycle.StatusComplete, time.Now())
	require.NoError(t, err)

	err = f.tracker.AttachTrackingRef(ctx, step.DetailID, "TICKET-1002")
	require.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestOpenOperationsForRecovery(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	entry := f.newEntry(t)

	op, err := f.tracker.Open(ctx, f.deviceID, entry, "replace worn disk", "")
	require.NoError(t, err)
	step, err := f.tracker.AppendStep(ctx, op.OperationID, lifecycle.OpEvaluation)
	require.NoError(t, err)
	_, err = f.tracker.Advance(ctx, step.DetailID, lifecycle.StatusInProgress, time.Now())
	require.NoError(t, err)

	// The crash-recovery view shows the open work of the prior run.
	open, err := f.tracker.OpenOperations(ctx, entry)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, op.OperationID, open[0].Operation.OperationID)
	require.Len(t, open[0].Steps, 1)
	last := open[0].LastStep()
	require.NotNil(t, last)
	require.Equal(t, lifecycle.OpEvaluation, last.Type)
	require.Equal(t, lifecycle.StatusInProgress, last.Status)

	// Other entries see nothing, and closed operations drop out.
	other, err := f.tracker.OpenOperations(ctx, entry+99)
	require.NoError(t, err)
	require.Empty(t, other)

	require.NoError(t, f.tracker.Close(ctx, op.OperationID, OutcomeFailed, time.Now()))
	open, err = f.tracker.OpenOperations(ctx, entry)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestStalledOperations(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	op, err := f.tracker.Open(ctx, f.deviceID, f.newEntry(t), "", "")
	require.NoError(t, err)

	stalled, err := f.tracker.StalledOperations(ctx, time.Hour)
	require.NoError(t, err)
	require.Empty(t, stalled)

	time.Sleep(5 * time.Millisecond)
	stalled, err = f.tracker.StalledOperations(ctx, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	require.Equal(t, op.OperationID, stalled[0].OperationID)

	n, err := f.tracker.CountOpen(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestReplacementFlowEndToEnd(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.runOperation(t, lifecycle.OpDiskAdd, lifecycle.StatusComplete)
	f.runOperation(t, lifecycle.OpEvaluation, lifecycle.StatusFailed)

	// One operation carries the wait step and the replace that follows it.
	op, err := f.tracker.Open(ctx, f.deviceID, f.newEntry(t), "smart failure", "ops-oncall")
	require.NoError(t, err)

	wait, err := f.tracker.AppendStep(ctx, op.OperationID, lifecycle.OpWaitForReplacement)
	require.NoError(t, err)
	require.NoError(t, f.tracker.AttachTrackingRef(ctx, wait.DetailID, "TICKET-2044"))
	_, err = f.tracker.Advance(ctx, wait.DetailID, lifecycle.StatusInProgress, time.Now())
	require.NoError(t, err)

	awaiting, err := f.tracker.IsAwaitingReplacement(ctx, f.deviceID)
	require.NoError(t, err)
	require.True(t, awaiting)

	// The ticketing system reports the part arrived; the device moves into
	// replacing while the swap is recorded.
	resolved, err := f.tracker.ResolveTracking(ctx, "TICKET-2044", time.Now())
	require.NoError(t, err)
	require.Equal(t, lifecycle.StatusComplete, resolved.Status)
	state, err := f.machine.State(ctx, f.deviceID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateReplacing, state)

	f.runStep(t, op.OperationID, lifecycle.OpDiskReplace, lifecycle.StatusComplete)
	require.NoError(t, f.tracker.Close(ctx, op.OperationID, OutcomeSucceeded, time.Now()))

	// One operation carried the device from degraded back to healthy.
	state, err = f.machine.State(ctx, f.deviceID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateHealthy, state)
}

func TestTicketQueries(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	op, err := f.tracker.Open(ctx, f.deviceID, f.newEntry(t), "", "")
	require.NoError(t, err)
	wait, err := f.tracker.AppendStep(ctx, op.OperationID, lifecycle.OpWaitForReplacement)
	require.NoError(t, err)

	// No tracking reference yet, so nothing qualifies as a ticket.
	all, err := f.tracker.AllPendingTickets(ctx)
	require.NoError(t, err)
	require.Empty(t, all)

	require.NoError(t, f.tracker.AttachTrackingRef(ctx, wait.DetailID, "TICKET-7"))

	all, err = f.tracker.AllPendingTickets(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "TICKET-7", all[0].TrackingID)
	require.Equal(t, "sdb", all[0].DeviceName)
	require.Equal(t, "/dev/sdb", all[0].DevicePath)

	dev, err := topology.New(storeOf(f)).Device(ctx, f.deviceID)
	require.NoError(t, err)
	scoped, err := f.tracker.OutstandingTickets(ctx, dev.DetailID)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	other, err := f.tracker.OutstandingTickets(ctx, dev.DetailID+99)
	require.NoError(t, err)
	require.Empty(t, other)

	_, err = f.tracker.ResolveTracking(ctx, "TICKET-7", time.Now())
	require.NoError(t, err)
	_, err = f.tracker.ResolveTracking(ctx, "TICKET-7", time.Now())
	require.ErrorIs(t, err, ErrTicketNotFound)

	all, err = f.tracker.AllPendingTickets(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func storeOf(f *fixture) *store.Store { return f.tracker.st }
