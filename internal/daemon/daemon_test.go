package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/diskwarden/internal/config"
	"git.home.luguber.info/inful/diskwarden/internal/events"
	"git.home.luguber.info/inful/diskwarden/internal/lifecycle"
	"git.home.luguber.info/inful/diskwarden/internal/metrics"
	"git.home.luguber.info/inful/diskwarden/internal/optracker"
	"git.home.luguber.info/inful/diskwarden/internal/registry"
	"git.home.luguber.info/inful/diskwarden/internal/store"
	"git.home.luguber.info/inful/diskwarden/internal/topology"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "state.db")},
		Host: config.HostConfig{
			Region:   "us-east",
			Backend:  "ceph",
			Hostname: "storage-01",
		},
	}
	cfg.Daemon.HeartbeatInterval.Duration = 10 * time.Second
	cfg.Daemon.LivenessThreshold.Duration = time.Minute
	cfg.Daemon.StallThreshold.Duration = 30 * time.Minute
	cfg.Daemon.RecoveryPolicy = config.RecoveryResume
	return cfg
}

// newTestDaemon wires a daemon against a fresh database without starting the
// run loop or any background jobs.
func newTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	ctx := context.Background()

	d, err := New(cfg, "")
	require.NoError(t, err)

	st, err := store.Open(cfg.Database.Path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	d.st = st
	d.registry = registry.New(st)
	d.catalog = topology.New(st)
	d.machine = lifecycle.NewMachine(st)
	d.publisher = events.NoopPublisher{}
	d.recorder = metrics.NoopRecorder{}
	d.tracker = optracker.New(st, d.machine, d.publisher, d.recorder)

	detail, err := d.catalog.EnsureHost(ctx, cfg.HostInfo())
	require.NoError(t, err)
	d.detail = detail

	inst, err := d.registry.Register(ctx, "10.0.0.1", 4242)
	require.NoError(t, err)
	d.entryID = inst.EntryID
	return d
}

func TestRequestQueueBounds(t *testing.T) {
	q := NewRequestQueue(2)
	require.NoError(t, q.Enqueue(Request{Kind: KindAddDisk}))
	require.NoError(t, q.Enqueue(Request{Kind: KindAddDisk}))
	require.ErrorIs(t, q.Enqueue(Request{Kind: KindAddDisk}), ErrQueueFull)
	require.Equal(t, 2, q.Len())
}

func TestExecuteAddDisk(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	ctx := context.Background()

	err := d.execute(ctx, Request{
		Kind:       KindAddDisk,
		DeviceName: "sdb",
		DevicePath: "/dev/sdb",
	})
	require.NoError(t, err)

	dev, err := d.catalog.DeviceByPath(ctx, d.detail.DetailID, "/dev/sdb")
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateHealthy, dev.State)

	// The single-step operation was closed again.
	_, err = d.tracker.OpenForDevice(ctx, dev.DeviceID)
	require.ErrorIs(t, err, optracker.ErrOperationNotFound)
}

func TestExecuteEvaluateFailureOpensTicket(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	ctx := context.Background()

	require.NoError(t, d.execute(ctx, Request{Kind: KindAddDisk, DeviceName: "sdb", DevicePath: "/dev/sdb"}))
	require.NoError(t, d.execute(ctx, Request{
		Kind:       KindEvaluate,
		DeviceName: "sdb",
		DevicePath: "/dev/sdb",
		Outcome:    lifecycle.StatusFailed,
		TrackingID: "TICKET-1",
		Reason:     "smart failure",
	}))

	dev, err := d.catalog.DeviceByPath(ctx, d.detail.DetailID, "/dev/sdb")
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateDegraded, dev.State)

	// The operation is still open, waiting on the ticket.
	op, err := d.tracker.OpenForDevice(ctx, dev.DeviceID)
	require.NoError(t, err)
	require.Equal(t, d.entryID, op.EntryID)
	awaiting, err := d.tracker.IsAwaitingReplacement(ctx, dev.DeviceID)
	require.NoError(t, err)
	require.True(t, awaiting)

	tickets, err := d.tracker.OutstandingTickets(ctx, d.detail.DetailID)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	require.Equal(t, "TICKET-1", tickets[0].TrackingID)

	// Resolving the ticket records the swap, closes the operation and
	// returns the device to healthy.
	require.NoError(t, d.execute(ctx, Request{Kind: KindResolveTicket, TrackingID: "TICKET-1"}))
	_, err = d.tracker.OpenForDevice(ctx, dev.DeviceID)
	require.ErrorIs(t, err, optracker.ErrOperationNotFound)

	dev, err = d.catalog.Device(ctx, dev.DeviceID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateHealthy, dev.State)
}

func TestExecuteHealthyEvaluationClosesOperation(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	ctx := context.Background()

	require.NoError(t, d.execute(ctx, Request{Kind: KindAddDisk, DeviceName: "sdb", DevicePath: "/dev/sdb"}))
	require.NoError(t, d.execute(ctx, Request{Kind: KindEvaluate, DevicePath: "/dev/sdb"}))

	dev, err := d.catalog.DeviceByPath(ctx, d.detail.DetailID, "/dev/sdb")
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateHealthy, dev.State)
	passed, known, err := d.machine.SmartResult(ctx, dev.DeviceID)
	require.NoError(t, err)
	require.True(t, known)
	require.True(t, passed)
}

// One run services a device repeatedly: the closed record is superseded on
// each re-entry rather than blocking the request.
func TestExecuteRepeatedRequestsSameRun(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	ctx := context.Background()

	require.NoError(t, d.execute(ctx, Request{Kind: KindAddDisk, DeviceName: "sdb", DevicePath: "/dev/sdb"}))
	require.NoError(t, d.execute(ctx, Request{Kind: KindEvaluate, DevicePath: "/dev/sdb"}))
	require.NoError(t, d.execute(ctx, Request{Kind: KindEvaluate, DevicePath: "/dev/sdb"}))
	require.NoError(t, d.execute(ctx, Request{Kind: KindRemoveDisk, DevicePath: "/dev/sdb"}))

	dev, err := d.catalog.DeviceByPath(ctx, d.detail.DetailID, "/dev/sdb")
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateRemoved, dev.State)
	_, err = d.tracker.OpenForDevice(ctx, dev.DeviceID)
	require.ErrorIs(t, err, optracker.ErrOperationNotFound)
}

// markStale backdates a registry entry's snapshot so liveness checks see it
// as abandoned.
func markStale(t *testing.T, d *Daemon, entryID int64, age time.Duration) {
	t.Helper()
	_, err := d.st.DB().Exec(
		"UPDATE process_manager SET snapshot_time = ? WHERE entry_id = ?",
		store.Millis(time.Now().Add(-age)), entryID)
	require.NoError(t, err)
}

func TestRecoveryFailPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.RecoveryPolicy = config.RecoveryFail
	d := newTestDaemon(t, cfg)
	ctx := context.Background()

	// A previous run died mid-operation.
	prior, err := d.registry.Register(ctx, "10.0.0.1", 4100)
	require.NoError(t, err)
	dev, err := d.catalog.AddDevice(ctx, d.detail.DetailID, "sdc", "/dev/sdc", nil)
	require.NoError(t, err)
	op, err := d.tracker.Open(ctx, dev.DeviceID, prior.EntryID, "", "")
	require.NoError(t, err)
	step, err := d.tracker.AppendStep(ctx, op.OperationID, lifecycle.OpDiskAdd)
	require.NoError(t, err)
	_, err = d.tracker.Advance(ctx, step.DetailID, lifecycle.StatusInProgress, time.Now())
	require.NoError(t, err)
	markStale(t, d, prior.EntryID, time.Hour)

	require.NoError(t, d.recoverAbandonedOperations(ctx))

	got, err := d.tracker.Get(ctx, op.OperationID)
	require.NoError(t, err)
	require.False(t, got.Open())
	gotStep, err := d.tracker.Step(ctx, step.DetailID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StatusFailed, gotStep.Status)

	// The failed add leaves the device in the absorbing failed state.
	devNow, err := d.catalog.Device(ctx, dev.DeviceID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateFailed, devNow.State)

	inst, err := d.registry.Get(ctx, prior.EntryID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusTerminated, inst.Status)
}

func TestRecoveryResumePolicy(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	ctx := context.Background()

	prior, err := d.registry.Register(ctx, "10.0.0.1", 4100)
	require.NoError(t, err)
	dev, err := d.catalog.AddDevice(ctx, d.detail.DetailID, "sdc", "/dev/sdc", nil)
	require.NoError(t, err)
	op, err := d.tracker.Open(ctx, dev.DeviceID, prior.EntryID, "", "")
	require.NoError(t, err)
	markStale(t, d, prior.EntryID, time.Hour)

	require.NoError(t, d.recoverAbandonedOperations(ctx))

	// The operation stays open with a fresh snapshot, reattributed to this
	// run so the heartbeat job covers it.
	got, err := d.tracker.Get(ctx, op.OperationID)
	require.NoError(t, err)
	require.True(t, got.Open())
	require.Less(t, time.Since(got.SnapshotTime), time.Minute)
	require.Equal(t, d.entryID, got.EntryID)

	inst, err := d.registry.Get(ctx, prior.EntryID)
	require.NoError(t, err)
	require.Equal(t, registry.StatusTerminated, inst.Status)
}

func TestRecoverySkipsLiveInstances(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))
	ctx := context.Background()

	other, err := d.registry.Register(ctx, "10.0.0.2", 5000)
	require.NoError(t, err)

	require.NoError(t, d.recoverAbandonedOperations(ctx))

	inst, err := d.registry.Get(ctx, other.EntryID)
	require.NoError(t, err)
	require.NotEqual(t, registry.StatusTerminated, inst.Status)
}

func TestReloadConfigRejectsIdentityChanges(t *testing.T) {
	d := newTestDaemon(t, testConfig(t))

	next := testConfig(t) // different database path
	require.Error(t, d.ReloadConfig(next))

	next.Database.Path = d.config.Database.Path
	next.Host.Hostname = "other-host"
	require.Error(t, d.ReloadConfig(next))

	next.Host = d.config.Host
	next.Daemon.StallThreshold.Duration = time.Hour
	require.NoError(t, d.ReloadConfig(next))
	require.Equal(t, time.Hour, d.stallThreshold())
}
