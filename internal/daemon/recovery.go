package daemon

import (
	"context"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/diskwarden/internal/config"
	"git.home.luguber.info/inful/diskwarden/internal/fault"
	"git.home.luguber.info/inful/diskwarden/internal/lifecycle"
	"git.home.luguber.info/inful/diskwarden/internal/logfields"
	"git.home.luguber.info/inful/diskwarden/internal/optracker"
)

// recoverAbandonedOperations handles operations left open by daemon runs
// that are no longer live. Under the resume policy the new run adopts them
// and leaves the recorded steps standing; under the fail policy
// the in-flight step is driven to failed and the operation closed.
func (d *Daemon) recoverAbandonedOperations(ctx context.Context) error {
	entries, err := d.registry.ListActive(ctx)
	if err != nil {
		return err
	}

	threshold := d.config.Daemon.LivenessThreshold.Duration
	for _, inst := range entries {
		if inst.EntryID == d.entryID {
			continue
		}
		live, err := d.registry.IsLive(ctx, inst.EntryID, threshold)
		if err != nil {
			return err
		}
		if live {
			continue
		}

		open, err := d.tracker.OpenOperations(ctx, inst.EntryID)
		if err != nil {
			return err
		}
		for _, op := range open {
			if err := d.recoverOperation(ctx, op); err != nil {
				return err
			}
		}
		if err := d.registry.MarkTerminated(ctx, inst.EntryID); err != nil {
			return err
		}
		slog.Info("abandoned instance terminated",
			logfields.EntryID(inst.EntryID), logfields.PID(inst.PID))
	}
	return nil
}

func (d *Daemon) recoverOperation(ctx context.Context, op optracker.OperationWithSteps) error {
	last := op.LastStep()
	policy := d.config.Daemon.RecoveryPolicy

	slog.Info("recovering abandoned operation",
		logfields.OperationID(op.Operation.OperationID),
		logfields.DeviceID(op.Operation.DeviceID),
		slog.String("policy", string(policy)))

	if policy == config.RecoveryResume {
		// Take ownership of the operation; the recorded steps stand, and the
		// adopting run's heartbeat keeps the snapshot fresh from here on.
		return d.tracker.Adopt(ctx, op.Operation.OperationID, d.entryID, time.Now())
	}

	if last != nil && !last.Status.TerminalStatus() {
		if last.Status == lifecycle.StatusPending {
			if _, err := d.tracker.Advance(ctx, last.DetailID, lifecycle.StatusInProgress, time.Now()); err != nil {
				return err
			}
		}
		if _, err := d.tracker.Advance(ctx, last.DetailID, lifecycle.StatusFailed, time.Now()); err != nil {
			// A failed outcome the state graph cannot absorb leaves the step
			// in progress; the operation still closes as failed below.
			if !fault.IsCode(err, fault.CodeInvalidTransition) {
				return err
			}
			slog.Warn("abandoned step left in progress",
				logfields.DetailID(last.DetailID), logfields.Error(err))
		}
	}
	return d.tracker.Close(ctx, op.Operation.OperationID, optracker.OutcomeFailed, time.Now())
}
