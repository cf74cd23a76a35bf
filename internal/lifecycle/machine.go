package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"git.home.luguber.info/inful/diskwarden/internal/fault"
	"git.home.luguber.info/inful/diskwarden/internal/logfields"
	"git.home.luguber.info/inful/diskwarden/internal/store"
)

var (
	// ErrInvalidTransition indicates a requested device-state move not
	// adjacent in the state graph.
	ErrInvalidTransition = fault.New(fault.CodeInvalidTransition, "lifecycle", "apply",
		"requested device state move is not adjacent in the state graph")

	// ErrDeviceNotFound indicates the device row does not exist.
	ErrDeviceNotFound = fault.New(fault.CodeNotFound, "lifecycle", "state",
		"device not found")
)

// Apply computes the device state that follows a terminal sub-operation
// outcome. Pure; persistence lives on Machine. Returns ErrInvalidTransition
// for moves the graph does not allow.
func Apply(current DeviceState, step OpType, outcome StepStatus) (DeviceState, error) {
	if !outcome.TerminalStatus() {
		return current, fmt.Errorf("outcome %s is not terminal: %w", outcome, ErrInvalidTransition)
	}
	if current.Terminal() {
		return current, fmt.Errorf("state %s is absorbing: %w", current, ErrInvalidTransition)
	}

	if outcome == StatusComplete {
		return applyCompleted(current, step)
	}
	return applyFailed(current, step)
}

func applyCompleted(current DeviceState, step OpType) (DeviceState, error) {
	switch step {
	case OpDiskAdd:
		if current == StateUnknown || current == StateMissing {
			return StateHealthy, nil
		}
	case OpDiskReplace:
		// The swap runs degraded through replacing to healthy; a single
		// completed replace covers the whole arc.
		switch current {
		case StateDegraded, StateReplacing:
			return StateHealthy, nil
		}
	case OpWaitForReplacement:
		// Replacement hardware has arrived for a degraded device; from any
		// other state the wait has no lifecycle effect.
		if current == StateDegraded {
			return StateReplacing, nil
		}
		return current, nil
	case OpDiskRemove:
		// Removal is legal from every non-absorbing state.
		return StateRemoved, nil
	case OpEvaluation, OpClusterAdd, OpClusterDelete:
		// No lifecycle effect; evaluation outcomes update the health flag
		// separately and cluster membership is not per-device state.
		return current, nil
	}
	return current, fmt.Errorf("completed %s from %s: %w", step, current, ErrInvalidTransition)
}

func applyFailed(current DeviceState, step OpType) (DeviceState, error) {
	switch step {
	case OpEvaluation:
		switch current {
		case StateHealthy:
			return StateDegraded, nil
		case StateDegraded:
			// Re-evaluation of an already degraded device changes nothing.
			return StateDegraded, nil
		}
		return current, fmt.Errorf("failed evaluation from %s: %w", current, ErrInvalidTransition)
	case OpDiskAdd:
		if current == StateUnknown || current == StateMissing {
			return StateFailed, nil
		}
		return current, fmt.Errorf("failed diskadd from %s: %w", current, ErrInvalidTransition)
	case OpDiskReplace:
		if current == StateDegraded || current == StateReplacing {
			return StateFailed, nil
		}
		return current, fmt.Errorf("failed diskreplace from %s: %w", current, ErrInvalidTransition)
	default:
		// Failures of remove, wait and cluster steps leave the device where
		// the last recorded transition put it.
		return current, nil
	}
}

// Machine persists device state. It is the sole mutator of devices.state and
// devices.smart_passed; every change is driven by a terminal sub-operation
// outcome delivered by the sub-operation log.
type Machine struct {
	st *store.Store
}

// NewMachine creates the device state machine over the shared store.
func NewMachine(st *store.Store) *Machine { return &Machine{st: st} }

// State reads the current lifecycle state of a device.
func (m *Machine) State(ctx context.Context, deviceID int64) (DeviceState, error) {
	var s string
	err := m.st.DB().QueryRowContext(ctx,
		"SELECT state FROM devices WHERE device_id = ?", deviceID,
	).Scan(&s)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("device %d: %w", deviceID, ErrDeviceNotFound)
	}
	if err != nil {
		return "", fault.Internal("lifecycle", "state", err)
	}
	return DeviceState(s), nil
}

// ApplyOutcome transitions a device in response to a terminal sub-operation
// outcome and persists the result. Evaluation outcomes additionally record
// the health-check flag: complete means the check passed, failed means it
// did not. Returns the new state.
func (m *Machine) ApplyOutcome(ctx context.Context, deviceID int64, step OpType, outcome StepStatus) (DeviceState, error) {
	current, err := m.State(ctx, deviceID)
	if err != nil {
		return "", err
	}

	next, err := Apply(current, step, outcome)
	if err != nil {
		return current, err
	}

	if step == OpEvaluation {
		if err := m.SaveSmartResult(ctx, deviceID, outcome == StatusComplete); err != nil {
			return current, err
		}
	}

	if next != current {
		if _, err := m.st.DB().ExecContext(ctx,
			"UPDATE devices SET state = ? WHERE device_id = ?", string(next), deviceID,
		); err != nil {
			return current, fault.Internal("lifecycle", "apply", err)
		}
		slog.Debug("device state transition",
			logfields.DeviceID(deviceID),
			logfields.StepType(string(step)),
			logfields.Status(string(outcome)),
			logfields.State(string(next)))
	}
	return next, nil
}

// SaveSmartResult records the latest health-check result. Independent of
// lifecycle state.
func (m *Machine) SaveSmartResult(ctx context.Context, deviceID int64, passed bool) error {
	res, err := m.st.DB().ExecContext(ctx,
		"UPDATE devices SET smart_passed = ? WHERE device_id = ?", passed, deviceID,
	)
	if err != nil {
		return fault.Internal("lifecycle", "smart", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %d: %w", deviceID, ErrDeviceNotFound)
	}
	return nil
}

// SmartResult reads the stored health-check result. The second return is
// false when no check has been recorded yet.
func (m *Machine) SmartResult(ctx context.Context, deviceID int64) (passed, known bool, err error) {
	var v sql.NullBool
	err = m.st.DB().QueryRowContext(ctx,
		"SELECT smart_passed FROM devices WHERE device_id = ?", deviceID,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return false, false, fmt.Errorf("device %d: %w", deviceID, ErrDeviceNotFound)
	}
	if err != nil {
		return false, false, fault.Internal("lifecycle", "smart", err)
	}
	return v.Bool, v.Valid, nil
}
