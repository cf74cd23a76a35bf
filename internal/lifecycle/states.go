package lifecycle

// DeviceState is the lifecycle state of a device. Persisted by name.
//
// The graph:
//
//	unknown -> healthy -> {degraded, missing} -> replacing -> {healthy, removed}
//
// removed and failed are absorbing.
type DeviceState string

const (
	StateUnknown   DeviceState = "unknown"
	StateHealthy   DeviceState = "healthy"
	StateDegraded  DeviceState = "degraded"
	StateMissing   DeviceState = "missing"
	StateReplacing DeviceState = "replacing"
	StateRemoved   DeviceState = "removed"
	StateFailed    DeviceState = "failed"
)

// Terminal reports whether the state absorbs all further transitions.
func (s DeviceState) Terminal() bool {
	return s == StateRemoved || s == StateFailed
}

// OpType is a maintenance step kind. The set is closed; values are persisted
// by name in operation_types.
type OpType string

const (
	OpDiskAdd            OpType = "diskadd"
	OpDiskReplace        OpType = "diskreplace"
	OpDiskRemove         OpType = "diskremove"
	OpClusterAdd         OpType = "clusteradd"
	OpClusterDelete      OpType = "clusterdelete"
	OpWaitForReplacement OpType = "waitforreplacement"
	OpEvaluation         OpType = "evaluation"
)

// OpTypes lists every operation type in seed order.
func OpTypes() []OpType {
	return []OpType{
		OpDiskAdd, OpDiskReplace, OpDiskRemove,
		OpClusterAdd, OpClusterDelete, OpWaitForReplacement, OpEvaluation,
	}
}

// StepStatus is the status of one sub-operation. Progression is monotonic:
// pending -> in_progress -> {complete, failed}.
type StepStatus string

const (
	StatusPending    StepStatus = "pending"
	StatusInProgress StepStatus = "in_progress"
	StatusComplete   StepStatus = "complete"
	StatusFailed     StepStatus = "failed"
)

// TerminalStatus reports whether a step status permits no further advance.
func (s StepStatus) TerminalStatus() bool {
	return s == StatusComplete || s == StatusFailed
}
