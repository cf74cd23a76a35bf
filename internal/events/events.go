package events

import (
	"context"
	"time"
)

// OperationEvent describes one operation-tracker state change for consumers
// outside the daemon (dashboards, audit pipelines).
type OperationEvent struct {
	Kind        string    `json:"kind"`
	OperationID int64     `json:"operation_id"`
	DeviceID    int64     `json:"device_id"`
	EntryID     int64     `json:"entry_id,omitempty"`
	StepType    string    `json:"step_type,omitempty"`
	Status      string    `json:"status,omitempty"`
	DeviceState string    `json:"device_state,omitempty"`
	TrackingID  string    `json:"tracking_id,omitempty"`
	At          time.Time `json:"at"`
}

// Event kinds.
const (
	KindOperationOpened    = "operation.opened"
	KindOperationClosed    = "operation.closed"
	KindStepAdvanced       = "step.advanced"
	KindDeviceStateChanged = "device.state_changed"
)

// Publisher delivers operation lifecycle events. Publishing is best-effort
// from the tracker's point of view; persistence never depends on it.
type Publisher interface {
	Publish(ctx context.Context, event OperationEvent) error
	Close()
}

// NoopPublisher is the default when event publishing is disabled.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, OperationEvent) error { return nil }
func (NoopPublisher) Close()                                        {}
