package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/diskwarden/internal/fault"
	"git.home.luguber.info/inful/diskwarden/internal/lifecycle"
	"git.home.luguber.info/inful/diskwarden/internal/logfields"
	"git.home.luguber.info/inful/diskwarden/internal/observability"
	"git.home.luguber.info/inful/diskwarden/internal/optracker"
)

// RequestKind selects the maintenance flow a request runs.
type RequestKind string

const (
	// KindAddDisk registers a new device and records its bring-up.
	KindAddDisk RequestKind = "add"
	// KindEvaluate records a health check result. A failed evaluation
	// degrades the device and opens a replacement-wait with a repair ticket.
	KindEvaluate RequestKind = "evaluate"
	// KindRemoveDisk records decommissioning of a device.
	KindRemoveDisk RequestKind = "remove"
	// KindReplaceDisk records a completed physical swap.
	KindReplaceDisk RequestKind = "replace"
	// KindResolveTicket closes the replacement-wait matching a repair ticket
	// and records the swap that follows it.
	KindResolveTicket RequestKind = "resolve"
)

// Request is one unit of maintenance work handed to the daemon. Outcome is
// the result observed by the hardware layer that produced the request;
// recording it, not performing it, is the daemon's job.
type Request struct {
	Kind       RequestKind
	DeviceName string
	DevicePath string
	MountPath  *string
	Outcome    lifecycle.StepStatus // StatusComplete or StatusFailed
	TrackingID string
	Reason     string
	BehalfOf   string
}

// ErrQueueFull indicates the request queue cannot accept more work.
var ErrQueueFull = fault.New(fault.CodeInternal, "daemon", "enqueue", "request queue is full")

// RequestSource supplies maintenance requests to the daemon loop.
type RequestSource interface {
	Requests() <-chan Request
}

// RequestQueue is the bounded channel-backed RequestSource.
type RequestQueue struct {
	ch chan Request
}

// NewRequestQueue creates a queue holding up to size pending requests.
func NewRequestQueue(size int) *RequestQueue {
	return &RequestQueue{ch: make(chan Request, size)}
}

// Enqueue adds a request without blocking.
func (q *RequestQueue) Enqueue(req Request) error {
	select {
	case q.ch <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Requests exposes the consumption side of the queue.
func (q *RequestQueue) Requests() <-chan Request { return q.ch }

// Len reports the number of queued requests.
func (q *RequestQueue) Len() int { return len(q.ch) }

// execute runs one maintenance request end to end.
func (d *Daemon) execute(ctx context.Context, req Request) error {
	if req.Outcome == "" {
		req.Outcome = lifecycle.StatusComplete
	}
	ctx = observability.WithEntryID(ctx, d.entryID)
	if req.DeviceName != "" {
		ctx = observability.WithDevice(ctx, req.DeviceName)
	}

	switch req.Kind {
	case KindAddDisk:
		return d.executeAdd(ctx, req)
	case KindEvaluate:
		return d.executeEvaluate(ctx, req)
	case KindRemoveDisk:
		return d.executeStep(ctx, req, lifecycle.OpDiskRemove)
	case KindReplaceDisk:
		return d.executeStep(ctx, req, lifecycle.OpDiskReplace)
	case KindResolveTicket:
		return d.executeResolve(ctx, req)
	default:
		return fault.New(fault.CodeInternal, "daemon", "execute", fmt.Sprintf("unknown request kind %q", req.Kind))
	}
}

func (d *Daemon) executeAdd(ctx context.Context, req Request) error {
	dev, err := d.catalog.AddDevice(ctx, d.detail.DetailID, req.DeviceName, req.DevicePath, req.MountPath)
	if err != nil {
		return err
	}
	observability.InfoContext(ctx, "device registered",
		logfields.DeviceID(dev.DeviceID), logfields.DevicePath(dev.Path))
	return d.runSingleStepOperation(ctx, dev.DeviceID, lifecycle.OpDiskAdd, req)
}

func (d *Daemon) executeStep(ctx context.Context, req Request, typ lifecycle.OpType) error {
	dev, err := d.catalog.DeviceByPath(ctx, d.detail.DetailID, req.DevicePath)
	if err != nil {
		return err
	}
	return d.runSingleStepOperation(ctx, dev.DeviceID, typ, req)
}

// executeEvaluate records a health check. A failed check leaves the
// operation open on a replacement-wait step carrying a repair ticket; the
// operation stays open until the ticket resolves.
func (d *Daemon) executeEvaluate(ctx context.Context, req Request) error {
	dev, err := d.catalog.DeviceByPath(ctx, d.detail.DetailID, req.DevicePath)
	if err != nil {
		return err
	}

	op, err := d.tracker.Open(ctx, dev.DeviceID, d.entryID, req.Reason, req.BehalfOf)
	if err != nil {
		return err
	}
	if err := d.runStep(ctx, op.OperationID, lifecycle.OpEvaluation, req.Outcome); err != nil {
		return err
	}

	if req.Outcome == lifecycle.StatusComplete {
		return d.tracker.Close(ctx, op.OperationID, optracker.OutcomeSucceeded, time.Now())
	}

	// The device is degraded; file a ticket and wait for the swap.
	tracking := req.TrackingID
	if tracking == "" {
		tracking = uuid.NewString()
	}
	step, err := d.tracker.AppendStep(ctx, op.OperationID, lifecycle.OpWaitForReplacement)
	if err != nil {
		return err
	}
	if err := d.tracker.AttachTrackingRef(ctx, step.DetailID, tracking); err != nil {
		return err
	}
	if _, err := d.tracker.Advance(ctx, step.DetailID, lifecycle.StatusInProgress, time.Now()); err != nil {
		return err
	}
	observability.WarnContext(ctx, "device awaiting replacement",
		logfields.DeviceID(dev.DeviceID),
		logfields.OperationID(op.OperationID),
		logfields.TrackingID(tracking))
	return nil
}

// executeResolve completes the replacement-wait behind a repair ticket and
// records the swap. Completing the wait marks the device replacing, the
// replace step that follows returns it to healthy and the operation closes.
func (d *Daemon) executeResolve(ctx context.Context, req Request) error {
	step, err := d.tracker.ResolveTracking(ctx, req.TrackingID, time.Now())
	if err != nil {
		return err
	}
	if err := d.runStep(ctx, step.OperationID, lifecycle.OpDiskReplace, req.Outcome); err != nil {
		return err
	}
	outcome := optracker.OutcomeSucceeded
	if req.Outcome == lifecycle.StatusFailed {
		outcome = optracker.OutcomeFailed
	}
	return d.tracker.Close(ctx, step.OperationID, outcome, time.Now())
}

// runSingleStepOperation opens an operation, drives one step to the given
// outcome and closes it.
func (d *Daemon) runSingleStepOperation(ctx context.Context, deviceID int64, typ lifecycle.OpType, req Request) error {
	op, err := d.tracker.Open(ctx, deviceID, d.entryID, req.Reason, req.BehalfOf)
	if err != nil {
		return err
	}
	if err := d.runStep(ctx, op.OperationID, typ, req.Outcome); err != nil {
		// Leave the operation open for the operator; closing it would hide
		// the half-recorded step.
		return err
	}
	outcome := optracker.OutcomeSucceeded
	if req.Outcome == lifecycle.StatusFailed {
		outcome = optracker.OutcomeFailed
	}
	return d.tracker.Close(ctx, op.OperationID, outcome, time.Now())
}

// runStep appends a step and drives it pending, in_progress, terminal.
func (d *Daemon) runStep(ctx context.Context, operationID int64, typ lifecycle.OpType, outcome lifecycle.StepStatus) error {
	step, err := d.tracker.AppendStep(ctx, operationID, typ)
	if err != nil {
		return err
	}
	if _, err := d.tracker.Advance(ctx, step.DetailID, lifecycle.StatusInProgress, time.Now()); err != nil {
		return err
	}
	if _, err := d.tracker.Advance(ctx, step.DetailID, outcome, time.Now()); err != nil {
		return err
	}
	return nil
}
