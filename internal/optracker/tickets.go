package optracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"git.home.luguber.info/inful/diskwarden/internal/fault"
	"git.home.luguber.info/inful/diskwarden/internal/lifecycle"
	"git.home.luguber.info/inful/diskwarden/internal/observability"
)

// RepairTicket is an open replacement-wait step together with the device it
// concerns, keyed by the external tracking reference.
type RepairTicket struct {
	TrackingID string
	DetailID   int64
	DeviceID   int64
	DeviceName string
	DevicePath string
}

// ErrTicketNotFound indicates no open replacement-wait step carries the
// tracking reference.
var ErrTicketNotFound = fault.New(fault.CodeNotFound, "optracker", "resolve-tracking",
	"no open sub-operation carries this tracking reference")

const ticketSelect = `SELECT od.tracking_id, od.operation_detail_id, dev.device_id, dev.device_name, dev.device_path
FROM operation_details od
JOIN operation_types ot ON ot.type_id = od.type_id
JOIN operations o ON o.operation_id = od.operation_id
JOIN devices dev ON dev.device_id = o.device_id
WHERE ot.op_name = 'waitforreplacement'
  AND od.status IN ('pending', 'in_progress')
  AND od.tracking_id IS NOT NULL`

// OutstandingTickets returns the open repair tickets for one host, meaning
// replacement-wait steps with a tracking reference that have not reached a
// terminal status. The daemon polls these against the ticketing system.
func (t *Tracker) OutstandingTickets(ctx context.Context, storageDetailID int64) ([]RepairTicket, error) {
	return t.queryTickets(ctx,
		ticketSelect+" AND dev.detail_id = ? ORDER BY o.start_time", storageDetailID)
}

// AllPendingTickets returns every open repair ticket, fleet-wide.
func (t *Tracker) AllPendingTickets(ctx context.Context) ([]RepairTicket, error) {
	return t.queryTickets(ctx, ticketSelect+" ORDER BY o.start_time")
}

// IsAwaitingReplacement reports whether the device has an open
// replacement-wait step.
func (t *Tracker) IsAwaitingReplacement(ctx context.Context, deviceID int64) (bool, error) {
	var n int
	err := t.st.DB().QueryRowContext(ctx, `SELECT COUNT(*)
FROM operation_details od
JOIN operation_types ot ON ot.type_id = od.type_id
JOIN operations o ON o.operation_id = od.operation_id
WHERE ot.op_name = 'waitforreplacement' AND od.status IN ('pending', 'in_progress') AND o.device_id = ?`,
		deviceID,
	).Scan(&n)
	if err != nil {
		return false, fault.Internal("optracker", "awaiting-replacement", err)
	}
	return n > 0, nil
}

// ResolveTracking marks the replacement-wait step carrying the tracking
// reference complete via the usual advance path, which moves a degraded
// device into replacing. Steps still pending are moved through in_progress
// first so the status progression stays contiguous.
func (t *Tracker) ResolveTracking(ctx context.Context, trackingID string, at time.Time) (*Step, error) {
	var detailID int64
	err := t.st.DB().QueryRowContext(ctx, `SELECT od.operation_detail_id
FROM operation_details od
JOIN operation_types ot ON ot.type_id = od.type_id
WHERE ot.op_name = 'waitforreplacement' AND od.status IN ('pending', 'in_progress') AND od.tracking_id = ?
ORDER BY od.start_time LIMIT 1`,
		trackingID,
	).Scan(&detailID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tracking %q: %w", trackingID, ErrTicketNotFound)
	}
	if err != nil {
		return nil, fault.Internal("optracker", "resolve-tracking", err)
	}

	step, err := t.Step(ctx, detailID)
	if err != nil {
		return nil, err
	}
	if step.Status == lifecycle.StatusPending {
		if _, err := t.Advance(ctx, detailID, lifecycle.StatusInProgress, at); err != nil {
			return nil, err
		}
	}
	step, err = t.Advance(ctx, detailID, lifecycle.StatusComplete, at)
	if err != nil {
		return nil, err
	}
	observability.InfoContext(observability.WithOperationID(ctx, step.OperationID), "repair ticket resolved")
	return step, nil
}

func (t *Tracker) queryTickets(ctx context.Context, query string, args ...any) ([]RepairTicket, error) {
	rows, err := t.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Internal("optracker", "tickets", err)
	}
	defer rows.Close()

	var out []RepairTicket
	for rows.Next() {
		var tk RepairTicket
		if err := rows.Scan(&tk.TrackingID, &tk.DetailID, &tk.DeviceID, &tk.DeviceName, &tk.DevicePath); err != nil {
			return nil, fault.Internal("optracker", "tickets", err)
		}
		out = append(out, tk)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Internal("optracker", "tickets", err)
	}
	return out, nil
}
