package topology

import (
	"context"

	"git.home.luguber.info/inful/diskwarden/internal/fault"
)

// defaultCursorPage bounds how many device rows one cursor fetch pulls in.
const defaultCursorPage = 64

// DeviceCursor walks the devices of a storage detail lazily, ordered by
// device name. Each page is fetched on demand, so the walk observes inserts
// behind the cursor position and can be restarted with Reset.
type DeviceCursor struct {
	catalog  *Catalog
	detailID int64
	pageSize int

	lastName string
	started  bool
	buf      []Device
	pos      int
}

// Devices opens a cursor over the devices of a detail.
func (c *Catalog) Devices(detailID int64) *DeviceCursor {
	return &DeviceCursor{
		catalog:  c,
		detailID: detailID,
		pageSize: defaultCursorPage,
	}
}

// Next returns the next device, or (nil, nil) when the sequence is finished.
func (dc *DeviceCursor) Next(ctx context.Context) (*Device, error) {
	if dc.pos >= len(dc.buf) {
		if err := dc.fetch(ctx); err != nil {
			return nil, err
		}
		if len(dc.buf) == 0 {
			return nil, nil
		}
	}
	dev := dc.buf[dc.pos]
	dc.pos++
	dc.lastName = dev.Name
	return &dev, nil
}

// Reset restarts the sequence from the beginning.
func (dc *DeviceCursor) Reset() {
	dc.lastName = ""
	dc.started = false
	dc.buf = nil
	dc.pos = 0
}

func (dc *DeviceCursor) fetch(ctx context.Context) error {
	query := "SELECT device_id, device_uuid, detail_id, device_name, device_path, mount_path, state, smart_passed FROM devices WHERE detail_id = ?"
	args := []any{dc.detailID}
	if dc.started {
		query += " AND device_name > ?"
		args = append(args, dc.lastName)
	}
	query += " ORDER BY device_name LIMIT ?"
	args = append(args, dc.pageSize)

	rows, err := dc.catalog.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return fault.Internal("topology", "cursor", err)
	}
	defer rows.Close()

	dc.buf = dc.buf[:0]
	dc.pos = 0
	dc.started = true
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return fault.Internal("topology", "cursor", err)
		}
		dc.buf = append(dc.buf, *dev)
	}
	if err := rows.Err(); err != nil {
		return fault.Internal("topology", "cursor", err)
	}
	return nil
}
