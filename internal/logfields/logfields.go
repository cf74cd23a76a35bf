package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyEntryID    = "entry_id"
	KeyHost       = "host"
	KeyPID        = "pid"
	KeyRegion     = "region"
	KeyBackend    = "backend"
	KeyDetailID   = "detail_id"
	KeyDeviceID   = "device_id"
	KeyDevice     = "device"
	KeyDevicePath = "device_path"
	KeyState      = "state"
	KeyOperation  = "operation_id"
	KeyStepType   = "step_type"
	KeyStatus     = "status"
	KeyTracking   = "tracking_id"
	KeyReason     = "reason"
	KeyBehalfOf   = "behalf_of"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func EntryID(id int64) slog.Attr       { return slog.Int64(KeyEntryID, id) }
func Host(ip string) slog.Attr         { return slog.String(KeyHost, ip) }
func PID(pid int) slog.Attr            { return slog.Int(KeyPID, pid) }
func Region(name string) slog.Attr     { return slog.String(KeyRegion, name) }
func Backend(name string) slog.Attr    { return slog.String(KeyBackend, name) }
func DetailID(id int64) slog.Attr      { return slog.Int64(KeyDetailID, id) }
func DeviceID(id int64) slog.Attr      { return slog.Int64(KeyDeviceID, id) }
func Device(name string) slog.Attr     { return slog.String(KeyDevice, name) }
func DevicePath(path string) slog.Attr { return slog.String(KeyDevicePath, path) }
func State(state string) slog.Attr     { return slog.String(KeyState, state) }
func OperationID(id int64) slog.Attr   { return slog.Int64(KeyOperation, id) }
func StepType(typ string) slog.Attr    { return slog.String(KeyStepType, typ) }
func Status(status string) slog.Attr   { return slog.String(KeyStatus, status) }
func TrackingID(ref string) slog.Attr  { return slog.String(KeyTracking, ref) }
func Reason(reason string) slog.Attr   { return slog.String(KeyReason, reason) }
func BehalfOf(who string) slog.Attr    { return slog.String(KeyBehalfOf, who) }
func DurationMS(ms float64) slog.Attr  { return slog.Float64(KeyDurationMS, ms) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
