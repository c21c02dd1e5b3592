package models

import "time"

// AuditAction is the kind of cleanup operation.
type AuditAction string

const (
	ActionSingleDelete AuditAction = "single_delete"
	ActionBulkDelete   AuditAction = "bulk_delete"
	ActionSmartDelete  AuditAction = "smart_delete"
)

// AuditLogEntry is an immutable record of one cleanup operation.
type AuditLogEntry struct {
	ID             string        `json:"id"`
	RunID          string        `json:"run_id,omitempty"`
	OwnerID        string        `json:"owner_id"`
	Action         AuditAction   `json:"action"`
	Strategy       string        `json:"strategy,omitempty"`
	RecordIDs      []string      `json:"record_ids"`
	RequestedCount int           `json:"requested_count"`
	AffectedCount  int           `json:"affected_count"`
	GroupsAffected int           `json:"groups_affected"`
	Success        bool          `json:"success"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	Duration       time.Duration `json:"duration"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Efficiency returns affected records per second.
//
// Operations that finished within a millisecond are scored against one millisecond.
func (e AuditLogEntry) Efficiency() float64 {
	d := e.Duration
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return float64(e.AffectedCount) / d.Seconds()
}

// Validate checks an entry before it is persisted.
func (e AuditLogEntry) Validate() error {
	return validateStruct(struct {
		OwnerID string      `validate:"required"`
		Action  AuditAction `validate:"oneof=single_delete bulk_delete smart_delete"`
		Counts  []int       `validate:"dive,gte=0"`
	}{e.OwnerID, e.Action, []int{e.RequestedCount, e.AffectedCount, e.GroupsAffected}})
}
