package enums

import "fmt"

// SyncStatus tracks where a queued report sits in its replay lifecycle.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
	// SyncStatusSynced is terminal and never persisted; the record is deleted instead.
	SyncStatusSynced SyncStatus = "synced"
)

var validSyncStatuses = []SyncStatus{
	SyncStatusPending,
	SyncStatusSyncing,
	SyncStatusFailed,
	SyncStatusSynced,
}

// StoredSyncStatuses lists the statuses a record may hold while it exists locally.
var StoredSyncStatuses = []SyncStatus{
	SyncStatusPending,
	SyncStatusSyncing,
	SyncStatusFailed,
}

// String implements fmt.Stringer.
func (s SyncStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known sync status.
func (s SyncStatus) IsValid() bool {
	for _, candidate := range validSyncStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// Replayable reports whether a record in this status may be picked up by a sync cycle.
func (s SyncStatus) Replayable() bool {
	return s == SyncStatusPending || s == SyncStatusFailed
}

// ParseSyncStatus converts the raw string to SyncStatus.
func ParseSyncStatus(value string) (SyncStatus, error) {
	for _, candidate := range validSyncStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid sync status %q", value)
}
