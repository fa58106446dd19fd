package reports

import (
	"io"
	"time"

	"github.com/angelmondragon/civicreport-sync/pkg/enums"
)

// PhotoInput is a live photo as captured by the UI before it is queued.
type PhotoInput struct {
	Name        string
	ContentType string
	Content     io.Reader
}

// Submission is the report a citizen filled in.
type Submission struct {
	Title       string         `json:"title" validate:"required,max=200"`
	Description string         `json:"description" validate:"required,max=5000"`
	Category    enums.Category `json:"category" validate:"required"`
	Severity    enums.Severity `json:"severity" validate:"required"`
	Address     string         `json:"address" validate:"max=500"`
	Latitude    float64        `json:"latitude" validate:"latitude"`
	Longitude   float64        `json:"longitude" validate:"longitude"`
	UserID      *string        `json:"user_id,omitempty"`
	Photos      []PhotoInput   `json:"-"`
}

// UploadFile is a stored photo rebuilt into an uploadable file.
type UploadFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// DecodedReport is a queued report in the shape the remote client consumes.
type DecodedReport struct {
	ID          string
	Title       string
	Description string
	Category    enums.Category
	Severity    enums.Severity
	Address     string
	Latitude    float64
	Longitude   float64
	UserID      *string
	Files       []UploadFile
}

// Patch lists the fields Update merges into a record. Nil fields are left
// untouched. RequireReplayable makes the update a claim: it fails with
// ErrNotReplayable unless the stored status is pending or failed.
type Patch struct {
	RequireReplayable bool
	Status            *enums.SyncStatus
	IncrementAttempts bool
	SyncError         *string
	LastSyncAttempt   *time.Time
}

// ListFilter narrows ListByStatus.
type ListFilter struct {
	Status *enums.SyncStatus
	UserID *string
	// Limit caps the oldest-first result; zero means no cap.
	Limit int
}

// StatusOf returns a pointer for use in Patch and ListFilter.
func StatusOf(status enums.SyncStatus) *enums.SyncStatus {
	return &status
}
