package models

import (
	"time"

	"github.com/angelmondragon/civicreport-sync/pkg/enums"
)

// QueuedReport is a citizen submission waiting to reach the remote API.
type QueuedReport struct {
	ID              string              `gorm:"column:id;primaryKey"`
	Title           string              `gorm:"column:title;not null"`
	Description     string              `gorm:"column:description;not null"`
	Category        enums.Category      `gorm:"column:category;not null"`
	Severity        enums.Severity      `gorm:"column:severity;not null"`
	Address         string              `gorm:"column:address"`
	Latitude        float64             `gorm:"column:latitude"`
	Longitude       float64             `gorm:"column:longitude"`
	UserID          *string             `gorm:"column:user_id"`
	SyncStatus      enums.SyncStatus    `gorm:"column:sync_status;not null;default:pending"`
	SyncAttempts    int                 `gorm:"column:sync_attempts;not null;default:0"`
	SyncError       *string             `gorm:"column:sync_error"`
	LastSyncAttempt *time.Time          `gorm:"column:last_sync_attempt"`
	Version         int64               `gorm:"column:version;not null;default:1"`
	CreatedAt       time.Time           `gorm:"column:created_at"`
	UpdatedAt       time.Time           `gorm:"column:updated_at"`
	Photos          []QueuedReportPhoto `gorm:"foreignKey:ReportID;references:ID"`
}
