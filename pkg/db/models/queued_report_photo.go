package models

import "time"

// QueuedReportPhoto stores one captured image as raw bytes. Name is empty when
// the original filename was not preserved.
type QueuedReportPhoto struct {
	ID          string    `gorm:"column:id;primaryKey"`
	ReportID    string    `gorm:"column:report_id;not null"`
	Position    int       `gorm:"column:position;not null"`
	Name        string    `gorm:"column:name"`
	ContentType string    `gorm:"column:content_type;not null"`
	Data        []byte    `gorm:"column:data;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}
