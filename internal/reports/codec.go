package reports

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/angelmondragon/civicreport-sync/pkg/db/models"
	"github.com/gabriel-vasile/mimetype"
)

const (
	// MaxPhotoBytes caps a single stored photo.
	MaxPhotoBytes = 10 << 20

	genericContentType = "application/octet-stream"
)

// ErrPhotoTooLarge is returned when a photo exceeds MaxPhotoBytes.
var ErrPhotoTooLarge = errors.New("photo exceeds maximum size")

// EncodeSubmission reads every photo into memory and returns the record to queue.
func EncodeSubmission(sub Submission) (*models.QueuedReport, error) {
	report := &models.QueuedReport{
		Title:       sub.Title,
		Description: sub.Description,
		Category:    sub.Category,
		Severity:    sub.Severity,
		Address:     sub.Address,
		Latitude:    sub.Latitude,
		Longitude:   sub.Longitude,
		UserID:      normalizeUserID(sub.UserID),
	}

	for i, photo := range sub.Photos {
		if photo.Content == nil {
			return nil, fmt.Errorf("photo %d has no content", i)
		}
		data, err := io.ReadAll(io.LimitReader(photo.Content, MaxPhotoBytes+1))
		if err != nil {
			return nil, fmt.Errorf("read photo %d: %w", i, err)
		}
		if len(data) > MaxPhotoBytes {
			return nil, fmt.Errorf("photo %d: %w", i, ErrPhotoTooLarge)
		}
		report.Photos = append(report.Photos, models.QueuedReportPhoto{
			Position:    i,
			Name:        strings.TrimSpace(photo.Name),
			ContentType: contentTypeFor(photo.ContentType, data),
			Data:        data,
		})
	}
	return report, nil
}

// DecodeForUpload rebuilds uploadable files from a stored record.
func DecodeForUpload(report models.QueuedReport) DecodedReport {
	decoded := DecodedReport{
		ID:          report.ID,
		Title:       report.Title,
		Description: report.Description,
		Category:    report.Category,
		Severity:    report.Severity,
		Address:     report.Address,
		Latitude:    report.Latitude,
		Longitude:   report.Longitude,
		UserID:      report.UserID,
	}
	if len(report.Photos) == 0 {
		return decoded
	}

	decoded.Files = make([]UploadFile, 0, len(report.Photos))
	for i, photo := range report.Photos {
		name := photo.Name
		if name == "" {
			name = fmt.Sprintf("photo_%d.jpg", i)
		}
		decoded.Files = append(decoded.Files, UploadFile{
			Name:        name,
			ContentType: contentTypeFor(photo.ContentType, photo.Data),
			Data:        photo.Data,
		})
	}
	return decoded
}

func contentTypeFor(declared string, data []byte) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && !strings.EqualFold(declared, genericContentType) {
		return declared
	}
	return mimetype.Detect(data).String()
}

func normalizeUserID(id *string) *string {
	if id == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*id)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
