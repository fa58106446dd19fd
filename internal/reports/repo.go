package reports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/civicreport-sync/pkg/db"
	"github.com/angelmondragon/civicreport-sync/pkg/db/models"
	"github.com/angelmondragon/civicreport-sync/pkg/enums"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when the queued report does not exist.
	ErrNotFound = errors.New("queued report not found")
	// ErrVersionConflict is returned when a record kept changing under Update.
	ErrVersionConflict = errors.New("queued report modified concurrently")
	// ErrSyncedNotStored rejects attempts to persist the terminal synced status.
	ErrSyncedNotStored = errors.New("synced reports are deleted, not stored")
	// ErrNotReplayable is returned by a claiming Update when another driver holds the record.
	ErrNotReplayable = errors.New("queued report is not replayable")
)

const (
	// DefaultMaxAttempts is the retry ceiling after which a record is evicted.
	DefaultMaxAttempts = 3

	maxSwapRetries = 8
	swapRetryDelay = 15 * time.Millisecond

	// InterruptedSyncError marks records found stuck in syncing.
	InterruptedSyncError = "sync interrupted"
)

// Repository persists queued reports in the local store.
type Repository interface {
	Save(ctx context.Context, report *models.QueuedReport) (string, error)
	Get(ctx context.Context, id string) (*models.QueuedReport, error)
	Update(ctx context.Context, id string, patch Patch) (*models.QueuedReport, error)
	Delete(ctx context.Context, id string) error
	ListPending(ctx context.Context) ([]models.QueuedReport, error)
	ListReplayCandidates(ctx context.Context) ([]models.QueuedReport, error)
	ListByStatus(ctx context.Context, filter ListFilter) ([]models.QueuedReport, error)
	CountByStatus(ctx context.Context) (map[enums.SyncStatus]int64, error)
	RequeueStale(ctx context.Context, before time.Time) (int64, error)
}

type repositoryImpl struct {
	conn        *gorm.DB
	maxAttempts int
	now         func() time.Time
}

// NewRepository returns a queued report repository bound to the provided database.
func NewRepository(conn *gorm.DB, maxAttempts int) Repository {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &repositoryImpl{
		conn:        conn,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (r *repositoryImpl) Save(ctx context.Context, report *models.QueuedReport) (string, error) {
	if report == nil {
		return "", errors.New("report is required")
	}
	now := r.now()
	report.ID = uuid.NewString()
	report.SyncStatus = enums.SyncStatusPending
	report.SyncAttempts = 0
	report.SyncError = nil
	report.LastSyncAttempt = nil
	report.Version = 1
	if report.CreatedAt.IsZero() {
		report.CreatedAt = now
	}
	report.UpdatedAt = now

	photos := report.Photos
	for i := range photos {
		photos[i].ID = uuid.NewString()
		photos[i].ReportID = report.ID
		photos[i].Position = i
	}

	err := r.db(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Photos").Create(report).Error; err != nil {
			return fmt.Errorf("insert queued report: %w", err)
		}
		if len(photos) == 0 {
			return nil
		}
		if err := tx.Create(&photos).Error; err != nil {
			return fmt.Errorf("insert queued report photos: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return report.ID, nil
}

func (r *repositoryImpl) Get(ctx context.Context, id string) (*models.QueuedReport, error) {
	var report models.QueuedReport
	err := r.db(ctx).
		Preload("Photos", func(q *gorm.DB) *gorm.DB { return q.Order("position ASC") }).
		Where("id = ?", id).
		First(&report).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &report, nil
}

// Update merges patch into the record with a compare-and-swap on version. A
// lost race re-reads the record and re-applies the patch.
func (r *repositoryImpl) Update(ctx context.Context, id string, patch Patch) (*models.QueuedReport, error) {
	if patch.Status != nil && *patch.Status == enums.SyncStatusSynced {
		return nil, ErrSyncedNotStored
	}
	for attempt := 0; attempt < maxSwapRetries; attempt++ {
		current, err := r.head(ctx, id)
		if err != nil {
			return nil, err
		}
		if patch.RequireReplayable && !current.SyncStatus.Replayable() {
			return nil, ErrNotReplayable
		}
		next, columns := applyPatch(*current, patch, r.now())
		swapped, err := r.swap(ctx, id, current.Version, columns)
		if err != nil {
			return nil, err
		}
		if swapped {
			return &next, nil
		}
		if err := sleepCtx(ctx, swapRetryDelay*time.Duration(attempt+1)); err != nil {
			return nil, err
		}
	}
	return nil, ErrVersionConflict
}

func (r *repositoryImpl) head(ctx context.Context, id string) (*models.QueuedReport, error) {
	var report models.QueuedReport
	if err := r.db(ctx).Where("id = ?", id).First(&report).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &report, nil
}

// swap reports false when the row moved past expected or the database was busy.
func (r *repositoryImpl) swap(ctx context.Context, id string, expected int64, columns map[string]any) (bool, error) {
	result := r.db(ctx).
		Model(&models.QueuedReport{}).
		Where("id = ? AND version = ?", id, expected).
		UpdateColumns(columns)
	if result.Error != nil {
		if db.IsBusy(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func applyPatch(current models.QueuedReport, patch Patch, now time.Time) (models.QueuedReport, map[string]any) {
	next := current
	next.Version = current.Version + 1
	next.UpdatedAt = now
	columns := map[string]any{
		"version":    next.Version,
		"updated_at": now,
	}
	if patch.IncrementAttempts {
		next.SyncAttempts = current.SyncAttempts + 1
		columns["sync_attempts"] = next.SyncAttempts
	}
	if patch.LastSyncAttempt != nil {
		stamp := patch.LastSyncAttempt.UTC()
		next.LastSyncAttempt = &stamp
		columns["last_sync_attempt"] = stamp
	}
	if patch.SyncError != nil {
		msg := *patch.SyncError
		next.SyncError = &msg
		columns["sync_error"] = msg
	}
	if patch.Status != nil {
		next.SyncStatus = *patch.Status
		columns["sync_status"] = string(next.SyncStatus)
		// sync_error only accompanies failed.
		if next.SyncStatus != enums.SyncStatusFailed {
			next.SyncError = nil
			columns["sync_error"] = nil
		}
	}
	return next, columns
}

func (r *repositoryImpl) Delete(ctx context.Context, id string) error {
	return r.db(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("report_id = ?", id).Delete(&models.QueuedReportPhoto{}).Error; err != nil {
			return fmt.Errorf("delete queued report photos: %w", err)
		}
		if err := tx.Where("id = ?", id).Delete(&models.QueuedReport{}).Error; err != nil {
			return fmt.Errorf("delete queued report: %w", err)
		}
		return nil
	})
}

func (r *repositoryImpl) ListPending(ctx context.Context) ([]models.QueuedReport, error) {
	var out []models.QueuedReport
	err := r.replayable(ctx).
		Where("sync_attempts < ?", r.maxAttempts).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

func (r *repositoryImpl) ListReplayCandidates(ctx context.Context) ([]models.QueuedReport, error) {
	var out []models.QueuedReport
	err := r.replayable(ctx).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

func (r *repositoryImpl) replayable(ctx context.Context) *gorm.DB {
	return r.db(ctx).
		Model(&models.QueuedReport{}).
		Where("sync_status IN ?", []string{string(enums.SyncStatusPending), string(enums.SyncStatusFailed)})
}

func (r *repositoryImpl) ListByStatus(ctx context.Context, filter ListFilter) ([]models.QueuedReport, error) {
	query := r.db(ctx).
		Model(&models.QueuedReport{}).
		Preload("Photos", func(q *gorm.DB) *gorm.DB {
			return q.Select("id", "report_id", "position", "name", "content_type", "created_at").Order("position ASC")
		})
	if filter.Status != nil {
		query = query.Where("sync_status = ?", string(*filter.Status))
	}
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var out []models.QueuedReport
	if err := query.Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repositoryImpl) CountByStatus(ctx context.Context) (map[enums.SyncStatus]int64, error) {
	var rows []struct {
		SyncStatus string
		Total      int64
	}
	err := r.db(ctx).
		Model(&models.QueuedReport{}).
		Select("sync_status, COUNT(*) AS total").
		Group("sync_status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[enums.SyncStatus]int64, len(enums.StoredSyncStatuses))
	for _, status := range enums.StoredSyncStatuses {
		counts[status] = 0
	}
	for _, row := range rows {
		counts[enums.SyncStatus(row.SyncStatus)] = row.Total
	}
	return counts, nil
}

// RequeueStale moves records stuck in syncing since before the cutoff back to
// failed so the next cycle picks them up.
func (r *repositoryImpl) RequeueStale(ctx context.Context, before time.Time) (int64, error) {
	result := r.db(ctx).
		Model(&models.QueuedReport{}).
		Where("sync_status = ? AND (last_sync_attempt IS NULL OR last_sync_attempt < ?)", string(enums.SyncStatusSyncing), before.UTC()).
		UpdateColumns(map[string]any{
			"sync_status": string(enums.SyncStatusFailed),
			"sync_error":  InterruptedSyncError,
			"version":     gorm.Expr("version + 1"),
			"updated_at":  r.now(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *repositoryImpl) db(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return r.conn
	}
	return r.conn.WithContext(ctx)
}
