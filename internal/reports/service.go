package reports

import (
	"context"
	"errors"
	"strings"

	"github.com/angelmondragon/civicreport-sync/pkg/db"
	"github.com/angelmondragon/civicreport-sync/pkg/db/models"
	"github.com/angelmondragon/civicreport-sync/pkg/enums"
	pkgerrors "github.com/angelmondragon/civicreport-sync/pkg/errors"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
)

// Service exposes the queue operations used by the UI layer.
type Service interface {
	Enqueue(ctx context.Context, sub Submission) (*models.QueuedReport, error)
	Get(ctx context.Context, id string) (*models.QueuedReport, error)
	List(ctx context.Context, filter ListFilter) ([]models.QueuedReport, error)
	Counts(ctx context.Context) (map[enums.SyncStatus]int64, error)
	Delete(ctx context.Context, id string) error
}

type service struct {
	repo Repository
	logg *logger.Logger
}

// NewService wires queue dependencies.
func NewService(repo Repository, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "queued report repository required")
	}
	if logg == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	return &service{repo: repo, logg: logg}, nil
}

func (s *service) Enqueue(ctx context.Context, sub Submission) (*models.QueuedReport, error) {
	if strings.TrimSpace(sub.Title) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "title is required")
	}
	if !sub.Category.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown category").WithDetails(map[string]any{"category": sub.Category})
	}
	if !sub.Severity.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown severity").WithDetails(map[string]any{"severity": sub.Severity})
	}

	report, err := EncodeSubmission(sub)
	if err != nil {
		if errors.Is(err, ErrPhotoTooLarge) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, err.Error())
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid photo")
	}

	id, err := s.repo.Save(ctx, report)
	if err != nil {
		return nil, mapRepoError(err, "queue report")
	}

	ctx = s.logg.WithFields(s.logg.WithReportID(ctx, id), map[string]any{
		"photo_count": len(report.Photos),
		"category":    report.Category,
	})
	s.logg.Info(ctx, "report queued")
	return report, nil
}

func (s *service) Get(ctx context.Context, id string) (*models.QueuedReport, error) {
	report, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, "load queued report")
	}
	return report, nil
}

func (s *service) List(ctx context.Context, filter ListFilter) ([]models.QueuedReport, error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid status filter")
	}
	rows, err := s.repo.ListByStatus(ctx, filter)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list queued reports")
	}
	return rows, nil
}

func (s *service) Counts(ctx context.Context) (map[enums.SyncStatus]int64, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count queued reports")
	}
	return counts, nil
}

// Delete removes a queued report. A replay already in flight for it has its
// result discarded.
func (s *service) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "delete queued report")
	}
	s.logg.Info(s.logg.WithReportID(ctx, id), "queued report deleted by user")
	return nil
}

func mapRepoError(err error, message string) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "queued report not found")
	case errors.Is(err, ErrVersionConflict):
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, message)
	case db.IsBusy(err):
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "local queue is busy")
	default:
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, message)
	}
}
