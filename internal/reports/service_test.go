package reports

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/angelmondragon/civicreport-sync/pkg/db/models"
	"github.com/angelmondragon/civicreport-sync/pkg/enums"
	pkgerrors "github.com/angelmondragon/civicreport-sync/pkg/errors"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
)

type fakeRepository struct {
	saveFn   func(ctx context.Context, report *models.QueuedReport) (string, error)
	getFn    func(ctx context.Context, id string) (*models.QueuedReport, error)
	listFn   func(ctx context.Context, filter ListFilter) ([]models.QueuedReport, error)
	countFn  func(ctx context.Context) (map[enums.SyncStatus]int64, error)
	deleteFn func(ctx context.Context, id string) error
}

func (f *fakeRepository) Save(ctx context.Context, report *models.QueuedReport) (string, error) {
	if f.saveFn != nil {
		return f.saveFn(ctx, report)
	}
	report.ID = "generated"
	return report.ID, nil
}

func (f *fakeRepository) Get(ctx context.Context, id string) (*models.QueuedReport, error) {
	if f.getFn != nil {
		return f.getFn(ctx, id)
	}
	return nil, ErrNotFound
}

func (f *fakeRepository) Update(ctx context.Context, id string, patch Patch) (*models.QueuedReport, error) {
	return nil, nil
}

func (f *fakeRepository) Delete(ctx context.Context, id string) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, id)
	}
	return nil
}

func (f *fakeRepository) ListPending(ctx context.Context) ([]models.QueuedReport, error) {
	return nil, nil
}

func (f *fakeRepository) ListReplayCandidates(ctx context.Context) ([]models.QueuedReport, error) {
	return nil, nil
}

func (f *fakeRepository) ListByStatus(ctx context.Context, filter ListFilter) ([]models.QueuedReport, error) {
	if f.listFn != nil {
		return f.listFn(ctx, filter)
	}
	return nil, nil
}

func (f *fakeRepository) CountByStatus(ctx context.Context) (map[enums.SyncStatus]int64, error) {
	if f.countFn != nil {
		return f.countFn(ctx)
	}
	return map[enums.SyncStatus]int64{}, nil
}

func (f *fakeRepository) RequeueStale(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func newServiceWithRepo(t *testing.T, repo Repository) Service {
	t.Helper()
	svc, err := NewService(repo, logger.New(logger.Options{ServiceName: "test", Output: io.Discard}))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestServiceEnqueuePersistsEncodedReport(t *testing.T) {
	var saved *models.QueuedReport
	repo := &fakeRepository{saveFn: func(ctx context.Context, report *models.QueuedReport) (string, error) {
		saved = report
		report.ID = "r-1"
		return report.ID, nil
	}}
	svc := newServiceWithRepo(t, repo)

	report, err := svc.Enqueue(context.Background(), Submission{
		Title:    "Broken light",
		Category: enums.CategoryStreetlight,
		Severity: enums.SeverityLow,
		Photos:   []PhotoInput{{Name: "pole.jpg", ContentType: "image/jpeg", Content: bytes.NewReader([]byte{1, 2})}},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if report.ID != "r-1" || saved == nil {
		t.Fatalf("expected repository save, got %+v", report)
	}
	if len(saved.Photos) != 1 || saved.Photos[0].Name != "pole.jpg" {
		t.Fatalf("photos not encoded: %+v", saved.Photos)
	}
}

func TestServiceEnqueueValidation(t *testing.T) {
	svc := newServiceWithRepo(t, &fakeRepository{})
	cases := []Submission{
		{Category: enums.CategoryPothole, Severity: enums.SeverityLow},
		{Title: "x", Category: "lava", Severity: enums.SeverityLow},
		{Title: "x", Category: enums.CategoryPothole, Severity: "apocalyptic"},
	}
	for _, sub := range cases {
		_, err := svc.Enqueue(context.Background(), sub)
		if !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
			t.Fatalf("expected validation error for %+v, got %v", sub, err)
		}
	}
}

func TestServiceEnqueueSurfacesStorageFailure(t *testing.T) {
	repo := &fakeRepository{saveFn: func(ctx context.Context, report *models.QueuedReport) (string, error) {
		return "", errors.New("disk full")
	}}
	svc := newServiceWithRepo(t, repo)
	_, err := svc.Enqueue(context.Background(), Submission{Title: "x", Category: enums.CategoryOther, Severity: enums.SeverityLow})
	if !pkgerrors.HasCode(err, pkgerrors.CodeInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestServiceEnqueueReportsBusyQueueAsDependency(t *testing.T) {
	repo := &fakeRepository{saveFn: func(ctx context.Context, report *models.QueuedReport) (string, error) {
		return "", errors.New("insert queued report: database is locked")
	}}
	svc := newServiceWithRepo(t, repo)
	_, err := svc.Enqueue(context.Background(), Submission{Title: "x", Category: enums.CategoryOther, Severity: enums.SeverityLow})
	if !pkgerrors.HasCode(err, pkgerrors.CodeDependency) || !pkgerrors.IsRetryable(err) {
		t.Fatalf("expected retryable dependency error, got %v", err)
	}
}

func TestServiceGetMapsNotFound(t *testing.T) {
	svc := newServiceWithRepo(t, &fakeRepository{})
	_, err := svc.Get(context.Background(), "missing")
	if !pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected sentinel to remain in chain")
	}
}

func TestServiceListRejectsUnknownStatus(t *testing.T) {
	svc := newServiceWithRepo(t, &fakeRepository{})
	bogus := enums.SyncStatus("done")
	_, err := svc.List(context.Background(), ListFilter{Status: &bogus})
	if !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNewServiceRequiresRepository(t *testing.T) {
	if _, err := NewService(nil, logger.New(logger.Options{Output: io.Discard})); err == nil {
		t.Fatalf("expected error without repository")
	}
}
