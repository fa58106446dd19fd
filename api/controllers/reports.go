package controllers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/civicreport-sync/api/middleware"
	"github.com/angelmondragon/civicreport-sync/api/responses"
	"github.com/angelmondragon/civicreport-sync/api/validators"
	"github.com/angelmondragon/civicreport-sync/internal/replay"
	"github.com/angelmondragon/civicreport-sync/internal/reports"
	"github.com/angelmondragon/civicreport-sync/pkg/db/models"
	"github.com/angelmondragon/civicreport-sync/pkg/enums"
	pkgerrors "github.com/angelmondragon/civicreport-sync/pkg/errors"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
)

// ReportRetrier replays a single queued report on demand.
type ReportRetrier interface {
	RetryOne(ctx context.Context, id string) (replay.Result, error)
}

type reportPhotoDTO struct {
	Name        string `json:"name,omitempty"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

type reportDTO struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	Category        enums.Category   `json:"category"`
	Severity        enums.Severity   `json:"severity"`
	Address         string           `json:"address,omitempty"`
	Latitude        float64          `json:"latitude"`
	Longitude       float64          `json:"longitude"`
	UserID          *string          `json:"user_id,omitempty"`
	SyncStatus      enums.SyncStatus `json:"sync_status"`
	SyncAttempts    int              `json:"sync_attempts"`
	SyncError       *string          `json:"sync_error,omitempty"`
	LastSyncAttempt *time.Time       `json:"last_sync_attempt,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	Photos          []reportPhotoDTO `json:"photos,omitempty"`
}

type reportListResponse struct {
	Reports []reportDTO                `json:"reports"`
	Counts  map[enums.SyncStatus]int64 `json:"counts"`
}

func toReportDTO(report models.QueuedReport, withPhotos bool) reportDTO {
	dto := reportDTO{
		ID:              report.ID,
		Title:           report.Title,
		Description:     report.Description,
		Category:        report.Category,
		Severity:        report.Severity,
		Address:         report.Address,
		Latitude:        report.Latitude,
		Longitude:       report.Longitude,
		UserID:          report.UserID,
		SyncStatus:      report.SyncStatus,
		SyncAttempts:    report.SyncAttempts,
		SyncError:       report.SyncError,
		LastSyncAttempt: report.LastSyncAttempt,
		CreatedAt:       report.CreatedAt,
	}
	if withPhotos {
		for _, photo := range report.Photos {
			dto.Photos = append(dto.Photos, reportPhotoDTO{
				Name:        photo.Name,
				ContentType: photo.ContentType,
				Size:        len(photo.Data),
			})
		}
	}
	return dto
}

// ReportEnqueue stores a multipart submission locally. A signed-in session
// becomes the reporter when the form names none.
func ReportEnqueue(svc reports.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, release, err := validators.DecodeReportForm(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		defer release()

		if sub.UserID == nil {
			if userID := middleware.UserIDFromContext(r.Context()); userID != "" {
				sub.UserID = &userID
			}
		}

		report, err := svc.Enqueue(r.Context(), sub)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, toReportDTO(*report, true))
	}
}

const maxListLimit = 500

// ReportList returns queued reports without photo bytes plus per-status counts.
func ReportList(svc reports.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := validators.ParseStatusQuery(r, "status")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", 0, 0, maxListLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		filter := reports.ListFilter{Status: status, UserID: validators.ParseOptionalString(r, "user_id"), Limit: limit}

		rows, err := svc.List(r.Context(), filter)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		counts, err := svc.Counts(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out := reportListResponse{Reports: make([]reportDTO, 0, len(rows)), Counts: counts}
		for _, row := range rows {
			out.Reports = append(out.Reports, toReportDTO(row, false))
		}
		responses.WriteSuccess(w, out)
	}
}

// ReportCounts returns the number of queued reports per status.
func ReportCounts(svc reports.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := svc.Counts(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, counts)
	}
}

func ReportGet(svc reports.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := reportIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		report, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toReportDTO(*report, true))
	}
}

func ReportDelete(svc reports.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := reportIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := svc.Delete(r.Context(), id); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"id": id, "status": "deleted"})
	}
}

// ReportRetry replays one report immediately through the foreground orchestrator.
func ReportRetry(svc reports.Service, retrier ReportRetrier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := reportIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		report, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !report.SyncStatus.Replayable() {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeStateConflict, "report is already syncing"))
			return
		}

		result, err := retrier.RetryOne(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toSyncResultDTO(result))
	}
}

func reportIDParam(r *http.Request) (string, error) {
	id := strings.TrimSpace(chi.URLParam(r, "reportId"))
	if id == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "report id is required")
	}
	return id, nil
}
