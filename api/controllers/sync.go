package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/civicreport-sync/api/responses"
	"github.com/angelmondragon/civicreport-sync/internal/replay"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
)

// SyncRunner runs a foreground replay cycle and reports its progress.
type SyncRunner interface {
	RunCycle(ctx context.Context) (replay.Result, error)
	State() replay.State
	LastResult() (replay.Result, bool)
}

type syncResultDTO struct {
	Summary    replay.Summary    `json:"summary"`
	Skipped    replay.SkipReason `json:"skipped,omitempty"`
	Visited    int               `json:"visited"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

type syncStatusDTO struct {
	State replay.State   `json:"state"`
	Last  *syncResultDTO `json:"last,omitempty"`
}

func toSyncResultDTO(result replay.Result) syncResultDTO {
	return syncResultDTO{
		Summary:    result.Summary,
		Skipped:    result.Skipped,
		Visited:    result.Visited,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
	}
}

// SyncNow runs a cycle synchronously. A skipped cycle is still a 200; the
// skip reason tells the UI why nothing happened.
func SyncNow(runner SyncRunner, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := runner.RunCycle(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toSyncResultDTO(result))
	}
}

func SyncStatus(runner SyncRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := syncStatusDTO{State: runner.State()}
		if last, ok := runner.LastResult(); ok {
			dto := toSyncResultDTO(last)
			out.Last = &dto
		}
		responses.WriteSuccess(w, out)
	}
}
