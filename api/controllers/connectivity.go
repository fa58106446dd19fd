package controllers

import (
	"net/http"

	"github.com/angelmondragon/civicreport-sync/api/responses"
	"github.com/angelmondragon/civicreport-sync/api/validators"
	"github.com/angelmondragon/civicreport-sync/internal/connectivity"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
)

// ConnectivityReporter exposes monitor state and accepts platform events.
type ConnectivityReporter interface {
	Status() connectivity.Status
	NotifyPlatform(online bool)
}

type connectivityEvent struct {
	Online *bool `json:"online" validate:"required"`
}

func ConnectivityStatus(monitor ConnectivityReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, monitor.Status())
	}
}

// ConnectivityEvent relays an online/offline notification from the UI
// platform. Online only schedules a probe; the status is not trusted blindly.
func ConnectivityEvent(monitor ConnectivityReporter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body connectivityEvent
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		monitor.NotifyPlatform(*body.Online)
		responses.WriteSuccessStatus(w, http.StatusAccepted, monitor.Status())
	}
}
