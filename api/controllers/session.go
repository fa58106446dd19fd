package controllers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/civicreport-sync/api/responses"
	"github.com/angelmondragon/civicreport-sync/api/validators"
	"github.com/angelmondragon/civicreport-sync/internal/remote"
	pkgerrors "github.com/angelmondragon/civicreport-sync/pkg/errors"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
)

// ConfigPusher hands the session's remote config to every execution context.
type ConfigPusher interface {
	PushConfig(ctx context.Context, cfg remote.Config) error
}

// PresenceTracker records which foreground contexts are visible.
type PresenceTracker interface {
	MarkActive(ctx context.Context, contextID string, ttl time.Duration) error
	MarkInactive(ctx context.Context, contextID string) error
}

type presenceRequest struct {
	ContextID string `json:"contextId" validate:"required,max=128"`
	Visible   bool   `json:"visible"`
	Focused   bool   `json:"focused"`
}

// SessionConfig accepts the endpoint and credentials of the signed-in session.
// A missing bearer in the body falls back to the request's own token.
func SessionConfig(pusher ConfigPusher, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body remote.Config
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if body.AccessToken == "" {
			body.AccessToken = bearerToken(r)
		}
		if err := pusher.PushConfig(r.Context(), body); err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "push session config"))
			return
		}
		if logg != nil {
			logg.Info(logg.WithField(r.Context(), "endpoint", body.Endpoint), "session config pushed")
		}
		responses.WriteSuccess(w, map[string]string{"status": "stored"})
	}
}

// PresenceUpdate refreshes a foreground heartbeat. A hidden, unfocused context
// is treated as gone.
func PresenceUpdate(tracker PresenceTracker, ttl time.Duration, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body presenceRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		active := body.Visible || body.Focused
		var err error
		if active {
			err = tracker.MarkActive(r.Context(), body.ContextID, ttl)
		} else {
			err = tracker.MarkInactive(r.Context(), body.ContextID)
		}
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update presence"))
			return
		}
		responses.WriteSuccess(w, map[string]any{"contextId": body.ContextID, "active": active})
	}
}

func PresenceClear(tracker PresenceTracker, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "contextId"))
		if id == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "context id is required"))
			return
		}
		if err := tracker.MarkInactive(r.Context(), id); err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear presence"))
			return
		}
		responses.WriteSuccess(w, map[string]any{"contextId": id, "active": false})
	}
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		return strings.TrimSpace(raw[7:])
	}
	return ""
}
