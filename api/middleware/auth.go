package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/civicreport-sync/api/responses"
	pkgAuth "github.com/angelmondragon/civicreport-sync/pkg/auth"
	pkgerrors "github.com/angelmondragon/civicreport-sync/pkg/errors"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
)

// Session reads an optional identity-provider bearer token and attaches the
// caller Identity. Without a token the request continues as anonymous
// capture. Signatures are not checked; the remote API verifies the token
// when the report is replayed. An expired token is refused so the UI
// refreshes it before pushing config or enqueueing under that user.
func Session(logg *logger.Logger) func(http.Handler) http.Handler {
	return sessionWithClock(logg, time.Now)
}

func sessionWithClock(logg *logger.Logger, now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			claims, err := pkgAuth.ParseSessionToken(raw)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}
			if claims.ExpiredAt(now()) {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "session token expired"))
				return
			}

			id := Identity{Role: claims.Role, Email: claims.Email}
			id.UserID, _ = claims.GetSubject()
			if claims.ExpiresAt != nil {
				id.ExpiresAt = claims.ExpiresAt.Time
			}
			ctx = WithIdentity(ctx, id)
			if logg != nil && id.UserID != "" {
				ctx = logg.WithUserID(ctx, id.UserID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
