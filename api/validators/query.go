package validators

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/angelmondragon/civicreport-sync/pkg/enums"
	pkgerrors "github.com/angelmondragon/civicreport-sync/pkg/errors"
)

func ParseQueryInt(r *http.Request, key string, defaultVal, min, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return defaultVal, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "query parameter must be numeric").WithDetails(map[string]any{"field": key})
	}
	if value < min || value > max {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "query parameter out of range").WithDetails(map[string]any{"field": key, "min": min, "max": max})
	}
	return value, nil
}

// ParseStatusQuery reads an optional sync status filter.
func ParseStatusQuery(r *http.Request, key string) (*enums.SyncStatus, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	status, err := enums.ParseSyncStatus(raw)
	if err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown sync status").WithDetails(map[string]any{"field": key, "value": raw})
	}
	return &status, nil
}

// ParseOptionalString returns nil when the query parameter is absent.
func ParseOptionalString(r *http.Request, key string) *string {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil
	}
	return &raw
}
