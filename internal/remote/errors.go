package remote

import (
	"errors"
	"fmt"
	"net/http"

	pkgerrors "github.com/angelmondragon/civicreport-sync/pkg/errors"
)

var (
	// ErrUploadFailed matches any photo upload failure.
	ErrUploadFailed = errors.New("upload failed")
	// ErrProfileLookup means the profile query itself failed; retrying may help.
	ErrProfileLookup = errors.New("failed to fetch user profile")
	// ErrProfileNotFound means the lookup worked but no reporter exists yet.
	ErrProfileNotFound = errors.New("profile not found")
)

// UploadError describes the photo that could not be stored.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("Upload failed: %s: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

func (e *UploadError) Is(target error) bool { return target == ErrUploadFailed }

// ProfileNotFoundError carries the external user id that had no profile row.
type ProfileNotFoundError struct {
	UserID string
}

func (e *ProfileNotFoundError) Error() string {
	return fmt.Sprintf("profile not found for user_id: %s", e.UserID)
}

func (e *ProfileNotFoundError) Is(target error) bool { return target == ErrProfileNotFound }

// APIError is a non-success response from issue creation, kept verbatim.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// classify attaches a pkg/errors code so callers can render targeted messages.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		if apiErr.Status >= http.StatusBadRequest && apiErr.Status < http.StatusInternalServerError {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, err.Error())
		}
		return pkgerrors.Wrap(pkgerrors.CodeUpstream, err, err.Error())
	case errors.Is(err, ErrProfileNotFound):
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, err.Error())
	default:
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, err.Error())
	}
}
