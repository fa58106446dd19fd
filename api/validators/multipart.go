package validators

import (
	"errors"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/angelmondragon/civicreport-sync/internal/reports"
	"github.com/angelmondragon/civicreport-sync/pkg/enums"
	pkgerrors "github.com/angelmondragon/civicreport-sync/pkg/errors"
)

const (
	// MaxPhotosPerReport bounds the photos accepted with one submission.
	MaxPhotosPerReport = 6
	formMemory         = 8 << 20

	// MaxReportBody is the largest multipart submission accepted.
	MaxReportBody = int64(MaxPhotosPerReport)*reports.MaxPhotoBytes + formMemory

	titleMaxLen       = 200
	descriptionMaxLen = 5000
	addressMaxLen     = 500
)

var photoFields = []string{"photos", "photos[]"}

// DecodeReportForm parses a multipart report submission. The returned close
// func releases the uploaded photo handles and must run once the submission
// has been encoded.
func DecodeReportForm(r *http.Request) (reports.Submission, func(), error) {
	noop := func() {}
	r.Body = http.MaxBytesReader(nil, r.Body, MaxReportBody)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return reports.Submission{}, noop, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "submission too large")
		}
		return reports.Submission{}, noop, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid multipart form").WithDetails(map[string]any{"error": err.Error()})
	}

	form := r.MultipartForm
	sub := reports.Submission{
		Title:       cleanLine(formValue(form, "title"), titleMaxLen),
		Description: cleanText(formValue(form, "description"), descriptionMaxLen),
		Category:    enums.Category(strings.ToLower(cleanLine(formValue(form, "category"), 0))),
		Severity:    enums.Severity(strings.ToLower(cleanLine(formValue(form, "severity"), 0))),
		Address:     cleanLine(formValue(form, "address"), addressMaxLen),
	}
	details := map[string]string{}
	sub.Latitude = parseCoordinate(formValue(form, "latitude"), "latitude", details)
	sub.Longitude = parseCoordinate(formValue(form, "longitude"), "longitude", details)
	if userID := cleanLine(formValue(form, "user_id"), 0); userID != "" {
		sub.UserID = &userID
	}
	if len(details) > 0 {
		_ = form.RemoveAll()
		return reports.Submission{}, noop, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(details)
	}

	var headers []*multipart.FileHeader
	for _, field := range photoFields {
		headers = append(headers, form.File[field]...)
	}
	if len(headers) > MaxPhotosPerReport {
		_ = form.RemoveAll()
		return reports.Submission{}, noop, pkgerrors.Newf(pkgerrors.CodeValidation, "at most %d photos per report", MaxPhotosPerReport).WithDetails(map[string]any{"max": MaxPhotosPerReport})
	}

	var opened []multipart.File
	cleanup := func() {
		for _, f := range opened {
			_ = f.Close()
		}
		_ = form.RemoveAll()
	}
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			cleanup()
			return reports.Submission{}, noop, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unreadable photo")
		}
		opened = append(opened, f)
		sub.Photos = append(sub.Photos, reports.PhotoInput{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Content:     f,
		})
	}

	if err := ValidateStruct(sub); err != nil {
		cleanup()
		return reports.Submission{}, noop, err
	}
	return sub, cleanup, nil
}

func formValue(form *multipart.Form, key string) string {
	if form == nil {
		return ""
	}
	return url.Values(form.Value).Get(key)
}

// parseCoordinate requires the field; a missing value must not default to 0,0.
func parseCoordinate(raw, field string, details map[string]string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		details[field] = "is required"
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		details[field] = "must be numeric"
		return 0
	}
	return v
}
