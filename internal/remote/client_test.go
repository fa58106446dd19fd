package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/civicreport-sync/internal/reports"
	"github.com/angelmondragon/civicreport-sync/pkg/auth"
	"github.com/angelmondragon/civicreport-sync/pkg/enums"
	pkgerrors "github.com/angelmondragon/civicreport-sync/pkg/errors"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
	"github.com/golang-jwt/jwt/v5"
)

type fakeBackend struct {
	mu           sync.Mutex
	uploads      []string
	failUploadAt int
	profileRows  string
	profileCode  int
	issueCode    int
	issueBody    string
	issues       []IssuePayload
	headers      []http.Header
}

func (f *fakeBackend) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.headers = append(f.headers, r.Header.Clone())

		switch {
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/storage/v1/object/issue-images/"):
			f.uploads = append(f.uploads, strings.TrimPrefix(r.URL.Path, "/storage/v1/object/issue-images/"))
			if f.failUploadAt > 0 && len(f.uploads) == f.failUploadAt {
				http.Error(w, "bucket full", http.StatusInternalServerError)
				return
			}
			_, _ = io.WriteString(w, `{"Key":"ok"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/rest/v1/profiles":
			if r.URL.Query().Get("select") != "id" {
				t.Errorf("unexpected select %q", r.URL.Query().Get("select"))
			}
			if f.profileCode != 0 {
				http.Error(w, "db down", f.profileCode)
				return
			}
			_, _ = io.WriteString(w, f.profileRows)
		case r.Method == http.MethodPost && r.URL.Path == "/rest/v1/issues":
			if r.Header.Get("Prefer") != "return=representation" {
				t.Errorf("missing Prefer header")
			}
			var payload IssuePayload
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Errorf("decode issue: %v", err)
			}
			f.issues = append(f.issues, payload)
			if f.issueCode != 0 {
				w.WriteHeader(f.issueCode)
				_, _ = io.WriteString(w, f.issueBody)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `[{"id":"issue-1","title":"x"}]`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestClient(t *testing.T, backend *fakeBackend) (*Client, Config) {
	t.Helper()
	server := httptest.NewServer(backend.handler(t))
	t.Cleanup(server.Close)

	client := NewClient(server.Client(), logger.New(logger.Options{ServiceName: "test", Output: io.Discard}))
	client.now = func() time.Time { return time.UnixMilli(1767225600000) }
	client.suffix = func() string { return "abc123" }
	return client, Config{Endpoint: server.URL + "/", APIKey: "anon-key", AccessToken: "user-token"}
}

func decodedReport(files ...reports.UploadFile) reports.DecodedReport {
	user := "auth-user-1"
	return reports.DecodedReport{
		ID:          "local-1",
		Title:       "Sunken road",
		Description: "asphalt collapsed",
		Category:    enums.CategoryRoadDamage,
		Severity:    enums.SeverityHigh,
		Address:     "Av. Reforma 1",
		Latitude:    19.4,
		Longitude:   -99.1,
		UserID:      &user,
		Files:       files,
	}
}

func TestSubmitHappyPath(t *testing.T) {
	backend := &fakeBackend{profileRows: `[{"id":"profile-9"}]`}
	client, cfg := newTestClient(t, backend)

	created, err := client.Submit(context.Background(), cfg, decodedReport(
		reports.UploadFile{Name: "a.PNG", ContentType: "image/png", Data: []byte{1}},
		reports.UploadFile{Name: "photo_1.jpg", ContentType: "image/jpeg", Data: []byte{2}},
	))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if created.ID != "issue-1" {
		t.Fatalf("unexpected created id %q", created.ID)
	}
	if len(backend.uploads) != 2 || backend.uploads[0] != "1767225600000-abc123.png" {
		t.Fatalf("unexpected uploads %v", backend.uploads)
	}
	if len(backend.issues) != 1 {
		t.Fatalf("expected one issue, got %d", len(backend.issues))
	}
	issue := backend.issues[0]
	if issue.Category != enums.RemoteCategorySidewalk {
		t.Fatalf("expected mapped category sidewalk, got %s", issue.Category)
	}
	if issue.ReporterID != "profile-9" {
		t.Fatalf("unexpected reporter %s", issue.ReporterID)
	}
	if len(issue.ImageURLs) != 2 || !strings.HasSuffix(issue.ImageURLs[0], "/storage/v1/object/public/issue-images/1767225600000-abc123.png") {
		t.Fatalf("unexpected image urls %v", issue.ImageURLs)
	}
	for _, h := range backend.headers {
		if h.Get("apikey") != "anon-key" || h.Get("Authorization") != "Bearer user-token" {
			t.Fatalf("missing credentials on request: %v", h)
		}
	}
}

func TestSubmitUploadFailureAbortsBeforeIssue(t *testing.T) {
	backend := &fakeBackend{profileRows: `[{"id":"p"}]`, failUploadAt: 2}
	client, cfg := newTestClient(t, backend)

	_, err := client.Submit(context.Background(), cfg, decodedReport(
		reports.UploadFile{Name: "one.jpg", Data: []byte{1}},
		reports.UploadFile{Name: "two.jpg", Data: []byte{2}},
	))
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("expected ErrUploadFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "Upload failed") {
		t.Fatalf("message should mention upload failure: %v", err)
	}
	if !pkgerrors.HasCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected dependency code")
	}
	if len(backend.issues) != 0 {
		t.Fatalf("no issue should be created after an upload failure")
	}
}

func TestSubmitSkipsUploadWithoutAccessToken(t *testing.T) {
	backend := &fakeBackend{profileRows: `[{"id":"p"}]`}
	client, cfg := newTestClient(t, backend)
	cfg.AccessToken = ""

	if _, err := client.Submit(context.Background(), cfg, decodedReport(reports.UploadFile{Name: "a.jpg", Data: []byte{1}})); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(backend.uploads) != 0 {
		t.Fatalf("uploads require a caller credential")
	}
	if got := backend.headers[0].Get("Authorization"); got != "Bearer anon-key" {
		t.Fatalf("anonymous requests should use the api key, got %q", got)
	}
}

func TestSubmitProfileLookupFailureIsDistinct(t *testing.T) {
	backend := &fakeBackend{profileCode: http.StatusServiceUnavailable}
	client, cfg := newTestClient(t, backend)

	_, err := client.Submit(context.Background(), cfg, decodedReport())
	if !errors.Is(err, ErrProfileLookup) {
		t.Fatalf("expected ErrProfileLookup, got %v", err)
	}
	if errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("lookup failure must not look like a missing profile")
	}
	if !strings.Contains(err.Error(), "failed to fetch user profile") {
		t.Fatalf("unexpected message %v", err)
	}
}

func TestSubmitProfileNotFound(t *testing.T) {
	backend := &fakeBackend{profileRows: `[]`}
	client, cfg := newTestClient(t, backend)

	_, err := client.Submit(context.Background(), cfg, decodedReport())
	if !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
	if !strings.Contains(err.Error(), "profile not found for user_id: auth-user-1") {
		t.Fatalf("unexpected message %v", err)
	}
	if !pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
		t.Fatalf("expected not found code")
	}
}

func TestSubmitFallsBackToTokenSubject(t *testing.T) {
	backend := &fakeBackend{profileRows: `[{"id":"p-from-token"}]`}
	client, cfg := newTestClient(t, backend)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-42"}})
	signed, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	cfg.AccessToken = signed

	report := decodedReport()
	report.UserID = nil
	if _, err := client.Submit(context.Background(), cfg, report); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if backend.issues[0].ReporterID != "p-from-token" {
		t.Fatalf("unexpected reporter %s", backend.issues[0].ReporterID)
	}
}

func TestSubmitAPIErrorKeepsStatusAndBody(t *testing.T) {
	backend := &fakeBackend{profileRows: `[{"id":"p"}]`, issueCode: http.StatusConflict, issueBody: `{"message":"duplicate"}`}
	client, cfg := newTestClient(t, backend)

	_, err := client.Submit(context.Background(), cfg, decodedReport())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Body != `{"message":"duplicate"}` {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if !strings.Contains(err.Error(), `API error 409: {"message":"duplicate"}`) {
		t.Fatalf("unexpected message %v", err)
	}
	if !pkgerrors.HasCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("4xx should classify as validation")
	}
}

func TestSubmitRequiresConfig(t *testing.T) {
	client := NewClient(nil, nil)
	if _, err := client.Submit(context.Background(), Config{}, decodedReport()); err == nil {
		t.Fatalf("expected error without endpoint")
	}
}

func TestObjectNameDefaultsExtension(t *testing.T) {
	client := NewClient(nil, nil)
	client.now = func() time.Time { return time.UnixMilli(42) }
	client.suffix = func() string { return "r" }

	cases := map[string]string{
		"photo.jpeg":  "42-r.jpeg",
		"noext":       "42-r.jpg",
		"":            "42-r.jpg",
		"shot.HEIC":   "42-r.heic",
		"weird.a b":   "42-r.jpg",
		"dir/pic.png": "42-r.png",
	}
	for in, want := range cases {
		if got := client.ObjectName(in); got != want {
			t.Fatalf("ObjectName(%q) = %q, want %q", in, got, want)
		}
	}
}
