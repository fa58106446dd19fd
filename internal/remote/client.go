package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/angelmondragon/civicreport-sync/internal/reports"
	"github.com/angelmondragon/civicreport-sync/pkg/auth"
	"github.com/angelmondragon/civicreport-sync/pkg/enums"
	"github.com/angelmondragon/civicreport-sync/pkg/logger"
	"github.com/google/uuid"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	errorBodyLimit     = 4096
	defaultExtension   = "jpg"
	requestIDHeader    = "X-Request-ID"
)

// Submitter performs the remote write for one decoded report.
type Submitter interface {
	Submit(ctx context.Context, cfg Config, report reports.DecodedReport) (*CreatedIssue, error)
}

// CreatedIssue is the representation returned by issue creation.
type CreatedIssue struct {
	ID        string
	ImageURLs []string
	Raw       json.RawMessage
}

// IssuePayload is the body of the issue creation call.
type IssuePayload struct {
	Title       string               `json:"title"`
	Description string               `json:"description"`
	Category    enums.RemoteCategory `json:"category"`
	Severity    enums.Severity       `json:"severity"`
	Address     string               `json:"address"`
	Latitude    float64              `json:"latitude"`
	Longitude   float64              `json:"longitude"`
	ReporterID  string               `json:"reporter_id"`
	ImageURLs   []string             `json:"image_urls"`
}

// Client talks to the Supabase style REST surface. It never retries.
type Client struct {
	httpClient *http.Client
	logg       *logger.Logger
	now        func() time.Time
	suffix     func() string
}

// NewClient builds a remote client; a nil httpClient gets a default timeout.
func NewClient(httpClient *http.Client, logg *logger.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Client{
		httpClient: httpClient,
		logg:       logg,
		now:        time.Now,
		suffix:     randomSuffix,
	}
}

func closeBody(ctx context.Context, logg *logger.Logger, body io.Closer, msg string) {
	if body == nil {
		return
	}
	if err := body.Close(); err != nil && logg != nil {
		logg.Warn(ctx, msg)
	}
}

// Submit uploads photos, resolves the reporter and creates the issue, in that
// order. The first failing step aborts the submission.
func (c *Client) Submit(ctx context.Context, cfg Config, report reports.DecodedReport) (*CreatedIssue, error) {
	if !cfg.Configured() {
		return nil, classify(errors.New("remote endpoint and api key are required"))
	}

	var imageURLs []string
	if len(report.Files) > 0 && cfg.AccessToken != "" {
		urls, err := c.UploadPhotos(ctx, cfg, report.Files)
		if err != nil {
			return nil, classify(err)
		}
		imageURLs = urls
	}

	userID := ""
	if report.UserID != nil {
		userID = *report.UserID
	}
	if userID == "" && cfg.AccessToken != "" {
		if sub, err := auth.SubjectFromToken(cfg.AccessToken); err == nil {
			userID = sub
		}
	}

	reporterID, err := c.ResolveReporter(ctx, cfg, userID)
	if err != nil {
		return nil, classify(err)
	}

	created, err := c.CreateIssue(ctx, cfg, report.ID, IssuePayload{
		Title:       report.Title,
		Description: report.Description,
		Category:    report.Category.Remote(),
		Severity:    report.Severity,
		Address:     report.Address,
		Latitude:    report.Latitude,
		Longitude:   report.Longitude,
		ReporterID:  reporterID,
		ImageURLs:   imageURLs,
	})
	if err != nil {
		return nil, classify(err)
	}
	created.ImageURLs = imageURLs
	return created, nil
}

// UploadPhotos stores every file and returns the public URLs in input order.
func (c *Client) UploadPhotos(ctx context.Context, cfg Config, files []reports.UploadFile) ([]string, error) {
	urls := make([]string, 0, len(files))
	for _, file := range files {
		u, err := c.uploadOne(ctx, cfg, file)
		if err != nil {
			return nil, &UploadError{Name: file.Name, Err: err}
		}
		urls = append(urls, u)
	}
	return urls, nil
}

func (c *Client) uploadOne(ctx context.Context, cfg Config, file reports.UploadFile) (string, error) {
	name := c.ObjectName(file.Name)
	bucket := url.PathEscape(cfg.bucket())
	target := fmt.Sprintf("%s/storage/v1/object/%s/%s", cfg.baseURL(), bucket, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(file.Data))
	if err != nil {
		return "", err
	}
	c.authorize(req, cfg)
	contentType := file.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "false")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer closeBody(ctx, c.logg, resp.Body, "remote: closing upload response body failed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(resp)
	}
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", cfg.baseURL(), bucket, name), nil
}

// ObjectName returns <epoch-millis>-<random>.<ext>, defaulting the extension to jpg.
func (c *Client) ObjectName(original string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(original), "."))
	if ext == "" || strings.ContainsAny(ext, "/?#% ") {
		ext = defaultExtension
	}
	return fmt.Sprintf("%d-%s.%s", c.now().UnixMilli(), c.suffix(), ext)
}

// ResolveReporter maps the external user id to the internal profile id.
func (c *Client) ResolveReporter(ctx context.Context, cfg Config, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", &ProfileNotFoundError{UserID: userID}
	}

	query := url.Values{}
	query.Set("select", "id")
	query.Set("user_id", "eq."+userID)
	target := fmt.Sprintf("%s/rest/v1/profiles?%s", cfg.baseURL(), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProfileLookup, err)
	}
	c.authorize(req, cfg)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProfileLookup, err)
	}
	defer closeBody(ctx, c.logg, resp.Body, "remote: closing profile response body failed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %v", ErrProfileLookup, statusError(resp))
	}

	var rows []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrProfileLookup, err)
	}
	if len(rows) == 0 || rows[0]["id"] == nil {
		return "", &ProfileNotFoundError{UserID: userID}
	}
	return fmt.Sprint(rows[0]["id"]), nil
}

// CreateIssue posts the issue and returns the created representation. The
// local report id travels as a request id for tracing only.
func (c *Client) CreateIssue(ctx context.Context, cfg Config, localID string, payload IssuePayload) (*CreatedIssue, error) {
	if payload.ImageURLs == nil {
		payload.ImageURLs = []string{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode issue: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL()+"/rest/v1/issues", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.authorize(req, cfg)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "return=representation")
	if localID != "" {
		req.Header.Set(requestIDHeader, localID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	defer closeBody(ctx, c.logg, resp.Body, "remote: closing issue response body failed")

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read issue response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	created := &CreatedIssue{Raw: raw}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err == nil && len(rows) > 0 && rows[0]["id"] != nil {
		created.ID = fmt.Sprint(rows[0]["id"])
	}
	return created, nil
}

func (c *Client) authorize(req *http.Request, cfg Config) {
	req.Header.Set("apikey", cfg.APIKey)
	req.Header.Set("Authorization", "Bearer "+cfg.bearer())
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	if msg := strings.TrimSpace(string(b)); msg != "" {
		return fmt.Errorf("%s: %s", resp.Status, msg)
	}
	return errors.New(resp.Status)
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
