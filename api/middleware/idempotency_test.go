package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/civicreport-sync/api/validators"
	pkgerrors "github.com/angelmondragon/civicreport-sync/pkg/errors"
	pkgredis "github.com/angelmondragon/civicreport-sync/pkg/redis"
)

type memoryIdemStore struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newMemoryIdemStore() *memoryIdemStore {
	return &memoryIdemStore{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryIdemStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", pkgredis.ErrNil
	}
	return v, nil
}

func (m *memoryIdemStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value.(string)
	m.ttls[key] = ttl
	return nil
}

func (m *memoryIdemStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value.(string)
	m.ttls[key] = ttl
	return true, nil
}

func (m *memoryIdemStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memoryIdemStore) IdempotencyKey(scope, id string) string {
	return "idem:" + scope + ":" + id
}

func (m *memoryIdemStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

func enqueueRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", strings.NewReader(body))
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}
	return req
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return payload.Error.Code
}

func TestIdempotencyTTLByRoute(t *testing.T) {
	cases := []struct {
		method, path string
		ok           bool
	}{
		{http.MethodPost, "/api/v1/reports", true},
		{http.MethodPost, "/api/v1/reports/", true},
		{http.MethodPost, "/api/v1/session/config", true},
		{http.MethodPost, "/api/v1/reports/abc/retry", false},
		{http.MethodPost, "/api/v1/sync", false},
		{http.MethodGet, "/api/v1/reports", false},
	}
	for _, tc := range cases {
		_, ok := idempotentRouteFor(httptest.NewRequest(tc.method, tc.path, nil))
		if ok != tc.ok {
			t.Fatalf("%s %s: ok=%v", tc.method, tc.path, ok)
		}
	}

	reportsRoute, _ := idempotentRouteFor(httptest.NewRequest(http.MethodPost, "/api/v1/reports", nil))
	if reportsRoute.maxBody != validators.MaxReportBody {
		t.Fatalf("reports body cap = %d", reportsRoute.maxBody)
	}
	configRoute, _ := idempotentRouteFor(httptest.NewRequest(http.MethodPost, "/api/v1/session/config", nil))
	if configRoute.maxBody != validators.MaxJSONBody || configRoute.ttl != time.Hour {
		t.Fatalf("config route = %+v", configRoute)
	}
}

// countingReader serves size zero bytes and records how many were read.
type countingReader struct {
	size, read int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	if c.read >= c.size {
		return 0, io.EOF
	}
	n := int64(len(p))
	if rest := c.size - c.read; n > rest {
		n = rest
	}
	clear(p[:n])
	c.read += n
	return int(n), nil
}

func TestIdempotencyCapsBufferedBody(t *testing.T) {
	store := newMemoryIdemStore()
	calls := 0
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	body := &countingReader{size: 4 << 20}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/config", body)
	req.Header.Set(idempotencyHeader, "k-big")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != string(pkgerrors.CodeValidation) {
		t.Fatalf("expected 400 validation error, got %d %s", rec.Code, rec.Body.String())
	}
	if body.read > validators.MaxJSONBody+1 {
		t.Fatalf("read %d bytes past the %d byte cap", body.read, validators.MaxJSONBody)
	}
	if calls != 0 || store.len() != 0 {
		t.Fatalf("oversized body reached the handler or held a key: calls=%d stored=%d", calls, store.len())
	}
}

func TestIdempotencyReplaysCompletedEnqueue(t *testing.T) {
	store := newMemoryIdemStore()
	calls := 0
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"rpt-1"}}`))
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, enqueueRequest("k-1", "title=pothole"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, enqueueRequest("k-1", "title=pothole"))

	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("replay mismatch: %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get(replayedHeader) != "true" || second.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("replay headers = %v", second.Header())
	}
	for key, ttl := range store.ttls {
		if ttl != 24*time.Hour {
			t.Fatalf("%s stored with ttl %v", key, ttl)
		}
	}
}

func TestIdempotencyRejectsChangedBody(t *testing.T) {
	store := newMemoryIdemStore()
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), enqueueRequest("k-2", "title=pothole"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, enqueueRequest("k-2", "title=streetlight"))

	if rec.Code != http.StatusConflict || errorCode(t, rec) != string(pkgerrors.CodeConflict) {
		t.Fatalf("expected conflict, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestIdempotencyRejectsWhileInFlight(t *testing.T) {
	store := newMemoryIdemStore()
	release := make(chan struct{})
	entered := make(chan struct{})
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusCreated)
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(httptest.NewRecorder(), enqueueRequest("k-3", "title=pothole"))
	}()
	<-entered

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, enqueueRequest("k-3", "title=pothole"))
	close(release)
	<-done

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while first request runs, got %d", rec.Code)
	}
}

func TestIdempotencyReleasesKeyOnServerError(t *testing.T) {
	store := newMemoryIdemStore()
	status := http.StatusServiceUnavailable
	calls := 0
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(status)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), enqueueRequest("k-4", "title=pothole"))
	if store.len() != 0 {
		t.Fatalf("5xx must not hold the key")
	}
	status = http.StatusCreated
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, enqueueRequest("k-4", "title=pothole"))
	if rec.Code != http.StatusCreated || calls != 2 {
		t.Fatalf("retry after 5xx should run again: code=%d calls=%d", rec.Code, calls)
	}
}

func TestIdempotencyPassThrough(t *testing.T) {
	store := newMemoryIdemStore()
	calls := 0
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), enqueueRequest("", "title=a"))
	handler.ServeHTTP(httptest.NewRecorder(), enqueueRequest("", "title=a"))
	syncReq := httptest.NewRequest(http.MethodPost, "/api/v1/sync", nil)
	syncReq.Header.Set(idempotencyHeader, "k-5")
	handler.ServeHTTP(httptest.NewRecorder(), syncReq)

	if calls != 3 || store.len() != 0 {
		t.Fatalf("calls=%d stored=%d", calls, store.len())
	}

	long := httptest.NewRecorder()
	handler.ServeHTTP(long, enqueueRequest(strings.Repeat("k", maxIdempotencyKey+1), "title=a"))
	if long.Code != http.StatusBadRequest {
		t.Fatalf("oversized key accepted: %d", long.Code)
	}
}
