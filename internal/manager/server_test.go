package manager

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/temoto/heroshi/internal/api"
	"github.com/temoto/heroshi/internal/types"
)

const testKey = "test-key"

func newTestServer(store *stubStorage) (*Server, *Manager) {
	cfg := testConfig()
	cfg.AuthorizedKeys = []string{testKey}
	m := New(cfg, store, testLogger)
	return NewServer(m, cfg, testLogger), m
}

func doRequest(s *Server, method, path, key string, body string, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(api.AuthHeader, key)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestServerRequiresAuth(t *testing.T) {
	s, _ := newTestServer(newStubStorage())

	rec := doRequest(s, http.MethodPost, "/crawl-queue", "", "limit=1", "application/x-www-form-urlencoded")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key: expected 401, got %d", rec.Code)
	}

	rec = doRequest(s, http.MethodPost, "/crawl-queue", "wrong", "limit=1", "application/x-www-form-urlencoded")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: expected 401, got %d", rec.Code)
	}
}

func TestServerUnknownPath(t *testing.T) {
	s, _ := newTestServer(newStubStorage())
	rec := doRequest(s, http.MethodGet, "/nope", testKey, "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestServerMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(newStubStorage())
	rec := doRequest(s, http.MethodGet, "/crawl-queue", testKey, "", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestServerEmptyDispense(t *testing.T) {
	s, m := newTestServer(newStubStorage())
	defer m.Shutdown(testContext(t))

	start := time.Now()
	rec := doRequest(s, http.MethodPost, "/crawl-queue",
		testKey, url.Values{"limit": {"10"}}.Encode(), "application/x-www-form-urlencoded")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("empty dispense too slow: %s", elapsed)
	}

	var items []types.QueueItem
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("response is not a JSON array: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected empty array, got %v", items)
	}
	if rec.Header().Get("ETag") == "" {
		t.Error("expected ETag on 2xx response")
	}
}

func TestServerDispense(t *testing.T) {
	store := newStubStorage([]*types.URLRecord{
		{URL: "http://a/"},
		{URL: "http://b/"},
	})
	s, m := newTestServer(store)
	defer m.Shutdown(testContext(t))

	var items []types.QueueItem
	deadline := time.Now().Add(2 * time.Second)
	for len(items) < 2 && time.Now().Before(deadline) {
		rec := doRequest(s, http.MethodPost, "/crawl-queue",
			testKey, "limit=10", "application/x-www-form-urlencoded")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var batch []types.QueueItem
		if err := json.Unmarshal(rec.Body.Bytes(), &batch); err != nil {
			t.Fatalf("decode: %v", err)
		}
		items = append(items, batch...)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
}

func TestServerReport(t *testing.T) {
	s, m := newTestServer(newStubStorage())
	defer m.Shutdown(testContext(t))

	report, _ := json.Marshal(types.Report{URL: "http://a/", Result: "OK"})
	rec := doRequest(s, http.MethodPut, "/report", testKey, string(report), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if rec.Header().Get("ETag") == "" {
		t.Error("expected ETag on report response")
	}
}

func TestServerBadReportJSON(t *testing.T) {
	s, m := newTestServer(newStubStorage())
	defer m.Shutdown(testContext(t))

	rec := doRequest(s, http.MethodPut, "/report", testKey, "{not json", "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestRespondGzip(t *testing.T) {
	s, _ := newTestServer(newStubStorage())

	big := strings.Repeat("x", 2*minCompressLength)
	req := httptest.NewRequest(http.MethodPost, "/crawl-queue", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	s.respond(rec, req, big, http.StatusOK)

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatal("expected gzip encoding for long body")
	}
	gz, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	decoded, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("gunzip: %v", err)
	}
	var out string
	if err := json.Unmarshal(decoded, &out); err != nil || out != big {
		t.Error("gzip body did not round-trip")
	}
}

func TestRespondSmallBodyNotCompressed(t *testing.T) {
	s, _ := newTestServer(newStubStorage())

	req := httptest.NewRequest(http.MethodPost, "/crawl-queue", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	s.respond(rec, req, "ok", http.StatusOK)

	if rec.Header().Get("Content-Encoding") == "gzip" {
		t.Error("short body must not be compressed")
	}
}

func TestServerActivatesOnFirstRequest(t *testing.T) {
	s, m := newTestServer(newStubStorage())
	defer m.Shutdown(testContext(t))

	if m.Active() {
		t.Fatal("manager must start inactive")
	}
	doRequest(s, http.MethodPost, "/crawl-queue", testKey, "limit=1", "application/x-www-form-urlencoded")
	if !m.Active() {
		t.Error("first served request must activate the manager")
	}
}
