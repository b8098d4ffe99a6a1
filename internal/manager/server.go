package manager

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/temoto/heroshi/internal/api"
	"github.com/temoto/heroshi/internal/config"
	"github.com/temoto/heroshi/internal/types"
)

// minCompressLength is the body length that a response must exceed to
// be gzipped.
const minCompressLength = 400

// Server exposes the manager over HTTP: POST /crawl-queue and
// PUT /report, both behind the shared-secret auth header.
type Server struct {
	mgr        *Manager
	authorized map[string]bool
	logger     *slog.Logger
}

// NewServer wires a Server to a Manager.
func NewServer(mgr *Manager, cfg *config.Config, logger *slog.Logger) *Server {
	authorized := make(map[string]bool, len(cfg.AuthorizedKeys))
	for _, key := range cfg.AuthorizedKeys {
		authorized[key] = true
	}
	return &Server{
		mgr:        mgr,
		authorized: authorized,
		logger:     logger.With("component", "manager_server"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Server", "heroshi-manager")

	var handler func(*http.Request) (any, int)
	switch {
	case r.URL.Path == "/crawl-queue" && r.Method == http.MethodPost:
		handler = s.handleCrawlQueue
	case r.URL.Path == "/report" && r.Method == http.MethodPut:
		handler = s.handleReport
	case r.URL.Path == "/crawl-queue" || r.URL.Path == "/report":
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	default:
		http.NotFound(w, r)
		return
	}

	if msg, ok := s.checkAuth(r); !ok {
		s.logger.Info("auth failed", "reason", msg)
		http.Error(w, msg, http.StatusUnauthorized)
		return
	}

	result, status := handler(r)
	s.respond(w, r, result, status)
}

// checkAuth validates the shared-secret header against the configured
// key set.
func (s *Server) checkAuth(r *http.Request) (string, bool) {
	key := r.Header.Get(api.AuthHeader)
	if key == "" {
		return "Authentication header " + api.AuthHeader + " not found.", false
	}
	if !s.authorized[key] {
		return "Key is not authorized.", false
	}
	return "", true
}

func (s *Server) handleCrawlQueue(r *http.Request) (any, int) {
	if err := r.ParseForm(); err != nil {
		return map[string]string{"error": "bad form"}, http.StatusBadRequest
	}
	limit, err := strconv.Atoi(r.PostFormValue("limit"))
	if err != nil || limit < 0 {
		return map[string]string{"error": "bad limit"}, http.StatusBadRequest
	}
	if limit > s.mgr.cfg.API.MaxQueueLimit {
		limit = s.mgr.cfg.API.MaxQueueLimit
	}

	s.mgr.Activate()
	items := s.mgr.Take(limit)
	// Workers expect a JSON array even when nothing is available.
	if items == nil {
		items = []types.QueueItem{}
	}
	return items, http.StatusOK
}

func (s *Server) handleReport(r *http.Request) (any, int) {
	var report types.Report
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		return map[string]string{"error": "bad report json"}, http.StatusBadRequest
	}

	s.mgr.Activate()
	if err := s.mgr.AcceptReport(&report); err != nil {
		s.logger.Error("accept report failed", "error", err)
		return map[string]string{"error": "internal"}, http.StatusInternalServerError
	}
	return nil, http.StatusOK
}

// respond encodes result as JSON, stamps the content-derived ETag and
// gzips bodies the client can decode when they are long enough for
// compression to pay off.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, result any, status int) {
	var body []byte
	if result != nil {
		var err error
		body, err = json.Marshal(result)
		if err != nil {
			s.logger.Error("response encode failed", "error", err)
			http.Error(w, "really bad server error", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status >= 200 && status < 300 {
		sum := sha256.Sum256(append([]byte(r.URL.Path), body...))
		w.Header().Set("ETag", `"`+base64.StdEncoding.EncodeToString(sum[:])+`"`)
	}

	if len(body) > minCompressLength &&
		strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(status)
		gz := gzip.NewWriter(w)
		gz.Write(body)
		gz.Close()
		return
	}

	w.WriteHeader(status)
	w.Write(body)
}
