package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/agri-registry/pkg/ingest"
	"github.com/hazyhaar/agri-registry/pkg/kit"
	"github.com/hazyhaar/agri-registry/pkg/metrics"
)

// Options tunes the HTTP transport.
type Options struct {
	// DevMode exposes internal error details in 5xx responses.
	DevMode bool
	// StagingDir receives uploads until they are imported.
	StagingDir     string
	MaxUploadBytes int64
}

// NewRouter returns an http.Handler with all partition API routes.
func NewRouter(s Services, opts Options) http.Handler {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	if opts.StagingDir == "" {
		opts.StagingDir = os.TempDir()
	}
	h := &handler{
		eps:    newEndpoints(s),
		svc:    s,
		opts:   opts,
		logger: s.Logger.With("component", "http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/partitions/{kind}", h.handleDeclare)
	mux.HandleFunc("GET /v1/partitions/{kind}", h.handleList)
	mux.HandleFunc("POST /v1/partitions/{kind}/{key}/upload", h.handleUpload)
	mux.HandleFunc("GET /v1/partitions/{kind}/{key}/data", h.handleQuery)
	mux.HandleFunc("GET /v1/partitions/{kind}/{key}/filters", h.handleFilters)
	mux.HandleFunc("GET /v1/health", h.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return cors(securityHeaders(h.requestID(mux)))
}

type handler struct {
	eps    endpoints
	svc    Services
	opts   Options
	logger *slog.Logger
}

// envelope wraps every response body.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// --- partitions ---

func (h *handler) handleDeclare(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64*1024) // 64 KiB max
	req := declareReq{Kind: r.PathValue("kind")}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, fmt.Errorf("%w: invalid JSON body", errInvalidRequest))
		return
	}
	resp, err := h.eps.declare(r.Context(), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Success: true, Message: "partition declared", Data: resp})
}

func (h *handler) handleList(w http.ResponseWriter, r *http.Request) {
	resp, err := h.eps.list(r.Context(), &listReq{Kind: r.PathValue("kind")})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "ok", Data: resp})
}

// --- upload ---

func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		var mbe *http.MaxBytesError
		if !errors.As(err, &mbe) {
			err = fmt.Errorf("%w: multipart field \"file\" is required", errInvalidRequest)
		}
		h.fail(w, r, err)
		return
	}
	defer file.Close()
	defer r.MultipartForm.RemoveAll()

	name := filepath.Base(hdr.Filename)
	path, err := h.stage(file, name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// No-op once the import has consumed the staged file.
	defer os.Remove(path)

	resp, err := h.eps.upload(r.Context(), &uploadReq{
		Kind:   r.PathValue("kind"),
		Key:    r.PathValue("key"),
		Upload: ingest.Upload{Path: path, Name: name, Staged: true},
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "import complete", Data: resp})
}

// stage copies an upload into the staging directory, keeping its extension.
func (h *handler) stage(src io.Reader, name string) (string, error) {
	if err := os.MkdirAll(h.opts.StagingDir, 0o755); err != nil {
		return "", fmt.Errorf("staging dir: %w", err)
	}
	f, err := os.CreateTemp(h.opts.StagingDir, "upload-*"+filepath.Ext(name))
	if err != nil {
		return "", fmt.Errorf("stage upload: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("stage upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("stage upload: %w", err)
	}
	return f.Name(), nil
}

// --- query ---

// Query parameters that are not field filters. Any other parameter that
// names a dataset field filters on it.
var reservedParams = map[string]bool{"page": true, "limit": true, "from": true, "to": true}

func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := queryReq{
		Kind:    r.PathValue("kind"),
		Key:     r.PathValue("key"),
		Filters: map[string]string{},
		From:    q.Get("from"),
		To:      q.Get("to"),
	}
	var err error
	if req.Page, err = intParam(q.Get("page")); err != nil {
		h.fail(w, r, fmt.Errorf("%w: page: %v", errInvalidRequest, err))
		return
	}
	if req.Limit, err = intParam(q.Get("limit")); err != nil {
		h.fail(w, r, fmt.Errorf("%w: limit: %v", errInvalidRequest, err))
		return
	}
	// Parameters naming no field of the dataset (cache busters and the like)
	// are ignored. An unknown kind is reported by the endpoint.
	ds, _ := lookup(req.Kind)
	for k, v := range q {
		if reservedParams[k] || len(v) == 0 {
			continue
		}
		if ds != nil {
			if _, ok := ds.Schema().Field(k); !ok {
				continue
			}
		}
		req.Filters[k] = v[0]
	}

	resp, err := h.eps.query(r.Context(), &req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "ok", Data: resp})
}

func (h *handler) handleFilters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	selected := map[string]string{}
	for k, v := range q {
		if len(v) > 0 {
			selected[k] = strings.Join(v, ",")
		}
	}
	resp, err := h.eps.filters(r.Context(), &filtersReq{
		Kind:     r.PathValue("kind"),
		Key:      r.PathValue("key"),
		Selected: selected,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "ok", Data: resp})
}

// --- health ---

type healthResponse struct {
	Status         string `json:"status"`
	Backend        string `json:"backend"`
	OpenPartitions int    `json:"open_partitions"`
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	open := 0
	if h.svc.Registry != nil {
		open = h.svc.Registry.OpenCount()
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "ok", Data: healthResponse{
		Status:         "ok",
		Backend:        h.svc.Backend,
		OpenPartitions: open,
	}})
}

// --- helpers ---

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= 500 {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", kit.GetRequestID(r.Context()),
			"status", code,
			"error", err)
	}
	writeError(w, code, describe(err, h.opts.DevMode))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, envelope{Success: false, Message: msg})
}

// requestID tags each request with an ID (the caller's X-Request-ID or a new
// UUID) and logs its outcome.
func (h *handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := kit.WithTransport(kit.WithRequestID(r.Context(), id), "http")

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))
		h.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"duration", time.Since(start),
			"request_id", id)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

// securityHeaders adds the standard hardening headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// cors is a simple CORS middleware for browser-based clients.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
