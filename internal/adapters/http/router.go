package httpadapter

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
	"github.com/kirillkom/knowledge-server/internal/core/ports"
	"github.com/kirillkom/knowledge-server/internal/observability/metrics"
)

const multipartMemory = 8 << 20

type Options struct {
	Service        string
	MaxUploadBytes int64

	RateLimitRPS   float64
	RateLimitBurst int
	MaxInFlight    int
	InFlightWait   time.Duration

	Metrics *metrics.HTTPServerMetrics
	// MCP, when set, is mounted at /mcp behind the same traffic controls
	// as the REST endpoints.
	MCP http.Handler
	// BreakerStates, when set, is reported by /healthz.
	BreakerStates func() map[string]string
	Logger        *slog.Logger
}

type Router struct {
	uploader ports.DocumentUploader
	searcher ports.KnowledgeSearcher
	catalog  ports.DocumentCatalog
	opts     Options
	logger   *slog.Logger
}

func NewRouter(
	uploader ports.DocumentUploader,
	searcher ports.KnowledgeSearcher,
	catalog ports.DocumentCatalog,
	opts Options,
) *Router {
	if opts.Service == "" {
		opts.Service = "api"
	}
	if opts.InFlightWait <= 0 {
		opts.InFlightWait = 250 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		uploader: uploader,
		searcher: searcher,
		catalog:  catalog,
		opts:     opts,
		logger:   logger,
	}
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/documents", rt.uploadDocument)
	api.HandleFunc("GET /v1/documents", rt.listDocuments)
	api.HandleFunc("GET /v1/documents/{domain}/{hash}", rt.getDocument)
	api.HandleFunc("GET /v1/documents/{domain}/{hash}/events", rt.documentEvents)
	api.HandleFunc("DELETE /v1/documents/{domain}/{hash}", rt.deleteDocument)
	api.HandleFunc("GET /v1/search", rt.search)

	gated := rt.trafficControl(api)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.Handle("/v1/", gated)
	if rt.opts.MCP != nil {
		mux.Handle("/mcp", rt.trafficControl(rt.opts.MCP))
	}
	if rt.opts.Metrics != nil {
		mux.Handle("GET /metrics", rt.opts.Metrics.Handler())
	}

	var handler http.Handler = mux
	if rt.opts.Metrics != nil {
		handler = rt.opts.Metrics.Middleware(rt.opts.Service, handler)
	}
	handler = otelhttp.NewHandler(handler, rt.opts.Service)
	handler = accessLogMiddleware(rt.logger, handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) trafficControl(next http.Handler) http.Handler {
	next = backpressureMiddleware(next, rt.opts.MaxInFlight, rt.opts.InFlightWait)
	return rateLimitMiddleware(next, rt.opts.RateLimitRPS, rt.opts.RateLimitBurst)
}

func (rt *Router) healthz(w http.ResponseWriter, r *http.Request) {
	stats, err := rt.catalog.Stats(r.Context(), r.URL.Query().Get("domain"))
	if err != nil {
		rt.logger.Warn("healthz_degraded", "request_id", requestIDFromContext(r.Context()), "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	body := map[string]any{"status": "ok", "index": stats}
	if rt.opts.BreakerStates != nil {
		if states := rt.opts.BreakerStates(); len(states) > 0 {
			body["breakers"] = states
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	if rt.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.opts.MaxUploadBytes+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			rt.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart form is required"})
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	result, err := rt.uploader.Upload(r.Context(), domain.UploadRequest{
		Filename: fileHeader.Filename,
		Format:   r.FormValue("format"),
		Domain:   r.FormValue("domain"),
		Tags:     splitTags(r.FormValue("tags")),
		Body:     file,
	})
	if err != nil {
		if rt.opts.Metrics != nil {
			rt.opts.Metrics.RecordUpload(rt.opts.Service, "rejected")
		}
		rt.writeError(w, r, err)
		return
	}
	if rt.opts.Metrics != nil {
		rt.opts.Metrics.RecordUpload(rt.opts.Service, string(result.Outcome))
	}

	status := http.StatusAccepted
	if result.Outcome == domain.UploadDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (rt *Router) listDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := optionalInt(q.Get("limit"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be an integer"})
		return
	}
	docs, err := rt.catalog.ListDocuments(r.Context(), domain.DocumentFilter{
		Domain: q.Get("domain"),
		Status: domain.DocumentStatus(q.Get("status")),
		Tag:    strings.TrimSpace(q.Get("tag")),
		Limit:  limit,
	})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := rt.catalog.GetDocument(r.Context(), r.PathValue("domain"), r.PathValue("hash"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) documentEvents(w http.ResponseWriter, r *http.Request) {
	events, err := rt.catalog.Events(r.Context(), r.PathValue("domain"), r.PathValue("hash"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.ProcessingEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := rt.catalog.DeleteDocument(r.Context(), r.PathValue("domain"), r.PathValue("hash")); err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	k, err := optionalInt(q.Get("k"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "k must be an integer"})
		return
	}
	query := domain.SearchQuery{
		Query:  q.Get("q"),
		K:      k,
		Domain: q.Get("domain"),
		Filters: domain.SearchFilters{
			Filename: q.Get("filename"),
			Tag:      q.Get("tag"),
			Format:   domain.Format(q.Get("format")),
		},
	}
	results, err := rt.searcher.Search(r.Context(), query)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   query.Query,
		"results": results,
	})
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rt.logger.Error("http_handler_failed", "request_id", requestIDFromContext(r.Context()), "path", r.URL.Path, "error", err)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: errorCode(err, status)})
}

func splitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func optionalInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
