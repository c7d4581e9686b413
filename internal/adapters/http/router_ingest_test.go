package httpadapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
	"github.com/kirillkom/knowledge-server/internal/observability/metrics"
)

func multipartUpload(t *testing.T, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("WriteField() error = %v", err)
		}
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/documents", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestHealthzEndpointIncludesIndexStats(t *testing.T) {
	tr := newTestRouter(Options{})
	res := httptest.NewRecorder()
	tr.handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var body struct {
		Status string             `json:"status"`
		Index  domain.DomainStats `json:"index"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != "ok" || body.Index.IndexedChunks != 3 {
		t.Fatalf("unexpected healthz body: %+v", body)
	}
}

func TestHealthzReportsBreakerStates(t *testing.T) {
	tr := newTestRouter(Options{BreakerStates: func() map[string]string {
		return map[string]string{"qdrant.search": "open"}
	}})
	res := httptest.NewRecorder()
	tr.handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body struct {
		Breakers map[string]string `json:"breakers"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Breakers["qdrant.search"] != "open" {
		t.Fatalf("expected breaker state in healthz, got %+v", body)
	}
}

func TestUploadDocumentAccepted(t *testing.T) {
	tr := newTestRouter(Options{})
	req := multipartUpload(t, "notes.txt", "hello", map[string]string{
		"domain": "med",
		"tags":   "cardio, renal",
		"format": "txt",
	})
	res := httptest.NewRecorder()
	tr.handler.ServeHTTP(res, req)

	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.Code, res.Body.String())
	}
	var result struct {
		Document struct {
			Hash   string `json:"document_hash"`
			Status string `json:"status"`
		} `json:"document"`
		Outcome string `json:"outcome"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Document.Hash != "abc123" || result.Document.Status != "received" || result.Outcome != "created" {
		t.Fatalf("unexpected response: %+v", result)
	}

	got := tr.uploader.got
	if got.Filename != "notes.txt" || got.Domain != "med" || got.Format != "txt" {
		t.Fatalf("unexpected upload request: %+v", got)
	}
	if !reflect.DeepEqual(got.Tags, []string{"cardio", " renal"}) {
		t.Fatalf("expected raw tags to reach the use case, got %q", got.Tags)
	}
	if string(tr.uploader.body) != "hello" {
		t.Fatalf("unexpected body %q", tr.uploader.body)
	}
}

func TestUploadDuplicateReturns200(t *testing.T) {
	tr := newTestRouter(Options{})
	tr.uploader.outcome = domain.UploadDuplicate

	res := httptest.NewRecorder()
	tr.handler.ServeHTTP(res, multipartUpload(t, "notes.txt", "hello", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}

func TestUploadUnsupportedFormatReturns415(t *testing.T) {
	tr := newTestRouter(Options{})
	tr.uploader.err = domain.WrapError(domain.ErrUnsupportedFormat, "parse format", errors.New(`format "docx"`))

	res := httptest.NewRecorder()
	tr.handler.ServeHTTP(res, multipartUpload(t, "report.docx", "x", nil))
	if res.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", res.Code)
	}
}

func TestUploadDocumentMissingMultipartField(t *testing.T) {
	tr := newTestRouter(Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/documents", bytes.NewBufferString("plain-text"))
	req.Header.Set("Content-Type", "text/plain")
	res := httptest.NewRecorder()
	tr.handler.ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestUploadTooLargeReturns413(t *testing.T) {
	tr := newTestRouter(Options{MaxUploadBytes: 16})
	content := strings.Repeat("x", 9<<20)

	res := httptest.NewRecorder()
	tr.handler.ServeHTTP(res, multipartUpload(t, "big.txt", content, nil))
	if res.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", res.Code)
	}
}

func TestUploadOverLimitInsideMultipartSlackReturns413(t *testing.T) {
	tr := newTestRouter(Options{MaxUploadBytes: 16})
	tr.uploader.err = domain.WrapError(domain.ErrTooLarge, "read upload", errors.New("document exceeds 16 bytes"))

	res := httptest.NewRecorder()
	tr.handler.ServeHTTP(res, multipartUpload(t, "big.txt", strings.Repeat("x", 17), nil))
	if res.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", res.Code)
	}
	var body errorBody
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Code != "too_large" {
		t.Fatalf("expected too_large code, got %+v", body)
	}
}

func TestListDocumentsPassesFilter(t *testing.T) {
	tr := newTestRouter(Options{})
	tr.catalog.docs = []domain.Document{{Hash: "h1", Domain: "med", Status: domain.StatusIndexed}}

	res := httptest.NewRecorder()
	tr.handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/documents?domain=med&status=indexed&tag=cardio&limit=10", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	want := domain.DocumentFilter{Domain: "med", Status: domain.StatusIndexed, Tag: "cardio", Limit: 10}
	if tr.catalog.filter != want {
		t.Fatalf("filter = %+v, want %+v", tr.catalog.filter, want)
	}
	var body struct {
		Documents []domain.Document `json:"documents"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Documents) != 1 || body.Documents[0].Hash != "h1" {
		t.Fatalf("unexpected documents: %+v", body.Documents)
	}
}

func TestListDocumentsEmptyIsArray(t *testing.T) {
	tr := newTestRouter(Options{})
	res := httptest.NewRecorder()
	tr.handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/documents", nil))
	if !strings.Contains(res.Body.String(), `"documents":[]`) {
		t.Fatalf("expected empty array, got %s", res.Body.String())
	}
}

func TestDeleteDocumentReturns204(t *testing.T) {
	tr := newTestRouter(Options{})
	res := httptest.NewRecorder()
	tr.handler.ServeHTTP(res, httptest.NewRequest(http.MethodDelete, "/v1/documents/med/h1", nil))
	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", res.Code)
	}
	if len(tr.catalog.deleted) != 1 || tr.catalog.deleted[0] != "med/h1" {
		t.Fatalf("unexpected deletes %v", tr.catalog.deleted)
	}
}

func TestDocumentEvents(t *testing.T) {
	tr := newTestRouter(Options{})
	res := httptest.NewRecorder()
	tr.handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/documents/med/h1/events", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), `"status":"received"`) {
		t.Fatalf("unexpected body %s", res.Body.String())
	}
}

func TestSearchPassesQueryAndFilters(t *testing.T) {
	tr := newTestRouter(Options{})
	tr.searcher.results = []domain.SearchResult{{
		Text:     "insulin dosage",
		Seq:      0,
		Score:    0.93,
		Locator:  &domain.Locator{Kind: domain.LocatorPage, Index: 2},
		Document: &domain.Document{Hash: "h1", Domain: "med", Filename: "guide.pdf"},
	}}

	res := httptest.NewRecorder()
	tr.handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/search?q=insulin&k=3&domain=med&tag=cardio&format=pdf&filename=guide.pdf", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	want := domain.SearchQuery{
		Query:   "insulin",
		K:       3,
		Domain:  "med",
		Filters: domain.SearchFilters{Filename: "guide.pdf", Tag: "cardio", Format: domain.FormatPDF},
	}
	if tr.searcher.got != want {
		t.Fatalf("query = %+v, want %+v", tr.searcher.got, want)
	}
	if !strings.Contains(res.Body.String(), `"kind":"page"`) {
		t.Fatalf("expected locator in response, got %s", res.Body.String())
	}
}

func TestMetricsEndpointExposesUploads(t *testing.T) {
	m := metrics.NewHTTPServerMetrics("api")
	tr := newTestRouter(Options{Metrics: m})

	res := httptest.NewRecorder()
	tr.handler.ServeHTTP(res, multipartUpload(t, "notes.txt", "hello", nil))
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	tr.handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(res.Body.String(), `ks_ingest_uploads_total{outcome="created",service="api"} 1`) {
		t.Fatalf("expected upload counter in metrics output")
	}
}
