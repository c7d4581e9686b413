package qdrant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
)

func testRecord(id string, vector []float32) domain.EmbeddingRecord {
	payload := domain.Payload{}
	payload.SetString(domain.PayloadDocumentHash, "abc")
	payload.SetString(domain.PayloadSource, "a.txt")
	payload.SetInt(domain.PayloadChunkSeq, 0)
	payload.SetString(domain.PayloadText, "a")
	return domain.EmbeddingRecord{ChunkID: id, Vector: vector, Payload: payload}
}

func TestUpsertEnsuresCollectionOncePerVectorSize(t *testing.T) {
	var ensureCalls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs_knowledge":
			atomic.AddInt32(&ensureCalls, 1)
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs_knowledge/points":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := New(server.URL)
	records := []domain.EmbeddingRecord{
		testRecord("id-1", []float32{0.1, 0.2}),
		testRecord("id-2", []float32{0.3, 0.4}),
	}

	if err := client.Upsert(context.Background(), "docs_knowledge", records); err != nil {
		t.Fatalf("first Upsert() error = %v", err)
	}
	if err := client.Upsert(context.Background(), "docs_knowledge", records); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}
	if got := atomic.LoadInt32(&ensureCalls); got != 1 {
		t.Fatalf("expected ensure collection called once, got %d", got)
	}
}

func TestEnsureCollectionToleratesConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs_knowledge":
			http.Error(w, "already exists", http.StatusConflict)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs_knowledge/points":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	err := New(server.URL).Upsert(context.Background(), "docs_knowledge", []domain.EmbeddingRecord{testRecord("id-1", []float32{1, 0})})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
}

func TestEnsureCollectionIncludesResponseBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Path == "/collections/docs_knowledge" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := New(server.URL)
	err := client.Upsert(context.Background(), "docs_knowledge", []domain.EmbeddingRecord{testRecord("id-1", []float32{0.1, 0.2})})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected error to include body, got %v", err)
	}
	if !errors.Is(err, domain.ErrIndexWrite) {
		t.Fatalf("expected ErrIndexWrite, got %v", err)
	}
}

func TestUpsertRejectsPayloadKindDrift(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	rec := testRecord("id-1", []float32{1, 0})
	rec.Payload.SetString(domain.PayloadChunkSeq, "zero")

	err := New(server.URL).Upsert(context.Background(), "docs_knowledge", []domain.EmbeddingRecord{rec})
	if !errors.Is(err, domain.ErrIndexWrite) {
		t.Fatalf("expected ErrIndexWrite, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no requests for invalid payload")
	}
}

func TestQuerySendsFilterAndDecodesPayload(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/collections/docs_knowledge/points/search" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"result":[{"id":"c-1","score":0.91,"payload":{"document_hash":"abc","chunk_seq":3,"page":2,"text":"insulin"}}]}`))
	}))
	defer server.Close()

	hits, err := New(server.URL).Query(context.Background(), "docs_knowledge", []float32{1, 0}, 4, domain.IndexFilter{domain.PayloadFormat: "pdf"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	hit := hits[0]
	if hit.ChunkID != "c-1" || hit.DocumentHash() != "abc" || hit.Seq() != 3 {
		t.Fatalf("unexpected hit: %+v", hit)
	}
	if loc := hit.Locator(); loc.Kind != domain.LocatorPage || loc.Index != 2 {
		t.Fatalf("unexpected locator: %+v", loc)
	}
	if gotBody["limit"].(float64) != 4 {
		t.Fatalf("expected limit 4, got %v", gotBody["limit"])
	}
	filter, ok := gotBody["filter"].(map[string]any)
	if !ok {
		t.Fatalf("expected filter in request, got %v", gotBody)
	}
	must := filter["must"].([]any)
	cond := must[0].(map[string]any)
	if cond["key"] != "format" {
		t.Fatalf("unexpected filter condition: %v", cond)
	}
}

func TestQueryMissingCollectionReturnsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":{"error":"Not found: Collection"}}`, http.StatusNotFound)
	}))
	defer server.Close()

	hits, err := New(server.URL).Query(context.Background(), "missing_knowledge", []float32{1}, 5, nil)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %d", len(hits))
	}
}

func TestDeleteByDocumentFiltersOnDomainAndHash(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/docs_knowledge/points/delete" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		raw, _ := json.Marshal(body)
		gotBody = string(raw)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := New(server.URL).DeleteByDocument(context.Background(), "docs_knowledge", "docs", "abc"); err != nil {
		t.Fatalf("DeleteByDocument() error = %v", err)
	}
	if !strings.Contains(gotBody, `"document_hash"`) || !strings.Contains(gotBody, `"abc"`) {
		t.Fatalf("expected hash filter, got %s", gotBody)
	}
	if !strings.Contains(gotBody, `"domain"`) || !strings.Contains(gotBody, `"docs"`) {
		t.Fatalf("expected domain filter, got %s", gotBody)
	}
}

func TestCountReadsExactCount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/docs_knowledge/points/count" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"result":{"count":42}}`))
	}))
	defer server.Close()

	n, err := New(server.URL).Count(context.Background(), "docs_knowledge")
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 42 {
		t.Fatalf("expected 42, got %d", n)
	}
}
