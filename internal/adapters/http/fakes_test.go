package httpadapter

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
)

type uploaderFake struct {
	outcome domain.UploadOutcome
	err     error
	got     domain.UploadRequest
	body    []byte
}

func (f *uploaderFake) Upload(_ context.Context, req domain.UploadRequest) (*domain.UploadResult, error) {
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	f.got = req
	f.body = raw
	if f.err != nil {
		return nil, f.err
	}
	outcome := f.outcome
	if outcome == "" {
		outcome = domain.UploadCreated
	}
	status := domain.StatusReceived
	if outcome == domain.UploadDuplicate {
		status = domain.StatusIndexed
	}
	return &domain.UploadResult{
		Document: &domain.Document{
			Hash:     "abc123",
			Domain:   "med",
			Filename: req.Filename,
			Format:   domain.FormatText,
			Status:   status,
		},
		Outcome: outcome,
	}, nil
}

type searcherFake struct {
	results []domain.SearchResult
	err     error
	got     domain.SearchQuery
}

func (f *searcherFake) Search(_ context.Context, query domain.SearchQuery) ([]domain.SearchResult, error) {
	f.got = query
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type catalogFake struct {
	docs     []domain.Document
	err      error
	statsErr error
	deleted  []string
	filter   domain.DocumentFilter
}

func (f *catalogFake) GetDocument(_ context.Context, domainName, hash string) (*domain.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Document{Domain: domainName, Hash: hash, Status: domain.StatusIndexed}, nil
}

func (f *catalogFake) ListDocuments(_ context.Context, filter domain.DocumentFilter) ([]domain.Document, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	return f.docs, nil
}

func (f *catalogFake) Events(_ context.Context, domainName, hash string) ([]domain.ProcessingEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []domain.ProcessingEvent{{Domain: domainName, Hash: hash, Status: domain.StatusReceived, CreatedAt: time.Unix(0, 0)}}, nil
}

func (f *catalogFake) DeleteDocument(_ context.Context, domainName, hash string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, domain.DocumentKey(domainName, hash))
	return nil
}

func (f *catalogFake) Stats(_ context.Context, domainName string) (*domain.DomainStats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	if domainName == "" {
		domainName = "general"
	}
	return &domain.DomainStats{
		Domain:        domainName,
		Collection:    domain.CollectionName(domainName),
		Documents:     map[domain.DocumentStatus]int{domain.StatusIndexed: 1},
		IndexedChunks: 3,
	}, nil
}

type testRouter struct {
	uploader *uploaderFake
	searcher *searcherFake
	catalog  *catalogFake
	handler  http.Handler
}

func newTestRouter(opts Options) *testRouter {
	tr := &testRouter{
		uploader: &uploaderFake{},
		searcher: &searcherFake{},
		catalog:  &catalogFake{},
	}
	tr.handler = NewRouter(tr.uploader, tr.searcher, tr.catalog, opts).Handler()
	return tr
}
