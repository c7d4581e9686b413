package usecase

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
	"github.com/kirillkom/knowledge-server/internal/core/ports"
)

const defaultSearchCandidates = 20

type SearchObserver interface {
	ObserveSearch(domainName string, results int, duration time.Duration)
}

type SearchOptions struct {
	DefaultDomain string
	DefaultK      int
	// Candidates is how many hits to pull from the index before dropping
	// documents that are not indexed or do not match the filters.
	Candidates int
}

type SearchUseCase struct {
	repo     ports.DocumentRepository
	embedder ports.Embedder
	index    ports.VectorIndex
	opts     SearchOptions
	observer SearchObserver
}

func NewSearchUseCase(
	repo ports.DocumentRepository,
	embedder ports.Embedder,
	index ports.VectorIndex,
	opts SearchOptions,
) *SearchUseCase {
	if opts.DefaultK <= 0 || opts.DefaultK > domain.MaxSearchK {
		opts.DefaultK = domain.DefaultSearchK
	}
	if opts.Candidates <= 0 {
		opts.Candidates = defaultSearchCandidates
	}
	return &SearchUseCase{
		repo:     repo,
		embedder: embedder,
		index:    index,
		opts:     opts,
	}
}

func (uc *SearchUseCase) SetObserver(observer SearchObserver) {
	uc.observer = observer
}

func (uc *SearchUseCase) Search(ctx context.Context, query domain.SearchQuery) ([]domain.SearchResult, error) {
	start := time.Now()
	text := strings.TrimSpace(query.Query)
	if text == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "search", errors.New("query is required"))
	}
	k, err := uc.resolveK(query.K)
	if err != nil {
		return nil, err
	}
	domainName, err := domain.NormalizeDomainName(query.Domain, uc.opts.DefaultDomain)
	if err != nil {
		return nil, err
	}
	filter, err := indexFilter(query.Filters)
	if err != nil {
		return nil, err
	}

	vector, err := uc.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	// Hits from non-indexed or untagged documents are dropped after the
	// index query, so the candidate window doubles until k results survive
	// or the collection runs out of points.
	collection := domain.CollectionName(domainName)
	docs := make(map[string]*domain.Document)
	var results []domain.SearchResult
	for limit := max(k, uc.opts.Candidates); ; limit *= 2 {
		hits, err := uc.index.Query(ctx, collection, vector, limit, filter)
		if err != nil {
			return nil, fmt.Errorf("query vector index: %w", err)
		}
		results, err = uc.join(ctx, domainName, hits, query.Filters, docs)
		if err != nil {
			return nil, err
		}
		if len(results) >= k || len(hits) < limit {
			break
		}
	}
	slices.SortStableFunc(results, compareResults)
	if len(results) > k {
		results = results[:k]
	}

	if uc.observer != nil {
		uc.observer.ObserveSearch(domainName, len(results), time.Since(start))
	}
	return results, nil
}

func (uc *SearchUseCase) resolveK(k int) (int, error) {
	switch {
	case k < 0:
		return 0, domain.WrapError(domain.ErrInvalidInput, "search", fmt.Errorf("k must be positive, got %d", k))
	case k == 0:
		return uc.opts.DefaultK, nil
	case k > domain.MaxSearchK:
		return domain.MaxSearchK, nil
	default:
		return k, nil
	}
}

// join keeps hits whose document is currently indexed and passes the
// metadata filters the index cannot evaluate.
func (uc *SearchUseCase) join(
	ctx context.Context,
	domainName string,
	hits []domain.ScoredChunk,
	filters domain.SearchFilters,
	docs map[string]*domain.Document,
) ([]domain.SearchResult, error) {
	results := make([]domain.SearchResult, 0, len(hits))
	tag := strings.TrimSpace(filters.Tag)

	for _, hit := range hits {
		hash := hit.DocumentHash()
		if hash == "" {
			continue
		}
		doc, seen := docs[hash]
		if !seen {
			var err error
			doc, err = uc.repo.GetByHash(ctx, domainName, hash)
			if err != nil && !domain.IsKind(err, domain.ErrDocumentNotFound) {
				return nil, fmt.Errorf("load document %s: %w", hash, err)
			}
			if err != nil || doc.Status != domain.StatusIndexed || (tag != "" && !slices.Contains(doc.Tags, tag)) {
				doc = nil
			}
			docs[hash] = doc
		}
		if doc == nil {
			continue
		}

		result := domain.SearchResult{
			Text:     hit.Payload.String(domain.PayloadText),
			Seq:      hit.Seq(),
			Score:    hit.Score,
			Document: doc,
		}
		if loc := hit.Locator(); !loc.IsZero() {
			result.Locator = &loc
		}
		results = append(results, result)
	}
	return results, nil
}

// compareResults orders by score, then older documents, then position.
func compareResults(a, b domain.SearchResult) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := a.Document.CreatedAt.Compare(b.Document.CreatedAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Document.Hash, b.Document.Hash); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

func indexFilter(filters domain.SearchFilters) (domain.IndexFilter, error) {
	filter := domain.IndexFilter{}
	if name := strings.TrimSpace(filters.Filename); name != "" {
		filter[domain.PayloadSource] = name
	}
	if filters.Format != "" {
		format, err := domain.ParseFormat(string(filters.Format), "")
		if err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "search filter", err)
		}
		filter[domain.PayloadFormat] = string(format)
	}
	if len(filter) == 0 {
		return nil, nil
	}
	return filter, nil
}
