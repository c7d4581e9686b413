package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
)

type repoFake struct {
	mu        sync.Mutex
	docs      map[string]*domain.Document
	events    map[string][]domain.ProcessingEvent
	statusErr error
	getErr    error
	clock     time.Time
}

func newRepoFake() *repoFake {
	return &repoFake{
		docs:   make(map[string]*domain.Document),
		events: make(map[string][]domain.ProcessingEvent),
		clock:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *repoFake) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *repoFake) put(doc domain.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = f.tick()
	}
	f.docs[doc.Key()] = &doc
}

func (f *repoFake) statuses(domainName, hash string) []domain.DocumentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.DocumentStatus
	for _, ev := range f.events[domain.DocumentKey(domainName, hash)] {
		out = append(out, ev.Status)
	}
	return out
}

func (f *repoFake) UpsertDocument(_ context.Context, doc *domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.tick()
	if existing, ok := f.docs[doc.Key()]; ok {
		if existing.Status != domain.StatusFailed {
			return domain.WrapError(domain.ErrStaleStatusTransition, "upsert", errors.New(string(existing.Status)))
		}
		doc.CreatedAt = existing.CreatedAt
	} else {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	stored := *doc
	f.docs[doc.Key()] = &stored
	f.events[doc.Key()] = append(f.events[doc.Key()], domain.ProcessingEvent{Domain: doc.Domain, Hash: doc.Hash, Status: doc.Status})
	return nil
}

func (f *repoFake) GetByHash(_ context.Context, domainName, hash string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	doc, ok := f.docs[domain.DocumentKey(domainName, hash)]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get", errors.New(hash))
	}
	out := *doc
	return &out, nil
}

func (f *repoFake) ListDocuments(_ context.Context, filter domain.DocumentFilter) ([]domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Document
	for _, doc := range f.docs {
		if filter.Domain != "" && doc.Domain != filter.Domain {
			continue
		}
		if filter.Status != "" && doc.Status != filter.Status {
			continue
		}
		if filter.Tag != "" && !slices.Contains(doc.Tags, filter.Tag) {
			continue
		}
		out = append(out, *doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *repoFake) UpdateStatus(_ context.Context, domainName, hash string, status domain.DocumentStatus, errMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return f.statusErr
	}
	doc, ok := f.docs[domain.DocumentKey(domainName, hash)]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "update", errors.New(hash))
	}
	if !slices.Contains(status.Predecessors(), doc.Status) {
		return domain.WrapError(domain.ErrStaleStatusTransition, "update", fmt.Errorf("%s -> %s", doc.Status, status))
	}
	doc.Status = status
	doc.Error = errMessage
	doc.UpdatedAt = f.tick()
	f.events[doc.Key()] = append(f.events[doc.Key()], domain.ProcessingEvent{Domain: domainName, Hash: hash, Status: status, Detail: errMessage})
	return nil
}

func (f *repoFake) SetChunkCount(_ context.Context, domainName, hash string, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[domain.DocumentKey(domainName, hash)]
	if !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "chunk count", errors.New(hash))
	}
	doc.ChunkCount = count
	return nil
}

func (f *repoFake) DeleteDocument(_ context.Context, domainName, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := domain.DocumentKey(domainName, hash)
	if _, ok := f.docs[key]; !ok {
		return domain.WrapError(domain.ErrDocumentNotFound, "delete", errors.New(hash))
	}
	delete(f.docs, key)
	delete(f.events, key)
	return nil
}

func (f *repoFake) ListEvents(_ context.Context, domainName, hash string) ([]domain.ProcessingEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.events[domain.DocumentKey(domainName, hash)]), nil
}

func (f *repoFake) CountByStatus(_ context.Context, domainName string) (map[domain.DocumentStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[domain.DocumentStatus]int)
	for _, doc := range f.docs {
		if domainName == "" || doc.Domain == domainName {
			out[doc.Status]++
		}
	}
	return out, nil
}

type storageFake struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	saveErr error
}

func newStorageFake() *storageFake {
	return &storageFake{blobs: make(map[string][]byte)}
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[key] = raw
	return nil
}

func (f *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.blobs[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "open", errors.New(key))
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (f *storageFake) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, key)
	return nil
}

type queueFake struct {
	mu         sync.Mutex
	tasks      []domain.IngestTask
	publishErr error
	capacity   int
}

func (f *queueFake) Publish(_ context.Context, task domain.IngestTask) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.capacity > 0 && len(f.tasks) >= f.capacity {
		return domain.WrapError(domain.ErrTemporary, "publish", errors.New("queue is full"))
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *queueFake) Subscribe(ctx context.Context, _ func(context.Context, domain.IngestTask) error) error {
	<-ctx.Done()
	return nil
}

// extractorFake yields one paragraph unit per blank-line separated block.
type extractorFake struct {
	err error
}

func (f *extractorFake) Extract(_ context.Context, _ domain.Format, raw []byte) (domain.UnitSeq, error) {
	if f.err != nil {
		return nil, f.err
	}
	return func(yield func(domain.Unit, error) bool) {
		for i, block := range strings.Split(string(raw), "\n\n") {
			block = strings.TrimSpace(block)
			if block == "" {
				continue
			}
			if !yield(domain.Unit{Text: block, Locator: domain.Locator{Kind: domain.LocatorParagraph, Index: i + 1}}, nil) {
				return
			}
		}
	}, nil
}

// chunkerFake emits one chunk per unit.
type chunkerFake struct{}

func (chunkerFake) Chunk(units domain.UnitSeq) ([]domain.Chunk, error) {
	var out []domain.Chunk
	for u, err := range units {
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Chunk{Seq: len(out), Text: u.Text, CharLen: len([]rune(u.Text)), Locator: u.Locator})
	}
	return out, nil
}

// embedderFake maps text onto a small bag-of-letters vector.
type embedderFake struct {
	err     error
	onEmbed func()
}

func (f *embedderFake) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.onEmbed != nil {
		f.onEmbed()
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = letterVector(text)
	}
	return out, nil
}

func (f *embedderFake) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := f.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (f *embedderFake) Dimension() int { return 26 }
func (f *embedderFake) Model() string { return "letters" }

func letterVector(text string) []float32 {
	v := make([]float32, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	return v
}

type indexFake struct {
	mu        sync.Mutex
	points    map[string]map[string]domain.EmbeddingRecord
	upsertErr error
	deletes   int
}

func newIndexFake() *indexFake {
	return &indexFake{points: make(map[string]map[string]domain.EmbeddingRecord)}
}

func (f *indexFake) Upsert(_ context.Context, collection string, records []domain.EmbeddingRecord) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.points[collection] == nil {
		f.points[collection] = make(map[string]domain.EmbeddingRecord)
	}
	for _, rec := range records {
		f.points[collection][rec.ChunkID] = rec
	}
	return nil
}

func (f *indexFake) DeleteByDocument(_ context.Context, collection, domainName, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	for id, rec := range f.points[collection] {
		if rec.Payload.String(domain.PayloadDocumentHash) == hash && rec.Payload.String(domain.PayloadDomain) == domainName {
			delete(f.points[collection], id)
		}
	}
	return nil
}

func (f *indexFake) Query(_ context.Context, collection string, vector []float32, limit int, filter domain.IndexFilter) ([]domain.ScoredChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hits []domain.ScoredChunk
	for id, rec := range f.points[collection] {
		ok := true
		for key, want := range filter {
			if rec.Payload.String(key) != want {
				ok = false
			}
		}
		if !ok {
			continue
		}
		hits = append(hits, domain.ScoredChunk{ChunkID: id, Score: cosine(vector, rec.Vector), Payload: rec.Payload})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (f *indexFake) Count(_ context.Context, collection string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points[collection]), nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// harness wires every use case over the same fakes.
type harness struct {
	repo     *repoFake
	storage  *storageFake
	queue    *queueFake
	index    *indexFake
	embedder *embedderFake
	extract  *extractorFake
	ingest   *IngestDocumentUseCase
	process  *ProcessDocumentUseCase
	search   *SearchUseCase
	catalog  *CatalogUseCase
}

func newHarness() *harness {
	h := &harness{
		repo:     newRepoFake(),
		storage:  newStorageFake(),
		queue:    &queueFake{},
		index:    newIndexFake(),
		embedder: &embedderFake{},
		extract:  &extractorFake{},
	}
	locks := NewInflightRegistry()
	h.ingest = NewIngestDocumentUseCase(h.repo, h.storage, h.queue, locks, IngestOptions{DefaultDomain: "general", MaxUploadBytes: 1 << 20})
	h.process = NewProcessDocumentUseCase(h.repo, h.storage, h.extract, chunkerFake{}, h.embedder, h.index, nil)
	h.search = NewSearchUseCase(h.repo, h.embedder, h.index, SearchOptions{DefaultDomain: "general"})
	h.catalog = NewCatalogUseCase(h.repo, h.storage, h.index, locks, "general", nil)
	return h
}

// drain processes every queued task in order.
func (h *harness) drain(ctx context.Context) error {
	h.queue.mu.Lock()
	tasks := h.queue.tasks
	h.queue.tasks = nil
	h.queue.mu.Unlock()
	for _, task := range tasks {
		if err := h.process.Process(ctx, task); err != nil {
			return err
		}
	}
	return nil
}
