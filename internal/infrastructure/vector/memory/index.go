// Package memory is an in-process vector index with brute-force cosine
// search. Collections are optionally snapshotted to a directory so that the
// API and worker processes on one host can share them.
package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/kirillkom/knowledge-server/internal/core/domain"
)

type Index struct {
	dir string

	mu          sync.Mutex
	collections map[string]*collection
}

type collection struct {
	Dimension int               `json:"dimension"`
	Points    map[string]*point `json:"points"`

	kinds    map[string]domain.MetaKind
	loadedAt time.Time
}

type point struct {
	Vector  []float32      `json:"vector"`
	Payload domain.Payload `json:"payload"`
}

// New returns an index. An empty dir keeps everything in memory only.
func New(dir string) (*Index, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create vector snapshot dir: %w", err)
		}
	}
	return &Index{dir: dir, collections: make(map[string]*collection)}, nil
}

func (x *Index) Upsert(_ context.Context, name string, records []domain.EmbeddingRecord) error {
	if len(records) == 0 {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	c, err := x.load(name)
	if err != nil {
		return domain.WrapError(domain.ErrIndexWrite, "memory upsert", err)
	}

	for i, rec := range records {
		if len(rec.Vector) == 0 {
			return domain.WrapError(domain.ErrIndexWrite, "memory upsert", fmt.Errorf("record %d has no vector", i))
		}
		if c.Dimension != 0 && len(rec.Vector) != c.Dimension {
			return domain.WrapError(domain.ErrIndexWrite, "memory upsert",
				fmt.Errorf("record %d has dimension %d, collection %s expects %d", i, len(rec.Vector), name, c.Dimension))
		}
		if err := rec.Payload.Validate(domain.ChunkPayloadSchema); err != nil {
			return err
		}
		if err := rec.Payload.Validate(c.kinds); err != nil {
			return err
		}
	}

	if c.Dimension == 0 {
		c.Dimension = len(records[0].Vector)
	}
	for _, rec := range records {
		c.Points[rec.ChunkID] = &point{Vector: slices.Clone(rec.Vector), Payload: rec.Payload}
		for key, v := range rec.Payload {
			c.kinds[key] = v.Kind()
		}
	}
	if err := x.persist(name, c); err != nil {
		return domain.WrapError(domain.ErrIndexWrite, "memory upsert", err)
	}
	return nil
}

func (x *Index) DeleteByDocument(_ context.Context, name, domainName, hash string) error {
	filter := domain.IndexFilter{domain.PayloadDomain: domainName, domain.PayloadDocumentHash: hash}
	x.mu.Lock()
	defer x.mu.Unlock()

	c, err := x.load(name)
	if err != nil {
		return domain.WrapError(domain.ErrIndexWrite, "memory delete", err)
	}
	removed := 0
	for id, p := range c.Points {
		if matches(p.Payload, filter) {
			delete(c.Points, id)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	if err := x.persist(name, c); err != nil {
		return domain.WrapError(domain.ErrIndexWrite, "memory delete", err)
	}
	return nil
}

func (x *Index) Query(
	_ context.Context,
	name string,
	vector []float32,
	limit int,
	filter domain.IndexFilter,
) ([]domain.ScoredChunk, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	c, err := x.load(name)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || len(c.Points) == 0 {
		return nil, nil
	}
	if c.Dimension != len(vector) {
		return nil, fmt.Errorf("query dimension %d, collection %s has %d", len(vector), name, c.Dimension)
	}

	hits := make([]domain.ScoredChunk, 0, len(c.Points))
	for id, p := range c.Points {
		if !matches(p.Payload, filter) {
			continue
		}
		hits = append(hits, domain.ScoredChunk{
			ChunkID: id,
			Score:   cosine(vector, p.Vector),
			Payload: p.Payload,
		})
	}
	slices.SortFunc(hits, func(a, b domain.ScoredChunk) int {
		if a.Score != b.Score {
			return cmp.Compare(b.Score, a.Score)
		}
		return cmp.Compare(a.ChunkID, b.ChunkID)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (x *Index) Count(_ context.Context, name string) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	c, err := x.load(name)
	if err != nil {
		return 0, err
	}
	return len(c.Points), nil
}

// load returns the cached collection, re-reading the snapshot when another
// process wrote a newer one.
func (x *Index) load(name string) (*collection, error) {
	c, ok := x.collections[name]
	if x.dir == "" {
		if !ok {
			c = newCollection()
			x.collections[name] = c
		}
		return c, nil
	}

	info, err := os.Stat(x.snapshotPath(name))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if !ok {
			c = newCollection()
			x.collections[name] = c
		}
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("stat snapshot %s: %w", name, err)
	}
	if ok && !info.ModTime().After(c.loadedAt) {
		return c, nil
	}

	raw, err := os.ReadFile(x.snapshotPath(name))
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", name, err)
	}
	loaded := newCollection()
	if err := json.Unmarshal(raw, loaded); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", name, err)
	}
	if loaded.Points == nil {
		loaded.Points = make(map[string]*point)
	}
	for _, p := range loaded.Points {
		for key, v := range p.Payload {
			loaded.kinds[key] = v.Kind()
		}
	}
	loaded.loadedAt = info.ModTime()
	x.collections[name] = loaded
	return loaded, nil
}

func (x *Index) persist(name string, c *collection) error {
	if x.dir == "" {
		return nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(x.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), x.snapshotPath(name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace snapshot %s: %w", name, err)
	}
	if info, err := os.Stat(x.snapshotPath(name)); err == nil {
		c.loadedAt = info.ModTime()
	}
	return nil
}

func (x *Index) snapshotPath(name string) string {
	return filepath.Join(x.dir, name+".json")
}

func newCollection() *collection {
	return &collection{
		Points: make(map[string]*point),
		kinds:  make(map[string]domain.MetaKind),
	}
}

func matches(payload domain.Payload, filter domain.IndexFilter) bool {
	for key, want := range filter {
		v, ok := payload[key]
		if !ok || v.String() != want {
			return false
		}
	}
	return true
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
