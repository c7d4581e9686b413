// Package hashing is a local, deterministic embedding model built on the
// hashing trick. It needs no network and is the default for offline runs.
package hashing

import (
	"context"
	"fmt"
	"hash/fnv"
	"maps"
	"math"
	"slices"
	"strings"
	"unicode"
)

const (
	defaultDimension = 256
	tfSaturationK    = 1.2
)

type Encoder struct {
	dim int
}

func New(dim int) *Encoder {
	if dim <= 0 {
		dim = defaultDimension
	}
	return &Encoder{dim: dim}
}

func (e *Encoder) Model() string {
	return fmt.Sprintf("hashing-%d", e.dim)
}

func (e *Encoder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, e.encode(text))
	}
	return out, nil
}

func (e *Encoder) encode(text string) []float32 {
	termFreq := make(map[string]float64, 32)
	for _, token := range tokenize(text) {
		termFreq[token]++
	}

	vec := make([]float64, e.dim)
	for _, token := range slices.Sorted(maps.Keys(termFreq)) {
		tf := termFreq[token]
		h := hashToken(token)
		idx := int(h % uint64(e.dim))
		sign := 1.0
		if h&(1<<63) != 0 {
			sign = -1.0
		}
		vec[idx] += sign * (tf * (tfSaturationK + 1.0)) / (tf + tfSaturationK)
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, e.dim)
	if norm == 0 {
		// Texts without tokens still need a non-zero direction for cosine.
		out[0] = 1
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}

func hashToken(token string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(token))
	return h.Sum64()
}

func tokenize(s string) []string {
	if s == "" {
		return nil
	}
	out := make([]string, 0, 24)
	var b strings.Builder
	for _, r := range s {
		r = unicode.ToLower(r)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
