package domain

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
)

type DocumentStatus string

const (
	StatusReceived   DocumentStatus = "received"
	StatusExtracting DocumentStatus = "extracting"
	StatusChunking   DocumentStatus = "chunking"
	StatusEmbedding  DocumentStatus = "embedding"
	StatusIndexed    DocumentStatus = "indexed"
	StatusFailed     DocumentStatus = "failed"
)

func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusReceived, StatusExtracting, StatusChunking, StatusEmbedding, StatusIndexed, StatusFailed:
		return true
	default:
		return false
	}
}

func (s DocumentStatus) Terminal() bool {
	return s == StatusIndexed || s == StatusFailed
}

// Processing reports whether a worker currently owns the document.
func (s DocumentStatus) Processing() bool {
	return s == StatusExtracting || s == StatusChunking || s == StatusEmbedding
}

// Predecessors lists the states a document may be in immediately before
// entering s. Entering received happens only through a fresh upload or a
// re-upload of a failed document, never through a status update.
func (s DocumentStatus) Predecessors() []DocumentStatus {
	switch s {
	case StatusExtracting:
		return []DocumentStatus{StatusReceived}
	case StatusChunking:
		return []DocumentStatus{StatusExtracting}
	case StatusEmbedding:
		return []DocumentStatus{StatusChunking}
	case StatusIndexed:
		return []DocumentStatus{StatusEmbedding}
	case StatusFailed:
		return []DocumentStatus{StatusReceived, StatusExtracting, StatusChunking, StatusEmbedding}
	default:
		return nil
	}
}

type Format string

const (
	FormatPDF      Format = "pdf"
	FormatText     Format = "txt"
	FormatMarkdown Format = "md"
)

// ParseFormat resolves the declared format, falling back to the filename
// extension when nothing was declared.
func ParseFormat(declared, filename string) (Format, error) {
	raw := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(declared), "."))
	if raw == "" {
		raw = strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	}
	switch raw {
	case "pdf":
		return FormatPDF, nil
	case "txt", "text":
		return FormatText, nil
	case "md", "markdown":
		return FormatMarkdown, nil
	case "":
		return "", WrapError(ErrUnsupportedFormat, "parse format", errors.New("format is not declared and filename has no extension"))
	default:
		return "", WrapError(ErrUnsupportedFormat, "parse format", fmt.Errorf("format %q", raw))
	}
}

// Document is identified by its domain and the hash of its raw bytes.
type Document struct {
	Hash       string         `json:"document_hash"`
	Domain     string         `json:"domain"`
	Filename   string         `json:"filename"`
	Format     Format         `json:"format"`
	Tags       []string       `json:"tags"`
	SizeBytes  int64          `json:"size_bytes"`
	ChunkCount int            `json:"chunk_count"`
	Status     DocumentStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	StorageKey string         `json:"-"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (d *Document) Key() string {
	return DocumentKey(d.Domain, d.Hash)
}

func DocumentKey(domainName, hash string) string {
	return domainName + "/" + hash
}

type UploadRequest struct {
	Filename string
	Format   string
	Domain   string
	Tags     []string
	Body     io.Reader
}

type UploadOutcome string

const (
	UploadCreated   UploadOutcome = "created"
	UploadDuplicate UploadOutcome = "duplicate"
	UploadInFlight  UploadOutcome = "in_flight"
	UploadRetried   UploadOutcome = "retried"
)

type UploadResult struct {
	Document *Document     `json:"document"`
	Outcome  UploadOutcome `json:"outcome"`
}

type DocumentFilter struct {
	Domain string
	Status DocumentStatus
	Tag    string
	Limit  int
}

// ProcessingEvent is one accepted status transition in a document's audit trail.
type ProcessingEvent struct {
	Domain    string         `json:"domain"`
	Hash      string         `json:"document_hash"`
	Status    DocumentStatus `json:"status"`
	Detail    string         `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// IngestTask asks the worker pool to run the pipeline for one document.
type IngestTask struct {
	Domain     string    `json:"domain"`
	Hash       string    `json:"document_hash"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (t IngestTask) Key() string {
	return DocumentKey(t.Domain, t.Hash)
}

type DomainStats struct {
	Domain        string                 `json:"domain"`
	Collection    string                 `json:"collection"`
	Documents     map[DocumentStatus]int `json:"documents"`
	IndexedChunks int                    `json:"indexed_chunks"`
}

// CollectionName maps a knowledge domain onto its vector index collection.
func CollectionName(domainName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(domainName)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := b.String()
	if name == "" {
		name = "default"
	}
	return name + "_knowledge"
}

const maxDomainNameLen = 64

// NormalizeDomainName trims and lower-cases the name, falling back to def
// when blank. Names may hold only letters, digits, '-' and '_', so distinct
// domains never share a collection.
func NormalizeDomainName(raw, def string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		name = strings.ToLower(strings.TrimSpace(def))
	}
	if name == "" {
		return "", WrapError(ErrInvalidInput, "domain name", errors.New("domain is required"))
	}
	if len(name) > maxDomainNameLen {
		return "", WrapError(ErrInvalidInput, "domain name", fmt.Errorf("invalid domain %q", name))
	}
	for _, r := range name {
		ok := r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !ok {
			return "", WrapError(ErrInvalidInput, "domain name", fmt.Errorf("invalid domain %q", name))
		}
	}
	return name, nil
}

// NormalizeTags trims tags and drops blanks and repeats, keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
