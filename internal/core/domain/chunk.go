package domain

import (
	"fmt"
	"iter"
)

type LocatorKind string

const (
	LocatorPage      LocatorKind = "page"
	LocatorParagraph LocatorKind = "paragraph"
)

// Locator points back into the source document. Index is 1-based.
type Locator struct {
	Kind  LocatorKind `json:"kind"`
	Index int         `json:"index"`
}

func (l Locator) IsZero() bool {
	return l.Kind == "" || l.Index <= 0
}

func (l Locator) String() string {
	if l.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s=%d", l.Kind, l.Index)
}

// Unit is the smallest piece of text an extractor yields.
type Unit struct {
	Text    string
	Locator Locator
}

// UnitSeq is lazy and finite. Ranging over it again restarts extraction.
type UnitSeq = iter.Seq2[Unit, error]

type Chunk struct {
	Seq     int     `json:"seq"`
	Text    string  `json:"text"`
	CharLen int     `json:"char_len"`
	Locator Locator `json:"locator"`
}

type EmbeddingRecord struct {
	ChunkID string
	Vector  []float32
	Payload Payload
}

// Well-known chunk payload keys.
const (
	PayloadDocumentHash = "document_hash"
	PayloadDomain       = "domain"
	PayloadSource       = "source"
	PayloadFormat       = "format"
	PayloadChunkType    = "chunk_type"
	PayloadChunkSeq     = "chunk_seq"
	PayloadPage         = "page"
	PayloadParagraph    = "paragraph"
	PayloadText         = "text"
	PayloadTextLength   = "text_length"
	PayloadTimestamp    = "timestamp"
	PayloadTags         = "tags"
)

var ChunkPayloadSchema = Schema{
	PayloadDocumentHash: MetaString,
	PayloadDomain:       MetaString,
	PayloadSource:       MetaString,
	PayloadFormat:       MetaString,
	PayloadChunkType:    MetaString,
	PayloadChunkSeq:     MetaInt,
	PayloadPage:         MetaInt,
	PayloadParagraph:    MetaInt,
	PayloadText:         MetaString,
	PayloadTextLength:   MetaInt,
	PayloadTimestamp:    MetaString,
	PayloadTags:         MetaString,
}
