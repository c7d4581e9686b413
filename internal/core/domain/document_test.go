package domain

import (
	"errors"
	"slices"
	"testing"
)

func TestParseFormat(t *testing.T) {
	cases := []struct {
		declared string
		filename string
		want     Format
	}{
		{declared: "pdf", filename: "a.bin", want: FormatPDF},
		{declared: ".MD", want: FormatMarkdown},
		{filename: "notes.txt", want: FormatText},
		{filename: "README.markdown", want: FormatMarkdown},
		{filename: "report.PDF", want: FormatPDF},
	}
	for _, tc := range cases {
		got, err := ParseFormat(tc.declared, tc.filename)
		if err != nil {
			t.Fatalf("ParseFormat(%q, %q) error = %v", tc.declared, tc.filename, err)
		}
		if got != tc.want {
			t.Fatalf("ParseFormat(%q, %q) = %q, want %q", tc.declared, tc.filename, got, tc.want)
		}
	}
}

func TestParseFormatRejectsUnknown(t *testing.T) {
	for _, filename := range []string{"slides.pptx", "noext"} {
		_, err := ParseFormat("", filename)
		if !errors.Is(err, ErrUnsupportedFormat) {
			t.Fatalf("%s: expected ErrUnsupportedFormat, got %v", filename, err)
		}
	}
}

func TestStatusPredecessorsAreMonotonic(t *testing.T) {
	if got := StatusIndexed.Predecessors(); !slices.Equal(got, []DocumentStatus{StatusEmbedding}) {
		t.Fatalf("unexpected indexed predecessors: %v", got)
	}
	if slices.Contains(StatusFailed.Predecessors(), StatusIndexed) {
		t.Fatalf("indexed documents must not move to failed")
	}
	if StatusReceived.Predecessors() != nil {
		t.Fatalf("received is entered only through upload")
	}
	if !StatusFailed.Terminal() || !StatusIndexed.Terminal() || StatusEmbedding.Terminal() {
		t.Fatalf("unexpected terminal states")
	}
}

func TestCollectionNameIsStable(t *testing.T) {
	if got := CollectionName("Medical Protocols"); got != "medical_protocols_knowledge" {
		t.Fatalf("unexpected collection name %q", got)
	}
	if got := CollectionName(""); got != "default_knowledge" {
		t.Fatalf("unexpected default collection name %q", got)
	}
}

func TestNormalizeDomainName(t *testing.T) {
	got, err := NormalizeDomainName("  medical ", "general")
	if err != nil || got != "medical" {
		t.Fatalf("NormalizeDomainName() = %q, %v", got, err)
	}
	got, err = NormalizeDomainName("", "general")
	if err != nil || got != "general" {
		t.Fatalf("expected default domain, got %q, %v", got, err)
	}
	got, err = NormalizeDomainName(" Legal", "")
	if err != nil || got != "legal" {
		t.Fatalf("expected lower-cased domain, got %q, %v", got, err)
	}
	for _, bad := range []string{"a/b", "..", "med ical", ".hidden", "a.b"} {
		if _, err := NormalizeDomainName(bad, ""); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("NormalizeDomainName(%q) expected ErrInvalidInput, got %v", bad, err)
		}
	}
}

func TestDistinctDomainsGetDistinctCollections(t *testing.T) {
	seen := make(map[string]string)
	for _, raw := range []string{"legal", "Legal", "LEGAL", "legal_x", "legal-x", "a_b", "a-b"} {
		name, err := NormalizeDomainName(raw, "")
		if err != nil {
			t.Fatalf("NormalizeDomainName(%q) error = %v", raw, err)
		}
		collection := CollectionName(name)
		if prev, ok := seen[collection]; ok && prev != name {
			t.Fatalf("domains %q and %q share collection %q", prev, name, collection)
		}
		seen[collection] = name
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 collections, got %v", seen)
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" cardio", "", "neuro", "cardio "})
	if !slices.Equal(got, []string{"cardio", "neuro"}) {
		t.Fatalf("NormalizeTags() = %v", got)
	}
}
