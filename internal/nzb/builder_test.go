package nzb

import (
	"strings"
	"testing"

	"github.com/datallboy/nzbidx/internal/domain"
)

func TestBuildProducesSingleFileWithSegments(t *testing.T) {
	rel := &domain.Release{
		NormTitle:   "awesome film 2024",
		SourceGroup: "alt.binaries.movies",
		Segments: []domain.Segment{
			{Number: 1, MessageID: "m1", Group: "alt.binaries.movies", Size: 456},
		},
	}

	out, err := Build(rel)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "<nzb") || !strings.Contains(s, "m1") {
		t.Fatalf("unexpected output: %s", s)
	}
	if strings.Contains(s, "<m1>") {
		t.Fatalf("message-id should not be wrapped in angle brackets: %s", s)
	}
	if !strings.Contains(s, `xmlns="http://www.newzbin.com/DTD/2003/nzb"`) {
		t.Fatalf("expected root element to carry the nzb xmlns: %s", s)
	}
}

func TestValidateSegmentsRejectsAngleBrackets(t *testing.T) {
	err := ValidateSegments([]domain.Segment{{Number: 1, MessageID: "<m1>"}})
	if err == nil {
		t.Fatalf("expected validation error for angle brackets")
	}
}

func TestValidateSegmentsRejectsSurrogates(t *testing.T) {
	err := ValidateSegments([]domain.Segment{{Number: 1, MessageID: "m1" + string(rune(0xDCE2))}})
	if err == nil {
		t.Fatalf("expected validation error for surrogate code point")
	}
}

func TestValidateSegmentsRejectsEmptyList(t *testing.T) {
	if err := ValidateSegments(nil); err == nil {
		t.Fatalf("expected validation error for empty segment list")
	}
}

func TestValidateSegmentsAcceptsCleanList(t *testing.T) {
	err := ValidateSegments([]domain.Segment{{Number: 1, MessageID: "m1", Group: "alt.binaries.movies", Size: 10}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestCategoryNameFallsBackToOther(t *testing.T) {
	if CategoryName(9999) != "Other" {
		t.Fatalf("expected fallback to Other")
	}
	if CategoryName(2000) != "Movies" {
		t.Fatalf("expected Movies for 2000")
	}
}
