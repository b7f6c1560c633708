package nzb

import (
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/datallboy/nzbidx/internal/domain"
)

// ValidateSegments checks the segment schema invariant:
// message_id must be non-empty and contain no '<', '>', or surrogate code
// points. It returns the first offending segment's error; callers decide
// whether to drop just that segment or the whole release.
func ValidateSegments(segments []domain.Segment) error {
	if len(segments) == 0 {
		return fmt.Errorf("segment list is empty")
	}
	for _, seg := range segments {
		if seg.MessageID == "" {
			return fmt.Errorf("segment %d: message_id is empty", seg.Number)
		}
		if strings.ContainsAny(seg.MessageID, "<>") {
			return fmt.Errorf("segment %d: message_id contains angle brackets", seg.Number)
		}
		if hasSurrogate(seg.MessageID) {
			return fmt.Errorf("segment %d: message_id contains a surrogate code point", seg.Number)
		}
	}
	return nil
}

// hasSurrogate reports whether s contains a surrogate code point. A
// corrupted byte sequence encoding one (e.g. WTF-8) never decodes to an
// actual surrogate rune under range-over-string or utf8.DecodeRuneInString
// — Go's UTF-8 decoder substitutes utf8.RuneError instead, since UTF-8
// encoding forbids surrogates — so that substitution is treated as the
// surrogate signal too.
func hasSurrogate(s string) bool {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if size == 0 {
			size = 1
		}
		if r == utf8.RuneError || utf16.IsSurrogate(r) {
			return true
		}
		i += size
	}
	return false
}
