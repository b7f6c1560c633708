package nzb

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/datallboy/nzbidx/internal/domain"
)

const (
	xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n" +
		`<!DOCTYPE nzb PUBLIC "-//newzBin//DTD NZB 1.1//EN" "http://www.newzbin.com/DTD/nzb/nzb-1.1.dtd">` + "\n"
)

// Build renders a Release as a complete NZB document. Callers are expected
// to have already run ValidateSegments; Build itself does not re-validate.
func Build(rel *domain.Release) ([]byte, error) {
	segments := make([]Segment, 0, len(rel.Segments))
	groups := map[string]struct{}{rel.SourceGroup: {}}
	for _, seg := range rel.Segments {
		segments = append(segments, Segment{
			Number:    seg.Number,
			Bytes:     seg.Size,
			MessageID: seg.MessageID,
		})
		groups[seg.Group] = struct{}{}
	}

	groupList := make([]string, 0, len(groups))
	for g := range groups {
		if g != "" {
			groupList = append(groupList, g)
		}
	}

	model := Model{
		Xmlns: xmlns,
		Files: []File{{
			Subject:  rel.NormTitle,
			Groups:   groupList,
			Segments: segments,
		}},
	}

	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(model); err != nil {
		return nil, fmt.Errorf("encode nzb: %w", err)
	}
	return buf.Bytes(), nil
}
