// Package search implements SearchIndexer: a bulk REST client against an
// OpenSearch-compatible index alias.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/datallboy/nzbidx/internal/domain"
	"github.com/datallboy/nzbidx/internal/nzb"
)

// Doc is one bulk-indexed document.
type Doc struct {
	DedupeKey     string    `json:"-"`
	NormTitle     string    `json:"norm_title"`
	Category      int       `json:"category"`
	CategoryLabel string    `json:"category_label"`
	Language      string    `json:"language"`
	Tags          []string  `json:"tags"`
	SourceGroup   string    `json:"source_group"`
	SizeBytes     int64     `json:"size_bytes"`
	PostedAt      time.Time `json:"posted_at,omitempty"`
	HasParts      bool      `json:"has_parts"`
	PartCount     int       `json:"part_count"`
}

// DocFromRelease builds the indexed document shape for a release.
func DocFromRelease(rel *domain.Release) Doc {
	doc := Doc{
		DedupeKey:     rel.DedupeKey(),
		NormTitle:     rel.NormTitle,
		Category:      rel.CategoryID,
		CategoryLabel: nzb.CategoryName(rel.CategoryID),
		Language:      rel.Language,
		Tags:          rel.Tags,
		SourceGroup:   rel.SourceGroup,
		SizeBytes:     rel.SizeBytes,
		HasParts:      rel.HasParts(),
		PartCount:     rel.PartCount(),
	}
	if rel.HasPostedAt {
		doc.PostedAt = rel.PostedAt
	}
	return doc
}

// Indexer bulk-upserts documents into an index alias via OpenSearch's
// _bulk endpoint.
type Indexer struct {
	baseURL string
	alias   string
	client  *http.Client
	log     *slog.Logger
}

// New constructs an Indexer targeting baseURL (e.g. OPENSEARCH_URL) and the
// given index alias.
func New(baseURL, alias string, log *slog.Logger) *Indexer {
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{
		baseURL: strings.TrimRight(baseURL, "/"),
		alias:   alias,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

type bulkAction struct {
	Index *bulkMeta `json:"index,omitempty"`
	Delete *bulkMeta `json:"delete,omitempty"`
}

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []struct {
		Index struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  any    `json:"error,omitempty"`
		} `json:"index"`
		Delete struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  any    `json:"error,omitempty"`
		} `json:"delete"`
	} `json:"items"`
}

// Bulk idempotently upserts docs, keyed by dedupe key. It tolerates
// partial failure: per-document errors are logged, and the call returns
// an error only when the transport itself fails.
func (idx *Indexer) Bulk(ctx context.Context, docs []Doc) error {
	if len(docs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		action := bulkAction{Index: &bulkMeta{Index: idx.alias, ID: doc.DedupeKey}}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("encode bulk action: %w", err)
		}
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode bulk document: %w", err)
		}
	}

	resp, err := idx.doBulk(ctx, &buf)
	if err != nil {
		return err
	}

	for _, item := range resp.Items {
		if item.Index.Status >= 300 {
			idx.log.Warn("search_index_doc_failed", "id", item.Index.ID, "status", item.Index.Status, "error", item.Index.Error)
		}
	}
	return nil
}

// DeleteByKeys removes documents by dedupe key, tolerating per-document
// not-found responses.
func (idx *Indexer) DeleteByKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, key := range keys {
		action := bulkAction{Delete: &bulkMeta{Index: idx.alias, ID: key}}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("encode bulk delete: %w", err)
		}
	}

	resp, err := idx.doBulk(ctx, &buf)
	if err != nil {
		return err
	}
	for _, item := range resp.Items {
		if item.Delete.Status >= 300 && item.Delete.Status != http.StatusNotFound {
			idx.log.Warn("search_delete_doc_failed", "id", item.Delete.ID, "status", item.Delete.Status, "error", item.Delete.Error)
		}
	}
	return nil
}

func (idx *Indexer) doBulk(ctx context.Context, body io.Reader) (*bulkResponse, error) {
	url := fmt.Sprintf("%s/_bulk", idx.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := idx.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bulk request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("bulk request failed with status %d", resp.StatusCode)
	}

	var parsed bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}
	return &parsed, nil
}
