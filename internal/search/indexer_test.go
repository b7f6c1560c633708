package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBulkSendsNDJSONAndToleratesPartialFailure(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_bulk" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		received = buf

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"errors": true,
			"items": []map[string]any{
				{"index": map[string]any{"_id": "a:2024-01-01", "status": 201}},
				{"index": map[string]any{"_id": "b:2024-01-01", "status": 409, "error": "version conflict"}},
			},
		})
	}))
	defer srv.Close()

	idx := New(srv.URL, "releases", nil)
	err := idx.Bulk(context.Background(), []Doc{
		{DedupeKey: "a:2024-01-01", NormTitle: "a"},
		{DedupeKey: "b:2024-01-01", NormTitle: "b"},
	})
	if err != nil {
		t.Fatalf("Bulk returned error despite partial per-doc failure: %v", err)
	}
	if len(received) == 0 {
		t.Fatalf("expected request body to be sent")
	}
}

func TestBulkEmptyIsNoop(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	idx := New(srv.URL, "releases", nil)
	if err := idx.Bulk(context.Background(), nil); err != nil {
		t.Fatalf("Bulk(nil) returned error: %v", err)
	}
	if called {
		t.Fatalf("expected no HTTP call for an empty batch")
	}
}

func TestDoBulkFailsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	idx := New(srv.URL, "releases", nil)
	err := idx.Bulk(context.Background(), []Doc{{DedupeKey: "a"}})
	if err == nil {
		t.Fatalf("expected error on 500 response")
	}
}
