package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestIsReady(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"ready", http.StatusOK, `{"status":"ready"}`, true},
		{"initializing", http.StatusOK, `{"status":"initializing"}`, false},
		{"server error", http.StatusInternalServerError, `{}`, false},
		{"garbage body", http.StatusOK, `nope`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/status" {
					t.Fatalf("unexpected path: %s", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			client := NewClient(server.URL, zerolog.Nop())
			if got := client.IsReady(context.Background()); got != tt.want {
				t.Fatalf("IsReady = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsReadyUnreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", zerolog.Nop())
	if client.IsReady(context.Background()) {
		t.Fatal("unreachable service must read as not ready")
	}
}

func TestSearchKeepsServiceOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/search" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Query != "adó" || req.TopK != 3 {
			t.Fatalf("unexpected request: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"results":[
			{"source":"b.pdf","content":"second","relevance_score":0.7},
			{"source":"a.pdf","content":"first","relevance_score":0.9}
		]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, zerolog.Nop())
	results, err := client.Search(context.Background(), "adó", 3)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	// Order is the service's own ranking, not re-sorted by score.
	if len(results) != 2 || results[0].Source != "b.pdf" || results[1].Source != "a.pdf" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestSearchError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"index rebuilding"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, zerolog.Nop())
	if _, err := client.Search(context.Background(), "q", 3); err == nil {
		t.Fatal("expected error")
	}
}

func TestNotify(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ingest" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		gotPath = req.Path
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(server.URL, zerolog.Nop())
	if err := client.Notify(context.Background(), "docs/report.pdf"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if gotPath != "docs/report.pdf" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
}
