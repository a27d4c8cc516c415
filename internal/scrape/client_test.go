package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestScrapeRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scrape" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Internal-API-Key") != "secret" {
			t.Errorf("missing internal auth header")
		}
		var request map[string]any
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if request["url"] != "https://a.test/x" || request["wait_time"] != float64(3) {
			t.Errorf("unexpected request: %+v", request)
		}
		_ = json.NewEncoder(w).Encode(Result{
			URL:        "https://a.test/x",
			Content:    "<html>hello</html>",
			StatusCode: 200,
			Success:    true,
		})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, InternalAPIKey: "secret"})
	result, err := client.Scrape(context.Background(), "https://a.test/x", 3)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	if !result.Success || result.Content == "" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestScrapeSurfacesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "browser pool exhausted", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	_, err := client.Scrape(context.Background(), "https://a.test/x", 3)
	if err == nil {
		t.Fatalf("expected error on 502")
	}
	var collabErr *CollaboratorError
	if !errors.As(err, &collabErr) {
		t.Fatalf("expected CollaboratorError, got %T", err)
	}
}
