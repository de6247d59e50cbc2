package release

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestService(t *testing.T, baseURL string) *Service {
	t.Helper()
	svc := New("n8n-io/n8n", t.TempDir(), 6*time.Hour, slog.Default())
	svc.baseURL = baseURL
	svc.client = &http.Client{Timeout: 5 * time.Second}
	return svc
}

func releasesHandler(t *testing.T, pages map[string][]map[string]any) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if page == "" {
			page = "1"
		}
		body, ok := pages[page]
		if !ok {
			t.Fatalf("unexpected page request %q", page)
		}
		if next, ok := pages[nextPage(page)]; ok && len(next) > 0 {
			w.Header().Set("Link", fmt.Sprintf(`<http://%s%s?per_page=100&page=%s>; rel="next"`, r.Host, r.URL.Path, nextPage(page)))
		}
		json.NewEncoder(w).Encode(body)
	}
}

func nextPage(page string) string {
	if page == "1" {
		return "2"
	}
	return "3"
}

func TestListFetchesAndSortsVersions(t *testing.T) {
	server := httptest.NewServer(releasesHandler(t, map[string][]map[string]any{
		"1": {
			{"tag_name": "n8n@1.92.0"},
			{"tag_name": "n8n@1.85.3"},
			{"tag_name": "not-a-version"},
			{"tag_name": "n8n@2.0.0", "draft": true},
		},
		"2": {
			{"tag_name": "n8n@1.90.1"},
		},
	}))
	defer server.Close()
	svc := newTestService(t, server.URL)

	catalog, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"1.92.0", "1.90.1", "1.85.3"}
	if len(catalog.Versions) != len(want) {
		t.Fatalf("versions = %v", catalog.Versions)
	}
	for i, v := range want {
		if catalog.Versions[i] != v {
			t.Fatalf("versions = %v, want %v", catalog.Versions, want)
		}
	}
	if catalog.Newest != "1.92.0" {
		t.Fatalf("newest = %s", catalog.Newest)
	}
	if catalog.Stale {
		t.Fatal("fresh fetch must not be stale")
	}
}

func TestListServesFreshCacheWithoutFetching(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		json.NewEncoder(w).Encode([]map[string]any{{"tag_name": "n8n@1.92.0"}})
	}))
	defer server.Close()
	svc := newTestService(t, server.URL)

	if _, err := svc.List(context.Background()); err != nil {
		t.Fatalf("first List: %v", err)
	}
	if _, err := svc.List(context.Background()); err != nil {
		t.Fatalf("second List: %v", err)
	}
	if hits != 1 {
		t.Fatalf("api hit %d times, want 1", hits)
	}
}

func TestListServesStaleCacheWhenUpstreamDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{"tag_name": "n8n@1.92.0"}})
	}))
	svc := newTestService(t, server.URL)

	if _, err := svc.List(context.Background()); err != nil {
		t.Fatalf("warm-up List: %v", err)
	}
	server.Close()
	svc.now = func() time.Time { return time.Now().Add(7 * time.Hour) }

	catalog, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("stale List: %v", err)
	}
	if !catalog.Stale {
		t.Fatal("expected stale catalog")
	}
	if len(catalog.Versions) != 1 || catalog.Versions[0] != "1.92.0" {
		t.Fatalf("stale versions = %v", catalog.Versions)
	}
}

func TestListColdStartWithUpstreamDown(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:1")
	if _, err := svc.List(context.Background()); err == nil {
		t.Fatal("expected error with no cache and no upstream")
	}
}

func TestCorruptCacheFileIsDiscarded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{"tag_name": "n8n@1.92.0"}})
	}))
	defer server.Close()
	svc := newTestService(t, server.URL)
	if err := os.WriteFile(filepath.Join(svc.cacheDir, cacheFilename), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	catalog, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(catalog.Versions) != 1 {
		t.Fatalf("versions = %v", catalog.Versions)
	}
}
