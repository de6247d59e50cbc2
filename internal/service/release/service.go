// Package release maintains the catalog of deployable upstream versions. It
// pulls release tags from GitHub, keeps them in a file-backed cache and
// refreshes incrementally when the cache goes stale.
package release

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/krystianslowik/n8n-k8s-version-manager/internal/domain"
)

const (
	defaultBaseURL = "https://api.github.com"
	cacheFilename  = "releases.json"
	perPage        = 100
)

var nextLink = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// Catalog is the version list served to clients.
type Catalog struct {
	Versions  []string  `json:"versions"`
	Newest    string    `json:"newest,omitempty"`
	LastCheck time.Time `json:"last_check"`
	Stale     bool      `json:"stale,omitempty"`
}

type cacheFile struct {
	Versions  []string  `json:"versions"`
	LastCheck time.Time `json:"last_check"`
}

// Service fetches and caches upstream release versions.
type Service struct {
	repo     string
	cacheDir string
	ttl      time.Duration
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// New builds a release catalog for the given owner/name repo.
func New(repo, cacheDir string, ttl time.Duration, log *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Service{
		repo:     repo,
		cacheDir: cacheDir,
		ttl:      ttl,
		baseURL:  defaultBaseURL,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   log,
		now:      time.Now,
	}
}

// List returns the known versions, newest first. A fresh cache is served
// directly; a stale one triggers a refresh that stops as soon as a page
// contains only already-known versions. When the upstream API is unreachable
// the stale cache is served with Stale set instead of failing.
func (s *Service) List(ctx context.Context) (Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cached := s.loadCache()
	if cached != nil && s.now().Sub(cached.LastCheck) < s.ttl {
		return s.catalogFrom(cached.Versions, cached.LastCheck, false), nil
	}

	known := map[string]struct{}{}
	var versions []string
	if cached != nil {
		versions = cached.Versions
		for _, v := range cached.Versions {
			known[v] = struct{}{}
		}
	}

	fetched, err := s.fetch(ctx, known)
	if err != nil {
		if cached == nil {
			return Catalog{}, fmt.Errorf("%w: fetch releases: %v", domain.ErrUnavailable, err)
		}
		s.logger.Warn("serving stale release catalog", "error", err)
		return s.catalogFrom(cached.Versions, cached.LastCheck, true), nil
	}

	versions = mergeVersions(versions, fetched)
	checked := s.now()
	s.saveCache(cacheFile{Versions: versions, LastCheck: checked})
	return s.catalogFrom(versions, checked, false), nil
}

func (s *Service) catalogFrom(versions []string, checked time.Time, stale bool) Catalog {
	catalog := Catalog{Versions: versions, LastCheck: checked, Stale: stale}
	if len(versions) > 0 {
		catalog.Newest = versions[0]
	}
	if catalog.Versions == nil {
		catalog.Versions = []string{}
	}
	return catalog
}

type githubRelease struct {
	TagName    string `json:"tag_name"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

// fetch pages through the releases API. Paging stops early once a full page
// brought nothing new, so routine refreshes cost one request.
func (s *Service) fetch(ctx context.Context, known map[string]struct{}) ([]string, error) {
	url := fmt.Sprintf("%s/repos/%s/releases?per_page=%d", s.baseURL, s.repo, perPage)
	hadCache := len(known) > 0
	var fetched []string
	for url != "" {
		page, next, err := s.fetchPage(ctx, url)
		if err != nil {
			return nil, err
		}
		sawNew := false
		for _, release := range page {
			if release.Draft {
				continue
			}
			version := strings.TrimPrefix(release.TagName, "n8n@")
			version = strings.TrimPrefix(version, "v")
			if _, err := semver.StrictNewVersion(version); err != nil {
				continue
			}
			if _, ok := known[version]; ok {
				continue
			}
			known[version] = struct{}{}
			fetched = append(fetched, version)
			sawNew = true
		}
		if hadCache && !sawNew {
			break
		}
		url = next
	}
	return fetched, nil
}

func (s *Service) fetchPage(ctx context.Context, url string) ([]githubRelease, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("github responded %s", resp.Status)
	}

	var page []githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, "", fmt.Errorf("decode releases page: %w", err)
	}

	next := ""
	if m := nextLink.FindStringSubmatch(resp.Header.Get("Link")); m != nil {
		next = m[1]
	}
	return page, next, nil
}

func mergeVersions(existing, fetched []string) []string {
	seen := map[string]struct{}{}
	merged := make([]string, 0, len(existing)+len(fetched))
	for _, v := range append(fetched, existing...) {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		merged = append(merged, v)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		a, errA := semver.StrictNewVersion(merged[i])
		b, errB := semver.StrictNewVersion(merged[j])
		if errA != nil || errB != nil {
			return errA == nil
		}
		return a.GreaterThan(b)
	})
	return merged
}

func (s *Service) cachePath() string {
	return filepath.Join(s.cacheDir, cacheFilename)
}

// loadCache returns nil on any failure: a missing or corrupt cache file just
// means a cold start.
func (s *Service) loadCache() *cacheFile {
	raw, err := os.ReadFile(s.cachePath())
	if err != nil {
		return nil
	}
	var cached cacheFile
	if err := json.Unmarshal(raw, &cached); err != nil {
		s.logger.Warn("discarding corrupt release cache", "path", s.cachePath(), "error", err)
		return nil
	}
	return &cached
}

func (s *Service) saveCache(cached cacheFile) {
	raw, err := json.Marshal(cached)
	if err != nil {
		s.logger.Error("encode release cache", "error", err)
		return
	}
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		s.logger.Error("create release cache dir", "error", err)
		return
	}
	tmp := s.cachePath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		s.logger.Error("write release cache", "error", err)
		return
	}
	if err := os.Rename(tmp, s.cachePath()); err != nil {
		s.logger.Error("replace release cache", "error", err)
	}
}
