// Package changedetect persists per-URL fingerprints and decides whether a
// page needs re-crawling.
package changedetect

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/VamsiGaletiInfinize/crawlscrap/internal/config"
	"github.com/VamsiGaletiInfinize/crawlscrap/internal/robots"
	"github.com/VamsiGaletiInfinize/crawlscrap/pkg/types"
)

// Kind names why a page was considered changed.
type Kind string

const (
	KindNew       Kind = "new"
	KindExpired   Kind = "expired"
	KindETag      Kind = "etag"
	KindContent   Kind = "content"
	KindStructure Kind = "structure"
)

// Decision reports whether a URL should be re-crawled.
type Decision struct {
	Changed bool
	Kind    Kind
	Recrawl bool
	Reason  string
}

// Stats is a snapshot of detector counters.
type Stats struct {
	Checked   int64
	Unchanged int64
	Changed   int64
	NewURLs   int64
}

// Tracker keeps fingerprints in per-host JSON cache files. Files load
// lazily on first touch of a host and are written back in one batch when
// the crawl ends. A corrupt cache file is treated as empty.
type Tracker struct {
	dir     string
	maxAge  time.Duration
	enabled bool
	now     func() time.Time

	mu      sync.Mutex
	domains map[string]*domainCache
	stats   Stats
}

type domainCache struct {
	entries map[string]*types.Fingerprint
	dirty   bool
}

// NewTracker builds a tracker rooted at cfg.Dir.
func NewTracker(cfg config.ChangeConfig) *Tracker {
	return &Tracker{
		dir:     cfg.Dir,
		maxAge:  cfg.MaxAge.Duration,
		enabled: cfg.Enabled,
		now:     time.Now,
		domains: make(map[string]*domainCache),
	}
}

// Check decides whether the URL needs a fresh scrape, consulting the prior
// fingerprint against the response validators when available.
func (t *Tracker) Check(rawURL, etag, lastModified string) Decision {
	if !t.enabled {
		return Decision{Changed: true, Kind: KindContent, Recrawl: true, Reason: "change detection disabled"}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats.Checked++

	prior := t.lookupLocked(rawURL)
	if prior == nil {
		t.stats.NewURLs++
		return Decision{Changed: true, Kind: KindNew, Recrawl: true, Reason: "no prior fingerprint"}
	}

	if t.maxAge > 0 && t.now().Sub(prior.LastCrawled) > t.maxAge {
		t.stats.Changed++
		return Decision{Changed: true, Kind: KindExpired, Recrawl: true, Reason: "fingerprint older than max age"}
	}

	if etag != "" && prior.ETag != "" {
		if etag == prior.ETag {
			t.stats.Unchanged++
			return Decision{Reason: "etag-unchanged"}
		}
		t.stats.Changed++
		return Decision{Changed: true, Kind: KindETag, Recrawl: true, Reason: "etag differs"}
	}

	if lastModified != "" && prior.LastModified != "" {
		current, err1 := http.ParseTime(lastModified)
		previous, err2 := http.ParseTime(prior.LastModified)
		if err1 == nil && err2 == nil && !current.After(previous) {
			t.stats.Unchanged++
			return Decision{Reason: "lm-unchanged"}
		}
	}

	// Optimistic: assume changed and verify hashes after the fetch.
	t.stats.Changed++
	return Decision{Changed: true, Kind: KindContent, Recrawl: true, Reason: "no validator, verifying content"}
}

// Update recomputes the content and structure hashes after a scrape and
// rewrites the fingerprint. It reports whether the page actually changed
// relative to the prior record.
func (t *Tracker) Update(rawURL, content string, links, headings []string, etag, lastModified string) bool {
	if !t.enabled {
		return true
	}

	contentHash := md5Hex(content)
	structureHash := md5Hex(structureSummary(links, headings))
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	cache := t.domainLocked(rawURL)
	if cache == nil {
		return true
	}

	prior, exists := cache.entries[rawURL]
	if !exists {
		cache.entries[rawURL] = &types.Fingerprint{
			URL:           rawURL,
			ContentHash:   contentHash,
			StructureHash: structureHash,
			ETag:          etag,
			LastModified:  lastModified,
			LastCrawled:   now,
			CrawlCount:    1,
		}
		cache.dirty = true
		return true
	}

	changed := prior.ContentHash != contentHash || prior.StructureHash != structureHash
	prior.CrawlCount++
	if changed {
		if !prior.LastCrawled.IsZero() {
			interval := float64(now.Sub(prior.LastCrawled).Milliseconds())
			if prior.ChangeCount == 0 {
				prior.MeanChangeInterval = interval
			} else {
				prior.MeanChangeInterval += (interval - prior.MeanChangeInterval) / float64(prior.ChangeCount+1)
			}
		}
		prior.ChangeCount++
		prior.ContentHash = contentHash
		prior.StructureHash = structureHash
	}
	prior.ETag = etag
	prior.LastModified = lastModified
	prior.LastCrawled = now
	cache.dirty = true
	return changed
}

// LoadHost reads the host's cache file into memory ahead of the crawl.
func (t *Tracker) LoadHost(host string) {
	if !t.enabled {
		return
	}
	t.mu.Lock()
	t.loadLocked(strings.ToLower(host))
	t.mu.Unlock()
}

// Save writes every dirty domain cache back to disk.
func (t *Tracker) Save() error {
	if !t.enabled {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("create fingerprint dir: %w", err)
	}

	var errs error
	for host, cache := range t.domains {
		if !cache.dirty {
			continue
		}
		data, err := json.MarshalIndent(cache.entries, "", "  ")
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("marshal fingerprints for %s: %w", host, err))
			continue
		}
		path := filepath.Join(t.dir, sanitizeHost(host)+".json")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			errs = errors.Join(errs, fmt.Errorf("write fingerprints for %s: %w", host, err))
			continue
		}
		cache.dirty = false
	}
	return errs
}

// Stats returns a snapshot of the detector counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Fingerprint returns a copy of the stored record for a URL, if any.
func (t *Tracker) Fingerprint(rawURL string) (types.Fingerprint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fp := t.lookupLocked(rawURL)
	if fp == nil {
		return types.Fingerprint{}, false
	}
	return *fp, true
}

func (t *Tracker) lookupLocked(rawURL string) *types.Fingerprint {
	cache := t.domainLocked(rawURL)
	if cache == nil {
		return nil
	}
	return cache.entries[rawURL]
}

func (t *Tracker) domainLocked(rawURL string) *domainCache {
	host, err := robots.Host(rawURL)
	if err != nil {
		return nil
	}
	return t.loadLocked(host)
}

func (t *Tracker) loadLocked(host string) *domainCache {
	if cache, ok := t.domains[host]; ok {
		return cache
	}
	cache := &domainCache{entries: make(map[string]*types.Fingerprint)}
	t.domains[host] = cache

	path := filepath.Join(t.dir, sanitizeHost(host)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return cache
	}
	if err := json.Unmarshal(data, &cache.entries); err != nil {
		// Corrupt cache files start over empty and get overwritten on save.
		cache.entries = make(map[string]*types.Fingerprint)
		cache.dirty = true
	}
	return cache
}

// structureSummary canonicalises the page's shape: counts plus the sorted
// first ten links and first ten headings.
func structureSummary(links, headings []string) string {
	sortedLinks := append([]string(nil), links...)
	sort.Strings(sortedLinks)
	if len(sortedLinks) > 10 {
		sortedLinks = sortedLinks[:10]
	}
	headSample := append([]string(nil), headings...)
	if len(headSample) > 10 {
		headSample = headSample[:10]
	}

	summary := struct {
		LinkCount    int      `json:"linkCount"`
		HeadingCount int      `json:"headingCount"`
		Links        []string `json:"links"`
		Headings     []string `json:"headings"`
	}{
		LinkCount:    len(links),
		HeadingCount: len(headings),
		Links:        sortedLinks,
		Headings:     headSample,
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return ""
	}
	return string(data)
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

var unsafeHostChars = regexp.MustCompile(`[^A-Za-z0-9.-]`)

// sanitizeHost makes a host usable as a cache filename.
func sanitizeHost(host string) string {
	return unsafeHostChars.ReplaceAllString(host, "_")
}
