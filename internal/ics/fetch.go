package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	appLog "bellsched/internal/log"
)

// Source is one calendar feed: a remote URL or a local file.
type Source struct {
	ID   string
	URL  string
	Path string // read instead of URL when set
}

func (s Source) location() string {
	if s.Path != "" {
		return s.Path
	}
	return redactURL(s.URL)
}

// FetchResult is the body of a source and where it came from.
type FetchResult struct {
	Source    Source
	Body      []byte
	FromCache bool // served from disk after a 304 or a failed request
}

// Fetcher downloads feeds with conditional requests and keeps the last good
// body on disk so a restart without network still knows the holidays.
type Fetcher struct {
	client *http.Client
	cache  diskCache
}

// NewFetcher stores cached feeds below cacheDir, one directory per URL.
func NewFetcher(cacheDir string) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/ics-cache"
	}
	return &Fetcher{
		client: &http.Client{Timeout: 15 * time.Second},
		cache:  diskCache{dir: cacheDir},
	}
}

// FetchOne returns the body of src. Local files are read as is. Remote
// feeds are requested with If-None-Match / If-Modified-Since; on 304, on a
// non-200 status and on network failure the cached body is used if present.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if src.Path != "" {
		body, err := os.ReadFile(src.Path)
		if err != nil {
			return FetchResult{}, err
		}
		return FetchResult{Source: src, Body: body}, nil
	}
	if src.URL == "" {
		return FetchResult{}, errors.New("source has neither url nor path")
	}

	entry, err := f.cache.open(src.URL)
	if err != nil {
		appLog.Warn("ics cache unavailable, fetching without it", "id", src.ID, "source", src.location(), "error", err)
	}
	meta, cached := entry.load()

	body, fresh, status, err := f.get(ctx, src, meta)
	switch {
	case err == nil && status == http.StatusOK:
		if err := entry.store(fresh, body); err != nil {
			appLog.Warn("ics cache write failed", "id", src.ID, "source", src.location(), "error", err)
		}
		appLog.Info("ics feed downloaded", "id", src.ID, "source", src.location(), "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	case err == nil && status == http.StatusNotModified:
		if len(cached) == 0 {
			return FetchResult{}, errors.New("304 Not Modified without a cached body")
		}
		appLog.Info("ics feed not modified", "id", src.ID, "source", src.location())
		return FetchResult{Source: src, Body: cached, FromCache: true}, nil

	case err == nil:
		err = fmt.Errorf("unexpected status %d", status)
	}

	if len(cached) == 0 {
		return FetchResult{}, err
	}
	appLog.Error("ics fetch failed, using cached body", err, "id", src.ID, "source", src.location(), "cached_at", meta.UpdatedAt)
	return FetchResult{Source: src, Body: cached, FromCache: true}, nil
}

// get performs the conditional GET. The body is only read on 200.
func (f *Fetcher) get(ctx context.Context, src Source, meta cacheMeta) ([]byte, cacheMeta, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, cacheMeta{}, 0, err
	}
	req.Header.Set("User-Agent", "bellsched")
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, cacheMeta{}, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, cacheMeta{}, resp.StatusCode, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cacheMeta{}, resp.StatusCode, err
	}
	return body, cacheMeta{
		URL:          src.URL,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, resp.StatusCode, nil
}

// cacheMeta is the validator set stored next to a cached body.
type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type diskCache struct {
	dir string
}

// cacheEntry is the directory holding one URL's body.ics and meta.json.
// The empty entry caches nothing.
type cacheEntry string

func (c diskCache) open(rawURL string) (cacheEntry, error) {
	sum := sha256.Sum256([]byte(rawURL))
	dir := filepath.Join(c.dir, hex.EncodeToString(sum[:8]))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return cacheEntry(dir), nil
}

// load returns whatever is cached; missing or corrupt files yield zero values.
func (e cacheEntry) load() (cacheMeta, []byte) {
	var meta cacheMeta
	if e == "" {
		return meta, nil
	}
	if data, err := os.ReadFile(filepath.Join(string(e), "meta.json")); err == nil {
		_ = json.Unmarshal(data, &meta)
	}
	body, _ := os.ReadFile(filepath.Join(string(e), "body.ics"))
	return meta, body
}

// store writes the body before the metadata so validators never describe a
// body that is not on disk.
func (e cacheEntry) store(meta cacheMeta, body []byte) error {
	if e == "" {
		return nil
	}
	if err := os.WriteFile(filepath.Join(string(e), "body.ics"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(string(e), "meta.json"), data, 0o600)
}

// redactURL keeps scheme and host only; feed URLs often embed access tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
