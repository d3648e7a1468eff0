package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrFetch is the sentinel wrapped by every FetchError.
var ErrFetch = errors.New("failed to fetch feed")

// FetchError describes a feed download failure.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%v: %s: status %d", ErrFetch, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%v: %s: %v", ErrFetch, e.URL, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFetch}
	}
	return []error{ErrFetch, e.Err}
}

// Temporary reports whether retrying the download may succeed.
func (e *FetchError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads feeds with conditional requests and an optional disk
// cache. A cached body is served when the source answers 304 or is
// unreachable.
type Fetcher struct {
	client     *http.Client
	cacheDir   string
	maxElapsed time.Duration
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithCacheDir enables the disk cache under dir.
func WithCacheDir(dir string) FetcherOption {
	return func(f *Fetcher) { f.cacheDir = dir }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

// WithRetryWindow bounds how long transient failures are retried. Zero disables retries.
func WithRetryWindow(d time.Duration) FetcherOption {
	return func(f *Fetcher) { f.maxElapsed = d }
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:     &http.Client{Timeout: 30 * time.Second},
		maxElapsed: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the feed body at feedURL.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) ([]byte, error) {
	if feedURL == "" {
		return nil, &FetchError{URL: feedURL, Err: errors.New("empty feed URL")}
	}

	var meta cacheMeta
	var cached []byte
	cachePath := ""
	if f.cacheDir != "" {
		cachePath = f.cachePathFor(feedURL)
		meta, _ = loadCacheMeta(cachePath)
		cached, _ = os.ReadFile(filepath.Join(cachePath, "body.ics"))
		if len(cached) == 0 {
			// A 304 is only useful when there is a body to fall back on.
			meta = cacheMeta{}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, &FetchError{URL: redactURL(feedURL), Err: err}
	}

	var body []byte
	var notModified bool
	op := func() error {
		var err error
		body, meta, notModified, err = f.get(req, meta)
		if err == nil {
			return nil
		}
		var fe *FetchError
		if errors.As(err, &fe) && fe.Temporary() {
			return err
		}
		return backoff.Permanent(err)
	}

	if f.maxElapsed > 0 {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = f.maxElapsed
		err = backoff.Retry(op, backoff.WithContext(bo, ctx))
	} else {
		err = op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
	}

	if err != nil {
		if len(cached) > 0 {
			log.Printf("Feed fetch failed for %s, using cached body: %v", redactURL(feedURL), err)
			return cached, nil
		}
		return nil, err
	}

	if notModified {
		if len(cached) == 0 {
			return nil, &FetchError{URL: redactURL(feedURL), StatusCode: http.StatusNotModified, Err: errors.New("not modified but no cached body")}
		}
		log.Printf("Feed %s not modified, using cache", redactURL(feedURL))
		return cached, nil
	}

	if cachePath != "" {
		if err := saveCache(cachePath, feedURL, body, meta); err != nil {
			log.Printf("Failed to save feed cache for %s: %v", redactURL(feedURL), err)
		}
	}

	return body, nil
}

func (f *Fetcher) get(orig *http.Request, meta cacheMeta) ([]byte, cacheMeta, bool, error) {
	req := orig.Clone(orig.Context())
	feedURL := req.URL.String()
	req.Header.Set("Accept", "text/calendar")
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, meta, false, &FetchError{URL: redactURL(feedURL), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, meta, true, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, meta, false, &FetchError{URL: redactURL(feedURL), Err: err}
		}
		meta.ETag = resp.Header.Get("ETag")
		meta.LastModified = resp.Header.Get("Last-Modified")
		return body, meta, false, nil
	default:
		return nil, meta, false, &FetchError{URL: redactURL(feedURL), StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}
}

func (f *Fetcher) cachePathFor(feedURL string) string {
	sum := sha256.Sum256([]byte(feedURL))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheMeta, error) {
	var meta cacheMeta
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheMeta{}, err
	}
	return meta, nil
}

func saveCache(cachePath, feedURL string, body []byte, meta cacheMeta) error {
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return err
	}
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.URL = redactURL(feedURL)
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL drops credentials, path and query from feedURL for logging.
func redactURL(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Host == "" {
		return "feed://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
