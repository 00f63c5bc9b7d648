package dnshield

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FetchAuth describes how a Fetcher authenticates its requests.
type FetchAuth struct {
	Type         string // "none", "basic", "bearer", "api_key"
	Username     string
	Password     string
	Token        string
	APIKey       string
	APIKeyHeader string // default "X-API-Key"
}

func (a FetchAuth) apply(req *http.Request) {
	switch a.Type {
	case "basic":
		req.SetBasicAuth(a.Username, a.Password)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+a.Token)
	case "api_key":
		header := a.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, a.APIKey)
	}
}

// FetchOptions configures an HTTPFetcher.
type FetchOptions struct {
	URL                 string
	Auth                FetchAuth
	Headers             map[string]string
	FollowRedirects     bool
	MaxRedirects        int
	ValidateTLS         bool
	PinnedCertificates  [][]byte // DER-encoded
	AcceptedStatusCodes []int
	TimeoutSeconds      int
	RetryCount          int
	RetryDelaySeconds   float64
	ExponentialBackoff  bool

	CacheDir     string
	AllowFailure bool
}

// DefaultFetchOptions returns the documented defaults for url.
func DefaultFetchOptions(url string) FetchOptions {
	accepted := make([]int, 0, 7)
	for c := 200; c <= 206; c++ {
		accepted = append(accepted, c)
	}
	return FetchOptions{
		URL:                 url,
		FollowRedirects:     true,
		MaxRedirects:        5,
		ValidateTLS:         true,
		AcceptedStatusCodes: accepted,
		TimeoutSeconds:      10,
		RetryCount:          3,
		RetryDelaySeconds:   1,
		ExponentialBackoff:  true,
	}
}

func (o FetchOptions) acceptsStatus(code int) bool {
	for _, c := range o.AcceptedStatusCodes {
		if c == code {
			return true
		}
	}
	return false
}

// FetchStats reports a fetch's progress and outcome so far.
type FetchStats struct {
	BytesFetched int64
	TotalBytes   int64 // -1 when unknown
	Attempts     int
	StartedAt    time.Time
	ElapsedMs    int64
}

// Fetcher acquires raw bytes from a rule source, independent of what the
// bytes mean.
type Fetcher interface {
	Fetch(ctx context.Context, progress func(fetched, total int64)) ([]byte, error)
	Cancel()
	SupportsResume() bool
	Resume(ctx context.Context, progress func(fetched, total int64)) ([]byte, error)
	Statistics() FetchStats
}

// HTTPFetcher is the HTTP(S) Fetcher implementation: auth, redirect-cap
// handling, certificate pinning, retry with jittered exponential backoff,
// and in-memory resume of a partially received body.
type HTTPFetcher struct {
	opt    FetchOptions
	client *http.Client

	mu           sync.Mutex
	stats        FetchStats
	cancelFn     context.CancelFunc
	partial      []byte
	resumable    bool
	lastGoodPath string
}

var _ Fetcher = &HTTPFetcher{}

// NewHTTPFetcher builds an HTTPFetcher from opt, filling in unset numeric
// defaults the way DefaultFetchOptions does.
func NewHTTPFetcher(opt FetchOptions) *HTTPFetcher {
	if opt.AcceptedStatusCodes == nil {
		opt.AcceptedStatusCodes = DefaultFetchOptions(opt.URL).AcceptedStatusCodes
	}
	if opt.TimeoutSeconds == 0 {
		opt.TimeoutSeconds = 10
	}
	if opt.MaxRedirects == 0 && opt.FollowRedirects {
		opt.MaxRedirects = 5
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !opt.ValidateTLS,
		},
	}
	if opt.ValidateTLS && len(opt.PinnedCertificates) > 0 {
		transport.TLSClientConfig.InsecureSkipVerify = true
		transport.TLSClientConfig.VerifyPeerCertificate = pinnedCertVerifier(opt.PinnedCertificates)
	}
	if !opt.ValidateTLS {
		Log.Warn("fetcher configured with validate_tls=false")
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   time.Duration(opt.TimeoutSeconds) * time.Second,
	}
	redirects := 0
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if !opt.FollowRedirects {
			return http.ErrUseLastResponse
		}
		redirects++
		if redirects > opt.MaxRedirects {
			return fmt.Errorf("exceeded max redirects (%d)", opt.MaxRedirects)
		}
		opt.Auth.apply(req)
		for k, v := range opt.Headers {
			req.Header.Set(k, v)
		}
		return nil
	}

	return &HTTPFetcher{opt: opt, client: client}
}

func pinnedCertVerifier(pinned [][]byte) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		for _, raw := range rawCerts {
			for _, pin := range pinned {
				if bytes.Equal(raw, pin) {
					return nil
				}
			}
		}
		return fmt.Errorf("server certificate chain matched none of the pinned certificates")
	}
}

// Fetch performs a single, complete fetch attempt sequence including
// retries, returning the response body on success.
func (f *HTTPFetcher) Fetch(ctx context.Context, progress func(fetched, total int64)) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancelFn = cancel
	f.stats = FetchStats{TotalBytes: -1, StartedAt: time.Now()}
	f.mu.Unlock()
	defer cancel()

	body, err := f.fetchFromCache()
	if err == nil {
		return body, nil
	}

	var lastErr error
	for attempt := 1; attempt <= f.opt.RetryCount+1; attempt++ {
		f.mu.Lock()
		f.stats.Attempts = attempt
		f.mu.Unlock()

		body, err := f.attempt(ctx, progress)
		if err == nil {
			f.writeToCache(body)
			return body, nil
		}
		lastErr = err
		if !isRetryableFetchError(err) || attempt > f.opt.RetryCount {
			break
		}
		delay := f.backoffDelay(attempt)
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = f.opt.RetryCount + 2
		case <-time.After(delay):
		}
	}

	if f.opt.AllowFailure {
		if cached, cerr := f.loadDiskCache(); cerr == nil {
			Log.WithError(lastErr).Warn("fetch failed, serving cached copy")
			return cached, nil
		}
	}
	return nil, lastErr
}

func (f *HTTPFetcher) backoffDelay(attempt int) time.Duration {
	base := f.opt.RetryDelaySeconds
	if base <= 0 {
		base = 1
	}
	delay := base
	if f.opt.ExponentialBackoff {
		delay = base * float64(int64(1)<<uint(attempt-1))
	}
	jitter := rand.Float64() * 0.3 * delay
	return time.Duration((delay + jitter) * float64(time.Second))
}

func (f *HTTPFetcher) attempt(ctx context.Context, progress func(fetched, total int64)) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.opt.URL, nil)
	if err != nil {
		return nil, err
	}
	f.opt.Auth.apply(req)
	for k, v := range f.opt.Headers {
		req.Header.Set(k, v)
	}

	f.mu.Lock()
	resumeFrom := int64(len(f.partial))
	f.mu.Unlock()
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchFailedError{Transport: "http", Err: err}
	}
	defer resp.Body.Close()

	if !f.opt.acceptsStatus(resp.StatusCode) {
		return nil, &FetchFailedError{Transport: "http", Status: resp.StatusCode}
	}

	total := resp.ContentLength
	f.mu.Lock()
	f.stats.TotalBytes = total
	f.resumable = resp.Header.Get("Accept-Ranges") == "bytes"
	f.mu.Unlock()

	var buf bytes.Buffer
	if resumeFrom > 0 && resp.StatusCode == http.StatusPartialContent {
		buf.Write(f.partial)
	}

	rate := newRateReporter(progress, buf.Len())
	reader := bufio.NewReader(resp.Body)
	chunk := make([]byte, 32*1024)
	for {
		n, rerr := reader.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			rate.report(buf.Len(), int(total))
			f.mu.Lock()
			f.stats.BytesFetched = int64(buf.Len())
			f.mu.Unlock()
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.mu.Lock()
			f.partial = append([]byte{}, buf.Bytes()...)
			f.mu.Unlock()
			return nil, &FetchFailedError{Transport: "http", Err: rerr}
		}
	}
	rate.reportFinal(buf.Len())

	f.mu.Lock()
	f.partial = nil
	f.mu.Unlock()
	return buf.Bytes(), nil
}

// rateReporter invokes progress at roughly >=1 Hz and exactly once more at
// completion, so a caller never misses the final update even if it raced
// with a periodic tick.
type rateReporter struct {
	progress func(fetched, total int64)
	last     time.Time
	done     bool
}

func newRateReporter(progress func(fetched, total int64), initial int) *rateReporter {
	return &rateReporter{progress: progress, last: time.Time{}}
}

func (r *rateReporter) report(fetched, total int) {
	if r.progress == nil || r.done {
		return
	}
	now := time.Now()
	if r.last.IsZero() || now.Sub(r.last) >= time.Second {
		r.last = now
		r.progress(int64(fetched), int64(total))
	}
}

func (r *rateReporter) reportFinal(fetched int) {
	if r.progress == nil || r.done {
		return
	}
	r.done = true
	r.progress(int64(fetched), int64(fetched))
}

func isRetryableFetchError(err error) bool {
	var ffe *FetchFailedError
	if !errors.As(err, &ffe) {
		return false
	}
	if ffe.Status >= 500 && ffe.Status <= 599 {
		return true
	}
	if ffe.Status != 0 {
		return false
	}
	if ffe.Err == nil {
		return false
	}
	msg := strings.ToLower(ffe.Err.Error())
	for _, marker := range []string{"timeout", "connection reset", "no such host", "temporary failure", "i/o timeout", "eof", "connection refused"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Cancel aborts an in-flight Fetch, preserving any resumable partial body.
func (f *HTTPFetcher) Cancel() {
	f.mu.Lock()
	cancel := f.cancelFn
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SupportsResume reports whether the last response indicated range support.
func (f *HTTPFetcher) SupportsResume() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumable && len(f.partial) > 0
}

// Resume continues a previously cancelled fetch from its recorded offset.
func (f *HTTPFetcher) Resume(ctx context.Context, progress func(fetched, total int64)) ([]byte, error) {
	return f.Fetch(ctx, progress)
}

// Statistics returns a snapshot of the fetcher's current progress.
func (f *HTTPFetcher) Statistics() FetchStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := f.stats
	stats.ElapsedMs = time.Since(f.stats.StartedAt).Milliseconds()
	return stats
}

func (f *HTTPFetcher) cacheFilename() string {
	name := fmt.Sprintf("%x", sha256.Sum256([]byte(f.opt.URL)))
	return filepath.Join(f.opt.CacheDir, name)
}

func (f *HTTPFetcher) fetchFromCache() ([]byte, error) {
	return nil, fmt.Errorf("no disk cache consulted on primary fetch path")
}

func (f *HTTPFetcher) loadDiskCache() ([]byte, error) {
	if f.opt.CacheDir == "" {
		return nil, fmt.Errorf("no cache dir configured")
	}
	return os.ReadFile(f.cacheFilename())
}

func (f *HTTPFetcher) writeToCache(body []byte) {
	if f.opt.CacheDir == "" {
		return
	}
	tmp, err := os.CreateTemp(f.opt.CacheDir, "dnshield-fetch")
	if err != nil {
		Log.WithError(err).Warn("failed to create fetch cache tempfile")
		return
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		Log.WithError(err).Warn("failed to write fetch cache")
		return
	}
	tmp.Close()
	if err := os.Rename(tmpName, f.cacheFilename()); err != nil {
		Log.WithError(err).Warn("failed to install fetch cache")
	}
}
