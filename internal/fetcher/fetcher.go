// Package fetcher retrieves remote documents into scoped temporary files while
// refusing to reach internal networks.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/JakeFAU/print-quote-service/internal/apperr"
	"github.com/JakeFAU/print-quote-service/internal/metrics"
)

// TimeoutTier maps an upper size bound to a download timeout.
type TimeoutTier struct {
	UpTo    int64
	Timeout time.Duration
}

// DefaultTiers is used when Config.Tiers is empty.
var DefaultTiers = []TimeoutTier{
	{UpTo: 5 << 20, Timeout: 20 * time.Second},
	{UpTo: 20 << 20, Timeout: 60 * time.Second},
	{UpTo: 0, Timeout: 120 * time.Second},
}

// Config bounds what the fetcher is willing to download.
type Config struct {
	MaxBytes            int64
	AllowedContentTypes []string
	MaxRedirects        int
	UserAgent           string
	// Tiers are ordered by UpTo; a zero UpTo matches any size.
	Tiers []TimeoutTier
	// Ceiling caps every tier.
	Ceiling      time.Duration
	ProbeTimeout time.Duration
	// TempRoot is the parent of per-download temp dirs; empty means os.TempDir().
	TempRoot string
}

// LocalFile is a downloaded document living in its own temp dir.
type LocalFile struct {
	TempDir  string
	Path     string
	MIMEType string
	Size     int64

	once sync.Once
}

// Cleanup removes the temp dir. It is safe to call more than once.
func (f *LocalFile) Cleanup() error {
	if f == nil || f.TempDir == "" {
		return nil
	}
	var err error
	f.once.Do(func() {
		err = os.RemoveAll(f.TempDir)
	})
	if err != nil {
		return fmt.Errorf("remove temp dir: %w", err)
	}
	return nil
}

// Fetcher downloads documents over HTTP(S) behind an SSRF guard.
type Fetcher struct {
	cfg      Config
	client   *http.Client
	resolver Resolver
	dialer   *net.Dialer
	blocked  func(net.IP) bool
	hosts    HostLimiter
	logger   *zap.Logger
}

// HostLimiter paces requests to one upstream host.
type HostLimiter interface {
	Wait(ctx context.Context, host string) error
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithResolver replaces the DNS resolver.
func WithResolver(r Resolver) Option {
	return func(f *Fetcher) {
		f.resolver = r
	}
}

// WithHostLimiter paces downloads per upstream host.
func WithHostLimiter(l HostLimiter) Option {
	return func(f *Fetcher) {
		f.hosts = l
	}
}

// New constructs a Fetcher.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Fetcher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 50 << 20
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/pdf", "application/x-pdf"}
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 5
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "print-quote/1.0"
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 180 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		cfg:      cfg,
		resolver: net.DefaultResolver,
		dialer:   &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
		blocked:  isBlockedIP,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           f.dialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	f.client = &http.Client{
		Transport:     transport,
		CheckRedirect: f.checkRedirect,
	}
	return f
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= f.cfg.MaxRedirects {
		return apperr.Newf(apperr.KindSSRFBlocked, "stopped after %d redirects", len(via))
	}
	if err := f.checkURL(req.Context(), req.URL); err != nil {
		f.logger.Warn("redirect target rejected",
			zap.String("from", via[len(via)-1].URL.Redacted()),
			zap.String("to", req.URL.Redacted()),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// TimeoutFor returns the download timeout for an advisory size. Sizes <= 0 are
// unknown and get the largest tier.
func (f *Fetcher) TimeoutFor(sizeHint int64) time.Duration {
	timeout := f.cfg.Tiers[len(f.cfg.Tiers)-1].Timeout
	if sizeHint > 0 {
		for _, tier := range f.cfg.Tiers {
			if tier.UpTo == 0 || sizeHint <= tier.UpTo {
				timeout = tier.Timeout
				break
			}
		}
	}
	if timeout > f.cfg.Ceiling {
		return f.cfg.Ceiling
	}
	return timeout
}

// Probe issues a guarded HEAD request and returns the declared Content-Length,
// or -1 when the server does not declare one.
func (f *Fetcher) Probe(ctx context.Context, rawURL string) (int64, error) {
	u, err := f.parse(ctx, rawURL)
	if err != nil {
		return -1, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), http.NoBody)
	if err != nil {
		return -1, apperr.Wrap(apperr.KindValidation, "build probe request", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return -1, classifyTransportErr(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return -1, apperr.Newf(apperr.KindNetwork, "probe returned status %d", resp.StatusCode)
	}
	return resp.ContentLength, nil
}

// Fetch downloads rawURL into a new temp dir. The caller owns the returned
// LocalFile and must call Cleanup. On error nothing is left on disk.
// sizeHint only selects the timeout tier.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, sizeHint int64) (*LocalFile, error) {
	file, err := f.fetch(ctx, rawURL, sizeHint)
	if err != nil {
		if kind, ok := apperr.KindOf(err); ok {
			metrics.ObserveFetchRejection(string(kind))
		}
		return nil, err
	}
	return file, nil
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string, sizeHint int64) (*LocalFile, error) {
	u, err := f.parse(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	timeout := f.TimeoutFor(sizeHint)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if f.hosts != nil {
		if err := f.hosts.Wait(ctx, u.Hostname()); err != nil {
			return nil, apperr.Wrap(apperr.KindUpstreamTimeout, "waiting for upstream rate limit", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "build request", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", strings.Join(f.cfg.AllowedContentTypes, ", "))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.Newf(apperr.KindNetwork, "upstream returned status %d", resp.StatusCode)
	}
	if err := f.checkContentType(resp.Header.Get("Content-Type")); err != nil {
		return nil, err
	}
	if resp.ContentLength > f.cfg.MaxBytes {
		return nil, apperr.Newf(apperr.KindSizeExceeded, "declared size %d exceeds limit %d", resp.ContentLength, f.cfg.MaxBytes)
	}

	file, err := f.writeTemp(resp.Body)
	if err != nil {
		return nil, err
	}
	f.logger.Debug("document downloaded",
		zap.String("url", u.Redacted()),
		zap.Int64("bytes", file.Size),
		zap.Duration("timeout", timeout),
	)
	return file, nil
}

func (f *Fetcher) parse(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || !u.IsAbs() {
		return nil, apperr.New(apperr.KindValidation, "source_url must be an absolute url")
	}
	if err := f.checkURL(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (f *Fetcher) checkContentType(header string) error {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return apperr.Newf(apperr.KindInvalidContentType, "unparseable content type %q", header)
	}
	for _, allowed := range f.cfg.AllowedContentTypes {
		if strings.EqualFold(mediaType, allowed) {
			return nil
		}
	}
	return apperr.Newf(apperr.KindInvalidContentType, "content type %q is not accepted", mediaType)
}

func (f *Fetcher) writeTemp(body io.Reader) (_ *LocalFile, err error) {
	dir, err := os.MkdirTemp(f.cfg.TempRoot, "printquote-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	file := &LocalFile{TempDir: dir, Path: filepath.Join(dir, "document.pdf")}
	defer func() {
		if err != nil {
			_ = file.Cleanup()
		}
	}()

	out, err := os.OpenFile(file.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	limited := &io.LimitedReader{R: body, N: f.cfg.MaxBytes + 1}
	n, copyErr := io.Copy(out, limited)
	closeErr := out.Close()
	metrics.ObserveFetchBytes(n)
	switch {
	case n > f.cfg.MaxBytes:
		return nil, apperr.Newf(apperr.KindSizeExceeded, "document exceeds limit of %d bytes", f.cfg.MaxBytes)
	case copyErr != nil:
		return nil, classifyTransportErr(copyErr)
	case closeErr != nil:
		return nil, fmt.Errorf("close temp file: %w", closeErr)
	case n == 0:
		return nil, apperr.New(apperr.KindInvalidContentType, "empty response body")
	}
	file.Size = n

	mt, err := mimetype.DetectFile(file.Path)
	if err != nil {
		return nil, fmt.Errorf("sniff content: %w", err)
	}
	if !mt.Is("application/pdf") {
		return nil, apperr.Newf(apperr.KindInvalidContentType, "content sniffed as %s", mt.String())
	}
	file.MIMEType = "application/pdf"
	return file, nil
}

func classifyTransportErr(err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindNetwork, "download timed out", err)
	}
	return apperr.Wrap(apperr.KindNetwork, "download failed", err)
}
