// Package analyzer classifies the pages of a local PDF as color or monochrome.
//
// Classification is a pure function of the file's bytes: results are keyed by
// the SHA-256 of the content and cached, so the same bytes always produce the
// same Result.
package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/print-quote-service/internal/apperr"
	"github.com/JakeFAU/print-quote-service/internal/metrics"
)

// ErrEncrypted is returned by classifiers for password-protected documents.
var ErrEncrypted = errors.New("document is encrypted")

var pdfHeader = []byte("%PDF-")

// Classifier reports one bool per page, true meaning the page needs color ink.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, path string) ([]bool, error)
}

// Hasher computes the content hash of a file.
type Hasher interface {
	HashFile(path string) (string, error)
}

// Clock supplies the time stamped on new results.
type Clock interface {
	Now() time.Time
}

// ResultStore caches results by content hash.
type ResultStore interface {
	GetResult(ctx context.Context, contentHash string) (Result, bool, error)
	PutResult(ctx context.Context, result Result) error
}

// Analyzer runs classifiers in order until one succeeds.
type Analyzer struct {
	classifiers []Classifier
	hasher      Hasher
	clock       Clock
	store       ResultStore
	group       singleflight.Group
	logger      *zap.Logger
}

// New constructs an Analyzer. Classifiers are tried in the order given.
func New(hasher Hasher, clock Clock, store ResultStore, logger *zap.Logger, classifiers ...Classifier) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		classifiers: classifiers,
		hasher:      hasher,
		clock:       clock,
		store:       store,
		logger:      logger,
	}
}

// Analyze classifies the document at path.
func (a *Analyzer) Analyze(ctx context.Context, path string) (Result, error) {
	if err := checkHeader(path); err != nil {
		return Result{}, err
	}
	hash, err := a.hasher.HashFile(path)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindAnalysisFailed, "hash document", err)
	}
	// Concurrent requests for the same bytes share one classification.
	v, err, _ := a.group.Do(hash, func() (any, error) {
		return a.analyze(ctx, path, hash)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// Lookup returns a previously computed result by content hash.
func (a *Analyzer) Lookup(ctx context.Context, contentHash string) (Result, bool, error) {
	if a.store == nil {
		return Result{}, false, nil
	}
	res, ok, err := a.store.GetResult(ctx, contentHash)
	if err != nil {
		return Result{}, false, fmt.Errorf("lookup result: %w", err)
	}
	return res, ok, nil
}

func (a *Analyzer) analyze(ctx context.Context, path, hash string) (Result, error) {
	if a.store != nil {
		cached, ok, err := a.store.GetResult(ctx, hash)
		if err != nil {
			a.logger.Warn("result store lookup failed", zap.String("content_hash", hash), zap.Error(err))
		} else if ok {
			return cached, nil
		}
	}

	pages, method, err := a.classify(ctx, path)
	if err != nil {
		return Result{}, err
	}
	if len(pages) == 0 {
		return Result{}, apperr.New(apperr.KindInvalidDocument, "document has no pages")
	}
	res := newResult(hash, method, pages, a.clock.Now())
	if err := res.Validate(); err != nil {
		return Result{}, apperr.Wrap(apperr.KindAnalysisFailed, "inconsistent result", err)
	}
	if a.store != nil {
		if err := a.store.PutResult(ctx, res); err != nil {
			a.logger.Warn("result store write failed", zap.String("content_hash", hash), zap.Error(err))
		}
	}
	a.logger.Info("document analyzed",
		zap.String("content_hash", hash),
		zap.String("method", method),
		zap.Int("total_pages", res.TotalPages),
		zap.Int("color_pages", res.ColorPages),
	)
	return res, nil
}

func (a *Analyzer) classify(ctx context.Context, path string) ([]bool, string, error) {
	var lastErr error
	for _, c := range a.classifiers {
		start := time.Now()
		pages, err := c.Classify(ctx, path)
		if err == nil {
			metrics.ObserveAnalysis(c.Name(), "ok", time.Since(start))
			return pages, c.Name(), nil
		}
		metrics.ObserveAnalysis(c.Name(), "error", time.Since(start))
		if errors.Is(err, ErrEncrypted) {
			return nil, "", apperr.Wrap(apperr.KindUnreadableDocument, "document is password protected", err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", apperr.Wrap(apperr.KindAnalysisFailed, "analysis canceled", ctxErr)
		}
		a.logger.Warn("classifier failed, trying next", zap.String("classifier", c.Name()), zap.Error(err))
		lastErr = err
	}
	if lastErr == nil {
		return nil, "", apperr.New(apperr.KindAnalysisFailed, "no classifier configured")
	}
	return nil, "", apperr.Wrap(apperr.KindUnreadableDocument, "document could not be parsed", lastErr)
}

func checkHeader(path string) error {
	f, err := os.Open(path) //nolint:gosec // path comes from the fetcher's temp dir
	if err != nil {
		return apperr.Wrap(apperr.KindAnalysisFailed, "open document", err)
	}
	defer func() { _ = f.Close() }()
	head := make([]byte, len(pdfHeader))
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head, pdfHeader) {
		return apperr.New(apperr.KindUnreadableDocument, "file is not a PDF")
	}
	return nil
}
