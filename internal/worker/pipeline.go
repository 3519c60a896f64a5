package worker

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/print-quote-service/internal/analyzer"
	"github.com/JakeFAU/print-quote-service/internal/fetcher"
	"github.com/JakeFAU/print-quote-service/internal/job"
)

// Progress checkpoints reported while a job runs.
const (
	ProgressStarted  = 10
	ProgressFetched  = 50
	ProgressAnalyzed = 90
)

// Fetcher downloads a document into a local temp file.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, sizeHint int64) (*fetcher.LocalFile, error)
}

// Analyzer classifies a local document.
type Analyzer interface {
	Analyze(ctx context.Context, path string) (analyzer.Result, error)
}

// PipelineConfig controls where analyzed documents are archived.
type PipelineConfig struct {
	BlobPrefix string
}

// Pipeline fetches, analyzes and archives one document. It is shared by the
// worker pool and the orchestrator's inline path.
type Pipeline struct {
	fetcher  Fetcher
	analyzer Analyzer
	blobs    job.BlobStore
	cfg      PipelineConfig
	logger   *zap.Logger
}

// NewPipeline constructs a Pipeline. blobs may be nil to skip archiving.
func NewPipeline(f Fetcher, a Analyzer, blobs job.BlobStore, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{fetcher: f, analyzer: a, blobs: blobs, cfg: cfg, logger: logger}
}

// Run processes sourceURL. report, when non-nil, receives progress after each stage.
func (p *Pipeline) Run(ctx context.Context, sourceURL string, sizeHint int64, report func(int)) (analyzer.Result, error) {
	if report == nil {
		report = func(int) {}
	}
	file, err := p.fetcher.Fetch(ctx, sourceURL, sizeHint)
	if err != nil {
		return analyzer.Result{}, fmt.Errorf("fetch document: %w", err)
	}
	defer func() {
		if cleanupErr := file.Cleanup(); cleanupErr != nil {
			p.logger.Warn("temp cleanup failed", zap.String("dir", file.TempDir), zap.Error(cleanupErr))
		}
	}()
	report(ProgressFetched)

	result, err := p.analyzer.Analyze(ctx, file.Path)
	if err != nil {
		return analyzer.Result{}, fmt.Errorf("analyze document: %w", err)
	}
	report(ProgressAnalyzed)

	p.archive(ctx, file, result.ContentHash)
	return result, nil
}

// archive keeps a copy of the analyzed bytes for the verification window.
// Failures are logged; the analysis itself already succeeded.
func (p *Pipeline) archive(ctx context.Context, file *fetcher.LocalFile, hash string) {
	if p.blobs == nil {
		return
	}
	f, err := os.Open(file.Path)
	if err != nil {
		p.logger.Warn("open document for archive", zap.Error(err))
		return
	}
	defer func() { _ = f.Close() }()
	uri, err := p.blobs.PutObject(ctx, p.buildBlobPath(hash), file.MIMEType, f)
	if err != nil {
		p.logger.Warn("archive document failed", zap.String("content_hash", hash), zap.Error(err))
		return
	}
	p.logger.Debug("document archived", zap.String("content_hash", hash), zap.String("blob_uri", uri))
}

func (p *Pipeline) buildBlobPath(hash string) string {
	prefix := strings.Trim(p.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s.pdf", hash)
	}
	return fmt.Sprintf("%s/%s.pdf", prefix, hash)
}
