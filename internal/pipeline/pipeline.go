package pipeline

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/bill-extractor/internal/fraud"
	"github.com/zombor/bill-extractor/internal/raster"
)

// Enhancer improves a page for extraction
type Enhancer interface {
	Enhance(page raster.Page) raster.Page
}

// Detector inspects a page for tampering
type Detector interface {
	Detect(page raster.Page) fraud.PageReport
}

// ProcessedPage pairs an enhanced page with its fraud report
type ProcessedPage struct {
	Page  raster.Page
	Fraud fraud.PageReport
}

// Processor enhances and inspects pages concurrently
type Processor struct {
	enhancer Enhancer
	detector Detector
	workers  int
}

// New creates a Processor. A non-positive worker count uses one worker per CPU.
func New(enhancer Enhancer, detector Detector, workers int) *Processor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Processor{
		enhancer: enhancer,
		detector: detector,
		workers:  workers,
	}
}

// Process enhances every page and runs fraud detection on the result. Pages
// are handled in parallel but the output keeps the input order. The only
// error is a cancelled context.
func (p *Processor) Process(ctx context.Context, pages []raster.Page) ([]ProcessedPage, error) {
	start := time.Now()
	results := make([]ProcessedPage, len(pages))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, page := range pages {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			enhanced := p.enhancer.Enhance(page)
			results[i] = ProcessedPage{
				Page:  enhanced,
				Fraud: p.detector.Detect(enhanced),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Info("Pages processed", "pages", len(pages), "workers", p.workers, "elapsed", time.Since(start))
	return results, nil
}
