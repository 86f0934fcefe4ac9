package enhance

import (
	"fmt"
	"image"
	"log/slog"

	"github.com/disintegration/imaging"

	"github.com/zombor/bill-extractor/internal/raster"
)

// sharpenKernel is a 3x3 unsharp mask: center 9, neighbors -1
var sharpenKernel = [9]float64{
	-1, -1, -1,
	-1, 9, -1,
	-1, -1, -1,
}

// Options tunes the enhancement stages
type Options struct {
	DenoiseStrength float64 // h of the non-local means filter
	TemplateWindow  int     // patch size compared between pixels, odd
	SearchWindow    int     // neighborhood searched for similar patches, odd
	ClipLimit       float64 // CLAHE histogram clip limit
	TileGrid        int     // CLAHE tiles per axis
	// MaxSide bounds the longer side the filters run at; larger pages are
	// scaled down first and back up after. Zero filters at full size.
	MaxSide int
}

// DefaultOptions returns the tuning used for scanned bills
func DefaultOptions() Options {
	return Options{
		DenoiseStrength: 10,
		TemplateWindow:  7,
		SearchWindow:    21,
		ClipLimit:       2.0,
		TileGrid:        8,
	}
}

// Enhancer improves page legibility before extraction
type Enhancer struct {
	opts Options
}

// New creates an Enhancer
func New(opts Options) *Enhancer {
	return &Enhancer{opts: opts}
}

// Enhance runs denoise, contrast equalization and sharpening over a page and
// returns a new page of the same size. It never fails: when any stage breaks
// the original page is returned unchanged.
func (e *Enhancer) Enhance(page raster.Page) (out raster.Page) {
	b := page.Bounds()
	if b.Empty() {
		return page
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Enhancement failed, using original page", "page", page.Number, "error", fmt.Sprint(r))
			out = page
		}
	}()

	src := page.Image
	scaled := false
	if m := e.opts.MaxSide; m > 0 && max(b.Dx(), b.Dy()) > m {
		src = imaging.Fit(page.Image, m, m, imaging.Lanczos)
		scaled = true
	}

	gray := raster.Luminance(src)
	gray = denoise(gray, e.opts.DenoiseStrength, e.opts.TemplateWindow, e.opts.SearchWindow)
	gray = equalize(gray, e.opts.TileGrid, e.opts.ClipLimit)

	enhanced := sharpen(gray)
	if scaled {
		enhanced = imaging.Resize(enhanced, b.Dx(), b.Dy(), imaging.Lanczos)
	}
	if enhanced.Bounds().Dx() != b.Dx() || enhanced.Bounds().Dy() != b.Dy() {
		slog.Warn("Enhancement changed page size, using original page", "page", page.Number)
		return page
	}

	slog.Debug("Page enhanced", "page", page.Number, "width", b.Dx(), "height", b.Dy())
	return raster.Page{Number: page.Number, Image: enhanced}
}

// sharpen applies the unsharp mask and re-expands to three channels
func sharpen(g *image.Gray) *image.NRGBA {
	return imaging.Convolve3x3(raster.FromGray(g), sharpenKernel, nil)
}
