package fraud

import (
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/zombor/bill-extractor/internal/raster"
)

// Risk classifies how many tampering indicators fired on a page
type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// RiskFor maps a count of raised indicators to a risk level
func RiskFor(count int) Risk {
	switch {
	case count >= 2:
		return RiskHigh
	case count == 1:
		return RiskMedium
	default:
		return RiskLow
	}
}

// PageReport holds the advisory tampering indicators for one page
type PageReport struct {
	WhitenerMarks     bool `json:"has_whitener_marks"`
	FontInconsistency bool `json:"font_inconsistencies"`
	OverwriteDetected bool `json:"overwrite_detected"`
	// CompressionArtifacts has no detector yet and is always false
	CompressionArtifacts bool `json:"compression_artifacts"`
	RiskLevel            Risk `json:"risk_level"`
}

// NewReport builds a report with the risk level derived from the indicators
func NewReport(whitener, font, overwrite bool) PageReport {
	count := 0
	for _, flag := range []bool{whitener, font, overwrite} {
		if flag {
			count++
		}
	}
	return PageReport{
		WhitenerMarks:     whitener,
		FontInconsistency: font,
		OverwriteDetected: overwrite,
		RiskLevel:         RiskFor(count),
	}
}

// Thresholds are empirically chosen and not calibrated against a labelled
// set; treat them as tuning, not truth. Every check is strict: a page flags
// only when its measure is above the threshold, never when it is equal.
type Thresholds struct {
	WhiteLevel        uint8   // luma above which a pixel counts as near-pure white
	WhiteRatio        float64 // fraction of white pixels that flags whitener
	CannyLow          float64
	CannyHigh         float64
	MaxContours       int     // edge contours above which overwriting is flagged
	MaxStrokeVariance float64 // gradient magnitude variance above which fonts are inconsistent
}

// DefaultThresholds returns the stock tuning
func DefaultThresholds() Thresholds {
	return Thresholds{
		WhiteLevel:        240,
		WhiteRatio:        0.15,
		CannyLow:          50,
		CannyHigh:         150,
		MaxContours:       200,
		MaxStrokeVariance: 500,
	}
}

// Detector computes tampering heuristics over enhanced pages
type Detector struct {
	t Thresholds
}

// New creates a Detector
func New(t Thresholds) *Detector {
	return &Detector{t: t}
}

// Detect inspects a page for physical signs of alteration. It never fails;
// if the analysis breaks an all-clear LOW report is returned.
func (d *Detector) Detect(page raster.Page) (report PageReport) {
	report = NewReport(false, false, false)
	if page.Bounds().Empty() {
		return report
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Fraud detection failed", "page", page.Number, "error", fmt.Sprint(r))
			report = NewReport(false, false, false)
		}
	}()

	gray := raster.Luminance(page.Image)

	whiteRatio := whiteFraction(gray, d.t.WhiteLevel)
	contours := countContours(canny(gray, d.t.CannyLow, d.t.CannyHigh))
	variance := strokeVariance(gray)

	report = NewReport(
		whiteRatio > d.t.WhiteRatio,
		variance > d.t.MaxStrokeVariance,
		contours > d.t.MaxContours,
	)

	if report.RiskLevel != RiskLow {
		slog.Warn("Fraud indicators detected",
			"page", page.Number,
			"risk_level", report.RiskLevel,
			"white_ratio", whiteRatio,
			"contours", contours,
			"stroke_variance", variance,
		)
	}
	return report
}

func whiteFraction(g *image.Gray, level uint8) float64 {
	b := g.Bounds()
	white := 0
	for y := 0; y < b.Dy(); y++ {
		for _, v := range g.Pix[y*g.Stride : y*g.Stride+b.Dx()] {
			if v > level {
				white++
			}
		}
	}
	return float64(white) / float64(b.Dx()*b.Dy())
}

// strokeVariance is the variance of the Scharr gradient magnitude over the
// pixels where the gradient is non-zero. A page without any gradient yields
// NaN, which never exceeds a threshold.
func strokeVariance(g *image.Gray) float64 {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()

	var n int
	var sum, sq float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx := 3*(px(g, x+1, y-1)-px(g, x-1, y-1)) +
				10*(px(g, x+1, y)-px(g, x-1, y)) +
				3*(px(g, x+1, y+1)-px(g, x-1, y+1))
			gy := 3*(px(g, x-1, y+1)-px(g, x-1, y-1)) +
				10*(px(g, x, y+1)-px(g, x, y-1)) +
				3*(px(g, x+1, y+1)-px(g, x+1, y-1))
			if gx == 0 && gy == 0 {
				continue
			}
			m := math.Hypot(float64(gx), float64(gy))
			n++
			sum += m
			sq += m * m
		}
	}
	if n == 0 {
		return math.NaN()
	}
	mean := sum / float64(n)
	return sq/float64(n) - mean*mean
}

// px reads a luma sample, mirroring out-of-range coordinates across the
// border without repeating the edge pixel
func px(g *image.Gray, x, y int) int {
	b := g.Bounds()
	return int(g.Pix[mirror(y, b.Dy())*g.Stride+mirror(x, b.Dx())])
}

func mirror(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}
