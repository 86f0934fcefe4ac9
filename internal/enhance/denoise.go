package enhance

import (
	"fmt"
	"image"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// denoise is a non-local means filter. Every pixel becomes a weighted mean of
// the pixels in its search window, weighted by how similar the surrounding
// template patches are.
//
// Patch distances are computed per search offset with an integral image so
// the cost is O(pixels * searchWindow^2), independent of the template size.
// The image is cut into horizontal bands that are filtered concurrently; each
// band writes only its own output rows.
func denoise(src *image.Gray, h float64, templateWindow, searchWindow int) *image.Gray {
	b := src.Bounds()
	w, ht := b.Dx(), b.Dy()
	if w == 0 || ht == 0 || h <= 0 {
		return src
	}

	f := &nlm{
		w:  w,
		tr: max(templateWindow/2, 0),
		sr: max(searchWindow/2, 0),
	}
	f.pad = f.tr + f.sr
	f.pw = w + 2*f.pad
	f.padded = padReflect(src, f.pad)

	// weight lookup by mean squared patch distance
	f.lut = make([]float32, 255*255+1)
	h2 := h * h
	for i := range f.lut {
		f.lut[i] = float32(math.Exp(-float64(i) / h2))
	}

	out := image.NewGray(image.Rect(0, 0, w, ht))
	procs := runtime.GOMAXPROCS(0)
	bandHeight := max((ht+procs-1)/procs, minBandHeight)

	var g errgroup.Group
	g.SetLimit(procs)
	for y0 := 0; y0 < ht; y0 += bandHeight {
		y1 := min(y0+bandHeight, ht)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("denoising rows %d-%d: %v", y0, y1, r)
				}
			}()
			f.band(out, y0, y1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// surface on the caller's goroutine where Enhance recovers it
		panic(err)
	}
	return out
}

// minBandHeight keeps bands tall enough that the template overlap between
// neighbouring bands stays a small share of the work
const minBandHeight = 32

// nlm holds the read-only state shared by every band
type nlm struct {
	w      int // image width
	tr     int // template radius
	sr     int // search radius
	pad    int
	pw     int // padded row length
	padded []uint8
	lut    []float32
}

// band filters output rows [y0, y1)
func (f *nlm) band(out *image.Gray, y0, y1 int) {
	bh := y1 - y0
	t := 2*f.tr + 1
	area := int64(t * t)

	// region over which template sums are needed, in padded coords
	rw, rh := f.w+2*f.tr, bh+2*f.tr
	iw := rw + 1
	integral := make([]int64, iw*(rh+1))
	wsum := make([]float32, f.w*bh)
	vsum := make([]float32, f.w*bh)

	for dy := -f.sr; dy <= f.sr; dy++ {
		for dx := -f.sr; dx <= f.sr; dx++ {
			for v := 0; v < rh; v++ {
				row := (y0 + v + f.sr) * f.pw
				nrow := (y0 + v + f.sr + dy) * f.pw
				var rowSum int64
				for u := 0; u < rw; u++ {
					d := int64(f.padded[row+u+f.sr]) - int64(f.padded[nrow+u+f.sr+dx])
					rowSum += d * d
					integral[(v+1)*iw+u+1] = integral[v*iw+u+1] + rowSum
				}
			}

			for ly := 0; ly < bh; ly++ {
				top := ly * iw
				bottom := (ly + t) * iw
				nrow := (y0 + ly + f.pad + dy) * f.pw
				for x := 0; x < f.w; x++ {
					ssd := integral[bottom+x+t] - integral[top+x+t] - integral[bottom+x] + integral[top+x]
					wt := f.lut[ssd/area]
					i := ly*f.w + x
					wsum[i] += wt
					vsum[i] += wt * float32(f.padded[nrow+x+f.pad+dx])
				}
			}
		}
	}

	for ly := 0; ly < bh; ly++ {
		dst := out.Pix[(y0+ly)*out.Stride:]
		for x := 0; x < f.w; x++ {
			i := ly*f.w + x
			dst[x] = clampUint8(vsum[i]/wsum[i] + 0.5)
		}
	}
}

// padReflect copies src into a buffer padded on every side, mirroring the
// border without repeating the edge pixel
func padReflect(src *image.Gray, pad int) []uint8 {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	pw, ph := w+2*pad, h+2*pad
	out := make([]uint8, pw*ph)
	for y := 0; y < ph; y++ {
		sy := reflect101(y-pad, h)
		srow := src.Pix[sy*src.Stride:]
		for x := 0; x < pw; x++ {
			out[y*pw+x] = srow[reflect101(x-pad, w)]
		}
	}
	return out
}

func reflect101(i, n int) int {
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

func clampUint8(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v)
}
