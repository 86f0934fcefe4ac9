package enhance

import (
	"image"
	"math"
)

// equalize applies contrast limited adaptive histogram equalization. The
// image is split into a grid of tiles, each tile gets a clipped histogram
// equalization LUT, and every pixel is bilinearly interpolated between the
// LUTs of the four nearest tile centers.
func equalize(src *image.Gray, grid int, clipLimit float64) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 || grid <= 0 {
		return src
	}
	tilesX, tilesY := min(grid, w), min(grid, h)

	hists := make([][256]int, tilesX*tilesY)
	areas := make([]int, tilesX*tilesY)
	for y := 0; y < h; y++ {
		ty := y * tilesY / h
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			tile := ty*tilesX + x*tilesX/w
			hists[tile][row[x]]++
			areas[tile]++
		}
	}

	luts := make([][256]uint8, len(hists))
	for i := range hists {
		luts[i] = tileLUT(&hists[i], areas[i], clipLimit)
	}

	tw := float64(w) / float64(tilesX)
	th := float64(h) / float64(tilesY)
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		ty1, ty2, py := neighbors(float64(y)/th-0.5, tilesY)
		row := src.Pix[y*src.Stride:]
		dst := out.Pix[y*out.Stride:]
		for x := 0; x < w; x++ {
			tx1, tx2, px := neighbors(float64(x)/tw-0.5, tilesX)
			v := row[x]
			top := (1-px)*float64(luts[ty1*tilesX+tx1][v]) + px*float64(luts[ty1*tilesX+tx2][v])
			bottom := (1-px)*float64(luts[ty2*tilesX+tx1][v]) + px*float64(luts[ty2*tilesX+tx2][v])
			dst[x] = uint8(math.Round((1-py)*top + py*bottom))
		}
	}
	return out
}

// neighbors returns the two tiles surrounding a fractional tile coordinate and
// the weight of the second one
func neighbors(f float64, n int) (int, int, float64) {
	i1 := int(math.Floor(f))
	i2 := i1 + 1
	p := f - float64(i1)
	if i1 < 0 {
		i1 = 0
	}
	if i2 >= n {
		i2 = n - 1
	}
	if i1 >= n {
		i1 = n - 1
	}
	return i1, i2, p
}

func tileLUT(hist *[256]int, area int, clipLimit float64) [256]uint8 {
	var lut [256]uint8
	if area == 0 {
		for i := range lut {
			lut[i] = uint8(i)
		}
		return lut
	}

	if clipLimit > 0 {
		clip := max(int(clipLimit*float64(area)/256), 1)
		excess := 0
		for i := range hist {
			if hist[i] > clip {
				excess += hist[i] - clip
				hist[i] = clip
			}
		}

		batch := excess / 256
		residual := excess - batch*256
		for i := range hist {
			hist[i] += batch
		}
		if residual > 0 {
			step := max(256/residual, 1)
			for i := 0; i < 256 && residual > 0; i += step {
				hist[i]++
				residual--
			}
		}
	}

	scale := 255 / float64(area)
	sum := 0
	for i := range hist {
		sum += hist[i]
		lut[i] = uint8(min(math.Round(float64(sum)*scale), 255))
	}
	return lut
}
