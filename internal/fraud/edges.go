package fraud

import (
	"image"
	"math"
)

var (
	tan22 = math.Tan(22.5 * math.Pi / 180)
	tan67 = math.Tan(67.5 * math.Pi / 180)
)

// edgeMap is a binary edge image
type edgeMap struct {
	w, h int
	on   []bool
}

// canny finds edges with Sobel gradients (L1 magnitude), non-maximum
// suppression along the gradient direction and hysteresis thresholding
func canny(g *image.Gray, low, high float64) edgeMap {
	b := g.Bounds()
	w, h := b.Dx(), b.Dy()

	dx := make([]int, w*h)
	dy := make([]int, w*h)
	mag := make([]int, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx := px(g, x+1, y-1) - px(g, x-1, y-1) +
				2*(px(g, x+1, y)-px(g, x-1, y)) +
				px(g, x+1, y+1) - px(g, x-1, y+1)
			gy := px(g, x-1, y+1) - px(g, x-1, y-1) +
				2*(px(g, x, y+1)-px(g, x, y-1)) +
				px(g, x+1, y+1) - px(g, x+1, y-1)
			i := y*w + x
			dx[i], dy[i] = gx, gy
			mag[i] = abs(gx) + abs(gy)
		}
	}

	at := func(x, y int) int {
		if x < 0 || y < 0 || x >= w || y >= h {
			return 0
		}
		return mag[y*w+x]
	}

	const (
		none = iota
		weak
		strong
	)
	class := make([]uint8, w*h)
	var stack []int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			m := mag[i]
			if float64(m) <= low {
				continue
			}

			ax, ay := math.Abs(float64(dx[i])), math.Abs(float64(dy[i]))
			var isMax bool
			switch {
			case ay < ax*tan22:
				isMax = m > at(x-1, y) && m >= at(x+1, y)
			case ay > ax*tan67:
				isMax = m > at(x, y-1) && m >= at(x, y+1)
			case (dx[i] < 0) != (dy[i] < 0):
				isMax = m > at(x+1, y-1) && m > at(x-1, y+1)
			default:
				isMax = m > at(x-1, y-1) && m > at(x+1, y+1)
			}
			if !isMax {
				continue
			}

			if float64(m) > high {
				class[i] = strong
				stack = append(stack, i)
			} else {
				class[i] = weak
			}
		}
	}

	// grow strong edges through connected weak ones
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := i%w, i/w
		for ny := y - 1; ny <= y+1; ny++ {
			for nx := x - 1; nx <= x+1; nx++ {
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if class[j] == weak {
					class[j] = strong
					stack = append(stack, j)
				}
			}
		}
	}

	edges := edgeMap{w: w, h: h, on: make([]bool, w*h)}
	for i, c := range class {
		edges.on[i] = c == strong
	}
	return edges
}

// countContours counts the borders a full contour-tree trace would report:
// one outer border per 8-connected edge component plus one hole border per
// 4-connected background region the edges enclose
func countContours(e edgeMap) int {
	seen := make([]bool, len(e.on))
	count := 0

	var stack []int
	fill := func(start int, fg bool, eightWay bool) (touchesBorder bool) {
		stack = append(stack[:0], start)
		seen[start] = true
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%e.w, i/e.w
			if x == 0 || y == 0 || x == e.w-1 || y == e.h-1 {
				touchesBorder = true
			}
			for ny := y - 1; ny <= y+1; ny++ {
				for nx := x - 1; nx <= x+1; nx++ {
					if nx < 0 || ny < 0 || nx >= e.w || ny >= e.h {
						continue
					}
					if !eightWay && nx != x && ny != y {
						continue
					}
					j := ny*e.w + nx
					if !seen[j] && e.on[j] == fg {
						seen[j] = true
						stack = append(stack, j)
					}
				}
			}
		}
		return touchesBorder
	}

	for i, on := range e.on {
		if seen[i] {
			continue
		}
		if on {
			fill(i, true, true)
			count++
		} else if !fill(i, false, false) {
			count++
		}
	}
	return count
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
