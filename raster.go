package cocoloader

// Polygon rasterization strategies for pixelwise masks.

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/llgcode/draw2d/draw2dimg"
)

// Rasterizer converts a single polygon, given as x0, y0, x1, y1, ... in absolute pixel
// coordinates, into the RLE of a height x width mask. Implementations must be deterministic.
type Rasterizer interface {
	Rasterize(xy []float64, height, width int) (RLE, error)
}

// PolygonRasterizer is the default Rasterizer. It walks the polygon boundary on a 5x upsampled
// grid and marks a pixel as set when its center lies inside the boundary, matching the
// rasterization used by the COCO tools. There is no anti-aliasing.
type PolygonRasterizer struct{}

const polygonUpsampling = 5

// Rasterize implements Rasterizer.
func (PolygonRasterizer) Rasterize(xy []float64, height, width int) (RLE, error) {
	if err := checkPolygon(xy, height, width); err != nil {
		return RLE{}, err
	}
	k := len(xy) / 2
	scale := float64(polygonUpsampling)

	// Upsample the vertices and get discrete points densely along the entire boundary.
	x := make([]int, k+1)
	y := make([]int, k+1)
	for j := 0; j < k; j++ {
		x[j] = int(scale*xy[2*j] + .5)
		y[j] = int(scale*xy[2*j+1] + .5)
	}
	x[k], y[k] = x[0], y[0]

	var u, v []int
	for j := 0; j < k; j++ {
		xs, xe, ys, ye := x[j], x[j+1], y[j], y[j+1]
		dx, dy := absInt(xe-xs), absInt(ys-ye)
		flip := (dx >= dy && xs > xe) || (dx < dy && ys > ye)
		if flip {
			xs, xe = xe, xs
			ys, ye = ye, ys
		}
		if dx >= dy {
			s := 0.0
			if dx > 0 {
				s = float64(ye-ys) / float64(dx)
			}
			for d := 0; d <= dx; d++ {
				t := d
				if flip {
					t = dx - d
				}
				u = append(u, t+xs)
				v = append(v, int(float64(ys)+s*float64(t)+.5))
			}
		} else {
			s := float64(xe-xs) / float64(dy)
			for d := 0; d <= dy; d++ {
				t := d
				if flip {
					t = dy - d
				}
				v = append(v, t+ys)
				u = append(u, int(float64(xs)+s*float64(t)+.5))
			}
		}
	}

	// Keep the points where the boundary crosses a pixel column and downsample them.
	var a []uint32
	for j := 1; j < len(u); j++ {
		if u[j] == u[j-1] {
			continue
		}
		xd := float64(u[j])
		if u[j] >= u[j-1] {
			xd = float64(u[j] - 1)
		}
		xd = (xd+.5)/scale - .5
		if math.Floor(xd) != xd || xd < 0 || xd > float64(width-1) {
			continue
		}
		yd := float64(v[j])
		if v[j] >= v[j-1] {
			yd = float64(v[j-1])
		}
		yd = (yd+.5)/scale - .5
		if yd < 0 {
			yd = 0
		} else if yd > float64(height) {
			yd = float64(height)
		}
		yd = math.Ceil(yd)
		a = append(a, uint32(int(xd)*height+int(yd)))
	}

	// Each crossing toggles the mask; the sorted positions become the run lengths.
	a = append(a, uint32(height*width))
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
	var p uint32
	for j := range a {
		t := a[j]
		a[j] -= p
		p = t
	}
	counts := make([]uint32, 0, len(a))
	counts = append(counts, a[0])
	for j := 1; j < len(a); {
		if a[j] > 0 {
			counts = append(counts, a[j])
			j++
			continue
		}
		// Two crossings at the same position cancel out.
		j++
		if j < len(a) {
			counts[len(counts)-1] += a[j]
			j++
		}
	}

	return RLE{Height: height, Width: width, Counts: counts}, nil
}

// Draw2DRasterizer fills the polygon with anti-aliasing and keeps the pixels that are covered
// by at least half. Polygons with fewer than 3 points cover nothing.
type Draw2DRasterizer struct{}

// Rasterize implements Rasterizer.
func (Draw2DRasterizer) Rasterize(xy []float64, height, width int) (RLE, error) {
	if err := checkPolygon(xy, height, width); err != nil {
		return RLE{}, err
	}
	if len(xy) < 6 {
		return RLE{Height: height, Width: width, Counts: []uint32{uint32(height * width)}}, nil
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	gc := draw2dimg.NewGraphicContext(canvas)
	gc.SetFillColor(color.RGBA{255, 255, 255, 255})
	gc.MoveTo(xy[0], xy[1])
	for i := 2; i < len(xy); i += 2 {
		gc.LineTo(xy[i], xy[i+1])
	}
	gc.Close()
	gc.Fill()

	mask := make([]byte, height*width)
	for col := 0; col < width; col++ {
		for row := 0; row < height; row++ {
			if canvas.RGBAAt(col, row).A >= 128 {
				mask[col*height+row] = 1
			}
		}
	}
	return RLEFromMask(mask, height, width), nil
}

func checkPolygon(xy []float64, height, width int) error {
	if len(xy)%2 != 0 {
		return fmt.Errorf("polygon with an odd number of coordinates (%d)", len(xy))
	}
	if height <= 0 || width <= 0 {
		return fmt.Errorf("cannot rasterize into a %dx%d mask", width, height)
	}
	return nil
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
