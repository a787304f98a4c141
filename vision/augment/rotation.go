// Package augment implements the random image transforms applied to
// training batches.
package augment

import (
	"math"
	"math/rand"
)

// Rotation rotates images by a random angle of up to Factor of a full turn
// in either direction.
type Rotation struct {
	Factor float64
}

// Sample draws an angle in radians uniformly from [-Factor·2π, Factor·2π].
func (r Rotation) Sample(rng *rand.Rand) float64 {
	limit := r.Factor * 2 * math.Pi
	return (rng.Float64()*2 - 1) * limit
}

// ApplyBatch rotates each of n HWC images in src by its own angle into dst.
// Angles are drawn sequentially from rng; each schedules the per-image work.
func (r Rotation) ApplyBatch(rng *rand.Rand, src, dst []float32, n, h, w, c int, each func(n int, body func(i int))) {
	angles := make([]float64, n)
	for i := range angles {
		angles[i] = r.Sample(rng)
	}
	size := h * w * c
	each(n, func(i int) {
		Rotate(src[i*size:(i+1)*size], dst[i*size:(i+1)*size], h, w, c, angles[i])
	})
}

// Rotate writes src rotated by angle radians about the image centre into dst.
// Both are HWC. Output pixels are sampled bilinearly from the inverse-mapped
// source position; positions outside the image are reflected back in.
func Rotate(src, dst []float32, h, w, c int, angle float64) {
	cos, sin := math.Cos(angle), math.Sin(angle)
	fw, fh := float64(w-1), float64(h-1)
	xOff := (fw - (cos*fw - sin*fh)) / 2
	yOff := (fh - (sin*fw + cos*fh)) / 2

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			fx, fy := float64(x), float64(y)
			xin := reflect(cos*fx-sin*fy+xOff, w)
			yin := reflect(sin*fx+cos*fy+yOff, h)
			bilinear(src, dst[(y*w+x)*c:(y*w+x+1)*c], h, w, c, yin, xin)
		}
	}
}

// reflect folds a coordinate into [0, n-1] by mirroring at the edges
// (d c b a | a b c d | d c b a).
func reflect(v float64, n int) float64 {
	size := float64(n)
	if n <= 1 {
		return 0
	}
	sz2 := 2 * size
	switch {
	case v < 0:
		if v < -sz2 {
			v = sz2*float64(int(-v/sz2)) + v
		}
		if v < -size {
			v += sz2
		} else {
			v = -v - 1
		}
	case v > size-1:
		v -= sz2 * float64(int(v/sz2))
		if v >= size {
			v = sz2 - v - 1
		}
	}
	return math.Min(math.Max(v, 0), size-1)
}

func bilinear(src, out []float32, h, w, c int, y, x float64) {
	y0, x0 := math.Floor(y), math.Floor(x)
	y1, x1 := y0+1, x0+1
	wy1, wx1 := y-y0, x-x0
	wy0, wx0 := 1-wy1, 1-wx1

	for ch := 0; ch < c; ch++ {
		v := wy0*wx0*read(src, h, w, c, int(y0), int(x0), ch) +
			wy0*wx1*read(src, h, w, c, int(y0), int(x1), ch) +
			wy1*wx0*read(src, h, w, c, int(y1), int(x0), ch) +
			wy1*wx1*read(src, h, w, c, int(y1), int(x1), ch)
		out[ch] = float32(v)
	}
}

func read(src []float32, h, w, c, y, x, ch int) float64 {
	if y < 0 || y >= h || x < 0 || x >= w {
		return 0
	}
	return float64(src[(y*w+x)*c+ch])
}
