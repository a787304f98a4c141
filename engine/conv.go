package engine

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-gesture/layers"
)

// convGeometry holds the shapes of one convolution applied to a batch of n images.
type convGeometry struct {
	n, h, w, c int
	k          int
	stride     int
	pad        layers.Padding
	oh, ow, oc int
}

func geometryOf(l *layers.LayerSpec, batch int) convGeometry {
	return convGeometry{
		n:      batch,
		h:      l.InputShape[1],
		w:      l.InputShape[2],
		c:      l.InputShape[3],
		k:      layers.GetIntParam(l.Parameters, "kernel_size", 1),
		stride: layers.GetIntParam(l.Parameters, "stride", 1),
		pad:    layers.PaddingOf(l),
		oh:     l.OutputShape[1],
		ow:     l.OutputShape[2],
		oc:     l.OutputShape[3],
	}
}

func (g convGeometry) pointwise() bool {
	return g.k == 1 && g.stride == 1 && g.pad == (layers.Padding{})
}

func (g convGeometry) patch() int {
	return g.k * g.k * g.c
}

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

// matmul computes c = op(a)·op(b) + beta·c.
func matmul(transA, transB bool, a, b blas32.General, beta float32, c blas32.General) {
	blas32.Gemm(transpose(transA), transpose(transB), 1, a, b, beta, c)
}

// im2col lays out the receptive field of every output position of one image
// as a row of length k*k*c, matching the HWIO kernel layout.
func im2col(x, cols []float32, g convGeometry) {
	row := 0
	for oy := 0; oy < g.oh; oy++ {
		for ox := 0; ox < g.ow; ox++ {
			dst := cols[row*g.patch() : (row+1)*g.patch()]
			off := 0
			for ky := 0; ky < g.k; ky++ {
				iy := oy*g.stride - g.pad.Top + ky
				for kx := 0; kx < g.k; kx++ {
					ix := ox*g.stride - g.pad.Left + kx
					seg := dst[off : off+g.c]
					if iy < 0 || iy >= g.h || ix < 0 || ix >= g.w {
						for i := range seg {
							seg[i] = 0
						}
					} else {
						copy(seg, x[(iy*g.w+ix)*g.c:(iy*g.w+ix+1)*g.c])
					}
					off += g.c
				}
			}
			row++
		}
	}
}

// col2im scatters patch gradients back onto one image gradient.
func col2im(dcols, dx []float32, g convGeometry) {
	row := 0
	for oy := 0; oy < g.oh; oy++ {
		for ox := 0; ox < g.ow; ox++ {
			src := dcols[row*g.patch() : (row+1)*g.patch()]
			off := 0
			for ky := 0; ky < g.k; ky++ {
				iy := oy*g.stride - g.pad.Top + ky
				for kx := 0; kx < g.k; kx++ {
					ix := ox*g.stride - g.pad.Left + kx
					if iy >= 0 && iy < g.h && ix >= 0 && ix < g.w {
						d := dx[(iy*g.w+ix)*g.c : (iy*g.w+ix+1)*g.c]
						for i, v := range src[off : off+g.c] {
							d[i] += v
						}
					}
					off += g.c
				}
			}
			row++
		}
	}
}

func (g convGeometry) columns(x *Tensor, workers int) blas32.General {
	rows := g.n * g.oh * g.ow
	if g.pointwise() {
		return general(rows, g.c, x.Data)
	}
	cols := make([]float32, rows*g.patch())
	in := g.h * g.w * g.c
	out := g.oh * g.ow * g.patch()
	forEach(g.n, workers, func(i int) {
		im2col(x.Data[i*in:(i+1)*in], cols[i*out:(i+1)*out], g)
	})
	return general(rows, g.patch(), cols)
}

func conv2DForward(x *Tensor, kernel, bias []float32, g convGeometry, workers int) *Tensor {
	y := NewTensor(g.n, g.oh, g.ow, g.oc)
	rows := g.n * g.oh * g.ow

	matmul(false, false, g.columns(x, workers), general(g.patch(), g.oc, kernel), 0, general(rows, g.oc, y.Data))
	if bias != nil {
		addBias(y.Data, bias)
	}
	return y
}

// conv2DBackward accumulates kernel and bias gradients when dK/dB are non-nil
// and returns the input gradient when needInput is set.
func conv2DBackward(x, dy *Tensor, kernel, dK, dB []float32, needInput bool, g convGeometry, workers int) *Tensor {
	rows := g.n * g.oh * g.ow
	dY := general(rows, g.oc, dy.Data)

	if dK != nil {
		matmul(true, false, g.columns(x, workers), dY, 1, general(g.patch(), g.oc, dK))
	}
	if dB != nil {
		sumRows(dy.Data, dB)
	}
	if !needInput {
		return nil
	}

	dx := NewTensor(g.n, g.h, g.w, g.c)
	if g.pointwise() {
		matmul(false, true, dY, general(g.patch(), g.oc, kernel), 0, general(rows, g.c, dx.Data))
		return dx
	}

	dcols := make([]float32, rows*g.patch())
	matmul(false, true, dY, general(g.patch(), g.oc, kernel), 0, general(rows, g.patch(), dcols))
	in := g.h * g.w * g.c
	out := g.oh * g.ow * g.patch()
	forEach(g.n, workers, func(i int) {
		col2im(dcols[i*out:(i+1)*out], dx.Data[i*in:(i+1)*in], g)
	})
	return dx
}

func addBias(y, bias []float32) {
	c := len(bias)
	for i := 0; i < len(y); i += c {
		row := y[i : i+c]
		for j, b := range bias {
			row[j] += b
		}
	}
}

func sumRows(dy, dst []float32) {
	c := len(dst)
	for i := 0; i < len(dy); i += c {
		for j, v := range dy[i : i+c] {
			dst[j] += v
		}
	}
}
