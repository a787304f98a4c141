package engine

import (
	"math"
	"math/rand"

	"github.com/tsawler/go-gesture/layers"
	"github.com/tsawler/go-gesture/vision/augment"
)

func zeroPadForward(x *Tensor, p layers.Padding) *Tensor {
	n, h, w, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := h+p.Top+p.Bottom, w+p.Left+p.Right
	y := NewTensor(n, oh, ow, c)
	for i := 0; i < n; i++ {
		for r := 0; r < h; r++ {
			src := x.Data[((i*h+r)*w)*c : ((i*h+r)*w+w)*c]
			dst := y.Data[((i*oh+r+p.Top)*ow+p.Left)*c:]
			copy(dst[:w*c], src)
		}
	}
	return y
}

func zeroPadBackward(dy *Tensor, inShape []int, p layers.Padding) *Tensor {
	n, h, w, c := dy.Shape[0], inShape[1], inShape[2], inShape[3]
	oh, ow := dy.Shape[1], dy.Shape[2]
	dx := NewTensor(n, h, w, c)
	for i := 0; i < n; i++ {
		for r := 0; r < h; r++ {
			src := dy.Data[((i*oh+r+p.Top)*ow+p.Left)*c:]
			copy(dx.Data[((i*h+r)*w)*c:((i*h+r)*w+w)*c], src[:w*c])
		}
	}
	return dx
}

// batchNormAffine folds inference-mode batch normalization into a per-channel
// scale and shift.
func batchNormAffine(gamma, beta, mean, variance []float32, eps float64) (scale, shift []float32) {
	scale = make([]float32, len(gamma))
	shift = make([]float32, len(gamma))
	for c := range gamma {
		s := gamma[c] / float32(math.Sqrt(float64(variance[c])+eps))
		scale[c] = s
		shift[c] = beta[c] - mean[c]*s
	}
	return scale, shift
}

func batchNormForward(x *Tensor, scale, shift []float32) *Tensor {
	y := NewTensor(x.Shape...)
	c := len(scale)
	for i := 0; i < len(x.Data); i += c {
		for j := 0; j < c; j++ {
			y.Data[i+j] = x.Data[i+j]*scale[j] + shift[j]
		}
	}
	return y
}

// batchNormBackward accumulates gamma/beta gradients when the buffers are non-nil.
func batchNormBackward(x, dy *Tensor, mean, variance, scale []float32, eps float64, dGamma, dBeta []float32, needInput bool) *Tensor {
	c := len(scale)
	if dGamma != nil || dBeta != nil {
		inv := make([]float32, c)
		for j := range inv {
			inv[j] = 1 / float32(math.Sqrt(float64(variance[j])+eps))
		}
		for i := 0; i < len(dy.Data); i += c {
			for j := 0; j < c; j++ {
				d := dy.Data[i+j]
				if dGamma != nil {
					dGamma[j] += d * (x.Data[i+j] - mean[j]) * inv[j]
				}
				if dBeta != nil {
					dBeta[j] += d
				}
			}
		}
	}
	if !needInput {
		return nil
	}

	dx := NewTensor(dy.Shape...)
	for i := 0; i < len(dy.Data); i += c {
		for j := 0; j < c; j++ {
			dx.Data[i+j] = dy.Data[i+j] * scale[j]
		}
	}
	return dx
}

func relu6Forward(x *Tensor) *Tensor {
	y := NewTensor(x.Shape...)
	for i, v := range x.Data {
		switch {
		case v < 0:
			y.Data[i] = 0
		case v > 6:
			y.Data[i] = 6
		default:
			y.Data[i] = v
		}
	}
	return y
}

// relu6Backward uses the forward output; 0 < y < 6 exactly when 0 < x < 6.
func relu6Backward(y, dy *Tensor) *Tensor {
	dx := NewTensor(dy.Shape...)
	for i, v := range y.Data {
		if v > 0 && v < 6 {
			dx.Data[i] = dy.Data[i]
		}
	}
	return dx
}

func addForward(inputs []*Tensor) *Tensor {
	y := inputs[0].Clone()
	for _, t := range inputs[1:] {
		for i, v := range t.Data {
			y.Data[i] += v
		}
	}
	return y
}

func globalAvgPoolForward(x *Tensor) *Tensor {
	n, h, w, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	y := NewTensor(n, c)
	hw := h * w
	for i := 0; i < n; i++ {
		acc := y.Data[i*c : (i+1)*c]
		img := x.Data[i*hw*c : (i+1)*hw*c]
		for p := 0; p < hw; p++ {
			for j, v := range img[p*c : (p+1)*c] {
				acc[j] += v
			}
		}
		for j := range acc {
			acc[j] /= float32(hw)
		}
	}
	return y
}

func globalAvgPoolBackward(dy *Tensor, inShape []int) *Tensor {
	n, h, w, c := dy.Shape[0], inShape[1], inShape[2], inShape[3]
	dx := NewTensor(n, h, w, c)
	hw := h * w
	for i := 0; i < n; i++ {
		g := dy.Data[i*c : (i+1)*c]
		img := dx.Data[i*hw*c : (i+1)*hw*c]
		for p := 0; p < hw; p++ {
			for j, v := range g {
				img[p*c+j] = v / float32(hw)
			}
		}
	}
	return dx
}

// dropoutMask draws an inverted-dropout mask: kept units are scaled by 1/(1-rate).
func dropoutMask(rng *rand.Rand, n int, rate float64) []float32 {
	mask := make([]float32, n)
	keep := float32(1 / (1 - rate))
	for i := range mask {
		if rng.Float64() >= rate {
			mask[i] = keep
		}
	}
	return mask
}

func mulMask(x *Tensor, mask []float32) *Tensor {
	y := NewTensor(x.Shape...)
	for i, v := range x.Data {
		y.Data[i] = v * mask[i]
	}
	return y
}

func denseForward(x *Tensor, kernel, bias []float32, units int) *Tensor {
	n, in := x.Shape[0], x.Shape[1]
	y := NewTensor(n, units)
	matmul(false, false, general(n, in, x.Data), general(in, units, kernel), 0, general(n, units, y.Data))
	if bias != nil {
		addBias(y.Data, bias)
	}
	return y
}

func denseBackward(x, dy *Tensor, kernel, dK, dB []float32, needInput bool) *Tensor {
	n, in, units := x.Shape[0], x.Shape[1], dy.Shape[1]
	dY := general(n, units, dy.Data)
	if dK != nil {
		matmul(true, false, general(n, in, x.Data), dY, 1, general(in, units, dK))
	}
	if dB != nil {
		sumRows(dy.Data, dB)
	}
	if !needInput {
		return nil
	}
	dx := NewTensor(n, in)
	matmul(false, true, dY, general(in, units, kernel), 0, general(n, in, dx.Data))
	return dx
}

// softmaxForward normalizes along the last axis.
func softmaxForward(x *Tensor) *Tensor {
	y := NewTensor(x.Shape...)
	c := x.Shape[len(x.Shape)-1]
	for i := 0; i < len(x.Data); i += c {
		Softmax(x.Data[i:i+c], y.Data[i:i+c])
	}
	return y
}

// Softmax writes the softmax of logits into dst.
func Softmax(logits, dst []float32) {
	m := logits[0]
	for _, v := range logits[1:] {
		if v > m {
			m = v
		}
	}
	var sum float64
	for j, v := range logits {
		e := math.Exp(float64(v - m))
		dst[j] = float32(e)
		sum += e
	}
	for j := range dst {
		dst[j] = float32(float64(dst[j]) / sum)
	}
}

func rescaleForward(x *Tensor, scale, offset float32) *Tensor {
	y := NewTensor(x.Shape...)
	for i, v := range x.Data {
		y.Data[i] = v*scale + offset
	}
	return y
}

func scaleGrad(dy *Tensor, scale float32) *Tensor {
	dx := NewTensor(dy.Shape...)
	for i, v := range dy.Data {
		dx.Data[i] = v * scale
	}
	return dx
}

// rotateForward rotates every image by its own random angle.
func rotateForward(x *Tensor, rng *rand.Rand, factor float64, workers int) *Tensor {
	y := NewTensor(x.Shape...)
	each := func(n int, body func(i int)) { forEach(n, workers, body) }
	augment.Rotation{Factor: factor}.ApplyBatch(rng, x.Data, y.Data, x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3], each)
	return y
}
