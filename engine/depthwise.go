package engine

// depthwiseForward applies one k×k filter per channel (depth multiplier 1).
// The kernel is laid out [k, k, c, 1].
func depthwiseForward(x *Tensor, kernel, bias []float32, g convGeometry, workers int) *Tensor {
	y := NewTensor(g.n, g.oh, g.ow, g.c)
	in := g.h * g.w * g.c
	out := g.oh * g.ow * g.c

	forEach(g.n, workers, func(n int) {
		src := x.Data[n*in : (n+1)*in]
		dst := y.Data[n*out : (n+1)*out]
		for oy := 0; oy < g.oh; oy++ {
			for ox := 0; ox < g.ow; ox++ {
				o := dst[(oy*g.ow+ox)*g.c : (oy*g.ow+ox+1)*g.c]
				for ky := 0; ky < g.k; ky++ {
					iy := oy*g.stride - g.pad.Top + ky
					if iy < 0 || iy >= g.h {
						continue
					}
					for kx := 0; kx < g.k; kx++ {
						ix := ox*g.stride - g.pad.Left + kx
						if ix < 0 || ix >= g.w {
							continue
						}
						px := src[(iy*g.w+ix)*g.c : (iy*g.w+ix+1)*g.c]
						kk := kernel[(ky*g.k+kx)*g.c : (ky*g.k+kx+1)*g.c]
						for ch, v := range px {
							o[ch] += v * kk[ch]
						}
					}
				}
			}
		}
	})

	if bias != nil {
		addBias(y.Data, bias)
	}
	return y
}

func depthwiseBackward(x, dy *Tensor, kernel, dK, dB []float32, needInput bool, g convGeometry, workers int) *Tensor {
	in := g.h * g.w * g.c
	out := g.oh * g.ow * g.c
	ksize := g.k * g.k * g.c

	var dx *Tensor
	if needInput {
		dx = NewTensor(g.n, g.h, g.w, g.c)
	}
	var partial []float32
	if dK != nil {
		partial = make([]float32, g.n*ksize)
	}

	forEach(g.n, workers, func(n int) {
		src := x.Data[n*in : (n+1)*in]
		grad := dy.Data[n*out : (n+1)*out]
		var dsrc, dk []float32
		if dx != nil {
			dsrc = dx.Data[n*in : (n+1)*in]
		}
		if partial != nil {
			dk = partial[n*ksize : (n+1)*ksize]
		}
		for oy := 0; oy < g.oh; oy++ {
			for ox := 0; ox < g.ow; ox++ {
				o := grad[(oy*g.ow+ox)*g.c : (oy*g.ow+ox+1)*g.c]
				for ky := 0; ky < g.k; ky++ {
					iy := oy*g.stride - g.pad.Top + ky
					if iy < 0 || iy >= g.h {
						continue
					}
					for kx := 0; kx < g.k; kx++ {
						ix := ox*g.stride - g.pad.Left + kx
						if ix < 0 || ix >= g.w {
							continue
						}
						base := (iy*g.w + ix) * g.c
						kbase := (ky*g.k + kx) * g.c
						for ch, d := range o {
							if dsrc != nil {
								dsrc[base+ch] += d * kernel[kbase+ch]
							}
							if dk != nil {
								dk[kbase+ch] += d * src[base+ch]
							}
						}
					}
				}
			}
		}
	})

	for n := 0; n < len(partial)/max(ksize, 1); n++ {
		for i, v := range partial[n*ksize : (n+1)*ksize] {
			dK[i] += v
		}
	}
	if dB != nil {
		sumRows(dy.Data, dB)
	}
	return dx
}
