// Package attention implements multi-head soft attention over a spatial
// feature map.
//
// Each head scores every spatial location with a 3D convolution over the
// feature map viewed as an (H, W, C) volume, and the scores are normalised
// with a softmax over all H*W positions. The per-head maps then rescale the input features,
// either summed into a single map (aggregate mode) or one copy of the
// features per head.
package attention

import (
	"errors"
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

// KernelSize is the extent of the scoring kernel along W and along the
// channel axis. Along H the kernel is Channels tall.
const KernelSize = 3

// Config fixes the layer's topology.
type Config struct {
	Channels int
	Heads    int
	// Aggregate sums the heads into one weight per location.
	Aggregate bool
	// ConcatWithInput appends the unscaled input after the attended features.
	ConcatWithInput bool
}

// Layer holds the trained parameters. It is immutable after New and safe for
// concurrent use.
type Layer struct {
	cfg    Config
	kernel []float32 // (C, 3, 3, 1, heads)
	bias   []float32 // (heads)
}

// New validates the parameter shapes against cfg. kernel must have shape
// (Channels, 3, 3, 1, Heads) and bias (Heads).
func New(cfg Config, kernel, bias *tensor.Dense) (*Layer, error) {
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("attention: channels must be > 0 (got %d)", cfg.Channels)
	}
	if cfg.Heads <= 0 {
		return nil, fmt.Errorf("attention: heads must be > 0 (got %d)", cfg.Heads)
	}
	if kernel == nil || bias == nil {
		return nil, errors.New("attention: kernel and bias are required")
	}

	wantKernel := []int{cfg.Channels, KernelSize, KernelSize, 1, cfg.Heads}
	if !sameShape(kernel.Shape(), wantKernel) {
		return nil, fmt.Errorf("attention: kernel shape %v, want %v", kernel.Shape(), wantKernel)
	}
	if !sameShape(bias.Shape(), []int{cfg.Heads}) {
		return nil, fmt.Errorf("attention: bias shape %v, want [%d]", bias.Shape(), cfg.Heads)
	}

	k, ok := kernel.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("attention: kernel must be float32, got %T", kernel.Data())
	}
	b, ok := bias.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("attention: bias must be float32, got %T", bias.Data())
	}

	return &Layer{
		cfg:    cfg,
		kernel: append([]float32(nil), k...),
		bias:   append([]float32(nil), b...),
	}, nil
}

// Config returns the layer's topology.
func (l *Layer) Config() Config { return l.cfg }

// OutputShape is the shape of the feature tensor Forward returns for an
// (h, w, Channels) input.
func (l *Layer) OutputShape(h, w int) []int {
	c := l.cfg.Channels
	if !l.cfg.Aggregate {
		c *= l.cfg.Heads
	}
	if l.cfg.ConcatWithInput {
		c += l.cfg.Channels
	}
	return []int{h, w, c}
}

// Forward applies the layer to x of shape (H, W, C). It returns the attended
// features and the per-head attention maps of shape (heads, H, W). x is not
// modified.
func (l *Layer) Forward(x *tensor.Dense) (features, maps *tensor.Dense, err error) {
	shape := x.Shape()
	if shape.Dims() != 3 || shape[2] != l.cfg.Channels {
		return nil, nil, fmt.Errorf("attention: input shape %v, want (H, W, %d)", shape, l.cfg.Channels)
	}
	data, ok := x.Data().([]float32)
	if !ok {
		return nil, nil, fmt.Errorf("attention: input must be float32, got %T", x.Data())
	}
	h, w := shape[0], shape[1]
	if h == 0 || w == 0 {
		return nil, nil, fmt.Errorf("attention: empty spatial extent %dx%d", h, w)
	}

	alpha := l.scores(data, h, w)
	for m := 0; m < l.cfg.Heads; m++ {
		softmax(alpha[m*h*w : (m+1)*h*w])
	}

	out := l.scale(data, alpha, h, w)
	outShape := l.OutputShape(h, w)

	features = tensor.New(tensor.WithShape(outShape...), tensor.WithBacking(out))
	maps = tensor.New(tensor.WithShape(l.cfg.Heads, h, w), tensor.WithBacking(alpha))
	return features, maps, nil
}

// scores computes relu(conv + bias) laid out as (heads, H, W). The input is
// read as a single-channel volume of extent (H, W, C): the kernel covers C
// rows, three columns and three channels, and its channel stride of C leaves
// one output per spatial location. Every axis is zero padded "same", so only
// the first three channels reach the scores once C >= 3.
func (l *Layer) scores(x []float32, h, w int) []float32 {
	c, heads := l.cfg.Channels, l.cfg.Heads
	padH := (c - 1) / 2
	padD := depthPadding(c)
	out := make([]float32, heads*h*w)
	acc := make([]float32, heads)

	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			copy(acc, l.bias)
			for y := max(0, i-padH); y < h && y < i-padH+c; y++ {
				a := y - i + padH
				for b := 0; b < KernelSize; b++ {
					xx := j + b - KernelSize/2
					if xx < 0 || xx >= w {
						continue
					}
					px := x[(y*w+xx)*c : (y*w+xx+1)*c]
					for d := 0; d < KernelSize; d++ {
						ch := d - padD
						if ch < 0 || ch >= c || px[ch] == 0 {
							continue
						}
						v := px[ch]
						k := l.kernel[((a*KernelSize+b)*KernelSize+d)*heads:]
						for m := 0; m < heads; m++ {
							acc[m] += v * k[m]
						}
					}
				}
			}
			for m, v := range acc {
				if v < 0 {
					v = 0
				}
				out[(m*h+i)*w+j] = v
			}
		}
	}
	return out
}

// depthPadding is the leading zero padding on the channel axis. With a
// stride of C there is a single output step, so padding only appears when
// the channel axis is shorter than the kernel.
func depthPadding(c int) int {
	if c >= KernelSize {
		return 0
	}
	return (KernelSize - c) / 2
}

func (l *Layer) scale(x, alpha []float32, h, w int) []float32 {
	c, heads := l.cfg.Channels, l.cfg.Heads
	outC := l.OutputShape(h, w)[2]
	out := make([]float32, h*w*outC)

	for p := 0; p < h*w; p++ {
		src := x[p*c : (p+1)*c]
		dst := out[p*outC : (p+1)*outC]

		if l.cfg.Aggregate {
			var weight float32
			for m := 0; m < heads; m++ {
				weight += alpha[m*h*w+p]
			}
			for ch, v := range src {
				dst[ch] = weight * v
			}
			dst = dst[c:]
		} else {
			for m := 0; m < heads; m++ {
				weight := alpha[m*h*w+p]
				for ch, v := range src {
					dst[m*c+ch] = weight * v
				}
			}
			dst = dst[heads*c:]
		}

		if l.cfg.ConcatWithInput {
			copy(dst, src)
		}
	}
	return out
}

func softmax(v []float32) {
	maxV := v[0]
	for _, x := range v[1:] {
		if x > maxV {
			maxV = x
		}
	}
	var sum float64
	for i, x := range v {
		e := math.Exp(float64(x - maxV))
		v[i] = float32(e)
		sum += e
	}
	inv := 1 / sum
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}

func sameShape(got tensor.Shape, want []int) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
