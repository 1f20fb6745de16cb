package model

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"

	"github.com/Brownie44l1/skin-api/internal/attention"
)

// poolSize is the window and stride of the max pooling after attention.
const poolSize = 2

// Head is the part of the graph after the backbone's truncation layer:
//
//	features ─┬─ soft attention ── maxpool ─┐
//	          └──────────────────── maxpool ─┴─ concat ─ relu ─ flatten ─ dense ─ softmax
//
// Dropout sits between relu and flatten during training and is the
// identity at inference, so it has no counterpart here.
type Head struct {
	attn     *attention.Layer
	h, w, c  int
	classes  int
	flatSize int
	denseW   []float32 // (flatSize, classes)
	denseB   []float32 // (classes)
}

// NewHead wires the head for a backbone output of shape (h, w, c) and checks
// every weight tensor against that topology.
func NewHead(h, w, c, heads, classes int, weights Weights) (*Head, error) {
	kernel, err := weights.lookup(AttentionKernelName, c, attention.KernelSize, attention.KernelSize, 1, heads)
	if err != nil {
		return nil, err
	}
	bias, err := weights.lookup(AttentionBiasName, heads)
	if err != nil {
		return nil, err
	}
	attn, err := attention.New(attention.Config{
		Channels:  c,
		Heads:     heads,
		Aggregate: true,
	}, kernel, bias)
	if err != nil {
		return nil, err
	}

	ph, pw := pooledDim(h), pooledDim(w)
	attnC := attn.OutputShape(h, w)[2]
	flat := ph * pw * (c + attnC)

	denseW, err := weights.lookup(DenseKernelName, flat, classes)
	if err != nil {
		return nil, err
	}
	denseB, err := weights.lookup(DenseBiasName, classes)
	if err != nil {
		return nil, err
	}

	return &Head{
		attn:     attn,
		h:        h,
		w:        w,
		c:        c,
		classes:  classes,
		flatSize: flat,
		denseW:   denseW.Data().([]float32),
		denseB:   denseB.Data().([]float32),
	}, nil
}

// Forward maps one (H, W, C) feature map to class probabilities.
func (hd *Head) Forward(features *tensor.Dense) ([]float32, error) {
	shape := features.Shape()
	if shape.Dims() != 3 || shape[0] != hd.h || shape[1] != hd.w || shape[2] != hd.c {
		return nil, fmt.Errorf("head: feature shape %v, want (%d, %d, %d)", shape, hd.h, hd.w, hd.c)
	}

	// The attention maps are not consumed downstream.
	attended, _, err := hd.attn.Forward(features)
	if err != nil {
		return nil, err
	}

	pooledX := maxPool(features)
	pooledA := maxPool(attended)
	flat := concatRelu(pooledX, pooledA)
	if len(flat) != hd.flatSize {
		return nil, fmt.Errorf("head: flattened %d values, want %d", len(flat), hd.flatSize)
	}

	logits := make([]float64, hd.classes)
	for k, b := range hd.denseB {
		logits[k] = float64(b)
	}
	for i, v := range flat {
		if v == 0 {
			continue
		}
		row := hd.denseW[i*hd.classes : (i+1)*hd.classes]
		for k, wk := range row {
			logits[k] += float64(v) * float64(wk)
		}
	}
	return softmax(logits), nil
}

// maxPool applies 2x2 max pooling with stride 2 and "same" padding: odd
// trailing rows and columns form partial windows.
func maxPool(x *tensor.Dense) *tensor.Dense {
	shape := x.Shape()
	h, w, c := shape[0], shape[1], shape[2]
	ph, pw := pooledDim(h), pooledDim(w)
	src := x.Data().([]float32)
	out := make([]float32, ph*pw*c)

	for i := 0; i < ph; i++ {
		for j := 0; j < pw; j++ {
			dst := out[(i*pw+j)*c : (i*pw+j+1)*c]
			for ch := range dst {
				dst[ch] = float32(math.Inf(-1))
			}
			for y := i * poolSize; y < i*poolSize+poolSize && y < h; y++ {
				for xx := j * poolSize; xx < j*poolSize+poolSize && xx < w; xx++ {
					px := src[(y*w+xx)*c : (y*w+xx+1)*c]
					for ch, v := range px {
						if v > dst[ch] {
							dst[ch] = v
						}
					}
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(ph, pw, c), tensor.WithBacking(out))
}

// concatRelu joins a and b on the channel axis, a first, applies relu and
// flattens in row-major (H, W, C) order.
func concatRelu(a, b *tensor.Dense) []float32 {
	as, bs := a.Shape(), b.Shape()
	ca, cb := as[2], bs[2]
	positions := as[0] * as[1]
	da, db := a.Data().([]float32), b.Data().([]float32)

	out := make([]float32, 0, positions*(ca+cb))
	for p := 0; p < positions; p++ {
		for _, v := range da[p*ca : (p+1)*ca] {
			out = append(out, relu(v))
		}
		for _, v := range db[p*cb : (p+1)*cb] {
			out = append(out, relu(v))
		}
	}
	return out
}

func pooledDim(n int) int {
	return (n + poolSize - 1) / poolSize
}

func relu(v float32) float32 {
	if v < 0 {
		return 0
	}
	return v
}

func softmax(logits []float64) []float32 {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	sum := 0.0
	exps := make([]float64, len(logits))
	for i, v := range logits {
		exps[i] = math.Exp(v - maxLogit)
		sum += exps[i]
	}
	out := make([]float32, len(logits))
	for i, e := range exps {
		out[i] = float32(e / sum)
	}
	return out
}
