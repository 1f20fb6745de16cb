package model

import (
	"context"
	"math/rand"
	"testing"

	"gorgonia.org/tensor"

	"github.com/Brownie44l1/skin-api/internal/attention"
	"github.com/Brownie44l1/skin-api/internal/report"
)

func randomDense(rng *rand.Rand, scale float32, shape ...int) *tensor.Dense {
	data := make([]float32, numElements(shape))
	for i := range data {
		data[i] = (rng.Float32()*2 - 1) * scale
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

func randomWeights(seed int64, h, w, c, heads, classes int) Weights {
	rng := rand.New(rand.NewSource(seed))
	flat := pooledDim(h) * pooledDim(w) * 2 * c
	return Weights{
		AttentionKernelName: randomDense(rng, 0.5, c, attention.KernelSize, attention.KernelSize, 1, heads),
		AttentionBiasName:   randomDense(rng, 0.1, heads),
		DenseKernelName:     randomDense(rng, 0.2, flat, classes),
		DenseBiasName:       randomDense(rng, 0.1, classes),
	}
}

func testMetadata(imageSize, h, w, c, heads int) Metadata {
	return Metadata{
		Version:        "test",
		InputName:      "input",
		OutputName:     "features",
		InputShape:     []int64{1, int64(imageSize), int64(imageSize), 3},
		FeatureShape:   []int64{1, int64(h), int64(w), int64(c)},
		Classes:        append([]string(nil), report.Labels...),
		ImageSize:      imageSize,
		AttentionHeads: heads,
	}
}

// fakeBackbone derives a deterministic feature map from the input so that
// different images produce different predictions.
type fakeBackbone struct {
	h, w, c int
	err     error
	calls   int
	closed  bool
}

func (f *fakeBackbone) Features(ctx context.Context, input []float32) (*tensor.Dense, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]float32, f.h*f.w*f.c)
	for i := range out {
		out[i] = input[(i*7919)%len(input)]
	}
	return tensor.New(tensor.WithShape(f.h, f.w, f.c), tensor.WithBacking(out)), nil
}

func (f *fakeBackbone) Close() error {
	f.closed = true
	return nil
}

func newTestHead(t *testing.T, seed int64, h, w, c, heads int) *Head {
	t.Helper()
	head, err := NewHead(h, w, c, heads, len(report.Labels), randomWeights(seed, h, w, c, heads, len(report.Labels)))
	if err != nil {
		t.Fatalf("NewHead: %v", err)
	}
	return head
}
