package model

import (
	"context"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"
)

// Backbone produces the feature map consumed by the head.
type Backbone interface {
	// Features runs one preprocessed (1, S, S, 3) image and returns the
	// (H, W, C) feature map with the batch dimension dropped.
	Features(ctx context.Context, input []float32) (*tensor.Dense, error)
	Close() error
}

// onnxBackbone runs the truncated backbone graph. Each call allocates its
// own input and output tensors, so calls may run concurrently.
type onnxBackbone struct {
	session      *ort.DynamicAdvancedSession
	inputShape   ort.Shape
	featureShape ort.Shape
}

func newONNXBackbone(modelPath string, meta Metadata, intraOpThreads int) (*onnxBackbone, error) {
	if err := checkModelIO(modelPath, meta); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if intraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(intraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName}, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxBackbone{
		session:      session,
		inputShape:   ort.NewShape(meta.InputShape...),
		featureShape: ort.NewShape(meta.FeatureShape...),
	}, nil
}

// checkModelIO compares the graph's declared tensors with the metadata so a
// mismatched export fails at startup rather than on the first request.
// Dynamic dimensions (reported as -1) match anything.
func checkModelIO(modelPath string, meta Metadata) error {
	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return fmt.Errorf("failed to inspect ONNX model: %w", err)
	}
	if err := matchInfo("input", inputs, meta.InputName, meta.InputShape); err != nil {
		return err
	}
	return matchInfo("output", outputs, meta.OutputName, meta.FeatureShape)
}

func matchInfo(kind string, infos []ort.InputOutputInfo, name string, want []int64) error {
	for _, info := range infos {
		if info.Name != name {
			continue
		}
		if info.DataType != ort.TensorElementDataTypeFloat {
			return fmt.Errorf("model %s %q has element type %v, want float32", kind, name, info.DataType)
		}
		if !dimsCompatible(info.Dimensions, want) {
			return fmt.Errorf("model %s %q has shape %v, metadata says %v", kind, name, info.Dimensions, want)
		}
		return nil
	}
	return fmt.Errorf("model has no %s named %q", kind, name)
}

func dimsCompatible(got ort.Shape, want []int64) bool {
	if len(got) != len(want) {
		return false
	}
	for i, d := range got {
		if d >= 0 && d != want[i] {
			return false
		}
	}
	return true
}

func (b *onnxBackbone) Features(ctx context.Context, input []float32) (*tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in, err := ort.NewTensor(b.inputShape, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer in.Destroy()

	out, err := ort.NewEmptyTensor[float32](b.featureShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer out.Destroy()

	if err := b.session.Run([]ort.ArbitraryTensor{in}, []ort.ArbitraryTensor{out}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	// The output tensor's memory is released on return.
	data := append([]float32(nil), out.GetData()...)
	return tensor.New(
		tensor.WithShape(int(b.featureShape[1]), int(b.featureShape[2]), int(b.featureShape[3])),
		tensor.WithBacking(data),
	), nil
}

func (b *onnxBackbone) Close() error {
	if b.session == nil {
		return nil
	}
	return b.session.Destroy()
}
