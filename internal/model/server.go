package model

import (
	"context"
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// Options locates the model files and tunes the runtime.
type Options struct {
	BackbonePath   string
	MetadataPath   string
	WeightsPath    string
	OnnxLibPath    string
	IntraOpThreads int
}

// Server is the assembled inference graph. It is built once at startup and
// is read-only afterwards; Predict may be called from any goroutine.
type Server struct {
	Metadata Metadata
	backbone Backbone
	head     *Head
	ownsEnv  bool
}

// NewServer loads the metadata, the head weights and the backbone graph, and
// verifies that all three describe the same topology.
func NewServer(opts Options) (*Server, error) {
	meta, err := LoadMetadata(opts.MetadataPath)
	if err != nil {
		return nil, err
	}

	weights, err := LoadWeights(opts.WeightsPath)
	if err != nil {
		return nil, err
	}

	h, w, c := meta.FeatureDims()
	head, err := NewHead(h, w, c, meta.AttentionHeads, len(meta.Classes), weights)
	if err != nil {
		return nil, err
	}

	if opts.OnnxLibPath != "" {
		ort.SetSharedLibraryPath(opts.OnnxLibPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	backbone, err := newONNXBackbone(opts.BackbonePath, meta, opts.IntraOpThreads)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, err
	}

	s := Assemble(meta, backbone, head)
	s.ownsEnv = true
	return s, nil
}

// Assemble joins an already constructed backbone and head.
func Assemble(meta Metadata, backbone Backbone, head *Head) *Server {
	return &Server{
		Metadata: meta,
		backbone: backbone,
		head:     head,
	}
}

// Predict runs one forward pass over a preprocessed image and returns the
// class probabilities in Metadata.Classes order.
func (s *Server) Predict(ctx context.Context, input []float32) ([]float32, error) {
	if want := s.Metadata.InputSize(); len(input) != want {
		return nil, fmt.Errorf("expected %d input values, got %d", want, len(input))
	}

	features, err := s.backbone.Features(ctx, input)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	probs, err := s.head.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("head forward failed: %w", err)
	}
	return probs, nil
}

// Close releases the backbone session and, when NewServer created it, the
// ONNX environment.
func (s *Server) Close() error {
	var errs []error
	if s.backbone != nil {
		errs = append(errs, s.backbone.Close())
	}
	if s.ownsEnv {
		errs = append(errs, ort.DestroyEnvironment())
	}
	return errors.Join(errs...)
}
