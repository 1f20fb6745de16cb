package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Brownie44l1/skin-api/internal/report"
)

// Metadata describes the exported backbone graph and the head built on top
// of it. It is written next to the model files by the export script.
type Metadata struct {
	Version        string   `json:"version"`
	InputName      string   `json:"input_name"`
	OutputName     string   `json:"output_name"`
	InputShape     []int64  `json:"input_shape"`
	FeatureShape   []int64  `json:"feature_shape"`
	Classes        []string `json:"classes"`
	ImageSize      int      `json:"image_size"`
	AttentionHeads int      `json:"attention_heads"`
}

// LoadMetadata reads and validates a metadata file.
func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := meta.Validate(); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// Validate checks the metadata against the fixed topology of the service:
// a single NHWC RGB image in, a single NHWC feature map out, and the class
// list in output-channel order.
func (m Metadata) Validate() error {
	if m.InputName == "" || m.OutputName == "" {
		return errors.New("metadata: input_name and output_name are required")
	}
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 || m.InputShape[3] != 3 {
		return fmt.Errorf("metadata: input_shape %v, want [1 H W 3]", m.InputShape)
	}
	if m.ImageSize <= 0 || m.InputShape[1] != int64(m.ImageSize) || m.InputShape[2] != int64(m.ImageSize) {
		return fmt.Errorf("metadata: image_size %d does not match input_shape %v", m.ImageSize, m.InputShape)
	}
	if len(m.FeatureShape) != 4 || m.FeatureShape[0] != 1 {
		return fmt.Errorf("metadata: feature_shape %v, want [1 H W C]", m.FeatureShape)
	}
	for _, d := range m.FeatureShape[1:] {
		if d <= 0 {
			return fmt.Errorf("metadata: feature_shape %v has a non-positive dimension", m.FeatureShape)
		}
	}
	if m.AttentionHeads <= 0 {
		return fmt.Errorf("metadata: attention_heads must be > 0 (got %d)", m.AttentionHeads)
	}
	if len(m.Classes) != len(report.Labels) {
		return fmt.Errorf("metadata: %d classes, want %d", len(m.Classes), len(report.Labels))
	}
	for i, c := range m.Classes {
		if c != report.Labels[i] {
			return fmt.Errorf("metadata: class %d is %q, want %q", i, c, report.Labels[i])
		}
	}
	return nil
}

// InputSize is the number of float32 values in one preprocessed image.
func (m Metadata) InputSize() int {
	n := 1
	for _, d := range m.InputShape {
		n *= int(d)
	}
	return n
}

// FeatureDims returns the (H, W, C) of the backbone output.
func (m Metadata) FeatureDims() (h, w, c int) {
	return int(m.FeatureShape[1]), int(m.FeatureShape[2]), int(m.FeatureShape[3])
}
