package model

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/skin-api/internal/preprocess"
)

// TestGoldenPrediction runs the real backbone and weights against a reference
// image. SKIN_GOLDEN_DIR must hold backbone.onnx, model_metadata.json,
// head.safetensors, reference.jpg and expected.json (a list of seven
// probabilities recorded from the trained model). ONNX_LIB_PATH points at
// the runtime library when it is not on the default search path.
func TestGoldenPrediction(t *testing.T) {
	dir := os.Getenv("SKIN_GOLDEN_DIR")
	if dir == "" {
		t.Skip("SKIN_GOLDEN_DIR not set")
	}

	srv, err := NewServer(Options{
		BackbonePath: filepath.Join(dir, "backbone.onnx"),
		MetadataPath: filepath.Join(dir, "model_metadata.json"),
		WeightsPath:  filepath.Join(dir, "head.safetensors"),
		OnnxLibPath:  os.Getenv("ONNX_LIB_PATH"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	raw, err := os.ReadFile(filepath.Join(dir, "reference.jpg"))
	require.NoError(t, err)

	pre := preprocess.New(srv.Metadata.ImageSize, 0)
	img, err := pre.DecodeImage(raw)
	require.NoError(t, err)

	probs, err := srv.Predict(context.Background(), preprocess.Tensor(img, srv.Metadata.ImageSize))
	require.NoError(t, err)

	expectedRaw, err := os.ReadFile(filepath.Join(dir, "expected.json"))
	require.NoError(t, err)
	var expected []float32
	require.NoError(t, json.Unmarshal(expectedRaw, &expected))
	require.Len(t, probs, len(expected))

	for i := range expected {
		require.InDelta(t, expected[i], probs[i], 1e-3, "class %s", srv.Metadata.Classes[i])
	}
}
