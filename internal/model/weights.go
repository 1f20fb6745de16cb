package model

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"gorgonia.org/tensor"
)

// Tensor names in the head weight file. They follow the layer names of the
// trained graph.
const (
	AttentionKernelName = "soft_attention/kernel_conv3d"
	AttentionBiasName   = "soft_attention/bias_conv3d"
	DenseKernelName     = "dense/kernel"
	DenseBiasName       = "dense/bias"
)

// maxHeaderSize bounds the JSON header of a weight file.
const maxHeaderSize = 100 << 20

// Weights maps tensor names to their values.
type Weights map[string]*tensor.Dense

type tensorEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// LoadWeights reads a safetensors file. Only float32 tensors are supported.
func LoadWeights(path string) (Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open weights: %w", err)
	}
	defer f.Close()

	w, err := ReadWeights(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

// ReadWeights decodes safetensors data: an 8-byte little-endian header
// length, a JSON header, then the raw tensor bytes.
func ReadWeights(r io.Reader) (Weights, error) {
	var headerLen uint64
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	if headerLen == 0 || headerLen > maxHeaderSize {
		return nil, fmt.Errorf("invalid header length %d", headerLen)
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	entries := make(map[string]tensorEntry, len(raw))
	var dataLen int64
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var e tensorEntry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		if e.DType != "F32" {
			return nil, fmt.Errorf("tensor %q: unsupported dtype %s", name, e.DType)
		}
		begin, end := e.DataOffsets[0], e.DataOffsets[1]
		if begin < 0 || end < begin {
			return nil, fmt.Errorf("tensor %q: invalid offsets %v", name, e.DataOffsets)
		}
		if want := int64(numElements(e.Shape)) * 4; end-begin != want {
			return nil, fmt.Errorf("tensor %q: %d bytes for shape %v, want %d", name, end-begin, e.Shape, want)
		}
		if end > dataLen {
			dataLen = end
		}
		entries[name] = e
	}

	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read tensor data: %w", err)
	}

	weights := make(Weights, len(entries))
	for name, e := range entries {
		buf := data[e.DataOffsets[0]:e.DataOffsets[1]]
		values := make([]float32, len(buf)/4)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		shape := e.Shape
		if len(shape) == 0 {
			shape = []int{1}
		}
		weights[name] = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(values))
	}
	return weights, nil
}

// WriteWeights encodes w in the safetensors layout read by ReadWeights.
// Tensors are stored in name order.
func WriteWeights(out io.Writer, w Weights) error {
	names := make([]string, 0, len(w))
	for name := range w {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorEntry, len(names))
	var offset int64
	for _, name := range names {
		values, ok := w[name].Data().([]float32)
		if !ok {
			return fmt.Errorf("tensor %q is not float32", name)
		}
		size := int64(len(values)) * 4
		header[name] = tensorEntry{
			DType:       "F32",
			Shape:       []int(w[name].Shape()),
			DataOffsets: [2]int64{offset, offset + size},
		}
		offset += size
	}

	encoded, err := json.Marshal(header)
	if err != nil {
		return err
	}
	if err := binary.Write(out, binary.LittleEndian, uint64(len(encoded))); err != nil {
		return err
	}
	if _, err := out.Write(encoded); err != nil {
		return err
	}

	buf := make([]byte, 4)
	for _, name := range names {
		for _, v := range w[name].Data().([]float32) {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := out.Write(buf); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w Weights) lookup(name string, shape ...int) (*tensor.Dense, error) {
	t, ok := w[name]
	if !ok {
		return nil, fmt.Errorf("weights: missing tensor %q", name)
	}
	got := t.Shape()
	if len(got) != len(shape) {
		return nil, fmt.Errorf("weights: %q has shape %v, want %v", name, got, shape)
	}
	for i := range shape {
		if got[i] != shape[i] {
			return nil, fmt.Errorf("weights: %q has shape %v, want %v", name, got, shape)
		}
	}
	return t, nil
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
