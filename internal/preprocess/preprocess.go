// Package preprocess turns a wire-format image into the normalised NHWC
// tensor the backbone expects.
package preprocess

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"strings"
	"unicode"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// jpegBlockPadding is how many zero bytes are appended per 8x8 block and
// component when a truncated JPEG is completed. Zero bits decode as short
// Huffman codes, so this comfortably covers every missing block.
const jpegBlockPadding = 128

var jpegEOI = []byte{0xff, 0xd9}

// Preprocessor holds the decode limits and the model input size.
type Preprocessor struct {
	// Size is the square edge the image is resized to.
	Size int
	// MaxPixels rejects images whose declared width*height exceeds it.
	// Zero disables the check.
	MaxPixels int
}

// New returns a Preprocessor for size x size model input.
func New(size, maxPixels int) *Preprocessor {
	return &Preprocessor{Size: size, MaxPixels: maxPixels}
}

// DecodeBase64 accepts standard or URL-safe base64 with or without padding.
// Whitespace and a leading data URL header ("data:image/png;base64,") are
// ignored.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 {
			return nil, fmt.Errorf("%w: data URL without payload", ErrInvalidBase64)
		}
		s = s[comma+1:]
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, "=")
	if s == "" {
		return nil, ErrEmptyImage
	}

	enc := base64.RawStdEncoding
	if strings.ContainsAny(s, "-_") {
		enc = base64.RawURLEncoding
	}
	data, err := enc.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
	}
	return data, nil
}

// DecodeImage decodes JPEG, PNG, GIF, BMP, TIFF or WebP data. A JPEG cut
// short inside its scan data is completed with blank blocks and decoded
// anyway.
func (p *Preprocessor) DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodableImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty %dx%d image", ErrUndecodableImage, cfg.Width, cfg.Height)
	}
	if p.MaxPixels > 0 && cfg.Width*cfg.Height > p.MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}
	if format == "jpeg" {
		if recovered, rerr := jpeg.Decode(completeJPEG(data, cfg)); rerr == nil {
			return recovered, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUndecodableImage, err)
}

// completeJPEG streams data followed by enough zero scan data to fill the
// declared frame and an end-of-image marker.
func completeJPEG(data []byte, cfg image.Config) io.Reader {
	blocks := int64((cfg.Width+7)/8) * int64((cfg.Height+7)/8) * 3
	return io.MultiReader(
		bytes.NewReader(data),
		io.LimitReader(zeros{}, blocks*jpegBlockPadding),
		bytes.NewReader(jpegEOI),
	)
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// Tensor resizes img to size x size without preserving the aspect ratio and
// returns a (1, size, size, 3) NHWC tensor scaled to [-1, 1]. Alpha is
// dropped.
func Tensor(img image.Image, size int) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Bicubic)

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	inputData := make([]float32, width*height*3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.NRGBAModel.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)

			i := (y*width + x) * 3
			inputData[i] = normalize(c.R)
			inputData[i+1] = normalize(c.G)
			inputData[i+2] = normalize(c.B)
		}
	}
	return inputData
}

// normalize maps [0, 255] to [-1, 1] as the Inception family expects.
func normalize(v uint8) float32 {
	return float32(v)/127.5 - 1
}
