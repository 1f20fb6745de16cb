package preprocess

import "errors"

// Input errors. Each one is the caller's fault and maps to a 4xx response.
var (
	ErrEmptyImage       = errors.New("image is required")
	ErrInvalidBase64    = errors.New("image is not valid base64")
	ErrUndecodableImage = errors.New("image could not be decoded")
	ErrImageTooLarge    = errors.New("image dimensions exceed the limit")
)

// IsInputError reports whether err is caused by the submitted image.
func IsInputError(err error) bool {
	return errors.Is(err, ErrEmptyImage) ||
		errors.Is(err, ErrInvalidBase64) ||
		errors.Is(err, ErrUndecodableImage) ||
		errors.Is(err, ErrImageTooLarge)
}
