package scanning

import (
	"context"
	"errors"
)

// ErrRecognitionFailed is returned when a backend errors or reads no text from an upload
var ErrRecognitionFailed = errors.New("recognition failed")

// Recognizer turns a receipt image into raw text, one receipt line per text line
type Recognizer interface {
	// Recognize reads all text on the receipt in imageData
	Recognize(ctx context.Context, imageData []byte, contentType string) (string, error)
	// Close releases any resources held by the recognizer
	Close() error
}
