package scanning

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Tesseract implements the Recognizer interface by running the tesseract CLI
type Tesseract struct {
	binary   string
	language string
	timeout  time.Duration
}

// NewTesseract creates a Tesseract Recognizer. binary may be a bare name on PATH.
func NewTesseract(binary, language string) (*Tesseract, error) {
	if binary == "" {
		binary = "tesseract"
	}
	if language == "" {
		language = "eng"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("finding tesseract binary: %w", err)
	}
	return &Tesseract{
		binary:   path,
		language: language,
		timeout:  60 * time.Second,
	}, nil
}

// Recognize pipes the image through `tesseract stdin stdout`
func (t *Tesseract) Recognize(ctx context.Context, imageData []byte, contentType string) (string, error) {
	pngData, err := prepareImage(imageData, contentType)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	// psm 6: assume a single uniform block of text, which keeps receipt rows intact
	cmd := exec.CommandContext(ctx, t.binary, "stdin", "stdout", "-l", t.language, "--psm", "6")
	cmd.Stdin = bytes.NewReader(pngData)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: running tesseract: %v: %s", ErrRecognitionFailed, err, strings.TrimSpace(stderr.String()))
	}

	return cleanTranscript(stdout.String())
}

// Close is a no-op; each call starts its own process
func (t *Tesseract) Close() error {
	return nil
}
