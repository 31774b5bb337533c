package scanning

import (
	"fmt"
	"strings"
)

// cleanTranscript normalises model output into plain newline-separated text.
// An empty transcript is a failed recognition.
func cleanTranscript(text string) (string, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSpace(text)

	// Remove markdown code fences if the model wrapped its answer in them
	if strings.HasPrefix(text, "```") {
		if nl := strings.Index(text, "\n"); nl >= 0 {
			text = text[nl+1:]
		} else {
			text = ""
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	text = strings.TrimSpace(strings.Join(lines, "\n"))

	if text == "" {
		return "", fmt.Errorf("%w: no text found", ErrRecognitionFailed)
	}
	return text, nil
}
