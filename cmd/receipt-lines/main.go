// Command receipt-lines shows how receipt text is split into items.
//
// It reads OCR text from a file argument or stdin, or recognizes an image
// with --image, and prints the decision for every line followed by the items.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/billsplit/internal/extract"
	"github.com/zombor/billsplit/internal/ledger"
	"github.com/zombor/billsplit/internal/logging"
	"github.com/zombor/billsplit/internal/scanning"
)

func main() {
	fs := ff.NewFlagSet("receipt-lines")
	var (
		imagePath    = fs.StringLong("image", "", "Receipt image to recognize instead of reading text")
		scannerType  = fs.StringLong("scanner", "tesseract", "Scanner for --image: 'gemini', 'ollama' or 'tesseract'")
		geminiKey    = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		ollamaURL    = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel  = fs.StringLong("ollama-model", "llava", "Ollama model name")
		keywordsPath = fs.StringLong("keywords", "", "File of non-item keywords, one per line")
		itemsOnly    = fs.BoolLong("items-only", "Print only the extracted items")
		logLevel     = fs.StringLong("log-level", "warn", "Log level: debug, info, warn or error")
	)

	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("BILLSPLIT")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(*logLevel)

	filter := extract.DefaultFilter()
	if *keywordsPath != "" {
		f, err := os.Open(*keywordsPath)
		if err != nil {
			fatal("opening keywords", err)
		}
		keywords, err := extract.LoadKeywords(f)
		f.Close()
		if err != nil {
			fatal("loading keywords", err)
		}
		filter = extract.NewFilter(keywords)
	}

	var text string
	var err error
	if *imagePath != "" {
		text, err = recognize(*imagePath, *scannerType, *geminiKey, *ollamaURL, *ollamaModel)
	} else {
		text, err = readText(fs.GetArgs())
	}
	if err != nil {
		fatal("reading receipt", err)
	}

	extractor := extract.New(filter)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if !*itemsOnly {
		fmt.Fprintln(w, "KIND\tKEYWORD\tLINE")
		for _, c := range extractor.ClassifyAll(text) {
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.Kind, c.Keyword, c.Line)
		}
		fmt.Fprintln(w)
	}

	items := extractor.Extract(text)
	fmt.Fprintln(w, "ITEM\tPRICE")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\n", item.Name, ledger.FormatAmount(item.Price))
	}
	fmt.Fprintf(w, "TOTAL\t%s\n", ledger.FormatAmount(ledger.GrandTotal(items)))
	w.Flush()
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

// readText reads the named file, or stdin when no file is given
func readText(args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", args[0], err)
	}
	return string(data), nil
}

// recognize runs an image through the chosen backend
func recognize(path, kind, geminiKey, ollamaURL, ollamaModel string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	var recognizer scanning.Recognizer
	switch kind {
	case "gemini":
		if geminiKey == "" {
			geminiKey = os.Getenv("GEMINI_API_KEY")
		}
		recognizer, err = scanning.NewGemini(geminiKey, "")
	case "ollama":
		recognizer, err = scanning.NewOllama(ollamaURL, ollamaModel)
	case "tesseract":
		recognizer, err = scanning.NewTesseract("", "")
	default:
		err = fmt.Errorf("invalid scanner type %q", kind)
	}
	if err != nil {
		return "", err
	}
	defer recognizer.Close()

	contentType := mime.TypeByExtension(filepath.Ext(path))
	return recognizer.Recognize(context.Background(), data, contentType)
}
