package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zombor/billsplit/internal/bill"
	"github.com/zombor/billsplit/internal/extract"
	"github.com/zombor/billsplit/internal/logging"
	"github.com/zombor/billsplit/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env is fine
	_ = godotenv.Load()

	fs := ff.NewFlagSet("billsplit")
	var (
		port          = fs.IntLong("port", 8080, "HTTP server port")
		cachePath     = fs.StringLong("cache-db", "", "Recognition cache file path (empty disables the cache)")
		scannerType   = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini', 'ollama' or 'tesseract'")
		geminiKey     = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel   = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL     = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel   = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, qwen2-vl)")
		tesseractPath = fs.StringLong("tesseract-path", "tesseract", "Path to the tesseract binary")
		tesseractLang = fs.StringLong("tesseract-lang", "eng", "Tesseract language")
		keywordsPath  = fs.StringLong("keywords", "", "File of non-item keywords, one per line (default: built-in list)")
		sessionTTL    = fs.DurationLong("session-ttl", 6*time.Hour, "Drop sessions idle for longer than this")
		authUser      = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass      = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel      = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		showVersion   = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("BILLSPLIT"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logging.Setup(*logLevel)

	filter, err := loadFilter(*keywordsPath)
	if err != nil {
		slog.Error("Failed to load keywords", "path", *keywordsPath, "error", err)
		os.Exit(1)
	}

	recognizer, err := newRecognizer(*scannerType, recognizerConfig{
		geminiKey:     *geminiKey,
		geminiModel:   *geminiModel,
		ollamaURL:     *ollamaURL,
		ollamaModel:   *ollamaModel,
		tesseractPath: *tesseractPath,
		tesseractLang: *tesseractLang,
	})
	if err != nil {
		slog.Error("Failed to initialize scanner", "type", *scannerType, "error", err)
		os.Exit(1)
	}
	defer recognizer.Close()

	var cache bill.Cache
	if *cachePath != "" {
		slog.Info("Initializing recognition cache...", "path", *cachePath)
		boltCache, err := bill.NewBoltCache(*cachePath)
		if err != nil {
			slog.Error("Failed to initialize cache", "error", err)
			os.Exit(1)
		}
		defer boltCache.Close()
		cache = boltCache
	}

	metrics := bill.NewMetrics(prometheus.DefaultRegisterer)
	service := bill.NewService(recognizer, extract.New(filter), cache, metrics)

	basicAuth := bill.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := bill.NewServer(service, basicAuth)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pruneSessions(ctx, service, *sessionTTL)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	<-ctx.Done()

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
}

// loadFilter reads the keyword file, or returns the built-in filter for an empty path
func loadFilter(path string) (*extract.Filter, error) {
	if path == "" {
		return extract.DefaultFilter(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening keywords: %w", err)
	}
	defer f.Close()

	keywords, err := extract.LoadKeywords(f)
	if err != nil {
		return nil, err
	}
	slog.Info("Loaded keywords", "path", path, "count", len(keywords))
	return extract.NewFilter(keywords), nil
}

type recognizerConfig struct {
	geminiKey     string
	geminiModel   string
	ollamaURL     string
	ollamaModel   string
	tesseractPath string
	tesseractLang string
}

// newRecognizer builds the configured OCR backend
func newRecognizer(kind string, cfg recognizerConfig) (scanning.Recognizer, error) {
	switch kind {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := cfg.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini scanner...", "model", cfg.geminiModel)
		return scanning.NewGemini(apiKey, cfg.geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		return scanning.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
	case "tesseract":
		slog.Info("Initializing Tesseract scanner...", "path", cfg.tesseractPath, "lang", cfg.tesseractLang)
		return scanning.NewTesseract(cfg.tesseractPath, cfg.tesseractLang)
	}
	return nil, fmt.Errorf("invalid scanner type %q (want gemini, ollama or tesseract)", kind)
}

// pruneSessions drops idle sessions until ctx is done
func pruneSessions(ctx context.Context, service *bill.Service, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			service.PruneIdle(ttl)
		}
	}
}
