package bill

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/billsplit/internal/extract"
	"github.com/zombor/billsplit/internal/ledger"
	"github.com/zombor/billsplit/internal/scanning"
)

// IDGenerator generates unique IDs for sessions
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service owns the in-memory bill sessions
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	recognizer  scanning.Recognizer
	extractor   *extract.Extractor
	cache       Cache
	metrics     *Metrics
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source.
// cache and metrics may be nil.
func NewService(recognizer scanning.Recognizer, extractor *extract.Extractor, cache Cache, metrics *Metrics) *Service {
	return NewServiceWithDeps(recognizer, extractor, cache, metrics, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(recognizer scanning.Recognizer, extractor *extract.Extractor, cache Cache, metrics *Metrics, idGen IDGenerator, timeSrc TimeSource) *Service {
	if extractor == nil {
		extractor = extract.New(nil)
	}
	return &Service{
		sessions:    make(map[string]*Session),
		recognizer:  recognizer,
		extractor:   extractor,
		cache:       cache,
		metrics:     metrics,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// CreateSession starts a new session in the setup phase
func (s *Service) CreateSession() *Session {
	session := newSession(s.idGenerator.Generate(), s.recognize, s.extractor, s.timeSource, s.metrics)

	s.mu.Lock()
	s.sessions[session.ID] = session
	count := len(s.sessions)
	s.mu.Unlock()

	s.metrics.setSessions(count)
	slog.Info("Session created", "session_id", session.ID)
	return session
}

// GetSession returns the session with the given ID
func (s *Service) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return session, nil
}

// DeleteSession discards a session
func (s *Service) DeleteSession(id string) error {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	count := len(s.sessions)
	s.mu.Unlock()

	s.metrics.setSessions(count)
	slog.Info("Session deleted", "session_id", id)
	return nil
}

// SessionCount returns the number of live sessions
func (s *Service) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// PruneIdle drops sessions with no activity for longer than maxIdle and
// returns how many were removed
func (s *Service) PruneIdle(maxIdle time.Duration) int {
	cutoff := s.timeSource.Now().Add(-maxIdle)

	s.mu.Lock()
	removed := 0
	for id, session := range s.sessions {
		if session.lastActive().Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	count := len(s.sessions)
	s.mu.Unlock()

	if removed > 0 {
		s.metrics.setSessions(count)
		slog.Info("Pruned idle sessions", "removed", removed, "remaining", count)
	}
	return removed
}

// Extract runs the item extractor over text without touching any session
func (s *Service) Extract(text string) []ledger.Item {
	items := s.extractor.Extract(text)
	s.metrics.observeExtraction(len(items))
	return items
}

// Classify explains the extractor's decision for every line of text
func (s *Service) Classify(text string) []extract.Classification {
	return s.extractor.ClassifyAll(text)
}

// cacheKey identifies an upload by content
func cacheKey(imageData []byte, contentType string) string {
	h := sha256.New()
	h.Write([]byte(contentType))
	h.Write([]byte{0})
	h.Write(imageData)
	return hex.EncodeToString(h.Sum(nil))
}

// recognize reads receipt text, consulting the cache first when one is configured
func (s *Service) recognize(ctx context.Context, imageData []byte, contentType string) (string, error) {
	if s.recognizer == nil {
		return "", fmt.Errorf("%w: no recognizer configured", scanning.ErrRecognitionFailed)
	}

	var key string
	if s.cache != nil {
		key = cacheKey(imageData, contentType)
		text, ok, err := s.cache.Get(key)
		if err != nil {
			slog.Warn("Failed to read recognition cache", "key", key, "error", err)
		} else if ok {
			s.metrics.cacheHit()
			slog.Debug("Recognition cache hit", "key", key)
			return text, nil
		}
	}

	text, err := recognitionResult(s.recognizer.Recognize(ctx, imageData, contentType))
	if err != nil {
		return "", err
	}

	if s.cache != nil {
		if err := s.cache.Put(key, text); err != nil {
			slog.Warn("Failed to write recognition cache", "key", key, "error", err)
		}
	}
	return text, nil
}
