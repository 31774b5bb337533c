package bill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/zombor/billsplit/internal/extract"
	"github.com/zombor/billsplit/internal/ledger"
	"github.com/zombor/billsplit/internal/scanning"
)

// Phase is the stage a session is in
type Phase int

const (
	// PhaseSetup collects participant names
	PhaseSetup Phase = iota
	// PhaseSplitting holds the items and their assignments. It is terminal.
	PhaseSplitting
)

func (p Phase) String() string {
	switch p {
	case PhaseSetup:
		return "setup"
	case PhaseSplitting:
		return "splitting"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// MarshalText encodes the phase by name in JSON
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name
func (p *Phase) UnmarshalText(text []byte) error {
	switch string(text) {
	case "setup":
		*p = PhaseSetup
	case "splitting":
		*p = PhaseSplitting
	default:
		return fmt.Errorf("unknown phase %q", text)
	}
	return nil
}

// ManualItemName is the placeholder name given to manually added items
const ManualItemName = "Enter Item Name"

// minParticipants is the smallest group that can start splitting
const minParticipants = 2

// recognizeFunc turns an uploaded image into receipt text
type recognizeFunc func(ctx context.Context, imageData []byte, contentType string) (string, error)

// Session is one bill being split. All methods are safe for concurrent use.
type Session struct {
	ID string

	mu           sync.Mutex
	phase        Phase
	participants []string
	ledger       *ledger.Ledger
	createdAt    time.Time
	updatedAt    time.Time

	// scanSem allows a single receipt recognition at a time
	scanSem     *semaphore.Weighted
	recognizing atomic.Bool

	recognize  recognizeFunc
	extractor  *extract.Extractor
	timeSource TimeSource
	metrics    *Metrics
}

// NewSession creates a session in the setup phase that reads receipts with recognizer.
// With a nil recognizer every upload fails recognition.
func NewSession(id string, recognizer scanning.Recognizer, extractor *extract.Extractor) *Session {
	recognize := noRecognizer
	if recognizer != nil {
		recognize = recognizer.Recognize
	}
	return newSession(id, recognize, extractor, &defaultTimeSource{}, nil)
}

func noRecognizer(ctx context.Context, imageData []byte, contentType string) (string, error) {
	return "", fmt.Errorf("%w: no recognizer configured", scanning.ErrRecognitionFailed)
}

// recognitionResult makes every failed or empty read an ErrRecognitionFailed
func recognitionResult(text string, err error) (string, error) {
	if err != nil {
		if errors.Is(err, scanning.ErrRecognitionFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", scanning.ErrRecognitionFailed, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: no text found", scanning.ErrRecognitionFailed)
	}
	return text, nil
}

func newSession(id string, recognize recognizeFunc, extractor *extract.Extractor, timeSource TimeSource, metrics *Metrics) *Session {
	if extractor == nil {
		extractor = extract.New(nil)
	}
	now := timeSource.Now()
	return &Session{
		ID:         id,
		phase:      PhaseSetup,
		createdAt:  now,
		updatedAt:  now,
		scanSem:    semaphore.NewWeighted(1),
		recognize:  recognize,
		extractor:  extractor,
		timeSource: timeSource,
		metrics:    metrics,
	}
}

// touch records activity. Callers hold s.mu.
func (s *Session) touch() {
	s.updatedAt = s.timeSource.Now()
}

// requirePhase checks the current phase. Callers hold s.mu.
func (s *Session) requirePhase(p Phase) error {
	if s.phase != p {
		return fmt.Errorf("%w: session is in %s, need %s", ErrWrongPhase, s.phase, p)
	}
	return nil
}

// Phase returns the current phase
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// lastActive returns the time of the last change
func (s *Session) lastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// AddParticipant adds a trimmed, non-blank name during setup
func (s *Session) AddParticipant(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return validationError("Participant name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requirePhase(PhaseSetup); err != nil {
		return err
	}
	s.participants = append(s.participants, name)
	s.touch()
	return nil
}

// RemoveParticipant removes the participant at index during setup
func (s *Session) RemoveParticipant(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requirePhase(PhaseSetup); err != nil {
		return err
	}
	if index < 0 || index >= len(s.participants) {
		return fmt.Errorf("%w: participant %d of %d", ErrIndexOutOfRange, index, len(s.participants))
	}
	s.participants = slices.Delete(s.participants, index, index+1)
	s.touch()
	return nil
}

// Participants returns a copy of the participant names
func (s *Session) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.participants)
}

// CompleteSetup fixes the participant list and moves to splitting.
// Fewer than two participants keeps the session in setup.
func (s *Session) CompleteSetup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requirePhase(PhaseSetup); err != nil {
		return err
	}
	if len(s.participants) < minParticipants {
		return validationError("Please add at least 2 participants")
	}
	s.ledger = ledger.New(s.participants)
	s.phase = PhaseSplitting
	s.touch()
	return nil
}

// UploadReceipt recognizes the image, extracts its items and replaces the
// session's items with them. It returns the number of items found.
// On any failure the items are left unchanged.
func (s *Session) UploadReceipt(ctx context.Context, imageData []byte, contentType string) (int, error) {
	if !s.scanSem.TryAcquire(1) {
		return 0, ErrBusy
	}
	defer s.scanSem.Release(1)

	s.mu.Lock()
	err := s.requirePhase(PhaseSplitting)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	s.recognizing.Store(true)
	defer s.recognizing.Store(false)

	start := time.Now()
	text, err := recognitionResult(s.recognize(ctx, imageData, contentType))
	if err != nil {
		s.metrics.observeRecognition("error", time.Since(start))
		slog.Error("Failed to recognize receipt",
			"session_id", s.ID,
			"content_type", contentType,
			"file_size", len(imageData),
			"error", err,
		)
		return 0, fmt.Errorf("recognizing receipt: %w", err)
	}
	s.metrics.observeRecognition("ok", time.Since(start))

	items := s.extractor.Extract(text)
	s.metrics.observeExtraction(len(items))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ledger.ReplaceItems(items); err != nil {
		return 0, fmt.Errorf("replacing items: %w", err)
	}
	s.touch()
	slog.Debug("Receipt processed", "session_id", s.ID, "items", len(items))
	return len(items), nil
}

// splitting runs fn against the ledger once setup is complete
func (s *Session) splitting(fn func(l *ledger.Ledger) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requirePhase(PhaseSplitting); err != nil {
		return err
	}
	if err := fn(s.ledger); err != nil {
		return err
	}
	s.touch()
	return nil
}

// AddItem appends an item with nobody assigned
func (s *Session) AddItem(name string, price decimal.Decimal) error {
	return s.splitting(func(l *ledger.Ledger) error {
		return l.AddItem(ledger.Item{Name: strings.TrimSpace(name), Price: price})
	})
}

// AddManualItem appends a placeholder item to be edited afterwards
func (s *Session) AddManualItem() error {
	return s.AddItem(ManualItemName, decimal.Zero)
}

// RemoveItem deletes the item at index
func (s *Session) RemoveItem(index int) error {
	return s.splitting(func(l *ledger.Ledger) error {
		return l.RemoveItem(index)
	})
}

// EditItem changes the name and price of the item at index
func (s *Session) EditItem(index int, name string, price decimal.Decimal) error {
	return s.splitting(func(l *ledger.Ledger) error {
		return l.EditItem(index, strings.TrimSpace(name), price)
	})
}

// ToggleAssignment adds or removes participant from the item at index
func (s *Session) ToggleAssignment(index int, participant string) error {
	return s.splitting(func(l *ledger.Ledger) error {
		return l.ToggleAssignment(index, participant)
	})
}

// Items returns a copy of the current items
func (s *Session) Items() ([]ledger.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requirePhase(PhaseSplitting); err != nil {
		return nil, err
	}
	return s.ledger.Items(), nil
}

// Totals returns what each participant owes
func (s *Session) Totals() ([]ledger.PersonTotal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requirePhase(PhaseSplitting); err != nil {
		return nil, err
	}
	return s.ledger.Totals(), nil
}

// ItemView is an item as shown to callers
type ItemView struct {
	Index        int      `json:"index"`
	Name         string   `json:"name"`
	Price        string   `json:"price"`
	SplitBetween []string `json:"split_between"`
}

// TotalView is a participant total rounded for display
type TotalView struct {
	Participant string `json:"participant"`
	Total       string `json:"total"`
}

// View is a point-in-time copy of a session
type View struct {
	ID              string      `json:"id"`
	Phase           Phase       `json:"phase"`
	Participants    []string    `json:"participants"`
	Items           []ItemView  `json:"items"`
	Totals          []TotalView `json:"totals"`
	GrandTotal      string      `json:"grand_total"`
	UnassignedTotal string      `json:"unassigned_total"`
	Busy            bool        `json:"busy"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Snapshot returns the session state with amounts formatted to two places
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		ID:              s.ID,
		Phase:           s.phase,
		Participants:    slices.Clone(s.participants),
		Items:           []ItemView{},
		Totals:          []TotalView{},
		GrandTotal:      ledger.FormatAmount(decimal.Zero),
		UnassignedTotal: ledger.FormatAmount(decimal.Zero),
		Busy:            s.recognizing.Load(),
		CreatedAt:       s.createdAt,
		UpdatedAt:       s.updatedAt,
	}
	if v.Participants == nil {
		v.Participants = []string{}
	}
	if s.ledger == nil {
		return v
	}

	items := s.ledger.Items()
	v.Items = itemViews(items)
	v.Totals = totalViews(ledger.ComputeTotals(items, s.ledger.Participants()))
	grand := ledger.GrandTotal(items)
	v.GrandTotal = ledger.FormatAmount(grand)
	v.UnassignedTotal = ledger.FormatAmount(grand.Sub(ledger.AssignedTotal(items)))
	return v
}

func totalViews(totals []ledger.PersonTotal) []TotalView {
	views := make([]TotalView, 0, len(totals))
	for _, t := range totals {
		views = append(views, TotalView{
			Participant: t.Participant,
			Total:       ledger.FormatAmount(t.Total),
		})
	}
	return views
}

func itemViews(items []ledger.Item) []ItemView {
	views := make([]ItemView, 0, len(items))
	for i, item := range items {
		views = append(views, ItemView{
			Index:        i,
			Name:         item.Name,
			Price:        ledger.FormatAmount(item.Price),
			SplitBetween: item.SplitBetween,
		})
	}
	return views
}
