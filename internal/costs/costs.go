package costs

import (
	"log"
	"sync"
	"time"

	"github.com/amberline/storyboard/internal/models"
)

// Per-unit prices in USD. Unknown models fall back to fallbackPrice so a new
// provider model never produces a zero-cost entry.
var unitPrices = map[string]float64{
	"gpt-5-mini":                  0.002,
	"gpt-5":                       0.010,
	"gpt-4.1":                     0.008,
	"gpt-4o-mini":                 0.001,
	"gemini-3-pro-image-preview":  0.040,
	"gemini-2.5-flash-image":      0.020,
	"veo-3.1-generate-preview":    0.250,
	"grok-imagine-video":          0.180,
}

const fallbackPrice = 0.05

// SessionTotals is the process-wide cost aggregator. It is injected, not
// global: every Ledger write increments it, tests get a fresh one.
type SessionTotals struct {
	mu    sync.Mutex
	total float64
	calls int
}

func NewSessionTotals() *SessionTotals {
	return &SessionTotals{}
}

func (s *SessionTotals) add(amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total += amount
	s.calls++
}

// Snapshot returns the session-wide total and the number of tracked calls.
func (s *SessionTotals) Snapshot() (float64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, s.calls
}

// Reset zeroes the aggregator. Called at process start and between tests.
func (s *SessionTotals) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = 0
	s.calls = 0
}

// Ledger computes and records cost entries.
type Ledger struct {
	session *SessionTotals
}

func NewLedger(session *SessionTotals) *Ledger {
	return &Ledger{session: session}
}

// Track appends one cost entry to the project and bumps both the project
// total and the session total.
//
// The project argument must be the same in-memory state object that the
// enclosing locked cycle will save. Tracking on a separately reloaded copy
// loses the entry when the canonical copy is saved afterward.
func (l *Ledger) Track(project *models.Project, modelID string, units int, note string) models.CostEntry {
	price, ok := unitPrices[modelID]
	if !ok {
		log.Printf("[Costs] Unknown model %q, using fallback price $%.3f/unit", modelID, fallbackPrice)
		price = fallbackPrice
	}

	entry := models.CostEntry{
		Model:     modelID,
		Units:     units,
		Amount:    price * float64(units),
		Note:      note,
		CreatedAt: time.Now().UTC(),
	}

	project.Costs = append(project.Costs, entry)
	project.CostTotal += entry.Amount
	l.session.add(entry.Amount)

	log.Printf("[Costs] %s: %s x%d = $%.4f (project total $%.4f)",
		project.ID, modelID, units, entry.Amount, project.CostTotal)

	return entry
}

// UnitPrice returns the per-unit price for a model, or the fallback.
func UnitPrice(modelID string) float64 {
	if price, ok := unitPrices[modelID]; ok {
		return price
	}
	return fallbackPrice
}
