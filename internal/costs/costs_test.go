package costs

import (
	"math"
	"testing"

	"github.com/amberline/storyboard/internal/models"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestTrackUnknownModelUsesFallbackPrice(t *testing.T) {
	session := NewSessionTotals()
	ledger := NewLedger(session)
	project := &models.Project{ID: "proj-1", Title: "t"}

	// Unknown model, 3 units at the $0.05 fallback price.
	entry := ledger.Track(project, "model-x", 3, "shot render")

	if !almostEqual(entry.Amount, 0.15) {
		t.Errorf("entry amount = %f, want 0.15", entry.Amount)
	}
	if !almostEqual(project.CostTotal, 0.15) {
		t.Errorf("project total = %f, want 0.15", project.CostTotal)
	}
	if len(project.Costs) != 1 {
		t.Fatalf("expected exactly one cost entry, got %d", len(project.Costs))
	}
	if project.Costs[0].Units != 3 || project.Costs[0].Model != "model-x" {
		t.Errorf("entry fields wrong: %+v", project.Costs[0])
	}
}

func TestTrackKnownModelPrice(t *testing.T) {
	session := NewSessionTotals()
	ledger := NewLedger(session)
	project := &models.Project{ID: "proj-1", Title: "t"}

	ledger.Track(project, "gemini-2.5-flash-image", 2, "decor render")

	want := unitPrices["gemini-2.5-flash-image"] * 2
	if !almostEqual(project.CostTotal, want) {
		t.Errorf("project total = %f, want %f", project.CostTotal, want)
	}
}

func TestSessionTotalsAccumulateAcrossProjects(t *testing.T) {
	session := NewSessionTotals()
	ledger := NewLedger(session)
	a := &models.Project{ID: "proj-a", Title: "a"}
	b := &models.Project{ID: "proj-b", Title: "b"}

	ledger.Track(a, "model-x", 1, "")
	ledger.Track(b, "model-x", 2, "")

	total, calls := session.Snapshot()
	if !almostEqual(total, 0.15) {
		t.Errorf("session total = %f, want 0.15", total)
	}
	if calls != 2 {
		t.Errorf("session calls = %d, want 2", calls)
	}

	// Per-project totals stay separate.
	if !almostEqual(a.CostTotal, 0.05) || !almostEqual(b.CostTotal, 0.10) {
		t.Errorf("project totals = %f / %f, want 0.05 / 0.10", a.CostTotal, b.CostTotal)
	}
}

func TestSessionReset(t *testing.T) {
	session := NewSessionTotals()
	ledger := NewLedger(session)
	ledger.Track(&models.Project{ID: "p", Title: "t"}, "model-x", 1, "")

	session.Reset()

	total, calls := session.Snapshot()
	if total != 0 || calls != 0 {
		t.Errorf("after reset: total=%f calls=%d, want zeros", total, calls)
	}
}

func TestUnitPrice(t *testing.T) {
	if got := UnitPrice("veo-3.1-generate-preview"); !almostEqual(got, 0.250) {
		t.Errorf("UnitPrice(veo) = %f, want 0.250", got)
	}
	if got := UnitPrice("never-heard-of-it"); !almostEqual(got, fallbackPrice) {
		t.Errorf("UnitPrice(unknown) = %f, want fallback %f", got, fallbackPrice)
	}
}
