package domain

import (
	"context"
	"time"
)

// FactSource fetches the raw multi-table fact snapshot for one patient.
// Implementations must honor ctx cancellation and return
// ErrProfileNotFound when the id resolves to no patient row.
type FactSource interface {
	FetchPatientFacts(ctx context.Context, patientID string) (*PatientFacts, error)
}

// RuleSource fetches the active guideline rules for snapshot loading.
// updatedAfter, when non-zero, filters to rules revised at or after the
// given date.
type RuleSource interface {
	FetchActiveRules(ctx context.Context, updatedAfter time.Time) ([]GuidelineRule, error)
}

// CorpusSearcher retrieves ranked evidence-corpus hits for a query. The
// core consumes hits with their provenance refs; it never ranks or
// embeds anything itself.
type CorpusSearcher interface {
	Search(ctx context.Context, query string, filters CorpusFilters) ([]CorpusHit, error)
}

// PlanStore persists the append-only recommendation version chain.
// Save never overwrites; UpdateState touches only the state column of an
// existing version.
type PlanStore interface {
	Save(ctx context.Context, rec *Recommendation) error
	Get(ctx context.Context, id string) (*Recommendation, error)
	History(ctx context.Context, patientID string) ([]*Recommendation, error)
	UpdateState(ctx context.Context, id string, state PlanState) error
}
