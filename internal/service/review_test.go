package service

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdss-reasoning-server/internal/domain"
)

// memPlanStore is an in-memory PlanStore for state machine tests.
type memPlanStore struct {
	recs map[string]*domain.Recommendation
}

func newMemPlanStore() *memPlanStore {
	return &memPlanStore{recs: make(map[string]*domain.Recommendation)}
}

func (s *memPlanStore) Save(_ context.Context, rec *domain.Recommendation) error {
	copied := *rec
	s.recs[rec.ID] = &copied
	return nil
}

func (s *memPlanStore) Get(_ context.Context, id string) (*domain.Recommendation, error) {
	rec, ok := s.recs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (s *memPlanStore) History(_ context.Context, patientID string) ([]*domain.Recommendation, error) {
	var out []*domain.Recommendation
	for _, rec := range s.recs {
		if rec.PatientID == patientID {
			copied := *rec
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *memPlanStore) UpdateState(_ context.Context, id string, state domain.PlanState) error {
	rec, ok := s.recs[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.State = state
	return nil
}

// newTestReviewer wires a reviewer over an in-memory store and a real
// composer fed by a mutable fact stub, so a review re-runs the full
// reasoning pass.
func newTestReviewer(t *testing.T) (*PlanReviewer, *memPlanStore, *stubFactSource, *RecommendationComposer) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	store := newMemPlanStore()
	src := &stubFactSource{facts: composerFacts()}
	composer := newTestComposer(t, src, &stubCorpus{})
	return NewPlanReviewer(store, composer, logger), store, src, composer
}

// composeAndSave runs one reasoning pass and persists the result, the
// same sequence the API follows on a recommend call.
func composeAndSave(t *testing.T, composer *RecommendationComposer, store *memPlanStore) *domain.Recommendation {
	t.Helper()
	rec, err := composer.Compose(context.Background(), "P-500", "")
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), rec))
	return rec
}

func proposedRec(id string) *domain.Recommendation {
	return &domain.Recommendation{
		ID:        id,
		PatientID: "P-600",
		Version:   1,
		State:     domain.StateProposed,
		Steps: []domain.PlanStep{
			{Kind: domain.StepTherapy, Action: "start amlodipine", DrugClass: domain.ClassCCB},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestReviewUnchangedPlanResolves(t *testing.T) {
	r, store, _, composer := newTestReviewer(t)
	rec := composeAndSave(t, composer, store)

	got, err := r.Accept(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State)

	got, err = r.BeginReview(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateUnderReview, got.State)

	// Facts did not move, so re-composition yields the same plan.
	got, err = r.Review(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, domain.StateResolved, got.State)

	history, err := r.History(context.Background(), "P-500")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestReviewChangedFactsAppendsVersion(t *testing.T) {
	r, store, src, composer := newTestReviewer(t)
	rec := composeAndSave(t, composer, store)

	_, err := r.Accept(context.Background(), rec.ID)
	require.NoError(t, err)
	_, err = r.BeginReview(context.Background(), rec.ID)
	require.NoError(t, err)

	// The patient deteriorated since the plan was composed.
	src.facts.Hypertension.Systolic = 195
	src.facts.Hypertension.Diastolic = 118
	src.facts.Hypertension.ClinicalConditions = "neurologic symptoms"

	successor, err := r.Review(context.Background(), rec.ID)
	require.NoError(t, err)

	assert.NotEqual(t, rec.ID, successor.ID)
	assert.Equal(t, 2, successor.Version)
	assert.Equal(t, rec.ID, successor.Supersedes)
	assert.Equal(t, domain.StateActive, successor.State)
	require.NotEmpty(t, successor.Steps)
	assert.Equal(t, domain.StepReferral, successor.Steps[0].Kind)
	assert.NotEmpty(t, successor.Warnings, "a recomposed successor carries its own safety findings")

	// The reviewed version closed as adjusted, its steps untouched.
	old, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAdjusted, old.State)
	assert.Equal(t, rec.Steps, old.Steps)

	history, err := r.History(context.Background(), "P-500")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, rec.ID, history[0].ID)
	assert.Equal(t, successor.ID, history[1].ID)
}

func TestReviewRequiresUnderReviewState(t *testing.T) {
	r, store, _, composer := newTestReviewer(t)
	rec := composeAndSave(t, composer, store)

	// Proposed.
	_, err := r.Review(context.Background(), rec.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// Active.
	_, err = r.Accept(context.Background(), rec.ID)
	require.NoError(t, err)
	_, err = r.Review(context.Background(), rec.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestReviewIllegalTransitions(t *testing.T) {
	r, store, _, _ := newTestReviewer(t)
	require.NoError(t, store.Save(context.Background(), proposedRec("R-4")))

	tests := []struct {
		name string
		call func() error
	}{
		{
			name: "proposed cannot go under review",
			call: func() error {
				_, err := r.BeginReview(context.Background(), "R-4")
				return err
			},
		},
		{
			name: "proposed cannot be reviewed",
			call: func() error {
				_, err := r.Review(context.Background(), "R-4")
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		})
	}
}

func TestReviewResolvedIsTerminal(t *testing.T) {
	r, store, _, composer := newTestReviewer(t)
	rec := composeAndSave(t, composer, store)

	_, err := r.Accept(context.Background(), rec.ID)
	require.NoError(t, err)
	_, err = r.BeginReview(context.Background(), rec.ID)
	require.NoError(t, err)
	_, err = r.Review(context.Background(), rec.ID)
	require.NoError(t, err)

	_, err = r.Accept(context.Background(), rec.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = r.Review(context.Background(), rec.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestReviewUnknownRecommendation(t *testing.T) {
	r, _, _, _ := newTestReviewer(t)

	_, err := r.Accept(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = r.Review(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
