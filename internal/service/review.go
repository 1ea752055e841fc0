package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cdss-reasoning-server/internal/domain"
)

// PlanReviewer drives recommendations through their lifecycle. Versions
// are immutable: a review that changes the plan appends a new version
// with a supersedes back-link; nothing is edited in place and every
// superseded version stays retrievable.
type PlanReviewer struct {
	store    domain.PlanStore
	composer *RecommendationComposer
	logger   *logrus.Logger
}

func NewPlanReviewer(store domain.PlanStore, composer *RecommendationComposer, logger *logrus.Logger) *PlanReviewer {
	return &PlanReviewer{store: store, composer: composer, logger: logger}
}

// Accept moves a proposed recommendation to active.
func (r *PlanReviewer) Accept(ctx context.Context, id string) (*domain.Recommendation, error) {
	return r.transition(ctx, id, domain.StateActive)
}

// BeginReview moves an active recommendation under review.
func (r *PlanReviewer) BeginReview(ctx context.Context, id string) (*domain.Recommendation, error) {
	return r.transition(ctx, id, domain.StateUnderReview)
}

// Review closes an under-review recommendation by re-running the full
// reasoning pass against current facts and comparing the fresh plan to
// the reviewed one. An unchanged plan resolves in place; a changed plan
// moves the reviewed version to adjusted and appends the fresh plan as
// an immutable active successor with a back-link to its predecessor.
func (r *PlanReviewer) Review(ctx context.Context, id string) (*domain.Recommendation, error) {
	current, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("plan review: %w", err)
	}
	if current.State != domain.StateUnderReview {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.State, domain.StateResolved)
	}

	fresh, err := r.composer.Compose(ctx, current.PatientID, "")
	if err != nil {
		return nil, fmt.Errorf("plan review: recompose: %w", err)
	}

	if samePlan(current.Steps, fresh.Steps) {
		if err := r.store.UpdateState(ctx, current.ID, domain.StateResolved); err != nil {
			return nil, fmt.Errorf("plan review: %w", err)
		}
		current.State = domain.StateResolved

		r.logger.WithFields(logrus.Fields{
			"patient_id":     current.PatientID,
			"recommendation": current.ID,
		}).Info("plan reviewed, unchanged, resolved")

		return current, nil
	}

	successor := fresh
	successor.Version = current.Version + 1
	successor.Supersedes = current.ID
	successor.State = domain.StateActive

	if err := r.store.Save(ctx, successor); err != nil {
		return nil, fmt.Errorf("plan review: save successor: %w", err)
	}
	if err := r.store.UpdateState(ctx, current.ID, domain.StateAdjusted); err != nil {
		return nil, fmt.Errorf("plan review: close reviewed version: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"patient_id": current.PatientID,
		"superseded": current.ID,
		"successor":  successor.ID,
		"version":    successor.Version,
	}).Info("plan reviewed, changed, adjusted")

	return successor, nil
}

// History returns every version recorded for the patient, oldest first.
func (r *PlanReviewer) History(ctx context.Context, patientID string) ([]*domain.Recommendation, error) {
	return r.store.History(ctx, patientID)
}

// samePlan compares the therapeutic content of two step lists. Ordering
// matters; rationale and provenance do not.
func samePlan(a, b []domain.PlanStep) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Kind != b[i].Kind || a[i].Action != b[i].Action || a[i].DrugClass != b[i].DrugClass {
			return false
		}
	}
	return true
}

func (r *PlanReviewer) transition(ctx context.Context, id string, to domain.PlanState) (*domain.Recommendation, error) {
	current, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("plan review: %w", err)
	}
	if !current.State.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.State, to)
	}
	if err := r.store.UpdateState(ctx, id, to); err != nil {
		return nil, fmt.Errorf("plan review: %w", err)
	}
	current.State = to

	r.logger.WithFields(logrus.Fields{
		"recommendation": id,
		"state":          to,
	}).Info("plan state transition")

	return current, nil
}
