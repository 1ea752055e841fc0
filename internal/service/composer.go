package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cdss-reasoning-server/internal/domain"
)

// ComposerConfig bounds the fan-out fetches. One retry after
// RetryBackoff; a source that fails both attempts degrades the pass.
type ComposerConfig struct {
	SourceTimeout time.Duration
	RetryBackoff  time.Duration
	CorpusTopK    int
}

func DefaultComposerConfig() ComposerConfig {
	return ComposerConfig{
		SourceTimeout: 3 * time.Second,
		RetryBackoff:  200 * time.Millisecond,
		CorpusTopK:    5,
	}
}

// RecommendationComposer runs one full reasoning pass: fan out to the
// fact base and evidence corpus, assemble the profile, stratify, match
// guidelines, compose ordered steps, and screen the result. Every pass
// owns its intermediates; nothing is shared across concurrent passes.
type RecommendationComposer struct {
	facts     domain.FactSource
	corpus    domain.CorpusSearcher
	assembler *ProfileAssembler
	stratify  *RiskStratifier
	matcher   *GuidelineMatcher
	guard     *SafetyGuard
	cfg       ComposerConfig
	logger    *logrus.Logger
}

func NewRecommendationComposer(
	facts domain.FactSource,
	corpus domain.CorpusSearcher,
	assembler *ProfileAssembler,
	stratify *RiskStratifier,
	matcher *GuidelineMatcher,
	guard *SafetyGuard,
	cfg ComposerConfig,
	logger *logrus.Logger,
) *RecommendationComposer {
	return &RecommendationComposer{
		facts:     facts,
		corpus:    corpus,
		assembler: assembler,
		stratify:  stratify,
		matcher:   matcher,
		guard:     guard,
		cfg:       cfg,
		logger:    logger,
	}
}

type factsResult struct {
	facts *domain.PatientFacts
	err   error
}

type corpusResult struct {
	hits []domain.CorpusHit
	err  error
}

// Compose produces a new proposed recommendation for the patient.
// Patient facts are required: an unresolvable id fails the pass with
// ErrProfileNotFound. A corpus failure degrades to a missing-data
// warning instead. Cancellation aborts the whole pass; no partial
// recommendation is ever returned.
func (c *RecommendationComposer) Compose(ctx context.Context, patientID string, query string) (*domain.Recommendation, error) {
	factsCh := make(chan factsResult, 1)
	corpusCh := make(chan corpusResult, 1)

	go func() {
		f, err := c.fetchFacts(ctx, patientID)
		factsCh <- factsResult{facts: f, err: err}
	}()
	go func() {
		hits, err := c.searchCorpus(ctx, patientID, query)
		corpusCh <- corpusResult{hits: hits, err: err}
	}()

	var fr factsResult
	var cr corpusResult
	for i := 0; i < 2; i++ {
		select {
		case fr = <-factsCh:
		case cr = <-corpusCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fr.err != nil {
		if errors.Is(fr.err, domain.ErrProfileNotFound) {
			return nil, fr.err
		}
		return nil, fmt.Errorf("%w: patient facts: %v", domain.ErrSourceUnavailable, fr.err)
	}

	profile, err := c.assembler.Assemble(ctx, fr.facts)
	if err != nil {
		return nil, err
	}

	assessment, err := c.stratify.Assess(profile)
	if err != nil {
		return nil, err
	}

	steps, candidates := c.composeSteps(profile, assessment)

	screened, warnings := c.guard.Screen(profile, steps)
	warnings = append(warnings, degradationWarnings(fr.facts.DegradedSources, cr.err)...)
	for _, missing := range assessment.MissingData {
		warnings = appendUniqueWarning(warnings, domain.Warning{
			Category: domain.CategoryMissingData,
			Severity: domain.SeverityCaution,
			Message:  missing,
		})
	}

	rec := &domain.Recommendation{
		ID:         uuid.New().String(),
		PatientID:  profile.ID,
		Version:    1,
		State:      domain.StateProposed,
		Candidates: candidates,
		Steps:      screened,
		Warnings:   warnings,
		Supporting: supportingRefs(cr.hits),
		CreatedAt:  time.Now().UTC(),
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"patient_id": profile.ID,
		"steps":      len(rec.Steps),
		"warnings":   len(rec.Warnings),
		"overall":    assessment.Overall,
	}).Info("recommendation composed")

	return rec, nil
}

// fetchFacts applies the per-source timeout and single retry.
func (c *RecommendationComposer) fetchFacts(ctx context.Context, patientID string) (*domain.PatientFacts, error) {
	facts, err := c.fetchFactsOnce(ctx, patientID)
	if err == nil || errors.Is(err, domain.ErrProfileNotFound) || ctx.Err() != nil {
		return facts, err
	}

	c.logger.WithError(err).WithField("patient_id", patientID).Warn("fact fetch failed, retrying once")
	select {
	case <-time.After(c.cfg.RetryBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.fetchFactsOnce(ctx, patientID)
}

func (c *RecommendationComposer) fetchFactsOnce(ctx context.Context, patientID string) (*domain.PatientFacts, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.SourceTimeout)
	defer cancel()
	return c.facts.FetchPatientFacts(fetchCtx, patientID)
}

// searchCorpus is best-effort: failures degrade the pass, never fail it.
func (c *RecommendationComposer) searchCorpus(ctx context.Context, patientID, query string) ([]domain.CorpusHit, error) {
	if c.corpus == nil || query == "" {
		return nil, nil
	}
	filters := domain.CorpusFilters{TopK: c.cfg.CorpusTopK}

	hits, err := c.searchCorpusOnce(ctx, query, filters)
	if err == nil || ctx.Err() != nil {
		return hits, err
	}

	c.logger.WithError(err).WithField("patient_id", patientID).Warn("corpus search failed, retrying once")
	select {
	case <-time.After(c.cfg.RetryBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.searchCorpusOnce(ctx, query, filters)
}

func (c *RecommendationComposer) searchCorpusOnce(ctx context.Context, query string, filters domain.CorpusFilters) ([]domain.CorpusHit, error) {
	searchCtx, cancel := context.WithTimeout(ctx, c.cfg.SourceTimeout)
	defer cancel()
	return c.corpus.Search(searchCtx, query, filters)
}

// composeSteps builds the ordered plan per disease axis from the
// guideline matches and the assessment. An axis with zero matching
// rules gets a distinguished insufficient-evidence step; content is
// never fabricated.
func (c *RecommendationComposer) composeSteps(profile *domain.PatientProfile, assessment *domain.RiskAssessment) ([]domain.PlanStep, []domain.DiagnosisCandidate) {
	var steps []domain.PlanStep
	var candidates []domain.DiagnosisCandidate

	if assessment.Hypertension != nil {
		candidates = append(candidates, domain.DiagnosisCandidate{
			Name:       fmt.Sprintf("hypertension, %s risk", assessment.Hypertension.Level),
			Likelihood: likelihoodFor(assessment.Hypertension.Level.Rank(), 3),
		})
		steps = append(steps, c.axisSteps(profile, domain.Hypertension)...)
		for _, task := range assessment.Hypertension.Monitoring {
			steps = append(steps, domain.PlanStep{
				Kind:      domain.StepLifestyle,
				Action:    task,
				Rationale: fmt.Sprintf("monitoring for %s hypertension risk", assessment.Hypertension.Level),
			})
		}
	}

	if assessment.Diabetes != nil {
		candidates = append(candidates, domain.DiagnosisCandidate{
			Name:       fmt.Sprintf("diabetes, %s glycemic control", assessment.Diabetes.Control),
			Likelihood: likelihoodFor(assessment.Diabetes.Control.Rank(), 2),
		})
		steps = append(steps, c.axisSteps(profile, domain.Diabetes)...)
		for _, task := range assessment.Diabetes.Monitoring {
			steps = append(steps, domain.PlanStep{
				Kind:      domain.StepLifestyle,
				Action:    task,
				Rationale: fmt.Sprintf("monitoring for %s glycemic control", assessment.Diabetes.Control),
			})
		}
	}

	if assessment.Hypertension != nil && assessment.Hypertension.Emergency {
		steps = append([]domain.PlanStep{{
			Kind:   domain.StepReferral,
			Action: "immediate emergency department referral",
		}}, steps...)
	}

	return steps, candidates
}

// axisSteps converts guideline matches for one axis into therapy steps
// with provenance.
func (c *RecommendationComposer) axisSteps(profile *domain.PatientProfile, disease domain.Disease) []domain.PlanStep {
	matches := c.matcher.Match(profile, MatchOptions{Disease: disease, TopK: c.cfg.CorpusTopK})
	if len(matches) == 0 {
		return []domain.PlanStep{{
			Kind:      domain.StepNoGuidelineMatch,
			Action:    fmt.Sprintf("no guideline matched the %s presentation", disease),
			Rationale: "insufficient evidence, clinician judgment required",
		}}
	}

	steps := make([]domain.PlanStep, 0, len(matches))
	for _, m := range matches {
		steps = append(steps, domain.PlanStep{
			Kind:          domain.StepTherapy,
			Action:        m.Rule.Content,
			DrugClass:     inferDrugClass(m.Rule.Content),
			Rationale:     fmt.Sprintf("matched %q (%s)", m.Rule.Name, m.Rule.Condition),
			EvidenceLevel: m.Rule.Level,
			Evidence: domain.EvidenceRef{
				Kind:    domain.EvidenceGuideline,
				Locator: m.Rule.Source,
				AsOf:    m.Rule.EffectiveFrom,
			},
		})
	}
	return steps
}

func likelihoodFor(rank, maxRank int) float64 {
	if rank < 0 {
		return 0
	}
	return 0.5 + 0.5*float64(rank)/float64(maxRank)
}

func degradationWarnings(degraded []string, corpusErr error) []domain.Warning {
	var warnings []domain.Warning
	for _, source := range degraded {
		warnings = append(warnings, domain.Warning{
			Category: domain.CategoryMissingData,
			Severity: domain.SeverityCaution,
			Message:  fmt.Sprintf("source %s unavailable, composed without it", source),
		})
	}
	if corpusErr != nil {
		warnings = append(warnings, domain.Warning{
			Category: domain.CategoryMissingData,
			Severity: domain.SeverityCaution,
			Message:  "evidence corpus unavailable, composed from guideline rules only",
		})
	}
	return warnings
}

func appendUniqueWarning(warnings []domain.Warning, w domain.Warning) []domain.Warning {
	for _, existing := range warnings {
		if existing.Message == w.Message {
			return warnings
		}
	}
	return append(warnings, w)
}

func supportingRefs(hits []domain.CorpusHit) []domain.EvidenceRef {
	if len(hits) == 0 {
		return nil
	}
	refs := make([]domain.EvidenceRef, 0, len(hits))
	for _, h := range hits {
		refs = append(refs, h.Ref)
	}
	return refs
}
