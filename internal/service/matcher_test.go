package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdss-reasoning-server/internal/domain"
)

type stubRuleSource struct {
	rules []domain.GuidelineRule
	err   error
}

func (s *stubRuleSource) FetchActiveRules(_ context.Context, _ time.Time) ([]domain.GuidelineRule, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.rules, nil
}

func newTestMatcher(t *testing.T) *GuidelineMatcher {
	t.Helper()
	parser, err := NewPredicateParser()
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewGuidelineMatcher(parser, logger)
}

func testRules() []domain.GuidelineRule {
	day := func(s string) time.Time {
		ts, _ := time.Parse("2006-01-02", s)
		return ts
	}
	return []domain.GuidelineRule{
		{
			ID:            "G-001",
			Name:          "stage 2 hypertension therapy",
			Disease:       domain.Hypertension,
			Condition:     "SBP>=160; disease in {hypertension}",
			Level:         domain.LevelIA,
			Content:       "initiate two-drug combination therapy",
			Source:        "hypertension guideline 2024, section 5.2",
			EffectiveFrom: day("2024-03-01"),
			Active:        true,
		},
		{
			ID:            "G-002",
			Name:          "general hypertension lifestyle",
			Disease:       domain.Hypertension,
			Condition:     "disease in {hypertension}",
			Level:         domain.LevelIB,
			Content:       "sodium restriction and regular aerobic exercise",
			Source:        "hypertension guideline 2024, section 4.1",
			EffectiveFrom: day("2024-03-01"),
			Active:        true,
		},
		{
			ID:            "G-003",
			Name:          "retired lifestyle rule",
			Disease:       domain.Hypertension,
			Condition:     "disease in {hypertension}",
			Level:         domain.LevelIII,
			Content:       "superseded content",
			Source:        "hypertension guideline 2018",
			EffectiveFrom: day("2018-01-01"),
			Active:        false,
		},
		{
			ID:            "G-004",
			Name:          "poor glycemic control intensification",
			Disease:       domain.Diabetes,
			Condition:     "HbA1c>=9.0; disease in {diabetes}",
			Level:         domain.LevelIA,
			Content:       "intensify therapy, consider insulin initiation",
			Source:        "diabetes guideline 2024, section 7.3",
			EffectiveFrom: day("2024-06-01"),
			Active:        true,
		},
	}
}

func htnMatchProfile() *domain.PatientProfile {
	return &domain.PatientProfile{
		ID:        "P-200",
		Age:       58,
		Sex:       domain.SexMale,
		Diagnoses: []string{"hypertension"},
		Vitals:    &domain.Vitals{Systolic: 168, Diastolic: 102},
	}
}

func TestMatcherReloadAndMatch(t *testing.T) {
	m := newTestMatcher(t)
	require.NoError(t, m.Reload(context.Background(), &stubRuleSource{rules: testRules()}))
	assert.Equal(t, 3, m.RuleCount())

	matches := m.Match(htnMatchProfile(), MatchOptions{Disease: domain.Hypertension})
	require.Len(t, matches, 2)
	// The two-clause rule outscores the one-clause lifestyle rule.
	assert.Equal(t, "G-001", matches[0].Rule.ID)
	assert.Equal(t, 2, matches[0].Score)
	assert.Equal(t, "G-002", matches[1].Rule.ID)
	assert.Len(t, matches[0].MatchedClauses, 2)
}

func TestMatcherInactiveRulesExcluded(t *testing.T) {
	m := newTestMatcher(t)
	require.NoError(t, m.Reload(context.Background(), &stubRuleSource{rules: testRules()}))

	for _, match := range m.Match(htnMatchProfile(), MatchOptions{}) {
		assert.NotEqual(t, "G-003", match.Rule.ID)
	}
}

func TestMatcherDiseaseFilter(t *testing.T) {
	m := newTestMatcher(t)
	require.NoError(t, m.Reload(context.Background(), &stubRuleSource{rules: testRules()}))

	p := htnMatchProfile()
	hba1c := 9.5
	p.Diagnoses = append(p.Diagnoses, "diabetes")
	p.Labs = &domain.Labs{HbA1c: &hba1c}

	matches := m.Match(p, MatchOptions{Disease: domain.Diabetes})
	require.Len(t, matches, 1)
	assert.Equal(t, "G-004", matches[0].Rule.ID)
}

func TestMatcherEffectiveAfterFilter(t *testing.T) {
	m := newTestMatcher(t)
	require.NoError(t, m.Reload(context.Background(), &stubRuleSource{rules: testRules()}))

	cutoff, _ := time.Parse("2006-01-02", "2024-05-01")
	p := htnMatchProfile()
	hba1c := 9.5
	p.Diagnoses = append(p.Diagnoses, "diabetes")
	p.Labs = &domain.Labs{HbA1c: &hba1c}

	matches := m.Match(p, MatchOptions{EffectiveAfter: cutoff})
	require.Len(t, matches, 1)
	assert.Equal(t, "G-004", matches[0].Rule.ID)
}

func TestMatcherTopK(t *testing.T) {
	m := newTestMatcher(t)
	require.NoError(t, m.Reload(context.Background(), &stubRuleSource{rules: testRules()}))

	matches := m.Match(htnMatchProfile(), MatchOptions{Disease: domain.Hypertension, TopK: 1})
	require.Len(t, matches, 1)
	assert.Equal(t, "G-001", matches[0].Rule.ID)
}

func TestMatcherZeroMatchesIsEmpty(t *testing.T) {
	m := newTestMatcher(t)
	require.NoError(t, m.Reload(context.Background(), &stubRuleSource{rules: testRules()}))

	p := &domain.PatientProfile{
		ID:        "P-201",
		Age:       30,
		Sex:       domain.SexFemale,
		Diagnoses: []string{"asthma"},
	}
	assert.Empty(t, m.Match(p, MatchOptions{}))
}

func TestMatcherTieBreakNewestThenName(t *testing.T) {
	m := newTestMatcher(t)
	older, _ := time.Parse("2006-01-02", "2023-01-01")
	newer, _ := time.Parse("2006-01-02", "2024-01-01")
	rules := []domain.GuidelineRule{
		{ID: "G-B", Name: "bravo", Disease: domain.Hypertension, Condition: "disease in {hypertension}", EffectiveFrom: older, Active: true},
		{ID: "G-A", Name: "alpha", Disease: domain.Hypertension, Condition: "disease in {hypertension}", EffectiveFrom: newer, Active: true},
		{ID: "G-C", Name: "charlie", Disease: domain.Hypertension, Condition: "disease in {hypertension}", EffectiveFrom: newer, Active: true},
	}
	require.NoError(t, m.Reload(context.Background(), &stubRuleSource{rules: rules}))

	matches := m.Match(htnMatchProfile(), MatchOptions{})
	require.Len(t, matches, 3)
	assert.Equal(t, "G-A", matches[0].Rule.ID)
	assert.Equal(t, "G-C", matches[1].Rule.ID)
	assert.Equal(t, "G-B", matches[2].Rule.ID)
}

func TestMatcherFailedReloadKeepsSnapshot(t *testing.T) {
	m := newTestMatcher(t)
	require.NoError(t, m.Reload(context.Background(), &stubRuleSource{rules: testRules()}))
	before := m.RuleCount()

	err := m.Reload(context.Background(), &stubRuleSource{err: errors.New("connection refused")})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCorpusReload)
	assert.Equal(t, before, m.RuleCount())

	matches := m.Match(htnMatchProfile(), MatchOptions{Disease: domain.Hypertension})
	assert.Len(t, matches, 2)
}
