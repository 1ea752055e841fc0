package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdss-reasoning-server/internal/domain"
)

func TestParseClauseTyping(t *testing.T) {
	parser, err := NewPredicateParser()
	require.NoError(t, err)

	tests := []struct {
		name      string
		condition string
		wantKinds []domain.ClauseKind
	}{
		{
			name:      "numeric with unit suffix",
			condition: "SBP>=180mmHg",
			wantKinds: []domain.ClauseKind{domain.ClauseNumeric},
		},
		{
			name:      "numeric with spaces and percent",
			condition: "HbA1c >= 9.0 %",
			wantKinds: []domain.ClauseKind{domain.ClauseNumeric},
		},
		{
			name:      "membership",
			condition: "disease in {hypertension, diabetes}",
			wantKinds: []domain.ClauseKind{domain.ClauseMembership},
		},
		{
			name:      "free text falls through",
			condition: "persistent morning headache",
			wantKinds: []domain.ClauseKind{domain.ClauseTag},
		},
		{
			name:      "mixed clauses split on semicolon",
			condition: "SBP>160; disease in {hypertension}; target organ damage",
			wantKinds: []domain.ClauseKind{domain.ClauseNumeric, domain.ClauseMembership, domain.ClauseTag},
		},
		{
			name:      "unknown numeric field degrades to tag",
			condition: "troponin>0.4",
			wantKinds: []domain.ClauseKind{domain.ClauseTag},
		},
		{
			name:      "unknown membership field degrades to tag",
			condition: "ward in {icu}",
			wantKinds: []domain.ClauseKind{domain.ClauseTag},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred := parser.Parse(tt.condition)
			require.Len(t, pred.Clauses, len(tt.wantKinds))
			for i, kind := range tt.wantKinds {
				assert.Equal(t, kind, pred.Clauses[i].Kind)
			}
		})
	}
}

func TestParseNumericClauseFields(t *testing.T) {
	parser, err := NewPredicateParser()
	require.NoError(t, err)

	pred := parser.Parse("systolic>=180mmHg")
	require.Len(t, pred.Clauses, 1)
	c := pred.Clauses[0]
	assert.Equal(t, "sbp", c.Field)
	assert.Equal(t, domain.OpGTE, c.Op)
	assert.Equal(t, 180.0, c.Threshold)
	assert.Equal(t, "systolic>=180mmHg", c.Raw)
}

func TestParseMembershipMembersNormalized(t *testing.T) {
	parser, err := NewPredicateParser()
	require.NoError(t, err)

	pred := parser.Parse("drug-class in { ACE-Inhibitor , beta-blocker }")
	require.Len(t, pred.Clauses, 1)
	assert.Equal(t, []string{"ace-inhibitor", "beta-blocker"}, pred.Clauses[0].Members)
}

func TestParseCacheReturnsSamePredicate(t *testing.T) {
	parser, err := NewPredicateParser()
	require.NoError(t, err)

	first := parser.Parse("SBP>160; smoking history")
	second := parser.Parse("SBP>160; smoking history")
	assert.Same(t, first, second)
}

func TestPredicateEvaluate(t *testing.T) {
	parser, err := NewPredicateParser()
	require.NoError(t, err)

	profile := &domain.PatientProfile{
		ID:        "P-100",
		Age:       62,
		Sex:       domain.SexMale,
		Diagnoses: []string{"hypertension"},
		Vitals:    &domain.Vitals{Systolic: 172, Diastolic: 104},
	}

	tests := []struct {
		name      string
		condition string
		wantMatch bool
		wantSat   int
	}{
		{
			name:      "numeric satisfied",
			condition: "SBP>160",
			wantMatch: true,
			wantSat:   1,
		},
		{
			name:      "numeric unsatisfied",
			condition: "SBP>=180",
			wantMatch: false,
		},
		{
			name:      "membership satisfied",
			condition: "disease in {hypertension}",
			wantMatch: true,
			wantSat:   1,
		},
		{
			name:      "conjunction all satisfied",
			condition: "SBP>160; age>=60; disease in {hypertension}",
			wantMatch: true,
			wantSat:   3,
		},
		{
			name:      "conjunction one fails",
			condition: "SBP>160; disease in {diabetes}",
			wantMatch: false,
		},
		{
			name:      "tag clause never blocks",
			condition: "SBP>160; persistent headache",
			wantMatch: true,
			wantSat:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred := parser.Parse(tt.condition)
			matched, satisfied := pred.Evaluate(profile)
			assert.Equal(t, tt.wantMatch, matched)
			if tt.wantMatch {
				assert.Len(t, satisfied, tt.wantSat)
			}
		})
	}
}

func TestPredicateEvaluateMissingMeasurement(t *testing.T) {
	parser, err := NewPredicateParser()
	require.NoError(t, err)

	profile := &domain.PatientProfile{
		ID:        "P-101",
		Age:       58,
		Sex:       domain.SexFemale,
		Diagnoses: []string{"hypertension"},
	}

	matched, _ := parser.Parse("SBP>140").Evaluate(profile)
	assert.False(t, matched)
}

func TestPredicateTagHits(t *testing.T) {
	parser, err := NewPredicateParser()
	require.NoError(t, err)

	profile := &domain.PatientProfile{
		ID:                 "P-102",
		Age:                40,
		Sex:                domain.SexFemale,
		Diagnoses:          []string{"diabetes"},
		ClinicalConditions: []string{"chronic kidney disease"},
		Pregnant:           true,
	}

	pred := parser.Parse("kidney disease; pregnancy; smoking history")
	assert.Equal(t, 2, pred.TagHits(profile))
}

func TestPredicateSpecificity(t *testing.T) {
	parser, err := NewPredicateParser()
	require.NoError(t, err)

	pred := parser.Parse("SBP>160; disease in {hypertension}; headache")
	assert.Equal(t, 2, pred.Specificity())
}
