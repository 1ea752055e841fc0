package service

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNormalizer(t *testing.T) *TermNormalizer {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewTermNormalizer(logger, nil)
}

func TestNormalize(t *testing.T) {
	n := newTestNormalizer(t)

	tests := []struct {
		name          string
		input         string
		wantCanonical string
		wantMapped    bool
	}{
		{
			name:          "known abbreviation",
			input:         "HTN",
			wantCanonical: "hypertension",
			wantMapped:    true,
		},
		{
			name:          "known colloquial phrase",
			input:         "high blood pressure",
			wantCanonical: "hypertension",
			wantMapped:    true,
		},
		{
			name:          "canonical maps to itself",
			input:         "hypertension",
			wantCanonical: "hypertension",
			wantMapped:    true,
		},
		{
			name:          "case and whitespace insensitive",
			input:         "  T2DM ",
			wantCanonical: "diabetes",
			wantMapped:    true,
		},
		{
			name:       "unknown term is not guessed",
			input:      "hypertensive crisis variant x",
			wantMapped: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.wantMapped, got.Mapped)
			assert.Equal(t, tt.wantCanonical, got.Canonical)
			if !tt.wantMapped {
				assert.NotEmpty(t, got.Suggestions)
			}
		})
	}
}

func TestNormalizeSuggestionsRankedAndBounded(t *testing.T) {
	n := newTestNormalizer(t)

	got, err := n.Normalize("hypertention")
	require.NoError(t, err)
	assert.False(t, got.Mapped)
	require.NotEmpty(t, got.Suggestions)
	assert.LessOrEqual(t, len(got.Suggestions), 5)
	assert.Equal(t, "hypertension", got.Suggestions[0].Candidate)
	for i, s := range got.Suggestions {
		assert.Greater(t, s.Similarity, 0.0)
		assert.LessOrEqual(t, s.Similarity, 1.0)
		if i > 0 {
			assert.GreaterOrEqual(t, got.Suggestions[i-1].Similarity, s.Similarity)
		}
	}
}

func TestNormalizeSuggestionTieBreakLexicographic(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	n := NewTermNormalizer(logger, nil)
	n.Reload(map[string]string{
		"ab": "abx",
		"cd": "cbx",
	})

	got, err := n.Normalize("zbx")
	require.NoError(t, err)
	require.Len(t, got.Suggestions, 2)
	assert.Equal(t, "abx", got.Suggestions[0].Candidate)
	assert.Equal(t, "cbx", got.Suggestions[1].Candidate)
	assert.Equal(t, got.Suggestions[0].Similarity, got.Suggestions[1].Similarity)
}

func TestNormalizeEmptyDictionary(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	n := NewTermNormalizer(logger, nil)
	n.Reload(map[string]string{})

	_, err := n.Normalize("htn")
	assert.Error(t, err)
}

func TestExpandText(t *testing.T) {
	n := newTestNormalizer(t)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "single alias",
			input: "patient with HTN on metformin",
			want:  "patient with hypertension on metformin",
		},
		{
			name:  "longest alias wins",
			input: "history of type 2 diabetes",
			want:  "history of diabetes",
		},
		{
			name:  "multiple aliases in one text",
			input: "HTN and CKD with high cholesterol",
			want:  "hypertension and chronic kidney disease with hyperlipidemia",
		},
		{
			name:  "canonical text unchanged",
			input: "hypertension follow-up",
			want:  "hypertension follow-up",
		},
		{
			name:  "alias letters inside a word untouched",
			input: "mild chest pain after MI",
			want:  "mild chest pain after myocardial infarction",
		},
		{
			name:  "drug name containing an alias untouched",
			input: "continue metformin and check for hld",
			want:  "continue metformin and check for hyperlipidemia",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.ExpandText(tt.input))
		})
	}
}

func TestReloadExtendsDictionary(t *testing.T) {
	n := newTestNormalizer(t)

	_, err := n.Normalize("gout")
	require.NoError(t, err)

	n.Reload(map[string]string{"podagra": "gout"})

	got, err := n.Normalize("podagra")
	require.NoError(t, err)
	assert.True(t, got.Mapped)
	assert.Equal(t, "gout", got.Canonical)

	got, err = n.Normalize("htn")
	require.NoError(t, err)
	assert.False(t, got.Mapped)
}
