package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdss-reasoning-server/internal/config"
	"github.com/cdss-reasoning-server/internal/domain"
	"github.com/cdss-reasoning-server/internal/service"
)

type stubFacts struct {
	facts map[string]*domain.PatientFacts
}

func (s *stubFacts) FetchPatientFacts(_ context.Context, patientID string) (*domain.PatientFacts, error) {
	f, ok := s.facts[patientID]
	if !ok {
		return nil, domain.ErrProfileNotFound
	}
	return f, nil
}

type stubRules struct {
	rules []domain.GuidelineRule
}

func (s *stubRules) FetchActiveRules(_ context.Context, _ time.Time) ([]domain.GuidelineRule, error) {
	return s.rules, nil
}

type memStore struct {
	recs map[string]*domain.Recommendation
}

func (s *memStore) Save(_ context.Context, rec *domain.Recommendation) error {
	copied := *rec
	s.recs[rec.ID] = &copied
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*domain.Recommendation, error) {
	rec, ok := s.recs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (s *memStore) History(_ context.Context, patientID string) ([]*domain.Recommendation, error) {
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

func (s *memStore) UpdateState(_ context.Context, id string, state domain.PlanState) error {
	rec, ok := s.recs[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.State = state
	return nil
}

func testFacts() *domain.PatientFacts {
	return &domain.PatientFacts{
		Basic: &domain.PatientRecord{
			PatientID: "P-800",
			Sex:       domain.SexMale,
			Age:       62,
			HeightCM:  175,
			WeightKG:  82,
		},
		Diagnoses: []domain.DiagnosisRecord{{Name: "HTN"}},
		Hypertension: &domain.HypertensionRecord{
			Systolic:  168,
			Diastolic: 102,
		},
	}
}

func newTestServer(t *testing.T) (*Server, *memStore, *stubFacts) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	normalizer := service.NewTermNormalizer(logger, nil)
	assembler := service.NewProfileAssembler(normalizer, logger)
	stratifier := service.NewRiskStratifier(logger)
	guard := service.NewSafetyGuard(logger)

	parser, err := service.NewPredicateParser()
	require.NoError(t, err)
	matcher := service.NewGuidelineMatcher(parser, logger)
	require.NoError(t, matcher.Reload(context.Background(), &stubRules{rules: []domain.GuidelineRule{
		{
			ID:        "G-001",
			Name:      "stage 2 hypertension therapy",
			Disease:   domain.Hypertension,
			Condition: "SBP>=160; disease in {hypertension}",
			Level:     domain.LevelIA,
			Content:   "initiate two-drug combination therapy",
			Source:    "hypertension guideline 2024, section 5.2",
			Active:    true,
		},
	}}))

	facts := &stubFacts{facts: map[string]*domain.PatientFacts{"P-800": testFacts()}}
	store := &memStore{recs: make(map[string]*domain.Recommendation)}

	cfg := service.DefaultComposerConfig()
	cfg.RetryBackoff = time.Millisecond
	composer := service.NewRecommendationComposer(facts, nil, assembler, stratifier, matcher, guard, cfg, logger)

	server := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, Services{
		Facts:      facts,
		Assembler:  assembler,
		Stratifier: stratifier,
		Normalizer: normalizer,
		Composer:   composer,
		Reviewer:   service.NewPlanReviewer(store, composer, logger),
		Store:      store,
	}, false, logger)

	return server, store, facts
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
}

func TestAssessRiskEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/risk/assess", jsonBody{"patient_id": "P-800"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		PatientID  string                 `json:"patient_id"`
		Assessment *domain.RiskAssessment `json:"assessment"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "P-800", resp.PatientID)
	require.NotNil(t, resp.Assessment.Hypertension)
	assert.Equal(t, domain.RiskMedium, resp.Assessment.Hypertension.Level)
}

func TestAssessRiskUnknownPatient(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/risk/assess", jsonBody{"patient_id": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecommendEndpointPersistsPlan(t *testing.T) {
	server, store, _ := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/recommend", jsonBody{
		"patient_id": "P-800",
		"query":      "therapy for high blood pressure",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var rec domain.Recommendation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, domain.StateProposed, rec.State)
	assert.NotEmpty(t, rec.Steps)

	stored, err := store.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.PatientID, stored.PatientID)
}

func TestNormalizeTermEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodGet, "/api/v1/terms/normalize?term=HTN", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result service.NormalizeResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Mapped)
	assert.Equal(t, "hypertension", result.Canonical)
}

func TestNormalizeTermMissingParam(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodGet, "/api/v1/terms/normalize", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReviewChangedFactsAndHistoryFlow(t *testing.T) {
	server, _, facts := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/recommend", jsonBody{"patient_id": "P-800"})
	require.Equal(t, http.StatusCreated, w.Code)
	var rec domain.Recommendation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))

	w = doJSON(t, server.Handler(), http.MethodPost, "/api/v1/plans/"+rec.ID+"/review", jsonBody{"action": "accept"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, server.Handler(), http.MethodPost, "/api/v1/plans/"+rec.ID+"/review", jsonBody{"action": "begin-review"})
	require.Equal(t, http.StatusOK, w.Code)

	// The patient deteriorated; the review must notice and supersede.
	facts.facts["P-800"].Hypertension.Systolic = 195
	facts.facts["P-800"].Hypertension.Diastolic = 118
	facts.facts["P-800"].Hypertension.ClinicalConditions = "neurologic symptoms"

	w = doJSON(t, server.Handler(), http.MethodPost, "/api/v1/plans/"+rec.ID+"/review", jsonBody{"action": "review"})
	require.Equal(t, http.StatusOK, w.Code)
	var successor domain.Recommendation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &successor))
	assert.Equal(t, rec.ID, successor.Supersedes)
	assert.Equal(t, 2, successor.Version)
	assert.Equal(t, domain.StateActive, successor.State)
	require.NotEmpty(t, successor.Steps)
	assert.Equal(t, domain.StepReferral, successor.Steps[0].Kind)

	w = doJSON(t, server.Handler(), http.MethodGet, "/api/v1/patients/P-800/plans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Versions []*domain.Recommendation `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history.Versions, 2)
}

func TestReviewUnchangedFactsResolves(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/recommend", jsonBody{"patient_id": "P-800"})
	require.Equal(t, http.StatusCreated, w.Code)
	var rec domain.Recommendation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))

	w = doJSON(t, server.Handler(), http.MethodPost, "/api/v1/plans/"+rec.ID+"/review", jsonBody{"action": "accept"})
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, server.Handler(), http.MethodPost, "/api/v1/plans/"+rec.ID+"/review", jsonBody{"action": "begin-review"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, server.Handler(), http.MethodPost, "/api/v1/plans/"+rec.ID+"/review", jsonBody{"action": "review"})
	require.Equal(t, http.StatusOK, w.Code)
	var resolved domain.Recommendation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resolved))
	assert.Equal(t, rec.ID, resolved.ID)
	assert.Equal(t, domain.StateResolved, resolved.State)
}

func TestReviewIllegalTransitionConflict(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/recommend", jsonBody{"patient_id": "P-800"})
	require.Equal(t, http.StatusCreated, w.Code)
	var rec domain.Recommendation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))

	w = doJSON(t, server.Handler(), http.MethodPost, "/api/v1/plans/"+rec.ID+"/review", jsonBody{"action": "review"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestReviewUnknownAction(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doJSON(t, server.Handler(), http.MethodPost, "/api/v1/plans/whatever/review", jsonBody{"action": "adjust"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type jsonBody = map[string]any
