package domain

import (
	"fmt"
	"math"
	"time"
)

// Medication is one entry in a patient's active medication list.
type Medication struct {
	Name      string    `json:"name"`
	Class     DrugClass `json:"class"`
	Dose      string    `json:"dose,omitempty"`
	StartDate time.Time `json:"start_date,omitempty"`
}

// Vitals is the latest vital-sign snapshot for a patient. A nil Vitals on
// the profile means no measurement exists, which downstream rules treat as
// missing data rather than a zero reading.
type Vitals struct {
	Systolic   float64   `json:"systolic"`
	Diastolic  float64   `json:"diastolic"`
	HeartRate  float64   `json:"heart_rate,omitempty"`
	MeasuredAt time.Time `json:"measured_at,omitempty"`
}

// Labs is the latest laboratory snapshot. Individual values are pointers
// because a missing analyte must be distinguishable from a zero result.
type Labs struct {
	FastingGlucose      *float64  `json:"fasting_glucose,omitempty"`
	PostprandialGlucose *float64  `json:"postprandial_glucose,omitempty"`
	HbA1c               *float64  `json:"hba1c,omitempty"`
	SampledAt           time.Time `json:"sampled_at,omitempty"`
}

// PatientProfile is the structured, canonical view of one patient built
// fresh for each reasoning pass. Diagnoses are always canonical terms
// (post-normalization) and the profile is never mutated after assembly.
type PatientProfile struct {
	ID  string `json:"id"`
	Age int    `json:"age"`
	Sex Sex    `json:"sex"`

	HeightCM float64 `json:"height_cm,omitempty"`
	WeightKG float64 `json:"weight_kg,omitempty"`
	BMI      float64 `json:"bmi,omitempty"`

	Diagnoses   []string     `json:"diagnoses"`
	Medications []Medication `json:"medications"`

	Vitals *Vitals `json:"vitals,omitempty"`
	Labs   *Labs   `json:"labs,omitempty"`

	Pregnant             bool `json:"pregnant"`
	OnInsulin            bool `json:"on_insulin"`
	NeurologicSymptoms   bool `json:"neurologic_symptoms"`
	FrequentHypoglycemia bool `json:"frequent_hypoglycemia"`

	RiskFactors        []string `json:"risk_factors,omitempty"`
	TargetOrganDamage  []string `json:"target_organ_damage,omitempty"`
	ClinicalConditions []string `json:"clinical_conditions,omitempty"`
	Complications      []string `json:"complications,omitempty"`
}

// bmiTolerance is the allowed rounding slack between a recorded BMI and
// the value derived from weight/height.
const bmiTolerance = 0.5

// Validate enforces the profile invariants: non-negative age, and a BMI
// consistent with weight/height within rounding tolerance when all three
// are present.
func (p *PatientProfile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("profile validation: patient id is required")
	}
	if p.Age < 0 {
		return fmt.Errorf("profile validation: age must be non-negative, got %d", p.Age)
	}
	if p.Sex != "" && !p.Sex.IsValid() {
		return fmt.Errorf("profile validation: invalid sex %q", p.Sex)
	}
	if p.BMI > 0 && p.HeightCM > 0 && p.WeightKG > 0 {
		derived := DeriveBMI(p.WeightKG, p.HeightCM)
		if math.Abs(derived-p.BMI) > bmiTolerance {
			return fmt.Errorf("profile validation: BMI %.1f inconsistent with weight/height (derived %.1f)", p.BMI, derived)
		}
	}
	return nil
}

// HasDiagnosis reports whether the canonical term is in the diagnosis set.
func (p *PatientProfile) HasDiagnosis(canonical string) bool {
	for _, d := range p.Diagnoses {
		if d == canonical {
			return true
		}
	}
	return false
}

// MedicationClasses returns the set of drug classes on the active list,
// in list order without duplicates.
func (p *PatientProfile) MedicationClasses() []DrugClass {
	seen := make(map[DrugClass]struct{}, len(p.Medications))
	classes := make([]DrugClass, 0, len(p.Medications))
	for _, m := range p.Medications {
		if m.Class == "" {
			continue
		}
		if _, ok := seen[m.Class]; ok {
			continue
		}
		seen[m.Class] = struct{}{}
		classes = append(classes, m.Class)
	}
	return classes
}

// DeriveBMI computes body-mass-index from weight in kilograms and height
// in centimeters, rounded to one decimal. Returns 0 for invalid inputs.
func DeriveBMI(weightKG, heightCM float64) float64 {
	if weightKG <= 0 || heightCM <= 0 {
		return 0
	}
	h := heightCM / 100
	return math.Round(weightKG/(h*h)*10) / 10
}

// HypertensionAssessment is the hypertension half of a RiskAssessment.
type HypertensionAssessment struct {
	Level      HypertensionRisk `json:"level"`
	Factors    []string         `json:"factors"`
	FollowUp   time.Duration    `json:"follow_up"`
	Monitoring []string         `json:"monitoring,omitempty"`
	Emergency  bool             `json:"emergency"`
}

// DiabetesAssessment is the glycemic-control half of a RiskAssessment.
type DiabetesAssessment struct {
	Control    DiabetesControl `json:"control"`
	Factors    []string        `json:"factors"`
	FollowUp   time.Duration   `json:"follow_up"`
	Monitoring []string        `json:"monitoring,omitempty"`
	Escalated  bool            `json:"escalated"`
}

// RiskAssessment is the immutable result of one stratification pass.
// A nil per-disease assessment means the profile lacked the data required
// to evaluate that axis; the reason appears in MissingData.
type RiskAssessment struct {
	Hypertension *HypertensionAssessment `json:"hypertension,omitempty"`
	Diabetes     *DiabetesAssessment     `json:"diabetes,omitempty"`
	Overall      HypertensionRisk        `json:"overall"`
	MissingData  []string                `json:"missing_data,omitempty"`
}

// GuidelineRule is one row of the guideline-recommendation corpus.
// Condition holds the raw text as stored; the parsed Predicate is attached
// once at snapshot load time and never re-parsed per request.
type GuidelineRule struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Disease       Disease       `json:"disease"`
	Condition     string        `json:"condition"`
	Predicate     *Predicate    `json:"-"`
	Level         EvidenceLevel `json:"level"`
	Content       string        `json:"content"`
	Source        string        `json:"source"`
	EffectiveFrom time.Time     `json:"effective_from"`
	Active        bool          `json:"active"`
}

// GuidelineMatch pairs a rule with its deterministic match score.
type GuidelineMatch struct {
	Rule           *GuidelineRule `json:"rule"`
	Score          int            `json:"score"`
	MatchedClauses []string       `json:"matched_clauses,omitempty"`
	TagHits        int            `json:"tag_hits"`
}

// EvidenceRef is the provenance locator backing a plan step or hit.
type EvidenceRef struct {
	Kind    EvidenceKind `json:"kind"`
	Locator string       `json:"locator"`
	AsOf    time.Time    `json:"as_of"`
}

// CorpusHit is one ranked result from the external evidence-corpus
// retrieval collaborator. The core consumes hits; it never computes them.
type CorpusHit struct {
	Content string      `json:"content"`
	Ref     EvidenceRef `json:"ref"`
	Score   float64     `json:"score"`
}

// CorpusFilters narrows an evidence-corpus search.
type CorpusFilters struct {
	Disease      *Disease   `json:"disease,omitempty"`
	UpdatedAfter *time.Time `json:"updated_after,omitempty"`
	TopK         int        `json:"top_k,omitempty"`
}

// DiagnosisCandidate is one entry of the ranked differential.
type DiagnosisCandidate struct {
	Name       string  `json:"name"`
	Likelihood float64 `json:"likelihood"`
}

// PlanStep is one ordered action in a recommendation, carrying its
// evidence grade and provenance reference.
type PlanStep struct {
	Kind          StepKind      `json:"kind"`
	Action        string        `json:"action"`
	Rationale     string        `json:"rationale,omitempty"`
	DrugClass     DrugClass     `json:"drug_class,omitempty"`
	EvidenceLevel EvidenceLevel `json:"evidence_level,omitempty"`
	Evidence      EvidenceRef   `json:"evidence,omitempty"`
}

// Warning is a safety finding attached to a recommendation. A blocking
// warning means the offending plan step was removed or substituted before
// the recommendation was returned, not merely flagged.
type Warning struct {
	Category       WarningCategory `json:"category"`
	Severity       WarningSeverity `json:"severity"`
	Message        string          `json:"message"`
	BlocksDelivery bool            `json:"blocks_delivery"`
	Alternative    string          `json:"alternative,omitempty"`
}

// Recommendation is the immutable output of one reasoning pass. Revisions
// form an append-only chain: each new version carries a Supersedes
// back-link to its predecessor and a fresh id; versions are never edited
// in place.
type Recommendation struct {
	ID         string    `json:"id"`
	PatientID  string    `json:"patient_id"`
	Version    int       `json:"version"`
	Supersedes string    `json:"supersedes,omitempty"`
	State      PlanState `json:"state"`

	Candidates []DiagnosisCandidate `json:"candidates"`
	Steps      []PlanStep           `json:"steps"`
	Warnings   []Warning            `json:"warnings"`
	Supporting []EvidenceRef        `json:"supporting,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Raw fact-base records, scanned as stored. The ProfileAssembler is the
// only component that interprets them.

// PatientRecord mirrors one patient_info row.
type PatientRecord struct {
	PatientID string
	Name      string
	Sex       Sex
	Age       int
	HeightCM  float64
	WeightKG  float64
	BMI       float64
}

// DiagnosisRecord mirrors one diagnosis_records row.
type DiagnosisRecord struct {
	Name        string
	DiagnosedAt time.Time
}

// MedicationRecord mirrors one medication_records row.
type MedicationRecord struct {
	DrugName  string
	DrugClass string
	Dose      string
	StartedAt time.Time
}

// HypertensionRecord mirrors the latest hypertension_risk_assessment row.
// The factor columns hold comma-joined lists as stored upstream.
type HypertensionRecord struct {
	Systolic           float64
	Diastolic          float64
	HeartRate          float64
	RiskFactors        string
	TargetOrganDamage  string
	ClinicalConditions string
	AssessedAt         time.Time
}

// DiabetesRecord mirrors the latest diabetes_control_assessment row.
type DiabetesRecord struct {
	FastingGlucose      *float64
	PostprandialGlucose *float64
	HbA1c               *float64
	InsulinUsage        bool
	Complications       string
	AssessedAt          time.Time
}

// PatientFacts is the raw multi-table snapshot a FactSource returns for
// one patient. DegradedSources lists sources that timed out or failed;
// the pass continues with whatever answered.
type PatientFacts struct {
	Basic           *PatientRecord
	Diagnoses       []DiagnosisRecord
	Medications     []MedicationRecord
	Hypertension    *HypertensionRecord
	Diabetes        *DiabetesRecord
	DegradedSources []string
}
