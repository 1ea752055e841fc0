package service

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/cdss-reasoning-server/internal/domain"
)

// Stratification thresholds. The hypertension rows are evaluated in
// severity order; the first matching row wins.
const (
	crisisSystolic   = 180.0
	crisisDiastolic  = 110.0
	highRiskFactors  = 3
	obesityBMI       = 28.0
	overweightBMI    = 24.0
	maleRiskAge      = 55
	femaleRiskAge    = 65
	hba1cGoodBelow   = 7.0
	hba1cPoorAtLeast = 9.0
)

// RiskStratifier runs the deterministic chronic-disease decision tables.
// It is stateless; every call derives its result from the profile alone,
// so identical profiles always stratify identically.
type RiskStratifier struct {
	logger *logrus.Logger
}

func NewRiskStratifier(logger *logrus.Logger) *RiskStratifier {
	return &RiskStratifier{logger: logger}
}

// Assess stratifies both disease axes for the profile. An axis whose
// required measurements are absent yields a nil assessment with the
// reason recorded in MissingData; the other axis still evaluates.
func (s *RiskStratifier) Assess(profile *domain.PatientProfile) (*domain.RiskAssessment, error) {
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("risk assessment: %w", err)
	}

	result := &domain.RiskAssessment{Overall: domain.RiskLow}

	if profile.HasDiagnosis("hypertension") || profile.Vitals != nil {
		htn, missing := s.assessHypertension(profile)
		result.Hypertension = htn
		result.MissingData = append(result.MissingData, missing...)
	}
	if profile.HasDiagnosis("diabetes") || (profile.Labs != nil && profile.Labs.HbA1c != nil) {
		dm, missing := s.assessDiabetes(profile)
		result.Diabetes = dm
		result.MissingData = append(result.MissingData, missing...)
	}

	result.Overall = combineRisk(result)

	s.logger.WithFields(logrus.Fields{
		"patient_id": profile.ID,
		"overall":    result.Overall,
	}).Debug("risk stratification complete")

	return result, nil
}

// assessHypertension walks the ordered decision table. Rows requiring an
// absent measurement are skipped, not assumed false at zero.
func (s *RiskStratifier) assessHypertension(p *domain.PatientProfile) (*domain.HypertensionAssessment, []string) {
	var missing []string

	factors := contributingFactors(p)

	// Row 1: hypertensive crisis. Neurologic symptoms alone qualify even
	// without a blood-pressure reading.
	crisis := false
	var crisisFactors []string
	if p.Vitals != nil {
		if p.Vitals.Systolic >= crisisSystolic || p.Vitals.Diastolic >= crisisDiastolic {
			crisis = true
			crisisFactors = append(crisisFactors, fmt.Sprintf("blood pressure %.0f/%.0f at crisis threshold", p.Vitals.Systolic, p.Vitals.Diastolic))
		}
	} else {
		missing = append(missing, "no blood pressure measurement on record")
	}
	if p.NeurologicSymptoms {
		crisis = true
		crisisFactors = append(crisisFactors, "neurologic symptoms present")
	}
	if crisis {
		level := domain.RiskVeryHigh
		return &domain.HypertensionAssessment{
			Level:      level,
			Factors:    append(crisisFactors, factors...),
			FollowUp:   level.FollowUp(),
			Monitoring: monitoringFor(level),
			Emergency:  true,
		}, missing
	}

	// Row 2: target organ damage, clinical conditions, or 3+ risk factors.
	if len(p.TargetOrganDamage) > 0 || len(p.ClinicalConditions) > 0 || len(factors) >= highRiskFactors {
		level := domain.RiskHigh
		all := append([]string{}, factors...)
		for _, tod := range p.TargetOrganDamage {
			all = append(all, "target organ damage: "+tod)
		}
		for _, cc := range p.ClinicalConditions {
			all = append(all, "clinical condition: "+cc)
		}
		sort.Strings(all)
		return &domain.HypertensionAssessment{
			Level:      level,
			Factors:    all,
			FollowUp:   level.FollowUp(),
			Monitoring: monitoringFor(level),
		}, missing
	}

	// Row 3: one or two risk factors.
	if len(factors) >= 1 {
		level := domain.RiskMedium
		return &domain.HypertensionAssessment{
			Level:      level,
			Factors:    factors,
			FollowUp:   level.FollowUp(),
			Monitoring: monitoringFor(level),
		}, missing
	}

	level := domain.RiskLow
	return &domain.HypertensionAssessment{
		Level:      level,
		Factors:    factors,
		FollowUp:   level.FollowUp(),
		Monitoring: monitoringFor(level),
	}, missing
}

// contributingFactors derives the countable risk factors from the
// profile, merged with any factors already on record, deduplicated and
// sorted for deterministic output.
func contributingFactors(p *domain.PatientProfile) []string {
	set := make(map[string]struct{})
	for _, rf := range p.RiskFactors {
		set[rf] = struct{}{}
	}
	if (p.Sex == domain.SexMale && p.Age >= maleRiskAge) ||
		(p.Sex == domain.SexFemale && p.Age >= femaleRiskAge) {
		set[fmt.Sprintf("age %d", p.Age)] = struct{}{}
	}
	if p.BMI >= obesityBMI {
		set[fmt.Sprintf("obesity (BMI %.1f)", p.BMI)] = struct{}{}
	} else if p.BMI >= overweightBMI {
		set[fmt.Sprintf("overweight (BMI %.1f)", p.BMI)] = struct{}{}
	}
	if p.HasDiagnosis("diabetes") {
		set["diabetes comorbidity"] = struct{}{}
	}

	factors := make([]string, 0, len(set))
	for f := range set {
		factors = append(factors, f)
	}
	sort.Strings(factors)
	return factors
}

// assessDiabetes bands HbA1c and applies the single-band escalation
// override for hypoglycemia, pregnancy, or recorded complications.
func (s *RiskStratifier) assessDiabetes(p *domain.PatientProfile) (*domain.DiabetesAssessment, []string) {
	if p.Labs == nil || p.Labs.HbA1c == nil {
		return nil, []string{"no HbA1c result on record"}
	}

	hba1c := *p.Labs.HbA1c
	var control domain.DiabetesControl
	switch {
	case hba1c < hba1cGoodBelow:
		control = domain.ControlGood
	case hba1c < hba1cPoorAtLeast:
		control = domain.ControlFair
	default:
		control = domain.ControlPoor
	}

	factors := []string{fmt.Sprintf("HbA1c %.1f%%", hba1c)}
	escalated := false
	var overrides []string
	if p.FrequentHypoglycemia {
		overrides = append(overrides, "frequent hypoglycemia")
	}
	if len(p.Complications) > 0 {
		for _, c := range p.Complications {
			overrides = append(overrides, "complication: "+c)
		}
	}
	if p.Pregnant {
		overrides = append(overrides, "pregnancy")
	}
	if len(overrides) > 0 && control != domain.ControlPoor {
		control = control.Escalate()
		escalated = true
	}
	sort.Strings(overrides)
	factors = append(factors, overrides...)

	return &domain.DiabetesAssessment{
		Control:    control,
		Factors:    factors,
		FollowUp:   control.FollowUp(),
		Monitoring: glycemicMonitoringFor(control),
		Escalated:  escalated,
	}, nil
}

// combineRisk maps both axes onto the shared ordinal scale and takes the
// worse of the two.
func combineRisk(r *domain.RiskAssessment) domain.HypertensionRisk {
	overall := domain.RiskLow
	if r.Hypertension != nil && r.Hypertension.Level.Rank() > overall.Rank() {
		overall = r.Hypertension.Level
	}
	if r.Diabetes != nil {
		var mapped domain.HypertensionRisk
		switch r.Diabetes.Control {
		case domain.ControlPoor:
			mapped = domain.RiskHigh
		case domain.ControlFair:
			mapped = domain.RiskMedium
		default:
			mapped = domain.RiskLow
		}
		if mapped.Rank() > overall.Rank() {
			overall = mapped
		}
	}
	return overall
}

func monitoringFor(level domain.HypertensionRisk) []string {
	switch level {
	case domain.RiskVeryHigh:
		return []string{
			"immediate inpatient referral",
			"continuous blood pressure monitoring",
			"neurologic status checks",
		}
	case domain.RiskHigh:
		return []string{
			"home blood pressure log twice daily",
			"renal function and electrolyte panel",
			"ECG at next visit",
		}
	case domain.RiskMedium:
		return []string{
			"home blood pressure log daily",
			"lipid panel at next visit",
		}
	default:
		return []string{
			"blood pressure check at routine visits",
		}
	}
}

func glycemicMonitoringFor(control domain.DiabetesControl) []string {
	switch control {
	case domain.ControlPoor:
		return []string{
			"self-monitored glucose four times daily",
			"repeat HbA1c in 4 weeks",
			"annual retinopathy and nephropathy screen brought forward",
		}
	case domain.ControlFair:
		return []string{
			"self-monitored glucose daily",
			"repeat HbA1c in 3 months",
		}
	default:
		return []string{
			"repeat HbA1c in 6 months",
		}
	}
}
