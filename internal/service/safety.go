package service

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/cdss-reasoning-server/internal/domain"
)

// Extreme laboratory thresholds that warrant a caution regardless of the
// plan content. Glucose in mmol/L.
const (
	hypoglycemiaGlucose = 3.9
	severeHyperGlucose  = 16.7
	extremeHbA1c        = 10.0
	emergencySystolic   = 180.0
)

// SafetyGuard screens a composed plan against the profile. Blocking
// findings remove or substitute the offending step before the plan is
// returned; non-blocking findings annotate it. Screening is the last
// stage before delivery and can only shrink or annotate a plan, never
// extend its therapeutic content.
type SafetyGuard struct {
	logger *logrus.Logger
}

func NewSafetyGuard(logger *logrus.Logger) *SafetyGuard {
	return &SafetyGuard{logger: logger}
}

// Screen returns the screened steps and warnings ordered
// contraindications first, then emergencies, then missing-data, critical
// severity first within a category.
func (g *SafetyGuard) Screen(profile *domain.PatientProfile, steps []domain.PlanStep) ([]domain.PlanStep, []domain.Warning) {
	var warnings []domain.Warning

	screened, contraWarnings := g.screenContraindications(profile, steps)
	warnings = append(warnings, contraWarnings...)
	warnings = append(warnings, g.screenInteractions(profile, screened)...)
	warnings = append(warnings, g.screenEmergencies(profile)...)
	warnings = append(warnings, g.screenDataGaps(profile)...)

	sort.SliceStable(warnings, func(i, j int) bool {
		if warnings[i].Category != warnings[j].Category {
			return warnings[i].Category.Rank() < warnings[j].Category.Rank()
		}
		return warnings[i].Severity.Rank() < warnings[j].Severity.Rank()
	})

	if len(warnings) > 0 {
		g.logger.WithFields(logrus.Fields{
			"patient_id": profile.ID,
			"warnings":   len(warnings),
		}).Info("safety screen raised findings")
	}

	return screened, warnings
}

// screenContraindications substitutes teratogenic antihypertensives for
// pregnant patients and flags contraindicated current medications. The
// offending step never reaches the caller. Steps without a structured
// class are resolved from their text, so prose guideline content cannot
// smuggle an ACE inhibitor past the screen.
func (g *SafetyGuard) screenContraindications(profile *domain.PatientProfile, steps []domain.PlanStep) ([]domain.PlanStep, []domain.Warning) {
	if !profile.Pregnant {
		return steps, nil
	}

	var warnings []domain.Warning
	for _, med := range profile.Medications {
		class := med.Class
		if !class.PregnancyContraindicated() {
			class = inferDrugClass(med.Name)
		}
		if class.PregnancyContraindicated() {
			warnings = append(warnings, domain.Warning{
				Category:    domain.CategoryContraindication,
				Severity:    domain.SeverityCritical,
				Message:     fmt.Sprintf("current medication %s (%s) contraindicated in pregnancy, discontinue", med.Name, class),
				Alternative: "methyldopa or labetalol",
			})
		}
	}

	screened := make([]domain.PlanStep, 0, len(steps))
	substituted := false
	for _, step := range steps {
		class := step.DrugClass
		if !class.PregnancyContraindicated() {
			class = inferDrugClass(step.Action)
		}
		if class.PregnancyContraindicated() {
			warnings = append(warnings, domain.Warning{
				Category:       domain.CategoryContraindication,
				Severity:       domain.SeverityCritical,
				Message:        fmt.Sprintf("%s contraindicated in pregnancy, step removed", class),
				BlocksDelivery: true,
				Alternative:    "methyldopa or labetalol",
			})
			if !substituted {
				screened = append(screened, domain.PlanStep{
					Kind:      domain.StepTherapy,
					Action:    "substitute pregnancy-safe antihypertensive: methyldopa or labetalol",
					Rationale: "first-line agents for hypertension in pregnancy",
					DrugClass: domain.ClassMethyldopa,
				})
				screened = append(screened, domain.PlanStep{
					Kind:   domain.StepReferral,
					Action: "obstetric consultation for blood pressure management",
				})
				substituted = true
			}
			continue
		}
		screened = append(screened, step)
	}
	return screened, warnings
}

// screenInteractions flags known drug pair hazards across the active
// medication list and the proposed steps. Non-blocking.
func (g *SafetyGuard) screenInteractions(profile *domain.PatientProfile, steps []domain.PlanStep) []domain.Warning {
	classes := make(map[domain.DrugClass]struct{})
	for _, c := range profile.MedicationClasses() {
		classes[c] = struct{}{}
	}
	for _, s := range steps {
		if s.DrugClass != "" {
			classes[s.DrugClass] = struct{}{}
		}
	}

	has := func(c domain.DrugClass) bool {
		_, ok := classes[c]
		return ok
	}

	var warnings []domain.Warning
	if has(domain.ClassACEInhibitor) && has(domain.ClassARB) {
		warnings = append(warnings, domain.Warning{
			Category: domain.CategoryContraindication,
			Severity: domain.SeverityCaution,
			Message:  "dual renin-angiotensin blockade: ACE inhibitor combined with angiotensin receptor blocker",
		})
	}
	if has(domain.ClassBetaBlocker) && has(domain.ClassVerapamil) {
		warnings = append(warnings, domain.Warning{
			Category: domain.CategoryContraindication,
			Severity: domain.SeverityCaution,
			Message:  "beta-blocker combined with non-dihydropyridine calcium channel blocker risks bradycardia and AV block",
		})
	}
	return warnings
}

// screenEmergencies raises non-blocking emergency findings. The plan
// still delivers; the caller decides how to escalate.
func (g *SafetyGuard) screenEmergencies(profile *domain.PatientProfile) []domain.Warning {
	var warnings []domain.Warning

	if profile.Vitals != nil && profile.Vitals.Systolic > emergencySystolic && profile.NeurologicSymptoms {
		warnings = append(warnings, domain.Warning{
			Category: domain.CategoryEmergency,
			Severity: domain.SeverityCritical,
			Message:  "possible hypertensive emergency: systolic above 180 with neurologic symptoms, immediate evaluation required",
		})
	}

	if profile.Labs != nil {
		if fg := profile.Labs.FastingGlucose; fg != nil {
			if *fg < hypoglycemiaGlucose {
				warnings = append(warnings, domain.Warning{
					Category: domain.CategoryEmergency,
					Severity: domain.SeverityCritical,
					Message:  fmt.Sprintf("hypoglycemia: fasting glucose %.1f mmol/L below %.1f", *fg, hypoglycemiaGlucose),
				})
			} else if *fg > severeHyperGlucose {
				warnings = append(warnings, domain.Warning{
					Category: domain.CategoryEmergency,
					Severity: domain.SeverityCaution,
					Message:  fmt.Sprintf("severe hyperglycemia: fasting glucose %.1f mmol/L, screen for ketoacidosis", *fg),
				})
			}
		}
		if a1c := profile.Labs.HbA1c; a1c != nil && *a1c >= extremeHbA1c {
			warnings = append(warnings, domain.Warning{
				Category: domain.CategoryEmergency,
				Severity: domain.SeverityCaution,
				Message:  fmt.Sprintf("HbA1c %.1f%% indicates sustained severe hyperglycemia", *a1c),
			})
		}
	}

	return warnings
}

// screenDataGaps annotates decisions made without the usual inputs.
func (g *SafetyGuard) screenDataGaps(profile *domain.PatientProfile) []domain.Warning {
	var warnings []domain.Warning
	if profile.Vitals == nil {
		warnings = append(warnings, domain.Warning{
			Category: domain.CategoryMissingData,
			Severity: domain.SeverityCaution,
			Message:  "no blood pressure measurement on record, recommendation made without vitals",
		})
	}
	if profile.HasDiagnosis("diabetes") && (profile.Labs == nil || profile.Labs.HbA1c == nil) {
		warnings = append(warnings, domain.Warning{
			Category: domain.CategoryMissingData,
			Severity: domain.SeverityCaution,
			Message:  "no HbA1c result on record for diabetic patient",
		})
	}
	return warnings
}
