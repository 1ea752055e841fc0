// Package domain contains the core value objects and contracts for the
// hypertension/diabetes clinical decision-support reasoning core.
//
// All entities here are immutable value objects owned by the reasoning pass
// that created them; nothing is shared or mutated across concurrent passes.
package domain

import (
	"time"
)

// Disease identifies a chronic-disease reasoning axis.
type Disease string

const (
	Hypertension Disease = "hypertension"
	Diabetes     Disease = "diabetes"
)

// IsValid reports whether the disease axis is one the core reasons about.
func (d Disease) IsValid() bool {
	switch d {
	case Hypertension, Diabetes:
		return true
	default:
		return false
	}
}

func (d Disease) String() string { return string(d) }

// HypertensionRisk is the ordered hypertension stratification level.
type HypertensionRisk string

const (
	RiskLow      HypertensionRisk = "low"
	RiskMedium   HypertensionRisk = "medium"
	RiskHigh     HypertensionRisk = "high"
	RiskVeryHigh HypertensionRisk = "very-high"
)

// Rank returns the ordinal position of the risk level, low first.
func (r HypertensionRisk) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskVeryHigh:
		return 3
	default:
		return -1
	}
}

func (r HypertensionRisk) IsValid() bool { return r.Rank() >= 0 }

func (r HypertensionRisk) String() string { return string(r) }

// DiabetesControl is the ordered glycemic control status.
type DiabetesControl string

const (
	ControlGood DiabetesControl = "good"
	ControlFair DiabetesControl = "fair"
	ControlPoor DiabetesControl = "poor"
)

func (c DiabetesControl) Rank() int {
	switch c {
	case ControlGood:
		return 0
	case ControlFair:
		return 1
	case ControlPoor:
		return 2
	default:
		return -1
	}
}

func (c DiabetesControl) IsValid() bool { return c.Rank() >= 0 }

func (c DiabetesControl) String() string { return string(c) }

// Escalate moves control status exactly one band toward poor.
// Poor stays poor; escalation never skips a band.
func (c DiabetesControl) Escalate() DiabetesControl {
	switch c {
	case ControlGood:
		return ControlFair
	case ControlFair:
		return ControlPoor
	default:
		return c
	}
}

// EvidenceLevel is the guideline strength-of-recommendation grade, IA strongest.
type EvidenceLevel string

const (
	LevelIA  EvidenceLevel = "IA"
	LevelIB  EvidenceLevel = "IB"
	LevelIIA EvidenceLevel = "IIA"
	LevelIIB EvidenceLevel = "IIB"
	LevelIII EvidenceLevel = "III"
)

// Rank returns the ordinal strength of the level, IA first.
func (l EvidenceLevel) Rank() int {
	switch l {
	case LevelIA:
		return 0
	case LevelIB:
		return 1
	case LevelIIA:
		return 2
	case LevelIIB:
		return 3
	case LevelIII:
		return 4
	default:
		return -1
	}
}

func (l EvidenceLevel) IsValid() bool { return l.Rank() >= 0 }

func (l EvidenceLevel) String() string { return string(l) }

// WarningCategory classifies a safety warning.
type WarningCategory string

const (
	CategoryContraindication WarningCategory = "contraindication"
	CategoryEmergency        WarningCategory = "emergency"
	CategoryMissingData      WarningCategory = "missing-data"
)

// Rank orders warning categories for output: contraindications first,
// then emergencies, then missing-data.
func (c WarningCategory) Rank() int {
	switch c {
	case CategoryContraindication:
		return 0
	case CategoryEmergency:
		return 1
	case CategoryMissingData:
		return 2
	default:
		return 3
	}
}

func (c WarningCategory) IsValid() bool { return c.Rank() < 3 }

func (c WarningCategory) String() string { return string(c) }

// WarningSeverity grades a safety warning.
type WarningSeverity string

const (
	SeverityInfo     WarningSeverity = "info"
	SeverityCaution  WarningSeverity = "caution"
	SeverityCritical WarningSeverity = "critical"
)

// Rank orders severities, critical first.
func (s WarningSeverity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityCaution:
		return 1
	case SeverityInfo:
		return 2
	default:
		return 3
	}
}

func (s WarningSeverity) IsValid() bool { return s.Rank() < 3 }

func (s WarningSeverity) String() string { return string(s) }

// EvidenceKind identifies the source type behind an EvidenceRef.
type EvidenceKind string

const (
	EvidenceGuideline    EvidenceKind = "guideline"
	EvidenceLabRecord    EvidenceKind = "lab-record"
	EvidencePrescription EvidenceKind = "prescription-record"
)

func (k EvidenceKind) IsValid() bool {
	switch k {
	case EvidenceGuideline, EvidenceLabRecord, EvidencePrescription:
		return true
	default:
		return false
	}
}

// StepKind distinguishes plan step types. StepNoGuidelineMatch marks an
// axis where the matcher returned zero rules; its step carries an
// insufficient-evidence marker and never fabricated content.
type StepKind string

const (
	StepTherapy          StepKind = "therapy"
	StepLifestyle        StepKind = "lifestyle"
	StepReferral         StepKind = "referral"
	StepNoGuidelineMatch StepKind = "no-guideline-match"
)

func (k StepKind) IsValid() bool {
	switch k {
	case StepTherapy, StepLifestyle, StepReferral, StepNoGuidelineMatch:
		return true
	default:
		return false
	}
}

// PlanState tracks a recommendation through its review lifecycle.
type PlanState string

const (
	StateProposed    PlanState = "proposed"
	StateActive      PlanState = "active"
	StateUnderReview PlanState = "under-review"
	StateAdjusted    PlanState = "adjusted"
	StateResolved    PlanState = "resolved"
)

func (s PlanState) IsValid() bool {
	switch s {
	case StateProposed, StateActive, StateUnderReview, StateAdjusted, StateResolved:
		return true
	default:
		return false
	}
}

func (s PlanState) String() string { return string(s) }

// CanTransition reports whether moving to the target state is a legal
// lifecycle transition. No transition discards history; superseded
// versions remain retrievable regardless of state.
func (s PlanState) CanTransition(to PlanState) bool {
	switch s {
	case StateProposed:
		return to == StateActive
	case StateActive:
		return to == StateUnderReview
	case StateUnderReview:
		return to == StateAdjusted || to == StateResolved
	case StateAdjusted:
		return to == StateActive
	default:
		return false
	}
}

// Sex is the administrative sex recorded for a patient.
type Sex string

const (
	SexMale    Sex = "male"
	SexFemale  Sex = "female"
	SexUnknown Sex = "unknown"
)

func (s Sex) IsValid() bool {
	switch s {
	case SexMale, SexFemale, SexUnknown:
		return true
	default:
		return false
	}
}

// DrugClass is the canonical pharmacological class of a medication.
type DrugClass string

const (
	ClassACEInhibitor DrugClass = "ACE-inhibitor"
	ClassARB          DrugClass = "angiotensin-receptor-blocker"
	ClassCCB          DrugClass = "calcium-channel-blocker"
	ClassBetaBlocker  DrugClass = "beta-blocker"
	ClassThiazide     DrugClass = "thiazide-diuretic"
	ClassVerapamil    DrugClass = "non-dihydropyridine-CCB"
	ClassMethyldopa   DrugClass = "methyldopa"
	ClassLabetalol    DrugClass = "labetalol"
	ClassBiguanide    DrugClass = "biguanide"
	ClassInsulin      DrugClass = "insulin"
)

// PregnancyContraindicated reports whether the class is teratogenic and
// must never appear in a plan for a pregnant patient.
func (d DrugClass) PregnancyContraindicated() bool {
	return d == ClassACEInhibitor || d == ClassARB
}

func (d DrugClass) String() string { return string(d) }

// Follow-up intervals per hypertension risk level. Immediate means
// same-day inpatient referral rather than a scheduled visit.
const (
	FollowUpImmediate = time.Duration(0)
	FollowUpTwoWeeks  = 14 * 24 * time.Hour
	FollowUpOneMonth  = 30 * 24 * time.Hour
	FollowUpQuarter   = 90 * 24 * time.Hour
)

// FollowUp returns the default follow-up interval for the risk level.
func (r HypertensionRisk) FollowUp() time.Duration {
	switch r {
	case RiskVeryHigh:
		return FollowUpImmediate
	case RiskHigh:
		return FollowUpTwoWeeks
	case RiskMedium:
		return FollowUpOneMonth
	default:
		return FollowUpQuarter
	}
}

// FollowUp returns the default follow-up interval for the control status.
func (c DiabetesControl) FollowUp() time.Duration {
	switch c {
	case ControlPoor:
		return FollowUpTwoWeeks
	case ControlFair:
		return FollowUpOneMonth
	default:
		return FollowUpQuarter
	}
}
