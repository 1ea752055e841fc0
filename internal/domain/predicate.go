package domain

import (
	"fmt"
	"strings"
)

// ClauseKind tags the typed variants of a parsed guideline condition.
type ClauseKind string

const (
	ClauseNumeric    ClauseKind = "numeric-threshold"
	ClauseMembership ClauseKind = "set-membership"
	ClauseTag        ClauseKind = "free-text-tag"
)

// CompareOp is the comparison operator of a numeric-threshold clause.
type CompareOp string

const (
	OpGT  CompareOp = ">"
	OpGTE CompareOp = ">="
	OpLT  CompareOp = "<"
	OpLTE CompareOp = "<="
	OpEQ  CompareOp = "="
)

// Clause is one typed term of a guideline condition. Exactly one variant
// is populated depending on Kind. Raw preserves the original text for
// provenance reporting.
type Clause struct {
	Kind      ClauseKind `json:"kind"`
	Field     string     `json:"field,omitempty"`
	Op        CompareOp  `json:"op,omitempty"`
	Threshold float64    `json:"threshold,omitempty"`
	Members   []string   `json:"members,omitempty"`
	Tag       string     `json:"tag,omitempty"`
	Raw       string     `json:"raw"`
}

// Predicate is the conjunction of clauses parsed once from a guideline
// condition at snapshot load time. Structured clauses (numeric,
// membership) are hard filters; tag clauses only contribute score.
type Predicate struct {
	Clauses []Clause `json:"clauses"`
}

// Specificity is the number of structured clauses, used as the base of
// the deterministic match score.
func (p *Predicate) Specificity() int {
	n := 0
	for _, c := range p.Clauses {
		if c.Kind != ClauseTag {
			n++
		}
	}
	return n
}

// Tags returns the free-text tag clauses in declaration order.
func (p *Predicate) Tags() []string {
	var tags []string
	for _, c := range p.Clauses {
		if c.Kind == ClauseTag {
			tags = append(tags, c.Tag)
		}
	}
	return tags
}

// Evaluate checks every structured clause against the profile. A rule
// matches only when all structured clauses are satisfied; a clause whose
// field is absent from the profile is unsatisfied, never a guess. The
// satisfied clause texts are returned for match provenance.
func (p *Predicate) Evaluate(profile *PatientProfile) (bool, []string) {
	var satisfied []string
	for _, c := range p.Clauses {
		switch c.Kind {
		case ClauseNumeric:
			v, ok := numericField(profile, c.Field)
			if !ok || !c.compare(v) {
				return false, nil
			}
			satisfied = append(satisfied, c.Raw)
		case ClauseMembership:
			if !memberMatch(profile, c.Field, c.Members) {
				return false, nil
			}
			satisfied = append(satisfied, c.Raw)
		}
	}
	return true, satisfied
}

// TagHits counts tag clauses present in the profile's term bag.
func (p *Predicate) TagHits(profile *PatientProfile) int {
	bag := profile.termBag()
	hits := 0
	for _, tag := range p.Tags() {
		if bagContains(bag, tag) {
			hits++
		}
	}
	return hits
}

func (c Clause) compare(v float64) bool {
	switch c.Op {
	case OpGT:
		return v > c.Threshold
	case OpGTE:
		return v >= c.Threshold
	case OpLT:
		return v < c.Threshold
	case OpLTE:
		return v <= c.Threshold
	case OpEQ:
		return v == c.Threshold
	default:
		return false
	}
}

// numericField resolves a clause field name against the profile. The
// second return is false when the measurement is absent, which skips the
// rule rather than comparing against zero.
func numericField(p *PatientProfile, field string) (float64, bool) {
	switch field {
	case "sbp":
		if p.Vitals == nil {
			return 0, false
		}
		return p.Vitals.Systolic, true
	case "dbp":
		if p.Vitals == nil {
			return 0, false
		}
		return p.Vitals.Diastolic, true
	case "hr":
		if p.Vitals == nil || p.Vitals.HeartRate == 0 {
			return 0, false
		}
		return p.Vitals.HeartRate, true
	case "hba1c":
		if p.Labs == nil || p.Labs.HbA1c == nil {
			return 0, false
		}
		return *p.Labs.HbA1c, true
	case "fpg":
		if p.Labs == nil || p.Labs.FastingGlucose == nil {
			return 0, false
		}
		return *p.Labs.FastingGlucose, true
	case "ppg":
		if p.Labs == nil || p.Labs.PostprandialGlucose == nil {
			return 0, false
		}
		return *p.Labs.PostprandialGlucose, true
	case "age":
		return float64(p.Age), true
	case "bmi":
		if p.BMI <= 0 {
			return 0, false
		}
		return p.BMI, true
	default:
		return 0, false
	}
}

// memberMatch resolves a set-membership clause against the profile.
func memberMatch(p *PatientProfile, field string, members []string) bool {
	var values []string
	switch field {
	case "disease", "diagnosis":
		values = p.Diagnoses
	case "sex":
		values = []string{string(p.Sex)}
	case "drug-class":
		for _, cl := range p.MedicationClasses() {
			values = append(values, string(cl))
		}
	case "flag":
		if p.Pregnant {
			values = append(values, "pregnant")
		}
		if p.OnInsulin {
			values = append(values, "on-insulin")
		}
		if p.NeurologicSymptoms {
			values = append(values, "neurologic-symptoms")
		}
	default:
		return false
	}
	for _, m := range members {
		for _, v := range values {
			if strings.EqualFold(strings.TrimSpace(v), m) {
				return true
			}
		}
	}
	return false
}

// termBag collects the lowercase clinical terms a tag clause can hit:
// diagnoses, clinical conditions, complications, and flag-derived terms.
func (p *PatientProfile) termBag() []string {
	bag := make([]string, 0, len(p.Diagnoses)+len(p.ClinicalConditions)+len(p.Complications)+2)
	for _, d := range p.Diagnoses {
		bag = append(bag, strings.ToLower(d))
	}
	for _, c := range p.ClinicalConditions {
		bag = append(bag, strings.ToLower(c))
	}
	for _, c := range p.Complications {
		bag = append(bag, strings.ToLower(c))
	}
	if p.Pregnant {
		bag = append(bag, "pregnancy")
	}
	if p.OnInsulin {
		bag = append(bag, "insulin")
	}
	return bag
}

func bagContains(bag []string, tag string) bool {
	tag = strings.ToLower(tag)
	for _, entry := range bag {
		if entry == tag || strings.Contains(entry, tag) || strings.Contains(tag, entry) {
			return true
		}
	}
	return false
}

// String renders the predicate back to its canonical clause form.
func (p *Predicate) String() string {
	parts := make([]string, 0, len(p.Clauses))
	for _, c := range p.Clauses {
		switch c.Kind {
		case ClauseNumeric:
			parts = append(parts, fmt.Sprintf("%s%s%g", c.Field, c.Op, c.Threshold))
		case ClauseMembership:
			parts = append(parts, fmt.Sprintf("%s in {%s}", c.Field, strings.Join(c.Members, ", ")))
		default:
			parts = append(parts, c.Tag)
		}
	}
	return strings.Join(parts, "; ")
}
