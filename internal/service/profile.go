package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/cdss-reasoning-server/internal/domain"
)

// drugClassAliases maps fact-base drug class spellings onto the
// canonical classes. Unknown classes pass through untyped; the safety
// screens only act on classes they recognize.
var drugClassAliases = map[string]domain.DrugClass{
	"ace inhibitor":                domain.ClassACEInhibitor,
	"ace-inhibitor":                domain.ClassACEInhibitor,
	"acei":                         domain.ClassACEInhibitor,
	"arb":                          domain.ClassARB,
	"angiotensin receptor blocker": domain.ClassARB,
	"angiotensin-receptor-blocker": domain.ClassARB,
	"ccb":                          domain.ClassCCB,
	"calcium channel blocker":      domain.ClassCCB,
	"calcium-channel-blocker":      domain.ClassCCB,
	"beta blocker":                 domain.ClassBetaBlocker,
	"beta-blocker":                 domain.ClassBetaBlocker,
	"thiazide":                     domain.ClassThiazide,
	"thiazide diuretic":            domain.ClassThiazide,
	"thiazide-diuretic":            domain.ClassThiazide,
	"verapamil":                    domain.ClassVerapamil,
	"non-dihydropyridine ccb":      domain.ClassVerapamil,
	"methyldopa":                   domain.ClassMethyldopa,
	"labetalol":                    domain.ClassLabetalol,
	"biguanide":                    domain.ClassBiguanide,
	"metformin":                    domain.ClassBiguanide,
	"insulin":                      domain.ClassInsulin,
}

// drugTextMarkers resolve drug mentions inside free text, class names
// and common agent names alike. Guideline content is prose; a step
// built from it carries no structured class unless we find one here.
// Checked in order, first hit wins, so specific agents precede their
// class phrases.
var drugTextMarkers = []struct {
	marker string
	class  domain.DrugClass
}{
	{"verapamil", domain.ClassVerapamil},
	{"methyldopa", domain.ClassMethyldopa},
	{"labetalol", domain.ClassLabetalol},
	{"enalapril", domain.ClassACEInhibitor},
	{"lisinopril", domain.ClassACEInhibitor},
	{"captopril", domain.ClassACEInhibitor},
	{"perindopril", domain.ClassACEInhibitor},
	{"ramipril", domain.ClassACEInhibitor},
	{"benazepril", domain.ClassACEInhibitor},
	{"losartan", domain.ClassARB},
	{"valsartan", domain.ClassARB},
	{"irbesartan", domain.ClassARB},
	{"telmisartan", domain.ClassARB},
	{"candesartan", domain.ClassARB},
	{"olmesartan", domain.ClassARB},
	{"amlodipine", domain.ClassCCB},
	{"nifedipine", domain.ClassCCB},
	{"metoprolol", domain.ClassBetaBlocker},
	{"atenolol", domain.ClassBetaBlocker},
	{"bisoprolol", domain.ClassBetaBlocker},
	{"hydrochlorothiazide", domain.ClassThiazide},
	{"indapamide", domain.ClassThiazide},
	{"metformin", domain.ClassBiguanide},
	{"insulin", domain.ClassInsulin},
	{"ace inhibitor", domain.ClassACEInhibitor},
	{"ace-inhibitor", domain.ClassACEInhibitor},
	{"acei", domain.ClassACEInhibitor},
	{"angiotensin receptor blocker", domain.ClassARB},
	{"angiotensin-receptor blocker", domain.ClassARB},
	{"calcium channel blocker", domain.ClassCCB},
	{"beta blocker", domain.ClassBetaBlocker},
	{"beta-blocker", domain.ClassBetaBlocker},
	{"thiazide", domain.ClassThiazide},
}

// inferDrugClass scans free text for a known drug marker. Empty when
// nothing recognizable is mentioned.
func inferDrugClass(text string) domain.DrugClass {
	lowered := strings.ToLower(text)
	for _, m := range drugTextMarkers {
		if strings.Contains(lowered, m.marker) {
			return m.class
		}
	}
	return ""
}

// ProfileAssembler turns a raw fact snapshot into a validated canonical
// profile. It is the only component that interprets fact-base rows;
// everything downstream works on the profile alone.
type ProfileAssembler struct {
	normalizer *TermNormalizer
	logger     *logrus.Logger
}

func NewProfileAssembler(normalizer *TermNormalizer, logger *logrus.Logger) *ProfileAssembler {
	return &ProfileAssembler{normalizer: normalizer, logger: logger}
}

// Assemble builds the profile for one patient. Diagnoses are normalized
// to canonical terms; terms that fail to map are kept verbatim rather
// than dropped. A missing basic record is ErrProfileNotFound.
func (a *ProfileAssembler) Assemble(ctx context.Context, facts *domain.PatientFacts) (*domain.PatientProfile, error) {
	if facts == nil || facts.Basic == nil {
		return nil, domain.ErrProfileNotFound
	}
	basic := facts.Basic

	profile := &domain.PatientProfile{
		ID:       basic.PatientID,
		Age:      basic.Age,
		Sex:      basic.Sex,
		HeightCM: basic.HeightCM,
		WeightKG: basic.WeightKG,
		BMI:      basic.BMI,
	}
	if profile.Sex == "" {
		profile.Sex = domain.SexUnknown
	}
	if profile.BMI == 0 {
		profile.BMI = domain.DeriveBMI(basic.WeightKG, basic.HeightCM)
	}

	for _, d := range facts.Diagnoses {
		term := d.Name
		if res, err := a.normalizer.Normalize(term); err == nil && res.Mapped {
			term = res.Canonical
		} else {
			term = strings.ToLower(strings.TrimSpace(term))
		}
		if term != "" && !profile.HasDiagnosis(term) {
			profile.Diagnoses = append(profile.Diagnoses, term)
		}
	}

	for _, m := range facts.Medications {
		med := domain.Medication{
			Name:      m.DrugName,
			Class:     resolveDrugClass(m.DrugClass, m.DrugName),
			Dose:      m.Dose,
			StartDate: m.StartedAt,
		}
		profile.Medications = append(profile.Medications, med)
		if med.Class == domain.ClassInsulin {
			profile.OnInsulin = true
		}
	}

	if h := facts.Hypertension; h != nil {
		if h.Systolic > 0 || h.Diastolic > 0 {
			profile.Vitals = &domain.Vitals{
				Systolic:   h.Systolic,
				Diastolic:  h.Diastolic,
				HeartRate:  h.HeartRate,
				MeasuredAt: h.AssessedAt,
			}
		}
		profile.RiskFactors = splitFactorList(h.RiskFactors)
		profile.TargetOrganDamage = splitFactorList(h.TargetOrganDamage)
		profile.ClinicalConditions = splitFactorList(h.ClinicalConditions)
		profile.NeurologicSymptoms = containsTerm(profile.ClinicalConditions, "neurologic")
	}

	if d := facts.Diabetes; d != nil {
		if d.FastingGlucose != nil || d.PostprandialGlucose != nil || d.HbA1c != nil {
			profile.Labs = &domain.Labs{
				FastingGlucose:      d.FastingGlucose,
				PostprandialGlucose: d.PostprandialGlucose,
				HbA1c:               d.HbA1c,
				SampledAt:           d.AssessedAt,
			}
		}
		if d.InsulinUsage {
			profile.OnInsulin = true
		}
		profile.Complications = splitFactorList(d.Complications)
		profile.FrequentHypoglycemia = containsTerm(profile.Complications, "hypoglycemia")
	}

	profile.Pregnant = profile.HasDiagnosis("pregnancy") || containsTerm(profile.ClinicalConditions, "pregnan")

	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("profile assembly for %s: %w", basic.PatientID, err)
	}

	a.logger.WithFields(logrus.Fields{
		"patient_id": profile.ID,
		"diagnoses":  len(profile.Diagnoses),
		"degraded":   facts.DegradedSources,
	}).Debug("profile assembled")

	return profile, nil
}

func resolveDrugClass(recorded, drugName string) domain.DrugClass {
	if c, ok := drugClassAliases[strings.ToLower(strings.TrimSpace(recorded))]; ok {
		return c
	}
	if c, ok := drugClassAliases[strings.ToLower(strings.TrimSpace(drugName))]; ok {
		return c
	}
	return domain.DrugClass(strings.ToLower(strings.TrimSpace(recorded)))
}

// splitFactorList splits the comma-joined factor columns as stored
// upstream, trimming blanks.
func splitFactorList(joined string) []string {
	if strings.TrimSpace(joined) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(joined, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func containsTerm(list []string, substr string) bool {
	for _, v := range list {
		if strings.Contains(v, substr) {
			return true
		}
	}
	return false
}
