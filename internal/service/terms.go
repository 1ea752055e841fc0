package service

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/cdss-reasoning-server/internal/domain"
)

// TermSuggestion is one ranked candidate for an unmapped term.
// Similarity is 1 for identical and 0 for nothing shared.
type TermSuggestion struct {
	Candidate  string  `json:"candidate"`
	Similarity float64 `json:"similarity"`
}

// NormalizeResult is the outcome of one term lookup. When Mapped is
// false, Suggestions carries the closest canonical candidates for the
// caller to disambiguate; the normalizer never guesses.
type NormalizeResult struct {
	Input       string           `json:"input"`
	Canonical   string           `json:"canonical,omitempty"`
	Mapped      bool             `json:"mapped"`
	Suggestions []TermSuggestion `json:"suggestions,omitempty"`
}

// textExpander rewrites whole-word occurrences of one alias.
type textExpander struct {
	pattern   *regexp.Regexp
	canonical string
}

// termSnapshot is one immutable generation of the dictionary. aliases
// maps lowercase alias to canonical term; canonicals is the sorted
// canonical vocabulary; expanders hold the alias patterns longest first
// for free-text expansion.
type termSnapshot struct {
	aliases    map[string]string
	canonicals []string
	expanders  []textExpander
}

// TermNormalizer maps colloquial or shorthand clinical terms onto the
// canonical vocabulary. Lookups read an atomically swapped snapshot so
// reloads never block or tear a concurrent request.
type TermNormalizer struct {
	snapshot atomic.Pointer[termSnapshot]
	reloadMu sync.Mutex
	logger   *logrus.Logger

	maxSuggestions int
}

// defaultTermMappings seeds the dictionary with the common aliases seen
// in intake notes. Config may extend or override these at startup.
var defaultTermMappings = map[string]string{
	"htn":                  "hypertension",
	"high blood pressure":  "hypertension",
	"elevated bp":          "hypertension",
	"bp high":              "hypertension",
	"dm":                   "diabetes",
	"t2dm":                 "diabetes",
	"type 2 diabetes":      "diabetes",
	"diabetes mellitus":    "diabetes",
	"high blood sugar":     "diabetes",
	"sugar diabetes":       "diabetes",
	"mi":                   "myocardial infarction",
	"heart attack":         "myocardial infarction",
	"afib":                 "atrial fibrillation",
	"a-fib":                "atrial fibrillation",
	"ckd":                  "chronic kidney disease",
	"kidney disease":       "chronic kidney disease",
	"renal insufficiency":  "chronic kidney disease",
	"cva":                  "stroke",
	"brain attack":         "stroke",
	"chf":                  "heart failure",
	"congestive failure":   "heart failure",
	"hld":                  "hyperlipidemia",
	"high cholesterol":     "hyperlipidemia",
	"dyslipidemia":         "hyperlipidemia",
	"cad":                  "coronary artery disease",
	"coronary disease":     "coronary artery disease",
	"copd":                 "chronic obstructive pulmonary disease",
	"dka":                  "diabetic ketoacidosis",
	"neuropathy":           "diabetic neuropathy",
	"retinopathy":          "diabetic retinopathy",
	"nephropathy":          "diabetic nephropathy",
	"low blood sugar":      "hypoglycemia",
	"hypo":                 "hypoglycemia",
	"obese":                "obesity",
	"overweight condition": "obesity",
	"lvh":                  "left ventricular hypertrophy",
	"enlarged heart":       "left ventricular hypertrophy",
	"proteinuria":          "proteinuria",
	"protein in urine":     "proteinuria",
}

// NewTermNormalizer builds a normalizer seeded from the default mapping
// table merged with any extra config-supplied aliases.
func NewTermNormalizer(logger *logrus.Logger, extra map[string]string) *TermNormalizer {
	n := &TermNormalizer{
		logger:         logger,
		maxSuggestions: 5,
	}
	merged := make(map[string]string, len(defaultTermMappings)+len(extra))
	for alias, canonical := range defaultTermMappings {
		merged[alias] = canonical
	}
	for alias, canonical := range extra {
		merged[strings.ToLower(strings.TrimSpace(alias))] = strings.ToLower(strings.TrimSpace(canonical))
	}
	n.snapshot.Store(buildTermSnapshot(merged))
	return n
}

func buildTermSnapshot(aliases map[string]string) *termSnapshot {
	canonicalSet := make(map[string]struct{}, len(aliases))
	for _, c := range aliases {
		canonicalSet[c] = struct{}{}
	}
	canonicals := make([]string, 0, len(canonicalSet))
	for c := range canonicalSet {
		canonicals = append(canonicals, c)
	}
	sort.Strings(canonicals)

	ordered := make([]string, 0, len(aliases))
	for a := range aliases {
		ordered = append(ordered, a)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i]) != len(ordered[j]) {
			return len(ordered[i]) > len(ordered[j])
		}
		return ordered[i] < ordered[j]
	})

	// Whole-word patterns only: a bare substring replace would rewrite
	// the "mi" inside "metformin".
	expanders := make([]textExpander, 0, len(ordered))
	for _, alias := range ordered {
		canonical := aliases[alias]
		if alias == canonical {
			continue
		}
		expanders = append(expanders, textExpander{
			pattern:   regexp.MustCompile(`\b` + regexp.QuoteMeta(alias) + `\b`),
			canonical: canonical,
		})
	}

	return &termSnapshot{aliases: aliases, canonicals: canonicals, expanders: expanders}
}

// Normalize maps one input term to its canonical form. A term already in
// canonical form maps to itself. Unknown terms return Mapped=false with
// ranked suggestions; ErrNoCanonicalForm is returned only when the
// dictionary itself is empty.
func (n *TermNormalizer) Normalize(input string) (NormalizeResult, error) {
	snap := n.snapshot.Load()
	if len(snap.aliases) == 0 && len(snap.canonicals) == 0 {
		return NormalizeResult{Input: input}, domain.ErrNoCanonicalForm
	}

	term := strings.ToLower(strings.TrimSpace(input))
	if term == "" {
		return NormalizeResult{Input: input, Suggestions: nil}, nil
	}

	if canonical, ok := snap.aliases[term]; ok {
		return NormalizeResult{Input: input, Canonical: canonical, Mapped: true}, nil
	}
	for _, c := range snap.canonicals {
		if c == term {
			return NormalizeResult{Input: input, Canonical: c, Mapped: true}, nil
		}
	}

	return NormalizeResult{
		Input:       input,
		Mapped:      false,
		Suggestions: n.suggest(snap, term),
	}, nil
}

// suggest ranks canonical terms by similarity, closest first, ties
// broken lexicographically.
func (n *TermNormalizer) suggest(snap *termSnapshot, term string) []TermSuggestion {
	candidates := make([]TermSuggestion, 0, len(snap.canonicals))
	for _, c := range snap.canonicals {
		candidates = append(candidates, TermSuggestion{
			Candidate:  c,
			Similarity: 1 - normalizedDistance(term, c),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].Candidate < candidates[j].Candidate
	})

	limit := n.maxSuggestions
	if limit > len(candidates) {
		limit = len(candidates)
	}
	return candidates[:limit]
}

// ExpandText rewrites every known alias inside free text to its
// canonical form. Aliases match on word boundaries only, longest alias
// first so "type 2 diabetes" wins over "diabetes". Used on query text
// before corpus search.
func (n *TermNormalizer) ExpandText(text string) string {
	snap := n.snapshot.Load()
	lowered := strings.ToLower(text)
	for _, e := range snap.expanders {
		lowered = e.pattern.ReplaceAllString(lowered, e.canonical)
	}
	return lowered
}

// Reload swaps in a fresh dictionary. Reloads are serialized; readers
// keep the old snapshot until the new one is fully built.
func (n *TermNormalizer) Reload(aliases map[string]string) {
	n.reloadMu.Lock()
	defer n.reloadMu.Unlock()

	normalized := make(map[string]string, len(aliases))
	for a, c := range aliases {
		normalized[strings.ToLower(strings.TrimSpace(a))] = strings.ToLower(strings.TrimSpace(c))
	}
	n.snapshot.Store(buildTermSnapshot(normalized))
	n.logger.WithFields(logrus.Fields{
		"aliases": len(normalized),
	}).Info("term dictionary reloaded")
}

// normalizedDistance is Levenshtein distance divided by the longer
// length, so 0 means identical and 1 means nothing shared.
func normalizedDistance(a, b string) float64 {
	if a == b {
		return 0
	}
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return 1
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	longer := la
	if lb > longer {
		longer = lb
	}
	return float64(prev[lb]) / float64(longer)
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
