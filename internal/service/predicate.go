package service

import (
	"regexp"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cdss-reasoning-server/internal/domain"
)

// predicateCacheSize bounds the parsed-condition cache. Rule corpora run
// to a few thousand conditions; reloads mostly re-parse unchanged text.
const predicateCacheSize = 4096

// numericClauseRe matches "field op value" with an optional unit suffix,
// e.g. "SBP>=180mmHg" or "hba1c >= 9.0 %".
var numericClauseRe = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9]*)\s*(>=|<=|>|<|=)\s*([0-9]+(?:\.[0-9]+)?)\s*[a-zA-Z%/]*$`)

// membershipClauseRe matches "field in {a, b}".
var membershipClauseRe = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9-]*)\s+in\s+\{([^}]*)\}$`)

// fieldAliases maps condition-text field spellings to canonical profile
// field names.
var fieldAliases = map[string]string{
	"sbp":       "sbp",
	"systolic":  "sbp",
	"dbp":       "dbp",
	"diastolic": "dbp",
	"hr":        "hr",
	"heartrate": "hr",
	"hba1c":     "hba1c",
	"fpg":       "fpg",
	"fbg":       "fpg",
	"glucose":   "fpg",
	"ppg":       "ppg",
	"age":       "age",
	"bmi":       "bmi",
}

// PredicateParser turns guideline condition text into typed clause
// predicates. Parsing happens once per distinct condition; results are
// held in an LRU so snapshot reloads re-parsing unchanged rules are
// cheap. Unparseable clauses degrade to free-text tags, never errors.
type PredicateParser struct {
	cache *lru.Cache[string, *domain.Predicate]
}

func NewPredicateParser() (*PredicateParser, error) {
	cache, err := lru.New[string, *domain.Predicate](predicateCacheSize)
	if err != nil {
		return nil, err
	}
	return &PredicateParser{cache: cache}, nil
}

// Parse splits the condition on semicolons and types each clause. The
// same condition text always yields the identical predicate.
func (p *PredicateParser) Parse(condition string) *domain.Predicate {
	if cached, ok := p.cache.Get(condition); ok {
		return cached
	}

	pred := &domain.Predicate{}
	for _, part := range strings.Split(condition, ";") {
		raw := strings.TrimSpace(part)
		if raw == "" {
			continue
		}
		pred.Clauses = append(pred.Clauses, parseClause(raw))
	}

	p.cache.Add(condition, pred)
	return pred
}

func parseClause(raw string) domain.Clause {
	if m := numericClauseRe.FindStringSubmatch(raw); m != nil {
		field, ok := fieldAliases[strings.ToLower(m[1])]
		if ok {
			threshold, err := strconv.ParseFloat(m[3], 64)
			if err == nil {
				return domain.Clause{
					Kind:      domain.ClauseNumeric,
					Field:     field,
					Op:        domain.CompareOp(m[2]),
					Threshold: threshold,
					Raw:       raw,
				}
			}
		}
	}

	if m := membershipClauseRe.FindStringSubmatch(raw); m != nil {
		field := strings.ToLower(m[1])
		switch field {
		case "disease", "diagnosis", "sex", "drug-class", "flag":
			var members []string
			for _, member := range strings.Split(m[2], ",") {
				member = strings.ToLower(strings.TrimSpace(member))
				if member != "" {
					members = append(members, member)
				}
			}
			if len(members) > 0 {
				return domain.Clause{
					Kind:    domain.ClauseMembership,
					Field:   field,
					Members: members,
					Raw:     raw,
				}
			}
		}
	}

	return domain.Clause{
		Kind: domain.ClauseTag,
		Tag:  strings.ToLower(raw),
		Raw:  raw,
	}
}
