package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cdss-reasoning-server/internal/domain"
)

// MatchOptions narrows one matching pass. A zero TopK returns every
// matching rule.
type MatchOptions struct {
	Disease        domain.Disease
	EffectiveAfter time.Time
	TopK           int
}

// ruleSnapshot is one immutable generation of the rule corpus with
// predicates already parsed and attached.
type ruleSnapshot struct {
	rules    []domain.GuidelineRule
	loadedAt time.Time
}

// GuidelineMatcher evaluates patient profiles against the active rule
// corpus. Requests read an atomically swapped snapshot; Reload is
// serialized and a failed reload keeps the previous snapshot in service.
type GuidelineMatcher struct {
	snapshot atomic.Pointer[ruleSnapshot]
	reloadMu sync.Mutex
	parser   *PredicateParser
	logger   *logrus.Logger
}

func NewGuidelineMatcher(parser *PredicateParser, logger *logrus.Logger) *GuidelineMatcher {
	m := &GuidelineMatcher{parser: parser, logger: logger}
	m.snapshot.Store(&ruleSnapshot{})
	return m
}

// Reload fetches the active rules, parses every condition, and swaps the
// snapshot in whole. On fetch failure the old snapshot stays live and
// the error wraps ErrCorpusReload for the operator log.
func (m *GuidelineMatcher) Reload(ctx context.Context, source domain.RuleSource) error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	rules, err := source.FetchActiveRules(ctx, time.Time{})
	if err != nil {
		m.logger.WithError(err).Error("rule corpus reload failed, previous snapshot kept")
		return fmt.Errorf("%w: %v", domain.ErrCorpusReload, err)
	}

	active := make([]domain.GuidelineRule, 0, len(rules))
	for _, r := range rules {
		if !r.Active {
			continue
		}
		r.Predicate = m.parser.Parse(r.Condition)
		active = append(active, r)
	}

	m.snapshot.Store(&ruleSnapshot{rules: active, loadedAt: time.Now()})
	m.logger.WithFields(logrus.Fields{
		"rules": len(active),
	}).Info("rule corpus snapshot reloaded")
	return nil
}

// RuleCount reports the size of the current snapshot.
func (m *GuidelineMatcher) RuleCount() int {
	return len(m.snapshot.Load().rules)
}

// Match scores the profile against the current snapshot. Score is the
// count of satisfied structured clauses plus tag hits; ties break by
// newest effective-from, then name. An empty result is a valid answer,
// never padded.
func (m *GuidelineMatcher) Match(profile *domain.PatientProfile, opts MatchOptions) []domain.GuidelineMatch {
	snap := m.snapshot.Load()

	var matches []domain.GuidelineMatch
	for i := range snap.rules {
		rule := &snap.rules[i]
		if opts.Disease != "" && rule.Disease != opts.Disease {
			continue
		}
		if !opts.EffectiveAfter.IsZero() && rule.EffectiveFrom.Before(opts.EffectiveAfter) {
			continue
		}
		if rule.Predicate == nil {
			continue
		}

		matched, satisfied := rule.Predicate.Evaluate(profile)
		if !matched {
			continue
		}
		tagHits := rule.Predicate.TagHits(profile)
		matches = append(matches, domain.GuidelineMatch{
			Rule:           rule,
			Score:          len(satisfied) + tagHits,
			MatchedClauses: satisfied,
			TagHits:        tagHits,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if !matches[i].Rule.EffectiveFrom.Equal(matches[j].Rule.EffectiveFrom) {
			return matches[i].Rule.EffectiveFrom.After(matches[j].Rule.EffectiveFrom)
		}
		return matches[i].Rule.Name < matches[j].Rule.Name
	})

	if opts.TopK > 0 && len(matches) > opts.TopK {
		matches = matches[:opts.TopK]
	}
	return matches
}
