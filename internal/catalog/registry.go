package catalog

import (
	"context"

	"funnel/internal/logger"
	"funnel/internal/match"
	"funnel/pkg/cel"
	"funnel/pkg/metrics"
	"funnel/pkg/models"
)

// Registry answers "which sequences/rules does this event activate". It is
// read-only after construction and safe for concurrent use.
type Registry struct {
	sequences []Sequence
	rules     []Rule
	seqByID   map[string]int
	log       logger.Logger
}

func NewRegistry(cat *Catalog, log logger.Logger) *Registry {
	r := &Registry{
		sequences: cat.Sequences,
		rules:     cat.Rules,
		seqByID:   make(map[string]int, len(cat.Sequences)),
		log:       log,
	}
	for i, seq := range cat.Sequences {
		r.seqByID[seq.ID] = i
	}
	metrics.SetCatalogSizes(len(cat.Sequences), len(cat.Rules))
	return r
}

// FindMatchingSequences filters by trigger kind first, then delegates to the
// condition matcher and any compiled CEL expression.
func (r *Registry) FindMatchingSequences(ctx context.Context, ev models.Event) []Sequence {
	var matched []Sequence
	for _, seq := range r.sequences {
		if seq.Trigger != ev.Kind {
			continue
		}
		if !match.Matches(ev.Attributes, seq.Conditions) {
			continue
		}
		if !r.expressionMatches(ctx, seq.filter, seq.ID, "sequence", ev) {
			continue
		}
		matched = append(matched, seq)
	}
	return matched
}

func (r *Registry) FindMatchingRules(ctx context.Context, ev models.Event) []Rule {
	var matched []Rule
	for _, rule := range r.rules {
		if rule.Trigger != ev.Kind {
			continue
		}
		if !match.Matches(ev.Attributes, rule.Conditions) {
			continue
		}
		if !r.expressionMatches(ctx, rule.filter, rule.ID, "rule", ev) {
			continue
		}
		matched = append(matched, rule)
	}
	return matched
}

// expressionMatches treats an evaluation error as a non-match: an event
// missing the attributes an expression references must not activate it.
func (r *Registry) expressionMatches(ctx context.Context, filter *cel.Filter, id, kind string, ev models.Event) bool {
	if filter == nil {
		return true
	}
	result, err := filter.Eval(ctx, ev)
	if err != nil {
		r.log.WarnwCtx(ctx, "Catalog expression evaluation error",
			kind+"_id", id,
			"error", err,
		)
		return false
	}
	return result
}

// Sequence returns a sequence definition by id.
func (r *Registry) Sequence(id string) (Sequence, bool) {
	idx, ok := r.seqByID[id]
	if !ok {
		return Sequence{}, false
	}
	return r.sequences[idx], true
}

// Step returns one step of a sequence by id.
func (r *Registry) Step(sequenceID, stepID string) (Step, bool) {
	seq, ok := r.Sequence(sequenceID)
	if !ok {
		return Step{}, false
	}
	for _, step := range seq.Steps {
		if step.ID == stepID {
			return step, true
		}
	}
	return Step{}, false
}

// Sequences returns a copy of the sequence catalog for inspection.
func (r *Registry) Sequences() []Sequence {
	out := make([]Sequence, len(r.sequences))
	copy(out, r.sequences)
	return out
}

// Rules returns a copy of the rule catalog for inspection.
func (r *Registry) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}
