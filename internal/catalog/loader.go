package catalog

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"funnel/internal/constants"
	"funnel/pkg/cel"
	"funnel/pkg/models"
)

type rawCatalog struct {
	Sequences []rawSequence `yaml:"sequences"`
	Rules     []rawRule     `yaml:"rules"`
}

type rawSequence struct {
	ID         string                 `yaml:"id"`
	Name       string                 `yaml:"name"`
	Trigger    string                 `yaml:"trigger"`
	Conditions map[string]interface{} `yaml:"conditions"`
	Expression string                 `yaml:"expression"`
	Steps      []rawStep              `yaml:"steps"`
}

type rawStep struct {
	ID         string                 `yaml:"id"`
	Template   string                 `yaml:"template"`
	Params     map[string]string      `yaml:"params"`
	Delay      string                 `yaml:"delay"`
	Conditions map[string]interface{} `yaml:"conditions"`
}

type rawRule struct {
	ID         string                 `yaml:"id"`
	Name       string                 `yaml:"name"`
	Trigger    string                 `yaml:"trigger"`
	Conditions map[string]interface{} `yaml:"conditions"`
	Expression string                 `yaml:"expression"`
	Actions    []rawAction            `yaml:"actions"`
}

type rawAction struct {
	Type      string            `yaml:"type"`
	Template  string            `yaml:"template"`
	Params    map[string]string `yaml:"params"`
	Delta     int               `yaml:"delta"`
	Title     string            `yaml:"title"`
	Priority  string            `yaml:"priority"`
	DueOffset string            `yaml:"due_offset"`
	Message   string            `yaml:"message"`
	Urgency   string            `yaml:"urgency"`
}

// LoadFile reads, validates and compiles a catalog from a YAML file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML bytes. Duplicate IDs, unknown trigger
// kinds, unknown action types, negative delays and invalid CEL expressions
// are all rejected here so the registries never see a half-valid catalog.
func Parse(data []byte) (*Catalog, error) {
	var raw rawCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	cat := &Catalog{
		Sequences: make([]Sequence, 0, len(raw.Sequences)),
		Rules:     make([]Rule, 0, len(raw.Rules)),
	}

	seqIDs := make(map[string]bool, len(raw.Sequences))
	for i, rs := range raw.Sequences {
		seq, err := convertSequence(rs, evaluator)
		if err != nil {
			return nil, fmt.Errorf("sequence %d (%s): %w", i, rs.ID, err)
		}
		if seqIDs[seq.ID] {
			return nil, fmt.Errorf("duplicate sequence id %q", seq.ID)
		}
		seqIDs[seq.ID] = true
		cat.Sequences = append(cat.Sequences, seq)
	}

	ruleIDs := make(map[string]bool, len(raw.Rules))
	for i, rr := range raw.Rules {
		rule, err := convertRule(rr, evaluator)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rr.ID, err)
		}
		if ruleIDs[rule.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		ruleIDs[rule.ID] = true
		cat.Rules = append(cat.Rules, rule)
	}

	return cat, nil
}

func convertSequence(rs rawSequence, evaluator *cel.Evaluator) (Sequence, error) {
	if rs.ID == "" {
		return Sequence{}, fmt.Errorf("sequence id is required")
	}

	trigger := models.EventKind(rs.Trigger)
	if !trigger.Valid() {
		return Sequence{}, fmt.Errorf("unknown trigger kind %q", rs.Trigger)
	}

	if len(rs.Steps) == 0 {
		return Sequence{}, fmt.Errorf("sequence must have at least one step")
	}

	seq := Sequence{
		ID:         rs.ID,
		Name:       rs.Name,
		Trigger:    trigger,
		Conditions: rs.Conditions,
		Expression: rs.Expression,
		Steps:      make([]Step, 0, len(rs.Steps)),
	}

	if rs.Expression != "" {
		filter, err := evaluator.CompileFilter(rs.Expression)
		if err != nil {
			return Sequence{}, fmt.Errorf("expression: %w", err)
		}
		seq.filter = filter
	}

	stepIDs := make(map[string]bool, len(rs.Steps))
	for i, step := range rs.Steps {
		converted, err := convertStep(step)
		if err != nil {
			return Sequence{}, fmt.Errorf("step %d (%s): %w", i, step.ID, err)
		}
		if stepIDs[converted.ID] {
			return Sequence{}, fmt.Errorf("duplicate step id %q", converted.ID)
		}
		stepIDs[converted.ID] = true
		seq.Steps = append(seq.Steps, converted)
	}

	return seq, nil
}

func convertStep(rs rawStep) (Step, error) {
	if rs.ID == "" {
		return Step{}, fmt.Errorf("step id is required")
	}
	if rs.Template == "" {
		return Step{}, fmt.Errorf("step template is required")
	}

	delay, err := parseDelay(rs.Delay)
	if err != nil {
		return Step{}, err
	}

	return Step{
		ID:         rs.ID,
		Template:   rs.Template,
		Params:     rs.Params,
		Delay:      delay,
		Conditions: rs.Conditions,
	}, nil
}

func convertRule(rr rawRule, evaluator *cel.Evaluator) (Rule, error) {
	if rr.ID == "" {
		return Rule{}, fmt.Errorf("rule id is required")
	}

	trigger := models.EventKind(rr.Trigger)
	if !trigger.Valid() {
		return Rule{}, fmt.Errorf("unknown trigger kind %q", rr.Trigger)
	}

	if len(rr.Actions) == 0 {
		return Rule{}, fmt.Errorf("rule must have at least one action")
	}

	rule := Rule{
		ID:         rr.ID,
		Name:       rr.Name,
		Trigger:    trigger,
		Conditions: rr.Conditions,
		Expression: rr.Expression,
		Actions:    make([]Action, 0, len(rr.Actions)),
	}

	if rr.Expression != "" {
		filter, err := evaluator.CompileFilter(rr.Expression)
		if err != nil {
			return Rule{}, fmt.Errorf("expression: %w", err)
		}
		rule.filter = filter
	}

	for i, ra := range rr.Actions {
		action, err := convertAction(ra)
		if err != nil {
			return Rule{}, fmt.Errorf("action %d: %w", i, err)
		}
		rule.Actions = append(rule.Actions, action)
	}

	return rule, nil
}

func convertAction(ra rawAction) (Action, error) {
	switch ActionKind(ra.Type) {
	case ActionSendEmail:
		if ra.Template == "" {
			return nil, fmt.Errorf("send_email requires a template")
		}
		return SendEmail{Template: ra.Template, Params: ra.Params}, nil

	case ActionUpdateLeadScore:
		if ra.Delta == 0 {
			return nil, fmt.Errorf("update_lead_score requires a non-zero delta")
		}
		return UpdateLeadScore{Delta: ra.Delta}, nil

	case ActionCreateTask:
		if ra.Title == "" {
			return nil, fmt.Errorf("create_task requires a title")
		}
		offset, err := parseDelay(ra.DueOffset)
		if err != nil {
			return nil, fmt.Errorf("due_offset: %w", err)
		}
		priority, err := normalizePriority(ra.Priority)
		if err != nil {
			return nil, err
		}
		return CreateTask{Title: ra.Title, Priority: priority, DueOffset: offset}, nil

	case ActionNotifyParty:
		if ra.Message == "" {
			return nil, fmt.Errorf("notify_party requires a message")
		}
		urgency, err := normalizeUrgency(ra.Urgency)
		if err != nil {
			return nil, err
		}
		return NotifyParty{Message: ra.Message, Urgency: urgency}, nil

	default:
		return nil, fmt.Errorf("unknown action type %q", ra.Type)
	}
}

func normalizePriority(raw string) (string, error) {
	switch raw {
	case "":
		return constants.PriorityMedium, nil
	case constants.PriorityLow, constants.PriorityMedium, constants.PriorityHigh:
		return raw, nil
	default:
		return "", fmt.Errorf("unknown priority %q", raw)
	}
}

func normalizeUrgency(raw string) (string, error) {
	switch raw {
	case "":
		return constants.UrgencyNormal, nil
	case constants.UrgencyLow, constants.UrgencyNormal, constants.UrgencyHigh:
		return raw, nil
	default:
		return "", fmt.Errorf("unknown urgency %q", raw)
	}
}

func parseDelay(raw string) (time.Duration, error) {
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative: %s", raw)
	}
	return d, nil
}
