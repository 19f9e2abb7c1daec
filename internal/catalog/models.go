// Package catalog holds the static sequence and rule definitions the engine
// evaluates events against. Catalogs are loaded once at startup and read-only
// afterwards; they are passed into the automation engine explicitly instead of
// living in package-level state.
package catalog

import (
	"time"

	"funnel/pkg/cel"
	"funnel/pkg/models"
)

// Sequence is an ordered set of time-delayed emails triggered by a condition.
type Sequence struct {
	ID         string
	Name       string
	Trigger    models.EventKind
	Conditions map[string]interface{}
	Expression string
	Steps      []Step

	filter *cel.Filter
}

// Step is one delayed email within a sequence. Conditions, when present, are
// re-checked at fire time against the contact's current attributes.
type Step struct {
	ID         string
	Template   string
	Params     map[string]string
	Delay      time.Duration
	Conditions map[string]interface{}
}

// Rule is a set of immediate actions triggered by a condition.
type Rule struct {
	ID         string
	Name       string
	Trigger    models.EventKind
	Conditions map[string]interface{}
	Expression string
	Actions    []Action

	filter *cel.Filter
}

type ActionKind string

const (
	ActionSendEmail       ActionKind = "send_email"
	ActionUpdateLeadScore ActionKind = "update_lead_score"
	ActionCreateTask      ActionKind = "create_task"
	ActionNotifyParty     ActionKind = "notify_party"
)

// Action is a sealed sum type over the four action kinds. The executor
// type-switches over the concrete variants, so adding a kind is a
// compile-time-visible change.
type Action interface {
	Kind() ActionKind
	isAction()
}

type SendEmail struct {
	Template string
	Params   map[string]string
}

func (SendEmail) Kind() ActionKind { return ActionSendEmail }
func (SendEmail) isAction() {}

type UpdateLeadScore struct {
	Delta int
}

func (UpdateLeadScore) Kind() ActionKind { return ActionUpdateLeadScore }
func (UpdateLeadScore) isAction() {}

type CreateTask struct {
	Title     string
	Priority  string
	DueOffset time.Duration
}

func (CreateTask) Kind() ActionKind { return ActionCreateTask }
func (CreateTask) isAction() {}

type NotifyParty struct {
	Message string
	Urgency string
}

func (NotifyParty) Kind() ActionKind { return ActionNotifyParty }
func (NotifyParty) isAction() {}

// Catalog is the full static definition set.
type Catalog struct {
	Sequences []Sequence
	Rules     []Rule
}
