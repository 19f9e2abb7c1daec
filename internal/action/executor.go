package action

import (
	"context"
	"fmt"
	"time"

	"funnel/internal/catalog"
	"funnel/internal/contact"
	"funnel/internal/logger"
	"funnel/pkg/metrics"
	"funnel/pkg/models"
)

// Executor runs rule actions against outbound collaborators. Actions run in
// declaration order; one failing action is logged and counted but never stops
// the ones after it, and never fails the event that triggered the rule.
type Executor struct {
	emails        EmailSender
	tasks         TaskCreator
	notifier      Notifier
	contacts      contact.Store
	onScoreChange ScoreChangeFunc
	log           logger.Logger
}

func NewExecutor(
	emails EmailSender,
	tasks TaskCreator,
	notifier Notifier,
	contacts contact.Store,
	onScoreChange ScoreChangeFunc,
	log logger.Logger,
) *Executor {
	return &Executor{
		emails:        emails,
		tasks:         tasks,
		notifier:      notifier,
		contacts:      contacts,
		onScoreChange: onScoreChange,
		log:           log,
	}
}

// ExecuteAll runs every action of a matched rule for the event's contact.
func (e *Executor) ExecuteAll(ctx context.Context, event models.Event, ruleID string, actions []catalog.Action) {
	for _, a := range actions {
		if err := e.execute(ctx, event, a); err != nil {
			metrics.ActionsExecutedTotal.WithLabelValues(string(a.Kind()), "error").Inc()
			e.log.ErrorwCtx(ctx, "Rule action failed",
				"rule_id", ruleID,
				"action", string(a.Kind()),
				"error", err,
			)
			continue
		}
		metrics.ActionsExecutedTotal.WithLabelValues(string(a.Kind()), "ok").Inc()
	}
}

func (e *Executor) execute(ctx context.Context, event models.Event, a catalog.Action) error {
	switch act := a.(type) {
	case catalog.SendEmail:
		return e.sendEmail(ctx, event, act)
	case catalog.UpdateLeadScore:
		return e.updateLeadScore(ctx, event, act)
	case catalog.CreateTask:
		return e.createTask(ctx, event, act)
	case catalog.NotifyParty:
		return e.notifyParty(ctx, event, act)
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind())
	}
}

func (e *Executor) sendEmail(ctx context.Context, event models.Event, act catalog.SendEmail) error {
	if err := e.emails.Send(ctx, event.ContactID, act.Template, act.Params); err != nil {
		return fmt.Errorf("send email %q: %w", act.Template, err)
	}
	e.log.InfowCtx(ctx, "Email sent",
		"template", act.Template,
	)
	return nil
}

func (e *Executor) updateLeadScore(ctx context.Context, event models.Event, act catalog.UpdateLeadScore) error {
	before, err := e.contacts.GetOrCreate(ctx, event.ContactID)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	oldScore := before.Score

	updated, err := e.contacts.ApplyScoreDelta(ctx, event.ContactID, act.Delta)
	if err != nil {
		return fmt.Errorf("apply score delta %d: %w", act.Delta, err)
	}

	e.log.InfowCtx(ctx, "Lead score updated",
		"delta", act.Delta,
		"score", updated.Score,
		"tier", string(updated.Tier),
	)

	// Feed the mutation back through trigger evaluation, but only when the
	// originating event is not itself a score change. That bounds the
	// recursion at depth one.
	if e.onScoreChange != nil && updated.Score != oldScore && event.Kind != models.EventLeadScoreChange {
		e.onScoreChange(ctx, event.ContactID, oldScore, updated.Score, event)
	}
	return nil
}

func (e *Executor) createTask(ctx context.Context, event models.Event, act catalog.CreateTask) error {
	dueAt := time.Now().Add(act.DueOffset)
	taskID, err := e.tasks.Create(ctx, event.ContactID, act.Title, act.Priority, dueAt)
	if err != nil {
		return fmt.Errorf("create task %q: %w", act.Title, err)
	}
	e.log.InfowCtx(ctx, "Task created",
		"task_id", taskID,
		"title", act.Title,
		"priority", act.Priority,
	)
	return nil
}

func (e *Executor) notifyParty(ctx context.Context, event models.Event, act catalog.NotifyParty) error {
	if err := e.notifier.Notify(ctx, event.ContactID, act.Message, act.Urgency); err != nil {
		return fmt.Errorf("notify party: %w", err)
	}
	return nil
}
