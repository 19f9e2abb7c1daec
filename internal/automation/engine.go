// Package automation is the engine facade. It takes domain events in, runs
// them through trigger evaluation and fans out into enrollments, scheduled
// step fires and rule actions.
package automation

import (
	"context"
	"strings"
	"time"

	"funnel/internal/action"
	"funnel/internal/broker"
	"funnel/internal/catalog"
	"funnel/internal/contact"
	"funnel/internal/enrollment"
	"funnel/internal/logger"
	"funnel/internal/match"
	"funnel/pkg/errors"
	"funnel/pkg/logging"
	"funnel/pkg/metrics"
	"funnel/pkg/models"
)

// Kicker wakes the scheduler after new fires are persisted so delay-0 steps
// go out without waiting a full sweep interval.
type Kicker interface {
	Kick()
}

type Engine struct {
	registry    *catalog.Registry
	contacts    contact.Store
	tracker     *enrollment.Tracker
	emails      action.EmailSender
	executor    *action.Executor
	scheduler   Kicker
	producer    broker.Producer
	outputTopic string
	log         logger.Logger
}

func NewEngine(
	registry *catalog.Registry,
	contacts contact.Store,
	tracker *enrollment.Tracker,
	emails action.EmailSender,
	tasks action.TaskCreator,
	notifier action.Notifier,
	scheduler Kicker,
	producer broker.Producer,
	outputTopic string,
	log logger.Logger,
) *Engine {
	e := &Engine{
		registry:    registry,
		contacts:    contacts,
		tracker:     tracker,
		emails:      emails,
		scheduler:   scheduler,
		producer:    producer,
		outputTopic: outputTopic,
		log:         log,
	}
	e.executor = action.NewExecutor(emails, tasks, notifier, contacts, e.onScoreChange, log)
	return e
}

// HandleFormSubmit records a form submission for the contact.
func (e *Engine) HandleFormSubmit(ctx context.Context, contactID, formType string, extra map[string]interface{}) error {
	ev := models.NewEventBuilder(models.EventFormSubmit).
		WithContact(contactID).
		WithAttributes(extra).
		WithAttribute(models.AttrFormType, formType).
		Build()
	return e.ProcessEvent(ctx, *ev)
}

// HandlePageVisit records a page visit for the contact.
func (e *Engine) HandlePageVisit(ctx context.Context, contactID, page string, durationMs int) error {
	ev := models.NewEventBuilder(models.EventPageVisit).
		WithContact(contactID).
		WithAttribute(models.AttrPage, page).
		WithAttribute(models.AttrDurationMs, durationMs).
		Build()
	return e.ProcessEvent(ctx, *ev)
}

// HandleLeadScoreChange records an externally observed score transition.
func (e *Engine) HandleLeadScoreChange(ctx context.Context, contactID string, oldScore, newScore int) error {
	ev := models.NewEventBuilder(models.EventLeadScoreChange).
		WithContact(contactID).
		WithAttribute(models.AttrOldScore, oldScore).
		WithAttribute(models.AttrNewScore, newScore).
		Build()
	return e.ProcessEvent(ctx, *ev)
}

// ProcessEvent is the single entry point every trigger flows through:
// validate, enrich with contact state, enroll into matching sequences, fire
// matching rules.
func (e *Engine) ProcessEvent(ctx context.Context, ev models.Event) error {
	start := time.Now()

	if err := models.ValidateEvent(&ev); err != nil {
		metrics.EventsProcessedTotal.WithLabelValues(string(ev.Kind), "invalid").Inc()
		appErr := errors.ErrValidation.WithCause(err)
		if verr, ok := err.(*models.ValidationError); ok {
			appErr = appErr.
				WithDetail("message", verr.Message).
				WithDetail("field", verr.Field)
		}
		return appErr
	}

	ctx = logging.WithEventID(ctx, ev.ID)
	ctx = logging.WithContactID(ctx, ev.ContactID)

	c, err := e.contacts.GetOrCreate(ctx, ev.ContactID)
	if err != nil {
		metrics.EventsProcessedTotal.WithLabelValues(string(ev.Kind), "error").Inc()
		return errors.Wrap(err, errors.ErrInternal)
	}

	// The snapshot was read before tagging, so fold the tag this very event
	// derived into it: an event's own interest must be visible to its own
	// conditions.
	if tag := e.tagInterests(ctx, ev); tag != "" {
		c.Interests = appendInterest(c.Interests, tag)
	}

	// Conditions can reference the contact's current state alongside the
	// event payload.
	ev.SetAttribute(models.AttrContactScore, c.Score)
	ev.SetAttribute(models.AttrContactTier, string(c.Tier))
	ev.SetAttribute(models.AttrContactInterest, c.Interests)

	enrolled := e.enrollMatching(ctx, ev)
	fired := e.fireMatching(ctx, ev)

	e.publishOutcome(ctx, ev, enrolled, fired)

	metrics.EventsProcessedTotal.WithLabelValues(string(ev.Kind), "processed").Inc()
	metrics.ObserveEventProcessing(string(ev.Kind), time.Since(start))
	e.log.InfowCtx(ctx, "Event processed",
		"kind", string(ev.Kind),
		"sequences_enrolled", enrolled,
		"rules_fired", fired,
	)
	return nil
}

func (e *Engine) enrollMatching(ctx context.Context, ev models.Event) int {
	sequences := e.registry.FindMatchingSequences(ctx, ev)
	enrolled := 0
	for _, seq := range sequences {
		_, err := e.tracker.Enroll(ctx, ev.ContactID, seq, ev.Timestamp)
		if err != nil {
			if err != enrollment.ErrAlreadyEnrolled {
				e.log.ErrorwCtx(ctx, "Enrollment failed",
					"sequence_id", seq.ID,
					"error", err,
				)
			}
			continue
		}
		if err := e.contacts.AddSequence(ctx, ev.ContactID, seq.ID); err != nil {
			e.log.WarnwCtx(ctx, "Failed to record sequence on contact",
				"sequence_id", seq.ID,
				"error", err,
			)
		}
		enrolled++
	}

	if enrolled > 0 && e.scheduler != nil {
		e.scheduler.Kick()
	}
	return enrolled
}

func (e *Engine) fireMatching(ctx context.Context, ev models.Event) int {
	rules := e.registry.FindMatchingRules(ctx, ev)
	for _, rule := range rules {
		e.log.DebugwCtx(ctx, "Rule matched",
			"rule_id", rule.ID,
		)
		e.executor.ExecuteAll(ctx, ev, rule.ID, rule.Actions)
	}
	return len(rules)
}

// tagInterests derives an interest tag from the event payload (the form type
// for submissions, the first path segment for page visits), records it on the
// contact, and returns the tag that was persisted.
func (e *Engine) tagInterests(ctx context.Context, ev models.Event) string {
	var tag string
	switch ev.Kind {
	case models.EventFormSubmit:
		if v, ok := ev.GetAttribute(models.AttrFormType); ok {
			tag, _ = v.(string)
		}
	case models.EventPageVisit:
		if v, ok := ev.GetAttribute(models.AttrPage); ok {
			if page, ok := v.(string); ok {
				tag = interestFromPage(page)
			}
		}
	}
	if tag == "" {
		return ""
	}
	if err := e.contacts.AddInterests(ctx, ev.ContactID, tag); err != nil {
		e.log.WarnwCtx(ctx, "Failed to tag interest",
			"interest", tag,
			"error", err,
		)
		return ""
	}
	return tag
}

func appendInterest(interests []string, tag string) []string {
	for _, existing := range interests {
		if existing == tag {
			return interests
		}
	}
	return append(interests, tag)
}

func interestFromPage(page string) string {
	trimmed := strings.Trim(page, "/")
	if trimmed == "" {
		return ""
	}
	if idx := strings.IndexByte(trimmed, '/'); idx > 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}

// onScoreChange feeds score mutations done by rule actions back through
// trigger evaluation as a lead_score_change event. The executor only invokes
// it for non-score-change origins, which bounds the feedback at one hop.
func (e *Engine) onScoreChange(ctx context.Context, contactID string, oldScore, newScore int, origin models.Event) {
	ev := models.NewEventBuilder(models.EventLeadScoreChange).
		WithContact(contactID).
		WithTimestamp(origin.Timestamp).
		WithAttribute(models.AttrOldScore, oldScore).
		WithAttribute(models.AttrNewScore, newScore).
		Build()

	if err := e.ProcessEvent(ctx, *ev); err != nil {
		e.log.ErrorwCtx(ctx, "Score change evaluation failed",
			"error", err,
		)
	}
}

// DispatchFire delivers one due sequence step. The scheduler calls this from
// its sweep; idempotency rests on the tracker's fired check-and-set, which
// runs after a successful send so delivery stays at-least-once.
func (e *Engine) DispatchFire(ctx context.Context, fire enrollment.ScheduledFire) error {
	ctx = logging.WithContactID(ctx, fire.ContactID)

	step, ok := e.registry.Step(fire.SequenceID, fire.StepID)
	if !ok {
		// The catalog no longer defines this step; parking the fire beats
		// retrying forever.
		return errors.ErrNotFound.
			WithDetail("message", "step not in catalog").
			WithDetail("sequence_id", fire.SequenceID).
			WithDetail("step_id", fire.StepID)
	}

	if len(step.Conditions) > 0 {
		skip, err := e.stepConditionsFail(ctx, fire.ContactID, step)
		if err != nil {
			return err
		}
		if skip {
			if _, err := e.tracker.MarkFired(ctx, fire.ContactID, fire.SequenceID, fire.StepID); err != nil {
				return errors.Wrap(err, errors.ErrInternal)
			}
			metrics.ScheduledFiresTotal.WithLabelValues("skipped").Inc()
			e.log.InfowCtx(ctx, "Sequence step skipped, conditions no longer hold",
				"sequence_id", fire.SequenceID,
				"step_id", fire.StepID,
			)
			return nil
		}
	}

	if err := e.emails.Send(ctx, fire.ContactID, step.Template, step.Params); err != nil {
		return err
	}

	fired, err := e.tracker.MarkFired(ctx, fire.ContactID, fire.SequenceID, fire.StepID)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal)
	}
	if !fired {
		e.log.DebugwCtx(ctx, "Step already marked fired, duplicate dispatch",
			"sequence_id", fire.SequenceID,
			"step_id", fire.StepID,
		)
		return nil
	}

	e.log.InfowCtx(ctx, "Sequence step sent",
		"sequence_id", fire.SequenceID,
		"step_id", fire.StepID,
		"template", step.Template,
	)
	return nil
}

// stepConditionsFail re-checks a step's conditions against the contact's
// state as of fire time, not enrollment time.
func (e *Engine) stepConditionsFail(ctx context.Context, contactID string, step catalog.Step) (bool, error) {
	c, err := e.contacts.Get(ctx, contactID)
	if err != nil {
		if errors.IsNotFound(err) {
			return true, nil
		}
		return false, errors.Wrap(err, errors.ErrInternal)
	}

	attrs := map[string]interface{}{
		models.AttrContactScore:    c.Score,
		models.AttrContactTier:     string(c.Tier),
		models.AttrContactInterest: c.Interests,
	}
	return !match.Matches(attrs, step.Conditions), nil
}

func (e *Engine) publishOutcome(ctx context.Context, ev models.Event, enrolled, fired int) {
	if e.producer == nil || e.outputTopic == "" {
		return
	}

	ev.SetAttribute("sequences_enrolled", enrolled)
	ev.SetAttribute("rules_fired", fired)
	if err := e.producer.Publish(ctx, e.outputTopic, ev); err != nil {
		e.log.WarnwCtx(ctx, "Failed to publish outcome",
			"topic", e.outputTopic,
			"error", err,
		)
	}
}
