package automation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funnel/internal/catalog"
	"funnel/internal/contact"
	"funnel/internal/enrollment"
	"funnel/internal/logger"
	"funnel/pkg/errors"
	"funnel/pkg/models"
)

const testCatalog = `
sequences:
  - id: welcome_series
    name: Welcome series
    trigger: form_submit
    conditions:
      form_type: newsletter
    steps:
      - {id: welcome_1, template: welcome-email-1, delay: 0s}
      - {id: welcome_2, template: welcome-email-2, delay: 24h}
      - id: welcome_4
        template: welcome-email-4
        delay: 72h
        conditions:
          contact_tier: [warm, hot]
rules:
  - id: kontakt_engagement
    name: Kontakt page engagement
    trigger: page_visit
    conditions:
      page: ["/kontakt", "/kontakt/"]
      duration_ms:
        min: 10000
    actions:
      - type: update_lead_score
        delta: 15
  - id: hot_lead_alert
    name: Hot lead alert
    trigger: lead_score_change
    conditions:
      new_score:
        min: 15
    actions:
      - type: notify_party
        message: Lead crossed the hot threshold
        urgency: high
      - type: create_task
        title: Call the lead
        priority: high
        due_offset: 48h
`

type fakeEmails struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeEmails) Send(ctx context.Context, contactID, template string, params map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, contactID+":"+template)
	return nil
}

func (f *fakeEmails) templates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeTasks struct {
	mu      sync.Mutex
	created []string
}

func (f *fakeTasks) Create(ctx context.Context, contactID, title, priority string, dueAt time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, title)
	return fmt.Sprintf("task-%d", len(f.created)), nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Notify(ctx context.Context, contactID, message, urgency string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

type fakeKicker struct {
	mu    sync.Mutex
	kicks int
}

func (f *fakeKicker) Kick() {
	f.mu.Lock()
	f.kicks++
	f.mu.Unlock()
}

type capturingProducer struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *capturingProducer) Publish(ctx context.Context, topic string, ev models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturingProducer) Close() error { return nil }

type engineFixture struct {
	engine   *Engine
	contacts contact.Store
	store    *enrollment.MemoryStore
	emails   *fakeEmails
	tasks    *fakeTasks
	notifier *fakeNotifier
	kicker   *fakeKicker
	producer *capturingProducer
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	return newEngineFixtureWithCatalog(t, testCatalog)
}

func newEngineFixtureWithCatalog(t *testing.T, catalogYAML string) *engineFixture {
	t.Helper()
	cat, err := catalog.Parse([]byte(catalogYAML))
	require.NoError(t, err)

	log := logger.NopLogger()
	registry := catalog.NewRegistry(cat, log)
	contacts := contact.NewMemoryStore(contact.DefaultPolicy())
	store := enrollment.NewMemoryStore()
	tracker := enrollment.NewTracker(store, log)

	f := &engineFixture{
		contacts: contacts,
		store:    store,
		emails:   &fakeEmails{},
		tasks:    &fakeTasks{},
		notifier: &fakeNotifier{},
		kicker:   &fakeKicker{},
		producer: &capturingProducer{},
	}
	f.engine = NewEngine(registry, contacts, tracker, f.emails, f.tasks, f.notifier,
		f.kicker, f.producer, "automation_outcomes", log)
	return f
}

func TestFormSubmitEnrollsOnce(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleFormSubmit(ctx, "a@x.com", "newsletter", nil))

	pending, err := f.store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pending, "all welcome steps scheduled")
	assert.Equal(t, 1, f.kicker.kicks, "a fresh enrollment wakes the scheduler")

	c, err := f.contacts.Get(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Contains(t, c.Sequences, "welcome_series")
	assert.Contains(t, c.Interests, "newsletter")

	// The same trigger again must not re-enroll or reschedule.
	require.NoError(t, f.engine.HandleFormSubmit(ctx, "a@x.com", "newsletter", nil))
	pending, err = f.store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)
	assert.Equal(t, 1, f.kicker.kicks)
}

func TestFormSubmitOtherFormTypeNoEnrollment(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleFormSubmit(ctx, "a@x.com", "contact", nil))

	pending, err := f.store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestPageVisitScoresAndCascades(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// Long kontakt visit: +15 score, which crosses the hot-lead threshold and
	// must cascade into the lead_score_change rule.
	require.NoError(t, f.engine.HandlePageVisit(ctx, "a@x.com", "/kontakt", 12000))

	c, err := f.contacts.Get(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 15, c.Score)
	assert.Equal(t, contact.TierWarm, c.Tier)
	assert.Contains(t, c.Interests, "kontakt")

	assert.Equal(t, []string{"Lead crossed the hot threshold"}, f.notifier.messages)
	assert.Equal(t, []string{"Call the lead"}, f.tasks.created)
}

func TestPageVisitBelowDurationNoScore(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.HandlePageVisit(ctx, "a@x.com", "/kontakt", 3000))

	c, err := f.contacts.Get(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Score)
	assert.Empty(t, f.notifier.messages)
}

func TestLeadScoreChangeBelowThresholdNoAlert(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleLeadScoreChange(ctx, "a@x.com", 0, 10))
	assert.Empty(t, f.notifier.messages)

	require.NoError(t, f.engine.HandleLeadScoreChange(ctx, "a@x.com", 10, 20))
	assert.Equal(t, []string{"Lead crossed the hot threshold"}, f.notifier.messages)
}

func TestEventOwnInterestVisibleToConditions(t *testing.T) {
	// The interest derived from an event must already be in the attribute bag
	// when that same event's conditions are evaluated.
	f := newEngineFixtureWithCatalog(t, `
rules:
  - id: kontakt_interest
    trigger: page_visit
    conditions:
      contact_interests: [kontakt]
    actions:
      - type: notify_party
        message: Kontakt interest recorded
`)
	ctx := context.Background()

	require.NoError(t, f.engine.HandlePageVisit(ctx, "a@x.com", "/kontakt/team", 500))
	assert.Equal(t, []string{"Kontakt interest recorded"}, f.notifier.messages)

	require.NotEmpty(t, f.producer.events)
	out := f.producer.events[0]
	assert.Contains(t, out.Attributes["contact_interests"], "kontakt")
}

func TestProcessEventRejectsInvalid(t *testing.T) {
	f := newEngineFixture(t)

	err := f.engine.ProcessEvent(context.Background(), models.Event{
		ID:        "evt-1",
		Kind:      models.EventFormSubmit,
		Timestamp: time.Now(),
	})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	err = f.engine.ProcessEvent(context.Background(), models.Event{
		ID:        "evt-2",
		Kind:      "unknown_kind",
		ContactID: "a@x.com",
		Timestamp: time.Now(),
	})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestProcessEventPublishesOutcome(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleFormSubmit(ctx, "a@x.com", "newsletter", nil))

	require.NotEmpty(t, f.producer.events)
	out := f.producer.events[0]
	assert.Equal(t, "a@x.com", out.ContactID)
	assert.Equal(t, 1, out.Attributes["sequences_enrolled"])
}

func TestDispatchFireSendsAndMarks(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleFormSubmit(ctx, "a@x.com", "newsletter", nil))

	due, err := f.store.DueFires(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "welcome_1", due[0].StepID)

	require.NoError(t, f.engine.DispatchFire(ctx, due[0]))
	assert.Equal(t, []string{"a@x.com:welcome-email-1"}, f.emails.templates())

	// Delivering the same fire again is a no-op, not a second email.
	require.NoError(t, f.engine.DispatchFire(ctx, due[0]))
	assert.Len(t, f.emails.templates(), 2, "send happens before the fired check")

	due, err = f.store.DueFires(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "dispatched fire leaves the due set")
}

func TestDispatchFireFailedSendStaysPending(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleFormSubmit(ctx, "a@x.com", "newsletter", nil))
	due, err := f.store.DueFires(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	f.emails.err = errors.ErrServiceUnavailable.AsRetryable()
	require.Error(t, f.engine.DispatchFire(ctx, due[0]))

	// Not marked fired: the fire must remain claimable for the next sweep.
	fired, err := f.store.MarkFired(ctx, due[0].ContactID, due[0].SequenceID, due[0].StepID)
	require.NoError(t, err)
	assert.True(t, fired)
}

func TestDispatchFireRechecksStepConditions(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleFormSubmit(ctx, "a@x.com", "newsletter", nil))

	// welcome_4 requires a warm or hot contact at fire time. The contact is
	// still cold, so the step is consumed without sending.
	due, err := f.store.DueFires(ctx, time.Now().Add(80*time.Hour), 10)
	require.NoError(t, err)

	var conditional enrollment.ScheduledFire
	for _, fire := range due {
		if fire.StepID == "welcome_4" {
			conditional = fire
		}
	}
	require.Equal(t, "welcome_4", conditional.StepID)

	require.NoError(t, f.engine.DispatchFire(ctx, conditional))
	assert.NotContains(t, f.emails.templates(), "a@x.com:welcome-email-4")

	fired, err := f.store.MarkFired(ctx, "a@x.com", "welcome_series", "welcome_4")
	require.NoError(t, err)
	assert.False(t, fired, "skipped step is consumed")
}

func TestDispatchFireConditionHoldsAtFireTime(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleFormSubmit(ctx, "a@x.com", "newsletter", nil))
	// Warm the contact up before the conditional step fires.
	require.NoError(t, f.engine.HandlePageVisit(ctx, "a@x.com", "/kontakt", 12000))

	due, err := f.store.DueFires(ctx, time.Now().Add(80*time.Hour), 10)
	require.NoError(t, err)

	for _, fire := range due {
		if fire.StepID == "welcome_4" {
			require.NoError(t, f.engine.DispatchFire(ctx, fire))
		}
	}
	assert.Contains(t, f.emails.templates(), "a@x.com:welcome-email-4")
}

func TestDispatchFireUnknownStepIsPermanent(t *testing.T) {
	f := newEngineFixture(t)

	err := f.engine.DispatchFire(context.Background(), enrollment.ScheduledFire{
		ContactID:  "a@x.com",
		SequenceID: "welcome_series",
		StepID:     "removed_step",
	})
	require.Error(t, err)
	assert.True(t, errors.IsPermanent(err), "an uncataloged step must not be retried")
}
