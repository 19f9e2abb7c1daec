package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validCatalog = `
sequences:
  - id: welcome_series
    name: Welcome series
    trigger: form_submit
    conditions:
      form_type: newsletter
    steps:
      - id: welcome_1
        template: welcome-email-1
        delay: 0s
      - id: welcome_2
        template: welcome-email-2
        delay: 24h
      - id: welcome_3
        template: welcome-email-3
        delay: 72h
      - id: welcome_4
        template: welcome-email-4
        delay: 168h
        conditions:
          contact_tier: [warm, hot]

rules:
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
        due_offset: 24h
  - id: kontakt_engagement
    name: Contact page engagement
    trigger: page_visit
    conditions:
      page: ["/kontakt"]
      duration_ms:
        min: 30000
    actions:
      - type: update_lead_score
        delta: 5
`

func TestParseValidCatalog(t *testing.T) {
	cat, err := Parse([]byte(validCatalog))
	require.NoError(t, err)

	require.Len(t, cat.Sequences, 1)
	seq := cat.Sequences[0]
	assert.Equal(t, "welcome_series", seq.ID)
	require.Len(t, seq.Steps, 4)
	assert.Equal(t, time.Duration(0), seq.Steps[0].Delay)
	assert.Equal(t, 24*time.Hour, seq.Steps[1].Delay)
	assert.Equal(t, 168*time.Hour, seq.Steps[3].Delay)
	assert.NotEmpty(t, seq.Steps[3].Conditions)

	require.Len(t, cat.Rules, 2)
	rule := cat.Rules[0]
	require.Len(t, rule.Actions, 2)
	assert.Equal(t, ActionNotifyParty, rule.Actions[0].Kind())

	task, ok := rule.Actions[1].(CreateTask)
	require.True(t, ok)
	assert.Equal(t, 24*time.Hour, task.DueOffset)
}

func TestParseDefaultsUrgencyAndPriority(t *testing.T) {
	cat, err := Parse([]byte(`
rules:
  - id: rule
    trigger: form_submit
    actions:
      - type: notify_party
        message: hello
      - type: create_task
        title: follow up
`))
	require.NoError(t, err)

	require.Len(t, cat.Rules, 1)
	notify, ok := cat.Rules[0].Actions[0].(NotifyParty)
	require.True(t, ok)
	assert.Equal(t, "normal", notify.Urgency)

	task, ok := cat.Rules[0].Actions[1].(CreateTask)
	require.True(t, ok)
	assert.Equal(t, "medium", task.Priority)
}

func TestParseRejectsInvalidCatalogs(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "duplicate sequence id",
			yaml: `
sequences:
  - id: dup
    trigger: form_submit
    steps:
      - {id: s1, template: t1, delay: 0s}
  - id: dup
    trigger: form_submit
    steps:
      - {id: s1, template: t1, delay: 0s}
`,
			wantErr: "duplicate sequence id",
		},
		{
			name: "unknown trigger kind",
			yaml: `
sequences:
  - id: seq
    trigger: form_submitted
    steps:
      - {id: s1, template: t1, delay: 0s}
`,
			wantErr: "unknown trigger kind",
		},
		{
			name: "negative delay",
			yaml: `
sequences:
  - id: seq
    trigger: form_submit
    steps:
      - {id: s1, template: t1, delay: -5m}
`,
			wantErr: "must not be negative",
		},
		{
			name: "missing step template",
			yaml: `
sequences:
  - id: seq
    trigger: form_submit
    steps:
      - {id: s1, delay: 0s}
`,
			wantErr: "template is required",
		},
		{
			name: "sequence without steps",
			yaml: `
sequences:
  - id: seq
    trigger: form_submit
    steps: []
`,
			wantErr: "at least one step",
		},
		{
			name: "unknown action type",
			yaml: `
rules:
  - id: rule
    trigger: form_submit
    actions:
      - type: fire_missiles
`,
			wantErr: "unknown action type",
		},
		{
			name: "rule without actions",
			yaml: `
rules:
  - id: rule
    trigger: form_submit
    actions: []
`,
			wantErr: "at least one action",
		},
		{
			name: "unknown urgency",
			yaml: `
rules:
  - id: rule
    trigger: form_submit
    actions:
      - type: notify_party
        message: hello
        urgency: critical
`,
			wantErr: "unknown urgency",
		},
		{
			name: "unknown priority",
			yaml: `
rules:
  - id: rule
    trigger: form_submit
    actions:
      - type: create_task
        title: follow up
        priority: urgent
`,
			wantErr: "unknown priority",
		},
		{
			name: "invalid CEL expression",
			yaml: `
rules:
  - id: rule
    trigger: form_submit
    expression: "this is !! not CEL"
    actions:
      - type: update_lead_score
        delta: 1
`,
			wantErr: "expression",
		},
		{
			name: "non-bool CEL expression",
			yaml: `
rules:
  - id: rule
    trigger: form_submit
    expression: "attributes.form_type"
    actions:
      - type: update_lead_score
        delta: 1
`,
			wantErr: "must return bool",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
