package engine

import (
	"errors"
	"testing"
	"time"

	"mailflow/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStepEngine(t *testing.T, db *gorm.DB, ft *fakeTransport) *StepEngine {
	t.Helper()
	return NewStepEngine(db, ft, testLogger())
}

func createRule(t *testing.T, db *gorm.DB, userID uint, triggerType, triggerTag string, steps []models.Step) *models.AutomationRule {
	t.Helper()
	rule := &models.AutomationRule{
		UserID:      userID,
		Name:        "rule-" + triggerType,
		TriggerType: triggerType,
		TriggerTag:  triggerTag,
		Enabled:     true,
		Steps:       steps,
	}
	require.NoError(t, db.Create(rule).Error)
	return rule
}

func TestTriggerCreatesInitialAction(t *testing.T) {
	db := testDB(t)
	ft := &fakeTransport{}
	se := newTestStepEngine(t, db, ft)
	user := createUser(t, db)
	contact := createContact(t, db, user.ID, "a@example.com", "Ada")
	rule := createRule(t, db, user.ID, models.TriggerTagAdded, "vip", []models.Step{
		{Type: models.StepTypeSendEmail, Subject: "Welcome"},
	})

	triggered, err := se.Trigger(contact.ID, models.TriggerTagAdded, "vip")
	require.NoError(t, err)
	assert.Equal(t, 1, triggered)

	var action models.AutomationAction
	require.NoError(t, db.Where("automation_rule_id = ?", rule.ID).First(&action).Error)
	assert.Equal(t, 0, action.StepIndex)
	assert.Equal(t, models.ActionStatusPending, action.Status)

	var reloaded models.AutomationRule
	require.NoError(t, db.First(&reloaded, rule.ID).Error)
	assert.Equal(t, 1, reloaded.TriggerCount)
	assert.NotNil(t, reloaded.LastTriggeredAt)

	var logs []models.AutomationLog
	require.NoError(t, db.Where("automation_rule_id = ?", rule.ID).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "triggered", logs[0].EventType)
}

func TestTriggerLeadingWaitDelaysFirstAction(t *testing.T) {
	db := testDB(t)
	se := newTestStepEngine(t, db, &fakeTransport{})
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	se.Now = func() time.Time { return now }

	user := createUser(t, db)
	contact := createContact(t, db, user.ID, "a@example.com", "")
	rule := createRule(t, db, user.ID, models.TriggerTagAdded, "", []models.Step{
		{Type: models.StepTypeWait, DelayDays: 1, DelayHours: 2},
		{Type: models.StepTypeSendEmail, Subject: "Later"},
	})

	triggered, err := se.Trigger(contact.ID, models.TriggerTagAdded, "anything")
	require.NoError(t, err)
	require.Equal(t, 1, triggered)

	var action models.AutomationAction
	require.NoError(t, db.Where("automation_rule_id = ?", rule.ID).First(&action).Error)
	assert.Equal(t, 1, action.StepIndex)
	assert.WithinDuration(t, now.Add(26*time.Hour), action.ExecuteAt, time.Second)
}

func TestTriggerTagMatchIsCaseInsensitive(t *testing.T) {
	db := testDB(t)
	se := newTestStepEngine(t, db, &fakeTransport{})
	user := createUser(t, db)
	contact := createContact(t, db, user.ID, "a@example.com", "")
	createRule(t, db, user.ID, models.TriggerTagAdded, "VIP", []models.Step{
		{Type: models.StepTypeSendEmail, Subject: "Hi"},
	})

	triggered, err := se.Trigger(contact.ID, models.TriggerTagAdded, "other")
	require.NoError(t, err)
	assert.Equal(t, 0, triggered)

	triggered, err = se.Trigger(contact.ID, models.TriggerTagAdded, "vip")
	require.NoError(t, err)
	assert.Equal(t, 1, triggered)
}

func TestTriggerSkipsDuplicateActiveAction(t *testing.T) {
	db := testDB(t)
	se := newTestStepEngine(t, db, &fakeTransport{})
	user := createUser(t, db)
	contact := createContact(t, db, user.ID, "a@example.com", "")
	rule := createRule(t, db, user.ID, models.TriggerTagAdded, "vip", []models.Step{
		{Type: models.StepTypeSendEmail, Subject: "Hi"},
	})

	first, err := se.Trigger(contact.ID, models.TriggerTagAdded, "vip")
	require.NoError(t, err)
	second, err := se.Trigger(contact.ID, models.TriggerTagAdded, "vip")
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Equal(t, 0, second)

	var count int64
	db.Model(&models.AutomationAction{}).Where("automation_rule_id = ?", rule.ID).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestTriggerIgnoresDisabledAndWrongTypeRules(t *testing.T) {
	db := testDB(t)
	se := newTestStepEngine(t, db, &fakeTransport{})
	user := createUser(t, db)
	contact := createContact(t, db, user.ID, "a@example.com", "")

	disabled := createRule(t, db, user.ID, models.TriggerTagAdded, "", []models.Step{
		{Type: models.StepTypeSendEmail, Subject: "Hi"},
	})
	require.NoError(t, db.Model(disabled).Update("enabled", false).Error)
	createRule(t, db, user.ID, models.TriggerTagRemoved, "", []models.Step{
		{Type: models.StepTypeSendEmail, Subject: "Bye"},
	})

	triggered, err := se.Trigger(contact.ID, models.TriggerTagAdded, "vip")
	require.NoError(t, err)
	assert.Equal(t, 0, triggered)
}

func TestProcessDueWalksStepChain(t *testing.T) {
	db := testDB(t)
	ft := &fakeTransport{}
	se := newTestStepEngine(t, db, ft)
	current := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	se.Now = func() time.Time { return current }

	user := createUser(t, db)
	contact := createContact(t, db, user.ID, "ada@example.com", "Ada")
	rule := createRule(t, db, user.ID, models.TriggerTagAdded, "lead", []models.Step{
		{Type: models.StepTypeAddTag, Tag: "nurtured"},
		{Type: models.StepTypeWait, DelayHours: 1},
		{Type: models.StepTypeSendEmail, Subject: "Hi {{name}}", HTMLContent: "<p>Hey</p>", WebhookURL: "https://hooks.example.com/automation"},
	})

	_, err := se.Trigger(contact.ID, models.TriggerTagAdded, "lead")
	require.NoError(t, err)

	// First sweep executes add_tag and schedules the wait step an hour out.
	processed, failed, err := se.ProcessDue(50)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, failed)

	var reloadedContact models.Contact
	require.NoError(t, db.First(&reloadedContact, contact.ID).Error)
	assert.True(t, reloadedContact.HasTag("nurtured"))

	// Nothing is due until the wait elapses.
	processed, _, err = se.ProcessDue(50)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.Empty(t, ft.deliveries())

	// After the wait the chain continues through to the send.
	current = current.Add(time.Hour)
	processed, _, err = se.ProcessDue(50)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	processed, _, err = se.ProcessDue(50)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	deliveries := ft.deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "Hi Ada", deliveries[0].Subject)
	assert.Equal(t, rule.ID, deliveries[0].AutomationRuleID)
	assert.Equal(t, "https://hooks.example.com/automation", deliveries[0].WebhookURL)

	var completed int64
	db.Model(&models.AutomationAction{}).
		Where("automation_rule_id = ? AND status = ?", rule.ID, models.ActionStatusCompleted).
		Count(&completed)
	assert.Equal(t, int64(3), completed)
}

func TestProcessDueRespectsLimit(t *testing.T) {
	db := testDB(t)
	se := newTestStepEngine(t, db, &fakeTransport{})
	user := createUser(t, db)
	rule := createRule(t, db, user.ID, models.TriggerTagAdded, "", []models.Step{
		{Type: models.StepTypeAddTag, Tag: "seen"},
	})

	for i := 0; i < 5; i++ {
		contact := createContact(t, db, user.ID, uniqueEmail(i), "")
		_, err := se.Trigger(contact.ID, models.TriggerTagAdded, "x")
		require.NoError(t, err)
	}

	processed, _, err := se.ProcessDue(2)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	var pending int64
	db.Model(&models.AutomationAction{}).
		Where("automation_rule_id = ? AND status = ?", rule.ID, models.ActionStatusPending).
		Count(&pending)
	assert.Equal(t, int64(3), pending)
}

func TestLegacyActionConfigBehavesAsSingleSend(t *testing.T) {
	db := testDB(t)
	ft := &fakeTransport{}
	se := newTestStepEngine(t, db, ft)
	user := createUser(t, db)
	contact := createContact(t, db, user.ID, "ada@example.com", "Ada")

	rule := &models.AutomationRule{
		UserID:      user.ID,
		Name:        "legacy",
		TriggerType: models.TriggerTagAdded,
		Enabled:     true,
		ActionConfig: &models.LegacyActionConfig{
			Subject:     "Old style {{name}}",
			HTMLContent: "<p>legacy</p>",
			WebhookURL:  "https://hooks.example.com/legacy",
		},
	}
	require.NoError(t, db.Create(rule).Error)

	triggered, err := se.Trigger(contact.ID, models.TriggerTagAdded, "any")
	require.NoError(t, err)
	require.Equal(t, 1, triggered)

	processed, failed, err := se.ProcessDue(50)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, failed)

	deliveries := ft.deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "Old style Ada", deliveries[0].Subject)
	assert.Equal(t, "https://hooks.example.com/legacy", deliveries[0].WebhookURL)

	var count int64
	db.Model(&models.AutomationAction{}).Where("automation_rule_id = ?", rule.ID).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestTagGateSkipsWhenConditionFails(t *testing.T) {
	db := testDB(t)
	ft := &fakeTransport{}
	se := newTestStepEngine(t, db, ft)
	user := createUser(t, db)
	contact := createContact(t, db, user.ID, "a@example.com", "")
	rule := createRule(t, db, user.ID, models.TriggerTagAdded, "", []models.Step{
		{Type: models.StepTypeSendEmail, Subject: "VIP only", CheckTags: []string{"vip"}, CheckType: models.CheckTypeExists},
		{Type: models.StepTypeAddTag, Tag: "never-reached"},
	})

	_, err := se.Trigger(contact.ID, models.TriggerTagAdded, "x")
	require.NoError(t, err)

	processed, failed, err := se.ProcessDue(50)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, failed)
	assert.Empty(t, ft.deliveries())

	var action models.AutomationAction
	require.NoError(t, db.Where("automation_rule_id = ?", rule.ID).First(&action).Error)
	assert.Equal(t, models.ActionStatusSkipped, action.Status)
	assert.Equal(t, "Tag check condition not met", action.ErrorMessage)

	// A skip ends the chain: no follow-up action is scheduled.
	var count int64
	db.Model(&models.AutomationAction{}).Where("automation_rule_id = ?", rule.ID).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestTagGateNotExists(t *testing.T) {
	db := testDB(t)
	ft := &fakeTransport{}
	se := newTestStepEngine(t, db, ft)
	user := createUser(t, db)
	contact := createContact(t, db, user.ID, "a@example.com", "", "customer")
	createRule(t, db, user.ID, models.TriggerTagAdded, "", []models.Step{
		{Type: models.StepTypeSendEmail, Subject: "Prospects only", CheckTags: []string{"customer"}, CheckType: models.CheckTypeNotExists},
	})

	_, err := se.Trigger(contact.ID, models.TriggerTagAdded, "x")
	require.NoError(t, err)

	processed, _, err := se.ProcessDue(50)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Empty(t, ft.deliveries())
}

func TestTagGateUnknownCheckTypeSkips(t *testing.T) {
	db := testDB(t)
	ft := &fakeTransport{}
	se := newTestStepEngine(t, db, ft)
	user := createUser(t, db)
	contact := createContact(t, db, user.ID, "a@example.com", "", "vip")
	// Hand-inserted rules can carry check tags with a missing or bogus check
	// type; such a gate must not pass.
	rule := createRule(t, db, user.ID, models.TriggerTagAdded, "", []models.Step{
		{Type: models.StepTypeSendEmail, Subject: "Gated", CheckTags: []string{"vip"}},
	})

	_, err := se.Trigger(contact.ID, models.TriggerTagAdded, "x")
	require.NoError(t, err)

	processed, failed, err := se.ProcessDue(50)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, failed)
	assert.Empty(t, ft.deliveries())

	var action models.AutomationAction
	require.NoError(t, db.Where("automation_rule_id = ?", rule.ID).First(&action).Error)
	assert.Equal(t, models.ActionStatusSkipped, action.Status)
}

func TestStopStepEndsChain(t *testing.T) {
	db := testDB(t)
	ft := &fakeTransport{}
	se := newTestStepEngine(t, db, ft)
	user := createUser(t, db)
	contact := createContact(t, db, user.ID, "a@example.com", "")
	rule := createRule(t, db, user.ID, models.TriggerTagAdded, "", []models.Step{
		{Type: models.StepTypeStop},
		{Type: models.StepTypeSendEmail, Subject: "Unreachable"},
	})

	_, err := se.Trigger(contact.ID, models.TriggerTagAdded, "x")
	require.NoError(t, err)

	processed, failed, err := se.ProcessDue(50)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, failed)
	assert.Empty(t, ft.deliveries())

	var count int64
	db.Model(&models.AutomationAction{}).Where("automation_rule_id = ?", rule.ID).Count(&count)
	assert.Equal(t, int64(1), count)

	var reloaded models.AutomationRule
	require.NoError(t, db.First(&reloaded, rule.ID).Error)
	assert.Equal(t, 1, reloaded.SuccessCount)
}

func TestDisabledRuleSkipsDueActions(t *testing.T) {
	db := testDB(t)
	ft := &fakeTransport{}
	se := newTestStepEngine(t, db, ft)
	user := createUser(t, db)
	contact := createContact(t, db, user.ID, "a@example.com", "")
	rule := createRule(t, db, user.ID, models.TriggerTagAdded, "", []models.Step{
		{Type: models.StepTypeSendEmail, Subject: "Hi"},
	})

	_, err := se.Trigger(contact.ID, models.TriggerTagAdded, "x")
	require.NoError(t, err)
	require.NoError(t, db.Model(rule).Update("enabled", false).Error)

	processed, failed, err := se.ProcessDue(50)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, failed)
	assert.Empty(t, ft.deliveries())

	var action models.AutomationAction
	require.NoError(t, db.Where("automation_rule_id = ?", rule.ID).First(&action).Error)
	assert.Equal(t, models.ActionStatusSkipped, action.Status)
}

func TestUnsubscribedContactSkipsDueActions(t *testing.T) {
	db := testDB(t)
	ft := &fakeTransport{}
	se := newTestStepEngine(t, db, ft)
	user := createUser(t, db)
	contact := createContact(t, db, user.ID, "a@example.com", "")
	createRule(t, db, user.ID, models.TriggerTagAdded, "", []models.Step{
		{Type: models.StepTypeSendEmail, Subject: "Hi"},
	})

	_, err := se.Trigger(contact.ID, models.TriggerTagAdded, "x")
	require.NoError(t, err)
	require.NoError(t, db.Model(contact).Update("status", "unsubscribed").Error)

	processed, _, err := se.ProcessDue(50)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Empty(t, ft.deliveries())
}

func TestFailedDeliveryMarksActionFailed(t *testing.T) {
	db := testDB(t)
	ft := &fakeTransport{failFor: map[string]error{
		"a@example.com": errors.New("webhook returned status 502"),
	}}
	se := newTestStepEngine(t, db, ft)
	user := createUser(t, db)
	contact := createContact(t, db, user.ID, "a@example.com", "")
	rule := createRule(t, db, user.ID, models.TriggerTagAdded, "", []models.Step{
		{Type: models.StepTypeSendEmail, Subject: "Hi"},
	})

	_, err := se.Trigger(contact.ID, models.TriggerTagAdded, "x")
	require.NoError(t, err)

	processed, failed, err := se.ProcessDue(50)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 1, failed)

	var action models.AutomationAction
	require.NoError(t, db.Where("automation_rule_id = ?", rule.ID).First(&action).Error)
	assert.Equal(t, models.ActionStatusFailed, action.Status)
	assert.Contains(t, action.ErrorMessage, "502")

	var reloaded models.AutomationRule
	require.NoError(t, db.First(&reloaded, rule.ID).Error)
	assert.Equal(t, 1, reloaded.FailureCount)
}

func TestAddTagIsIdempotent(t *testing.T) {
	db := testDB(t)
	se := newTestStepEngine(t, db, &fakeTransport{})
	user := createUser(t, db)
	contact := createContact(t, db, user.ID, "a@example.com", "", "Hot")
	createRule(t, db, user.ID, models.TriggerTagAdded, "", []models.Step{
		{Type: models.StepTypeAddTag, Tag: "hot"},
	})

	_, err := se.Trigger(contact.ID, models.TriggerTagAdded, "x")
	require.NoError(t, err)

	processed, failed, err := se.ProcessDue(50)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, failed)

	var reloaded models.Contact
	require.NoError(t, db.First(&reloaded, contact.ID).Error)
	assert.Equal(t, []string{"Hot"}, reloaded.Tags)
}

func TestRemoveTagStep(t *testing.T) {
	db := testDB(t)
	se := newTestStepEngine(t, db, &fakeTransport{})
	user := createUser(t, db)
	contact := createContact(t, db, user.ID, "a@example.com", "", "trial", "lead")
	createRule(t, db, user.ID, models.TriggerTagAdded, "", []models.Step{
		{Type: models.StepTypeRemoveTag, Tag: "Trial"},
	})

	_, err := se.Trigger(contact.ID, models.TriggerTagAdded, "x")
	require.NoError(t, err)

	processed, _, err := se.ProcessDue(50)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	var reloaded models.Contact
	require.NoError(t, db.First(&reloaded, contact.ID).Error)
	assert.Equal(t, []string{"lead"}, reloaded.Tags)
}

func TestNextExecuteAt(t *testing.T) {
	base := time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC)

	at := nextExecuteAt(base, &models.Step{Type: models.StepTypeWait, DelayDays: 2, DelayHours: 3, DelayMinutes: 30})
	assert.Equal(t, time.Date(2026, 3, 12, 12, 45, 0, 0, time.UTC), at)

	// delay_time pins the clock on the computed date.
	at = nextExecuteAt(base, &models.Step{Type: models.StepTypeWait, DelayDays: 1, DelayTime: "9:30 AM"})
	assert.Equal(t, time.Date(2026, 3, 11, 9, 30, 0, 0, time.UTC), at)

	at = nextExecuteAt(base, &models.Step{Type: models.StepTypeWait, DelayTime: "21:05"})
	assert.Equal(t, time.Date(2026, 3, 10, 21, 5, 0, 0, time.UTC), at)

	// Non-wait steps run immediately.
	at = nextExecuteAt(base, &models.Step{Type: models.StepTypeSendEmail})
	assert.Equal(t, base, at)
}

func TestParseClockTime(t *testing.T) {
	cases := []struct {
		in     string
		hour   int
		minute int
		ok     bool
	}{
		{"9:30 AM", 9, 30, true},
		{"12:00 PM", 12, 0, true},
		{"12:00 AM", 0, 0, true},
		{"5 PM", 17, 0, true},
		{"21:30", 21, 30, true},
		{"0:00", 0, 0, true},
		{"25:00", 0, 0, false},
		{"abc", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tc := range cases {
		hour, minute, ok := parseClockTime(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.Equal(t, tc.hour, hour, tc.in)
			assert.Equal(t, tc.minute, minute, tc.in)
		}
	}
}

func uniqueEmail(i int) string {
	return string(rune('a'+i)) + "-contact@example.com"
}
