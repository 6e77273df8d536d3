package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Automation step types.
const (
	StepTypeWait      = "wait"
	StepTypeSendEmail = "send_email"
	StepTypeAddTag    = "add_tag"
	StepTypeRemoveTag = "remove_tag"
	StepTypeStop      = "stop"
)

// Tag gate check types.
const (
	CheckTypeExists    = "exists"
	CheckTypeNotExists = "not_exists"
)

// Automation trigger types.
const (
	TriggerTagAdded   = "tag_added"
	TriggerTagRemoved = "tag_removed"
)

// Step is one unit of an automation sequence. Type selects which field group
// applies; ValidateSteps rejects malformed steps at rule-save time rather than
// at execution time.
type Step struct {
	Type string `json:"type"`

	// wait
	DelayDays    int    `json:"delay_days,omitempty"`
	DelayHours   int    `json:"delay_hours,omitempty"`
	DelayMinutes int    `json:"delay_minutes,omitempty"`
	DelayTime    string `json:"delay_time,omitempty"` // "9:30 AM" or "21:30"

	// send_email
	Subject     string `json:"subject,omitempty"`
	HTMLContent string `json:"html_content,omitempty"`
	WebhookURL  string `json:"webhook_url,omitempty"`

	// add_tag / remove_tag
	Tag string `json:"tag,omitempty"`

	// Optional gate: when CheckTags is set, the step only executes if the
	// contact's tag set satisfies CheckType; otherwise the action is skipped
	// and the chain ends.
	CheckTags []string `json:"check_tags,omitempty"`
	CheckType string   `json:"check_type,omitempty"`
}

// LegacyActionConfig is the pre-steps rule format: a rule carrying only this
// config behaves as a single send_email step.
type LegacyActionConfig struct {
	Subject     string `json:"subject,omitempty"`
	HTMLContent string `json:"html_content,omitempty"`
	WebhookURL  string `json:"webhook_url,omitempty"`
}

// AutomationRule is a user-authored multi-step sequence fired by a tag trigger.
// Edits affect only future scheduling; rules are never versioned.
type AutomationRule struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	TriggerType string `gorm:"not null" json:"trigger_type"` // tag_added, tag_removed
	TriggerTag  string `json:"trigger_tag"`                  // empty matches any tag
	Enabled     bool   `gorm:"default:true" json:"enabled"`

	Steps        []Step              `gorm:"type:jsonb;serializer:json" json:"steps"`
	ActionConfig *LegacyActionConfig `gorm:"type:jsonb;serializer:json" json:"action_config,omitempty"`

	// Counters
	TriggerCount    int        `gorm:"default:0" json:"trigger_count"`
	SuccessCount    int        `gorm:"default:0" json:"success_count"`
	FailureCount    int        `gorm:"default:0" json:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at"`
}

// EffectiveSteps returns the rule's step list, falling back to the legacy
// single send_email step when no steps are configured.
func (r *AutomationRule) EffectiveSteps() []Step {
	if len(r.Steps) > 0 {
		return r.Steps
	}
	if r.ActionConfig != nil {
		return []Step{{
			Type:        StepTypeSendEmail,
			Subject:     r.ActionConfig.Subject,
			HTMLContent: r.ActionConfig.HTMLContent,
			WebhookURL:  r.ActionConfig.WebhookURL,
		}}
	}
	return nil
}

// ValidateSteps checks every step of a rule for structural problems.
func ValidateSteps(steps []Step) error {
	for i, s := range steps {
		switch s.Type {
		case StepTypeWait:
			if s.DelayDays < 0 || s.DelayHours < 0 || s.DelayMinutes < 0 {
				return fmt.Errorf("step %d: negative wait duration", i+1)
			}
		case StepTypeSendEmail:
			if s.Subject == "" && s.HTMLContent == "" {
				return fmt.Errorf("step %d: send_email requires a subject or html content", i+1)
			}
		case StepTypeAddTag, StepTypeRemoveTag:
			if s.Tag == "" {
				return fmt.Errorf("step %d: %s requires a tag", i+1, s.Type)
			}
		case StepTypeStop:
		default:
			return fmt.Errorf("step %d: unknown step type %q", i+1, s.Type)
		}
		if s.CheckType != "" && s.CheckType != CheckTypeExists && s.CheckType != CheckTypeNotExists {
			return fmt.Errorf("step %d: unknown check type %q", i+1, s.CheckType)
		}
		if len(s.CheckTags) > 0 && s.CheckType == "" {
			return fmt.Errorf("step %d: check_tags requires a check_type", i+1)
		}
	}
	return nil
}

// Automation action statuses.
const (
	ActionStatusPending   = "pending"
	ActionStatusExecuting = "executing"
	ActionStatusCompleted = "completed"
	ActionStatusFailed    = "failed"
	ActionStatusSkipped   = "skipped"
)

// AutomationAction is one scheduled (rule, contact, step) execution. At most
// one pending or executing action exists per (rule, contact, step_index);
// Trigger and scheduling enforce this before inserting.
type AutomationAction struct {
	gorm.Model
	AutomationRuleID uint `gorm:"not null;index" json:"automation_rule_id"`
	ContactID        uint `gorm:"not null;index" json:"contact_id"`

	StepIndex int    `gorm:"default:0" json:"step_index"`
	Status    string `gorm:"default:'pending';index" json:"status"`

	ExecuteAt    time.Time  `gorm:"not null;index" json:"execute_at"`
	ExecutedAt   *time.Time `json:"executed_at"`
	ErrorMessage string     `json:"error_message"`
}

// AutomationLog is the append-only audit trail. The engine only ever inserts
// rows here; nothing reads them back.
type AutomationLog struct {
	gorm.Model
	AutomationRuleID   uint  `gorm:"index" json:"automation_rule_id"`
	AutomationActionID *uint `gorm:"index" json:"automation_action_id,omitempty"`
	ContactID          uint  `gorm:"index" json:"contact_id"`

	EventType string `gorm:"not null" json:"event_type"` // triggered, action_executed, action_skipped, action_failed
	Status    string `json:"status"`                     // success, skipped, failure
	Message   string `json:"message"`
}
