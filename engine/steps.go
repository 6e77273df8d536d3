package engine

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"mailflow/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StepEngine executes automation actions: per (rule, contact) instances that
// walk the rule's step list, one scheduled action per step. Every invocation
// is independent; all state lives in the automation_actions table. Errors are
// recorded on the action and never escape to the invoking scheduler.
type StepEngine struct {
	DB        *gorm.DB
	Logger    *log.Logger
	Transport Transport

	// Injectable clock for tests; defaults to time.Now.
	Now func() time.Time
}

func NewStepEngine(db *gorm.DB, transport Transport, logger *log.Logger) *StepEngine {
	return &StepEngine{
		DB:        db,
		Logger:    logger,
		Transport: transport,
		Now:       time.Now,
	}
}

// Trigger fires every enabled rule of the contact's owner whose trigger
// matches, creating the initial action for each. When a rule's first step is
// a wait, its delay is applied to the initial execute_at and the action
// starts at the step after it; otherwise the first step runs immediately.
// Returns the number of rules triggered.
func (se *StepEngine) Trigger(contactID uint, triggerType, tag string) (int, error) {
	var contact models.Contact
	if err := se.DB.First(&contact, contactID).Error; err != nil {
		return 0, fmt.Errorf("contact not found: %w", err)
	}

	var rules []models.AutomationRule
	if err := se.DB.
		Where("user_id = ? AND enabled = ? AND trigger_type = ?", contact.UserID, true, triggerType).
		Find(&rules).Error; err != nil {
		return 0, err
	}

	triggered := 0
	for i := range rules {
		rule := &rules[i]
		if rule.TriggerTag != "" && !strings.EqualFold(strings.TrimSpace(rule.TriggerTag), strings.TrimSpace(tag)) {
			continue
		}

		steps := rule.EffectiveSteps()
		if len(steps) == 0 {
			continue
		}

		stepIndex := 0
		executeAt := se.Now()
		if steps[0].Type == models.StepTypeWait {
			executeAt = nextExecuteAt(executeAt, &steps[0])
			stepIndex = 1
		}

		if se.hasActiveAction(rule.ID, contact.ID, stepIndex) {
			se.Logger.Printf("Rule %d already has an active action for contact %d step %d, skipping", rule.ID, contact.ID, stepIndex)
			continue
		}

		action := models.AutomationAction{
			AutomationRuleID: rule.ID,
			ContactID:        contact.ID,
			StepIndex:        stepIndex,
			Status:           models.ActionStatusPending,
			ExecuteAt:        executeAt,
		}
		if err := se.DB.Create(&action).Error; err != nil {
			se.Logger.Printf("Failed to create action for rule %d contact %d: %v", rule.ID, contact.ID, err)
			continue
		}

		now := se.Now()
		if err := se.DB.Model(rule).Updates(map[string]interface{}{
			"trigger_count":     gorm.Expr("trigger_count + ?", 1),
			"last_triggered_at": now,
		}).Error; err != nil {
			se.Logger.Printf("Failed to update trigger count for rule %d: %v", rule.ID, err)
		}

		se.writeLog(rule.ID, nil, contact.ID, "triggered", "success",
			fmt.Sprintf("Rule triggered by %s", triggerType))
		triggered++
	}

	return triggered, nil
}

// ProcessDue claims and executes up to limit due pending actions, oldest
// first. Returns how many executed to a terminal state and how many of those
// failed.
func (se *StepEngine) ProcessDue(limit int) (processed, failed int, err error) {
	var actions []models.AutomationAction
	if err := se.DB.
		Where("status = ? AND execute_at <= ?", models.ActionStatusPending, se.Now()).
		Order("execute_at").
		Limit(limit).
		Find(&actions).Error; err != nil {
		return 0, 0, err
	}

	for i := range actions {
		action := &actions[i]

		// Claim: only one invocation may move a pending action to executing.
		res := se.DB.Model(&models.AutomationAction{}).
			Where("id = ? AND status = ?", action.ID, models.ActionStatusPending).
			Update("status", models.ActionStatusExecuting)
		if res.Error != nil || res.RowsAffected == 0 {
			continue
		}

		if execErr := se.executeAction(action); execErr != nil {
			se.failAction(action, execErr)
			failed++
		}
		processed++
	}
	return processed, failed, nil
}

// executeAction runs one claimed action to a terminal state. Returning an
// error means the action should be marked failed; skips and completions are
// handled inside.
func (se *StepEngine) executeAction(action *models.AutomationAction) error {
	var rule models.AutomationRule
	if err := se.DB.First(&rule, action.AutomationRuleID).Error; err != nil || !rule.Enabled {
		se.skipAction(action, action.AutomationRuleID, action.ContactID, "Rule not found or disabled")
		return nil
	}

	// Refresh the contact so gates see the latest tags.
	var contact models.Contact
	if err := se.DB.First(&contact, action.ContactID).Error; err != nil || contact.Status != "subscribed" {
		se.skipAction(action, rule.ID, action.ContactID, "Contact not found or unsubscribed")
		return nil
	}

	steps := rule.EffectiveSteps()
	if len(steps) == 0 {
		return fmt.Errorf("no steps configured")
	}

	if action.StepIndex >= len(steps) {
		se.completeAction(action)
		return nil
	}
	step := &steps[action.StepIndex]

	if !se.gatePasses(step, &contact) {
		se.skipAction(action, rule.ID, contact.ID, "Tag check condition not met")
		return nil
	}

	switch step.Type {
	case models.StepTypeWait:
		// Waits take effect between steps; reaching one directly is a no-op.
	case models.StepTypeAddTag:
		if contact.AddTag(step.Tag) {
			if err := se.DB.Model(&contact).Update("tags", contact.Tags).Error; err != nil {
				return fmt.Errorf("failed to add tag: %w", err)
			}
		}
	case models.StepTypeRemoveTag:
		if contact.RemoveTag(step.Tag) {
			if err := se.DB.Model(&contact).Update("tags", contact.Tags).Error; err != nil {
				return fmt.Errorf("failed to remove tag: %w", err)
			}
		}
	case models.StepTypeSendEmail:
		if err := se.sendEmail(step, &contact, &rule); err != nil {
			return err
		}
	case models.StepTypeStop:
		se.completeAction(action)
		se.writeLog(rule.ID, &action.ID, contact.ID, "action_executed", "success",
			"Automation stopped at stop step")
		se.recordRuleSuccess(&rule)
		return nil
	default:
		return fmt.Errorf("unknown step type %q", step.Type)
	}

	// Schedule the next step, if any.
	nextIndex := action.StepIndex + 1
	if nextIndex < len(steps) {
		executeAt := nextExecuteAt(se.Now(), &steps[nextIndex])
		if !se.hasActiveAction(rule.ID, contact.ID, nextIndex) {
			next := models.AutomationAction{
				AutomationRuleID: rule.ID,
				ContactID:        contact.ID,
				StepIndex:        nextIndex,
				Status:           models.ActionStatusPending,
				ExecuteAt:        executeAt,
			}
			if err := se.DB.Create(&next).Error; err != nil {
				return fmt.Errorf("failed to schedule next step: %w", err)
			}
		}
	}

	se.completeAction(action)
	se.recordRuleSuccess(&rule)
	se.writeLog(rule.ID, &action.ID, contact.ID, "action_executed", "success",
		fmt.Sprintf("Step %d executed: %s", action.StepIndex+1, step.Type))
	return nil
}

func (se *StepEngine) sendEmail(step *models.Step, contact *models.Contact, rule *models.AutomationRule) error {
	subject := step.Subject
	if subject == "" {
		subject = "Hello"
	}

	d := Delivery{
		WebhookURL:       step.WebhookURL,
		To:               contact.Email,
		Subject:          Render(subject, contact),
		HTML:             Render(step.HTMLContent, contact),
		MessageID:        uuid.New().String(),
		AutomationRuleID: rule.ID,
		Contact: DeliveryContact{
			ID:        contact.ID,
			Email:     contact.Email,
			FirstName: contact.FirstName,
			LastName:  contact.LastName,
			Name:      ContactName(contact),
		},
	}
	return se.Transport.Deliver(context.Background(), d)
}

// gatePasses evaluates a step's optional tag condition against the contact.
func (se *StepEngine) gatePasses(step *models.Step, contact *models.Contact) bool {
	if len(step.CheckTags) == 0 {
		return true
	}
	for _, tag := range step.CheckTags {
		exists := contact.HasTag(tag)
		switch step.CheckType {
		case models.CheckTypeExists:
			if !exists {
				return false
			}
		case models.CheckTypeNotExists:
			if exists {
				return false
			}
		default:
			// Rows predating validation can carry tags with no check type;
			// an unrecognized check type never passes.
			return false
		}
	}
	return true
}

func (se *StepEngine) hasActiveAction(ruleID, contactID uint, stepIndex int) bool {
	var count int64
	se.DB.Model(&models.AutomationAction{}).
		Where("automation_rule_id = ? AND contact_id = ? AND step_index = ? AND status IN ?",
			ruleID, contactID, stepIndex,
			[]string{models.ActionStatusPending, models.ActionStatusExecuting}).
		Count(&count)
	return count > 0
}

func (se *StepEngine) completeAction(action *models.AutomationAction) {
	now := se.Now()
	if err := se.DB.Model(action).Updates(map[string]interface{}{
		"status":      models.ActionStatusCompleted,
		"executed_at": now,
	}).Error; err != nil {
		se.Logger.Printf("Failed to complete action %d: %v", action.ID, err)
	}
}

func (se *StepEngine) skipAction(action *models.AutomationAction, ruleID, contactID uint, reason string) {
	now := se.Now()
	if err := se.DB.Model(action).Updates(map[string]interface{}{
		"status":        models.ActionStatusSkipped,
		"executed_at":   now,
		"error_message": reason,
	}).Error; err != nil {
		se.Logger.Printf("Failed to skip action %d: %v", action.ID, err)
	}
	se.writeLog(ruleID, &action.ID, contactID, "action_skipped", "skipped", reason)
}

func (se *StepEngine) failAction(action *models.AutomationAction, cause error) {
	se.Logger.Printf("Action %d failed: %v", action.ID, cause)
	now := se.Now()
	if err := se.DB.Model(action).Updates(map[string]interface{}{
		"status":        models.ActionStatusFailed,
		"executed_at":   now,
		"error_message": cause.Error(),
	}).Error; err != nil {
		se.Logger.Printf("Failed to mark action %d failed: %v", action.ID, err)
	}
	if err := se.DB.Model(&models.AutomationRule{}).
		Where("id = ?", action.AutomationRuleID).
		Update("failure_count", gorm.Expr("failure_count + ?", 1)).Error; err != nil {
		se.Logger.Printf("Failed to bump failure count for rule %d: %v", action.AutomationRuleID, err)
	}
	se.writeLog(action.AutomationRuleID, &action.ID, action.ContactID, "action_failed", "failure", cause.Error())
}

func (se *StepEngine) recordRuleSuccess(rule *models.AutomationRule) {
	now := se.Now()
	if err := se.DB.Model(rule).Updates(map[string]interface{}{
		"success_count":     gorm.Expr("success_count + ?", 1),
		"last_triggered_at": now,
	}).Error; err != nil {
		se.Logger.Printf("Failed to bump success count for rule %d: %v", rule.ID, err)
	}
}

func (se *StepEngine) writeLog(ruleID uint, actionID *uint, contactID uint, eventType, status, message string) {
	entry := models.AutomationLog{
		AutomationRuleID:   ruleID,
		AutomationActionID: actionID,
		ContactID:          contactID,
		EventType:          eventType,
		Status:             status,
		Message:            message,
	}
	if err := se.DB.Create(&entry).Error; err != nil {
		se.Logger.Printf("Failed to write automation log: %v", err)
	}
}

// nextExecuteAt computes when a step becomes due, measured from base. Only
// wait steps delay execution: days, hours and minutes offset the base, and an
// optional delay_time pins the clock time of the computed date. delay_time
// accepts "9:30 AM" / "12:00 PM" (12-hour) or "21:30" (24-hour).
func nextExecuteAt(base time.Time, step *models.Step) time.Time {
	if step.Type != models.StepTypeWait {
		return base
	}

	at := base.
		AddDate(0, 0, step.DelayDays).
		Add(time.Duration(step.DelayHours)*time.Hour + time.Duration(step.DelayMinutes)*time.Minute)

	if step.DelayTime != "" {
		if hour, minute, ok := parseClockTime(step.DelayTime); ok {
			at = time.Date(at.Year(), at.Month(), at.Day(), hour, minute, 0, 0, at.Location())
		}
	}
	return at
}

func parseClockTime(s string) (hour, minute int, ok bool) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) == 0 {
		return 0, 0, false
	}

	parts := strings.Split(fields[0], ":")
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	if len(parts) > 1 {
		minute, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, false
		}
	}

	if len(fields) > 1 {
		switch strings.ToUpper(fields[1]) {
		case "PM":
			if hour != 12 {
				hour += 12
			}
		case "AM":
			if hour == 12 {
				hour = 0
			}
		}
	}

	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}
