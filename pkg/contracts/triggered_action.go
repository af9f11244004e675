package contracts

import (
	"fmt"
)

// Trigger schedules.
const (
	ScheduleSync    = "sync"
	ScheduleAsync   = "async"
	ScheduleEnqueue = "enqueue"
)

// Trigger modes. An empty mode means the rule fires on both.
const (
	ModeInsert = "insert"
	ModeUpdate = "update"
)

// TriggeredAction is a reactive policy: when a contract mutation matches
// the rule's filter (or when the rule's interval elapses), the declared
// action is requested against the resolved target.
type TriggeredAction struct {
	// ID is the rule's stable identity. Contracts created by the rule
	// carry it as their originator, forming an auditable causality chain.
	ID   string `json:"id"`
	Slug string `json:"slug"`

	// Filter is a JSON Schema the candidate contract must satisfy. It may
	// contain a $$links sub-schema referencing relationship constraints.
	Filter map[string]interface{} `json:"filter,omitempty"`
	// Interval is an ISO-8601 duration for time-based rules. A rule has
	// exactly one of Filter or Interval, never both, never neither.
	Interval string `json:"interval,omitempty"`

	Mode     string `json:"mode,omitempty"`
	Schedule string `json:"schedule,omitempty"` // default async

	// Action is the slug@version of the action to invoke.
	Action string `json:"action"`
	// Target is a contract id, an array of ids, or a template expression
	// evaluated against the matched contract.
	Target interface{} `json:"target"`
	// Arguments is a template object evaluated against the matched
	// contract and the current time.
	Arguments map[string]interface{} `json:"arguments"`

	StartDate string `json:"startDate,omitempty"`

	// TypeRef names the type the rule watches. Rules synthesized from a
	// type's computed-field formulas carry it so replacing the type can
	// deactivate them.
	TypeRef string `json:"type,omitempty"`
}

// Validate enforces the structural invariants of a rule. Malformed rules
// are configuration defects; they never reach the matcher.
func (t *TriggeredAction) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTrigger)
	}
	if t.Slug == "" {
		return fmt.Errorf("%w: missing slug in %s", ErrInvalidTrigger, t.ID)
	}
	if t.Action == "" {
		return fmt.Errorf("%w: missing action in %s", ErrInvalidTrigger, t.ID)
	}
	if t.Target == nil {
		return fmt.Errorf("%w: missing target in %s", ErrInvalidTrigger, t.ID)
	}
	if t.Arguments == nil {
		return fmt.Errorf("%w: missing arguments in %s", ErrInvalidTrigger, t.ID)
	}
	hasFilter := t.Filter != nil
	hasInterval := t.Interval != ""
	if hasFilter == hasInterval {
		return fmt.Errorf("%w: %s must declare exactly one of filter or interval", ErrInvalidTrigger, t.ID)
	}
	if t.Mode != "" && t.Mode != ModeInsert && t.Mode != ModeUpdate {
		return fmt.Errorf("%w: unknown mode %q in %s", ErrInvalidTrigger, t.Mode, t.ID)
	}
	switch t.Schedule {
	case "", ScheduleSync, ScheduleAsync, ScheduleEnqueue:
	default:
		return fmt.Errorf("%w: unknown schedule %q in %s", ErrInvalidTrigger, t.Schedule, t.ID)
	}
	return nil
}

// EffectiveSchedule returns the rule's schedule, defaulting to async.
func (t *TriggeredAction) EffectiveSchedule() string {
	if t.Schedule == "" {
		return ScheduleAsync
	}
	return t.Schedule
}

// TriggeredActionFromContract reads a rule out of its persisted
// triggered-action contract form.
func TriggeredActionFromContract(c *Contract) (*TriggeredAction, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil contract", ErrInvalidTrigger)
	}
	rule := &TriggeredAction{
		ID:   c.ID,
		Slug: c.Slug,
	}
	if filter, ok := c.Data["filter"].(map[string]interface{}); ok {
		rule.Filter = filter
	}
	if interval, ok := c.Data["interval"].(string); ok {
		rule.Interval = interval
	}
	if mode, ok := c.Data["mode"].(string); ok {
		rule.Mode = mode
	}
	if schedule, ok := c.Data["schedule"].(string); ok {
		rule.Schedule = schedule
	}
	if action, ok := c.Data["action"].(string); ok {
		rule.Action = action
	}
	rule.Target = c.Data["target"]
	if arguments, ok := c.Data["arguments"].(map[string]interface{}); ok {
		rule.Arguments = arguments
	}
	if startDate, ok := c.Data["startDate"].(string); ok {
		rule.StartDate = startDate
	}
	if typeRef, ok := c.Data["type"].(string); ok {
		rule.TypeRef = typeRef
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

// ToContractData renders the rule as the data payload of its persisted
// contract form.
func (t *TriggeredAction) ToContractData() map[string]interface{} {
	data := map[string]interface{}{
		"action":    t.Action,
		"target":    t.Target,
		"arguments": t.Arguments,
	}
	if t.Filter != nil {
		data["filter"] = t.Filter
	}
	if t.Interval != "" {
		data["interval"] = t.Interval
	}
	if t.Mode != "" {
		data["mode"] = t.Mode
	}
	if t.Schedule != "" {
		data["schedule"] = t.Schedule
	}
	if t.StartDate != "" {
		data["startDate"] = t.StartDate
	}
	if t.TypeRef != "" {
		data["type"] = t.TypeRef
	}
	return data
}
