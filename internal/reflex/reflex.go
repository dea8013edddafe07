// Package reflex matches events and automation triggers against
// configured rules and fires the corresponding command (spec §4.8).
package reflex

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Trigger selects when a rule may fire. A zero-value field is
// "don't care": a rule with AutomationID set is only fired by
// HandleAutomation, and a rule with none of DeviceID, EventType or
// AutomationID set matches every event passed to HandleEvent.
type Trigger struct {
	DeviceID     string
	EventType    string
	AutomationID string
	Condition    map[string]any
}

// Action is the command a firing rule issues.
type Action struct {
	DeviceID string
	Property string
	Command  map[string]any
}

// Rule is one reflex automation (spec §4.8).
type Rule struct {
	ID      string
	Trigger Trigger
	Action  Action
	Reason  string
	Enabled bool
}

// Dispatcher issues a command through the normal dispatch path;
// satisfied by internal/supervisor.Supervisor.Execute.
type Dispatcher interface {
	Execute(ctx context.Context, adapterID, entityID, property string, command map[string]any) error
}

// FireRecorder is the subset of internal/metrics.Collectors the
// matcher needs; satisfied by *metrics.Collectors.
type FireRecorder interface {
	IncReflexFired(ruleID string)
	IncReflexFailed(ruleID string)
}

// EventData is the (deviceId, eventType, data) a Matcher evaluates
// rules against.
type EventData struct {
	DeviceID  string
	EventType string
	Data      map[string]any
}

// Matcher holds configured rules and fires them against events and
// automation triggers.
type Matcher struct {
	mu         sync.RWMutex
	rules      []Rule
	dispatcher Dispatcher
	// resolveAdapter maps a deviceId (reflex's action target) to the
	// adapterId the dispatcher addresses it through.
	resolveAdapter func(deviceID string) (adapterID string, ok bool)
	metrics        FireRecorder
}

// New returns a Matcher with the given rules.
func New(dispatcher Dispatcher, resolveAdapter func(deviceID string) (string, bool), rules []Rule) *Matcher {
	return &Matcher{
		rules:          append([]Rule(nil), rules...),
		dispatcher:     dispatcher,
		resolveAdapter: resolveAdapter,
	}
}

// SetMetrics wires a fire recorder in after construction, mirroring
// internal/supervisor.Supervisor.SetMetrics.
func (m *Matcher) SetMetrics(rec FireRecorder) {
	m.metrics = rec
}

// SetRules atomically replaces the configured rule set.
func (m *Matcher) SetRules(rules []Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append([]Rule(nil), rules...)
}

// HandleEvent walks enabled device/event-triggered rules and fires the
// first match whose condition holds (spec §4.8 "fires the first
// match"). Failures are logged and do not inhibit subsequent rules.
func (m *Matcher) HandleEvent(ctx context.Context, e EventData) {
	m.mu.RLock()
	rules := m.rules
	m.mu.RUnlock()

	for _, r := range rules {
		if !r.Enabled || r.Trigger.AutomationID != "" {
			continue
		}
		if r.Trigger.DeviceID != "" && r.Trigger.DeviceID != e.DeviceID {
			continue
		}
		if r.Trigger.EventType != "" && r.Trigger.EventType != e.EventType {
			continue
		}
		if !conditionMatches(r.Trigger.Condition, e.Data) {
			continue
		}
		m.fire(ctx, r)
		return
	}
}

// HandleAutomation fires every enabled rule whose trigger names
// automationID (spec §4.8 "a separate entry point fires rules whose
// trigger references an automation id").
func (m *Matcher) HandleAutomation(ctx context.Context, automationID string) {
	m.mu.RLock()
	rules := m.rules
	m.mu.RUnlock()

	for _, r := range rules {
		if !r.Enabled || r.Trigger.AutomationID != automationID {
			continue
		}
		m.fire(ctx, r)
	}
}

func conditionMatches(condition, data map[string]any) bool {
	for k, want := range condition {
		got, ok := data[k]
		if !ok {
			continue // "skipping absent keys" (spec §4.8)
		}
		if got != want {
			return false
		}
	}
	return true
}

func (m *Matcher) fire(ctx context.Context, r Rule) {
	adapterID, ok := m.resolveAdapter(r.Action.DeviceID)
	if !ok {
		log.Warn().Str("ruleId", r.ID).Str("deviceId", r.Action.DeviceID).Msg("Reflex rule target has no known adapter route")
		return
	}

	err := m.dispatcher.Execute(ctx, adapterID, r.Action.DeviceID, r.Action.Property, r.Action.Command)
	if err != nil {
		log.Warn().Err(err).Str("ruleId", r.ID).Msg("Reflex rule action failed")
		if m.metrics != nil {
			m.metrics.IncReflexFailed(r.ID)
		}
		return
	}
	log.Info().Str("ruleId", r.ID).Str("reason", r.Reason).Msg("Reflex rule fired")
	if m.metrics != nil {
		m.metrics.IncReflexFired(r.ID)
	}
}
