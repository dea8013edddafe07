package reflex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	calls []string
	err   error
}

func (f *fakeDispatcher) Execute(_ context.Context, adapterID, entityID, property string, command map[string]any) error {
	f.calls = append(f.calls, adapterID+":"+entityID+":"+property)
	return f.err
}

func resolveAlways(id string) (string, bool) { return "adapter-" + id, true }

func TestHandleEventFiresFirstMatchingRule(t *testing.T) {
	disp := &fakeDispatcher{}
	m := New(disp, resolveAlways, []Rule{
		{ID: "r1", Enabled: true, Trigger: Trigger{DeviceID: "motion-1", EventType: "motion"}, Action: Action{DeviceID: "lamp-1", Property: "illumination", Command: map[string]any{"on": true}}},
		{ID: "r2", Enabled: true, Trigger: Trigger{DeviceID: "motion-1", EventType: "motion"}, Action: Action{DeviceID: "lamp-2", Property: "illumination"}},
	})

	m.HandleEvent(context.Background(), EventData{DeviceID: "motion-1", EventType: "motion"})
	require.Equal(t, []string{"adapter-lamp-1:lamp-1:illumination"}, disp.calls)
}

func TestHandleEventSkipsDisabledRules(t *testing.T) {
	disp := &fakeDispatcher{}
	m := New(disp, resolveAlways, []Rule{
		{ID: "r1", Enabled: false, Trigger: Trigger{DeviceID: "motion-1"}, Action: Action{DeviceID: "lamp-1"}},
	})

	m.HandleEvent(context.Background(), EventData{DeviceID: "motion-1", EventType: "motion"})
	require.Empty(t, disp.calls)
}

func TestHandleEventConditionStrictEquality(t *testing.T) {
	disp := &fakeDispatcher{}
	m := New(disp, resolveAlways, []Rule{
		{
			ID: "r1", Enabled: true,
			Trigger: Trigger{DeviceID: "door-1", Condition: map[string]any{"state": "open"}},
			Action:  Action{DeviceID: "alarm-1"},
		},
	})

	m.HandleEvent(context.Background(), EventData{DeviceID: "door-1", Data: map[string]any{"state": "closed"}})
	require.Empty(t, disp.calls)

	m.HandleEvent(context.Background(), EventData{DeviceID: "door-1", Data: map[string]any{"state": "open"}})
	require.Len(t, disp.calls, 1)
}

func TestHandleEventIgnoresAutomationTriggeredRules(t *testing.T) {
	disp := &fakeDispatcher{}
	m := New(disp, resolveAlways, []Rule{
		{ID: "r1", Enabled: true, Trigger: Trigger{AutomationID: "morning"}, Action: Action{DeviceID: "lamp-1"}},
	})

	m.HandleEvent(context.Background(), EventData{DeviceID: "lamp-1", EventType: "motion"})
	require.Empty(t, disp.calls)
}

func TestHandleAutomationFiresMatchingRules(t *testing.T) {
	disp := &fakeDispatcher{}
	m := New(disp, resolveAlways, []Rule{
		{ID: "r1", Enabled: true, Trigger: Trigger{AutomationID: "morning"}, Action: Action{DeviceID: "blinds-1"}},
		{ID: "r2", Enabled: true, Trigger: Trigger{AutomationID: "morning"}, Action: Action{DeviceID: "coffee-1"}},
		{ID: "r3", Enabled: true, Trigger: Trigger{AutomationID: "evening"}, Action: Action{DeviceID: "lamp-1"}},
	})

	m.HandleAutomation(context.Background(), "morning")
	require.ElementsMatch(t, []string{"adapter-blinds-1:blinds-1:", "adapter-coffee-1:coffee-1:"}, disp.calls)
}

func TestHandleAutomationSkipsWhenResolveFails(t *testing.T) {
	disp := &fakeDispatcher{}
	m := New(disp, func(string) (string, bool) { return "", false }, []Rule{
		{ID: "r1", Enabled: true, Trigger: Trigger{AutomationID: "morning"}, Action: Action{DeviceID: "lamp-1"}},
	})

	m.HandleAutomation(context.Background(), "morning")
	require.Empty(t, disp.calls)
}

func TestHandleEventContinuesAfterFailure(t *testing.T) {
	disp := &fakeDispatcher{err: context.DeadlineExceeded}
	m := New(disp, resolveAlways, []Rule{
		{ID: "r1", Enabled: true, Trigger: Trigger{DeviceID: "motion-1"}, Action: Action{DeviceID: "lamp-1"}},
	})

	m.HandleEvent(context.Background(), EventData{DeviceID: "motion-1", EventType: "motion"})
	require.Len(t, disp.calls, 1)

	m.HandleEvent(context.Background(), EventData{DeviceID: "motion-1", EventType: "motion"})
	require.Len(t, disp.calls, 2)
}
