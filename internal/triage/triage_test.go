package triage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultClassificationMotionIsImmediate(t *testing.T) {
	c := New(Options{})
	lane := c.Classify(Event{DeviceID: "d1", EventType: "motion", At: time.Now()})
	require.Equal(t, LaneImmediate, lane)
}

func TestDefaultClassificationHeartbeatIsSilent(t *testing.T) {
	c := New(Options{})
	lane := c.Classify(Event{DeviceID: "d1", EventType: "heartbeat", At: time.Now()})
	require.Equal(t, LaneSilent, lane)
}

func TestDefaultClassificationSmallDeltaIsSilent(t *testing.T) {
	c := New(Options{})
	delta := 0.1
	lane := c.Classify(Event{DeviceID: "d1", EventType: "temperature", Delta: &delta, At: time.Now()})
	require.Equal(t, LaneSilent, lane)
}

func TestDefaultClassificationFallsBackToBatched(t *testing.T) {
	c := New(Options{})
	delta := 5.0
	lane := c.Classify(Event{DeviceID: "d1", EventType: "temperature", Delta: &delta, At: time.Now()})
	require.Equal(t, LaneBatched, lane)
}

func TestRuleSpecificityOrdering(t *testing.T) {
	var immediate []Event
	c := New(Options{
		Rules: []Rule{
			{EventType: "temperature", Lane: LaneBatched},
			{DeviceID: "d1", EventType: "temperature", Lane: LaneImmediate},
		},
		OnImmediate: func(e Event) { immediate = append(immediate, e) },
	})

	lane := c.Classify(Event{DeviceID: "d1", EventType: "temperature", At: time.Now()})
	require.Equal(t, LaneImmediate, lane)
	require.Len(t, immediate, 1)
}

func TestRuleDeltaThresholdForcesSilent(t *testing.T) {
	threshold := 2.0
	c := New(Options{
		Rules: []Rule{{DeviceID: "d1", Lane: LaneImmediate, DeltaThreshold: &threshold}},
	})

	small := 0.5
	lane := c.Classify(Event{DeviceID: "d1", EventType: "anything", Delta: &small, At: time.Now()})
	require.Equal(t, LaneSilent, lane)

	large := 3.0
	lane = c.Classify(Event{DeviceID: "d1", EventType: "anything", Delta: &large, At: time.Now()})
	require.Equal(t, LaneImmediate, lane)
}

func TestBatchedEventsFlushIntoSummary(t *testing.T) {
	var summaries []BatchSummary
	c := New(Options{OnBatch: func(b BatchSummary) { summaries = append(summaries, b) }})

	base := time.Unix(1000, 0)
	d1, d2 := 1.0, 3.0
	c.Classify(Event{DeviceID: "d1", EventType: "unknown_type", Delta: &d1, At: base, Data: map[string]any{"v": 1}})
	c.Classify(Event{DeviceID: "d1", EventType: "unknown_type", Delta: &d2, At: base.Add(5 * time.Second), Data: map[string]any{"v": 2}})

	c.Flush(base.Add(batchHold - time.Second))
	require.Empty(t, summaries, "flush before hold window elapses should not drain")

	c.Flush(base.Add(batchHold + time.Second))
	require.Len(t, summaries, 1)
	require.Equal(t, "d1", summaries[0].DeviceID)
	require.Equal(t, 2, summaries[0].Count)
	require.Equal(t, 1.0, summaries[0].MinDelta)
	require.Equal(t, 3.0, summaries[0].MaxDelta)
	require.Equal(t, 2.0, summaries[0].AvgDelta)
	require.Equal(t, map[string]any{"v": 2}, summaries[0].LastState)
}
