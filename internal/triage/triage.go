// Package triage classifies events emitted by adapter handles into
// delivery lanes for the downstream reasoning queue, and aggregates
// low-priority events into periodic batches (spec §4.7).
package triage

import (
	"sort"
	"sync"
	"time"
)

// Lane is the delivery priority assigned to an event.
type Lane string

const (
	LaneImmediate Lane = "immediate"
	LaneBatched   Lane = "batched"
	LaneSilent    Lane = "silent"
)

// batchHold is how long a batched event waits before its device's
// buffer is flushed (spec §4.7 "a periodic tick (~30s)").
const batchHold = 30 * time.Second

// Event is one state-change or lifecycle event entering triage.
type Event struct {
	DeviceID     string
	SpaceID      string
	EventType    string
	DeviceDomain string
	Area         string
	Data         map[string]any
	Delta        *float64
	At           time.Time
}

// Rule is a configured triage rule (spec §4.7 step 2). The zero value
// of each selector field means "don't care"; specificity is the sum of
// the weights of the selectors actually set.
type Rule struct {
	DeviceID       string
	EventType      string
	DeviceDomain   string
	Area           string
	Lane           Lane
	DeltaThreshold *float64
}

const (
	weightDeviceID     = 8
	weightEventType    = 4
	weightDeviceDomain = 2
	weightArea         = 1
)

func (r Rule) specificity() int {
	w := 0
	if r.DeviceID != "" {
		w += weightDeviceID
	}
	if r.EventType != "" {
		w += weightEventType
	}
	if r.DeviceDomain != "" {
		w += weightDeviceDomain
	}
	if r.Area != "" {
		w += weightArea
	}
	return w
}

func (r Rule) matches(e Event) bool {
	if r.DeviceID != "" && r.DeviceID != e.DeviceID {
		return false
	}
	if r.EventType != "" && r.EventType != e.EventType {
		return false
	}
	if r.DeviceDomain != "" && r.DeviceDomain != e.DeviceDomain {
		return false
	}
	if r.Area != "" && r.Area != e.Area {
		return false
	}
	return true
}

var defaultImmediateTypes = map[string]struct{}{
	"motion":  {},
	"contact": {},
	"lock":    {},
}

var defaultSilentTypes = map[string]struct{}{
	"heartbeat": {},
}

const smallDeltaThreshold = 0.5

// BatchSummary is the synthetic event produced when a device's
// buffered events are flushed (spec §4.7 "aggregating their events").
type BatchSummary struct {
	DeviceID  string
	LastState map[string]any
	MinDelta  float64
	MaxDelta  float64
	AvgDelta  float64
	Count     int
	SpanStart time.Time
	SpanEnd   time.Time
}

type deviceBuffer struct {
	events    []Event
	holdUntil time.Time
}

// Classifier assigns lanes to events and batches low-priority ones.
type Classifier struct {
	mu    sync.Mutex
	rules []Rule

	buffers map[string]*deviceBuffer

	onImmediate func(Event)
	onBatch     func(BatchSummary)

	stop chan struct{}
}

// Options configures a Classifier's outputs.
type Options struct {
	Rules       []Rule
	OnImmediate func(Event)
	OnBatch     func(BatchSummary)
}

// New returns a Classifier with rules sorted by decreasing specificity
// (spec §4.7 step 2: "sorted by decreasing specificity ... first match
// wins").
func New(opts Options) *Classifier {
	rules := make([]Rule, len(opts.Rules))
	copy(rules, opts.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].specificity() > rules[j].specificity()
	})

	return &Classifier{
		rules:       rules,
		buffers:     make(map[string]*deviceBuffer),
		onImmediate: opts.OnImmediate,
		onBatch:     opts.OnBatch,
	}
}

// Classify determines the lane for e and, for immediate events, calls
// OnImmediate synchronously; batched events are buffered for the next
// flush and silent events are dropped.
func (c *Classifier) Classify(e Event) Lane {
	lane := c.assignLane(e)

	switch lane {
	case LaneImmediate:
		if c.onImmediate != nil {
			c.onImmediate(e)
		}
	case LaneBatched:
		c.buffer(e)
	}
	return lane
}

func (c *Classifier) assignLane(e Event) Lane {
	for _, r := range c.rules {
		if !r.matches(e) {
			continue
		}
		if r.DeltaThreshold != nil && e.Delta != nil && absFloat(*e.Delta) < *r.DeltaThreshold {
			return LaneSilent
		}
		return r.Lane
	}
	return defaultLane(e)
}

func defaultLane(e Event) Lane {
	if _, ok := defaultImmediateTypes[e.EventType]; ok {
		return LaneImmediate
	}
	if _, ok := defaultSilentTypes[e.EventType]; ok {
		return LaneSilent
	}
	if e.Delta != nil && absFloat(*e.Delta) < smallDeltaThreshold {
		return LaneSilent
	}
	return LaneBatched
}

func (c *Classifier) buffer(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.buffers[e.DeviceID]
	if !ok {
		buf = &deviceBuffer{holdUntil: e.At.Add(batchHold)}
		c.buffers[e.DeviceID] = buf
	}
	buf.events = append(buf.events, e)
}

// Flush drains every device buffer whose hold window has elapsed as
// of now, delivering one BatchSummary per device via OnBatch.
func (c *Classifier) Flush(now time.Time) {
	c.mu.Lock()
	ready := make(map[string]*deviceBuffer)
	for id, buf := range c.buffers {
		if !now.Before(buf.holdUntil) {
			ready[id] = buf
			delete(c.buffers, id)
		}
	}
	c.mu.Unlock()

	for deviceID, buf := range ready {
		summary := summarize(deviceID, buf.events)
		if c.onBatch != nil {
			c.onBatch(summary)
		}
	}
}

func summarize(deviceID string, events []Event) BatchSummary {
	s := BatchSummary{DeviceID: deviceID, Count: len(events)}
	if len(events) == 0 {
		return s
	}

	s.SpanStart = events[0].At
	s.SpanEnd = events[0].At
	s.LastState = events[len(events)-1].Data

	var sum float64
	deltaCount := 0
	for _, e := range events {
		if e.At.Before(s.SpanStart) {
			s.SpanStart = e.At
		}
		if e.At.After(s.SpanEnd) {
			s.SpanEnd = e.At
		}
		if e.Delta == nil {
			continue
		}
		d := *e.Delta
		if deltaCount == 0 {
			s.MinDelta, s.MaxDelta = d, d
		} else {
			if d < s.MinDelta {
				s.MinDelta = d
			}
			if d > s.MaxDelta {
				s.MaxDelta = d
			}
		}
		sum += d
		deltaCount++
	}
	if deltaCount > 0 {
		s.AvgDelta = sum / float64(deltaCount)
	}
	return s
}

// RunTicker starts a background goroutine that calls Flush every
// ~30s (spec §4.7 "a periodic tick"). The returned stop function halts
// it.
func (c *Classifier) RunTicker() (stop func()) {
	ticker := time.NewTicker(batchHold)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case t := <-ticker.C:
				c.Flush(t)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
