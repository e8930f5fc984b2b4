package queue

import (
	"sort"
	"time"
)

// Strategy picks the next eligible entry for a clinic-day.
type Strategy interface {
	Mode() Mode
	// Order sorts entries into the discipline's display order, in place.
	Order(entries []*Entry)
	// SelectNext returns the first eligible entry at now, or false.
	SelectNext(entries []*Entry, now time.Time) (*Entry, bool)
}

// StrategyFactory builds a strategy from a clinic policy.
type StrategyFactory func(p Policy) Strategy

var strategies = map[Mode]StrategyFactory{
	ModeFlow:    func(Policy) Strategy { return FlowStrategy{} },
	ModeSlotted: func(p Policy) Strategy { return SlottedStrategy{EarlyWindow: p.EarlyCallWindow} },
}

// StrategyFor returns the strategy in force for the clinic on day. Unknown
// modes fall back to flow.
func StrategyFor(p Policy, day Day) Strategy {
	if factory, ok := strategies[p.ModeFor(day)]; ok {
		return factory(p)
	}
	return FlowStrategy{}
}

// callable is the eligibility rule shared by every discipline.
func callable(e *Entry) bool {
	return e.Status.PreService() && e.IsPresent && !e.excludedAsAbsent()
}

func byPosition(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].QueuePosition < entries[j].QueuePosition
	})
}

// FlowStrategy serves present patients strictly by queue position.
type FlowStrategy struct{}

func (FlowStrategy) Mode() Mode { return ModeFlow }

func (FlowStrategy) Order(entries []*Entry) { byPosition(entries) }

func (s FlowStrategy) SelectNext(entries []*Entry, _ time.Time) (*Entry, bool) {
	return firstCallable(entries, s.Order, func(*Entry) bool { return true })
}

// SlottedStrategy serves present patients whose slot has opened, earliest slot
// first. EarlyWindow lets a checked-in patient be called that long before
// their start time.
type SlottedStrategy struct {
	EarlyWindow time.Duration
}

func (SlottedStrategy) Mode() Mode { return ModeSlotted }

func (SlottedStrategy) Order(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		return a.QueuePosition < b.QueuePosition
	})
}

func (s SlottedStrategy) SelectNext(entries []*Entry, now time.Time) (*Entry, bool) {
	return firstCallable(entries, s.Order, func(e *Entry) bool {
		return !e.StartTime.Add(-s.EarlyWindow).After(now)
	})
}

func firstCallable(entries []*Entry, order func([]*Entry), open func(*Entry) bool) (*Entry, bool) {
	candidates := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if callable(e) && open(e) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	order(candidates)
	return candidates[0], true
}
