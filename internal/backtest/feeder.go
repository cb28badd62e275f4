package backtest

import (
	"container/heap"
	"errors"
	"io"

	"github.com/coachpo/meltica-trader/internal/schema"
)

// DataFeeder yields historical observations and io.EOF when exhausted.
type DataFeeder interface {
	Next() (schema.Observation, error)
}

// SliceFeeder replays an in-memory sequence.
type SliceFeeder struct {
	items []schema.Observation
	pos   int
}

// NewSliceFeeder builds a feeder over obs in the given order.
func NewSliceFeeder(obs ...schema.Observation) *SliceFeeder {
	return &SliceFeeder{items: append([]schema.Observation(nil), obs...)}
}

// Next implements DataFeeder.
func (f *SliceFeeder) Next() (schema.Observation, error) {
	if f.pos >= len(f.items) {
		return schema.Observation{}, io.EOF
	}
	obs := f.items[f.pos]
	f.pos++
	return obs, nil
}

type queued struct {
	obs    schema.Observation
	source int
	index  int
}

// eventQueue orders pending observations by event time, sequence, instrument, then feeder.
type eventQueue []*queued

func (eq eventQueue) Len() int { return len(eq) }

func (eq eventQueue) Less(i, j int) bool {
	a, b := eq[i].obs, eq[j].obs
	if !a.EventTime.Equal(b.EventTime) {
		return a.EventTime.Before(b.EventTime)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	if a.Instrument != b.Instrument {
		return a.Instrument < b.Instrument
	}
	return eq[i].source < eq[j].source
}

func (eq eventQueue) Swap(i, j int) {
	eq[i], eq[j] = eq[j], eq[i]
	eq[i].index = i
	eq[j].index = j
}

func (eq *eventQueue) Push(x any) {
	item := x.(*queued)
	item.index = len(*eq)
	*eq = append(*eq, item)
}

func (eq *eventQueue) Pop() any {
	old := *eq
	n := len(old)
	item := old[n-1]
	item.index = -1
	*eq = old[:n-1]
	return item
}

// merger interleaves several feeders by holding one pending observation per feeder.
type merger struct {
	feeders []DataFeeder
	queue   eventQueue
	primed  bool
}

func newMerger(feeders []DataFeeder) *merger {
	return &merger{feeders: feeders}
}

func (m *merger) pull(source int) error {
	obs, err := m.feeders[source].Next()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}
	heap.Push(&m.queue, &queued{obs: obs, source: source})
	return nil
}

// Next returns the earliest pending observation across all feeders.
func (m *merger) Next() (schema.Observation, error) {
	if !m.primed {
		m.primed = true
		heap.Init(&m.queue)
		for i := range m.feeders {
			if err := m.pull(i); err != nil {
				return schema.Observation{}, err
			}
		}
	}
	if m.queue.Len() == 0 {
		return schema.Observation{}, io.EOF
	}
	item := heap.Pop(&m.queue).(*queued)
	if err := m.pull(item.source); err != nil {
		return schema.Observation{}, err
	}
	return item.obs, nil
}
