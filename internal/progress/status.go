// Package progress implements the per-phase status machine and retry
// orchestrator (spec C10): every named recipe step is tracked through a
// small state machine, published to any number of subscribers over an
// unbounded fan-out, and retried under a deadline with a cancellation-vs-
// retry distinction the teacher's own retry loop never needed.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/coreos/pkg/capnslog"
)

var plog = capnslog.NewPackageLogger("github.com/sbtinstruments/wright", "progress")

// StepStatus is one of Idle, Running, Completed, Cancelled, Failed, or
// Skipped (spec §4 "StepStatus"). Represented as an interface over exported
// variant structs, sealed by the unexported isStepStatus method, rather
// than one struct with unused fields,
// since each phase carries a different subset of (expected, tries,
// begin_at, end_at, err).
type StepStatus interface {
	isStepStatus()
	String() string
}

// Idle is a step that has not yet run.
type Idle struct {
	MaxTries int
}

func (Idle) isStepStatus()    {}
func (i Idle) String() string { return fmt.Sprintf("idle(max_tries=%d)", i.MaxTries) }

// Running is a step currently executing (or about to retry).
type Running struct {
	MaxTries int
	Tries    int
	BeginAt  time.Time
}

func (Running) isStepStatus() {}
func (r Running) String() string {
	return fmt.Sprintf("running(try=%d/%d, begin=%s)", r.Tries, r.MaxTries, r.BeginAt.Format(time.RFC3339))
}

// Completed is a step that returned successfully.
type Completed struct {
	MaxTries int
	Tries    int
	BeginAt  time.Time
	EndAt    time.Time
}

func (Completed) isStepStatus() {}
func (c Completed) String() string {
	return fmt.Sprintf("completed(tries=%d, duration=%s)", c.Tries, c.EndAt.Sub(c.BeginAt))
}

// Cancelled is a step that exited because its context was cancelled; never
// retried (spec §7 "Cancellation ... is terminal").
type Cancelled struct {
	MaxTries int
	Tries    int
	BeginAt  time.Time
	EndAt    time.Time
}

func (Cancelled) isStepStatus() {}
func (c Cancelled) String() string {
	return fmt.Sprintf("cancelled(tries=%d, duration=%s)", c.Tries, c.EndAt.Sub(c.BeginAt))
}

// Failed is a step that exhausted MaxTries without succeeding.
type Failed struct {
	MaxTries int
	Tries    int
	BeginAt  time.Time
	EndAt    time.Time
	Err      error
}

func (Failed) isStepStatus() {}
func (f Failed) String() string {
	return fmt.Sprintf("failed(tries=%d, err=%v)", f.Tries, f.Err)
}

// Skipped is a step a recipe chose not to run (e.g. an optional phase).
type Skipped struct{}

func (Skipped) isStepStatus()   {}
func (Skipped) String() string { return "skipped" }

// NamedStatus pairs a phase name with its current status, the unit
// published over a Broadcaster.
type NamedStatus struct {
	Name   string
	Status StepStatus
}

// StatusMap is an insertion-ordered mapping from phase name to its current
// StepStatus, safe for concurrent use. Order is preserved so a caller can
// render a recipe's phases in the sequence they were first touched.
type StatusMap struct {
	mu    sync.RWMutex
	order []string
	steps map[string]StepStatus
}

// NewStatusMap returns an empty StatusMap.
func NewStatusMap() *StatusMap {
	return &StatusMap{steps: make(map[string]StepStatus)}
}

func (m *StatusMap) set(name string, s StepStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.steps[name]; !ok {
		m.order = append(m.order, name)
	}
	m.steps[name] = s
}

// Get returns the current status of name, if it has been touched.
func (m *StatusMap) Get(name string) (StepStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.steps[name]
	return s, ok
}

// Snapshot returns every phase's current status in first-touched order.
func (m *StatusMap) Snapshot() []NamedStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NamedStatus, len(m.order))
	for i, name := range m.order {
		out[i] = NamedStatus{Name: name, Status: m.steps[name]}
	}
	return out
}

// Broadcaster fans a single producer's NamedStatus stream out to any number
// of subscribers. Each subscriber owns an internal growable queue so a slow
// consumer never blocks the producer or any other subscriber (spec §9
// "Broadcasting progress").
type Broadcaster struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*subscriber]struct{})}
}

// Publish delivers ns to every currently subscribed channel.
func (b *Broadcaster) Publish(ns NamedStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.in <- ns
	}
}

// Subscribe returns a channel receiving every NamedStatus published from
// this point on, and an unsubscribe function that must be called to
// release the subscriber's goroutine.
func (b *Broadcaster) Subscribe() (<-chan NamedStatus, func()) {
	s := newSubscriber()
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.in)
	}
	return s.out, unsubscribe
}

// subscriber pumps values from an unbuffered input channel through a
// growable slice-backed queue to an unbuffered output channel, so a
// publisher's send to in never blocks on a slow reader of out.
type subscriber struct {
	in  chan NamedStatus
	out chan NamedStatus
}

func newSubscriber() *subscriber {
	s := &subscriber{in: make(chan NamedStatus), out: make(chan NamedStatus)}
	go s.pump()
	return s
}

func (s *subscriber) pump() {
	var queue []NamedStatus
	for {
		if len(queue) == 0 {
			v, ok := <-s.in
			if !ok {
				close(s.out)
				return
			}
			queue = append(queue, v)
			continue
		}
		select {
		case v, ok := <-s.in:
			if !ok {
				for _, q := range queue {
					s.out <- q
				}
				close(s.out)
				return
			}
			queue = append(queue, v)
		case s.out <- queue[0]:
			queue = queue[1:]
		}
	}
}
