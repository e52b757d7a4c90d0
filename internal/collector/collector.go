// Package collector implements a bounded, filtered accumulation of gateway
// events: subscribe, collect, decide when to end, release every listener
// exactly once, and hand the caller the accepted items plus a reason.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// Policy is the capability set a specialization plugs into the engine.
// Collect and Dispose map a raw event to a stable identity, or report that
// the event is irrelevant. EndReason inspects the counters after each
// processed item and returns a terminal reason, or "" to keep running.
type Policy[T any] struct {
	Collect   func(item T) (id string, ok bool)
	Dispose   func(item T) (id string, ok bool)
	EndReason func(collected, received int) string
}

// Collector is the generic engine. It owns the accepted set, the processed
// counter, the time/idle windows and the single end transition. All methods
// are safe for concurrent use; discordgo delivers handlers on separate
// goroutines.
type Collector[T any] struct {
	policy Policy[T]
	opts   Options[T]
	clock  clockz.Clock

	mu        sync.Mutex
	items     map[string]T
	order     []string
	received  int
	ended     bool
	endReason string
	timeTimer clockz.Timer
	idleTimer clockz.Timer
	idleSpan  time.Duration
	teardowns []func()

	done chan struct{}
}

// New validates options and returns a live, running collector. Timers are
// armed immediately, so a Time-only collector can end before any event
// arrives.
func New[T any](policy Policy[T], opts Options[T]) (*Collector[T], error) {
	if policy.Collect == nil {
		return nil, fmt.Errorf("%w: policy needs a Collect func", ErrInvalidOptions)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	c := &Collector[T]{
		policy:   policy,
		opts:     opts,
		clock:    opts.Clock,
		items:    make(map[string]T),
		idleSpan: opts.Idle,
		done:     make(chan struct{}),
	}
	if c.clock == nil {
		c.clock = clockz.RealClock
	}

	if opts.Time > 0 {
		c.timeTimer = c.clock.AfterFunc(opts.Time, func() { c.Stop(ReasonTime) })
	}
	if opts.Idle > 0 {
		c.idleTimer = c.clock.AfterFunc(opts.Idle, func() { c.Stop(ReasonIdle) })
	}
	return c, nil
}

// HandleCollect runs one raw creation event through the pipeline:
// identity check, processed counter, caller filter, insertion, end check.
// When the policy declares the run over, the end transition is committed
// inside the same critical section as the insertion, so a concurrently
// delivered event can never slip past the limit. A re-delivered identity
// overwrites the stored payload, keeps its original position, counts as
// processed again and still notifies OnCollect. Events arriving after the
// run has ended are dropped silently.
func (c *Collector[T]) HandleCollect(item T) {
	id, ok := c.policy.Collect(item)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.received++
	if c.opts.Filter != nil && !c.opts.Filter(item) {
		// Seen but not accepted: counts toward MaxProcessed only.
		reason := c.endReasonLocked()
		var end endState[T]
		if reason != "" {
			end = c.endLocked(reason)
		}
		c.mu.Unlock()
		if end.won {
			c.finish(end)
		}
		return
	}
	if _, dup := c.items[id]; !dup {
		c.order = append(c.order, id)
	}
	c.items[id] = item
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = c.clock.AfterFunc(c.idleSpan, func() { c.Stop(ReasonIdle) })
	}
	reason := c.endReasonLocked()
	var end endState[T]
	if reason != "" {
		end = c.endLocked(reason)
	}
	c.mu.Unlock()

	if c.opts.OnCollect != nil {
		c.opts.OnCollect(item)
	}
	if end.won {
		c.finish(end)
	}
}

// HandleDispose removes a previously accepted item. The processed counter
// is untouched and disposal never ends the run on its own.
func (c *Collector[T]) HandleDispose(item T) {
	if c.policy.Dispose == nil {
		return
	}
	id, ok := c.policy.Dispose(item)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	if _, present := c.items[id]; !present {
		c.mu.Unlock()
		return
	}
	delete(c.items, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if c.opts.OnDispose != nil {
		c.opts.OnDispose(item)
	}
}

func (c *Collector[T]) endReasonLocked() string {
	if c.policy.EndReason == nil {
		return ""
	}
	return c.policy.EndReason(len(c.items), c.received)
}

// endState carries the frozen outcome of a won end transition out of the
// critical section so the teardown/notification phase can run unlocked.
type endState[T any] struct {
	won       bool
	reason    string
	items     []T
	teardowns []func()
}

// endLocked commits the end transition. The caller must hold c.mu and have
// checked that the run has not already ended.
func (c *Collector[T]) endLocked(reason string) endState[T] {
	c.ended = true
	c.endReason = reason
	if c.timeTimer != nil {
		c.timeTimer.Stop()
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	end := endState[T]{
		won:       true,
		reason:    reason,
		items:     c.collectedLocked(),
		teardowns: c.teardowns,
	}
	c.teardowns = nil
	return end
}

// finish runs the unlocked half of the end transition: teardowns, OnEnd,
// done signal. Called exactly once, by whoever won the transition.
func (c *Collector[T]) finish(end endState[T]) {
	for _, td := range end.teardowns {
		td()
	}
	if c.opts.OnEnd != nil {
		c.opts.OnEnd(end.items, end.reason)
	}
	close(c.done)
}

// Stop ends the run. The first call wins: it freezes the state, cancels the
// timers, runs every registered teardown once and fires OnEnd. Later calls
// are no-ops, so Stop is safe from any handler or timer callback. An empty
// reason is recorded as ReasonUser.
func (c *Collector[T]) Stop(reason string) {
	if reason == "" {
		reason = ReasonUser
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	end := c.endLocked(reason)
	c.mu.Unlock()

	c.finish(end)
}

// ResetTimer replaces the live time and/or idle windows. Zero leaves a
// window as it is; there is no way to clear one once set. No-op after end.
func (c *Collector[T]) ResetTimer(timeSpan, idleSpan time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	if timeSpan > 0 {
		if c.timeTimer != nil {
			c.timeTimer.Stop()
		}
		c.timeTimer = c.clock.AfterFunc(timeSpan, func() { c.Stop(ReasonTime) })
	}
	if idleSpan > 0 {
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}
		c.idleSpan = idleSpan
		c.idleTimer = c.clock.AfterFunc(idleSpan, func() { c.Stop(ReasonIdle) })
	}
}

// OnEndTeardown registers fn to run exactly once when the run ends.
// Specializations hand their bus unsubscribe funcs here so there is a
// single teardown path to audit. If the run already ended, fn runs now.
func (c *Collector[T]) OnEndTeardown(fn func()) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		fn()
		return
	}
	c.teardowns = append(c.teardowns, fn)
	c.mu.Unlock()
}

// Done is closed when the run ends, after teardowns and OnEnd have run.
func (c *Collector[T]) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the run ends or ctx is cancelled. On a normal end it
// returns the accepted items in insertion order and the terminal reason.
func (c *Collector[T]) Wait(ctx context.Context) ([]T, string, error) {
	select {
	case <-c.done:
		return c.Collected(), c.EndReason(), nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// Collected returns the accepted items in insertion order.
func (c *Collector[T]) Collected() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collectedLocked()
}

func (c *Collector[T]) collectedLocked() []T {
	out := make([]T, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}

// CollectedIDs returns the identities of the accepted items in insertion
// order.
func (c *Collector[T]) CollectedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Received reports how many items passed scoping, accepted or not. It never
// decreases; disposal does not touch it.
func (c *Collector[T]) Received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received
}

func (c *Collector[T]) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// EndReason returns the terminal reason, or "" while the run is live.
func (c *Collector[T]) EndReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endReason
}
