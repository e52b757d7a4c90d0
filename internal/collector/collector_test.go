package collector

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

type note struct {
	id      string
	channel string
	body    string
}

// notePolicy scopes notes to one channel and ends on the usual limits.
func notePolicy(channel string, max, maxProcessed int) Policy[note] {
	scope := func(n note) (string, bool) {
		if n.channel != channel {
			return "", false
		}
		return n.id, true
	}
	return Policy[note]{
		Collect: scope,
		Dispose: scope,
		EndReason: func(collected, received int) string {
			if max > 0 && collected >= max {
				return ReasonLimit
			}
			if maxProcessed > 0 && received == maxProcessed {
				return ReasonProcessedLimit
			}
			return ""
		},
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not end in time")
	}
}

func TestNew_RejectsInvalidOptions(t *testing.T) {
	policy := notePolicy("c1", 0, 0)

	cases := []struct {
		name string
		opts Options[note]
	}{
		{"negative max", Options[note]{Max: -1}},
		{"negative maxProcessed", Options[note]{MaxProcessed: -2}},
		{"negative time", Options[note]{Time: -time.Second}},
		{"negative idle", Options[note]{Idle: -time.Millisecond}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(policy, tc.opts)
			require.ErrorIs(t, err, ErrInvalidOptions)
		})
	}

	_, err := New(Policy[note]{}, Options[note]{})
	require.ErrorIs(t, err, ErrInvalidOptions, "nil Collect must be rejected")
}

func TestHandleCollect_IgnoresForeignItems(t *testing.T) {
	c, err := New(notePolicy("c1", 0, 0), Options[note]{})
	require.NoError(t, err)
	defer c.Stop("cleanup")

	c.HandleCollect(note{id: "m1", channel: "other"})
	c.HandleCollect(note{id: "m2", channel: "other"})

	assert.Equal(t, 0, c.Received(), "foreign items must not touch counters")
	assert.Empty(t, c.Collected())
}

func TestHandleCollect_FilterRejectsButCounts(t *testing.T) {
	seen := 0
	c, err := New(notePolicy("c1", 0, 0), Options[note]{
		Filter: func(n note) bool {
			seen++
			return seen%2 == 1 // accept every other item
		},
	})
	require.NoError(t, err)
	defer c.Stop("cleanup")

	for i := 0; i < 6; i++ {
		c.HandleCollect(note{id: fmt.Sprintf("m%d", i), channel: "c1"})
	}

	assert.Equal(t, 6, c.Received())
	assert.Len(t, c.Collected(), 3)
}

func TestStop_Idempotent(t *testing.T) {
	ends := 0
	c, err := New(notePolicy("c1", 0, 0), Options[note]{
		OnEnd: func(items []note, reason string) { ends++ },
	})
	require.NoError(t, err)

	c.Stop("a")
	c.Stop("b")

	assert.Equal(t, "a", c.EndReason())
	assert.Equal(t, 1, ends, "OnEnd must fire exactly once")
	assert.True(t, c.Ended())
}

func TestStop_EmptyReasonBecomesUser(t *testing.T) {
	c, err := New(notePolicy("c1", 0, 0), Options[note]{})
	require.NoError(t, err)

	c.Stop("")
	assert.Equal(t, ReasonUser, c.EndReason())
}

func TestHandleDispose_LeavesReceivedAndNeverEnds(t *testing.T) {
	var disposed []note
	c, err := New(notePolicy("c1", 0, 0), Options[note]{
		OnDispose: func(n note) { disposed = append(disposed, n) },
	})
	require.NoError(t, err)
	defer c.Stop("cleanup")

	c.HandleCollect(note{id: "m1", channel: "c1"})
	c.HandleCollect(note{id: "m2", channel: "c1"})
	c.HandleDispose(note{id: "m1", channel: "c1"})

	assert.Equal(t, 2, c.Received(), "disposal must not decrement received")
	assert.Len(t, c.Collected(), 1)
	assert.Len(t, disposed, 1)
	assert.False(t, c.Ended(), "disposal alone must not end the run")
	assert.Equal(t, "", c.EndReason())
}

func TestHandleDispose_UnknownIdentityIsNoop(t *testing.T) {
	notified := false
	c, err := New(notePolicy("c1", 0, 0), Options[note]{
		OnDispose: func(n note) { notified = true },
	})
	require.NoError(t, err)
	defer c.Stop("cleanup")

	c.HandleCollect(note{id: "m1", channel: "c1"})
	c.HandleDispose(note{id: "never-collected", channel: "c1"})

	assert.Len(t, c.Collected(), 1)
	assert.False(t, notified)
}

func TestHandleCollect_DuplicateIdentity(t *testing.T) {
	collects := 0
	c, err := New(notePolicy("c1", 0, 0), Options[note]{
		OnCollect: func(n note) { collects++ },
	})
	require.NoError(t, err)
	defer c.Stop("cleanup")

	c.HandleCollect(note{id: "m1", channel: "c1", body: "first"})
	c.HandleCollect(note{id: "m2", channel: "c1"})
	c.HandleCollect(note{id: "m1", channel: "c1", body: "second"})

	assert.Equal(t, []string{"m1", "m2"}, c.CollectedIDs(), "re-delivery keeps the original position")
	assert.Equal(t, "second", c.Collected()[0].body, "re-delivery overwrites the stored payload")
	assert.Equal(t, 3, c.Received(), "a re-delivered identity still counts as processed")
	assert.Equal(t, 3, collects, "each delivery notifies OnCollect")
}

func TestHandleCollect_ConcurrentDeliveryRespectsMax(t *testing.T) {
	c, err := New(notePolicy("c1", 1, 0), Options[note]{
		// A slow observer widens the window between insertion and any
		// deferred end decision; the limit must hold regardless.
		OnCollect: func(note) { time.Sleep(50 * time.Millisecond) },
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.HandleCollect(note{id: fmt.Sprintf("m%d", i), channel: "c1"})
		}(i)
	}
	wg.Wait()
	waitDone(t, c.Done())

	assert.Equal(t, ReasonLimit, c.EndReason())
	assert.Len(t, c.Collected(), 1, "the count limit must hold under concurrent delivery")
	assert.Equal(t, 1, c.Received())
}

func TestHandleCollect_ConcurrentDeliveryRespectsProcessedLimit(t *testing.T) {
	c, err := New(notePolicy("c1", 0, 1), Options[note]{
		Filter: func(note) bool { return false },
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.HandleCollect(note{id: fmt.Sprintf("m%d", i), channel: "c1"})
		}(i)
	}
	wg.Wait()
	waitDone(t, c.Done())

	assert.Equal(t, ReasonProcessedLimit, c.EndReason())
	assert.Equal(t, 1, c.Received(), "the processed limit must hold under concurrent delivery")
	assert.Empty(t, c.Collected())
}

func TestTimeWindow_EndsWithReasonTime(t *testing.T) {
	clock := clockz.NewFakeClock()
	c, err := New(notePolicy("c1", 0, 0), Options[note]{
		Time:  time.Minute,
		Clock: clock,
	})
	require.NoError(t, err)

	c.HandleCollect(note{id: "m1", channel: "c1"})

	clock.Advance(time.Minute)
	clock.BlockUntilReady()
	waitDone(t, c.Done())

	assert.Equal(t, ReasonTime, c.EndReason())
	assert.Len(t, c.Collected(), 1)
}

func TestIdleWindow_ResetOnAcceptedItem(t *testing.T) {
	clock := clockz.NewFakeClock()
	c, err := New(notePolicy("c1", 0, 0), Options[note]{
		Idle:  100 * time.Millisecond,
		Clock: clock,
	})
	require.NoError(t, err)

	clock.Advance(60 * time.Millisecond)
	clock.BlockUntilReady()
	c.HandleCollect(note{id: "m1", channel: "c1"})

	// The accepted item pushed the idle deadline out.
	clock.Advance(60 * time.Millisecond)
	clock.BlockUntilReady()
	assert.False(t, c.Ended())

	clock.Advance(50 * time.Millisecond)
	clock.BlockUntilReady()
	waitDone(t, c.Done())
	assert.Equal(t, ReasonIdle, c.EndReason())
}

func TestIdleWindow_NotResetByRejectedItem(t *testing.T) {
	clock := clockz.NewFakeClock()
	c, err := New(notePolicy("c1", 0, 0), Options[note]{
		Idle:   100 * time.Millisecond,
		Clock:  clock,
		Filter: func(n note) bool { return false },
	})
	require.NoError(t, err)

	clock.Advance(60 * time.Millisecond)
	clock.BlockUntilReady()
	c.HandleCollect(note{id: "m1", channel: "c1"})

	clock.Advance(50 * time.Millisecond)
	clock.BlockUntilReady()
	waitDone(t, c.Done())
	assert.Equal(t, ReasonIdle, c.EndReason())
	assert.Equal(t, 1, c.Received())
}

func TestResetTimer_ExtendsWindow(t *testing.T) {
	clock := clockz.NewFakeClock()
	c, err := New(notePolicy("c1", 0, 0), Options[note]{
		Time:  time.Minute,
		Clock: clock,
	})
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	clock.BlockUntilReady()
	c.ResetTimer(2*time.Minute, 0)

	clock.Advance(time.Minute)
	clock.BlockUntilReady()
	assert.False(t, c.Ended(), "replaced window must not fire on the old schedule")

	clock.Advance(time.Minute)
	clock.BlockUntilReady()
	waitDone(t, c.Done())
	assert.Equal(t, ReasonTime, c.EndReason())
}

func TestNoMutationAfterEnd(t *testing.T) {
	c, err := New(notePolicy("c1", 0, 0), Options[note]{})
	require.NoError(t, err)

	c.HandleCollect(note{id: "m1", channel: "c1"})
	c.Stop("done")

	c.HandleCollect(note{id: "m2", channel: "c1"})
	c.HandleDispose(note{id: "m1", channel: "c1"})
	c.ResetTimer(time.Minute, time.Minute)

	assert.Equal(t, 1, c.Received())
	assert.Len(t, c.Collected(), 1)
	assert.Equal(t, "done", c.EndReason())
}

func TestOnEndTeardown_RunsExactlyOnce(t *testing.T) {
	c, err := New(notePolicy("c1", 0, 0), Options[note]{})
	require.NoError(t, err)

	calls := map[string]int{}
	c.OnEndTeardown(func() { calls["a"]++ })
	c.OnEndTeardown(func() { calls["b"]++ })

	c.Stop("x")
	c.Stop("y")

	assert.Equal(t, 1, calls["a"])
	assert.Equal(t, 1, calls["b"])

	// Registering after the end runs the teardown immediately.
	c.OnEndTeardown(func() { calls["late"]++ })
	assert.Equal(t, 1, calls["late"])
}

func TestOnCollect_MayStopReentrantly(t *testing.T) {
	var c *Collector[note]
	var err error
	c, err = New(notePolicy("c1", 0, 0), Options[note]{
		OnCollect: func(n note) {
			if n.id == "m2" {
				c.Stop("enough")
			}
		},
	})
	require.NoError(t, err)

	c.HandleCollect(note{id: "m1", channel: "c1"})
	c.HandleCollect(note{id: "m2", channel: "c1"})
	c.HandleCollect(note{id: "m3", channel: "c1"})

	assert.Equal(t, "enough", c.EndReason())
	assert.Len(t, c.Collected(), 2)
}

func TestWait_ReturnsItemsAndReason(t *testing.T) {
	c, err := New(notePolicy("c1", 0, 0), Options[note]{})
	require.NoError(t, err)

	c.HandleCollect(note{id: "m1", channel: "c1"})
	c.HandleCollect(note{id: "m2", channel: "c1"})
	go c.Stop("harvest")

	items, reason, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "harvest", reason)
	assert.Equal(t, []string{"m1", "m2"}, c.CollectedIDs())
	assert.Len(t, items, 2)
}

func TestWait_ContextCancellation(t *testing.T) {
	c, err := New(notePolicy("c1", 0, 0), Options[note]{})
	require.NoError(t, err)
	defer c.Stop("cleanup")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = c.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEndReason_EvaluatedOnRejectedItems(t *testing.T) {
	// A filter-rejected item still advances received, so the processed
	// limit can fire on it.
	c, err := New(notePolicy("c1", 0, 2), Options[note]{
		Filter: func(n note) bool { return false },
	})
	require.NoError(t, err)

	c.HandleCollect(note{id: "m1", channel: "c1"})
	assert.False(t, c.Ended())
	c.HandleCollect(note{id: "m2", channel: "c1"})

	waitDone(t, c.Done())
	assert.Equal(t, ReasonProcessedLimit, c.EndReason())
	assert.Empty(t, c.Collected())
}
