package discord

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/collectkit/internal/collector"
	"github.com/keshon/collectkit/internal/config"
	"github.com/keshon/collectkit/internal/events"
	"github.com/keshon/collectkit/internal/storage"
)

const (
	testChannel = "chan-c"
	testGuild   = "guild-g"
	testBotID   = "bot"
)

func newTestBot(t *testing.T) (*Bot, *events.MemoryBus) {
	t.Helper()
	bus := events.NewMemoryBus()
	store, err := storage.New(filepath.Join(t.TempDir(), "datastore.json"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &Bot{
		cfg:      &config.Config{CollectMaxTime: time.Minute},
		store:    store,
		bus:      bus,
		active:   make(map[string]*activeRun),
		lastRuns: make(map[string][]string),
	}, bus
}

func TestStartRun_SecondStartIsRejected(t *testing.T) {
	b, _ := newTestBot(t)

	require.NoError(t, b.startRun(nil, testChannel, testGuild, testBotID, "", 0, time.Minute))
	err := b.startRun(nil, testChannel, testGuild, testBotID, "", 0, time.Minute)
	require.ErrorIs(t, err, errRunActive)
}

func TestStartRun_EndedRunFreesTheChannel(t *testing.T) {
	b, bus := newTestBot(t)

	require.NoError(t, b.startRun(nil, testChannel, testGuild, testBotID, "", 0, time.Minute))
	bus.Publish(events.ChannelDelete, &discordgo.Channel{ID: testChannel})

	// The finished run released its slot and its subscriptions, so the
	// channel can host a new collection.
	require.NoError(t, b.startRun(nil, testChannel, testGuild, testBotID, "", 0, time.Minute))
	assert.Equal(t, 1, bus.ListenerCount(events.MessageCreate),
		"only the live run should hold listeners")
}

func TestStartRun_CollectsAndRecordsRun(t *testing.T) {
	b, bus := newTestBot(t)

	require.NoError(t, b.startRun(nil, testChannel, testGuild, testBotID, "", 0, time.Minute))

	author := &discordgo.User{ID: "user-1"}
	bus.Publish(events.MessageCreate, &discordgo.Message{ID: "m1", ChannelID: testChannel, Author: author})
	bus.Publish(events.MessageCreate, &discordgo.Message{ID: "own", ChannelID: testChannel, Author: &discordgo.User{ID: testBotID}})
	bus.Publish(events.MessageCreate, &discordgo.Message{ID: "m2", ChannelID: testChannel, Author: author})

	bus.Publish(events.ChannelDelete, &discordgo.Channel{ID: testChannel})

	runs, err := b.store.GetCollectorRuns(testGuild)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, collector.ReasonChannelDelete, runs[0].Reason)
	assert.Equal(t, 2, runs[0].Collected, "the bot's own message is filtered out")
	assert.Equal(t, 3, runs[0].Received)

	b.mu.Lock()
	ids := b.lastRuns[testChannel]
	b.mu.Unlock()
	assert.Equal(t, []string{"m1", "m2"}, ids)
}

func TestFinishRun_BeforeCollectorHandoffReleasesSlot(t *testing.T) {
	// The run can end between subscription and constructor return; the
	// reserved slot must still be released and the run recorded.
	b, _ := newTestBot(t)

	run := &activeRun{startedAt: time.Now()}
	b.mu.Lock()
	b.active[testChannel] = run
	b.mu.Unlock()

	b.finishRun(nil, testChannel, testGuild, run,
		[]*discordgo.Message{{ID: "m1", ChannelID: testChannel}},
		collector.ReasonChannelDelete)

	b.mu.Lock()
	_, busy := b.active[testChannel]
	b.mu.Unlock()
	assert.False(t, busy, "a run that ended early must not park a dead slot")

	runs, err := b.store.GetCollectorRuns(testGuild)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Collected)
	assert.Equal(t, 1, runs[0].Received)
}

func TestFinishRun_LeavesLaterRunAlone(t *testing.T) {
	b, _ := newTestBot(t)

	old := &activeRun{startedAt: time.Now()}
	current := &activeRun{startedAt: time.Now()}
	b.mu.Lock()
	b.active[testChannel] = current
	b.mu.Unlock()

	b.finishRun(nil, testChannel, "", old, nil, collector.ReasonChannelDelete)

	b.mu.Lock()
	got := b.active[testChannel]
	b.mu.Unlock()
	assert.Same(t, current, got, "finishing an old run must not evict its successor")
}
