package events

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

// SessionBus adapts a live discordgo session to the Bus interface. Each
// Subscribe registers one typed discordgo handler; the returned remove func
// detaches it. discordgo has no handler-count API, so the adapter keeps its
// own tally per kind.
type SessionBus struct {
	s *discordgo.Session

	mu     sync.Mutex
	counts map[Kind]int
}

func NewSessionBus(s *discordgo.Session) *SessionBus {
	return &SessionBus{s: s, counts: make(map[Kind]int)}
}

func (b *SessionBus) Subscribe(kind Kind, h Handler) func() {
	var detach func()

	switch kind {
	case MessageCreate:
		detach = b.s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			h(m.Message)
		})
	case MessageDelete:
		detach = b.s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) {
			h(m.Message)
		})
	case MessageDeleteBulk:
		detach = b.s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDeleteBulk) {
			h(m)
		})
	case ChannelDelete:
		detach = b.s.AddHandler(func(_ *discordgo.Session, c *discordgo.ChannelDelete) {
			h(c.Channel)
		})
	case GuildDelete:
		detach = b.s.AddHandler(func(_ *discordgo.Session, g *discordgo.GuildDelete) {
			h(g.Guild)
		})
	default:
		return func() {}
	}

	b.mu.Lock()
	b.counts[kind]++
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			detach()
			b.mu.Lock()
			b.counts[kind]--
			b.mu.Unlock()
		})
	}
}

func (b *SessionBus) ListenerCount(kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[kind]
}
