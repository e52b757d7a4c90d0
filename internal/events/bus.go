// Package events is the boundary between collectors and whatever delivers
// gateway events. Collectors take a Bus, never a session, so tests can run
// against MemoryBus and count listeners.
package events

import "sync"

// Kind names a gateway event a collector can subscribe to.
type Kind string

const (
	MessageCreate     Kind = "messageCreate"
	MessageDelete     Kind = "messageDelete"
	MessageDeleteBulk Kind = "messageDeleteBulk"
	ChannelDelete     Kind = "channelDelete"
	GuildDelete       Kind = "guildDelete"
)

// Handler receives the event payload. The concrete type depends on the Kind:
// *discordgo.Message for create/delete, *discordgo.MessageDeleteBulk,
// *discordgo.Channel, *discordgo.Guild.
type Handler func(evt any)

// Bus is an injected pub/sub source of gateway events. Subscribe returns a
// remove func; calling it more than once is harmless. ListenerCount exists
// so callers (and tests) can verify collectors release everything they took.
type Bus interface {
	Subscribe(kind Kind, h Handler) (remove func())
	ListenerCount(kind Kind) int
}

// MemoryBus is an in-process Bus. Publish delivers to every subscriber of
// the kind, one handler at a time, and returns when all have run. Used by
// tests and by offline replay sources.
type MemoryBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[Kind]map[int]Handler

	// deliverMu serializes Publish calls so one event's pipeline runs to
	// completion before the next starts.
	deliverMu sync.Mutex
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[Kind]map[int]Handler)}
}

func (b *MemoryBus) Subscribe(kind Kind, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.subs[kind][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[kind], id)
		})
	}
}

func (b *MemoryBus) ListenerCount(kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[kind])
}

// Publish delivers evt to current subscribers of kind. Handlers may
// subscribe or remove during delivery; a handler removed mid-delivery may
// still see the in-flight event.
func (b *MemoryBus) Publish(kind Kind, evt any) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[kind]))
	for _, h := range b.subs[kind] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
}
