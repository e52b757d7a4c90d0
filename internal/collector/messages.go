package collector

import (
	"github.com/bwmarrin/discordgo"

	"github.com/keshon/collectkit/internal/events"
)

// MessageCollector accumulates messages posted to one channel. It ends on
// any engine condition, when its accepted/processed limits hit, or when the
// channel or its guild is deleted out from under it.
type MessageCollector struct {
	*Collector[*discordgo.Message]

	channelID string
	guildID   string
}

// NewMessageCollector binds a collector to channelID on the given bus and
// starts it. guildID enables the guild-deletion cascade; pass "" for DM
// channels, which have no guild to lose. All five subscriptions are
// released by the end transition, whatever triggers it.
func NewMessageCollector(bus events.Bus, channelID, guildID string, opts Options[*discordgo.Message]) (*MessageCollector, error) {
	mc := &MessageCollector{
		channelID: channelID,
		guildID:   guildID,
	}

	policy := Policy[*discordgo.Message]{
		Collect: mc.collect,
		Dispose: mc.dispose,
		EndReason: func(collected, received int) string {
			// Count limit is checked before the processed limit. The
			// processed check is strict equality on purpose; received
			// advances one item at a time so it cannot skip past.
			if opts.Max > 0 && collected >= opts.Max {
				return ReasonLimit
			}
			if opts.MaxProcessed > 0 && received == opts.MaxProcessed {
				return ReasonProcessedLimit
			}
			return ""
		},
	}

	c, err := New(policy, opts)
	if err != nil {
		return nil, err
	}
	mc.Collector = c

	removes := []func(){
		bus.Subscribe(events.MessageCreate, mc.onMessageCreate),
		bus.Subscribe(events.MessageDelete, mc.onMessageDelete),
		bus.Subscribe(events.MessageDeleteBulk, mc.onMessageDeleteBulk),
		bus.Subscribe(events.ChannelDelete, mc.onChannelDelete),
		bus.Subscribe(events.GuildDelete, mc.onGuildDelete),
	}
	for _, rm := range removes {
		c.OnEndTeardown(rm)
	}

	return mc, nil
}

// ChannelID returns the channel this collector is bound to.
func (mc *MessageCollector) ChannelID() string { return mc.channelID }

func (mc *MessageCollector) collect(m *discordgo.Message) (string, bool) {
	if m == nil || m.ChannelID != mc.channelID {
		return "", false
	}
	return m.ID, true
}

func (mc *MessageCollector) dispose(m *discordgo.Message) (string, bool) {
	if m == nil || m.ChannelID != mc.channelID {
		return "", false
	}
	return m.ID, true
}

func (mc *MessageCollector) onMessageCreate(evt any) {
	if m, ok := evt.(*discordgo.Message); ok {
		mc.HandleCollect(m)
	}
}

func (mc *MessageCollector) onMessageDelete(evt any) {
	if m, ok := evt.(*discordgo.Message); ok {
		mc.HandleDispose(m)
	}
}

// onMessageDeleteBulk expands one bulk event into per-message disposals,
// each scoped independently against the bound channel.
func (mc *MessageCollector) onMessageDeleteBulk(evt any) {
	b, ok := evt.(*discordgo.MessageDeleteBulk)
	if !ok {
		return
	}
	for _, id := range b.Messages {
		mc.HandleDispose(&discordgo.Message{ID: id, ChannelID: b.ChannelID})
	}
}

func (mc *MessageCollector) onChannelDelete(evt any) {
	if ch, ok := evt.(*discordgo.Channel); ok && ch.ID == mc.channelID {
		mc.Stop(ReasonChannelDelete)
	}
}

func (mc *MessageCollector) onGuildDelete(evt any) {
	if g, ok := evt.(*discordgo.Guild); ok && mc.guildID != "" && g.ID == mc.guildID {
		mc.Stop(ReasonGuildDelete)
	}
}
