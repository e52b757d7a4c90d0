package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/collectkit/internal/collector"
	"github.com/keshon/collectkit/internal/storage"
	"github.com/keshon/collectkit/pkg/retrylimit"
)

const bulkDeleteChunk = 100

func collectCommandDefinition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "collect",
		Description: "Collect messages posted in this channel",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "start",
				Description: "Start collecting messages in this channel",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "max",
						Description: "Stop after this many collected messages",
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "window",
						Description: "Stop after this much time, e.g. 30s, 5m",
					},
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "from",
						Description: "Only collect messages from this user",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop the active collection in this channel",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "purge",
				Description: "Delete the messages collected by the last finished run",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "history",
				Description: "Show recent collection runs for this server",
			},
		},
	}
}

// errRunActive is returned when a channel already has a live collection.
var errRunActive = errors.New("a collection is already running in this channel")

func (b *Bot) handleCollectStart(s *discordgo.Session, i *discordgo.InteractionCreate, opts []*discordgo.ApplicationCommandInteractionDataOption) error {
	var max int
	window := b.cfg.CollectMaxTime
	var fromUserID string

	for _, opt := range opts {
		switch opt.Name {
		case "max":
			max = int(opt.IntValue())
		case "window":
			dur, err := time.ParseDuration(opt.StringValue())
			if err != nil {
				respondEphemeral(s, i, "Invalid window format. Use formats like `30s`, `5m`, `1h`.")
				return nil
			}
			window = dur
		case "from":
			fromUserID = opt.UserValue(nil).ID
		}
	}

	err := b.startRun(s, i.ChannelID, i.GuildID, s.State.User.ID, fromUserID, max, window)
	if errors.Is(err, errRunActive) {
		respondEphemeral(s, i, "A collection is already running in this channel. Use `/collect stop` first.")
		return nil
	}
	if err != nil {
		return err
	}

	log.Printf("[INFO] Collection started in channel %s (max=%d window=%s)", i.ChannelID, max, window)
	respondEphemeral(s, i, fmt.Sprintf("Collecting messages for up to **%s**.", window))
	return nil
}

// startRun reserves the channel's run slot first and only then brings the
// collector live: the collector can end (channel deleted, tight limits)
// before the constructor returns, and finishRun must find the slot to
// release it, or the channel would be stuck with a dead run.
func (b *Bot) startRun(s *discordgo.Session, channelID, guildID, botID, fromUserID string, max int, window time.Duration) error {
	if window <= 0 || window > b.cfg.CollectMaxTime {
		window = b.cfg.CollectMaxTime
	}

	filter := func(m *discordgo.Message) bool {
		if m.Author == nil || m.Author.ID == botID {
			return false
		}
		return fromUserID == "" || m.Author.ID == fromUserID
	}

	run := &activeRun{startedAt: time.Now()}
	b.mu.Lock()
	if _, busy := b.active[channelID]; busy {
		b.mu.Unlock()
		return errRunActive
	}
	b.active[channelID] = run
	b.mu.Unlock()

	mc, err := collector.NewMessageCollector(b.bus, channelID, guildID,
		collector.Options[*discordgo.Message]{
			Max:    max,
			Time:   window,
			Filter: filter,
			OnEnd: func(items []*discordgo.Message, reason string) {
				b.finishRun(s, channelID, guildID, run, items, reason)
			},
		})
	if err != nil {
		b.mu.Lock()
		delete(b.active, channelID)
		b.mu.Unlock()
		return fmt.Errorf("failed to start collector: %w", err)
	}

	b.mu.Lock()
	run.mc = mc
	b.mu.Unlock()
	return nil
}

// finishRun is the collector's OnEnd hook: release the channel's run slot,
// record the run, remember the collected IDs for /collect purge, announce
// the outcome. It releases only its own run, so a slot taken by a later
// collection is left alone.
func (b *Bot) finishRun(s *discordgo.Session, channelID, guildID string, run *activeRun, items []*discordgo.Message, reason string) {
	ids := make([]string, 0, len(items))
	for _, m := range items {
		ids = append(ids, m.ID)
	}

	b.mu.Lock()
	if b.active[channelID] == run {
		delete(b.active, channelID)
	}
	mc := run.mc
	b.lastRuns[channelID] = ids
	b.mu.Unlock()

	// The run can end before the constructor hands us the collector; the
	// accepted set is still authoritative.
	received := len(items)
	if mc != nil {
		received = mc.Received()
	}

	if guildID != "" {
		err := b.store.AddCollectorRun(guildID, storage.CollectorRunRecord{
			ChannelID: channelID,
			Reason:    reason,
			Collected: len(items),
			Received:  received,
			StartedAt: run.startedAt,
			EndedAt:   time.Now(),
		})
		if err != nil {
			log.Println("[WARN] Failed to record collector run:", err)
		}
	}

	log.Printf("[INFO] Collection in channel %s ended (%s): %d collected, %d seen",
		channelID, reason, len(items), received)

	if reason == collector.ReasonChannelDelete || reason == collector.ReasonGuildDelete {
		// Nowhere left to announce.
		return
	}
	_, err := s.ChannelMessageSendEmbed(channelID, &discordgo.MessageEmbed{
		Title:       "📥 Collection finished",
		Description: fmt.Sprintf("Collected **%d** message(s). Reason: `%s`.", len(items), reason),
	})
	if err != nil {
		log.Println("[WARN] Failed to announce collection result:", err)
	}
}

func (b *Bot) handleCollectStop(s *discordgo.Session, i *discordgo.InteractionCreate) error {
	b.mu.Lock()
	run, ok := b.active[i.ChannelID]
	b.mu.Unlock()

	if !ok {
		respondEphemeral(s, i, "No collection is running in this channel.")
		return nil
	}
	run.mc.Stop(collector.ReasonUser)
	respondEphemeral(s, i, "Collection stopped.")
	return nil
}

func (b *Bot) handleCollectPurge(s *discordgo.Session, i *discordgo.InteractionCreate) error {
	b.mu.Lock()
	ids := b.lastRuns[i.ChannelID]
	delete(b.lastRuns, i.ChannelID)
	b.mu.Unlock()

	if len(ids) == 0 {
		respondEphemeral(s, i, "Nothing to purge. Run a collection first.")
		return nil
	}

	respondEphemeral(s, i, fmt.Sprintf("Deleting %d collected message(s)...", len(ids)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	deleted := 0
	for start := 0; start < len(ids); start += bulkDeleteChunk {
		end := start + bulkDeleteChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		cfg := retrylimit.DefaultRetryConfig()
		cfg.MaxAttempts = 5
		cfg.ErrorClassifier = restPushback
		err := retrylimit.WithRetryConfig(ctx, func() error {
			return s.ChannelMessagesBulkDelete(i.ChannelID, chunk)
		}, b.limiter, cfg)
		if err != nil {
			log.Printf("[ERR] Failed to delete %d messages in channel %s: %v", len(chunk), i.ChannelID, err)
			continue
		}
		deleted += len(chunk)
	}

	log.Printf("[INFO] Purged %d/%d collected messages in channel %s", deleted, len(ids), i.ChannelID)
	return nil
}

// restPushback reports whether a discordgo REST error warrants backing off.
func restPushback(err error) bool {
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Response != nil {
		code := rerr.Response.StatusCode
		return code == 429 || (code >= 500 && code < 600)
	}
	return false
}

func (b *Bot) handleCollectHistory(s *discordgo.Session, i *discordgo.InteractionCreate) error {
	if i.GuildID == "" {
		respondEphemeral(s, i, "History is only available in servers.")
		return nil
	}

	runs, err := b.store.GetCollectorRuns(i.GuildID)
	if err != nil {
		return fmt.Errorf("failed to load run history: %w", err)
	}
	if len(runs) == 0 {
		respondEphemeral(s, i, "No collection runs recorded yet.")
		return nil
	}

	var sb strings.Builder
	for idx := len(runs) - 1; idx >= 0 && len(runs)-idx <= 10; idx-- {
		r := runs[idx]
		fmt.Fprintf(&sb, "<#%s> — %d collected, %d seen, `%s`, %s\n",
			r.ChannelID, r.Collected, r.Received, r.Reason, r.EndedAt.Format("2006-01-02 15:04"))
	}
	respondEphemeral(s, i, sb.String())
	return nil
}
