package discord

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/collectkit/internal/collector"
	"github.com/keshon/collectkit/internal/config"
	"github.com/keshon/collectkit/internal/events"
	"github.com/keshon/collectkit/internal/storage"
	"github.com/keshon/collectkit/pkg/retrylimit"
)

// Bot is a Discord bot exposing the collector library through a /collect
// slash command.
type Bot struct {
	dg      *discordgo.Session
	cfg     *config.Config
	store   *storage.Storage
	bus     events.Bus
	limiter *retrylimit.AdaptiveLimiter

	mu       sync.Mutex
	active   map[string]*activeRun // keyed by channel ID, one run per channel
	lastRuns map[string][]string   // channel ID -> message IDs of the last finished run
}

type activeRun struct {
	mc        *collector.MessageCollector
	startedAt time.Time
}

// StartBot starts the Discord bot and blocks until ctx is done.
func StartBot(ctx context.Context, cfg *config.Config, store *storage.Storage) error {
	b := &Bot{
		cfg:      cfg,
		store:    store,
		active:   make(map[string]*activeRun),
		lastRuns: make(map[string][]string),
		limiter:  retrylimit.NewAdaptiveLimiter(5, 1, 20, 1, 0.5),
	}
	if err := b.run(ctx, cfg.DiscordToken); err != nil {
		return fmt.Errorf("bot run error: %w", err)
	}
	return nil
}

func (b *Bot) run(ctx context.Context, token string) error {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	b.dg = dg
	b.bus = events.NewSessionBus(dg)

	b.configureIntents()
	dg.AddHandler(b.onReady)
	dg.AddHandler(b.onInteractionCreate)

	if err := dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	defer dg.Close()

	<-ctx.Done()
	log.Println("[INFO] ❎ Shutdown signal received. Cleaning up...")
	b.stopAllCollectors()
	return nil
}

func (b *Bot) configureIntents() {
	b.dg.Identify.Intents = discordgo.IntentsAll
}

// onReady is called when the bot is ready
func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	botInfo, err := s.User("@me")
	if err != nil {
		log.Println("[WARN] Error retrieving bot user:", err)
		return
	}

	for _, g := range r.Guilds {
		if err := b.registerCommands(g.ID); err != nil {
			log.Println("[ERR] Error registering slash commands for guild", g.ID, ":", err)
		}
	}

	log.Printf("[INFO] ✅ Discord bot %v is running.", botInfo.Username)
}

func (b *Bot) registerCommands(guildID string) error {
	appID := b.dg.State.User.ID
	if appID == "" {
		user, err := b.dg.User("@me")
		if err != nil {
			return err
		}
		appID = user.ID
	}

	_, err := b.dg.ApplicationCommandCreate(appID, guildID, collectCommandDefinition())
	if err != nil {
		return fmt.Errorf("failed to register /collect for guild %s: %w", guildID, err)
	}
	return nil
}

// onInteractionCreate dispatches /collect subcommands.
func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	if data.Name != "collect" || len(data.Options) == 0 {
		return
	}

	var err error
	switch data.Options[0].Name {
	case "start":
		err = b.handleCollectStart(s, i, data.Options[0].Options)
	case "stop":
		err = b.handleCollectStop(s, i)
	case "purge":
		err = b.handleCollectPurge(s, i)
	case "history":
		err = b.handleCollectHistory(s, i)
	default:
		log.Printf("[WARN] Unknown /collect subcommand: %s", data.Options[0].Name)
	}
	if err != nil {
		log.Println("[ERR] Error running /collect:", err)
		respondEphemeral(s, i, fmt.Sprintf("Error: %v", err))
	}
}

func (b *Bot) stopAllCollectors() {
	b.mu.Lock()
	runs := make([]*activeRun, 0, len(b.active))
	for _, run := range b.active {
		runs = append(runs, run)
	}
	b.mu.Unlock()

	for _, run := range runs {
		run.mc.Stop("shutdown")
	}
}

func respondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, msg string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: msg,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		log.Println("[WARN] Failed to respond to interaction:", err)
	}
}
