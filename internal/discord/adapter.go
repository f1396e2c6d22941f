// Package discord connects the turn pipeline to the Discord gateway: inbound
// message gating, reply-chain fetching, streamed delivery with edit
// throttling, and the memory slash commands.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/config"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/history"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/memory"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/permissions"
	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/turn"
	"github.com/DukeVenator/discordLLMReasoning-sub002/pkg/models"
)

// discordSession is the slice of discordgo.Session the adapter uses, kept as
// an interface so tests can fake the gateway.
type discordSession interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

// Adapter owns the gateway connection and dispatches one goroutine per turn.
type Adapter struct {
	cfgStore *config.Store
	session  discordSession
	orch     *turn.Orchestrator
	builder  *history.Builder
	memory   *memory.Manager
	logger   *slog.Logger

	mu        sync.RWMutex
	botUserID string
	connected bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter creates the Discord adapter. Call Bind before Start.
func NewAdapter(cfgStore *config.Store, mem *memory.Manager, logger *slog.Logger) (*Adapter, error) {
	cfg := cfgStore.Get()
	if cfg.Discord.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfgStore: cfgStore,
		memory:   mem,
		logger:   logger.With("component", "discord"),
	}, nil
}

// Bind attaches the turn orchestrator and history builder. The builder is
// bound here so the adapter can hand it the bot account ID on Ready. Must be
// called before Start.
func (a *Adapter) Bind(orch *turn.Orchestrator, builder *history.Builder) {
	a.orch = orch
	a.builder = builder
}

// Start opens the gateway connection and registers handlers.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return errors.New("discord: adapter already started")
	}

	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.cfgStore.Get().Discord.Token)
		if err != nil {
			return fmt.Errorf("discord: failed to create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentGuilds |
			discordgo.IntentGuildMessages |
			discordgo.IntentDirectMessages |
			discordgo.IntentMessageContent
		a.session = dg
	}

	a.session.AddHandler(a.handleReady)
	a.session.AddHandler(a.handleMessageCreate)
	a.session.AddHandler(a.handleInteractionCreate)

	// The turn context must exist before the gateway can deliver events.
	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.session.Open(); err != nil {
		a.cancel()
		return fmt.Errorf("discord: failed to open gateway: %w", err)
	}
	a.connected = true
	a.logger.Info("discord adapter started")
	return nil
}

// Stop closes the gateway and waits for in-flight turns. The lock is not
// held while waiting: running turns read adapter state through it.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	cancel := a.cancel
	session := a.session
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("stop timeout, abandoning in-flight turns")
	}

	if err := session.Close(); err != nil {
		return fmt.Errorf("discord: failed to close session: %w", err)
	}
	a.logger.Info("discord adapter stopped")
	return nil
}

func (a *Adapter) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	a.botUserID = r.User.ID
	a.mu.Unlock()
	if a.builder != nil {
		a.builder.SetBotUserID(r.User.ID)
	}

	a.logger.Info("discord connection ready", "user", r.User.Username, "guilds", len(r.Guilds))

	cfg := a.cfgStore.Get()
	if cfg.Discord.StatusMessage != "" {
		if err := s.UpdateCustomStatus(cfg.Discord.StatusMessage); err != nil {
			a.logger.Warn("failed to set status", "error", err)
		}
	}
	if err := a.registerCommands(r.User.ID); err != nil {
		a.logger.Error("failed to register slash commands", "error", err)
	}
}

// BotUserID returns the connected account's user ID, empty before Ready.
func (a *Adapter) BotUserID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botUserID
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	cfg := a.cfgStore.Get()
	channel, err := a.resolveChannel(m.ChannelID)
	if err != nil {
		a.logger.Warn("failed to resolve channel", "channel_id", m.ChannelID, "error", err)
		return
	}
	descriptor := describeChannel(channel)
	if descriptor.Kind == models.ChannelThread && channel.ParentID != "" {
		if parent, err := a.resolveChannel(channel.ParentID); err == nil {
			descriptor.CategoryID = parent.ParentID
		}
	}

	if descriptor.IsDM() {
		if !cfg.Discord.AllowDMs {
			return
		}
	} else if cfg.Discord.RequireMention && !mentionsUser(m.Message, a.BotUserID()) {
		return
	}

	actor := permissions.Actor{ID: m.Author.ID, IsBot: m.Author.Bot}
	if m.Member != nil {
		actor.Roles = m.Member.Roles
		actor.HasMember = true
	}

	fetcher := &messageFetcher{adapter: a}
	leaf := fetcher.convert(m.Message, channel)

	req := &turn.Request{
		Actor:   actor,
		Channel: descriptor,
		Message: leaf,
		Delivery: newStreamedReply(a.session, m.ChannelID, m.ID, replyConfig{
			EditInterval: cfg.Discord.EditInterval,
			MaxLength:    cfg.Discord.MaxMessageLength,
		}, a.logger),
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.orch.Run(a.ctx, req)
	}()
}

// resolveChannel checks the session state cache before hitting the API.
func (a *Adapter) resolveChannel(channelID string) (*discordgo.Channel, error) {
	if dg, ok := a.session.(*discordgo.Session); ok && dg.State != nil {
		if ch, err := dg.State.Channel(channelID); err == nil {
			return ch, nil
		}
	}
	return a.session.Channel(channelID)
}

// describeChannel maps a Discord channel onto the transport-neutral
// descriptor. For threads, ParentID is the parent channel and the category
// comes from that parent.
func describeChannel(ch *discordgo.Channel) models.ChannelDescriptor {
	d := models.ChannelDescriptor{ID: ch.ID, GuildID: ch.GuildID}
	switch {
	case ch.Type == discordgo.ChannelTypeDM || ch.Type == discordgo.ChannelTypeGroupDM:
		d.Kind = models.ChannelDM
	case ch.IsThread():
		d.Kind = models.ChannelThread
		d.ParentID = ch.ParentID
	default:
		d.Kind = models.ChannelGuild
		d.CategoryID = ch.ParentID
	}
	return d
}

func mentionsUser(m *discordgo.Message, userID string) bool {
	if userID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

// Fetcher exposes the reply-chain fetcher for wiring into the history
// builder.
func (a *Adapter) Fetcher() history.Fetcher {
	return &messageFetcher{adapter: a}
}

var _ history.Fetcher = (*messageFetcher)(nil)

const fetchTimeout = 10 * time.Second
