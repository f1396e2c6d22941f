// Package history assembles bounded chat context from a reply chain. The
// builder walks parent references backward from a leaf message, normalizing
// each message into a cached node, and shapes the result to the active
// provider's capabilities.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/providers"
	"github.com/DukeVenator/discordLLMReasoning-sub002/pkg/models"
)

// SourceMessage is one raw platform message. The fetcher resolves parent
// references (explicit replies, thread starters, implicit DM chains) before
// handing it over.
type SourceMessage struct {
	ID        string
	ChannelID string

	AuthorID    string
	AuthorName  string
	AuthorIsBot bool

	Content     string
	Attachments []models.Attachment

	// ParentChannelID/ParentMessageID point at the previous message in the
	// conversation. Empty ParentMessageID ends the chain.
	ParentChannelID string
	ParentMessageID string
}

// Fetcher retrieves messages from the platform.
type Fetcher interface {
	FetchMessage(ctx context.Context, channelID, messageID string) (*SourceMessage, error)
}

// Node is the normalized, provider-independent form of one message.
// Immutable once cached; capability shaping happens at build time.
type Node struct {
	ID         string
	Role       models.Role
	Text       string
	Images     []string
	AuthorID   string
	AuthorName string

	ParentChannelID string
	ParentMessageID string

	// DroppedAttachments records that at least one attachment failed
	// validation during normalization. Truncated records a text cap cut.
	DroppedAttachments bool
	Truncated          bool
}

// Config bounds the assembled context.
type Config struct {
	MaxMessages   int
	MaxTextLength int
	MaxImages     int
	MaxImageBytes int64
}

// Builder produces chronological ChatMessage lists with non-fatal warnings.
type Builder struct {
	cfg     Config
	cache   *NodeCache
	fetcher Fetcher
	logger  *slog.Logger

	// botUserID classifies authorship and strips self-mentions. It is set
	// late when the platform only reveals the account ID after connecting.
	mu        sync.RWMutex
	botUserID string
}

// NewBuilder creates a history builder.
func NewBuilder(cfg Config, cache *NodeCache, fetcher Fetcher, botUserID string, logger *slog.Logger) *Builder {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 25
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = 100000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		cfg:       cfg,
		cache:     cache,
		fetcher:   fetcher,
		logger:    logger.With("component", "history"),
		botUserID: botUserID,
	}
}

// SetBotUserID updates the bot account ID used for role classification.
func (b *Builder) SetBotUserID(id string) {
	b.mu.Lock()
	b.botUserID = id
	b.mu.Unlock()
}

func (b *Builder) botID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.botUserID
}

// Build walks the reply chain backward from leaf and returns chronological
// history plus warnings. A fetch failure truncates the chain with a warning
// instead of failing the turn.
func (b *Builder) Build(ctx context.Context, leaf *SourceMessage, caps providers.Capabilities) ([]models.ChatMessage, []string) {
	var warnings []string
	var reversed []models.ChatMessage

	node := b.normalize(leaf)
	b.cache.Put(node.ID, node)

	for {
		msg, nodeWarnings := b.toChatMessage(node, caps)
		warnings = append(warnings, nodeWarnings...)
		reversed = append(reversed, msg)

		if len(reversed) >= b.cfg.MaxMessages {
			if node.ParentMessageID != "" {
				warnings = append(warnings, fmt.Sprintf("history truncated to the last %d messages", b.cfg.MaxMessages))
			}
			break
		}
		if node.ParentMessageID == "" {
			break
		}

		parent, ok := b.cache.Get(node.ParentMessageID)
		if !ok {
			fetched, err := b.fetcher.FetchMessage(ctx, node.ParentChannelID, node.ParentMessageID)
			if err != nil {
				b.logger.Warn("parent fetch failed, truncating chain",
					"message_id", node.ParentMessageID, "error", err)
				warnings = append(warnings, "an earlier message could not be loaded; history starts here")
				break
			}
			parent = b.normalize(fetched)
			b.cache.Put(parent.ID, parent)
		}
		node = parent
	}

	// Oldest first.
	history := make([]models.ChatMessage, len(reversed))
	for i, msg := range reversed {
		history[len(reversed)-1-i] = msg
	}
	return history, warnings
}

// normalize converts a raw message into a cacheable node: self-mentions
// stripped, role classified, oversized text cut, image attachments validated.
func (b *Builder) normalize(msg *SourceMessage) *Node {
	node := &Node{
		ID:              msg.ID,
		AuthorID:        msg.AuthorID,
		AuthorName:      msg.AuthorName,
		ParentChannelID: msg.ParentChannelID,
		ParentMessageID: msg.ParentMessageID,
	}

	botID := b.botID()
	if msg.AuthorIsBot && msg.AuthorID == botID {
		node.Role = models.RoleAssistant
	} else {
		node.Role = models.RoleUser
	}

	text := msg.Content
	if botID != "" {
		text = strings.ReplaceAll(text, "<@"+botID+">", "")
		text = strings.ReplaceAll(text, "<@!"+botID+">", "")
	}
	text = strings.TrimSpace(text)
	if runes := []rune(text); len(runes) > b.cfg.MaxTextLength {
		text = string(runes[:b.cfg.MaxTextLength])
		node.Truncated = true
	}
	node.Text = text

	for _, att := range msg.Attachments {
		if !att.IsImage() {
			node.DroppedAttachments = true
			continue
		}
		if b.cfg.MaxImageBytes > 0 && att.Size > b.cfg.MaxImageBytes {
			node.DroppedAttachments = true
			continue
		}
		if b.cfg.MaxImages > 0 && len(node.Images) >= b.cfg.MaxImages {
			node.DroppedAttachments = true
			continue
		}
		node.Images = append(node.Images, att.URL)
	}
	if b.cfg.MaxImages <= 0 && len(msg.Attachments) > 0 {
		// Images disabled entirely.
		node.Images = nil
		node.DroppedAttachments = true
	}

	return node
}

// toChatMessage shapes a node for the active provider. Vision gating and
// username folding happen here so cached nodes stay provider-independent.
func (b *Builder) toChatMessage(node *Node, caps providers.Capabilities) (models.ChatMessage, []string) {
	var warnings []string

	msg := models.ChatMessage{Role: node.Role}

	text := node.Text
	if node.Role == models.RoleUser {
		if caps.Usernames {
			msg.Name = sanitizeName(node.AuthorName)
		} else if node.AuthorID != "" {
			text = fmt.Sprintf("User (%s/%s): %s", node.AuthorName, node.AuthorID, text)
		}
	}

	images := node.Images
	if len(images) > 0 && !caps.Vision {
		warnings = append(warnings, "image attachments were ignored: the current model cannot see images")
		images = nil
	}
	if node.DroppedAttachments {
		warnings = append(warnings, "some attachments were skipped (unsupported type or too large)")
	}
	if node.Truncated {
		warnings = append(warnings, "a long message was shortened to fit the context limit")
	}

	if len(images) > 0 {
		parts := make([]models.ContentPart, 0, len(images)+1)
		if text != "" {
			parts = append(parts, models.ContentPart{Type: models.PartText, Text: text})
		}
		for _, url := range images {
			parts = append(parts, models.ContentPart{Type: models.PartImage, ImageURL: url})
		}
		msg.Parts = parts
	} else {
		msg.Content = text
	}

	return msg, warnings
}

// sanitizeName restricts author names to what chat APIs accept in the name
// field.
func sanitizeName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		}
	}
	if sb.Len() == 0 {
		return "user"
	}
	s := sb.String()
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}
