package discord

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/turn"
)

type replyConfig struct {
	EditInterval time.Duration
	MaxLength    int
}

// streamedReply delivers one turn's response as a reply that is edited in
// place while the stream runs. Edits are throttled to EditInterval and the
// text rolls over to follow-up messages past MaxLength.
type streamedReply struct {
	session   discordSession
	channelID string
	replyToID string
	cfg       replyConfig
	logger    *slog.Logger

	mu         sync.Mutex
	messageIDs []string
	written    []string
	text       strings.Builder
	lastEdit   time.Time
}

var _ turn.Delivery = (*streamedReply)(nil)

func newStreamedReply(session discordSession, channelID, replyToID string, cfg replyConfig, logger *slog.Logger) *streamedReply {
	if cfg.EditInterval <= 0 {
		cfg.EditInterval = 1300 * time.Millisecond
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 2000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &streamedReply{
		session:   session,
		channelID: channelID,
		replyToID: replyToID,
		cfg:       cfg,
		logger:    logger.With("component", "delivery"),
	}
}

// SendInitial posts the placeholder reply the stream will edit.
func (r *streamedReply) SendInitial(ctx context.Context, placeholder string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, err := r.session.ChannelMessageSendReply(r.channelID, placeholder, r.reference(), discordgo.WithContext(ctx))
	if err != nil {
		return err
	}
	r.messageIDs = []string{msg.ID}
	r.written = []string{placeholder}
	r.lastEdit = time.Now()
	return nil
}

// UpdateStreaming appends a delta and flushes when the edit interval elapsed.
func (r *streamedReply) UpdateStreaming(ctx context.Context, delta string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.text.WriteString(delta)
	if time.Since(r.lastEdit) < r.cfg.EditInterval {
		return nil
	}
	return r.flush(ctx)
}

// Finalize replaces the accumulated text with the final rendering and flushes
// unconditionally.
func (r *streamedReply) Finalize(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.text.Reset()
	r.text.WriteString(text)
	if len(r.messageIDs) == 0 {
		// Failure before the placeholder went out; deliver as a fresh reply.
		msg, err := r.session.ChannelMessageSendReply(r.channelID, orEllipsis(text), r.reference(), discordgo.WithContext(ctx))
		if err != nil {
			return err
		}
		r.messageIDs = []string{msg.ID}
		r.written = []string{orEllipsis(text)}
		return nil
	}
	return r.flush(ctx)
}

// Notify posts an out-of-band reply, outside the streamed message chain.
func (r *streamedReply) Notify(ctx context.Context, text string) error {
	_, err := r.session.ChannelMessageSendReply(r.channelID, text, r.reference(), discordgo.WithContext(ctx))
	return err
}

func (r *streamedReply) reference() *discordgo.MessageReference {
	return &discordgo.MessageReference{ChannelID: r.channelID, MessageID: r.replyToID}
}

// flush reconciles the sent messages with the accumulated text: existing
// messages are edited when their chunk changed, extra chunks become new
// messages, and messages past the final chunk count are deleted so a
// shrinking finalize (e.g. after directive markers are stripped) leaves no
// stale partial text behind. Callers hold the lock.
func (r *streamedReply) flush(ctx context.Context) error {
	chunks := chunkText(r.text.String(), r.cfg.MaxLength)
	if len(chunks) == 0 {
		chunks = []string{"..."}
	}

	var firstErr error
	for i, chunk := range chunks {
		if i < len(r.messageIDs) {
			if r.written[i] == chunk {
				continue
			}
			if _, err := r.session.ChannelMessageEdit(r.channelID, r.messageIDs[i], chunk, discordgo.WithContext(ctx)); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			r.written[i] = chunk
			continue
		}
		msg, err := r.session.ChannelMessageSend(r.channelID, chunk, discordgo.WithContext(ctx))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		r.messageIDs = append(r.messageIDs, msg.ID)
		r.written = append(r.written, chunk)
	}

	if len(r.messageIDs) > len(chunks) {
		for _, id := range r.messageIDs[len(chunks):] {
			if err := r.session.ChannelMessageDelete(r.channelID, id, discordgo.WithContext(ctx)); err != nil {
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		r.messageIDs = r.messageIDs[:len(chunks)]
		r.written = r.written[:len(chunks)]
	}

	r.lastEdit = time.Now()
	return firstErr
}

// chunkText splits text into rune-safe chunks of at most maxLen characters.
func chunkText(text string, maxLen int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	var chunks []string
	for len(runes) > maxLen {
		chunks = append(chunks, string(runes[:maxLen]))
		runes = runes[maxLen:]
	}
	return append(chunks, string(runes))
}

func orEllipsis(text string) string {
	if strings.TrimSpace(text) == "" {
		return "..."
	}
	return text
}
