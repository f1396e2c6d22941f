package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/DukeVenator/discordLLMReasoning-sub002/internal/history"
	"github.com/DukeVenator/discordLLMReasoning-sub002/pkg/models"
)

// messageFetcher loads reply-chain parents through the Discord API and maps
// them to transport-neutral source messages.
type messageFetcher struct {
	adapter *Adapter
}

// FetchMessage fetches one message and resolves its parent link.
func (f *messageFetcher) FetchMessage(ctx context.Context, channelID, messageID string) (*history.SourceMessage, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	msg, err := f.adapter.session.ChannelMessage(channelID, messageID, discordgo.WithContext(fetchCtx))
	if err != nil {
		return nil, fmt.Errorf("discord: failed to fetch message %s/%s: %w", channelID, messageID, err)
	}
	channel, err := f.adapter.resolveChannel(channelID)
	if err != nil {
		// Parent resolution degrades to reply references only.
		channel = nil
	}
	return f.convert(msg, channel), nil
}

// convert maps a Discord message onto a source message, applying the implicit
// chain rules: an explicit reply reference wins; a thread message with no
// reference links to the thread's starter message (which shares the thread's
// ID and lives in the parent channel); a DM message with no reference chains
// to the previous message in the channel when that message is the bot's.
func (f *messageFetcher) convert(msg *discordgo.Message, channel *discordgo.Channel) *history.SourceMessage {
	src := &history.SourceMessage{
		ID:        msg.ID,
		ChannelID: msg.ChannelID,
		Content:   msg.Content,
	}
	if msg.Author != nil {
		src.AuthorID = msg.Author.ID
		src.AuthorName = msg.Author.Username
		src.AuthorIsBot = msg.Author.Bot
	}
	for _, att := range msg.Attachments {
		if att == nil {
			continue
		}
		src.Attachments = append(src.Attachments, models.Attachment{
			ID:          att.ID,
			URL:         att.URL,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        int64(att.Size),
		})
	}

	if ref := msg.MessageReference; ref != nil && ref.MessageID != "" {
		src.ParentChannelID = ref.ChannelID
		if src.ParentChannelID == "" {
			src.ParentChannelID = msg.ChannelID
		}
		src.ParentMessageID = ref.MessageID
		return src
	}

	if channel == nil {
		return src
	}

	switch {
	case channel.IsThread():
		// Only the thread's first message links back to the starter; later
		// messages without a reply reference start a fresh chain.
		if channel.ParentID != "" && msg.ID != channel.ID && f.isFirstInChannel(msg.ChannelID, msg.ID) {
			src.ParentChannelID = channel.ParentID
			src.ParentMessageID = channel.ID
		}
	case channel.Type == discordgo.ChannelTypeDM:
		if prev := f.previousBotMessage(msg.ChannelID, msg.ID); prev != "" {
			src.ParentChannelID = msg.ChannelID
			src.ParentMessageID = prev
		}
	}
	return src
}

// isFirstInChannel reports whether no message precedes beforeID.
func (f *messageFetcher) isFirstInChannel(channelID, beforeID string) bool {
	msgs, err := f.adapter.session.ChannelMessages(channelID, 1, beforeID, "", "")
	return err == nil && len(msgs) == 0
}

// previousBotMessage returns the ID of the message directly before beforeID
// when it was authored by the bot, otherwise "".
func (f *messageFetcher) previousBotMessage(channelID, beforeID string) string {
	msgs, err := f.adapter.session.ChannelMessages(channelID, 1, beforeID, "", "")
	if err != nil || len(msgs) == 0 {
		return ""
	}
	prev := msgs[0]
	if prev.Author == nil || !prev.Author.Bot || prev.Author.ID != f.adapter.BotUserID() {
		return ""
	}
	if prev.Type != discordgo.MessageTypeDefault && prev.Type != discordgo.MessageTypeReply {
		return ""
	}
	return prev.ID
}
