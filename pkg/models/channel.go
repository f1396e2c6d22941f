package models

// ChannelKind classifies where a message arrived.
type ChannelKind string

const (
	ChannelDM     ChannelKind = "dm"
	ChannelGuild  ChannelKind = "guild"
	ChannelThread ChannelKind = "thread"
)

// ChannelDescriptor identifies the channel context of an inbound message.
// For threads, ParentID is the containing channel; CategoryID is the channel
// category when the guild organizes channels into categories.
type ChannelDescriptor struct {
	ID         string      `json:"id"`
	Kind       ChannelKind `json:"kind"`
	ParentID   string      `json:"parent_id,omitempty"`
	CategoryID string      `json:"category_id,omitempty"`
	GuildID    string      `json:"guild_id,omitempty"`
}

// IsDM reports whether the descriptor refers to a direct-message channel.
func (c ChannelDescriptor) IsDM() bool { return c.Kind == ChannelDM }
