package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// memoryCommands is the application command set registered on Ready.
var memoryCommands = []*discordgo.ApplicationCommand{
	{
		Name:        "memory",
		Description: "View or edit what the bot remembers about you",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "show",
				Description: "Show your stored memory",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "update",
				Description: "Replace your stored memory with new content",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "content",
						Description: "The new memory content",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "wipe",
				Description: "Delete everything the bot remembers about you",
			},
		},
	},
	{
		Name:        "forget",
		Description: "Delete everything the bot remembers about you",
	},
}

func (a *Adapter) registerCommands(appID string) error {
	if !a.memory.Enabled() {
		return nil
	}
	if _, err := a.session.ApplicationCommandBulkOverwrite(appID, "", memoryCommands); err != nil {
		return fmt.Errorf("discord: failed to register commands: %w", err)
	}
	a.logger.Info("slash commands registered", "count", len(memoryCommands))
	return nil
}

func (a *Adapter) handleInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	data := i.ApplicationCommandData()
	userID := interactionUserID(i)
	if userID == "" {
		a.respondEphemeral(i.Interaction, "Could not identify you.")
		return
	}

	var reply string
	switch data.Name {
	case "memory":
		reply = a.runMemorySubcommand(ctx, userID, data)
	case "forget":
		reply = a.wipeMemory(ctx, userID)
	default:
		return
	}
	a.respondEphemeral(i.Interaction, reply)
}

func (a *Adapter) runMemorySubcommand(ctx context.Context, userID string, data discordgo.ApplicationCommandInteractionData) string {
	if !a.memory.Enabled() {
		return "Memory is disabled."
	}
	if len(data.Options) == 0 {
		return "Missing subcommand."
	}
	sub := data.Options[0]
	switch sub.Name {
	case "show":
		text, err := a.memory.Describe(ctx, userID)
		if err != nil {
			a.logger.Error("memory show failed", "user_id", userID, "error", err)
			return "Failed to load your memory."
		}
		return text
	case "update":
		if len(sub.Options) == 0 {
			return "Missing content."
		}
		content := sub.Options[0].StringValue()
		if err := a.memory.Store().ReplaceAll(ctx, userID, content); err != nil {
			a.logger.Error("memory update failed", "user_id", userID, "error", err)
			return "Failed to update your memory."
		}
		return "Memory updated."
	case "wipe":
		return a.wipeMemory(ctx, userID)
	default:
		return "Unknown subcommand."
	}
}

func (a *Adapter) wipeMemory(ctx context.Context, userID string) string {
	if !a.memory.Enabled() {
		return "Memory is disabled."
	}
	if err := a.memory.Store().DeleteAll(ctx, userID); err != nil {
		a.logger.Error("memory wipe failed", "user_id", userID, "error", err)
		return "Failed to wipe your memory."
	}
	return "Memory wiped."
}

func (a *Adapter) respondEphemeral(i *discordgo.Interaction, text string) {
	err := a.session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: text,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		a.logger.Error("interaction response failed", "error", err)
	}
}

// interactionUserID works in both guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
