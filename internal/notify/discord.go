package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/akagifreeez/aiverse/internal/events"
)

const colorRed = 0xE74C3C

type messageSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier posts an alert to an ops channel whenever a provider
// rejects a key's credentials.
type DiscordNotifier struct {
	sender    messageSender
	channelID string
	printer   *message.Printer
}

func NewDiscordNotifier(botToken, channelID string) (*DiscordNotifier, error) {
	if botToken == "" || channelID == "" {
		return nil, errors.New("discord bot token and channel id are required")
	}
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	return newDiscordNotifier(session, channelID), nil
}

func newDiscordNotifier(sender messageSender, channelID string) *DiscordNotifier {
	return &DiscordNotifier{
		sender:    sender,
		channelID: channelID,
		printer:   message.NewPrinter(language.Vietnamese),
	}
}

// Run consumes events until ctx is done or the channel closes
func (n *DiscordNotifier) Run(ctx context.Context, in <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			if err := n.Handle(e); err != nil {
				log.Error().Err(err).Str("key_id", e.Key.ID).Msg("Failed to send Discord key alert")
			}
		}
	}
}

// Handle sends an alert for failed auth probes and ignores everything else
func (n *DiscordNotifier) Handle(e events.Event) error {
	if e.Type != events.KeyTested || e.Test == nil || e.Test.Success || e.Test.Kind != "auth" {
		return nil
	}

	k := e.Key
	status := "active"
	if !k.IsActive {
		status = "disabled"
	}

	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("API key rejected: %s", k.Provider),
		Color: colorRed,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Key", Value: k.Alias, Inline: true},
			{Name: "Status", Value: status, Inline: true},
			{Name: "Error", Value: e.Test.Error, Inline: false},
			{Name: "Uses", Value: n.printer.Sprintf("%d", k.UsageCount), Inline: true},
			{Name: "Errors", Value: n.printer.Sprintf("%d", k.ErrorCount), Inline: true},
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: "AIverse key pool"},
		Timestamp: e.At.Format(time.RFC3339),
	}

	_, err := n.sender.ChannelMessageSendComplex(n.channelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
	})
	return err
}
