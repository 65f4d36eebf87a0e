package discordbot

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/akagifreeez/aiverse/internal/handlers"
	"github.com/akagifreeez/aiverse/internal/models"
	"github.com/akagifreeez/aiverse/internal/services"
)

// BotHandler answers slash commands by calling the admin API, so the bot
// can run anywhere the API is reachable.
type BotHandler struct {
	apiBaseURL  string
	adminSecret string
	httpClient  *http.Client
	printer     *message.Printer
}

func NewBotHandler(apiBaseURL, adminSecret string) *BotHandler {
	return &BotHandler{
		apiBaseURL:  strings.TrimRight(apiBaseURL, "/"),
		adminSecret: adminSecret,
		// test-all can take a while on a large pool
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		printer:    message.NewPrinter(language.Vietnamese),
	}
}

func providerChoices() []*discordgo.ApplicationCommandOptionChoice {
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(models.Providers))
	for _, p := range models.Providers {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: string(p), Value: string(p)})
	}
	return choices
}

var commands = []*discordgo.ApplicationCommand{
	{
		Name:        "keys_stats",
		Description: "Show the API key pool per provider",
	},
	{
		Name:        "keys_test",
		Description: "Probe every key of a provider",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "provider",
				Description: "Provider to probe",
				Required:    true,
				Choices:     providerChoices(),
			},
		},
	},
	{
		Name:        "help",
		Description: "Display help information about the AIverse key bot",
	},
}

func (h *BotHandler) RegisterHandlers(s *discordgo.Session) {
	s.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		switch i.ApplicationCommandData().Name {
		case "keys_stats":
			h.handleStats(s, i)
		case "keys_test":
			h.handleTest(s, i)
		case "help":
			h.handleHelp(s, i)
		}
	})
}

func (h *BotHandler) RegisterCommands(s *discordgo.Session, appID, guildID string) ([]*discordgo.ApplicationCommand, error) {
	registeredCommands := make([]*discordgo.ApplicationCommand, len(commands))
	var err error
	for idx, cmd := range commands {
		registeredCommands[idx], err = s.ApplicationCommandCreate(appID, guildID, cmd)
		if err != nil {
			return nil, fmt.Errorf("cannot create '%v' command: %w", cmd.Name, err)
		}
	}
	return registeredCommands, nil
}

func (h *BotHandler) adminRequest(method, path string, out any) error {
	req, err := http.NewRequest(method, h.apiBaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set(handlers.AdminSecretHeader, h.adminSecret)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin API returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (h *BotHandler) fetchStats() (map[models.Provider]models.ProviderStats, error) {
	var stats map[models.Provider]models.ProviderStats
	err := h.adminRequest(http.MethodGet, "/api/v1/admin/keys/stats", &stats)
	return stats, err
}

func (h *BotHandler) fetchTestAll(provider models.Provider) ([]services.TestResult, error) {
	var body struct {
		Results []services.TestResult `json:"results"`
	}
	path := "/api/v1/admin/keys/test-all?provider=" + url.QueryEscape(string(provider))
	err := h.adminRequest(http.MethodPost, path, &body)
	return body.Results, err
}

func (h *BotHandler) statsEmbed(stats map[models.Provider]models.ProviderStats) *discordgo.MessageEmbed {
	fields := make([]*discordgo.MessageEmbedField, 0, len(models.Providers))
	for _, p := range models.Providers {
		st := stats[p]
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   string(p),
			Value:  h.printer.Sprintf("%d/%d active\n%d uses, %d errors", st.Active, st.Total, st.TotalUsage, st.Errors),
			Inline: true,
		})
	}
	return &discordgo.MessageEmbed{
		Title:  "API key pool",
		Color:  0x0099ff,
		Fields: fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Updated: %s", time.Now().UTC().Format("2006-01-02 15:04:05 UTC")),
		},
	}
}

func (h *BotHandler) testEmbed(provider models.Provider, results []services.TestResult) *discordgo.MessageEmbed {
	ok := 0
	var failures []string
	for _, r := range results {
		if r.Success {
			ok++
			continue
		}
		failures = append(failures, fmt.Sprintf("`%s` %s", r.Alias, r.Error))
	}

	color := 0x00ff00
	if len(failures) > 0 {
		color = 0xE74C3C
	}

	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Key check: %s", provider),
		Description: h.printer.Sprintf("%d of %d keys responded", ok, len(results)),
		Color:       color,
	}
	if len(failures) > 0 {
		// Embed field values are capped at 1024 characters
		value := strings.Join(failures, "\n")
		if len(value) > 1024 {
			value = value[:1020] + "\n..."
		}
		embed.Fields = []*discordgo.MessageEmbedField{{Name: "Failures", Value: value}}
	}
	return embed
}

func deferReply(s *discordgo.Session, i *discordgo.InteractionCreate) {
	// Acknowledge the interaction immediately to avoid timeout
	s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
}

func editText(s *discordgo.Session, i *discordgo.InteractionCreate, text string) {
	s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &text})
}

func (h *BotHandler) handleStats(s *discordgo.Session, i *discordgo.InteractionCreate) {
	deferReply(s, i)

	stats, err := h.fetchStats()
	if err != nil {
		editText(s, i, "Error fetching key stats from API.")
		return
	}
	s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{
		Embeds: &[]*discordgo.MessageEmbed{h.statsEmbed(stats)},
	})
}

func (h *BotHandler) handleTest(s *discordgo.Session, i *discordgo.InteractionCreate) {
	deferReply(s, i)

	var provider models.Provider
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == "provider" {
			provider = models.Provider(opt.StringValue())
			break
		}
	}

	results, err := h.fetchTestAll(provider)
	if err != nil {
		editText(s, i, "Error running key check.")
		return
	}
	s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{
		Embeds: &[]*discordgo.MessageEmbed{h.testEmbed(provider, results)},
	})
}

func (h *BotHandler) handleHelp(s *discordgo.Session, i *discordgo.InteractionCreate) {
	embed := &discordgo.MessageEmbed{
		Title:       "AIverse Key Bot Help",
		Description: "Inspect the provider API key pool without opening the admin panel.",
		Color:       0x00ff00,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  "/keys_stats",
				Value: "Total, active and failing keys per provider.",
			},
			{
				Name:  "/keys_test <provider>",
				Value: "Probe every key of a provider and list the ones that failed.",
			},
		},
	}
	s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
		},
	})
}
