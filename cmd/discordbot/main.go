package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/akagifreeez/aiverse/internal/app"
	"github.com/akagifreeez/aiverse/internal/discordbot"
)

type botConfig struct {
	Token       string
	AppID       string
	GuildID     string
	AdminSecret string
	APIBaseURL  string
}

func loadBotConfig(getenv func(string) string) (botConfig, error) {
	cfg := botConfig{
		Token:       getenv("DISCORD_BOT_TOKEN"),
		AppID:       getenv("DISCORD_CLIENT_ID"),
		GuildID:     getenv("DISCORD_GUILD_ID"),
		AdminSecret: getenv("ADMIN_SECRET"),
		APIBaseURL:  getenv("API_BASE_URL"),
	}

	var errs []error
	if cfg.Token == "" {
		errs = append(errs, errors.New("DISCORD_BOT_TOKEN is required"))
	}
	if cfg.AppID == "" {
		errs = append(errs, errors.New("DISCORD_CLIENT_ID is required"))
	}
	if cfg.AdminSecret == "" {
		errs = append(errs, errors.New("ADMIN_SECRET is required"))
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:8080"
	}
	return cfg, errors.Join(errs...)
}

func main() {
	_ = godotenv.Load()
	app.SetupLogger(os.Getenv("LOG_LEVEL"))

	cfg, err := loadBotConfig(os.Getenv)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid bot configuration")
	}

	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		log.Fatal().Err(err).Msg("error creating Discord session")
	}

	bot := discordbot.NewBotHandler(cfg.APIBaseURL, cfg.AdminSecret)
	bot.RegisterHandlers(dg)

	if err := dg.Open(); err != nil {
		log.Fatal().Err(err).Msg("error opening Discord gateway")
	}
	defer dg.Close()

	registered, err := bot.RegisterCommands(dg, cfg.AppID, cfg.GuildID)
	if err != nil {
		log.Fatal().Err(err).Msg("error registering slash commands")
	}
	log.Info().
		Int("commands", len(registered)).
		Str("guild", cfg.GuildID).
		Str("api", cfg.APIBaseURL).
		Msg("Key bot online")

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	<-sc

	log.Info().Msg("Key bot shutting down")
}
