package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/skillrelay/internal/activity"
	"github.com/nidhogg/skillrelay/internal/api"
	"github.com/nidhogg/skillrelay/internal/auth"
	"github.com/nidhogg/skillrelay/internal/bot"
	"github.com/nidhogg/skillrelay/internal/calling"
	"github.com/nidhogg/skillrelay/internal/command"
	"github.com/nidhogg/skillrelay/internal/config"
	"github.com/nidhogg/skillrelay/internal/dialog"
	"github.com/nidhogg/skillrelay/internal/gateway"
	"github.com/nidhogg/skillrelay/internal/skill"
	"github.com/nidhogg/skillrelay/internal/state"
	pgstore "github.com/nidhogg/skillrelay/internal/store"
	"github.com/nidhogg/skillrelay/internal/telemetry"
	"github.com/nidhogg/skillrelay/internal/transport"
	"github.com/nidhogg/skillrelay/internal/turn"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/skillrelay.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting skill relay...", zap.String("config", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.New()

	// Skill manifests
	manifests, err := skill.LoadFromDir(cfg.SkillsDir)
	if err != nil {
		logger.Fatal("failed to load skills", zap.String("dir", cfg.SkillsDir), zap.Error(err))
	}
	for _, u := range cfg.SkillManifestURLs {
		m, fErr := fetchManifest(ctx, u, cfg.Transport.RequestTimeout.Std())
		if fErr != nil {
			logger.Fatal("failed to fetch skill manifest", zap.String("url", u), zap.Error(fErr))
		}
		logger.Info("Fetched skill manifest", zap.String("skill", m.ID), zap.String("endpoint", m.Endpoint))
		manifests = append(manifests, m)
	}
	skills, err := skill.ConfigurationFromList(cfg.Host.CallbackEndpoint(), manifests)
	if err != nil {
		logger.Fatal("invalid skill configuration", zap.Error(err))
	}
	logger.Info("Skills loaded", zap.Int("count", skills.Len()))

	// Conversation and user state
	var storage state.Storage = state.NewMemoryStorage()
	if cfg.Database.Redis.URL != "" {
		rs, rErr := state.NewRedisStorage(ctx, cfg.Database.Redis.URL, cfg.Database.Redis.StateTTL.Std(), logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, keeping state in memory", zap.Error(rErr))
		} else {
			defer rs.Close()
			storage = rs
		}
	}
	convState := state.NewConversationState(storage)
	userState := state.NewUserState(storage)

	// Session history
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without session history", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, cfg.Database.Postgres.MigrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			defer ps.Close()
			pgStore = ps
		}
	}

	// Auth
	creds, err := newCredentials(ctx, cfg.Auth.Credentials)
	if err != nil {
		logger.Fatal("invalid credentials", zap.Error(err))
	}
	verifier, err := newVerifier(ctx, cfg.Auth.Verifier)
	if err != nil {
		logger.Fatal("invalid verifier", zap.Error(err))
	}
	gate := auth.NewGate(verifier, auth.NewWhitelist(cfg.Auth.AllowedCallers...), logger, metrics)

	// Skill transports share one handler registry so HTTP callbacks reach
	// the forward in flight.
	handlers := calling.NewRegistry(0)
	wsTransport := transport.NewWebSocketTransport(transport.WebSocketConfig{
		RequestTimeout: cfg.Transport.RequestTimeout.Std(),
		DialAttempts:   cfg.Transport.DialAttempts,
		ReadLimit:      cfg.Transport.ReadLimit,
	}, handlers, logger, metrics)
	httpTransport := transport.NewHTTPTransport(cfg.Host.CallbackEndpoint(), cfg.Transport.RequestTimeout.Std(), handlers, logger, metrics)
	tr := &transport.Switch{WebSocket: wsTransport, HTTP: httpTransport}
	defer tr.Disconnect()

	// Gateway
	gw := gateway.NewGateway(activity.ChannelAccount{ID: cfg.Host.AppID, Name: "skillrelay"}, logger)
	restAdapter := gateway.NewRESTAdapter(logger)
	var statusAdapters []gateway.PlatformAdapter
	statusAdapters = append(statusAdapters, restAdapter)
	if cfg.Gateway.Slack.Enabled {
		slackAdapter := gateway.NewSlackAdapter(cfg.Gateway.Slack.BotToken, cfg.Gateway.Slack.AppToken, logger)
		for id, p := range cfg.Gateway.Personas {
			slackAdapter.SetPersona(id, &gateway.Persona{Name: p.Name, IconURL: p.IconURL, Emoji: p.Emoji})
		}
		statusAdapters = append(statusAdapters, slackAdapter)
	}
	if cfg.Gateway.Discord.Enabled {
		discordAdapter := gateway.NewDiscordAdapter(cfg.Gateway.Discord.BotToken, logger)
		for id, p := range cfg.Gateway.Personas {
			discordAdapter.SetPersona(id, &gateway.Persona{Name: p.Name, IconURL: p.IconURL, Emoji: p.Emoji})
		}
		for channelID, hook := range cfg.Gateway.Discord.Webhooks {
			discordAdapter.SetWebhook(channelID, hook)
		}
		statusAdapters = append(statusAdapters, discordAdapter)
	}
	broadcaster := gateway.NewBroadcaster(gw, cfg.Gateway.BroadcastPlatforms, logger)

	// Skill dialogs and the bot
	var recorder dialog.SessionRecorder
	if pgStore != nil {
		recorder = pgStore
	}
	coord := dialog.NewCoordinator(convState, recorder, metrics, logger)
	commands := command.NewRegistry()
	var notifier bot.Notifier
	if len(cfg.Gateway.BroadcastPlatforms) > 0 {
		notifier = broadcaster
	}
	relay := bot.New(bot.Config{
		Adapter:     gw,
		Coordinator: coord,
		Skills:      skills,
		Commands:    commands,
		Middleware:  []turn.Middleware{dialog.NewMiddleware(logger, coord.SkillEnded, convState)},
		Notifier:    notifier,
		EndReply:    cfg.Bot.EndReply,
		Logger:      logger,
	})
	for _, m := range skills.All() {
		coord.Add(dialog.New(m, tr, dialog.Options{
			Credentials:       creds,
			ConversationState: convState,
			UserState:         userState,
			Recognizer:        dialog.ManifestRecognizer{Skills: skills},
			LateEnd:           relay.LateEnd(),
			Logger:            logger,
		}))
	}
	command.RegisterBuiltins(commands, relay, coord, gatewayStatus{gw})

	// Wire the bot BEFORE registering adapters (Register captures handler)
	gw.SetHandler(relay.Handle)
	for _, a := range statusAdapters {
		gw.Register(a)
	}
	if err := gw.ConnectAll(ctx); err != nil {
		logger.Warn("some gateway adapters failed to connect", zap.Error(err))
	}
	defer gw.Close()

	// Build HTTP handler
	var sessions api.SessionLister
	if pgStore != nil {
		sessions = pgStore
	}
	callbacks := gate.Middleware(transport.CallbackHandler(handlers, logger))
	handler := api.NewHandler(skills, sessions, broadcaster, restAdapter, gw, callbacks, metrics, logger)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Skill relay listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down skill relay...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	zc := zap.NewDevelopmentConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zc.Level = lvl
	}
	logger, err := zc.Build()
	if err != nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

func newCredentials(ctx context.Context, c config.CredentialsConfig) (auth.Credentials, error) {
	switch c.Mode {
	case "oauth":
		return auth.NewClientCredentials(ctx, c.AppID, c.Secret, c.TokenURL, c.Scopes...), nil
	case "static":
		return &auth.StaticCredentials{AppID: c.AppID, Secret: c.Secret, Issuer: c.Issuer, Audience: c.Audience}, nil
	}
	return nil, fmt.Errorf("unknown credentials mode %q", c.Mode)
}

func newVerifier(ctx context.Context, v config.VerifierConfig) (auth.Verifier, error) {
	switch v.Mode {
	case "jwks":
		return auth.NewJWKSVerifier(ctx, auth.JWKSConfig{
			MetadataURL: v.MetadataURL,
			Issuers:     v.Issuers,
			Audience:    v.Audience,
		}, &http.Client{Timeout: 10 * time.Second})
	case "static":
		return auth.NewStaticVerifier(v.Secret, "", v.Audience), nil
	}
	return nil, fmt.Errorf("unknown verifier mode %q", v.Mode)
}

// gatewayStatus reports adapter state to the /status command.
type gatewayStatus struct{ gw *gateway.Gateway }

func (s gatewayStatus) StatusAll() []command.AdapterStatus {
	var out []command.AdapterStatus
	for _, st := range s.gw.Statuses() {
		details := st.Details
		if st.Error != "" {
			details = st.Error
		}
		out = append(out, command.AdapterStatus{Platform: st.Platform, Connected: st.Connected, Details: details})
	}
	return out
}

// fetchManifest downloads a running skill's manifest, retrying while the
// skill is still starting.
func fetchManifest(ctx context.Context, url string, timeout time.Duration) (*skill.Manifest, error) {
	client := &http.Client{Timeout: timeout}
	op := func() (*skill.Manifest, error) {
		return skill.FetchManifest(ctx, client, url)
	}
	return backoff.Retry(ctx, op, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
}
