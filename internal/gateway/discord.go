package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordAdapter implements PlatformAdapter for Discord using the bot gateway.
type DiscordAdapter struct {
	token       string
	session     *discordgo.Session
	handler     MessageHandler
	personas    map[string]*Persona // skillID -> persona
	webhooks    map[string]string   // channelID -> webhook URL for persona messages
	connected   bool
	connectedAt time.Time
	lastError   string
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewDiscordAdapter creates a Discord gateway adapter.
func NewDiscordAdapter(token string, logger *zap.Logger) *DiscordAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiscordAdapter{
		token:    token,
		personas: make(map[string]*Persona),
		webhooks: make(map[string]string),
		logger:   logger.With(zap.String("component", "discord-gateway")),
	}
}

func (a *DiscordAdapter) Platform() string { return "discord" }

func (a *DiscordAdapter) OnMessage(h MessageHandler) { a.handler = h }

// SetPersona registers how a skill's replies are displayed.
func (a *DiscordAdapter) SetPersona(skillID string, persona *Persona) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.personas[skillID] = persona
}

// SetWebhook registers a webhook URL for a channel to enable persona messages.
func (a *DiscordAdapter) SetWebhook(channelID, webhookURL string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.webhooks[channelID] = webhookURL
}

// Connect opens the Discord gateway websocket.
func (a *DiscordAdapter) Connect(_ context.Context) error {
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		a.setError(fmt.Sprintf("session create: %v", err))
		return fmt.Errorf("discord session: %w", err)
	}
	a.session = session

	a.session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	a.session.AddHandler(a.onMessageCreate)

	if err := a.session.Open(); err != nil {
		a.setError(fmt.Sprintf("open failed: %v", err))
		return fmt.Errorf("discord open: %w", err)
	}

	a.mu.Lock()
	a.connected = true
	a.connectedAt = time.Now()
	a.lastError = ""
	a.mu.Unlock()

	guildCount := len(a.session.State.Guilds)
	if guildCount == 0 {
		a.logger.Warn("discord bot not added to any server, invite it first")
	}
	a.logger.Info("discord adapter connected",
		zap.String("user", a.session.State.User.Username),
		zap.Int("guilds", guildCount))
	return nil
}

func (a *DiscordAdapter) setError(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	a.lastError = msg
}

// onMessageCreate handles incoming Discord messages.
func (a *DiscordAdapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore messages from the bot itself
	if m.Author.ID == s.State.User.ID {
		return
	}
	if a.handler == nil {
		return
	}

	a.handler(context.Background(), &InboundMessage{
		Platform:  "discord",
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	})
}

// Send posts a message to a Discord channel.
// If a webhook is configured for the channel and the replying skill has a
// persona, the webhook displays the skill's name and avatar.
func (a *DiscordAdapter) Send(ctx context.Context, msg *OutboundMessage) (string, error) {
	a.mu.RLock()
	webhookURL := a.webhooks[msg.ChannelID]
	persona, hasPersona := a.personas[msg.SkillID]
	a.mu.RUnlock()

	if webhookURL != "" && hasPersona {
		return a.sendViaWebhook(ctx, webhookURL, persona, msg.Content)
	}

	content := msg.Content
	if hasPersona {
		content = fmt.Sprintf("**[%s]** %s", persona.Name, msg.Content)
	}
	m, err := a.session.ChannelMessageSend(msg.ChannelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord send: %w", err)
	}
	return m.ID, nil
}

// sendViaWebhook posts a message using a Discord webhook with custom name/avatar.
func (a *DiscordAdapter) sendViaWebhook(ctx context.Context, webhookURL string, persona *Persona, content string) (string, error) {
	webhook, err := a.session.WebhookWithToken(webhookURL, "", discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord webhook: %w", err)
	}

	params := &discordgo.WebhookParams{
		Content:  content,
		Username: persona.Name,
	}
	if persona.IconURL != "" {
		params.AvatarURL = persona.IconURL
	}

	m, err := a.session.WebhookExecute(webhook.ID, webhook.Token, true, params, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord webhook execute: %w", err)
	}
	return m.ID, nil
}

// Update edits a message the bot posted.
func (a *DiscordAdapter) Update(ctx context.Context, channelID, messageID, content string) error {
	if _, err := a.session.ChannelMessageEdit(channelID, messageID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord edit: %w", err)
	}
	return nil
}

// Delete removes a message the bot posted.
func (a *DiscordAdapter) Delete(ctx context.Context, channelID, messageID string) error {
	if err := a.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord delete: %w", err)
	}
	return nil
}

// Broadcast sends a broadcast message to the first writable text channel
// of every guild the bot is in.
func (a *DiscordAdapter) Broadcast(ctx context.Context, msg *BroadcastMessage) error {
	content := fmt.Sprintf("**[%s] %s**\n%s", msg.Type, msg.Title, msg.Content)

	for _, guild := range a.session.State.Guilds {
		channels, err := a.session.GuildChannels(guild.ID, discordgo.WithContext(ctx))
		if err != nil {
			a.logger.Warn("discord list channels failed",
				zap.String("guild", guild.ID), zap.Error(err))
			continue
		}
		for _, ch := range channels {
			if ch.Type != discordgo.ChannelTypeGuildText {
				continue
			}
			if _, err := a.session.ChannelMessageSend(ch.ID, content, discordgo.WithContext(ctx)); err == nil {
				break
			}
		}
	}
	return nil
}

// Close shuts down the Discord session.
func (a *DiscordAdapter) Close() error {
	if a.session != nil {
		return a.session.Close()
	}
	return nil
}

func (a *DiscordAdapter) Status() AdapterStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := AdapterStatus{
		Platform:  "discord",
		Connected: a.connected,
		Error:     a.lastError,
	}
	if a.connected {
		t := a.connectedAt
		s.ConnectedAt = &t
		guildCount := 0
		if a.session != nil && a.session.State != nil {
			guildCount = len(a.session.State.Guilds)
		}
		s.Details = fmt.Sprintf("bot=%s, guilds=%d",
			a.session.State.User.Username, guildCount)
	}
	return s
}
