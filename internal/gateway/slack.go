package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"
)

// SlackAdapter implements PlatformAdapter for Slack using Socket Mode.
type SlackAdapter struct {
	client   *slack.Client
	socket   *socketmode.Client
	handler  MessageHandler
	personas map[string]*Persona // skillID -> persona
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewSlackAdapter creates a Slack gateway adapter.
// botToken is the Bot User OAuth Token (xoxb-...).
// appToken is the App-Level Token (xapp-...) for Socket Mode.
func NewSlackAdapter(botToken, appToken string, logger *zap.Logger) *SlackAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := slack.New(botToken,
		slack.OptionAppLevelToken(appToken),
	)

	socket := socketmode.New(client,
		socketmode.OptionLog(zap.NewStdLog(logger)),
	)

	return &SlackAdapter{
		client:   client,
		socket:   socket,
		personas: make(map[string]*Persona),
		logger:   logger.With(zap.String("component", "slack-gateway")),
	}
}

func (a *SlackAdapter) Platform() string { return "slack" }

func (a *SlackAdapter) OnMessage(h MessageHandler) { a.handler = h }

// SetPersona registers how a skill's replies are displayed.
func (a *SlackAdapter) SetPersona(skillID string, persona *Persona) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.personas[skillID] = persona
}

// Connect starts the Socket Mode event loop in a background goroutine.
func (a *SlackAdapter) Connect(ctx context.Context) error {
	go a.handleEvents(ctx)
	go func() {
		if err := a.socket.RunContext(ctx); err != nil {
			a.logger.Error("slack socket mode error", zap.Error(err))
		}
	}()
	a.logger.Info("slack adapter connected via socket mode")
	return nil
}

// handleEvents processes incoming Socket Mode events.
func (a *SlackAdapter) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.socket.Events:
			if !ok {
				return
			}
			a.processEvent(ctx, evt)
		}
	}
}

func (a *SlackAdapter) processEvent(ctx context.Context, evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	eventsAPI, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	a.socket.Ack(*evt.Request)

	if eventsAPI.Type != slackevents.CallbackEvent {
		return
	}
	if inner, ok := eventsAPI.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		// Ignore bot messages to avoid loops, and edits or joins
		if inner.BotID != "" || inner.SubType != "" {
			return
		}
		go a.handleSlackMessage(ctx, inner)
	}
}

func (a *SlackAdapter) handleSlackMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if a.handler == nil {
		return
	}
	threadTS := ev.ThreadTimeStamp
	if threadTS == "" {
		threadTS = ev.TimeStamp
	}
	a.handler(ctx, &InboundMessage{
		Platform:  "slack",
		ChannelID: ev.Channel,
		MessageID: ev.TimeStamp,
		UserID:    ev.User,
		UserName:  ev.User,
		Content:   ev.Text,
		Timestamp: time.Now(),
		ReplyTo:   threadTS,
	})
}

// Send posts a message to a Slack channel, in the thread of the turn when
// there is one, styled with the persona of the replying skill.
func (a *SlackAdapter) Send(ctx context.Context, msg *OutboundMessage) (string, error) {
	opts := []slack.MsgOption{
		slack.MsgOptionText(msg.Content, false),
	}
	if msg.ReplyTo != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ReplyTo))
	}
	opts = append(opts, a.personaOpts(msg.SkillID)...)

	_, ts, err := a.client.PostMessageContext(ctx, msg.ChannelID, opts...)
	if err != nil {
		a.logger.Error("slack send failed",
			zap.String("channel", msg.ChannelID), zap.Error(err))
		return "", fmt.Errorf("slack send: %w", err)
	}
	return ts, nil
}

// Update edits a posted message; messageID is its timestamp.
func (a *SlackAdapter) Update(ctx context.Context, channelID, messageID, content string) error {
	if _, _, _, err := a.client.UpdateMessageContext(ctx, channelID, messageID, slack.MsgOptionText(content, false)); err != nil {
		return fmt.Errorf("slack update: %w", err)
	}
	return nil
}

// Delete removes a posted message; messageID is its timestamp.
func (a *SlackAdapter) Delete(ctx context.Context, channelID, messageID string) error {
	if _, _, err := a.client.DeleteMessageContext(ctx, channelID, messageID); err != nil {
		return fmt.Errorf("slack delete: %w", err)
	}
	return nil
}

// personaOpts builds Slack message options for skill persona display.
func (a *SlackAdapter) personaOpts(skillID string) []slack.MsgOption {
	if skillID == "" {
		return nil
	}
	a.mu.RLock()
	p, ok := a.personas[skillID]
	a.mu.RUnlock()
	if !ok {
		return nil
	}

	opts := []slack.MsgOption{
		slack.MsgOptionUsername(p.Name),
	}
	if p.IconURL != "" {
		opts = append(opts, slack.MsgOptionIconURL(p.IconURL))
	} else if p.Emoji != "" {
		opts = append(opts, slack.MsgOptionIconEmoji(p.Emoji))
	}
	return opts
}

// Broadcast sends a broadcast message to all channels the bot is in.
func (a *SlackAdapter) Broadcast(ctx context.Context, msg *BroadcastMessage) error {
	text := fmt.Sprintf("*[%s] %s*\n%s", msg.Type, msg.Title, msg.Content)

	opts := []slack.MsgOption{
		slack.MsgOptionText(text, false),
	}
	opts = append(opts, a.personaOpts(msg.SkillID)...)

	params := &slack.GetConversationsForUserParameters{
		Types: []string{"public_channel", "private_channel"},
		Limit: 200,
	}
	channels, _, err := a.client.GetConversationsForUserContext(ctx, params)
	if err != nil {
		return fmt.Errorf("slack list channels: %w", err)
	}

	for _, ch := range channels {
		if _, _, err := a.client.PostMessageContext(ctx, ch.ID, opts...); err != nil {
			a.logger.Warn("slack broadcast to channel failed",
				zap.String("channel", ch.ID), zap.Error(err))
		}
	}
	return nil
}

// Close is a no-op; the socket context cancellation handles shutdown.
func (a *SlackAdapter) Close() error {
	return nil
}
