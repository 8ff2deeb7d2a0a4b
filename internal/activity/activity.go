package activity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type is the wire type of an activity.
type Type string

const (
	TypeMessage           Type = "message"
	TypeEvent             Type = "event"
	TypeEndOfConversation Type = "endOfConversation"
	TypeHandoff           Type = "handoff"
	TypeTrace             Type = "trace"
)

// Well-known event names exchanged between a parent bot and its skills.
const (
	EventSkillBegin            = "skillBegin"
	EventTokenRequest          = "tokens/request"
	EventTokenResponse         = "tokens/response"
	EventFallback              = "fallback"
	EventFallbackHandled       = "fallbackHandled"
	EventCancelAllSkillDialogs = "cancelAllSkillDialogs"
)

// ChannelEmulator is the channel id used by local test clients; trace
// activities are only shown there.
const ChannelEmulator = "emulator"

// ChannelAccount identifies a user or bot on a channel.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ConversationAccount identifies a conversation on a channel.
type ConversationAccount struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	IsGroup bool   `json:"isGroup,omitempty"`
}

// SemanticAction carries the skill action being invoked and the slot values
// the parent could fill for it.
type SemanticAction struct {
	ID       string                     `json:"id"`
	State    string                     `json:"state,omitempty"`
	Entities map[string]json.RawMessage `json:"entities,omitempty"`
}

// SemanticStateStart marks a semantic action sent on the first turn of a skill.
const SemanticStateStart = "start"

// Activity is one unit of conversational exchange.
type Activity struct {
	ID             string              `json:"id,omitempty"`
	Type           Type                `json:"type"`
	Name           string              `json:"name,omitempty"`
	Text           string              `json:"text,omitempty"`
	Speak          string              `json:"speak,omitempty"`
	Value          json.RawMessage     `json:"value,omitempty"`
	From           ChannelAccount      `json:"from"`
	Recipient      ChannelAccount      `json:"recipient"`
	Conversation   ConversationAccount `json:"conversation"`
	ChannelID      string              `json:"channelId"`
	ServiceURL     string              `json:"serviceUrl,omitempty"`
	ReplyToID      string              `json:"replyToId,omitempty"`
	ChannelData    json.RawMessage     `json:"channelData,omitempty"`
	SemanticAction *SemanticAction     `json:"semanticAction,omitempty"`
	Timestamp      time.Time           `json:"timestamp,omitempty"`
}

// ResourceResponse acknowledges a delivered activity.
type ResourceResponse struct {
	ID string `json:"id"`
}

// ConversationReference is the routing metadata needed to address a reply.
type ConversationReference struct {
	ActivityID   string              `json:"activityId,omitempty"`
	User         ChannelAccount      `json:"user"`
	Bot          ChannelAccount      `json:"bot"`
	Conversation ConversationAccount `json:"conversation"`
	ChannelID    string              `json:"channelId"`
	ServiceURL   string              `json:"serviceUrl,omitempty"`
}

// NewMessage creates a message activity with the given text.
func NewMessage(text string) *Activity {
	return &Activity{Type: TypeMessage, Text: text}
}

// NewEvent creates an event activity with the given name.
func NewEvent(name string) *Activity {
	return &Activity{Type: TypeEvent, Name: name}
}

// NewTrace creates a trace activity.
func NewTrace(text string) *Activity {
	return &Activity{Type: TypeTrace, Text: text}
}

// NewEndOfConversation creates an end-of-conversation activity.
func NewEndOfConversation() *Activity {
	return &Activity{Type: TypeEndOfConversation}
}

// EnsureID assigns a fresh id when the activity has none and returns it.
func (a *Activity) EnsureID() string {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return a.ID
}

// Clone returns a deep copy of the activity.
func (a *Activity) Clone() *Activity {
	if a == nil {
		return nil
	}
	c := *a
	c.Value = cloneRaw(a.Value)
	c.ChannelData = cloneRaw(a.ChannelData)
	if a.SemanticAction != nil {
		sa := *a.SemanticAction
		if a.SemanticAction.Entities != nil {
			sa.Entities = make(map[string]json.RawMessage, len(a.SemanticAction.Entities))
			for k, v := range a.SemanticAction.Entities {
				sa.Entities[k] = cloneRaw(v)
			}
		}
		c.SemanticAction = &sa
	}
	return &c
}

// CreateReply builds a reply addressed back to the sender of a.
func (a *Activity) CreateReply() *Activity {
	return &Activity{
		Type:         TypeMessage,
		From:         a.Recipient,
		Recipient:    a.From,
		Conversation: a.Conversation,
		ChannelID:    a.ChannelID,
		ServiceURL:   a.ServiceURL,
		ReplyToID:    a.ID,
		Timestamp:    time.Now().UTC(),
	}
}

// ConversationReference extracts the routing metadata of a.
func (a *Activity) ConversationReference() ConversationReference {
	return ConversationReference{
		ActivityID:   a.ID,
		User:         a.From,
		Bot:          a.Recipient,
		Conversation: a.Conversation,
		ChannelID:    a.ChannelID,
		ServiceURL:   a.ServiceURL,
	}
}

// ApplyConversationReference addresses a to the conversation in ref.
// When incoming is true the activity is treated as coming from the user.
func (a *Activity) ApplyConversationReference(ref ConversationReference, incoming bool) {
	a.ChannelID = ref.ChannelID
	a.ServiceURL = ref.ServiceURL
	a.Conversation = ref.Conversation
	if incoming {
		a.From = ref.User
		a.Recipient = ref.Bot
		if ref.ActivityID != "" {
			a.ID = ref.ActivityID
		}
		return
	}
	a.From = ref.Bot
	a.Recipient = ref.User
	if ref.ActivityID != "" {
		a.ReplyToID = ref.ActivityID
	}
}

// ConversationKey returns a key that identifies the conversation of a
// across channels.
func (a *Activity) ConversationKey() string {
	return a.ChannelID + "/" + a.Conversation.ID
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}
