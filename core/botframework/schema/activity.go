// Package schema defines the Bot Framework activity protocol types exchanged
// with channels through the Bot Connector service.
package schema

import (
	"encoding/json"
	"time"
)

// Activity types.
const (
	ActivityTypeMessage            = "message"
	ActivityTypeConversationUpdate = "conversationUpdate"
	ActivityTypeEvent              = "event"
	ActivityTypeInvoke             = "invoke"
	ActivityTypeTrace              = "trace"
	ActivityTypeTyping             = "typing"
	ActivityTypeEndOfConversation  = "endOfConversation"
	ActivityTypeInstallationUpdate = "installationUpdate"
	ActivityTypeMessageReaction    = "messageReaction"
	// ActivityTypeDelay is a pseudo activity honoured locally and never sent.
	ActivityTypeDelay = "delay"
)

// Delivery modes.
const (
	DeliveryModeNormal        = "normal"
	DeliveryModeExpectReplies = "expectReplies"
)

// Well known channel identifiers.
const (
	ChannelEmulator   = "emulator"
	ChannelDirectLine = "directline"
	ChannelWebChat    = "webchat"
	ChannelTest       = "test"
)

// Text formats.
const (
	TextFormatPlain    = "plain"
	TextFormatMarkdown = "markdown"
)

// ErrorValueType marks trace activities that carry an unhandled turn error.
const ErrorValueType = "https://www.botframework.com/schemas/error"

// ChannelAccount identifies a user or bot on a channel.
type ChannelAccount struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	AADObjectID string `json:"aadObjectId,omitempty"`
	Role        string `json:"role,omitempty"`
}

// ConversationAccount identifies a conversation on a channel.
type ConversationAccount struct {
	ID               string `json:"id"`
	Name             string `json:"name,omitempty"`
	IsGroup          bool   `json:"isGroup,omitempty"`
	ConversationType string `json:"conversationType,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
}

// Attachment is a media or card payload attached to an activity.
type Attachment struct {
	ContentType  string          `json:"contentType"`
	ContentURL   string          `json:"contentUrl,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	Name         string          `json:"name,omitempty"`
	ThumbnailURL string          `json:"thumbnailUrl,omitempty"`
}

// Activity is the basic communication unit of the protocol.
// Unknown fields sent by channels are not preserved.
type Activity struct {
	Type           string              `json:"type"`
	ID             string              `json:"id,omitempty"`
	Timestamp      *time.Time          `json:"timestamp,omitempty"`
	LocalTimestamp *time.Time          `json:"localTimestamp,omitempty"`
	ServiceURL     string              `json:"serviceUrl,omitempty"`
	ChannelID      string              `json:"channelId,omitempty"`
	From           ChannelAccount      `json:"from"`
	Conversation   ConversationAccount `json:"conversation"`
	Recipient      ChannelAccount      `json:"recipient"`
	TextFormat     string              `json:"textFormat,omitempty"`
	Locale         string              `json:"locale,omitempty"`
	Text           string              `json:"text,omitempty"`
	Speak          string              `json:"speak,omitempty"`
	InputHint      string              `json:"inputHint,omitempty"`
	Summary        string              `json:"summary,omitempty"`
	Attachments    []Attachment        `json:"attachments,omitempty"`
	Entities       []json.RawMessage   `json:"entities,omitempty"`
	ChannelData    json.RawMessage     `json:"channelData,omitempty"`
	ReplyToID      string              `json:"replyToId,omitempty"`
	Name           string              `json:"name,omitempty"`
	Label          string              `json:"label,omitempty"`
	ValueType      string              `json:"valueType,omitempty"`
	Value          any                 `json:"value,omitempty"`
	Code           string              `json:"code,omitempty"`
	DeliveryMode   string              `json:"deliveryMode,omitempty"`
	MembersAdded   []ChannelAccount    `json:"membersAdded,omitempty"`
	MembersRemoved []ChannelAccount    `json:"membersRemoved,omitempty"`
}

// ConversationReference captures what is needed to address a conversation later.
type ConversationReference struct {
	ActivityID   string              `json:"activityId,omitempty"`
	User         ChannelAccount      `json:"user"`
	Bot          ChannelAccount      `json:"bot"`
	Conversation ConversationAccount `json:"conversation"`
	ChannelID    string              `json:"channelId"`
	Locale       string              `json:"locale,omitempty"`
	ServiceURL   string              `json:"serviceUrl"`
}

// ResourceResponse is returned by the connector for created activities.
type ResourceResponse struct {
	ID string `json:"id"`
}

// InvokeResponse is the synchronous HTTP answer to an invoke activity.
type InvokeResponse struct {
	Status int `json:"status"`
	Body   any `json:"body,omitempty"`
}

// ExpectedReplies is the response body for expectReplies delivery mode.
type ExpectedReplies struct {
	Activities []Activity `json:"activities"`
}

// NewMessageActivity creates a plain text message activity.
func NewMessageActivity(text string) Activity {
	return Activity{
		Type:       ActivityTypeMessage,
		Text:       text,
		TextFormat: TextFormatPlain,
	}
}

// NewTraceActivity creates a trace activity. Channels other than the emulator ignore them.
func NewTraceActivity(name string, value any, valueType, label string) Activity {
	return Activity{
		Type:      ActivityTypeTrace,
		Name:      name,
		Value:     value,
		ValueType: valueType,
		Label:     label,
	}
}

// ConversationReference returns a reference to the conversation the activity belongs to.
// The activity is assumed to be incoming, so From is the user and Recipient the bot.
func (a *Activity) ConversationReference() ConversationReference {
	return ConversationReference{
		ActivityID:   a.ID,
		User:         a.From,
		Bot:          a.Recipient,
		Conversation: a.Conversation,
		ChannelID:    a.ChannelID,
		Locale:       a.Locale,
		ServiceURL:   a.ServiceURL,
	}
}

// ApplyConversationReference addresses an outgoing activity from the bot to the user.
// ReplyToID is set from the reference unless the activity already carries one.
func (a *Activity) ApplyConversationReference(ref ConversationReference) {
	a.ChannelID = ref.ChannelID
	a.ServiceURL = ref.ServiceURL
	a.Conversation = ref.Conversation
	a.From = ref.Bot
	a.Recipient = ref.User
	if a.Locale == "" {
		a.Locale = ref.Locale
	}
	if a.ReplyToID == "" {
		a.ReplyToID = ref.ActivityID
	}
}

// MembersAddedExcludingRecipient lists added members other than the bot itself.
func (a *Activity) MembersAddedExcludingRecipient() []ChannelAccount {
	var out []ChannelAccount
	for _, m := range a.MembersAdded {
		if m.ID == a.Recipient.ID {
			continue
		}
		out = append(out, m)
	}
	return out
}

// IsMessage reports whether the activity is a message.
func (a *Activity) IsMessage() bool {
	return a.Type == ActivityTypeMessage
}

// ExpectsReplies reports whether replies must be buffered into the HTTP response.
func (a *Activity) ExpectsReplies() bool {
	return a.DeliveryMode == DeliveryModeExpectReplies
}
