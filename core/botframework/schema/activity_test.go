package schema

import (
	"encoding/json"
	"testing"
)

const incoming = `{
  "type": "message",
  "id": "act-1",
  "timestamp": "2026-10-19T10:00:00.000Z",
  "serviceUrl": "https://directline.botframework.com/",
  "channelId": "directline",
  "from": {"id": "user-1", "name": "Ann"},
  "conversation": {"id": "conv-1"},
  "recipient": {"id": "bot-1", "name": "rep"},
  "text": "hello",
  "locale": "en-US",
  "channelData": {"clientActivityID": "x"},
  "membersAdded": [{"id": "bot-1"}, {"id": "user-1"}]
}`

func TestActivityDecode(t *testing.T) {
	var a Activity
	if err := json.Unmarshal([]byte(incoming), &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !a.IsMessage() || a.Text != "hello" || a.From.ID != "user-1" || a.Recipient.ID != "bot-1" {
		t.Fatalf("unexpected activity: %+v", a)
	}
	if a.Timestamp == nil || a.Timestamp.Year() != 2026 {
		t.Fatalf("timestamp = %v", a.Timestamp)
	}
	if string(a.ChannelData) != `{"clientActivityID": "x"}` {
		t.Fatalf("channel data = %s", a.ChannelData)
	}
}

func TestApplyConversationReference(t *testing.T) {
	var in Activity
	if err := json.Unmarshal([]byte(incoming), &in); err != nil {
		t.Fatal(err)
	}
	out := NewMessageActivity("hi Ann")
	out.ApplyConversationReference(in.ConversationReference())

	if out.From.ID != "bot-1" || out.Recipient.ID != "user-1" {
		t.Fatalf("from/recipient not swapped: %+v / %+v", out.From, out.Recipient)
	}
	if out.ReplyToID != "act-1" || out.Conversation.ID != "conv-1" || out.ChannelID != "directline" {
		t.Fatalf("reference not applied: %+v", out)
	}
	if out.ServiceURL != in.ServiceURL || out.Locale != "en-US" {
		t.Fatalf("service url / locale = %q / %q", out.ServiceURL, out.Locale)
	}

	keep := NewMessageActivity("x")
	keep.ReplyToID = "other"
	keep.ApplyConversationReference(in.ConversationReference())
	if keep.ReplyToID != "other" {
		t.Fatalf("reply id overwritten: %q", keep.ReplyToID)
	}
}

func TestMembersAddedExcludingRecipient(t *testing.T) {
	var a Activity
	if err := json.Unmarshal([]byte(incoming), &a); err != nil {
		t.Fatal(err)
	}
	got := a.MembersAddedExcludingRecipient()
	if len(got) != 1 || got[0].ID != "user-1" {
		t.Fatalf("members = %+v", got)
	}
}

func TestTraceActivityEncoding(t *testing.T) {
	tr := NewTraceActivity("OnTurnError Trace", "boom", ErrorValueType, "TurnError")
	data, err := json.Marshal(tr)
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]any
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back["type"] != "trace" || back["valueType"] != ErrorValueType || back["label"] != "TurnError" || back["value"] != "boom" {
		t.Fatalf("encoded trace = %s", data)
	}
	if _, ok := back["text"]; ok {
		t.Fatalf("empty text should be omitted: %s", data)
	}
}
