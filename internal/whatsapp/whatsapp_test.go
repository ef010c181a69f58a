package whatsapp

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func messageEvent(id, user string, msg *waE2E.Message, fromMe bool) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Sender:   types.NewJID(user, JIDSuffix),
				IsFromMe: fromMe,
			},
			ID:        types.MessageID(id),
			Timestamp: time.Unix(1741608000, 0),
		},
		Message: msg,
	}
}

func TestInboundFromEvent(t *testing.T) {
	tests := []struct {
		name     string
		evt      *events.Message
		wantOK   bool
		wantBody string
	}{
		{
			name:     "conversation text",
			evt:      messageEvent("ABC", "15551234567", &waE2E.Message{Conversation: proto.String("2 eggs")}, false),
			wantOK:   true,
			wantBody: "2 eggs",
		},
		{
			name: "extended text",
			evt: messageEvent("DEF", "15551234567", &waE2E.Message{
				ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("log my chili")},
			}, false),
			wantOK:   true,
			wantBody: "log my chili",
		},
		{
			name:   "sent by this device",
			evt:    messageEvent("GHI", "15551234567", &waE2E.Message{Conversation: proto.String("hi")}, true),
			wantOK: false,
		},
		{
			name:   "non-text message",
			evt:    messageEvent("JKL", "15551234567", &waE2E.Message{}, false),
			wantOK: false,
		},
		{
			name:   "nil event",
			evt:    nil,
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := InboundFromEvent(tt.evt)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Body != tt.wantBody {
				t.Errorf("Body = %q, want %q", got.Body, tt.wantBody)
			}
			if got.From != "+15551234567" {
				t.Errorf("From = %q, want +15551234567", got.From)
			}
			if got.Channel != Channel || got.ID != Channel+":"+string(tt.evt.Info.ID) {
				t.Errorf("unexpected channel/id: %q %q", got.Channel, got.ID)
			}
			if got.Time != 1741608000 {
				t.Errorf("Time = %d", got.Time)
			}
		})
	}
}

func TestCanonicalNumber(t *testing.T) {
	for in, want := range map[string]string{
		"15551234567":  "+15551234567",
		"+15551234567": "+15551234567",
		" 4412345 ":    "+4412345",
		"":             "",
	} {
		if got := CanonicalNumber(in); got != want {
			t.Errorf("CanonicalNumber(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMockClient(t *testing.T) {
	m := NewMockClient()
	if err := m.SendMessage(context.Background(), "+1555", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Err = errors.New("offline")
	if err := m.SendMessage(context.Background(), "+1555", "again"); err == nil {
		t.Fatal("expected error")
	}
	got := m.Messages()
	if len(got) != 1 || got[0].Body != "hello" {
		t.Errorf("unexpected messages: %+v", got)
	}
}
