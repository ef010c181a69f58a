package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Inbound messages
// arrive through the HTTP webhook, which hands them to Deliver.
type TwilioService struct {
	client twiliowhatsapp.Sender // real Twilio client or MockClient
	inbox  *inbox
}

// Compile-time check that TwilioService implements Service.
var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a new TwilioService.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{client: client, inbox: newInbox(twiliowhatsapp.Channel)}
}

func (s *TwilioService) Name() string { return twiliowhatsapp.Channel }

func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start is a no-op: Twilio pushes messages to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes Responses.
func (s *TwilioService) Stop() error {
	s.inbox.stop()
	return nil
}

func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// Deliver queues a message received by the webhook. It reports whether the
// message was accepted.
func (s *TwilioService) Deliver(resp models.Response) bool {
	return s.inbox.emit(resp)
}

func (s *TwilioService) Responses() <-chan models.Response {
	return s.inbox.responses
}
