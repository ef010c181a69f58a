package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // set when client is a live connection
	inbox    *inbox
}

// Compile-time check that WhatsAppService implements Service.
var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{client: client, inbox: newInbox(whatsapp.Channel)}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
		slog.Debug("WhatsAppService.NewWhatsAppService: created with live client")
	} else {
		slog.Debug("WhatsAppService.NewWhatsAppService: created with interface client (likely mock)")
	}
	return s
}

func (s *WhatsAppService) Name() string { return whatsapp.Channel }

func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start registers the inbound message handler on a live client.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handling")
		return nil
	}
	s.waClient.OnMessage(func(resp models.Response) { s.inbox.emit(resp) })
	slog.Info("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop disconnects a live client and closes Responses.
func (s *WhatsAppService) Stop() error {
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	s.inbox.stop()
	slog.Info("WhatsAppService.Stop: stopped")
	return nil
}

func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", canonical)
		return err
	}
	return nil
}

// Deliver injects an inbound message as if it had arrived from WhatsApp.
func (s *WhatsAppService) Deliver(resp models.Response) bool {
	return s.inbox.emit(resp)
}

func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.inbox.responses
}
