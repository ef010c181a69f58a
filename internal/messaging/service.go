// Package messaging connects chat channels to the conversation orchestrator.
//
// A Service wraps one channel (WhatsApp Web, Twilio WhatsApp) and exposes its
// inbound messages on a channel. The Bridge reads every service, drops
// redelivered messages, runs a turn per message and sends the reply back
// through the channel the message arrived on.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/NutriPipe/internal/models"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound message channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines how long an inbound message may wait for buffer space
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`[^\d]`)

// Service defines a pluggable chat channel.
type Service interface {
	// Name identifies the channel in logs and inbound messages.
	Name() string

	// ValidateAndCanonicalizeRecipient validates a recipient and returns it in E.164 form.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., event handlers).
	Start(ctx context.Context) error

	// Stop stops background processing and closes Responses.
	Stop() error

	// Responses returns a channel of inbound chat messages.
	Responses() <-chan models.Response
}

// CanonicalizePhone strips formatting from a phone number and returns it as
// "+<digits>". At least six digits are required.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	return "+" + digits, nil
}

// inbox is the inbound half shared by the services: a buffered channel that
// is closed exactly once on stop.
type inbox struct {
	name      string
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
}

func newInbox(name string) *inbox {
	return &inbox{name: name, responses: make(chan models.Response, DefaultChannelBufferSize)}
}

// emit queues an inbound message, waiting up to DefaultChannelTimeout for room.
// It reports whether the message was accepted.
func (b *inbox) emit(resp models.Response) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn("messaging.emit: service stopped, dropping inbound message", "channel", b.name, "from", resp.From)
		return false
	}
	if resp.Channel == "" {
		resp.Channel = b.name
	}
	select {
	case b.responses <- resp:
		slog.Debug("messaging.emit: inbound message queued", "channel", b.name, "from", resp.From)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging.emit: responses channel blocked, dropping message", "channel", b.name, "from", resp.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

func (b *inbox) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.responses)
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}
