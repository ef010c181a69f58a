// Package twiliowhatsapp wraps the Twilio API for the WhatsApp channel of NutriPipe.
//
// It sends replies through the Messages API and parses and authenticates
// inbound webhook requests.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/NutriPipe/internal/models"
)

// Channel names messages received through Twilio.
const Channel = "twilio"

// SignatureHeader carries the webhook request signature.
const SignatureHeader = "X-Twilio-Signature"

var (
	// ErrInvalidSignature is returned when a webhook signature does not match.
	ErrInvalidSignature = errors.New("invalid Twilio signature")
	// ErrMissingFields is returned when a webhook lacks From or Body.
	ErrMissingFields = errors.New("missing required fields")
)

// Sender sends WhatsApp messages through Twilio. Client and MockClient implement it.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the auth token used for API calls and webhook signatures.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number. A missing "whatsapp:" prefix is added.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	client    *twilio.RestClient
	fromWhats string // "whatsapp:+1234567890"
}

// NewClient creates a Client. Account SID, auth token and sending number are required.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("twiliowhatsapp.NewClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: client, fromWhats: WhatsAppAddress(cfg.FromWhats)}, nil
}

// SendMessage sends a WhatsApp message using the Twilio API.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("Client.SendMessage: Twilio request failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("Client.SendMessage: sent", "to", to)
	return nil
}

// WhatsAppAddress prefixes a phone number with "whatsapp:" unless it already has it.
func WhatsAppAddress(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

// Validator checks X-Twilio-Signature headers. A zero auth token disables checking.
type Validator struct {
	validator *twilioclient.RequestValidator
	publicURL string
}

// NewValidator creates a Validator. publicURL overrides the URL Twilio signed,
// which differs from the request URL behind a proxy.
func NewValidator(authToken, publicURL string) *Validator {
	if authToken == "" {
		return &Validator{}
	}
	v := twilioclient.NewRequestValidator(authToken)
	return &Validator{validator: &v, publicURL: publicURL}
}

// Enabled reports whether signatures are checked.
func (v *Validator) Enabled() bool { return v != nil && v.validator != nil }

// ParseWebhook parses an inbound webhook form, checks its signature and
// returns the message it carries.
func (v *Validator) ParseWebhook(r *http.Request) (models.Response, error) {
	if err := r.ParseForm(); err != nil {
		return models.Response{}, fmt.Errorf("failed to parse webhook form: %w", err)
	}
	if v.Enabled() {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !v.validator.Validate(v.requestURL(r), params, r.Header.Get(SignatureHeader)) {
			return models.Response{}, ErrInvalidSignature
		}
	}
	return InboundFromForm(r.PostForm)
}

func (v *Validator) requestURL(r *http.Request) string {
	if v.publicURL != "" {
		return v.publicURL
	}
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// InboundFromForm converts webhook form values into an inbound message.
func InboundFromForm(form url.Values) (models.Response, error) {
	from := strings.TrimPrefix(form.Get("From"), "whatsapp:")
	body := form.Get("Body")
	if from == "" || strings.TrimSpace(body) == "" {
		return models.Response{}, ErrMissingFields
	}
	resp := models.Response{
		Channel: Channel,
		From:    from,
		Body:    body,
		Time:    time.Now().Unix(),
	}
	if sid := form.Get("MessageSid"); sid != "" {
		resp.ID = Channel + ":" + sid
	}
	return resp, nil
}

// MockClient records sent messages instead of calling Twilio.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

// SentMessage is a message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

// Messages returns a copy of the captured messages.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
