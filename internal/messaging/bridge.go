package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/store"
)

// DefaultTurnTimeout bounds one turn plus its reply.
const DefaultTurnTimeout = 2 * time.Minute

// DefaultHistoryLimit is how many recent messages per sender are sent along
// with each turn.
const DefaultHistoryLimit = 10

// TurnProcessor runs one conversation turn. *flow.Orchestrator implements it.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req models.TurnRequest) models.TurnResponse
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithDedup filters redelivered messages through repo.
func WithDedup(repo store.DedupRepo) BridgeOption {
	return func(b *Bridge) { b.dedup = repo }
}

// WithTurnTimeout overrides DefaultTurnTimeout.
func WithTurnTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithHistoryLimit sets how many recent messages per sender are kept.
// Zero disables history.
func WithHistoryLimit(n int) BridgeOption {
	return func(b *Bridge) {
		if n >= 0 {
			b.historyLimit = n
		}
	}
}

type queued struct {
	svc Service
	msg models.Response
}

// Bridge turns inbound chat messages into orchestrator turns. Messages from
// one sender are handled in arrival order; different senders run concurrently.
type Bridge struct {
	turns    TurnProcessor
	services []Service
	dedup    store.DedupRepo
	timeout  time.Duration

	historyLimit int

	mu      sync.Mutex
	pending map[string][]queued // sender -> messages waiting behind a running turn
	history map[string][]models.ChatMessage
	wg      sync.WaitGroup
}

// NewBridge creates a Bridge over services.
func NewBridge(turns TurnProcessor, services []Service, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		turns:    turns,
		services: services,
		timeout:  DefaultTurnTimeout,
		pending:  make(map[string][]queued),
		history:  make(map[string][]models.ChatMessage),

		historyLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run starts every service and dispatches their messages until ctx is done
// or every Responses channel is closed. It stops the services and waits for
// in-flight turns before returning. If a service fails to start, the ones
// already started are stopped and the start error is returned.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	started := make([]Service, 0, len(b.services))
	var startErr error
	for _, svc := range b.services {
		if err := svc.Start(gctx); err != nil {
			slog.Error("Bridge.Run: failed to start service", "channel", svc.Name(), "error", err)
			startErr = fmt.Errorf("start %s: %w", svc.Name(), err)
			cancel()
			break
		}
		started = append(started, svc)
		g.Go(func() error {
			b.consume(gctx, svc)
			return nil
		})
	}
	if startErr == nil {
		slog.Info("Bridge.Run: started", "services", len(started))
	}

	<-gctx.Done()
	for _, svc := range started {
		if err := svc.Stop(); err != nil {
			slog.Warn("Bridge.Run: failed to stop service", "channel", svc.Name(), "error", err)
		}
	}
	err := g.Wait()
	b.wg.Wait()
	slog.Info("Bridge.Run: stopped")
	if startErr != nil {
		return startErr
	}
	return err
}

func (b *Bridge) consume(ctx context.Context, svc Service) {
	for {
		select {
		case msg, ok := <-svc.Responses():
			if !ok {
				return
			}
			b.enqueue(ctx, svc, msg)
		case <-ctx.Done():
			return
		}
	}
}

// enqueue hands msg to the sender's worker, starting one when none runs.
func (b *Bridge) enqueue(ctx context.Context, svc Service, msg models.Response) {
	b.mu.Lock()
	waiting, running := b.pending[msg.From]
	b.pending[msg.From] = append(waiting, queued{svc: svc, msg: msg})
	b.mu.Unlock()
	if running {
		return
	}
	b.wg.Add(1)
	go b.drain(context.WithoutCancel(ctx), msg.From)
}

func (b *Bridge) drain(ctx context.Context, sender string) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		q := b.pending[sender]
		if len(q) == 0 {
			delete(b.pending, sender)
			b.mu.Unlock()
			return
		}
		next := q[0]
		b.pending[sender] = q[1:]
		b.mu.Unlock()

		b.Handle(ctx, next.svc, next.msg)
	}
}

// Handle runs one inbound message through the orchestrator and replies.
// Duplicate messages are skipped. It reports whether a turn ran.
func (b *Bridge) Handle(ctx context.Context, svc Service, msg models.Response) bool {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if b.dedup != nil && msg.ID != "" {
		fresh, err := b.dedup.RecordInbound(ctx, msg.ID, msg.From)
		if err != nil {
			slog.Warn("Bridge.Handle: dedup check failed, processing anyway", "id", msg.ID, "error", err)
		} else if !fresh {
			slog.Info("Bridge.Handle: duplicate message skipped", "id", msg.ID, "from", msg.From)
			return false
		}
	}

	key := svc.Name() + "|" + msg.From
	resp := b.turns.ProcessTurn(ctx, models.TurnRequest{
		UserID:      msg.From,
		SessionID:   svc.Name(),
		Message:     msg.Body,
		ChatHistory: b.recent(key),
	})
	b.remember(key, msg.Body, resp.Message)
	slog.Debug("Bridge.Handle: turn finished", "from", msg.From, "channel", svc.Name(), "response_type", resp.ResponseType)

	if reply := FormatReply(resp); reply != "" {
		if err := svc.SendMessage(ctx, msg.From, reply); err != nil {
			slog.Error("Bridge.Handle: failed to send reply", "from", msg.From, "channel", svc.Name(), "error", err)
		}
	}

	if b.dedup != nil && msg.ID != "" {
		if err := b.dedup.MarkProcessed(ctx, msg.ID); err != nil {
			slog.Warn("Bridge.Handle: failed to mark message processed", "id", msg.ID, "error", err)
		}
	}
	return true
}

// recent returns a copy of the sender's history, or nil when there is none.
func (b *Bridge) recent(key string) []models.ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.history[key]
	if len(h) == 0 {
		return nil
	}
	return append([]models.ChatMessage(nil), h...)
}

func (b *Bridge) remember(key, userMsg, reply string) {
	if b.historyLimit == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	h := append(b.history[key], models.ChatMessage{Role: "user", Content: userMsg})
	if reply != "" {
		h = append(h, models.ChatMessage{Role: "assistant", Content: reply})
	}
	if len(h) > b.historyLimit {
		h = append([]models.ChatMessage(nil), h[len(h)-b.historyLimit:]...)
	}
	b.history[key] = h
}
