package flow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/BTreeMap/NutriPipe/internal/intent"
	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/reasoner"
	"github.com/BTreeMap/NutriPipe/internal/recipes"
	"github.com/BTreeMap/NutriPipe/internal/store"
	"github.com/BTreeMap/NutriPipe/internal/tools"
)

// DefaultHistoryLimit bounds the chat history passed to collaborators.
const DefaultHistoryLimit = 20

// Store is the persistence the orchestrator reads and writes during a turn.
type Store interface {
	store.SessionStore
	store.NutritionStore
}

// ExecutionLogger receives one record per completed turn. Implementations must
// not block the caller.
type ExecutionLogger interface {
	LogExecution(ctx context.Context, rec models.ExecutionRecord)
}

// Deps are the collaborators of an Orchestrator. Store and Tools are required.
type Deps struct {
	Store      Store
	Classifier intent.Classifier
	Reasoner   reasoner.Reasoner
	Tools      tools.Dispatcher
	Finder     *recipes.Finder
}

// Orchestrator runs conversation turns: it loads the user's session, walks the
// intent cascade and returns the assembled response.
type Orchestrator struct {
	sessions     *SessionManager
	store        Store
	confirm      *Confirmation
	classifier   intent.Classifier
	reasoner     reasoner.Reasoner
	tools        tools.Dispatcher
	finder       *recipes.Finder
	execLog      ExecutionLogger
	historyLimit int
	now          func() time.Time
	meter        metric.Meter
	metrics      *instruments
	locks        *userLocks

	preClassification []strategy
	switchboard       []strategy
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithExecutionLogger sets the sink for per-turn execution records.
func WithExecutionLogger(l ExecutionLogger) Option {
	return func(o *Orchestrator) { o.execLog = l }
}

// WithHistoryLimit bounds how many chat history messages reach the classifier and reasoner.
func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.historyLimit = n
		}
	}
}

// WithClock overrides the time source used for timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMeter records turn metrics on meter instead of the global provider.
func WithMeter(m metric.Meter) Option {
	return func(o *Orchestrator) { o.meter = m }
}

// NewOrchestrator wires an Orchestrator from its collaborators.
func NewOrchestrator(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Store == nil || deps.Tools == nil {
		return nil, fmt.Errorf("orchestrator needs a store and a tool dispatcher: %w", models.ErrCollaboratorMissing)
	}
	if deps.Finder == nil {
		deps.Finder = recipes.NewFinder(deps.Store)
	}
	o := &Orchestrator{
		sessions:     NewSessionManager(deps.Store),
		store:        deps.Store,
		classifier:   deps.Classifier,
		reasoner:     deps.Reasoner,
		tools:        deps.Tools,
		finder:       deps.Finder,
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
		locks:        newUserLocks(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.metrics = newInstruments(o.meter)
	o.confirm = NewConfirmation(o.sessions, deps.Store, deps.Finder)
	o.confirm.now = o.now
	o.confirm.metrics = o.metrics
	o.preClassification, o.switchboard = o.strategies()

	slog.Debug("Orchestrator created", "hasClassifier", deps.Classifier != nil, "hasReasoner", deps.Reasoner != nil,
		"historyLimit", o.historyLimit)
	return o, nil
}

// Sessions exposes the session manager used by the orchestrator.
func (o *Orchestrator) Sessions() *SessionManager {
	return o.sessions
}

// ProcessTurn runs one conversation turn. It never returns an error: every
// failure, including a panic, is mapped onto the response.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req models.TurnRequest) (resp models.TurnResponse) {
	start := o.now()
	t := &turn{req: req}

	ctx, span := o.metrics.tracer.Start(ctx, "Orchestrator.ProcessTurn",
		trace.WithAttributes(attribute.String("user_id", req.UserID)))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			slog.Error("Orchestrator.ProcessTurn: recovered from panic", "userID", req.UserID, "panic", r,
				"stack", string(debug.Stack()))
			resp = fatalResponse(err, t.steps)
			o.finish(ctx, span, t, resp, start, err)
		}
	}()

	if err := req.Validate(); err != nil {
		slog.Warn("Orchestrator.ProcessTurn: invalid request", "userID", req.UserID, "error", err)
		resp = fatalResponse(err, nil)
		o.finish(ctx, span, t, resp, start, err)
		return resp
	}

	unlock := o.locks.lock(req.UserID)
	defer unlock()

	sess, err := o.sessions.Load(ctx, req.UserID, req.SessionID)
	if err != nil {
		resp = fatalResponse(err, t.steps)
		o.finish(ctx, span, t, resp, start, err)
		return resp
	}
	t.session = sess
	t.timezone = req.Timezone
	if t.timezone == "" {
		t.timezone = sess.PreferredTimezone()
	}
	loc, err := models.LoadTimezone(t.timezone)
	if err != nil {
		slog.Warn("Orchestrator.ProcessTurn: stored timezone is invalid, using UTC", "userID", req.UserID, "timezone", t.timezone)
		t.timezone, loc = "", time.UTC
	}
	ctx = tools.ContextWithLocation(ctx, loc)
	t.history = trimHistory(req.ChatHistory, o.historyLimit)

	slog.Debug("Orchestrator.ProcessTurn: turn started", "userID", req.UserID, "sessionID", sess.SessionID,
		"hasPending", sess.PendingAction != nil, "historyLen", len(t.history))

	out, err := o.cascade(ctx, t)
	if err != nil {
		slog.Error("Orchestrator.ProcessTurn: turn failed", "userID", req.UserID, "path", t.path, "error", err)
		resp = fatalResponse(err, t.steps)
		o.finish(ctx, span, t, resp, start, err)
		return resp
	}
	o.updateBuffer(ctx, t)

	resp = assemble(out, t.steps)
	o.finish(ctx, span, t, resp, start, nil)
	return resp
}

// finish records telemetry for the turn and hands non-fatal turns to the execution logger.
func (o *Orchestrator) finish(ctx context.Context, span trace.Span, t *turn, resp models.TurnResponse, start time.Time, err error) {
	elapsed := o.now().Sub(start)
	path := t.path
	if path == "" {
		path = pathFatal
	}
	span.SetAttributes(attribute.String("path", path), attribute.String("response_type", string(resp.ResponseType)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.metrics.turn(ctx, path, string(resp.ResponseType), elapsed)

	slog.Info("Orchestrator.ProcessTurn: turn finished", "userID", t.req.UserID, "path", path,
		"responseType", resp.ResponseType, "status", resp.Status, "steps", len(resp.Steps), "duration", elapsed)

	if o.execLog == nil || resp.ResponseType == models.ResponseFatalError {
		return
	}
	sessionID := t.req.SessionID
	if t.session != nil {
		sessionID = t.session.SessionID
	}
	o.execLog.LogExecution(ctx, models.ExecutionRecord{
		ID:             uuid.NewString(),
		UserID:         t.req.UserID,
		SessionID:      sessionID,
		Path:           path,
		AgentsInvolved: append([]string{}, t.agents...),
		StartedAt:      start.UTC(),
		DurationMS:     elapsed.Milliseconds(),
		Status:         string(resp.Status),
		ResponseType:   string(resp.ResponseType),
		RawMessage:     t.req.Message,
		Timezone:       t.timezone,
	})
}

// updateBuffer overwrites the context buffer when the turn extracted foods or
// a topic. Failures are logged and do not affect the reply.
func (o *Orchestrator) updateBuffer(ctx context.Context, t *turn) {
	foods := t.decision.FoodItems
	topic := t.topic()
	if len(foods) == 0 && topic == "" {
		return
	}
	if len(foods) > models.MaxRecentFoods {
		foods = foods[len(foods)-models.MaxRecentFoods:]
	}
	buf := models.ContextBuffer{RecentFoods: append([]string{}, foods...), LastTopic: topic}
	if err := o.sessions.UpdateBuffer(ctx, t.req.UserID, buf); err != nil {
		slog.Warn("Orchestrator.updateBuffer: failed to update context buffer", "userID", t.req.UserID, "error", err)
	}
}

func trimHistory(history []models.ChatMessage, limit int) []models.ChatMessage {
	if limit >= 0 && len(history) > limit {
		return history[len(history)-limit:]
	}
	return history
}
