// Package api provides the HTTP server of NutriPipe.
//
// It exposes the conversation turn endpoint, read and maintenance endpoints
// over the user's state (pending action, preferences, goals, logs, recipes),
// the nutrient registry and the Twilio inbound webhook. Run composes the HTTP
// server with the chat transport bridge and the execution logger.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/NutriPipe/internal/execlog"
	"github.com/BTreeMap/NutriPipe/internal/messaging"
	"github.com/BTreeMap/NutriPipe/internal/nutrient"
	"github.com/BTreeMap/NutriPipe/internal/store"
	"github.com/BTreeMap/NutriPipe/internal/twiliowhatsapp"
)

// Default configuration constants
const (
	// DefaultAddr is the listen address used when none is configured
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds store reads in the non-turn endpoints
	DefaultRequestTimeout = 10 * time.Second
	// maxBodyBytes limits request bodies
	maxBodyBytes = 1 << 20
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	ShutdownTimeout time.Duration
	Twilio          *messaging.TwilioService
	Validator       *twiliowhatsapp.Validator
	Bridge          *messaging.Bridge
	ExecLog         *execlog.Logger
	Registry        *nutrient.Registry
}

// Option defines a functional option for configuring the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithTwilioWebhook enables POST /webhooks/twilio, delivering messages to svc.
func WithTwilioWebhook(svc *messaging.TwilioService, v *twiliowhatsapp.Validator) Option {
	return func(o *Opts) {
		o.Twilio = svc
		o.Validator = v
	}
}

// WithBridge runs the chat transport bridge alongside the HTTP server.
func WithBridge(b *messaging.Bridge) Option {
	return func(o *Opts) { o.Bridge = b }
}

// WithExecutionLog drains and closes l when the server stops.
func WithExecutionLog(l *execlog.Logger) Option {
	return func(o *Opts) { o.ExecLog = l }
}

// WithRegistry overrides the nutrient registry served by /nutrients.
func WithRegistry(r *nutrient.Registry) Option {
	return func(o *Opts) { o.Registry = r }
}

// Server holds the collaborators of the HTTP handlers.
type Server struct {
	turns     messaging.TurnProcessor
	st        store.Store
	registry  *nutrient.Registry
	twilio    *messaging.TwilioService
	validator *twiliowhatsapp.Validator
	bridge    *messaging.Bridge
	execLog   *execlog.Logger
	addr      string
	shutdown  time.Duration
	now       func() time.Time
	mux       *http.ServeMux
}

// NewServer creates a Server and registers its routes.
func NewServer(turns messaging.TurnProcessor, st store.Store, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Registry == nil {
		o.Registry = nutrient.Default()
	}
	s := &Server{
		turns:     turns,
		st:        st,
		registry:  o.Registry,
		twilio:    o.Twilio,
		validator: o.Validator,
		bridge:    o.Bridge,
		execLog:   o.ExecLog,
		addr:      o.Addr,
		shutdown:  o.ShutdownTimeout,
		now:       time.Now,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /chat", s.chatHandler)
	s.mux.HandleFunc("GET /users/{userID}/pending", s.getPendingHandler)
	s.mux.HandleFunc("DELETE /users/{userID}/pending", s.clearPendingHandler)
	s.mux.HandleFunc("PATCH /users/{userID}/context", s.patchContextHandler)
	s.mux.HandleFunc("GET /users/{userID}/goals", s.goalsHandler)
	s.mux.HandleFunc("GET /users/{userID}/logs", s.logsHandler)
	s.mux.HandleFunc("GET /users/{userID}/recipes", s.recipesHandler)
	s.mux.HandleFunc("GET /users/{userID}/executions", s.executionsHandler)
	s.mux.HandleFunc("GET /nutrients", s.nutrientsHandler)
	s.mux.HandleFunc("GET /nutrients/resolve", s.resolveNutrientHandler)
	s.mux.HandleFunc("GET /health", s.healthHandler)
	if s.twilio != nil {
		s.mux.HandleFunc("POST /webhooks/twilio", s.twilioWebhookHandler)
	}
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves HTTP and, when configured, the transport bridge until ctx is
// done or one of them fails. On the way out it shuts the HTTP server down
// gracefully and drains the execution logger.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server.Run: HTTP server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		slog.Info("Server.Run: shutting down HTTP server")
		return httpServer.Shutdown(shutdownCtx)
	})
	if s.bridge != nil {
		g.Go(func() error {
			return s.bridge.Run(gctx)
		})
	}

	err := g.Wait()
	if s.execLog != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		if cerr := s.execLog.Close(closeCtx); cerr != nil {
			slog.Warn("Server.Run: execution log did not drain", "error", cerr)
		}
	}
	if err != nil {
		slog.Error("Server.Run: stopped with error", "error", err)
		return err
	}
	slog.Info("Server.Run: stopped")
	return nil
}
