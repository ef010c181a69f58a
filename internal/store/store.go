// Package store provides storage backends for NutriPipe.
//
// It holds the per-user conversation state (pending action, context buffer,
// preferences), the commit targets of confirmed actions (food logs, recipes,
// goals) and best-effort execution records. SQLite, PostgreSQL and in-memory
// backends implement the same Store interface.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/NutriPipe/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SessionStore holds per-user conversation state.
type SessionStore interface {
	// GetSession returns the session for (userID, sessionID), creating it on first use.
	GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error)
	// GetPendingAction returns the user's pending action, or nil if none exists.
	GetPendingAction(ctx context.Context, userID string) (*models.PendingAction, error)
	// SavePendingAction overwrites the user's pending action.
	SavePendingAction(ctx context.Context, userID string, action models.PendingAction) error
	// ClearPendingAction removes the user's pending action. Clearing an absent action is not an error.
	ClearPendingAction(ctx context.Context, userID string) error
	// UpdateContext merges patch into the user's preference map. Nil values delete keys.
	UpdateContext(ctx context.Context, userID string, patch map[string]interface{}) error
	// UpdateBuffer overwrites the user's context buffer.
	UpdateBuffer(ctx context.Context, userID string, buf models.ContextBuffer) error
}

// NutritionStore holds the commit targets of confirmed actions.
type NutritionStore interface {
	AddFoodLogs(ctx context.Context, entries []models.FoodLogEntry) error
	// ListFoodLogs returns entries logged in [from, to), oldest first.
	ListFoodLogs(ctx context.Context, userID string, from, to time.Time) ([]models.FoodLogEntry, error)
	SaveRecipe(ctx context.Context, r models.Recipe) error
	UpdateRecipe(ctx context.Context, r models.Recipe) error
	GetRecipe(ctx context.Context, userID, recipeID string) (*models.Recipe, error)
	// FindRecipesByName returns the user's recipes whose name contains query, case-insensitively.
	// An empty query returns every recipe of the user.
	FindRecipesByName(ctx context.Context, userID, query string) ([]models.Recipe, error)
	UpsertGoal(ctx context.Context, g models.Goal) error
	ListGoals(ctx context.Context, userID string) ([]models.Goal, error)
}

// ExecutionStore holds execution records.
type ExecutionStore interface {
	AddExecutionRecord(ctx context.Context, rec models.ExecutionRecord) error
	// ListExecutionRecords returns the newest records first, at most limit (0 means no limit).
	ListExecutionRecords(ctx context.Context, userID string, limit int) ([]models.ExecutionRecord, error)
}

// Store is the complete persistence surface used by NutriPipe.
type Store interface {
	SessionStore
	NutritionStore
	ExecutionStore
	DedupRepo
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string
}

// Option defines a functional option for configuring a store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" or "sqlite3".
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open picks a backend for dsn. An empty dsn returns an in-memory store.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
