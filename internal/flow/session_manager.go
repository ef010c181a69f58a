package flow

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/store"
)

// DefaultSessionID is used when a turn arrives without a session id.
const DefaultSessionID = "default"

// SessionManager reads and writes per-user conversation state through a SessionStore.
// It is the only path by which the orchestrator touches session state.
type SessionManager struct {
	store store.SessionStore
}

// NewSessionManager creates a SessionManager backed by st.
func NewSessionManager(st store.SessionStore) *SessionManager {
	slog.Debug("Creating SessionManager")
	return &SessionManager{store: st}
}

// Load returns the session for (userID, sessionID), creating it on first use.
func (sm *SessionManager) Load(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	sess, err := sm.store.GetSession(ctx, userID, sessionID)
	if err != nil {
		slog.Error("SessionManager Load error", "error", err, "userID", userID, "sessionID", sessionID)
		return nil, err
	}
	slog.Debug("SessionManager Load", "userID", userID, "sessionID", sessionID, "hasPending", sess.PendingAction != nil)
	return sess, nil
}

// Pending returns the user's pending action, or nil.
func (sm *SessionManager) Pending(ctx context.Context, userID string) (*models.PendingAction, error) {
	p, err := sm.store.GetPendingAction(ctx, userID)
	if err != nil {
		slog.Error("SessionManager Pending error", "error", err, "userID", userID)
		return nil, err
	}
	return p, nil
}

// SavePending overwrites the user's pending action.
func (sm *SessionManager) SavePending(ctx context.Context, userID string, action models.PendingAction) error {
	if err := sm.store.SavePendingAction(ctx, userID, action); err != nil {
		slog.Error("SessionManager SavePending error", "error", err, "userID", userID, "type", action.Type)
		return err
	}
	slog.Debug("SessionManager SavePending succeeded", "userID", userID, "type", action.Type)
	return nil
}

// ClearPending removes the user's pending action.
func (sm *SessionManager) ClearPending(ctx context.Context, userID string) error {
	if err := sm.store.ClearPendingAction(ctx, userID); err != nil {
		slog.Error("SessionManager ClearPending error", "error", err, "userID", userID)
		return err
	}
	slog.Debug("SessionManager ClearPending succeeded", "userID", userID)
	return nil
}

// UpdateBuffer overwrites the user's context buffer.
func (sm *SessionManager) UpdateBuffer(ctx context.Context, userID string, buf models.ContextBuffer) error {
	if err := sm.store.UpdateBuffer(ctx, userID, buf); err != nil {
		slog.Error("SessionManager UpdateBuffer error", "error", err, "userID", userID)
		return err
	}
	return nil
}

// UpdateContext patches the user's preference map. Nil values delete keys.
func (sm *SessionManager) UpdateContext(ctx context.Context, userID string, patch map[string]interface{}) error {
	if tz, ok := patch["timezone"].(string); ok && tz != "" {
		if _, err := models.LoadTimezone(tz); err != nil {
			return models.ErrInvalidTimezone
		}
	}
	if err := sm.store.UpdateContext(ctx, userID, patch); err != nil {
		slog.Error("SessionManager UpdateContext error", "error", err, "userID", userID)
		return err
	}
	slog.Info("SessionManager UpdateContext succeeded", "userID", userID, "keys", len(patch))
	return nil
}
