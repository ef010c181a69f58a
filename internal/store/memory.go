package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/NutriPipe/internal/models"
)

type userState struct {
	pending *models.PendingAction
	buffer  models.ContextBuffer
	context map[string]interface{}
}

type sessionKey struct {
	userID, sessionID string
}

// InMemoryStore is a Store kept entirely in process memory. Values are deep
// copied on the way in and out so callers never share state with the store.
type InMemoryStore struct {
	mu         sync.RWMutex
	users      map[string]*userState
	sessions   map[sessionKey]time.Time // created at
	foodLogs   []models.FoodLogEntry
	recipes    map[string]models.Recipe
	goals      map[string]map[string]models.Goal
	executions []models.ExecutionRecord
	dedup      map[string]DedupRecord
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:    make(map[string]*userState),
		sessions: make(map[sessionKey]time.Time),
		recipes:  make(map[string]models.Recipe),
		goals:    make(map[string]map[string]models.Goal),
		dedup:    make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) user(userID string) *userState {
	u, ok := s.users[userID]
	if !ok {
		u = &userState{context: map[string]interface{}{}}
		s.users[userID] = u
	}
	return u
}

// clone deep copies v through JSON.
func clone[T any](v T) T {
	var out T
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func (s *InMemoryStore) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := sessionKey{userID, sessionID}
	created, ok := s.sessions[key]
	if !ok {
		created = now
		s.sessions[key] = created
		slog.Debug("InMemoryStore.GetSession: created session", "userID", userID, "sessionID", sessionID)
	}
	u := s.user(userID)
	sess := &models.Session{
		UserID:        userID,
		SessionID:     sessionID,
		ContextBuffer: clone(u.buffer),
		Context:       clone(u.context),
		CreatedAt:     created,
		UpdatedAt:     now,
	}
	if u.pending != nil {
		p := u.pending.Clone()
		sess.PendingAction = &p
	}
	return sess, nil
}

func (s *InMemoryStore) GetPendingAction(ctx context.Context, userID string) (*models.PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok || u.pending == nil {
		return nil, nil
	}
	p := u.pending.Clone()
	return &p, nil
}

func (s *InMemoryStore) SavePendingAction(ctx context.Context, userID string, action models.PendingAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := action.Clone()
	s.user(userID).pending = &p
	slog.Debug("InMemoryStore.SavePendingAction: saved", "userID", userID, "type", action.Type)
	return nil
}

func (s *InMemoryStore) ClearPendingAction(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.pending = nil
	}
	slog.Debug("InMemoryStore.ClearPendingAction: cleared", "userID", userID)
	return nil
}

func (s *InMemoryStore) UpdateContext(ctx context.Context, userID string, patch map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	mergeContext(u.context, clone(patch))
	return nil
}

func (s *InMemoryStore) UpdateBuffer(ctx context.Context, userID string, buf models.ContextBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(userID).buffer = clone(buf)
	return nil
}

func (s *InMemoryStore) AddFoodLogs(ctx context.Context, entries []models.FoodLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		e = clone(e)
		e.LoggedAt = e.LoggedAt.UTC()
		s.foodLogs = append(s.foodLogs, e)
	}
	slog.Debug("InMemoryStore.AddFoodLogs: added", "count", len(entries))
	return nil
}

func (s *InMemoryStore) ListFoodLogs(ctx context.Context, userID string, from, to time.Time) ([]models.FoodLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.FoodLogEntry
	for _, e := range s.foodLogs {
		if e.UserID != userID || e.LoggedAt.Before(from) || !e.LoggedAt.Before(to) {
			continue
		}
		out = append(out, clone(e))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LoggedAt.Before(out[j].LoggedAt) })
	return out, nil
}

func (s *InMemoryStore) SaveRecipe(ctx context.Context, r models.Recipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipes[r.ID] = clone(r)
	return nil
}

func (s *InMemoryStore) UpdateRecipe(ctx context.Context, r models.Recipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.recipes[r.ID]
	if !ok || existing.UserID != r.UserID {
		return ErrNotFound
	}
	r.CreatedAt = existing.CreatedAt
	s.recipes[r.ID] = clone(r)
	return nil
}

func (s *InMemoryStore) GetRecipe(ctx context.Context, userID, recipeID string) (*models.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recipes[recipeID]
	if !ok || r.UserID != userID {
		return nil, nil
	}
	out := clone(r)
	return &out, nil
}

func (s *InMemoryStore) FindRecipesByName(ctx context.Context, userID, query string) ([]models.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(strings.TrimSpace(query))
	var out []models.Recipe
	for _, r := range s.recipes {
		if r.UserID != userID {
			continue
		}
		if q == "" || strings.Contains(strings.ToLower(r.Name), q) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) UpsertGoal(ctx context.Context, g models.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNutrient, ok := s.goals[g.UserID]
	if !ok {
		byNutrient = make(map[string]models.Goal)
		s.goals[g.UserID] = byNutrient
	}
	byNutrient[g.Nutrient] = clone(g)
	return nil
}

func (s *InMemoryStore) ListGoals(ctx context.Context, userID string) ([]models.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Goal
	for _, g := range s.goals[userID] {
		out = append(out, clone(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nutrient < out[j].Nutrient })
	return out, nil
}

func (s *InMemoryStore) AddExecutionRecord(ctx context.Context, rec models.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, clone(rec))
	return nil
}

func (s *InMemoryStore) ListExecutionRecords(ctx context.Context, userID string, limit int) ([]models.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ExecutionRecord
	for i := len(s.executions) - 1; i >= 0; i-- {
		if s.executions[i].UserID != userID {
			continue
		}
		out = append(out, clone(s.executions[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.dedup[messageID]; seen {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, UserID: userID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.dedup[messageID] = rec
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// mergeContext applies patch onto dst in place; nil values delete keys.
func mergeContext(dst, patch map[string]interface{}) {
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
}
