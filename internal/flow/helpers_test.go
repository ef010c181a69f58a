package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/store"
	"github.com/BTreeMap/NutriPipe/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testUser = "user-1"

type stubClassifier struct {
	mu       sync.Mutex
	decision models.IntentDecision
	err      error
	panicMsg string
	messages []string
}

func (s *stubClassifier) Classify(ctx context.Context, message string, history []models.ChatMessage) (models.IntentDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	return s.decision, s.err
}

func (s *stubClassifier) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type stubReasoner struct {
	result models.ReasoningResult
	err    error
	calls  int
	hint   models.IntentDecision
}

func (s *stubReasoner) Reason(ctx context.Context, userID, message string, hint models.IntentDecision, history []models.ChatMessage) (models.ReasoningResult, error) {
	s.calls++
	s.hint = hint
	return s.result, s.err
}

type stubParser struct {
	recipe models.ParsedRecipe
	err    error
}

func (s *stubParser) Parse(ctx context.Context, text string) (models.ParsedRecipe, error) {
	return s.recipe, s.err
}

// countingStore counts pending-action writes.
type countingStore struct {
	*store.InMemoryStore
	mu    sync.Mutex
	saves int
}

func (c *countingStore) SavePendingAction(ctx context.Context, userID string, action models.PendingAction) error {
	c.mu.Lock()
	c.saves++
	c.mu.Unlock()
	return c.InMemoryStore.SavePendingAction(ctx, userID, action)
}

func (c *countingStore) pendingSaves() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

// stuckPendingStore fails every ClearPendingAction.
type stuckPendingStore struct {
	*store.InMemoryStore
}

func (s *stuckPendingStore) ClearPendingAction(ctx context.Context, userID string) error {
	return errors.New("pending table locked")
}

type recordingLogger struct {
	mu      sync.Mutex
	records []models.ExecutionRecord
}

func (r *recordingLogger) LogExecution(ctx context.Context, rec models.ExecutionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

type harness struct {
	store      *countingStore
	classifier *stubClassifier
	reasoner   *stubReasoner
	parser     *stubParser
	logger     *recordingLogger
	orch       *Orchestrator
}

func lentilSoup() models.ParsedRecipe {
	return models.ParsedRecipe{
		Name:     "Lentil Soup",
		Servings: 4,
		Ingredients: []models.Ingredient{
			{Name: "lentils", Quantity: "1 cup", Nutrients: map[string]float64{"calories": 680, "protein_g": 48}},
			{Name: "carrots", Quantity: "2", Nutrients: map[string]float64{"calories": 50}},
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:      &countingStore{InMemoryStore: store.NewInMemoryStore()},
		classifier: &stubClassifier{decision: models.IntentDecision{Intent: models.IntentUnknown}},
		reasoner:   &stubReasoner{result: models.ReasoningResult{Reasoning: "Happy to help."}},
		parser:     &stubParser{recipe: lentilSoup()},
		logger:     &recordingLogger{},
	}
	registry := tools.NewRegistry(tools.Deps{Store: h.store, Parser: h.parser})
	orch, err := NewOrchestrator(Deps{
		Store:      h.store,
		Classifier: h.classifier,
		Reasoner:   h.reasoner,
		Tools:      registry,
	}, WithExecutionLogger(h.logger), WithClock(func() time.Time {
		return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	}))
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) turn(t *testing.T, message string) models.TurnResponse {
	t.Helper()
	return h.orch.ProcessTurn(context.Background(), models.TurnRequest{UserID: testUser, Message: message})
}

func (h *harness) pending(t *testing.T) *models.PendingAction {
	t.Helper()
	p, err := h.store.GetPendingAction(context.Background(), testUser)
	require.NoError(t, err)
	return p
}

func (h *harness) setPending(t *testing.T, kind models.ActionKind, payload interface{}) {
	t.Helper()
	data, err := models.EncodeData(payload)
	require.NoError(t, err)
	require.NoError(t, h.store.InMemoryStore.SavePendingAction(context.Background(), testUser, models.PendingAction{Type: kind, Data: data}))
}

func (h *harness) saveRecipe(t *testing.T, id, name string, servings float64, perServing map[string]float64) models.Recipe {
	t.Helper()
	r := models.Recipe{
		ID:                  id,
		UserID:              testUser,
		Name:                name,
		Servings:            servings,
		Ingredients:         []models.Ingredient{{Name: "beans"}},
		NutritionPerServing: perServing,
		NutritionTotal:      map[string]float64{"calories": perServing["calories"] * servings},
		CreatedAt:           time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:           time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, h.store.SaveRecipe(context.Background(), r))
	return r
}

func (h *harness) foodLogs(t *testing.T) []models.FoodLogEntry {
	t.Helper()
	logs, err := h.store.ListFoodLogs(context.Background(), testUser, time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return logs
}
