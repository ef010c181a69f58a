package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/store"
	"github.com/BTreeMap/NutriPipe/internal/tools"
)

func TestNewOrchestrator_RequiresStoreAndTools(t *testing.T) {
	_, err := NewOrchestrator(Deps{})
	assert.ErrorIs(t, err, models.ErrCollaboratorMissing)
}

func TestProcessTurn_ClosingSkipsClassifier(t *testing.T) {
	h := newHarness(t)

	resp := h.turn(t, "thanks")

	assert.Equal(t, models.TurnStatusSuccess, resp.Status)
	assert.Equal(t, models.ResponseChat, resp.ResponseType)
	assert.Equal(t, closingReply, resp.Message)
	assert.NotNil(t, resp.Steps)
	assert.Empty(t, resp.Steps)
	assert.Zero(t, h.classifier.calls(), "classifier must not be called for a closing")
	assert.Zero(t, h.reasoner.calls)
}

func TestProcessTurn_LogEggsThenConfirm(t *testing.T) {
	h := newHarness(t)
	h.classifier.decision = models.IntentDecision{
		Intent:    models.IntentLogFood,
		FoodItems: []string{"eggs"},
		Portions:  []string{"2"},
	}

	resp := h.turn(t, "log 2 eggs")

	require.Equal(t, models.ResponseConfirmationFoodLog, resp.ResponseType, resp.Message)
	assert.Equal(t, models.TurnStatusSuccess, resp.Status)
	data, ok := resp.Data.(models.FoodLogData)
	require.True(t, ok, "data is %T", resp.Data)
	require.Len(t, data.Nutrition, 1)
	assert.Equal(t, "eggs", data.Nutrition[0].FoodName)
	assert.Equal(t, 144.0, data.Nutrition[0].Nutrients["calories"])
	assert.Equal(t, []string{stepUnderstanding, stepCheckingRecipes, stepLookingUp}, resp.Steps)
	assert.Equal(t, 1, h.classifier.calls())
	assert.Zero(t, h.reasoner.calls)

	pending := h.pending(t)
	require.NotNil(t, pending)
	assert.Equal(t, models.ActionFoodLog, pending.Type)

	resp = h.turn(t, "confirm")

	assert.Equal(t, models.ResponseFoodLogged, resp.ResponseType, resp.Message)
	assert.Equal(t, []string{stepConfirming}, resp.Steps)
	assert.Equal(t, 1, h.classifier.calls(), "confirm is a fast-path")
	assert.Nil(t, h.pending(t))

	logs := h.foodLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, "eggs", logs[0].FoodName)
	assert.Equal(t, tools.SourceLookup, logs[0].Source)
}

func TestProcessTurn_ConfirmCommitsOnceWhenClearFails(t *testing.T) {
	st := &stuckPendingStore{InMemoryStore: store.NewInMemoryStore()}
	orch, err := NewOrchestrator(Deps{
		Store:      st,
		Classifier: &stubClassifier{decision: models.IntentDecision{Intent: models.IntentUnknown}},
		Tools:      tools.NewRegistry(tools.Deps{Store: st}),
	})
	require.NoError(t, err)
	ctx := context.Background()
	data, err := models.EncodeData(models.FoodLogData{Nutrition: []models.NutritionItem{
		{FoodName: "egg", Portion: "2", Nutrients: map[string]float64{"calories": 144}},
	}})
	require.NoError(t, err)
	require.NoError(t, st.SavePendingAction(ctx, testUser, models.PendingAction{Type: models.ActionFoodLog, Data: data}))

	for i := 0; i < 2; i++ {
		resp := orch.ProcessTurn(ctx, models.TurnRequest{UserID: testUser, Message: "yes"})
		assert.Equal(t, models.ResponseConfirmationFailed, resp.ResponseType, resp.Message)
	}
	logs, err := st.ListFoodLogs(ctx, testUser, time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestProcessTurn_ButtonCancel(t *testing.T) {
	h := newHarness(t)
	h.setPending(t, models.ActionFoodLog, models.FoodLogData{Nutrition: []models.NutritionItem{{FoodName: "apple", Nutrients: map[string]float64{"calories": 95}}}})

	resp := h.turn(t, "Cancel")

	assert.Equal(t, models.ResponseActionCancelled, resp.ResponseType)
	assert.Equal(t, cancelledReply, resp.Message)
	assert.Nil(t, h.pending(t))
	assert.Zero(t, h.classifier.calls())
	assert.Empty(t, h.foodLogs(t))
}

func TestProcessTurn_ConfirmWithoutPendingIsClassified(t *testing.T) {
	h := newHarness(t)
	h.classifier.decision = models.IntentDecision{Intent: models.IntentConfirm}

	resp := h.turn(t, "yes")

	assert.Equal(t, 1, h.classifier.calls())
	assert.Equal(t, 1, h.reasoner.calls)
	assert.Equal(t, models.ResponseChat, resp.ResponseType)
}

func TestProcessTurn_ClassifiedConfirmWithFoodsGoesToReasoning(t *testing.T) {
	h := newHarness(t)
	h.setPending(t, models.ActionGoalUpdate, models.GoalUpdateData{Nutrient: "protein", Target: 120})
	h.classifier.decision = models.IntentDecision{Intent: models.IntentConfirm, FoodItems: []string{"banana"}}

	resp := h.turn(t, "right, and a banana too")

	assert.Equal(t, 1, h.reasoner.calls)
	// The goal update is still pending and shown again.
	assert.Equal(t, models.ResponseConfirmationGoalUpdate, resp.ResponseType)
	require.NotNil(t, h.pending(t))
}

func TestProcessTurn_ClassifiedConfirmResolves(t *testing.T) {
	h := newHarness(t)
	h.setPending(t, models.ActionGoalUpdate, models.GoalUpdateData{Nutrient: "Protein", Target: 120})
	h.classifier.decision = models.IntentDecision{Intent: models.IntentConfirm}

	resp := h.turn(t, "let's do that")

	assert.Equal(t, models.ResponseGoalUpdated, resp.ResponseType, resp.Message)
	assert.Nil(t, h.pending(t))
	goals, err := h.store.ListGoals(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, goals, 1)
	assert.Equal(t, "protein_g", goals[0].Nutrient)
	assert.Equal(t, "g", goals[0].Unit)
	assert.Equal(t, models.GoalTypeTarget, goals[0].GoalType)
}

func TestProcessTurn_RecipeHeuristicThenSave(t *testing.T) {
	h := newHarness(t)
	text := "Lentil Soup\n1 cup lentils\n2 carrots\n1 onion\nSimmer for 30 minutes"

	resp := h.turn(t, text)

	require.Equal(t, models.ResponseConfirmationRecipeSave, resp.ResponseType, resp.Message)
	assert.Zero(t, h.classifier.calls(), "recipe text bypasses classification")
	assert.Equal(t, []string{stepParsingRecipe}, resp.Steps)
	view, ok := resp.Data.(RecipeSaveView)
	require.True(t, ok, "data is %T", resp.Data)
	assert.Equal(t, "Lentil Soup", view.Name)
	assert.Equal(t, 730.0, view.NutritionTotal["calories"])
	assert.Equal(t, 182.5, view.NutritionPerServing["calories"])
	assert.False(t, view.Duplicate)

	resp = h.turn(t, "yes")

	assert.Equal(t, models.ResponseRecipeSaved, resp.ResponseType, resp.Message)
	assert.Nil(t, h.pending(t))
	saved, err := h.store.FindRecipesByName(context.Background(), testUser, "lentil")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, 4.0, saved[0].Servings)
}

func TestProcessTurn_RecipeParseFailure(t *testing.T) {
	h := newHarness(t)
	h.parser.err = errors.New("model unavailable")
	text := "Lentil Soup\n1 cup lentils\n2 carrots\n1 onion\nSimmer for 30 minutes"

	resp := h.turn(t, text)

	assert.Equal(t, models.TurnStatusError, resp.Status)
	assert.Equal(t, models.ResponseChat, resp.ResponseType)
	assert.True(t, strings.HasPrefix(resp.Message, recipeUnreadable), resp.Message)
	assert.Nil(t, h.pending(t))
}

func TestProcessTurn_SavedRecipeMatchThenConfirm(t *testing.T) {
	h := newHarness(t)
	chili := h.saveRecipe(t, "r-chili", "Chili", 4, map[string]float64{"calories": 300, "protein_g": 20})
	h.classifier.decision = models.IntentDecision{
		Intent:    models.IntentLogFood,
		FoodItems: []string{"chili"},
		Portions:  []string{"2 servings"},
	}

	resp := h.turn(t, "I had 2 servings of chili")

	require.Equal(t, models.ResponseConfirmationRecipeLog, resp.ResponseType, resp.Message)
	view, ok := resp.Data.(RecipeLogView)
	require.True(t, ok, "data is %T", resp.Data)
	assert.Equal(t, chili.ID, view.RecipeID)
	assert.Equal(t, 2.0, view.Servings)
	require.Len(t, view.Nutrition, 1)
	assert.Equal(t, 600.0, view.Nutrition[0].Nutrients["calories"])

	resp = h.turn(t, "yes")

	assert.Equal(t, models.ResponseRecipeLogged, resp.ResponseType, resp.Message)
	logs := h.foodLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, chili.ID, logs[0].RecipeID)
	assert.Equal(t, 600.0, logs[0].Nutrients["calories"])
	assert.Equal(t, 40.0, logs[0].Nutrients["protein_g"])
}

func TestProcessTurn_RecipeSelectionFlow(t *testing.T) {
	h := newHarness(t)
	h.saveRecipe(t, "r-beef", "Beef Chili", 4, map[string]float64{"calories": 400})
	turkey := h.saveRecipe(t, "r-turkey", "Turkey Chili", 4, map[string]float64{"calories": 300})
	h.classifier.decision = models.IntentDecision{Intent: models.IntentLogRecipe}

	resp := h.turn(t, "log my chili")

	require.Equal(t, models.ResponseRecipeSelection, resp.ResponseType, resp.Message)
	sel, ok := resp.Data.(models.RecipeSelectionData)
	require.True(t, ok, "data is %T", resp.Data)
	assert.Equal(t, "chili", sel.Query)
	require.Len(t, sel.Recipes, 2)

	before := h.pending(t)
	resp = h.turn(t, "7")

	assert.Equal(t, models.TurnStatusError, resp.Status)
	assert.Equal(t, models.ResponseRecipeSelection, resp.ResponseType)
	assert.Contains(t, resp.Message, "1-2")
	if diff := cmp.Diff(before, h.pending(t)); diff != "" {
		t.Errorf("pending action changed after an invalid selection (-before +after):\n%s", diff)
	}

	resp = h.turn(t, "2")

	require.Equal(t, models.ResponseConfirmationRecipeSave, resp.ResponseType, resp.Message)
	pending := h.pending(t)
	require.NotNil(t, pending)
	assert.Equal(t, models.ActionRecipeSave, pending.Type)

	resp = h.turn(t, "confirm log")

	assert.Equal(t, models.ResponseRecipeLogged, resp.ResponseType, resp.Message)
	assert.Nil(t, h.pending(t))
	logs := h.foodLogs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, turkey.ID, logs[0].RecipeID)
	assert.Equal(t, 300.0, logs[0].Nutrients["calories"])
}

func TestProcessTurn_LogRecipeNotFound(t *testing.T) {
	h := newHarness(t)
	h.classifier.decision = models.IntentDecision{Intent: models.IntentLogRecipe, Entities: []string{"my lasagna"}}

	resp := h.turn(t, "log my lasagna")

	assert.Equal(t, models.ResponseChat, resp.ResponseType)
	assert.Contains(t, resp.Message, `"lasagna"`)
	assert.Zero(t, h.reasoner.calls)
	assert.Nil(t, h.pending(t))
}

func TestProcessTurn_SaveRecipeIntent(t *testing.T) {
	h := newHarness(t)
	h.classifier.decision = models.IntentDecision{Intent: models.IntentSaveRecipe, RecipeText: "lentil soup: lentils, carrots"}

	resp := h.turn(t, "save this: lentil soup: lentils, carrots")

	assert.Equal(t, models.ResponseConfirmationRecipeSave, resp.ResponseType)
	require.NotNil(t, h.pending(t))
}

func TestProcessTurn_Greet(t *testing.T) {
	h := newHarness(t)
	h.classifier.decision = models.IntentDecision{Intent: models.IntentGreet}

	resp := h.turn(t, "hello there")

	assert.Equal(t, greetingReply, resp.Message)
	assert.Zero(t, h.reasoner.calls)
}

func TestProcessTurn_ClassifierFailureFallsBackToReasoning(t *testing.T) {
	h := newHarness(t)
	h.classifier.err = errors.New("timeout")

	resp := h.turn(t, "what should I eat for dinner?")

	assert.Equal(t, models.ResponseChat, resp.ResponseType)
	assert.Equal(t, "Happy to help.", resp.Message)
	assert.Equal(t, models.IntentUnknown, h.reasoner.hint.Intent)
	assert.Equal(t, []string{stepUnderstanding, stepThinking}, resp.Steps)
}

func TestProcessTurn_ReasoningContinuityDoesNotRewrite(t *testing.T) {
	h := newHarness(t)
	h.setPending(t, models.ActionRecipeSave, models.RecipeSaveFlow{Recipe: lentilSoup()})
	h.classifier.decision = models.IntentDecision{Intent: models.IntentQuestion}
	h.reasoner.result = models.ReasoningResult{Reasoning: "Lentils are high in fiber.", ToolsUsed: []string{tools.LookupNutrition, "unknown_tool"}}
	before := h.pending(t)

	resp := h.turn(t, "is that healthy?")

	assert.Equal(t, models.ResponseConfirmationRecipeSave, resp.ResponseType)
	assert.Equal(t, "Lentils are high in fiber.", resp.Message)
	assert.Equal(t, []string{stepUnderstanding, stepThinking, "Looking up nutrition"}, resp.Steps)
	assert.Zero(t, h.store.pendingSaves(), "a re-attached proposal must not be persisted")
	if diff := cmp.Diff(before, h.pending(t)); diff != "" {
		t.Errorf("pending action changed (-before +after):\n%s", diff)
	}
}

func TestProcessTurn_ReasoningNewProposalIsPersisted(t *testing.T) {
	h := newHarness(t)
	h.setPending(t, models.ActionRecipeSave, models.RecipeSaveFlow{Recipe: lentilSoup()})
	goal, err := models.EncodeData(models.GoalUpdateData{Nutrient: "fiber", Target: 30})
	require.NoError(t, err)
	h.reasoner.result = models.ReasoningResult{
		Reasoning: "Set fiber to 30 g?",
		Proposal:  &models.Proposal{Type: models.ActionGoalUpdate, ID: "p1", Data: goal},
		ToolsUsed: []string{tools.ProposeGoalUpdate},
	}

	resp := h.turn(t, "I want more fiber")

	assert.Equal(t, models.ResponseConfirmationGoalUpdate, resp.ResponseType)
	assert.Equal(t, 1, h.store.pendingSaves())
	pending := h.pending(t)
	require.NotNil(t, pending)
	assert.Equal(t, models.ActionGoalUpdate, pending.Type, "last proposal wins")
}

func TestProcessTurn_ReasonerFailure(t *testing.T) {
	h := newHarness(t)
	h.reasoner.err = errors.New("rate limited")

	resp := h.turn(t, "how am I doing?")

	assert.Equal(t, models.TurnStatusError, resp.Status)
	assert.Equal(t, models.ResponseChat, resp.ResponseType)
	assert.Contains(t, resp.Message, "rate limited")
}

func TestProcessTurn_InvalidRequestIsFatal(t *testing.T) {
	h := newHarness(t)

	resp := h.orch.ProcessTurn(context.Background(), models.TurnRequest{UserID: testUser, Message: "  "})

	assert.Equal(t, models.ResponseFatalError, resp.ResponseType)
	assert.Equal(t, models.TurnStatusError, resp.Status)
	assert.Contains(t, resp.Message, models.ErrEmptyMessage.Error())
	assert.Empty(t, h.logger.records)
}

func TestProcessTurn_PanicIsFatal(t *testing.T) {
	h := newHarness(t)
	h.classifier.panicMsg = "boom"

	resp := h.turn(t, "what is a calorie")

	assert.Equal(t, models.ResponseFatalError, resp.ResponseType)
	assert.True(t, strings.HasPrefix(resp.Message, "Something went wrong while processing your message:"), resp.Message)
	assert.Contains(t, resp.Message, "boom")
	assert.Equal(t, []string{stepUnderstanding}, resp.Steps)

	// The user lock was released.
	resp = h.turn(t, "thanks")
	assert.Equal(t, closingReply, resp.Message)
}

func TestProcessTurn_ExecutionRecordAndBuffer(t *testing.T) {
	h := newHarness(t)
	h.classifier.decision = models.IntentDecision{Intent: models.IntentLogFood, FoodItems: []string{"banana"}}

	h.orch.ProcessTurn(context.Background(), models.TurnRequest{
		UserID:    testUser,
		SessionID: "web",
		Message:   "a banana",
		Timezone:  "America/Toronto",
	})

	require.Len(t, h.logger.records, 1)
	rec := h.logger.records[0]
	assert.Equal(t, "web", rec.SessionID)
	assert.Equal(t, pathDirectFood, rec.Path)
	assert.Equal(t, []string{agentClassifier, agentRecipeFinder, agentLookup}, rec.AgentsInvolved)
	assert.Equal(t, string(models.ResponseConfirmationFoodLog), rec.ResponseType)
	assert.Equal(t, "America/Toronto", rec.Timezone)
	assert.NotEmpty(t, rec.ID)

	sess, err := h.store.GetSession(context.Background(), testUser, "web")
	require.NoError(t, err)
	assert.Equal(t, models.ContextBuffer{RecentFoods: []string{"banana"}, LastTopic: models.TopicFood}, sess.ContextBuffer)
}

func TestProcessTurn_ConcurrentUsers(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := []string{"a", "b"}[i%2]
			resp := h.orch.ProcessTurn(context.Background(), models.TurnRequest{UserID: user, Message: "thanks"})
			assert.Equal(t, closingReply, resp.Message)
		}(i)
	}
	wg.Wait()
	assert.Zero(t, h.orch.locks.size())
}

func TestCleanRecipeName(t *testing.T) {
	tests := map[string]string{
		"log my chili":   "chili",
		"had my chili!":  "chili",
		"Track lasagna":  "lasagna",
		"banana bread":   "banana bread",
		"record my soup": "soup",
	}
	for in, want := range tests {
		assert.Equal(t, want, cleanRecipeName(in), in)
	}
}
