package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/store"
	"github.com/BTreeMap/NutriPipe/internal/tools"
)

func newTestConfirmation(t *testing.T) (*Confirmation, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	c := NewConfirmation(NewSessionManager(st), st, nil)
	c.now = func() time.Time { return time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC) }
	return c, st
}

func pendingOf(t *testing.T, kind models.ActionKind, payload interface{}) models.PendingAction {
	t.Helper()
	data, err := models.EncodeData(payload)
	require.NoError(t, err)
	return models.PendingAction{Type: kind, Data: data}
}

func TestConfirmation_ProposeLastWins(t *testing.T) {
	c, st := newTestConfirmation(t)
	ctx := context.Background()

	_, err := c.Propose(ctx, testUser, models.ActionFoodLog, map[string]interface{}{"nutrition": []interface{}{}})
	require.NoError(t, err)
	second, err := c.Propose(ctx, testUser, models.ActionGoalUpdate, map[string]interface{}{"nutrient": "fiber", "target": 30.0})
	require.NoError(t, err)
	assert.NotEmpty(t, second.ID)

	got, err := st.GetPendingAction(ctx, testUser)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.PendingAction(), *got)
}

func TestConfirmation_PersistRejectsUnknownKind(t *testing.T) {
	c, _ := newTestConfirmation(t)
	err := c.Persist(context.Background(), testUser, models.Proposal{Type: "teleport"})
	assert.ErrorIs(t, err, models.ErrUnknownActionKind)
}

// Every resolution except a missed recipe selection leaves no pending action,
// whether the commit succeeded or failed.
func TestConfirmation_ResolveAlwaysClears(t *testing.T) {
	tests := []struct {
		name     string
		pending  models.PendingAction
		message  string
		wantType models.ResponseType
	}{
		{
			name:     "food log",
			pending:  pendingOf(t, models.ActionFoodLog, models.FoodLogData{Nutrition: []models.NutritionItem{{FoodName: "apple", Nutrients: map[string]float64{"Calories": 95}}}}),
			wantType: models.ResponseFoodLogged,
		},
		{
			name:     "empty food log",
			pending:  pendingOf(t, models.ActionFoodLog, models.FoodLogData{}),
			wantType: models.ResponseConfirmationFailed,
		},
		{
			name:     "missing recipe",
			pending:  pendingOf(t, models.ActionRecipeLog, models.RecipeLogData{RecipeID: "gone", RecipeName: "Gone", Servings: 1}),
			wantType: models.ResponseConfirmationFailed,
		},
		{
			name:     "invalid goal",
			pending:  pendingOf(t, models.ActionGoalUpdate, models.GoalUpdateData{Nutrient: "protein"}),
			wantType: models.ResponseConfirmationFailed,
		},
		{
			name:     "unnamed recipe save",
			pending:  pendingOf(t, models.ActionRecipeSave, models.RecipeSaveFlow{Recipe: models.ParsedRecipe{Servings: 2}}),
			wantType: models.ResponseConfirmationFailed,
		},
		{
			name:     "malformed data",
			pending:  models.PendingAction{Type: models.ActionFoodLog, Data: map[string]interface{}{"nutrition": "lots"}},
			wantType: models.ResponseConfirmationFailed,
		},
		{
			name:     "unrecognised kind",
			pending:  models.PendingAction{Type: "legacy"},
			wantType: models.ResponseChat,
		},
		{
			name:     "empty selection",
			pending:  pendingOf(t, models.ActionRecipeSelection, models.RecipeSelectionData{Query: "soup"}),
			message:  "1",
			wantType: models.ResponseConfirmationFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, st := newTestConfirmation(t)
			ctx := context.Background()
			require.NoError(t, st.SavePendingAction(ctx, testUser, tt.pending))

			message := tt.message
			if message == "" {
				message = "yes"
			}
			out := c.Resolve(ctx, testUser, tt.pending, message, ParseReplyDirectives(message))

			assert.Equal(t, tt.wantType, out.responseType, out.message)
			got, err := st.GetPendingAction(ctx, testUser)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestConfirmation_ClearFailureCommitsNothing(t *testing.T) {
	st := &stuckPendingStore{InMemoryStore: store.NewInMemoryStore()}
	c := NewConfirmation(NewSessionManager(st), st, nil)
	ctx := context.Background()
	pending := pendingOf(t, models.ActionFoodLog, models.FoodLogData{Nutrition: []models.NutritionItem{
		{FoodName: "apple", Nutrients: map[string]float64{"calories": 95}},
	}})
	require.NoError(t, st.SavePendingAction(ctx, testUser, pending))

	for i := 0; i < 2; i++ {
		out := c.Resolve(ctx, testUser, pending, "yes", models.ReplyDirectives{})
		assert.Equal(t, models.ResponseConfirmationFailed, out.responseType)
		assert.Equal(t, models.TurnStatusError, out.status)
	}

	logs, err := st.ListFoodLogs(ctx, testUser, time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestConfirmation_FoodLogCommit(t *testing.T) {
	c, st := newTestConfirmation(t)
	ctx := context.Background()
	pending := pendingOf(t, models.ActionFoodLog, models.FoodLogData{Nutrition: []models.NutritionItem{
		{FoodName: "egg", Portion: "2", Nutrients: map[string]float64{"calories": 144, "Protein": 12.6}, Source: "lookup"},
		{FoodName: "toast", Portion: "1 slice", Nutrients: map[string]float64{"calories": 75}},
	}})

	out := c.Resolve(ctx, testUser, pending, "yes", models.ReplyDirectives{})

	require.Equal(t, models.ResponseFoodLogged, out.responseType, out.message)
	view, ok := out.data.(LoggedView)
	require.True(t, ok)
	assert.Len(t, view.Entries, 2)
	assert.Equal(t, 219.0, view.Totals["calories"])
	assert.Equal(t, 12.6, view.Totals["protein_g"])

	logs, err := st.ListFoodLogs(ctx, testUser, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.NotEqual(t, logs[0].ID, logs[1].ID)
}

func TestConfirmation_RecipeLogPortionDirective(t *testing.T) {
	c, st := newTestConfirmation(t)
	ctx := context.Background()
	require.NoError(t, st.SaveRecipe(ctx, models.Recipe{
		ID: "r1", UserID: testUser, Name: "Oat Bake", Servings: 6,
		NutritionTotal: map[string]float64{"calories": 1200},
	}))
	pending := pendingOf(t, models.ActionRecipeLog, models.RecipeLogData{RecipeID: "r1", RecipeName: "Oat Bake", Servings: 1})

	out := c.Resolve(ctx, testUser, pending, "yes, portion: 1.5", ParseReplyDirectives("yes, portion: 1.5"))

	require.Equal(t, models.ResponseRecipeLogged, out.responseType, out.message)
	view := out.data.(LoggedView)
	require.Len(t, view.Entries, 1)
	assert.Equal(t, "1.5 servings", view.Entries[0].Portion)
	assert.Equal(t, 300.0, view.Entries[0].Nutrients["calories"])
}

func TestConfirmation_SelectionRetryKeepsPending(t *testing.T) {
	c, st := newTestConfirmation(t)
	ctx := context.Background()
	pending := pendingOf(t, models.ActionRecipeSelection, models.RecipeSelectionData{
		Query: "chili",
		Recipes: []models.RecipeSummary{
			{ID: "a", Name: "Beef Chili", Servings: 4},
			{ID: "b", Name: "Turkey Chili", Servings: 4},
		},
	})
	require.NoError(t, st.SavePendingAction(ctx, testUser, pending))

	for _, reply := range []string{"0", "3", "lentils"} {
		out := c.Resolve(ctx, testUser, pending, reply, ParseReplyDirectives(reply))
		assert.Equal(t, models.TurnStatusError, out.status, reply)
		assert.Equal(t, models.ResponseRecipeSelection, out.responseType, reply)
		assert.Contains(t, out.message, "1-2", reply)

		got, err := st.GetPendingAction(ctx, testUser)
		require.NoError(t, err)
		require.NotNil(t, got, reply)
		assert.Equal(t, pending, *got, reply)
	}
}

func TestConfirmation_SelectionByName(t *testing.T) {
	c, st := newTestConfirmation(t)
	ctx := context.Background()
	require.NoError(t, st.SaveRecipe(ctx, models.Recipe{
		ID: "b", UserID: testUser, Name: "Turkey Chili", Servings: 4,
		NutritionTotal: map[string]float64{"calories": 1000}, NutritionPerServing: map[string]float64{"calories": 250},
	}))
	pending := pendingOf(t, models.ActionRecipeSelection, models.RecipeSelectionData{
		Query:   "chili",
		Portion: "2",
		Recipes: []models.RecipeSummary{{ID: "a", Name: "Beef Chili"}, {ID: "b", Name: "Turkey Chili"}},
	})

	out := c.Resolve(ctx, testUser, pending, "turkey", models.ReplyDirectives{})

	require.Equal(t, models.ResponseConfirmationRecipeSave, out.responseType, out.message)
	view := out.data.(RecipeSaveView)
	assert.True(t, view.Duplicate)
	assert.Equal(t, "2", view.Portion)
	assert.Equal(t, 250.0, view.NutritionPerServing["calories"])

	got, err := st.GetPendingAction(ctx, testUser)
	require.NoError(t, err)
	require.NotNil(t, got)
	var flow models.RecipeSaveFlow
	require.NoError(t, models.DecodeData(got.Data, &flow))
	assert.Equal(t, models.ActionRecipeSave, got.Type)
	assert.Equal(t, "b", flow.ExistingRecipeID)
	assert.Empty(t, flow.Choice)
	assert.Equal(t, models.ChoiceLog, flow.DefaultChoice)
}

func TestConfirmation_RecipeSaveChoices(t *testing.T) {
	existing := models.Recipe{
		ID: "r1", UserID: testUser, Name: "Dal", Servings: 4,
		Ingredients:    []models.Ingredient{{Name: "lentils"}},
		NutritionTotal: map[string]float64{"calories": 800},
	}
	flow := models.RecipeSaveFlow{
		Recipe: models.ParsedRecipe{
			Name: "Dal", Servings: 2,
			Ingredients:    []models.Ingredient{{Name: "lentils"}, {Name: "ghee"}},
			NutritionTotal: map[string]float64{"calories": 900},
		},
		Duplicate:        true,
		ExistingRecipeID: "r1",
	}

	tests := []struct {
		name       string
		message    string
		wantType   models.ResponseType
		wantLogs   int
		wantRecipe int
	}{
		{name: "update by keyword", message: "yes update it", wantType: models.ResponseRecipeUpdated, wantRecipe: 1},
		{name: "update and log", message: "Confirm update, portion: 1", wantType: models.ResponseRecipeLogged, wantLogs: 1, wantRecipe: 1},
		{name: "log existing", message: "choice=log", wantType: models.ResponseRecipeLogged, wantLogs: 1, wantRecipe: 1},
		{name: "save as new", message: "confirm new", wantType: models.ResponseRecipeSaved, wantRecipe: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, st := newTestConfirmation(t)
			ctx := context.Background()
			require.NoError(t, st.SaveRecipe(ctx, existing))

			out := c.Resolve(ctx, testUser, pendingOf(t, models.ActionRecipeSave, flow), tt.message, ParseReplyDirectives(tt.message))

			assert.Equal(t, tt.wantType, out.responseType, out.message)
			logs, err := st.ListFoodLogs(ctx, testUser, time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
			require.NoError(t, err)
			assert.Len(t, logs, tt.wantLogs)
			saved, err := st.FindRecipesByName(ctx, testUser, "dal")
			require.NoError(t, err)
			assert.Len(t, saved, tt.wantRecipe)
		})
	}
}

func TestConfirmation_RecipeSaveChoicePrecedence(t *testing.T) {
	existing := models.Recipe{
		ID: "r1", UserID: testUser, Name: "Dal", Servings: 4,
		Ingredients:    []models.Ingredient{{Name: "lentils"}},
		NutritionTotal: map[string]float64{"calories": 800},
	}
	base := models.RecipeSaveFlow{
		Recipe: models.ParsedRecipe{
			Name: "Dal", Servings: 2,
			Ingredients:    []models.Ingredient{{Name: "lentils"}},
			NutritionTotal: map[string]float64{"calories": 900},
		},
		Duplicate:        true,
		ExistingRecipeID: "r1",
	}

	tests := []struct {
		name     string
		stored   string
		fallback string
		message  string
		wantType models.ResponseType
	}{
		{name: "stored choice beats keyword", stored: models.ChoiceNew, message: "yes log it", wantType: models.ResponseRecipeSaved},
		{name: "stored choice beats directive", stored: models.ChoiceUpdate, message: "Confirm new", wantType: models.ResponseRecipeUpdated},
		{name: "directive beats default", fallback: models.ChoiceLog, message: "Confirm update", wantType: models.ResponseRecipeUpdated},
		{name: "default when reply is silent", fallback: models.ChoiceLog, message: "yes", wantType: models.ResponseRecipeLogged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, st := newTestConfirmation(t)
			ctx := context.Background()
			require.NoError(t, st.SaveRecipe(ctx, existing))
			flow := base
			flow.Choice = tt.stored
			flow.DefaultChoice = tt.fallback

			out := c.Resolve(ctx, testUser, pendingOf(t, models.ActionRecipeSave, flow), tt.message, ParseReplyDirectives(tt.message))

			assert.Equal(t, tt.wantType, out.responseType, out.message)
		})
	}
}

func TestConfirmation_GoalUpdateKeepsThresholds(t *testing.T) {
	c, st := newTestConfirmation(t)
	ctx := context.Background()
	reg := tools.NewRegistry(tools.Deps{Store: st})

	res := reg.Execute(ctx, testUser, tools.ProposeGoalUpdate, map[string]any{
		"nutrient":   "protein",
		"target":     120.0,
		"goal_type":  "min",
		"thresholds": map[string]any{"warn_below": 90.0},
	})
	require.True(t, res.OK(), res.Error())
	p, ok := tools.ProposalFromOutput(res.Output)
	require.True(t, ok)
	require.NoError(t, c.Persist(ctx, testUser, *p))

	out := c.Resolve(ctx, testUser, p.PendingAction(), "yes", models.ReplyDirectives{})
	require.Equal(t, models.ResponseGoalUpdated, out.responseType, out.message)

	goals, err := st.ListGoals(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, goals, 1)
	assert.Equal(t, "protein_g", goals[0].Nutrient)
	assert.Equal(t, models.GoalTypeMin, goals[0].GoalType)
	assert.Equal(t, map[string]float64{"warn_below": 90}, goals[0].Thresholds)
}
