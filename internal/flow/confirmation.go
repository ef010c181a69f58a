package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/nutrient"
	"github.com/BTreeMap/NutriPipe/internal/recipes"
	"github.com/BTreeMap/NutriPipe/internal/store"
)

// Confirmation implements Propose/Confirm/Commit: proposals are persisted as
// the user's single pending action and only committed when a later reply
// resolves them.
type Confirmation struct {
	sessions *SessionManager
	store    store.NutritionStore
	finder   *recipes.Finder
	metrics  *instruments
	now      func() time.Time
	newID    func() string
}

// NewConfirmation creates the confirmation protocol over the given collaborators.
func NewConfirmation(sessions *SessionManager, st store.NutritionStore, finder *recipes.Finder) *Confirmation {
	if finder == nil {
		finder = recipes.NewFinder(st)
	}
	return &Confirmation{
		sessions: sessions,
		store:    st,
		finder:   finder,
		metrics:  newInstruments(nil),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Propose persists a new pending action, replacing any existing one, and returns it as a proposal.
func (c *Confirmation) Propose(ctx context.Context, userID string, kind models.ActionKind, data map[string]interface{}) (models.Proposal, error) {
	p := models.Proposal{Type: kind, ID: c.newID(), Data: data}
	if err := c.Persist(ctx, userID, p); err != nil {
		return models.Proposal{}, err
	}
	return p, nil
}

// Persist stores an already built proposal as the user's pending action.
func (c *Confirmation) Persist(ctx context.Context, userID string, p models.Proposal) error {
	if !models.IsValidActionKind(p.Type) {
		return fmt.Errorf("%w: %s", models.ErrUnknownActionKind, p.Type)
	}
	if err := c.sessions.SavePending(ctx, userID, p.PendingAction()); err != nil {
		return fmt.Errorf("failed to persist proposal: %w", err)
	}
	slog.Info("Confirmation.Persist: proposal pending", "userID", userID, "type", p.Type, "proposalID", p.ID)
	return nil
}

// Resolve consumes pending against the user's reply. Committing kinds clear
// the pending action before writing, so a reply is committed at most once; if
// the clear fails nothing is committed. A recipe_selection is either kept for a
// retry or replaced by the selected recipe's save flow.
func (c *Confirmation) Resolve(ctx context.Context, userID string, pending models.PendingAction, message string, d models.ReplyDirectives) outcome {
	slog.Debug("Confirmation.Resolve: resolving", "userID", userID, "type", pending.Type, "directives", d)

	if pending.Type == models.ActionRecipeSelection {
		out, keepPending, err := c.resolveSelection(ctx, userID, pending, message)
		if err != nil {
			keepPending = false
		}
		out = c.settle(ctx, userID, pending.Type, out, err)
		if !keepPending {
			if cerr := c.sessions.ClearPending(ctx, userID); cerr != nil {
				slog.Error("Confirmation.Resolve: failed to clear selection", "userID", userID, "error", cerr)
			}
		}
		return out
	}

	if err := c.sessions.ClearPending(ctx, userID); err != nil {
		slog.Error("Confirmation.Resolve: failed to clear pending action, not committing", "userID", userID, "type", pending.Type, "error", err)
		return c.settle(ctx, userID, pending.Type, outcome{}, err)
	}

	var (
		out outcome
		err error
	)
	switch pending.Type {
	case models.ActionFoodLog:
		out, err = c.commitFoodLog(ctx, userID, pending)
	case models.ActionRecipeLog:
		out, err = c.commitRecipeLog(ctx, userID, pending, d)
	case models.ActionGoalUpdate:
		out, err = c.commitGoal(ctx, userID, pending)
	case models.ActionRecipeSave:
		out, err = c.commitRecipeSave(ctx, userID, pending, message, d)
	default:
		out = chat("Okay, done.")
	}
	return c.settle(ctx, userID, pending.Type, out, err)
}

// settle maps a resolution error to confirmation_failed and records the metric.
func (c *Confirmation) settle(ctx context.Context, userID string, kind models.ActionKind, out outcome, err error) outcome {
	result := "success"
	if err != nil {
		slog.Warn("Confirmation.Resolve: resolution failed", "userID", userID, "type", kind, "error", err)
		out = confirmationFailed(err)
		result = "failed"
	} else if out.status == models.TurnStatusError {
		result = "retry"
	}
	c.metrics.confirmation(ctx, string(kind), result)
	return out
}

func (c *Confirmation) commitFoodLog(ctx context.Context, userID string, pending models.PendingAction) (outcome, error) {
	var data models.FoodLogData
	if err := models.DecodeData(pending.Data, &data); err != nil {
		return outcome{}, err
	}
	if len(data.Nutrition) == 0 {
		return outcome{}, models.ErrMissingNutrition
	}
	now := c.now().UTC()
	entries := make([]models.FoodLogEntry, 0, len(data.Nutrition))
	for _, item := range data.Nutrition {
		if strings.TrimSpace(item.FoodName) == "" {
			return outcome{}, models.ErrMissingNutrition
		}
		entries = append(entries, models.FoodLogEntry{
			ID:        c.newID(),
			UserID:    userID,
			FoodName:  item.FoodName,
			Portion:   item.Portion,
			Nutrients: nutrient.NormalizeMap(item.Nutrients),
			Source:    item.Source,
			LoggedAt:  now,
		})
	}
	if err := c.store.AddFoodLogs(ctx, entries); err != nil {
		return outcome{}, fmt.Errorf("failed to log food: %w", err)
	}
	slog.Info("Confirmation.commitFoodLog: logged", "userID", userID, "count", len(entries))
	return outcome{
		status:       models.TurnStatusSuccess,
		message:      fmt.Sprintf("Logged %s.", describeItems(data.Nutrition)),
		responseType: models.ResponseFoodLogged,
		data:         loggedData(entries),
	}, nil
}

func (c *Confirmation) commitRecipeLog(ctx context.Context, userID string, pending models.PendingAction, d models.ReplyDirectives) (outcome, error) {
	var data models.RecipeLogData
	if err := models.DecodeData(pending.Data, &data); err != nil {
		return outcome{}, err
	}
	if data.RecipeID == "" {
		return outcome{}, models.ErrMissingRecipe
	}
	servings := data.Servings
	if d.Portion != "" {
		if v, ok := models.ParseServings(d.Portion); ok {
			servings = v
		}
	}
	recipe, err := c.store.GetRecipe(ctx, userID, data.RecipeID)
	if err != nil {
		return outcome{}, err
	}
	if recipe == nil {
		return outcome{}, models.ErrRecipeNotFound
	}
	if len(data.NutritionPerServing) > 0 {
		recipe.NutritionPerServing = data.NutritionPerServing
	}
	entry, err := c.logRecipe(ctx, userID, *recipe, servings)
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		status:       models.TurnStatusSuccess,
		message:      fmt.Sprintf("Logged %s of %s.", entry.Portion, recipe.Name),
		responseType: models.ResponseRecipeLogged,
		data:         loggedData([]models.FoodLogEntry{entry}),
	}, nil
}

func (c *Confirmation) commitGoal(ctx context.Context, userID string, pending models.PendingAction) (outcome, error) {
	var data models.GoalUpdateData
	if err := models.DecodeData(pending.Data, &data); err != nil {
		return outcome{}, err
	}
	if err := data.Validate(); err != nil {
		return outcome{}, err
	}
	reg := nutrient.Default()
	key := nutrient.Resolve(data.Nutrient)
	goal := models.Goal{
		UserID:     userID,
		Nutrient:   key,
		Target:     data.Target,
		Unit:       data.Unit,
		GoalType:   data.GoalType,
		Thresholds: data.Thresholds,
		UpdatedAt:  c.now().UTC(),
	}
	if goal.Unit == "" {
		goal.Unit = reg.Unit(key)
	}
	if goal.GoalType == "" {
		goal.GoalType = models.GoalTypeTarget
	}
	if err := c.store.UpsertGoal(ctx, goal); err != nil {
		return outcome{}, fmt.Errorf("failed to update goal: %w", err)
	}
	slog.Info("Confirmation.commitGoal: goal updated", "userID", userID, "nutrient", key, "target", goal.Target)
	return outcome{
		status:       models.TurnStatusSuccess,
		message:      fmt.Sprintf("Your daily %s goal is now %s %s.", strings.ToLower(reg.DisplayName(key)), strconv.FormatFloat(goal.Target, 'f', -1, 64), goal.Unit),
		responseType: models.ResponseGoalUpdated,
		data:         goal,
	}, nil
}

// resolveSelection matches the reply against the offered recipes by 1-based
// index or name substring. A match is re-proposed as a recipe_save flow; no
// match keeps the selection pending.
func (c *Confirmation) resolveSelection(ctx context.Context, userID string, pending models.PendingAction, message string) (outcome, bool, error) {
	var data models.RecipeSelectionData
	if err := models.DecodeData(pending.Data, &data); err != nil {
		return outcome{}, false, err
	}
	if len(data.Recipes) == 0 {
		return outcome{}, false, models.ErrMissingRecipe
	}
	idx := selectRecipe(data.Recipes, message)
	if idx < 0 {
		return outcome{
			status:       models.TurnStatusError,
			message:      fmt.Sprintf("%v: please reply with a number from 1-%d or part of the recipe name.", models.ErrInvalidSelection, len(data.Recipes)),
			responseType: models.ResponseRecipeSelection,
			data:         data,
		}, true, nil
	}

	chosen := data.Recipes[idx]
	recipe, err := c.store.GetRecipe(ctx, userID, chosen.ID)
	if err != nil {
		return outcome{}, false, err
	}
	if recipe == nil {
		return outcome{}, false, models.ErrRecipeNotFound
	}
	flow := recipes.PerServingFlow(*recipe, data.Portion)
	encoded, err := models.EncodeData(flow)
	if err != nil {
		return outcome{}, false, err
	}
	p, err := c.Propose(ctx, userID, models.ActionRecipeSave, encoded)
	if err != nil {
		return outcome{}, false, err
	}
	rt, view := proposalView(p)
	return outcome{
		status:       models.TurnStatusSuccess,
		message:      fmt.Sprintf("Got it, %s. Reply \"Confirm log\" to log it, \"Confirm update\" to replace it, or \"Confirm new\" to save a copy.", recipe.Name),
		responseType: rt,
		data:         view,
	}, true, nil
}

var leadingNumber = regexp.MustCompile(`^(?:#|number\s+|option\s+)?(\d+)\b`)

func selectRecipe(options []models.RecipeSummary, message string) int {
	reply := normalize(message)
	if reply == "" {
		return -1
	}
	if m := leadingNumber.FindStringSubmatch(reply); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= 1 && n <= len(options) {
			return n - 1
		}
		return -1
	}
	for i, r := range options {
		if strings.EqualFold(r.Name, reply) {
			return i
		}
	}
	for i, r := range options {
		if strings.Contains(strings.ToLower(r.Name), reply) {
			return i
		}
	}
	return -1
}

var choiceKeyword = regexp.MustCompile(`\b(log|update|new)\b`)

func (c *Confirmation) commitRecipeSave(ctx context.Context, userID string, pending models.PendingAction, message string, d models.ReplyDirectives) (outcome, error) {
	var flow models.RecipeSaveFlow
	if err := models.DecodeData(pending.Data, &flow); err != nil {
		return outcome{}, err
	}
	// Choice precedence: action data, reply directive, reply keywords, default.
	if flow.Choice == "" {
		if d.Choice != "" {
			flow.Choice = d.Choice
		} else if m := choiceKeyword.FindStringSubmatch(normalize(message)); m != nil {
			flow.Choice = m[1]
		} else {
			flow.Choice = flow.DefaultChoice
		}
	}
	if d.Portion != "" {
		flow.Portion = d.Portion
	}
	if d.Name != "" {
		flow.Name = d.Name
	}

	res, err := c.finder.Save(ctx, userID, flow)
	if err != nil {
		return outcome{}, err
	}
	switch {
	case res.Kind == recipes.SaveError:
		return outcome{}, errors.New(res.Message)

	case res.Kind == recipes.SaveUpdated && res.Portion != "":
		entry, err := c.logRecipe(ctx, userID, *res.Recipe, servingsOf(res.Portion))
		if err != nil {
			return outcome{}, err
		}
		return outcome{
			status:       models.TurnStatusSuccess,
			message:      fmt.Sprintf("Updated %s and logged %s.", res.Recipe.Name, entry.Portion),
			responseType: models.ResponseRecipeLogged,
			data:         loggedData([]models.FoodLogEntry{entry}),
		}, nil

	case res.Kind == recipes.SaveUpdated:
		return outcome{
			status:       models.TurnStatusSuccess,
			message:      fmt.Sprintf("Recipe updated: %s.", res.Recipe.Name),
			responseType: models.ResponseRecipeUpdated,
			data:         res.Recipe,
		}, nil

	case res.Kind == recipes.SaveFound && res.SkipSave:
		entry, err := c.logRecipe(ctx, userID, *res.Recipe, servingsOf(res.Portion))
		if err != nil {
			return outcome{}, err
		}
		return outcome{
			status:       models.TurnStatusSuccess,
			message:      fmt.Sprintf("Logged %s of %s.", entry.Portion, res.Recipe.Name),
			responseType: models.ResponseRecipeLogged,
			data:         loggedData([]models.FoodLogEntry{entry}),
		}, nil

	default:
		return outcome{
			status:       models.TurnStatusSuccess,
			message:      fmt.Sprintf("Saved %s (%s).", res.Recipe.Name, formatServings(res.Recipe.Servings)),
			responseType: models.ResponseRecipeSaved,
			data:         res.Recipe,
		}, nil
	}
}

// servingsOf parses a portion, defaulting to one serving.
func servingsOf(portion string) float64 {
	if v, ok := models.ParseServings(portion); ok {
		return v
	}
	return 1
}

// logRecipe commits one food log entry for servings of r.
func (c *Confirmation) logRecipe(ctx context.Context, userID string, r models.Recipe, servings float64) (models.FoodLogEntry, error) {
	if servings <= 0 {
		servings = 1
	}
	per := recipes.PerServingFlow(r, "").Recipe.NutritionPerServing
	entry := models.FoodLogEntry{
		ID:        c.newID(),
		UserID:    userID,
		FoodName:  r.Name,
		Portion:   formatServings(servings),
		Nutrients: nutrient.Scale(per, servings),
		Source:    "recipe",
		RecipeID:  r.ID,
		LoggedAt:  c.now().UTC(),
	}
	if err := c.store.AddFoodLogs(ctx, []models.FoodLogEntry{entry}); err != nil {
		return models.FoodLogEntry{}, fmt.Errorf("failed to log recipe: %w", err)
	}
	slog.Info("Confirmation.logRecipe: logged", "userID", userID, "recipeID", r.ID, "servings", servings)
	return entry, nil
}

// LoggedView is the data returned after food is committed.
type LoggedView struct {
	Entries []models.FoodLogEntry `json:"entries"`
	Totals  map[string]float64    `json:"totals"`
}

func loggedData(entries []models.FoodLogEntry) LoggedView {
	parts := make([]map[string]float64, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.Nutrients)
	}
	return LoggedView{Entries: entries, Totals: nutrient.Sum(parts...)}
}
