package flow

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/nutrient"
	"github.com/BTreeMap/NutriPipe/internal/recipes"
)

// outcome is the internal result of a turn before assembly.
type outcome struct {
	status       models.TurnStatus
	message      string
	responseType models.ResponseType
	data         interface{}
}

func chat(message string) outcome {
	return outcome{status: models.TurnStatusSuccess, message: message, responseType: models.ResponseChat}
}

func chatError(message string) outcome {
	return outcome{status: models.TurnStatusError, message: message, responseType: models.ResponseChat}
}

func confirmationFailed(err error) outcome {
	return outcome{
		status:       models.TurnStatusError,
		message:      fmt.Sprintf("Sorry, I couldn't complete that: %v", err),
		responseType: models.ResponseConfirmationFailed,
	}
}

// assemble maps an outcome onto the wire shape. Steps are copied as recorded.
func assemble(o outcome, steps []string) models.TurnResponse {
	if steps == nil {
		steps = []string{}
	}
	return models.TurnResponse{
		Status:       o.status,
		Message:      o.message,
		ResponseType: o.responseType,
		Data:         o.data,
		Steps:        append([]string(nil), steps...),
	}
}

// fatalResponse is the outermost error mapping for anything escaping a turn.
func fatalResponse(err error, steps []string) models.TurnResponse {
	return assemble(outcome{
		status:       models.TurnStatusError,
		message:      fmt.Sprintf("Something went wrong while processing your message: %v", err),
		responseType: models.ResponseFatalError,
	}, steps)
}

// RecipeLogView is the confirmation card for a recipe_log proposal: a single
// synthesized nutrition row plus the recipe reference.
type RecipeLogView struct {
	Nutrition  []models.NutritionItem `json:"nutrition"`
	RecipeID   string                 `json:"recipe_id"`
	RecipeName string                 `json:"recipe_name"`
	Servings   float64                `json:"servings"`
}

// RecipeSaveView is the flattened confirmation card for a recipe_save proposal.
type RecipeSaveView struct {
	Name                string              `json:"name"`
	Servings            float64             `json:"servings"`
	Ingredients         []models.Ingredient `json:"ingredients"`
	NutritionTotal      map[string]float64  `json:"nutrition_total"`
	NutritionPerServing map[string]float64  `json:"nutrition_per_serving"`
	Duplicate           bool                `json:"duplicate"`
	ExistingRecipeID    string              `json:"existing_recipe_id,omitempty"`
	Choices             []string            `json:"choices,omitempty"`
	Portion             string              `json:"portion,omitempty"`
}

// proposalView maps a proposal to its confirmation response type and UI data.
// Undecodable payloads are passed through untouched.
func proposalView(p models.Proposal) (models.ResponseType, interface{}) {
	switch p.Type {
	case models.ActionFoodLog:
		var data models.FoodLogData
		if err := models.DecodeData(p.Data, &data); err != nil {
			slog.Warn("proposalView: undecodable food_log data", "error", err)
			return models.ResponseConfirmationFoodLog, p.Data
		}
		return models.ResponseConfirmationFoodLog, data

	case models.ActionRecipeLog:
		var data models.RecipeLogData
		if err := models.DecodeData(p.Data, &data); err != nil {
			slog.Warn("proposalView: undecodable recipe_log data", "error", err)
			return models.ResponseConfirmationRecipeLog, p.Data
		}
		return models.ResponseConfirmationRecipeLog, recipeLogView(data)

	case models.ActionRecipeSave:
		var flow models.RecipeSaveFlow
		if err := models.DecodeData(p.Data, &flow); err != nil {
			slog.Warn("proposalView: undecodable recipe_save data", "error", err)
			return models.ResponseConfirmationRecipeSave, p.Data
		}
		return models.ResponseConfirmationRecipeSave, recipeSaveView(flow)

	case models.ActionGoalUpdate:
		return models.ResponseConfirmationGoalUpdate, p.Data

	case models.ActionRecipeSelection:
		var data models.RecipeSelectionData
		if err := models.DecodeData(p.Data, &data); err != nil {
			slog.Warn("proposalView: undecodable recipe_selection data", "error", err)
			return models.ResponseRecipeSelection, p.Data
		}
		return models.ResponseRecipeSelection, data

	default:
		return models.ResponseChat, p.Data
	}
}

func recipeLogView(d models.RecipeLogData) RecipeLogView {
	servings := d.Servings
	if servings <= 0 {
		servings = 1
	}
	return RecipeLogView{
		Nutrition: []models.NutritionItem{{
			FoodName:  d.RecipeName,
			Portion:   formatServings(servings),
			Nutrients: nutrient.Scale(d.NutritionPerServing, servings),
			Source:    "recipe",
		}},
		RecipeID:   d.RecipeID,
		RecipeName: d.RecipeName,
		Servings:   servings,
	}
}

func recipeSaveView(flow models.RecipeSaveFlow) RecipeSaveView {
	r := recipes.Complete(flow.Recipe)
	name := r.Name
	if flow.Name != "" {
		name = flow.Name
	}
	v := RecipeSaveView{
		Name:                name,
		Servings:            r.Servings,
		Ingredients:         r.Ingredients,
		NutritionTotal:      r.NutritionTotal,
		NutritionPerServing: r.NutritionPerServing,
		Duplicate:           flow.Duplicate,
		ExistingRecipeID:    flow.ExistingRecipeID,
		Portion:             flow.Portion,
	}
	if v.Ingredients == nil {
		v.Ingredients = []models.Ingredient{}
	}
	if flow.Duplicate {
		v.Choices = []string{models.ChoiceLog, models.ChoiceUpdate, models.ChoiceNew}
	}
	return v
}

// formatServings renders 1 as "1 serving" and 1.5 as "1.5 servings".
func formatServings(s float64) string {
	n := strconv.FormatFloat(s, 'f', -1, 64)
	if s == 1 {
		return n + " serving"
	}
	return n + " servings"
}

// proposalMessage is the default prompt shown with a confirmation card.
func proposalMessage(kind models.ActionKind, data interface{}) string {
	switch v := data.(type) {
	case models.FoodLogData:
		return fmt.Sprintf("Here's what I found for %s. Shall I log it?", describeItems(v.Nutrition))
	case RecipeLogView:
		return fmt.Sprintf("Log %s of %s?", formatServings(v.Servings), v.RecipeName)
	case RecipeSaveView:
		if v.Duplicate {
			return fmt.Sprintf("You already have a recipe called %s. Reply \"Confirm log\", \"Confirm update\" or \"Confirm new\".", v.Name)
		}
		return fmt.Sprintf("I read this as %s (%s). Save it?", v.Name, formatServings(v.Servings))
	case models.RecipeSelectionData:
		return fmt.Sprintf("I found %d recipes matching %q. Which one? Reply with a number from 1-%d.", len(v.Recipes), v.Query, len(v.Recipes))
	}
	if kind == models.ActionGoalUpdate {
		return "Shall I update your goal?"
	}
	return "Shall I go ahead?"
}

func describeItems(items []models.NutritionItem) string {
	switch len(items) {
	case 0:
		return "that"
	case 1:
		return describeItem(items[0])
	}
	s := ""
	for i, it := range items {
		switch {
		case i == 0:
		case i == len(items)-1:
			s += " and "
		default:
			s += ", "
		}
		s += describeItem(it)
	}
	return s
}

func describeItem(it models.NutritionItem) string {
	cal, ok := it.Nutrients["calories"]
	label := it.FoodName
	if it.Portion != "" {
		label = fmt.Sprintf("%s (%s)", it.FoodName, it.Portion)
	}
	if !ok {
		return label
	}
	return fmt.Sprintf("%s, %s kcal", label, strconv.FormatFloat(cal, 'f', -1, 64))
}
