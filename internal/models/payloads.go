package models

import (
	"strings"
)

// NutritionItem is one row of a nutrition table, keyed by canonical nutrient keys.
type NutritionItem struct {
	FoodName  string             `json:"food_name"`
	Portion   string             `json:"portion,omitempty"`
	Nutrients map[string]float64 `json:"nutrients"`
	Source    string             `json:"source,omitempty"` // "lookup", "estimate", "recipe"
}

// FoodLogData is the payload of a food_log pending action.
type FoodLogData struct {
	Nutrition []NutritionItem `json:"nutrition"`
}

// RecipeLogData is the payload of a recipe_log pending action.
type RecipeLogData struct {
	RecipeID            string             `json:"recipe_id"`
	RecipeName          string             `json:"recipe_name"`
	Servings            float64            `json:"servings"`
	NutritionPerServing map[string]float64 `json:"nutrition_per_serving"`
}

// RecipeSummary is the compact view of a saved recipe shown in pickers.
type RecipeSummary struct {
	ID                  string             `json:"id"`
	Name                string             `json:"name"`
	Servings            float64            `json:"servings"`
	NutritionPerServing map[string]float64 `json:"nutrition_per_serving,omitempty"`
}

// RecipeSelectionData is the payload of a recipe_selection pending action.
type RecipeSelectionData struct {
	Query   string          `json:"query"`
	Portion string          `json:"portion,omitempty"`
	Recipes []RecipeSummary `json:"recipes"`
}

// ParsedRecipe is a recipe extracted from free text or built from a saved recipe.
type ParsedRecipe struct {
	Name                string             `json:"name"`
	Servings            float64            `json:"servings"`
	Ingredients         []Ingredient       `json:"ingredients"`
	NutritionTotal      map[string]float64 `json:"nutrition_total,omitempty"`
	NutritionPerServing map[string]float64 `json:"nutrition_per_serving,omitempty"`
}

// Recipe save choices for the duplicate-confirmation flow.
const (
	ChoiceLog    = "log"
	ChoiceUpdate = "update"
	ChoiceNew    = "new"
)

// IsValidChoice reports whether c is a recognised recipe save choice.
func IsValidChoice(c string) bool {
	switch c {
	case ChoiceLog, ChoiceUpdate, ChoiceNew:
		return true
	}
	return false
}

// RecipeSaveFlow is the payload of a recipe_save pending action.
type RecipeSaveFlow struct {
	Recipe           ParsedRecipe `json:"recipe"`
	Duplicate        bool         `json:"duplicate"`
	ExistingRecipeID string       `json:"existing_recipe_id,omitempty"`
	Choice           string       `json:"choice,omitempty"`
	// DefaultChoice applies when neither the data nor the reply names a choice.
	DefaultChoice string `json:"default_choice,omitempty"`
	Portion          string       `json:"portion,omitempty"`
	Name             string       `json:"name,omitempty"`
}

// Goal types.
const (
	GoalTypeTarget = "target"
	GoalTypeMin    = "min"
	GoalTypeMax    = "max"
)

// GoalUpdateData is the payload of a goal_update pending action.
type GoalUpdateData struct {
	Nutrient   string             `json:"nutrient"`
	Target     float64            `json:"target"`
	Unit       string             `json:"unit,omitempty"`
	GoalType   string             `json:"goal_type,omitempty"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
}

// Validate checks the goal update is committable.
func (g GoalUpdateData) Validate() error {
	if strings.TrimSpace(g.Nutrient) == "" || g.Target <= 0 {
		return ErrInvalidGoal
	}
	switch g.GoalType {
	case "", GoalTypeTarget, GoalTypeMin, GoalTypeMax:
		return nil
	default:
		return ErrInvalidGoal
	}
}

// ReplyDirectives are the optional structured fields embedded in a confirmation reply.
type ReplyDirectives struct {
	Choice  string `json:"choice,omitempty"`
	Portion string `json:"portion,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Empty reports whether no directive was found.
func (d ReplyDirectives) Empty() bool {
	return d.Choice == "" && d.Portion == "" && d.Name == ""
}
