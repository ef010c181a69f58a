package models

import "time"

// FoodLogEntry is a committed food log row.
type FoodLogEntry struct {
	ID        string             `json:"id"`
	UserID    string             `json:"user_id"`
	FoodName  string             `json:"food_name"`
	Portion   string             `json:"portion,omitempty"`
	Nutrients map[string]float64 `json:"nutrients"`
	Source    string             `json:"source,omitempty"`
	RecipeID  string             `json:"recipe_id,omitempty"`
	LoggedAt  time.Time          `json:"logged_at"`
}

// Ingredient is one line of a recipe.
type Ingredient struct {
	Name      string             `json:"name"`
	Quantity  string             `json:"quantity,omitempty"`
	Nutrients map[string]float64 `json:"nutrients,omitempty"`
}

// Recipe is a saved recipe owned by a user.
type Recipe struct {
	ID                  string             `json:"id"`
	UserID              string             `json:"user_id"`
	Name                string             `json:"name"`
	Servings            float64            `json:"servings"`
	Ingredients         []Ingredient       `json:"ingredients"`
	NutritionTotal      map[string]float64 `json:"nutrition_total"`
	NutritionPerServing map[string]float64 `json:"nutrition_per_serving"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// Summary returns the picker view of the recipe.
func (r Recipe) Summary() RecipeSummary {
	return RecipeSummary{
		ID:                  r.ID,
		Name:                r.Name,
		Servings:            r.Servings,
		NutritionPerServing: r.NutritionPerServing,
	}
}

// Goal is a per-user nutrient goal keyed by canonical nutrient key.
type Goal struct {
	UserID     string             `json:"user_id"`
	Nutrient   string             `json:"nutrient"`
	Target     float64            `json:"target"`
	Unit       string             `json:"unit,omitempty"`
	GoalType   string             `json:"goal_type"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// GoalProgress compares one goal with the logged total.
type GoalProgress struct {
	Nutrient string  `json:"nutrient"`
	Name     string  `json:"name"`
	Unit     string  `json:"unit"`
	Target   float64 `json:"target"`
	Logged   float64 `json:"logged"`
	GoalType string  `json:"goal_type"`

	Thresholds map[string]float64 `json:"thresholds,omitempty"`
}

// DailySummary aggregates one local day of food logs.
type DailySummary struct {
	Date    string             `json:"date"`
	Entries int                `json:"entries"`
	Totals  map[string]float64 `json:"totals"`
	Goals   []GoalProgress     `json:"goals"`
}

// ExecutionRecord is the best-effort audit row written after each turn.
type ExecutionRecord struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id"`
	Path           string    `json:"path"`
	AgentsInvolved []string  `json:"agents_involved"`
	StartedAt      time.Time `json:"started_at"`
	DurationMS     int64     `json:"duration_ms"`
	Status         string    `json:"status"`
	ResponseType   string    `json:"response_type"`
	RawMessage     string    `json:"raw_message"`
	Timezone       string    `json:"timezone,omitempty"`
}
