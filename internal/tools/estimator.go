package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/NutriPipe/internal/genai"
	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/nutrient"
)

const estimatorSystemPrompt = `You estimate the nutrition of a single food portion.
Reply with one JSON object only:
{"food_name": string, "portion": string, "nutrients": {"<nutrient>": number, ...}}
Use these nutrient keys where possible: calories, protein_g, carbs_g, fat_total_g, fat_saturated_g,
fiber_g, sugar_g, sodium_mg, potassium_mg, cholesterol_mg, calcium_mg, iron_mg.
If no portion is given assume one typical serving and say which in "portion".`

// GenAIEstimator estimates nutrition with a language model.
type GenAIEstimator struct {
	client genai.ClientInterface
}

// NewGenAIEstimator creates an estimator over client.
func NewGenAIEstimator(client genai.ClientInterface) *GenAIEstimator {
	return &GenAIEstimator{client: client}
}

// Estimate asks the model for a nutrition row and normalizes its nutrient keys.
func (e *GenAIEstimator) Estimate(ctx context.Context, food, portion string) (models.NutritionItem, error) {
	if e.client == nil {
		return models.NutritionItem{}, models.ErrCollaboratorMissing
	}
	prompt := "Food: " + food
	if strings.TrimSpace(portion) != "" {
		prompt += "\nPortion: " + portion
	}
	var item models.NutritionItem
	if err := genai.GenerateJSON(ctx, e.client, estimatorSystemPrompt, prompt, &item); err != nil {
		slog.Warn("GenAIEstimator.Estimate: model call failed", "food", food, "error", err)
		return models.NutritionItem{}, fmt.Errorf("estimate failed: %w", err)
	}
	if len(item.Nutrients) == 0 {
		return models.NutritionItem{}, fmt.Errorf("estimate for %q returned no nutrients", food)
	}
	item.Nutrients = nutrient.NormalizeMap(item.Nutrients)
	if item.FoodName == "" {
		item.FoodName = food
	}
	if portion != "" {
		item.Portion = portion
	}
	item.Source = SourceEstimate
	return item, nil
}
