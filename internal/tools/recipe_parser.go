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

// RecipeParser turns free recipe text into a structured recipe.
type RecipeParser interface {
	Parse(ctx context.Context, text string) (models.ParsedRecipe, error)
}

const recipeParserSystemPrompt = `You extract recipes from free text.
Reply with one JSON object only:
{"name": string, "servings": number,
 "ingredients": [{"name": string, "quantity": string, "nutrients": {"<nutrient>": number}}]}
Nutrients are for the stated quantity of each ingredient. Use keys such as calories, protein_g,
carbs_g, fat_total_g, fiber_g, sugar_g, sodium_mg. If servings are not stated use 1.
If the text has no name, invent a short descriptive one.`

// GenAIRecipeParser parses recipes with a language model.
type GenAIRecipeParser struct {
	client genai.ClientInterface
}

// NewGenAIRecipeParser creates a parser over client.
func NewGenAIRecipeParser(client genai.ClientInterface) *GenAIRecipeParser {
	return &GenAIRecipeParser{client: client}
}

// Parse extracts a recipe. The totals are left to the recipe finder.
func (p *GenAIRecipeParser) Parse(ctx context.Context, text string) (models.ParsedRecipe, error) {
	if p.client == nil {
		return models.ParsedRecipe{}, models.ErrCollaboratorMissing
	}
	var recipe models.ParsedRecipe
	if err := genai.GenerateJSON(ctx, p.client, recipeParserSystemPrompt, text, &recipe); err != nil {
		slog.Warn("GenAIRecipeParser.Parse: model call failed", "error", err)
		return models.ParsedRecipe{}, fmt.Errorf("recipe parse failed: %w", err)
	}
	recipe.Name = strings.TrimSpace(recipe.Name)
	if recipe.Name == "" || len(recipe.Ingredients) == 0 {
		return models.ParsedRecipe{}, models.ErrMissingRecipe
	}
	if recipe.Servings <= 0 {
		recipe.Servings = 1
	}
	for i := range recipe.Ingredients {
		recipe.Ingredients[i].Nutrients = nutrient.NormalizeMap(recipe.Ingredients[i].Nutrients)
	}
	return recipe, nil
}
