package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/recipes"
	"github.com/BTreeMap/NutriPipe/internal/store"
)

type parseRecipeTextTool struct {
	parser RecipeParser
	finder *recipes.Finder
}

func (t *parseRecipeTextTool) Name() string { return ParseRecipeText }
func (t *parseRecipeTextTool) Description() string {
	return "Parses a recipe written in free text and proposes saving it."
}

func (t *parseRecipeTextTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"text": {Type: "string", Description: "The recipe text as the user wrote it"},
		},
		Required: []string{"text"},
	}
}

func (t *parseRecipeTextTool) Run(ctx context.Context, userID string, input map[string]any) (map[string]any, error) {
	text := stringArg(input, "text")
	if text == "" {
		return nil, invalidArgs("text is required")
	}
	if t.parser == nil {
		return nil, upstream(models.ErrCollaboratorMissing)
	}
	parsed, err := t.parser.Parse(ctx, text)
	if err != nil {
		return nil, upstream(err)
	}
	flow := models.RecipeSaveFlow{Recipe: recipes.Complete(parsed)}
	if t.finder != nil {
		existing, err := t.finder.FindExact(ctx, userID, parsed.Name)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			flow.Duplicate = true
			flow.ExistingRecipeID = existing.ID
		}
	}
	state, err := models.EncodeData(flow)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		FieldProposalType: string(models.ActionRecipeSave),
		FieldFlowState:    state,
	}, nil
}

type searchRecipesTool struct {
	store store.NutritionStore
}

func (t *searchRecipesTool) Name() string { return SearchRecipes }
func (t *searchRecipesTool) Description() string {
	return "Searches the user's saved recipes by name. An empty query lists all of them."
}

func (t *searchRecipesTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"query": {Type: "string"},
		},
	}
}

func (t *searchRecipesTool) Run(ctx context.Context, userID string, input map[string]any) (map[string]any, error) {
	found, err := t.store.FindRecipesByName(ctx, userID, stringArg(input, "query"))
	if err != nil {
		return nil, fmt.Errorf("recipe search failed: %w", err)
	}
	summaries := make([]models.RecipeSummary, 0, len(found))
	for _, r := range found {
		summaries = append(summaries, r.Summary())
	}
	return models.EncodeData(map[string]any{"recipes": summaries})
}

type proposeRecipeLogTool struct {
	finder *recipes.Finder
}

func (t *proposeRecipeLogTool) Name() string { return ProposeRecipeLog }
func (t *proposeRecipeLogTool) Description() string {
	return "Proposes logging servings of a saved recipe. The user must confirm before anything is saved."
}

func (t *proposeRecipeLogTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"recipe_name": {Type: "string"},
			"servings":    {Type: "number", Description: "Servings eaten, defaults to 1"},
			"portion":     {Type: "string", Description: "Free-text portion such as half or 2"},
		},
		Required: []string{"recipe_name"},
	}
}

func (t *proposeRecipeLogTool) Run(ctx context.Context, userID string, input map[string]any) (map[string]any, error) {
	name := stringArg(input, "recipe_name")
	if name == "" {
		return nil, invalidArgs("recipe_name is required")
	}
	portion := stringArg(input, "portion")
	servings, ok := numberArg(input, "servings")
	if !ok || servings <= 0 {
		servings = 1
		if v, ok := models.ParseServings(portion); ok {
			servings = v
		}
	}
	res, err := t.finder.Find(ctx, userID, name)
	if err != nil {
		return nil, err
	}
	switch res.Kind {
	case recipes.FindFound:
		return proposalOutput(models.ActionRecipeLog, RecipeLog(*res.Recipe, servings))
	case recipes.FindMultipleFound:
		return proposalOutput(models.ActionRecipeSelection, RecipeSelection(name, portion, res.Recipes))
	default:
		return nil, notFound("no saved recipe matches %q", name)
	}
}

// RecipeLog builds the recipe_log payload for servings of r.
func RecipeLog(r models.Recipe, servings float64) models.RecipeLogData {
	if servings <= 0 {
		servings = 1
	}
	return models.RecipeLogData{
		RecipeID:            r.ID,
		RecipeName:          r.Name,
		Servings:            servings,
		NutritionPerServing: recipes.PerServingFlow(r, "").Recipe.NutritionPerServing,
	}
}

// RecipeSelection builds the recipe_selection payload for ambiguous matches.
func RecipeSelection(query, portion string, matches []models.Recipe) models.RecipeSelectionData {
	data := models.RecipeSelectionData{Query: query, Portion: portion}
	for _, r := range matches {
		data.Recipes = append(data.Recipes, r.Summary())
	}
	return data
}
