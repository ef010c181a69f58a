package tools

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/nutrient"
)

func foodItemSchema(withNutrients bool) *jsonschema.Schema {
	props := map[string]*jsonschema.Schema{
		"food_name": {Type: "string", Description: "Food name, e.g. egg"},
		"portion":   {Type: "string", Description: "Portion, e.g. 2, 1 cup, 150g"},
	}
	if withNutrients {
		props["nutrients"] = &jsonschema.Schema{Type: "object", Description: "Nutrient amounts keyed by nutrient name"}
	}
	return &jsonschema.Schema{Type: "object", Properties: props, Required: []string{"food_name"}}
}

type foodRequest struct {
	name, portion string
}

// foodRequests accepts either a foods array or a single food_name/portion pair.
func foodRequests(input map[string]any) []foodRequest {
	var out []foodRequest
	for _, item := range objectsArg(input, "foods") {
		name := stringArg(item, "food_name")
		if name == "" {
			name = stringArg(item, "name")
		}
		if name != "" {
			out = append(out, foodRequest{name: name, portion: stringArg(item, "portion")})
		}
	}
	if len(out) == 0 {
		if name := stringArg(input, "food_name"); name != "" {
			out = append(out, foodRequest{name: name, portion: stringArg(input, "portion")})
		}
	}
	return out
}

type lookupNutritionTool struct {
	lookup *Lookup
}

func (t *lookupNutritionTool) Name() string { return LookupNutrition }
func (t *lookupNutritionTool) Description() string {
	return "Looks up nutrition for one or more foods at the given portions."
}

func (t *lookupNutritionTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"foods": {Type: "array", Items: foodItemSchema(false)},
		},
		Required: []string{"foods"},
	}
}

func (t *lookupNutritionTool) Run(ctx context.Context, userID string, input map[string]any) (map[string]any, error) {
	reqs := foodRequests(input)
	if len(reqs) == 0 {
		return nil, invalidArgs("at least one food is required")
	}
	items := make([]models.NutritionItem, 0, len(reqs))
	for _, r := range reqs {
		item, err := t.lookup.Lookup(ctx, r.name, r.portion)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return models.EncodeData(models.FoodLogData{Nutrition: items})
}

type estimateNutritionTool struct {
	estimator NutritionEstimator
}

func (t *estimateNutritionTool) Name() string { return EstimateNutrition }
func (t *estimateNutritionTool) Description() string {
	return "Estimates nutrition for a food that is not in the reference table."
}

func (t *estimateNutritionTool) InputSchema() *jsonschema.Schema { return foodItemSchema(false) }

func (t *estimateNutritionTool) Run(ctx context.Context, userID string, input map[string]any) (map[string]any, error) {
	if t.estimator == nil {
		return nil, upstream(models.ErrCollaboratorMissing)
	}
	reqs := foodRequests(input)
	if len(reqs) == 0 {
		return nil, invalidArgs("food_name is required")
	}
	item, err := t.estimator.Estimate(ctx, reqs[0].name, reqs[0].portion)
	if err != nil {
		return nil, upstream(err)
	}
	item.Source = SourceEstimate
	return models.EncodeData(models.FoodLogData{Nutrition: []models.NutritionItem{item}})
}

type proposeFoodLogTool struct {
	lookup *Lookup
}

func (t *proposeFoodLogTool) Name() string { return ProposeFoodLog }
func (t *proposeFoodLogTool) Description() string {
	return "Proposes logging foods. The user must confirm before anything is saved. " +
		"Pass nutrients from an earlier lookup, or omit them to look them up."
}

func (t *proposeFoodLogTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"nutrition": {Type: "array", Items: foodItemSchema(true)},
		},
		Required: []string{"nutrition"},
	}
}

func (t *proposeFoodLogTool) Run(ctx context.Context, userID string, input map[string]any) (map[string]any, error) {
	rows := objectsArg(input, "nutrition")
	if len(rows) == 0 {
		rows = objectsArg(input, "foods")
	}
	if len(rows) == 0 {
		return nil, invalidArgs("nutrition must list at least one food")
	}
	items := make([]models.NutritionItem, 0, len(rows))
	for _, row := range rows {
		name := stringArg(row, "food_name")
		if name == "" {
			return nil, invalidArgs("every food needs a food_name")
		}
		portion := stringArg(row, "portion")
		nutrients := nutrientMapArg(row, "nutrients")
		if len(nutrients) == 0 {
			item, err := t.lookup.Lookup(ctx, name, portion)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			continue
		}
		items = append(items, models.NutritionItem{
			FoodName:  name,
			Portion:   portion,
			Nutrients: nutrient.NormalizeMap(nutrients),
			Source:    stringArg(row, "source"),
		})
	}
	return proposalOutput(models.ActionFoodLog, models.FoodLogData{Nutrition: items})
}
