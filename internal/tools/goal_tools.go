package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonschema"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/nutrient"
	"github.com/BTreeMap/NutriPipe/internal/store"
)

var nowFunc = time.Now

type getGoalsTool struct {
	store store.NutritionStore
}

func (t *getGoalsTool) Name() string        { return GetGoals }
func (t *getGoalsTool) Description() string { return "Returns the user's nutrient goals." }
func (t *getGoalsTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: map[string]*jsonschema.Schema{}}
}

func (t *getGoalsTool) Run(ctx context.Context, userID string, input map[string]any) (map[string]any, error) {
	goals, err := t.store.ListGoals(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list goals: %w", err)
	}
	if goals == nil {
		goals = []models.Goal{}
	}
	return models.EncodeData(map[string]any{"goals": goals})
}

type getDailySummaryTool struct {
	store store.NutritionStore
	now   func() time.Time
}

func (t *getDailySummaryTool) Name() string { return GetDailySummary }
func (t *getDailySummaryTool) Description() string {
	return "Totals what the user logged on a day and compares it with their goals."
}

func (t *getDailySummaryTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"date": {Type: "string", Description: "YYYY-MM-DD, today or yesterday. Defaults to today."},
		},
	}
}

func (t *getDailySummaryTool) Run(ctx context.Context, userID string, input map[string]any) (map[string]any, error) {
	loc := LocationFromContext(ctx)
	day := t.now().In(loc)
	switch date := strings.ToLower(stringArg(input, "date")); date {
	case "", "today":
	case "yesterday":
		day = day.AddDate(0, 0, -1)
	default:
		parsed, err := time.ParseInLocation("2006-01-02", date, loc)
		if err != nil {
			return nil, invalidArgs("date must be YYYY-MM-DD, got %q", date)
		}
		day = parsed
	}
	summary, err := BuildDailySummary(ctx, t.store, userID, day, loc)
	if err != nil {
		return nil, err
	}
	return models.EncodeData(summary)
}

type proposeGoalUpdateTool struct{}

func (t *proposeGoalUpdateTool) Name() string { return ProposeGoalUpdate }
func (t *proposeGoalUpdateTool) Description() string {
	return "Proposes setting a daily nutrient goal. The user must confirm before anything is saved."
}

func (t *proposeGoalUpdateTool) InputSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"nutrient":  {Type: "string", Description: "Nutrient name, e.g. protein"},
			"target":    {Type: "number"},
			"unit":      {Type: "string"},
			"goal_type": {Type: "string", Description: "target, min or max"},
			"thresholds": {
				Type:                 "object",
				Description:          "Optional named threshold overrides, e.g. {\"warn_below\": 90}",
				AdditionalProperties: &jsonschema.Schema{Type: "number"},
			},
		},
		Required: []string{"nutrient", "target"},
	}
}

func (t *proposeGoalUpdateTool) Run(ctx context.Context, userID string, input map[string]any) (map[string]any, error) {
	label := stringArg(input, "nutrient")
	target, _ := numberArg(input, "target")
	goal := models.GoalUpdateData{
		Nutrient: nutrient.Resolve(label),
		Target:   target,
		Unit:     stringArg(input, "unit"),
		GoalType: strings.ToLower(stringArg(input, "goal_type")),
	}
	if th := nutrientMapArg(input, "thresholds"); len(th) > 0 {
		goal.Thresholds = th
	}
	if label == "" {
		goal.Nutrient = ""
	}
	if goal.GoalType == "" {
		goal.GoalType = models.GoalTypeTarget
	}
	if goal.Unit == "" {
		goal.Unit = nutrient.Default().Unit(goal.Nutrient)
	}
	if err := goal.Validate(); err != nil {
		return nil, invalidArgs("a goal needs a nutrient, a positive target and a goal_type of target, min or max")
	}
	return proposalOutput(models.ActionGoalUpdate, goal)
}
