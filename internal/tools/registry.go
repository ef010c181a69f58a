package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/recipes"
	"github.com/BTreeMap/NutriPipe/internal/store"
)

// Tool names.
const (
	LookupNutrition   = "lookup_nutrition"
	EstimateNutrition = "estimate_nutrition"
	ParseRecipeText   = "parse_recipe_text"
	GetGoals          = "get_goals"
	GetDailySummary   = "get_daily_summary"
	SearchRecipes     = "search_recipes"
	ProposeFoodLog    = "propose_food_log"
	ProposeGoalUpdate = "propose_goal_update"
	ProposeRecipeLog  = "propose_recipe_log"
)

// Output fields read by the orchestrator.
const (
	FieldProposalType = "proposal_type"
	FieldData         = "data"
	FieldFlowState    = "flowState"
)

// Dispatcher executes tools by name.
type Dispatcher interface {
	Execute(ctx context.Context, userID, name string, args map[string]any) Result
}

// Deps are the collaborators the built-in tools need.
type Deps struct {
	Store     store.NutritionStore
	Finder    *recipes.Finder
	Estimator NutritionEstimator
	Parser    RecipeParser
	Foods     *FoodTable
}

// Registry maps tool names to implementations.
type Registry struct {
	tools map[string]Tool
}

// Compile-time check that Registry implements Dispatcher.
var _ Dispatcher = (*Registry)(nil)

// NewRegistry creates a registry holding every built-in tool.
func NewRegistry(deps Deps) *Registry {
	if deps.Finder == nil && deps.Store != nil {
		deps.Finder = recipes.NewFinder(deps.Store)
	}
	lookup := NewLookup(deps.Foods, deps.Estimator)
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range []Tool{
		&lookupNutritionTool{lookup: lookup},
		&estimateNutritionTool{estimator: deps.Estimator},
		&parseRecipeTextTool{parser: deps.Parser, finder: deps.Finder},
		&getGoalsTool{store: deps.Store},
		&getDailySummaryTool{store: deps.Store, now: nowFunc},
		&searchRecipesTool{store: deps.Store},
		&proposeFoodLogTool{lookup: lookup},
		&proposeGoalUpdateTool{},
		&proposeRecipeLogTool{finder: deps.Finder},
	} {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// GetTool retrieves a tool by name.
func (r *Registry) GetTool(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named tool and wraps the outcome in a Result.
func (r *Registry) Execute(ctx context.Context, userID, name string, args map[string]any) Result {
	t, ok := r.tools[name]
	if !ok {
		slog.Warn("Registry.Execute: unknown tool", "tool", name, "userID", userID)
		return Err(KindUnknownTool, "unknown tool "+name)
	}
	if args == nil {
		args = map[string]any{}
	}
	out, err := t.Run(ctx, userID, args)
	if err != nil {
		res := resultFromError(err)
		slog.Warn("Registry.Execute: tool failed", "tool", name, "userID", userID, "kind", res.Err.Kind, "error", res.Err.Detail)
		return res
	}
	slog.Debug("Registry.Execute: tool succeeded", "tool", name, "userID", userID)
	return Ok(out)
}

// Definitions returns the registered tools as OpenAI function definitions, sorted by name.
func (r *Registry) Definitions() []openai.ChatCompletionToolParam {
	defs := make([]openai.ChatCompletionToolParam, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		defs = append(defs, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name(),
				Description: openai.String(t.Description()),
				Parameters:  schemaParameters(t.InputSchema()),
			},
		})
	}
	return defs
}

func schemaParameters(s *jsonschema.Schema) shared.FunctionParameters {
	params := shared.FunctionParameters{"type": "object", "properties": map[string]any{}}
	if s == nil {
		return params
	}
	raw, err := json.Marshal(s)
	if err != nil {
		slog.Warn("schemaParameters: failed to marshal schema", "error", err)
		return params
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return params
	}
	return shared.FunctionParameters(m)
}

// ProposalFromOutput builds a proposal from a tool output carrying proposal_type
// and either data or flowState. It reports false when the output proposes nothing.
func ProposalFromOutput(output map[string]any) (*models.Proposal, bool) {
	kind, _ := output[FieldProposalType].(string)
	if !models.IsValidActionKind(models.ActionKind(kind)) {
		return nil, false
	}
	data, ok := output[FieldData].(map[string]any)
	if !ok {
		data, ok = output[FieldFlowState].(map[string]any)
	}
	if !ok {
		return nil, false
	}
	return &models.Proposal{Type: models.ActionKind(kind), ID: uuid.NewString(), Data: data}, true
}

// proposalOutput encodes payload as a proposal-carrying tool output.
func proposalOutput(kind models.ActionKind, payload any) (map[string]any, error) {
	data, err := models.EncodeData(payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{FieldProposalType: string(kind), FieldData: data}, nil
}
