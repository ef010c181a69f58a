package flow

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/recipes"
	"github.com/BTreeMap/NutriPipe/internal/tools"
)

// multiItemModifiers mark messages the direct food route must leave to reasoning.
var multiItemModifiers = []string{"recipes", "yesterday"}

var recipeNamePrefix = regexp.MustCompile(`(?i)^((log|track|have|had|ate|record)\s+)?(my\s+)?`)

// longRecipeMessage is the length above which a log_recipe message is parsed as recipe text.
const longRecipeMessage = 200

func (o *Orchestrator) greet(ctx context.Context, t *turn) (outcome, bool, error) {
	if t.decision.Intent != models.IntentGreet {
		return outcome{}, false, nil
	}
	return chat(greetingReply), true, nil
}

// intentConfirm resolves the pending action when the classifier reads the
// message as a confirmation. Extracted food items mean a new log request.
func (o *Orchestrator) intentConfirm(ctx context.Context, t *turn) (outcome, bool, error) {
	if t.decision.Intent != models.IntentConfirm || t.pending() == nil || len(t.decision.FoodItems) > 0 {
		return outcome{}, false, nil
	}
	return o.resolvePending(ctx, t), true, nil
}

func (o *Orchestrator) intentCancel(ctx context.Context, t *turn) (outcome, bool, error) {
	switch t.decision.Intent {
	case models.IntentDecline, models.IntentCancel:
	default:
		return outcome{}, false, nil
	}
	out, err := o.cancelPending(ctx, t)
	return out, true, err
}

// directFood handles a single food: a matching saved recipe wins, otherwise
// the food is looked up and proposed as a food_log. Lookup failures fall
// through to reasoning.
func (o *Orchestrator) directFood(ctx context.Context, t *turn) (outcome, bool, error) {
	d := t.decision
	if d.Intent != models.IntentLogFood && d.Intent != models.IntentQueryNutrition {
		return outcome{}, false, nil
	}
	if len(d.FoodItems) != 1 || hasMultiItemModifier(t.req.Message) {
		return outcome{}, false, nil
	}
	food, portion := strings.TrimSpace(d.FoodItems[0]), portionAt(d, 0)
	if food == "" {
		return outcome{}, false, nil
	}

	if out, ok, err := o.savedRecipe(ctx, t, food, portion); ok || err != nil {
		return out, ok, err
	}

	t.step(stepLookingUp)
	t.agent(agentLookup)
	res := o.tools.Execute(ctx, t.req.UserID, tools.LookupNutrition, map[string]any{
		"foods": []any{map[string]any{"food_name": food, "portion": portion}},
	})
	if !res.OK() {
		slog.Warn("Orchestrator.directFood: lookup failed, deferring to reasoning", "userID", t.req.UserID, "food", food, "error", res.Err)
		return outcome{}, false, nil
	}
	var data models.FoodLogData
	if err := models.DecodeData(res.Output, &data); err != nil || len(data.Nutrition) == 0 {
		slog.Warn("Orchestrator.directFood: lookup returned no nutrition", "userID", t.req.UserID, "food", food)
		return outcome{}, false, nil
	}
	p, err := newProposal(models.ActionFoodLog, data)
	if err != nil {
		return outcome{}, true, err
	}
	out, err := o.propose(ctx, t, p)
	return out, true, err
}

// savedRecipe proposes a recipe_log for a single saved match or a
// recipe_selection for several. handled is false when nothing matched.
func (o *Orchestrator) savedRecipe(ctx context.Context, t *turn, name, portion string) (outcome, bool, error) {
	t.step(stepCheckingRecipes)
	t.agent(agentRecipeFinder)
	res, err := o.finder.Find(ctx, t.req.UserID, name)
	if err != nil {
		slog.Warn("Orchestrator.savedRecipe: recipe search failed", "userID", t.req.UserID, "name", name, "error", err)
		return outcome{}, false, nil
	}
	var p models.Proposal
	switch res.Kind {
	case recipes.FindFound:
		p, err = newProposal(models.ActionRecipeLog, tools.RecipeLog(*res.Recipe, servingsOf(portion)))
	case recipes.FindMultipleFound:
		p, err = newProposal(models.ActionRecipeSelection, tools.RecipeSelection(name, portion, res.Recipes))
	default:
		return outcome{}, false, nil
	}
	if err != nil {
		return outcome{}, true, err
	}
	out, err := o.propose(ctx, t, p)
	return out, true, err
}

// directRecipe parses recipe text when the message carries one, and otherwise
// looks the named recipe up among the user's saved recipes.
func (o *Orchestrator) directRecipe(ctx context.Context, t *turn) (outcome, bool, error) {
	d := t.decision
	if d.Intent != models.IntentLogRecipe {
		return outcome{}, false, nil
	}
	if d.RecipeText != "" || len(t.req.Message) > longRecipeMessage {
		text := d.RecipeText
		if text == "" {
			text = t.req.Message
		}
		t.recipeText = true
		out, err := o.parseRecipe(ctx, t, text)
		return out, true, err
	}

	name := cleanRecipeName(recipeNameSource(t))
	if name == "" {
		return outcome{}, false, nil
	}
	out, ok, err := o.savedRecipe(ctx, t, name, portionAt(d, 0))
	if ok || err != nil {
		return out, true, err
	}
	return chat(fmt.Sprintf("I couldn't find a saved recipe called %q. Paste the recipe and I'll save it for you.", name)), true, nil
}

func (o *Orchestrator) saveRecipe(ctx context.Context, t *turn) (outcome, bool, error) {
	if t.decision.Intent != models.IntentSaveRecipe {
		return outcome{}, false, nil
	}
	text := t.decision.RecipeText
	if text == "" {
		text = t.req.Message
	}
	t.recipeText = true
	out, err := o.parseRecipe(ctx, t, text)
	return out, true, err
}

func hasMultiItemModifier(message string) bool {
	lower := strings.ToLower(message)
	for _, m := range multiItemModifiers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// recipeNameSource prefers an extracted entity, then a food item, then the raw message.
func recipeNameSource(t *turn) string {
	for _, e := range t.decision.Entities {
		if strings.TrimSpace(e) != "" {
			return e
		}
	}
	for _, f := range t.decision.FoodItems {
		if strings.TrimSpace(f) != "" {
			return f
		}
	}
	return t.req.Message
}

// cleanRecipeName strips a leading verb and "my": "had my chili" becomes "chili".
func cleanRecipeName(s string) string {
	s = strings.TrimSpace(s)
	s = recipeNamePrefix.ReplaceAllString(s, "")
	return strings.TrimSpace(strings.TrimRight(s, ".!?"))
}
