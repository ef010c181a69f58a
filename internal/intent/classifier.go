// Package intent classifies a chat message into one of the intents the
// orchestrator routes on.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/NutriPipe/internal/genai"
	"github.com/BTreeMap/NutriPipe/internal/models"
)

// Classifier produces an intent decision for a message.
type Classifier interface {
	Classify(ctx context.Context, message string, history []models.ChatMessage) (models.IntentDecision, error)
}

// historyWindow is how many earlier messages are shown to the model.
const historyWindow = 6

const systemPrompt = `You classify messages sent to a nutrition logging assistant.
Reply with one JSON object only:
{"intent": string, "confidence": number between 0 and 1,
 "food_items": [string], "portions": [string], "recipe_text": string, "entities": [string]}

intent is one of:
- greet: hello, hi, good morning
- confirm: the user agrees to a proposal the assistant just made
- decline: the user rejects a proposal
- cancel: the user wants to abandon what is in progress
- log_food: the user ate or drank something and wants it recorded
- query_nutrition: the user asks about the nutrition of a food
- log_recipe: the user ate a saved recipe, or asks to log one
- save_recipe: the user wants a recipe stored for later
- update_goal: the user wants to set or change a nutrient goal
- question: any other question about nutrition, their logs or goals
- unknown: none of the above

food_items lists each food mentioned, singular and lowercase, without quantities.
portions lists the matching portion for each food in the same order ("2", "1 cup", "150g"), or "" when none was given.
recipe_text holds full recipe text (ingredients and amounts) when the message contains one, otherwise "".
entities lists other notable terms such as saved recipe names, nutrient names or dates.`

var knownIntents = map[string]bool{
	models.IntentGreet:          true,
	models.IntentConfirm:        true,
	models.IntentDecline:        true,
	models.IntentCancel:         true,
	models.IntentLogFood:        true,
	models.IntentQueryNutrition: true,
	models.IntentLogRecipe:      true,
	models.IntentSaveRecipe:     true,
	models.IntentUpdateGoal:     true,
	models.IntentQuestion:       true,
	models.IntentUnknown:        true,
}

// GenAIClassifier classifies with a language model.
type GenAIClassifier struct {
	client genai.ClientInterface
}

// NewClassifier creates a classifier over client.
func NewClassifier(client genai.ClientInterface) *GenAIClassifier {
	return &GenAIClassifier{client: client}
}

// Classify asks the model for an intent decision and normalizes it.
func (c *GenAIClassifier) Classify(ctx context.Context, message string, history []models.ChatMessage) (models.IntentDecision, error) {
	if c.client == nil {
		return models.IntentDecision{}, models.ErrCollaboratorMissing
	}
	var decision models.IntentDecision
	if err := genai.GenerateJSON(ctx, c.client, systemPrompt, userPrompt(message, history), &decision); err != nil {
		return models.IntentDecision{}, fmt.Errorf("intent classification failed: %w", err)
	}
	decision = Normalize(decision)
	slog.Debug("GenAIClassifier.Classify: classified", "intent", decision.Intent, "confidence", decision.Confidence, "foods", len(decision.FoodItems))
	return decision, nil
}

func userPrompt(message string, history []models.ChatMessage) string {
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString("Message to classify:\n")
	b.WriteString(message)
	return b.String()
}

// Normalize lowercases the intent, maps unrecognised intents to unknown,
// clamps confidence and aligns portions with food items.
func Normalize(d models.IntentDecision) models.IntentDecision {
	d.Intent = strings.ToLower(strings.TrimSpace(d.Intent))
	if !knownIntents[d.Intent] {
		d.Intent = models.IntentUnknown
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}
	foods := make([]string, 0, len(d.FoodItems))
	portions := make([]string, 0, len(d.FoodItems))
	for i, f := range d.FoodItems {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		foods = append(foods, f)
		p := ""
		if i < len(d.Portions) {
			p = strings.TrimSpace(d.Portions[i])
		}
		portions = append(portions, p)
	}
	d.FoodItems = foods
	d.Portions = portions
	d.RecipeText = strings.TrimSpace(d.RecipeText)
	return d
}
