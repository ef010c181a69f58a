// Package reasoner is the general reasoning collaborator: a language model
// driving the tool registry until it can answer the user.
package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/NutriPipe/internal/genai"
	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/tools"
)

// Reasoner answers a message that no direct route handled.
type Reasoner interface {
	Reason(ctx context.Context, userID, message string, hint models.IntentDecision, history []models.ChatMessage) (models.ReasoningResult, error)
}

// ToolSet is the part of the tool registry the loop needs.
type ToolSet interface {
	tools.Dispatcher
	Definitions() []openai.ChatCompletionToolParam
}

// Defaults for the tool loop.
const (
	DefaultMaxRounds    = 6
	DefaultHistoryLimit = 20
)

// DefaultSystemPrompt instructs the model how to use the tools.
const DefaultSystemPrompt = `You are NutriPipe, a friendly nutrition logging assistant.
Use the tools to look up nutrition, read the user's goals and logs, and search their recipes.
Never claim something was logged or saved: writes only happen after the user confirms.
To log food, call propose_food_log. To log a saved recipe, call propose_recipe_log.
To set a goal, call propose_goal_update. To save a recipe, call parse_recipe_text.
After proposing, summarize the proposal briefly and ask the user to confirm.
Keep replies short and conversational.`

const fallbackReply = "I'm not sure how to help with that yet. You can tell me what you ate, ask about your goals, or share a recipe."

// ToolLoop runs an OpenAI tool-calling loop over a ToolSet.
type ToolLoop struct {
	client       genai.ClientInterface
	tools        ToolSet
	systemPrompt string
	maxRounds    int
	historyLimit int
}

// Option configures a ToolLoop.
type Option func(*ToolLoop)

// WithMaxRounds bounds the number of model calls per turn.
func WithMaxRounds(n int) Option {
	return func(l *ToolLoop) {
		if n > 0 {
			l.maxRounds = n
		}
	}
}

// WithSystemPrompt replaces the default system prompt.
func WithSystemPrompt(p string) Option {
	return func(l *ToolLoop) {
		if strings.TrimSpace(p) != "" {
			l.systemPrompt = p
		}
	}
}

// WithHistoryLimit bounds how many history messages are sent to the model.
func WithHistoryLimit(n int) Option {
	return func(l *ToolLoop) { l.historyLimit = n }
}

// New creates a ToolLoop.
func New(client genai.ClientInterface, toolSet ToolSet, opts ...Option) *ToolLoop {
	l := &ToolLoop{
		client:       client,
		tools:        toolSet,
		systemPrompt: DefaultSystemPrompt,
		maxRounds:    DefaultMaxRounds,
		historyLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reason drives the model until it produces a user-facing reply. The last
// proposal-producing tool output of the loop becomes the result's proposal.
func (l *ToolLoop) Reason(ctx context.Context, userID, message string, hint models.IntentDecision, history []models.ChatMessage) (models.ReasoningResult, error) {
	if l.client == nil || l.tools == nil {
		return models.ReasoningResult{}, models.ErrCollaboratorMissing
	}
	messages := l.buildMessages(message, hint, history)
	defs := l.tools.Definitions()
	result := models.ReasoningResult{ToolsUsed: []string{}, Data: map[string]interface{}{}}
	used := map[string]bool{}

	for round := 1; round <= l.maxRounds; round++ {
		slog.Debug("ToolLoop.Reason: round start", "userID", userID, "round", round, "messageCount", len(messages))
		resp, err := l.client.GenerateWithTools(ctx, messages, defs)
		if err != nil {
			slog.Error("ToolLoop.Reason: tool generation failed", "error", err, "userID", userID, "round", round)
			return models.ReasoningResult{}, fmt.Errorf("failed to generate response with tools: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			result.Reasoning = strings.TrimSpace(resp.Content)
			if result.Reasoning == "" {
				slog.Warn("ToolLoop.Reason: empty content and no tool calls", "userID", userID, "round", round)
				result.Reasoning = fallbackReply
			}
			return result, nil
		}

		messages = append(messages, genai.ToolMessages(resp))
		for _, call := range resp.ToolCalls {
			name := call.Function.Name
			if !used[name] {
				used[name] = true
				result.ToolsUsed = append(result.ToolsUsed, name)
			}
			content := l.runTool(ctx, userID, call, &result)
			messages = append(messages, openai.ToolMessage(content, call.ID))
		}

		if strings.TrimSpace(resp.Content) != "" {
			result.Reasoning = strings.TrimSpace(resp.Content)
			return result, nil
		}
	}

	slog.Warn("ToolLoop.Reason: hit maximum tool rounds", "userID", userID, "maxRounds", l.maxRounds)
	if result.Proposal != nil {
		result.Reasoning = "Here's what I put together. Shall I go ahead?"
	} else {
		result.Reasoning = fallbackReply
	}
	return result, nil
}

// runTool executes one call, folds its output into result and returns the tool message content.
func (l *ToolLoop) runTool(ctx context.Context, userID string, call genai.ToolCall, result *models.ReasoningResult) string {
	var args map[string]any
	if err := json.Unmarshal(call.Function.Arguments, &args); err != nil {
		slog.Warn("ToolLoop.runTool: invalid arguments", "tool", call.Function.Name, "error", err)
		return errorContent(tools.KindInvalidArgs, "arguments must be a JSON object")
	}
	res := l.tools.Execute(ctx, userID, call.Function.Name, args)
	if !res.OK() {
		return errorContent(res.Err.Kind, res.Err.Detail)
	}
	result.Data[call.Function.Name] = res.Output
	if p, ok := tools.ProposalFromOutput(res.Output); ok {
		slog.Info("ToolLoop.runTool: proposal produced", "userID", userID, "tool", call.Function.Name, "type", p.Type)
		result.Proposal = p
	}
	raw, err := json.Marshal(res.Output)
	if err != nil {
		return errorContent(tools.KindInternal, err.Error())
	}
	return string(raw)
}

func errorContent(kind tools.ErrorKind, detail string) string {
	raw, _ := json.Marshal(map[string]string{"error": string(kind), "detail": detail})
	return string(raw)
}

func (l *ToolLoop) buildMessages(message string, hint models.IntentDecision, history []models.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(l.systemPrompt)}
	if h := hintMessage(hint); h != "" {
		messages = append(messages, openai.SystemMessage(h))
	}
	messages = append(messages, genai.HistoryMessages(history, l.historyLimit)...)
	return append(messages, openai.UserMessage(message))
}

func hintMessage(hint models.IntentDecision) string {
	if hint.Intent == "" || hint.Intent == models.IntentUnknown {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INTENT HINT: %s (confidence %.2f)", hint.Intent, hint.Confidence)
	if len(hint.FoodItems) > 0 {
		fmt.Fprintf(&b, "\nFoods mentioned: %s", strings.Join(hint.FoodItems, ", "))
	}
	if len(hint.Portions) > 0 {
		fmt.Fprintf(&b, "\nPortions: %s", strings.Join(hint.Portions, ", "))
	}
	if len(hint.Entities) > 0 {
		fmt.Fprintf(&b, "\nOther entities: %s", strings.Join(hint.Entities, ", "))
	}
	return b.String()
}
