package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/tools"
)

// Turn paths, recorded on execution records and metrics.
const (
	pathClosing         = "closing"
	pathButtonConfirm   = "button_confirm"
	pathButtonCancel    = "button_cancel"
	pathRecipeHeuristic = "recipe_heuristic"
	pathGreet           = "greet"
	pathIntentConfirm   = "intent_confirm"
	pathIntentCancel    = "intent_cancel"
	pathDirectFood      = "direct_food"
	pathDirectRecipe    = "direct_recipe"
	pathSaveRecipe      = "save_recipe"
	pathReasoning       = "reasoning"
	pathFatal           = "fatal"
)

// Progress steps reported to the UI.
const (
	stepConfirming      = "Confirming your pending action"
	stepCancelling      = "Cancelling pending action"
	stepParsingRecipe   = "Parsing recipe"
	stepUnderstanding   = "Understanding your message"
	stepCheckingRecipes = "Checking your saved recipes"
	stepLookingUp       = "Looking up nutrition"
	stepThinking        = "Thinking it through"
)

// Agents, recorded on execution records.
const (
	agentConfirmation = "confirmation"
	agentClassifier   = "classifier"
	agentRecipeParser = "recipe_parser"
	agentRecipeFinder = "recipe_finder"
	agentLookup       = "nutrition_lookup"
	agentReasoner     = "reasoner"
)

const (
	closingReply        = "You're welcome! Let me know whenever you want to log something."
	greetingReply       = "Hi! Tell me what you ate, share a recipe, or ask about your goals."
	cancelledReply      = "Okay, I've cancelled that."
	nothingToCancel     = "There's nothing pending to cancel."
	recipeUnreadable    = "I couldn't read that recipe"
	reasonerUnavailable = "I can't answer that right now. You can tell me what you ate or share a recipe."
)

// turn is the mutable state of one ProcessTurn call.
type turn struct {
	req      models.TurnRequest
	session  *models.Session
	history  []models.ChatMessage
	timezone string
	decision models.IntentDecision
	path     string
	steps    []string
	agents   []string

	// recipeText is set when the message was treated as recipe text.
	recipeText bool
}

func (t *turn) step(s string) {
	t.steps = append(t.steps, s)
}

func (t *turn) agent(name string) {
	for _, a := range t.agents {
		if a == name {
			return
		}
	}
	t.agents = append(t.agents, name)
}

func (t *turn) pending() *models.PendingAction {
	if t.session == nil {
		return nil
	}
	return t.session.PendingAction
}

// topic maps the turn onto the context buffer's topic family.
func (t *turn) topic() string {
	if t.recipeText {
		return models.TopicRecipe
	}
	switch t.decision.Intent {
	case models.IntentLogFood, models.IntentQueryNutrition:
		return models.TopicFood
	case models.IntentLogRecipe, models.IntentSaveRecipe:
		return models.TopicRecipe
	case models.IntentUpdateGoal:
		return models.TopicGoal
	case models.IntentQuestion:
		return models.TopicQuestion
	}
	return ""
}

// strategy is one guarded stage of the cascade. handled is false when the
// guard did not match and the next strategy should run.
type strategy struct {
	name string
	run  func(ctx context.Context, t *turn) (out outcome, handled bool, err error)
}

func (o *Orchestrator) strategies() (pre, switchboard []strategy) {
	pre = []strategy{
		{pathClosing, o.closing},
		{pathButtonConfirm, o.buttonConfirm},
		{pathButtonCancel, o.buttonCancel},
		{pathRecipeHeuristic, o.recipeHeuristic},
	}
	switchboard = []strategy{
		{pathGreet, o.greet},
		{pathIntentConfirm, o.intentConfirm},
		{pathIntentCancel, o.intentCancel},
		{pathDirectFood, o.directFood},
		{pathDirectRecipe, o.directRecipe},
		{pathSaveRecipe, o.saveRecipe},
	}
	return pre, switchboard
}

// cascade walks the fast-paths, classification and the switchboard in order,
// falling back to reasoning when nothing handled the turn.
func (o *Orchestrator) cascade(ctx context.Context, t *turn) (outcome, error) {
	if out, ok, err := o.runStrategies(ctx, t, o.preClassification); ok || err != nil {
		return out, err
	}
	t.decision = o.classify(ctx, t)
	if out, ok, err := o.runStrategies(ctx, t, o.switchboard); ok || err != nil {
		return out, err
	}
	t.path = pathReasoning
	return o.reason(ctx, t)
}

func (o *Orchestrator) runStrategies(ctx context.Context, t *turn, list []strategy) (outcome, bool, error) {
	for _, s := range list {
		out, handled, err := s.run(ctx, t)
		if err != nil {
			t.path = s.name
			return outcome{}, true, err
		}
		if handled {
			t.path = s.name
			slog.Debug("Orchestrator.cascade: handled", "userID", t.req.UserID, "path", s.name, "responseType", out.responseType)
			return out, true, nil
		}
	}
	return outcome{}, false, nil
}

func (o *Orchestrator) closing(ctx context.Context, t *turn) (outcome, bool, error) {
	if !IsClosing(t.req.Message) {
		return outcome{}, false, nil
	}
	return chat(closingReply), true, nil
}

// buttonConfirm resolves the pending action on a confirm reply, or on a
// numbered pick while a recipe selection is pending.
func (o *Orchestrator) buttonConfirm(ctx context.Context, t *turn) (outcome, bool, error) {
	pending := t.pending()
	if pending == nil {
		return outcome{}, false, nil
	}
	picked := pending.Type == models.ActionRecipeSelection && IsSelectionReply(t.req.Message)
	if !picked && !IsConfirmReply(t.req.Message) {
		return outcome{}, false, nil
	}
	return o.resolvePending(ctx, t), true, nil
}

func (o *Orchestrator) buttonCancel(ctx context.Context, t *turn) (outcome, bool, error) {
	if t.pending() == nil || !IsCancelReply(t.req.Message) {
		return outcome{}, false, nil
	}
	out, err := o.cancelPending(ctx, t)
	return out, true, err
}

func (o *Orchestrator) recipeHeuristic(ctx context.Context, t *turn) (outcome, bool, error) {
	if !LooksLikeRecipe(t.req.Message) {
		return outcome{}, false, nil
	}
	t.recipeText = true
	out, err := o.parseRecipe(ctx, t, t.req.Message)
	return out, true, err
}

// classify asks the classifier for an intent. Failures degrade to the unknown
// intent so the turn continues to the reasoning fallback.
func (o *Orchestrator) classify(ctx context.Context, t *turn) models.IntentDecision {
	unknown := models.IntentDecision{Intent: models.IntentUnknown}
	if o.classifier == nil {
		return unknown
	}
	t.step(stepUnderstanding)
	t.agent(agentClassifier)
	d, err := o.classifier.Classify(ctx, truncateForClassifier(t.req.Message), t.history)
	if err != nil {
		slog.Warn("Orchestrator.classify: classification failed", "userID", t.req.UserID, "error", err)
		return unknown
	}
	slog.Debug("Orchestrator.classify: classified", "userID", t.req.UserID, "intent", d.Intent,
		"confidence", d.Confidence, "foods", d.FoodItems)
	return d
}

func (o *Orchestrator) resolvePending(ctx context.Context, t *turn) outcome {
	t.step(stepConfirming)
	t.agent(agentConfirmation)
	return o.confirm.Resolve(ctx, t.req.UserID, *t.pending(), t.req.Message, ParseReplyDirectives(t.req.Message))
}

func (o *Orchestrator) cancelPending(ctx context.Context, t *turn) (outcome, error) {
	t.step(stepCancelling)
	pending := t.pending()
	if err := o.sessions.ClearPending(ctx, t.req.UserID); err != nil {
		return outcome{}, err
	}
	if pending == nil {
		return chat(nothingToCancel), nil
	}
	o.metrics.confirmation(ctx, string(pending.Type), "cancelled")
	slog.Info("Orchestrator.cancelPending: pending action cancelled", "userID", t.req.UserID, "type", pending.Type)
	return outcome{
		status:       models.TurnStatusSuccess,
		message:      cancelledReply,
		responseType: models.ResponseActionCancelled,
	}, nil
}

// parseRecipe runs the recipe parser over text and proposes the resulting
// recipe_save flow. Parse failures become an error reply.
func (o *Orchestrator) parseRecipe(ctx context.Context, t *turn, text string) (outcome, error) {
	t.step(stepParsingRecipe)
	t.agent(agentRecipeParser)
	res := o.tools.Execute(ctx, t.req.UserID, tools.ParseRecipeText, map[string]any{"text": text})
	if !res.OK() {
		slog.Warn("Orchestrator.parseRecipe: parse failed", "userID", t.req.UserID, "error", res.Err)
		return chatError(fmt.Sprintf("%s: %s", recipeUnreadable, res.Err.Detail)), nil
	}
	p, ok := tools.ProposalFromOutput(res.Output)
	if !ok {
		return chatError(recipeUnreadable + "."), nil
	}
	return o.propose(ctx, t, *p)
}

// newProposal encodes payload into a proposal with a fresh id.
func newProposal(kind models.ActionKind, payload interface{}) (models.Proposal, error) {
	data, err := models.EncodeData(payload)
	if err != nil {
		return models.Proposal{}, err
	}
	return models.Proposal{Type: kind, ID: uuid.NewString(), Data: data}, nil
}

// propose persists p as the pending action and renders its confirmation card.
func (o *Orchestrator) propose(ctx context.Context, t *turn, p models.Proposal) (outcome, error) {
	if err := o.confirm.Persist(ctx, t.req.UserID, p); err != nil {
		return outcome{}, err
	}
	rt, view := proposalView(p)
	return outcome{
		status:       models.TurnStatusSuccess,
		message:      proposalMessage(p.Type, view),
		responseType: rt,
		data:         view,
	}, nil
}

func portionAt(d models.IntentDecision, i int) string {
	if i < len(d.Portions) {
		return strings.TrimSpace(d.Portions[i])
	}
	return ""
}
