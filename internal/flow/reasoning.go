package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/tools"
)

// toolSteps are the progress labels for tools the reasoner may use.
var toolSteps = map[string]string{
	tools.LookupNutrition:   "Looking up nutrition",
	tools.EstimateNutrition: "Estimating nutrition",
	tools.ParseRecipeText:   "Parsing recipe",
	tools.GetGoals:          "Checking your goals",
	tools.GetDailySummary:   "Reviewing today's log",
	tools.SearchRecipes:     "Searching your recipes",
	tools.ProposeFoodLog:    "Preparing food log",
	tools.ProposeGoalUpdate: "Preparing goal update",
	tools.ProposeRecipeLog:  "Preparing recipe log",
}

// reason hands the turn to the reasoner and folds its proposal into the
// confirmation protocol. With no new proposal, a pending action from an
// earlier turn is shown again without being rewritten.
func (o *Orchestrator) reason(ctx context.Context, t *turn) (outcome, error) {
	t.step(stepThinking)
	if o.reasoner == nil {
		return chatError(reasonerUnavailable), nil
	}
	t.agent(agentReasoner)
	res, err := o.reasoner.Reason(ctx, t.req.UserID, truncateForClassifier(t.req.Message), t.decision, t.history)
	if err != nil {
		slog.Warn("Orchestrator.reason: reasoning failed", "userID", t.req.UserID, "error", err)
		return chatError(fmt.Sprintf("Sorry, I had trouble answering that: %v", err)), nil
	}
	for _, name := range res.ToolsUsed {
		if label, ok := toolSteps[name]; ok {
			t.step(label)
		}
	}

	proposal, isNew := res.Proposal, res.Proposal != nil
	if !isNew {
		if pending := t.pending(); pending != nil {
			proposal = &models.Proposal{Type: pending.Type, Data: pending.Data}
			slog.Debug("Orchestrator.reason: re-attaching pending action", "userID", t.req.UserID, "type", pending.Type)
		}
	}
	if proposal == nil {
		return chat(res.Reasoning), nil
	}
	if isNew {
		if err := o.confirm.Persist(ctx, t.req.UserID, *proposal); err != nil {
			return outcome{}, err
		}
	}

	rt, view := proposalView(*proposal)
	message := res.Reasoning
	if message == "" {
		message = proposalMessage(proposal.Type, view)
	}
	return outcome{
		status:       models.TurnStatusSuccess,
		message:      message,
		responseType: rt,
		data:         view,
	}, nil
}
