package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionKind identifies the irreversible write a pending action will perform.
type ActionKind string

const (
	ActionFoodLog         ActionKind = "food_log"
	ActionRecipeLog       ActionKind = "recipe_log"
	ActionRecipeSave      ActionKind = "recipe_save"
	ActionGoalUpdate      ActionKind = "goal_update"
	ActionRecipeSelection ActionKind = "recipe_selection"
)

// IsValidActionKind checks if the given action kind is supported.
func IsValidActionKind(k ActionKind) bool {
	switch k {
	case ActionFoodLog, ActionRecipeLog, ActionRecipeSave, ActionGoalUpdate, ActionRecipeSelection:
		return true
	default:
		return false
	}
}

// PendingAction is the single in-flight proposal awaiting confirmation for a user.
type PendingAction struct {
	Type ActionKind             `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// Clone returns a deep copy of the pending action.
func (p PendingAction) Clone() PendingAction {
	out := PendingAction{Type: p.Type}
	if p.Data == nil {
		return out
	}
	raw, err := json.Marshal(p.Data)
	if err != nil {
		out.Data = p.Data
		return out
	}
	_ = json.Unmarshal(raw, &out.Data)
	return out
}

// Topic families recorded in the context buffer.
const (
	TopicFood     = "food"
	TopicRecipe   = "recipe"
	TopicGoal     = "goal"
	TopicQuestion = "question"
)

// MaxRecentFoods bounds the recent foods kept in the context buffer.
const MaxRecentFoods = 10

// ContextBuffer is the short rolling context kept between turns.
type ContextBuffer struct {
	RecentFoods []string `json:"recent_foods"`
	LastTopic   string   `json:"last_topic,omitempty"` // empty means no topic
}

// Session identifies a (user, conversation) pair and carries its per-user state.
type Session struct {
	UserID        string                 `json:"user_id"`
	SessionID     string                 `json:"session_id"`
	PendingAction *PendingAction         `json:"pending_action"`
	ContextBuffer ContextBuffer          `json:"context_buffer"`
	Context       map[string]interface{} `json:"context,omitempty"` // user preferences such as timezone
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// ContextKeyTimezone is the preference key holding the user's IANA time zone.
const ContextKeyTimezone = "timezone"

// PreferredTimezone returns the timezone stored in the user's context, if any.
func (s *Session) PreferredTimezone() string {
	if s == nil || s.Context == nil {
		return ""
	}
	tz, _ := s.Context[ContextKeyTimezone].(string)
	return tz
}

// IntentDecision is the per-turn result of classification or a fast-path.
type IntentDecision struct {
	Intent     string   `json:"intent"`
	Confidence float64  `json:"confidence"`
	FoodItems  []string `json:"food_items"`
	Portions   []string `json:"portions"`
	RecipeText string   `json:"recipe_text,omitempty"`
	Entities   []string `json:"entities"`
}

// Known intents produced by the classifier.
const (
	IntentGreet          = "greet"
	IntentConfirm        = "confirm"
	IntentDecline        = "decline"
	IntentCancel         = "cancel"
	IntentLogFood        = "log_food"
	IntentQueryNutrition = "query_nutrition"
	IntentLogRecipe      = "log_recipe"
	IntentSaveRecipe     = "save_recipe"
	IntentUpdateGoal     = "update_goal"
	IntentQuestion       = "question"
	IntentUnknown        = "unknown"
)

// Proposal is the ephemeral view of a write awaiting confirmation.
type Proposal struct {
	Type ActionKind             `json:"type"`
	ID   string                 `json:"id"`
	Data map[string]interface{} `json:"data"`
}

// PendingAction converts the proposal to its persisted form.
func (p Proposal) PendingAction() PendingAction {
	return PendingAction{Type: p.Type, Data: p.Data}
}

// ReasoningResult is returned by the general reasoning collaborator.
type ReasoningResult struct {
	Reasoning string                 `json:"reasoning"`
	Proposal  *Proposal              `json:"proposal,omitempty"`
	ToolsUsed []string               `json:"tools_used"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EncodeData converts a typed payload into the generic map stored in a pending action.
func EncodeData(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode action data: %w", err)
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to encode action data: %w", err)
	}
	return out, nil
}

// DecodeData converts the generic map of a pending action into a typed payload.
func DecodeData(data map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPendingData, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPendingData, err)
	}
	return nil
}

// LoadTimezone resolves an IANA timezone name, defaulting to UTC when empty.
func LoadTimezone(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
