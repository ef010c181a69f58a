// Package models defines the core data structures for NutriPipe.
//
// It includes the conversation turn contract, session and pending-action state,
// the typed payloads carried by proposals, and the API response envelope shared
// across modules.
package models

import (
	"errors"
	"strings"
)

// Validation constants for input validation
const (
	// MaxMessageLength defines the maximum accepted length of an inbound chat message.
	MaxMessageLength = 20000
	// MaxChatHistoryMessages bounds the history accepted with a single turn request.
	MaxChatHistoryMessages = 200
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID         = errors.New("user_id cannot be empty")
	ErrEmptyMessage        = errors.New("message cannot be empty")
	ErrMessageTooLong      = errors.New("message exceeds maximum length")
	ErrTooMuchHistory      = errors.New("chat history exceeds maximum length")
	ErrInvalidTimezone     = errors.New("invalid timezone")
	ErrInvalidSelection    = errors.New("invalid recipe selection")
	ErrUnknownActionKind   = errors.New("unknown action kind")
	ErrMissingNutrition    = errors.New("no nutrition items to log")
	ErrMissingRecipe       = errors.New("recipe is missing from the pending action")
	ErrInvalidGoal         = errors.New("goal update requires a nutrient and a positive target")
	ErrRecipeNotFound      = errors.New("recipe not found")
	ErrNoPendingAction     = errors.New("no pending action")
	ErrInvalidPendingData  = errors.New("pending action data is malformed")
	ErrCollaboratorMissing = errors.New("required collaborator is not configured")
)

// ChatMessage is a single entry of the chat history sent with a turn.
type ChatMessage struct {
	Role    string `json:"role"`    // "user" or "assistant"
	Content string `json:"content"` // message content
}

// TurnRequest is the input of one orchestration turn.
type TurnRequest struct {
	UserID      string        `json:"user_id"`
	Message     string        `json:"message"`
	SessionID   string        `json:"session_id,omitempty"`
	ChatHistory []ChatMessage `json:"chat_history,omitempty"`
	Timezone    string        `json:"timezone,omitempty"`
}

// Validate performs validation on a TurnRequest.
func (r *TurnRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	if len(r.ChatHistory) > MaxChatHistoryMessages {
		return ErrTooMuchHistory
	}
	if r.Timezone != "" {
		if _, err := LoadTimezone(r.Timezone); err != nil {
			return ErrInvalidTimezone
		}
	}
	return nil
}

// TurnStatus is the top-level status of a turn response.
type TurnStatus string

const (
	// TurnStatusSuccess indicates the turn completed normally.
	TurnStatusSuccess TurnStatus = "success"
	// TurnStatusError indicates the turn ended with a user-visible failure.
	TurnStatusError TurnStatus = "error"
)

// ResponseType tags the shape of a turn response for the UI.
type ResponseType string

const (
	ResponseChat                   ResponseType = "chat_response"
	ResponseConfirmationFoodLog    ResponseType = "confirmation_food_log"
	ResponseConfirmationRecipeLog  ResponseType = "confirmation_recipe_log"
	ResponseConfirmationRecipeSave ResponseType = "confirmation_recipe_save"
	ResponseConfirmationGoalUpdate ResponseType = "confirmation_goal_update"
	ResponseRecipeSelection        ResponseType = "recipe_selection"
	ResponseFoodLogged             ResponseType = "food_logged"
	ResponseRecipeLogged           ResponseType = "recipe_logged"
	ResponseRecipeSaved            ResponseType = "recipe_saved"
	ResponseRecipeUpdated          ResponseType = "recipe_updated"
	ResponseGoalUpdated            ResponseType = "goal_updated"
	ResponseActionCancelled        ResponseType = "action_cancelled"
	ResponseConfirmationFailed     ResponseType = "confirmation_failed"
	ResponseFatalError             ResponseType = "fatal_error"
)

// TurnResponse is the wire shape returned for every turn.
type TurnResponse struct {
	Status       TurnStatus   `json:"status"`
	Message      string       `json:"message"`
	ResponseType ResponseType `json:"response_type"`
	Data         interface{}  `json:"data,omitempty"`
	Steps        []string     `json:"steps"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Response is an inbound chat message received from a messaging channel.
type Response struct {
	ID      string `json:"id,omitempty"` // transport message id, used for deduplication
	Channel string `json:"channel"`      // "whatsapp" or "twilio"
	From    string `json:"from"`
	Body    string `json:"body"`
	Time    int64  `json:"time"`
}
