// Package testutil provides common test doubles and helpers for NutriPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/NutriPipe/internal/genai"
)

// ErrScriptExhausted is returned by FakeGenAI when no scripted reply is left.
var ErrScriptExhausted = errors.New("fake genai: no scripted reply left")

// PromptCall records one prompt-style call made to FakeGenAI.
type PromptCall struct {
	System string
	User   string
}

// FakeGenAI is a scripted genai.ClientInterface. Prompt calls are answered by
// PromptFunc when set, otherwise by PromptReplies in order. Tool calls are
// answered by ToolReplies in order.
type FakeGenAI struct {
	mu sync.Mutex

	PromptFunc    func(system, user string) (string, error)
	PromptReplies []string
	PromptErr     error
	ToolReplies   []*genai.ToolCallResponse
	ToolErr       error

	PromptCalls  []PromptCall
	ToolRequests [][]openai.ChatCompletionMessageParamUnion
	ToolNames    [][]string
}

// Compile-time check that FakeGenAI implements genai.ClientInterface.
var _ genai.ClientInterface = (*FakeGenAI)(nil)

func (f *FakeGenAI) GeneratePrompt(systemPrompt, userPrompt string) (string, error) {
	return f.GeneratePromptWithContext(context.Background(), systemPrompt, userPrompt)
}

func (f *FakeGenAI) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PromptCalls = append(f.PromptCalls, PromptCall{System: systemPrompt, User: userPrompt})
	if f.PromptErr != nil {
		return "", f.PromptErr
	}
	if f.PromptFunc != nil {
		return f.PromptFunc(systemPrompt, userPrompt)
	}
	if len(f.PromptReplies) == 0 {
		return "", ErrScriptExhausted
	}
	reply := f.PromptReplies[0]
	f.PromptReplies = f.PromptReplies[1:]
	return reply, nil
}

func (f *FakeGenAI) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	return f.GeneratePromptWithContext(ctx, "", "")
}

func (f *FakeGenAI) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ToolRequests = append(f.ToolRequests, messages)
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Function.Name)
	}
	f.ToolNames = append(f.ToolNames, names)
	if f.ToolErr != nil {
		return nil, f.ToolErr
	}
	if len(f.ToolReplies) == 0 {
		return nil, ErrScriptExhausted
	}
	reply := f.ToolReplies[0]
	f.ToolReplies = f.ToolReplies[1:]
	return reply, nil
}

// PromptCallCount returns how many prompt-style calls were made.
func (f *FakeGenAI) PromptCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.PromptCalls)
}

// ToolCallCount returns how many tool-enabled completions were requested.
func (f *FakeGenAI) ToolCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ToolRequests)
}

// ToolCall builds a scripted tool call with JSON-encoded arguments.
func ToolCall(t testing.TB, id, name string, args interface{}) genai.ToolCall {
	t.Helper()
	return genai.ToolCall{
		ID:       id,
		Type:     "function",
		Function: genai.FunctionCall{Name: name, Arguments: MustMarshalJSON(t, args)},
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON response and validates the status field.
func AssertJSONResponse(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with an optional JSON body.
func CreateHTTPRequest(t testing.TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails the test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails the test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
