package testutil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/NutriPipe/internal/genai"
)

func TestFakeGenAI_PromptReplies(t *testing.T) {
	f := &FakeGenAI{PromptReplies: []string{"first", "second"}}

	for _, want := range []string{"first", "second"} {
		got, err := f.GeneratePromptWithContext(context.Background(), "sys", "user")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
	if _, err := f.GeneratePrompt("sys", "user"); !errors.Is(err, ErrScriptExhausted) {
		t.Errorf("expected ErrScriptExhausted, got %v", err)
	}
	if f.PromptCallCount() != 3 {
		t.Errorf("expected 3 recorded calls, got %d", f.PromptCallCount())
	}
	if f.PromptCalls[0].System != "sys" || f.PromptCalls[0].User != "user" {
		t.Errorf("unexpected recorded call: %+v", f.PromptCalls[0])
	}
}

func TestFakeGenAI_PromptFuncAndError(t *testing.T) {
	f := &FakeGenAI{PromptFunc: func(system, user string) (string, error) { return "echo:" + user, nil }}
	got, err := f.GeneratePrompt("", "hi")
	if err != nil || got != "echo:hi" {
		t.Errorf("expected echo:hi, got %q (%v)", got, err)
	}

	boom := errors.New("boom")
	f.PromptErr = boom
	if _, err := f.GeneratePrompt("", "hi"); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestFakeGenAI_ToolReplies(t *testing.T) {
	call := ToolCall(t, "call_1", "lookup_nutrition", map[string]any{"food_name": "egg"})
	f := &FakeGenAI{ToolReplies: []*genai.ToolCallResponse{{ToolCalls: []genai.ToolCall{call}}}}

	tools := []openai.ChatCompletionToolParam{{}}
	tools[0].Function.Name = "lookup_nutrition"

	resp, err := f.GenerateWithTools(context.Background(), nil, tools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.ToolCalls) != 1 || string(resp.ToolCalls[0].Function.Arguments) != `{"food_name":"egg"}` {
		t.Errorf("unexpected tool reply: %+v", resp)
	}
	if f.ToolCallCount() != 1 || f.ToolNames[0][0] != "lookup_nutrition" {
		t.Errorf("tool request not recorded: %v", f.ToolNames)
	}
	if _, err := f.GenerateWithTools(context.Background(), nil, nil); !errors.Is(err, ErrScriptExhausted) {
		t.Errorf("expected ErrScriptExhausted, got %v", err)
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/chat", map[string]string{"message": "hi"})
	if req.Method != http.MethodPost {
		t.Errorf("expected POST, got %s", req.Method)
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("expected JSON content type, got %q", req.Header.Get("Content-Type"))
	}
	body, _ := io.ReadAll(req.Body)
	if string(body) != `{"message":"hi"}` {
		t.Errorf("unexpected body %s", body)
	}

	req = CreateHTTPRequest(t, http.MethodGet, "/health", nil)
	if req.Header.Get("Content-Type") != "" {
		t.Error("GET without body should not set a content type")
	}
}

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.WriteString(`{"status":"ok","result":1}`)
	resp := AssertJSONResponse(t, rr, "ok")
	if resp["result"].(float64) != 1 {
		t.Errorf("unexpected decoded response: %v", resp)
	}
	AssertHTTPStatus(t, http.StatusOK, rr.Code, "recorder default")
}

func TestMustJSONRoundTrip(t *testing.T) {
	var out struct{ Name string }
	MustUnmarshalJSON(t, MustMarshalJSON(t, map[string]string{"Name": "oats"}), &out)
	if out.Name != "oats" {
		t.Errorf("expected oats, got %q", out.Name)
	}
}
