package genai

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/openai/openai-go"
)

func readDebugEntries(t *testing.T, stateDir string) []debugEntry {
	t.Helper()
	files, err := os.ReadDir(filepath.Join(stateDir, "debug"))
	if err != nil {
		t.Fatalf("read debug dir: %v", err)
	}
	var entries []debugEntry
	for _, f := range files {
		raw, err := os.ReadFile(filepath.Join(stateDir, "debug", f.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", f.Name(), err)
		}
		var e debugEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			t.Fatalf("decode %s: %v", f.Name(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestDebugLogWritesOneEntryPerCall(t *testing.T) {
	resp := openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "ok"}}},
	}
	messages := []openai.ChatCompletionMessageParamUnion{openai.UserMessage("2 eggs")}

	cases := []struct {
		method string
		call   func(c *Client) error
	}{
		{"GeneratePromptWithContext", func(c *Client) error {
			_, err := c.GeneratePromptWithContext(context.Background(), "sys", "user")
			return err
		}},
		{"GenerateWithMessages", func(c *Client) error {
			_, err := c.GenerateWithMessages(context.Background(), messages)
			return err
		}},
		{"GenerateWithTools", func(c *Client) error {
			_, err := c.GenerateWithTools(context.Background(), messages, nil)
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.method, func(t *testing.T) {
			dir := t.TempDir()
			c := &Client{chat: &mockChatService{resp: resp}, model: "gpt-test", debugMode: true, stateDir: dir}
			if err := tc.call(c); err != nil {
				t.Fatalf("call failed: %v", err)
			}
			entries := readDebugEntries(t, dir)
			if len(entries) != 1 {
				t.Fatalf("expected 1 debug entry, got %d", len(entries))
			}
			e := entries[0]
			if e.Method != tc.method || e.Model != "gpt-test" {
				t.Errorf("unexpected entry header: method=%q model=%q", e.Method, e.Model)
			}
			if e.Timestamp == "" || e.Params == nil || e.Response == nil {
				t.Errorf("entry missing fields: %+v", e)
			}
			if e.Error != "" {
				t.Errorf("unexpected error field %q", e.Error)
			}
		})
	}
}

func TestDebugLogRecordsFailures(t *testing.T) {
	dir := t.TempDir()
	c := &Client{chat: &mockChatService{err: errors.New("rate limited")}, model: "gpt-test", debugMode: true, stateDir: dir}

	if _, err := c.GeneratePrompt("sys", "user"); err == nil {
		t.Fatal("expected error")
	}
	entries := readDebugEntries(t, dir)
	if len(entries) != 1 || entries[0].Error != "rate limited" {
		t.Fatalf("expected one entry with the call error, got %+v", entries)
	}
}

func TestDebugLogOff(t *testing.T) {
	resp := openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "ok"}}},
	}
	for name, c := range map[string]*Client{
		"debug disabled": {chat: &mockChatService{resp: resp}, stateDir: t.TempDir()},
		"no state dir":   {chat: &mockChatService{resp: resp}, debugMode: true},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := c.GeneratePrompt("sys", "user"); err != nil {
				t.Fatalf("call failed: %v", err)
			}
			if c.stateDir == "" {
				return
			}
			if _, err := os.Stat(filepath.Join(c.stateDir, "debug")); !os.IsNotExist(err) {
				t.Errorf("debug dir should not exist, stat err = %v", err)
			}
		})
	}
}
