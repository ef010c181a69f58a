package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/NutriPipe/internal/flow"
	"github.com/BTreeMap/NutriPipe/internal/messaging"
	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/store"
	"github.com/BTreeMap/NutriPipe/internal/tools"
	"github.com/BTreeMap/NutriPipe/internal/twiliowhatsapp"
)

// stubTurns returns a fixed response and records requests.
type stubTurns struct {
	mu   sync.Mutex
	reqs []models.TurnRequest
	resp models.TurnResponse
}

func (s *stubTurns) ProcessTurn(ctx context.Context, req models.TurnRequest) models.TurnResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return s.resp
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *store.InMemoryStore, *stubTurns) {
	t.Helper()
	st := store.NewInMemoryStore()
	turns := &stubTurns{resp: models.TurnResponse{
		Status:       models.TurnStatusSuccess,
		Message:      "Hi!",
		ResponseType: models.ResponseChat,
		Steps:        []string{},
	}}
	srv := NewServer(turns, st, opts...)
	srv.now = func() time.Time { return time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC) }
	return srv, st, turns
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeAPI(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), rr.Body.String())
	return resp
}

func TestChatHandler(t *testing.T) {
	srv, _, turns := newTestServer(t)

	rr := do(t, srv, http.MethodPost, "/chat", `{"user_id":"u1","message":"hello","timezone":"Europe/Paris"}`)
	assert.Equal(t, http.StatusOK, rr.Code)

	var resp models.TurnResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, models.ResponseChat, resp.ResponseType)
	require.Len(t, turns.reqs, 1)
	assert.Equal(t, "Europe/Paris", turns.reqs[0].Timezone)
}

func TestChatHandlerRejectsBadRequests(t *testing.T) {
	srv, _, turns := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"user_id":`},
		{"missing user", `{"message":"hi"}`},
		{"empty message", `{"user_id":"u1","message":"   "}`},
		{"bad timezone", `{"user_id":"u1","message":"hi","timezone":"Mars/Base"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, srv, http.MethodPost, "/chat", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, string(models.APIStatusError), decodeAPI(t, rr).Status)
		})
	}
	assert.Empty(t, turns.reqs)
}

func TestChatHandlerWithOrchestrator(t *testing.T) {
	st := store.NewInMemoryStore()
	orch, err := flow.NewOrchestrator(flow.Deps{
		Store: st,
		Tools: tools.NewRegistry(tools.Deps{Store: st}),
	})
	require.NoError(t, err)
	srv := NewServer(orch, st)

	rr := do(t, srv, http.MethodPost, "/chat", `{"user_id":"u1","message":"thanks!"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &raw))
	assert.Equal(t, "success", raw["status"])
	assert.Equal(t, "chat_response", raw["response_type"])
	assert.Contains(t, raw, "steps")
	assert.NotContains(t, raw, "data")
}

func TestPendingEndpoints(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	rr := do(t, srv, http.MethodGet, "/users/u1/pending", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, decodeAPI(t, rr).Result)

	require.NoError(t, st.SavePendingAction(ctx, "u1", models.PendingAction{
		Type: models.ActionGoalUpdate,
		Data: map[string]interface{}{"nutrient": "protein_g", "target": 120.0},
	}))
	rr = do(t, srv, http.MethodGet, "/users/u1/pending", "")
	result := decodeAPI(t, rr).Result.(map[string]interface{})
	assert.Equal(t, "goal_update", result["type"])

	rr = do(t, srv, http.MethodDelete, "/users/u1/pending", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	pending, err := st.GetPendingAction(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestPatchContext(t *testing.T) {
	srv, st, _ := newTestServer(t)

	rr := do(t, srv, http.MethodPatch, "/users/u1/context", `{"timezone":"America/New_York","units":"metric"}`)
	assert.Equal(t, http.StatusOK, rr.Code)
	sess, err := st.GetSession(context.Background(), "u1", "s")
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", sess.PreferredTimezone())

	rr = do(t, srv, http.MethodPatch, "/users/u1/context", `{"timezone":"Nowhere/City"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(t, srv, http.MethodPatch, "/users/u1/context", `null`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestLogsHandlerUsesLocalDay(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.UpdateContext(ctx, "u1", map[string]interface{}{"timezone": "America/New_York"}))
	require.NoError(t, st.UpsertGoal(ctx, models.Goal{UserID: "u1", Nutrient: "protein_g", Target: 100, GoalType: "target"}))
	require.NoError(t, st.AddFoodLogs(ctx, []models.FoodLogEntry{
		// 2025-03-10 01:00 UTC is still March 9 in New York.
		{ID: "a", UserID: "u1", FoodName: "late snack", Nutrients: map[string]float64{"calories": 200}, LoggedAt: time.Date(2025, 3, 10, 1, 0, 0, 0, time.UTC)},
		{ID: "b", UserID: "u1", FoodName: "eggs", Nutrients: map[string]float64{"calories": 144, "protein_g": 12.6}, LoggedAt: time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC)},
	}))

	rr := do(t, srv, http.MethodGet, "/users/u1/logs", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Result DayLog `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "2025-03-10", body.Result.Summary.Date)
	assert.Equal(t, 1, body.Result.Summary.Entries)
	assert.InDelta(t, 144, body.Result.Summary.Totals["calories"], 0.001)
	require.Len(t, body.Result.Summary.Goals, 1)
	assert.InDelta(t, 12.6, body.Result.Summary.Goals[0].Logged, 0.001)

	rr = do(t, srv, http.MethodGet, "/users/u1/logs?date=2025-03-09", "")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Result.Entries, 1)
	assert.Equal(t, "late snack", body.Result.Entries[0].FoodName)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/users/u1/logs?date=03/09/2025", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/users/u1/logs?tz=Bad/Zone", "").Code)
}

func TestListEndpoints(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.SaveRecipe(ctx, models.Recipe{ID: "r1", UserID: "u1", Name: "Lentil soup", Servings: 4}))
	require.NoError(t, st.AddExecutionRecord(ctx, models.ExecutionRecord{ID: "x1", UserID: "u1", Path: "greet"}))

	rr := do(t, srv, http.MethodGet, "/users/u1/recipes?q=lentil", "")
	assert.Len(t, decodeAPI(t, rr).Result, 1)

	rr = do(t, srv, http.MethodGet, "/users/u1/goals", "")
	assert.Equal(t, []interface{}{}, decodeAPI(t, rr).Result)

	rr = do(t, srv, http.MethodGet, "/users/u1/executions?limit=5", "")
	assert.Len(t, decodeAPI(t, rr).Result, 1)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/users/u1/executions?limit=-1", "").Code)
}

func TestNutrientEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := do(t, srv, http.MethodGet, "/nutrients", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, decodeAPI(t, rr).Result)

	rr = do(t, srv, http.MethodGet, "/nutrients/resolve?label=Protein", "")
	result := decodeAPI(t, rr).Result.(map[string]interface{})
	assert.Equal(t, "protein_g", result["key"])

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/nutrients/resolve", "").Code)
}

func TestHealthAndMethodRouting(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, srv, http.MethodGet, "/chat", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/webhooks/twilio", "").Code)
}

func twilioSignature(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := fullURL
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioWebhook(t *testing.T) {
	const token = "tw-secret"
	const publicURL = "https://nutripipe.example.com/webhooks/twilio"
	svc := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	defer svc.Stop()
	srv, _, _ := newTestServer(t, WithTwilioWebhook(svc, twiliowhatsapp.NewValidator(token, publicURL)))

	form := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"2 eggs"}, "MessageSid": {"SM1"}}
	post := func(signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set(twiliowhatsapp.SignatureHeader, signature)
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		return rr
	}

	rr := post("forged")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = post(twilioSignature(token, publicURL, form))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/xml", rr.Header().Get("Content-Type"))

	select {
	case msg := <-svc.Responses():
		assert.Equal(t, "+15551234567", msg.From)
		assert.Equal(t, "2 eggs", msg.Body)
		assert.Equal(t, "twilio:SM1", msg.ID)
	case <-time.After(time.Second):
		t.Fatal("webhook message was not delivered")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	srv, _, _ := newTestServer(t, WithAddr("127.0.0.1:0"), WithShutdownTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
