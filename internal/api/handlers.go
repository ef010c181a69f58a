package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/tools"
	"github.com/BTreeMap/NutriPipe/internal/twiliowhatsapp"
)

// apiSessionID is the session used by reads that need the user's preferences.
const apiSessionID = "api"

// emptyTwiML acknowledges a webhook without sending a message. Replies go
// out through the REST API once the turn finishes.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// chatHandler runs one conversation turn (POST /chat).
func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TurnRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.chatHandler: validation failed", "error", err, "userID", req.UserID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	resp := s.turns.ProcessTurn(r.Context(), req)
	slog.Debug("Server.chatHandler: turn completed", "userID", req.UserID, "response_type", resp.ResponseType)
	writeJSONResponse(w, http.StatusOK, resp)
}

// getPendingHandler returns the user's pending action or null.
func (s *Server) getPendingHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()

	pending, err := s.st.GetPendingAction(ctx, userID)
	if err != nil {
		slog.Error("Server.getPendingHandler: failed to load pending action", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load pending action"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(pending))
}

// clearPendingHandler discards the user's pending action.
func (s *Server) clearPendingHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()

	if err := s.st.ClearPendingAction(ctx, userID); err != nil {
		slog.Error("Server.clearPendingHandler: failed to clear pending action", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to clear pending action"))
		return
	}
	slog.Info("Server.clearPendingHandler: pending action cleared", "userID", userID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Pending action cleared", nil))
}

// patchContextHandler merges preferences into the user's context. A null
// value removes a key.
func (s *Server) patchContextHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	var patch map[string]interface{}
	if !decodeJSON(w, r, &patch) {
		return
	}
	if patch == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if tz, ok := patch[models.ContextKeyTimezone]; ok && tz != nil {
		name, isString := tz.(string)
		if !isString {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrInvalidTimezone.Error()))
			return
		}
		if _, err := models.LoadTimezone(name); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrInvalidTimezone.Error()))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()
	if err := s.st.UpdateContext(ctx, userID, patch); err != nil {
		slog.Error("Server.patchContextHandler: failed to update context", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update context"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Context updated", nil))
}

// goalsHandler lists the user's goals.
func (s *Server) goalsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()

	goals, err := s.st.ListGoals(ctx, userID)
	if err != nil {
		slog.Error("Server.goalsHandler: failed to list goals", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list goals"))
		return
	}
	if goals == nil {
		goals = []models.Goal{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(goals))
}

// DayLog is the result of GET /users/{userID}/logs.
type DayLog struct {
	Summary models.DailySummary   `json:"summary"`
	Entries []models.FoodLogEntry `json:"entries"`
}

// logsHandler returns one local day of food logs with totals keyed by
// canonical nutrient keys. Query parameters: date (YYYY-MM-DD, default
// today) and tz (IANA name, default the user's preference, then UTC).
func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()

	loc, err := s.userLocation(ctx, userID, r.URL.Query().Get("tz"))
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	day := s.now().In(loc)
	if d := r.URL.Query().Get("date"); d != "" {
		day, err = time.ParseInLocation("2006-01-02", d, loc)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("date must be YYYY-MM-DD"))
			return
		}
	}

	summary, err := tools.BuildDailySummary(ctx, s.st, userID, day, loc)
	if err != nil {
		slog.Error("Server.logsHandler: failed to build summary", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load logs"))
		return
	}
	from, to := tools.DayBounds(day, loc)
	entries, err := s.st.ListFoodLogs(ctx, userID, from, to)
	if err != nil {
		slog.Error("Server.logsHandler: failed to list logs", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load logs"))
		return
	}
	if entries == nil {
		entries = []models.FoodLogEntry{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(DayLog{Summary: summary, Entries: entries}))
}

func (s *Server) userLocation(ctx context.Context, userID, explicit string) (*time.Location, error) {
	name := explicit
	if name == "" {
		sess, err := s.st.GetSession(ctx, userID, apiSessionID)
		if err == nil {
			name = sess.PreferredTimezone()
		}
	}
	loc, err := models.LoadTimezone(name)
	if err != nil {
		if explicit != "" {
			return nil, models.ErrInvalidTimezone
		}
		return time.UTC, nil
	}
	return loc, nil
}

// recipesHandler searches the user's recipes by name (?q=).
func (s *Server) recipesHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()

	recipes, err := s.st.FindRecipesByName(ctx, userID, r.URL.Query().Get("q"))
	if err != nil {
		slog.Error("Server.recipesHandler: failed to search recipes", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to search recipes"))
		return
	}
	if recipes == nil {
		recipes = []models.Recipe{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(recipes))
}

// executionsHandler lists the newest execution records (?limit=, default 20).
func (s *Server) executionsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	ctx, cancel := context.WithTimeout(r.Context(), DefaultRequestTimeout)
	defer cancel()

	recs, err := s.st.ListExecutionRecords(ctx, userID, limit)
	if err != nil {
		slog.Error("Server.executionsHandler: failed to list records", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list execution records"))
		return
	}
	if recs == nil {
		recs = []models.ExecutionRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(recs))
}

func (s *Server) nutrientsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.registry.All()))
}

// ResolvedNutrient is the result of GET /nutrients/resolve.
type ResolvedNutrient struct {
	Label string `json:"label"`
	Key   string `json:"key"`
	Name  string `json:"name"`
	Unit  string `json:"unit"`
}

func (s *Server) resolveNutrientHandler(w http.ResponseWriter, r *http.Request) {
	label := strings.TrimSpace(r.URL.Query().Get("label"))
	if label == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: label"))
		return
	}
	key := s.registry.Resolve(label)
	writeJSONResponse(w, http.StatusOK, models.Success(ResolvedNutrient{
		Label: label,
		Key:   key,
		Name:  s.registry.DisplayName(key),
		Unit:  s.registry.Unit(key),
	}))
}

// twilioWebhookHandler accepts an inbound Twilio WhatsApp message and queues
// it for the bridge. The reply is sent asynchronously.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	msg, err := s.validator.ParseWebhook(r)
	switch {
	case errors.Is(err, twiliowhatsapp.ErrInvalidSignature):
		slog.Warn("Server.twilioWebhookHandler: rejected request with bad signature", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	case err != nil:
		slog.Warn("Server.twilioWebhookHandler: bad webhook request", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if !s.twilio.Deliver(msg) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	slog.Info("Server.twilioWebhookHandler: inbound message queued", "from", msg.From, "id", msg.ID)
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(emptyTwiML)); err != nil {
		slog.Error("Server.twilioWebhookHandler: failed to write response", "error", err)
	}
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}
	if _, err := s.st.GetPendingAction(ctx, "health-check"); err != nil {
		slog.Warn("Server.healthHandler: store check failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Store unavailable"
	}
	if s.execLog != nil {
		healthData["execlog_dropped"] = s.execLog.Dropped()
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}
