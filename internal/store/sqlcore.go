package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/NutriPipe/internal/models"
)

// sqlCore implements the Store queries shared by the SQLite and PostgreSQL
// backends. Queries are written with ? placeholders and rebound for Postgres.
type sqlCore struct {
	db       *sql.DB
	name     string // log prefix, e.g. "SQLiteStore"
	numbered bool   // use $1..$n placeholders
}

// openSQLCore opens db, applies pool tuning, checks connectivity and runs the
// embedded schema. The schema is idempotent so it runs on every start.
func openSQLCore(driver, dsn, name, schema string, numbered bool, tune func(*sql.DB)) (*sqlCore, error) {
	if dsn == "" {
		slog.Error(name+".open: DSN not set")
		return nil, fmt.Errorf("%s: database DSN not set", name)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		slog.Error(name+".open: failed to open connection", "error", err)
		return nil, fmt.Errorf("%s: open: %w", name, err)
	}
	if tune != nil {
		tune(db)
	}
	if err := db.Ping(); err != nil {
		slog.Error(name+".open: ping failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("%s: ping: %w", name, err)
	}
	if _, err := db.Exec(schema); err != nil {
		slog.Error(name+".open: migrations failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("%s: migrations: %w", name, err)
	}
	slog.Debug(name+".open: ready", "driver", driver)
	return &sqlCore{db: db, name: name, numbered: numbered}, nil
}

func (c *sqlCore) q(query string) string {
	if !c.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func marshalJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// unmarshalJSON decodes a nullable JSON column; empty or NULL leaves out untouched.
func unmarshalJSON(col sql.NullString, out interface{}) error {
	if !col.Valid || col.String == "" || col.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), out)
}

func (c *sqlCore) ensureUser(ctx context.Context, tx *sql.Tx, userID string) error {
	_, err := tx.ExecContext(ctx, c.q(`INSERT INTO user_state (user_id, context_buffer, context, updated_at)
		VALUES (?, '{}', '{}', ?) ON CONFLICT (user_id) DO NOTHING`), userID, time.Now().UTC())
	return err
}

func (c *sqlCore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *sqlCore) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	now := time.Now().UTC()
	sess := &models.Session{UserID: userID, SessionID: sessionID}
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		if err := c.ensureUser(ctx, tx, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, c.q(`INSERT INTO sessions (user_id, session_id, created_at, updated_at)
			VALUES (?, ?, ?, ?) ON CONFLICT (user_id, session_id) DO UPDATE SET updated_at = excluded.updated_at`),
			userID, sessionID, now, now)
		if err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, c.q(`SELECT created_at, updated_at FROM sessions WHERE user_id = ? AND session_id = ?`),
			userID, sessionID).Scan(&sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return err
		}
		var pending, buffer, prefs sql.NullString
		if err := tx.QueryRowContext(ctx, c.q(`SELECT pending_action, context_buffer, context FROM user_state WHERE user_id = ?`),
			userID).Scan(&pending, &buffer, &prefs); err != nil {
			return err
		}
		if pending.Valid && pending.String != "" && pending.String != "null" {
			var p models.PendingAction
			if err := json.Unmarshal([]byte(pending.String), &p); err != nil {
				return fmt.Errorf("decode pending action: %w", err)
			}
			sess.PendingAction = &p
		}
		if err := unmarshalJSON(buffer, &sess.ContextBuffer); err != nil {
			return fmt.Errorf("decode context buffer: %w", err)
		}
		sess.Context = map[string]interface{}{}
		if err := unmarshalJSON(prefs, &sess.Context); err != nil {
			return fmt.Errorf("decode context: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.Error(c.name+".GetSession failed", "error", err, "userID", userID, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to load session for %s: %w", userID, err)
	}
	slog.Debug(c.name+".GetSession succeeded", "userID", userID, "sessionID", sessionID, "hasPending", sess.PendingAction != nil)
	return sess, nil
}

func (c *sqlCore) GetPendingAction(ctx context.Context, userID string) (*models.PendingAction, error) {
	var pending sql.NullString
	err := c.db.QueryRowContext(ctx, c.q(`SELECT pending_action FROM user_state WHERE user_id = ?`), userID).Scan(&pending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(c.name+".GetPendingAction failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load pending action for %s: %w", userID, err)
	}
	if !pending.Valid || pending.String == "" || pending.String == "null" {
		return nil, nil
	}
	var p models.PendingAction
	if err := json.Unmarshal([]byte(pending.String), &p); err != nil {
		return nil, fmt.Errorf("failed to decode pending action for %s: %w", userID, err)
	}
	return &p, nil
}

func (c *sqlCore) SavePendingAction(ctx context.Context, userID string, action models.PendingAction) error {
	payload, err := marshalJSON(action)
	if err != nil {
		return fmt.Errorf("failed to encode pending action: %w", err)
	}
	_, err = c.db.ExecContext(ctx, c.q(`INSERT INTO user_state (user_id, pending_action, context_buffer, context, updated_at)
		VALUES (?, ?, '{}', '{}', ?)
		ON CONFLICT (user_id) DO UPDATE SET pending_action = excluded.pending_action, updated_at = excluded.updated_at`),
		userID, payload, time.Now().UTC())
	if err != nil {
		slog.Error(c.name+".SavePendingAction failed", "error", err, "userID", userID, "type", action.Type)
		return fmt.Errorf("failed to save pending action for %s: %w", userID, err)
	}
	slog.Debug(c.name+".SavePendingAction succeeded", "userID", userID, "type", action.Type)
	return nil
}

func (c *sqlCore) ClearPendingAction(ctx context.Context, userID string) error {
	_, err := c.db.ExecContext(ctx, c.q(`UPDATE user_state SET pending_action = NULL, updated_at = ? WHERE user_id = ?`),
		time.Now().UTC(), userID)
	if err != nil {
		slog.Error(c.name+".ClearPendingAction failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to clear pending action for %s: %w", userID, err)
	}
	slog.Debug(c.name+".ClearPendingAction succeeded", "userID", userID)
	return nil
}

func (c *sqlCore) UpdateContext(ctx context.Context, userID string, patch map[string]interface{}) error {
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		if err := c.ensureUser(ctx, tx, userID); err != nil {
			return err
		}
		var raw sql.NullString
		if err := tx.QueryRowContext(ctx, c.q(`SELECT context FROM user_state WHERE user_id = ?`), userID).Scan(&raw); err != nil {
			return err
		}
		prefs := map[string]interface{}{}
		if err := unmarshalJSON(raw, &prefs); err != nil {
			return err
		}
		if prefs == nil {
			prefs = map[string]interface{}{}
		}
		mergeContext(prefs, patch)
		encoded, err := marshalJSON(prefs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, c.q(`UPDATE user_state SET context = ?, updated_at = ? WHERE user_id = ?`),
			encoded, time.Now().UTC(), userID)
		return err
	})
	if err != nil {
		slog.Error(c.name+".UpdateContext failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to update context for %s: %w", userID, err)
	}
	slog.Debug(c.name+".UpdateContext succeeded", "userID", userID, "keys", len(patch))
	return nil
}

func (c *sqlCore) UpdateBuffer(ctx context.Context, userID string, buf models.ContextBuffer) error {
	encoded, err := marshalJSON(buf)
	if err != nil {
		return fmt.Errorf("failed to encode context buffer: %w", err)
	}
	_, err = c.db.ExecContext(ctx, c.q(`INSERT INTO user_state (user_id, context_buffer, context, updated_at)
		VALUES (?, ?, '{}', ?)
		ON CONFLICT (user_id) DO UPDATE SET context_buffer = excluded.context_buffer, updated_at = excluded.updated_at`),
		userID, encoded, time.Now().UTC())
	if err != nil {
		slog.Error(c.name+".UpdateBuffer failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to update context buffer for %s: %w", userID, err)
	}
	slog.Debug(c.name+".UpdateBuffer succeeded", "userID", userID, "recentFoods", len(buf.RecentFoods), "lastTopic", buf.LastTopic)
	return nil
}

func (c *sqlCore) AddFoodLogs(ctx context.Context, entries []models.FoodLogEntry) error {
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			nutrients, err := marshalJSON(e.Nutrients)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, c.q(`INSERT INTO food_logs (id, user_id, food_name, portion, nutrients, source, recipe_id, logged_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
				e.ID, e.UserID, e.FoodName, nilIfEmpty(e.Portion), nutrients, nilIfEmpty(e.Source), nilIfEmpty(e.RecipeID), e.LoggedAt.UTC())
			if err != nil {
				return fmt.Errorf("insert %q: %w", e.FoodName, err)
			}
		}
		return nil
	})
	if err != nil {
		slog.Error(c.name+".AddFoodLogs failed", "error", err, "count", len(entries))
		return fmt.Errorf("failed to add food logs: %w", err)
	}
	slog.Debug(c.name+".AddFoodLogs succeeded", "count", len(entries))
	return nil
}

func (c *sqlCore) ListFoodLogs(ctx context.Context, userID string, from, to time.Time) ([]models.FoodLogEntry, error) {
	rows, err := c.db.QueryContext(ctx, c.q(`SELECT id, user_id, food_name, portion, nutrients, source, recipe_id, logged_at
		FROM food_logs WHERE user_id = ? AND logged_at >= ? AND logged_at < ? ORDER BY logged_at, id`),
		userID, from.UTC(), to.UTC())
	if err != nil {
		slog.Error(c.name+".ListFoodLogs query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query food logs: %w", err)
	}
	defer rows.Close()

	var out []models.FoodLogEntry
	for rows.Next() {
		var e models.FoodLogEntry
		var portion, nutrients, source, recipeID sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.FoodName, &portion, &nutrients, &source, &recipeID, &e.LoggedAt); err != nil {
			return nil, fmt.Errorf("failed to scan food log row: %w", err)
		}
		e.Portion, e.Source, e.RecipeID = portion.String, source.String, recipeID.String
		if err := unmarshalJSON(nutrients, &e.Nutrients); err != nil {
			return nil, fmt.Errorf("failed to decode nutrients of %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate food log rows: %w", err)
	}
	slog.Debug(c.name+".ListFoodLogs succeeded", "userID", userID, "count", len(out))
	return out, nil
}

func (c *sqlCore) SaveRecipe(ctx context.Context, r models.Recipe) error {
	args, err := recipeArgs(r)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, c.q(`INSERT INTO recipes (id, user_id, name, servings, ingredients, nutrition_total, nutrition_per_serving, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.UserID, r.Name, r.Servings, args[0], args[1], args[2], r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	if err != nil {
		slog.Error(c.name+".SaveRecipe failed", "error", err, "userID", r.UserID, "name", r.Name)
		return fmt.Errorf("failed to save recipe %q: %w", r.Name, err)
	}
	slog.Debug(c.name+".SaveRecipe succeeded", "userID", r.UserID, "recipeID", r.ID)
	return nil
}

func (c *sqlCore) UpdateRecipe(ctx context.Context, r models.Recipe) error {
	args, err := recipeArgs(r)
	if err != nil {
		return err
	}
	res, err := c.db.ExecContext(ctx, c.q(`UPDATE recipes SET name = ?, servings = ?, ingredients = ?, nutrition_total = ?,
		nutrition_per_serving = ?, updated_at = ? WHERE id = ? AND user_id = ?`),
		r.Name, r.Servings, args[0], args[1], args[2], r.UpdatedAt.UTC(), r.ID, r.UserID)
	if err != nil {
		slog.Error(c.name+".UpdateRecipe failed", "error", err, "recipeID", r.ID)
		return fmt.Errorf("failed to update recipe %s: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	slog.Debug(c.name+".UpdateRecipe succeeded", "recipeID", r.ID)
	return nil
}

func recipeArgs(r models.Recipe) ([3]string, error) {
	var out [3]string
	for i, v := range []interface{}{r.Ingredients, r.NutritionTotal, r.NutritionPerServing} {
		s, err := marshalJSON(v)
		if err != nil {
			return out, fmt.Errorf("failed to encode recipe %q: %w", r.Name, err)
		}
		out[i] = s
	}
	return out, nil
}

const recipeColumns = `id, user_id, name, servings, ingredients, nutrition_total, nutrition_per_serving, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecipe(row rowScanner) (models.Recipe, error) {
	var r models.Recipe
	var ingredients, total, perServing sql.NullString
	if err := row.Scan(&r.ID, &r.UserID, &r.Name, &r.Servings, &ingredients, &total, &perServing, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return r, err
	}
	if err := unmarshalJSON(ingredients, &r.Ingredients); err != nil {
		return r, err
	}
	if err := unmarshalJSON(total, &r.NutritionTotal); err != nil {
		return r, err
	}
	if err := unmarshalJSON(perServing, &r.NutritionPerServing); err != nil {
		return r, err
	}
	return r, nil
}

func (c *sqlCore) GetRecipe(ctx context.Context, userID, recipeID string) (*models.Recipe, error) {
	row := c.db.QueryRowContext(ctx, c.q(`SELECT `+recipeColumns+` FROM recipes WHERE id = ? AND user_id = ?`), recipeID, userID)
	r, err := scanRecipe(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(c.name+".GetRecipe failed", "error", err, "recipeID", recipeID)
		return nil, fmt.Errorf("failed to get recipe %s: %w", recipeID, err)
	}
	return &r, nil
}

func (c *sqlCore) FindRecipesByName(ctx context.Context, userID, query string) ([]models.Recipe, error) {
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(query))) + "%"
	rows, err := c.db.QueryContext(ctx, c.q(`SELECT `+recipeColumns+` FROM recipes
		WHERE user_id = ? AND LOWER(name) LIKE ? ESCAPE '\' ORDER BY name, id`), userID, pattern)
	if err != nil {
		slog.Error(c.name+".FindRecipesByName query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to search recipes: %w", err)
	}
	defer rows.Close()
	var out []models.Recipe
	for rows.Next() {
		r, err := scanRecipe(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipe row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recipe rows: %w", err)
	}
	slog.Debug(c.name+".FindRecipesByName succeeded", "userID", userID, "query", query, "count", len(out))
	return out, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (c *sqlCore) UpsertGoal(ctx context.Context, g models.Goal) error {
	thresholds, err := marshalJSON(g.Thresholds)
	if err != nil {
		return fmt.Errorf("failed to encode goal thresholds: %w", err)
	}
	_, err = c.db.ExecContext(ctx, c.q(`INSERT INTO goals (user_id, nutrient, target, unit, goal_type, thresholds, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, nutrient) DO UPDATE SET target = excluded.target, unit = excluded.unit,
			goal_type = excluded.goal_type, thresholds = excluded.thresholds, updated_at = excluded.updated_at`),
		g.UserID, g.Nutrient, g.Target, nilIfEmpty(g.Unit), g.GoalType, thresholds, g.UpdatedAt.UTC())
	if err != nil {
		slog.Error(c.name+".UpsertGoal failed", "error", err, "userID", g.UserID, "nutrient", g.Nutrient)
		return fmt.Errorf("failed to upsert goal %s: %w", g.Nutrient, err)
	}
	slog.Debug(c.name+".UpsertGoal succeeded", "userID", g.UserID, "nutrient", g.Nutrient, "target", g.Target)
	return nil
}

func (c *sqlCore) ListGoals(ctx context.Context, userID string) ([]models.Goal, error) {
	rows, err := c.db.QueryContext(ctx, c.q(`SELECT user_id, nutrient, target, unit, goal_type, thresholds, updated_at
		FROM goals WHERE user_id = ? ORDER BY nutrient`), userID)
	if err != nil {
		slog.Error(c.name+".ListGoals query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query goals: %w", err)
	}
	defer rows.Close()
	var out []models.Goal
	for rows.Next() {
		var g models.Goal
		var unit, thresholds sql.NullString
		if err := rows.Scan(&g.UserID, &g.Nutrient, &g.Target, &unit, &g.GoalType, &thresholds, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan goal row: %w", err)
		}
		g.Unit = unit.String
		if err := unmarshalJSON(thresholds, &g.Thresholds); err != nil {
			return nil, fmt.Errorf("failed to decode goal thresholds: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate goal rows: %w", err)
	}
	return out, nil
}

func (c *sqlCore) AddExecutionRecord(ctx context.Context, rec models.ExecutionRecord) error {
	agents, err := marshalJSON(rec.AgentsInvolved)
	if err != nil {
		return fmt.Errorf("failed to encode agents: %w", err)
	}
	_, err = c.db.ExecContext(ctx, c.q(`INSERT INTO execution_records (id, user_id, session_id, path, agents_involved, started_at,
		duration_ms, status, response_type, raw_message, timezone) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.UserID, rec.SessionID, rec.Path, agents, rec.StartedAt.UTC(), rec.DurationMS,
		rec.Status, rec.ResponseType, rec.RawMessage, nilIfEmpty(rec.Timezone))
	if err != nil {
		slog.Error(c.name+".AddExecutionRecord failed", "error", err, "userID", rec.UserID)
		return fmt.Errorf("failed to add execution record: %w", err)
	}
	return nil
}

func (c *sqlCore) ListExecutionRecords(ctx context.Context, userID string, limit int) ([]models.ExecutionRecord, error) {
	query := `SELECT id, user_id, session_id, path, agents_involved, started_at, duration_ms, status, response_type, raw_message, timezone
		FROM execution_records WHERE user_id = ? ORDER BY started_at DESC, id DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.db.QueryContext(ctx, c.q(query), args...)
	if err != nil {
		slog.Error(c.name+".ListExecutionRecords query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query execution records: %w", err)
	}
	defer rows.Close()
	var out []models.ExecutionRecord
	for rows.Next() {
		var rec models.ExecutionRecord
		var agents, tz sql.NullString
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.SessionID, &rec.Path, &agents, &rec.StartedAt,
			&rec.DurationMS, &rec.Status, &rec.ResponseType, &rec.RawMessage, &tz); err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		rec.Timezone = tz.String
		if err := unmarshalJSON(agents, &rec.AgentsInvolved); err != nil {
			return nil, fmt.Errorf("failed to decode agents: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate execution records: %w", err)
	}
	return out, nil
}

func (c *sqlCore) RecordInbound(ctx context.Context, messageID, userID string) (bool, error) {
	res, err := c.db.ExecContext(ctx, c.q(`INSERT INTO inbound_dedup (message_id, user_id, received_at) VALUES (?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`), messageID, userID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (c *sqlCore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := c.db.ExecContext(ctx, c.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (c *sqlCore) Close() error {
	slog.Debug(c.name + ".Close: closing database connection")
	err := c.db.Close()
	if err != nil {
		slog.Error(c.name+".Close failed", "error", err)
	}
	return err
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
