package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/nutrient"
	"github.com/BTreeMap/NutriPipe/internal/store"
)

type locationKey struct{}

// ContextWithLocation attaches the user's time zone to ctx for date-relative tools.
func ContextWithLocation(ctx context.Context, loc *time.Location) context.Context {
	if loc == nil {
		return ctx
	}
	return context.WithValue(ctx, locationKey{}, loc)
}

// LocationFromContext returns the attached time zone, or UTC.
func LocationFromContext(ctx context.Context) *time.Location {
	if loc, ok := ctx.Value(locationKey{}).(*time.Location); ok && loc != nil {
		return loc
	}
	return time.UTC
}

// DayBounds returns [start, end) of the local day containing t.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// BuildDailySummary totals the user's logs for the local day containing day
// and compares them with the user's goals.
func BuildDailySummary(ctx context.Context, s store.NutritionStore, userID string, day time.Time, loc *time.Location) (models.DailySummary, error) {
	if loc == nil {
		loc = time.UTC
	}
	from, to := DayBounds(day, loc)
	entries, err := s.ListFoodLogs(ctx, userID, from, to)
	if err != nil {
		return models.DailySummary{}, fmt.Errorf("failed to list food logs: %w", err)
	}
	goals, err := s.ListGoals(ctx, userID)
	if err != nil {
		return models.DailySummary{}, fmt.Errorf("failed to list goals: %w", err)
	}

	parts := make([]map[string]float64, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.Nutrients)
	}
	totals := nutrient.Sum(parts...)

	reg := nutrient.Default()
	progress := make([]models.GoalProgress, 0, len(goals))
	for _, g := range goals {
		key := nutrient.Resolve(g.Nutrient)
		unit := g.Unit
		if unit == "" {
			unit = reg.Unit(key)
		}
		progress = append(progress, models.GoalProgress{
			Nutrient: key,
			Name:     reg.DisplayName(key),
			Unit:     unit,
			Target:   g.Target,
			Logged:   totals[key],
			GoalType: g.GoalType,

			Thresholds: g.Thresholds,
		})
	}
	return models.DailySummary{
		Date:    from.Format("2006-01-02"),
		Entries: len(entries),
		Totals:  totals,
		Goals:   progress,
	}, nil
}
