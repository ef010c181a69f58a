package tools

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/nutrient"
)

//go:embed foods.yaml
var foodsYAML []byte

// Nutrition sources recorded on looked-up items.
const (
	SourceLookup   = "lookup"
	SourceEstimate = "estimate"
	SourceRecipe   = "recipe"
)

// FoodEntry is one reference food with nutrients per unit.
type FoodEntry struct {
	Name         string             `yaml:"name"`
	Aliases      []string           `yaml:"aliases"`
	Unit         string             `yaml:"unit"`
	GramsPerUnit float64            `yaml:"grams_per_unit"`
	Nutrients    map[string]float64 `yaml:"nutrients"`
}

// FoodTable is an immutable reference table of common foods.
type FoodTable struct {
	byName map[string]FoodEntry
}

var defaultFoodTable = mustLoadFoodTable(foodsYAML)

// LoadFoodTable parses a YAML food table.
func LoadFoodTable(data []byte) (*FoodTable, error) {
	var doc struct {
		Foods []FoodEntry `yaml:"foods"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse food table: %w", err)
	}
	t := &FoodTable{byName: make(map[string]FoodEntry)}
	for _, f := range doc.Foods {
		f.Nutrients = nutrient.NormalizeMap(f.Nutrients)
		t.byName[strings.ToLower(f.Name)] = f
		for _, a := range f.Aliases {
			t.byName[strings.ToLower(a)] = f
		}
	}
	return t, nil
}

func mustLoadFoodTable(data []byte) *FoodTable {
	t, err := LoadFoodTable(data)
	if err != nil {
		panic(err)
	}
	return t
}

// DefaultFoodTable returns the embedded reference table.
func DefaultFoodTable() *FoodTable { return defaultFoodTable }

// Find looks a food up by name or alias, also trying naive singular forms.
func (t *FoodTable) Find(name string) (FoodEntry, bool) {
	n := strings.Join(strings.Fields(strings.ToLower(name)), " ")
	candidates := []string{n}
	if strings.HasSuffix(n, "es") {
		candidates = append(candidates, strings.TrimSuffix(n, "es"))
	}
	if strings.HasSuffix(n, "s") {
		candidates = append(candidates, strings.TrimSuffix(n, "s"))
	}
	for _, c := range candidates {
		if f, ok := t.byName[c]; ok {
			return f, true
		}
	}
	return FoodEntry{}, false
}

var (
	massPortion  = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(g|grams?|ml|millilit(?:er|re)s?)\b`)
	ouncePortion = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(oz|ounces?)\b`)
)

// Factor returns how many table units portion amounts to; unknown portions count as one unit.
func (f FoodEntry) Factor(portion string) float64 {
	p := strings.ToLower(strings.TrimSpace(portion))
	if f.GramsPerUnit > 0 {
		if m := massPortion.FindStringSubmatch(p); m != nil {
			grams, _ := strconv.ParseFloat(m[1], 64)
			return grams / f.GramsPerUnit
		}
		if m := ouncePortion.FindStringSubmatch(p); m != nil {
			oz, _ := strconv.ParseFloat(m[1], 64)
			return oz * 28.35 / f.GramsPerUnit
		}
	}
	if v, ok := models.ParseServings(p); ok {
		return v
	}
	return 1
}

// NutritionEstimator estimates nutrition for foods missing from the reference table.
type NutritionEstimator interface {
	Estimate(ctx context.Context, food, portion string) (models.NutritionItem, error)
}

// Lookup resolves nutrition from the reference table first and the estimator second.
type Lookup struct {
	table     *FoodTable
	estimator NutritionEstimator
}

// NewLookup creates a Lookup. A nil table uses the embedded one; a nil estimator disables estimation.
func NewLookup(table *FoodTable, estimator NutritionEstimator) *Lookup {
	if table == nil {
		table = defaultFoodTable
	}
	return &Lookup{table: table, estimator: estimator}
}

// Lookup returns a nutrition row for food at portion.
func (l *Lookup) Lookup(ctx context.Context, food, portion string) (models.NutritionItem, error) {
	food = strings.TrimSpace(food)
	if food == "" {
		return models.NutritionItem{}, invalidArgs("food name is required")
	}
	if entry, ok := l.table.Find(food); ok {
		if portion == "" {
			portion = entry.Unit
		}
		item := models.NutritionItem{
			FoodName:  food,
			Portion:   portion,
			Nutrients: nutrient.Scale(entry.Nutrients, entry.Factor(portion)),
			Source:    SourceLookup,
		}
		slog.Debug("Lookup.Lookup: reference table hit", "food", food, "portion", portion)
		return item, nil
	}
	if l.estimator == nil {
		return models.NutritionItem{}, notFound("no nutrition data for %q", food)
	}
	slog.Debug("Lookup.Lookup: estimating", "food", food, "portion", portion)
	item, err := l.estimator.Estimate(ctx, food, portion)
	if err != nil {
		return models.NutritionItem{}, upstream(fmt.Errorf("nutrition estimate for %q failed: %w", food, err))
	}
	item.FoodName = food
	if item.Portion == "" {
		item.Portion = portion
	}
	item.Source = SourceEstimate
	item.Nutrients = nutrient.NormalizeMap(item.Nutrients)
	return item, nil
}
