// Package recipes finds saved recipes by name and saves parsed recipes with
// duplicate handling.
package recipes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/NutriPipe/internal/models"
	"github.com/BTreeMap/NutriPipe/internal/nutrient"
	"github.com/BTreeMap/NutriPipe/internal/store"
)

// FindKind tags the outcome of Find.
type FindKind string

const (
	FindFound         FindKind = "found"
	FindMultipleFound FindKind = "multiple_found"
	FindNotFound      FindKind = "not_found"
)

// FindResult is the outcome of a recipe search.
type FindResult struct {
	Kind    FindKind
	Recipe  *models.Recipe  // set when Kind is FindFound
	Recipes []models.Recipe // set when Kind is FindMultipleFound
}

// SaveKind tags the outcome of Save.
type SaveKind string

const (
	SaveError   SaveKind = "error"
	SaveUpdated SaveKind = "updated"
	SaveFound   SaveKind = "found"
	SaveSaved   SaveKind = "saved"
)

// SaveResult is the outcome of a save request.
type SaveResult struct {
	Kind     SaveKind
	Recipe   *models.Recipe
	SkipSave bool   // the recipe already existed and should only be logged
	Portion  string // portion to log, when one was requested
	Message  string // failure detail for SaveError
}

// Finder implements recipe lookup and duplicate-aware saving over a store.
type Finder struct {
	store store.NutritionStore
	now   func() time.Time
	newID func() string
}

// NewFinder creates a Finder backed by s.
func NewFinder(s store.NutritionStore) *Finder {
	return &Finder{store: s, now: time.Now, newID: uuid.NewString}
}

// Find searches the user's recipes by name. An exact case-insensitive name
// match wins over partial matches.
func (f *Finder) Find(ctx context.Context, userID, name string) (FindResult, error) {
	query := strings.TrimSpace(name)
	if query == "" {
		return FindResult{Kind: FindNotFound}, nil
	}
	matches, err := f.store.FindRecipesByName(ctx, userID, query)
	if err != nil {
		return FindResult{}, fmt.Errorf("recipe search failed: %w", err)
	}
	for i := range matches {
		if strings.EqualFold(matches[i].Name, query) {
			r := matches[i]
			slog.Debug("Finder.Find: exact match", "userID", userID, "query", query, "recipeID", r.ID)
			return FindResult{Kind: FindFound, Recipe: &r}, nil
		}
	}
	switch len(matches) {
	case 0:
		slog.Debug("Finder.Find: no match", "userID", userID, "query", query)
		return FindResult{Kind: FindNotFound}, nil
	case 1:
		return FindResult{Kind: FindFound, Recipe: &matches[0]}, nil
	default:
		slog.Debug("Finder.Find: multiple matches", "userID", userID, "query", query, "count", len(matches))
		return FindResult{Kind: FindMultipleFound, Recipes: matches}, nil
	}
}

// FindExact returns the user's recipe whose name equals name case-insensitively, or nil.
func (f *Finder) FindExact(ctx context.Context, userID, name string) (*models.Recipe, error) {
	res, err := f.Find(ctx, userID, name)
	if err != nil {
		return nil, err
	}
	if res.Kind == FindFound && strings.EqualFold(res.Recipe.Name, strings.TrimSpace(name)) {
		return res.Recipe, nil
	}
	return nil, nil
}

// Save applies a recipe save flow. Choices:
//   - "log": log the existing duplicate without saving (SaveFound, SkipSave);
//     without a duplicate the recipe is saved first and then treated the same way.
//   - "update": overwrite the existing duplicate (SaveUpdated).
//   - "new" or no choice: save as a new recipe, renaming on a name clash (SaveSaved).
//
// Validation problems are reported as SaveError results, store failures as errors.
func (f *Finder) Save(ctx context.Context, userID string, flow models.RecipeSaveFlow) (SaveResult, error) {
	recipe := flow.Recipe
	if name := strings.TrimSpace(flow.Name); name != "" {
		recipe.Name = name
	}
	recipe.Name = strings.TrimSpace(recipe.Name)
	if recipe.Name == "" {
		return SaveResult{Kind: SaveError, Message: "the recipe needs a name"}, nil
	}
	if len(recipe.Ingredients) == 0 && len(recipe.NutritionTotal) == 0 && len(recipe.NutritionPerServing) == 0 {
		return SaveResult{Kind: SaveError, Message: fmt.Sprintf("recipe %q has no ingredients or nutrition", recipe.Name)}, nil
	}

	choice := strings.ToLower(strings.TrimSpace(flow.Choice))
	slog.Debug("Finder.Save: applying", "userID", userID, "name", recipe.Name, "choice", choice, "duplicate", flow.Duplicate)

	switch choice {
	case models.ChoiceLog:
		if flow.ExistingRecipeID != "" {
			existing, err := f.store.GetRecipe(ctx, userID, flow.ExistingRecipeID)
			if err != nil {
				return SaveResult{}, err
			}
			if existing == nil {
				return SaveResult{Kind: SaveError, Message: "the saved recipe no longer exists"}, nil
			}
			return SaveResult{Kind: SaveFound, Recipe: existing, SkipSave: true, Portion: flow.Portion}, nil
		}
		saved, err := f.insert(ctx, userID, recipe)
		if err != nil {
			return SaveResult{}, err
		}
		return SaveResult{Kind: SaveFound, Recipe: saved, SkipSave: true, Portion: flow.Portion}, nil

	case models.ChoiceUpdate:
		if flow.ExistingRecipeID == "" {
			return SaveResult{Kind: SaveError, Message: fmt.Sprintf("there is no saved recipe named %q to update", recipe.Name)}, nil
		}
		existing, err := f.store.GetRecipe(ctx, userID, flow.ExistingRecipeID)
		if err != nil {
			return SaveResult{}, err
		}
		if existing == nil {
			return SaveResult{Kind: SaveError, Message: "the saved recipe no longer exists"}, nil
		}
		updated := build(userID, recipe)
		updated.ID = existing.ID
		updated.CreatedAt = existing.CreatedAt
		updated.UpdatedAt = f.now().UTC()
		if err := f.store.UpdateRecipe(ctx, updated); err != nil {
			return SaveResult{}, fmt.Errorf("failed to update recipe: %w", err)
		}
		slog.Info("Finder.Save: recipe updated", "userID", userID, "recipeID", updated.ID)
		return SaveResult{Kind: SaveUpdated, Recipe: &updated, Portion: flow.Portion}, nil

	case models.ChoiceNew, "":
		saved, err := f.insert(ctx, userID, recipe)
		if err != nil {
			return SaveResult{}, err
		}
		return SaveResult{Kind: SaveSaved, Recipe: saved, Portion: flow.Portion}, nil

	default:
		return SaveResult{Kind: SaveError, Message: fmt.Sprintf("unknown choice %q, expected log, update or new", flow.Choice)}, nil
	}
}

// insert saves recipe under a fresh id, suffixing the name when it clashes.
func (f *Finder) insert(ctx context.Context, userID string, recipe models.ParsedRecipe) (*models.Recipe, error) {
	name, err := f.uniqueName(ctx, userID, recipe.Name)
	if err != nil {
		return nil, err
	}
	recipe.Name = name
	r := build(userID, recipe)
	r.ID = f.newID()
	r.CreatedAt = f.now().UTC()
	r.UpdatedAt = r.CreatedAt
	if err := f.store.SaveRecipe(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to save recipe: %w", err)
	}
	slog.Info("Finder.Save: recipe saved", "userID", userID, "recipeID", r.ID, "name", r.Name)
	return &r, nil
}

func (f *Finder) uniqueName(ctx context.Context, userID, name string) (string, error) {
	existing, err := f.store.FindRecipesByName(ctx, userID, name)
	if err != nil {
		return "", fmt.Errorf("recipe search failed: %w", err)
	}
	taken := make(map[string]bool, len(existing))
	for _, r := range existing {
		taken[strings.ToLower(r.Name)] = true
	}
	if !taken[strings.ToLower(name)] {
		return name, nil
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s (%d)", name, i)
		if !taken[strings.ToLower(candidate)] {
			return candidate, nil
		}
	}
}

// build converts a parsed recipe into a stored recipe, filling whichever of
// total and per-serving nutrition is missing.
func build(userID string, p models.ParsedRecipe) models.Recipe {
	servings := p.Servings
	if servings <= 0 {
		servings = 1
	}
	total := nutrient.NormalizeMap(p.NutritionTotal)
	perServing := nutrient.NormalizeMap(p.NutritionPerServing)
	if len(total) == 0 && len(p.Ingredients) > 0 {
		var parts []map[string]float64
		for _, ing := range p.Ingredients {
			parts = append(parts, nutrient.NormalizeMap(ing.Nutrients))
		}
		total = nutrient.Sum(parts...)
	}
	if len(perServing) == 0 {
		perServing = nutrient.Scale(total, 1/servings)
	}
	if len(total) == 0 {
		total = nutrient.Scale(perServing, servings)
	}
	return models.Recipe{
		UserID:              userID,
		Name:                p.Name,
		Servings:            servings,
		Ingredients:         p.Ingredients,
		NutritionTotal:      total,
		NutritionPerServing: perServing,
	}
}

// Complete fills whichever of total and per-serving nutrition is missing from p
// and defaults servings to one.
func Complete(p models.ParsedRecipe) models.ParsedRecipe {
	r := build("", p)
	p.Servings = r.Servings
	p.NutritionTotal = r.NutritionTotal
	p.NutritionPerServing = r.NutritionPerServing
	return p
}

// PerServingFlow builds the duplicate-confirmation flow state for a saved recipe,
// with nutrition scaled to one serving.
func PerServingFlow(r models.Recipe, portion string) models.RecipeSaveFlow {
	per := r.NutritionPerServing
	if len(per) == 0 && r.Servings > 0 {
		per = nutrient.Scale(r.NutritionTotal, 1/r.Servings)
	}
	return models.RecipeSaveFlow{
		Recipe: models.ParsedRecipe{
			Name:                r.Name,
			Servings:            1,
			Ingredients:         r.Ingredients,
			NutritionTotal:      per,
			NutritionPerServing: per,
		},
		Duplicate:        true,
		ExistingRecipeID: r.ID,
		DefaultChoice:    models.ChoiceLog,
		Portion:          portion,
	}
}
