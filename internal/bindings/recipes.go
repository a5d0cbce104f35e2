package bindings

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/store"
	"go.uber.org/zap"
)

// RecipeCardsConfig describes RecipeCards.
type RecipeCardsConfig struct {
	Store  *store.Store
	Loader RecipeStatesLoader
	API    RecipesAPI
	Logger *zap.Logger
}

// RecipeCards shares like/save state between every card showing the same recipe.
type RecipeCards struct {
	store  *store.Store
	loader RecipeStatesLoader
	api    RecipesAPI
	logger *zap.Logger
}

// NewRecipeCards constructs RecipeCards.
func NewRecipeCards(cfg RecipeCardsConfig) (*RecipeCards, error) {
	if cfg.Store == nil || cfg.Loader == nil || cfg.API == nil {
		return nil, fmt.Errorf("%w: recipe cards require store, loader and api", ErrMissingDependency)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecipeCards{store: cfg.Store, loader: cfg.Loader, api: cfg.API, logger: logger}, nil
}

// Seed loads the state of a rendered list of recipes in one batch.
func (r *RecipeCards) Seed(ctx context.Context, recipeIDs []int64) error {
	_, err := r.loader.RecipeStates(ctx, recipeIDs)
	return err
}

// State returns the shared state of a recipe.
func (r *RecipeCards) State(recipeID int64) store.SyncState {
	state, _ := r.store.Recipes().Get(recipeID)
	return state
}

// Pending reports whether a toggle for the recipe is in flight.
func (r *RecipeCards) Pending(recipeID int64) bool {
	return r.store.Recipes().Pending(recipeID)
}

// OnChange registers callback for changes to one recipe's state.
func (r *RecipeCards) OnChange(recipeID int64, callback func(store.Change)) func() {
	return r.store.OnChange(store.RecipeKey(recipeID), callback)
}

// ToggleLike flips the like state optimistically and settles on the server's answer.
func (r *RecipeCards) ToggleLike(ctx context.Context, recipeID int64) (store.SyncState, error) {
	return r.toggle(ctx, recipeID, "like", func(state store.SyncState) store.SyncState {
		state.Liked = !state.Liked
		if state.Liked {
			state.LikeCount++
		} else if state.LikeCount > 0 {
			state.LikeCount--
		}
		return state
	}, func(ctx context.Context, next store.SyncState) (store.SyncState, error) {
		return r.api.SetLike(ctx, recipeID, next.Liked)
	})
}

// ToggleSave flips the saved state optimistically and settles on the server's answer.
func (r *RecipeCards) ToggleSave(ctx context.Context, recipeID int64) (store.SyncState, error) {
	return r.toggle(ctx, recipeID, "save", func(state store.SyncState) store.SyncState {
		state.Saved = !state.Saved
		return state
	}, func(ctx context.Context, next store.SyncState) (store.SyncState, error) {
		return r.api.SetSave(ctx, recipeID, next.Saved)
	})
}

func (r *RecipeCards) toggle(
	ctx context.Context,
	recipeID int64,
	action string,
	mutate func(store.SyncState) store.SyncState,
	call func(context.Context, store.SyncState) (store.SyncState, error),
) (store.SyncState, error) {
	previous, next, err := r.store.Recipes().Begin(recipeID, mutate)
	if err != nil {
		return r.State(recipeID), err
	}
	settled, err := call(ctx, next)
	if err != nil {
		r.store.Recipes().Finish(previous)
		r.logger.Warn("reverted recipe toggle",
			zap.String("action", action),
			zap.Int64("recipe_id", recipeID),
			zap.Error(err))
		return previous, err
	}
	settled.RecipeID = recipeID
	r.store.Recipes().Finish(settled)
	return settled, nil
}
