// Package bootstrap seeds the entity store from one authoritative REST read.
// Seeding merges by identity, so running it before, after, or between
// realtime pushes never duplicates records.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingStore  = errors.New("bootstrap: store required")
	errMissingSource = errors.New("bootstrap: source required")
)

// Source is the subset of the REST client bootstrap reads from.
type Source interface {
	ListNotifications(ctx context.Context) ([]store.Notification, error)
	ListComments(ctx context.Context, recipeID int64) ([]store.Comment, error)
	RecipeStates(ctx context.Context, recipeIDs []int64) ([]store.SyncState, error)
}

// Config describes a Loader.
type Config struct {
	Store  *store.Store
	Source Source
	Logger *zap.Logger
}

// Loader performs bootstrap reads.
type Loader struct {
	store  *store.Store
	source Source
	logger *zap.Logger
}

// New constructs a Loader.
func New(cfg Config) (*Loader, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{store: cfg.Store, source: cfg.Source, logger: logger}, nil
}

// Notifications loads the signed-in user's feed.
func (l *Loader) Notifications(ctx context.Context) (int, error) {
	notifications, err := l.source.ListNotifications(ctx)
	if err != nil {
		return 0, fmt.Errorf("bootstrap notifications: %w", err)
	}
	if err := l.store.Notifications().UpsertMany(notifications); err != nil {
		return 0, fmt.Errorf("bootstrap notifications: %w", err)
	}
	l.logger.Debug("notifications bootstrapped", zap.Int("count", len(notifications)))
	return len(notifications), nil
}

// Comments loads a recipe's thread. Replies nested in the response are merged
// under their parents by identity; replies listed flat are attached the same way.
func (l *Loader) Comments(ctx context.Context, recipeID int64) (int, error) {
	comments, err := l.source.ListComments(ctx, recipeID)
	if err != nil {
		return 0, fmt.Errorf("bootstrap comments for recipe %d: %w", recipeID, err)
	}

	replies := 0
	for index := range comments {
		if comments[index].RecipeID == 0 {
			comments[index].RecipeID = recipeID
		}
		for reply := range comments[index].Replies {
			comments[index].Replies[reply].RecipeID = comments[index].RecipeID
		}
		replies += len(comments[index].Replies)
	}

	if err := l.store.Comments().UpsertMany(comments); err != nil {
		return 0, fmt.Errorf("bootstrap comments for recipe %d: %w", recipeID, err)
	}
	l.logger.Debug("comments bootstrapped",
		zap.Int64("recipe_id", recipeID),
		zap.Int("top_level", len(comments)),
		zap.Int("replies", replies))
	return len(comments), nil
}

// RecipeStates loads like/save state for recipeIDs.
func (l *Loader) RecipeStates(ctx context.Context, recipeIDs []int64) (int, error) {
	if len(recipeIDs) == 0 {
		return 0, nil
	}
	states, err := l.source.RecipeStates(ctx, recipeIDs)
	if err != nil {
		return 0, fmt.Errorf("bootstrap recipe states: %w", err)
	}
	if err := l.store.Recipes().Seed(states); err != nil {
		return 0, fmt.Errorf("bootstrap recipe states: %w", err)
	}
	return len(states), nil
}
