package bindings

import (
	"context"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/realtime"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/store"
	"go.uber.org/zap"
)

// CommentThreadConfig describes a CommentThread.
type CommentThreadConfig struct {
	Store      *store.Store
	Loader     CommentsLoader
	Subscriber Subscriber
	Handler    realtime.Handler
	API        CommentsAPI
	// EvictOnSwitch drops the previous recipe's thread from the store when the
	// binding moves to another recipe. By default the thread is kept for reuse.
	EvictOnSwitch bool
	Logger        *zap.Logger
}

// CommentThread follows the comment thread of one recipe at a time.
type CommentThread struct {
	store         *store.Store
	loader        CommentsLoader
	subscriber    Subscriber
	handler       realtime.Handler
	api           CommentsAPI
	evictOnSwitch bool
	logger        *zap.Logger

	mu           sync.Mutex
	recipeID     int64
	subscription *realtime.Subscription
	cancelStore  func()

	// forward runs on the dispatch goroutine and must never take mu.
	listenersMu sync.Mutex
	listeners   map[int64]func(store.Change)
	nextID      int64
}

// NewCommentThread constructs an unmounted CommentThread.
func NewCommentThread(cfg CommentThreadConfig) (*CommentThread, error) {
	if cfg.Store == nil || cfg.Loader == nil || cfg.Subscriber == nil || cfg.Handler == nil || cfg.API == nil {
		return nil, fmt.Errorf("%w: comment thread requires store, loader, subscriber, handler and api", ErrMissingDependency)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommentThread{
		store:         cfg.Store,
		loader:        cfg.Loader,
		subscriber:    cfg.Subscriber,
		handler:       cfg.Handler,
		api:           cfg.API,
		evictOnSwitch: cfg.EvictOnSwitch,
		logger:        logger,
		listeners:     make(map[int64]func(store.Change)),
	}, nil
}

// Mount bootstraps recipeID's thread and subscribes to its topic. Mounting the
// recipe already mounted is a no-op; mounting another recipe switches to it.
// When the bootstrap read fails nothing is subscribed and the previous mount
// is left in place.
func (t *CommentThread) Mount(ctx context.Context, recipeID int64) error {
	if recipeID <= 0 {
		return fmt.Errorf("%w: %d", store.ErrInvalidRecipeID, recipeID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recipeID == recipeID && t.subscription != nil {
		return nil
	}

	if _, err := t.loader.Comments(ctx, recipeID); err != nil {
		return err
	}
	subscription, err := t.subscriber.Subscribe(realtime.CommentsTopic(recipeID), t.handler)
	if err != nil {
		return err
	}

	previous := t.recipeID
	t.releaseLocked()
	if previous != 0 && previous != recipeID && t.evictOnSwitch {
		t.store.Comments().Evict(previous)
	}
	t.recipeID = recipeID
	t.subscription = subscription
	t.cancelStore = t.store.OnChange(store.CommentsKey(recipeID), t.forward)
	t.logger.Debug("comment thread mounted",
		zap.Int64("recipe_id", recipeID),
		zap.Int64("previous_recipe_id", previous))
	return nil
}

// SetRecipe switches the binding to recipeID.
func (t *CommentThread) SetRecipe(ctx context.Context, recipeID int64) error {
	return t.Mount(ctx, recipeID)
}

// Unmount releases the subscription. No message for the old topic reaches the
// router through this binding once Unmount returns.
func (t *CommentThread) Unmount() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked()
	t.recipeID = 0
}

func (t *CommentThread) releaseLocked() {
	if t.subscription != nil {
		t.subscription.Unsubscribe()
		t.subscription = nil
	}
	if t.cancelStore != nil {
		t.cancelStore()
		t.cancelStore = nil
	}
}

// RecipeID returns the mounted recipe, or zero.
func (t *CommentThread) RecipeID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recipeID
}

// Comments returns the mounted thread, newest top-level comment first.
func (t *CommentThread) Comments() []store.Comment {
	recipeID := t.RecipeID()
	if recipeID == 0 {
		return nil
	}
	return t.store.Comments().List(recipeID)
}

// Submit posts a comment, or a reply when parentID is set, and merges the
// created record once the backend accepts it. A realtime echo of the same
// comment merges by identity.
func (t *CommentThread) Submit(ctx context.Context, content string, parentID *int64) (store.Comment, error) {
	recipeID := t.RecipeID()
	if recipeID == 0 {
		return store.Comment{}, ErrNotMounted
	}
	created, err := t.api.CreateComment(ctx, recipeID, content, parentID)
	if err != nil {
		return store.Comment{}, err
	}
	if created.RecipeID == 0 {
		created.RecipeID = recipeID
	}
	if err := t.store.Comments().Upsert(created); err != nil {
		return created, err
	}
	return created, nil
}

// Delete removes a comment on the backend, then locally.
func (t *CommentThread) Delete(ctx context.Context, commentID int64) error {
	recipeID := t.RecipeID()
	if recipeID == 0 {
		return ErrNotMounted
	}
	if err := t.api.DeleteComment(ctx, recipeID, commentID); err != nil {
		return err
	}
	t.store.Comments().Remove(recipeID, commentID)
	return nil
}

// OnChange registers callback for changes to the mounted thread. It follows
// the binding across recipe switches.
func (t *CommentThread) OnChange(callback func(store.Change)) func() {
	if callback == nil {
		return func() {}
	}
	t.listenersMu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = callback
	t.listenersMu.Unlock()
	return func() {
		t.listenersMu.Lock()
		delete(t.listeners, id)
		t.listenersMu.Unlock()
	}
}

func (t *CommentThread) forward(change store.Change) {
	t.listenersMu.Lock()
	listeners := make([]func(store.Change), 0, len(t.listeners))
	for _, listener := range t.listeners {
		listeners = append(listeners, listener)
	}
	t.listenersMu.Unlock()
	for _, listener := range listeners {
		listener(change)
	}
}
