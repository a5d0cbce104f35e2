package store

import (
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultOrphanTTL bounds how long a reply waits for its parent before it is dropped.
	DefaultOrphanTTL = 30 * time.Second
	// DefaultTombstoneTTL bounds how long a deleted id is remembered.
	DefaultTombstoneTTL = 5 * time.Minute
)

// Config describes the dependencies of a Store.
type Config struct {
	Clock        func() time.Time
	OrphanTTL    time.Duration
	TombstoneTTL time.Duration
	Logger       *zap.Logger
}

// Store is the in-memory entity store of one session. Each collection serializes
// its own mutations; observers are shared.
type Store struct {
	hub           *observerHub
	notifications *Notifications
	comments      *Comments
	recipes       *RecipeStates
}

// New constructs an empty Store.
func New(cfg Config) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	orphanTTL := cfg.OrphanTTL
	if orphanTTL <= 0 {
		orphanTTL = DefaultOrphanTTL
	}
	tombstoneTTL := cfg.TombstoneTTL
	if tombstoneTTL <= 0 {
		tombstoneTTL = DefaultTombstoneTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	hub := newObserverHub()
	return &Store{
		hub:           hub,
		notifications: newNotifications(hub, clock, tombstoneTTL),
		comments:      newComments(hub, clock, orphanTTL, tombstoneTTL, logger),
		recipes:       newRecipeStates(hub),
	}
}

// Notifications returns the notification feed collection.
func (s *Store) Notifications() *Notifications {
	return s.notifications
}

// Comments returns the per-recipe comment thread collection.
func (s *Store) Comments() *Comments {
	return s.comments
}

// Recipes returns the shared per-recipe like/save state.
func (s *Store) Recipes() *RecipeStates {
	return s.recipes
}

// OnChange registers callback for mutations under key and returns its cancel function.
// Callbacks run synchronously after the mutation, outside the collection lock.
func (s *Store) OnChange(key string, callback ChangeCallback) func() {
	return s.hub.subscribe(key, callback)
}

// Prune drops held replies past the orphan TTL and forgets tombstones past
// the tombstone TTL.
func (s *Store) Prune(now time.Time) {
	s.comments.PruneOrphans(now)
	s.comments.PruneTombstones(now)
	s.notifications.PruneTombstones(now)
}

// Reset drops every entity, every tombstone and every observer.
func (s *Store) Reset() {
	s.notifications.reset()
	s.comments.reset()
	s.recipes.reset()
	s.hub.reset()
}
