package store

import (
	"fmt"
	"sync"
)

// RecipeStates keeps one SyncState per recipe id so independent cards agree.
// A recipe with an action in flight is marked pending; bulk seeding skips it so
// a stale batch read cannot overwrite an optimistic value.
type RecipeStates struct {
	mu      sync.RWMutex
	states  map[int64]SyncState
	pending map[int64]struct{}
	hub     *observerHub
}

func newRecipeStates(hub *observerHub) *RecipeStates {
	return &RecipeStates{
		states:  make(map[int64]SyncState),
		pending: make(map[int64]struct{}),
		hub:     hub,
	}
}

// Seed merges a batch of states, skipping recipes with an action pending.
func (r *RecipeStates) Seed(states []SyncState) error {
	for _, state := range states {
		if state.RecipeID <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidRecipeID, state.RecipeID)
		}
	}
	changes := make([]Change, 0, len(states))
	r.mu.Lock()
	for _, state := range states {
		if _, busy := r.pending[state.RecipeID]; busy {
			continue
		}
		if current, ok := r.states[state.RecipeID]; ok && current == state {
			continue
		}
		r.states[state.RecipeID] = state
		changes = append(changes, Change{Key: RecipeKey(state.RecipeID), Kind: ChangeUpsert, ID: state.RecipeID})
	}
	r.mu.Unlock()
	r.hub.notify(changes...)
	return nil
}

// Set replaces the state of one recipe.
func (r *RecipeStates) Set(state SyncState) error {
	if state.RecipeID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRecipeID, state.RecipeID)
	}
	r.mu.Lock()
	r.states[state.RecipeID] = state
	r.mu.Unlock()
	r.hub.notify(Change{Key: RecipeKey(state.RecipeID), Kind: ChangeUpsert, ID: state.RecipeID})
	return nil
}

// Get returns the recipe's state. An unknown recipe yields a zero state and false.
func (r *RecipeStates) Get(recipeID int64) (SyncState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[recipeID]
	if !ok {
		return SyncState{RecipeID: recipeID}, false
	}
	return state, true
}

// Pending reports whether an action for the recipe is in flight.
func (r *RecipeStates) Pending(recipeID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, busy := r.pending[recipeID]
	return busy
}

// Begin marks the recipe pending, applies mutate, and returns the state before and after.
// It fails with ErrActionPending while another action for the recipe is in flight.
func (r *RecipeStates) Begin(recipeID int64, mutate func(SyncState) SyncState) (SyncState, SyncState, error) {
	if recipeID <= 0 {
		return SyncState{}, SyncState{}, fmt.Errorf("%w: %d", ErrInvalidRecipeID, recipeID)
	}
	r.mu.Lock()
	if _, busy := r.pending[recipeID]; busy {
		r.mu.Unlock()
		return SyncState{}, SyncState{}, fmt.Errorf("%w: recipe %d", ErrActionPending, recipeID)
	}
	previous, ok := r.states[recipeID]
	if !ok {
		previous = SyncState{RecipeID: recipeID}
	}
	next := mutate(previous)
	next.RecipeID = recipeID
	r.states[recipeID] = next
	r.pending[recipeID] = struct{}{}
	r.mu.Unlock()
	r.hub.notify(Change{Key: RecipeKey(recipeID), Kind: ChangeUpsert, ID: recipeID})
	return previous, next, nil
}

// Finish clears the pending mark and stores the settled state.
func (r *RecipeStates) Finish(state SyncState) {
	r.mu.Lock()
	delete(r.pending, state.RecipeID)
	r.states[state.RecipeID] = state
	r.mu.Unlock()
	r.hub.notify(Change{Key: RecipeKey(state.RecipeID), Kind: ChangeUpsert, ID: state.RecipeID})
}

// Len returns the number of recipes with a known state.
func (r *RecipeStates) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

func (r *RecipeStates) reset() {
	r.mu.Lock()
	r.states = make(map[int64]SyncState)
	r.pending = make(map[int64]struct{})
	r.mu.Unlock()
}
