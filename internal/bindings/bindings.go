// Package bindings ties UI features to the realtime core: each binding seeds
// the store on mount, keeps exactly one subscription for the topic it needs,
// and mirrors user actions to the backend with optimistic local updates.
package bindings

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/realtime"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/store"
)

var (
	// ErrNotMounted indicates an action on a binding that has no active topic.
	ErrNotMounted = errors.New("bindings: not mounted")
	// ErrUnknownNotification indicates an action on a notification absent from the feed.
	ErrUnknownNotification = errors.New("bindings: unknown notification")
	// ErrMissingDependency indicates a binding built without a required collaborator.
	ErrMissingDependency = errors.New("bindings: missing dependency")
)

// Subscriber registers topic handlers. *realtime.Manager satisfies it.
type Subscriber interface {
	Subscribe(topic string, handler realtime.Handler) (*realtime.Subscription, error)
}

// CommentsLoader seeds a recipe's thread.
type CommentsLoader interface {
	Comments(ctx context.Context, recipeID int64) (int, error)
}

// NotificationsLoader seeds the notification feed.
type NotificationsLoader interface {
	Notifications(ctx context.Context) (int, error)
}

// RecipeStatesLoader seeds shared like/save state.
type RecipeStatesLoader interface {
	RecipeStates(ctx context.Context, recipeIDs []int64) (int, error)
}

// CommentsAPI writes comments.
type CommentsAPI interface {
	CreateComment(ctx context.Context, recipeID int64, content string, parentID *int64) (store.Comment, error)
	DeleteComment(ctx context.Context, recipeID, commentID int64) error
}

// NotificationsAPI mirrors feed actions to the backend.
type NotificationsAPI interface {
	MarkNotificationRead(ctx context.Context, id int64) error
	MarkAllNotificationsSeen(ctx context.Context) error
	DeleteNotification(ctx context.Context, id int64) error
	ClearNotifications(ctx context.Context) error
}

// RecipesAPI toggles likes and saves.
type RecipesAPI interface {
	SetLike(ctx context.Context, recipeID int64, liked bool) (store.SyncState, error)
	SetSave(ctx context.Context, recipeID int64, saved bool) (store.SyncState, error)
}
