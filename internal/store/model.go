package store

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidNotification indicates a notification without a usable identifier.
	ErrInvalidNotification = errors.New("store: invalid notification")
	// ErrInvalidComment indicates a comment without a usable identifier or owning recipe.
	ErrInvalidComment = errors.New("store: invalid comment")
	// ErrNestedReply indicates a reply whose declared parent is itself a reply.
	ErrNestedReply = errors.New("store: replies cannot be nested")
	// ErrInvalidRecipeID indicates a non-positive recipe identifier.
	ErrInvalidRecipeID = errors.New("store: invalid recipe id")
	// ErrActionPending indicates a toggle for the same recipe is already in flight.
	ErrActionPending = errors.New("store: action already pending")
)

const (
	// NotificationsKey is the observer key for the notification feed.
	NotificationsKey = "notifications"
)

// CommentsKey returns the observer key for a recipe's comment thread.
func CommentsKey(recipeID int64) string {
	return fmt.Sprintf("comments/%d", recipeID)
}

// RecipeKey returns the observer key for a recipe's shared like/save state.
func RecipeKey(recipeID int64) string {
	return fmt.Sprintf("recipes/%d", recipeID)
}

// EntityRef points at the entity a notification is about.
type EntityRef struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

// Notification is a single entry of the signed-in user's notification feed.
type Notification struct {
	ID        int64      `json:"notifId"`
	SenderID  string     `json:"senderId"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"createdAt"`
	Read      bool       `json:"read"`
	Seen      bool       `json:"seen"`
	Related   *EntityRef `json:"related,omitempty"`
	Deleted   bool       `json:"deleted,omitempty"`
}

// Comment is a recipe comment. Top-level comments carry their replies; replies never do.
type Comment struct {
	ID        int64     `json:"idComment"`
	AuthorID  string    `json:"authorId"`
	RecipeID  int64     `json:"recipeId"`
	ParentID  *int64    `json:"parentId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Deleted   bool      `json:"deleted,omitempty"`
	Replies   []Comment `json:"replies,omitempty"`
}

// IsReply reports whether the comment declares a parent.
func (c Comment) IsReply() bool {
	return c.ParentID != nil
}

// SyncState is the like/save state shared by every card rendering the same recipe.
type SyncState struct {
	RecipeID  int64 `json:"recipeId"`
	Liked     bool  `json:"liked"`
	LikeCount int   `json:"likeCount"`
	Saved     bool  `json:"saved"`
}

// ChangeKind enumerates store mutations reported to observers.
type ChangeKind string

const (
	ChangeUpsert ChangeKind = "upsert"
	ChangeRemove ChangeKind = "remove"
	ChangeReset  ChangeKind = "reset"
)

// Change describes one store mutation.
type Change struct {
	Key  string
	Kind ChangeKind
	ID   int64
}

func cloneComment(comment Comment) Comment {
	copied := comment
	if comment.ParentID != nil {
		parentID := *comment.ParentID
		copied.ParentID = &parentID
	}
	if comment.Replies != nil {
		copied.Replies = make([]Comment, len(comment.Replies))
		for index, reply := range comment.Replies {
			copied.Replies[index] = cloneComment(reply)
		}
	}
	return copied
}

func cloneNotification(notification Notification) Notification {
	copied := notification
	if notification.Related != nil {
		related := *notification.Related
		copied.Related = &related
	}
	return copied
}
