package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/store"
)

const (
	opListNotifications  = "api.notifications.list"
	opMarkRead           = "api.notifications.mark_read"
	opMarkAllSeen        = "api.notifications.mark_all_seen"
	opDeleteNotification = "api.notifications.delete"
	opClearNotifications = "api.notifications.clear"
	opListComments       = "api.comments.list"
	opCreateComment      = "api.comments.create"
	opDeleteComment      = "api.comments.delete"
	opRecipeStates       = "api.recipes.state"
	opSetLike            = "api.recipes.like"
	opSetSave            = "api.recipes.save"
)

// CreateCommentRequest is the body of a comment submission.
type CreateCommentRequest struct {
	Content  string `json:"content"`
	ParentID *int64 `json:"parentId"`
}

// ListNotifications returns the signed-in user's feed, most recent first.
func (c *Client) ListNotifications(ctx context.Context) ([]store.Notification, error) {
	var notifications []store.Notification
	if err := c.do(ctx, opListNotifications, http.MethodGet, "/notifications", nil, nil, &notifications); err != nil {
		return nil, err
	}
	return notifications, nil
}

// MarkNotificationRead marks one notification read.
func (c *Client) MarkNotificationRead(ctx context.Context, id int64) error {
	if id <= 0 {
		return newServiceError(opMarkRead, "invalid_id", errInvalidID)
	}
	return c.do(ctx, opMarkRead, http.MethodPost, fmt.Sprintf("/notifications/%d/read", id), nil, nil, nil)
}

// MarkAllNotificationsSeen clears the unseen badge.
func (c *Client) MarkAllNotificationsSeen(ctx context.Context) error {
	return c.do(ctx, opMarkAllSeen, http.MethodPost, "/notifications/seen", nil, nil, nil)
}

// DeleteNotification removes one notification.
func (c *Client) DeleteNotification(ctx context.Context, id int64) error {
	if id <= 0 {
		return newServiceError(opDeleteNotification, "invalid_id", errInvalidID)
	}
	return c.do(ctx, opDeleteNotification, http.MethodDelete, fmt.Sprintf("/notifications/%d", id), nil, nil, nil)
}

// ClearNotifications removes the whole feed.
func (c *Client) ClearNotifications(ctx context.Context) error {
	return c.do(ctx, opClearNotifications, http.MethodDelete, "/notifications", nil, nil, nil)
}

// ListComments returns a recipe's top-level comments with their replies nested.
func (c *Client) ListComments(ctx context.Context, recipeID int64) ([]store.Comment, error) {
	if recipeID <= 0 {
		return nil, newServiceError(opListComments, "invalid_recipe_id", errInvalidID)
	}
	var comments []store.Comment
	if err := c.do(ctx, opListComments, http.MethodGet, fmt.Sprintf("/recipes/%d/comments", recipeID), nil, nil, &comments); err != nil {
		return nil, err
	}
	for index := range comments {
		if comments[index].RecipeID == 0 {
			comments[index].RecipeID = recipeID
		}
		for reply := range comments[index].Replies {
			if comments[index].Replies[reply].RecipeID == 0 {
				comments[index].Replies[reply].RecipeID = recipeID
			}
		}
	}
	return comments, nil
}

// CreateComment posts a comment or, with a parent, a reply.
func (c *Client) CreateComment(ctx context.Context, recipeID int64, content string, parentID *int64) (store.Comment, error) {
	if recipeID <= 0 {
		return store.Comment{}, newServiceError(opCreateComment, "invalid_recipe_id", errInvalidID)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Comment{}, newServiceError(opCreateComment, "empty_content", errEmptyContent)
	}
	var created store.Comment
	body := CreateCommentRequest{Content: content, ParentID: parentID}
	if err := c.do(ctx, opCreateComment, http.MethodPost, fmt.Sprintf("/recipes/%d/comments", recipeID), nil, body, &created); err != nil {
		return store.Comment{}, err
	}
	if created.RecipeID == 0 {
		created.RecipeID = recipeID
	}
	return created, nil
}

// DeleteComment removes a comment or reply.
func (c *Client) DeleteComment(ctx context.Context, recipeID, commentID int64) error {
	if recipeID <= 0 || commentID <= 0 {
		return newServiceError(opDeleteComment, "invalid_id", errInvalidID)
	}
	return c.do(ctx, opDeleteComment, http.MethodDelete, fmt.Sprintf("/recipes/%d/comments/%d", recipeID, commentID), nil, nil, nil)
}

// RecipeStates returns the like/save state of each requested recipe.
func (c *Client) RecipeStates(ctx context.Context, recipeIDs []int64) ([]store.SyncState, error) {
	if len(recipeIDs) == 0 {
		return nil, nil
	}
	encoded := make([]string, 0, len(recipeIDs))
	for _, id := range recipeIDs {
		if id <= 0 {
			return nil, newServiceError(opRecipeStates, "invalid_recipe_id", errInvalidID)
		}
		encoded = append(encoded, strconv.FormatInt(id, 10))
	}
	query := url.Values{"ids": []string{strings.Join(encoded, ",")}}
	var states []store.SyncState
	if err := c.do(ctx, opRecipeStates, http.MethodGet, "/recipes/state", query, nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// SetLike likes or unlikes a recipe and returns the server's resulting state.
func (c *Client) SetLike(ctx context.Context, recipeID int64, liked bool) (store.SyncState, error) {
	return c.toggle(ctx, opSetLike, recipeID, "like", liked)
}

// SetSave saves or unsaves a recipe and returns the server's resulting state.
func (c *Client) SetSave(ctx context.Context, recipeID int64, saved bool) (store.SyncState, error) {
	return c.toggle(ctx, opSetSave, recipeID, "save", saved)
}

func (c *Client) toggle(ctx context.Context, operation string, recipeID int64, action string, on bool) (store.SyncState, error) {
	if recipeID <= 0 {
		return store.SyncState{}, newServiceError(operation, "invalid_recipe_id", errInvalidID)
	}
	method := http.MethodPost
	if !on {
		method = http.MethodDelete
	}
	var state store.SyncState
	if err := c.do(ctx, operation, method, fmt.Sprintf("/recipes/%d/%s", recipeID, action), nil, nil, &state); err != nil {
		return store.SyncState{}, err
	}
	if state.RecipeID == 0 {
		state.RecipeID = recipeID
	}
	return state, nil
}
