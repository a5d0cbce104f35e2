// Package router decodes inbound realtime messages and merges them into the entity store.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/realtime"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrRecipeMismatch indicates a comment delivered on another recipe's topic.
	ErrRecipeMismatch = errors.New("router: comment recipe does not match topic")
	// ErrMissingStore indicates a router built without an entity store.
	ErrMissingStore = errors.New("router: store required")
)

// Config describes the dependencies of a Router.
type Config struct {
	Store  *store.Store
	Logger *zap.Logger
}

// Router turns topic messages into store mutations. It never propagates
// errors to the connection: malformed or unroutable messages are logged and dropped.
type Router struct {
	store   *store.Store
	logger  *zap.Logger
	routed  atomic.Int64
	dropped atomic.Int64
}

// New constructs a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{store: cfg.Store, logger: logger}, nil
}

// Handler returns the router as a realtime handler.
func (r *Router) Handler() realtime.Handler {
	return r.Route
}

// Route applies one inbound message.
func (r *Router) Route(message realtime.Message) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.dropped.Add(1)
			r.logger.Error("realtime message routing panicked",
				zap.String("topic", message.Topic),
				zap.Any("panic", recovered))
		}
	}()

	if err := r.route(message); err != nil {
		r.dropped.Add(1)
		r.logger.Warn("dropping realtime message",
			zap.String("topic", message.Topic),
			zap.Error(err))
		return
	}
	r.routed.Add(1)
}

// Routed returns the number of messages applied to the store.
func (r *Router) Routed() int64 {
	return r.routed.Load()
}

// Dropped returns the number of messages discarded.
func (r *Router) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Router) route(message realtime.Message) error {
	family, _, err := realtime.ParseTopic(message.Topic)
	if err != nil {
		return err
	}
	switch family {
	case realtime.FamilyNotifications:
		return r.routeNotification(message)
	case realtime.FamilyComments:
		return r.routeComment(message)
	default:
		return fmt.Errorf("%w: unhandled family %q", realtime.ErrInvalidTopic, family)
	}
}

func (r *Router) routeNotification(message realtime.Message) error {
	var notification store.Notification
	if err := json.Unmarshal(message.Payload, &notification); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	if notification.Deleted {
		r.store.Notifications().Remove(notification.ID)
		return nil
	}
	return r.store.Notifications().Upsert(notification)
}

func (r *Router) routeComment(message realtime.Message) error {
	recipeID, err := realtime.ParseRecipeID(message.Topic)
	if err != nil {
		return err
	}
	var comment store.Comment
	if err := json.Unmarshal(message.Payload, &comment); err != nil {
		return fmt.Errorf("decode comment: %w", err)
	}
	if comment.RecipeID == 0 {
		comment.RecipeID = recipeID
	}
	if comment.RecipeID != recipeID {
		return fmt.Errorf("%w: topic recipe %d, payload recipe %d", ErrRecipeMismatch, recipeID, comment.RecipeID)
	}

	if comment.Deleted {
		if comment.ID <= 0 {
			return fmt.Errorf("%w: tombstone without id", store.ErrInvalidComment)
		}
		r.store.Comments().Remove(recipeID, comment.ID)
		return nil
	}
	// Replies are attached under their parent, or held until it arrives.
	return r.store.Comments().Upsert(comment)
}
