package bindings

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/realtime"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/store"
	"go.uber.org/zap"
)

// NotificationFeedConfig describes a NotificationFeed.
type NotificationFeedConfig struct {
	Store      *store.Store
	Loader     NotificationsLoader
	Subscriber Subscriber
	Handler    realtime.Handler
	API        NotificationsAPI
	UserID     string
	Logger     *zap.Logger
}

// NotificationFeed backs the navbar badge and the notification list. Every
// action changes the store first and reverts it when the backend rejects the change.
type NotificationFeed struct {
	store      *store.Store
	loader     NotificationsLoader
	subscriber Subscriber
	handler    realtime.Handler
	api        NotificationsAPI
	userID     string
	logger     *zap.Logger

	mu           sync.Mutex
	subscription *realtime.Subscription
}

// NewNotificationFeed constructs an unmounted NotificationFeed.
func NewNotificationFeed(cfg NotificationFeedConfig) (*NotificationFeed, error) {
	if cfg.Store == nil || cfg.Loader == nil || cfg.Subscriber == nil || cfg.Handler == nil || cfg.API == nil {
		return nil, fmt.Errorf("%w: notification feed requires store, loader, subscriber, handler and api", ErrMissingDependency)
	}
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return nil, fmt.Errorf("%w: notification feed requires a user id", ErrMissingDependency)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationFeed{
		store:      cfg.Store,
		loader:     cfg.Loader,
		subscriber: cfg.Subscriber,
		handler:    cfg.Handler,
		api:        cfg.API,
		userID:     userID,
		logger:     logger,
	}, nil
}

// Mount bootstraps the feed and subscribes to the user's notification topic.
func (f *NotificationFeed) Mount(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscription != nil {
		return nil
	}
	if _, err := f.loader.Notifications(ctx); err != nil {
		return err
	}
	subscription, err := f.subscriber.Subscribe(realtime.NotificationsTopic(f.userID), f.handler)
	if err != nil {
		return err
	}
	f.subscription = subscription
	return nil
}

// Unmount releases the subscription.
func (f *NotificationFeed) Unmount() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscription != nil {
		f.subscription.Unsubscribe()
		f.subscription = nil
	}
}

// Mounted reports whether the feed holds its subscription.
func (f *NotificationFeed) Mounted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscription != nil
}

// Notifications returns the feed, most recent first.
func (f *NotificationFeed) Notifications() []store.Notification {
	return f.store.Notifications().List()
}

// UnreadCount returns the number of unread notifications.
func (f *NotificationFeed) UnreadCount() int {
	return f.store.Notifications().UnreadCount()
}

// UnseenCount returns the navbar badge count.
func (f *NotificationFeed) UnseenCount() int {
	return f.store.Notifications().UnseenCount()
}

// OnChange registers callback for feed changes.
func (f *NotificationFeed) OnChange(callback func(store.Change)) func() {
	return f.store.OnChange(store.NotificationsKey, callback)
}

// MarkRead marks one notification read.
func (f *NotificationFeed) MarkRead(ctx context.Context, id int64) error {
	previous, ok := f.store.Notifications().SetRead(id, true)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNotification, id)
	}
	if previous.Read {
		return nil
	}
	if err := f.api.MarkNotificationRead(ctx, id); err != nil {
		f.store.Notifications().SetRead(id, previous.Read)
		f.logger.Warn("reverted notification read", zap.Int64("notification_id", id), zap.Error(err))
		return err
	}
	return nil
}

// MarkAllSeen clears the badge.
func (f *NotificationFeed) MarkAllSeen(ctx context.Context) error {
	changed := f.store.Notifications().MarkAllSeen()
	if len(changed) == 0 {
		return nil
	}
	if err := f.api.MarkAllNotificationsSeen(ctx); err != nil {
		f.store.Notifications().SetSeen(changed, false)
		f.logger.Warn("reverted notifications seen", zap.Int("count", len(changed)), zap.Error(err))
		return err
	}
	return nil
}

// Delete removes one notification. When the backend rejects the delete the
// notification is restored, unless a realtime removal arrived meanwhile.
func (f *NotificationFeed) Delete(ctx context.Context, id int64) error {
	notifications := f.store.Notifications()
	previous, ok := notifications.Take(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNotification, id)
	}
	if err := f.api.DeleteNotification(ctx, id); err != nil {
		if notifications.Removed(id) {
			f.logger.Info("notification removed remotely during failed delete", zap.Int64("notification_id", id), zap.Error(err))
			return err
		}
		if upsertErr := notifications.Upsert(previous); upsertErr != nil {
			f.logger.Error("failed to restore notification", zap.Int64("notification_id", id), zap.Error(upsertErr))
		}
		f.logger.Warn("reverted notification delete", zap.Int64("notification_id", id), zap.Error(err))
		return err
	}
	notifications.Remove(id)
	return nil
}

// Clear removes the whole feed.
func (f *NotificationFeed) Clear(ctx context.Context) error {
	removed := f.store.Notifications().Clear()
	if len(removed) == 0 {
		return nil
	}
	if err := f.api.ClearNotifications(ctx); err != nil {
		if upsertErr := f.store.Notifications().UpsertMany(removed); upsertErr != nil {
			f.logger.Error("failed to restore notifications", zap.Error(upsertErr))
		}
		f.logger.Warn("reverted notifications clear", zap.Int("count", len(removed)), zap.Error(err))
		return err
	}
	return nil
}
