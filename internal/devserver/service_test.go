package devserver

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/realtime"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type publishedEvent struct {
	topic   string
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(topic string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{topic: topic, payload: payload})
}

func (p *recordingPublisher) on(topic string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var payloads []any
	for _, event := range p.events {
		if event.topic == topic {
			payloads = append(payloads, event.payload)
		}
	}
	return payloads
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "devserver.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newTestService(t *testing.T, publisher Publisher) *Service {
	t.Helper()
	tick := time.Date(2026, time.October, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	service, err := NewService(ServiceConfig{
		Database:  openTestDatabase(t),
		Publisher: publisher,
		Clock: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			tick = tick.Add(time.Second)
			return tick
		},
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "devserver.service.new.missing_database" {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestServiceCommentLifecycle(t *testing.T) {
	publisher := &recordingPublisher{}
	service := newTestService(t, publisher)
	ctx := context.Background()

	first, err := service.CreateComment(ctx, "chef-bruno", 1, " Lovely crumb ", nil)
	if err != nil {
		t.Fatalf("create comment failed: %v", err)
	}
	if first.Content != "Lovely crumb" || first.RecipeID != 1 || first.AuthorID != "chef-bruno" {
		t.Fatalf("unexpected comment %+v", first)
	}
	second, err := service.CreateComment(ctx, "chef-bruno", 1, "Second thought", nil)
	if err != nil {
		t.Fatalf("create second comment failed: %v", err)
	}
	reply, err := service.CreateComment(ctx, "chef-ana", 1, "Thanks!", &first.ID)
	if err != nil {
		t.Fatalf("create reply failed: %v", err)
	}

	if _, err := service.CreateComment(ctx, "chef-bruno", 1, "Too deep", &reply.ID); !errors.Is(err, errNestedReply) {
		t.Fatalf("expected nested reply error, got %v", err)
	}
	if _, err := service.CreateComment(ctx, "chef-bruno", 2, "Wrong recipe", &first.ID); !errors.Is(err, errNotFound) {
		t.Fatalf("expected parent not found for another recipe, got %v", err)
	}
	if _, err := service.CreateComment(ctx, "chef-bruno", 1, "   ", nil); !errors.Is(err, errInvalidInput) {
		t.Fatalf("expected empty content error, got %v", err)
	}

	comments, err := service.ListComments(ctx, 1)
	if err != nil {
		t.Fatalf("list comments failed: %v", err)
	}
	if len(comments) != 2 || comments[0].ID != second.ID || comments[1].ID != first.ID {
		t.Fatalf("expected newest top-level comment first, got %+v", comments)
	}
	if len(comments[1].Replies) != 1 || comments[1].Replies[0].ID != reply.ID {
		t.Fatalf("expected reply nested under its parent, got %+v", comments[1].Replies)
	}

	if got := len(publisher.on(realtime.CommentsTopic(1))); got != 3 {
		t.Fatalf("expected 3 comment events, got %d", got)
	}
	ownerNotifications := publisher.on(realtime.NotificationsTopic("chef-ana"))
	if len(ownerNotifications) != 2 {
		t.Fatalf("expected the owner to be notified of both foreign comments, got %d", len(ownerNotifications))
	}

	if err := service.DeleteComment(ctx, "chef-ana", 1, first.ID); !errors.Is(err, errForbidden) {
		t.Fatalf("expected forbidden for non-author delete, got %v", err)
	}
	if err := service.DeleteComment(ctx, "chef-bruno", 1, first.ID); err != nil {
		t.Fatalf("delete comment failed: %v", err)
	}
	events := publisher.on(realtime.CommentsTopic(1))
	tombstones := events[len(events)-2:]
	replyTombstone := tombstones[0].(store.Comment)
	parentTombstone := tombstones[1].(store.Comment)
	if !replyTombstone.Deleted || replyTombstone.ID != reply.ID {
		t.Fatalf("expected reply tombstone first, got %+v", replyTombstone)
	}
	if !parentTombstone.Deleted || parentTombstone.ID != first.ID || parentTombstone.IsReply() {
		t.Fatalf("expected parent tombstone, got %+v", parentTombstone)
	}

	comments, err = service.ListComments(ctx, 1)
	if err != nil {
		t.Fatalf("list comments failed: %v", err)
	}
	if len(comments) != 1 || comments[0].ID != second.ID {
		t.Fatalf("expected only the second comment to remain, got %+v", comments)
	}
}

func TestServiceListCommentsUnknownRecipe(t *testing.T) {
	service := newTestService(t, nil)
	if _, err := service.ListComments(context.Background(), 404); !errors.Is(err, errNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceNotificationsAreScopedToTheirUser(t *testing.T) {
	publisher := &recordingPublisher{}
	service := newTestService(t, publisher)
	ctx := context.Background()
	topic := realtime.NotificationsTopic("user-1")

	created, err := service.CreateNotification(ctx, NotificationInput{UserID: "user-1", SenderID: "user-2", Title: "Hello"})
	if err != nil {
		t.Fatalf("create notification failed: %v", err)
	}
	if _, err := service.CreateNotification(ctx, NotificationInput{UserID: "user-1", Title: "Again"}); err != nil {
		t.Fatalf("create notification failed: %v", err)
	}
	if _, err := service.CreateNotification(ctx, NotificationInput{Title: "Nobody"}); !errors.Is(err, errInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	if err := service.MarkNotificationRead(ctx, "user-2", created.ID); !errors.Is(err, errNotFound) {
		t.Fatalf("expected foreign read to be not found, got %v", err)
	}
	if err := service.MarkNotificationRead(ctx, "user-1", created.ID); err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	events := publisher.on(topic)
	read := events[len(events)-1].(store.Notification)
	if !read.Read || !read.Seen || read.ID != created.ID {
		t.Fatalf("expected read notification event, got %+v", read)
	}

	if err := service.MarkAllNotificationsSeen(ctx, "user-1"); err != nil {
		t.Fatalf("mark all seen failed: %v", err)
	}
	listed, err := service.ListNotifications(ctx, "user-1")
	if err != nil {
		t.Fatalf("list notifications failed: %v", err)
	}
	if len(listed) != 2 || listed[0].Title != "Again" {
		t.Fatalf("expected most recent notification first, got %+v", listed)
	}
	for _, notification := range listed {
		if !notification.Seen {
			t.Fatalf("expected every notification seen, got %+v", notification)
		}
	}

	before := len(publisher.on(topic))
	if err := service.ClearNotifications(ctx, "user-1"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	events = publisher.on(topic)
	if len(events)-before != 2 {
		t.Fatalf("expected a tombstone per cleared notification, got %d", len(events)-before)
	}
	for _, event := range events[before:] {
		if !event.(store.Notification).Deleted {
			t.Fatalf("expected tombstone, got %+v", event)
		}
	}
	listed, err = service.ListNotifications(ctx, "user-1")
	if err != nil || len(listed) != 0 {
		t.Fatalf("expected empty feed, got %+v (%v)", listed, err)
	}
}

func TestServiceLikeAndSave(t *testing.T) {
	publisher := &recordingPublisher{}
	service := newTestService(t, publisher)
	ctx := context.Background()

	state, err := service.SetLike(ctx, "chef-bruno", 1, true)
	if err != nil {
		t.Fatalf("like failed: %v", err)
	}
	if !state.Liked || state.LikeCount != 1 || state.Saved {
		t.Fatalf("unexpected state after like %+v", state)
	}
	if _, err := service.SetLike(ctx, "chef-bruno", 1, true); err != nil {
		t.Fatalf("repeated like failed: %v", err)
	}
	if got := len(publisher.on(realtime.NotificationsTopic("chef-ana"))); got != 1 {
		t.Fatalf("expected a single like notification, got %d", got)
	}
	if _, err := service.SetLike(ctx, "chef-ana", 1, true); err != nil {
		t.Fatalf("owner like failed: %v", err)
	}
	if got := len(publisher.on(realtime.NotificationsTopic("chef-ana"))); got != 1 {
		t.Fatalf("expected owners not to be notified of their own likes, got %d", got)
	}

	state, err = service.SetSave(ctx, "chef-bruno", 1, true)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if !state.Saved || state.LikeCount != 2 {
		t.Fatalf("unexpected state after save %+v", state)
	}

	state, err = service.SetLike(ctx, "chef-bruno", 1, false)
	if err != nil {
		t.Fatalf("unlike failed: %v", err)
	}
	if state.Liked || state.LikeCount != 1 {
		t.Fatalf("unexpected state after unlike %+v", state)
	}

	states, err := service.RecipeStates(ctx, "chef-bruno", []int64{1, 99, 3})
	if err != nil {
		t.Fatalf("recipe states failed: %v", err)
	}
	if len(states) != 2 || states[0].RecipeID != 1 || states[1].RecipeID != 3 {
		t.Fatalf("expected unknown recipes to be skipped, got %+v", states)
	}
	if !states[0].Saved || states[1].Saved {
		t.Fatalf("expected save flags per recipe, got %+v", states)
	}

	if _, err := service.SetSave(ctx, "chef-bruno", 99, true); !errors.Is(err, errNotFound) {
		t.Fatalf("expected unknown recipe error, got %v", err)
	}
}
