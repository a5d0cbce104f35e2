package store

import (
	"errors"
	"testing"
	"time"
)

func parentRef(id int64) *int64 {
	return &id
}

func newTestStore(t *testing.T, now *time.Time) *Store {
	t.Helper()
	return New(Config{
		Clock:        func() time.Time { return *now },
		OrphanTTL:    10 * time.Second,
		TombstoneTTL: time.Minute,
	})
}

func TestCommentsScenarioReplyThenParentTombstone(t *testing.T) {
	now := time.Unix(1700000000, 0)
	comments := newTestStore(t, &now).Comments()

	if err := comments.UpsertMany([]Comment{{ID: 1, RecipeID: 42, Content: "hi"}}); err != nil {
		t.Fatalf("bootstrap upsert failed: %v", err)
	}
	if err := comments.Upsert(Comment{ID: 2, RecipeID: 42, ParentID: parentRef(1), Content: "re:hi"}); err != nil {
		t.Fatalf("reply upsert failed: %v", err)
	}

	thread := comments.List(42)
	if len(thread) != 1 || thread[0].ID != 1 {
		t.Fatalf("expected a single top-level comment 1, got %#v", thread)
	}
	if len(thread[0].Replies) != 1 || thread[0].Replies[0].ID != 2 {
		t.Fatalf("expected reply 2 under comment 1, got %#v", thread[0].Replies)
	}

	if !comments.Remove(42, 1) {
		t.Fatalf("expected tombstone to remove comment 1")
	}
	if len(comments.List(42)) != 0 {
		t.Fatalf("expected empty thread, got %#v", comments.List(42))
	}
	if _, ok := comments.Get(42, 2); ok {
		t.Fatalf("expected reply 2 to be removed with its parent")
	}
	if comments.Count(42) != 0 {
		t.Fatalf("expected zero comments, got %d", comments.Count(42))
	}
}

func TestCommentsNoDuplicationAcrossInterleavings(t *testing.T) {
	snapshot := []Comment{
		{ID: 3, RecipeID: 7, Content: "third"},
		{ID: 1, RecipeID: 7, Content: "first", Replies: []Comment{
			{ID: 2, RecipeID: 7, ParentID: parentRef(1), Content: "reply"},
		}},
	}
	pushes := []Comment{
		{ID: 1, RecipeID: 7, Content: "first edited"},
		{ID: 2, RecipeID: 7, ParentID: parentRef(1), Content: "reply"},
		{ID: 3, RecipeID: 7, Content: "third"},
	}

	orders := map[string]func(c *Comments){
		"bootstrap first": func(c *Comments) {
			_ = c.UpsertMany(snapshot)
			for _, push := range pushes {
				_ = c.Upsert(push)
			}
		},
		"push first": func(c *Comments) {
			for _, push := range pushes {
				_ = c.Upsert(push)
			}
			_ = c.UpsertMany(snapshot)
		},
		"bootstrap twice": func(c *Comments) {
			_ = c.UpsertMany(snapshot)
			_ = c.Upsert(pushes[1])
			_ = c.UpsertMany(snapshot)
			_ = c.Upsert(pushes[1])
		},
	}

	for name, apply := range orders {
		t.Run(name, func(t *testing.T) {
			now := time.Unix(1700000000, 0)
			comments := newTestStore(t, &now).Comments()
			apply(comments)

			if comments.Count(7) != 3 {
				t.Fatalf("expected 3 comments, got %d", comments.Count(7))
			}
			if comments.PendingOrphans(7) != 0 {
				t.Fatalf("expected no held replies, got %d", comments.PendingOrphans(7))
			}
			seen := map[int64]int{}
			for _, comment := range comments.List(7) {
				seen[comment.ID]++
				for _, reply := range comment.Replies {
					seen[reply.ID]++
				}
			}
			for id, count := range seen {
				if count != 1 {
					t.Fatalf("expected comment %d exactly once, got %d", id, count)
				}
			}
		})
	}
}

func TestCommentsBulkUpsertKeepsResponseOrder(t *testing.T) {
	now := time.Unix(1700000000, 0)
	comments := newTestStore(t, &now).Comments()
	if err := comments.UpsertMany([]Comment{
		{ID: 9, RecipeID: 1},
		{ID: 5, RecipeID: 1},
		{ID: 2, RecipeID: 1},
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := comments.Upsert(Comment{ID: 10, RecipeID: 1}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	expected := []int64{10, 9, 5, 2}
	thread := comments.List(1)
	if len(thread) != len(expected) {
		t.Fatalf("expected %d comments, got %d", len(expected), len(thread))
	}
	for index, id := range expected {
		if thread[index].ID != id {
			t.Fatalf("expected comment %d at index %d, got %d", id, index, thread[index].ID)
		}
	}
}

func TestCommentsUpsertReplacesFieldsAndKeepsReplies(t *testing.T) {
	now := time.Unix(1700000000, 0)
	comments := newTestStore(t, &now).Comments()
	_ = comments.Upsert(Comment{ID: 1, RecipeID: 3, Content: "draft"})
	_ = comments.Upsert(Comment{ID: 4, RecipeID: 3, ParentID: parentRef(1), Content: "answer"})
	_ = comments.Upsert(Comment{ID: 1, RecipeID: 3, Content: "final"})

	comment, ok := comments.Get(3, 1)
	if !ok {
		t.Fatalf("expected comment 1")
	}
	if comment.Content != "final" {
		t.Fatalf("expected last write to win, got %q", comment.Content)
	}
	if len(comment.Replies) != 1 || comment.Replies[0].ID != 4 {
		t.Fatalf("expected reply to survive a parent update, got %#v", comment.Replies)
	}
}

func TestCommentsTombstoneIsIdempotent(t *testing.T) {
	now := time.Unix(1700000000, 0)
	comments := newTestStore(t, &now).Comments()
	_ = comments.Upsert(Comment{ID: 1, RecipeID: 5})
	_ = comments.Upsert(Comment{ID: 2, RecipeID: 5, ParentID: parentRef(1)})
	_ = comments.Upsert(Comment{ID: 3, RecipeID: 5, ParentID: parentRef(1)})

	if !comments.Remove(5, 2) {
		t.Fatalf("expected first tombstone to change the store")
	}
	afterFirst := comments.List(5)
	if comments.Remove(5, 2) {
		t.Fatalf("expected second tombstone to be a no-op")
	}
	afterSecond := comments.List(5)

	if len(afterFirst) != 1 || len(afterSecond) != 1 {
		t.Fatalf("expected parent to remain, got %#v / %#v", afterFirst, afterSecond)
	}
	if len(afterSecond[0].Replies) != 1 || afterSecond[0].Replies[0].ID != 3 {
		t.Fatalf("expected only reply 3 to remain, got %#v", afterSecond[0].Replies)
	}
	if len(afterFirst[0].Replies) != len(afterSecond[0].Replies) {
		t.Fatalf("expected identical state after repeated tombstone")
	}
}

func TestCommentsTombstonePreventsResurrection(t *testing.T) {
	now := time.Unix(1700000000, 0)
	comments := newTestStore(t, &now).Comments()
	comments.Remove(8, 1)
	if err := comments.UpsertMany([]Comment{{ID: 1, RecipeID: 8, Content: "stale"}}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, ok := comments.Get(8, 1); ok {
		t.Fatalf("expected deleted comment to stay deleted")
	}
}

func TestCommentsTombstonesExpireAfterTTL(t *testing.T) {
	now := time.Unix(1700000000, 0)
	comments := newTestStore(t, &now).Comments()
	comments.Remove(8, 1)
	comments.Remove(8, 2)
	if comments.Tombstones(8) != 2 {
		t.Fatalf("expected two tombstones, got %d", comments.Tombstones(8))
	}

	now = now.Add(30 * time.Second)
	if err := comments.UpsertMany([]Comment{{ID: 1, RecipeID: 8, Content: "stale"}}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, ok := comments.Get(8, 1); ok {
		t.Fatalf("expected tombstone to hold within its TTL")
	}

	now = now.Add(31 * time.Second)
	if forgotten := comments.PruneTombstones(now); forgotten != 2 {
		t.Fatalf("expected two forgotten tombstones, got %d", forgotten)
	}
	if comments.Tombstones(8) != 0 {
		t.Fatalf("expected no tombstones left, got %d", comments.Tombstones(8))
	}
	if err := comments.Upsert(Comment{ID: 1, RecipeID: 8, Content: "recreated"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if comment, ok := comments.Get(8, 1); !ok || comment.Content != "recreated" {
		t.Fatalf("expected id to be accepted once forgotten, got %#v", comment)
	}
}

func TestCommentsUpsertPrunesExpiredTombstones(t *testing.T) {
	now := time.Unix(1700000000, 0)
	comments := newTestStore(t, &now).Comments()
	comments.Remove(9, 1)

	now = now.Add(2 * time.Minute)
	if err := comments.Upsert(Comment{ID: 5, RecipeID: 10}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if comments.Tombstones(9) != 0 {
		t.Fatalf("expected expired tombstone to be pruned by a later write")
	}
	if recipes := comments.Recipes(); len(recipes) != 1 || recipes[0] != 10 {
		t.Fatalf("expected only recipe 10 to hold a thread, got %v", recipes)
	}
}

func TestCommentsOrphanAttachedWhenParentArrives(t *testing.T) {
	now := time.Unix(1700000000, 0)
	comments := newTestStore(t, &now).Comments()
	if err := comments.Upsert(Comment{ID: 2, RecipeID: 42, ParentID: parentRef(1), Content: "early"}); err != nil {
		t.Fatalf("orphan upsert failed: %v", err)
	}
	if comments.PendingOrphans(42) != 1 {
		t.Fatalf("expected one held reply, got %d", comments.PendingOrphans(42))
	}
	if len(comments.List(42)) != 0 {
		t.Fatalf("expected held reply to stay out of the thread")
	}

	now = now.Add(5 * time.Second)
	if err := comments.Upsert(Comment{ID: 1, RecipeID: 42, Content: "parent"}); err != nil {
		t.Fatalf("parent upsert failed: %v", err)
	}
	parent, ok := comments.Get(42, 1)
	if !ok {
		t.Fatalf("expected parent")
	}
	if len(parent.Replies) != 1 || parent.Replies[0].ID != 2 {
		t.Fatalf("expected held reply to be attached, got %#v", parent.Replies)
	}
	if comments.PendingOrphans(42) != 0 {
		t.Fatalf("expected buffer to be empty")
	}
}

func TestCommentsOrphanDroppedAfterTTL(t *testing.T) {
	now := time.Unix(1700000000, 0)
	comments := newTestStore(t, &now).Comments()
	_ = comments.Upsert(Comment{ID: 2, RecipeID: 42, ParentID: parentRef(1)})

	now = now.Add(11 * time.Second)
	if dropped := comments.PruneOrphans(now); dropped != 1 {
		t.Fatalf("expected one dropped reply, got %d", dropped)
	}
	_ = comments.Upsert(Comment{ID: 1, RecipeID: 42})
	parent, _ := comments.Get(42, 1)
	if len(parent.Replies) != 0 {
		t.Fatalf("expected expired reply to be gone, got %#v", parent.Replies)
	}
}

func TestCommentsTombstoneDropsHeldReply(t *testing.T) {
	now := time.Unix(1700000000, 0)
	comments := newTestStore(t, &now).Comments()
	_ = comments.Upsert(Comment{ID: 2, RecipeID: 42, ParentID: parentRef(1)})
	comments.Remove(42, 2)
	if comments.PendingOrphans(42) != 0 {
		t.Fatalf("expected tombstone to drop the held reply")
	}
}

func TestCommentsRejectsNestedReply(t *testing.T) {
	now := time.Unix(1700000000, 0)
	comments := newTestStore(t, &now).Comments()
	_ = comments.Upsert(Comment{ID: 1, RecipeID: 42})
	_ = comments.Upsert(Comment{ID: 2, RecipeID: 42, ParentID: parentRef(1)})

	err := comments.Upsert(Comment{ID: 3, RecipeID: 42, ParentID: parentRef(2)})
	if !errors.Is(err, ErrNestedReply) {
		t.Fatalf("expected nested reply error, got %v", err)
	}
}

func TestCommentsRejectsInvalidRecords(t *testing.T) {
	now := time.Unix(1700000000, 0)
	comments := newTestStore(t, &now).Comments()
	cases := []Comment{
		{ID: 0, RecipeID: 1},
		{ID: 1, RecipeID: 0},
		{ID: 1, RecipeID: 1, ParentID: parentRef(1)},
	}
	for _, comment := range cases {
		if err := comments.Upsert(comment); !errors.Is(err, ErrInvalidComment) {
			t.Fatalf("expected invalid comment error for %#v, got %v", comment, err)
		}
	}
}

func TestCommentsEvictDropsThread(t *testing.T) {
	now := time.Unix(1700000000, 0)
	comments := newTestStore(t, &now).Comments()
	_ = comments.Upsert(Comment{ID: 1, RecipeID: 1})
	_ = comments.Upsert(Comment{ID: 2, RecipeID: 2})

	comments.Evict(1)
	if len(comments.List(1)) != 0 {
		t.Fatalf("expected recipe 1 to be evicted")
	}
	recipes := comments.Recipes()
	if len(recipes) != 1 || recipes[0] != 2 {
		t.Fatalf("expected only recipe 2 to remain, got %v", recipes)
	}
}

func TestCommentsListReturnsCopies(t *testing.T) {
	now := time.Unix(1700000000, 0)
	comments := newTestStore(t, &now).Comments()
	_ = comments.Upsert(Comment{ID: 1, RecipeID: 1, Content: "original"})
	_ = comments.Upsert(Comment{ID: 2, RecipeID: 1, ParentID: parentRef(1), Content: "reply"})

	listed := comments.List(1)
	listed[0].Content = "mutated"
	listed[0].Replies[0].Content = "mutated"

	stored, _ := comments.Get(1, 1)
	if stored.Content != "original" || stored.Replies[0].Content != "reply" {
		t.Fatalf("expected store to be isolated from callers, got %#v", stored)
	}
}
