package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type thread struct {
	order       []int64
	topLevel    map[int64]*Comment
	replyParent map[int64]int64
	tombstones  map[int64]time.Time
}

func newThread() *thread {
	return &thread{
		topLevel:    make(map[int64]*Comment),
		replyParent: make(map[int64]int64),
		tombstones:  make(map[int64]time.Time),
	}
}

type orphan struct {
	reply  Comment
	heldAt time.Time
}

// Comments holds one comment thread per recipe. Top-level comments are ordered
// most-recent-first; replies are ordered oldest-first under their parent.
//
// A reply that arrives before its parent is held and attached once the parent
// is upserted. Held replies older than the orphan TTL are dropped. Ids removed
// by a tombstone are remembered per thread for the tombstone TTL and upserts of
// them are ignored meanwhile, so a stale bootstrap snapshot cannot resurrect a
// deleted comment.
type Comments struct {
	mu           sync.Mutex
	threads      map[int64]*thread
	orphans      map[int64]map[int64][]orphan
	clock        func() time.Time
	orphanTTL    time.Duration
	tombstoneTTL time.Duration
	logger       *zap.Logger
	hub          *observerHub
}

func newComments(hub *observerHub, clock func() time.Time, orphanTTL, tombstoneTTL time.Duration, logger *zap.Logger) *Comments {
	return &Comments{
		threads:      make(map[int64]*thread),
		orphans:      make(map[int64]map[int64][]orphan),
		clock:        clock,
		orphanTTL:    orphanTTL,
		tombstoneTTL: tombstoneTTL,
		logger:       logger,
		hub:          hub,
	}
}

// Upsert merges a comment into its recipe's thread. Top-level comments are
// inserted or replaced; replies are attached under their parent, or held until
// the parent is observed.
func (c *Comments) Upsert(comment Comment) error {
	if err := validateComment(comment); err != nil {
		return err
	}
	c.mu.Lock()
	c.pruneLocked(c.clock())
	changed, err := c.upsertLocked(comment)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if changed {
		c.hub.notify(Change{Key: CommentsKey(comment.RecipeID), Kind: ChangeUpsert, ID: comment.ID})
	}
	return nil
}

// UpsertMany merges a batch of comments belonging to one or more recipes. Entries
// absent from the store keep the batch order.
func (c *Comments) UpsertMany(comments []Comment) error {
	for _, comment := range comments {
		if err := validateComment(comment); err != nil {
			return err
		}
	}
	changes := make([]Change, 0, len(comments))
	c.mu.Lock()
	c.pruneLocked(c.clock())
	for index := len(comments) - 1; index >= 0; index-- {
		changed, err := c.upsertLocked(comments[index])
		if err != nil {
			c.mu.Unlock()
			c.hub.notify(changes...)
			return err
		}
		if changed {
			changes = append(changes, Change{Key: CommentsKey(comments[index].RecipeID), Kind: ChangeUpsert, ID: comments[index].ID})
		}
	}
	c.mu.Unlock()
	c.hub.notify(changes...)
	return nil
}

func validateComment(comment Comment) error {
	if comment.ID <= 0 {
		return fmt.Errorf("%w: id %d", ErrInvalidComment, comment.ID)
	}
	if comment.RecipeID <= 0 {
		return fmt.Errorf("%w: recipe id %d", ErrInvalidComment, comment.RecipeID)
	}
	if comment.ParentID != nil && *comment.ParentID == comment.ID {
		return fmt.Errorf("%w: comment %d is its own parent", ErrInvalidComment, comment.ID)
	}
	return nil
}

func (c *Comments) threadLocked(recipeID int64) *thread {
	t, ok := c.threads[recipeID]
	if !ok {
		t = newThread()
		c.threads[recipeID] = t
	}
	return t
}

func (c *Comments) upsertLocked(comment Comment) (bool, error) {
	t := c.threadLocked(comment.RecipeID)
	if _, deleted := t.tombstones[comment.ID]; deleted {
		c.logger.Debug("ignoring upsert of deleted comment",
			zap.Int64("recipe_id", comment.RecipeID),
			zap.Int64("comment_id", comment.ID))
		return false, nil
	}
	if comment.IsReply() {
		return c.attachReplyLocked(t, comment)
	}
	c.upsertTopLevelLocked(t, comment)
	return true, nil
}

func (c *Comments) upsertTopLevelLocked(t *thread, comment Comment) {
	stored := cloneComment(comment)
	stored.Deleted = false

	if parentID, isReply := t.replyParent[stored.ID]; isReply {
		detachReply(t, parentID, stored.ID)
	}

	incoming := stored.Replies
	stored.Replies = nil
	if existing, ok := t.topLevel[stored.ID]; ok {
		stored.Replies = existing.Replies
	} else {
		t.order = append([]int64{stored.ID}, t.order...)
	}
	t.topLevel[stored.ID] = &stored

	for _, reply := range incoming {
		if _, deleted := t.tombstones[reply.ID]; deleted || reply.ID <= 0 || reply.ID == stored.ID {
			continue
		}
		c.placeReplyLocked(t, &stored, reply)
	}

	held := c.orphans[stored.RecipeID][stored.ID]
	if len(held) > 0 {
		delete(c.orphans[stored.RecipeID], stored.ID)
		for _, entry := range held {
			c.placeReplyLocked(t, &stored, entry.reply)
		}
	}
}

func (c *Comments) attachReplyLocked(t *thread, reply Comment) (bool, error) {
	parentID := *reply.ParentID
	if parent, ok := t.topLevel[parentID]; ok {
		if _, wasTopLevel := t.topLevel[reply.ID]; wasTopLevel {
			c.removeTopLevelLocked(t, reply.RecipeID, reply.ID)
		}
		c.placeReplyLocked(t, parent, reply)
		return true, nil
	}
	if _, parentIsReply := t.replyParent[parentID]; parentIsReply {
		return false, fmt.Errorf("%w: parent %d of comment %d is a reply", ErrNestedReply, parentID, reply.ID)
	}
	if _, parentDeleted := t.tombstones[parentID]; parentDeleted {
		c.logger.Debug("dropping reply to deleted comment",
			zap.Int64("recipe_id", reply.RecipeID),
			zap.Int64("parent_id", parentID),
			zap.Int64("comment_id", reply.ID))
		return false, nil
	}
	c.holdOrphanLocked(reply)
	return false, nil
}

// placeReplyLocked replaces or appends reply under parent, moving it from any other parent.
func (c *Comments) placeReplyLocked(t *thread, parent *Comment, reply Comment) {
	stored := cloneComment(reply)
	stored.Deleted = false
	stored.Replies = nil
	stored.RecipeID = parent.RecipeID
	parentID := parent.ID
	stored.ParentID = &parentID

	if previousParent, ok := t.replyParent[stored.ID]; ok && previousParent != parentID {
		detachReply(t, previousParent, stored.ID)
	}
	for index := range parent.Replies {
		if parent.Replies[index].ID == stored.ID {
			parent.Replies[index] = stored
			t.replyParent[stored.ID] = parentID
			return
		}
	}
	parent.Replies = append(parent.Replies, stored)
	t.replyParent[stored.ID] = parentID
}

func (c *Comments) holdOrphanLocked(reply Comment) {
	parentID := *reply.ParentID
	byParent, ok := c.orphans[reply.RecipeID]
	if !ok {
		byParent = make(map[int64][]orphan)
		c.orphans[reply.RecipeID] = byParent
	}
	entry := orphan{reply: cloneComment(reply), heldAt: c.clock()}
	held := byParent[parentID]
	for index := range held {
		if held[index].reply.ID == reply.ID {
			held[index] = entry
			return
		}
	}
	byParent[parentID] = append(held, entry)
	c.logger.Debug("holding reply until parent arrives",
		zap.Int64("recipe_id", reply.RecipeID),
		zap.Int64("parent_id", parentID),
		zap.Int64("comment_id", reply.ID))
}

func detachReply(t *thread, parentID, replyID int64) {
	delete(t.replyParent, replyID)
	parent, ok := t.topLevel[parentID]
	if !ok {
		return
	}
	for index := range parent.Replies {
		if parent.Replies[index].ID == replyID {
			parent.Replies = append(parent.Replies[:index:index], parent.Replies[index+1:]...)
			return
		}
	}
}

func (c *Comments) removeTopLevelLocked(t *thread, recipeID, id int64) {
	parent, ok := t.topLevel[id]
	if !ok {
		return
	}
	for _, reply := range parent.Replies {
		delete(t.replyParent, reply.ID)
	}
	delete(t.topLevel, id)
	t.order = removeID(t.order, id)
	if byParent := c.orphans[recipeID]; byParent != nil {
		delete(byParent, id)
	}
}

// Remove applies a tombstone for id: the comment disappears from the top level,
// from every reply collection, and from the orphan buffer. Removing twice is a no-op.
func (c *Comments) Remove(recipeID, id int64) bool {
	c.mu.Lock()
	t := c.threadLocked(recipeID)
	changed := false
	if _, ok := t.topLevel[id]; ok {
		c.removeTopLevelLocked(t, recipeID, id)
		changed = true
	}
	if parentID, ok := t.replyParent[id]; ok {
		detachReply(t, parentID, id)
		changed = true
	}
	if c.dropOrphanLocked(recipeID, id) {
		changed = true
	}
	if byParent := c.orphans[recipeID]; byParent != nil {
		delete(byParent, id)
	}
	t.tombstones[id] = c.clock()
	c.mu.Unlock()
	if changed {
		c.hub.notify(Change{Key: CommentsKey(recipeID), Kind: ChangeRemove, ID: id})
	}
	return changed
}

func (c *Comments) dropOrphanLocked(recipeID, id int64) bool {
	byParent := c.orphans[recipeID]
	dropped := false
	for parentID, held := range byParent {
		for index := range held {
			if held[index].reply.ID == id {
				byParent[parentID] = append(held[:index:index], held[index+1:]...)
				if len(byParent[parentID]) == 0 {
					delete(byParent, parentID)
				}
				dropped = true
				break
			}
		}
	}
	return dropped
}

// Get returns the comment with id from the recipe's thread, top-level or reply.
func (c *Comments) Get(recipeID, id int64) (Comment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.threads[recipeID]
	if !ok {
		return Comment{}, false
	}
	if comment, ok := t.topLevel[id]; ok {
		return cloneComment(*comment), true
	}
	parentID, ok := t.replyParent[id]
	if !ok {
		return Comment{}, false
	}
	for _, reply := range t.topLevel[parentID].Replies {
		if reply.ID == id {
			return cloneComment(reply), true
		}
	}
	return Comment{}, false
}

// List returns the top-level comments of the recipe's thread, newest first, with replies.
func (c *Comments) List(recipeID int64) []Comment {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.threads[recipeID]
	if !ok {
		return []Comment{}
	}
	result := make([]Comment, 0, len(t.order))
	for _, id := range t.order {
		result = append(result, cloneComment(*t.topLevel[id]))
	}
	return result
}

// Count returns the number of comments, replies included, held for the recipe.
func (c *Comments) Count(recipeID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.threads[recipeID]
	if !ok {
		return 0
	}
	return len(t.topLevel) + len(t.replyParent)
}

// PendingOrphans returns the number of replies held for the recipe awaiting their parent.
func (c *Comments) PendingOrphans(recipeID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, held := range c.orphans[recipeID] {
		count += len(held)
	}
	return count
}

// Recipes returns the recipe ids that currently have a thread, ascending.
func (c *Comments) Recipes() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.threads))
	for id, t := range c.threads {
		if len(t.order) == 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Tombstones returns the number of deleted ids remembered for the recipe.
func (c *Comments) Tombstones(recipeID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.threads[recipeID]
	if !ok {
		return 0
	}
	return len(t.tombstones)
}

// Evict drops the recipe's thread, its tombstones and its held replies.
func (c *Comments) Evict(recipeID int64) {
	c.mu.Lock()
	_, existed := c.threads[recipeID]
	delete(c.threads, recipeID)
	delete(c.orphans, recipeID)
	c.mu.Unlock()
	if existed {
		c.hub.notify(Change{Key: CommentsKey(recipeID), Kind: ChangeReset})
	}
}

// PruneOrphans drops held replies older than the orphan TTL and returns how many were dropped.
func (c *Comments) PruneOrphans(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneOrphansLocked(now)
}

func (c *Comments) pruneLocked(now time.Time) {
	c.pruneOrphansLocked(now)
	c.pruneTombstonesLocked(now)
}

func (c *Comments) pruneOrphansLocked(now time.Time) int {
	dropped := 0
	for recipeID, byParent := range c.orphans {
		for parentID, held := range byParent {
			kept := held[:0]
			for _, entry := range held {
				if now.Sub(entry.heldAt) >= c.orphanTTL {
					dropped++
					c.logger.Warn("dropping reply whose parent never arrived",
						zap.Int64("recipe_id", recipeID),
						zap.Int64("parent_id", parentID),
						zap.Int64("comment_id", entry.reply.ID))
					continue
				}
				kept = append(kept, entry)
			}
			if len(kept) == 0 {
				delete(byParent, parentID)
			} else {
				byParent[parentID] = kept
			}
		}
		if len(byParent) == 0 {
			delete(c.orphans, recipeID)
		}
	}
	return dropped
}

// PruneTombstones forgets deleted ids older than the tombstone TTL and returns
// how many were forgotten. Threads left with no comments are dropped.
func (c *Comments) PruneTombstones(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneTombstonesLocked(now)
}

func (c *Comments) pruneTombstonesLocked(now time.Time) int {
	forgotten := 0
	for recipeID, t := range c.threads {
		for id, deletedAt := range t.tombstones {
			if now.Sub(deletedAt) >= c.tombstoneTTL {
				delete(t.tombstones, id)
				forgotten++
			}
		}
		if len(t.tombstones) == 0 && len(t.topLevel) == 0 && len(c.orphans[recipeID]) == 0 {
			delete(c.threads, recipeID)
		}
	}
	return forgotten
}

func (c *Comments) reset() {
	c.mu.Lock()
	c.threads = make(map[int64]*thread)
	c.orphans = make(map[int64]map[int64][]orphan)
	c.mu.Unlock()
}
