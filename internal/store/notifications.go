package store

import (
	"fmt"
	"sync"
	"time"
)

// Notifications holds the notification feed ordered most-recent-first.
//
// Ids removed by Remove are remembered for the tombstone TTL and upserts of
// them are ignored meanwhile. Take removes without remembering, so an
// optimistic local delete can still be restored.
type Notifications struct {
	mu           sync.RWMutex
	order        []int64
	byID         map[int64]Notification
	tombstones   map[int64]time.Time
	clock        func() time.Time
	tombstoneTTL time.Duration
	hub          *observerHub
}

func newNotifications(hub *observerHub, clock func() time.Time, tombstoneTTL time.Duration) *Notifications {
	return &Notifications{
		byID:         make(map[int64]Notification),
		tombstones:   make(map[int64]time.Time),
		clock:        clock,
		tombstoneTTL: tombstoneTTL,
		hub:          hub,
	}
}

// Upsert replaces an existing notification wholesale or inserts a new one at
// the head. Upserts of a removed id are ignored.
func (n *Notifications) Upsert(notification Notification) error {
	if notification.ID <= 0 {
		return fmt.Errorf("%w: id %d", ErrInvalidNotification, notification.ID)
	}
	n.mu.Lock()
	n.pruneTombstonesLocked(n.clock())
	applied := n.upsertLocked(notification)
	n.mu.Unlock()
	if applied {
		n.hub.notify(Change{Key: NotificationsKey, Kind: ChangeUpsert, ID: notification.ID})
	}
	return nil
}

// UpsertMany merges a batch keeping the batch order for entries that were absent.
func (n *Notifications) UpsertMany(notifications []Notification) error {
	for _, notification := range notifications {
		if notification.ID <= 0 {
			return fmt.Errorf("%w: id %d", ErrInvalidNotification, notification.ID)
		}
	}
	changes := make([]Change, 0, len(notifications))
	n.mu.Lock()
	n.pruneTombstonesLocked(n.clock())
	for index := len(notifications) - 1; index >= 0; index-- {
		if n.upsertLocked(notifications[index]) {
			changes = append(changes, Change{Key: NotificationsKey, Kind: ChangeUpsert, ID: notifications[index].ID})
		}
	}
	n.mu.Unlock()
	n.hub.notify(changes...)
	return nil
}

func (n *Notifications) upsertLocked(notification Notification) bool {
	if _, deleted := n.tombstones[notification.ID]; deleted {
		return false
	}
	stored := cloneNotification(notification)
	stored.Deleted = false
	if _, exists := n.byID[stored.ID]; !exists {
		n.order = append([]int64{stored.ID}, n.order...)
	}
	n.byID[stored.ID] = stored
	return true
}

// Remove applies a tombstone for id. Removing an absent id changes nothing
// but is still remembered.
func (n *Notifications) Remove(id int64) bool {
	n.mu.Lock()
	_, exists := n.takeLocked(id)
	n.tombstones[id] = n.clock()
	n.mu.Unlock()
	if exists {
		n.hub.notify(Change{Key: NotificationsKey, Kind: ChangeRemove, ID: id})
	}
	return exists
}

// Take removes the notification and returns it without remembering the id.
func (n *Notifications) Take(id int64) (Notification, bool) {
	n.mu.Lock()
	previous, exists := n.takeLocked(id)
	n.mu.Unlock()
	if exists {
		n.hub.notify(Change{Key: NotificationsKey, Kind: ChangeRemove, ID: id})
	}
	return previous, exists
}

func (n *Notifications) takeLocked(id int64) (Notification, bool) {
	previous, exists := n.byID[id]
	if exists {
		delete(n.byID, id)
		n.order = removeID(n.order, id)
	}
	return previous, exists
}

// Removed reports whether id is remembered as deleted.
func (n *Notifications) Removed(id int64) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, deleted := n.tombstones[id]
	return deleted
}

// PruneTombstones forgets deleted ids older than the tombstone TTL and returns
// how many were forgotten.
func (n *Notifications) PruneTombstones(now time.Time) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pruneTombstonesLocked(now)
}

func (n *Notifications) pruneTombstonesLocked(now time.Time) int {
	forgotten := 0
	for id, deletedAt := range n.tombstones {
		if now.Sub(deletedAt) >= n.tombstoneTTL {
			delete(n.tombstones, id)
			forgotten++
		}
	}
	return forgotten
}

// Clear removes every notification and returns the removed records, newest
// first. Cleared ids are not remembered.
func (n *Notifications) Clear() []Notification {
	n.mu.Lock()
	removed := make([]Notification, 0, len(n.order))
	for _, id := range n.order {
		removed = append(removed, n.byID[id])
	}
	n.order = nil
	n.byID = make(map[int64]Notification)
	n.mu.Unlock()
	if len(removed) > 0 {
		n.hub.notify(Change{Key: NotificationsKey, Kind: ChangeReset})
	}
	return removed
}

// Get returns the notification with the given id.
func (n *Notifications) Get(id int64) (Notification, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	notification, ok := n.byID[id]
	if !ok {
		return Notification{}, false
	}
	return cloneNotification(notification), true
}

// List returns the feed, newest first.
func (n *Notifications) List() []Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	result := make([]Notification, 0, len(n.order))
	for _, id := range n.order {
		result = append(result, cloneNotification(n.byID[id]))
	}
	return result
}

// Len returns the number of notifications held.
func (n *Notifications) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.order)
}

// SetRead updates the read flag and returns the record as it was before the change.
func (n *Notifications) SetRead(id int64, read bool) (Notification, bool) {
	n.mu.Lock()
	previous, ok := n.byID[id]
	if ok {
		updated := previous
		updated.Read = read
		n.byID[id] = updated
	}
	n.mu.Unlock()
	if ok {
		n.hub.notify(Change{Key: NotificationsKey, Kind: ChangeUpsert, ID: id})
	}
	return previous, ok
}

// MarkAllSeen flags every notification as seen and returns the ids that changed.
func (n *Notifications) MarkAllSeen() []int64 {
	n.mu.Lock()
	changed := make([]int64, 0)
	for _, id := range n.order {
		notification := n.byID[id]
		if notification.Seen {
			continue
		}
		notification.Seen = true
		n.byID[id] = notification
		changed = append(changed, id)
	}
	n.mu.Unlock()
	n.notifyUpserts(changed)
	return changed
}

// SetSeen sets the seen flag on the listed notifications. Absent ids are ignored.
func (n *Notifications) SetSeen(ids []int64, seen bool) {
	n.mu.Lock()
	changed := make([]int64, 0, len(ids))
	for _, id := range ids {
		notification, ok := n.byID[id]
		if !ok || notification.Seen == seen {
			continue
		}
		notification.Seen = seen
		n.byID[id] = notification
		changed = append(changed, id)
	}
	n.mu.Unlock()
	n.notifyUpserts(changed)
}

// UnreadCount returns the number of notifications not yet read.
func (n *Notifications) UnreadCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	count := 0
	for _, notification := range n.byID {
		if !notification.Read {
			count++
		}
	}
	return count
}

// UnseenCount returns the number of notifications not yet seen, as shown on the navbar badge.
func (n *Notifications) UnseenCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	count := 0
	for _, notification := range n.byID {
		if !notification.Seen {
			count++
		}
	}
	return count
}

func (n *Notifications) notifyUpserts(ids []int64) {
	if len(ids) == 0 {
		return
	}
	changes := make([]Change, 0, len(ids))
	for _, id := range ids {
		changes = append(changes, Change{Key: NotificationsKey, Kind: ChangeUpsert, ID: id})
	}
	n.hub.notify(changes...)
}

func (n *Notifications) reset() {
	n.Clear()
	n.mu.Lock()
	n.tombstones = make(map[int64]time.Time)
	n.mu.Unlock()
}

func removeID(ids []int64, id int64) []int64 {
	for index, candidate := range ids {
		if candidate == id {
			return append(ids[:index:index], ids[index+1:]...)
		}
	}
	return ids
}
