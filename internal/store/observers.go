package store

import "sync"

// ChangeCallback receives store mutations for the key it was registered under.
type ChangeCallback func(Change)

type observerHub struct {
	mu        sync.RWMutex
	observers map[string]map[int64]ChangeCallback
	nextID    int64
}

func newObserverHub() *observerHub {
	return &observerHub{
		observers: make(map[string]map[int64]ChangeCallback),
	}
}

func (h *observerHub) subscribe(key string, callback ChangeCallback) func() {
	if key == "" || callback == nil {
		return func() {}
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if _, ok := h.observers[key]; !ok {
		h.observers[key] = make(map[int64]ChangeCallback)
	}
	h.observers[key][id] = callback
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.unsubscribe(key, id)
		})
	}
}

func (h *observerHub) unsubscribe(key string, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	observers := h.observers[key]
	if observers == nil {
		return
	}
	delete(observers, id)
	if len(observers) == 0 {
		delete(h.observers, key)
	}
}

// notify must be called without holding any collection lock.
func (h *observerHub) notify(changes ...Change) {
	for _, change := range changes {
		h.mu.RLock()
		observers := h.observers[change.Key]
		copies := make([]ChangeCallback, 0, len(observers))
		for _, callback := range observers {
			copies = append(copies, callback)
		}
		h.mu.RUnlock()
		for _, callback := range copies {
			callback(change)
		}
	}
}

func (h *observerHub) reset() {
	h.mu.Lock()
	h.observers = make(map[string]map[int64]ChangeCallback)
	h.mu.Unlock()
}
