package devserver

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/realtime"
	"go.uber.org/zap"
)

const streamBufferSize = 16

// Hub fans published payloads out to the streams subscribed to each topic.
// Slow streams lose frames instead of blocking publishers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*Stream
	nextID      int64
	bufferSize  int
	logger      *zap.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// Stream is one consumer's outbound frame queue.
type Stream struct {
	id     int64
	frames chan realtime.ServerFrame
	topics map[string]struct{}
}

// Frames returns the stream's outbound queue.
func (s *Stream) Frames() <-chan realtime.ServerFrame {
	return s.frames
}

// NewHub constructs an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = noOpLogger
	}
	return &Hub{
		subscribers: make(map[string]map[int64]*Stream),
		bufferSize:  streamBufferSize,
		logger:      logger,
	}
}

// NewStream allocates a stream that is not yet subscribed to anything.
func (h *Hub) NewStream() *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return &Stream{
		id:     h.nextID,
		frames: make(chan realtime.ServerFrame, h.bufferSize),
		topics: make(map[string]struct{}),
	}
}

// Subscribe adds stream to topic. Repeated subscriptions are no-ops.
func (h *Hub) Subscribe(topic string, stream *Stream) {
	if topic == "" || stream == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[topic]; !ok {
		h.subscribers[topic] = make(map[int64]*Stream)
	}
	h.subscribers[topic][stream.id] = stream
	stream.topics[topic] = struct{}{}
}

// Unsubscribe removes stream from topic.
func (h *Hub) Unsubscribe(topic string, stream *Stream) {
	if stream == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(topic, stream)
}

func (h *Hub) unsubscribeLocked(topic string, stream *Stream) {
	subscribers := h.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, stream.id)
		if len(subscribers) == 0 {
			delete(h.subscribers, topic)
		}
	}
	delete(stream.topics, topic)
}

// Remove drops stream from every topic it is subscribed to.
func (h *Hub) Remove(stream *Stream) {
	if stream == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range stream.topics {
		h.unsubscribeLocked(topic, stream)
	}
}

// Subscribers reports how many streams currently listen on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[topic])
}

// Publish encodes payload once and queues it on every stream of topic.
func (h *Hub) Publish(topic string, payload any) {
	if topic == "" {
		return
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to encode realtime payload", zap.String("topic", topic), zap.Error(err))
		return
	}
	h.mu.RLock()
	subscribers := h.subscribers[topic]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*Stream, 0, len(subscribers))
	for _, stream := range subscribers {
		copies = append(copies, stream)
	}
	h.mu.RUnlock()

	frame := realtime.ServerFrame{Topic: topic, Payload: encoded}
	for _, stream := range copies {
		select {
		case stream.frames <- frame:
			h.published.Add(1)
		default:
			h.dropped.Add(1)
			h.logger.Warn("realtime stream full, frame dropped", zap.String("topic", topic), zap.Int64("stream_id", stream.id))
		}
	}
}

// Stats reports delivered and dropped frame counts.
func (h *Hub) Stats() (published, dropped int64) {
	return h.published.Load(), h.dropped.Load()
}
