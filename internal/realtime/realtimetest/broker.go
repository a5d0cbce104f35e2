// Package realtimetest provides an in-memory broker for tests that drive a
// realtime.Manager end to end.
package realtimetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/auth"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/realtime"
)

// Broker is an in-memory topic broker that implements realtime.Dialer.
type Broker struct {
	mu     sync.Mutex
	conns  map[*Conn]struct{}
	dials  []auth.Identity
	frames []realtime.ClientFrame
}

// NewBroker constructs an empty Broker.
func NewBroker() *Broker {
	return &Broker{conns: make(map[*Conn]struct{})}
}

// Dial opens a connection for identity.
func (b *Broker) Dial(_ context.Context, identity auth.Identity) (realtime.Conn, error) {
	conn := &Conn{
		broker:   b,
		topics:   make(map[string]struct{}),
		messages: make(chan realtime.Message, 64),
	}
	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.dials = append(b.dials, identity)
	b.mu.Unlock()
	return conn, nil
}

// Publish delivers payload to every connection subscribed to topic and
// returns the number of receivers.
func (b *Broker) Publish(topic string, payload any) int {
	var raw json.RawMessage
	switch typed := payload.(type) {
	case string:
		raw = json.RawMessage(typed)
	case []byte:
		raw = json.RawMessage(typed)
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0
		}
		raw = encoded
	}

	b.mu.Lock()
	receivers := make([]*Conn, 0, len(b.conns))
	for conn := range b.conns {
		if conn.subscribed(topic) {
			receivers = append(receivers, conn)
		}
	}
	b.mu.Unlock()

	delivered := 0
	for _, conn := range receivers {
		if conn.deliver(realtime.Message{Topic: topic, Payload: raw}) {
			delivered++
		}
	}
	return delivered
}

// Subscribers returns the number of open connections subscribed to topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for conn := range b.conns {
		if conn.subscribed(topic) {
			count++
		}
	}
	return count
}

// Open returns the number of open connections.
func (b *Broker) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Dials returns the identities used for each dial.
func (b *Broker) Dials() []auth.Identity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]auth.Identity(nil), b.dials...)
}

// Frames returns every subscribe and unsubscribe frame received.
func (b *Broker) Frames() []realtime.ClientFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]realtime.ClientFrame(nil), b.frames...)
}

// DropAll terminates every open connection as if the broker restarted.
func (b *Broker) DropAll() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.Unlock()
	for _, conn := range conns {
		conn.fail(errors.New("realtimetest: connection dropped"))
	}
}

func (b *Broker) record(frame realtime.ClientFrame) {
	b.mu.Lock()
	b.frames = append(b.frames, frame)
	b.mu.Unlock()
}

func (b *Broker) forget(conn *Conn) {
	b.mu.Lock()
	delete(b.conns, conn)
	b.mu.Unlock()
}

// Conn is one in-memory connection.
type Conn struct {
	broker *Broker

	mu       sync.Mutex
	topics   map[string]struct{}
	messages chan realtime.Message
	closed   bool
	err      error
}

func (c *Conn) Subscribe(topic string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return realtime.ErrConnClosed
	}
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
	c.broker.record(realtime.ClientFrame{Action: realtime.ActionSubscribe, Topic: topic})
	return nil
}

func (c *Conn) Unsubscribe(topic string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return realtime.ErrConnClosed
	}
	delete(c.topics, topic)
	c.mu.Unlock()
	c.broker.record(realtime.ClientFrame{Action: realtime.ActionUnsubscribe, Topic: topic})
	return nil
}

func (c *Conn) Messages() <-chan realtime.Message {
	return c.messages
}

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	c.fail(nil)
	return nil
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	close(c.messages)
	c.mu.Unlock()
	c.broker.forget(c)
}

func (c *Conn) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok && !c.closed
}

func (c *Conn) deliver(message realtime.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.messages <- message:
		return true
	default:
		return false
	}
}
