package realtime

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/auth"
)

var (
	// ErrInvalidTopic indicates a topic that does not follow the family/key convention.
	ErrInvalidTopic = errors.New("realtime: invalid topic")
	// ErrNilHandler indicates a subscription without a handler.
	ErrNilHandler = errors.New("realtime: handler required")
	// ErrClosed indicates the manager has been disconnected for good.
	ErrClosed = errors.New("realtime: connection manager closed")
	// ErrMissingIdentity indicates Connect was called without a user id.
	ErrMissingIdentity = errors.New("realtime: session identity required")
	// ErrMissingDialer indicates the manager was built without a transport.
	ErrMissingDialer = errors.New("realtime: dialer required")
	// ErrDialFailed wraps transport-level connection failures.
	ErrDialFailed = errors.New("realtime: dial failed")
	// ErrConnClosed indicates a write on a connection that is already closed.
	ErrConnClosed = errors.New("realtime: connection closed")
)

// Message is one inbound realtime payload.
type Message struct {
	Topic   string
	Payload json.RawMessage
}

// Handler receives messages for a subscribed topic. Handlers run on the
// connection's read goroutine, one message at a time.
type Handler func(Message)

// Dialer opens physical broker connections.
type Dialer interface {
	Dial(ctx context.Context, identity auth.Identity) (Conn, error)
}

// Conn is one physical broker connection. Messages is closed when the
// connection terminates; Err then reports why.
type Conn interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Messages() <-chan Message
	Err() error
	Close() error
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, identity auth.Identity) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, identity auth.Identity) (Conn, error) {
	return f(ctx, identity)
}

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// ClientFrame is the JSON frame a client sends to the websocket broker.
type ClientFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// ServerFrame is the JSON frame the websocket broker pushes to clients.
type ServerFrame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}
