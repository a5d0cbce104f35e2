package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/auth"
	"go.uber.org/zap"
)

// DefaultReconnectDelay is the fixed wait between connection attempts.
const DefaultReconnectDelay = 5 * time.Second

// State is the lifecycle state of the session's physical connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	Dialer         Dialer
	ReconnectDelay time.Duration
	// MaxReconnectAttempts caps consecutive failed dials; zero retries forever.
	MaxReconnectAttempts int
	Logger               *zap.Logger
}

// Subscription is one logical consumer of a topic.
type Subscription struct {
	id      int64
	topic   string
	handler Handler
	manager *Manager
	active  atomic.Bool
	gate    sync.RWMutex

	// inHandler holds the id of the goroutine running the handler, zero when idle.
	inHandler atomic.Uint64
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Active reports whether the subscription still receives messages.
func (s *Subscription) Active() bool {
	return s.active.Load()
}

// Unsubscribe releases the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.manager == nil {
		return
	}
	s.manager.Unsubscribe(s)
}

// Manager owns at most one physical broker connection for the session identity
// and multiplexes reference-counted topic subscriptions over it. Subscriptions
// survive connection drops and are replayed on every reconnect.
type Manager struct {
	dialer         Dialer
	reconnectDelay time.Duration
	maxAttempts    int
	logger         *zap.Logger

	mu         sync.Mutex
	state      State
	identity   auth.Identity
	running    bool
	generation uint64
	cancel     context.CancelFunc
	conn       Conn
	topics     map[string]map[int64]*Subscription
	nextID     int64
	observers  map[int64]func(State)

	dials       atomic.Int64
	connections atomic.Int64
}

// NewManager constructs a disconnected Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, ErrMissingDialer
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &Manager{
		dialer:         cfg.Dialer,
		reconnectDelay: delay,
		maxAttempts:    maxAttempts,
		logger:         logger,
		state:          StateDisconnected,
		topics:         make(map[string]map[int64]*Subscription),
		observers:      make(map[int64]func(State)),
	}, nil
}

// Connect ensures a connection for identity. It is a no-op while a connection
// for the same user is connecting or connected; a rotated token is used from
// the next dial on. A different user tears the previous connection down and
// drops every subscription registered under it.
func (m *Manager) Connect(identity auth.Identity) error {
	if !identity.Valid() {
		return ErrMissingIdentity
	}

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrClosed
	}
	sameUser := m.identity.SameUser(identity)
	if m.running && sameUser {
		m.identity = identity
		m.mu.Unlock()
		return nil
	}

	previousConn := m.stopLocked()
	if !sameUser && m.identity.Valid() {
		m.logger.Info("realtime session identity changed",
			zap.String("previous_user_id", m.identity.UserID),
			zap.String("user_id", identity.UserID))
		m.dropSubscriptionsLocked()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.identity = identity
	m.running = true
	m.cancel = cancel
	gen := m.generation
	m.state = StateConnecting
	observers := m.observersLocked()
	m.mu.Unlock()

	if previousConn != nil {
		_ = previousConn.Close()
	}
	notifyState(observers, StateConnecting)

	go m.run(ctx, gen)
	return nil
}

// Disconnect closes the connection, drops every subscription and moves the
// manager to its terminal Closed state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	conn := m.stopLocked()
	m.dropSubscriptionsLocked()
	m.identity = auth.Identity{}
	m.state = StateClosed
	observers := m.observersLocked()
	m.observers = make(map[int64]func(State))
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	notifyState(observers, StateClosed)
	m.logger.Info("realtime connection closed")
}

// stopLocked cancels the running loop and detaches its connection for the caller to close.
func (m *Manager) stopLocked() Conn {
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel = nil
	m.running = false
	m.generation++
	conn := m.conn
	m.conn = nil
	return conn
}

func (m *Manager) dropSubscriptionsLocked() {
	for _, subscribers := range m.topics {
		for _, subscription := range subscribers {
			subscription.active.Store(false)
		}
	}
	m.topics = make(map[string]map[int64]*Subscription)
}

// Subscribe registers handler for topic. The first reference to a topic issues
// the wire subscribe when connected; otherwise it is issued once connected.
func (m *Manager) Subscribe(topic string, handler Handler) (*Subscription, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return nil, ErrClosed
	}

	m.nextID++
	subscription := &Subscription{
		id:      m.nextID,
		topic:   topic,
		handler: handler,
		manager: m,
	}
	subscription.active.Store(true)

	subscribers, known := m.topics[topic]
	if !known {
		subscribers = make(map[int64]*Subscription)
		m.topics[topic] = subscribers
	}
	subscribers[subscription.id] = subscription

	if !known && m.state == StateConnected && m.conn != nil {
		if err := m.conn.Subscribe(topic); err != nil {
			m.logger.Warn("realtime subscribe failed; will replay on reconnect",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
	return subscription, nil
}

// Unsubscribe releases subscription. Once it returns no further message is
// delivered to the subscription's handler and a delivery running on another
// goroutine has completed. Calling it from inside that handler is allowed and
// returns without waiting for the handler itself.
func (m *Manager) Unsubscribe(subscription *Subscription) {
	if subscription == nil || subscription.manager != m {
		return
	}
	if !subscription.active.Swap(false) {
		return
	}
	if owner := subscription.inHandler.Load(); owner == 0 || owner != goroutineID() {
		subscription.gate.Lock()
		//nolint:staticcheck // empty critical section waits out an in-flight delivery
		subscription.gate.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	subscribers := m.topics[subscription.topic]
	if subscribers == nil {
		return
	}
	if _, ok := subscribers[subscription.id]; !ok {
		return
	}
	delete(subscribers, subscription.id)
	if len(subscribers) > 0 {
		return
	}
	delete(m.topics, subscription.topic)
	if m.state == StateConnected && m.conn != nil {
		if err := m.conn.Unsubscribe(subscription.topic); err != nil {
			m.logger.Warn("realtime unsubscribe failed",
				zap.String("topic", subscription.topic),
				zap.Error(err))
		}
	}
}

// OnStateChange registers callback for state transitions and returns its cancel function.
func (m *Manager) OnStateChange(callback func(State)) func() {
	if callback == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.observers[id] = callback
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the identity the manager is connected for.
func (m *Manager) Identity() auth.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Topics returns the topics with at least one subscription, sorted.
func (m *Manager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// RefCount returns the number of subscriptions on topic.
func (m *Manager) RefCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topic])
}

// Dials returns the number of physical connection attempts made.
func (m *Manager) Dials() int64 {
	return m.dials.Load()
}

// Connections returns the number of physical connections established.
func (m *Manager) Connections() int64 {
	return m.connections.Load()
}

func (m *Manager) run(ctx context.Context, gen uint64) {
	failures := 0
	for {
		identity, ok := m.transition(gen, StateConnecting)
		if !ok {
			return
		}

		m.dials.Add(1)
		conn, err := m.dialer.Dial(ctx, identity)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			m.logger.Warn("realtime connection failed",
				zap.String("user_id", identity.UserID),
				zap.Int("attempt", failures),
				zap.Duration("retry_in", m.reconnectDelay),
				zap.Error(err))
			if _, ok := m.transition(gen, StateDisconnected); !ok {
				return
			}
			if m.maxAttempts > 0 && failures >= m.maxAttempts {
				m.giveUp(gen, failures)
				return
			}
			if !m.wait(ctx) {
				return
			}
			continue
		}

		failures = 0
		if !m.attach(gen, conn) {
			_ = conn.Close()
			return
		}
		m.connections.Add(1)
		m.logger.Info("realtime connected", zap.String("user_id", identity.UserID))

		m.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}

		m.detach(gen, conn)
		m.logger.Warn("realtime connection lost",
			zap.String("user_id", identity.UserID),
			zap.Duration("retry_in", m.reconnectDelay),
			zap.Error(conn.Err()))
		if !m.wait(ctx) {
			return
		}
	}
}

func (m *Manager) transition(gen uint64, state State) (auth.Identity, bool) {
	m.mu.Lock()
	if m.generation != gen || m.state == StateClosed {
		m.mu.Unlock()
		return auth.Identity{}, false
	}
	identity := m.identity
	changed := m.state != state
	m.state = state
	observers := m.observersLocked()
	m.mu.Unlock()
	if changed {
		notifyState(observers, state)
	}
	return identity, true
}

// attach publishes conn as the live connection and replays every registered topic.
func (m *Manager) attach(gen uint64, conn Conn) bool {
	m.mu.Lock()
	if m.generation != gen || m.state == StateClosed {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	topics := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		if err := conn.Subscribe(topic); err != nil {
			m.logger.Warn("realtime subscription replay failed",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
	m.state = StateConnected
	observers := m.observersLocked()
	m.mu.Unlock()
	notifyState(observers, StateConnected)
	return true
}

func (m *Manager) detach(gen uint64, conn Conn) {
	m.mu.Lock()
	if m.generation != gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	observers := m.observersLocked()
	m.mu.Unlock()
	notifyState(observers, StateDisconnected)
}

func (m *Manager) giveUp(gen uint64, failures int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen {
		return
	}
	m.running = false
	m.cancel = nil
	m.logger.Error("realtime reconnect attempts exhausted",
		zap.String("user_id", m.identity.UserID),
		zap.Int("attempts", failures))
}

func (m *Manager) wait(ctx context.Context) bool {
	timer := time.NewTimer(m.reconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) consume(ctx context.Context, conn Conn) {
	dispatcher := goroutineID()
	messages := conn.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			m.dispatch(dispatcher, message)
		}
	}
}

func (m *Manager) dispatch(dispatcher uint64, message Message) {
	m.mu.Lock()
	subscribers := m.topics[message.Topic]
	targets := make([]*Subscription, 0, len(subscribers))
	for _, subscription := range subscribers {
		targets = append(targets, subscription)
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		m.logger.Debug("realtime message without subscribers", zap.String("topic", message.Topic))
		return
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, subscription := range targets {
		m.deliver(dispatcher, subscription, message)
	}
}

func (m *Manager) deliver(dispatcher uint64, subscription *Subscription, message Message) {
	subscription.gate.RLock()
	defer subscription.gate.RUnlock()
	if !subscription.active.Load() {
		return
	}
	subscription.inHandler.Store(dispatcher)
	defer subscription.inHandler.Store(0)
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("realtime handler panicked",
				zap.String("topic", message.Topic),
				zap.Error(panicError(recovered)))
		}
	}()
	subscription.handler(message)
}

func (m *Manager) observersLocked() []func(State) {
	observers := make([]func(State), 0, len(m.observers))
	for _, observer := range m.observers {
		observers = append(observers, observer)
	}
	return observers
}

func notifyState(observers []func(State), state State) {
	for _, observer := range observers {
		observer(state)
	}
}

func panicError(recovered any) error {
	if err, ok := recovered.(error); ok {
		return err
	}
	return errors.New(fmt.Sprint(recovered))
}
