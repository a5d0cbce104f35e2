package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/auth"
	"github.com/go-redis/redis/v7"
	"go.uber.org/zap"
)

// RedisConfig describes a Redis pub/sub broker. Topics map one-to-one to
// Redis channels.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Logger   *zap.Logger
}

// RedisDialer opens Redis pub/sub connections.
type RedisDialer struct {
	options *redis.Options
	logger  *zap.Logger
}

// NewRedisDialer validates cfg and constructs a RedisDialer.
func NewRedisDialer(cfg RedisConfig) (*RedisDialer, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("realtime: redis address required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisDialer{
		options: &redis.Options{
			Addr:     addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		},
		logger: logger,
	}, nil
}

// Dial opens a pub/sub connection. The identity is not used by Redis; access
// control is expected at the network level.
func (d *RedisDialer) Dial(ctx context.Context, _ auth.Identity) (Conn, error) {
	client := redis.NewClient(d.options).WithContext(ctx)
	if err := client.Ping().Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis %s: %v", ErrDialFailed, d.options.Addr, err)
	}

	pubsub := client.Subscribe()
	conn := &redisConn{
		client:   client,
		pubsub:   pubsub,
		messages: make(chan Message, messageBufferSize),
		done:     make(chan struct{}),
		logger:   d.logger,
	}
	go conn.readLoop()
	return conn, nil
}

type redisConn struct {
	client *redis.Client
	pubsub *redis.PubSub
	logger *zap.Logger

	messages  chan Message
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func (c *redisConn) Subscribe(topic string) error {
	if c.closed() {
		return ErrConnClosed
	}
	return c.pubsub.Subscribe(topic)
}

func (c *redisConn) Unsubscribe(topic string) error {
	if c.closed() {
		return ErrConnClosed
	}
	return c.pubsub.Unsubscribe(topic)
}

func (c *redisConn) Messages() <-chan Message {
	return c.messages
}

func (c *redisConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *redisConn) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.done)
		closeErr = c.pubsub.Close()
		if err := c.client.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	})
	return closeErr
}

func (c *redisConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *redisConn) readLoop() {
	defer close(c.messages)
	for {
		received, err := c.pubsub.Receive()
		if err != nil {
			if !c.closed() {
				c.setErr(err)
				_ = c.Close()
			}
			return
		}
		switch event := received.(type) {
		case *redis.Message:
			select {
			case c.messages <- Message{Topic: event.Channel, Payload: []byte(event.Payload)}:
			case <-c.done:
				return
			}
		case *redis.Subscription:
			c.logger.Debug("redis subscription changed",
				zap.String("kind", event.Kind),
				zap.String("channel", event.Channel),
				zap.Int("count", event.Count))
		case *redis.Pong:
		}
	}
}

func (c *redisConn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
