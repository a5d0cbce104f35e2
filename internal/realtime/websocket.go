package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultReadTimeout      = 30 * time.Second
	defaultPingInterval     = 10 * time.Second
	messageBufferSize       = 64
)

// WebsocketConfig describes the websocket broker endpoint.
type WebsocketConfig struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	Logger           *zap.Logger
}

// WebsocketDialer opens JSON-framed websocket connections to the broker.
type WebsocketDialer struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	readTimeout  time.Duration
	pingInterval time.Duration
	logger       *zap.Logger
}

// NewWebsocketDialer validates cfg and constructs a WebsocketDialer.
func NewWebsocketDialer(cfg WebsocketConfig) (*WebsocketDialer, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("realtime: websocket url required")
	}
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("realtime: websocket url must use ws or wss scheme: %q", url)
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketDialer{
		url:    url,
		header: cfg.Header.Clone(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		writeTimeout: writeTimeout,
		readTimeout:  readTimeout,
		pingInterval: pingInterval,
		logger:       logger,
	}, nil
}

// Dial opens a connection authenticated with the identity's bearer token.
func (d *WebsocketDialer) Dial(ctx context.Context, identity auth.Identity) (Conn, error) {
	header := d.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if token := strings.TrimSpace(identity.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, response, err := d.dialer.DialContext(ctx, d.url, header)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("%w: %s: status %d: %v", ErrDialFailed, d.url, response.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrDialFailed, d.url, err)
	}

	conn := &wsConn{
		ws:           ws,
		writeTimeout: d.writeTimeout,
		readTimeout:  d.readTimeout,
		messages:     make(chan Message, messageBufferSize),
		done:         make(chan struct{}),
		logger:       d.logger,
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(conn.readTimeout))
	})
	go conn.readLoop()
	go conn.pingLoop(d.pingInterval)
	return conn, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	readTimeout  time.Duration
	logger       *zap.Logger

	writeMu   sync.Mutex
	messages  chan Message
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func (c *wsConn) Subscribe(topic string) error {
	return c.writeFrame(ClientFrame{Action: ActionSubscribe, Topic: topic})
}

func (c *wsConn) Unsubscribe(topic string) error {
	return c.writeFrame(ClientFrame{Action: ActionUnsubscribe, Topic: topic})
}

func (c *wsConn) Messages() <-chan Message {
	return c.messages
}

func (c *wsConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *wsConn) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		closeErr = c.ws.Close()
	})
	return closeErr
}

func (c *wsConn) writeFrame(frame ClientFrame) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(frame)
}

func (c *wsConn) readLoop() {
	defer close(c.messages)
	defer c.Close()

	_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.setErr(err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		var frame ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil || strings.TrimSpace(frame.Topic) == "" {
			c.logger.Warn("dropping malformed realtime frame", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		select {
		case c.messages <- Message{Topic: frame.Topic, Payload: frame.Payload}:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.setErr(err)
				_ = c.Close()
				return
			}
		}
	}
}

func (c *wsConn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
