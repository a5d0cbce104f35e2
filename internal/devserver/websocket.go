package devserver

import (
	"context"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/realtime"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	socketWriteTimeout = 5 * time.Second
	socketReadTimeout  = 60 * time.Second
	socketPingInterval = 20 * time.Second
	socketReadLimit    = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// socketClient is one upgraded websocket connection bound to a user.
type socketClient struct {
	id     string
	userID string
	conn   *websocket.Conn
	hub    *Hub
	stream *Stream
	logger *zap.Logger
}

// serveSocket upgrades an authenticated request and pumps frames until either
// side goes away.
func serveSocket(ctx context.Context, hub *Hub, userID string, w http.ResponseWriter, r *http.Request, logger *zap.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &socketClient{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		hub:    hub,
		stream: hub.NewStream(),
	}
	client.logger = logger.With(zap.String("client_id", client.id), zap.String("user_id", userID))
	client.logger.Info("realtime client connected")

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.writeLoop(ctx)
	}()
	client.readLoop()
	cancel()
	<-done
	hub.Remove(client.stream)
	_ = conn.Close()
	client.logger.Info("realtime client disconnected")
}

func (c *socketClient) readLoop() {
	c.conn.SetReadLimit(socketReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
	})
	for {
		var frame realtime.ClientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("realtime read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(socketReadTimeout))
		c.handleFrame(frame)
	}
}

func (c *socketClient) handleFrame(frame realtime.ClientFrame) {
	family, key, err := realtime.ParseTopic(frame.Topic)
	if err != nil {
		c.logger.Warn("realtime frame rejected", zap.String("topic", frame.Topic), zap.Error(err))
		return
	}
	if family == realtime.FamilyNotifications && key != c.userID {
		c.logger.Warn("realtime subscription denied", zap.String("topic", frame.Topic))
		return
	}
	switch frame.Action {
	case realtime.ActionSubscribe:
		c.hub.Subscribe(frame.Topic, c.stream)
	case realtime.ActionUnsubscribe:
		c.hub.Unsubscribe(frame.Topic, c.stream)
	default:
		c.logger.Warn("realtime frame has unknown action", zap.String("action", frame.Action))
	}
}

func (c *socketClient) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(socketPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(socketWriteTimeout)
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case frame := <-c.stream.Frames():
			_ = c.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Debug("realtime write failed", zap.Error(err))
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteTimeout)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}
