package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/api"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/auth"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/realtime"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/store"
	"github.com/gin-gonic/gin"
)

const (
	testSigningSecret = "devserver-test-secret"
	testIssuer        = "recipebox-dev"
	testAudience      = "recipebox-api"
)

type testServer struct {
	server  *httptest.Server
	service *Service
	hub     *Hub
	issuer  *auth.TokenIssuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil)
	service := newTestService(t, hub)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		Service:   service,
		Issuer:    issuer,
		Validator: validator,
		Hub:       hub,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testServer{server: server, service: service, hub: hub, issuer: issuer}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := s.issuer.IssueSessionToken(userID, userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) client(t *testing.T, userID string) *api.Client {
	t.Helper()
	client, err := api.NewClient(api.Config{BaseURL: s.server.URL, Token: s.token(t, userID)})
	if err != nil {
		t.Fatalf("failed to build api client: %v", err)
	}
	return client
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingService {
		t.Fatalf("expected missing service error, got %v", err)
	}
}

func TestRouterRejectsMissingAuthorization(t *testing.T) {
	server := newTestServer(t)

	response, err := http.Get(server.server.URL + "/notifications")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.StatusCode)
	}
}

func TestRouterIssuesDevTokens(t *testing.T) {
	server := newTestServer(t)

	body := bytes.NewBufferString(`{"user_id":"user-1","display_name":"User One"}`)
	response, err := http.Post(server.server.URL+"/auth/token", "application/json", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	var payload tokenResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	identity, err := auth.IdentityFromToken(payload.AccessToken)
	if err != nil || identity.UserID != "user-1" {
		t.Fatalf("expected token for user-1, got %+v (%v)", identity, err)
	}
	if payload.TokenType != "Bearer" || payload.ExpiresIn <= 0 {
		t.Fatalf("unexpected token payload %+v", payload)
	}
}

func TestRouterServesRESTEndpoints(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	bruno := server.client(t, "chef-bruno")
	ana := server.client(t, "chef-ana")

	comment, err := bruno.CreateComment(ctx, 1, "Crispy edges", nil)
	if err != nil {
		t.Fatalf("create comment failed: %v", err)
	}
	if _, err := ana.CreateComment(ctx, 1, "Thank you", &comment.ID); err != nil {
		t.Fatalf("create reply failed: %v", err)
	}
	comments, err := bruno.ListComments(ctx, 1)
	if err != nil {
		t.Fatalf("list comments failed: %v", err)
	}
	if len(comments) != 1 || len(comments[0].Replies) != 1 {
		t.Fatalf("expected one thread with one reply, got %+v", comments)
	}

	if err := ana.DeleteComment(ctx, 1, comment.ID); !api.IsStatus(err, http.StatusForbidden) {
		t.Fatalf("expected 403 for foreign delete, got %v", err)
	}
	if _, err := bruno.ListComments(ctx, 404); !api.IsStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 for unknown recipe, got %v", err)
	}

	notifications, err := ana.ListNotifications(ctx)
	if err != nil {
		t.Fatalf("list notifications failed: %v", err)
	}
	if len(notifications) != 1 || notifications[0].SenderID != "chef-bruno" {
		t.Fatalf("expected the comment notification, got %+v", notifications)
	}
	if err := ana.MarkNotificationRead(ctx, notifications[0].ID); err != nil {
		t.Fatalf("mark read failed: %v", err)
	}
	if err := bruno.MarkNotificationRead(ctx, notifications[0].ID); !api.IsStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 marking a foreign notification, got %v", err)
	}
	if err := ana.MarkAllNotificationsSeen(ctx); err != nil {
		t.Fatalf("mark all seen failed: %v", err)
	}
	if err := ana.DeleteNotification(ctx, notifications[0].ID); err != nil {
		t.Fatalf("delete notification failed: %v", err)
	}
	if err := ana.ClearNotifications(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	state, err := bruno.SetLike(ctx, 1, true)
	if err != nil || !state.Liked || state.LikeCount != 1 {
		t.Fatalf("unexpected like state %+v (%v)", state, err)
	}
	state, err = bruno.SetSave(ctx, 1, true)
	if err != nil || !state.Saved {
		t.Fatalf("unexpected save state %+v (%v)", state, err)
	}
	state, err = bruno.SetLike(ctx, 1, false)
	if err != nil || state.Liked || state.LikeCount != 0 {
		t.Fatalf("unexpected unlike state %+v (%v)", state, err)
	}
	states, err := bruno.RecipeStates(ctx, []int64{1, 2})
	if err != nil || len(states) != 2 || !states[0].Saved || states[1].Saved {
		t.Fatalf("unexpected recipe states %+v (%v)", states, err)
	}
}

func TestRouterInjectsNotifications(t *testing.T) {
	server := newTestServer(t)

	request, err := http.NewRequest(http.MethodPost, server.server.URL+"/notifications", strings.NewReader(`{"userId":"user-2","title":"Ping"}`))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+server.token(t, "user-1"))
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", response.StatusCode)
	}
	var created store.Notification
	if err := json.NewDecoder(response.Body).Decode(&created); err != nil {
		t.Fatalf("failed to decode notification: %v", err)
	}
	if created.SenderID != "user-1" || created.ID == 0 {
		t.Fatalf("expected sender to default to the caller, got %+v", created)
	}
}

func TestRouterCORSPreflightAllowsDelete(t *testing.T) {
	server := newTestServer(t)

	request, err := http.NewRequest(http.MethodOptions, server.server.URL+"/notifications/1", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, response.StatusCode)
	}
	allowMethods := response.Header.Get("Access-Control-Allow-Methods")
	if !strings.Contains(allowMethods, http.MethodDelete) {
		t.Fatalf("expected DELETE to be allowed, got %q", allowMethods)
	}
}

func TestRealtimeEndpointStreamsTopics(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	dialer, err := realtime.NewWebsocketDialer(realtime.WebsocketConfig{
		URL: "ws" + strings.TrimPrefix(server.server.URL, "http") + "/realtime",
	})
	if err != nil {
		t.Fatalf("failed to build dialer: %v", err)
	}
	manager, err := realtime.NewManager(realtime.ManagerConfig{Dialer: dialer, ReconnectDelay: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	t.Cleanup(manager.Disconnect)

	identity := auth.Identity{UserID: "chef-ana", Token: server.token(t, "chef-ana")}
	if err := manager.Connect(identity); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	received := make(chan realtime.Message, 8)
	forward := func(message realtime.Message) { received <- message }
	ownTopic := realtime.NotificationsTopic("chef-ana")
	foreignTopic := realtime.NotificationsTopic("chef-bruno")
	commentsTopic := realtime.CommentsTopic(1)
	for _, topic := range []string{ownTopic, foreignTopic, commentsTopic} {
		if _, err := manager.Subscribe(topic, forward); err != nil {
			t.Fatalf("subscribe %s failed: %v", topic, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.hub.Subscribers(ownTopic) == 0 || server.hub.Subscribers(commentsTopic) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriptions never reached the hub")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if server.hub.Subscribers(foreignTopic) != 0 {
		t.Fatalf("expected another user's notification topic to be refused")
	}

	if _, err := server.service.CreateComment(ctx, "chef-bruno", 1, "Realtime hello", nil); err != nil {
		t.Fatalf("create comment failed: %v", err)
	}

	topics := map[string]json.RawMessage{}
	timeout := time.After(2 * time.Second)
	for len(topics) < 2 {
		select {
		case message := <-received:
			topics[message.Topic] = message.Payload
		case <-timeout:
			t.Fatalf("expected comment and notification frames, got %v", topics)
		}
	}

	var comment store.Comment
	if err := json.Unmarshal(topics[commentsTopic], &comment); err != nil || comment.Content != "Realtime hello" {
		t.Fatalf("unexpected comment payload %s (%v)", topics[commentsTopic], err)
	}
	var notification store.Notification
	if err := json.Unmarshal(topics[ownTopic], &notification); err != nil || notification.SenderID != "chef-bruno" {
		t.Fatalf("unexpected notification payload %s (%v)", topics[ownTopic], err)
	}
}

func TestRealtimeEndpointRejectsInvalidToken(t *testing.T) {
	server := newTestServer(t)

	dialer, err := realtime.NewWebsocketDialer(realtime.WebsocketConfig{
		URL: "ws" + strings.TrimPrefix(server.server.URL, "http") + "/realtime",
	})
	if err != nil {
		t.Fatalf("failed to build dialer: %v", err)
	}
	_, err = dialer.Dial(context.Background(), auth.Identity{UserID: "chef-ana", Token: "forged"})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected a 401 dial failure, got %v", err)
	}
}
