package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type recordedRequest struct {
	method        string
	path          string
	query         string
	authorization string
	body          map[string]any
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *[]recordedRequest) {
	t.Helper()
	var recorded []recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := recordedRequest{
			method:        r.Method,
			path:          r.URL.Path,
			query:         r.URL.RawQuery,
			authorization: r.Header.Get("Authorization"),
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&entry.body)
		}
		recorded = append(recorded, entry)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(Config{BaseURL: server.URL, Token: "token-1", HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client, &recorded
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func TestNewClientValidatesBaseURL(t *testing.T) {
	testCases := []struct {
		name string
		url  string
		code string
	}{
		{name: "missing", url: "  ", code: "api.client.new.missing_base_url"},
		{name: "relative", url: "/api", code: "api.client.new.invalid_base_url"},
		{name: "websocket", url: "ws://localhost", code: "api.client.new.invalid_base_url"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := NewClient(Config{BaseURL: testCase.url})
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) {
				t.Fatalf("expected service error, got %v", err)
			}
			if serviceErr.Code() != testCase.code {
				t.Fatalf("expected code %s, got %s", testCase.code, serviceErr.Code())
			}
		})
	}
}

func TestListCommentsFillsRecipeID(t *testing.T) {
	client, recorded := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"idComment": 1, "content": "top", "parentId": nil, "replies": []map[string]any{
				{"idComment": 2, "content": "reply", "parentId": 1},
			}},
		})
	})

	comments, err := client.ListComments(context.Background(), 42)
	if err != nil {
		t.Fatalf("list comments failed: %v", err)
	}
	if len(comments) != 1 || comments[0].RecipeID != 42 || comments[0].Replies[0].RecipeID != 42 {
		t.Fatalf("unexpected comments: %#v", comments)
	}
	if comments[0].Replies[0].ParentID == nil || *comments[0].Replies[0].ParentID != 1 {
		t.Fatalf("expected reply parent to decode")
	}
	request := (*recorded)[0]
	if request.method != http.MethodGet || request.path != "/recipes/42/comments" {
		t.Fatalf("unexpected request: %#v", request)
	}
	if request.authorization != "Bearer token-1" {
		t.Fatalf("expected bearer token, got %q", request.authorization)
	}
}

func TestCreateCommentSendsParent(t *testing.T) {
	client, recorded := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"idComment": 9, "content": "hi", "parentId": 4})
	})

	parentID := int64(4)
	created, err := client.CreateComment(context.Background(), 42, " hi ", &parentID)
	if err != nil {
		t.Fatalf("create comment failed: %v", err)
	}
	if created.ID != 9 || created.RecipeID != 42 {
		t.Fatalf("unexpected comment: %#v", created)
	}
	body := (*recorded)[0].body
	if body["content"] != "hi" || body["parentId"] != float64(4) {
		t.Fatalf("unexpected request body: %#v", body)
	}
}

func TestRecipeStatesEncodesIDs(t *testing.T) {
	client, recorded := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{{"recipeId": 1, "liked": true, "likeCount": 3}})
	})
	states, err := client.RecipeStates(context.Background(), []int64{1, 2})
	if err != nil {
		t.Fatalf("recipe states failed: %v", err)
	}
	if len(states) != 1 || !states[0].Liked || states[0].LikeCount != 3 {
		t.Fatalf("unexpected states: %#v", states)
	}
	if (*recorded)[0].query != "ids=1%2C2" {
		t.Fatalf("unexpected query: %q", (*recorded)[0].query)
	}
}

func TestToggleUsesMethodPerDirection(t *testing.T) {
	client, recorded := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"saved": r.Method == http.MethodPost})
	})
	state, err := client.SetSave(context.Background(), 5, true)
	if err != nil || !state.Saved || state.RecipeID != 5 {
		t.Fatalf("unexpected save result: %#v, %v", state, err)
	}
	if _, err := client.SetLike(context.Background(), 5, false); err != nil {
		t.Fatalf("unlike failed: %v", err)
	}
	if (*recorded)[0].method != http.MethodPost || (*recorded)[0].path != "/recipes/5/save" {
		t.Fatalf("unexpected save request: %#v", (*recorded)[0])
	}
	if (*recorded)[1].method != http.MethodDelete || (*recorded)[1].path != "/recipes/5/like" {
		t.Fatalf("unexpected unlike request: %#v", (*recorded)[1])
	}
}

func TestErrorResponsesCarryStatusAndCode(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
	})
	err := client.DeleteComment(context.Background(), 42, 7)
	if !IsStatus(err, http.StatusForbidden) {
		t.Fatalf("expected forbidden status, got %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != "forbidden" {
		t.Fatalf("expected backend error code, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "api.comments.delete.status" {
		t.Fatalf("unexpected service error: %v", err)
	}
}

func TestSetTokenRotatesBearer(t *testing.T) {
	client, recorded := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	client.SetToken("token-2")
	if err := client.MarkAllNotificationsSeen(context.Background()); err != nil {
		t.Fatalf("mark seen failed: %v", err)
	}
	if (*recorded)[0].authorization != "Bearer token-2" || (*recorded)[0].path != "/notifications/seen" {
		t.Fatalf("unexpected request: %#v", (*recorded)[0])
	}
}

func TestInvalidArgumentsFailBeforeRequest(t *testing.T) {
	client, recorded := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if _, err := client.CreateComment(context.Background(), 1, "   ", nil); err == nil {
		t.Fatalf("expected empty content to fail")
	}
	if err := client.MarkNotificationRead(context.Background(), 0); err == nil {
		t.Fatalf("expected invalid id to fail")
	}
	if len(*recorded) != 0 {
		t.Fatalf("expected no requests, got %d", len(*recorded))
	}
}
