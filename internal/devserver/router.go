package devserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/auth"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "recipebox_user_id"

var (
	errMissingService       = errors.New("service dependency required")
	errMissingIssuer        = errors.New("token issuer dependency required")
	errMissingValidator     = errors.New("session validator dependency required")
	errMissingHub           = errors.New("hub dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Dependencies wires the development backend's HTTP surface.
type Dependencies struct {
	Service        *Service
	Issuer         *auth.TokenIssuer
	Validator      *auth.SessionValidator
	Hub            *Hub
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving REST endpoints and /realtime.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Service == nil {
		return nil, errMissingService
	}
	if deps.Issuer == nil {
		return nil, errMissingIssuer
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		service:   deps.Service,
		issuer:    deps.Issuer,
		validator: deps.Validator,
		hub:       deps.Hub,
		logger:    logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/realtime", handler.handleRealtime)

	protected.GET("/notifications", handler.handleListNotifications)
	protected.POST("/notifications", handler.handleCreateNotification)
	protected.DELETE("/notifications", handler.handleClearNotifications)
	protected.POST("/notifications/seen", handler.handleMarkAllSeen)
	protected.POST("/notifications/:id/read", handler.handleMarkRead)
	protected.DELETE("/notifications/:id", handler.handleDeleteNotification)

	protected.GET("/recipes/state", handler.handleRecipeStates)
	protected.GET("/recipes/:id/comments", handler.handleListComments)
	protected.POST("/recipes/:id/comments", handler.handleCreateComment)
	protected.DELETE("/recipes/:id/comments/:commentId", handler.handleDeleteComment)
	protected.POST("/recipes/:id/like", handler.handleToggle(true, deps.Service.SetLike))
	protected.DELETE("/recipes/:id/like", handler.handleToggle(false, deps.Service.SetLike))
	protected.POST("/recipes/:id/save", handler.handleToggle(true, deps.Service.SetSave))
	protected.DELETE("/recipes/:id/save", handler.handleToggle(false, deps.Service.SetSave))

	return router, nil
}

type httpHandler struct {
	service   *Service
	issuer    *auth.TokenIssuer
	validator *auth.SessionValidator
	hub       *Hub
	logger    *zap.Logger
}

type tokenRequestPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	token, expiresIn, err := h.issuer.IssueSessionToken(strings.TrimSpace(request.UserID), request.DisplayName)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleRealtime(c *gin.Context) {
	serveSocket(c.Request.Context(), h.hub, c.GetString(userIDContextKey), c.Writer, c.Request, h.logger)
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	notifications, err := h.service.ListNotifications(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, notifications)
}

func (h *httpHandler) handleCreateNotification(c *gin.Context) {
	var input NotificationInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.TrimSpace(input.SenderID) == "" {
		input.SenderID = c.GetString(userIDContextKey)
	}
	created, err := h.service.CreateNotification(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleClearNotifications(c *gin.Context) {
	if err := h.service.ClearNotifications(c.Request.Context(), c.GetString(userIDContextKey)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMarkAllSeen(c *gin.Context) {
	if err := h.service.MarkAllNotificationsSeen(c.Request.Context(), c.GetString(userIDContextKey)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.service.MarkNotificationRead(c.Request.Context(), c.GetString(userIDContextKey), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteNotification(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteNotification(c.Request.Context(), c.GetString(userIDContextKey), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRecipeStates(c *gin.Context) {
	var ids []int64
	for _, part := range strings.Split(c.Query("ids"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_ids"})
			return
		}
		ids = append(ids, id)
	}
	states, err := h.service.RecipeStates(c.Request.Context(), c.GetString(userIDContextKey), ids)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, states)
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	recipeID, ok := pathID(c, "id")
	if !ok {
		return
	}
	comments, err := h.service.ListComments(c.Request.Context(), recipeID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, comments)
}

type createCommentPayload struct {
	Content  string `json:"content"`
	ParentID *int64 `json:"parentId"`
}

func (h *httpHandler) handleCreateComment(c *gin.Context) {
	recipeID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var request createCommentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	created, err := h.service.CreateComment(c.Request.Context(), c.GetString(userIDContextKey), recipeID, request.Content, request.ParentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleDeleteComment(c *gin.Context) {
	recipeID, ok := pathID(c, "id")
	if !ok {
		return
	}
	commentID, ok := pathID(c, "commentId")
	if !ok {
		return
	}
	if err := h.service.DeleteComment(c.Request.Context(), c.GetString(userIDContextKey), recipeID, commentID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type toggleFunc func(ctx context.Context, userID string, recipeID int64, on bool) (store.SyncState, error)

func (h *httpHandler) handleToggle(on bool, toggle toggleFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		recipeID, ok := pathID(c, "id")
		if !ok {
			return
		}
		state, err := toggle(c.Request.Context(), c.GetString(userIDContextKey), recipeID, on)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, state)
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := auth.BearerToken(c.Request)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errForbidden):
		status = http.StatusForbidden
	case errors.Is(err, errInvalidInput), errors.Is(err, errNestedReply):
		status = http.StatusBadRequest
	}
	code := "internal_error"
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_" + strings.ToLower(name)})
		return 0, false
	}
	return id, true
}
