// Package session owns the realtime core for one authenticated identity. A
// Service is created at sign-in and shut down at sign-out; switching users
// means shutting one Service down and creating another.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/api"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/auth"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/bindings"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/bootstrap"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/realtime"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/router"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HeaderSessionID carries the client session id on REST calls so the backend
// can correlate a user's actions with the realtime echo they produce.
const HeaderSessionID = "X-Recipebox-Session"

var (
	errMissingToken  = errors.New("session: bearer token required")
	errMissingDialer = errors.New("session: realtime dialer required")
	// ErrShutdown indicates use of a Service after Shutdown.
	ErrShutdown = errors.New("session: shut down")
)

// Config describes a Service.
type Config struct {
	// Token is the bearer token of the signed-in user. The identity is read
	// from its claims; the backend is responsible for verifying it.
	Token                string
	APIBaseURL           string
	HTTPClient           *http.Client
	Dialer               realtime.Dialer
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	OrphanTTL            time.Duration
	TombstoneTTL         time.Duration
	EvictOnSwitch        bool
	Clock                func() time.Time
	Logger               *zap.Logger
}

// Service is the realtime core of one signed-in session.
type Service struct {
	id       string
	identity auth.Identity
	logger   *zap.Logger

	store         *store.Store
	api           *api.Client
	router        *router.Router
	loader        *bootstrap.Loader
	manager       *realtime.Manager
	notifications *bindings.NotificationFeed
	recipes       *bindings.RecipeCards
	evictOnSwitch bool

	cancel   context.CancelFunc
	pruneWG  sync.WaitGroup
	mu       sync.Mutex
	shutdown bool
}

// New builds every component for the token's identity and starts connecting.
// The connection is established in the background; subscriptions made before
// it is up are replayed once it is.
func New(ctx context.Context, cfg Config) (*Service, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errMissingToken
	}
	if cfg.Dialer == nil {
		return nil, errMissingDialer
	}
	identity, err := auth.IdentityFromToken(token)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.NewString()
	logger = logger.With(zap.String("session_id", id), zap.String("user_id", identity.UserID))

	entities := store.New(store.Config{
		Clock:        cfg.Clock,
		OrphanTTL:    cfg.OrphanTTL,
		TombstoneTTL: cfg.TombstoneTTL,
		Logger:       logger,
	})
	header := http.Header{}
	header.Set(HeaderSessionID, id)
	client, err := api.NewClient(api.Config{
		BaseURL:    cfg.APIBaseURL,
		Token:      token,
		Header:     header,
		HTTPClient: cfg.HTTPClient,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	messageRouter, err := router.New(router.Config{Store: entities, Logger: logger})
	if err != nil {
		return nil, err
	}
	loader, err := bootstrap.New(bootstrap.Config{Store: entities, Source: client, Logger: logger})
	if err != nil {
		return nil, err
	}
	manager, err := realtime.NewManager(realtime.ManagerConfig{
		Dialer:               cfg.Dialer,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Logger:               logger,
	})
	if err != nil {
		return nil, err
	}
	feed, err := bindings.NewNotificationFeed(bindings.NotificationFeedConfig{
		Store:      entities,
		Loader:     loader,
		Subscriber: manager,
		Handler:    messageRouter.Handler(),
		API:        client,
		UserID:     identity.UserID,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	cards, err := bindings.NewRecipeCards(bindings.RecipeCardsConfig{
		Store:  entities,
		Loader: loader,
		API:    client,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	if err := manager.Connect(identity); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	service := &Service{
		id:            id,
		identity:      identity,
		logger:        logger,
		store:         entities,
		api:           client,
		router:        messageRouter,
		loader:        loader,
		manager:       manager,
		notifications: feed,
		recipes:       cards,
		evictOnSwitch: cfg.EvictOnSwitch,
		cancel:        cancel,
	}
	orphanTTL := cfg.OrphanTTL
	if orphanTTL <= 0 {
		orphanTTL = store.DefaultOrphanTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	service.pruneWG.Add(1)
	go service.prune(runCtx, orphanTTL, clock)

	logger.Info("session started")
	return service, nil
}

func (s *Service) prune(ctx context.Context, interval time.Duration, clock func() time.Time) {
	defer s.pruneWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.store.Prune(clock())
		}
	}
}

// ID returns the client session id.
func (s *Service) ID() string {
	return s.id
}

// Identity returns the signed-in identity.
func (s *Service) Identity() auth.Identity {
	return s.identity
}

// Store returns the session's entity store.
func (s *Service) Store() *store.Store {
	return s.store
}

// Manager returns the session's connection manager.
func (s *Service) Manager() *realtime.Manager {
	return s.manager
}

// Router returns the session's topic router.
func (s *Service) Router() *router.Router {
	return s.router
}

// API returns the session's REST client.
func (s *Service) API() *api.Client {
	return s.api
}

// Notifications returns the notification feed binding.
func (s *Service) Notifications() *bindings.NotificationFeed {
	return s.notifications
}

// Recipes returns the shared recipe card binding.
func (s *Service) Recipes() *bindings.RecipeCards {
	return s.recipes
}

// NewCommentThread returns a comment thread binding. Each UI feature showing
// comments takes its own; they share the connection and the store.
func (s *Service) NewCommentThread() (*bindings.CommentThread, error) {
	s.mu.Lock()
	closed := s.shutdown
	s.mu.Unlock()
	if closed {
		return nil, ErrShutdown
	}
	return bindings.NewCommentThread(bindings.CommentThreadConfig{
		Store:         s.store,
		Loader:        s.loader,
		Subscriber:    s.manager,
		Handler:       s.router.Handler(),
		API:           s.api,
		EvictOnSwitch: s.evictOnSwitch,
		Logger:        s.logger,
	})
}

// Shutdown closes the connection, drops every subscription and observer, and
// clears the store. It is safe to call more than once.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.mu.Unlock()

	s.cancel()
	s.pruneWG.Wait()
	s.notifications.Unmount()
	s.manager.Disconnect()
	s.store.Reset()
	s.logger.Info("session stopped",
		zap.Int64("messages_routed", s.router.Routed()),
		zap.Int64("messages_dropped", s.router.Dropped()),
		zap.Int64("connections", s.manager.Connections()))
}
