package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/recipebox/client/internal/config"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/logging"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/realtime"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/session"
	"github.com/MarcoPoloResearchLab/recipebox/client/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile   string
	recipeIDs []int64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "recipebox-sync",
		Short: "Follow a user's notifications and recipe comment threads in realtime",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().Int64SliceVar(&recipeIDs, "recipe", nil, "Recipe id whose comment thread and card state to follow (repeatable)")
	cmd.PersistentFlags().String("api-base-url", defaults.GetString("api.base_url"), "REST API base URL")
	cmd.PersistentFlags().String("broker", defaults.GetString("realtime.broker"), "Realtime broker (websocket, redis)")
	cmd.PersistentFlags().String("realtime-url", defaults.GetString("realtime.url"), "Websocket broker URL")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the redis broker")
	cmd.PersistentFlags().Duration("reconnect-delay", defaults.GetDuration("realtime.reconnect_delay"), "Delay between reconnect attempts")
	cmd.PersistentFlags().Int("max-reconnect-attempts", defaults.GetInt("realtime.max_reconnect_attempts"), "Consecutive failed attempts before giving up (0 retries forever)")
	cmd.PersistentFlags().String("token", "", "Session bearer token (overrides env)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "realtime.broker", "broker")
	bindFlag(cmd, "realtime.url", "realtime-url")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "realtime.reconnect_delay", "reconnect-delay")
	bindFlag(cmd, "realtime.max_reconnect_attempts", "max-reconnect-attempts")
	bindFlag(cmd, "session.token", "token")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newDialer(cfg config.ClientConfig, logger *zap.Logger) (realtime.Dialer, error) {
	switch cfg.Broker {
	case config.BrokerRedis:
		return realtime.NewRedisDialer(realtime.RedisConfig{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Logger:   logger,
		})
	default:
		return realtime.NewWebsocketDialer(realtime.WebsocketConfig{URL: cfg.RealtimeURL, Logger: logger})
	}
}

func runSync(ctx context.Context) error {
	appConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewConsoleLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	dialer, err := newDialer(appConfig, logger)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	current, err := session.New(signalCtx, session.Config{
		Token:                appConfig.Token,
		APIBaseURL:           appConfig.APIBaseURL,
		Dialer:               dialer,
		ReconnectDelay:       appConfig.ReconnectDelay,
		MaxReconnectAttempts: appConfig.MaxReconnectAttempts,
		OrphanTTL:            appConfig.OrphanTTL,
		TombstoneTTL:         appConfig.TombstoneTTL,
		Logger:               logger,
	})
	if err != nil {
		return err
	}
	defer current.Shutdown()

	current.Manager().OnStateChange(func(state realtime.State) {
		logger.Info("connection state", zap.Stringer("state", state))
	})

	feed := current.Notifications()
	feed.OnChange(func(change store.Change) {
		if change.Kind == store.ChangeUpsert {
			if notification, ok := current.Store().Notifications().Get(change.ID); ok {
				fmt.Printf("notification %d: %s %s\n", notification.ID, notification.Title, notification.Message)
			}
		}
		logger.Debug("notification feed changed",
			zap.String("kind", string(change.Kind)),
			zap.Int64("id", change.ID),
			zap.Int("unread", feed.UnreadCount()),
			zap.Int("unseen", feed.UnseenCount()))
	})
	if err := feed.Mount(signalCtx); err != nil {
		return err
	}
	logger.Info("notification feed mounted", zap.Int("unread", feed.UnreadCount()), zap.Int("unseen", feed.UnseenCount()))

	for _, recipeID := range recipeIDs {
		thread, err := current.NewCommentThread()
		if err != nil {
			return err
		}
		thread.OnChange(func(change store.Change) {
			fmt.Printf("recipe %d: %s comment %d (%d comments)\n", recipeID, change.Kind, change.ID, current.Store().Comments().Count(recipeID))
		})
		if err := thread.Mount(signalCtx, recipeID); err != nil {
			return err
		}
		defer thread.Unmount()
	}
	if len(recipeIDs) > 0 {
		if err := current.Recipes().Seed(signalCtx, recipeIDs); err != nil {
			logger.Warn("failed to load recipe states", zap.Error(err))
		}
		for _, recipeID := range recipeIDs {
			state := current.Recipes().State(recipeID)
			fmt.Printf("recipe %d: liked=%t likes=%d saved=%t\n", recipeID, state.Liked, state.LikeCount, state.Saved)
		}
	}

	<-signalCtx.Done()
	return nil
}
