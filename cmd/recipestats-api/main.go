package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/config"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/database"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/recipes"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/reviews"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/server"
	"github.com/MarcoPoloResearchLab/recipestats/backend/internal/stats"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "recipestats-api",
		Short: "Recipe review statistics service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand(), newRecomputeCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Trigger token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("events-source", defaults.GetString("events.source"), "Change event source (changelog, dispatcher, kafka, none)")
	cmd.PersistentFlags().String("signing-secret", "", "Trigger token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "events.source", "events-source")
	bindFlag(cmd, "trigger.signing_secret", "signing-secret")
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

func newIssueTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a bearer token for the review trigger endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueTriggerToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "review-trigger", "Token subject")
	return cmd
}

func newRecomputeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <recipeId>...",
		Short: "Recompute review statistics for the given recipes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			recalculator, err := newRecalculator(db, appConfig, logger)
			if err != nil {
				return err
			}
			for _, raw := range args {
				recipeID, err := recipes.NewRecipeID(raw)
				if err != nil {
					return err
				}
				outcome, err := recalculator.Recompute(cmd.Context(), recipeID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%.4f\t%d\n", outcome.RecipeID, outcome.Status, outcome.AverageRating, outcome.ReviewCount)
			}
			return nil
		},
	}
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.TriggerSigningSecret),
		Issuer:        appConfig.TriggerIssuer,
		Audience:      appConfig.TriggerAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func newRecalculator(db *gorm.DB, appConfig config.AppConfig, logger *zap.Logger) (*stats.Recalculator, error) {
	statsStore, err := database.NewStatsStore(database.StatsStoreConfig{
		Database:    db,
		MaxAttempts: appConfig.StoreMaxTransactionAttempts,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return stats.NewRecalculator(stats.RecalculatorConfig{Store: statsStore, Logger: logger})
}

func newChangeSource(db *gorm.DB, dispatcher *changes.Dispatcher, appConfig config.AppConfig, logger *zap.Logger) (changes.Source, error) {
	switch appConfig.EventSource {
	case config.EventSourceChangeLog:
		return changes.NewChangeLogPoller(changes.ChangeLogPollerConfig{
			Database:     db,
			PollInterval: appConfig.ChangeLogPollInterval,
			BatchSize:    appConfig.ChangeLogBatchSize,
			MaxAttempts:  appConfig.ChangeLogMaxAttempts,
			Logger:       logger,
		})
	case config.EventSourceDispatcher:
		return changes.NewDispatcherSource(dispatcher, logger), nil
	case config.EventSourceKafka:
		return changes.NewKafkaSource(changes.KafkaConfig{
			Brokers:         appConfig.KafkaBrokers,
			Topic:           appConfig.KafkaTopic,
			GroupID:         appConfig.KafkaGroupID,
			DeadLetterTopic: appConfig.KafkaDeadLetterTopic,
		}, logger)
	default:
		return nil, nil
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	dispatcher := changes.NewDispatcher(appConfig.DispatcherBufferEvents)

	recipeService, err := recipes.NewService(recipes.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	reviewService, err := reviews.NewService(reviews.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: changes.NewUUIDProvider(),
		Publisher:  dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	recalculator, err := newRecalculator(db, appConfig, logger)
	if err != nil {
		return err
	}

	source, err := newChangeSource(db, dispatcher, appConfig, logger)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		ChangeHandler:  recalculator,
		TokenValidator: tokenIssuer,
		Recipes:        recipeService,
		Reviews:        reviewService,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if source != nil {
		logger.Info("change source starting", zap.String("source", appConfig.EventSource))
		group.Go(func() error {
			return source.Run(groupCtx, recalculator.Handle)
		})
	}

	return group.Wait()
}
