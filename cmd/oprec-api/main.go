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

	"github.com/redis/go-redis/v9"
	"github.com/roboclub/oprec/backend/internal/audit"
	"github.com/roboclub/oprec/backend/internal/auth"
	"github.com/roboclub/oprec/backend/internal/blob"
	"github.com/roboclub/oprec/backend/internal/config"
	"github.com/roboclub/oprec/backend/internal/database"
	"github.com/roboclub/oprec/backend/internal/docstore"
	"github.com/roboclub/oprec/backend/internal/logbook"
	"github.com/roboclub/oprec/backend/internal/logging"
	"github.com/roboclub/oprec/backend/internal/metrics"
	"github.com/roboclub/oprec/backend/internal/registration"
	"github.com/roboclub/oprec/backend/internal/server"
	"github.com/roboclub/oprec/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	sessionCookieName = "oprec_session"
	shutdownTimeout   = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "oprec-api",
		Short: "Robotics club open recruitment backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand(), newGrantRoleCommand())

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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("period", "", "Recruitment period number, e.g. 21")
	cmd.PersistentFlags().String("year", "", "Recruitment year, e.g. 2025")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL for the registration sequence counter")
	cmd.PersistentFlags().String("kafka-brokers", "", "Comma separated Kafka brokers for audit events")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "recruitment.period", "period")
	bindFlag(cmd, "recruitment.year", "year")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "kafka.brokers", "kafka-brokers")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}

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
	var email, displayName string
	cmd := &cobra.Command{
		Use:   "issue-token <user-id>",
		Short: "Print a session token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueSessionToken(cmd.Context(), auth.Principal{
				UserID:      args[0],
				Email:       email,
				DisplayName: displayName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires in %ds\n", token, expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name claim")
	return cmd
}

func newGrantRoleCommand() *cobra.Command {
	var grantedBy string
	cmd := &cobra.Command{
		Use:   "grant-role <user-id> <candidate|admin>",
		Short: "Store a role for a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, ok := auth.ParseRole(args[1])
			if !ok {
				return fmt.Errorf("unknown role %q", args[1])
			}
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
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

			userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
			if err != nil {
				return err
			}
			return userService.GrantRole(cmd.Context(), args[0], role, grantedBy)
		},
	}
	cmd.Flags().StringVar(&grantedBy, "granted-by", "cli", "Actor recorded on the grant")
	return cmd
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
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

	store, err := docstore.NewGormStore(docstore.GormStoreConfig{
		Database:     db,
		Clock:        time.Now,
		Logger:       logger,
		MaxBatchSize: appConfig.BatchLimit,
	})
	if err != nil {
		return err
	}

	auditStore, err := audit.NewGormStore(db)
	if err != nil {
		return err
	}
	publishers := []audit.Publisher{auditStore}
	if len(appConfig.KafkaBrokers) > 0 {
		writer, err := audit.NewKafkaWriter(appConfig.KafkaBrokers, appConfig.KafkaTopic)
		if err != nil {
			return err
		}
		kafkaPublisher := audit.NewKafkaPublisher(writer)
		defer kafkaPublisher.Close() //nolint:errcheck
		publishers = append(publishers, kafkaPublisher)
		logger.Info("audit events mirrored to kafka", zap.Strings("brokers", appConfig.KafkaBrokers), zap.String("topic", appConfig.KafkaTopic))
	}
	collectors := metrics.New()
	recorder := audit.NewRecorder(audit.RecorderConfig{Publishers: publishers, Logger: logger, Metrics: collectors})
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := recorder.Close(drainCtx); err != nil {
			logger.Warn("audit drain incomplete", zap.Error(err))
		}
	}()

	var counter registration.SequenceCounter
	if appConfig.RedisURL != "" {
		options, err := redis.ParseURL(appConfig.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis.url: %w", err)
		}
		client := redis.NewClient(options)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		counter = registration.RedisSequenceCounter{Client: client}
		logger.Info("registration sequence counter uses redis", zap.String("address", options.Addr))
	}

	var (
		blobStore blob.Store
		files     server.FileSource
	)
	if appConfig.CloudinaryURL != "" {
		cloudinaryStore, err := blob.NewCloudinaryStore(appConfig.CloudinaryURL, appConfig.CloudinaryFolder)
		if err != nil {
			return err
		}
		blobStore = cloudinaryStore
	} else {
		memoryStore := blob.NewMemoryStore(appConfig.UploadsBaseURL)
		blobStore = memoryStore
		files = memoryStore
		logger.Warn("cloudinary.url is not set; uploads are kept in memory", zap.String("base_url", appConfig.UploadsBaseURL))
	}

	registrationService, err := registration.NewService(registration.ServiceConfig{
		Store:   store,
		Clock:   time.Now,
		Logger:  logger,
		Counter: counter,
		Audit:   recorder,
		Metrics: collectors,
		Defaults: registration.Settings{
			Prefix:           appConfig.Recruitment.Prefix,
			OrPeriod:         appConfig.Recruitment.OrPeriod,
			OrYear:           appConfig.Recruitment.OrYear,
			RegistrationOpen: appConfig.Recruitment.Open,
		},
	})
	if err != nil {
		return err
	}

	logbookService, err := logbook.NewService(logbook.ServiceConfig{
		Store:           store,
		Blob:            blobStore,
		Clock:           time.Now,
		Logger:          logger,
		Audit:           recorder,
		Metrics:         collectors,
		ConflictEpsilon: appConfig.ConflictEpsilon,
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		Tokens:     tokenIssuer,
		CookieName: sessionCookieName,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger, RoleCacheTTL: appConfig.RoleCacheTTL})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator:  sessionValidator,
		Roles:          userService,
		Registrations:  registrationService,
		Logbooks:       logbookService,
		Blob:           blobStore,
		Files:          files,
		Audit:          auditStore,
		Metrics:        collectors,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("period", appConfig.Recruitment.OrPeriod),
			zap.String("year", appConfig.Recruitment.OrYear))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server stopping")
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
