package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/psicoagenda/wa-gateway/internal/config"
	"github.com/psicoagenda/wa-gateway/internal/handler"
	"github.com/psicoagenda/wa-gateway/internal/jobs"
	"github.com/psicoagenda/wa-gateway/internal/middleware"
	"github.com/psicoagenda/wa-gateway/internal/redis"
	"github.com/psicoagenda/wa-gateway/internal/repository"
	"github.com/psicoagenda/wa-gateway/internal/service"
	"github.com/psicoagenda/wa-gateway/internal/session"
	"github.com/psicoagenda/wa-gateway/internal/sse"
	"github.com/psicoagenda/wa-gateway/internal/util"
	"github.com/psicoagenda/wa-gateway/internal/whatsapp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the session and the reminder sweeper",
	RunE:  runServe,
}

// sessionLocker adapts the Redis locker to session.Locker.
type sessionLocker struct {
	locker *redis.Locker
}

func (l sessionLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (session.Lease, error) {
	lease, err := l.locker.Acquire(ctx, key, ttl)
	if err != nil || lease == nil {
		return nil, err
	}
	return lease, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, isProduction := loadConfig()

	db, err := connectDB(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()
	log.Info().Str("driver", cfg.DatabaseDriver).Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	container, err := whatsapp.NewContainer(rootCtx, db.DB.DB, cfg.DatabaseDriver, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open device store")
	}

	var cipher *util.Cipher
	if cfg.CredentialsEncryptionKey != "" {
		cipher, err = util.NewCipher(cfg.CredentialsEncryptionKey)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid credentials encryption key")
		}
	}

	normalizer := service.NewRecipientNormalizer(cfg.CountryCode)
	pairPhone := ""
	if cfg.PairPhone != "" {
		pairPhone, err = normalizer.Digits(cfg.PairPhone)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid PAIR_PHONE")
		}
	}

	credentialRepo := repository.NewCredentialRepository(db.DB)
	notificationRepo := repository.NewNotificationRepository(db.DB)

	credentialStore := service.NewCredentialStore(credentialRepo, cipher)
	dialer := whatsapp.NewDialer(container, cfg.DeviceName, pairPhone, log.Logger)
	locker := redis.NewLocker(redisClient.Client)

	manager := session.NewManager(session.Config{
		SessionID:            cfg.SessionID,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay(),
		LeaseKey:             redis.SessionLeaseKey(cfg.SessionID),
		LeaseTTL:             config.SessionLeaseTTL,
		LeaseRefresh:         config.SessionLeaseRefresh,
	}, credentialStore, dialer, sessionLocker{locker: locker})

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	manager.OnTransition(func(st session.State) {
		if err := broker.Publish(rootCtx, st.SessionID, handler.EventStateChange, st); err != nil {
			log.Warn().Err(err).Str("sessionId", st.SessionID).Msg("failed to publish session state")
		}
	})

	catalog, err := service.NewTemplateCatalog(cfg.TemplatesFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load message templates")
	}
	if err := catalog.Watch(rootCtx); err != nil {
		log.Warn().Err(err).Msg("template hot reload disabled")
	}

	sendLimiter := service.NewSendLimiter(redisClient.Client, cfg.SendRateLimitPerMin)
	apiLimiter := service.NewRateLimiter(redisClient.Client, "wa:ratelimit:api", cfg.APIRateLimitPerMin, time.Minute)

	delivery := service.NewDeliveryService(manager, notificationRepo, normalizer, sendLimiter, cfg.BulkSendDelay())
	scheduler := service.NewSchedulerService(
		notificationRepo, delivery, normalizer, catalog,
		cfg.SweepBatchSize, cfg.SweepItemDelay(),
	)

	sweepJob := jobs.NewSweepJob(scheduler, locker, cfg.SweepInterval())
	cleanupJob := jobs.NewCleanupJob(scheduler, cfg.ClaimTimeout(), config.ClaimCleanupInterval)

	authMiddleware := middleware.NewAuthMiddleware(cfg.APIToken)
	rateLimitMiddleware := middleware.NewIPRateLimitMiddleware(apiLimiter)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	healthHandler := handler.NewHealthHandler(db, manager, credentialStore)
	eventsHandler := handler.NewEventsHandler(broker, manager)
	deliveryHandler := handler.NewDeliveryHandler(delivery)
	sessionHandler := handler.NewSessionHandler(manager)
	notificationHandler := handler.NewNotificationHandler(scheduler, catalog, sweepJob)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeadersMiddleware.Handler)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", healthHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Use(rateLimitMiddleware.Handler)

		// The event stream outlives the request timeout.
		r.Get("/events", eventsHandler.ServeHTTP)
		deliveryHandler.Register(r, config.ServerRequestTimeout)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Mount("/notifications", notificationHandler.Routes())
			sessionHandler.Register(r)
		})
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sweepJob.Start()
	cleanupJob.Start()

	if cfg.AutoStart {
		go func() {
			if _, err := manager.Start(rootCtx); err != nil {
				log.Error().Err(err).Msg("session auto-start failed")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	sweepJob.Stop()
	cleanupJob.Stop()
	manager.Stop()
	cancelRoot()

	log.Info().Msg("server stopped")
	return nil
}
