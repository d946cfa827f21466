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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"driver_verification/internal/config"
	"driver_verification/internal/httpapi"
	"driver_verification/internal/lock"
	"driver_verification/internal/logger"
	"driver_verification/internal/messaging"
	"driver_verification/internal/metrics"
	"driver_verification/internal/model"
	"driver_verification/internal/repository"
	"driver_verification/internal/scheduler"
	"driver_verification/internal/scoring"
	"driver_verification/internal/service"
	"driver_verification/internal/source"
	"driver_verification/internal/source/httpsource"
	"driver_verification/internal/validation"
)

func buildRegistry(cfg *config.Config, drivers repository.DriverRepository, log *zap.Logger) (*source.Registry, error) {
	registry := source.NewRegistry()

	for t, sc := range cfg.RegistrySources() {
		if err := registry.Register(t, httpsource.New(sc, nil, log.Named(sc.Name))); err != nil {
			return nil, err
		}
		log.Info("Registered verification source",
			zap.String("type", string(t)),
			zap.String("name", sc.Name),
			zap.String("url", sc.BaseURL))
	}

	if ocrCfg, faceCfg, ok := cfg.DocumentSources(); ok {
		ocr := httpsource.NewOCRClient(httpsource.New(ocrCfg, nil, log.Named(ocrCfg.Name)))
		faces := httpsource.NewFaceClient(httpsource.New(faceCfg, nil, log.Named(faceCfg.Name)))
		validator := validation.NewValidator(drivers, nil)
		adapter := source.NewDocumentMatch("", ocr, faces, validator, cfg.DocumentMatch)
		if err := registry.Register(model.VerificationTypeDocumentMatch, adapter); err != nil {
			return nil, err
		}
		log.Info("Registered document match source")
	}

	if len(registry.Types()) == 0 {
		log.Warn("No verification sources configured, every requested type will be skipped")
	}
	return registry, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting driver verification service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.DatabaseDSN())
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		log.Fatal("Failed to ping database", zap.Error(err))
	}
	log.Info("Connected to database")

	if err := repository.Migrate(ctx, db, os.DirFS("migrations"), log); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	verificationRepo := repository.NewVerificationRepository(db, log)
	driverRepo := repository.NewDriverRepository(db, log)

	engine, err := scoring.NewEngine(cfg.Scoring.Weights)
	if err != nil {
		log.Fatal("Invalid scoring weights", zap.Error(err))
	}

	registry, err := buildRegistry(cfg, driverRepo, log)
	if err != nil {
		log.Fatal("Failed to register verification sources", zap.Error(err))
	}

	var natsClient messaging.NATSClient
	if cfg.NATS.URL != "" {
		natsClient, err = messaging.NewNATSClient(cfg.NATS.URL, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()
		log.Info("Connected to NATS")
	}

	opts := []service.Option{service.WithMetrics(m)}
	if natsClient != nil {
		opts = append(opts, service.WithNotifier(natsClient))
	}
	verificationService, err := service.NewVerificationService(
		verificationRepo,
		driverRepo,
		registry,
		engine,
		service.Config{Retry: cfg.Retry, Expiry: cfg.ExpiryByType()},
		log,
		opts...,
	)
	if err != nil {
		log.Fatal("Failed to create verification service", zap.Error(err))
	}

	// NATS distributes reverification jobs across instances; without it
	// they run in-process.
	var (
		dispatcher scheduler.Dispatcher
		local      *scheduler.LocalDispatcher
	)
	if natsClient != nil {
		dispatcher = scheduler.DispatcherFunc(natsClient.PublishReverificationRequest)
		err = natsClient.SubscribeToReverificationRequests(ctx, func(ctx context.Context, job model.ReverificationJob) error {
			_, err := verificationService.Reverify(ctx, job)
			return err
		})
		if err != nil {
			log.Fatal("Failed to subscribe to reverification requests", zap.Error(err))
		}
		err = natsClient.SubscribeToVerificationCompleted(ctx, func(msg messaging.VerificationCompletedMessage) {
			log.Debug("Received verification completed notification",
				zap.String("subject_id", msg.SubjectID),
				zap.String("status", string(msg.Status)))
		})
		if err != nil {
			log.Error("Failed to subscribe to verification completed", zap.Error(err))
		}
	} else {
		local = scheduler.NewLocalDispatcher(ctx, verificationService, cfg.Scheduler.Workers, cfg.Scheduler.QueueSize, log)
		dispatcher = local
	}

	var locker lock.Locker = lock.NewMemory(nil)
	if cfg.Redis.URL != "" {
		redisClient, err := lock.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		locker = lock.NewRedis(redisClient)
		log.Info("Connected to Redis")
	}

	periodic, err := cfg.PeriodicTypes()
	if err != nil {
		log.Fatal("Invalid scheduler configuration", zap.Error(err))
	}
	reverificationScheduler, err := scheduler.New(verificationRepo, dispatcher, scheduler.Config{
		Interval:               cfg.Scheduler.Interval,
		ReverificationInterval: cfg.Scheduler.ReverificationInterval,
		MinCheckInterval:       cfg.Scheduler.MinCheckInterval,
		PeriodicTypes:          periodic,
		LockTTL:                cfg.Scheduler.LockTTL,
		BatchSize:              cfg.Scheduler.BatchSize,
		PendingTimeout:         cfg.Scheduler.PendingTimeout,
	}, log, scheduler.WithLocker(locker), scheduler.WithMetrics(m))
	if err != nil {
		log.Fatal("Failed to create reverification scheduler", zap.Error(err))
	}
	reverificationScheduler.Start(ctx)

	handler := httpapi.New(verificationService, engine, reg, log)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Starting server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	reverificationScheduler.Stop()
	if local != nil {
		local.Wait()
	}

	log.Info("Server exited")
}
