package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/dispatcher"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/port"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/alarm"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/api"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/broadcast"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/config"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/ffmpeg"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/httpapi"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/memstore"
	miniostorage "github.com/mean-weasel/ytgify-glue-sub007/internal/infra/minio"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/postgres"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/rabbitmq"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/redis"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/sqlite"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/tracing"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/usecase"
	"github.com/mean-weasel/ytgify-glue-sub007/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const redisKeyPrefix = "ytgify"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: HTTP message surface, optional AMQP consumer and background alarms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// A missing .env is fine; the environment may already be set.
			_ = godotenv.Load()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
				cfg.LogLevel = lvl
			}

			log, err := logger.New(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("starting ytgifyd", zap.String("version", version))

	tp, err := tracing.InitTracer(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tp.Shutdown(context.Background())
	}

	authStore, closeStore, err := openAuthStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	scheduler := alarm.NewScheduler(log.Named("alarm"))
	defer scheduler.Stop()

	bus := broadcast.NewBus(log.Named("broadcast"))
	defer bus.Close()

	// Optional side channels.
	var (
		history   port.JobHistory
		archiver  port.FrameArchiver
		publisher port.JobEventPublisher
		amqpPub   *rabbitmq.Publisher
	)
	broadcaster := port.Broadcaster(bus)

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()

		jobHistory := postgres.NewJobHistory(pool)
		if err := jobHistory.EnsureSchema(ctx); err != nil {
			return err
		}
		history = jobHistory
	}

	if cfg.MinIOEndpoint != "" {
		archive, err := miniostorage.NewFrameArchive(miniostorage.ArchiveConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
			Bucket:    cfg.MinIOFramesBucket,
			TempDir:   cfg.TempDir,
		}, log.Named("minio"))
		if err != nil {
			return err
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			return err
		}
		archiver = archive
	}

	if cfg.RabbitMQURL != "" {
		rmqConn, err := amqp.Dial(cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("connect to rabbitmq for publisher: %w", err)
		}
		defer rmqConn.Close()

		amqpPub, err = rabbitmq.NewPublisher(rmqConn, cfg.RabbitMQExchange)
		if err != nil {
			return err
		}
		publisher = rabbitmq.NewJobStatusPublisher(amqpPub)
		broadcaster = broadcast.Fanout(bus, rabbitmq.NewNotificationBroadcaster(amqpPub))
	}

	// Session side.
	httpClient := &http.Client{Timeout: cfg.APITimeout}
	apiCfg := api.Config{
		BaseURL:         cfg.APIBaseURL,
		MaxRetries:      cfg.APIMaxRetries,
		RetryBaseDelay:  cfg.APIRetryBaseDelay,
		MaxUploadBytes:  cfg.APIMaxUploadBytes,
		DefaultTokenTTL: cfg.APIDefaultTokenTTL,
	}
	authAPI := api.NewAuthAPI(httpClient, log.Named("api"), apiCfg)

	tokens := usecase.NewTokenManager(authStore, authAPI, broadcaster, scheduler, log.Named("tokens"), usecase.TokenManagerConfig{
		RefreshThreshold: cfg.TokenRefreshThreshold,
		AlarmInterval:    cfg.TokenAlarmInterval,
		RefreshTimeout:   cfg.TokenRefreshTimeout,
	})
	defer tokens.Shutdown()

	platform := api.NewClient(httpClient, tokens, log.Named("api"), apiCfg)
	sessions := usecase.NewSessionService(authStore, tokens, authAPI, platform, log.Named("session"))

	// Job side.
	processor := ffmpeg.NewProcessor(ffmpeg.ProcessorConfig{
		Binary:  cfg.FFmpegBinary,
		Format:  cfg.FFmpegFormat,
		TempDir: cfg.TempDir,
	}, log.Named("ffmpeg"))

	worker := usecase.NewFrameWorker(memstore.NewJobStore(), processor, history, archiver, publisher, log.Named("worker"), usecase.FrameWorkerConfig{
		JobTimeout: cfg.JobTimeout,
	})

	d := dispatcher.New(log.Named("dispatcher"), dispatcher.Config{
		RetryDelay:     cfg.DispatchRetryDelay,
		RequestTimeout: cfg.DispatchRequestTimeout,
	})
	dispatcher.RegisterHandlers(d, dispatcher.Services{
		Jobs:     worker,
		Tokens:   tokens,
		Accounts: sessions,
	})

	tokens.OnActivation(ctx)

	g, gctx := errgroup.WithContext(ctx)

	handler := httpapi.NewHandler(d, bus, log.Named("http"))
	srv := httpapi.NewServer(cfg.HTTPAddr, httpapi.NewRouter(handler))
	srv.RegisterOnShutdown(handler.CloseStreams)
	g.Go(func() error {
		return httpapi.Serve(gctx, srv, log.Named("http"))
	})

	g.Go(func() error {
		err := worker.RunCleanup(gctx, cfg.CleanupInterval, cfg.CleanupMaxAge)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if amqpPub != nil {
		consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
			URL:         cfg.RabbitMQURL,
			Queue:       cfg.RabbitMQRequestQueue,
			Exchange:    cfg.RabbitMQExchange,
			DLQ:         cfg.RabbitMQDLQ,
			StatusQueue: cfg.RabbitMQStatusQueue,
			Prefetch:    cfg.RabbitMQPrefetch,
			WorkerCount: cfg.RabbitMQWorkerCount,
		}, d, amqpPub, log.Named("amqp"))
		if err != nil {
			return err
		}
		defer consumer.Close()

		g.Go(func() error {
			return consumer.Start(gctx)
		})
	}

	log.Info("ytgifyd started",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("auth_store", cfg.AuthStore),
		zap.Bool("job_history", history != nil),
		zap.Bool("frame_archive", archiver != nil),
		zap.Bool("amqp", amqpPub != nil),
	)

	runErr := g.Wait()

	// Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Wait(shutdownCtx); err != nil {
		log.Warn("dispatcher did not drain", zap.Error(err))
	}
	if err := worker.Close(shutdownCtx); err != nil {
		log.Warn("worker did not drain", zap.Error(err))
	}

	log.Info("ytgifyd stopped")
	return runErr
}

func openAuthStore(ctx context.Context, cfg *config.Config) (port.AuthStore, func(), error) {
	switch cfg.AuthStore {
	case "redis":
		client, err := redis.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return redis.NewAuthStore(client, redisKeyPrefix), func() { client.Close() }, nil
	case "sqlite":
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		return memstore.NewAuthStore(), func() {}, nil
	}
}
