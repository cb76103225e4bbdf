package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/caries-screen/internal/auth"
	"github.com/example/caries-screen/internal/classifier"
	"github.com/example/caries-screen/internal/config"
	"github.com/example/caries-screen/internal/grpcserver"
	"github.com/example/caries-screen/internal/handlers"
	"github.com/example/caries-screen/internal/logging"
	"github.com/example/caries-screen/internal/pipeline"
	"github.com/example/caries-screen/internal/repository"
	"github.com/example/caries-screen/internal/usecase"
)

func main() {
	logger, err := logging.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewScreeningRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
	defer redisClient.Close()

	healthSrv := grpcserver.New(logger)
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen for gRPC", zap.Error(err), zap.String("addr", cfg.GRPCAddr))
	}
	go func() {
		if err := healthSrv.Serve(grpcListener); err != nil {
			logger.Error("gRPC health server failed", zap.Error(err))
		}
	}()

	handle, err := loadModel(context.Background(), cfg.Model, logger)
	if err != nil {
		logger.Fatal("giving up on model load", zap.Error(err))
	}
	defer func() {
		if err := handle.Close(); err != nil {
			logger.Warn("failed to close model handle", zap.Error(err))
		}
		if err := classifier.Shutdown(); err != nil {
			logger.Warn("failed to shut down ONNX runtime", zap.Error(err))
		}
	}()
	healthSrv.MarkServing()

	screener := pipeline.New(handle, logger)
	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewScreeningUseCase(repo, cache, screener, logger,
		usecase.WithInferenceTimeout(cfg.InferenceTimeout),
		usecase.WithModelSource(handle.Source()))

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	authMiddleware := auth.JWTMiddleware(auth.Options{Secret: cfg.JWTSecret, Audience: cfg.JWTAudience})
	handlers.RegisterRoutes(r, uc, authMiddleware)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("caries screening API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("model", handle.Source()))
	err = serveHTTPServer(server, cfg.ShutdownTimeout, logger)

	healthSrv.MarkNotServing()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	healthSrv.Stop(stopCtx)
	stopCancel()

	if err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// loadModel retries transient load failures; the caller aborts the session if
// every attempt fails.
func loadModel(ctx context.Context, cfg config.ModelConfig, logger *zap.Logger) (*classifier.Handle, error) {
	opts := []classifier.Option{classifier.WithLibraryPath(cfg.LibraryPath)}
	if cfg.IntraOpThreads > 0 {
		opts = append(opts, classifier.WithIntraOpThreads(cfg.IntraOpThreads))
	}
	return loadModelWith(ctx, cfg, logger, func() (*classifier.Handle, error) {
		return classifier.Load(cfg.Path, opts...)
	})
}

func loadModelWith(ctx context.Context, cfg config.ModelConfig, logger *zap.Logger, load func() (*classifier.Handle, error)) (*classifier.Handle, error) {
	opLogger := logging.WithOperation(logger, "main.load_model", "")
	var err error
	for attempt := 1; attempt <= cfg.LoadAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cfg.LoadBackoff):
			}
		}

		var handle *classifier.Handle
		handle, err = load()
		if err == nil {
			opLogger.Info("model loaded", zap.String("path", handle.Source()), zap.Int("attempt", attempt))
			return handle, nil
		}
		opLogger.Warn("model load failed", zap.Error(err), zap.Int("attempt", attempt), zap.Int("max_attempts", cfg.LoadAttempts))
	}
	return nil, err
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
