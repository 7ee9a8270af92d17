package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codebattle/internal/battle/auth"
	"codebattle/internal/battle/controller"
	"codebattle/internal/battle/judge"
	"codebattle/internal/battle/judgeclient"
	"codebattle/internal/battle/matchmaking"
	"codebattle/internal/battle/ratelimit"
	"codebattle/internal/battle/repository"
	"codebattle/internal/battle/room"
	"codebattle/internal/battle/service"
	"codebattle/internal/battle/session"
	"codebattle/internal/battle/settlement"
	"codebattle/internal/common/cache"
	"codebattle/internal/common/db"
	commonmw "codebattle/internal/common/http/middleware"
	"codebattle/internal/common/mq"
	"codebattle/internal/common/storage"
	"codebattle/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/battle-service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka)
	if err != nil {
		logger.Error(context.Background(), "init kafka failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mqClient.Close()
	}()

	recorder := &service.Recorder{
		Settlements: repository.NewSettlementRepository(mysqlDB),
	}
	ratingLedger := repository.NewRatingLedger(redisCache)
	recorder.Ratings = ratingLedger
	if appCfg.Topics.Settlement != "" {
		recorder.Stream = repository.NewSettlementPublisher(mqClient, appCfg.Topics.Settlement)
	}

	var archive *repository.ArchiveRepository
	if appCfg.MinIO.Endpoint != "" {
		objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			logger.Error(context.Background(), "init minio failed", zap.Error(err))
			return
		}
		if err := objStorage.EnsureBucket(context.Background(), appCfg.MinIO.Bucket); err != nil {
			logger.Error(context.Background(), "ensure archive bucket failed", zap.Error(err))
			return
		}
		archive = repository.NewArchiveRepository(objStorage, appCfg.MinIO.Bucket, appCfg.Battle.ArchivePrefix)
		recorder.Archive = archive
	}

	presenceRepo := repository.NewPresenceRepository(redisCache)
	problemRepo := repository.NewProblemRepositoryWithTTL(mysqlDB, redisCache, appCfg.Battle.ProblemPoolTTL, appCfg.Battle.ProblemPoolEmpty)
	limiter := ratelimit.NewLimiter(redisCache, appCfg.RateLimit.Window, appCfg.Battle.Timeouts.Cache)
	dispatcher := judgeclient.NewKafkaDispatcher(mqClient, appCfg.Topics.JudgeTask, appCfg.Battle.Timeouts.Dispatch, appCfg.Battle.TicketTimeout)

	battleCfg := service.Config{
		Modes:              appCfg.Battle.Modes,
		Session:            session.Config{GraceWindow: appCfg.Battle.GraceWindow, PresenceTTL: appCfg.Battle.PresenceTTL},
		Queue:              matchmaking.Config{RetryDelay: appCfg.Battle.PairRetryDelay},
		MatchmakingTimeout: appCfg.Battle.MatchmakingTimeout,
		MaxCodeBytes:       appCfg.Battle.MaxCodeBytes,
		ExecutionRate:      appCfg.RateLimit.Execution,
		Timeouts: service.TimeoutConfig{
			Dispatch: appCfg.Battle.Timeouts.Dispatch,
			Record:   appCfg.Battle.Timeouts.Record,
			Cache:    appCfg.Battle.Timeouts.Cache,
		},
		Room: room.Config{
			BufferSize:   appCfg.Battle.BufferSize,
			StartTimeout: appCfg.Battle.StartTimeout,
			LoadTimeout:  appCfg.Battle.LoadTimeout,
			Retention:    appCfg.Battle.Retention,
			MaxRooms:     appCfg.Battle.MaxRooms,
		},
		Correlator: judge.Config{
			Shards:   appCfg.Battle.TicketShards,
			Timeout:  appCfg.Battle.TicketTimeout,
			SpentTTL: appCfg.Battle.TicketSpentTTL,
		},
		Loader:             problemRepo,
		Dispatcher:         dispatcher,
		Rating:             settlement.FixedDelta(appCfg.Battle.RatingDelta),
		Presence:           presenceRepo,
		Rooms:              presenceRepo,
		Ratings:            ratingLedger,
		Limiter:            limiter,
		SettlementHandlers: []service.SettlementHandler{recorder},
	}
	if archive != nil {
		battleCfg.Archive = archive
	}
	battleService, err := service.NewBattleService(battleCfg)
	if err != nil {
		logger.Error(context.Background(), "init battle service failed", zap.Error(err))
		return
	}

	resultOpts := appCfg.Battle.JudgeResult.toSubscribeOptions()
	resultConsumer := judgeclient.NewResultConsumer(battleService)
	if err := resultConsumer.Subscribe(context.Background(), mqClient, appCfg.Topics.JudgeResult, &resultOpts); err != nil {
		logger.Error(context.Background(), "subscribe judge result topic failed", zap.Error(err))
		return
	}
	if err := mqClient.Start(); err != nil {
		logger.Error(context.Background(), "start kafka consumer failed", zap.Error(err))
		return
	}

	authenticator := auth.NewAuthenticator(appCfg.Auth, redisCache)
	battleController := controller.NewBattleController(battleService, controller.Options{
		JudgeToken:   appCfg.Battle.JudgeToken,
		Limiter:      limiter,
		PublicRate:   appCfg.RateLimit.Public,
		SocketRate:   appCfg.RateLimit.Socket,
		Dependencies: map[string]controller.Pinger{
			"redis": redisCache,
			"mysql": mysqlDB,
			"kafka": mqClient,
		},
	})

	httpServer := buildHTTPServer(appCfg.Server, battleController, authenticator)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "battle http server started",
			zap.String("addr", appCfg.Server.Addr), zap.Int("modes", len(appCfg.Battle.Modes)))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	_ = mqClient.Stop()
	battleService.Close()
}

func buildHTTPServer(cfg ServerConfig, battleController *controller.BattleController, authenticator *auth.Authenticator) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	controller.RegisterRoutes(router, battleController, authenticator)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
