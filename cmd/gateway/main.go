// Command gateway wires every component of the market-data serving layer
// into one process: config, logging, the storage port, the symbol mapper
// cache, the rule engine and its cache, the smart cache orchestrator, the
// market status service, the stream receiver, and the recovery engine,
// exposed over a WebSocket push endpoint plus a small admin HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/quotewire/marketdata-gateway/infrastructure/logging"
	"github.com/quotewire/marketdata-gateway/infrastructure/middleware"
	"github.com/quotewire/marketdata-gateway/infrastructure/utils"
	"github.com/quotewire/marketdata-gateway/internal/datamappercache"
	"github.com/quotewire/marketdata-gateway/internal/marketstatus"
	"github.com/quotewire/marketdata-gateway/internal/obsmetrics"
	"github.com/quotewire/marketdata-gateway/internal/orchestrator"
	"github.com/quotewire/marketdata-gateway/internal/recovery"
	"github.com/quotewire/marketdata-gateway/internal/ruleengine"
	"github.com/quotewire/marketdata-gateway/internal/storage"
	"github.com/quotewire/marketdata-gateway/internal/stream"
	"github.com/quotewire/marketdata-gateway/internal/symbolcache"
	"github.com/quotewire/marketdata-gateway/internal/transformer"
	"github.com/quotewire/marketdata-gateway/pkg/config"
)

func main() {
	addr := flag.String("addr", "", "admin HTTP listen address (defaults to config)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("marketdata-gateway", cfg.Logging.Level, cfg.Logging.Format)
	metrics := obsmetrics.New()
	ctx := context.Background()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	port := storage.New(storage.NewRedisBackend(redisClient), storage.NewMemoryDocStore(), logger, metrics)

	ruleStore := ruleengine.NewStore()
	seedMappingRules(ruleStore)
	engine := ruleengine.NewEngine(ruleStore)

	dmCache := datamappercache.New(redisClient, datamappercache.JSONCodec{}, logger, metrics, datamappercache.Config{
		BreakerMaxFail: cfg.Breaker.FailureThreshold,
		BreakerTimeout: cfg.Breaker.OpenTimeout,
	})

	xform := transformer.New(engine, dmCache, logger)

	symRuleStore := &symbolRuleStore{port: port}
	if err := seedSymbolRules(ctx, symRuleStore); err != nil {
		log.Fatalf("seed symbol rules: %v", err)
	}

	symCache, err := symbolcache.New(symRuleStore, symbolcache.Config{
		L1Size: cfg.SymbolCache.L1RuleSetSize,
		L2Size: cfg.SymbolCache.L2LookupSize,
		L3Size: cfg.SymbolCache.L3BatchSize,
	}, metrics)
	if err != nil {
		log.Fatalf("build symbol cache: %v", err)
	}

	watcher := symbolcache.NewWatcher(nopChangeStream{}, symCache, logger, 30*time.Second)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	utils.SafeGo(func() { watcher.Run(watchCtx) }, func(err error) {
		logger.Error(ctx, "symbol cache watcher panicked", err, nil)
	})

	statusSvc := marketstatus.New([]marketstatus.Schedule{
		marketstatus.HKSchedule(),
		marketstatus.USSchedule(),
		marketstatus.CNSchedule(),
	}, nil)

	strategy := orchestrator.Strategy(strings.ToUpper(cfg.SmartCache.DefaultStrategy))
	orch := orchestrator.New(port, statusSvc, logger, orchestrator.Config{
		Strategy:       strategy,
		EnableFallback: cfg.SmartCache.EnableFallback,
		StrategyConfig: marketAwareStrategyConfig(cfg),
	})

	stopConcurrencyController := orch.StartConcurrencyController()

	hub := stream.NewHub(logger, symCache, metrics)
	history := newTickHistory()

	recoveryEngine := recovery.New(
		&recoverySource{history: history, port: port},
		&recoverySource{history: history, port: port},
		&hubSink{hub: hub},
		logger,
		metrics,
		recovery.Config{
			MaxRecoveryWindow: cfg.Recovery.MaxRecoveryWindow,
			RateLimitPerSec:   cfg.Recovery.RateLimitPerSec,
			RateLimitBurst:    cfg.Recovery.RateLimitBurst,
		},
	)

	ws := &wsServer{hub: hub, recovery: recoveryEngine, logger: logger}

	health := middleware.NewHealthChecker("1.0.0")
	health.RegisterCheck("redis", func() error { return port.Ping(ctx) })

	scheduler := cron.New()
	_, err = scheduler.AddFunc("@every 10m", func() {
		if err := dmCache.ClearAllRuleCache(context.Background()); err != nil && logger != nil {
			logger.Error(context.Background(), "scheduled rule cache clear failed", err, nil)
		}
	})
	if err != nil {
		log.Fatalf("schedule maintenance job: %v", err)
	}
	_, err = scheduler.AddFunc("@every 1m", func() {
		dmCache.DrainDeferred(context.Background())
	})
	if err != nil {
		log.Fatalf("schedule deferred-invalidation drain: %v", err)
	}
	scheduler.Start()

	pipeline := &ingestPipeline{
		engine:   xform,
		symbols:  symCache,
		hub:      hub,
		history:  history,
		port:     port,
		orch:     orch,
		strategy: strategy,
		metrics:  metrics,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", gin.WrapF(health.Handler()))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", func(c *gin.Context) { ws.handle(c.Writer, c.Request) })
	router.POST("/ingest/:provider", pipeline.handle)

	listenAddr := resolveAddr(*addr, cfg)
	server := &http.Server{Addr: listenAddr, Handler: router}

	shutdown := middleware.NewGracefulShutdown(server, 10*time.Second).WithLogger(logger)
	shutdown.OnShutdown(func() {
		stopWatch()
		stopConcurrencyController()
		scheduler.Stop()
		_ = redisClient.Close()
	})
	shutdown.ListenForSignals()

	logger.Info(ctx, "marketdata-gateway listening", map[string]interface{}{"addr": listenAddr})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("serve: %v", err)
	}
	shutdown.Wait()
}

func resolveAddr(flagAddr string, cfg *config.Config) string {
	if strings.TrimSpace(flagAddr) != "" {
		return flagAddr
	}
	host := cfg.Server.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// marketAwareStrategyConfig translates the configured per-market TTL
// table into the orchestrator's single strategy config; since the
// orchestrator resolves one strategy config per process rather than per
// market, this takes the widest configured open/closed TTL pair as the
// MARKET_AWARE default and leaves per-market nuance to
// marketstatus.Service.IsTrading driving which branch applies.
func marketAwareStrategyConfig(cfg *config.Config) orchestrator.StrategyConfig {
	sc := orchestrator.DefaultStrategyConfig()
	for _, ttl := range cfg.SmartCache.MarketTTLs {
		if ttl.OpenMarketTtl > sc.OpenMarketTTL {
			sc.OpenMarketTTL = ttl.OpenMarketTtl
		}
		if ttl.ClosedMarketTtl > sc.ClosedMarketTTL {
			sc.ClosedMarketTTL = ttl.ClosedMarketTtl
		}
	}
	return sc
}
