package middleware

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/quotewire/marketdata-gateway/infrastructure/logging"
)

// GracefulShutdown drains server's in-flight requests and runs a set of
// teardown hooks — stopping the symbol watcher, the orchestrator's
// concurrency poller, the maintenance cron, and closing the Redis
// client — before the process exits.
type GracefulShutdown struct {
	mu      sync.Mutex
	server  *http.Server
	logger  *logging.Logger
	timeout time.Duration
	done    chan struct{}
	hooks   []func()
}

// NewGracefulShutdown builds a GracefulShutdown for server, bounding the
// in-flight drain to timeout (defaulting to 30s). logger may be nil, in
// which case shutdown proceeds silently.
func NewGracefulShutdown(server *http.Server, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GracefulShutdown{
		server:  server,
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// WithLogger attaches logger, so shutdown signals and hook panics are
// reported through the gateway's own structured logger instead of the
// standard library's.
func (g *GracefulShutdown) WithLogger(logger *logging.Logger) *GracefulShutdown {
	g.logger = logger
	return g
}

// OnShutdown registers a teardown hook to run, in registration order,
// once a shutdown signal arrives.
func (g *GracefulShutdown) OnShutdown(hook func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, hook)
}

// ListenForSignals starts a background goroutine that triggers Shutdown
// on SIGINT, SIGTERM, or SIGQUIT.
func (g *GracefulShutdown) ListenForSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		g.logEvent("shutdown signal received", map[string]interface{}{"signal": sig.String()})
		g.Shutdown()
	}()
}

// Shutdown runs every registered hook, then drains the HTTP server
// within the configured timeout. A panicking hook is recovered and
// logged so one broken teardown step never blocks the rest.
func (g *GracefulShutdown) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, hook := range g.hooks {
		g.runHook(hook)
	}

	if g.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()

		if err := g.server.Shutdown(ctx); err != nil {
			g.logError("admin server shutdown", err)
		}
	}

	close(g.done)
}

func (g *GracefulShutdown) runHook(hook func()) {
	defer func() {
		if r := recover(); r != nil {
			g.logEvent("shutdown hook panicked", map[string]interface{}{"panic": r})
		}
	}()
	hook()
}

// Wait blocks until Shutdown has completed.
func (g *GracefulShutdown) Wait() {
	<-g.done
}

func (g *GracefulShutdown) logEvent(message string, fields map[string]interface{}) {
	if g.logger == nil {
		return
	}
	g.logger.Info(context.Background(), message, fields)
}

func (g *GracefulShutdown) logError(message string, err error) {
	if g.logger == nil {
		return
	}
	g.logger.Error(context.Background(), message, err, nil)
}
