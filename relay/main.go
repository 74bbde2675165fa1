package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/buildrelay/internal/protocol"
	"github.com/xiaot623/buildrelay/relay/internal/config"
	"github.com/xiaot623/buildrelay/relay/internal/coordinator"
	"github.com/xiaot623/buildrelay/relay/internal/delivery"
	"github.com/xiaot623/buildrelay/relay/internal/hub"
	internalhttp "github.com/xiaot623/buildrelay/relay/internal/http"
	"github.com/xiaot623/buildrelay/relay/internal/metrics"
	"github.com/xiaot623/buildrelay/relay/internal/policy"
	"github.com/xiaot623/buildrelay/relay/internal/tracing"
	"github.com/xiaot623/buildrelay/relay/internal/transport/rpc"
	"github.com/xiaot623/buildrelay/relay/internal/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting build relay...")
	log.Printf("WebSocket Port: %d", cfg.WSPort)
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Coordinator URL: %s", cfg.CoordinatorURL)
	if cfg.SharedSecret == "" {
		log.Printf("WARN: RELAY_SHARED_SECRET is empty, every runner and operator request will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.NewProvider(ctx, tracing.Config{ServiceName: cfg.ServiceName, OTLPEndpoint: cfg.OTLPEndpoint})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	engine, err := policy.LoadEngine(ctx, cfg.PolicyPath)
	if err != nil {
		log.Fatalf("Failed to load dispatch policy: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	relayMetrics := metrics.MustNew(promRegistry)

	registry := hub.NewRegistry(cfg.WriteTimeout)
	registry.OnEvict = func(runnerID string, age time.Duration) {
		relayMetrics.StaleEviction()
		log.Printf("WARN: evicted stale runner %s (no heartbeat for %s)", runnerID, age.Round(time.Second))
	}
	monitor := hub.NewMonitor(registry, cfg.PingInterval, cfg.SweepInterval, cfg.HeartbeatTimeout)

	coordClient := coordinator.NewClient(cfg.CoordinatorURL, cfg.SharedSecret, cfg.CoordinatorTimeout)
	queue := delivery.NewQueue(coordClient, delivery.Config{
		ImmediateAttempts: cfg.ForwardAttempts,
		RetryDelay:        cfg.ForwardRetryDelay,
		SweepInterval:     cfg.QueueSweepInterval,
		BatchSize:         cfg.QueueBatchSize,
		SweepAttempts:     cfg.QueueSweepAttempts,
		MaxAttempts:       cfg.QueueMaxAttempts,
		MaxQueueLen:       cfg.QueueMaxLen,
		RetriesPerSec:     cfg.QueueRetriesPerSec,
	}, relayMetrics)

	// Forwarding outlives the signal context so in-flight events drain on shutdown.
	forwardCtx, cancelForward := context.WithCancel(context.Background())
	defer cancelForward()
	wsServer := ws.NewServer(forwardCtx, cfg, registry, queue, relayMetrics, ws.WithPolicy(engine), ws.WithTracing(tracer))

	// Runner-facing websocket server
	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Logger())
	wsEcho.Use(middleware.Recover())
	wsEcho.GET("/ws", wsServer.HandleWebSocket)

	httpServer := internalhttp.NewServer(internalhttp.Deps{
		Secret:     cfg.SharedSecret,
		Registry:   registry,
		Dispatcher: wsServer,
		Metrics:    relayMetrics,
		Queue:      queue,
		Gatherer:   promRegistry,
		Tracing:    tracer,
	})

	var rpcServer *rpc.Server
	if cfg.RPCPort > 0 {
		rpcServer, err = rpc.NewServer(wsServer, cfg.SharedSecret, cfg.CoordinatorTimeout)
		if err != nil {
			log.Fatalf("Failed to create RPC server: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return queue.Run(gctx)
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		log.Printf("WebSocket server started on port %d", cfg.WSPort)
		if err := wsEcho.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("websocket server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		log.Printf("Operational HTTP server started on port %d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if rpcServer != nil {
		g.Go(func() error {
			addr := fmt.Sprintf(":%d", cfg.RPCPort)
			log.Printf("RPC server started on port %d", cfg.RPCPort)
			if err := rpcServer.Start(addr); err != nil {
				return fmt.Errorf("rpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down relay...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		registry.CloseAll(protocol.CloseShutdown, protocol.ReasonShutdown)
		if err := wsEcho.Shutdown(shutdownCtx); err != nil {
			log.Printf("Failed to shutdown WebSocket server gracefully: %v", err)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Failed to shutdown HTTP server gracefully: %v", err)
		}
		if rpcServer != nil {
			if err := rpcServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("Failed to shutdown RPC server gracefully: %v", err)
			}
		}
		if err := wsServer.Wait(shutdownCtx); err != nil {
			log.Printf("WARN: pending events not forwarded before shutdown: %v", err)
		}
		cancelForward()
		if n := queue.Len(); n > 0 {
			log.Printf("WARN: %d queued events lost on shutdown", n)
		}
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Failed to shutdown tracing: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Relay stopped with error: %v", err)
	}
	log.Println("Relay stopped")
}
