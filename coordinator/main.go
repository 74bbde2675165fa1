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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/buildrelay/coordinator/internal/adapter/broadcast"
	"github.com/xiaot623/buildrelay/coordinator/internal/adapter/relay"
	"github.com/xiaot623/buildrelay/coordinator/internal/config"
	"github.com/xiaot623/buildrelay/coordinator/internal/metrics"
	"github.com/xiaot623/buildrelay/coordinator/internal/repository"
	"github.com/xiaot623/buildrelay/coordinator/internal/service"
	"github.com/xiaot623/buildrelay/coordinator/internal/tracker"
	handler "github.com/xiaot623/buildrelay/coordinator/internal/transport/http"
	"github.com/xiaot623/buildrelay/coordinator/internal/transport/rpc"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting coordinator...")
	log.Printf("External HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Internal HTTP Port: %d", cfg.InternalPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Inactivity threshold: %s", cfg.InactivityThreshold)
	if cfg.RunnerSharedSecret == "" {
		log.Printf("WARN: RUNNER_SHARED_SECRET is empty, every event ingestion request will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Dedup tracker: shared Redis when configured, otherwise in-process
	var tr tracker.Store
	if cfg.TrackerRedisAddr != "" {
		rt, err := tracker.DialRedis(ctx, cfg.TrackerRedisAddr, cfg.TrackerRedisPassword, cfg.TrackerRedisDB)
		if err != nil {
			log.Fatalf("Failed to connect to tracker redis: %v", err)
		}
		defer rt.Close()
		log.Printf("Tracker: redis at %s", cfg.TrackerRedisAddr)
		tr = rt
	} else {
		mt, err := tracker.NewMemory(cfg.TrackerSize)
		if err != nil {
			log.Fatalf("Failed to initialize tracker: %v", err)
		}
		log.Printf("Tracker: in-process (%d keys); run a single coordinator instance", cfg.TrackerSize)
		tr = mt
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	coordMetrics := metrics.MustNew(promRegistry)

	gateway := broadcast.NewGateway(cfg.GatewayRPCAddr)
	relayClient := relay.NewClient(cfg.RelayRPCAddr, cfg.RunnerSharedSecret)

	// Initialize service
	svc := service.New(db, tr, gateway, cfg, service.WithRelay(relayClient), service.WithMetrics(coordMetrics))

	externalServer := handler.NewExternalServer(svc)
	internalServer := handler.NewInternalServer(svc, cfg.RunnerSharedSecret, promRegistry)

	var rpcServer *rpc.Server
	if cfg.RPCPort > 0 {
		rpcServer, err = rpc.NewServer(svc)
		if err != nil {
			log.Fatalf("Failed to create RPC server: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		log.Printf("External API started on port %d", cfg.HTTPPort)
		if err := externalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("external server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		log.Printf("Internal API started on port %d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("internal server: %w", err)
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
		log.Println("Shutting down coordinator...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := externalServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Failed to shutdown external server gracefully: %v", err)
		}
		if err := internalServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Failed to shutdown internal server gracefully: %v", err)
		}
		if rpcServer != nil {
			if err := rpcServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("Failed to shutdown RPC server gracefully: %v", err)
			}
		}
		svc.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("ERROR: coordinator stopped with error: %v", err)
		return
	}
	log.Println("Coordinator stopped")
}
