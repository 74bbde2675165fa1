package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/buildrelay/internal/protocol"
	"github.com/xiaot623/buildrelay/runner/client"
)

const version = "0.1.0"

type connectOptions struct {
	relayURL       string
	runnerID       string
	secret         string
	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	statusInterval time.Duration
}

// newRootCommand creates the root cobra command.
func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "runner",
		Short:         "Build runner that executes commands received from the relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newConnectCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

func newConnectCommand() *cobra.Command {
	opts := &connectOptions{}

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to the relay and serve commands until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.relayURL == "" {
				return errors.New("relay url is required (--relay-url or RELAY_URL)")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.relayURL, "relay-url", getEnv("RELAY_URL", "ws://localhost:8090/ws"), "Relay websocket URL")
	flags.StringVar(&opts.runnerID, "runner-id", getEnv("RUNNER_ID", protocol.DefaultRunnerID), "Runner id announced to the relay")
	flags.StringVar(&opts.secret, "secret", getEnv("RUNNER_SHARED_SECRET", ""), "Shared secret for the relay")
	flags.IntVar(&opts.maxAttempts, "max-attempts", getEnvInt("RUNNER_MAX_ATTEMPTS", 0), "Give up after this many failed connects (0 retries forever)")
	flags.DurationVar(&opts.baseDelay, "base-delay", time.Second, "Initial reconnect delay")
	flags.DurationVar(&opts.maxDelay, "max-delay", 30*time.Second, "Maximum reconnect delay")
	flags.DurationVar(&opts.statusInterval, "status-interval", 30*time.Second, "Interval between status heartbeats")

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the runner version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("runner " + version)
		},
	}
}

func runConnect(ctx context.Context, opts *connectOptions) error {
	c := client.New(client.Config{
		URL:            opts.relayURL,
		RunnerID:       opts.runnerID,
		Secret:         opts.secret,
		BaseDelay:      opts.baseDelay,
		MaxDelay:       opts.maxDelay,
		Jitter:         opts.baseDelay,
		MaxAttempts:    opts.maxAttempts,
		StatusInterval: opts.statusInterval,
	}, handleCommand)

	// SIGHUP forces an immediate reconnect.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				log.Printf("runner %s: reconnect requested", c.RunnerID())
				c.Reconnect()
			}
		}
	}()

	log.Printf("Runner %s connecting to %s", opts.runnerID, opts.relayURL)
	return c.Start(ctx)
}

// emitter is the part of the client the command handler needs.
type emitter interface {
	Emit(ev protocol.RunnerEvent) error
	RunnerID() string
}

func handleCommand(ctx context.Context, c *client.Client, cmd protocol.Command) {
	respond(c, cmd)
}

// respond answers health checks and logs everything else. Build execution
// happens outside this process.
func respond(e emitter, cmd protocol.Command) {
	switch cmd.Type {
	case protocol.CommandRunnerHealthCheck:
		data, _ := json.Marshal(map[string]string{"runnerId": e.RunnerID(), "version": version})
		if err := e.Emit(protocol.RunnerEvent{
			Type:      protocol.EventRunnerStatus,
			CommandID: cmd.ID,
			Status:    "healthy",
			Data:      data,
		}); err != nil {
			log.Printf("WARN: failed to answer health check %s: %v", cmd.ID, err)
		}
	default:
		log.Printf("runner %s: received %s command %s for project %s", e.RunnerID(), cmd.Type, cmd.ID, cmd.ProjectID)
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
