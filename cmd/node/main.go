// The node binary runs one replica of the key/value store, leader or
// follower. Nodes are spawned by the coordinator in normal operation but can
// be started by hand for the single-node workshop exercises.
//
// Exit codes: 0 clean shutdown, 1 startup failure, 2 runtime panic.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/config"
	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/node"
)

var configFile string

func main() {
	defer exitOnPanic()

	cmd := &cobra.Command{
		Use:           "node",
		Short:         "Key/value store replica (leader or follower)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to config file")
	flags.Int("port", 7001, "listen port")
	flags.String("id", "node-1", "node identifier")
	flags.String("role", "follower", "node role: leader or follower")
	flags.String("host", "127.0.0.1", "address other components reach this node on")
	flags.String("registry", "http://127.0.0.1:9000", "registry URL")
	flags.Duration("replication-delay", config.SyncReplicationDelay, "artificial delay before applying a replicated write")
	flags.Int("startup-epoch", 0, "incremented by the coordinator on each respawn of this id")
	flags.Int("load-factor", 0, "simulate per-request CPU cost with fib(N)")
	flags.Int("workers", 0, "cap process parallelism (GOMAXPROCS), 0 = all cores")
	flags.Bool("rollback-on-quorum-failure", false, "undo the local write when the sync quorum is not met")
	flags.String("rate-limit", "", "enable node-side rate limiting with the named strategy")
	flags.Int("rate-limit-max", 10, "max requests per window")
	flags.Duration("rate-limit-window", time.Minute, "rate limit window")
	flags.String("log-level", "info", "log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "node:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadNode(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "node." + cfg.ID,
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	if cfg.Workers > 0 {
		runtime.GOMAXPROCS(cfg.Workers)
	}

	n, err := node.New(*cfg, log)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           n.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("serve failed", "error", err)
		}
	}()
	log.Info("node listening", "role", cfg.Role, "port", cfg.Port,
		"replication_delay", cfg.ReplicationDelay, "epoch", cfg.StartupEpoch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.RunHeartbeat(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	n.Drain(context.Background())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("node stopped")
	return nil
}

func exitOnPanic() {
	if r := recover(); r != nil {
		fmt.Fprintln(os.Stderr, "node: panic:", r)
		os.Exit(2)
	}
}
