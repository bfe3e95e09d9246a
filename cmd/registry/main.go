// The registry binary runs the membership service: heartbeat intake, the
// pruner, and the optional auto-respawn policy.
//
// Auto-respawn is off by default. When enabling it, keep --spawn-delay at or
// above the prune threshold plus one heartbeat interval; shorter delays can
// duplicate a node whose heartbeat was merely late (the ghost-node failure
// mode, kept available on purpose as a demonstration).
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
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/config"
	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/registry"
)

var configFile string

func main() {
	defer exitOnPanic()

	cmd := &cobra.Command{
		Use:           "registry",
		Short:         "Cluster membership registry with heartbeat pruning",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to config file")
	flags.Int("port", 9000, "listen port")
	flags.String("coordinator", "http://127.0.0.1:7000", "coordinator URL for respawn and catch-up hints")
	flags.Duration("prune-threshold", config.DefaultPruneThreshold, "heartbeat silence before a node is pruned")
	flags.Duration("prune-tick", config.DefaultPruneTick, "pruner wake interval")
	flags.Bool("auto-spawn", false, "request replacement followers for pruned ones")
	flags.Duration("spawn-delay", 10*time.Second, "cool-down before requesting a respawn")
	flags.String("log-level", "info", "log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "registry:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadRegistry(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "registry",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	reg := registry.New(*cfg, log)

	addr := fmt.Sprintf(":%d", cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           reg.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("serve failed", "error", err)
		}
	}()
	log.Info("registry listening", "port", cfg.Port,
		"prune_threshold", cfg.PruneThreshold, "auto_spawn", cfg.AutoSpawn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.RunPruner(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("registry stopped")
	return nil
}

func exitOnPanic() {
	if r := recover(); r != nil {
		fmt.Fprintln(os.Stderr, "registry: panic:", r)
		os.Exit(2)
	}
}
