// The coordinator binary owns the cluster layout: it spawns the leader and
// follower processes, runs quorum writes and reads against them, and serves
// spawn/kill/status for the workshop's chaos exercises.
//
// Exit codes: 0 clean shutdown, 1 startup failure, 2 runtime panic.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/config"
	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/coordinator"
)

var configFile string

func main() {
	defer exitOnPanic()

	cmd := &cobra.Command{
		Use:           "coordinator",
		Short:         "Cluster coordinator: quorum writes/reads and node lifecycle",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to config file")
	flags.Int("port", 7000, "listen port")
	flags.String("host", "127.0.0.1", "address spawned nodes listen on")
	flags.Int("followers", 2, "number of followers to spawn at startup")
	flags.IntP("write-quorum", "W", 2, "sync follower acks required per write")
	flags.IntP("read-quorum", "R", 1, "followers queried per read")
	flags.String("registry", "http://127.0.0.1:9000", "registry URL")
	flags.String("node-binary", "./bin/node", "path to the node binary")
	flags.Int("base-port", 7000, "leader gets base-port+1, follower-K base-port+1+K")
	flags.Bool("strict-quorum", false, "disable read retries outside the read set")
	flags.Bool("read-repair", false, "push the freshest record to lagging read-set members")
	flags.String("log-level", "info", "log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "coordinator:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadCoordinator(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "coordinator",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	binary, err := resolveNodeBinary(cfg.NodeBinary)
	if err != nil {
		return err
	}

	coord := coordinator.New(*cfg, coordinator.NewExecSpawner(binary), log)

	addr := fmt.Sprintf(":%d", cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           coord.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("serve failed", "error", err)
		}
	}()
	log.Info("coordinator listening", "port", cfg.Port,
		"W", cfg.WriteQuorum, "R", cfg.ReadQuorum, "followers", cfg.Followers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.RunLiveness(ctx)

	bootCtx, bootCancel := context.WithTimeout(ctx, 60*time.Second)
	if err := coord.Bootstrap(bootCtx); err != nil {
		bootCancel()
		return fmt.Errorf("bootstrap: %w", err)
	}
	bootCancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	coord.Shutdown()
	log.Info("coordinator stopped")
	return nil
}

// resolveNodeBinary accepts an explicit path, a $PATH name, or falls back to
// a node binary sitting next to the coordinator executable.
func resolveNodeBinary(path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if found, err := exec.LookPath(path); err == nil {
		return found, nil
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "node")
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	return "", fmt.Errorf("node binary not found at %q", path)
}

func exitOnPanic() {
	if r := recover(); r != nil {
		fmt.Fprintln(os.Stderr, "coordinator: panic:", r)
		os.Exit(2)
	}
}
