// The gateway binary is the single client-facing entry point: rate limiter,
// then load balancer, then forward.
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
	"github.com/abhimanyu-bitsgoa/building-large-scale-systems/internal/gateway"
)

var configFile string

func main() {
	defer exitOnPanic()

	cmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Edge gateway: rate limiting and load balancing in front of the cluster",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "path to config file")
	flags.Int("port", 8000, "listen port")
	flags.String("coordinator", "http://127.0.0.1:7000", "coordinator URL")
	flags.StringSlice("upstreams", nil, "front these node URLs directly instead of the coordinator")
	flags.IntSlice("weights", nil, "static capacity weights for --upstreams (weighted strategy)")
	flags.String("rate-limit", "", "enable rate limiting with the named strategy (fixed_window, token_bucket)")
	flags.Int("rate-limit-max", 10, "max requests per window per client")
	flags.Duration("rate-limit-window", time.Minute, "rate limit window")
	flags.String("load-balance", "round_robin", "strategy: round_robin, adaptive, weighted, random")
	flags.Float64("adaptive-k", 0.1, "latency weight in the adaptive score")
	flags.String("log-level", "info", "log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadGateway(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "gateway",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	gw, err := gateway.New(*cfg, log)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("serve failed", "error", err)
		}
	}()
	log.Info("gateway listening", "port", cfg.Port, "coordinator", cfg.CoordinatorURL)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("gateway stopped")
	return nil
}

func exitOnPanic() {
	if r := recover(); r != nil {
		fmt.Fprintln(os.Stderr, "gateway: panic:", r)
		os.Exit(2)
	}
}
