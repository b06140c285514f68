package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"riderpi/pkg/broker"

	"github.com/spf13/cobra"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the pub/sub broker",
	Long:  "Binds the ingress and egress websocket endpoints and relays every published frame to matching subscribers. Exits cleanly when another broker already owns the addresses.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, log, err := loadRuntime("cmd.broker")
		if err != nil {
			exitOnStartupError(err)
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b := broker.New(broker.Options{SubscriberBuffer: cfg.Broker.SubscriberBuffer, Logger: log})

		if cfg.Broker.MetricsAddr != "" {
			go func() {
				if err := serveMetrics(runCtx, cfg.Broker.MetricsAddr, b.MetricsHandler(), log); err != nil {
					log.Error("Metrics server failed", "error", err)
				}
			}()
		}

		err = b.Run(runCtx, cfg.Broker.IngressAddr, cfg.Broker.EgressAddr)
		switch {
		case err == nil:
		case errors.Is(err, broker.ErrAlreadyRunning):
			log.Info("Broker already running, nothing to do", "error", err)
		default:
			log.Error("Broker runtime failed", "error", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(brokerCmd)
}

// serveMetrics exposes handler on addr under /metrics until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, handler http.Handler, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	server := &http.Server{
		Addr:              broker.NormalizeAddr(addr),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("Metrics server started", "address", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start metrics server: %w", err)
	}
	return nil
}
