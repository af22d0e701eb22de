package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/observability"
)

func newServeMetricsCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve Prometheus metrics until interrupted",
		Long: `Serve Prometheus metrics on /metrics until interrupted. While serving, edits
to the config file reload the model capability table.`,
		Args: cobra.NoArgs,
		RunE: a.run(func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Telemetry.MetricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serveMetrics(ctx, addr, func(bound net.Addr) {
				fmt.Fprintf(cmd.OutOrStdout(), "Serving metrics on http://%s/metrics\n", bound)
			})
		}),
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from telemetry.metrics_addr)")
	return cmd
}

// serveMetrics blocks until ctx is done. ready is called once the listener
// is bound.
func (a *app) serveMetrics(ctx context.Context, addr string, ready func(net.Addr)) error {
	if _, err := a.mgr.ListConversations(ctx); err != nil {
		return err
	}

	if w, err := config.NewWatcher(a.loader, config.DefaultDebounce, a.reloadModels); err != nil {
		log.Warn().Err(err).Str("path", a.loader.GetConfigPath()).Msg("Config reload disabled")
	} else {
		defer w.Stop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if ready != nil {
		ready(ln.Addr())
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("Metrics server started")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("Metrics server stopped")
	return nil
}

func (a *app) reloadModels(cfg *config.Config) {
	if err := a.mgr.UpdateModels(cfg.CapabilityModels()); err != nil {
		log.Warn().Err(err).Msg("Failed to apply reloaded models")
		return
	}
	log.Info().Int("models", len(cfg.Models)).Msg("Model capabilities reloaded")
}
