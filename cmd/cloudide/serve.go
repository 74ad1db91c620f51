package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ricochet1k/cloudide/internal/api"
	"github.com/ricochet1k/cloudide/internal/service"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workspace gateway (REST, realtime events, metrics)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a)
		},
	}
	cmd.Flags().String("addr", "", "gateway listen address")
	_ = a.v.BindPFlag("gateway.addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func runServe(ctx context.Context, a *app) error {
	cfg := a.cfg
	log := a.logger.With("component", "gateway")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	stack := newProvisioningStack(a, reg)
	defer stack.Close()

	analyzer, err := newAnalyzer(ctx, a)
	if err != nil {
		return err
	}

	manager := service.NewManager(stack.correlator, nil,
		service.WithEnricher(analyzer),
		service.WithRequestDefaults(cfg.Request.Params()),
		service.WithLogger(a.logger),
	)
	handler := api.NewHandler(manager,
		api.WithLaunchLimit(rate.Limit(cfg.Gateway.LaunchRate), cfg.Gateway.LaunchBurst),
		api.WithGatherer(reg),
		api.WithLogger(a.logger),
	)
	defer handler.Close()

	r := chi.NewRouter()
	handler.Mount(r)
	srv := &http.Server{Addr: cfg.Gateway.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	// The link is opened lazily by the first launch as well; dialing here
	// only surfaces a bad transport.url early.
	if err := stack.router.Open(ctx); err != nil {
		log.Warn("provisioning bus not reachable yet", "url", cfg.Transport.URL, "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gateway listening", "addr", cfg.Gateway.Addr, "transport", cfg.Transport.URL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		manager.Shutdown(shutdownCtx)
		log.Info("gateway stopped")
		return err
	})
	return g.Wait()
}
