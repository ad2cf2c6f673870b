package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/TD-Producoes/revshare-sub005/internal/api"
	"github.com/TD-Producoes/revshare-sub005/internal/api/middleware"
	"github.com/TD-Producoes/revshare-sub005/internal/audit"
	"github.com/TD-Producoes/revshare-sub005/internal/engine"
	"github.com/TD-Producoes/revshare-sub005/internal/logging"
	"github.com/TD-Producoes/revshare-sub005/internal/service"
	"github.com/TD-Producoes/revshare-sub005/internal/store"
	"github.com/TD-Producoes/revshare-sub005/internal/tasks"
)

// TaskPruneVisitors drops rate limiter state of idle remote addresses.
const TaskPruneVisitors = "prune-visitors"

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the RevClaw server",
	Long: `Starts the HTTP server with the agent, dashboard and admin surfaces.
The expiry janitor runs in the background until the server receives SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := f.LoadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := cfg.RequireSigningKey(); err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Info().Str("type", cfg.Store.Type).Str("counter", cfg.Counter.Type).Msg("Opening store...")
		st, err := store.Build(ctx, cfg.Store, cfg.Counter)
		if err != nil {
			return fmt.Errorf("building store: %w", err)
		}
		defer func() {
			if err := st.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close store")
			}
		}()

		var chainOpts []audit.Option
		if cfg.Audit.MirrorPath != "" {
			mirror, err := audit.NewFileMirror(cfg.Audit.MirrorPath)
			if err != nil {
				return fmt.Errorf("opening audit mirror: %w", err)
			}
			defer func() {
				_ = mirror.Close()
			}()
			chainOpts = append(chainOpts, audit.WithMirror(mirror))
			log.Info().Str("path", cfg.Audit.MirrorPath).Msg("Mirroring audit entries")
		}
		chain := audit.NewChain(st, chainOpts...)

		engineOpts := engine.Options{
			IntentTTL:  cfg.Intents.TTL,
			PlanTTL:    cfg.Plans.TTL,
			Guardrails: engine.NewGuardrails(cfg.Guardrails),
		}
		intents := engine.NewIntentEngine(st, chain, engineOpts)
		plans := engine.NewPlanEngine(st, chain, intents, engineOpts)
		installations := service.NewInstallationService(st, chain, service.Options{
			ClaimTTL:      cfg.Claims.TTL,
			BcryptCost:    cfg.Secrets.BcryptCost,
			DefaultPolicy: cfg.Defaults.Policy,
			PublicURL:     cfg.Server.PublicURL,
		})
		log.Info().Int("guardrails", len(cfg.Guardrails)).Msg("Engines ready")

		limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

		manager := tasks.NewManager(ctx)
		engine.RegisterJanitor(manager, cfg.Janitor.Interval, intents, plans, installations)
		manager.Register(TaskPruneVisitors, middleware.VisitorIdleTimeout,
			func(_ context.Context, logger logging.InternalLogger) error {
				if n := limiter.Prune(); n > 0 {
					logger.Info("pruned %d idle visitors", n)
				}
				return nil
			})

		srv := api.NewServer(api.Deps{
			Store:         st,
			Installations: installations,
			Intents:       intents,
			Plans:         plans,
			Audit:         chain,
			Tasks:         manager,
			Limiter:       limiter,
		})

		server := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           srv.Routes([]byte(cfg.Session.SigningKey)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		serveErr := make(chan error, 1)
		go func() {
			log.Info().Msgf("Starting server on %s...", cfg.Server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()

		select {
		case err := <-serveErr:
			if err != nil {
				return fmt.Errorf("server crashed: %w", err)
			}
		case <-ctx.Done():
		}
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		stop()
		manager.Wait()

		log.Info().Msg("Server exited")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "Address to listen on (overrides server.addr)")
}
