package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/linemirror/internal/config"
	"github.com/agentworkforce/linemirror/internal/httpapi"
	"github.com/agentworkforce/linemirror/internal/linemirror"
)

const shutdownTimeout = 10 * time.Second

type rootOptions struct {
	configFile string
	envFile    string
	verbose    bool
	logFormat  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "linemirror",
		Short:         "Mirror SMS conversations from the phone provider into a document store",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.logFormat {
			case "json", "text":
				return nil
			default:
				return fmt.Errorf("invalid log format %q: must be json or text", opts.logFormat)
			}
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "optional YAML config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "json", "log format (json|text)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newWorkerCommand(opts))
	cmd.AddCommand(newBackfillCommand(opts))
	cmd.AddCommand(newSyncConversationsCommand(opts))
	cmd.AddCommand(newSignCommand())
	return cmd
}

func newLogger(opts *rootOptions, out io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if opts.logFormat == "text" {
		return slog.New(slog.NewTextHandler(out, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(out, handlerOpts))
}

// app holds the components every command builds from configuration.
type app struct {
	cfg         config.Config
	logger      *slog.Logger
	store       linemirror.MirrorStore
	coordinator *linemirror.BackfillCoordinator
	closers     []func() error
}

func newApp(ctx context.Context, opts *rootOptions, logOut io.Writer) (*app, error) {
	logger := newLogger(opts, logOut)
	cfg, err := config.Load(config.LoadOptions{ConfigFile: opts.configFile, EnvFile: opts.envFile, Logger: logger})
	if err != nil {
		return nil, err
	}
	store, err := linemirror.BuildStoreFromDSN(cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, store: store, closers: []func() error{store.Close}}

	var cooldown linemirror.Cooldown = linemirror.NewMemoryCooldown()
	if cfg.RedisURL != "" {
		redisCooldown, err := linemirror.NewRedisCooldown(ctx, cfg.RedisURL)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, redisCooldown.Close)
		cooldown = redisCooldown
	}

	history := linemirror.NewHTTPHistoryClient(linemirror.HistoryHTTPClientOptions{
		BaseURL:  cfg.HistoryBaseURL,
		MaxPages: cfg.HistoryMaxPages,
	})
	reconciler := linemirror.NewReconciler(store, history, linemirror.ReconcilerOptions{
		PageSize: cfg.BackfillPageSize,
		Lookback: cfg.BackfillLookback,
		Logger:   logger,
	})
	syncer := linemirror.NewConversationSyncer(store, history, linemirror.ConversationSyncerOptions{
		Lookback: cfg.BackfillLookback,
		Logger:   logger,
	})
	a.coordinator = linemirror.NewBackfillCoordinator(reconciler, store, linemirror.BackfillCoordinatorOptions{
		Cooldown:    cooldown,
		CooldownTTL: cfg.BackfillCooldown,
		Syncer:      syncer,
		Logger:      logger,
	})
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook endpoint and the dashboard API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			secret, closeSecret, err := a.cfg.WebhookSecretSource(a.logger)
			if err != nil {
				return err
			}
			defer closeSecret()
			for _, warning := range startupWarnings(a.cfg, secret) {
				a.logger.Warn(warning)
			}

			var queue linemirror.BackfillQueue = linemirror.NewInlineBackfillQueue(a.coordinator)
			if a.cfg.RedisURL != "" {
				asynqQueue, err := linemirror.NewAsynqBackfillQueue(a.cfg.RedisURL)
				if err != nil {
					return err
				}
				defer asynqQueue.Close()
				queue = asynqQueue
			}

			server := httpapi.NewServerWithConfig(a.store, httpapi.ServerConfig{
				JWTSecret:        a.cfg.JWTSecret,
				WebhookSecret:    secret,
				SignatureMaxSkew: a.cfg.SignatureMaxSkew,
				RateLimitMax:     a.cfg.RateLimitMax,
				RateLimitWindow:  a.cfg.RateLimitWindow,
				MaxBodyBytes:     a.cfg.MaxBodyBytes,
				AllowedOrigins:   a.cfg.AllowedOrigins,
				Processor: linemirror.NewProcessor(a.store, linemirror.ProcessorOptions{
					DeliveredParticipants: a.cfg.DeliveredRule,
					Logger:                a.logger,
				}),
				Backfill: queue,
				Sync:     a.coordinator,
				Logger:   a.logger,
			})
			httpServer := &http.Server{
				Addr:              a.cfg.Addr,
				Handler:           server,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("linemirror listening", "addr", a.cfg.Addr, "store", storeScheme(a.cfg.StoreDSN))
				errCh <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("http shutdown incomplete", "error", err)
			}
			a.coordinator.Wait()
			return nil
		},
	}
}

func startupWarnings(cfg config.Config, secret linemirror.SecretSource) []string {
	var warnings []string
	if secret.Secret() == "" {
		warnings = append(warnings, "webhook secret is not set; deliveries will be answered with 500")
	}
	if cfg.UsesDefaultJWTSecret() {
		warnings = append(warnings, fmt.Sprintf("dashboard tokens use the development JWT secret; set %s_JWT_SECRET", config.EnvPrefix))
	}
	return warnings
}

func newWorkerCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume queued backfill tasks from Redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.cfg.RedisURL == "" {
				return fmt.Errorf("%s_REDIS_URL is required for the worker", config.EnvPrefix)
			}

			srv, mux, err := linemirror.NewBackfillWorker(a.cfg.RedisURL, a.coordinator, linemirror.BackfillWorkerOptions{
				Concurrency: a.cfg.WorkerConcurrency,
				Logger:      a.logger,
			})
			if err != nil {
				return err
			}
			if err := srv.Start(mux); err != nil {
				return fmt.Errorf("start backfill worker: %w", err)
			}
			a.logger.Info("backfill worker started", "concurrency", a.cfg.WorkerConcurrency)
			<-ctx.Done()
			srv.Shutdown()
			return nil
		},
	}
}

func newBackfillCommand(opts *rootOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "backfill <conversation-id>",
		Short: "Reconcile one conversation against the provider history now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.coordinator.Run(ctx, linemirror.BackfillRequest{ConversationID: args[0], UserID: userID})
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user whose stored provider credential is used")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func writeReport(out io.Writer, report linemirror.ReconcileReport) error {
	payload := map[string]any{
		"conversationId": report.ConversationID,
		"fetched":        report.Fetched,
		"inserted":       report.Inserted,
		"existing":       report.Existing,
		"conflicts":      report.Conflicts,
		"durationMs":     report.Duration.Milliseconds(),
	}
	if report.FetchError != nil {
		payload["fetchError"] = report.FetchError.Error()
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func newSyncConversationsCommand(opts *rootOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "sync-conversations",
		Short: "Pull names, lines and participants of recent conversations from the provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.coordinator.SyncConversations(ctx, userID)
			if err != nil {
				return err
			}
			payload := map[string]any{
				"fetched":    report.Fetched,
				"merged":     report.Merged,
				"skipped":    report.Skipped,
				"durationMs": report.Duration.Milliseconds(),
			}
			if report.FetchError != nil {
				payload["fetchError"] = report.FetchError.Error()
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(payload)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user whose stored provider credential is used")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newSignCommand() *cobra.Command {
	var (
		secret    string
		timestamp string
	)
	cmd := &cobra.Command{
		Use:   "sign <body-file>",
		Short: "Print a signature header for a webhook body, for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				body []byte
				err  error
			)
			if args[0] == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			if timestamp == "" {
				timestamp = strconv.FormatInt(time.Now().UnixMilli(), 10)
			}
			header, err := linemirror.SignPayload(secret, timestamp, body)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), header)
			return err
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("LINEMIRROR_WEBHOOK_SECRET"), "base64 webhook signing secret")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "unix millisecond timestamp (default now)")
	return cmd
}

func storeScheme(dsn string) string {
	if scheme, _, ok := strings.Cut(dsn, ":"); ok {
		return scheme
	}
	return "file"
}
