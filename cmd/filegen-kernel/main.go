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
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/juergmar/FileDownloadBackend/internal/adapters/generators"
	"github.com/juergmar/FileDownloadBackend/internal/adapters/memory"
	"github.com/juergmar/FileDownloadBackend/internal/adapters/sqlstore"
	"github.com/juergmar/FileDownloadBackend/internal/config"
	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
	"github.com/juergmar/FileDownloadBackend/internal/core/ports"
	"github.com/juergmar/FileDownloadBackend/internal/core/services"
	"github.com/juergmar/FileDownloadBackend/pkg/kernel"
)

var (
	configFile string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "filegen-kernel",
	Short:         "Asynchronous report generation service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := viper.New()
		loaded, err := config.Load(v, configFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func newLogger(w io.Writer, c *config.Config) *slog.Logger {
	level, _ := config.ParseLevel(c.Log.Level)
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func openStore(ctx context.Context, c *config.Config) (ports.Store, error) {
	if c.Storage.Driver == config.StorageMemory {
		return memory.New(), nil
	}
	store, err := sqlstore.Open(ctx, c.Storage.Driver, c.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", c.Storage.Driver, err)
	}
	return store, nil
}

func retryPolicy(c *config.Config) services.RetryPolicy {
	return services.RetryPolicy{MaxAttempts: c.Jobs.RetryAttempts, BaseDelay: c.Jobs.RetryDelay}
}

func cleanupConfig(c *config.Config) services.CleanupConfig {
	return services.CleanupConfig{
		Interval:       c.Cleanup.Interval,
		JobExpiry:      c.Cleanup.JobExpiry,
		Retention:      c.Cleanup.Retention,
		EventRetention: c.Cleanup.EventRetention,
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the generation workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(os.Stdout, cfg)
			logger.Info("starting filegen kernel", "storage", cfg.Storage.Driver, "addr", cfg.HTTP.Addr)
			return serve(cmd.Context(), logger, cfg)
		},
	}
}

func serve(ctx context.Context, logger *slog.Logger, c *config.Config) error {
	store, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer store.Close()

	eventBus := services.NewEventBus(logger)
	commands := services.NewJobCommandService(logger, store, eventBus, retryPolicy(c))

	registry, err := domain.NewGeneratorRegistry(generators.All()...)
	if err != nil {
		return fmt.Errorf("register generators: %w", err)
	}

	scheduler := services.NewJobScheduler(logger, services.SchedulerConfig{
		MaxConcurrentJobs: c.Jobs.MaxConcurrent,
		QueueSize:         c.Jobs.QueueSize,
	})
	orchestrator := services.NewOrchestrator(logger, commands, registry, scheduler, services.OrchestratorConfig{
		Checkpoints:     c.Jobs.Checkpoints,
		CheckpointDelay: c.Jobs.CheckpointDelay,
	})
	cleaner := services.NewJobCleaner(logger, store, commands, cleanupConfig(c))
	management := services.NewJobManagementService(logger, store, commands, orchestrator, cleaner, registry, c.Jobs.MaxJobs)
	queries := services.NewJobQueryService(logger, store)

	apiServer, err := kernel.NewServer(logger, management, queries, eventBus, kernel.Options{JWTSecret: c.Auth.JWTSecret})
	if err != nil {
		return fmt.Errorf("init api server: %w", err)
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   c.HTTP.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-User-Id"},
		ExposedHeaders:   []string{"Content-Disposition", "Retry-After"},
		AllowCredentials: true,
	})
	httpServer := &http.Server{
		Addr:              c.HTTP.Addr,
		Handler:           corsHandler.Handler(apiServer.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	orchestrator.Run(gCtx)

	g.Go(func() error {
		return cleaner.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("starting api server", "addr", c.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		apiServer.CloseStreams()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.HTTP.ShutdownGrace)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		orchestrator.Wait()
		logger.Info("generation workers stopped")
		return err
	})

	return g.Wait()
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{Use: "jobs", Short: "Inspect stored jobs"}
	jobs.AddCommand(jobsListCmd())
	jobs.AddCommand(jobsShowCmd())
	jobs.AddCommand(jobsEventsCmd())
	jobs.AddCommand(jobsReplayCmd())
	jobs.AddCommand(jobsSweepCmd())
	return jobs
}

func withStore(ctx context.Context, fn func(context.Context, ports.Store) error) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func jobsListCmd() *cobra.Command {
	var owner string
	var page, size int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an owner's jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store ports.Store) error {
				queries := services.NewJobQueryService(newLogger(os.Stderr, cfg), store)
				paged, err := queries.RecentJobs(ctx, domain.Principal{UserID: owner}, page, size)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(paged)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Created", "File", "Size"})
				for _, j := range paged.Jobs {
					tw.AppendRow(table.Row{j.JobID, j.FileType, j.Status, j.CreatedAt.Format(time.RFC3339), j.FileName, j.FileSize})
				}
				tw.AppendFooter(table.Row{"", "", "", "", fmt.Sprintf("page %d/%d", paged.CurrentPage+1, max(paged.TotalPages, 1)), paged.TotalItems})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().IntVar(&page, "page", 0, "zero-based page")
	cmd.Flags().IntVar(&size, "size", services.DefaultPageSize, "page size")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func jobsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store ports.Store) error {
				job, err := store.Jobs().Get(ctx, domain.JobID(args[0]))
				if err != nil {
					return err
				}
				view := services.NewJobView(job)
				if viper.GetBool("json") {
					return printJSON(view)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRows([]table.Row{
					{"ID", job.ID},
					{"Owner", job.OwnerID},
					{"Type", job.Type},
					{"Status", job.Status},
					{"Version", job.Version},
					{"Created", job.CreatedAt.Format(time.RFC3339)},
					{"File", view.FileName},
					{"Size", view.FileSize},
					{"Error", view.ErrorMessage},
				})
				tw.Render()
				return nil
			})
		},
	}
}

func jobsEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <id>",
		Short: "Print a job's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store ports.Store) error {
				events, err := store.Events().EventsForJob(ctx, domain.JobID(args[0]))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Type", "Target", "Timestamp"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.Sequence, e.Type(), e.TargetStatus(), e.Timestamp.Format(time.RFC3339Nano)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

type replayReport struct {
	JobID           domain.JobID     `json:"jobId"`
	StoredStatus    domain.JobStatus `json:"storedStatus"`
	StoredVersion   int64            `json:"storedVersion"`
	ReplayedStatus  domain.JobStatus `json:"replayedStatus"`
	ReplayedVersion int64            `json:"replayedVersion"`
	Consistent      bool             `json:"consistent"`
}

func jobsReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <id>",
		Short: "Rebuild a job from its events and compare with the snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store ports.Store) error {
				id := domain.JobID(args[0])
				stored, err := store.Jobs().Get(ctx, id)
				if err != nil {
					return err
				}
				commands := services.NewJobCommandService(newLogger(os.Stderr, cfg), store, nil, retryPolicy(cfg))
				replayed, err := commands.Reconstruct(ctx, id)
				if err != nil {
					return err
				}
				report := replayReport{
					JobID:           id,
					StoredStatus:    stored.Status,
					StoredVersion:   stored.Version,
					ReplayedStatus:  replayed.Status,
					ReplayedVersion: replayed.Version,
					Consistent:      stored.Status == replayed.Status && stored.Version == replayed.Version,
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"", "Status", "Version"})
				tw.AppendRow(table.Row{"snapshot", report.StoredStatus, report.StoredVersion})
				tw.AppendRow(table.Row{"replay", report.ReplayedStatus, report.ReplayedVersion})
				tw.AppendFooter(table.Row{"consistent", report.Consistent, ""})
				tw.Render()
				if !report.Consistent {
					return fmt.Errorf("job %s snapshot diverges from its event log", id)
				}
				return nil
			})
		},
	}
}

func jobsSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one cleanup pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store ports.Store) error {
				logger := newLogger(os.Stderr, cfg)
				commands := services.NewJobCommandService(logger, store, nil, retryPolicy(cfg))
				result, err := services.NewJobCleaner(logger, store, commands, cleanupConfig(cfg)).Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			masked := cfg.Masked()
			if viper.GetBool("json") {
				return printJSON(masked)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(masked)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "encrypt <value>",
		Short: "Encrypt a secret with FILEGEN_SECRET_KEY for use in the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := config.NewSecretKey(os.Getenv(config.EnvPrefix + "_SECRET_KEY"))
			if err != nil {
				return err
			}
			sealed, err := key.Encrypt(args[0])
			if err != nil {
				return err
			}
			fmt.Println(sealed)
			return nil
		},
	})
	return c
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			token, err := kernel.IssueToken(cfg.Auth.JWTSecret, subject, ttl, roles...)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "user id")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, zero for none")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
