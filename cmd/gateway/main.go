package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"

	"apilogger/internal/capture"
	"apilogger/internal/config"
	"apilogger/internal/logging"
	"apilogger/internal/report"
	"apilogger/internal/server"
	"apilogger/storage"
	"apilogger/storage/file"
	"apilogger/storage/memory"
	"apilogger/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:           "gateway",
	Short:         "Capture API traffic without adding latency",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newReportCmd())
	rootCmd.AddCommand(newShowCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func openStore(cfg config.StoreConfig) (storage.Store, error) {
	switch cfg.Type {
	case config.StoreFile:
		return file.New(cfg.Path)
	case config.StoreSQLite:
		return sqlite.New(cfg.Path)
	case config.StoreMemory:
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unsupported store type %q", cfg.Type)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the capturing reverse proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			level, err := logging.ParseLevel(cfg.Log.Level)
			if err != nil {
				return err
			}
			log := logging.New("apilogger", level)

			store, err := openStore(cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			opts := capture.DefaultOptions(store)
			opts.Logger = log
			opts.Registerer = prometheus.DefaultRegisterer
			opts.Disabled = !cfg.Capture.Enabled
			opts.Workers = cfg.Capture.BackgroundWorkers
			opts.WriteBufferSize = cfg.WriteBuffer.MaxSize
			opts.FlushInterval = cfg.WriteBuffer.FlushInterval
			opts.DeferParsing = cfg.Capture.DeferParsing
			opts.PoolMaxBytes = cfg.BufferPoolBytes()
			opts.MaxBodyBytes = cfg.MaxBodyBytes()
			opts.HeartbeatEvents = cfg.Capture.HeartbeatEvents
			opts.LatencyWindow = cfg.Capture.LatencyWindow
			pipeline, err := capture.New(opts)
			if err != nil {
				return err
			}

			srv, err := server.New(cfg, store, pipeline, prometheus.DefaultGatherer, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			served := make(chan error, 1)
			go func() { served <- srv.Start() }()

			select {
			case err := <-served:
				if err != nil {
					return err
				}
			case <-ctx.Done():
				log.Info("shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			summary, err := srv.Shutdown(shutdownCtx)
			fmt.Fprintf(cmd.OutOrStdout(), "logged pairs: %d, failed: %d, orphaned: %d, lost: %d\n",
				summary.Logged, summary.Failed, summary.Orphaned, summary.Lost)
			return err
		},
	}
}

func newReportCmd() *cobra.Command {
	var (
		storeType string
		path      string
		limit     int
		orphaned  bool
		urlLike   string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize a persisted capture log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadForRead(storeType, path)
			if err != nil {
				return err
			}
			store, err := openStore(cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			q := storage.Query{Sort: "ts", Limit: limit}
			if cmd.Flags().Changed("orphaned") {
				q.Orphaned = &orphaned
			}
			if urlLike != "" {
				q.URLLike = &urlLike
			}
			entries, _, err := store.List(cmd.Context(), q)
			if err != nil {
				return err
			}

			rows, totals := report.Build(entries, cfg.Capture.HeartbeatEvents)
			out := cmd.OutOrStdout()
			report.Write(out, rows, totals, report.Options{Terminal: isTerminal(out)})
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&storeType, "store", "", "store type to read: file or sqlite (default from config)")
	flags.StringVar(&path, "path", "", "log file or database path (default from config)")
	flags.IntVar(&limit, "limit", 0, "limit number of exchanges (0 means no limit)")
	flags.BoolVar(&orphaned, "orphaned", false, "only orphaned (true) or only answered (false) requests")
	flags.StringVar(&urlLike, "url", "", "only exchanges whose URL contains this text")
	return cmd
}

func newShowCmd() *cobra.Command {
	var (
		storeType string
		path      string
		noColor   bool
	)

	cmd := &cobra.Command{
		Use:   "show <request-id>",
		Short: "Pretty-print one persisted exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadForRead(storeType, path)
			if err != nil {
				return err
			}
			store, err := openStore(cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			entry, err := store.Get(cmd.Context(), args[0])
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no capture with request id %s", args[0])
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			formatted := pretty.Pretty(entry.Line)
			if !noColor && os.Getenv("NO_COLOR") == "" && isTerminal(out) {
				formatted = pretty.Color(formatted, nil)
			}
			_, err = out.Write(formatted)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&storeType, "store", "", "store type to read: file or sqlite (default from config)")
	flags.StringVar(&path, "path", "", "log file or database path (default from config)")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")
	return cmd
}

// loadForRead loads the config and applies store overrides from flags.
func loadForRead(storeType, path string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if storeType != "" {
		cfg.Store.Type = storeType
	}
	if path != "" {
		cfg.Store.Path = path
	}
	if cfg.Store.Type == config.StoreMemory {
		return nil, errors.New("a memory store has nothing persisted to read")
	}
	return cfg, nil
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
