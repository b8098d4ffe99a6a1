package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/temoto/heroshi/internal/api"
	"github.com/temoto/heroshi/internal/config"
	"github.com/temoto/heroshi/internal/page"
	"github.com/temoto/heroshi/internal/types"
	"github.com/temoto/heroshi/internal/worker"
)

// appendChunkSize bounds how many links go into one append request.
const appendChunkSize = 1000

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "heroshi-worker",
		Short: "Heroshi crawler worker",
		Long: `The worker pulls URLs from the URL server, fetches them through
the io-worker engine under robots.txt and per-host limits, extracts
outbound links and reports results back.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(crawlCmd())
	rootCmd.AddCommand(appendCmd())
	rootCmd.AddCommand(getJobsCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func crawlCmd() *cobra.Command {
	var (
		oneShot     bool
		queueSize   int
		connections int
		stopTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl URLs from the URL server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if queueSize > 0 {
				cfg.Worker.MaxQueueSize = queueSize
			}
			if connections > 0 {
				cfg.Worker.MaxConnections = connections
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger := setupLogger(cfg)
			client := api.NewClient(cfg, logger)
			crawler := worker.New(cfg, client, logger)
			if err := crawler.StartIoWorker(); err != nil {
				return fmt.Errorf("start io-worker: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				logger.Info("received signal, stopping", "signal", sig)
				crawler.Stop()
			}()

			logger.Info("starting crawl",
				"manager", cfg.ManagerURL,
				"queue_size", cfg.Worker.MaxQueueSize,
				"connections", cfg.Worker.MaxConnections,
			)
			crawler.Crawl(context.Background(), !oneShot)
			if !crawler.GracefulStop(stopTimeout) {
				logger.Warn("graceful stop timed out")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&oneShot, "one-shot", false, "stop when the local queue is empty")
	cmd.Flags().IntVar(&queueSize, "queue-size", 0, "local queue size (overrides config)")
	cmd.Flags().IntVarP(&connections, "connections", "n", 0, "max concurrent fetches (overrides config)")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 60*time.Second, "max wait for in-flight fetches on stop")
	return cmd
}

func appendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "append [file]",
		Short: "Push URLs into the crawl queue",
		Long:  "Reads URLs one per line from a file (or stdin with \"-\") and force-appends them to the URL server.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg)
			client := api.NewClient(cfg, logger)

			in := os.Stdin
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return runAppend(client, in, logger)
		},
	}
	return cmd
}

func runAppend(client *api.Client, in io.Reader, logger *slog.Logger) error {
	ctx := context.Background()
	var links []string
	total := 0

	flush := func() error {
		if len(links) == 0 {
			return nil
		}
		if err := client.ReportResult(ctx, &types.Report{Links: links}); err != nil {
			return err
		}
		total += len(links)
		links = links[:0]
		return nil
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		raw := scanner.Text()
		if raw == "" {
			continue
		}
		link, err := page.NewLink(raw, nil)
		if err != nil || !link.IsFull {
			logger.Warn("skipping unusable url", "url", raw)
			continue
		}
		links = append(links, link.Full())
		if len(links) >= appendChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	logger.Info("appended urls", "count", total)
	return nil
}

func getJobsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "get-jobs",
		Short: "Fetch one dispense batch and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg)
			client := api.NewClient(cfg, logger)

			items, err := client.GetCrawlQueue(context.Background(), limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 10, "how many items to request")
	return cmd
}

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Submit one report object read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg)
			client := api.NewClient(cfg, logger)

			var report types.Report
			if err := json.NewDecoder(os.Stdin).Decode(&report); err != nil {
				return fmt.Errorf("decode report: %w", err)
			}
			return client.ReportResult(context.Background(), &report)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("heroshi-worker %s\n", config.Version)
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogger creates a structured logger from the logging config.
func setupLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
