// Command throttlequeue is a CLI around the rate-limit-aware request
// dispatcher: a cobra root-plus-subcommand layout with viper-backed config
// loading, for dispatching one or many HTTP requests through a per-host
// backoff policy.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/throttlequeue/throttlequeue/internal/apiserver"
	"github.com/throttlequeue/throttlequeue/internal/config"
	"github.com/throttlequeue/throttlequeue/internal/dispatch"
	"github.com/throttlequeue/throttlequeue/internal/httpop"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "throttlequeue",
		Short: "throttlequeue — a rate-limit-aware request dispatcher",
		Long: `throttlequeue runs outbound HTTP requests through a per-host bounded
concurrency pool with exponential backoff and server-directed retry hints
(Retry-After, X-RateLimit-*). It tracks queue depth, wait time, and backoff
events per host and exposes them as Prometheus metrics.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// submitCmd creates the "submit" subcommand.
func submitCmd() *cobra.Command {
	var (
		host        string
		method      string
		maxAttempts int
		headerFlags []string
		bodyFlag    string
	)

	cmd := &cobra.Command{
		Use:   "submit [url]",
		Short: "Submit one request through the dispatcher",
		Long:  "Dispatch a single HTTP request against the given URL, honoring the per-host backoff policy, and print the final response.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(args[0], host, method, maxAttempts, headerFlags, bodyFlag)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "rate-limit bucket key (defaults to the URL's host)")
	cmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP method")
	cmd.Flags().IntVarP(&maxAttempts, "max-attempts", "m", 0, "max attempts before giving up (0 = config default)")
	cmd.Flags().StringArrayVarP(&headerFlags, "header", "H", nil, "request header, repeatable (\"Key: Value\")")
	cmd.Flags().StringVar(&bodyFlag, "body", "", "request body")

	return cmd
}

func runSubmit(rawURL, host, method string, maxAttempts int, headerFlags []string, body string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if host == "" {
		host = u.Host
	}

	header := http.Header{}
	for _, h := range headerFlags {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("invalid --header %q, expected \"Key: Value\"", h)
		}
		header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	if maxAttempts <= 0 {
		maxAttempts = cfg.Dispatch.MaxAttempts
	}

	client, err := httpop.NewClient(httpop.DefaultClientConfig())
	if err != nil {
		return fmt.Errorf("create http client: %w", err)
	}
	defer client.Close()

	d := dispatch.New(dispatch.Config{
		Concurrency: cfg.Dispatch.Concurrency,
		BaseBackoff: cfg.Dispatch.BaseBackoff,
		MaxBackoff:  cfg.Dispatch.MaxBackoff,
		JitterRatio: cfg.Dispatch.JitterRatio,
		Logger:      logger,
	})
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.API.Timeout)
	defer cancel()

	op := client.Operation(ctx, method, rawURL, header, []byte(body))
	resp, err := d.Submit(ctx, host, op, maxAttempts)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	fmt.Printf("status: %d\n", resp.Status)
	fmt.Printf("body:\n%s\n", string(resp.Payload))
	return nil
}

// serveCmd creates the "serve" subcommand.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher behind the REST API and metrics endpoint",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	client, err := httpop.NewClient(httpop.DefaultClientConfig())
	if err != nil {
		return fmt.Errorf("create http client: %w", err)
	}
	defer client.Close()

	d := dispatch.New(dispatch.Config{
		Concurrency: cfg.Dispatch.Concurrency,
		BaseBackoff: cfg.Dispatch.BaseBackoff,
		MaxBackoff:  cfg.Dispatch.MaxBackoff,
		JitterRatio: cfg.Dispatch.JitterRatio,
		Logger:      logger,
	})

	srv := apiserver.New(cfg.API.Addr, cfg.API.Timeout, d, client, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down...", "signal", sig)
		d.Close()
		os.Exit(0)
	}()

	logger.Info("serving", "addr", cfg.API.Addr)
	return srv.ListenAndServe()
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("throttlequeue %s\n", config.Version)
		},
	}
}

// configCmd creates the "config" subcommand for inspecting configuration.
func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("Dispatch:\n")
			fmt.Printf("  Concurrency:   %d\n", cfg.Dispatch.Concurrency)
			fmt.Printf("  Base Backoff:  %s\n", cfg.Dispatch.BaseBackoff)
			fmt.Printf("  Max Backoff:   %s\n", cfg.Dispatch.MaxBackoff)
			fmt.Printf("  Jitter Ratio:  %f\n", cfg.Dispatch.JitterRatio)
			fmt.Printf("  Max Attempts:  %d\n", cfg.Dispatch.MaxAttempts)
			fmt.Printf("\nLogging:\n")
			fmt.Printf("  Level:         %s\n", cfg.Logging.Level)
			fmt.Printf("  Format:        %s\n", cfg.Logging.Format)
			fmt.Printf("\nMetrics:\n")
			fmt.Printf("  Enabled:       %v\n", cfg.Metrics.Enabled)
			fmt.Printf("  Port:          %d\n", cfg.Metrics.Port)
			fmt.Printf("\nAPI:\n")
			fmt.Printf("  Enabled:       %v\n", cfg.API.Enabled)
			fmt.Printf("  Addr:          %s\n", cfg.API.Addr)
			return nil
		},
	}
	return cmd
}

// setupLogger builds a structured logger from the loaded config's Logging
// section: cfg.Level picks the threshold (overridden to debug by the
// global --verbose flag), cfg.Format picks text vs JSON, and cfg.Output
// picks the destination — "stderr"/"stdout" or a file path opened for
// append, falling back to stderr if the path can't be opened.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel(cfg.Level)}

	out := logOutput(cfg.Output)
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// logLevel maps a config level name to a slog.Level; --verbose always wins.
func logLevel(name string) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// logOutput resolves an output destination name to a writer.
func logOutput(dest string) io.Writer {
	switch strings.ToLower(dest) {
	case "", "stderr":
		return os.Stderr
	case "stdout":
		return os.Stdout
	default:
		f, err := os.OpenFile(dest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log output %q: %v, falling back to stderr\n", dest, err)
			return os.Stderr
		}
		return f
	}
}
