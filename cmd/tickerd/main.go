package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	_ "net/http/pprof" // pprof endpoints on the metrics listener
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/openquant/tickerd/pkg/backfill"
	"github.com/openquant/tickerd/pkg/config"
	"github.com/openquant/tickerd/pkg/log"
	"github.com/openquant/tickerd/pkg/metrics"
	"github.com/openquant/tickerd/pkg/storage"
	"github.com/openquant/tickerd/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tickerd",
	Short: "tickerd - multi-provider market data collector",
	Long: `tickerd collects live and historical market data from multiple
vendors, normalizes it into one canonical event model, persists it
durably, and rides out provider outages through automatic failover.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"tickerd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to tickerd.yaml")

	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(statusCmd)
}

// loadConfig reads .env credentials and the YAML configuration
func loadConfig() (config.Config, error) {
	// Credentials may live in a local .env; a missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}

	log.Init(cfg.Log.Level, cfg.Log.JSON)
	return cfg, nil
}

// serveMetrics exposes prometheus metrics and pprof
func serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	go func() {
		logger := log.WithComponent("metrics")
		logger.Info().Str("addr", addr).Msg("Metrics endpoint listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Msg("Metrics endpoint failed")
		}
	}()
}

// waitForSignal blocks until SIGINT or SIGTERM
func waitForSignal() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return <-sigCh
}

var backfillSymbols string
var backfillFrom, backfillTo string
var backfillProvider string
var backfillFallback bool

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Run a bulk historical ingest",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runBackfill(cfg)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillSymbols, "symbols", "", "comma-separated symbols (defaults to configured symbols)")
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "start date (YYYY-MM-DD)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "end date (YYYY-MM-DD)")
	backfillCmd.Flags().StringVar(&backfillProvider, "provider", "", "historical provider id (defaults to configured provider)")
	backfillCmd.Flags().BoolVar(&backfillFallback, "fallback", false, "fall back to other providers on failure")
}

// parseBackfillRequest turns flags and config into a request
func parseBackfillRequest(cfg config.Config) (types.BackfillRequest, error) {
	req := types.BackfillRequest{
		ProviderID:     cfg.Backfill.Provider,
		EnableFallback: cfg.Backfill.EnableFallback,
	}
	if backfillProvider != "" {
		req.ProviderID = backfillProvider
	}
	if backfillFallback {
		req.EnableFallback = true
	}

	if backfillSymbols != "" {
		for _, s := range strings.Split(backfillSymbols, ",") {
			if s = strings.TrimSpace(s); s != "" {
				req.Symbols = append(req.Symbols, s)
			}
		}
	} else {
		for _, sub := range cfg.Symbols {
			req.Symbols = append(req.Symbols, sub.Symbol)
		}
	}
	if len(req.Symbols) == 0 {
		return req, fmt.Errorf("no symbols to backfill")
	}

	if backfillFrom != "" {
		from, err := time.ParseInLocation("2006-01-02", backfillFrom, time.UTC)
		if err != nil {
			return req, fmt.Errorf("invalid --from date: %w", err)
		}
		req.From = from
	}
	if backfillTo != "" {
		to, err := time.ParseInLocation("2006-01-02", backfillTo, time.UTC)
		if err != nil {
			return req, fmt.Errorf("invalid --to date: %w", err)
		}
		req.To = to
	}
	return req, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last backfill run record",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		o := backfill.New(nil, nil, cfg.Storage.DataRoot)
		result, err := o.LastResult()
		if err != nil {
			return fmt.Errorf("no backfill status available: %w", err)
		}

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

// openStore opens the checkpoint store under the data root
func openStore(cfg config.Config) (storage.Store, error) {
	return storage.NewBoltStore(cfg.Storage.DataRoot)
}
