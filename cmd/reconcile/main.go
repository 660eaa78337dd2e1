package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"timebank/internal/client"
	"timebank/internal/config"
	"timebank/internal/database"
	"timebank/internal/models"
	"timebank/internal/service"

	"github.com/rs/zerolog"
)

// report is printed as JSON so cron wrappers can forward it.
type report struct {
	CheckedAt  time.Time               `json:"checked_at"`
	Mismatches []models.Reconciliation `json:"mismatches"`
	Totals     models.LedgerTotals     `json:"totals"`
	Conserved  bool                    `json:"conserved"`
}

func main() {
	ok, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(2)
	}
}

func run() (bool, error) {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "reconcile").Logger()
	var (
		configPath = flag.String("config", "configs/config.yaml", "path to config.yaml")
		apiURL     = flag.String("api", "", "check a running server at this base URL instead of the database")
		apiKey     = flag.String("api-key", os.Getenv("TIMEBANK_API_KEY"), "admin api key for -api")
		timeout    = flag.Duration("timeout", time.Minute, "overall time limit")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var (
		out report
		err error
	)
	if *apiURL != "" {
		out, err = reconcileRemote(ctx, *apiURL, *apiKey)
	} else {
		out, err = reconcileDatabase(ctx, *configPath, &logger)
	}
	if err != nil {
		return false, err
	}
	out.CheckedAt = time.Now().UTC()
	if out.Mismatches == nil {
		out.Mismatches = []models.Reconciliation{}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return false, err
	}

	return len(out.Mismatches) == 0 && out.Conserved, nil
}

func reconcileDatabase(ctx context.Context, configPath string, logger *zerolog.Logger) (report, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return report{}, fmt.Errorf("load config: %w", err)
	}

	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return report{}, fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	mismatches, totals, err := service.NewLedgerService(db, logger).ReconcileAll(ctx)
	if err != nil {
		return report{}, fmt.Errorf("reconcile: %w", err)
	}
	return report{Mismatches: mismatches, Totals: totals, Conserved: totals.Conserved()}, nil
}

func reconcileRemote(ctx context.Context, baseURL, apiKey string) (report, error) {
	res, err := client.New(baseURL, apiKey).Reconcile(ctx)
	if err != nil {
		return report{}, fmt.Errorf("reconcile via %s: %w", baseURL, err)
	}
	return report{Mismatches: res.Mismatches, Totals: res.Totals, Conserved: res.Conserved}, nil
}
