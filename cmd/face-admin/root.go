package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tendant/face-index-pipeline/internal/config"
	"github.com/tendant/face-index-pipeline/internal/logger"
	"github.com/tendant/face-index-pipeline/pkg/runner"
)

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:   "face-admin",
	Short: "Operator tool for the face indexing pipeline",
	Long: `face-admin enqueues upload jobs, sweeps the face table and inspects
indexed faces. It reads the same environment (and optional .env /
FACEPIPE_CONFIG file) as the face worker.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// openAdmin loads configuration and wires an admin API; the returned func
// releases it.
func openAdmin(ctx context.Context, opts runner.AdminOptions) (*runner.Admin, *config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	admin, err := runner.NewAdmin(ctx, cfg, log, opts)
	if err != nil {
		log.Sync()
		return nil, nil, nil, err
	}

	return admin, cfg, func() {
		admin.Close()
		log.Sync()
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
