package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/user/agentmarket/internal/apperror"
	"github.com/user/agentmarket/internal/config"
	"github.com/user/agentmarket/internal/db"
	"github.com/user/agentmarket/internal/deploy"
	"github.com/user/agentmarket/internal/hub"
	"github.com/user/agentmarket/internal/marketplace"
	"github.com/user/agentmarket/internal/registry"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "agentmarket",
	Short:         "Package, license and deploy agent playbooks",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cmd.Flags())
		if err != nil {
			return err
		}
		level, err := loaded.SlogLevel()
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		cfg = loaded
		return nil
	},
}

func init() {
	defaults, err := config.Default()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	config.BindFlags(rootCmd.PersistentFlags(), defaults)

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(integrationsCmd)
}

// Execute runs the root command until it returns or the process is signalled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		printError(err)
		os.Exit(1)
	}
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	var appErr *apperror.Error
	if errors.As(err, &appErr) && len(appErr.Details) > 0 {
		data, _ := json.MarshalIndent(appErr.Details, "", "  ")
		fmt.Fprintf(os.Stderr, "%s\n", data)
	}
}

// openService opens the store and builds the marketplace over it. The caller
// closes the returned DB.
func openService(ctx context.Context, events *hub.Hub) (*marketplace.Service, *db.DB, error) {
	database, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	tools, err := registry.NewRegistry(cfg.ToolsDir)
	if err != nil {
		_ = database.Close()
		return nil, nil, err
	}
	svc := marketplace.New(database, marketplace.Options{
		FeeRate:                  cfg.PlatformFeeRate,
		UninstallOnRefund:        cfg.UninstallOnRefund,
		AllowArchiveWithInstalls: cfg.ArchiveWithActiveInstalls,
		SmokeTimeout:             cfg.SmokeTestTimeout,
		SmokeParallelism:         cfg.SmokeTestParallelism,
		StaleDeployAfter:         cfg.StaleDeployAfter,
		Tools:                    tools,
		Runner:                   deploy.NewEntityRunner(database),
		Events:                   events,
		Logger:                   slog.Default(),
	})
	return svc, database, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
