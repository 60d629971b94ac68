package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/agentmarket/internal/db"
	"github.com/user/agentmarket/internal/deploy"
	"github.com/user/agentmarket/internal/hub"
	"github.com/user/agentmarket/internal/manifest"
	"github.com/user/agentmarket/internal/marketplace"
	"github.com/user/agentmarket/internal/registry"
	"github.com/user/agentmarket/internal/server"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the marketplace database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.Open(cmd.Context(), cfg.DBPath)
		if err != nil {
			return err
		}
		defer database.Close()

		version, err := db.SchemaVersion(cmd.Context(), database.SQL())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d\n", cfg.DBPath, version)
		return nil
	},
}

var (
	validateSample string
	validatePrint  bool
)

var validateCmd = &cobra.Command{
	Use:   "validate [FILE]",
	Short: "Check a playbook manifest for structural and reference errors",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			m   *manifest.Manifest
			err error
		)
		switch {
		case len(args) == 1:
			m, err = manifest.LoadFile(args[0])
		case validateSample != "":
			m, err = manifest.Sample(validateSample)
		default:
			return errors.New("a manifest file or --sample is required")
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		issues := manifest.Validate(m)
		for _, issue := range issues {
			fmt.Fprintf(out, "%s: %s (%s)\n", issue.Path, issue.Message, issue.Code)
		}
		if err := issues.Err(); err != nil {
			return fmt.Errorf("%d issue(s) found", len(issues))
		}

		tools, err := registry.NewRegistry(cfg.ToolsDir)
		if err != nil {
			return err
		}
		for _, id := range tools.Unknown(m.ToolIDs()) {
			fmt.Fprintf(out, "warning: tool %q is not in the catalog\n", id)
		}
		digest, err := manifest.Digest(m)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "ok: %d entities, digest %s\n", m.Count(), digest)
		if validatePrint {
			data, err := manifest.MarshalYAML(m)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "---\n%s", data)
		}
		return nil
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tool catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tools, err := registry.NewRegistry(cfg.ToolsDir)
		if err != nil {
			return err
		}
		for _, t := range tools.List() {
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-10s %s\n", t.ID, t.Provider, t.Name)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the event stream, metrics and health check",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.EnsureToken(); err != nil {
			return err
		}
		ctx := cmd.Context()

		events := hub.New(cfg.Token, slog.Default())
		go events.Run(ctx)

		svc, database, err := openService(ctx, events)
		if err != nil {
			return err
		}
		defer database.Close()
		go sweepStale(ctx, svc, cfg.StaleDeployAfter)

		fmt.Fprintf(cmd.OutOrStdout(), "\nagentmarket events at ws://localhost:%d/ws?token=%s\n\n", cfg.Port, cfg.Token)
		return server.New(cfg, events, database).Start(ctx)
	},
}

// sweepStale recovers abandoned deploys at startup and then every half of
// the stale age until ctx is done.
func sweepStale(ctx context.Context, svc *marketplace.Service, staleAfter time.Duration) {
	ticker := time.NewTicker(staleAfter / 2)
	defer ticker.Stop()
	for {
		if _, err := svc.RecoverStaleDeployments(ctx); err != nil && ctx.Err() == nil {
			slog.Error("stale deploy sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Fail and roll back deploys left in progress past --stale-deploy-after",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, database, err := openService(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer database.Close()

		ids, err := svc.RecoverStaleDeployments(cmd.Context())
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintf(cmd.OutOrStdout(), "installation %s recovered\n", id)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d stale deploy(s) recovered\n", len(ids))
		return nil
	},
}

var (
	deployReq  deploy.Request
	deployPlan bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy a purchased playbook into a workspace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, database, err := openService(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer database.Close()

		if deployPlan {
			plan, err := svc.Plan(cmd.Context(), deployReq)
			if err != nil {
				return err
			}
			return printJSON(cmd, plan)
		}
		inst, err := svc.Deploy(cmd.Context(), deployReq)
		if err != nil {
			return err
		}
		return printJSON(cmd, inst)
	},
}

var uninstallOrg, uninstallUser string

var uninstallCmd = &cobra.Command{
	Use:   "uninstall INSTALLATION_ID",
	Short: "Remove everything an installation created",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, database, err := openService(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := svc.Uninstall(cmd.Context(), args[0], uninstallOrg, uninstallUser); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "installation %s uninstalled\n", args[0])
		return nil
	},
}

var integrationsOrg, integrationsWorkspace string

var integrationsCmd = &cobra.Command{
	Use:   "integrations PROVIDER...",
	Short: "Show which required integrations a workspace has connected",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, database, err := openService(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer database.Close()

		mappings, err := svc.MapIntegrations(cmd.Context(), args, integrationsOrg, integrationsWorkspace)
		if err != nil {
			return err
		}
		return printJSON(cmd, mappings)
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateSample, "sample", "", "validate a bundled sample manifest by name")
	validateCmd.Flags().BoolVar(&validatePrint, "print", false, "print the manifest as YAML after validating")

	deployCmd.Flags().StringVar(&deployReq.PlaybookSlug, "playbook", "", "playbook slug")
	deployCmd.Flags().IntVar(&deployReq.Version, "version", 0, "version to install (0 installs the current version)")
	deployCmd.Flags().StringVar(&deployReq.TargetOrgID, "org", "", "buyer org id")
	deployCmd.Flags().StringVar(&deployReq.TargetWorkspaceID, "workspace", "", "target workspace id")
	deployCmd.Flags().StringVar(&deployReq.InstalledByUserID, "user", "", "installing user id")
	deployCmd.Flags().BoolVar(&deployPlan, "plan", false, "print the deployment plan without writing anything")

	uninstallCmd.Flags().StringVar(&uninstallOrg, "org", "", "org that owns the installation")
	uninstallCmd.Flags().StringVar(&uninstallUser, "user", "", "user requesting the uninstall")
	_ = uninstallCmd.MarkFlagRequired("org")
	_ = uninstallCmd.MarkFlagRequired("user")

	integrationsCmd.Flags().StringVar(&integrationsOrg, "org", "", "org id")
	integrationsCmd.Flags().StringVar(&integrationsWorkspace, "workspace", "", "workspace id")
	_ = integrationsCmd.MarkFlagRequired("org")
}
