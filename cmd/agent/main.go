package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flowmesh/flowmesh/internal/agent/app"
	agentcfg "github.com/flowmesh/flowmesh/internal/agent/config"
	"github.com/flowmesh/flowmesh/internal/agent/gitsync"
	"github.com/flowmesh/flowmesh/internal/common/logger"
)

var version = "dev"

var (
	flagDataDir    string
	flagController string
	flagToken      string
	flagLogLevel   string
	flagStandalone bool
)

func main() {
	root := &cobra.Command{
		Use:          "flowmesh-agent",
		Short:        "FlowMesh agent: runs workflows and file-watcher rules on a remote host",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", defaultDataDir(), "agent data directory")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override the runtime log level")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent",
		RunE:  runAgent,
	}
	runCmd.Flags().StringVar(&flagController, "controller", "", "controller websocket URL (ws://host:port/ws/agent)")
	runCmd.Flags().StringVar(&flagToken, "token", "", "one-time registration token (first run only)")
	runCmd.Flags().BoolVar(&flagStandalone, "standalone", false, "run without a controller: no git sync, no heartbeat")

	root.AddCommand(
		runCmd,
		pushConfigCmd(),
		checkChangesCmd(),
		listBackupsCmd(),
		recoverBackupCmd(),
		mergeConfigCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowmesh-agent"
	}
	return filepath.Join(home, ".flowmesh-agent")
}

func runAgent(cmd *cobra.Command, args []string) error {
	a, err := app.New(app.Options{
		DataDir:       flagDataDir,
		ControllerURL: flagController,
		Token:         flagToken,
		LogLevel:      flagLogLevel,
		Standalone:    flagStandalone,
		Version:       version,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

// newSyncer builds a git syncer for the offline subcommands, logging to
// the console instead of the agent log file.
func newSyncer() (*gitsync.Syncer, error) {
	paths := agentcfg.NewPaths(flagDataDir)
	if _, err := os.Stat(paths.RepoDir); err != nil {
		return nil, fmt.Errorf("no config repository at %s; run the agent once first", paths.RepoDir)
	}
	level := flagLogLevel
	if level == "" {
		level = "info"
	}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: level, Format: "console", OutputPath: "stderr"})
	if err != nil {
		return nil, err
	}
	return gitsync.New(paths.RepoDir, paths.PrivateKey, log), nil
}

func pushConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push-config",
		Short: "Commit local config changes and push them to the controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			syncer, err := newSyncer()
			if err != nil {
				return err
			}
			if err := syncer.Push(cmd.Context(), "agent: local config change"); err != nil {
				return err
			}
			fmt.Println("pushed")
			return nil
		},
	}
}

func checkChangesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-changes",
		Short: "Show local changes and drift relative to the controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			syncer, err := newSyncer()
			if err != nil {
				return err
			}
			report, err := syncer.CheckChanges(cmd.Context())
			if err != nil {
				return err
			}
			if len(report.Dirty) == 0 && report.Ahead == 0 && report.Behind == 0 {
				fmt.Println("clean and up to date")
				return nil
			}
			for _, line := range report.Dirty {
				fmt.Println(line)
			}
			fmt.Printf("ahead %d, behind %d\n", report.Ahead, report.Behind)
			return nil
		},
	}
}

func listBackupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-backups",
		Short: "List automatic backup branches, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			syncer, err := newSyncer()
			if err != nil {
				return err
			}
			backups, err := syncer.ListBackups(cmd.Context())
			if err != nil {
				return err
			}
			if len(backups) == 0 {
				fmt.Println("no backups")
				return nil
			}
			for _, b := range backups {
				fmt.Println(b)
			}
			return nil
		},
	}
}

func recoverBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover-backup [name|latest]",
		Short: "Restore a backup branch's files into the working tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "latest"
			if len(args) == 1 {
				name = args[0]
			}
			syncer, err := newSyncer()
			if err != nil {
				return err
			}
			restored, err := syncer.RecoverBackup(cmd.Context(), name)
			if err != nil {
				return err
			}
			fmt.Printf("restored %s into the working tree (not pushed)\n", restored)
			return nil
		},
	}
}

func mergeConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge-config [name|latest]",
		Short: "Merge a backup branch into the current config branch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "latest"
			if len(args) == 1 {
				name = args[0]
			}
			syncer, err := newSyncer()
			if err != nil {
				return err
			}
			if err := syncer.MergeConfig(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Println("merged")
			return nil
		},
	}
}
