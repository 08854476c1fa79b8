package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/boardpack/internal/config"
	"github.com/schaermu/boardpack/internal/git"
	"github.com/schaermu/boardpack/internal/issue"
	"github.com/schaermu/boardpack/internal/pipeline"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile     string
	logLevel    string
	logFormat   string
	dryRun      bool
	skipPublish bool
	force       bool
)

const defaultConfigFile = "boardpack.yaml"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "boardpack",
	Short: "Package and publish Arduino hardware-support trees",
	Long: `boardpack turns a vendored Arduino hardware-support tree into a versioned,
checksummed board-manager archive and republishes it to a git remote.

A fingerprint of the source tree gates every rebuild, and an unchanged tree
produces neither a new archive nor a new commit.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build when the source changed, then publish",
	Long: `Run synchronizes the publish repository with its remote, rebuilds the archive
and descriptor when the source fingerprint changed, and pushes the transformed
tree when publish.enabled is set.`,
	RunE: runPipeline(pipeline.ModeRun),
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the archive and descriptor without touching git",
	RunE:  runPipeline(pipeline.ModeBuild),
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish the transformed tree and current descriptor",
	Long: `Publish prepares the transformed tree and pushes it together with the
existing descriptor. The archive is not rebuilt.`,
	RunE: runPipeline(pipeline.ModePublish),
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Show the source fingerprint and whether a rebuild is needed",
	RunE:  runFingerprint,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("boardpack %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./"+defaultConfigFile+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	for _, cmd := range []*cobra.Command{runCmd, buildCmd, publishCmd} {
		cmd.Flags().BoolVar(&dryRun, "dry-run", false, "stop after the fingerprint decision without changing anything")
	}
	for _, cmd := range []*cobra.Command{runCmd, buildCmd, fingerprintCmd} {
		cmd.Flags().BoolVar(&force, "force", false, "rebuild even when the fingerprint is unchanged")
	}
	runCmd.Flags().BoolVar(&skipPublish, "skip-publish", false, "build only, even when publish.enabled is set")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(versionCmd)
}

func runPipeline(mode pipeline.Mode) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := setupSignalHandler()
		defer cancel()

		logger := setupLogger()

		cfg, err := loadConfig(logger)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		gitClient := git.NewShellClient(cfg.PublishDir(), cfg.Publish.RemoteURL, cfg.Publish.SSHKeyFile, cfg.Publish.TokenFile)
		engine := pipeline.NewEngine(cfg, gitClient, logger, pipeline.Options{
			Mode:        mode,
			DryRun:      dryRun,
			SkipPublish: skipPublish,
			Force:       force,
		})

		report, err := engine.Run(ctx)
		renderReport(cmd.OutOrStdout(), report)
		if err != nil {
			logger.Error("pipeline failed", "error", err)
			renderHint(cmd.ErrOrStderr(), err)
			return err
		}
		return nil
	}
}

func runFingerprint(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := pipeline.NewEngine(cfg, nil, logger, pipeline.Options{Force: force}).Decide()
	if err != nil {
		renderHint(cmd.ErrOrStderr(), err)
		return err
	}
	renderDecision(cmd.OutOrStdout(), d)
	return nil
}

func renderHint(w io.Writer, err error) {
	var ie *issue.Error
	if errors.As(err, &ie) {
		_, _ = fmt.Fprintln(w, hintStyle.Render("hint: "+ie.Hint()))
	}
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	// Logs go to stderr so the report on stdout stays readable
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = defaultConfigFile
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"package", cfg.Package.Name,
		"version", cfg.Version,
		"base_dir", cfg.Paths.BaseDir,
		"layout", cfg.Package.Layout,
		"publish", cfg.Publish.Enabled)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
