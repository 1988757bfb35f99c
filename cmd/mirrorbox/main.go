package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/mirrorbox/internal/mirror"
	"github.com/openmined/mirrorbox/internal/mirror/config"
	"github.com/openmined/mirrorbox/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const configFileName = "mirrorbox"

// exit codes: 0 clean, 1 fatal, 3 completed with per-artifact failures
const exitPartialFailure = 3

// errPartialFailure marks a run that finished but left some artifacts
// unmirrored; main maps it to exitPartialFailure after deferred cleanup runs.
var errPartialFailure = errors.New("completed with artifact failures")

var home, _ = os.UserHomeDir()

var rootCmd = &cobra.Command{
	Use:     version.AppName,
	Short:   "Mirror a conda channel between storage locations",
	Long:    "mirrorbox mirrors a conda channel (packages plus repodata index) from a local, http(s) or s3 location to a local or s3 destination, with include/exclude filtering.",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogger(viper.GetBool("verbose"))

		var cfg config.Config
		if err := viper.Unmarshal(&cfg); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}

		// config is good; failures past this point are runtime, not usage
		cmd.SilenceUsage = true

		engine, err := mirror.New(cmd.Context(), &cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		report, err := engine.Run(cmd.Context())
		if report != nil {
			report.Log()
		}
		if err != nil {
			return err
		}
		if report.HasFailures() {
			return errPartialFailure
		}
		return nil
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().String("source", "", "Source channel location (path, http(s):// or s3://)")
	rootCmd.Flags().String("destination", "", "Destination channel location (path or s3://)")
	rootCmd.Flags().StringSlice("subdir", nil, "Subdir to mirror, repeatable (default: probe the source)")
	rootCmd.Flags().Bool("prune", false, "Delete destination packages absent from the filtered source set")
	rootCmd.Flags().Bool("dry-run", false, "Plan only, mutate nothing")
	rootCmd.Flags().Int("concurrency", config.DefaultConcurrency, "Maximum concurrent transfers across all subdirs")
	rootCmd.Flags().Int("max-retries", config.DefaultMaxRetries, "Retries per artifact on transient failures")
	rootCmd.Flags().BoolP("verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (yaml)")
}

func main() {
	setupLogger(false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if code := exitCode(rootCmd.ExecuteContext(ctx)); code != 0 {
		os.Exit(code)
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errPartialFailure):
		return exitPartialFailure
	default:
		return 1
	}
}

func setupLogger(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	slog.SetDefault(slog.New(handler))
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath(filepath.Join(home, ".config", "mirrorbox"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
		// a config file explicitly requested must exist
		if cmd.Flag("config").Changed {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("source", cmd.Flags().Lookup("source"))
	viper.BindPFlag("destination", cmd.Flags().Lookup("destination"))
	viper.BindPFlag("subdirs", cmd.Flags().Lookup("subdir"))
	viper.BindPFlag("prune", cmd.Flags().Lookup("prune"))
	viper.BindPFlag("dry_run", cmd.Flags().Lookup("dry-run"))
	viper.BindPFlag("concurrency", cmd.Flags().Lookup("concurrency"))
	viper.BindPFlag("max_retries", cmd.Flags().Lookup("max-retries"))
	viper.BindPFlag("verbose", cmd.Flags().Lookup("verbose"))

	viper.SetEnvPrefix("MIRRORBOX")
	viper.AutomaticEnv()

	// per-side S3 credentials, overridable from the environment
	viper.BindEnv("s3.source.access_key_id", "S3_ACCESS_KEY_ID_SOURCE")
	viper.BindEnv("s3.source.secret_access_key", "S3_SECRET_ACCESS_KEY_SOURCE")
	viper.BindEnv("s3.source.session_token", "S3_SESSION_TOKEN_SOURCE")
	viper.BindEnv("s3.destination.access_key_id", "S3_ACCESS_KEY_ID_DESTINATION")
	viper.BindEnv("s3.destination.secret_access_key", "S3_SECRET_ACCESS_KEY_DESTINATION")
	viper.BindEnv("s3.destination.session_token", "S3_SESSION_TOKEN_DESTINATION")

	return nil
}
