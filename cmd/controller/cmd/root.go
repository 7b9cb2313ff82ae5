package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/driftwatch/driftwatch/internal/controller"
)

//nolint:gochecknoglobals // set by SetVersion from main
var (
	version = "development"
	gitsha  = "development"
)

func SetVersion(ver, sha string) {
	version = ver
	gitsha = sha
}

//nolint:gochecknoglobals // cobra command pattern
var rootCmd = &cobra.Command{
	Use:   "driftwatch",
	Short: "GitOps reconciliation controller for Kubernetes",
	Long: `A Kubernetes controller that keeps cluster state converged with manifests
declared in Git. It watches Application resources, fetches and renders the
declared revision, diffs it against owned live resources and applies the
difference in dependency order.`,
	RunE:          runController,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json, text)")

	rootCmd.Flags().String("repo-cache-dir", "/var/cache/driftwatch/repos", "Directory for bare repository mirrors")
	rootCmd.Flags().Duration("git-fetch-interval", 0, "Minimum interval between network fetches per repository (0 disables)")
	rootCmd.Flags().Int("apply-concurrency", 5, "Maximum parallel resource writes within one apply wave")
	rootCmd.Flags().Int("history-limit", 10, "Number of sync results kept in Application status history")
	rootCmd.Flags().Int("max-concurrent-syncs", 5, "Maximum number of Applications syncing in parallel")
	rootCmd.Flags().String("credentials-namespace", "", "Fallback namespace for repository credentials secrets")
	rootCmd.Flags().String("metrics-addr", ":8080", "Address for metrics endpoint")
	rootCmd.Flags().String("health-addr", ":8081", "Address for health probe endpoint")
	rootCmd.Flags().String("api-addr", ":8082", "Address for the HTTP API (empty disables)")

	// Leader election flags
	rootCmd.Flags().Bool("leader-elect", false, "Enable leader election for high availability")
	rootCmd.Flags().String("leader-election-namespace", "", "Namespace for leader election lease (defaults to controller namespace)")
	rootCmd.Flags().String("leader-election-name", "driftwatch-leader", "Name of the leader election lease")

	_ = viper.BindPFlags(rootCmd.Flags())
	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	viper.SetEnvPrefix("DW")
	viper.AutomaticEnv()

	viper.SetDefault("repo-cache-dir", "/var/cache/driftwatch/repos")
	viper.SetDefault("apply-concurrency", 5)
	viper.SetDefault("history-limit", 10)
	viper.SetDefault("max-concurrent-syncs", 5)
	viper.SetDefault("metrics-addr", ":8080")
	viper.SetDefault("health-addr", ":8081")
	viper.SetDefault("api-addr", ":8082")
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "json")
	viper.SetDefault("leader-elect", false)
	viper.SetDefault("leader-election-name", "driftwatch-leader")
}

func Execute() error {
	return errors.Wrap(rootCmd.Execute(), "command execution failed")
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo

	switch viper.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if viper.GetString("log-format") == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

//nolint:noinlineerr // inline error handling is fine here
func runController(_ *cobra.Command, _ []string) error {
	logger := setupLogger()
	slog.SetDefault(logger)

	ctrl.SetLogger(logr.FromSlogHandler(logger.Handler()))

	logger.Info("starting driftwatch",
		"version", version,
		"gitsha", gitsha,
	)

	cfg := controller.Config{
		RepoCacheDir:       viper.GetString("repo-cache-dir"),
		GitFetchInterval:   viper.GetDuration("git-fetch-interval"),
		ApplyConcurrency:   viper.GetInt("apply-concurrency"),
		HistoryLimit:       viper.GetInt("history-limit"),
		MaxConcurrentSyncs: viper.GetInt("max-concurrent-syncs"),
		CredentialsNS:      viper.GetString("credentials-namespace"),
		MetricsAddr:        viper.GetString("metrics-addr"),
		HealthAddr:         viper.GetString("health-addr"),
		APIAddr:            viper.GetString("api-addr"),

		LeaderElect:     viper.GetBool("leader-elect"),
		LeaderElectNS:   viper.GetString("leader-election-namespace"),
		LeaderElectName: viper.GetString("leader-election-name"),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := controller.Run(ctx, &cfg); err != nil {
		return errors.Wrap(err, "failed to run controller")
	}

	return nil
}
