// cmd/tempest/main.go
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/elchinoo/tempest/internal/config"
	"github.com/elchinoo/tempest/internal/harness"
	"github.com/elchinoo/tempest/internal/logging"
	"github.com/elchinoo/tempest/internal/workload"
	"github.com/elchinoo/tempest/pkg/types"
)

// Version information (set by build system via ldflags)
var (
	Version   = "v0.1.0-beta"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile      string
		nodes           []string
		nodesFile       string
		username        string
		password        string
		sshKey          string
		workloadName    string
		concurrency     string
		timeLimit       string
		testCount       int
		rate            float64
		opsPerKey       int
		seed            int64
		nemesisSpec     string
		nemesisInterval string
		storeDir        string
		logLevel        string
		logFormat       string
		showVersion     bool
	)

	rootCmd := &cobra.Command{
		Use:           "tempest",
		Short:         "A fault-injection test harness for distributed systems",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			cfg, err := config.Load(configFile)
			if err != nil {
				return types.Configf("failed to load config: %v", err)
			}

			// CLI overrides beat the config file.
			if len(nodes) > 0 {
				cfg.Cluster.Nodes = nodes
			}
			if nodesFile != "" {
				cfg.Cluster.NodesFile = nodesFile
			}
			if username != "" {
				cfg.Cluster.Username = username
			}
			if password != "" {
				cfg.Cluster.Password = password
			}
			if sshKey != "" {
				cfg.Cluster.SSHKey = sshKey
			}
			if workloadName != "" {
				cfg.Workload = workloadName
			}
			if concurrency != "" {
				cfg.Concurrency = concurrency
			}
			if timeLimit != "" {
				cfg.TimeLimit = timeLimit
			}
			if testCount > 0 {
				cfg.TestCount = testCount
			}
			if rate > 0 {
				cfg.Rate = rate
			}
			if opsPerKey > 0 {
				cfg.OpsPerKey = opsPerKey
			}
			if seed != 0 {
				cfg.Seed = seed
			}
			if nemesisSpec != "" {
				cfg.Nemesis = strings.Split(nemesisSpec, ",")
			}
			if nemesisInterval != "" {
				cfg.NemesisInterval = nemesisInterval
			}
			if storeDir != "" {
				cfg.Store.Dir = storeDir
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if logFormat != "" {
				cfg.Logging.Format = logFormat
			}
			config.ApplyEnv(cfg)

			if err := config.Validate(cfg); err != nil {
				return err
			}

			log, err := logging.NewLogger(logging.Config{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})
			if err != nil {
				return types.Configf("%v", err)
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runner := harness.NewRunner(cfg, log, nil)
			allValid, err := runner.RunAll(ctx)
			if err != nil {
				return err
			}
			if !allValid {
				log.Warn("analysis found problems", zap.String("verdict", "invalid"))
				return errInvalid
			}
			log.Info("everything looks good", zap.String("verdict", "valid"))
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			printVersion()
		},
	}
	rootCmd.AddCommand(versionCmd)

	workloadsCmd := &cobra.Command{
		Use:   "workloads",
		Short: "List available workloads",
		Run: func(_ *cobra.Command, _ []string) {
			for _, name := range workload.Names() {
				fmt.Println(name)
			}
		},
	}
	rootCmd.AddCommand(workloadsCmd)

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	rootCmd.Flags().StringSliceVar(&nodes, "nodes", nil, "Comma-separated cluster hostnames")
	rootCmd.Flags().StringVar(&nodesFile, "nodes-file", "", "File with one hostname per line")
	rootCmd.Flags().StringVarP(&username, "username", "u", "", "SSH username")
	rootCmd.Flags().StringVarP(&password, "password", "p", "", "SSH password")
	rootCmd.Flags().StringVar(&sshKey, "ssh-private-key", "", "Path to SSH private key")
	rootCmd.Flags().StringVarP(&workloadName, "workload", "w", "", "Workload name")
	rootCmd.Flags().StringVar(&concurrency, "concurrency", "", "Client threads: \"10\" or \"3n\" (3 per node)")
	rootCmd.Flags().StringVar(&timeLimit, "time-limit", "", "Workload duration, e.g. 60s, 5m")
	rootCmd.Flags().IntVar(&testCount, "test-count", 0, "Number of repetitions")
	rootCmd.Flags().Float64Var(&rate, "rate", 0, "Target per-thread op rate in Hz")
	rootCmd.Flags().IntVar(&opsPerKey, "ops-per-key", 0, "Ops per key for independent workloads")
	rootCmd.Flags().Int64Var(&seed, "seed", 0, "RNG seed (0 picks one)")
	rootCmd.Flags().StringVar(&nemesisSpec, "nemesis", "", "Comma list of faults: partition,kill,clock")
	rootCmd.Flags().StringVar(&nemesisInterval, "nemesis-interval", "", "Spacing between fault ops, e.g. 5s")
	rootCmd.Flags().StringVar(&storeDir, "store", "", "Root directory for run artifacts")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "", "Log format: console or json")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "V", false, "Show version information and exit")

	if err := rootCmd.Execute(); err != nil {
		return exitCode(err)
	}
	return types.ExitOK
}

// errInvalid marks a run whose checkers rejected the history.
var errInvalid = errors.New("one or more results were invalid")

func exitCode(err error) int {
	var cfgErr *types.ConfigError
	switch {
	case errors.Is(err, errInvalid):
		return types.ExitInvalid
	case errors.As(err, &cfgErr):
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return types.ExitConfig
	default:
		fmt.Fprintf(os.Stderr, "fatal: %+v\n", err)
		return types.ExitInternal
	}
}

func printVersion() {
	fmt.Printf("Tempest %s\n", Version)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
	fmt.Printf("  Build Time: %s\n", BuildTime)
}
