package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/foreman-cli/foreman/internal/ingest"
	"github.com/foreman-cli/foreman/internal/job"
	"github.com/foreman-cli/foreman/internal/log"
	"github.com/foreman-cli/foreman/internal/model"
	"github.com/foreman-cli/foreman/internal/prime"
	"github.com/foreman-cli/foreman/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/foreman on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	flagPath    string // run --path
	flagWorkers int    // run --workers
	flagMode    string // run --mode

	flagWorkerJob string // _worker --job
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "foreman")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is foreman.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// run flags
	runCmd.Flags().StringVar(&flagPath, "path", "", "input path handed to the job")
	runCmd.Flags().IntVar(&flagWorkers, "workers", 0, "worker count - default comes from the config file")
	runCmd.Flags().StringVar(&flagMode, "mode", "", "dispatch mode, concurrent or isolated - default comes from the config file")
	_ = runCmd.MarkFlagRequired("path")

	// _worker flags
	workerCmd.Flags().StringVar(&flagWorkerJob, "job", "", "job this worker executes")
	_ = workerCmd.MarkFlagRequired("job")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initForeman

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("foreman failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "foreman",
	Short:        "Tool dispatching named jobs across a worker pool",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "run command splits the input and dispatches the pieces across a worker pool",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "jobs lists every job this build knows",
	RunE:  doJobs,
}

var workerCmd = &cobra.Command{
	Use:    "_worker",
	Short:  "internal command",
	RunE:   doWork,
	Hidden: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a foreman",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("foreman: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("foreman: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func newRegistry() (*job.Registry, error) {
	registry := job.NewRegistry()
	for _, d := range []job.Descriptor{
		ingest.Descriptor(),
		prime.Descriptor(),
	} {
		if err := registry.Register(d); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// SIGINT or SIGTERM stops the timer loop, in-flight run included
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	go func() {
		select {
		case <-quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	attrs := slog.Group("foreman",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	registry, err := newRegistry()
	if err != nil {
		return err
	}

	spec := model.RunSpec{
		Job:     args[0],
		Path:    flagPath,
		Workers: flagWorkers,
		Mode:    flagMode,
	}
	if spec.Workers == 0 {
		spec.Workers = config.Pool.Workers
	}
	if spec.Mode == "" {
		spec.Mode = config.Pool.Mode
	}

	supervisor, err := service.NewSupervisor(ctx, service.NewOrchestrator(registry), spec, config)
	if err != nil {
		return err
	}

	return supervisor.Do(ctx)
}

func doJobs(cmd *cobra.Command, _ []string) error {
	registry, err := newRegistry()
	if err != nil {
		return err
	}
	for _, name := range registry.Names() {
		d, _ := registry.Lookup(name)
		fmt.Printf("%-8s %-4s %s\n", d.Name, d.Kind, d.Help)
	}
	return nil
}

func doWork(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("foreman",
		slog.String("cmd", "_worker"),
		slog.String("job", flagWorkerJob),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	registry, err := newRegistry()
	if err != nil {
		return err
	}
	j, err := registry.Create(flagWorkerJob)
	if err != nil {
		return err
	}
	return service.Work(ctx, j, os.Stdin, os.Stdout)
}

func initForeman(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	if envConfig, ok := os.LookupEnv("FOREMANCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "foreman.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "foreman.yaml")
		err := os.MkdirAll(filepath.Dir(configPath), 0755)
		if err != nil {
			return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
		}

		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", configPath, err)
		}
		defer func() {
			_ = f.Close()
		}()
		enc := yaml.NewEncoder(f)
		err = enc.Encode(config)
		if err != nil {
			return fmt.Errorf("storing configuration: %w", err)
		}
	} else {
		var err error
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error(d)
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	slog.SetDefault(log.New(config.Service.Verbose))

	slog.Debug("foreman starting", "configPath", configPath)
	slog.Debug("foreman starting", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
