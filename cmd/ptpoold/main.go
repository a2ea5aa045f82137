package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srivishnuk/pt-instances-management/pkg/admission"
	"github.com/srivishnuk/pt-instances-management/pkg/api"
	"github.com/srivishnuk/pt-instances-management/pkg/cache"
	"github.com/srivishnuk/pt-instances-management/pkg/config"
	"github.com/srivishnuk/pt-instances-management/pkg/coordinator"
	"github.com/srivishnuk/pt-instances-management/pkg/events"
	"github.com/srivishnuk/pt-instances-management/pkg/log"
	"github.com/srivishnuk/pt-instances-management/pkg/metrics"
	"github.com/srivishnuk/pt-instances-management/pkg/portregistry"
	"github.com/srivishnuk/pt-instances-management/pkg/probe"
	"github.com/srivishnuk/pt-instances-management/pkg/reconciler"
	"github.com/srivishnuk/pt-instances-management/pkg/runtime"
	"github.com/srivishnuk/pt-instances-management/pkg/storage"
	"github.com/srivishnuk/pt-instances-management/pkg/tasks"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ptpoold",
	Short:   "ptpoold manages a pool of Packet Tracer sandbox containers",
	Version: Version,
}

var (
	configPath  string
	advertiseHost string
)

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ptpoold version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&advertiseHost, "advertise-host", "localhost", "hostname clients should use to reach sandbox IPC/VNC ports")

	serveCmd.Flags().String("listen", "", "override API listen address (host:port)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pool manager daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	if !cmd.Flags().Changed("log-level") {
		logLevel = cfg.Log.Level
	}
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON || cfg.Log.JSON})

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.API.ListenAddr = listen
	}

	metrics.SetCriticalComponents("store", "runtime", "reconciler", "api")

	store, err := storage.NewBoltStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()
	metrics.RegisterComponent("store", true, "")

	ports := portregistry.New(store)
	if err := ports.Init(cfg.Ports.Lowest, cfg.Ports.Highest); err != nil {
		return fmt.Errorf("initializing port registry: %w", err)
	}

	rt, err := runtime.NewContainerdRuntime(cfg.Docker.Socket, cfg.Docker.Namespace)
	if err != nil {
		metrics.RegisterComponent("runtime", false, err.Error())
		return fmt.Errorf("connecting to containerd: %w", err)
	}
	defer rt.Close()
	metrics.RegisterComponent("runtime", true, "")

	var prober probe.Prober
	if cfg.PTChecker.JarPath != "" {
		prober = probe.NewExecProber(cfg.PTChecker.JarPath).WithTimeout(cfg.PTChecker.Timeout)
	} else {
		prober = probe.NewTCPProber()
	}

	adm := admission.New(admission.Thresholds{
		CPUPercent:    cfg.Thresholds.CPUPercent,
		MemoryPercent: cfg.Thresholds.MemoryPercent,
	})

	engine := tasks.New(cfg.Tasks.Workers)
	defer engine.Stop()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	containerCfg := coordinator.ContainerConfig{
		Image:             cfg.Docker.ImageName,
		PTContainerPort:   cfg.Docker.PTContainerPort,
		VNCContainerPort:  cfg.Docker.VNCContainerPort,
		CacheHostDir:      cfg.CachedFiles.CacheDir,
		CacheContainerDir: cfg.CachedFiles.ContainerDir,
		DataHostDir:       cfg.Docker.DataHostDir,
		DataContainerDir:  cfg.Docker.DataContainerDir,
		ProbeHost:         advertiseHost,
	}
	readyPolicy := coordinator.ReadyPolicy{
		MaxRetries:   cfg.Tasks.MaxRetries,
		Delay:        cfg.Tasks.RetryDelay,
		ProbeTimeout: cfg.PTChecker.Timeout,
	}
	co := coordinator.New(store, ports, rt, prober, adm, engine, broker, containerCfg, readyPolicy)

	rec := reconciler.New(store, ports, rt, engine, broker, cfg.Docker.ImageName, cfg.Reconciler.Interval, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec.Start(ctx)
	defer rec.Stop()
	metrics.RegisterComponent("reconciler", true, "")

	cch := cache.New(store, cfg.CachedFiles.CacheDir, cfg.CachedFiles.ContainerDir)

	thresholds := admission.Thresholds{CPUPercent: cfg.Thresholds.CPUPercent, MemoryPercent: cfg.Thresholds.MemoryPercent}
	server := api.NewServer(store, ports, co, cch, thresholds, cfg.Ports.Lowest, cfg.Ports.Highest, advertiseHost)
	metrics.RegisterComponent("api", true, "")
	metrics.SetVersion(Version)

	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("addr", cfg.API.ListenAddr).Msg("starting API server")
		errCh <- server.ListenAndServe(cfg.API.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("API server exited: %w", err)
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}
	return nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database maintenance against the Bolt store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		return runMigration(cfg.Database.Path, dryRun)
	},
}

func init() {
	migrateCmd.Flags().Bool("dry-run", false, "report what would change without writing")
}
