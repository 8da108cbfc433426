// Command plancton runs the worker-filling daemon and exposes the sentinel
// control surface (drain, resume, kill) as cobra subcommands, grounded on
// cuemby-warren/cmd/warren/main.go's root command shape: persistent flags,
// cobra.OnInitialize for logging setup, and a background metrics/pprof
// HTTP server registered alongside the long-running command.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/plancton/pkg/config"
	"github.com/cuemby/plancton/pkg/daemon"
	"github.com/cuemby/plancton/pkg/engine"
	"github.com/cuemby/plancton/pkg/hostprobe"
	"github.com/cuemby/plancton/pkg/log"
	"github.com/cuemby/plancton/pkg/metrics"
	"github.com/cuemby/plancton/pkg/mode"
	"github.com/cuemby/plancton/pkg/telemetry"
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
	Use:     "plancton",
	Short:   "Plancton fills spare host CPU capacity with ephemeral container workers",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"plancton version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("confdir", "/etc/plancton", "Directory holding config.yaml")
	rootCmd.PersistentFlags().String("rundir", "/var/run/plancton", "Directory holding sentinel control files")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the plancton daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		confdir, _ := cmd.Flags().GetString("confdir")
		rundir, _ := cmd.Flags().GetString("rundir")
		logdir, _ := cmd.Flags().GetString("logdir")
		sockPath, _ := cmd.Flags().GetString("docker-sock")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		hostname, _ := cmd.Flags().GetString("hostname")

		if hostname == "" {
			h, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("cannot determine hostname: %w", err)
			}
			hostname = h
		}

		if err := ensureDir(rundir); err != nil {
			return fmt.Errorf("cannot prepare rundir: %w", err)
		}

		if logdir != "" {
			fileWriter, err := log.OpenRotatingFile(log.DefaultFileConfig(logdir))
			if err != nil {
				return fmt.Errorf("cannot open log file: %w", err)
			}
			logLevel, _ := cmd.Flags().GetString("log-level")
			logJSON, _ := cmd.Flags().GetBool("log-json")
			log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON, Output: fileWriter})
		}

		logger := log.WithComponent("main")

		facts := config.HostFacts{NCPUs: hostprobe.CPUCount()}
		if ram, err := hostprobe.MemBytes(); err == nil {
			facts.RAMBytes = ram
		} else {
			logger.Warn().Err(err).Msg("cannot read host memory, max_docks expressions referencing ram_bytes will see 0")
		}
		if swap, err := hostprobe.SwapBytes(); err == nil {
			facts.SwapBytes = swap
		} else {
			logger.Warn().Err(err).Msg("cannot read host swap, max_docks expressions referencing swap_bytes will see 0")
		}

		sink := telemetry.New()
		defer sink.CloseAll()

		cli, err := engine.NewDockerClient(sockPath, hostname, sink)
		if err != nil {
			return fmt.Errorf("cannot connect to container engine at %s: %w", sockPath, err)
		}
		defer cli.Close()

		modeCtrl := mode.New(rundir)
		apparmor := hostprobe.AppArmorEnabled()

		d := daemon.New(cli, sink, modeCtrl, confdir, hostname, facts, apparmor)

		collector := metrics.NewCollector(d, 15*time.Second)
		collector.Start()
		defer collector.Stop()

		http.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening (pprof under /debug/pprof/)")

		ctx, cancel := context.WithCancel(context.Background())
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			logger.Info().Msg("shutdown signal received")
			cancel()
		}()

		logger.Info().Str("hostname", hostname).Int("ncpus", facts.NCPUs).Msg("plancton starting")
		if err := d.Run(ctx); err != nil && err != context.Canceled {
			return fmt.Errorf("daemon exited: %w", err)
		}
		logger.Info().Msg("plancton stopped")
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Stop admitting new workers, optionally also requesting exit once drained",
	RunE: func(cmd *cobra.Command, args []string) error {
		rundir, _ := cmd.Flags().GetString("rundir")
		stop, _ := cmd.Flags().GetBool("stop")
		if err := mode.New(rundir).Drain(stop); err != nil {
			return err
		}
		fmt.Println("drain requested")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear drain and drain-stop, restoring normal admission",
	RunE: func(cmd *cobra.Command, args []string) error {
		rundir, _ := cmd.Flags().GetString("rundir")
		if err := mode.New(rundir).Resume(); err != nil {
			return err
		}
		fmt.Println("resumed")
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill",
	Short: "Force-evict every worker on the next tick",
	RunE: func(cmd *cobra.Command, args []string) error {
		rundir, _ := cmd.Flags().GetString("rundir")
		if err := mode.New(rundir).Kill(); err != nil {
			return err
		}
		fmt.Println("force-stop requested")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current sentinel flags",
	RunE: func(cmd *cobra.Command, args []string) error {
		rundir, _ := cmd.Flags().GetString("rundir")
		flags := mode.New(rundir).Snapshot()
		fmt.Printf("draining:    %v\n", flags.Draining)
		fmt.Printf("drain-stop:  %v\n", flags.DrainStop)
		fmt.Printf("force-stop:  %v\n", flags.ForceStop)
		return nil
	},
}

func ensureDir(dir string) error {
	if info, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		return os.MkdirAll(dir, 0700)
	} else if !info.IsDir() {
		return fmt.Errorf("%s exists and is not a directory", dir)
	}
	return os.Chmod(dir, 0700)
}

func init() {
	runCmd.Flags().String("logdir", "", "Directory for the rotating plancton.log file (empty disables file logging)")
	runCmd.Flags().String("docker-sock", "unix:///var/run/docker.sock", "Container engine socket")
	runCmd.Flags().String("metrics-addr", ":9090", "Prometheus scrape listen address")
	runCmd.Flags().String("hostname", "", "Override the detected hostname")

	drainCmd.Flags().Bool("stop", false, "Also request daemon exit once fully drained")
}
