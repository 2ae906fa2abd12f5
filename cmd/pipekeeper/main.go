package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/pipekeeper/pipekeeper/internal/execution"
	"github.com/pipekeeper/pipekeeper/internal/log"
	"github.com/pipekeeper/pipekeeper/internal/model"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const configName = "pipekeeper.yaml"

var (
	userConfigPath string // /default/config/path/pipekeeper on given OS
	configPath     string // actual config file used
	config         model.Config
	closeLog       = func() error { return nil }

	flagSteps []string // value of run --steps
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "pipekeeper")
}

func main() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	flags.Bool("verbose", false, "verbose logging")
	flags.String("mode", "", "execution mode: subprocess or sync")
	flags.String("log", "", "log destination: stderr, stdout, discard or a file path")

	// errors are nil when the flag exists
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("service.verbose", flags.Lookup("verbose"))
	_ = viper.BindPFlag("execution.mode", flags.Lookup("mode"))
	_ = viper.BindPFlag("service.log", flags.Lookup("log"))
	viper.SetEnvPrefix("PIPEKEEPER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	runCmd.Flags().StringSliceVar(&flagSteps, "steps", nil, "run only these steps")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initPipekeeper
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return closeLog()
	}

	rootCmd.AddCommand(runCmd, serveCmd, runsCmd, eventsCmd, pipelinesCmd, reconcileCmd, versionCmd, workerCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("pipekeeper failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "pipekeeper",
	Short:        "Runs data pipelines and keeps track of every run",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a pipekeeper",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(out, "pipekeeper: version info not available")
			return
		}

		if configPath != "" {
			fmt.Fprintf(out, "config: %s\n", configPath)
		}
		fmt.Fprintf(out, "pipekeeper: %s\n", info.Main.Version)
		fmt.Fprintf(out, "go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Fprintf(out, "commit:     %s\n", s.Value)
			case "vcs.time":
				fmt.Fprintf(out, "date:       %s\n", s.Value)
			case "vcs.modified":
				fmt.Fprintf(out, "dirty:      %s\n", s.Value)
			}
		}
	},
}

// workerCmd is what SubprocessManager launches. It reads the request from
// stdin and never loads a config file.
var workerCmd = &cobra.Command{
	Use:    execution.WorkerCommand,
	Short:  "internal command",
	Args:   cobra.NoArgs,
	RunE:   doWorker,
	Hidden: true,
}

func doWorker(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("pipekeeper",
		slog.String("cmd", execution.WorkerCommand),
		slog.Int("pid", os.Getpid()),
	))
	return execution.ServeWorker(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
}

func initPipekeeper(cmd *cobra.Command, _ []string) error {
	if cmd == workerCmd {
		// stderr is forwarded to the manager's log
		return setupLog(model.LogStderr, viper.GetBool("service.verbose"))
	}

	var err error
	configPath, config, err = loadOrCreateConfig(viper.GetString("config"), []string{userConfigPath, "."})
	if err != nil {
		return err
	}
	config = applyOverrides(config, viper.GetViper())

	if err := setupLog(config.Service.Log, config.Service.Verbose); err != nil {
		return err
	}
	slog.Debug("pipekeeper run", "configPath", configPath)
	slog.Debug("pipekeeper run", "config", config)
	return nil
}

func setupLog(dest string, verbose bool) error {
	c, err := log.Setup(dest, verbose)
	if err != nil {
		return err
	}
	closeLog = c
	return nil
}
