package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	verbose bool
	cfgPath string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "stagesync",
	Short: "stagesync - cross-window state sync for live visual rigs",
	Long: `stagesync keeps a control surface and any number of projector
surfaces converged on one parameter state over unreliable local
channels: a broadcast hub, direct links and a shared store directory.

Use "sim" to run an in-process convergence simulation, or
"config init" to write a commented default configuration file.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewDevelopmentConfig()
		zc.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to a TOML config file")

	rootCmd.AddCommand(simCmd)
	rootCmd.AddCommand(configCmd)

	simCmd.Flags().IntVar(&simOpts.Projectors, "projectors", 2, "number of projector surfaces")
	simCmd.Flags().DurationVar(&simOpts.Duration, "duration", 30*time.Second, "run duration")
	simCmd.Flags().DurationVar(&simOpts.WriteInterval, "write-interval", 500*time.Millisecond, "mean interval between parameter edits")
	simCmd.Flags().DurationVar(&simOpts.Quiesce, "quiesce", 3*time.Second, "stop edits this long before the end to measure convergence")
	simCmd.Flags().Float64Var(&simOpts.Loss, "loss", 0.0, "drop probability on the broadcast channel [0..1]")
	simCmd.Flags().Float64Var(&simOpts.Dup, "dup", 0.0, "duplicate probability [0..1]")
	simCmd.Flags().DurationVar(&simOpts.Delay, "delay", 0, "base one-way delay")
	simCmd.Flags().DurationVar(&simOpts.Jitter, "jitter", 0, "jitter (+/-)")
	simCmd.Flags().DurationVar(&simOpts.OutagePeriod, "outage-period", 0, "mean time between broadcast outages (0=off)")
	simCmd.Flags().DurationVar(&simOpts.OutageLength, "outage-length", 2*time.Second, "how long an outage lasts")
	simCmd.Flags().StringVar(&simOpts.StoreDir, "store", "", "store directory (default: a temp dir)")
	simCmd.Flags().Int64Var(&simOpts.BigEvery, "big-every", 0, "publish a full snapshot padded past the chunk threshold every N edits (0=off)")
	simCmd.Flags().Int64Var(&simOpts.Seed, "seed", 1, "random seed")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
