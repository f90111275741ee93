package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gonum.org/v1/plot/vg"

	"github.com/milosgajdos/go-ensemble/config"
	"github.com/milosgajdos/go-ensemble/run"
	"github.com/milosgajdos/go-ensemble/stats"
)

var (
	configFile string
	plotFile   string
	lastN      int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "entwin",
		Short: "ensemble data assimilation twin experiments",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run a twin experiment",
		RunE:  runExperiment,
	}
	runCmd.Flags().StringVar(&configFile, "config", "", "experiment file")
	runCmd.Flags().StringVar(&plotFile, "plot", "", "write an RMSE/spread plot to this file")
	runCmd.Flags().IntVar(&lastN, "last", 0, "summarize only the trailing N analysis cycles")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "write a default experiment file",
		RunE:  writeDefault,
	}
	initCmd.Flags().StringVar(&configFile, "config", "experiment.yaml", "experiment file")

	rootCmd.AddCommand(runCmd, initCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return err
		}
	}

	h, method, runCfg, err := cfg.Build()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := stats.New(nil)
	if err := run.Run(ctx, h, method, runCfg, st); err != nil {
		return err
	}

	window := lastN
	if window == 0 {
		window = cfg.Run.LastN
	}
	sum := st.Summarize(window)

	fmt.Printf("method:   %s\n", cfg.Method.Name)
	fmt.Printf("cycles:   %d\n", sum.Cycles)
	fmt.Printf("rmse:     %.6f\n", sum.RMSE)
	fmt.Printf("spread:   %.6f\n", sum.Spread)
	fmt.Printf("loglik:   %.6f\n", sum.LogLik)
	fmt.Printf("diverged: %v\n", sum.Diverged)

	if plotFile != "" {
		p, err := stats.NewSeriesPlot(st.Records())
		if err != nil {
			return err
		}
		if err := p.Save(10*vg.Inch, 5*vg.Inch, plotFile); err != nil {
			return fmt.Errorf("failed to save plot: %v", err)
		}
	}

	return nil
}

func writeDefault(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("%s already exists", configFile)
	}

	if err := config.Save(configFile, config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", configFile)

	return nil
}
