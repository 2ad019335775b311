package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/notargets/DGAdjoint/chain"
	"github.com/notargets/DGAdjoint/logging"
	"github.com/notargets/DGAdjoint/metrics"
	"github.com/notargets/DGAdjoint/solver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dgadjoint",
	Short: "Run analysis chains over opaque PDE solvers and their adjoints",
	Long: `dgadjoint builds a chain of solver stages from a YAML or JSON file,
runs the forward analysis and computes total derivatives by the adjoint
method.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Chain configuration file")
	rootCmd.PersistentFlags().Bool("debug", false, "Log stage operations to stderr")
	rootCmd.PersistentFlags().Bool("metrics", false, "Print stage counters after the run")
	_ = rootCmd.MarkPersistentFlagRequired("config")
}

// session is what every command needs: the built chain, its
// configuration and the metrics registry.
type session struct {
	chain *chain.Chain
	cfg   chain.Config
	reg   *prometheus.Registry
	log   *slog.Logger
}

func openSession(cmd *cobra.Command) (*session, error) {
	path, _ := cmd.Flags().GetString("config")
	debug, _ := cmd.Flags().GetBool("debug")
	lg := logging.NewNop()
	if debug {
		lg = logging.New(slog.LevelDebug)
	}
	cfg, err := chain.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	rec, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}
	c, err := chain.Build(cfg, solver.SelfComm{}, lg, rec)
	if err != nil {
		return nil, err
	}
	lg.Info("chain ready", "config", path, "order", c.Order(), "kinds", solver.Kinds())
	return &session{chain: c, cfg: cfg, reg: reg, log: lg}, nil
}

func (s *session) close(cmd *cobra.Command) {
	if show, _ := cmd.Flags().GetBool("metrics"); show {
		printCounters(cmd.OutOrStdout(), s.reg)
	}
	if err := s.chain.Close(); err != nil {
		s.log.Warn("close chain", "error", err)
	}
}

func printCounters(w io.Writer, reg *prometheus.Registry) {
	fams, err := reg.Gather()
	if err != nil {
		fmt.Fprintf(w, "metrics: %v\n", err)
		return
	}
	var lines []string
	for _, fam := range fams {
		for _, m := range fam.GetMetric() {
			if m.GetCounter() == nil {
				continue
			}
			line := fam.GetName()
			for _, lp := range m.GetLabel() {
				line += fmt.Sprintf(" %s=%s", lp.GetName(), lp.GetValue())
			}
			lines = append(lines, fmt.Sprintf("%s %g", line, m.GetCounter().GetValue()))
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}
