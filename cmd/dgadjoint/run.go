package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the forward analysis and print scalar outputs and totals",
	Long: `Runs every stage in dependency order, prints each scalar output and,
when the configuration names a check section, the adjoint totals of its
output with respect to the listed inputs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close(cmd)

		params, err := s.chain.ParamVectors(s.cfg.Params)
		if err != nil {
			return err
		}
		res, err := s.chain.Run(params)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		names := make([]string, 0, len(res))
		for name, v := range res {
			if v.Len() == 1 {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(out, "%s = %.10g\n", name, res[name].AtVec(0))
		}

		of, _ := cmd.Flags().GetString("of")
		wrt, _ := cmd.Flags().GetStringSlice("wrt")
		if of == "" {
			of, wrt = s.cfg.Check.Of, s.cfg.Check.Wrt
		}
		if of == "" || len(wrt) == 0 {
			return nil
		}
		totals, err := s.chain.Totals(of, wrt...)
		if err != nil {
			return err
		}
		for _, w := range wrt {
			fmt.Fprintf(out, "d %s / d %s = %v\n", of, w, mat.Formatted(totals[w].T(), mat.Squeeze()))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("of", "", "Scalar output to differentiate, stage.output")
	runCmd.Flags().StringSlice("wrt", nil, "Inputs to differentiate with respect to, stage.input")
}
