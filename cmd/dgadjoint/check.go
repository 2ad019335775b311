package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare adjoint totals with central finite differences",
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
		tol, _ := cmd.Flags().GetFloat64("tol")
		checks, err := s.chain.CheckTotals(params, s.cfg.Check.Of, s.cfg.Check.Wrt, s.cfg.Check.Step)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		failed := 0
		for _, c := range checks {
			status := "ok"
			if c.RelErr > tol {
				status = "FAIL"
				failed++
			}
			fmt.Fprintf(out, "%-4s d %s / d %s: relative error %.3e\n", status, s.cfg.Check.Of, c.Wrt, c.RelErr)
			for i := range c.Adjoint {
				fmt.Fprintf(out, "     [%d] adjoint % .10e  fd % .10e\n", i, c.Adjoint[i], c.FD[i])
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d totals exceed tolerance %g", failed, len(checks), tol)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().Float64("tol", 1e-6, "Largest accepted relative error")
}
