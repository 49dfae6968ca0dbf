package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/taskgraph/internal/plan"
)

var validateCmd = &cobra.Command{
	Use:   "validate PLAN",
	Short: "Check a plan for errors and print its execution order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := plan.Load(args[0])
		if err != nil {
			return err
		}
		order, err := p.Order()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Plan %q: %d tasks\n", p.Name, len(order))
		for i, t := range order {
			fmt.Fprintf(out, "%3d. %s\n", i+1, t)
		}
		return nil
	},
}
