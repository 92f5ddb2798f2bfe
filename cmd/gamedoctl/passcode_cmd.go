package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gamedo/pkg/gateway"
)

func newPasscodeCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "passcode",
		Short: "Generate room passcodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}
			gen := gateway.NewPasscodeGenerator(nil)
			for range count {
				fmt.Fprintln(cmd.OutOrStdout(), gen.Next())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of passcodes")
	return cmd
}
