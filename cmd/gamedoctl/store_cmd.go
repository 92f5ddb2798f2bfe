package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"gamedo/pkg/store"
)

const storeTimeout = 10 * time.Second

func newStoreCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect or clear a local store namespace",
	}

	list := &cobra.Command{
		Use:   "list <collection>",
		Short: "Print every record of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), storeTimeout)
			defer cancel()

			records, err := s.GetAll(ctx, store.Collection(args[0]))
			if err != nil {
				return err
			}
			sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
			out := cmd.OutOrStdout()
			for _, r := range records {
				fmt.Fprintf(out, "%s\t%s\n", r.Key, r.Data)
			}
			fmt.Fprintf(out, "%d record(s)\n", len(records))
			return nil
		},
	}

	clear := &cobra.Command{
		Use:   "clear [collection]",
		Short: "Clear one collection, or every collection when none is named",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), storeTimeout)
			defer cancel()

			if len(args) == 0 {
				if err := s.ClearAll(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared namespace %s\n", opts.namespace)
				return nil
			}
			if err := s.Clear(ctx, store.Collection(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, clear)
	return cmd
}
