package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newStorageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect the key-value backend",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "keys",
		Short: "List the keys in the configured backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			keys, err := a.kv.Keys(cmd.Context())
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}
			sort.Strings(keys)
			for _, k := range keys {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	})

	return cmd
}
