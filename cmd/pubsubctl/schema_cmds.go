package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "migrate",
		Short:   "Apply the schema migrations",
		GroupID: "schema",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.store.Migrate(cmd.Context()); err != nil {
				return err
			}

			_, err := fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return err
		},
	}
}

func newProvisionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "provision <topic>",
		Short:   "Create the partition of a topic",
		GroupID: "schema",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			partition := a.store.ResolvePartitionName(args[0])
			if err := a.store.ProvisionPartition(cmd.Context(), partition); err != nil {
				return err
			}

			_, err := fmt.Fprintf(cmd.OutOrStdout(), "provisioned partition %s\n", partition)
			return err
		},
	}
}

func newDropCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "drop <topic>",
		Short:   "Drop the partition of a topic with all its records",
		GroupID: "schema",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			partition := a.store.ResolvePartitionName(args[0])

			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return fmt.Errorf("refusing to drop partition %s without --yes", partition)
			}

			if err := a.store.DropPartition(cmd.Context(), partition); err != nil {
				return err
			}

			_, err := fmt.Fprintf(cmd.OutOrStdout(), "dropped partition %s\n", partition)
			return err
		},
	}

	cmd.Flags().Bool("yes", false, "confirm dropping the partition")

	return cmd
}

func newPartitionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "partitions",
		Short:   "List the provisioned partitions",
		GroupID: "schema",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			partitions, err := a.store.Partitions(cmd.Context())
			if err != nil {
				return err
			}

			for _, partition := range partitions {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), partition); err != nil {
					return err
				}
			}

			return nil
		},
	}
}
