package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
)

func newPublishCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "publish <topic> <event>",
		Short:   "Append a record to a topic",
		GroupID: "records",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, _ := cmd.Flags().GetStringArray("field")
			raw, _ := cmd.Flags().GetString("message")

			message, err := parseFields(fields)
			if err != nil {
				return err
			}

			if raw != "" {
				var nested pubsub.Message
				if err := json.UnmarshalFromString(raw, &nested); err != nil {
					return fmt.Errorf("parsing --message: %w", err)
				}
				for key, value := range nested {
					message[key] = value
				}
			}

			id, err := a.store.Publish(cmd.Context(), args[0], args[1], message)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), id.Hex())
			return err
		},
	}

	cmd.Flags().StringArrayP("field", "f", nil, "message field as key=value, repeatable")
	cmd.Flags().String("message", "", "message as a JSON object, merged over --field")

	return cmd
}

func newListCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list <topic>",
		Short:   "List the records of a topic, newest first by default",
		GroupID: "records",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawWhere, _ := cmd.Flags().GetString("where")
			order, _ := cmd.Flags().GetStringSlice("order")
			limit, _ := cmd.Flags().GetInt("limit")
			skip, _ := cmd.Flags().GetInt("skip")

			where, err := parseWhere(rawWhere)
			if err != nil {
				return err
			}

			topic := args[0]
			if _, err := a.store.Ensure(cmd.Context(), topic); err != nil {
				return err
			}

			records, err := a.store.Query(cmd.Context(), topic, pubsub.Query{
				Where: where,
				Order: pubsub.ParseOrder(order...),
				Limit: limit,
				Skip:  skip,
			})
			if err != nil {
				return err
			}

			idField := a.cfg.TopicSettings().IDFieldName(topic)
			for _, record := range records {
				if err := printRecord(cmd.OutOrStdout(), record, idField); err != nil {
					return err
				}
			}

			return nil
		},
	}

	cmd.Flags().String("where", "", "where-clause as JSON, e.g. '{\"event\":\"created\"}'")
	cmd.Flags().StringSlice("order", nil, "sort keys like 'age DESC' or '-age', repeatable")
	cmd.Flags().Int("limit", 20, "maximum number of records, 0 for no limit")
	cmd.Flags().Int("skip", 0, "number of records to skip")

	return cmd
}

func newCountCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "count <topic>",
		Short:   "Count the records of a topic",
		GroupID: "records",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawWhere, _ := cmd.Flags().GetString("where")

			where, err := parseWhere(rawWhere)
			if err != nil {
				return err
			}

			if _, err := a.store.Ensure(cmd.Context(), args[0]); err != nil {
				return err
			}

			count, err := a.store.Count(cmd.Context(), args[0], where)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), count)
			return err
		},
	}

	cmd.Flags().String("where", "", "where-clause as JSON")

	return cmd
}

var errPurgeNeedsFilter = errors.New("purge without --where removes every record, pass --all to confirm")

func newPurgeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "purge <topic>",
		Short:   "Remove the records of a topic that match a where-clause",
		GroupID: "records",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rawWhere, _ := cmd.Flags().GetString("where")
			all, _ := cmd.Flags().GetBool("all")

			where, err := parseWhere(rawWhere)
			if err != nil {
				return err
			}

			if len(where) == 0 && !all {
				return errPurgeNeedsFilter
			}

			if _, err := a.store.Ensure(cmd.Context(), args[0]); err != nil {
				return err
			}

			result, err := a.store.RemoveAll(cmd.Context(), args[0], where)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d records\n", result.Count)
			return err
		},
	}

	cmd.Flags().String("where", "", "where-clause as JSON")
	cmd.Flags().Bool("all", false, "allow removing every record of the topic")

	return cmd
}
