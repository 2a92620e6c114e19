package main

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/BTreeMap/Pollexy/internal/store"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func (a *app) locationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "location",
		Short: "Manage locations and their motion sensors",
	}
	cmd.AddCommand(a.locationUpsertCmd())
	cmd.AddCommand(a.locationListCmd())
	cmd.AddCommand(a.locationDeleteCmd())
	cmd.AddCommand(a.locationMotionCmd())
	cmd.AddCommand(a.locationResetCmd())
	return cmd
}

func (a *app) locationUpsertCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "upsert <name>",
		Short: "Create or update a location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l := &models.Location{Name: args[0], Channel: models.ChannelKind(channel)}
			if err := l.Validate(); err != nil {
				return err
			}
			return a.withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				// Keep the last motion reading when only the channel changes.
				if existing, err := st.GetLocation(ctx, l.Name); err == nil {
					l.MotionDetected = existing.MotionDetected
					l.MotionAt = existing.MotionAt
				}
				if err := st.UpsertLocation(ctx, l); err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), l)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "location %s saved (channel %s)\n", l.Name, l.Channel)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", string(models.ChannelSpeaker), "delivery channel: speaker, voice_call or whatsapp")
	return cmd
}

func (a *app) locationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				locations, err := st.ListLocations(ctx)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), locations)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"Name", "Channel", "Motion", "Motion At"})
				for _, l := range locations {
					motionAt := ""
					if l.MotionAt != nil {
						motionAt = l.MotionAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{l.Name, l.Channel, l.MotionDetected, motionAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func (a *app) locationDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				if err := st.DeleteLocation(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "location %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) locationMotionCmd() *cobra.Command {
	var absent bool
	cmd := &cobra.Command{
		Use:   "motion <name>",
		Short: "Record a motion sensor reading for a location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				if err := st.SetMotion(ctx, args[0], !absent, time.Now()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "location %s motion=%t\n", args[0], !absent)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&absent, "clear", false, "record that no motion is detected")
	return cmd
}

func (a *app) locationResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <name>",
		Short: "Purge a location's queue and release the messages waiting on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, c *components) error {
				n, err := c.engine.ResetLocation(ctx, args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), map[string]any{"location": args[0], "released": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "location %s reset, %d messages released\n", args[0], n)
				return nil
			})
		},
	}
}
