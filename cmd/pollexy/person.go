package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func (a *app) personCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "person",
		Short: "Manage people and their availability windows",
	}
	cmd.AddCommand(a.personUpsertCmd())
	cmd.AddCommand(a.personListCmd())
	cmd.AddCommand(a.personShowCmd())
	cmd.AddCommand(a.personDeleteCmd())
	cmd.AddCommand(a.personAvailabilityCmd())
	return cmd
}

// parseWindow reads LOCATION:DURATION:RULE. The rule is last so it may contain colons.
func parseWindow(s string) (models.AvailabilityWindow, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return models.AvailabilityWindow{}, fmt.Errorf("window %q: want LOCATION:DURATION:RULE", s)
	}
	d, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil {
		return models.AvailabilityWindow{}, fmt.Errorf("window %q: %w", s, err)
	}
	return models.AvailabilityWindow{
		LocationName: strings.TrimSpace(parts[0]),
		Duration:     d,
		Rule:         strings.TrimSpace(parts[2]),
	}, nil
}

func (a *app) personUpsertCmd() *cobra.Command {
	var (
		windows []string
		confirm bool
		voice   string
		phone   string
	)
	cmd := &cobra.Command{
		Use:   "upsert <name>",
		Short: "Create or replace a person",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &models.Person{
				Name:                        args[0],
				RequirePhysicalConfirmation: confirm,
				VoiceID:                     voice,
				Phone:                       phone,
			}
			for _, raw := range windows {
				w, err := parseWindow(raw)
				if err != nil {
					return err
				}
				p.AvailabilityWindows = append(p.AvailabilityWindows, w)
			}
			return a.withEngine(cmd.Context(), func(ctx context.Context, c *components) error {
				if err := c.resolver.Validate(p); err != nil {
					return err
				}
				if err := c.store.UpsertPerson(ctx, p); err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), p)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "person %s saved with %d availability windows\n", p.Name, len(p.AvailabilityWindows))
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVarP(&windows, "window", "w", nil, "availability window LOCATION:DURATION:RULE, e.g. kitchen:2h:FREQ=DAILY;BYHOUR=7 (repeatable, order is rotation order)")
	cmd.Flags().BoolVar(&confirm, "require-confirmation", false, "ask the person to confirm they are present before speaking")
	cmd.Flags().StringVar(&voice, "voice", "", "voice identifier used when rendering speech")
	cmd.Flags().StringVar(&phone, "phone", "", "phone number for voice calls and WhatsApp")
	return cmd
}

func (a *app) personListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List people",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, c *components) error {
				people, err := c.store.ListPeople(ctx)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), people)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"Name", "Confirm", "Voice", "Phone", "Windows"})
				for _, p := range people {
					tw.AppendRow(table.Row{p.Name, p.RequirePhysicalConfirmation, p.Voice(), p.Phone, len(p.AvailabilityWindows)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func (a *app) personShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a person and their availability windows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, c *components) error {
				p, err := c.store.LoadPerson(ctx, args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), p)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (confirm: %t, voice: %s)\n", p.Name, p.RequirePhysicalConfirmation, p.Voice())
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"#", "Location", "Duration", "Rule"})
				for i, w := range p.AvailabilityWindows {
					tw.AppendRow(table.Row{i, w.LocationName, w.Duration, w.Rule})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func (a *app) personDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a person",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, c *components) error {
				if err := c.store.DeletePerson(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "person %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func (a *app) personAvailabilityCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "availability <name>",
		Short: "Show where a person is available at an instant (default now)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instant := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				instant = t
			}
			return a.withEngine(cmd.Context(), func(ctx context.Context, c *components) error {
				p, err := c.store.LoadPerson(ctx, args[0])
				if err != nil {
					return err
				}
				locations := c.resolver.Resolve(p, instant)
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), map[string]any{
						"person":    p.Name,
						"at":        instant,
						"locations": locations,
					})
				}
				if len(locations) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is not available anywhere at %s\n", p.Name, instant.Format(time.RFC3339))
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is available at %s: %s\n", p.Name, instant.Format(time.RFC3339), strings.Join(locations, ", "))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "instant to evaluate, RFC3339")
	return cmd
}
