package main

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func (a *app) messageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Schedule and inspect reminder messages",
	}
	cmd.AddCommand(a.messageScheduleCmd())
	cmd.AddCommand(a.messageListCmd())
	cmd.AddCommand(a.messageShowCmd())
	cmd.AddCommand(a.messageOutcomeCmd())
	cmd.AddCommand(a.messageCycleCmd())
	return cmd
}

func (a *app) messageScheduleCmd() *cobra.Command {
	var (
		req          models.ScheduleRequest
		count        int
		bots         []string
		requiredBots []string
		intro        string
		iceBreaker   string
	)
	cmd := &cobra.Command{
		Use:   "schedule <person> <body>",
		Short: "Schedule a recurring reminder for a person",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.PersonName = args[0]
			req.Body = args[1]
			if cmd.Flags().Changed("count") {
				req.Count = &count
			}
			if len(bots) > 0 {
				req.Bot = &models.BotMetadata{
					BotNames:     bots,
					RequiredBots: requiredBots,
					Introduction: intro,
					IceBreaker:   iceBreaker,
				}
			}
			return a.withEngine(cmd.Context(), func(ctx context.Context, c *components) error {
				res, err := c.engine.Schedule(ctx, req)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scheduled %s (%s), next at %s\n", res.ID, res.RuleText, formatTime(res.NextOccurrence))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Frequency, "frequency", "", "minute, hour, day, week, month or year")
	cmd.Flags().IntVar(&req.Interval, "interval", 0, "repeat every N frequency units")
	cmd.Flags().IntVar(&count, "count", 0, "total number of occurrences")
	cmd.Flags().StringVar(&req.RuleText, "rule", "", "recurrence rule text, e.g. FREQ=WEEKLY;BYDAY=MO,WE")
	cmd.Flags().StringVar(&req.StartDate, "start-date", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&req.StartTime, "start-time", "", "time of day, HH:MM")
	cmd.Flags().StringVar(&req.EndDate, "end-date", "", "last day, YYYY-MM-DD")
	cmd.Flags().StringVar(&req.EndTime, "end-time", "", "end time of day, HH:MM")
	cmd.Flags().StringVar(&req.TimeZone, "tz", "", "IANA time zone of the schedule")
	cmd.Flags().StringSliceVar(&bots, "bot", nil, "bot to converse with before the reminder (repeatable)")
	cmd.Flags().StringSliceVar(&requiredBots, "required-bot", nil, "bot whose failure fails the delivery (repeatable)")
	cmd.Flags().StringVar(&intro, "intro", "", "bot introduction line")
	cmd.Flags().StringVar(&iceBreaker, "ice-breaker", "", "bot ice breaker line")
	return cmd
}

func (a *app) messageListCmd() *cobra.Command {
	var (
		person string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, c *components) error {
				msgs, err := c.engine.ListMessages(ctx, person, all)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), msgs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Person", "Body", "Rule", "Next", "Remaining", "State", "Last Outcome"})
				for _, m := range msgs {
					tw.AppendRow(table.Row{m.ID, m.PersonName, truncate(m.Body, 40), m.RuleText, formatTime(m.NextOccurrence), formatRemaining(m.OccurrencesRemaining), messageState(m), m.LastOutcome})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&person, "person", "", "only this person's messages")
	cmd.Flags().BoolVar(&all, "all", false, "include exhausted messages")
	return cmd
}

func (a *app) messageShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one scheduled message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, c *components) error {
				m, err := c.engine.GetMessage(ctx, args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), m)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendRows([]table.Row{
					{"ID", m.ID},
					{"Person", m.PersonName},
					{"Body", m.Body},
					{"Rule", m.RuleText},
					{"Time Zone", m.TimeZone},
					{"Window", m.WindowStart.Format(time.RFC3339) + " .. " + m.WindowEnd.Format(time.RFC3339)},
					{"Next", formatTime(m.NextOccurrence)},
					{"Remaining", formatRemaining(m.OccurrencesRemaining)},
					{"State", messageState(m)},
					{"Last Outcome", string(m.LastOutcome)},
					{"Last Reason", m.LastOutcomeReason},
				})
				tw.Render()
				return nil
			})
		},
	}
}

func (a *app) messageOutcomeCmd() *cobra.Command {
	var reason, occurrenceFlag string
	cmd := &cobra.Command{
		Use:   "outcome <id> <success|failed|expired>",
		Short: "Record a delivery outcome by hand",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome := models.DeliveryOutcome(args[1])
			if !outcome.IsValid() {
				return models.ErrInvalidOutcome
			}
			var occurrence time.Time
			if occurrenceFlag != "" {
				var err error
				if occurrence, err = time.Parse(time.RFC3339, occurrenceFlag); err != nil {
					return fmt.Errorf("invalid --occurrence: %w", err)
				}
			}
			return a.withEngine(cmd.Context(), func(ctx context.Context, c *components) error {
				res, err := c.engine.OnDeliveryOutcome(ctx, args[0], occurrence, outcome, reason)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				if !res.Applied {
					fmt.Fprintf(cmd.OutOrStdout(), "message %s was not waiting on a delivery; nothing changed\n", res.MessageID)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "message %s: %s recorded, next at %s\n", res.MessageID, outcome, formatTime(res.NextOccurrence))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "free-form reason stored with the outcome")
	cmd.Flags().StringVar(&occurrenceFlag, "occurrence", "", "RFC 3339 occurrence the outcome is for (default: the one queued now)")
	return cmd
}

func (a *app) messageCycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one scheduling cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd.Context(), func(ctx context.Context, c *components) error {
				report, err := c.engine.RunCycle(ctx, c.engine.Now())
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), report)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "due %d, published %d, skipped %d\n", report.Due, report.Published, report.Skipped())
				return nil
			})
		},
	}
}

func messageState(m *models.ScheduledMessage) string {
	switch {
	case m.IsExhausted:
		return "exhausted"
	case m.IsQueued:
		return "queued@" + m.QueuedLocation
	default:
		return "scheduled"
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func formatRemaining(n *int) string {
	if n == nil {
		return "unbounded"
	}
	return fmt.Sprint(*n)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
