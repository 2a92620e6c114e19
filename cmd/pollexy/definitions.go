package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// definitions is the YAML document accepted by the apply commands.
//
//	locations:
//	  - name: kitchen
//	    channel: speaker
//	people:
//	  - name: dana
//	    require_physical_confirmation: true
//	    availability_windows:
//	      - location_name: kitchen
//	        rule: FREQ=DAILY;BYHOUR=7
//	        duration: 2h
//	messages:
//	  - person_name: dana
//	    body: Take your vitamins
//	    frequency: daily
//	    start_time: "08:00"
type definitions struct {
	Locations []*models.Location       `yaml:"locations"`
	People    []*models.Person         `yaml:"people"`
	Messages  []models.ScheduleRequest `yaml:"messages"`
}

func parseDefinitions(r io.Reader) (*definitions, error) {
	var defs definitions
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&defs); err != nil {
		if errors.Is(err, io.EOF) {
			return &defs, nil
		}
		return nil, fmt.Errorf("parse definitions: %w", err)
	}
	return &defs, nil
}

func loadDefinitions(path string) (*definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseDefinitions(bytes.NewReader(data))
}

// appliedSummary counts what an apply run wrote.
type appliedSummary struct {
	Locations int                     `json:"locations"`
	People    int                     `json:"people"`
	Messages  []models.ScheduleResult `json:"messages,omitempty"`
}

// validate checks the whole document before anything is written.
func (d *definitions) validate(c *components) error {
	for i, l := range d.Locations {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("location %d (%s): %w", i, l.Name, err)
		}
	}
	for i, p := range d.People {
		if err := c.resolver.Validate(p); err != nil {
			return fmt.Errorf("person %d (%s): %w", i, p.Name, err)
		}
	}
	for i := range d.Messages {
		if err := d.Messages[i].Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return nil
}

// apply writes locations, then people, then schedules messages, so messages can name people defined alongside them.
func (d *definitions) apply(ctx context.Context, c *components) (appliedSummary, error) {
	var sum appliedSummary
	if err := d.validate(c); err != nil {
		return sum, err
	}
	for _, l := range d.Locations {
		if err := c.store.UpsertLocation(ctx, l); err != nil {
			return sum, fmt.Errorf("upsert location %s: %w", l.Name, err)
		}
		sum.Locations++
	}
	for _, p := range d.People {
		if err := c.store.UpsertPerson(ctx, p); err != nil {
			return sum, fmt.Errorf("upsert person %s: %w", p.Name, err)
		}
		sum.People++
	}
	for _, req := range d.Messages {
		res, err := c.engine.Schedule(ctx, req)
		if err != nil {
			return sum, fmt.Errorf("schedule message for %s: %w", req.PersonName, err)
		}
		sum.Messages = append(sum.Messages, res)
	}
	slog.Info("definitions applied", "locations", sum.Locations, "people", sum.People, "messages", len(sum.Messages))
	return sum, nil
}

func (a *app) applyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply locations, people and messages from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := loadDefinitions(file)
			if err != nil {
				return err
			}
			return a.withEngine(cmd.Context(), func(ctx context.Context, c *components) error {
				sum, err := defs.apply(ctx, c)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return printJSON(cmd.OutOrStdout(), sum)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d locations, %d people, %d messages\n", sum.Locations, sum.People, len(sum.Messages))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "path to YAML definitions")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
