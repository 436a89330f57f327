package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agentoven/brigade/internal/config"
	"github.com/agentoven/brigade/internal/report"
	"github.com/agentoven/brigade/internal/store"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newStatsCommand(cfg *config.Config) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats [domain]",
		Short: "Show model performance per domain from the learning store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := config.LoadRegistry(cfg.DomainsFile)
			if err != nil {
				return err
			}
			domains := reg.Names()
			if len(args) == 1 {
				d, ok := reg.Lookup(args[0])
				if !ok {
					return fmt.Errorf("unknown domain %q (have %s)", args[0], strings.Join(domains, ", "))
				}
				domains = []string{d.Name}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			st, err := store.Open(ctx, cfg.Store)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			summaries, err := report.Summarize(ctx, st, domains)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}
			printSummaries(summaries)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func printSummaries(summaries []report.DomainSummary) {
	bold := color.New(color.Bold)
	dim := color.New(color.FgHiBlack)

	for _, s := range summaries {
		bold.Printf("%s", s.Domain)
		if s.Operations == 0 {
			dim.Println("  no operations yet")
			continue
		}
		fmt.Printf("  %d ops  %s", s.Operations, rateColor(s.SuccessRate).Sprintf("%.0f%% ok", s.SuccessRate*100))
		if s.Timeouts > 0 {
			color.New(color.FgYellow).Printf("  %d timeouts", s.Timeouts)
		}
		if s.TopError != "" {
			dim.Printf("  top error: %s", s.TopError)
		}
		fmt.Println()

		for _, m := range s.Models {
			marker := "  "
			if m.Model == s.BestModel {
				marker = color.New(color.FgHiGreen).Sprint("★ ")
			}
			fmt.Printf("   %s%-24s %5d reqs  %s  avg %6.0fms\n",
				marker, m.Model, m.TotalRequests,
				rateColor(m.SuccessRate).Sprintf("%5.1f%%", m.SuccessRate*100),
				m.AvgGenerationMs)
		}
	}
}

func rateColor(rate float64) *color.Color {
	switch {
	case rate >= 0.8:
		return color.New(color.FgHiGreen)
	case rate >= 0.5:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func newDomainsCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "domains",
		Short: "List registered specialist domains",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := config.LoadRegistry(cfg.DomainsFile)
			if err != nil {
				return err
			}
			name := color.New(color.FgHiBlue, color.Bold)
			for _, d := range reg.Domains {
				name.Print(d.Name)
				if d.Name == reg.DefaultDomain {
					color.New(color.FgHiMagenta).Print(" (default)")
				}
				fmt.Println()
				if d.Description != "" {
					fmt.Printf("  %s\n", d.Description)
				}
				fmt.Printf("  models:   %s\n", strings.Join(d.Models(), " → "))
				fmt.Printf("  keywords: %s\n", strings.Join(d.Keywords, ", "))
				if len(d.PriorityKeywords) > 0 {
					color.New(color.FgYellow).Printf("  priority: %s\n", strings.Join(d.PriorityKeywords, ", "))
				}
			}
			return nil
		},
	}
}
