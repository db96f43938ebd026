package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gtdcoach/coach/checkpoint"
	"github.com/gtdcoach/coach/config"
	"github.com/gtdcoach/coach/runner"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, session statistics, and the last session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:", config.Path())
		fmt.Printf("  llm: %s (%s)\n", cfg.LLM.URL, cfg.LLM.Model)
		fmt.Printf("  checkpoint: %s (%s)\n", cfg.Checkpoint.Backend, cfg.Checkpoint.DSN)
		fmt.Printf("  memory: enabled=%t uri=%s\n", !cfg.DisableMemory, orNone(cfg.Memory.URI))
		fmt.Printf("  tracer: configured=%t\n", cfg.Tracer.PublicKey != "" && cfg.Tracer.Host != "")
		fmt.Printf("  accountability: %s, agent mode: %s\n", cfg.Accountability, cfg.AgentMode)

		if last := runner.ReadLastSession(); last != "" {
			fmt.Println("Last session:", last)
		} else {
			fmt.Println("Last session: none")
		}

		ckpt, meta, err := runner.OpenStores(cmd.Context(), cfg.Checkpoint.Backend, cfg.Checkpoint.DSN)
		if err != nil {
			return confErr(err)
		}
		defer ckpt.Close()

		stats, err := meta.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Sessions: %d total, %d completed", stats.Total, stats.Completed)
		if stats.Total > 0 {
			fmt.Printf(", avg %.1f min", stats.AvgDurationMin)
		}
		fmt.Println()
		for workflow, n := range stats.ByWorkflow {
			fmt.Printf("  %s: %d\n", workflow, n)
		}

		recent, err := meta.ListRecent(cmd.Context(), checkpoint.ListFilter{Limit: 5})
		if err != nil {
			return err
		}
		if len(recent) > 0 {
			fmt.Println("Recent:")
			for _, s := range recent {
				marker := "incomplete"
				if s.Completed {
					marker = "completed"
				}
				fmt.Printf("  %s  %-14s %-10s phase=%s\n", s.SessionID, s.Workflow, marker, s.Phase)
			}
		}
		return nil
	},
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
