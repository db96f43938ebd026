package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/health"

	"github.com/gtdcoach/coach/agent/model/openai"
	"github.com/gtdcoach/coach/config"
	memredis "github.com/gtdcoach/coach/memory/redis"
	"github.com/gtdcoach/coach/runner"
)

const pingTimeout = 10 * time.Second

var testCmd = &cobra.Command{
	Use:       "test [llm|timing|memory|tracer|agent|all]",
	Short:     "Check connectivity to the configured services",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"llm", "timing", "memory", "tracer", "agent", "all"},
	RunE: func(cmd *cobra.Command, args []string) error {
		target := "all"
		if len(args) > 0 {
			target = args[0]
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var pingers []health.Pinger
		if target == "llm" || target == "all" {
			pingers = append(pingers, llmPinger{cfg: cfg})
		}
		if target == "timing" || target == "all" {
			pingers = append(pingers, timingPinger{cfg: cfg})
		}
		if target == "memory" || target == "all" {
			pingers = append(pingers, memoryPinger{cfg: cfg})
		}
		if target == "tracer" || target == "all" {
			pingers = append(pingers, tracerPinger{cfg: cfg})
		}
		if target == "agent" || target == "all" {
			pingers = append(pingers, agentPinger{cfg: cfg})
		}
		if len(pingers) == 0 {
			return fmt.Errorf("unknown target %q", target)
		}

		failed := 0
		for _, p := range pingers {
			ctx, cancel := context.WithTimeout(cmd.Context(), pingTimeout)
			err := p.Ping(ctx)
			cancel()
			var skipped skipError
			switch {
			case errors.As(err, &skipped):
				fmt.Printf("  %-8s skipped (%s)\n", p.Name(), skipped.reason)
			case err != nil:
				fmt.Printf("  %-8s FAILED: %s\n", p.Name(), err)
				failed++
			default:
				fmt.Printf("  %-8s ok\n", p.Name())
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d check(s) failed", failed)
		}
		return nil
	},
}

// skipError marks checks whose service is not configured. Skipped is not a
// failure.
type skipError struct{ reason string }

func (e skipError) Error() string { return "skipped: " + e.reason }

func skip(reason string) error { return skipError{reason: reason} }

type llmPinger struct{ cfg config.Config }

func (p llmPinger) Name() string { return "llm" }

func (p llmPinger) Ping(ctx context.Context) error {
	client, err := openai.New(openai.Options{
		BaseURL: p.cfg.LLM.URL,
		Model:   p.cfg.LLM.Model,
	})
	if err != nil {
		return err
	}
	return client.Health(ctx)
}

type timingPinger struct{ cfg config.Config }

func (p timingPinger) Name() string { return "timing" }

func (p timingPinger) Ping(_ context.Context) error {
	if p.cfg.Timing.APIKey == "" {
		return skip("TIMING_API_KEY not set")
	}
	return nil
}

type memoryPinger struct{ cfg config.Config }

func (p memoryPinger) Name() string { return "memory" }

func (p memoryPinger) Ping(ctx context.Context) error {
	if p.cfg.DisableMemory {
		return skip("memory disabled")
	}
	if p.cfg.Memory.URI == "" {
		return skip("MEMORY_URI not set, in-process sink")
	}
	sink, err := memredis.New(ctx, memredis.Options{
		Addr:     p.cfg.Memory.URI,
		Password: p.cfg.Memory.Password,
	})
	if err != nil {
		return err
	}
	return sink.Close()
}

type tracerPinger struct{ cfg config.Config }

func (p tracerPinger) Name() string { return "tracer" }

func (p tracerPinger) Ping(_ context.Context) error {
	if p.cfg.Tracer.PublicKey == "" || p.cfg.Tracer.Host == "" {
		return skip("tracer keys not set")
	}
	if p.cfg.Tracer.SecretKey == "" {
		return errors.New("TRACER_PUBLIC_KEY set but TRACER_SECRET_KEY missing")
	}
	return nil
}

// agentPinger dry-runs the session wiring: checkpoint stores open and close
// without starting a session.
type agentPinger struct{ cfg config.Config }

func (p agentPinger) Name() string { return "agent" }

func (p agentPinger) Ping(ctx context.Context) error {
	ckpt, _, err := runner.OpenStores(ctx, p.cfg.Checkpoint.Backend, p.cfg.Checkpoint.DSN)
	if err != nil {
		return err
	}
	return ckpt.Close()
}
