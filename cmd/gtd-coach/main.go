// Command gtd-coach runs time-boxed GTD coaching sessions against a local
// LLM: a 30-minute weekly review and a daily inbox clarify, with durable
// checkpoints so a killed session resumes where it left off.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/gtdcoach/coach/runner"
)

// Exit codes: 0 success, 1 user interrupt or runtime error, 2 configuration
// error.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "gtd-coach",
	Short:         "ADHD-aware GTD coaching sessions with hard time boxes",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		opts := []log.LogOption{log.WithFormat(log.FormatTerminal)}
		if f := sessionLogFile(); f != nil {
			opts = append(opts, log.WithOutput(io.MultiWriter(os.Stderr, f)))
		}
		if verbose {
			opts = append(opts, log.WithDebug())
		}
		cmd.SetContext(log.Context(cmd.Context(), opts...))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(weeklyCmd, dailyCmd, resumeCmd, statusCmd, configCmd, testCmd)
}

// sessionLogFile opens the per-invocation log file. Logging works without it,
// so failures return nil rather than aborting the command.
func sessionLogFile() *os.File {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	dir := filepath.Join(home, "gtd-coach", "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil
	}
	name := fmt.Sprintf("agent_%s.log", time.Now().Format("20060102_150405"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	return f
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "gtd-coach:", err)
		var confErr *configError
		if errors.As(err, &confErr) {
			return exitConfig
		}
		return exitRuntime
	}
	return exitOK
}

// configError marks configuration and setup failures so the CLI can exit
// with the dedicated code.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func confErr(err error) error {
	if err == nil {
		return nil
	}
	return &configError{err: err}
}

// mapSessionErr folds the user-cancel sentinel into a terse message.
func mapSessionErr(err error) error {
	if errors.Is(err, runner.ErrUserCancel) {
		return errors.New("session cancelled; progress checkpointed, resume with `gtd-coach resume --last`")
	}
	return err
}
