package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/autotrader/internal/scan"
)

// Exit taxonomy surfaced to the host shell
const (
	ExitOK          = 0
	ExitConfig      = 1
	ExitInput       = 2
	ExitRuntime     = 10
	ExitTimeout     = 20
	ExitLocked      = 21
	ExitValidation  = 30
	ExitInterrupted = 130
)

// exitError pins a specific exit code to an error
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitErr(code int, err error) error {
	return &exitError{code: code, err: err}
}

// Execute runs the CLI and maps the outcome onto the exit taxonomy
func Execute(ctx context.Context) int {
	var logLevel string

	root := &cobra.Command{
		Use:           "autotrader",
		Short:         "GemScore token scanner and alerting engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				return exitErr(ExitInput, fmt.Errorf("invalid log level %q", logLevel))
			}
			zerolog.SetGlobalLevel(level)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: trace|debug|info|warn|error")

	root.AddCommand(scanCmd())
	root.AddCommand(backtestCmd())

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}

	log.Error().Err(err).Msg("Run failed")

	var ee *exitError
	switch {
	case errors.As(err, &ee):
		return ee.code
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, scan.ErrScanTimeout):
		return ExitTimeout
	default:
		return ExitRuntime
	}
}
