package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	logx "taskrunner/pkg/logx"
)

// Process exit codes.
const (
	exitOK       = 0
	exitConfig   = 1
	exitAborted  = 2
	exitDeclined = 3
)

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return "exit"
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:          "taskrunner",
	Short:        "Run a batch of external commands under a bounded, resource-aware worker pool",
	SilenceUsage: true,
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.AddCommand(runCmd, validateCmd, genDummyCmd, progressCmd, versionCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			logx.NewConsole("info").Error("taskrunner stopped", logx.Err(ee.err), logx.Int("exit_code", ee.code))
		}
		return ee.code
	}
	logx.NewConsole("info").Error("taskrunner failed", logx.Err(err))
	return exitConfig
}
