package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"taskrunner/internal/app"
	"taskrunner/internal/runner"
)

var (
	flagConfig    string
	flagYes       bool
	flagNoConsole bool
	flagNoWatch   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the task list named by the config",
	RunE:  doRun,
}

func init() {
	runCmd.Flags().StringVarP(&flagConfig, "config", "c", "./config.json", "run configuration (JSON or YAML)")
	runCmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "skip the confirmation prompt")
	runCmd.Flags().BoolVar(&flagNoConsole, "no-console", false, "do not read console commands from stdin")
	runCmd.Flags().BoolVar(&flagNoWatch, "no-watch", false, "do not reload the config when the file changes")
}

func interactive() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func doRun(cmd *cobra.Command, _ []string) error {
	a, err := app.New(app.Options{
		ConfigPath: flagConfig,
		Console:    !flagNoConsole,
		In:         os.Stdin,
		Out:        cmd.OutOrStdout(),
		Watch:      !flagNoWatch,
	})
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	defer a.Close()

	if !flagYes && interactive() {
		cfg := a.Config()
		q := fmt.Sprintf("Run %d tasks from %s with workers_max %d?", a.Tasks(), cfg.FilepathTasks, cfg.WorkersMax)
		ok, err := confirm(cmd.Context(), os.Stdin, cmd.OutOrStdout(), q)
		if err != nil {
			fmt.Fprintln(cmd.OutOrStdout())
			return &exitError{code: exitAborted}
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "declined")
			return &exitError{code: exitDeclined}
		}
	}

	st, err := a.Run(cmd.Context())
	fmt.Fprintln(cmd.OutOrStdout(), app.StatusLine(st))
	if errors.Is(err, runner.ErrAborted) {
		return &exitError{code: exitAborted}
	}
	return err
}

// confirm asks q and accepts y/yes. Input is read one byte at a time so
// nothing past the answer is taken from the console's stdin. It returns
// ctx.Err() when ctx ends first; the pending read is left behind.
func confirm(ctx context.Context, in io.Reader, out io.Writer, q string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N] ", q)
	answer := make(chan string, 1)
	go func() {
		var b strings.Builder
		buf := make([]byte, 1)
		for {
			n, err := in.Read(buf)
			if n == 1 {
				if buf[0] == '\n' {
					break
				}
				b.WriteByte(buf[0])
			}
			if err != nil {
				break
			}
		}
		answer <- b.String()
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case s := <-answer:
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}
