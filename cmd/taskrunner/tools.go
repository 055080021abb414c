package main

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"taskrunner/internal/app"
	"taskrunner/internal/config"
	"taskrunner/internal/task"
	logx "taskrunner/pkg/logx"
)

var (
	flagTasks   string
	flagCount   int
	flagOut     string
	flagRetries int
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a task list (or the one named by --config) without running it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := flagTasks
		if path == "" {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			path = cfg.FilepathTasks
		}
		tasks, err := task.LoadList(path)
		if err != nil {
			var ve *task.ValidationError
			if errors.As(err, &ve) {
				for _, p := range ve.Problems {
					fmt.Fprintln(cmd.OutOrStdout(), p.Error())
				}
			}
			return &exitError{code: exitConfig, err: err}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tasks ok\n", path, len(tasks))
		return nil
	},
}

var genDummyCmd = &cobra.Command{
	Use:   "gen-dummy",
	Short: "Write a dummy task list for trying the runner out",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if flagCount < 1 {
			return &exitError{code: exitConfig, err: fmt.Errorf("--count must be >= 1 (got %d)", flagCount)}
		}
		if err := task.WriteList(flagOut, task.Dummy(flagCount, flagRetries)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d tasks to %s\n", flagCount, flagOut)
		return nil
	},
}

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Print the stored progress records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return &exitError{code: exitConfig, err: err}
		}
		store, err := app.OpenStore(cfg, logx.NewConsole("warn"))
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		recs, err := store.List(ctx)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "HANDLE\tSTATUS\tEXIT\tATTEMPTS\tRETRIES LEFT\tDURATION\tSAVED")
		var ok, failed, pending int
		for _, r := range recs {
			status, exit, attempts, dur := "pending", "-", "-", "-"
			if r.Result != nil {
				exit = fmt.Sprint(r.Result.ExitCode)
				attempts = fmt.Sprint(r.Result.Attempts)
				dur = r.Result.Duration.Round(time.Millisecond).String()
			}
			switch {
			case r.Result.Successful():
				status = "ok"
				ok++
			case r.Settled():
				status = "failed"
				failed++
			default:
				pending++
			}
			saved := "-"
			if !r.SavedAt.IsZero() {
				saved = humanize.Time(r.SavedAt)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", r.Handle, status, exit, attempts, r.RetriesRemaining, dur, saved)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d records: %d ok, %d failed, %d pending (%s, %s)\n",
			len(recs), ok, failed, pending, cfg.Progress.Driver, cfg.Progress.Path)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(out, "taskrunner: version info not available")
			return
		}
		fmt.Fprintf(out, "taskrunner: %s\n", info.Main.Version)
		fmt.Fprintf(out, "go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision", "vcs.time", "vcs.modified":
				fmt.Fprintf(out, "%-11s %s\n", strings.TrimPrefix(s.Key, "vcs.")+":", s.Value)
			}
		}
	},
}

func init() {
	validateCmd.Flags().StringVarP(&flagTasks, "tasks", "t", "", "task list to check (default: filepath_tasks from --config)")
	validateCmd.Flags().StringVarP(&flagConfig, "config", "c", "./config.json", "run configuration (JSON or YAML)")

	genDummyCmd.Flags().IntVarP(&flagCount, "count", "n", 20, "number of tasks")
	genDummyCmd.Flags().StringVarP(&flagOut, "out", "o", "./tasks.json", "output file (.json or .yaml)")
	genDummyCmd.Flags().IntVar(&flagRetries, "retries", 1, "retries per task")

	progressCmd.Flags().StringVarP(&flagConfig, "config", "c", "./config.json", "run configuration (JSON or YAML)")
}
