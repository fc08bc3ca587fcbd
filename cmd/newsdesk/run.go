package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/mohammad-safakhou/newsdesk/internal/agent/core"
	"github.com/mohammad-safakhou/newsdesk/internal/queue/streams"
	"github.com/mohammad-safakhou/newsdesk/internal/runtime"
	"github.com/mohammad-safakhou/newsdesk/internal/worker"
	"github.com/spf13/cobra"
)

func runCMD(cfgPath *string) *cobra.Command {
	var (
		date   string
		mode   string
		output string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daily analysis once in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := runtime.SignalContext(cmd.Context(), "run", nil)
			defer stop()

			a, err := bootstrap(ctx, *cfgPath, appOptions{service: "run"})
			if err != nil {
				return err
			}
			defer a.close()

			runner, err := worker.NewRunner(a.runnerDeps())
			if err != nil {
				return err
			}
			report, err := runner.Execute(ctx, streams.RunRequest{Date: date, Mode: mode, Trigger: "cli"})
			if err != nil {
				return err
			}
			if output != "" {
				if err := writeJSONFile(output, report); err != nil {
					return err
				}
			}
			printSummary(cmd.OutOrStdout(), report)
			if report.Summary.Status != core.RunStatusCompleted {
				return fmt.Errorf("run %s: %s", report.Summary.Status, report.Summary.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "analysis date YYYY-MM-DD (default today in scheduler timezone)")
	cmd.Flags().StringVar(&mode, "mode", "", "processing mode: parallel or sequential (default from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the full report as JSON to this file")
	return cmd
}

func printSummary(w io.Writer, report core.RunReport) {
	s := report.Summary
	fmt.Fprintf(w, "session   %s\n", report.SessionID)
	fmt.Fprintf(w, "date      %s (%s)\n", report.Date, report.Mode)
	fmt.Fprintf(w, "status    %s\n", s.Status)
	if s.Message != "" {
		fmt.Fprintf(w, "message   %s\n", s.Message)
	}
	fmt.Fprintf(w, "stories   %d discovered, %d processed, %d ok, %d failed\n", s.Discovered, s.Processed, s.Successful, s.Failed)
	fmt.Fprintf(w, "citations %d\n", s.TotalCitations)
	fmt.Fprintf(w, "cost      $%.4f (%d tokens)\n", s.CostUSD, s.Tokens)

	keys := make([]string, 0, len(report.Results))
	for k := range report.Results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r := report.Results[k]
		mark := "ok"
		if !r.Successful() {
			mark = fmt.Sprintf("%d errors", len(r.Errors))
		}
		fmt.Fprintf(w, "  %-28s %-10s %s\n", k, mark, r.Story.DisplayHeadline())
	}
}

func writeJSONFile(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func discoverCMD(cfgPath *string) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Run only story discovery and print the stories as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := runtime.SignalContext(cmd.Context(), "discover", nil)
			defer stop()

			a, err := bootstrap(ctx, *cfgPath, appOptions{service: "discover"})
			if err != nil {
				return err
			}
			defer a.close()

			orch, err := core.NewOrchestrator(a.pipelineRuntime())
			if err != nil {
				return err
			}
			defer orch.Close(context.WithoutCancel(ctx))

			if date == "" {
				date = a.cfg.Scheduler.Today()
			}
			stories, errs := orch.DiscoverAllCategories(ctx, date)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			enc.SetEscapeHTML(false)
			return enc.Encode(map[string]interface{}{
				"date":    date,
				"stories": stories,
				"errors":  errs,
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "discovery date YYYY-MM-DD (default today in scheduler timezone)")
	return cmd
}
