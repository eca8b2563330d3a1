// Command autopilotctl drives an autopilot service over its HTTP API.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	server  string
	token   string
	timeout time.Duration
}

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "autopilotctl",
		Short:         "Submit and control autopilot runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("AUTOPILOT_SERVER", "http://localhost:8081"), "autopilot API address")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("AUTOPILOT_TOKEN"), "bearer token (static or JWT)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 15*time.Second, "request timeout")

	root.AddCommand(
		newSubmitCommand(opts),
		newRunsCommand(opts),
		newGetCommand(opts),
		newControlCommand(opts, "pause", "Pause a run after its current step"),
		newControlCommand(opts, "resume", "Resume a run paused by a user"),
		newStopCommand(opts),
		newControlCommand(opts, "cancel", "Remove a queued run"),
		newApprovalsCommand(opts),
		newDecisionCommand(opts, true),
		newDecisionCommand(opts, false),
	)
	return root
}

func (o *rootOptions) client() *client {
	return newClient(o.server, o.token, o.timeout)
}

func newSubmitCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <task.json>",
		Short: "Submit a task file; use - to read stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to read task: %w", err)
			}
			resp, err := opts.client().submit(cmd.Context(), data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s run %v (%v)\n", color.GreenString("Submitted"), resp["run_id"], resp["state"])
			return nil
		},
	}
}

func newRunsCommand(opts *rootOptions) *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opts.client().list(cmd.Context(), strings.ToUpper(state), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tTASK\tSTATE\tSTEPS\tCREATED")
			for _, r := range list.Runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
					r.ID, r.Task.ID, stateLabel(r.State, r.PauseReason),
					r.Summary.Completed, r.Summary.Total,
					r.CreatedAt.Local().Format(time.DateTime))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d runs, %d queued\n", list.Count, list.QueueLength)
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only runs in this state")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of runs")
	return cmd
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.client().get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:      %s\n", r.ID)
			fmt.Fprintf(out, "Task:     %s %s\n", r.Task.ID, r.Task.Description)
			fmt.Fprintf(out, "Priority: %s\n", r.Task.Priority)
			fmt.Fprintf(out, "State:    %s\n", stateLabel(r.State, r.PauseReason))
			if r.Outcome != "" {
				fmt.Fprintf(out, "Outcome:  %s\n", outcomeLabel(r.Outcome))
			}
			if r.Error != "" {
				fmt.Fprintf(out, "Error:    %s\n", color.RedString(r.Error))
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\n#\tACTION\tSTATUS\tRETRIES\tDETAIL")
			for _, s := range r.Steps {
				kind := ""
				if s.Action != nil {
					kind = s.Action.Kind
				}
				detail := s.Error
				if detail == "" {
					detail = s.SkipReason
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", s.Index, kind, stepLabel(s.Status), s.Retries, detail)
			}
			return w.Flush()
		},
	}
}

func newControlCommand(opts *rootOptions, op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := opts.client().control(cmd.Context(), args[0], op, false)
			if err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), args[0], state)
			return nil
		},
	}
}

func newStopCommand(opts *rootOptions) *cobra.Command {
	var immediate bool
	cmd := &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Stop a run after its current step, or at once with --immediate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := opts.client().control(cmd.Context(), args[0], "stop", immediate)
			if err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), args[0], state)
			return nil
		},
	}
	cmd.Flags().BoolVar(&immediate, "immediate", false, "cancel the step in flight")
	return cmd
}

func newApprovalsCommand(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "approvals <run-id>",
		Short: "List approval requests of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().approvals(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			list := resp.Pending
			if all {
				list = resp.History
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No approval requests")
				return nil
			}
			for _, a := range list {
				fmt.Fprintf(out, "%s  step %d  %s  %s\n",
					color.New(color.Bold).Sprint(a.ID), a.StepIndex, a.ActionKind, approvalLabel(a.Status))
				if len(a.Preview) > 0 && string(a.Preview) != "null" {
					fmt.Fprintf(out, "  preview: %s\n", a.Preview)
				}
				if a.ResolvedBy != "" {
					fmt.Fprintf(out, "  by %s %s\n", a.ResolvedBy, a.Reason)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved requests")
	return cmd
}

func newDecisionCommand(opts *rootOptions, approve bool) *cobra.Command {
	var reason, by string
	use, short := "approve", "Approve a pending action"
	if !approve {
		use, short = "deny", "Deny a pending action; its step is skipped"
	}
	cmd := &cobra.Command{
		Use:   use + " <run-id> <approval-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().decide(cmd.Context(), args[0], args[1], approve, reason, by)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Approval %s %s\n", args[1], approvalLabel(status))
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the decision")
	cmd.Flags().StringVar(&by, "by", envOr("USER", ""), "approver recorded when the token carries no subject")
	return cmd
}

func printState(w io.Writer, id, state string) {
	fmt.Fprintf(w, "Run %s is now %s\n", id, stateLabel(state, ""))
}

func stateLabel(state, reason string) string {
	label := state
	if reason != "" {
		label = fmt.Sprintf("%s (%s)", state, reason)
	}
	switch state {
	case "PAUSED":
		return color.YellowString(label)
	case "RUNNING":
		return color.CyanString(label)
	}
	return label
}

func outcomeLabel(outcome string) string {
	switch outcome {
	case "finished":
		return color.GreenString(outcome)
	case "failed":
		return color.RedString(outcome)
	}
	return color.YellowString(outcome)
}

func stepLabel(status string) string {
	switch status {
	case "completed":
		return color.GreenString(status)
	case "failed":
		return color.RedString(status)
	case "skipped":
		return color.YellowString(status)
	}
	return status
}

func approvalLabel(status string) string {
	switch status {
	case "approved":
		return color.GreenString(status)
	case "denied", "expired":
		return color.RedString(status)
	}
	return color.YellowString(status)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
