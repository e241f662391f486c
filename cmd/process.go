package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arcavia/subflow/internal/form"
)

var startInputs []string

func init() {
	startCmd.Flags().StringArrayVar(&startInputs, "input", nil, "initial form value as key=value (repeatable)")
	resumeCmd.Flags().StringArrayVar(&resumeInputs, "input", nil, "form value as key=value (repeatable)")
	abortCmd.Flags().StringVar(&abortReason, "reason", "aborted via subflowctl", "reason recorded on the abort")
	rootCmd.AddCommand(startCmd, resumeCmd, abortCmd, inspectCmd)
}

// parseInputs converts repeated key=value flags into a form result. A
// value that parses as JSON (true, 42, "x", [..]) is used as-is; anything
// else stays a string.
func parseInputs(pairs []string) (form.Result, error) {
	result := form.Result{}
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --input %q, expected key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		result[key] = parsed
	}
	return result, nil
}

var startCmd = &cobra.Command{
	Use:   "start <workflow-name>",
	Short: "Start a process for a registered workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		inputs, err := parseInputs(startInputs)
		if err != nil {
			return err
		}

		processID, err := rt.api.PrepareStart(cmd.Context(), args[0], currentUser(), inputs)
		if err != nil {
			return err
		}
		if err := rt.dispatch.Start(cmd.Context(), processID, currentUser()); err != nil {
			return err
		}
		fmt.Println(processID)
		return nil
	},
}

var resumeInputs []string

var resumeCmd = &cobra.Command{
	Use:   "resume <process-id>",
	Short: "Resume a suspended or waiting process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		inputs, err := parseInputs(resumeInputs)
		if err != nil {
			return err
		}

		resumed, err := rt.api.PrepareResume(cmd.Context(), args[0], []form.Result{inputs})
		if err != nil {
			return err
		}
		if !resumed {
			fmt.Println("process is already running, nothing to do")
			return nil
		}
		if err := rt.dispatch.Resume(cmd.Context(), args[0], currentUser()); err != nil {
			return err
		}
		fmt.Println(args[0])
		return nil
	},
}

var abortReason string

var abortCmd = &cobra.Command{
	Use:   "abort <process-id>",
	Short: "Abort a process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		return rt.api.AbortProcess(cmd.Context(), args[0], abortReason, currentUser())
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <process-id>",
	Short: "Print a process row and its step log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		proc, err := rt.store.GetProcess(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("process   %s\nworkflow  %s (%s)\nstatus    %s\nlast step %s\nassignee  %s\n",
			proc.ID, proc.Workflow, proc.Target, proc.Status, proc.LastStep, proc.Assignee)
		if proc.FailedReason != "" {
			fmt.Printf("failure   %s\n", proc.FailedReason)
		}

		rows, err := rt.store.ListSteps(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, row := range rows {
			fmt.Printf("  %4d  %-10s %s (retries=%d)\n", row.Sequence, row.Status, row.StepName, row.Retries)
		}
		return nil
	},
}

func currentUser() string {
	if user, ok := os.LookupEnv("SUBFLOW_USER"); ok {
		return user
	}
	return "system"
}
