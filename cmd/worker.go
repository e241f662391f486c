package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/arcavia/subflow/internal/config"
	"github.com/arcavia/subflow/internal/dispatch"
	"github.com/arcavia/subflow/internal/form"
	"github.com/arcavia/subflow/internal/validation"
)

func init() {
	rootCmd.AddCommand(workerCmd, statusCmd, validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run the bundled product-validation task",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		processID, err := rt.api.PrepareStart(cmd.Context(), validation.WorkflowName, currentUser(), form.Result{})
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

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a queue worker consuming start/resume tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		if rt.settings.Executor != config.ExecutorCelery {
			return fmt.Errorf("worker requires EXECUTOR=%s", config.ExecutorCelery)
		}

		workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
		if host, err := os.Hostname(); err == nil {
			workerID = fmt.Sprintf("%s@%s", workerID, host)
		}

		w, err := dispatch.InitialiseWorker(workerID, rt.broker, rt.api, rt.pool, rt.logger)
		if err != nil {
			return err
		}
		rt.logger.Info("worker started", "worker_id", workerID, "max_workers", rt.settings.MaxWorkers)
		return w.Run(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the executor's worker status snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		status, err := rt.dispatch.Status(cmd.Context())
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
