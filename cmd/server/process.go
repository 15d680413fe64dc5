package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codebuildervaibhav/call-insights/internal/handlers"
	"github.com/codebuildervaibhav/call-insights/internal/pipeline"
	"github.com/codebuildervaibhav/call-insights/internal/queue"
	"github.com/codebuildervaibhav/call-insights/internal/transcription"
	"github.com/codebuildervaibhav/call-insights/internal/trigger"
)

func newProcessCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "process <file>",
		Short: "Run one local recording or transcript through the workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return process(ctx, args[0], name)
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "name to store the input under (default: file name)")
	return cmd
}

func process(ctx context.Context, path, name string) error {
	if name == "" {
		name = filepath.Base(path)
	}
	if !transcription.ValidateInputFormat(name) {
		return fmt.Errorf("unsupported format %q, expected .mp3, .wav or .txt", filepath.Ext(name))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	key := handlers.InboxKey(name)
	if err := a.blobs.Put(ctx, key, data, ""); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	ex, decision, err := a.trigger.Fire(ctx, key)
	if err != nil {
		return err
	}
	if decision == trigger.Suppressed {
		a.log.WithField("key", key).Info("Input unchanged since its last execution")
		return nil
	}

	a.log.WithField("execution", ex.ID).Info("Processing")
	if err := a.runner.Run(ctx, ex); err != nil {
		return err
	}

	status := queue.StatusOf(ex)
	out, _ := json.MarshalIndent(struct {
		queue.Status
		Artifact  string `json:"artifact,omitempty"`
		DriveLink string `json:"drive_link,omitempty"`
	}{status, ex.Data.String(pipeline.KeyProcessedFile), ex.Data.String(pipeline.KeyDriveLink)}, "", "  ")
	fmt.Println(string(out))

	if status.Terminal() && ex.State == pipeline.StateFail {
		return fmt.Errorf("execution %s failed: %s", ex.ID, ex.Error)
	}
	return nil
}
