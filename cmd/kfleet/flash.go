package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/server"
	"github.com/spf13/cobra"
)

func newBuildCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "build",
		Short:         "Build firmware for every profile used by the fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, nil, "build_only", true)
		},
	}
}

func newFlashCommand() *cobra.Command {
	flashCmd := &cobra.Command{
		Use:           "flash [device-id...]",
		Short:         "Build and flash devices (whole fleet when no IDs given)",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			skipBuild, _ := cmd.Flags().GetBool("skip-build")
			op := "build_and_flash_all"
			if skipBuild {
				op = "flash_all"
			}
			follow, _ := cmd.Flags().GetBool("follow")
			return runBatch(cmd, args, op, follow)
		},
	}
	flashCmd.Flags().Bool("skip-build", false, "Flash existing artifacts without rebuilding")
	flashCmd.Flags().Bool("follow", true, "Stream task output until the batch finishes")
	return flashCmd
}

func newBatchCommand() *cobra.Command {
	batchCmd := &cobra.Command{
		Use:           "batch [operation] [device-id...]",
		Short:         "Start a raw batch operation",
		Long:          "Operations: build_only, flash_ready, flash_all, build_and_flash_all.",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			follow, _ := cmd.Flags().GetBool("follow")
			return runBatch(cmd, args[1:], args[0], follow)
		},
	}
	batchCmd.Flags().Bool("follow", true, "Stream task output until the batch finishes")
	return batchCmd
}

func newRebootCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "reboot [device-id]",
		Short:         "Return a device stuck in bootloader mode to its firmware",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          rebootDevice,
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "watch",
		Short:         "Stream device mode and batch lifecycle events",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          watchEvents,
	}
}

// errBatchDone stops the websocket stream once our batch reaches a
// terminal lifecycle state.
var errBatchDone = errors.New("batch done")

func runBatch(cmd *cobra.Command, deviceIDs []string, operation string, follow bool) error {
	p := newPrinter(cmd)

	api, err := apiClient()
	if err != nil {
		return p.Error("Failed to configure client", err)
	}

	started, err := api.StartBatch(cmd.Context(), deviceIDs, operation)
	if err != nil {
		return p.Error("Failed to start batch", err)
	}

	if !follow {
		return p.Success(
			fmt.Sprintf("Batch %s started (%s)", started.BatchID, started.Operation),
			map[string]interface{}{"batch_id": started.BatchID, "operation": started.Operation})
	}

	if !p.json {
		fmt.Printf("Batch %s started (%s)\n", started.BatchID, started.Operation)
	}

	var failed bool
	err = api.StreamBatch(cmd.Context(), func(msg server.Message) error {
		data, _ := msg.Data.(map[string]interface{})
		if stringField(data, "BatchID") != started.BatchID {
			return nil
		}

		switch msg.Type {
		case "tasks.log":
			if p.json {
				p.Print(msg)
			} else {
				fmt.Printf("  [%s] %s\n", stringField(data, "DeviceID"), stringField(data, "Line"))
			}
		case "tasks.status":
			status := stringField(data, "Status")
			if p.json {
				p.Print(msg)
			} else {
				line := fmt.Sprintf("%s: %s", stringField(data, "DeviceID"), status)
				if detail := stringField(data, "Detail"); detail != "" {
					line += " (" + detail + ")"
				}
				fmt.Println(line)
			}
			if status == "failed" {
				failed = true
			}
		case "batch.lifecycle":
			state := stringField(data, "State")
			if state == "started" {
				return nil
			}
			if p.json {
				p.Print(msg)
			} else {
				fmt.Printf("Batch %s: %d succeeded, %d failed, %d skipped\n",
					state, intField(data, "Succeeded"), intField(data, "Failed"),
					intField(data, "Skipped"))
			}
			if intField(data, "Failed") > 0 {
				failed = true
			}
			return errBatchDone
		}
		return nil
	})
	if err != nil && !errors.Is(err, errBatchDone) {
		return p.Error("Batch stream interrupted", err)
	}
	if failed {
		return fmt.Errorf("batch %s finished with failures", started.BatchID)
	}
	return nil
}

func rebootDevice(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	api, err := apiClient()
	if err != nil {
		return p.Error("Failed to configure client", err)
	}

	result, err := api.Reboot(cmd.Context(), args[0])
	if err != nil {
		return p.Error("Reboot failed", err)
	}

	if p.json {
		return p.Print(result)
	}
	for _, line := range result.Log {
		fmt.Println("  " + line)
	}
	fmt.Printf("Device %s returned to firmware\n", result.DeviceID)
	return nil
}

func watchEvents(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	api, err := apiClient()
	if err != nil {
		return p.Error("Failed to configure client", err)
	}

	if !p.json {
		fmt.Fprintln(os.Stderr, "Watching fleet events (Ctrl-C to stop)...")
	}

	return api.StreamEvents(cmd.Context(), func(msg server.Message) error {
		if p.json {
			return p.Print(msg)
		}
		data, _ := msg.Data.(map[string]interface{})
		switch msg.Type {
		case "devices.mode":
			fmt.Printf("%s  %s: %s -> %s\n", msg.Timestamp.Format("15:04:05"),
				stringField(data, "DeviceID"), stringField(data, "Previous"),
				stringField(data, "Mode"))
		case "batch.lifecycle":
			fmt.Printf("%s  batch %s %s (%s)\n", msg.Timestamp.Format("15:04:05"),
				stringField(data, "BatchID"), stringField(data, "State"),
				stringField(data, "Operation"))
		}
		return nil
	})
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

func intField(data map[string]interface{}, key string) int {
	if data == nil {
		return 0
	}
	// encoding/json decodes numbers into float64 for interface targets.
	f, _ := data[key].(float64)
	return int(f)
}
