package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet"
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show daemon status",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStatus,
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List registered devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          listFleet,
	}
}

func newScanCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "scan",
		Short:         "Probe all transports and report device modes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          scanFleet,
	}
}

func newDeviceCommand() *cobra.Command {
	deviceCmd := &cobra.Command{
		Use:           "device",
		Short:         "Device registration commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addCmd := &cobra.Command{
		Use:           "add [device-id]",
		Short:         "Register or update a device",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          addDevice,
	}
	addCmd.Flags().String("name", "", "Human-readable device name")
	addCmd.Flags().String("transport", "can", "Transport: can, serial, dfu or linux")
	addCmd.Flags().String("profile", "", "Firmware configuration profile")
	addCmd.Flags().String("can-interface", "", "CAN interface for can devices (e.g. can0)")
	addCmd.Flags().Bool("bridge", false, "Mark as a USB-to-CAN bridge node")
	addCmd.Flags().String("bridge-id", "", "Bridge device this node sits behind")
	addCmd.Flags().String("dfu-address", "", "Override flash base address for DFU")
	addCmd.Flags().Bool("leave-bootloader", true, "Return to application firmware after flashing")
	addCmd.Flags().String("notes", "", "Free-form notes")

	removeCmd := &cobra.Command{
		Use:           "remove [device-id]",
		Short:         "Remove a device from the registry",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          removeDevice,
	}

	deviceCmd.AddCommand(addCmd, removeCmd)
	return deviceCmd
}

func newAttachCommand() *cobra.Command {
	attachCmd := &cobra.Command{
		Use:           "attach [device-id] [transient-id]",
		Short:         "Link an observed bootloader identity to a registered device",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          attachIdentity,
	}
	attachCmd.Flags().String("transport", "can", "Transport the identity was observed on")
	return attachCmd
}

func daemonStatus(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	api, err := apiClient()
	if err != nil {
		return p.Error("Failed to configure client", err)
	}

	status, err := api.Status(cmd.Context())
	if err != nil {
		return p.Error("Daemon is not reachable", err)
	}

	if p.json {
		return p.Print(status)
	}

	fmt.Printf("Version:  %s\n", status.Version)
	fmt.Printf("Uptime:   %ds\n", status.UptimeSec)
	fmt.Printf("Devices:  %d\n", status.DeviceCount)
	if status.ActiveBatch != "" {
		fmt.Printf("Batch:    %s (%s)\n", status.ActiveBatch, status.ActiveOp)
	}
	if last := status.LastBatch; last != nil {
		fmt.Printf("Last:     %s %s, %d succeeded, %d failed, %d skipped\n",
			last.Operation, last.BatchID, last.Succeeded, last.Failed, last.Skipped)
	}
	return nil
}

func listFleet(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	api, err := apiClient()
	if err != nil {
		return p.Error("Failed to configure client", err)
	}

	devices, err := api.Fleet(cmd.Context())
	if err != nil {
		return p.Error("Failed to list fleet", err)
	}

	if p.json {
		return p.Print(devices)
	}

	if len(devices) == 0 {
		fmt.Println("No devices registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTRANSPORT\tPROFILE\tSTATUS\tLAST ERROR")
	for _, d := range devices {
		transport := string(d.Transport)
		if d.Bridge {
			transport += " (bridge)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Name, transport, d.Profile, d.Status, d.LastError)
	}
	return w.Flush()
}

func scanFleet(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	api, err := apiClient()
	if err != nil {
		return p.Error("Failed to configure client", err)
	}

	result, err := api.Scan(cmd.Context())
	if err != nil {
		return p.Error("Scan failed", err)
	}

	if p.json {
		return p.Print(result)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tMODE\tADDRESS\tINTERFACE")
	for _, d := range result.Devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.DeviceID, d.Mode, d.Address, d.Interface)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(result.Unclaimed) > 0 {
		fmt.Println("\nUnclaimed devices (use 'kfleet attach' or 'kfleet device add'):")
		for _, obs := range result.Unclaimed {
			fmt.Printf("  %s %s (%s)\n", obs.Transport, obs.TransientID, obs.Mode)
		}
	}
	return nil
}

func addDevice(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	transportFlag, _ := cmd.Flags().GetString("transport")
	transport, err := fleet.ParseTransport(transportFlag)
	if err != nil {
		return p.Error("Invalid transport", err)
	}

	dev := fleet.Device{ID: args[0], Transport: transport}
	dev.Name, _ = cmd.Flags().GetString("name")
	dev.Profile, _ = cmd.Flags().GetString("profile")
	dev.CANInterface, _ = cmd.Flags().GetString("can-interface")
	dev.Bridge, _ = cmd.Flags().GetBool("bridge")
	dev.BridgeID, _ = cmd.Flags().GetString("bridge-id")
	dev.DFUAddress, _ = cmd.Flags().GetString("dfu-address")
	dev.LeaveBootloader, _ = cmd.Flags().GetBool("leave-bootloader")
	dev.Notes, _ = cmd.Flags().GetString("notes")

	api, err := apiClient()
	if err != nil {
		return p.Error("Failed to configure client", err)
	}

	if err := api.UpsertDevice(cmd.Context(), dev); err != nil {
		return p.Error("Failed to register device", err)
	}
	return p.Success(fmt.Sprintf("Device %s registered", dev.ID),
		map[string]interface{}{"device_id": dev.ID})
}

func removeDevice(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	api, err := apiClient()
	if err != nil {
		return p.Error("Failed to configure client", err)
	}

	if err := api.RemoveDevice(cmd.Context(), args[0]); err != nil {
		return p.Error("Failed to remove device", err)
	}
	return p.Success(fmt.Sprintf("Device %s removed", args[0]),
		map[string]interface{}{"device_id": args[0]})
}

func attachIdentity(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	transport, _ := cmd.Flags().GetString("transport")

	api, err := apiClient()
	if err != nil {
		return p.Error("Failed to configure client", err)
	}

	if err := api.Attach(cmd.Context(), args[0], transport, args[1]); err != nil {
		return p.Error("Failed to attach identity", err)
	}
	return p.Success(fmt.Sprintf("Linked %s to %s", args[1], args[0]),
		map[string]interface{}{"device_id": args[0], "transient_id": args[1]})
}
