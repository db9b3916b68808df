package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/client"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/config"
	fleetversion "github.com/ModularPrintingSystem/KlipperFleet/internal/version"
	"github.com/spf13/cobra"
)

var rootCmd *cobra.Command

// printer renders command results. Human output is the default; the
// --json flag switches every command to indented JSON for scripting.
type printer struct {
	json   bool
	stdout io.Writer
	stderr io.Writer
}

func newPrinter(cmd *cobra.Command) *printer {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &printer{json: jsonMode, stdout: os.Stdout, stderr: os.Stderr}
}

// Print writes data as indented JSON. Commands render their own tables
// in human mode and reach for Print only when p.json is set.
func (p *printer) Print(data any) error {
	return encodeJSON(p.stdout, data)
}

// Success reports a completed action. The extra fields ride along only
// in JSON mode; humans get the one-line message.
func (p *printer) Success(message string, extra map[string]any) error {
	if !p.json {
		fmt.Fprintln(p.stdout, message)
		return nil
	}
	out := map[string]any{"success": true, "message": message}
	for k, v := range extra {
		out[k] = v
	}
	return p.Print(out)
}

// Error reports a failed action on stderr and returns the error so cobra
// exits nonzero.
func (p *printer) Error(message string, err error) error {
	switch {
	case p.json:
		out := map[string]any{"success": false, "error": message}
		if err != nil {
			out["details"] = err.Error()
		}
		encodeJSON(p.stderr, out)
	case err != nil:
		fmt.Fprintf(p.stderr, "%s: %v\n", message, err)
	default:
		fmt.Fprintln(p.stderr, message)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", message, err)
	}
	return errors.New(message)
}

func encodeJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// apiClient builds a client for the local daemon. KLIPPERFLEET_API
// overrides the address for remote fleets.
func apiClient() (*client.Client, error) {
	if override := os.Getenv("KLIPPERFLEET_API"); override != "" {
		return client.New(override), nil
	}

	settings, err := config.LoadSettings(config.GetInstancePaths())
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return client.New("http://" + settings.Listen), nil
}

func init() {
	rootCmd = &cobra.Command{
		Use:   "kfleet",
		Short: "KlipperFleet - firmware flashing for heterogeneous MCU fleets",
		Long: `KlipperFleet manages firmware builds and flashing across a fleet of
printer MCUs reachable over CAN, serial, USB DFU or as local host
processes. The kfleet CLI talks to the kfleetd daemon's HTTP API.`,
	}
	rootCmd.Version = fleetversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")
}

func main() {
	rootCmd.AddCommand(
		newStatusCommand(),
		newListCommand(),
		newScanCommand(),
		newDeviceCommand(),
		newAttachCommand(),
		newProfilesCommand(),
		newArtifactCommand(),
		newBuildCommand(),
		newFlashCommand(),
		newBatchCommand(),
		newRebootCommand(),
		newWatchCommand(),
		newVersionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
