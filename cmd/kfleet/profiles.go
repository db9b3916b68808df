package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newProfilesCommand() *cobra.Command {
	profilesCmd := &cobra.Command{
		Use:           "profiles",
		Short:         "List firmware configuration profiles known to the daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          listProfiles,
	}

	pushCmd := &cobra.Command{
		Use:           "push [profile] [config-file]",
		Short:         "Upload a firmware configuration payload",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          pushProfile,
	}
	profilesCmd.AddCommand(pushCmd)
	return profilesCmd
}

func newArtifactCommand() *cobra.Command {
	artifactCmd := &cobra.Command{
		Use:           "artifact [profile]",
		Short:         "Download the latest built firmware for a profile",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          downloadArtifact,
	}
	artifactCmd.Flags().String("kind", "bin", "Artifact kind: bin or elf")
	artifactCmd.Flags().StringP("output", "o", "", "Destination file (defaults to <profile>.<kind>)")
	return artifactCmd
}

func listProfiles(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	api, err := apiClient()
	if err != nil {
		return p.Error("Failed to configure client", err)
	}

	profiles, err := api.Profiles(cmd.Context())
	if err != nil {
		return p.Error("Failed to list profiles", err)
	}

	if p.json {
		return p.Print(profiles)
	}
	if len(profiles) == 0 {
		fmt.Println("No profiles configured")
		return nil
	}
	for _, name := range profiles {
		fmt.Println(name)
	}
	return nil
}

func pushProfile(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)
	profile := args[0]

	payload, err := os.ReadFile(args[1])
	if err != nil {
		return p.Error("Failed to read config file", err)
	}

	api, err := apiClient()
	if err != nil {
		return p.Error("Failed to configure client", err)
	}

	if err := api.UploadProfile(cmd.Context(), profile, payload); err != nil {
		return p.Error("Failed to upload profile", err)
	}
	return p.Success(fmt.Sprintf("Profile %s uploaded", profile),
		map[string]interface{}{"profile": profile})
}

func downloadArtifact(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)
	profile := args[0]
	kind, _ := cmd.Flags().GetString("kind")

	dest, _ := cmd.Flags().GetString("output")
	if dest == "" {
		dest = fmt.Sprintf("%s.%s", profile, kind)
	}

	api, err := apiClient()
	if err != nil {
		return p.Error("Failed to configure client", err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return p.Error("Failed to create output file", err)
	}
	defer out.Close()

	if err := api.DownloadArtifact(cmd.Context(), profile, kind, out); err != nil {
		os.Remove(dest)
		return p.Error("Failed to download artifact", err)
	}
	return p.Success(fmt.Sprintf("Saved %s", dest),
		map[string]interface{}{"profile": profile, "kind": kind, "path": dest})
}
