// Package build compiles firmware from a profile's saved Kconfig and
// records the resulting artifacts in the registry. The profile payload is
// opaque to the orchestrator; it is copied to the source tree's .config
// because the Klipper Makefile mishandles KCONFIG_CONFIG paths with spaces.
package build

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet/store"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/proc"
)

const (
	prepTimeout  = 60 * time.Second
	makeTimeout  = 15 * time.Minute
	profileExt   = ".config"
	artifactBin  = "bin"
	artifactELF  = "elf"
	outputPrefix = ">>> "
)

// Builder runs the make pipeline for one firmware source checkout.
type Builder struct {
	runner       proc.Runner
	store        *store.Store
	klipperDir   string
	profilesDir  string
	artifactsDir string
	logger       *log.Logger
}

// Options configures a Builder. Runner, Store and the three directories
// are required.
type Options struct {
	Runner       proc.Runner
	Store        *store.Store
	KlipperDir   string
	ProfilesDir  string
	ArtifactsDir string
	Logger       *log.Logger
}

func New(opts Options) *Builder {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[Build] ", log.LstdFlags)
	}
	return &Builder{
		runner:       opts.Runner,
		store:        opts.Store,
		klipperDir:   opts.KlipperDir,
		profilesDir:  opts.ProfilesDir,
		artifactsDir: opts.ArtifactsDir,
		logger:       logger,
	}
}

// Profiles lists the saved profile names, sorted.
func (b *Builder) Profiles() ([]string, error) {
	entries, err := os.ReadDir(b.profilesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("build: list profiles: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), profileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), profileExt))
	}
	sort.Strings(names)
	return names, nil
}

// ProfilePath returns where a profile's Kconfig payload lives.
func (b *Builder) ProfilePath(profile string) string {
	return filepath.Join(b.profilesDir, profile+profileExt)
}

// SaveProfile stores an opaque Kconfig payload under the profile name.
func (b *Builder) SaveProfile(profile string, payload []byte) error {
	if err := os.MkdirAll(b.profilesDir, 0o755); err != nil {
		return fmt.Errorf("build: save profile: %w", err)
	}
	if err := os.WriteFile(b.ProfilePath(profile), payload, 0o644); err != nil {
		return fmt.Errorf("build: save profile %s: %w", profile, err)
	}
	return nil
}

// Build runs clean, olddefconfig and make for the profile, copies the
// firmware images into the artifacts directory and records them in the
// registry. The returned artifact is the raw binary when one was produced,
// otherwise the ELF. Tool output streams to sink line by line.
func (b *Builder) Build(ctx context.Context, profile string, sink proc.LineSink) (fleet.Artifact, error) {
	say := func(line string) {
		if sink != nil {
			sink(outputPrefix + line)
		}
	}

	configPath := b.ProfilePath(profile)
	if _, err := os.Stat(configPath); err != nil {
		return fleet.Artifact{}, flash.NewError(flash.KindBuildFailed, "",
			fmt.Errorf("profile %s has no saved config", profile))
	}
	if err := copyFile(configPath, filepath.Join(b.klipperDir, ".config")); err != nil {
		return fleet.Artifact{}, flash.NewError(flash.KindBuildFailed, "",
			fmt.Errorf("stage config for %s: %w", profile, err))
	}

	say("Cleaning build environment...")
	if err := b.make(ctx, sink, prepTimeout, "clean"); err != nil {
		return fleet.Artifact{}, err
	}
	say("Validating configuration (olddefconfig)...")
	if err := b.make(ctx, sink, prepTimeout, "olddefconfig"); err != nil {
		return fleet.Artifact{}, err
	}
	say("Starting build...")
	if err := b.make(ctx, sink, makeTimeout); err != nil {
		return fleet.Artifact{}, err
	}
	say("Build successful!")

	artifacts, err := b.collectArtifacts(ctx, profile, say)
	if err != nil {
		return fleet.Artifact{}, err
	}
	for _, artifact := range artifacts {
		if artifact.Kind == artifactBin {
			return artifact, nil
		}
	}
	return artifacts[0], nil
}

func (b *Builder) make(ctx context.Context, sink proc.LineSink, timeout time.Duration, args ...string) error {
	result, err := b.runner.Run(ctx, proc.Command{
		Name:    "make",
		Args:    args,
		Dir:     b.klipperDir,
		Timeout: timeout,
	}, sink)
	cmdline := strings.TrimSpace("make " + strings.Join(args, " "))
	if err != nil {
		return flash.NewError(flash.KindBuildFailed, "",
			fmt.Errorf("%s: %w", cmdline, err))
	}
	if result.ExitCode != 0 {
		buildErr := flash.NewError(flash.KindBuildFailed, "",
			fmt.Errorf("%s exited %d", cmdline, result.ExitCode))
		buildErr.Diagnostic = result.Output
		return buildErr
	}
	return nil
}

// collectArtifacts copies the build outputs into the artifacts directory
// and records each in the registry with its digest. At least one output
// must exist for the build to count as producing anything.
func (b *Builder) collectArtifacts(ctx context.Context, profile string, say func(string)) ([]fleet.Artifact, error) {
	if err := os.MkdirAll(b.artifactsDir, 0o755); err != nil {
		return nil, flash.NewError(flash.KindBuildFailed, "", err)
	}

	outputs := []struct {
		kind string
		src  string
	}{
		{artifactBin, filepath.Join(b.klipperDir, "out", "klipper.bin")},
		{artifactELF, filepath.Join(b.klipperDir, "out", "klipper.elf")},
	}

	var artifacts []fleet.Artifact
	for _, output := range outputs {
		if _, err := os.Stat(output.src); err != nil {
			continue
		}
		dst := filepath.Join(b.artifactsDir, profile+"."+output.kind)
		if err := copyFile(output.src, dst); err != nil {
			return nil, flash.NewError(flash.KindBuildFailed, "",
				fmt.Errorf("save %s artifact: %w", output.kind, err))
		}
		digest, err := digestFile(dst)
		if err != nil {
			return nil, flash.NewError(flash.KindBuildFailed, "", err)
		}
		artifact := fleet.Artifact{
			Profile: profile,
			Kind:    output.kind,
			Path:    dst,
			Digest:  digest,
			BuiltAt: time.Now().UTC(),
		}
		if err := b.store.SaveArtifact(ctx, artifact); err != nil {
			return nil, flash.NewError(flash.KindBuildFailed, "", err)
		}
		say(fmt.Sprintf("Saved artifact: %s.%s (%s)", profile, output.kind, shortDigest(digest)))
		artifacts = append(artifacts, artifact)
	}

	if len(artifacts) == 0 {
		return nil, flash.NewError(flash.KindBuildFailed, "",
			fmt.Errorf("build produced no firmware images under %s", filepath.Join(b.klipperDir, "out")))
	}
	return artifacts, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// digestFile computes the blake2b-256 digest of a file, hex encoded.
func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func shortDigest(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
