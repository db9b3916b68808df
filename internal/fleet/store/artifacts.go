package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet"
)

// SaveArtifact records a compiled firmware image for a profile.
func (s *Store) SaveArtifact(ctx context.Context, artifact fleet.Artifact) error {
	artifact.Profile = strings.TrimSpace(artifact.Profile)
	if artifact.Profile == "" {
		return fmt.Errorf("registry: save artifact: profile required")
	}
	if artifact.Kind != "bin" && artifact.Kind != "elf" {
		return fmt.Errorf("registry: save artifact: unknown kind %q", artifact.Kind)
	}

	return s.withWriteTx(ctx, "save artifact", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO artifacts (profile, kind, path, digest, built_at)
            VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
            ON CONFLICT(profile, kind) DO UPDATE SET
                path = excluded.path,
                digest = excluded.digest,
                built_at = CURRENT_TIMESTAMP
        `, artifact.Profile, artifact.Kind, artifact.Path, artifact.Digest)
		if err != nil {
			return fmt.Errorf("registry: save artifact %s/%s: %w", artifact.Profile, artifact.Kind, err)
		}
		return nil
	})
}

// GetArtifact retrieves the recorded artifact for a profile and kind.
func (s *Store) GetArtifact(ctx context.Context, profile, kind string) (fleet.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT profile, kind, path, digest, built_at
        FROM artifacts
        WHERE profile = ? AND kind = ?
    `, profile, kind)

	var (
		artifact fleet.Artifact
		builtAt  sql.NullString
	)
	if err := row.Scan(&artifact.Profile, &artifact.Kind, &artifact.Path, &artifact.Digest, &builtAt); err != nil {
		if err == sql.ErrNoRows {
			return fleet.Artifact{}, NotFoundError{Entity: "artifact", Key: profile + "/" + kind}
		}
		return fleet.Artifact{}, fmt.Errorf("registry: get artifact %s/%s: %w", profile, kind, err)
	}
	artifact.BuiltAt = parseTime(builtAt)
	return artifact, nil
}

// ListArtifacts returns all recorded artifacts.
func (s *Store) ListArtifacts(ctx context.Context) ([]fleet.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT profile, kind, path, digest, built_at
        FROM artifacts
        ORDER BY profile, kind
    `)
	if err != nil {
		return nil, fmt.Errorf("registry: list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []fleet.Artifact
	for rows.Next() {
		var (
			artifact fleet.Artifact
			builtAt  sql.NullString
		)
		if err := rows.Scan(&artifact.Profile, &artifact.Kind, &artifact.Path, &artifact.Digest, &builtAt); err != nil {
			return nil, fmt.Errorf("registry: scan artifact: %w", err)
		}
		artifact.BuiltAt = parseTime(builtAt)
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate artifacts: %w", err)
	}
	return artifacts, nil
}
