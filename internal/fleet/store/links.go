package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet"
)

// Identity links ------------------------------------------------------------
//
// A device's transport address is not stable: a serial MCU re-enumerates
// under a different USB identity once it reboots into its bootloader, and a
// DFU device exposes only a bus path when its serial number is generic. The
// link table records every transient address ever observed for a stable
// identity so the detector can recognise a rebooted device without operator
// re-registration.

// LinkBootloaderIdentity records transientID as the current address for the
// device on the given transport. Older links on the same transport are
// demoted. The operation is idempotent: repeating it with the same arguments
// leaves the registry unchanged apart from the observation timestamp.
func (s *Store) LinkBootloaderIdentity(ctx context.Context, deviceID string, transport fleet.Transport, transientID string) error {
	deviceID = strings.TrimSpace(deviceID)
	transientID = strings.TrimSpace(transientID)
	if deviceID == "" || transientID == "" {
		return fmt.Errorf("registry: link identity: device id and transient id required")
	}

	return s.withWriteTx(ctx, "link identity", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM devices WHERE id = ?`, deviceID).Scan(&exists)
		if err == sql.ErrNoRows {
			return NotFoundError{Entity: "device", Key: deviceID}
		}
		if err != nil {
			return fmt.Errorf("registry: link identity: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
            UPDATE identity_links
            SET current = 0
            WHERE device_id = ? AND transport = ? AND transient_id != ?
        `, deviceID, string(transport), transientID); err != nil {
			return fmt.Errorf("registry: demote stale links for %q: %w", deviceID, err)
		}

		if _, err := tx.ExecContext(ctx, `
            INSERT INTO identity_links (device_id, transport, transient_id, current, observed_at)
            VALUES (?, ?, ?, 1, CURRENT_TIMESTAMP)
            ON CONFLICT(device_id, transport, transient_id) DO UPDATE SET
                current = 1,
                observed_at = CURRENT_TIMESTAMP
        `, deviceID, string(transport), transientID); err != nil {
			return fmt.Errorf("registry: link identity %q -> %q: %w", deviceID, transientID, err)
		}
		return nil
	})
}

// ResolveTransientID returns the stable device identity a transient address
// is linked to, if any.
func (s *Store) ResolveTransientID(ctx context.Context, transport fleet.Transport, transientID string) (string, error) {
	var deviceID string
	err := s.db.QueryRowContext(ctx, `
        SELECT device_id
        FROM identity_links
        WHERE transport = ? AND transient_id = ?
        ORDER BY current DESC, observed_at DESC
        LIMIT 1
    `, string(transport), transientID).Scan(&deviceID)
	if err == sql.ErrNoRows {
		return "", NotFoundError{Entity: "identity link", Key: transientID}
	}
	if err != nil {
		return "", fmt.Errorf("registry: resolve transient id %q: %w", transientID, err)
	}
	return deviceID, nil
}

// CurrentLink returns the device's current transient address on a transport.
func (s *Store) CurrentLink(ctx context.Context, deviceID string, transport fleet.Transport) (fleet.IdentityLink, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT device_id, transport, transient_id, current, observed_at
        FROM identity_links
        WHERE device_id = ? AND transport = ? AND current = 1
        LIMIT 1
    `, deviceID, string(transport))

	var (
		link       fleet.IdentityLink
		tr         string
		current    int
		observedAt sql.NullString
	)
	if err := row.Scan(&link.DeviceID, &tr, &link.TransientID, &current, &observedAt); err != nil {
		if err == sql.ErrNoRows {
			return fleet.IdentityLink{}, NotFoundError{Entity: "identity link", Key: deviceID}
		}
		return fleet.IdentityLink{}, fmt.Errorf("registry: current link for %q: %w", deviceID, err)
	}
	link.Transport = fleet.Transport(tr)
	link.Current = current != 0
	link.ObservedAt = parseTime(observedAt)
	return link, nil
}

// ListLinks returns every identity link recorded for a device.
func (s *Store) ListLinks(ctx context.Context, deviceID string) ([]fleet.IdentityLink, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT device_id, transport, transient_id, current, observed_at
        FROM identity_links
        WHERE device_id = ?
        ORDER BY observed_at
    `, deviceID)
	if err != nil {
		return nil, fmt.Errorf("registry: list links for %q: %w", deviceID, err)
	}
	defer rows.Close()

	var links []fleet.IdentityLink
	for rows.Next() {
		var (
			link       fleet.IdentityLink
			tr         string
			current    int
			observedAt sql.NullString
		)
		if err := rows.Scan(&link.DeviceID, &tr, &link.TransientID, &current, &observedAt); err != nil {
			return nil, fmt.Errorf("registry: scan link: %w", err)
		}
		link.Transport = fleet.Transport(tr)
		link.Current = current != 0
		link.ObservedAt = parseTime(observedAt)
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate links: %w", err)
	}
	return links, nil
}
