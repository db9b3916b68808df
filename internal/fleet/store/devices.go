package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet"
)

const timestampLayout = time.RFC3339Nano

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timestampLayout)
}

func parseTime(raw sql.NullString) time.Time {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timestampLayout, raw.String); err == nil {
		return t
	}
	// CURRENT_TIMESTAMP defaults use the sqlite layout.
	if t, err := time.Parse("2006-01-02 15:04:05", raw.String); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

const deviceColumns = `id, name, transport, profile, can_interface, is_bridge, bridge_id,
	dfu_address, leave_bootloader, notes, last_mode, last_seen, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (fleet.Device, error) {
	var (
		dev       fleet.Device
		transport string
		bridge    int
		leave     int
		lastMode  string
		lastSeen  sql.NullString
		createdAt sql.NullString
		updatedAt sql.NullString
	)
	if err := row.Scan(
		&dev.ID,
		&dev.Name,
		&transport,
		&dev.Profile,
		&dev.CANInterface,
		&bridge,
		&dev.BridgeID,
		&dev.DFUAddress,
		&leave,
		&dev.Notes,
		&lastMode,
		&lastSeen,
		&createdAt,
		&updatedAt,
	); err != nil {
		return fleet.Device{}, err
	}
	dev.Transport = fleet.Transport(transport)
	dev.Bridge = bridge != 0
	dev.LeaveBootloader = leave != 0
	dev.LastMode = fleet.Mode(lastMode)
	dev.LastSeen = parseTime(lastSeen)
	dev.CreatedAt = parseTime(createdAt)
	dev.UpdatedAt = parseTime(updatedAt)
	return dev, nil
}

// UpsertDevice inserts or updates a device. Insertion order is preserved
// across updates so that ListDevices presents a stable sequence.
func (s *Store) UpsertDevice(ctx context.Context, dev fleet.Device) error {
	dev.ID = strings.TrimSpace(dev.ID)
	if dev.ID == "" {
		return fmt.Errorf("registry: upsert device: device id required")
	}
	if _, err := fleet.ParseTransport(string(dev.Transport)); err != nil {
		return fmt.Errorf("registry: upsert device %q: %w", dev.ID, err)
	}
	if dev.Name == "" {
		dev.Name = dev.ID
	}
	if dev.LastMode == "" {
		dev.LastMode = fleet.ModeUnknown
	}

	return s.withWriteTx(ctx, "upsert device", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO devices (
                id, name, transport, profile, can_interface, is_bridge, bridge_id,
                dfu_address, leave_bootloader, notes, last_mode, last_seen, position
            )
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
                (SELECT COALESCE(MAX(position), 0) + 1 FROM devices))
            ON CONFLICT(id) DO UPDATE SET
                name = excluded.name,
                transport = excluded.transport,
                profile = excluded.profile,
                can_interface = excluded.can_interface,
                is_bridge = excluded.is_bridge,
                bridge_id = excluded.bridge_id,
                dfu_address = excluded.dfu_address,
                leave_bootloader = excluded.leave_bootloader,
                notes = excluded.notes,
                updated_at = CURRENT_TIMESTAMP
        `,
			dev.ID,
			dev.Name,
			string(dev.Transport),
			dev.Profile,
			dev.CANInterface,
			boolToInt(dev.Bridge),
			dev.BridgeID,
			dev.DFUAddress,
			boolToInt(dev.LeaveBootloader),
			dev.Notes,
			string(dev.LastMode),
			formatTime(dev.LastSeen),
		)
		if err != nil {
			return fmt.Errorf("registry: upsert device %q: %w", dev.ID, err)
		}
		return nil
	})
}

// GetDevice retrieves a device by its stable identity.
func (s *Store) GetDevice(ctx context.Context, id string) (fleet.Device, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return fleet.Device{}, fmt.Errorf("registry: get device: device id required")
	}

	row := s.db.QueryRowContext(ctx, `
        SELECT `+deviceColumns+`
        FROM devices
        WHERE id = ?
    `, id)

	dev, err := scanDevice(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return fleet.Device{}, NotFoundError{Entity: "device", Key: id}
		}
		return fleet.Device{}, fmt.Errorf("registry: get device %q: %w", id, err)
	}
	return dev, nil
}

// ListDevices returns all registered devices in insertion order.
func (s *Store) ListDevices(ctx context.Context) ([]fleet.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+deviceColumns+`
        FROM devices
        ORDER BY position
    `)
	if err != nil {
		return nil, fmt.Errorf("registry: list devices: %w", err)
	}
	defer rows.Close()

	var devices []fleet.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan device: %w", err)
		}
		devices = append(devices, dev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate devices: %w", err)
	}
	return devices, nil
}

// RemoveDevice deletes a device and its identity links.
func (s *Store) RemoveDevice(ctx context.Context, id string) error {
	return s.withWriteTx(ctx, "remove device", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("registry: remove device %q: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("registry: remove device %q: %w", id, err)
		}
		if affected == 0 {
			return NotFoundError{Entity: "device", Key: id}
		}
		return nil
	})
}

// SetLastKnownMode records the mode a device was last observed in. It is
// display state only; live mode always comes from the detector.
func (s *Store) SetLastKnownMode(ctx context.Context, id string, mode fleet.Mode, observed time.Time) error {
	return s.withWriteTx(ctx, "set last known mode", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            UPDATE devices
            SET last_mode = ?, last_seen = ?, updated_at = CURRENT_TIMESTAMP
            WHERE id = ?
        `, string(mode), formatTime(observed), id)
		if err != nil {
			return fmt.Errorf("registry: set last known mode for %q: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("registry: set last known mode for %q: %w", id, err)
		}
		if affected == 0 {
			return NotFoundError{Entity: "device", Key: id}
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
