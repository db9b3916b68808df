package store

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		transport TEXT NOT NULL CHECK (transport IN ('can', 'serial', 'dfu', 'linux')),
		profile TEXT NOT NULL DEFAULT '',
		can_interface TEXT NOT NULL DEFAULT '',
		is_bridge INTEGER NOT NULL DEFAULT 0,
		bridge_id TEXT NOT NULL DEFAULT '',
		dfu_address TEXT NOT NULL DEFAULT '',
		leave_bootloader INTEGER NOT NULL DEFAULT 1,
		notes TEXT NOT NULL DEFAULT '',
		last_mode TEXT NOT NULL DEFAULT 'unknown',
		last_seen TEXT,
		position INTEGER NOT NULL,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS identity_links (
		device_id TEXT NOT NULL,
		transport TEXT NOT NULL,
		transient_id TEXT NOT NULL,
		current INTEGER NOT NULL DEFAULT 1,
		observed_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (device_id, transport, transient_id),
		FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_identity_links_transient
		ON identity_links(transport, transient_id)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		profile TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('bin', 'elf')),
		path TEXT NOT NULL,
		digest TEXT NOT NULL DEFAULT '',
		built_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (profile, kind)
	)`,
}
