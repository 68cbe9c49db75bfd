package dolttest

// Schema is the SQLite rendition of the memory tables created by the
// embedded migrations.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS namespaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT,
		created_at TEXT NOT NULL
	)`,
	`INSERT OR IGNORE INTO namespaces (id, name, description, created_at)
		VALUES ('default', 'default', 'Default namespace', '1970-01-01 00:00:00.000000')`,
	`CREATE TABLE IF NOT EXISTS memory_blocks (
		id TEXT PRIMARY KEY,
		namespace_id TEXT NOT NULL REFERENCES namespaces(id) ON DELETE RESTRICT ON UPDATE CASCADE,
		type TEXT NOT NULL,
		schema_version INTEGER,
		text TEXT NOT NULL,
		state TEXT NOT NULL CHECK (state IN ('draft', 'published', 'archived')),
		visibility TEXT NOT NULL CHECK (visibility IN ('internal', 'public', 'restricted')),
		block_version INTEGER NOT NULL CHECK (block_version > 0),
		parent_id TEXT,
		has_children INTEGER NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]',
		source_file TEXT,
		source_uri TEXT,
		confidence TEXT,
		embedding TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS block_properties (
		block_id TEXT NOT NULL,
		property_name TEXT NOT NULL,
		property_type TEXT NOT NULL,
		property_value_text TEXT,
		property_value_number REAL,
		property_value_json TEXT,
		PRIMARY KEY (block_id, property_name),
		CHECK (
			(property_value_text IS NOT NULL) +
			(property_value_number IS NOT NULL) +
			(property_value_json IS NOT NULL) = 1
		)
	)`,
	`CREATE TABLE IF NOT EXISTS block_links (
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		relation TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (from_id, to_id, relation)
	)`,
	`CREATE TABLE IF NOT EXISTS block_proofs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		block_id TEXT NOT NULL,
		operation TEXT NOT NULL CHECK (operation IN ('create', 'update', 'delete')),
		commit_hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS node_schemas (
		id TEXT PRIMARY KEY,
		node_type TEXT NOT NULL,
		version INTEGER NOT NULL,
		schema_json TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (node_type, version)
	)`,
}
