package state

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS processed (
	hash         TEXT PRIMARY KEY,
	message_id   TEXT NOT NULL DEFAULT '',
	processed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS watermarks (
	folder     TEXT PRIMARY KEY,
	watermark  TEXT NOT NULL
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
