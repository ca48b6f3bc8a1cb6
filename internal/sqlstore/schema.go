package sqlstore

import "strings"

// Times are stored as unix milliseconds so both dialects sort and compare
// them the same way.
const schema = `
CREATE TABLE IF NOT EXISTS status (
    uri         TEXT PRIMARY KEY,
    author_did  TEXT NOT NULL,
    emoji       TEXT NOT NULL,
    text        TEXT NOT NULL DEFAULT '',
    created_at  BIGINT NOT NULL,
    expires_at  BIGINT,
    indexed_at  BIGINT NOT NULL,
    hidden      BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_status_author_created ON status(author_did, created_at);
CREATE INDEX IF NOT EXISTS idx_status_created ON status(created_at);

CREATE TABLE IF NOT EXISTS cursors (
    service      TEXT PRIMARY KEY,
    cursor_value BIGINT NOT NULL,
    updated_at   BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_preferences (
    did          TEXT PRIMARY KEY,
    font_family  TEXT NOT NULL,
    accent_color TEXT NOT NULL,
    theme        TEXT NOT NULL,
    updated_at   BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_session (
    did         TEXT PRIMARY KEY,
    handle      TEXT NOT NULL,
    pds         TEXT NOT NULL,
    access_jwt  TEXT NOT NULL,
    refresh_jwt TEXT NOT NULL,
    updated_at  BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_auth_session_updated ON auth_session(updated_at);

CREATE TABLE IF NOT EXISTS webhooks (
    id          {{serial}},
    did         TEXT NOT NULL,
    url         TEXT NOT NULL,
    secret      TEXT NOT NULL,
    events      TEXT NOT NULL DEFAULT '*',
    active      BOOLEAN NOT NULL DEFAULT TRUE,
    created_at  BIGINT NOT NULL,
    updated_at  BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_webhooks_did ON webhooks(did);
`

func schemaStatements(d dialect) []string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == dialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	ddl := strings.ReplaceAll(schema, "{{serial}}", serial)

	var stmts []string
	for _, s := range strings.Split(ddl, ";") {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
