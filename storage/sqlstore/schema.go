package sqlstore

// schema is applied by Migrate. Statements are valid for both SQLite and
// PostgreSQL. List-valued columns hold JSON arrays; scopes are
// space-separated.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS oauth_clients (
		client_id                  TEXT PRIMARY KEY,
		client_name                TEXT NOT NULL DEFAULT '',
		redirect_uris              TEXT NOT NULL,
		grant_types                TEXT NOT NULL,
		response_types             TEXT NOT NULL,
		scope                      TEXT NOT NULL DEFAULT '',
		token_endpoint_auth_method TEXT NOT NULL DEFAULT '',
		client_id_issued_at        BIGINT NOT NULL,
		secret_hash                TEXT,
		secret_expires_at          BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_authorization_codes (
		code                  TEXT PRIMARY KEY,
		client_id             TEXT NOT NULL,
		user_id               TEXT NOT NULL,
		redirect_uri          TEXT NOT NULL,
		scopes                TEXT NOT NULL DEFAULT '',
		code_challenge        TEXT NOT NULL DEFAULT '',
		code_challenge_method TEXT NOT NULL DEFAULT '',
		state                 TEXT NOT NULL DEFAULT '',
		expires_at            BIGINT NOT NULL,
		created_at            BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_access_tokens (
		token      TEXT PRIMARY KEY,
		client_id  TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		scopes     TEXT NOT NULL DEFAULT '',
		token_type TEXT NOT NULL DEFAULT 'Bearer',
		expires_at BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_refresh_tokens (
		token      TEXT PRIMARY KEY,
		client_id  TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		scopes     TEXT NOT NULL DEFAULT '',
		expires_at BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_oauth_authorization_codes_expires_at ON oauth_authorization_codes (expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_oauth_access_tokens_expires_at ON oauth_access_tokens (expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_oauth_refresh_tokens_expires_at ON oauth_refresh_tokens (expires_at)`,
}
