package db

import "context"

// No migration framework: the schema is small and additive, so the
// bootstrap statements run at every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS user_profiles (
		user_id              TEXT PRIMARY KEY,
		enabled              BOOLEAN NOT NULL DEFAULT TRUE,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),

		steam_id             TEXT NOT NULL DEFAULT '',
		steam_api_key        TEXT NOT NULL DEFAULT '',
		switch_friend_code   TEXT NOT NULL DEFAULT '',
		switch_nsa_id        TEXT NOT NULL DEFAULT '',
		jellyfin_url         TEXT NOT NULL DEFAULT '',
		jellyfin_api_key     TEXT NOT NULL DEFAULT '',
		jellyfin_username    TEXT NOT NULL DEFAULT '',
		lastfm_username      TEXT NOT NULL DEFAULT '',
		lastfm_api_key       TEXT NOT NULL DEFAULT '',

		music_emoji          TEXT NOT NULL DEFAULT '',
		film_emoji           TEXT NOT NULL DEFAULT '',
		gaming_emoji         TEXT NOT NULL DEFAULT '',
		console_emoji        TEXT NOT NULL DEFAULT '',
		huddle_emoji         TEXT NOT NULL DEFAULT '',

		default_pfp          TEXT NOT NULL DEFAULT '',
		music_pfp            TEXT NOT NULL DEFAULT '',
		film_pfp             TEXT NOT NULL DEFAULT '',
		gaming_pfp           TEXT NOT NULL DEFAULT '',
		huddle_pfp           TEXT NOT NULL DEFAULT '',

		current_game         TEXT NOT NULL DEFAULT '',
		current_console_game TEXT NOT NULL DEFAULT '',
		current_media        TEXT NOT NULL DEFAULT '',
		current_track        TEXT NOT NULL DEFAULT '',
		applied_pfp          TEXT NOT NULL DEFAULT 'default',
		last_status_text     TEXT NOT NULL DEFAULT '',
		last_status_emoji    TEXT NOT NULL DEFAULT '',
		in_huddle            BOOLEAN NOT NULL DEFAULT FALSE,
		reauth_notified      BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_profiles_enabled
		ON user_profiles (enabled) WHERE enabled`,
	`CREATE TABLE IF NOT EXISTS slack_installations (
		user_id         TEXT PRIMARY KEY,
		team_id         TEXT NOT NULL DEFAULT '',
		enterprise_id   TEXT NOT NULL DEFAULT '',
		bot_user_id     TEXT NOT NULL DEFAULT '',
		bot_token_enc   TEXT NOT NULL DEFAULT '',
		user_token_enc  TEXT NOT NULL DEFAULT '',
		scopes          TEXT NOT NULL DEFAULT '',
		installed_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate applies the schema bootstrap statements.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
