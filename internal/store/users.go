package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"presence-mirror/internal/db"
	"presence-mirror/internal/models"
)

// UserStore reads and writes user profiles. Partial updates go through
// UpdateFields so the engine and the settings surface can touch
// disjoint columns without clobbering each other.
type UserStore struct {
	db *db.DB
}

func NewUserStore(dbConn *db.DB) *UserStore {
	return &UserStore{db: dbConn}
}

const profileColumns = `user_id, enabled, created_at,
	steam_id, steam_api_key, switch_friend_code, switch_nsa_id,
	jellyfin_url, jellyfin_api_key, jellyfin_username,
	lastfm_username, lastfm_api_key,
	music_emoji, film_emoji, gaming_emoji, console_emoji, huddle_emoji,
	default_pfp, music_pfp, film_pfp, gaming_pfp, huddle_pfp,
	current_game, current_console_game, current_media, current_track,
	applied_pfp, last_status_text, last_status_emoji, in_huddle, reauth_notified`

// updatableColumns is the whitelist for UpdateFields. Anything else is
// rejected so a caller can never smuggle arbitrary SQL identifiers.
var updatableColumns = map[string]bool{
	"enabled":              true,
	"steam_id":             true,
	"steam_api_key":        true,
	"switch_friend_code":   true,
	"switch_nsa_id":        true,
	"jellyfin_url":         true,
	"jellyfin_api_key":     true,
	"jellyfin_username":    true,
	"lastfm_username":      true,
	"lastfm_api_key":       true,
	"music_emoji":          true,
	"film_emoji":           true,
	"gaming_emoji":         true,
	"console_emoji":        true,
	"huddle_emoji":         true,
	"default_pfp":          true,
	"music_pfp":            true,
	"film_pfp":             true,
	"gaming_pfp":           true,
	"huddle_pfp":           true,
	"current_game":         true,
	"current_console_game": true,
	"current_media":        true,
	"current_track":        true,
	"applied_pfp":          true,
	"last_status_text":     true,
	"last_status_emoji":    true,
	"in_huddle":            true,
	"reauth_notified":      true,
}

func scanProfile(row pgx.Row) (*models.UserProfile, error) {
	var u models.UserProfile
	err := row.Scan(
		&u.UserID, &u.Enabled, &u.CreatedAt,
		&u.SteamID, &u.SteamAPIKey, &u.SwitchFriendCode, &u.SwitchNSAID,
		&u.JellyfinURL, &u.JellyfinAPIKey, &u.JellyfinUsername,
		&u.LastfmUsername, &u.LastfmAPIKey,
		&u.MusicEmoji, &u.FilmEmoji, &u.GamingEmoji, &u.ConsoleEmoji, &u.HuddleEmoji,
		&u.DefaultPicture, &u.MusicPicture, &u.FilmPicture, &u.GamingPicture, &u.HuddlePicture,
		&u.CurrentGame, &u.CurrentConsoleGame, &u.CurrentMedia, &u.CurrentTrack,
		&u.AppliedPicture, &u.LastStatusText, &u.LastStatusEmoji, &u.InHuddle, &u.ReauthNotified,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Get returns the profile, or (nil, nil) when the user is unknown.
func (s *UserStore) Get(ctx context.Context, userID string) (*models.UserProfile, error) {
	row := s.db.Pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM user_profiles WHERE user_id = $1`,
		userID,
	)
	u, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}
	return u, nil
}

// ListEnabled returns every profile in the reconciliation pool.
func (s *UserStore) ListEnabled(ctx context.Context) ([]*models.UserProfile, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT `+profileColumns+` FROM user_profiles WHERE enabled ORDER BY user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list enabled profiles: %w", err)
	}
	defer rows.Close()

	var users []*models.UserProfile
	for rows.Next() {
		u, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Ensure creates the profile row if it does not exist yet and marks it
// enabled. Called on authorization.
func (s *UserStore) Ensure(ctx context.Context, userID string) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO user_profiles (user_id, enabled) VALUES ($1, TRUE)
		 ON CONFLICT (user_id) DO UPDATE SET enabled = TRUE`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("ensure profile %s: %w", userID, err)
	}
	return nil
}

// UpdateFields applies a partial update. Unknown columns are an error,
// not a silent skip, so typos surface in tests.
func (s *UserStore) UpdateFields(ctx context.Context, userID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	set := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	args = append(args, userID)
	for col, val := range fields {
		if !updatableColumns[col] {
			return fmt.Errorf("update profile %s: column %q not updatable", userID, col)
		}
		args = append(args, val)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE user_profiles SET `+strings.Join(set, ", ")+` WHERE user_id = $1`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("update profile %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update profile %s: no such user", userID)
	}
	return nil
}

// Delete removes the user from the reconciliation pool entirely. Used
// on de-authorization.
func (s *UserStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.Pool.Exec(ctx,
		`DELETE FROM user_profiles WHERE user_id = $1`, userID,
	); err != nil {
		return fmt.Errorf("delete profile %s: %w", userID, err)
	}
	return nil
}
