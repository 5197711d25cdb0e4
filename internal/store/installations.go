package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"presence-mirror/internal/db"
	"presence-mirror/internal/models"
	"presence-mirror/internal/security"
)

// InstallationStore persists Slack OAuth grants. Tokens are encrypted
// at rest with AES-256-GCM; plaintext only exists in memory.
type InstallationStore struct {
	db    *db.DB
	users *UserStore
	key   []byte
}

func NewInstallationStore(dbConn *db.DB, users *UserStore, encryptionKey []byte) (*InstallationStore, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	return &InstallationStore{db: dbConn, users: users, key: encryptionKey}, nil
}

// Save upserts the grant and puts the user into the reconciliation
// pool. Re-authorization also clears the one-shot invalid-credential
// notification so a later failure notifies again.
func (s *InstallationStore) Save(ctx context.Context, inst models.Installation) error {
	botEnc, err := security.Encrypt(inst.BotToken, s.key)
	if err != nil {
		return fmt.Errorf("encrypt bot token: %w", err)
	}
	userEnc, err := security.Encrypt(inst.UserToken, s.key)
	if err != nil {
		return fmt.Errorf("encrypt user token: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx,
		`INSERT INTO slack_installations
			(user_id, team_id, enterprise_id, bot_user_id, bot_token_enc, user_token_enc, scopes, installed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
			team_id = EXCLUDED.team_id,
			enterprise_id = EXCLUDED.enterprise_id,
			bot_user_id = EXCLUDED.bot_user_id,
			bot_token_enc = EXCLUDED.bot_token_enc,
			user_token_enc = EXCLUDED.user_token_enc,
			scopes = EXCLUDED.scopes,
			installed_at = NOW()`,
		inst.UserID, inst.TeamID, inst.EnterpriseID, inst.BotUserID, botEnc, userEnc, inst.Scopes,
	)
	if err != nil {
		return fmt.Errorf("save installation %s: %w", inst.UserID, err)
	}

	if err := s.users.Ensure(ctx, inst.UserID); err != nil {
		return err
	}
	return s.users.UpdateFields(ctx, inst.UserID, map[string]any{"reauth_notified": false})
}

// Find returns the grant with decrypted tokens, or (nil, nil) when the
// user never installed.
func (s *InstallationStore) Find(ctx context.Context, userID string) (*models.Installation, error) {
	var inst models.Installation
	var botEnc, userEnc string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT user_id, team_id, enterprise_id, bot_user_id, bot_token_enc, user_token_enc, scopes, installed_at
		 FROM slack_installations WHERE user_id = $1`,
		userID,
	).Scan(&inst.UserID, &inst.TeamID, &inst.EnterpriseID, &inst.BotUserID, &botEnc, &userEnc, &inst.Scopes, &inst.InstalledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find installation %s: %w", userID, err)
	}

	if inst.BotToken, err = security.Decrypt(botEnc, s.key); err != nil {
		return nil, fmt.Errorf("decrypt bot token for %s: %w", userID, err)
	}
	if inst.UserToken, err = security.Decrypt(userEnc, s.key); err != nil {
		return nil, fmt.Errorf("decrypt user token for %s: %w", userID, err)
	}
	return &inst, nil
}

// Delete removes the grant and the profile, purging the user from the
// reconciliation pool.
func (s *InstallationStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.Pool.Exec(ctx,
		`DELETE FROM slack_installations WHERE user_id = $1`, userID,
	); err != nil {
		return fmt.Errorf("delete installation %s: %w", userID, err)
	}
	return s.users.Delete(ctx, userID)
}

// DeleteByTeam purges every grant and profile belonging to a
// workspace, used when the app is uninstalled from it.
func (s *InstallationStore) DeleteByTeam(ctx context.Context, teamID string) (int, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT user_id FROM slack_installations WHERE team_id = $1`, teamID)
	if err != nil {
		return 0, fmt.Errorf("list installations for team %s: %w", teamID, err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range userIDs {
		if err := s.Delete(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
