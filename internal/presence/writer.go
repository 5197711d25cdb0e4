package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"presence-mirror/internal/metrics"
	"presence-mirror/internal/models"
	"presence-mirror/internal/pictures"
	"presence-mirror/internal/slack"
)

// Platform is the slice of the chat platform client the engine uses.
type Platform interface {
	CheckToken(ctx context.Context, token string) bool
	GetProfile(ctx context.Context, token, userID string) (slack.Profile, error)
	SetStatus(ctx context.Context, token, userID, text, emoji string, expiration int64) error
	SetPhoto(ctx context.Context, token string, image []byte) error
	PostMessage(ctx context.Context, token, channel, text string, opts ...slack.MessageOption) error
	UserInfo(ctx context.Context, token, userID string) (name, image string, err error)
}

// ProfileWriter is the slice of the user store the writer needs to
// persist engine-owned cached state.
type ProfileWriter interface {
	UpdateFields(ctx context.Context, userID string, fields map[string]any) error
}

// PictureLibrary resolves a picture URL to upload-ready bytes.
type PictureLibrary interface {
	Get(ctx context.Context, imgURL string) ([]byte, error)
}

// Writer applies a computed presence to the platform. Status writes
// are idempotent against the platform's currently visible state;
// picture writes are idempotent against the locally cached applied
// category only, because the platform offers no cheap way to compare
// the current photo.
type Writer struct {
	slack      Platform
	users      ProfileWriter
	pics       PictureLibrary
	logChannel string
	log        *slog.Logger
}

func NewWriter(platform Platform, users ProfileWriter, pics PictureLibrary, logChannel string, log *slog.Logger) *Writer {
	return &Writer{
		slack:      platform,
		users:      users,
		pics:       pics,
		logChannel: logChannel,
		log:        log,
	}
}

// ApplyStatus writes status text and emoji. Before writing it re-reads
// the currently visible status and backs off when the emoji shown is
// not one of this engine's known emojis for the user: that status was
// set manually through the platform UI and must not be clobbered.
func (w *Writer) ApplyStatus(ctx context.Context, inst *models.Installation, user *models.UserProfile, text, emoji string) error {
	current, err := w.slack.GetProfile(ctx, inst.UserToken, user.UserID)
	if err != nil {
		return fmt.Errorf("read current status: %w", err)
	}

	if current.StatusEmoji != "" && !knownEmoji(user, current.StatusEmoji) {
		w.log.Debug("status_set_manually", "user_id", user.UserID, "emoji", current.StatusEmoji)
		return nil
	}

	if current.StatusText != text || current.StatusEmoji != emoji {
		if err := w.slack.SetStatus(ctx, inst.UserToken, user.UserID, text, emoji, 0); err != nil {
			return fmt.Errorf("set status: %w", err)
		}
		metrics.StatusWritesTotal.Inc()
		w.log.Info("status_applied", "user_id", user.UserID, "text", text, "emoji", emoji)
	}

	// Remember what the engine applied regardless of whether the
	// remote already matched, so the next tick's local comparison
	// suppresses the whole call.
	if user.LastStatusText != text || user.LastStatusEmoji != emoji {
		if err := w.users.UpdateFields(ctx, user.UserID, map[string]any{
			"last_status_text":  text,
			"last_status_emoji": emoji,
		}); err != nil {
			return err
		}
		user.LastStatusText = text
		user.LastStatusEmoji = emoji
	}
	return nil
}

// ApplyPicture switches the profile picture to the category's image.
// A no-op when the category is already applied or the user configured
// no image for it. The applied category is persisted before the upload
// is attempted; label caching and remote application are deliberately
// decoupled the same way.
func (w *Writer) ApplyPicture(ctx context.Context, inst *models.Installation, user *models.UserProfile, cat models.PictureCategory) error {
	if user.AppliedPicture == cat {
		return nil
	}
	imgURL := user.PictureURL(cat)
	if imgURL == "" {
		return nil
	}

	if err := w.users.UpdateFields(ctx, user.UserID, map[string]any{
		"applied_pfp": string(cat),
	}); err != nil {
		return err
	}
	user.AppliedPicture = cat

	data, err := w.pics.Get(ctx, imgURL)
	if errors.Is(err, pictures.ErrNotImage) {
		// A broken image URL is the user's to fix; tell them once per
		// transition and carry on.
		w.notify(ctx, inst, user.UserID, fmt.Sprintf(
			"The image URL configured for your %s picture appears to be invalid. Please supply a correct image URL in the app settings.", cat))
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch %s picture: %w", cat, err)
	}

	if err := w.slack.SetPhoto(ctx, inst.UserToken, data); err != nil {
		return fmt.Errorf("set photo: %w", err)
	}
	metrics.PhotoWritesTotal.Inc()
	w.log.Info("picture_applied", "user_id", user.UserID, "category", string(cat))
	return nil
}

// Announce posts an activity transition to the log channel, styled as
// the member via their display name and avatar. Best effort: failures
// are logged, never propagated, and nothing happens when no log
// channel is configured.
func (w *Writer) Announce(ctx context.Context, inst *models.Installation, user *models.UserProfile, message string) {
	if w.logChannel == "" || message == "" {
		return
	}

	name, icon, err := w.slack.UserInfo(ctx, inst.BotToken, user.UserID)
	if err != nil {
		w.log.Warn("announce_user_info_failed", "user_id", user.UserID, "error", err)
	}
	if err := w.slack.PostMessage(ctx, inst.BotToken, w.logChannel, message, slack.AsUser(name, icon)); err != nil {
		w.log.Warn("announce_failed", "user_id", user.UserID, "error", err)
	}
}

// NotifyReauthRequired sends the one-shot "please re-authenticate" DM.
// The notified flag stays set until the user re-authorizes, so an
// invalid token does not DM the user every tick.
func (w *Writer) NotifyReauthRequired(ctx context.Context, inst *models.Installation, user *models.UserProfile) {
	if user.ReauthNotified {
		return
	}
	w.notify(ctx, inst, user.UserID,
		"Your authorization is no longer valid. Please re-authenticate with the app to keep your presence in sync.")
	if err := w.users.UpdateFields(ctx, user.UserID, map[string]any{
		"reauth_notified": true,
	}); err != nil {
		w.log.Warn("reauth_flag_store_failed", "user_id", user.UserID, "error", err)
		return
	}
	user.ReauthNotified = true
}

func (w *Writer) notify(ctx context.Context, inst *models.Installation, userID, text string) {
	if err := w.slack.PostMessage(ctx, inst.BotToken, userID, text); err != nil {
		w.log.Warn("user_notify_failed", "user_id", userID, "error", err)
	}
}

func knownEmoji(user *models.UserProfile, emoji string) bool {
	for _, e := range user.KnownEmojis() {
		if e == emoji {
			return true
		}
	}
	return false
}
