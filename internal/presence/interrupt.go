package presence

import (
	"context"
	"fmt"

	"presence-mirror/internal/models"
)

// The interrupt state machine has two states per user, Idle and
// Interrupted, persisted as the in_huddle flag. It is driven by the
// platform's huddle event and consulted by the scheduled tick: while
// Interrupted the tick leaves the user's presence alone, and the
// transition back to Idle forces exactly one reconciliation pass so
// the service-derived (or default) presence is restored.

// HandleHuddleChanged applies a huddle state transition for one user.
// Safe to call concurrently with ticks; it takes the same per-user
// lock.
func (e *Engine) HandleHuddleChanged(ctx context.Context, userID string, inHuddle bool) error {
	unlock := e.locks.lock(userID)
	defer unlock()

	user, err := e.users.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user %s: %w", userID, err)
	}
	if user == nil || !user.Enabled {
		return nil
	}
	if user.InHuddle == inHuddle {
		// Already in the reported state; the platform re-delivers.
		return nil
	}

	inst, err := e.installs.Find(ctx, userID)
	if err != nil {
		return fmt.Errorf("load installation %s: %w", userID, err)
	}
	if inst == nil {
		return nil
	}

	if inHuddle {
		return e.enterInterrupted(ctx, inst, user)
	}
	return e.exitInterrupted(ctx, inst, user)
}

// enterInterrupted records the state first, so a tick that is waiting
// on the lock sees the flag and skips, then applies the interrupt
// presence immediately without waiting for the schedule.
func (e *Engine) enterInterrupted(ctx context.Context, inst *models.Installation, user *models.UserProfile) error {
	if err := e.users.UpdateFields(ctx, user.UserID, map[string]any{"in_huddle": true}); err != nil {
		return err
	}
	user.InHuddle = true
	e.log.Info("interrupt_entered", "user_id", user.UserID)

	cmd := HuddleCommand(user)

	// The status line only switches when the user picked their own
	// huddle emoji; with the stock emoji the platform's native huddle
	// indicator is already enough.
	if user.HuddleEmoji != "" && user.HuddleEmoji != models.DefaultHuddleEmoji {
		if err := e.writer.ApplyStatus(ctx, inst, user, cmd.Text, cmd.Emoji); err != nil {
			return err
		}
	}

	return e.writer.ApplyPicture(ctx, inst, user, cmd.Picture)
}

// exitInterrupted clears the flag and runs the single forced
// reconciliation pass that restores resolver output or the default.
func (e *Engine) exitInterrupted(ctx context.Context, inst *models.Installation, user *models.UserProfile) error {
	if err := e.users.UpdateFields(ctx, user.UserID, map[string]any{"in_huddle": false}); err != nil {
		return err
	}
	user.InHuddle = false
	e.log.Info("interrupt_cleared", "user_id", user.UserID)

	return e.reconcileLocked(ctx, inst, user, true)
}

// SetEnabled moves a user in or out of the reconciliation pool.
// Disabling clears the mirrored status once and restores the default
// picture, so the user is not left wearing a stale presence; enabling
// runs an immediate reconcile instead of waiting for the next tick.
func (e *Engine) SetEnabled(ctx context.Context, userID string, enabled bool) error {
	unlock := e.locks.lock(userID)
	defer unlock()

	user, err := e.users.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user %s: %w", userID, err)
	}
	if user == nil {
		return fmt.Errorf("unknown user %s", userID)
	}
	if user.Enabled == enabled {
		return nil
	}

	if err := e.users.UpdateFields(ctx, userID, map[string]any{"enabled": enabled}); err != nil {
		return err
	}
	user.Enabled = enabled
	e.log.Info("user_enabled_changed", "user_id", userID, "enabled", enabled)

	inst, err := e.installs.Find(ctx, userID)
	if err != nil {
		return fmt.Errorf("load installation %s: %w", userID, err)
	}
	if inst == nil {
		return nil
	}

	if enabled {
		return e.reconcileLocked(ctx, inst, user, true)
	}

	if err := e.writer.ApplyStatus(ctx, inst, user, "", ""); err != nil {
		return err
	}
	return e.writer.ApplyPicture(ctx, inst, user, models.PictureDefault)
}
