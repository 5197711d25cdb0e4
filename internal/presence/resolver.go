// Package presence contains the status reconciliation engine: the
// precedence resolver, the interrupt state machine, the remote
// presence writer and the tick orchestrator that composes them.
package presence

import (
	"unicode/utf8"

	"presence-mirror/internal/models"
	"presence-mirror/internal/slack"
)

// CommandSource is the part of a service adapter the resolver needs:
// given the winning label, build the presence to show.
type CommandSource interface {
	Name() string
	Command(user *models.UserProfile, label string) models.PresenceCommand
}

// SourceResult pairs an adapter with the activity it reported this
// tick. The slice passed to Resolve must already be in priority order.
type SourceResult struct {
	Source   CommandSource
	Activity models.Activity
}

// Resolve picks at most one winning activity: the first present one in
// priority order. Only one status line is ever shown; activities are
// never merged. The second return is false when no service reported
// activity, which means "restore the default presence".
func Resolve(user *models.UserProfile, results []SourceResult) (models.PresenceCommand, bool) {
	for _, r := range results {
		if !r.Activity.Present {
			continue
		}
		cmd := r.Source.Command(user, r.Activity.Label)
		cmd.Text = truncate(cmd.Text, slack.StatusTextLimit)
		return cmd, true
	}
	return models.PresenceCommand{}, false
}

// DefaultCommand clears the custom status and restores the default
// picture.
func DefaultCommand() models.PresenceCommand {
	return models.PresenceCommand{Picture: models.PictureDefault}
}

// HuddleCommand is the presence applied while the user is in a call.
func HuddleCommand(user *models.UserProfile) models.PresenceCommand {
	return models.PresenceCommand{
		Text:    "In a huddle",
		Emoji:   user.HuddleEmojiOrDefault(),
		Picture: models.PictureHuddle,
	}
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
