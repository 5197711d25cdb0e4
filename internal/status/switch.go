package status

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"presence-mirror/internal/metrics"
	"presence-mirror/internal/models"
)

// The presence relay exposes a friend's Nintendo Switch presence as
// plain JSON, keyed by the network service account ID obtained when
// the friend request was accepted during setup.
const switchBaseURL = "https://nxapi-presence.fancy.org.uk/api/presence"

// SwitchSource reports the game currently being played on the console
// friend network.
type SwitchSource struct {
	store   LabelStore
	http    *http.Client
	log     *slog.Logger
	baseURL string
}

func NewSwitchSource(store LabelStore, httpClient *http.Client, log *slog.Logger) *SwitchSource {
	return &SwitchSource{store: store, http: httpClient, log: log, baseURL: switchBaseURL}
}

func (s *SwitchSource) Name() string  { return "switch" }
func (s *SwitchSource) Priority() int { return 1 }

type switchPresence struct {
	State string `json:"state"`
	Game  struct {
		Name string `json:"name"`
	} `json:"game"`
}

func (s *SwitchSource) Fetch(ctx context.Context, user *models.UserProfile) models.Activity {
	act := models.Activity{Service: s.Name()}

	// The NSA ID is resolved from the friend code during setup; until
	// then the adapter is effectively unconfigured.
	if user.SwitchFriendCode == "" || user.SwitchNSAID == "" {
		clearLabel(ctx, s.store, s.log, user.UserID, "current_console_game", user.CurrentConsoleGame)
		return act
	}

	endpoint := fmt.Sprintf("%s/%s", s.baseURL, url.PathEscape(user.SwitchNSAID))

	var presence switchPresence
	if err := getJSON(ctx, s.http, endpoint, nil, &presence); err != nil {
		metrics.AdapterFailuresTotal.WithLabelValues(s.Name()).Inc()
		s.log.Debug("switch_fetch_failed", "user_id", user.UserID, "error", err)
		clearLabel(ctx, s.store, s.log, user.UserID, "current_console_game", user.CurrentConsoleGame)
		return act
	}

	if presence.State != "ONLINE" || presence.Game.Name == "" {
		clearLabel(ctx, s.store, s.log, user.UserID, "current_console_game", user.CurrentConsoleGame)
		return act
	}

	act.Present = true
	act.Label = presence.Game.Name

	if user.CurrentConsoleGame != act.Label {
		act.Changed = true
		act.Message = fmt.Sprintf("is playing *%s* on their Switch", presence.Game.Name)
		rememberLabel(ctx, s.store, s.log, user.UserID, "current_console_game", act.Label)
	}
	return act
}

func (s *SwitchSource) Command(user *models.UserProfile, label string) models.PresenceCommand {
	return models.PresenceCommand{
		Text:    fmt.Sprintf("Playing %s via Switch", label),
		Emoji:   user.ConsoleEmojiOrDefault(),
		Picture: models.PictureGaming,
	}
}
