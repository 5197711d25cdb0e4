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

const steamBaseURL = "https://api.steampowered.com"

// SteamSource reads the player summary for the configured Steam ID and
// reports the game currently being played, if any.
type SteamSource struct {
	store   LabelStore
	http    *http.Client
	log     *slog.Logger
	baseURL string
}

func NewSteamSource(store LabelStore, httpClient *http.Client, log *slog.Logger) *SteamSource {
	return &SteamSource{store: store, http: httpClient, log: log, baseURL: steamBaseURL}
}

func (s *SteamSource) Name() string  { return "steam" }
func (s *SteamSource) Priority() int { return 0 }

type steamPlayerSummary struct {
	Response struct {
		Players []struct {
			PersonaName   string `json:"personaname"`
			GameExtraInfo string `json:"gameextrainfo"`
			GameID        string `json:"gameid"`
		} `json:"players"`
	} `json:"response"`
}

func (s *SteamSource) Fetch(ctx context.Context, user *models.UserProfile) models.Activity {
	act := models.Activity{Service: s.Name()}

	if user.SteamAPIKey == "" || user.SteamID == "" {
		clearLabel(ctx, s.store, s.log, user.UserID, "current_game", user.CurrentGame)
		return act
	}

	endpoint := fmt.Sprintf("%s/ISteamUser/GetPlayerSummaries/v2/?key=%s&format=json&steamids=%s",
		s.baseURL, url.QueryEscape(user.SteamAPIKey), url.QueryEscape(user.SteamID))

	var summary steamPlayerSummary
	if err := getJSON(ctx, s.http, endpoint, nil, &summary); err != nil {
		metrics.AdapterFailuresTotal.WithLabelValues(s.Name()).Inc()
		s.log.Debug("steam_fetch_failed", "user_id", user.UserID, "error", err)
		clearLabel(ctx, s.store, s.log, user.UserID, "current_game", user.CurrentGame)
		return act
	}

	players := summary.Response.Players
	if len(players) == 0 || players[0].GameExtraInfo == "" {
		clearLabel(ctx, s.store, s.log, user.UserID, "current_game", user.CurrentGame)
		return act
	}

	p := players[0]
	act.Present = true
	act.Label = p.GameExtraInfo

	if user.CurrentGame != act.Label {
		act.Changed = true
		act.Message = fmt.Sprintf("<https://steamcommunity.com/profiles/%s|%s> is playing <https://store.steampowered.com/app/%s|*%s*>",
			user.SteamID, p.PersonaName, p.GameID, p.GameExtraInfo)
		rememberLabel(ctx, s.store, s.log, user.UserID, "current_game", act.Label)
	}
	return act
}

func (s *SteamSource) Command(user *models.UserProfile, label string) models.PresenceCommand {
	return models.PresenceCommand{
		Text:    fmt.Sprintf("Playing %s via Steam", label),
		Emoji:   user.GamingEmojiOrDefault(),
		Picture: models.PictureGaming,
	}
}
