package status

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"presence-mirror/internal/metrics"
	"presence-mirror/internal/models"
)

// JellyfinSource finds the user's active playback session on their own
// Jellyfin server. Only movies and episodes count as activity; music
// playback is the scrobbler's territory.
type JellyfinSource struct {
	store LabelStore
	http  *http.Client
	log   *slog.Logger
}

func NewJellyfinSource(store LabelStore, httpClient *http.Client, log *slog.Logger) *JellyfinSource {
	return &JellyfinSource{store: store, http: httpClient, log: log}
}

func (s *JellyfinSource) Name() string  { return "jellyfin" }
func (s *JellyfinSource) Priority() int { return 2 }

type jellyfinSession struct {
	UserName       string `json:"UserName"`
	NowPlayingItem *struct {
		Type         string `json:"Type"`
		Name         string `json:"Name"`
		SeriesName   string `json:"SeriesName"`
		PremiereDate string `json:"PremiereDate"`
		ExternalUrls []struct {
			Name string `json:"Name"`
			URL  string `json:"Url"`
		} `json:"ExternalUrls"`
	} `json:"NowPlayingItem"`
}

func (s *JellyfinSource) Fetch(ctx context.Context, user *models.UserProfile) models.Activity {
	act := models.Activity{Service: s.Name()}

	if user.JellyfinURL == "" || user.JellyfinAPIKey == "" || user.JellyfinUsername == "" {
		clearLabel(ctx, s.store, s.log, user.UserID, "current_media", user.CurrentMedia)
		return act
	}

	endpoint := strings.TrimRight(user.JellyfinURL, "/") + "/Sessions?active=true"
	headers := map[string]string{"X-Emby-Token": user.JellyfinAPIKey}

	var sessions []jellyfinSession
	if err := getJSON(ctx, s.http, endpoint, headers, &sessions); err != nil {
		metrics.AdapterFailuresTotal.WithLabelValues(s.Name()).Inc()
		s.log.Debug("jellyfin_fetch_failed", "user_id", user.UserID, "error", err)
		clearLabel(ctx, s.store, s.log, user.UserID, "current_media", user.CurrentMedia)
		return act
	}

	var playing *jellyfinSession
	for i := range sessions {
		if sessions[i].UserName == user.JellyfinUsername && sessions[i].NowPlayingItem != nil {
			playing = &sessions[i]
			break
		}
	}
	if playing == nil {
		clearLabel(ctx, s.store, s.log, user.UserID, "current_media", user.CurrentMedia)
		return act
	}

	item := playing.NowPlayingItem
	if item.Type != "Movie" && item.Type != "Episode" {
		clearLabel(ctx, s.store, s.log, user.UserID, "current_media", user.CurrentMedia)
		return act
	}

	title := item.Name
	if item.Type == "Episode" && item.SeriesName != "" {
		title = item.SeriesName + ": " + item.Name
	}
	if title == "" {
		clearLabel(ctx, s.store, s.log, user.UserID, "current_media", user.CurrentMedia)
		return act
	}

	year := ""
	if item.PremiereDate != "" {
		year = strings.SplitN(item.PremiereDate, "-", 2)[0]
	}

	label := title
	if year != "" {
		label = fmt.Sprintf("%s (%s)", title, year)
	}

	act.Present = true
	act.Label = label

	if user.CurrentMedia != label {
		act.Changed = true
		act.Message = s.changeMessage(user.JellyfinUsername, title, year, item.ExternalUrls)
		rememberLabel(ctx, s.store, s.log, user.UserID, "current_media", label)
	}
	return act
}

func (s *JellyfinSource) changeMessage(username, title, year string, urls []struct {
	Name string `json:"Name"`
	URL  string `json:"Url"`
}) string {
	imdb := ""
	for _, u := range urls {
		if u.Name == "IMDb" {
			imdb = u.URL
			break
		}
	}

	titlePart := "*" + title + "*"
	if imdb != "" {
		titlePart = fmt.Sprintf("<%s|*%s*>", imdb, title)
	}
	if year != "" {
		titlePart += " (" + year + ")"
	}
	return fmt.Sprintf("%s is watching %s", username, titlePart)
}

func (s *JellyfinSource) Command(user *models.UserProfile, label string) models.PresenceCommand {
	return models.PresenceCommand{
		Text:    fmt.Sprintf("Watching %s", label),
		Emoji:   user.FilmEmojiOrDefault(),
		Picture: models.PictureFilm,
	}
}
