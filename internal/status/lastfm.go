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

const lastfmBaseURL = "https://ws.audioscrobbler.com/2.0/"

// LastfmSource reports the track the user is scrobbling right now.
// Only a track flagged nowplaying counts; a recently finished track is
// not activity.
type LastfmSource struct {
	store   LabelStore
	http    *http.Client
	log     *slog.Logger
	baseURL string
}

func NewLastfmSource(store LabelStore, httpClient *http.Client, log *slog.Logger) *LastfmSource {
	return &LastfmSource{store: store, http: httpClient, log: log, baseURL: lastfmBaseURL}
}

func (s *LastfmSource) Name() string  { return "lastfm" }
func (s *LastfmSource) Priority() int { return 3 }

type lastfmRecentTracks struct {
	RecentTracks struct {
		Track []struct {
			Name   string `json:"name"`
			URL    string `json:"url"`
			Artist struct {
				Text string `json:"#text"`
			} `json:"artist"`
			Attr struct {
				NowPlaying string `json:"nowplaying"`
			} `json:"@attr"`
		} `json:"track"`
	} `json:"recenttracks"`
}

func (s *LastfmSource) Fetch(ctx context.Context, user *models.UserProfile) models.Activity {
	act := models.Activity{Service: s.Name()}

	if user.LastfmAPIKey == "" || user.LastfmUsername == "" {
		clearLabel(ctx, s.store, s.log, user.UserID, "current_track", user.CurrentTrack)
		return act
	}

	endpoint := fmt.Sprintf("%s?method=user.getrecenttracks&api_key=%s&format=json&limit=1&user=%s",
		s.baseURL, url.QueryEscape(user.LastfmAPIKey), url.QueryEscape(user.LastfmUsername))

	var recent lastfmRecentTracks
	if err := getJSON(ctx, s.http, endpoint, nil, &recent); err != nil {
		metrics.AdapterFailuresTotal.WithLabelValues(s.Name()).Inc()
		s.log.Debug("lastfm_fetch_failed", "user_id", user.UserID, "error", err)
		clearLabel(ctx, s.store, s.log, user.UserID, "current_track", user.CurrentTrack)
		return act
	}

	tracks := recent.RecentTracks.Track
	if len(tracks) == 0 || tracks[0].Attr.NowPlaying != "true" {
		clearLabel(ctx, s.store, s.log, user.UserID, "current_track", user.CurrentTrack)
		return act
	}

	t := tracks[0]
	act.Present = true
	act.Label = fmt.Sprintf("%s - %s", t.Name, t.Artist.Text)

	if user.CurrentTrack != act.Label {
		act.Changed = true
		act.Message = fmt.Sprintf("<https://last.fm/user/%s|%s> is listening to <%s|*%s*> by %s",
			user.LastfmUsername, user.LastfmUsername, t.URL, t.Name, t.Artist.Text)
		rememberLabel(ctx, s.store, s.log, user.UserID, "current_track", act.Label)
	}
	return act
}

func (s *LastfmSource) Command(user *models.UserProfile, label string) models.PresenceCommand {
	return models.PresenceCommand{
		Text:    label,
		Emoji:   user.MusicEmojiOrDefault(),
		Picture: models.PictureMusic,
	}
}
