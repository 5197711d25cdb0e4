package models

import "time"

// PictureCategory names one of the profile pictures a user can
// configure. At most one category is applied at any time.
type PictureCategory string

const (
	PictureDefault PictureCategory = "default"
	PictureMusic   PictureCategory = "music"
	PictureFilm    PictureCategory = "film"
	PictureGaming  PictureCategory = "gaming"
	PictureHuddle  PictureCategory = "huddle"
)

// Emoji defaults used when the user has not configured an override.
const (
	DefaultMusicEmoji   = ":musical_note:"
	DefaultFilmEmoji    = ":tv:"
	DefaultGamingEmoji  = ":video_game:"
	DefaultConsoleEmoji = ":joystick:"
	DefaultHuddleEmoji  = ":headphones:"
)

// UserProfile is one end user's settings plus the engine-owned cached
// state. Credentials with an empty field disable that service for the
// user.
type UserProfile struct {
	UserID  string    `json:"user_id"`
	Enabled bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`

	// Steam
	SteamID     string `json:"steam_id,omitempty"`
	SteamAPIKey string `json:"steam_api_key,omitempty"`

	// Nintendo Switch friend network
	SwitchFriendCode string `json:"switch_friend_code,omitempty"`
	SwitchNSAID      string `json:"switch_nsa_id,omitempty"`

	// Jellyfin
	JellyfinURL      string `json:"jellyfin_url,omitempty"`
	JellyfinAPIKey   string `json:"jellyfin_api_key,omitempty"`
	JellyfinUsername string `json:"jellyfin_username,omitempty"`

	// Last.fm
	LastfmUsername string `json:"lastfm_username,omitempty"`
	LastfmAPIKey   string `json:"lastfm_api_key,omitempty"`

	// Presentation preferences.
	MusicEmoji   string `json:"music_emoji,omitempty"`
	FilmEmoji    string `json:"film_emoji,omitempty"`
	GamingEmoji  string `json:"gaming_emoji,omitempty"`
	ConsoleEmoji string `json:"console_emoji,omitempty"`
	HuddleEmoji  string `json:"huddle_emoji,omitempty"`

	DefaultPicture string `json:"default_pfp,omitempty"`
	MusicPicture   string `json:"music_pfp,omitempty"`
	FilmPicture    string `json:"film_pfp,omitempty"`
	GamingPicture  string `json:"gaming_pfp,omitempty"`
	HuddlePicture  string `json:"huddle_pfp,omitempty"`

	// Engine-owned cached state. Not user editable.
	CurrentGame        string          `json:"current_game,omitempty"`
	CurrentConsoleGame string          `json:"current_console_game,omitempty"`
	CurrentMedia       string          `json:"current_media,omitempty"`
	CurrentTrack       string          `json:"current_track,omitempty"`
	AppliedPicture     PictureCategory `json:"applied_pfp"`
	LastStatusText     string          `json:"last_status_text,omitempty"`
	LastStatusEmoji    string          `json:"last_status_emoji,omitempty"`
	InHuddle           bool            `json:"in_huddle"`
	ReauthNotified     bool            `json:"reauth_notified"`
}

// MusicEmojiOrDefault and friends resolve the emoji actually shown for
// a category.
func (u *UserProfile) MusicEmojiOrDefault() string {
	return orDefault(u.MusicEmoji, DefaultMusicEmoji)
}

func (u *UserProfile) FilmEmojiOrDefault() string {
	return orDefault(u.FilmEmoji, DefaultFilmEmoji)
}

func (u *UserProfile) GamingEmojiOrDefault() string {
	return orDefault(u.GamingEmoji, DefaultGamingEmoji)
}

func (u *UserProfile) ConsoleEmojiOrDefault() string {
	return orDefault(u.ConsoleEmoji, DefaultConsoleEmoji)
}

func (u *UserProfile) HuddleEmojiOrDefault() string {
	return orDefault(u.HuddleEmoji, DefaultHuddleEmoji)
}

// KnownEmojis returns every emoji this engine may have written for the
// user. The presence writer only overwrites a status whose emoji is in
// this set, so a status set manually in the Slack UI is left alone.
func (u *UserProfile) KnownEmojis() []string {
	return []string{
		u.MusicEmojiOrDefault(),
		u.FilmEmojiOrDefault(),
		u.GamingEmojiOrDefault(),
		u.ConsoleEmojiOrDefault(),
		u.HuddleEmojiOrDefault(),
	}
}

// PictureURL returns the configured image URL for a category, empty if
// the user never supplied one.
func (u *UserProfile) PictureURL(cat PictureCategory) string {
	switch cat {
	case PictureMusic:
		return u.MusicPicture
	case PictureFilm:
		return u.FilmPicture
	case PictureGaming:
		return u.GamingPicture
	case PictureHuddle:
		return u.HuddlePicture
	default:
		return u.DefaultPicture
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Activity is the normalized result of one service adapter for one
// user in one tick.
type Activity struct {
	Service string `json:"service"`
	Present bool   `json:"present"`
	Label   string `json:"label,omitempty"`

	// Changed is set when Label differs from the label cached on the
	// previous tick. Engine-internal signal only.
	Changed bool `json:"changed,omitempty"`

	// Message is the formatted announcement for a changed transition,
	// posted once to the log channel.
	Message string `json:"message,omitempty"`
}

// PresenceCommand is the presence the engine decided to show. The zero
// Text/Emoji pair means "clear the custom status".
type PresenceCommand struct {
	Text    string          `json:"text"`
	Emoji   string          `json:"emoji"`
	Picture PictureCategory `json:"picture"`
}

// Installation holds the Slack OAuth grant for one user.
type Installation struct {
	UserID       string    `json:"user_id"`
	TeamID       string    `json:"team_id"`
	EnterpriseID string    `json:"enterprise_id,omitempty"`
	BotUserID    string    `json:"bot_user_id,omitempty"`
	BotToken     string    `json:"-"`
	UserToken    string    `json:"-"`
	Scopes       string    `json:"scopes,omitempty"`
	InstalledAt  time.Time `json:"installed_at"`
}
