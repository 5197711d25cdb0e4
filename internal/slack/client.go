package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://slack.com/api"

// Slack truncates status text at 100 characters; the resolver clips
// labels to this before building a command.
const StatusTextLimit = 100

var (
	// ErrInvalidAuth covers the Slack error codes that mean the token
	// can no longer be used for writes.
	ErrInvalidAuth = errors.New("slack: invalid auth")

	// ErrUnavailable is returned when the circuit breaker is open or
	// the platform could not be reached.
	ErrUnavailable = errors.New("slack: unavailable")
)

// APIError is a non-auth Slack error response ({"ok":false,...}).
type APIError struct {
	Code string
}

func (e *APIError) Error() string {
	return "slack: " + e.Code
}

// Client is a thin Web API client. Tokens are passed per call because
// the app acts on behalf of many users, each with their own grant.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	breaker *CircuitBreaker
	log     *slog.Logger
}

type Option func(*Client)

// WithBaseURL points the client at a test server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func NewClient(log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL: defaultBaseURL,
		http:    NewHTTPClient(),
		// users.profile.set is a Tier 3 method (~50/min); keep a
		// burst for fan-out at tick start.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		breaker: NewCircuitBreaker(),
		log:     log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Profile is the subset of a Slack profile the engine reads back.
type Profile struct {
	StatusText  string `json:"status_text"`
	StatusEmoji string `json:"status_emoji"`
	DisplayName string `json:"display_name"`
	RealName    string `json:"real_name"`
	Image512    string `json:"image_512"`
}

type apiEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func isAuthError(code string) bool {
	switch code {
	case "invalid_auth", "token_revoked", "token_expired", "account_inactive", "not_authed", "no_permission":
		return true
	}
	return false
}

// call performs one Web API request and decodes the envelope into out
// (which must embed, or at least include, the ok/error fields).
func (c *Client) call(ctx context.Context, method, token string, contentType string, body io.Reader, out any) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("%w: circuit %s", ErrUnavailable, c.breaker.StateString())
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}

	var env apiEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: %s: malformed response", ErrUnavailable, method)
	}

	if !env.OK {
		// An API-level error still means the platform is reachable.
		c.breaker.RecordSuccess()
		if isAuthError(env.Error) {
			return fmt.Errorf("%w: %s", ErrInvalidAuth, env.Error)
		}
		return &APIError{Code: env.Error}
	}
	c.breaker.RecordSuccess()

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", method, err)
		}
	}
	return nil
}

func (c *Client) callJSON(ctx context.Context, method, token string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.call(ctx, method, token, "application/json; charset=utf-8", bytes.NewReader(body), out)
}

func (c *Client) callForm(ctx context.Context, method, token string, form url.Values, out any) error {
	return c.call(ctx, method, token, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), out)
}

// CheckToken reports whether the write-side token is still valid.
// Unreachable platform counts as invalid for this tick; the caller
// does not retry.
func (c *Client) CheckToken(ctx context.Context, token string) bool {
	err := c.callForm(ctx, "auth.test", token, url.Values{}, nil)
	return err == nil
}

// GetProfile reads the currently visible status for a user.
func (c *Client) GetProfile(ctx context.Context, token, userID string) (Profile, error) {
	var out struct {
		apiEnvelope
		Profile Profile `json:"profile"`
	}
	form := url.Values{"user": {userID}}
	if err := c.callForm(ctx, "users.profile.get", token, form, &out); err != nil {
		return Profile{}, err
	}
	return out.Profile, nil
}

// SetStatus writes status text and emoji. Empty text and emoji clear
// the custom status.
func (c *Client) SetStatus(ctx context.Context, token, userID, text, emoji string, expiration int64) error {
	payload := map[string]any{
		"user": userID,
		"profile": map[string]any{
			"status_text":       text,
			"status_emoji":      emoji,
			"status_expiration": expiration,
		},
	}
	return c.callJSON(ctx, "users.profile.set", token, payload, nil)
}

// SetPhoto replaces the user's profile picture.
func (c *Client) SetPhoto(ctx context.Context, token string, image []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", "profile.png")
	if err != nil {
		return err
	}
	if _, err := part.Write(image); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.call(ctx, "users.setPhoto", token, w.FormDataContentType(), &buf, nil)
}

// MessageOption tweaks PostMessage.
type MessageOption func(map[string]any)

// AsUser posts with a custom display name and avatar (chat:write.customize).
func AsUser(username, iconURL string) MessageOption {
	return func(m map[string]any) {
		if username != "" {
			m["username"] = username
		}
		if iconURL != "" {
			m["icon_url"] = iconURL
		}
	}
}

// PostMessage sends a message to a channel or user DM.
func (c *Client) PostMessage(ctx context.Context, token, channel, text string, opts ...MessageOption) error {
	payload := map[string]any{
		"channel":      channel,
		"text":         text,
		"unfurl_links": false,
	}
	for _, opt := range opts {
		opt(payload)
	}
	return c.callJSON(ctx, "chat.postMessage", token, payload, nil)
}

// UserInfo returns the member's display name and avatar, used when
// announcing activity changes to the log channel.
func (c *Client) UserInfo(ctx context.Context, token, userID string) (name, image string, err error) {
	var out struct {
		apiEnvelope
		User struct {
			Name     string  `json:"name"`
			RealName string  `json:"real_name"`
			Profile  Profile `json:"profile"`
		} `json:"user"`
	}
	form := url.Values{"user": {userID}}
	if err := c.callForm(ctx, "users.info", token, form, &out); err != nil {
		return "", "", err
	}
	name = out.User.Profile.DisplayName
	if name == "" {
		name = out.User.RealName
	}
	if name == "" {
		name = out.User.Name
	}
	return name, out.User.Profile.Image512, nil
}

// OAuthGrant is the result of exchanging an OAuth code.
type OAuthGrant struct {
	BotToken     string
	BotUserID    string
	TeamID       string
	EnterpriseID string
	UserID       string
	UserToken    string
	UserScopes   string
}

// ExchangeOAuthCode completes the oauth.v2.access handshake.
func (c *Client) ExchangeOAuthCode(ctx context.Context, clientID, clientSecret, code, redirectURI string) (*OAuthGrant, error) {
	form := url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"code":          {code},
	}
	if redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}

	var out struct {
		apiEnvelope
		AccessToken string `json:"access_token"`
		BotUserID   string `json:"bot_user_id"`
		Team        struct {
			ID string `json:"id"`
		} `json:"team"`
		Enterprise struct {
			ID string `json:"id"`
		} `json:"enterprise"`
		AuthedUser struct {
			ID          string `json:"id"`
			AccessToken string `json:"access_token"`
			Scope       string `json:"scope"`
		} `json:"authed_user"`
	}
	if err := c.callForm(ctx, "oauth.v2.access", "", form, &out); err != nil {
		return nil, err
	}

	return &OAuthGrant{
		BotToken:     out.AccessToken,
		BotUserID:    out.BotUserID,
		TeamID:       out.Team.ID,
		EnterpriseID: out.Enterprise.ID,
		UserID:       out.AuthedUser.ID,
		UserToken:    out.AuthedUser.AccessToken,
		UserScopes:   out.AuthedUser.Scope,
	}, nil
}

// OpenSocketModeURL requests a fresh Socket Mode websocket URL using
// the app-level token.
func (c *Client) OpenSocketModeURL(ctx context.Context, appToken string) (string, error) {
	var out struct {
		apiEnvelope
		URL string `json:"url"`
	}
	if err := c.callForm(ctx, "apps.connections.open", appToken, url.Values{}, &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", errors.New("apps.connections.open: empty url")
	}
	return out.URL, nil
}
