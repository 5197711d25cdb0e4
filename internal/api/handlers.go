package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"presence-mirror/internal/models"
)

// Scopes requested during install. The bot posts change announcements
// and reads profiles; the user token carries the profile writes.
const (
	botScopes  = "chat:write,chat:write.customize,im:write,users:read,users.profile:read"
	userScopes = "users.profile:read,users.profile:write,users:read"
)

type eventCallback struct {
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	EventID   string          `json:"event_id"`
	TeamID    string          `json:"team_id"`
	Event     json.RawMessage `json:"event"`
}

// handleEvents terminates the events endpoint. Slack retries on slow
// responses, so the callback is acknowledged before the event is
// processed.
func (s *Server) handleEvents(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "bad_request", "message": "unreadable body"},
		})
		return
	}

	var cb eventCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "bad_request", "message": "malformed payload"},
		})
		return
	}

	switch cb.Type {
	case "url_verification":
		c.JSON(http.StatusOK, gin.H{"challenge": cb.Challenge})
	case "event_callback":
		var inner struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(cb.Event, &inner); err != nil || inner.Type == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": "bad_request", "message": "malformed event"},
			})
			return
		}

		go s.dispatch.Dispatch(context.Background(), cb.EventID, cb.TeamID, inner.Type, cb.Event)
		c.Status(http.StatusOK)
	default:
		c.Status(http.StatusOK)
	}
}

func (s *Server) handleInstall(c *gin.Context) {
	q := url.Values{
		"client_id":  {s.cfg.Slack.ClientID},
		"scope":      {botScopes},
		"user_scope": {userScopes},
	}
	if s.cfg.Slack.RedirectURL != "" {
		q.Set("redirect_uri", s.cfg.Slack.RedirectURL)
	}

	c.Redirect(http.StatusFound, "https://slack.com/oauth/v2/authorize?"+q.Encode())
}

func (s *Server) handleOAuthCallback(c *gin.Context) {
	if errParam := c.Query("error"); errParam != "" {
		c.String(http.StatusBadRequest, "installation cancelled: %s", errParam)
		return
	}

	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "bad_request", "message": "missing code"},
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	grant, err := s.slack.ExchangeOAuthCode(ctx, s.cfg.Slack.ClientID, s.cfg.Slack.ClientSecret, code, s.cfg.Slack.RedirectURL)
	if err != nil {
		s.log.Warn("oauth_exchange_failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{"code": "oauth_failed", "message": "code exchange failed"},
		})
		return
	}

	inst := models.Installation{
		UserID:       grant.UserID,
		TeamID:       grant.TeamID,
		EnterpriseID: grant.EnterpriseID,
		BotUserID:    grant.BotUserID,
		BotToken:     grant.BotToken,
		UserToken:    grant.UserToken,
		Scopes:       grant.UserScopes,
		InstalledAt:  time.Now().UTC(),
	}
	if err := s.installs.Save(ctx, inst); err != nil {
		s.log.Error("installation_save_failed", "user_id", grant.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "storage_error", "message": "could not persist installation"},
		})
		return
	}

	s.log.Info("installation_saved", "user_id", grant.UserID, "team_id", grant.TeamID)
	c.String(http.StatusOK, "All set. Your status will start mirroring on the next tick.")
}

// handleSetEnabled pauses or resumes mirroring for a user. Pausing
// clears the mirrored status so the workspace does not keep showing a
// frozen activity.
func (s *Server) handleSetEnabled(c *gin.Context) {
	userID := c.Param("user_id")

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"code": "bad_request", "message": "malformed payload"},
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	if err := s.dispatch.engine.SetEnabled(ctx, userID, req.Enabled); err != nil {
		s.log.Warn("set_enabled_failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "update_failed", "message": "could not update user"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": userID, "enabled": req.Enabled})
}
