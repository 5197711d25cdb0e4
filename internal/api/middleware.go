package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// maxEventBody caps the events payload; Slack event callbacks are small.
const maxEventBody = 1 << 20

// signatureSkew is the maximum accepted clock drift on the signed
// timestamp, matching the replay window Slack documents.
const signatureSkew = 5 * time.Minute

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		clientIP := c.ClientIP()

		s.log.Info("http_request",
			"method", method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"client_ip", clientIP,
		)
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"code":    "rate_limited",
					"message": "too many requests",
				},
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// adminAuthMiddleware guards operator routes with a shared key. The
// routes are effectively disabled when ADMIN_KEY is not configured.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.TrimSpace(s.cfg.AdminKey) == "" {
			c.JSON(http.StatusNotFound, gin.H{
				"error": gin.H{"code": "not_found", "message": "admin routes disabled"},
			})
			c.Abort()
			return
		}

		key := strings.TrimSpace(c.GetHeader("X-Admin-Key"))
		if key == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "unauthorized", "message": "missing admin key (use X-Admin-Key header)"},
			})
			c.Abort()
			return
		}

		// constant time compare to avoid timing leaks
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminKey)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{
				"error": gin.H{"code": "forbidden", "message": "invalid admin key"},
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// verifySignatureMiddleware authenticates inbound event callbacks with
// the v0 signing scheme: HMAC-SHA256 over "v0:{timestamp}:{body}" keyed
// on the signing secret. The raw body is restored for the handler.
func (s *Server) verifySignatureMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"code": "bad_request", "message": "unreadable body"},
			})
			c.Abort()
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		ts := c.GetHeader("X-Slack-Request-Timestamp")
		sig := c.GetHeader("X-Slack-Signature")
		if !s.validSignature(ts, sig, body) {
			s.log.Warn("event_signature_rejected", "client_ip", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"code": "invalid_signature", "message": "signature verification failed"},
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) validSignature(ts, sig string, body []byte) bool {
	if ts == "" || sig == "" {
		return false
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	drift := time.Since(time.Unix(unix, 0))
	if drift > signatureSkew || drift < -signatureSkew {
		return false
	}

	mac := hmac.New(sha256.New, []byte(s.cfg.Slack.SigningSecret))
	mac.Write([]byte("v0:" + ts + ":"))
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(sig))
}
