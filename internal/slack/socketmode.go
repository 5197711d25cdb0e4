package slack

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// SocketMode maintains a Socket Mode connection and delivers Events
// API payloads to a callback. It is the no-public-URL alternative to
// the HTTP events endpoint; both feed the same dispatcher.
type SocketMode struct {
	client   *Client
	appToken string
	log      *slog.Logger

	// OnEvent receives each events_api payload after it was acked.
	OnEvent func(ctx context.Context, eventID, teamID, eventType string, event json.RawMessage)

	retry RetryConfig
}

func NewSocketMode(client *Client, appToken string, log *slog.Logger) *SocketMode {
	return &SocketMode{
		client:   client,
		appToken: appToken,
		log:      log,
		retry:    DefaultRetryConfig(),
	}
}

type envelope struct {
	EnvelopeID string          `json:"envelope_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

type eventsAPIPayload struct {
	EventID string          `json:"event_id"`
	TeamID  string          `json:"team_id"`
	Event   json.RawMessage `json:"event"`
}

type envelopeAck struct {
	EnvelopeID string `json:"envelope_id"`
}

// Run connects and reconnects until the context is cancelled.
func (sm *SocketMode) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		err := sm.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		attempt++
		backoff := CalculateBackoff(sm.retry, attempt)
		if err != nil {
			sm.log.Warn("socket_mode_disconnected", "error", err, "reconnect_in", backoff.String())
		} else {
			// Slack asked for a reconnect; no backoff escalation.
			attempt = 0
			backoff = time.Second
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}

// runOnce holds one websocket session. A nil return means Slack sent
// a disconnect envelope and wants a clean reconnect.
func (sm *SocketMode) runOnce(ctx context.Context) error {
	wssURL, err := sm.client.OpenSocketModeURL(ctx, sm.appToken)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wssURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Slack pings every few seconds; treat a silent minute as dead.
	const readTimeout = 60 * time.Second
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	// Close the socket when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	sm.log.Info("socket_mode_connected")

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			sm.log.Warn("socket_mode_bad_envelope", "error", err)
			continue
		}

		// Ack first: Slack redelivers unacked envelopes, and the
		// dispatcher dedupes on event_id anyway.
		if env.EnvelopeID != "" {
			if err := conn.WriteJSON(envelopeAck{EnvelopeID: env.EnvelopeID}); err != nil {
				return err
			}
		}

		switch env.Type {
		case "hello":
			continue
		case "disconnect":
			return nil
		case "events_api":
			sm.dispatch(ctx, env.Payload)
		default:
			sm.log.Debug("socket_mode_envelope_ignored", "type", env.Type)
		}
	}
}

func (sm *SocketMode) dispatch(ctx context.Context, payload json.RawMessage) {
	if sm.OnEvent == nil {
		return
	}

	var p eventsAPIPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		sm.log.Warn("socket_mode_bad_payload", "error", err)
		return
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(p.Event, &head); err != nil {
		sm.log.Warn("socket_mode_bad_event", "error", err)
		return
	}

	sm.OnEvent(ctx, p.EventID, p.TeamID, head.Type, p.Event)
}
