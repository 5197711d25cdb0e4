package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"presence-mirror/internal/metrics"
	"presence-mirror/internal/presence"
	"presence-mirror/internal/redis"
	"presence-mirror/internal/store"
)

// Dispatcher routes platform events to the engine. The HTTP events
// endpoint and the Socket Mode connection both feed it, so handling
// is deduplicated on event_id.
type Dispatcher struct {
	log      *slog.Logger
	engine   *presence.Engine
	installs *store.InstallationStore
	dedup    *redis.EventDedup
}

func NewDispatcher(log *slog.Logger, engine *presence.Engine, installs *store.InstallationStore, dedup *redis.EventDedup) *Dispatcher {
	return &Dispatcher{log: log, engine: engine, installs: installs, dedup: dedup}
}

type huddleChangedEvent struct {
	User struct {
		ID      string `json:"id"`
		Profile struct {
			HuddleState string `json:"huddle_state"`
		} `json:"profile"`
	} `json:"user"`
}

type tokensRevokedEvent struct {
	Tokens struct {
		OAuth []string `json:"oauth"`
	} `json:"tokens"`
}

// Dispatch handles one event. Failures are contained here; an event
// handler error never propagates to the transport.
func (d *Dispatcher) Dispatch(ctx context.Context, eventID, teamID, eventType string, raw json.RawMessage) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if dup, err := d.dedup.Seen(ctx, eventID); err != nil {
		// Dedup store down: better to process twice than drop.
		d.log.Warn("event_dedup_failed", "event_id", eventID, "error", err)
	} else if dup {
		metrics.EventsTotal.WithLabelValues(eventType, "duplicate").Inc()
		return
	}

	switch eventType {
	case "user_huddle_changed":
		d.handleHuddleChanged(ctx, eventType, raw)
	case "tokens_revoked":
		d.handleTokensRevoked(ctx, eventType, raw)
	case "app_uninstalled":
		d.handleAppUninstalled(ctx, eventType, teamID)
	default:
		metrics.EventsTotal.WithLabelValues(eventType, "ignored").Inc()
		d.log.Debug("event_ignored", "type", eventType)
	}
}

func (d *Dispatcher) handleHuddleChanged(ctx context.Context, eventType string, raw json.RawMessage) {
	var ev huddleChangedEvent
	if err := json.Unmarshal(raw, &ev); err != nil || ev.User.ID == "" {
		metrics.EventsTotal.WithLabelValues(eventType, "ignored").Inc()
		d.log.Warn("huddle_event_malformed", "error", err)
		return
	}

	inHuddle := ev.User.Profile.HuddleState == "in_a_huddle"
	if err := d.engine.HandleHuddleChanged(ctx, ev.User.ID, inHuddle); err != nil {
		d.log.Warn("huddle_transition_failed", "user_id", ev.User.ID, "error", err)
	}
	metrics.EventsTotal.WithLabelValues(eventType, "handled").Inc()
}

// handleTokensRevoked purges de-authorized users from the pool.
func (d *Dispatcher) handleTokensRevoked(ctx context.Context, eventType string, raw json.RawMessage) {
	var ev tokensRevokedEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		metrics.EventsTotal.WithLabelValues(eventType, "ignored").Inc()
		d.log.Warn("tokens_revoked_malformed", "error", err)
		return
	}

	for _, userID := range ev.Tokens.OAuth {
		if err := d.installs.Delete(ctx, userID); err != nil {
			d.log.Warn("deauthorize_failed", "user_id", userID, "error", err)
			continue
		}
		d.log.Info("user_deauthorized", "user_id", userID)
	}
	metrics.EventsTotal.WithLabelValues(eventType, "handled").Inc()
}

// handleAppUninstalled removes every user of the workspace at once.
func (d *Dispatcher) handleAppUninstalled(ctx context.Context, eventType, teamID string) {
	if teamID == "" {
		metrics.EventsTotal.WithLabelValues(eventType, "ignored").Inc()
		d.log.Warn("app_uninstalled_without_team")
		return
	}

	removed, err := d.installs.DeleteByTeam(ctx, teamID)
	if err != nil {
		metrics.EventsTotal.WithLabelValues(eventType, "failed").Inc()
		d.log.Warn("team_purge_failed", "team_id", teamID, "error", err)
		return
	}
	d.log.Info("team_uninstalled", "team_id", teamID, "users_removed", removed)
	metrics.EventsTotal.WithLabelValues(eventType, "handled").Inc()
}
