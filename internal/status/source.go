// Package status holds the service adapters: one per upstream
// activity source, each normalizing the provider's response into an
// Activity and remembering the last label it saw per user.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"presence-mirror/internal/models"
)

// Per-call budget for one upstream fetch. A slow service burns its own
// budget, never the whole tick.
const fetchTimeout = 10 * time.Second

// LabelStore is the slice of the user store the adapters need to
// persist cached labels. Labels are written as soon as they are
// observed, independently of whether the remote presence write later
// succeeds.
type LabelStore interface {
	UpdateFields(ctx context.Context, userID string, fields map[string]any) error
}

// Source is one service adapter. Fetch is fail-open: upstream
// failures, malformed payloads and missing credentials all come back
// as a not-present Activity, never as an error.
type Source interface {
	Name() string

	// Priority orders conflict resolution; lower wins.
	Priority() int

	Fetch(ctx context.Context, user *models.UserProfile) models.Activity

	// Command builds the presence shown when this source's activity
	// wins resolution.
	Command(user *models.UserProfile, label string) models.PresenceCommand
}

// Registry holds the sources in fixed priority order.
type Registry struct {
	sources []Source
}

func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: append([]Source(nil), sources...)}
	sort.SliceStable(r.sources, func(i, j int) bool {
		return r.sources[i].Priority() < r.sources[j].Priority()
	})
	return r
}

// DefaultRegistry wires the production adapters. Precedence is fixed:
// Steam > Switch > Jellyfin > Last.fm.
func DefaultRegistry(store LabelStore, httpClient *http.Client, log *slog.Logger) *Registry {
	return NewRegistry(
		NewSteamSource(store, httpClient, log),
		NewSwitchSource(store, httpClient, log),
		NewJellyfinSource(store, httpClient, log),
		NewLastfmSource(store, httpClient, log),
	)
}

// Sources returns the adapters in priority order.
func (r *Registry) Sources() []Source {
	return r.sources
}

// getJSON performs a GET with the adapter fetch timeout and decodes
// the body. Any failure, including a non-2xx status or a body that is
// not the expected JSON, is returned for the caller to fail open on.
func getJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

// clearLabel drops a cached label so a removed or failing integration
// stops reporting phantom activity. Only writes when there is
// something to clear.
func clearLabel(ctx context.Context, store LabelStore, log *slog.Logger, userID, column, cached string) {
	if cached == "" {
		return
	}
	if err := store.UpdateFields(ctx, userID, map[string]any{column: ""}); err != nil {
		log.Warn("label_clear_failed", "user_id", userID, "column", column, "error", err)
	}
}

// rememberLabel persists the newly observed label immediately, so the
// next tick's change detection is correct even if this tick's remote
// write fails.
func rememberLabel(ctx context.Context, store LabelStore, log *slog.Logger, userID, column, label string) {
	if err := store.UpdateFields(ctx, userID, map[string]any{column: label}); err != nil {
		log.Warn("label_store_failed", "user_id", userID, "column", column, "error", err)
	}
}
