package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"presence-mirror/internal/logging"
	"presence-mirror/internal/metrics"
	"presence-mirror/internal/models"
	"presence-mirror/internal/status"
)

// Per-user pipeline budget inside one tick. Covers the credential
// check, all four adapter fetches and the remote writes.
const userPipelineTimeout = 45 * time.Second

// UserStore is the profile persistence the engine depends on.
type UserStore interface {
	Get(ctx context.Context, userID string) (*models.UserProfile, error)
	ListEnabled(ctx context.Context) ([]*models.UserProfile, error)
	UpdateFields(ctx context.Context, userID string, fields map[string]any) error
}

// InstallationSource resolves the platform tokens for a user.
type InstallationSource interface {
	Find(ctx context.Context, userID string) (*models.Installation, error)
}

// Config tunes the engine.
type Config struct {
	// Interval between reconciliation ticks.
	Interval time.Duration

	// Workers bounds how many user pipelines run concurrently inside
	// one tick.
	Workers int
}

// Engine is the reconciliation tick orchestrator. On every tick it
// walks the enabled users and drives each through the pipeline:
// credential gate, interrupt check, adapters, resolver, writer. Each
// user's pipeline is isolated; one user's failure never aborts the
// batch.
type Engine struct {
	cfg      Config
	users    UserStore
	installs InstallationSource
	sources  []status.Source
	slack    Platform
	writer   *Writer
	locks    userLocks
	log      *slog.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

func NewEngine(cfg Config, users UserStore, installs InstallationSource, registry *status.Registry, platform Platform, writer *Writer, log *slog.Logger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Engine{
		cfg:      cfg,
		users:    users,
		installs: installs,
		sources:  registry.Sources(),
		slack:    platform,
		writer:   writer,
		locks:    newUserLocks(),
		log:      log,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run drives ticks until Stop is called or the context is cancelled.
// An in-flight tick always finishes its per-user pipelines before Run
// returns, so shutdown never abandons a partially applied presence.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)

	e.log.Info("engine_started", "interval", e.cfg.Interval.String(), "workers", e.cfg.Workers)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	// First pass immediately instead of waiting a full interval.
	e.RunTick(ctx)

	for {
		select {
		case <-ticker.C:
			e.RunTick(ctx)
		case <-e.stopChan:
			e.log.Info("engine_stopped")
			return
		case <-ctx.Done():
			e.log.Info("engine_stopped")
			return
		}
	}
}

// Stop signals Run to exit after the current tick and waits for it.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopChan) })
	<-e.done
}

// RunTick reconciles every enabled user once, with bounded
// parallelism. Exported for the forced pass on interrupt exit and for
// tests.
func (e *Engine) RunTick(ctx context.Context) {
	start := time.Now()

	users, err := e.users.ListEnabled(ctx)
	if err != nil {
		// Store outage: skip this tick entirely, next tick retries.
		e.log.Error("tick_list_users_failed", "error", err)
		return
	}
	if len(users) == 0 {
		return
	}

	sem := make(chan struct{}, e.cfg.Workers)
	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			e.processUser(ctx, userID)
		}(u.UserID)
	}
	wg.Wait()

	metrics.TicksTotal.Inc()
	metrics.TickDuration.Observe(time.Since(start).Seconds())
	e.log.Debug("tick_complete", "users", len(users), "elapsed_ms", time.Since(start).Milliseconds())
}

// processUser runs one user's pipeline. Every failure mode, including
// a panic, stays inside this boundary.
func (e *Engine) processUser(ctx context.Context, userID string) {
	defer func() {
		if r := recover(); r != nil {
			metrics.UsersProcessedTotal.WithLabelValues("failed").Inc()
			e.log.Error("user_pipeline_panic", "user_id", userID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, userPipelineTimeout)
	defer cancel()

	// Serialize against the interrupt event handler for this user.
	unlock := e.locks.lock(userID)
	defer unlock()

	// Re-read under the lock; the snapshot from ListEnabled may have
	// raced with a huddle transition.
	user, err := e.users.Get(ctx, userID)
	if err != nil {
		metrics.UsersProcessedTotal.WithLabelValues("failed").Inc()
		e.log.Warn("user_load_failed", "user_id", userID, "error", err)
		return
	}
	if user == nil || !user.Enabled {
		metrics.UsersProcessedTotal.WithLabelValues("skipped").Inc()
		return
	}

	// The interrupt state machine owns the presence while the user is
	// in a call; the scheduled tick must not touch it.
	if user.InHuddle {
		metrics.UsersProcessedTotal.WithLabelValues("skipped").Inc()
		return
	}

	inst, err := e.installs.Find(ctx, userID)
	if err != nil {
		metrics.UsersProcessedTotal.WithLabelValues("failed").Inc()
		e.log.Warn("installation_load_failed", "user_id", userID, "error", err)
		return
	}
	if inst == nil {
		metrics.UsersProcessedTotal.WithLabelValues("skipped").Inc()
		return
	}

	// Credential gate: no point fetching four services for a user who
	// cannot receive writes. No retry; re-auth happens out of band.
	if !e.slack.CheckToken(ctx, inst.UserToken) {
		metrics.CredentialFailuresTotal.Inc()
		metrics.UsersProcessedTotal.WithLabelValues("skipped").Inc()
		e.writer.NotifyReauthRequired(ctx, inst, user)
		e.log.Warn("credential_invalid", "user_id", userID, "token", logging.MaskToken(inst.UserToken))
		return
	}

	if err := e.reconcileLocked(ctx, inst, user, false); err != nil {
		metrics.UsersProcessedTotal.WithLabelValues("failed").Inc()
		e.log.Warn("user_reconcile_failed", "user_id", userID, "error", err)
		return
	}
	metrics.UsersProcessedTotal.WithLabelValues("committed").Inc()
}

// reconcileLocked fetches all adapters, resolves the winner and
// applies the result. Caller must hold the user's lock. force
// bypasses the local unchanged-write suppression; it is set for the
// single restore pass after an interrupt clears.
func (e *Engine) reconcileLocked(ctx context.Context, inst *models.Installation, user *models.UserProfile, force bool) error {
	// All adapters run concurrently; the resolver only sees the fully
	// settled set.
	results := make([]SourceResult, len(e.sources))
	var wg sync.WaitGroup
	for i, src := range e.sources {
		wg.Add(1)
		go func(i int, src status.Source) {
			defer wg.Done()
			results[i] = SourceResult{Source: src, Activity: src.Fetch(ctx, user)}
		}(i, src)
	}
	wg.Wait()

	// Announce every changed transition, winner or not, once.
	for _, r := range results {
		if r.Activity.Changed && r.Activity.Message != "" {
			e.writer.Announce(ctx, inst, user, r.Activity.Message)
		}
	}

	cmd, ok := Resolve(user, results)
	if !ok {
		cmd = DefaultCommand()
	}

	// Idempotence: never re-issue a write the engine itself already
	// applied. This also keeps the default state quiet tick after
	// tick.
	if force || cmd.Text != user.LastStatusText || cmd.Emoji != user.LastStatusEmoji {
		if err := e.writer.ApplyStatus(ctx, inst, user, cmd.Text, cmd.Emoji); err != nil {
			return err
		}
	}

	return e.writer.ApplyPicture(ctx, inst, user, cmd.Picture)
}

// userLocks serializes all presence work per user: the scheduled tick
// and the interrupt event handler must never interleave for the same
// user.
type userLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func newUserLocks() userLocks {
	return userLocks{m: make(map[string]*sync.Mutex)}
}

func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	mu, ok := l.m[userID]
	if !ok {
		mu = &sync.Mutex{}
		l.m[userID] = mu
	}
	l.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}
