package presence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"presence-mirror/internal/models"
	"presence-mirror/internal/slack"
	"presence-mirror/internal/status"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeUsers is an in-memory UserStore that applies UpdateFields the way
// the real store does, so multi-tick tests see persisted state.
type fakeUsers struct {
	mu    sync.Mutex
	users map[string]*models.UserProfile
}

func newFakeUsers(users ...*models.UserProfile) *fakeUsers {
	f := &fakeUsers{users: make(map[string]*models.UserProfile)}
	for _, u := range users {
		f.users[u.UserID] = u
	}
	return f
}

func (f *fakeUsers) Get(_ context.Context, userID string) (*models.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) ListEnabled(_ context.Context) ([]*models.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.UserProfile
	for _, u := range f.users {
		if u.Enabled {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeUsers) UpdateFields(_ context.Context, userID string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return errors.New("no such user")
	}
	for col, v := range fields {
		switch col {
		case "last_status_text":
			u.LastStatusText = v.(string)
		case "last_status_emoji":
			u.LastStatusEmoji = v.(string)
		case "applied_pfp":
			u.AppliedPicture = models.PictureCategory(v.(string))
		case "in_huddle":
			u.InHuddle = v.(bool)
		case "enabled":
			u.Enabled = v.(bool)
		case "reauth_notified":
			u.ReauthNotified = v.(bool)
		case "current_game":
			u.CurrentGame = v.(string)
		case "current_console_game":
			u.CurrentConsoleGame = v.(string)
		case "current_media":
			u.CurrentMedia = v.(string)
		case "current_track":
			u.CurrentTrack = v.(string)
		}
	}
	return nil
}

type fakeInstalls struct {
	installs map[string]*models.Installation
}

func newFakeInstalls(userIDs ...string) *fakeInstalls {
	f := &fakeInstalls{installs: make(map[string]*models.Installation)}
	for _, id := range userIDs {
		f.installs[id] = &models.Installation{
			UserID:    id,
			BotToken:  "xoxb-" + id,
			UserToken: "xoxp-" + id,
		}
	}
	return f
}

func (f *fakeInstalls) Find(_ context.Context, userID string) (*models.Installation, error) {
	return f.installs[userID], nil
}

// fakePlatform tracks writes and serves the remotely visible status.
type fakePlatform struct {
	mu           sync.Mutex
	tokenValid   bool
	profiles     map[string]slack.Profile // keyed by user token
	statusWrites int
	photoWrites  int
	messages     []string
	setStatusErr func(token string) error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{tokenValid: true, profiles: make(map[string]slack.Profile)}
}

func (f *fakePlatform) CheckToken(_ context.Context, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenValid
}

func (f *fakePlatform) GetProfile(_ context.Context, token, _ string) (slack.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profiles[token], nil
}

func (f *fakePlatform) SetStatus(_ context.Context, token, _, text, emoji string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setStatusErr != nil {
		if err := f.setStatusErr(token); err != nil {
			return err
		}
	}
	p := f.profiles[token]
	p.StatusText = text
	p.StatusEmoji = emoji
	f.profiles[token] = p
	f.statusWrites++
	return nil
}

func (f *fakePlatform) SetPhoto(_ context.Context, _ string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photoWrites++
	return nil
}

func (f *fakePlatform) PostMessage(_ context.Context, _, channel, text string, _ ...slack.MessageOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, channel+": "+text)
	return nil
}

func (f *fakePlatform) UserInfo(_ context.Context, _, _ string) (string, string, error) {
	return "someone", "https://example.com/a.png", nil
}

func (f *fakePlatform) counts() (statuses, photos, msgs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusWrites, f.photoWrites, len(f.messages)
}

type fakeLibrary struct{ err error }

func (f fakeLibrary) Get(_ context.Context, _ string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte("png-bytes"), nil
}

// fakeSrc is a scripted adapter.
type fakeSrc struct {
	name  string
	prio  int
	fetch func(user *models.UserProfile) models.Activity
	cmd   func(user *models.UserProfile, label string) models.PresenceCommand
}

func (s *fakeSrc) Name() string  { return s.name }
func (s *fakeSrc) Priority() int { return s.prio }

func (s *fakeSrc) Fetch(_ context.Context, user *models.UserProfile) models.Activity {
	if s.fetch == nil {
		return models.Activity{Service: s.name}
	}
	return s.fetch(user)
}

func (s *fakeSrc) Command(user *models.UserProfile, label string) models.PresenceCommand {
	if s.cmd != nil {
		return s.cmd(user, label)
	}
	return models.PresenceCommand{Text: label, Emoji: user.GamingEmojiOrDefault(), Picture: models.PictureGaming}
}

func playingSrc(name string, prio int, label string) *fakeSrc {
	return &fakeSrc{
		name: name,
		prio: prio,
		fetch: func(_ *models.UserProfile) models.Activity {
			return models.Activity{Service: name, Present: true, Label: label}
		},
	}
}

func idleSrc(name string, prio int) *fakeSrc {
	return &fakeSrc{name: name, prio: prio}
}

func newTestEngine(users *fakeUsers, installs *fakeInstalls, platform *fakePlatform, lib PictureLibrary, sources ...status.Source) *Engine {
	log := testLogger()
	writer := NewWriter(platform, users, lib, "C-LOG", log)
	reg := status.NewRegistry(sources...)
	return NewEngine(Config{Interval: time.Hour, Workers: 4}, users, installs, reg, platform, writer, log)
}

func testUser(id string) *models.UserProfile {
	return &models.UserProfile{
		UserID:         id,
		Enabled:        true,
		AppliedPicture: models.PictureDefault,
		DefaultPicture: "https://img.example.com/default.png",
		GamingPicture:  "https://img.example.com/gaming.png",
		MusicPicture:   "https://img.example.com/music.png",
		HuddlePicture:  "https://img.example.com/huddle.png",
	}
}

func TestRunTick_AppliesWinningStatus(t *testing.T) {
	users := newFakeUsers(testUser("U1"))
	installs := newFakeInstalls("U1")
	platform := newFakePlatform()

	eng := newTestEngine(users, installs, platform, fakeLibrary{},
		playingSrc("game", 0, "Half-Life"),
		idleSrc("music", 3),
	)
	eng.RunTick(context.Background())

	statuses, photos, _ := platform.counts()
	if statuses != 1 {
		t.Fatalf("status writes = %d, want 1", statuses)
	}
	if photos != 1 {
		t.Fatalf("photo writes = %d, want 1", photos)
	}

	p := platform.profiles["xoxp-U1"]
	if p.StatusText != "Half-Life" {
		t.Errorf("remote text = %q", p.StatusText)
	}
	if p.StatusEmoji != models.DefaultGamingEmoji {
		t.Errorf("remote emoji = %q", p.StatusEmoji)
	}

	u, _ := users.Get(context.Background(), "U1")
	if u.LastStatusText != "Half-Life" || u.AppliedPicture != models.PictureGaming {
		t.Errorf("cached state not persisted: %+v", u)
	}
}

func TestRunTick_UnchangedStateWritesNothing(t *testing.T) {
	users := newFakeUsers(testUser("U1"))
	installs := newFakeInstalls("U1")
	platform := newFakePlatform()

	eng := newTestEngine(users, installs, platform, fakeLibrary{},
		playingSrc("game", 0, "Half-Life"),
	)

	eng.RunTick(context.Background())
	s1, p1, _ := platform.counts()

	// Same upstream answer: the second tick must be a complete no-op on
	// the remote side.
	eng.RunTick(context.Background())
	s2, p2, _ := platform.counts()

	if s2 != s1 {
		t.Errorf("status writes went %d -> %d, want unchanged", s1, s2)
	}
	if p2 != p1 {
		t.Errorf("photo writes went %d -> %d, want unchanged", p1, p2)
	}
}

func TestRunTick_ActivityEndRestoresDefault(t *testing.T) {
	u := testUser("U1")
	users := newFakeUsers(u)
	installs := newFakeInstalls("U1")
	platform := newFakePlatform()

	src := playingSrc("game", 0, "Half-Life")
	eng := newTestEngine(users, installs, platform, fakeLibrary{}, src)

	eng.RunTick(context.Background())

	// Game over.
	src.fetch = func(_ *models.UserProfile) models.Activity {
		return models.Activity{Service: "game"}
	}
	eng.RunTick(context.Background())

	p := platform.profiles["xoxp-U1"]
	if p.StatusText != "" || p.StatusEmoji != "" {
		t.Errorf("status not cleared: text=%q emoji=%q", p.StatusText, p.StatusEmoji)
	}
	got, _ := users.Get(context.Background(), "U1")
	if got.AppliedPicture != models.PictureDefault {
		t.Errorf("picture = %q, want default restored", got.AppliedPicture)
	}
}

func TestRunTick_LabelTransitionRewrites(t *testing.T) {
	users := newFakeUsers(testUser("U1"))
	installs := newFakeInstalls("U1")
	platform := newFakePlatform()

	src := &fakeSrc{
		name: "music",
		prio: 3,
		fetch: func(_ *models.UserProfile) models.Activity {
			return models.Activity{Service: "music", Present: true, Label: "Song X - A"}
		},
		cmd: func(user *models.UserProfile, label string) models.PresenceCommand {
			return models.PresenceCommand{Text: label, Emoji: user.MusicEmojiOrDefault(), Picture: models.PictureMusic}
		},
	}
	eng := newTestEngine(users, installs, platform, fakeLibrary{}, src)

	eng.RunTick(context.Background())
	src.fetch = func(_ *models.UserProfile) models.Activity {
		return models.Activity{Service: "music", Present: true, Label: "Song Y - B"}
	}
	eng.RunTick(context.Background())

	statuses, photos, _ := platform.counts()
	if statuses != 2 {
		t.Errorf("status writes = %d, want 2 (one per song)", statuses)
	}
	// Music picture applied once; the category never changed.
	if photos != 1 {
		t.Errorf("photo writes = %d, want 1", photos)
	}
	if p := platform.profiles["xoxp-U1"]; p.StatusText != "Song Y - B" {
		t.Errorf("remote text = %q", p.StatusText)
	}
}

func TestRunTick_SkipsUserInHuddle(t *testing.T) {
	u := testUser("U1")
	u.InHuddle = true
	users := newFakeUsers(u)
	installs := newFakeInstalls("U1")
	platform := newFakePlatform()

	eng := newTestEngine(users, installs, platform, fakeLibrary{},
		playingSrc("game", 0, "Half-Life"),
	)
	eng.RunTick(context.Background())

	statuses, photos, msgs := platform.counts()
	if statuses != 0 || photos != 0 || msgs != 0 {
		t.Errorf("interrupted user must not be touched: statuses=%d photos=%d msgs=%d", statuses, photos, msgs)
	}
}

func TestRunTick_InvalidTokenNotifiesOnce(t *testing.T) {
	users := newFakeUsers(testUser("U1"))
	installs := newFakeInstalls("U1")
	platform := newFakePlatform()
	platform.tokenValid = false

	eng := newTestEngine(users, installs, platform, fakeLibrary{},
		playingSrc("game", 0, "Half-Life"),
	)

	eng.RunTick(context.Background())
	eng.RunTick(context.Background())

	statuses, _, msgs := platform.counts()
	if statuses != 0 {
		t.Errorf("status writes = %d, want 0 with a dead token", statuses)
	}
	if msgs != 1 {
		t.Errorf("re-auth notifications = %d, want exactly 1", msgs)
	}
}

func TestRunTick_OneUserFailureDoesNotAffectOthers(t *testing.T) {
	users := newFakeUsers(testUser("U1"), testUser("U2"))
	installs := newFakeInstalls("U1", "U2")
	platform := newFakePlatform()
	platform.setStatusErr = func(token string) error {
		if token == "xoxp-U1" {
			return errors.New("boom")
		}
		return nil
	}

	eng := newTestEngine(users, installs, platform, fakeLibrary{},
		playingSrc("game", 0, "Half-Life"),
	)
	eng.RunTick(context.Background())

	if p := platform.profiles["xoxp-U2"]; p.StatusText != "Half-Life" {
		t.Errorf("healthy user not applied: %q", p.StatusText)
	}
	if p := platform.profiles["xoxp-U1"]; p.StatusText != "" {
		t.Errorf("failing user unexpectedly applied: %q", p.StatusText)
	}
}

func TestRunTick_ManualStatusLeftAlone(t *testing.T) {
	users := newFakeUsers(testUser("U1"))
	installs := newFakeInstalls("U1")
	platform := newFakePlatform()
	platform.profiles["xoxp-U1"] = slack.Profile{
		StatusText:  "On vacation",
		StatusEmoji: ":palm_tree:",
	}

	eng := newTestEngine(users, installs, platform, fakeLibrary{},
		playingSrc("game", 0, "Half-Life"),
	)
	eng.RunTick(context.Background())

	if p := platform.profiles["xoxp-U1"]; p.StatusText != "On vacation" || p.StatusEmoji != ":palm_tree:" {
		t.Errorf("manually set status was clobbered: %+v", p)
	}
}

func TestRunTick_AnnouncesChangedTransition(t *testing.T) {
	users := newFakeUsers(testUser("U1"))
	installs := newFakeInstalls("U1")
	platform := newFakePlatform()

	src := &fakeSrc{
		name: "game",
		prio: 0,
		fetch: func(_ *models.UserProfile) models.Activity {
			return models.Activity{
				Service: "game",
				Present: true,
				Label:   "Half-Life",
				Changed: true,
				Message: "someone is playing *Half-Life*",
			}
		},
	}
	eng := newTestEngine(users, installs, platform, fakeLibrary{}, src)
	eng.RunTick(context.Background())

	_, _, msgs := platform.counts()
	if msgs != 1 {
		t.Fatalf("announcements = %d, want 1", msgs)
	}
	if platform.messages[0] != "C-LOG: someone is playing *Half-Life*" {
		t.Errorf("announcement = %q", platform.messages[0])
	}
}

func TestEngine_StopWaitsForRun(t *testing.T) {
	users := newFakeUsers()
	installs := newFakeInstalls()
	platform := newFakePlatform()

	eng := newTestEngine(users, installs, platform, fakeLibrary{}, idleSrc("game", 0))

	done := make(chan struct{})
	go func() {
		eng.Run(context.Background())
		close(done)
	}()

	eng.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}

func TestSetEnabled_DisableClearsMirroredStatus(t *testing.T) {
	users := newFakeUsers(testUser("U1"))
	installs := newFakeInstalls("U1")
	platform := newFakePlatform()

	eng := newTestEngine(users, installs, platform, fakeLibrary{},
		playingSrc("game", 0, "Half-Life"),
	)
	eng.RunTick(context.Background())

	if err := eng.SetEnabled(context.Background(), "U1", false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	statuses, photos, _ := platform.counts()
	if statuses != 2 {
		t.Errorf("status writes = %d, want 2 (mirror + clear)", statuses)
	}
	if photos != 2 {
		t.Errorf("photo writes = %d, want 2 (gaming + default)", photos)
	}
	if p := platform.profiles["xoxp-U1"]; p.StatusText != "" || p.StatusEmoji != "" {
		t.Errorf("remote status not cleared: %q %q", p.StatusText, p.StatusEmoji)
	}

	u, _ := users.Get(context.Background(), "U1")
	if u.Enabled {
		t.Error("user still enabled")
	}
	if u.AppliedPicture != models.PictureDefault {
		t.Errorf("applied picture = %q, want default", u.AppliedPicture)
	}

	// A later tick must leave the disabled user alone.
	eng.RunTick(context.Background())
	if statuses, _, _ = platform.counts(); statuses != 2 {
		t.Errorf("tick touched disabled user, status writes = %d", statuses)
	}
}

func TestSetEnabled_EnableReconcilesImmediately(t *testing.T) {
	u := testUser("U1")
	u.Enabled = false
	users := newFakeUsers(u)
	installs := newFakeInstalls("U1")
	platform := newFakePlatform()

	eng := newTestEngine(users, installs, platform, fakeLibrary{},
		playingSrc("game", 0, "Half-Life"),
	)

	if err := eng.SetEnabled(context.Background(), "U1", true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	if p := platform.profiles["xoxp-U1"]; p.StatusText != "Half-Life" {
		t.Errorf("status = %q, want %q", p.StatusText, "Half-Life")
	}
}

func TestSetEnabled_SameStateIsNoop(t *testing.T) {
	users := newFakeUsers(testUser("U1"))
	installs := newFakeInstalls("U1")
	platform := newFakePlatform()

	eng := newTestEngine(users, installs, platform, fakeLibrary{}, idleSrc("game", 0))

	if err := eng.SetEnabled(context.Background(), "U1", true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if statuses, photos, _ := platform.counts(); statuses != 0 || photos != 0 {
		t.Errorf("writes = %d/%d, want none", statuses, photos)
	}
}

func TestSetEnabled_UnknownUserErrors(t *testing.T) {
	eng := newTestEngine(newFakeUsers(), newFakeInstalls(), newFakePlatform(), fakeLibrary{}, idleSrc("game", 0))

	if err := eng.SetEnabled(context.Background(), "U-missing", true); err == nil {
		t.Fatal("expected error for unknown user")
	}
}
