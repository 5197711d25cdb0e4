package presence

import (
	"context"
	"strings"
	"testing"

	"presence-mirror/internal/models"
	"presence-mirror/internal/pictures"
	"presence-mirror/internal/slack"
)

func newTestWriter(users *fakeUsers, platform *fakePlatform, lib PictureLibrary) *Writer {
	return NewWriter(platform, users, lib, "C-LOG", testLogger())
}

func TestApplyStatus_RemoteAlreadyMatchingSkipsWrite(t *testing.T) {
	u := testUser("U1")
	users := newFakeUsers(u)
	platform := newFakePlatform()
	platform.profiles["xoxp-U1"] = slack.Profile{
		StatusText:  "Half-Life",
		StatusEmoji: models.DefaultGamingEmoji,
	}
	w := newTestWriter(users, platform, fakeLibrary{})
	inst := &models.Installation{UserID: "U1", UserToken: "xoxp-U1", BotToken: "xoxb-U1"}

	if err := w.ApplyStatus(context.Background(), inst, u, "Half-Life", models.DefaultGamingEmoji); err != nil {
		t.Fatal(err)
	}

	statuses, _, _ := platform.counts()
	if statuses != 0 {
		t.Errorf("status writes = %d, want 0 when remote already matches", statuses)
	}
	// The local cache still records what the engine considers applied.
	got, _ := users.Get(context.Background(), "U1")
	if got.LastStatusText != "Half-Life" {
		t.Errorf("last_status_text = %q, want cached", got.LastStatusText)
	}
}

func TestApplyStatus_ManualEmojiBlocksWrite(t *testing.T) {
	u := testUser("U1")
	users := newFakeUsers(u)
	platform := newFakePlatform()
	platform.profiles["xoxp-U1"] = slack.Profile{
		StatusText:  "BRB",
		StatusEmoji: ":palm_tree:",
	}
	w := newTestWriter(users, platform, fakeLibrary{})
	inst := &models.Installation{UserID: "U1", UserToken: "xoxp-U1", BotToken: "xoxb-U1"}

	if err := w.ApplyStatus(context.Background(), inst, u, "Half-Life", models.DefaultGamingEmoji); err != nil {
		t.Fatal(err)
	}
	if p := platform.profiles["xoxp-U1"]; p.StatusText != "BRB" {
		t.Errorf("manual status clobbered: %q", p.StatusText)
	}
}

func TestApplyStatus_EngineOwnedEmojiIsOverwritten(t *testing.T) {
	u := testUser("U1")
	users := newFakeUsers(u)
	platform := newFakePlatform()
	// An emoji this engine writes for the user: fair game.
	platform.profiles["xoxp-U1"] = slack.Profile{
		StatusText:  "Old Song - A",
		StatusEmoji: models.DefaultMusicEmoji,
	}
	w := newTestWriter(users, platform, fakeLibrary{})
	inst := &models.Installation{UserID: "U1", UserToken: "xoxp-U1", BotToken: "xoxb-U1"}

	if err := w.ApplyStatus(context.Background(), inst, u, "Half-Life", models.DefaultGamingEmoji); err != nil {
		t.Fatal(err)
	}
	if p := platform.profiles["xoxp-U1"]; p.StatusText != "Half-Life" {
		t.Errorf("engine-owned status not replaced: %q", p.StatusText)
	}
}

func TestApplyPicture_SameCategoryIsNoop(t *testing.T) {
	u := testUser("U1")
	u.AppliedPicture = models.PictureGaming
	users := newFakeUsers(u)
	platform := newFakePlatform()
	w := newTestWriter(users, platform, fakeLibrary{})
	inst := &models.Installation{UserID: "U1", UserToken: "xoxp-U1", BotToken: "xoxb-U1"}

	if err := w.ApplyPicture(context.Background(), inst, u, models.PictureGaming); err != nil {
		t.Fatal(err)
	}
	_, photos, _ := platform.counts()
	if photos != 0 {
		t.Errorf("photo writes = %d, want 0", photos)
	}
}

func TestApplyPicture_NoConfiguredURLIsNoop(t *testing.T) {
	u := testUser("U1")
	u.MusicPicture = ""
	users := newFakeUsers(u)
	platform := newFakePlatform()
	w := newTestWriter(users, platform, fakeLibrary{})
	inst := &models.Installation{UserID: "U1", UserToken: "xoxp-U1", BotToken: "xoxb-U1"}

	if err := w.ApplyPicture(context.Background(), inst, u, models.PictureMusic); err != nil {
		t.Fatal(err)
	}
	_, photos, _ := platform.counts()
	if photos != 0 {
		t.Errorf("photo writes = %d, want 0 without an image URL", photos)
	}
	// Category unchanged so a later configured URL still gets applied.
	got, _ := users.Get(context.Background(), "U1")
	if got.AppliedPicture != models.PictureDefault {
		t.Errorf("applied_pfp = %q, want untouched", got.AppliedPicture)
	}
}

func TestApplyPicture_PersistsCategoryBeforeUpload(t *testing.T) {
	u := testUser("U1")
	users := newFakeUsers(u)
	platform := newFakePlatform()
	w := newTestWriter(users, platform, fakeLibrary{err: context.DeadlineExceeded})
	inst := &models.Installation{UserID: "U1", UserToken: "xoxp-U1", BotToken: "xoxb-U1"}

	err := w.ApplyPicture(context.Background(), inst, u, models.PictureGaming)
	if err == nil {
		t.Fatal("expected fetch error to propagate")
	}

	// The category is recorded even though the upload never happened.
	got, _ := users.Get(context.Background(), "U1")
	if got.AppliedPicture != models.PictureGaming {
		t.Errorf("applied_pfp = %q, want gaming recorded before upload", got.AppliedPicture)
	}
}

func TestApplyPicture_BadImageNotifiesUser(t *testing.T) {
	u := testUser("U1")
	users := newFakeUsers(u)
	platform := newFakePlatform()
	w := newTestWriter(users, platform, fakeLibrary{err: pictures.ErrNotImage})
	inst := &models.Installation{UserID: "U1", UserToken: "xoxp-U1", BotToken: "xoxb-U1"}

	if err := w.ApplyPicture(context.Background(), inst, u, models.PictureGaming); err != nil {
		t.Fatalf("a broken image URL is not a pipeline error, got %v", err)
	}

	_, photos, msgs := platform.counts()
	if photos != 0 {
		t.Errorf("photo writes = %d, want 0", photos)
	}
	if msgs != 1 {
		t.Fatalf("notifications = %d, want 1", msgs)
	}
	if !strings.Contains(platform.messages[0], "invalid") {
		t.Errorf("notification = %q", platform.messages[0])
	}
}

func TestNotifyReauthRequired_OneShot(t *testing.T) {
	u := testUser("U1")
	users := newFakeUsers(u)
	platform := newFakePlatform()
	w := newTestWriter(users, platform, fakeLibrary{})
	inst := &models.Installation{UserID: "U1", UserToken: "xoxp-U1", BotToken: "xoxb-U1"}

	w.NotifyReauthRequired(context.Background(), inst, u)
	w.NotifyReauthRequired(context.Background(), inst, u)

	_, _, msgs := platform.counts()
	if msgs != 1 {
		t.Errorf("notifications = %d, want 1", msgs)
	}
	got, _ := users.Get(context.Background(), "U1")
	if !got.ReauthNotified {
		t.Error("reauth_notified not persisted")
	}
}

func TestAnnounce_NoLogChannelIsNoop(t *testing.T) {
	u := testUser("U1")
	users := newFakeUsers(u)
	platform := newFakePlatform()
	w := NewWriter(platform, users, fakeLibrary{}, "", testLogger())
	inst := &models.Installation{UserID: "U1", UserToken: "xoxp-U1", BotToken: "xoxb-U1"}

	w.Announce(context.Background(), inst, u, "someone is playing something")

	_, _, msgs := platform.counts()
	if msgs != 0 {
		t.Errorf("messages = %d, want 0 without a log channel", msgs)
	}
}
