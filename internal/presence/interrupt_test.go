package presence

import (
	"context"
	"testing"

	"presence-mirror/internal/models"
)

func TestHuddleEnter_DefaultEmojiOnlySwitchesPicture(t *testing.T) {
	users := newFakeUsers(testUser("U1"))
	installs := newFakeInstalls("U1")
	platform := newFakePlatform()

	eng := newTestEngine(users, installs, platform, fakeLibrary{}, idleSrc("game", 0))

	if err := eng.HandleHuddleChanged(context.Background(), "U1", true); err != nil {
		t.Fatal(err)
	}

	statuses, photos, _ := platform.counts()
	if statuses != 0 {
		t.Errorf("status writes = %d, want 0 with the stock huddle emoji", statuses)
	}
	if photos != 1 {
		t.Errorf("photo writes = %d, want 1", photos)
	}

	u, _ := users.Get(context.Background(), "U1")
	if !u.InHuddle {
		t.Error("in_huddle flag not persisted")
	}
	if u.AppliedPicture != models.PictureHuddle {
		t.Errorf("picture = %q, want huddle", u.AppliedPicture)
	}
}

func TestHuddleEnter_CustomEmojiSwitchesStatus(t *testing.T) {
	u := testUser("U1")
	u.HuddleEmoji = ":owl:"
	users := newFakeUsers(u)
	installs := newFakeInstalls("U1")
	platform := newFakePlatform()

	eng := newTestEngine(users, installs, platform, fakeLibrary{}, idleSrc("game", 0))

	if err := eng.HandleHuddleChanged(context.Background(), "U1", true); err != nil {
		t.Fatal(err)
	}

	p := platform.profiles["xoxp-U1"]
	if p.StatusText != "In a huddle" || p.StatusEmoji != ":owl:" {
		t.Errorf("huddle status not applied: %+v", p)
	}
}

func TestHuddleExit_ForcesRestorePass(t *testing.T) {
	u := testUser("U1")
	u.HuddleEmoji = ":owl:"
	users := newFakeUsers(u)
	installs := newFakeInstalls("U1")
	platform := newFakePlatform()

	src := playingSrc("game", 0, "Half-Life")
	eng := newTestEngine(users, installs, platform, fakeLibrary{}, src)

	// Establish the game presence, then interrupt it.
	eng.RunTick(context.Background())
	if err := eng.HandleHuddleChanged(context.Background(), "U1", true); err != nil {
		t.Fatal(err)
	}
	if p := platform.profiles["xoxp-U1"]; p.StatusText != "In a huddle" {
		t.Fatalf("setup: huddle status missing, got %q", p.StatusText)
	}

	if err := eng.HandleHuddleChanged(context.Background(), "U1", false); err != nil {
		t.Fatal(err)
	}

	p := platform.profiles["xoxp-U1"]
	if p.StatusText != "Half-Life" {
		t.Errorf("status after exit = %q, want game presence restored", p.StatusText)
	}
	got, _ := users.Get(context.Background(), "U1")
	if got.InHuddle {
		t.Error("in_huddle flag still set")
	}
	if got.AppliedPicture != models.PictureGaming {
		t.Errorf("picture = %q, want gaming restored", got.AppliedPicture)
	}
}

func TestHuddleExit_NoActivityRestoresDefault(t *testing.T) {
	u := testUser("U1")
	u.InHuddle = true
	u.AppliedPicture = models.PictureHuddle
	u.LastStatusText = "In a huddle"
	u.LastStatusEmoji = ":owl:"
	users := newFakeUsers(u)
	installs := newFakeInstalls("U1")
	platform := newFakePlatform()

	eng := newTestEngine(users, installs, platform, fakeLibrary{}, idleSrc("game", 0))

	if err := eng.HandleHuddleChanged(context.Background(), "U1", false); err != nil {
		t.Fatal(err)
	}

	got, _ := users.Get(context.Background(), "U1")
	if got.LastStatusText != "" || got.LastStatusEmoji != "" {
		t.Errorf("status not cleared: %q %q", got.LastStatusText, got.LastStatusEmoji)
	}
	if got.AppliedPicture != models.PictureDefault {
		t.Errorf("picture = %q, want default", got.AppliedPicture)
	}
}

func TestHuddleChanged_SameStateIsNoop(t *testing.T) {
	u := testUser("U1")
	u.InHuddle = true
	users := newFakeUsers(u)
	installs := newFakeInstalls("U1")
	platform := newFakePlatform()

	eng := newTestEngine(users, installs, platform, fakeLibrary{}, idleSrc("game", 0))

	// The platform re-delivers huddle events; a repeat must not reapply.
	if err := eng.HandleHuddleChanged(context.Background(), "U1", true); err != nil {
		t.Fatal(err)
	}
	statuses, photos, _ := platform.counts()
	if statuses != 0 || photos != 0 {
		t.Errorf("repeat event caused writes: statuses=%d photos=%d", statuses, photos)
	}
}

func TestHuddleChanged_UnknownUserIsNoop(t *testing.T) {
	users := newFakeUsers()
	installs := newFakeInstalls()
	platform := newFakePlatform()

	eng := newTestEngine(users, installs, platform, fakeLibrary{}, idleSrc("game", 0))

	if err := eng.HandleHuddleChanged(context.Background(), "U-ghost", true); err != nil {
		t.Errorf("unknown user should be ignored, got %v", err)
	}
}
