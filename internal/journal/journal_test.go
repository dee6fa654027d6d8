package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"playgrid/syncd/internal/logging"
)

func TestWriterRoundTrip(t *testing.T) {
	root := t.TempDir()
	clock := func() time.Time { return time.Unix(1700000000, 0) }

	w, manifest, err := NewWriter(root, "room-7", clock)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if manifest.RoomID != "room-7" {
		t.Fatalf("manifest = %+v", manifest)
	}

	if err := w.AppendEvent(1, "game:state", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := w.AppendEvent(2, "chat:message", []byte(`{"m":"hi"}`)); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := w.AppendKeyframe(10, []byte("snapshot")); err != nil {
		t.Fatalf("append keyframe: %v", err)
	}
	dir := w.Directory()
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	events, err := ReadEvents(dir)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Sequence != 1 || events[0].Kind != "game:state" || string(events[0].Payload) != `{"v":1}` {
		t.Fatalf("event 0 = %+v", events[0])
	}

	frames, err := ReadKeyframes(dir)
	if err != nil {
		t.Fatalf("read keyframes: %v", err)
	}
	if len(frames) != 1 || frames[0].Version != 10 || string(frames[0].Payload) != "snapshot" {
		t.Fatalf("frames = %+v", frames)
	}

	if _, err := os.Stat(filepath.Join(dir, "manifest.json")); err != nil {
		t.Fatalf("manifest missing: %v", err)
	}
}

func TestWriterSanitisesRoomName(t *testing.T) {
	root := t.TempDir()
	w, _, err := NewWriter(root, "../../evil room!", func() time.Time { return time.Unix(0, 0) })
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	rel, err := filepath.Rel(root, w.Directory())
	if err != nil || rel == ".." || filepath.IsAbs(rel) {
		t.Fatalf("journal escaped root: %q (%v)", w.Directory(), err)
	}
}

func TestCleanerEnforcesBundleCount(t *testing.T) {
	root := t.TempDir()
	logger := logging.NewTestLogger()

	//1.- Three bundles with ascending mtimes; retention keeps the newest two.
	for i, name := range []string{"room-a-1", "room-b-1", "room-c-1"} {
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte("{}"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		stamp := time.Now().Add(time.Duration(i-3) * time.Hour)
		if err := os.Chtimes(dir, stamp, stamp); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	cleaner := NewCleaner(root, RetentionPolicy{MaxRooms: 2}, logger)
	cleaner.RunOnce()

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("bundles = %d, want 2", len(entries))
	}
	if _, err := os.Stat(filepath.Join(root, "room-a-1")); !os.IsNotExist(err) {
		t.Fatalf("oldest bundle survived retention")
	}

	stats := cleaner.Stats()
	if stats.Bundles != 2 {
		t.Fatalf("stats = %+v, want 2 bundles", stats)
	}
}

func TestCleanerEnforcesMaxAge(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "room-old-1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(dir, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	cleaner := NewCleaner(root, RetentionPolicy{MaxAge: 24 * time.Hour}, logging.NewTestLogger())
	cleaner.RunOnce()

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expired bundle survived retention")
	}
}
