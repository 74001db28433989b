package sqlite

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/lbj9527/tgrelay"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "history.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestForwardRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.IsForwarded(ctx, 1, 10, 2)
	if err != nil || ok {
		t.Fatalf("IsForwarded before mark = %v, %v", ok, err)
	}
	if err := s.MarkForwarded(ctx, 1, 10, 2); err != nil {
		t.Fatal(err)
	}
	// Re-marking is idempotent.
	if err := s.MarkForwarded(ctx, 1, 10, 2); err != nil {
		t.Fatal(err)
	}
	ok, err = s.IsForwarded(ctx, 1, 10, 2)
	if err != nil || !ok {
		t.Fatalf("IsForwarded after mark = %v, %v", ok, err)
	}
	// Scoped by target.
	if ok, _ := s.IsForwarded(ctx, 1, 10, 3); ok {
		t.Error("forward leaked to another target")
	}
}

func TestUnforwardedInRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// id 1: on both targets. id 2: on one. id 3: on none.
	s.MarkForwarded(ctx, 1, 1, 2)
	s.MarkForwarded(ctx, 1, 1, 3)
	s.MarkForwarded(ctx, 1, 2, 2)

	got, err := s.UnforwardedInRange(ctx, 1, 1, 3, []tgrelay.ChannelID{2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []int{2, 3}) {
		t.Errorf("UnforwardedInRange = %v, want [2 3]", got)
	}

	// Against a single target, id 2 is done.
	got, err = s.UnforwardedInRange(ctx, 1, 1, 3, []tgrelay.ChannelID{2})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []int{3}) {
		t.Errorf("UnforwardedInRange single target = %v, want [3]", got)
	}

	// Degenerate inputs.
	if got, _ := s.UnforwardedInRange(ctx, 1, 5, 3, []tgrelay.ChannelID{2}); got != nil {
		t.Errorf("inverted range = %v", got)
	}
	if got, _ := s.UnforwardedInRange(ctx, 1, 1, 3, nil); got != nil {
		t.Errorf("no targets = %v", got)
	}
}

func TestCountForwardedInRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for id := 1; id <= 5; id++ {
		s.MarkForwarded(ctx, 1, id, 2)
	}
	n, err := s.CountForwardedInRange(ctx, 1, 2, 4, 2)
	if err != nil || n != 3 {
		t.Errorf("CountForwardedInRange = %d, %v; want 3", n, err)
	}
	n, _ = s.CountForwardedInRange(ctx, 1, 1, 5, 99)
	if n != 0 {
		t.Errorf("count for unknown target = %d", n)
	}
}

func TestUploadFingerprints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sha := "deadbeef"

	if ok, _ := s.IsUploaded(ctx, sha, 2); ok {
		t.Fatal("fingerprint present before mark")
	}
	if err := s.MarkUploaded(ctx, sha, 2); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkUploaded(ctx, sha, 2); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.IsUploaded(ctx, sha, 2); !ok {
		t.Error("fingerprint missing after mark")
	}
	// Fingerprint scope is (hash, target).
	if ok, _ := s.IsUploaded(ctx, sha, 3); ok {
		t.Error("fingerprint leaked to another target")
	}
}

func TestDownloads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if ok, _ := s.IsDownloaded(ctx, 1, 10); ok {
		t.Fatal("download present before mark")
	}
	if err := s.MarkDownloaded(ctx, 1, 10, "/tmp/a"); err != nil {
		t.Fatal(err)
	}
	// Re-downloading replaces the path.
	if err := s.MarkDownloaded(ctx, 1, 10, "/tmp/b"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.IsDownloaded(ctx, 1, 10); !ok {
		t.Error("download missing after mark")
	}
}

func TestInitIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Init(context.Background()); err != nil {
		t.Errorf("second Init failed: %v", err)
	}
}
