package spool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"arenajudge/internal/worker/integrity"
)

type fakeDeliverer struct {
	fail  map[string]bool
	calls []string
}

func (f *fakeDeliverer) Deliver(_ context.Context, method string, payload []byte) error {
	f.calls = append(f.calls, method+":"+string(payload))
	if f.fail[string(payload)] {
		return errors.New("coordinator unavailable")
	}
	return nil
}

func openTestSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "spool", "posts.db"))
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func save(t *testing.T, s *Spool, method, payload string) {
	t.Helper()
	digest := integrity.Hash([]byte(payload)).String()
	if err := s.Save(context.Background(), method, []byte(payload), digest); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func TestSaveAndPending(t *testing.T) {
	s := openTestSpool(t)
	ctx := context.Background()
	save(t, s, "post_compile_result", `{"post_id":1}`)
	save(t, s, "post_game_result", `{"post_id":2}`)

	posts, err := s.Pending(ctx, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(posts))
	}
	if posts[0].Method != "post_compile_result" || string(posts[0].Payload) != `{"post_id":1}` {
		t.Fatalf("unexpected first post %+v", posts[0])
	}
	limited, err := s.Pending(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected 1 post with limit, got %d (%v)", len(limited), err)
	}

	if err := s.MarkAttempt(ctx, posts[1].ID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := s.Delete(ctx, posts[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	posts, _ = s.Pending(ctx, 0)
	if len(posts) != 1 || posts[0].Attempts != 1 {
		t.Fatalf("unexpected posts after delete %+v", posts)
	}
}

func TestReplayDeletesDeliveredPosts(t *testing.T) {
	s := openTestSpool(t)
	ctx := context.Background()
	save(t, s, "post_compile_result", `{"post_id":1}`)
	save(t, s, "post_compile_result", `{"post_id":2}`)
	save(t, s, "post_game_result", `{"post_id":3}`)

	d := &fakeDeliverer{fail: map[string]bool{`{"post_id":2}`: true}}
	delivered, remaining, err := s.Replay(ctx, d, nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if delivered != 2 || remaining != 1 {
		t.Fatalf("expected 2 delivered and 1 remaining, got %d and %d", delivered, remaining)
	}
	if len(d.calls) != 3 || d.calls[2] != `post_game_result:{"post_id":3}` {
		t.Fatalf("unexpected deliveries %v", d.calls)
	}

	posts, _ := s.Pending(ctx, 0)
	if len(posts) != 1 || string(posts[0].Payload) != `{"post_id":2}` || posts[0].Attempts != 1 {
		t.Fatalf("unexpected leftovers %+v", posts)
	}
}

func TestReplayDropsCorruptPosts(t *testing.T) {
	s := openTestSpool(t)
	ctx := context.Background()
	if err := s.Save(ctx, "post_compile_result", []byte(`{"post_id":1}`), "deadbeef"); err != nil {
		t.Fatalf("save: %v", err)
	}
	d := &fakeDeliverer{}
	delivered, remaining, err := s.Replay(ctx, d, nil)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if delivered != 0 || remaining != 0 || len(d.calls) != 0 {
		t.Fatalf("corrupt post must not be delivered: %d %d %v", delivered, remaining, d.calls)
	}
	posts, _ := s.Pending(ctx, 0)
	if len(posts) != 0 {
		t.Fatalf("corrupt post should be dropped, found %d", len(posts))
	}
}

func TestSpoolSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "posts.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	save(t, s, "post_compile_result", `{"post_id":9}`)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	posts, err := reopened.Pending(context.Background(), 0)
	if err != nil || len(posts) != 1 {
		t.Fatalf("expected 1 post after reopen, got %d (%v)", len(posts), err)
	}
}
