package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func sampleTokens() Tokens {
	return Tokens{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Unix(1_900_000_000, 0).UTC(),
		SessionID:    "s1",
	}
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty store, got %v", err)
	}

	want := sampleTokens()
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken ||
		!got.ExpiresAt.Equal(want.ExpiresAt) || got.SessionID != want.SessionID {
		t.Fatalf("Load = %+v, want %+v", got, want)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("second Clear must be idempotent, got %v", err)
	}
	if _, err := s.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after Clear, got %v", err)
	}
}

func expectSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case _, ok := <-ch:
		if !ok {
			t.Fatal("watch channel closed unexpectedly")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change signal")
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStoreLifecycle(t *testing.T) {
	_, rdb := newTestRedis(t)
	exerciseStore(t, NewRedisStore(rdb, "test:credential"))
}

func TestMemoryStoreWatch(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := s.Save(context.Background(), sampleTokens()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	expectSignal(t, ch)

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestRedisStoreWatchSeesOtherWriter(t *testing.T) {
	_, rdb := newTestRedis(t)
	reader := NewRedisStore(rdb, "shared:credential")
	writer := NewRedisStore(rdb, "shared:credential")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := reader.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	if err := writer.Save(context.Background(), sampleTokens()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	expectSignal(t, ch)

	got, err := reader.Load(context.Background())
	if err != nil || got.AccessToken != "access-1" {
		t.Fatalf("reader did not observe writer's tokens: %+v, %v", got, err)
	}

	if err := writer.Clear(context.Background()); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	expectSignal(t, ch)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedisStore(rdb, "")
	mr.Close()

	if err := s.Save(context.Background(), sampleTokens()); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable from Save, got %v", err)
	}
	if _, err := s.Load(context.Background()); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable from Load, got %v", err)
	}
}

func TestRedisStoreCorruptValue(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedisStore(rdb, "corrupt:credential")
	if err := mr.Set("corrupt:credential", "{not json"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if _, err := s.Load(context.Background()); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected decode error, got %v", err)
	}
}
