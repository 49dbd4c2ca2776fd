package portalauth

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

func (s *countingSink) Count() int64 {
	return s.count.Load()
}

type gateSink struct {
	gate chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{
		gate: make(chan struct{}),
	}
}

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.gate
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), s)
}

func buildAuditTestOrchestrator(t *testing.T, p SessionProvider, ps ProfileStore, sink AuditSink, enabled bool) *Orchestrator {
	t.Helper()

	cfg := DefaultConfig()
	cfg.AdminEmail = "admin@example.com"
	cfg.Audit = AuditConfig{Enabled: enabled, BufferSize: 16, DropIfFull: false}

	o, err := New().
		WithConfig(cfg).
		WithProvider(p).
		WithProfiles(ps).
		WithLogger(discardLogger()).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

func TestAuditDisabledNoSinkCalls(t *testing.T) {
	p := newFakeProvider()
	p.addAccount("pw", testSession("u1", "u1@example.com"))
	sink := &countingSink{}
	o := buildAuditTestOrchestrator(t, p, newFakeProfiles(salesProfile("u1")), sink, false)

	_, _ = o.SignIn(context.Background(), Credentials{Email: "u1@example.com", Password: "pw"})
	_ = o.SignOut(context.Background())
	o.Close()

	if sink.Count() != 0 {
		t.Fatalf("expected no audit sink calls when disabled, got %d", sink.Count())
	}
}

func TestAuditSignInEventFields(t *testing.T) {
	p := newFakeProvider()
	p.addAccount("pw", testSession("u1", "u1@example.com"))
	sink := NewChannelSink(16)
	o := buildAuditTestOrchestrator(t, p, newFakeProfiles(salesProfile("u1")), sink, true)

	if _, err := o.SignIn(context.Background(), Credentials{Email: "u1@example.com", Password: "pw"}); err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}

	select {
	case ev := <-sink.Events():
		if ev.EventType != AuditSignIn || !ev.Success {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.UserID != "u1" || ev.Role != "salesFreek" || ev.SessionID != "sess-u1" {
			t.Fatalf("unexpected event identity %+v", ev)
		}
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Fatal("expected dispatcher to stamp id and timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected audit event to be received")
	}
}

func TestAuditNoSecretsInEvents(t *testing.T) {
	p := newFakeProvider()
	sess := testSession("u1", "u1@example.com")
	p.addAccount("hunter2-password", sess)
	sink := NewChannelSink(32)
	o := buildAuditTestOrchestrator(t, p, newFakeProfiles(salesProfile("u1")), sink, true)

	_, _ = o.SignIn(context.Background(), Credentials{Email: "u1@example.com", Password: "wrong-password"})
	_, _ = o.SignIn(context.Background(), Credentials{Email: "u1@example.com", Password: "hunter2-password"})
	o.RefreshAuth(context.Background())
	_ = o.SignOut(context.Background())
	o.Close()

	needles := []string{"hunter2-password", "wrong-password", sess.AccessToken, sess.RefreshToken}
	events := 0
	for {
		select {
		case ev := <-sink.Events():
			events++
			for _, needle := range needles {
				if strings.Contains(ev.Error, needle) {
					t.Fatalf("secret leaked in error field: %q", needle)
				}
				for k, v := range ev.Metadata {
					if strings.Contains(v, needle) {
						t.Fatalf("secret leaked in metadata %q", k)
					}
				}
			}
			continue
		default:
		}
		break
	}
	if events == 0 {
		t.Fatal("expected audit events")
	}
}

func TestAuditBufferFullDropIfFullTrueDoesNotBlock(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: true,
	}, sink, nil)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	start := time.Now()
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e3"})
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("expected non-blocking emit when DropIfFull is true")
	}
	if dispatcher.Dropped() == 0 {
		t.Fatal("expected dropped counter to increment when queue is full")
	}
}

func TestAuditBufferFullDropIfFullFalseBlocksUntilSpace(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: false,
	}, sink, nil)
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	done := make(chan struct{})
	go func() {
		dispatcher.Emit(context.Background(), AuditEvent{EventType: "e3"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected emit to block while buffer is full")
	case <-time.After(150 * time.Millisecond):
	}

	sink.gate <- struct{}{}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected blocked emit to proceed after space is available")
	}
}

func TestAuditJSONWriterSinkWritesJSONLines(t *testing.T) {
	var buf syncBuffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: AuditAccessForbidden,
		UserID:    "u1",
		Path:      "/management",
	})

	if !buf.Contains(`"event_type":"access.forbidden"`) {
		t.Fatal("expected JSON log line to contain event type")
	}
	if !buf.Contains(`"path":"/management"`) {
		t.Fatal("expected JSON log line to contain path")
	}
}

func TestAuditDispatcherCloseIdempotentAndEmitAfterCloseSafe(t *testing.T) {
	sink := &countingSink{}
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 4,
		DropIfFull: true,
	}, sink, nil)

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Close()
	dispatcher.Close()
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	if sink.Count() != 1 {
		t.Fatalf("expected queued event flushed on Close and none after, got %d", sink.Count())
	}
}

func TestGuardForbiddenIsAudited(t *testing.T) {
	p := newFakeProvider()
	p.setSession(testSession("u1", "u1@example.com"))
	sink := NewChannelSink(16)
	o := buildAuditTestOrchestrator(t, p, newFakeProfiles(salesProfile("u1")), sink, true)
	o.RefreshAuth(context.Background())

	if d := o.Guard().Check("/contacts", Requirement{}); d.Outcome != Forbidden {
		t.Fatalf("expected forbidden, got %s", d.Outcome)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sink.Events():
			if ev.EventType != AuditAccessForbidden {
				continue
			}
			if ev.Path != "/contacts" || ev.UserID != "u1" {
				t.Fatalf("unexpected forbidden event %+v", ev)
			}
			return
		case <-deadline:
			t.Fatal("expected access.forbidden event")
		}
	}
}

type panicSink struct{ calls atomic.Int64 }

func (s *panicSink) Emit(context.Context, AuditEvent) {
	s.calls.Add(1)
	panic("sink exploded")
}

func TestAuditDispatcherRecoversSinkPanic(t *testing.T) {
	var recovered atomic.Value
	sink := &panicSink{}
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 4}, sink, func(r any) {
		recovered.Store(panicMessage(r))
	})

	d.Emit(context.Background(), AuditEvent{EventType: AuditSignIn})
	d.Emit(context.Background(), AuditEvent{EventType: AuditSignOut})
	d.Close()

	if got := sink.calls.Load(); got != 2 {
		t.Fatalf("expected worker to survive and deliver both events, got %d", got)
	}
	if d.Panicked() != 2 {
		t.Fatalf("expected 2 recovered panics, got %d", d.Panicked())
	}
	if recovered.Load() != "sink exploded" {
		t.Fatalf("unexpected panic message %v", recovered.Load())
	}
}

func TestAuditDispatcherStampsEvents(t *testing.T) {
	sink := NewChannelSink(1)
	d := newAuditDispatcher(AuditConfig{Enabled: true, BufferSize: 1}, sink, nil)
	defer d.Close()

	d.Emit(context.Background(), AuditEvent{EventType: AuditSessionCleared})
	select {
	case ev := <-sink.Events():
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Fatalf("expected id and timestamp, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestAuditSlogAndMultiSink(t *testing.T) {
	var logBuf syncBuffer
	var jsonBuf syncBuffer
	sink := MultiSink{
		NewSlogSink(slog.New(slog.NewTextHandler(&logBuf, nil))),
		nil,
		NewJSONWriterSink(&jsonBuf),
	}

	sink.Emit(context.Background(), AuditEvent{
		ID:        "a1",
		EventType: AuditAccessForbidden,
		UserID:    "u1",
		Path:      "/management",
	})

	for _, want := range []string{"level=WARN", "msg=audit", "event_type=access.forbidden", "path=/management"} {
		if !logBuf.Contains(want) {
			t.Fatalf("log line missing %q", want)
		}
	}
	if logBuf.Contains("session_id=") {
		t.Fatal("empty fields must be omitted")
	}
	if !jsonBuf.Contains(`"id":"a1"`) {
		t.Fatal("expected json sink to receive the event")
	}
}
