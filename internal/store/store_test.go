package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/taskbridge/taskbridge/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(storage.NewMemoryBackend(), WithCleanupInterval(time.Hour))
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(context.Background()); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return s
}

func testSession(id string) *storage.Session {
	return &storage.Session{
		ID:           id,
		AccessToken:  "access-" + id,
		RefreshToken: "refresh-" + id,
		UserID:       "user-1",
		Username:     "alice",
		ClientID:     "client-1",
		Scopes:       []string{"read", "write"},
	}
}

func TestSessionTokenRotation(t *testing.T) {
	s := newTestStore(t)
	sess := testSession("s1")
	s.CreateSession(sess)

	got := s.GetSessionByToken("access-s1")
	if got == nil || got.ID != "s1" {
		t.Fatalf("GetSessionByToken = %v, want session s1", got)
	}

	newAccess := "access-s1-rotated"
	newRefresh := "refresh-s1-rotated"
	if !s.UpdateSession("s1", storage.SessionPatch{
		AccessToken:  &newAccess,
		RefreshToken: &newRefresh,
	}) {
		t.Fatal("UpdateSession returned false for existing session")
	}

	if got := s.GetSessionByToken("access-s1"); got != nil {
		t.Errorf("old access token still resolves to %v", got.ID)
	}
	if got := s.GetSessionByToken(newAccess); got == nil || got.ID != "s1" {
		t.Errorf("new access token resolves to %v, want s1", got)
	}
	if got := s.GetSessionByRefreshToken("refresh-s1"); got != nil {
		t.Errorf("old refresh token still resolves to %v", got.ID)
	}
	if got := s.GetSessionByRefreshToken(newRefresh); got == nil || got.ID != "s1" {
		t.Errorf("new refresh token resolves to %v, want s1", got)
	}
}

func TestUpdateSessionMissing(t *testing.T) {
	s := newTestStore(t)
	token := "whatever"
	if s.UpdateSession("nope", storage.SessionPatch{AccessToken: &token}) {
		t.Error("UpdateSession returned true for missing session")
	}
}

func TestUpdateSessionPartial(t *testing.T) {
	s := newTestStore(t)
	sess := testSession("s1")
	sess.UpstreamAccessToken = "up-access"
	sess.UpstreamRefreshToken = "up-refresh"
	s.CreateSession(sess)

	before := s.GetSession("s1")

	newUpstream := "up-access-2"
	newExpiry := time.Now().Add(time.Hour)
	s.UpdateSession("s1", storage.SessionPatch{
		UpstreamAccessToken: &newUpstream,
		UpstreamExpiresAt:   &newExpiry,
	})

	after := s.GetSession("s1")
	if after.UpstreamAccessToken != "up-access-2" {
		t.Errorf("UpstreamAccessToken = %q, want up-access-2", after.UpstreamAccessToken)
	}
	if after.UpstreamRefreshToken != "up-refresh" {
		t.Errorf("UpstreamRefreshToken changed to %q", after.UpstreamRefreshToken)
	}
	if after.AccessToken != before.AccessToken || after.RefreshToken != before.RefreshToken {
		t.Error("issued token pair changed by an upstream-only patch")
	}
	if !after.UpdatedAt.After(before.UpdatedAt) && !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("UpdatedAt went backwards")
	}
	if diff := cmp.Diff(before.Scopes, after.Scopes); diff != "" {
		t.Errorf("scopes changed (-before +after):\n%s", diff)
	}
}

func TestTransportBindings(t *testing.T) {
	s := newTestStore(t)
	s.CreateSession(testSession("s1"))
	s.BindTransportSession("t1", "s1")
	s.BindTransportSession("t2", "s1")

	if got := s.GetSessionByTransportID("t1"); got == nil || got.ID != "s1" {
		t.Fatalf("GetSessionByTransportID(t1) = %v, want s1", got)
	}
	if got := s.GetSessionByTransportID("t2"); got == nil || got.ID != "s1" {
		t.Fatalf("GetSessionByTransportID(t2) = %v, want s1", got)
	}

	s.DeleteSession("s1")
	if got := s.GetSessionByTransportID("t1"); got != nil {
		t.Errorf("binding survived session deletion: %v", got)
	}
	if got := s.Stats().TransportBindings; got != 0 {
		t.Errorf("TransportBindings = %d, want 0", got)
	}
}

func TestConsumeAuthorizationCodeSingleUse(t *testing.T) {
	s := newTestStore(t)
	s.CreateAuthorizationCode(&storage.AuthorizationCode{
		Code:      "code-1",
		SessionID: "s1",
		ExpiresAt: time.Now().Add(5 * time.Minute),
	})

	first := s.ConsumeAuthorizationCode("code-1")
	if first == nil || first.SessionID != "s1" {
		t.Fatalf("first consume = %v, want code bound to s1", first)
	}
	if second := s.ConsumeAuthorizationCode("code-1"); second != nil {
		t.Errorf("second consume returned %v, want nil", second)
	}
}

func TestDeviceFlowIndexes(t *testing.T) {
	s := newTestStore(t)
	s.CreateDeviceFlow(&storage.DeviceFlowState{
		DeviceCode: "dev-1",
		UserCode:   "BCDFGHJK",
		FlowState:  "state-1",
		ExpiresAt:  time.Now().Add(15 * time.Minute),
	})

	if got := s.GetDeviceFlowByUserCode("BCDFGHJK"); got == nil || got.DeviceCode != "dev-1" {
		t.Fatalf("GetDeviceFlowByUserCode = %v, want dev-1", got)
	}
	if got := s.GetDeviceFlowByState("state-1"); got == nil || got.DeviceCode != "dev-1" {
		t.Fatalf("GetDeviceFlowByState = %v, want dev-1", got)
	}

	if !s.AuthorizeDeviceFlow("dev-1", "s1") {
		t.Fatal("AuthorizeDeviceFlow returned false")
	}
	if got := s.GetDeviceFlow("dev-1"); got.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", got.SessionID)
	}
	if !s.DenyDeviceFlow("dev-1") {
		t.Fatal("DenyDeviceFlow returned false")
	}
	if got := s.GetDeviceFlow("dev-1"); !got.Denied {
		t.Error("Denied flag not set")
	}

	s.DeleteDeviceFlow("dev-1")
	if got := s.GetDeviceFlowByUserCode("BCDFGHJK"); got != nil {
		t.Errorf("user code index survived deletion: %v", got)
	}
	if got := s.GetDeviceFlowByState("state-1"); got != nil {
		t.Errorf("state index survived deletion: %v", got)
	}
	if s.AuthorizeDeviceFlow("dev-1", "s2") {
		t.Error("AuthorizeDeviceFlow returned true for deleted flow")
	}
}

func TestCleanup(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	old := testSession("old")
	old.CreatedAt = now.Add(-8 * 24 * time.Hour)
	s.CreateSession(old)
	fresh := testSession("fresh")
	s.CreateSession(fresh)

	s.CreateDeviceFlow(&storage.DeviceFlowState{
		DeviceCode: "dev-expired", UserCode: "BCDFGHJK", FlowState: "st-1",
		ExpiresAt: now.Add(-time.Minute),
	})
	s.CreateDeviceFlow(&storage.DeviceFlowState{
		DeviceCode: "dev-live", UserCode: "LMNPQRST", FlowState: "st-2",
		ExpiresAt: now.Add(10 * time.Minute),
	})
	s.CreateAuthCodeFlow(&storage.AuthCodeFlowState{
		FlowState: "af-expired", ExpiresAt: now.Add(-time.Minute),
	})
	s.CreateAuthorizationCode(&storage.AuthorizationCode{
		Code: "ac-expired", ExpiresAt: now.Add(-time.Minute),
	})
	s.CreateAuthorizationCode(&storage.AuthorizationCode{
		Code: "ac-live", ExpiresAt: now.Add(5 * time.Minute),
	})

	result := s.Cleanup(now)

	want := storage.CleanupResult{
		Sessions:           1,
		DeviceFlows:        1,
		AuthCodeFlows:      1,
		AuthorizationCodes: 1,
	}
	if diff := cmp.Diff(want, result); diff != "" {
		t.Errorf("Cleanup result mismatch (-want +got):\n%s", diff)
	}

	if got := s.GetSession("old"); got != nil {
		t.Error("expired session survived cleanup")
	}
	if got := s.GetSession("fresh"); got == nil {
		t.Error("fresh session removed by cleanup")
	}
	if got := s.GetDeviceFlow("dev-live"); got == nil {
		t.Error("live device flow removed by cleanup")
	}
	if got := s.ConsumeAuthorizationCode("ac-live"); got == nil {
		t.Error("live authorization code removed by cleanup")
	}
}

func TestFlushMirrorsToBackend(t *testing.T) {
	backend := storage.NewMemoryBackend()
	s := New(backend, WithCleanupInterval(time.Hour))
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer s.Close(context.Background())

	s.CreateSession(testSession("s1"))
	s.Flush()

	got, err := backend.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("backend GetSession error = %v", err)
	}
	if got == nil || got.ID != "s1" {
		t.Fatalf("backend session = %v, want s1 after Flush", got)
	}
}

// blockingBackend stalls session writes until released, to hold mirror
// goroutines in flight.
type blockingBackend struct {
	*storage.MemoryBackend
	release chan struct{}
}

func (b *blockingBackend) PutSession(ctx context.Context, sess *storage.Session) error {
	<-b.release
	return b.MemoryBackend.PutSession(ctx, sess)
}

func TestCloseHonorsContext(t *testing.T) {
	backend := &blockingBackend{
		MemoryBackend: storage.NewMemoryBackend(),
		release:       make(chan struct{}),
	}
	s := New(backend, WithCleanupInterval(time.Hour))
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	s.CreateSession(testSession("s1"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close() with stalled write error = %v, want deadline exceeded", err)
	}

	close(backend.release)
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Close() after drain error = %v", err)
	}
}

func TestInitializeLoadsFromBackend(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	if err := backend.Initialize(ctx); err != nil {
		t.Fatalf("backend Initialize() error = %v", err)
	}
	sess := testSession("s1")
	sess.CreatedAt = time.Now()
	sess.UpdatedAt = time.Now()
	if err := backend.PutSession(ctx, sess); err != nil {
		t.Fatalf("PutSession error = %v", err)
	}
	if err := backend.PutDeviceFlow(ctx, &storage.DeviceFlowState{
		DeviceCode: "dev-1", UserCode: "BCDFGHJK", FlowState: "st-1",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}); err != nil {
		t.Fatalf("PutDeviceFlow error = %v", err)
	}
	if err := backend.BindTransportSession(ctx, "t1", "s1"); err != nil {
		t.Fatalf("BindTransportSession error = %v", err)
	}

	s := New(backend, WithCleanupInterval(time.Hour))
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer s.Close(ctx)

	if got := s.GetSessionByToken("access-s1"); got == nil || got.ID != "s1" {
		t.Errorf("access token index not rebuilt, got %v", got)
	}
	if got := s.GetSessionByRefreshToken("refresh-s1"); got == nil || got.ID != "s1" {
		t.Errorf("refresh token index not rebuilt, got %v", got)
	}
	if got := s.GetDeviceFlowByUserCode("BCDFGHJK"); got == nil {
		t.Error("user code index not rebuilt")
	}
	if got := s.GetSessionByTransportID("t1"); got == nil || got.ID != "s1" {
		t.Errorf("transport binding not loaded, got %v", got)
	}
}

func TestGetSessionReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	s.CreateSession(testSession("s1"))

	got := s.GetSession("s1")
	got.Username = "mallory"
	got.Scopes[0] = "admin"

	again := s.GetSession("s1")
	if again.Username != "alice" {
		t.Error("mutating a returned session leaked into the cache")
	}
	if again.Scopes[0] != "read" {
		t.Error("mutating returned scopes leaked into the cache")
	}
}
