package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zczy999/business-gemini/internal/account"
)

// fakeUpstream serves the oxsrf and widgetCreateSession endpoints and
// counts session creates.
func fakeUpstream(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var creates atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/getoxsrf", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(")]}'\n{\"keyId\":\"jwt-abc\"}"))
	})
	mux.HandleFunc("/widgetCreateSession", func(w http.ResponseWriter, r *http.Request) {
		n := creates.Add(1)
		fmt.Fprintf(w, `{"session":{"name":"sessions/s%d"}}`, n)
	})
	return httptest.NewServer(mux), &creates
}

func newTestSessionManager(t *testing.T, server *httptest.Server) (*SessionManager, *account.Pool, func(time.Time)) {
	t.Helper()
	client, err := NewClient("")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	client.AuthBaseURL = server.URL
	client.APIBaseURL = server.URL

	pool := testPool()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clockPtr := &clock
	nowFn := func() time.Time { return *clockPtr }
	pool.SetNowFunc(nowFn)

	creds := NewCredentialCache(pool, client)
	creds.SetNowFunc(nowFn)
	mgr := NewSessionManager(pool, client, creds)
	mgr.SetNowFunc(nowFn)

	return mgr, pool, func(t time.Time) { *clockPtr = t }
}

func TestSessionManager_CreatesOnce(t *testing.T) {
	server, creates := fakeUpstream(t)
	defer server.Close()
	mgr, pool, _ := newTestSessionManager(t, server)

	session, jwt, configID, err := mgr.SessionFor(context.Background(), testSnapshot())
	if err != nil {
		t.Fatalf("SessionFor failed: %v", err)
	}
	if session != "sessions/s1" {
		t.Errorf("session = %q, want sessions/s1", session)
	}
	if jwt != "jwt-abc" {
		t.Errorf("jwt = %q", jwt)
	}
	if configID != "team-1" {
		t.Errorf("configId = %q", configID)
	}

	// Second call reuses the session and bumps the counter.
	session2, _, _, err := mgr.SessionFor(context.Background(), testSnapshot())
	if err != nil {
		t.Fatalf("SessionFor failed: %v", err)
	}
	if session2 != session {
		t.Errorf("expected session reuse, got %q", session2)
	}
	if creates.Load() != 1 {
		t.Errorf("created %d sessions, want 1", creates.Load())
	}
	if st, _ := pool.Session(1); st.UseCount != 2 {
		t.Errorf("use count = %d, want 2", st.UseCount)
	}
}

func TestSessionManager_RotatesAtUseLimit(t *testing.T) {
	server, creates := fakeUpstream(t)
	defer server.Close()
	mgr, _, _ := newTestSessionManager(t, server)

	// 50 calls ride the first session; the 51st rotates.
	var last string
	for i := 0; i < 50; i++ {
		s, _, _, err := mgr.SessionFor(context.Background(), testSnapshot())
		if err != nil {
			t.Fatalf("call %d failed: %v", i+1, err)
		}
		last = s
	}
	if creates.Load() != 1 {
		t.Fatalf("created %d sessions within the use limit, want 1", creates.Load())
	}

	s, _, _, err := mgr.SessionFor(context.Background(), testSnapshot())
	if err != nil {
		t.Fatalf("51st call failed: %v", err)
	}
	if s == last {
		t.Error("expected rotation on the 51st use")
	}
	if creates.Load() != 2 {
		t.Errorf("created %d sessions, want 2", creates.Load())
	}
}

func TestSessionManager_RotatesByAge(t *testing.T) {
	server, creates := fakeUpstream(t)
	defer server.Close()
	mgr, _, advance := newTestSessionManager(t, server)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first, _, _, err := mgr.SessionFor(context.Background(), testSnapshot())
	if err != nil {
		t.Fatalf("SessionFor failed: %v", err)
	}

	// Just under the limit: still the same session.
	advance(start.Add(12*time.Hour - time.Second))
	same, _, _, _ := mgr.SessionFor(context.Background(), testSnapshot())
	if same != first {
		t.Error("session rotated before the age limit")
	}

	// Past the limit: rotated.
	advance(start.Add(12*time.Hour + time.Second))
	rotated, _, _, err := mgr.SessionFor(context.Background(), testSnapshot())
	if err != nil {
		t.Fatalf("SessionFor failed: %v", err)
	}
	if rotated == first {
		t.Error("expected rotation after 12h")
	}
	if creates.Load() != 2 {
		t.Errorf("created %d sessions, want 2", creates.Load())
	}
}

func TestSessionManager_JWTRefreshKeepsSession(t *testing.T) {
	server, creates := fakeUpstream(t)
	defer server.Close()
	mgr, _, advance := newTestSessionManager(t, server)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first, _, _, err := mgr.SessionFor(context.Background(), testSnapshot())
	if err != nil {
		t.Fatalf("SessionFor failed: %v", err)
	}

	// JWT goes stale, session does not.
	advance(start.Add(5 * time.Minute))
	same, _, _, err := mgr.SessionFor(context.Background(), testSnapshot())
	if err != nil {
		t.Fatalf("SessionFor failed: %v", err)
	}
	if same != first {
		t.Error("jwt refresh must not rotate the session")
	}
	if creates.Load() != 1 {
		t.Errorf("created %d sessions, want 1", creates.Load())
	}
}
