package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zczy999/business-gemini/internal/account"
)

func testSnapshot() account.Snapshot {
	return account.Snapshot{
		ID:            1,
		ConfigID:      "team-1",
		SessionCookie: "ses-cookie",
		HostCookie:    "oses-cookie",
		SessionIndex:  "3",
	}
}

func testPool() *account.Pool {
	pool := account.NewPool()
	pool.Load([]*account.Account{{
		ID: 1, ConfigID: "team-1", SessionCookie: "ses-cookie",
		HostCookie: "oses-cookie", SessionIndex: "3", Enabled: true,
	}})
	return pool
}

func TestCredentialCache_StripsAntiHijackPrefix(t *testing.T) {
	var gotCookie, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotQuery = r.URL.Query().Get("csesidx")
		w.Write([]byte(")]}'\n{\"keyId\":\"jwt-abc\"}"))
	}))
	defer server.Close()

	client, err := NewClient("")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	client.AuthBaseURL = server.URL

	cache := NewCredentialCache(testPool(), client)
	jwt, err := cache.JWTFor(context.Background(), testSnapshot())
	if err != nil {
		t.Fatalf("JWTFor failed: %v", err)
	}
	if jwt != "jwt-abc" {
		t.Errorf("jwt = %q, want jwt-abc", jwt)
	}
	if gotCookie != "__Secure-C_SES=ses-cookie; __Host-C_OSES=oses-cookie" {
		t.Errorf("cookie header = %q", gotCookie)
	}
	if gotQuery != "3" {
		t.Errorf("csesidx = %q, want 3", gotQuery)
	}
}

func TestCredentialCache_CachesWithinMaxAge(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(")]}'\n{\"keyId\":\"jwt-abc\"}"))
	}))
	defer server.Close()

	client, _ := NewClient("")
	client.AuthBaseURL = server.URL

	pool := testPool()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	pool.SetNowFunc(func() time.Time { return clock })
	cache := NewCredentialCache(pool, client)
	cache.SetNowFunc(func() time.Time { return clock })

	for i := 0; i < 5; i++ {
		if _, err := cache.JWTFor(context.Background(), testSnapshot()); err != nil {
			t.Fatalf("JWTFor failed: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("upstream called %d times, want 1", calls.Load())
	}

	// Past the freshness window a new exchange happens.
	clock = now.Add(241 * time.Second)
	if _, err := cache.JWTFor(context.Background(), testSnapshot()); err != nil {
		t.Fatalf("JWTFor failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("upstream called %d times after expiry, want 2", calls.Load())
	}
}

func TestCredentialCache_SingleFlight(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(")]}'\n{\"keyId\":\"jwt-abc\"}"))
	}))
	defer server.Close()

	client, _ := NewClient("")
	client.AuthBaseURL = server.URL
	cache := NewCredentialCache(testPool(), client)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.JWTFor(context.Background(), testSnapshot()); err != nil {
				t.Errorf("JWTFor failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("upstream called %d times under concurrency, want 1", calls.Load())
	}
}

func TestCredentialCache_MissingKeyIDIsAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(")]}'\n{}"))
	}))
	defer server.Close()

	client, _ := NewClient("")
	client.AuthBaseURL = server.URL
	cache := NewCredentialCache(testPool(), client)

	_, err := cache.JWTFor(context.Background(), testSnapshot())
	if err == nil {
		t.Fatal("expected an error for missing keyId")
	}
	se, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("expected *StatusError, got %T", err)
	}
	if !se.IsAuthStatus() {
		t.Errorf("expected auth status, got %d", se.StatusCode)
	}
}

func TestCredentialCache_UpstreamStatusPropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	client, _ := NewClient("")
	client.AuthBaseURL = server.URL
	cache := NewCredentialCache(testPool(), client)

	_, err := cache.JWTFor(context.Background(), testSnapshot())
	se, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("expected *StatusError, got %T (%v)", err, err)
	}
	if se.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", se.StatusCode)
	}
}
