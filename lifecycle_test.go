package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLifecycle(t *testing.T, tokenURL string) (*Lifecycle, *Store) {
	t.Helper()
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "storage.json"))
	bus := NewBus(filepath.Join(dir, "storage.json.events"))
	cfg := ProviderConfig{
		ClientID: "test-client-id",
		TokenURL: tokenURL,
		Scopes:   "Tasks.ReadWrite User.Read offline_access",
	}
	l := NewLifecycle(cfg, store, bus, http.DefaultClient)
	l.backoff = func(int) time.Duration { return 0 }
	t.Cleanup(l.Close)
	return l, store
}

// tokenServer answers the refresh grant with a fresh token pair.
func tokenServer(t *testing.T, attempts *atomic.Int32, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts != nil {
			attempts.Add(1)
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func writeSuccessToken(w http.ResponseWriter, refreshToken string) {
	w.Header().Set("Content-Type", "application/json")
	body := `{"access_token":"refreshed-access-token-1","token_type":"Bearer","expires_in":3600`
	if refreshToken != "" {
		body += `,"refresh_token":"` + refreshToken + `"`
	}
	body += `}`
	w.Write([]byte(body))
}

func TestLifecycle_IsExpired(t *testing.T) {
	l, _ := newTestLifecycle(t, "http://unused.invalid")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	tests := []struct {
		name string
		auth AuthState
		want bool
	}{
		{
			name: "expires inside the skew window",
			auth: AuthState{AccessToken: "tok", ExpiresAt: now.Add(20 * time.Second).UnixMilli()},
			want: true,
		},
		{
			name: "expires outside the skew window",
			auth: AuthState{AccessToken: "tok", ExpiresAt: now.Add(40 * time.Second).UnixMilli()},
			want: false,
		},
		{
			name: "already expired",
			auth: AuthState{AccessToken: "tok", ExpiresAt: now.Add(-time.Minute).UnixMilli()},
			want: true,
		},
		{
			name: "no expiry recorded",
			auth: AuthState{AccessToken: "tok"},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := l.isExpired(tt.auth, expirySkew); got != tt.want {
				t.Errorf("isExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLifecycle_StartupWithValidToken(t *testing.T) {
	l, store := newTestLifecycle(t, "http://unused.invalid")

	auth := AuthState{
		AccessToken:  "valid-access-token",
		RefreshToken: "valid-refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}
	if err := store.SetAuth(auth); err != nil {
		t.Fatal(err)
	}

	if phase := l.Startup(context.Background()); phase != PhaseReady {
		t.Errorf("Startup() = %s, want %s", phase, PhaseReady)
	}

	l.mu.Lock()
	armed := l.timer != nil
	l.mu.Unlock()
	if !armed {
		t.Error("proactive refresh timer not armed for a valid session")
	}
}

func TestLifecycle_StartupWithRefreshTokenOnly(t *testing.T) {
	var attempts atomic.Int32
	server := tokenServer(t, &attempts, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %s", got)
		}
		if got := r.Form.Get("refresh_token"); got != "stored-refresh-token" {
			t.Errorf("refresh_token = %s", got)
		}
		writeSuccessToken(w, "rotated-refresh-token")
	})

	l, store := newTestLifecycle(t, server.URL)
	if err := store.SetAuth(AuthState{RefreshToken: "stored-refresh-token"}); err != nil {
		t.Fatal(err)
	}

	if phase := l.Startup(context.Background()); phase != PhaseReady {
		t.Errorf("Startup() = %s, want %s", phase, PhaseReady)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("refresh attempts = %d, want 1", got)
	}

	auth, err := store.GetAuth()
	if err != nil {
		t.Fatal(err)
	}
	if auth.AccessToken != "refreshed-access-token-1" {
		t.Errorf("AccessToken = %s", auth.AccessToken)
	}
	if auth.RefreshToken != "rotated-refresh-token" {
		t.Errorf("RefreshToken = %s", auth.RefreshToken)
	}
}

func TestLifecycle_StartupSignedOut(t *testing.T) {
	l, _ := newTestLifecycle(t, "http://unused.invalid")

	if phase := l.Startup(context.Background()); phase != PhasePrompt {
		t.Errorf("Startup() = %s, want %s", phase, PhasePrompt)
	}
}

func TestLifecycle_RefreshRetainsPriorRefreshToken(t *testing.T) {
	server := tokenServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		// Provider omits refresh_token in the response.
		writeSuccessToken(w, "")
	})

	l, store := newTestLifecycle(t, server.URL)
	if err := store.SetAuth(AuthState{RefreshToken: "stored-refresh-token"}); err != nil {
		t.Fatal(err)
	}

	auth, err := l.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if auth.RefreshToken != "stored-refresh-token" {
		t.Errorf("RefreshToken = %s, want the prior one retained", auth.RefreshToken)
	}
}

func TestLifecycle_RefreshTransientFailureRetriesAndPreservesState(t *testing.T) {
	var attempts atomic.Int32
	server := tokenServer(t, &attempts, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	l, store := newTestLifecycle(t, server.URL)
	stored := AuthState{RefreshToken: "stored-refresh-token"}
	if err := store.SetAuth(stored); err != nil {
		t.Fatal(err)
	}

	_, err := l.Refresh(context.Background())
	if err == nil {
		t.Fatal("Refresh() succeeded against a failing endpoint")
	}
	if errors.Is(err, ErrRefreshTokenExpired) {
		t.Error("transient failure classified as an expired grant")
	}
	if got := attempts.Load(); got != maxRefreshAttempts {
		t.Errorf("attempts = %d, want %d", got, maxRefreshAttempts)
	}

	// Credentials survive; a later retry is scheduled instead of signing out.
	auth, err := store.GetAuth()
	if err != nil {
		t.Fatal(err)
	}
	if auth != stored {
		t.Errorf("stored auth = %+v, want untouched %+v", auth, stored)
	}
	if l.Phase() != PhaseRefreshing {
		t.Errorf("Phase() = %s, want %s", l.Phase(), PhaseRefreshing)
	}
	l.mu.Lock()
	scheduled := l.timer != nil
	l.mu.Unlock()
	if !scheduled {
		t.Error("no delayed retry scheduled after exhausting attempts")
	}
}

func TestLifecycle_RefreshExhaustionKeepsReadyWhileTokenValid(t *testing.T) {
	server := tokenServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	l, store := newTestLifecycle(t, server.URL)
	stored := AuthState{
		AccessToken:  "still-valid-access-token",
		RefreshToken: "stored-refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}
	if err := store.SetAuth(stored); err != nil {
		t.Fatal(err)
	}

	if _, err := l.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() succeeded against a failing endpoint")
	}
	if l.Phase() != PhaseReady {
		t.Errorf("Phase() = %s, want %s while the old token is still valid", l.Phase(), PhaseReady)
	}
}

func TestLifecycle_RefreshPermanentProviderErrorDoesNotRetry(t *testing.T) {
	var attempts atomic.Int32
	server := tokenServer(t, &attempts, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_client"}`))
	})

	l, store := newTestLifecycle(t, server.URL)
	if err := store.SetAuth(AuthState{RefreshToken: "stored-refresh-token"}); err != nil {
		t.Fatal(err)
	}

	if _, err := l.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() succeeded on invalid_client")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 for a definitive provider error", got)
	}

	// Not an invalid_grant: credentials stay.
	auth, err := store.GetAuth()
	if err != nil {
		t.Fatal(err)
	}
	if auth.RefreshToken != "stored-refresh-token" {
		t.Errorf("refresh token = %q, want preserved", auth.RefreshToken)
	}
}

func TestLifecycle_RefreshInvalidGrantClearsCredentials(t *testing.T) {
	var attempts atomic.Int32
	server := tokenServer(t, &attempts, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"AADSTS70000"}`))
	})

	l, store := newTestLifecycle(t, server.URL)
	if err := store.SetAuth(AuthState{
		AccessToken:  "old-access-token",
		RefreshToken: "revoked-refresh-token",
		ExpiresAt:    1,
	}); err != nil {
		t.Fatal(err)
	}

	_, err := l.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshTokenExpired) {
		t.Fatalf("Refresh() error = %v, want ErrRefreshTokenExpired", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 — a dead grant is not retried", got)
	}
	if l.Phase() != PhasePrompt {
		t.Errorf("Phase() = %s, want %s", l.Phase(), PhasePrompt)
	}

	auth, err := store.GetAuth()
	if err != nil {
		t.Fatal(err)
	}
	if !auth.IsZero() {
		t.Errorf("credentials survived invalid_grant: %+v", auth)
	}
}

func TestLifecycle_RefreshWithoutRefreshToken(t *testing.T) {
	l, _ := newTestLifecycle(t, "http://unused.invalid")

	if _, err := l.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() succeeded with no refresh token")
	}
	if l.Phase() != PhasePrompt {
		t.Errorf("Phase() = %s, want %s", l.Phase(), PhasePrompt)
	}
}

func TestLifecycle_EnsureValidToken(t *testing.T) {
	t.Run("valid token returned without refresh", func(t *testing.T) {
		var attempts atomic.Int32
		server := tokenServer(t, &attempts, func(w http.ResponseWriter, r *http.Request) {
			writeSuccessToken(w, "")
		})

		l, store := newTestLifecycle(t, server.URL)
		if err := store.SetAuth(AuthState{
			AccessToken:  "current-access-token",
			RefreshToken: "stored-refresh-token",
			ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		}); err != nil {
			t.Fatal(err)
		}

		if got := l.EnsureValidToken(context.Background()); got != "current-access-token" {
			t.Errorf("EnsureValidToken() = %q", got)
		}
		if attempts.Load() != 0 {
			t.Error("refresh attempted for a still-valid token")
		}
	})

	t.Run("expired token triggers refresh", func(t *testing.T) {
		server := tokenServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
			writeSuccessToken(w, "")
		})

		l, store := newTestLifecycle(t, server.URL)
		if err := store.SetAuth(AuthState{
			AccessToken:  "stale-access-token",
			RefreshToken: "stored-refresh-token",
			ExpiresAt:    time.Now().Add(10 * time.Second).UnixMilli(),
		}); err != nil {
			t.Fatal(err)
		}

		if got := l.EnsureValidToken(context.Background()); got != "refreshed-access-token-1" {
			t.Errorf("EnsureValidToken() = %q, want the refreshed token", got)
		}
	})

	t.Run("signed out yields empty", func(t *testing.T) {
		l, _ := newTestLifecycle(t, "http://unused.invalid")
		if got := l.EnsureValidToken(context.Background()); got != "" {
			t.Errorf("EnsureValidToken() = %q, want empty", got)
		}
	})

	t.Run("failed refresh yields empty", func(t *testing.T) {
		server := tokenServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		l, store := newTestLifecycle(t, server.URL)
		if err := store.SetAuth(AuthState{RefreshToken: "stored-refresh-token"}); err != nil {
			t.Fatal(err)
		}

		if got := l.EnsureValidToken(context.Background()); got != "" {
			t.Errorf("EnsureValidToken() = %q, want empty", got)
		}
	})
}

func TestLifecycle_ObserveForeignChanges(t *testing.T) {
	l, _ := newTestLifecycle(t, "http://unused.invalid")

	var phases []Phase
	l.SetPhaseListener(func(p Phase) {
		phases = append(phases, p)
	})

	// Another context signed in.
	l.Observe(AuthState{
		AccessToken:  "foreign-access-token",
		RefreshToken: "foreign-refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	})
	if l.Phase() != PhaseReady {
		t.Errorf("Phase() = %s, want %s", l.Phase(), PhaseReady)
	}

	// Another context signed out.
	l.Observe(AuthState{})
	if l.Phase() != PhasePrompt {
		t.Errorf("Phase() = %s, want %s", l.Phase(), PhasePrompt)
	}
	l.mu.Lock()
	armed := l.timer != nil
	l.mu.Unlock()
	if armed {
		t.Error("refresh timer still armed after sign-out")
	}

	want := []Phase{PhaseReady, PhasePrompt}
	if len(phases) != len(want) {
		t.Fatalf("phase transitions = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("phase[%d] = %s, want %s", i, phases[i], want[i])
		}
	}
}

func TestLifecycle_SignOut(t *testing.T) {
	l, store := newTestLifecycle(t, "http://unused.invalid")
	if err := store.SetAuth(AuthState{
		AccessToken:  "current-access-token",
		RefreshToken: "stored-refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}
	l.Startup(context.Background())

	if err := l.SignOut(); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if l.Phase() != PhasePrompt {
		t.Errorf("Phase() = %s, want %s", l.Phase(), PhasePrompt)
	}

	auth, err := store.GetAuth()
	if err != nil {
		t.Fatal(err)
	}
	if !auth.IsZero() {
		t.Errorf("auth after SignOut = %+v, want zero record", auth)
	}
	l.mu.Lock()
	armed := l.timer != nil
	l.mu.Unlock()
	if armed {
		t.Error("refresh timer still armed after SignOut")
	}
}
