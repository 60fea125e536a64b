package main

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestStore_GetAuthDefaultsToZero(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "storage.json"))

	auth, err := store.GetAuth()
	if err != nil {
		t.Fatalf("GetAuth() error = %v", err)
	}
	if !auth.IsZero() {
		t.Errorf("GetAuth() on missing file = %+v, want zero record", auth)
	}
}

func TestStore_SetAuthRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "storage.json"))

	want := AuthState{
		AccessToken:  "access-token-value",
		RefreshToken: "refresh-token-value",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
	}
	if err := store.SetAuth(want); err != nil {
		t.Fatalf("SetAuth() error = %v", err)
	}

	got, err := store.GetAuth()
	if err != nil {
		t.Fatalf("GetAuth() error = %v", err)
	}
	if got != want {
		t.Errorf("GetAuth() = %+v, want %+v", got, want)
	}
}

func TestStore_SetZeroAuthDeletes(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "storage.json"))

	if err := store.SetAuth(AuthState{AccessToken: "tok-value-1", ExpiresAt: 1}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetAuth(AuthState{}); err != nil {
		t.Fatalf("SetAuth(zero) error = %v", err)
	}

	auth, err := store.GetAuth()
	if err != nil {
		t.Fatal(err)
	}
	if !auth.IsZero() {
		t.Errorf("auth after zero-set = %+v, want zero record", auth)
	}
}

func TestStore_ClearAuthLeavesOtherKeys(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "storage.json"))

	account := &Account{ID: "acct-1", DisplayName: "Test User"}
	if err := store.SetAccount(account); err != nil {
		t.Fatal(err)
	}
	if err := store.SetAuth(AuthState{AccessToken: "tok-value-1", ExpiresAt: 1}); err != nil {
		t.Fatal(err)
	}

	if err := store.ClearAuth(); err != nil {
		t.Fatalf("ClearAuth() error = %v", err)
	}

	got, err := store.GetAccount()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "acct-1" {
		t.Errorf("account after ClearAuth = %+v, want acct-1 preserved", got)
	}
}

func TestStore_AccountRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "storage.json"))

	got, err := store.GetAccount()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("GetAccount() on empty store = %+v, want nil", got)
	}

	want := &Account{ID: "acct-1", PrincipalName: "user@example.com", DisplayName: "Test User"}
	if err := store.SetAccount(want); err != nil {
		t.Fatalf("SetAccount() error = %v", err)
	}

	got, err = store.GetAccount()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || *got != *want {
		t.Errorf("GetAccount() = %+v, want %+v", got, want)
	}

	if err := store.ClearAccount(); err != nil {
		t.Fatalf("ClearAccount() error = %v", err)
	}
	got, err = store.GetAccount()
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("GetAccount() after clear = %+v, want nil", got)
	}
}

func TestStore_ClearUserScopedData(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "storage.json"))

	if err := store.SetCache(keyTodos, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetCache(keyCategories, []string{"red"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetAccount(&Account{ID: "acct-1"}); err != nil {
		t.Fatal(err)
	}

	if err := store.ClearUserScopedData(); err != nil {
		t.Fatalf("ClearUserScopedData() error = %v", err)
	}

	var todos []string
	ok, err := store.GetCache(keyTodos, &todos)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("todos cache survived ClearUserScopedData")
	}
	ok, err = store.GetCache(keyCategories, &todos)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("categories cache survived ClearUserScopedData")
	}

	// The account itself is not user-scoped cache data.
	account, err := store.GetAccount()
	if err != nil {
		t.Fatal(err)
	}
	if account == nil {
		t.Error("account removed by ClearUserScopedData")
	}
}

func TestStore_CorruptDocumentTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	store := NewStore(path)

	auth, err := store.GetAuth()
	if err != nil {
		t.Fatalf("GetAuth() on corrupt document error = %v", err)
	}
	if !auth.IsZero() {
		t.Errorf("auth from corrupt document = %+v, want zero record", auth)
	}

	// The next write replaces the corrupt document wholesale.
	if err := store.SetAuth(AuthState{AccessToken: "tok-value-1", ExpiresAt: 1}); err != nil {
		t.Fatalf("SetAuth() after corruption error = %v", err)
	}
	auth, err = store.GetAuth()
	if err != nil {
		t.Fatal(err)
	}
	if auth.AccessToken != "tok-value-1" {
		t.Errorf("auth after rewrite = %+v", auth)
	}
}

func TestStore_SubscribeDeliversOwnWrites(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "storage.json"))
	defer store.Close()

	var mu sync.Mutex
	var got []AuthState
	unsubscribe, err := store.Subscribe(func(auth AuthState) {
		mu.Lock()
		got = append(got, auth)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()

	want := AuthState{AccessToken: "tok-value-1", RefreshToken: "ref", ExpiresAt: 42}
	if err := store.SetAuth(want); err != nil {
		t.Fatal(err)
	}

	if !waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}) {
		t.Fatal("no change notification delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0] != want {
		t.Errorf("notified auth = %+v, want %+v", got[0], want)
	}
}

func TestStore_SubscribeSeesForeignWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json")
	reader := NewStore(path)
	defer reader.Close()
	writer := NewStore(path)

	var mu sync.Mutex
	var got []AuthState
	unsubscribe, err := reader.Subscribe(func(auth AuthState) {
		mu.Lock()
		got = append(got, auth)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()

	want := AuthState{AccessToken: "tok-from-other-context", ExpiresAt: 99}
	if err := writer.SetAuth(want); err != nil {
		t.Fatal(err)
	}

	if !waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1 && got[len(got)-1] == want
	}) {
		t.Fatalf("foreign write not observed; got %+v", got)
	}

	// Both instances converge on the same value.
	fromReader, err := reader.GetAuth()
	if err != nil {
		t.Fatal(err)
	}
	fromWriter, err := writer.GetAuth()
	if err != nil {
		t.Fatal(err)
	}
	if fromReader != fromWriter {
		t.Errorf("instances diverged: %+v vs %+v", fromReader, fromWriter)
	}
}

func TestStore_NotifyDedupesUnchangedAuth(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "storage.json"))
	defer store.Close()

	var mu sync.Mutex
	count := 0
	unsubscribe, err := store.Subscribe(func(AuthState) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	if err := store.SetAuth(AuthState{AccessToken: "tok-value-1", ExpiresAt: 1}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 1
	})

	// A cache write changes the document but not the auth record; no
	// additional auth notification should fire.
	if err := store.SetCache(keyTodos, []string{"x"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("auth notifications = %d, want exactly 1", count)
	}
}
