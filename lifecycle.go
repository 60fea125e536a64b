package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Phase is the externally observable lifecycle state:
// initializing → ready | refreshing | prompt → … → ready | prompt | error.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseReady        Phase = "ready"
	PhaseRefreshing   Phase = "refreshing"
	PhasePrompt       Phase = "prompt"
	PhaseError        Phase = "error"
)

// Lifecycle tuning. The skews avoid racing true expiry; the proactive timer
// fires refreshLead before the token expires; transient refresh failures
// retry with exponential backoff up to maxRefreshAttempts per cycle, then
// back off for transientRetryDelay.
const (
	expirySkew          = 30 * time.Second
	ensureSkew          = 60 * time.Second
	refreshLead         = 5 * time.Minute
	maxRefreshAttempts  = 3
	refreshBackoffBase  = 1 * time.Second
	transientRetryDelay = 30 * time.Second
)

// Lifecycle owns the token state machine: initial load, validity checks,
// silent refresh with bounded retry, proactive refresh scheduling, and
// terminal failure handling. One instance is constructed per context and
// injected into whatever needs auth; there is no ambient global.
type Lifecycle struct {
	cfg    ProviderConfig
	store  *Store
	bus    *Bus
	client *http.Client

	// Injectable for tests.
	now     func() time.Time
	backoff func(attempt int) time.Duration

	mu        sync.Mutex
	phase     Phase
	timer     *time.Timer
	onPhase   func(Phase)
	refreshMu sync.Mutex
}

// NewLifecycle creates a lifecycle manager in the initializing phase.
func NewLifecycle(cfg ProviderConfig, store *Store, bus *Bus, client *http.Client) *Lifecycle {
	return &Lifecycle{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		client: client,
		now:    time.Now,
		backoff: func(attempt int) time.Duration {
			return refreshBackoffBase << attempt
		},
		phase: PhaseInitializing,
	}
}

// Phase returns the current lifecycle phase.
func (l *Lifecycle) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// SetPhaseListener registers a callback invoked on every phase transition.
// Intended for the UI layer; must not block.
func (l *Lifecycle) SetPhaseListener(fn func(Phase)) {
	l.mu.Lock()
	l.onPhase = fn
	l.mu.Unlock()
}

func (l *Lifecycle) setPhase(phase Phase) {
	l.mu.Lock()
	changed := l.phase != phase
	l.phase = phase
	fn := l.onPhase
	l.mu.Unlock()
	if changed && fn != nil {
		fn(phase)
	}
}

// isExpired reports whether the record's access token is unusable within
// the given skew window. A token without a known expiry is expired.
func (l *Lifecycle) isExpired(auth AuthState, skew time.Duration) bool {
	if auth.ExpiresAt == 0 {
		return true
	}
	return l.now().UnixMilli() >= auth.ExpiresAt-skew.Milliseconds()
}

// Startup loads persisted state and resolves the initial phase: ready when
// a valid token exists, refreshing (with an immediate refresh attempt) when
// only a refresh token exists, prompt otherwise. An unreadable store is the
// error phase.
func (l *Lifecycle) Startup(ctx context.Context) Phase {
	auth, err := l.store.GetAuth()
	if err != nil {
		l.setPhase(PhaseError)
		return PhaseError
	}

	switch {
	case auth.AccessToken != "" && !l.isExpired(auth, expirySkew):
		l.setPhase(PhaseReady)
		l.armTimer(auth)
	case auth.RefreshToken != "":
		l.setPhase(PhaseRefreshing)
		l.Refresh(ctx)
	default:
		l.setPhase(PhasePrompt)
	}

	return l.Phase()
}

// Observe re-evaluates the phase and the proactive timer against an
// AuthState delivered by the store change feed, so a context picks up
// logins, refreshes, and sign-outs performed by other contexts.
func (l *Lifecycle) Observe(auth AuthState) {
	switch {
	case auth.AccessToken != "" && !l.isExpired(auth, expirySkew):
		l.setPhase(PhaseReady)
		l.armTimer(auth)
	case auth.RefreshToken != "":
		l.setPhase(PhaseRefreshing)
		l.scheduleRetry(0)
	default:
		l.stopTimer()
		l.setPhase(PhasePrompt)
	}
}

// refreshOnce performs a single refresh_token grant attempt.
func (l *Lifecycle) refreshOnce(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, refreshTokenTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("client_id", l.cfg.ClientID)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("scope", l.cfg.Scopes)

	return postToken(reqCtx, l.client, l.cfg.TokenURL, data)
}

// Refresh runs one silent-refresh cycle: bounded exponential-backoff retry
// on transient failures, stored-credential destruction only on an
// invalid_grant-class response. On exhausted retries the stored state is
// left untouched, the phase stays ready if a still-valid token exists, and
// otherwise a delayed retry is scheduled.
func (l *Lifecycle) Refresh(ctx context.Context) (AuthState, error) {
	l.refreshMu.Lock()
	defer l.refreshMu.Unlock()

	auth, err := l.store.GetAuth()
	if err != nil {
		return AuthState{}, err
	}
	if auth.RefreshToken == "" {
		l.setPhase(PhasePrompt)
		return AuthState{}, fmt.Errorf("no refresh token available")
	}

	var lastErr error
	for attempt := 0; attempt < maxRefreshAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(l.backoff(attempt - 1)):
			case <-ctx.Done():
				return AuthState{}, ctx.Err()
			}
		}

		token, err := l.refreshOnce(ctx, auth.RefreshToken)
		if err == nil {
			next := AuthState{
				AccessToken:  token.AccessToken,
				RefreshToken: token.RefreshToken,
				ExpiresAt:    token.expiresAtMillis(l.now()),
			}
			// The provider may omit a new refresh token; keep the prior one.
			if next.RefreshToken == "" {
				next.RefreshToken = auth.RefreshToken
			}
			if err := l.store.SetAuth(next); err != nil {
				return AuthState{}, err
			}
			l.setPhase(PhaseReady)
			l.armTimer(next)
			_ = l.bus.Publish(Event{Action: ActionAuthChanged, Auth: &next})
			return next, nil
		}

		if isInvalidGrant(err) {
			// The grant is permanently dead. This is the only path that
			// deletes stored credentials.
			l.stopTimer()
			_ = l.store.ClearAuth()
			l.setPhase(PhasePrompt)
			return AuthState{}, fmt.Errorf("%w: %v", ErrRefreshTokenExpired, err)
		}

		lastErr = err
		if !isTransientTokenError(err) {
			break
		}
	}

	// Retries exhausted without destroying anything. Hold on to the current
	// session if it is still usable; either way, try again later rather
	// than immediately, so a flapping provider is not hammered.
	if auth.AccessToken != "" && !l.isExpired(auth, expirySkew) {
		l.setPhase(PhaseReady)
	} else {
		l.setPhase(PhaseRefreshing)
	}
	l.scheduleRetry(transientRetryDelay)
	return AuthState{}, fmt.Errorf("token refresh failed: %w", lastErr)
}

// EnsureValidToken is the on-demand check consumers call before an API
// request: the current token when valid, otherwise the result of one
// refresh cycle, otherwise empty ("not authenticated right now").
func (l *Lifecycle) EnsureValidToken(ctx context.Context) string {
	auth, err := l.store.GetAuth()
	if err != nil {
		return ""
	}

	if auth.AccessToken != "" && !l.isExpired(auth, ensureSkew) {
		return auth.AccessToken
	}

	if auth.RefreshToken == "" {
		return ""
	}

	next, err := l.Refresh(ctx)
	if err != nil {
		return ""
	}
	return next.AccessToken
}

// armTimer (re)schedules the proactive refresh at refreshLead before
// expiry, or immediately when that instant has already passed. The previous
// timer is always cancelled first so at most one is pending per context.
func (l *Lifecycle) armTimer(auth AuthState) {
	if auth.RefreshToken == "" {
		l.stopTimer()
		return
	}

	delay := time.Duration(auth.ExpiresAt-l.now().UnixMilli())*time.Millisecond - refreshLead
	if delay < 0 {
		delay = 0
	}
	l.scheduleRetry(delay)
}

// scheduleRetry arms the single proactive-refresh timer.
func (l *Lifecycle) scheduleRetry(delay time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		l.Refresh(ctx)
	})
}

func (l *Lifecycle) stopTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// SignOut clears the persisted AuthState and cancels the proactive timer.
// Account and cache clearing is the account resolver's job.
func (l *Lifecycle) SignOut() error {
	l.stopTimer()
	if err := l.store.ClearAuth(); err != nil {
		return err
	}
	l.setPhase(PhasePrompt)
	return nil
}

// Close cancels the proactive timer. Persisted state is untouched; a torn
// down context must not sign anyone out.
func (l *Lifecycle) Close() {
	l.stopTimer()
}
