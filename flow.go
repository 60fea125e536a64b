package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"sync"
	"time"
)

// FlowStep is the externally observable state of one interactive login
// attempt: idle → authorizing → exchanging → done | failed.
type FlowStep string

const (
	StepIdle        FlowStep = "idle"
	StepAuthorizing FlowStep = "authorizing"
	StepExchanging  FlowStep = "exchanging"
	StepDone        FlowStep = "done"
	StepFailed      FlowStep = "failed"
)

// ErrStateMismatch is returned when the authorization response carries a
// state parameter that does not match the one generated for this attempt.
// The attempt fails closed and no code is exchanged.
var ErrStateMismatch = errors.New("state mismatch in authorization response")

// pendingAuthorization is the ephemeral record for one login attempt. It is
// context-local, held in memory only, and discarded when the attempt ends.
type pendingAuthorization struct {
	CodeVerifier string
	State        string
	Timestamp    int64
}

// Authorizer is the capability for running the interactive,
// browser-delegated part of the authorization flow. RedirectURI is the URI
// registered with the provider; LaunchInteractiveAuthorization blocks until
// the provider redirects back (user-paced) and returns the full redirect
// URL. Tests inject a fake returning canned redirects.
type Authorizer interface {
	RedirectURI() string
	LaunchInteractiveAuthorization(ctx context.Context, authURL string) (string, error)
}

// Flow drives one interactive Authorization-Code-with-PKCE login attempt
// against the identity provider. Failures never touch the stored AuthState:
// a failed new login must not destroy an existing session.
type Flow struct {
	clientID     string
	authorizeURL string
	tokenURL     string
	scopes       string
	store        *Store
	bus          *Bus
	authorizer   Authorizer
	client       *http.Client

	mu          sync.Mutex
	step        FlowStep
	pending     *pendingAuthorization
	onAuthorize func(authURL string)
	onStep      func(FlowStep)
}

// NewFlow creates a flow controller. The http.Client is used for the code
// exchange only.
func NewFlow(
	cfg ProviderConfig,
	store *Store,
	bus *Bus,
	authorizer Authorizer,
	client *http.Client,
) *Flow {
	return &Flow{
		clientID:     cfg.ClientID,
		authorizeURL: cfg.AuthorizeURL,
		tokenURL:     cfg.TokenURL,
		scopes:       cfg.Scopes,
		store:        store,
		bus:          bus,
		authorizer:   authorizer,
		client:       client,
		step:         StepIdle,
	}
}

// SetAuthorizeListener registers a callback invoked with the authorization
// URL just before the interactive flow launches. Intended for the UI layer.
func (f *Flow) SetAuthorizeListener(fn func(authURL string)) {
	f.mu.Lock()
	f.onAuthorize = fn
	f.mu.Unlock()
}

// Step returns the current flow step.
func (f *Flow) Step() FlowStep {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.step
}

// SetStepListener registers a callback invoked on every step transition.
func (f *Flow) SetStepListener(fn func(FlowStep)) {
	f.mu.Lock()
	f.onStep = fn
	f.mu.Unlock()
}

func (f *Flow) setStep(step FlowStep) {
	f.mu.Lock()
	f.step = step
	fn := f.onStep
	f.mu.Unlock()
	if fn != nil {
		fn(step)
	}
}

// discardPending drops the ephemeral login-attempt record. Called on every
// exit path, success or failure.
func (f *Flow) discardPending() {
	f.mu.Lock()
	f.pending = nil
	f.mu.Unlock()
}

// Login runs one complete interactive login attempt and returns the
// resulting AuthState. Only the success path writes the store and
// broadcasts; every failure leaves persisted state exactly as it was.
func (f *Flow) Login(ctx context.Context) (AuthState, error) {
	pkce, err := newPKCEChallenge()
	if err != nil {
		return AuthState{}, err
	}
	state, err := generateState(stateBytes)
	if err != nil {
		return AuthState{}, err
	}

	f.mu.Lock()
	f.pending = &pendingAuthorization{
		CodeVerifier: pkce.CodeVerifier,
		State:        state,
		Timestamp:    time.Now().UnixMilli(),
	}
	f.mu.Unlock()
	f.setStep(StepAuthorizing)
	defer f.discardPending()

	redirectURI := f.authorizer.RedirectURI()

	authURL, err := url.Parse(f.authorizeURL)
	if err != nil {
		f.setStep(StepFailed)
		return AuthState{}, fmt.Errorf("invalid authorize endpoint: %w", err)
	}
	query := url.Values{}
	query.Set("client_id", f.clientID)
	query.Set("response_type", "code")
	query.Set("redirect_uri", redirectURI)
	query.Set("scope", f.scopes)
	query.Set("code_challenge", pkce.CodeChallenge)
	query.Set("code_challenge_method", pkce.CodeChallengeMethod)
	query.Set("state", state)
	authURL.RawQuery = query.Encode()

	f.mu.Lock()
	notify := f.onAuthorize
	f.mu.Unlock()
	if notify != nil {
		notify(authURL.String())
	}

	resultURL, err := f.authorizer.LaunchInteractiveAuthorization(ctx, authURL.String())
	if err != nil {
		f.setStep(StepFailed)
		return AuthState{}, fmt.Errorf("authorization flow failed: %w", err)
	}
	if resultURL == "" {
		f.setStep(StepFailed)
		return AuthState{}, errors.New("no redirect URL returned from auth flow")
	}

	parsed, err := url.Parse(resultURL)
	if err != nil {
		f.setStep(StepFailed)
		return AuthState{}, fmt.Errorf("invalid redirect URL: %w", err)
	}
	q := parsed.Query()

	if returned := q.Get("state"); returned != state {
		f.setStep(StepFailed)
		return AuthState{}, ErrStateMismatch
	}
	if errCode := q.Get("error"); errCode != "" {
		f.setStep(StepFailed)
		return AuthState{}, fmt.Errorf("%s: %s", errCode, q.Get("error_description"))
	}
	code := q.Get("code")
	if code == "" {
		f.setStep(StepFailed)
		return AuthState{}, errors.New("no authorization code returned")
	}

	f.setStep(StepExchanging)

	reqCtx, cancel := context.WithTimeout(ctx, tokenExchangeTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("client_id", f.clientID)
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("code_verifier", pkce.CodeVerifier)
	data.Set("scope", f.scopes)

	token, err := postToken(reqCtx, f.client, f.tokenURL, data)
	if err != nil {
		f.setStep(StepFailed)
		return AuthState{}, fmt.Errorf("code exchange failed: %w", err)
	}

	next := AuthState{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.expiresAtMillis(time.Now()),
	}
	if err := f.store.SetAuth(next); err != nil {
		f.setStep(StepFailed)
		return AuthState{}, fmt.Errorf("failed to persist tokens: %w", err)
	}

	f.setStep(StepDone)

	// Best-effort notifications; the store change feed is the authoritative
	// channel and has already fired.
	_ = f.bus.Publish(Event{Action: ActionAuthChanged, Auth: &next})
	_ = f.bus.Publish(Event{
		Action:      ActionLoginCompletedWithToken,
		AccessToken: next.AccessToken,
	})

	return next, nil
}

// DefaultCallbackPort is the loopback port registered with the provider as
// part of the redirect URI.
const DefaultCallbackPort = 8923

// callbackTimeout bounds how long the loopback server waits for the user to
// finish in the browser.
const callbackTimeout = 10 * time.Minute

// BrowserAuthorizer implements Authorizer with a temporary loopback HTTP
// server and the system browser. It serves exactly one callback, then shuts
// down.
type BrowserAuthorizer struct {
	port    int
	openURL func(string) error
}

// NewBrowserAuthorizer creates a browser-backed authorizer on the given
// loopback port (0 selects the default).
func NewBrowserAuthorizer(port int) *BrowserAuthorizer {
	if port == 0 {
		port = DefaultCallbackPort
	}
	return &BrowserAuthorizer{port: port, openURL: openBrowser}
}

// RedirectURI returns the loopback redirect URI for this authorizer.
func (a *BrowserAuthorizer) RedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/callback", a.port)
}

// LaunchInteractiveAuthorization starts the loopback server, opens authURL
// in the browser, and blocks until the provider redirects back or the
// context is cancelled.
func (a *BrowserAuthorizer) LaunchInteractiveAuthorization(
	ctx context.Context,
	authURL string,
) (string, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", a.port))
	if err != nil {
		return "", fmt.Errorf("failed to start callback server: %w", err)
	}

	resultCh := make(chan string, 1)
	var once sync.Once

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		handled := false
		once.Do(func() {
			handled = true
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			if r.URL.Query().Get("error") != "" {
				fmt.Fprint(w, "<html><body><h3>Sign-in failed.</h3>You can close this window.</body></html>")
			} else {
				fmt.Fprint(w, "<html><body><h3>Sign-in complete.</h3>You can close this window.</body></html>")
			}
			resultCh <- r.URL.String()
		})
		if !handled {
			http.Error(w, "callback already processed", http.StatusBadRequest)
		}
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		_ = server.Serve(listener)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := a.openURL(authURL); err != nil {
		return "", err
	}

	waitCtx, cancel := context.WithTimeout(ctx, callbackTimeout)
	defer cancel()

	select {
	case redirect := <-resultCh:
		// The loopback server only sees the path + query; rebuild the full
		// redirect URL against the registered URI.
		return a.RedirectURI() + "?" + mustQuery(redirect), nil
	case <-waitCtx.Done():
		return "", waitCtx.Err()
	}
}

// mustQuery extracts the raw query portion of a request URL string.
func mustQuery(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.RawQuery
	}
	return ""
}

// openBrowser opens the URL in the platform's default browser without
// waiting for the process to exit.
func openBrowser(targetURL string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", targetURL)
	case "darwin":
		cmd = exec.Command("open", targetURL)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", targetURL)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}
