package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	tea "charm.land/bubbletea/v2"
	"github.com/mms-todo/auth-cli/tui"
)

// fixedScopes is the exact scope set this tool requests: To Do read/write,
// user profile read, and offline access for the refresh token.
const fixedScopes = "Tasks.ReadWrite User.Read offline_access"

// defaultClientID is the registered Azure application (client) ID.
const defaultClientID = "c9f320b3-a966-4bb7-8d88-3b51ae7f632f"

// ProviderConfig holds the identity provider endpoints and client identity.
// The endpoint shape is fixed to the Microsoft identity platform v2.
type ProviderConfig struct {
	ClientID     string
	AuthorizeURL string
	TokenURL     string
	Scopes       string
}

var (
	clientID     string
	authorityURL string
	graphURL     string
	storageFile  string
	callbackPort int

	flagClientID     *string
	flagAuthorityURL *string
	flagGraphURL     *string
	flagStorageFile  *string
	flagCallbackPort *int
	flagLogin        *bool
	flagLogout       *bool
	flagWatch        *bool

	configInitialized bool
	retryClient       *retry.Client
)

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flagClientID = flag.String("client-id", "", "Azure application client ID (or CLIENT_ID env)")
	flagAuthorityURL = flag.String(
		"authority-url",
		"",
		"OAuth authority base URL (default: Microsoft identity platform v2, or AUTHORITY_URL env)",
	)
	flagGraphURL = flag.String("graph-url", "", "Microsoft Graph base URL (or GRAPH_URL env)")
	flagStorageFile = flag.String(
		"storage-file",
		"",
		"Shared auth storage file (default: .mstodo-auth.json or STORAGE_FILE env)",
	)
	flagCallbackPort = flag.Int("callback-port", 0, "Loopback callback port (or CALLBACK_PORT env)")
	flagLogin = flag.Bool("login", false, "Force a fresh interactive sign-in")
	flagLogout = flag.Bool("logout", false, "Sign out and clear all stored state")
	flagWatch = flag.Bool("watch", false, "Run as the long-lived background refresher")
}

// initConfig parses flags and initializes configuration.
// Separated from init() to avoid conflicts with test flag parsing.
func initConfig() {
	if configInitialized {
		return
	}
	configInitialized = true

	flag.Parse()

	// Priority: flag > env > default
	clientID = getConfig(*flagClientID, "CLIENT_ID", defaultClientID)
	authorityURL = getConfig(
		*flagAuthorityURL,
		"AUTHORITY_URL",
		"https://login.microsoftonline.com/common/oauth2/v2.0",
	)
	graphURL = getConfig(*flagGraphURL, "GRAPH_URL", "https://graph.microsoft.com/v1.0")
	storageFile = getConfig(*flagStorageFile, "STORAGE_FILE", ".mstodo-auth.json")
	callbackPort = *flagCallbackPort
	if callbackPort == 0 {
		if port, err := strconv.Atoi(os.Getenv("CALLBACK_PORT")); err == nil {
			callbackPort = port
		}
	}

	for _, raw := range []string{authorityURL, graphURL} {
		if err := validateBaseURL(raw); err != nil {
			fmt.Fprintf(os.Stderr, "Error: Invalid URL %q: %v\n", raw, err)
			os.Exit(1)
		}
	}

	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(authorityURL), "http://") {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}

	// Validate CLIENT_ID format (Azure application IDs are UUIDs)
	if _, err := uuid.Parse(clientID); err != nil {
		fmt.Fprintf(
			os.Stderr,
			"⚠️  Warning: CLIENT_ID doesn't appear to be a valid UUID: %s\n",
			clientID,
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This may cause authentication issues with the Microsoft identity platform.",
		)
		fmt.Fprintln(os.Stderr)
	}

	// Initialize the retrying HTTP client used for Graph calls
	var err error
	retryClient, err = retry.NewBackgroundClient(
		retry.WithHTTPClient(newBaseHTTPClient()),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create retry client: %v", err))
	}
}

// newBaseHTTPClient builds the shared TLS>=1.2 transport. The token
// endpoint uses this client directly (no transparent retries); Graph calls
// go through the retrying wrapper.
func newBaseHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   false,
		},
	}
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// validateBaseURL validates that a configured base URL is properly formed.
func validateBaseURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// providerConfig assembles the endpoint config from the parsed settings.
func providerConfig() ProviderConfig {
	return ProviderConfig{
		ClientID:     clientID,
		AuthorizeURL: authorityURL + "/authorize",
		TokenURL:     authorityURL + "/token",
		Scopes:       fixedScopes,
	}
}

// journalPath is the event journal shared by all contexts, kept next to
// the storage document.
func journalPath() string {
	return storageFile + ".events"
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	initConfig()

	if isTTY() {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()
		runErr := run(d)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			os.Exit(1)
		}
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		if err := run(d); err != nil {
			os.Exit(1)
		}
	}
}

func run(d tui.Displayer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := providerConfig()
	store := NewStore(storageFile)
	defer store.Close()
	bus := NewBus(journalPath())
	defer bus.Close()

	tokenClient := newBaseHTTPClient()
	graph := NewGraphClient(graphURL, retryClient)
	resolver := NewAccountResolver(store, bus, graph)
	lifecycle := NewLifecycle(cfg, store, bus, tokenClient)
	defer lifecycle.Close()

	if *flagLogout {
		return runLogout(lifecycle, resolver, d)
	}

	if *flagWatch {
		return runWatch(ctx, lifecycle, resolver, store, bus, d)
	}

	return runOnce(ctx, cfg, store, bus, tokenClient, graph, resolver, lifecycle, d)
}

// runLogout signs out: credentials, account, and identity-scoped caches are
// all cleared, and the other contexts are notified.
func runLogout(lifecycle *Lifecycle, resolver *AccountResolver, d tui.Displayer) error {
	if err := lifecycle.SignOut(); err != nil {
		d.Fatal(err)
		return err
	}
	if err := resolver.HandleLogout(); err != nil {
		d.Fatal(err)
		return err
	}
	d.LogoutDone()
	return nil
}

// runOnce is the default mode: make sure a valid token exists (interactive
// sign-in when needed), resolve the account, and fetch the task lists.
func runOnce(
	ctx context.Context,
	cfg ProviderConfig,
	store *Store,
	bus *Bus,
	tokenClient *http.Client,
	graph *GraphClient,
	resolver *AccountResolver,
	lifecycle *Lifecycle,
	d tui.Displayer,
) error {
	auth, err := store.GetAuth()
	if err != nil {
		d.Fatal(err)
		return err
	}

	token := ""
	if !auth.IsZero() {
		d.TokensFound()
		if auth.AccessToken != "" && !lifecycle.isExpired(auth, expirySkew) {
			d.TokenValid()
			token = auth.AccessToken
			lifecycle.Startup(ctx)
		} else {
			d.TokenExpired()
			if auth.RefreshToken != "" {
				d.Refreshing()
				next, err := lifecycle.Refresh(ctx)
				if err != nil {
					d.RefreshFailed(err)
					if errors.Is(err, ErrRefreshTokenExpired) {
						d.ReAuthRequired()
					}
				} else {
					d.RefreshOK()
					token = next.AccessToken
				}
			}
		}
	} else {
		d.TokensNotFound()
	}

	// Interactive sign-in when forced or when no valid token survived.
	if *flagLogin || token == "" {
		flow := NewFlow(cfg, store, bus, NewBrowserAuthorizer(callbackPort), tokenClient)
		flow.SetAuthorizeListener(func(authURL string) {
			d.AuthorizeReady(authURL)
			d.WaitingForAuth()
		})
		flow.SetStepListener(func(step FlowStep) {
			if step == StepExchanging {
				d.Exchanging()
			}
		})

		next, err := flow.Login(ctx)
		if err != nil {
			d.Fatal(err)
			return err
		}
		d.LoginOK()
		token = next.AccessToken
		auth = next

		// Identity resolution and cache purge run only after interactive
		// logins, never after silent refreshes.
		account, switched, err := resolver.HandleLogin(ctx, token)
		if err != nil {
			d.Fatal(err)
			return err
		}
		d.AccountResolved(account.Label(), switched)
		if switched {
			d.CachesCleared()
		}
	} else {
		auth, _ = store.GetAuth()
	}

	// Fetch task lists and mirror them into the identity-scoped cache.
	lists, err := graph.TaskLists(ctx, token)
	if err != nil {
		d.Fatal(err)
		return err
	}
	if err := store.SetCache(keyTodos, lists); err != nil {
		d.Fatal(err)
		return err
	}
	names := make([]string, 0, len(lists))
	for _, list := range lists {
		names = append(names, list.DisplayName)
	}
	d.TaskLists(names)

	account, err := store.GetAccount()
	if err != nil {
		d.Fatal(err)
		return err
	}

	preview := token
	if len(preview) > 50 {
		preview = preview[:50]
	}
	expiresIn := time.Until(time.UnixMilli(auth.ExpiresAt))
	d.Done(preview, account.Label(), expiresIn)
	return nil
}

// runWatch is the long-lived background context: it keeps the token fresh
// with the proactive timer, follows the store change feed, and coordinates
// account resolution for logins completed by other contexts.
func runWatch(
	ctx context.Context,
	lifecycle *Lifecycle,
	resolver *AccountResolver,
	store *Store,
	bus *Bus,
	d tui.Displayer,
) error {
	lifecycle.SetPhaseListener(func(phase Phase) {
		d.PhaseChanged(string(phase))
	})

	unsubscribeStore, err := store.Subscribe(func(auth AuthState) {
		lifecycle.Observe(auth)
	})
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer unsubscribeStore()

	unsubscribeBus, err := bus.Subscribe(func(event Event) {
		switch event.Action {
		case ActionLoginCompletedWithToken:
			// Another context finished an interactive login; resolve the
			// identity here and decide on the cache purge.
			account, switched, err := resolver.HandleLogin(ctx, event.AccessToken)
			if err != nil {
				return
			}
			d.AccountResolved(account.Label(), switched)
			if switched {
				d.CachesCleared()
			}
		case ActionAccountChanged:
			if event.Account == nil {
				d.CachesCleared()
			} else {
				d.AccountResolved(event.Account.Label(), true)
			}
		case ActionLogoutCompleted:
			d.LogoutDone()
		case ActionAuthChanged:
			// The store change feed is authoritative for auth state; the
			// broadcast only exists so contexts react without a store
			// round-trip, which Observe already handles.
		}
	})
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer unsubscribeBus()

	d.Watching()
	lifecycle.Startup(ctx)

	<-ctx.Done()
	return nil
}
