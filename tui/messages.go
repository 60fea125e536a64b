package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgTokensFound signals that a stored session was found.
type MsgTokensFound struct{}

// MsgTokensNotFound signals that no stored session exists (fresh sign-in).
type MsgTokensNotFound struct{}

// MsgTokenValid signals that the stored access token is still valid.
type MsgTokenValid struct{}

// MsgTokenExpired signals that the stored access token has expired.
type MsgTokenExpired struct{}

// MsgRefreshing signals that a silent token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that the refresh cycle failed.
type MsgRefreshFailed struct{ Err error }

// MsgAuthorizeReady signals that the authorization URL has been opened in
// the browser and the flow is waiting for the redirect.
type MsgAuthorizeReady struct{ URL string }

// MsgWaitingForAuth signals that the loopback server is waiting for the
// user to finish signing in.
type MsgWaitingForAuth struct{}

// MsgExchanging signals that the authorization code is being exchanged.
type MsgExchanging struct{}

// MsgLoginOK signals that the interactive login completed.
type MsgLoginOK struct{}

// MsgReAuthRequired signals that the refresh token is dead and an
// interactive sign-in is required.
type MsgReAuthRequired struct{}

// MsgAccountResolved signals that the signed-in identity was resolved.
// Switched is true when it differs from the previously cached account.
type MsgAccountResolved struct {
	Name     string
	Switched bool
}

// MsgCachesCleared signals that identity-scoped caches were purged.
type MsgCachesCleared struct{}

// MsgTaskLists carries the names of the user's To Do task lists.
type MsgTaskLists struct{ Names []string }

// MsgLogoutDone signals that sign-out completed.
type MsgLogoutDone struct{}

// MsgPhaseChanged carries a lifecycle phase transition (watch mode).
type MsgPhaseChanged struct{ Phase string }

// MsgWatching signals that watch mode is running.
type MsgWatching struct{}

// MsgDone signals successful completion with the current session info.
type MsgDone struct {
	Preview   string
	Account   string
	ExpiresIn time.Duration
}

// MsgFatal signals a fatal error that terminates the run.
type MsgFatal struct{ Err error }
