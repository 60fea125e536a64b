package tui

import (
	"fmt"
	"io"
	"strings"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Displayer abstracts all output from the auth flow.
type Displayer interface {
	Banner()
	TokensFound()
	TokensNotFound()
	TokenValid()
	TokenExpired()
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	AuthorizeReady(url string)
	WaitingForAuth()
	Exchanging()
	LoginOK()
	ReAuthRequired()
	AccountResolved(name string, switched bool)
	CachesCleared()
	TaskLists(names []string)
	LogoutDone()
	PhaseChanged(phase string)
	Watching()
	Done(preview, account string, expiresIn time.Duration)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== Microsoft To Do Sign-In ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) TokensFound() {
	fmt.Fprintln(p.w, "Found existing session")
}

func (p *PlainDisplayer) TokensNotFound() {
	fmt.Fprintln(p.w, "No existing session, interactive sign-in required")
}

func (p *PlainDisplayer) TokenValid() {
	fmt.Fprintln(p.w, "Access token is still valid, using it...")
}

func (p *PlainDisplayer) TokenExpired() {
	fmt.Fprintln(p.w, "Access token expired")
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed successfully")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) AuthorizeReady(url string) {
	fmt.Fprintln(p.w, "Opening your browser to sign in. If nothing happens, open:")
	fmt.Fprintln(p.w, url)
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) WaitingForAuth() {
	fmt.Fprintln(p.w, "Waiting for sign-in to complete in the browser...")
}

func (p *PlainDisplayer) Exchanging() {
	fmt.Fprintln(p.w, "Exchanging authorization code...")
}

func (p *PlainDisplayer) LoginOK() {
	fmt.Fprintln(p.w, "Sign-in successful!")
}

func (p *PlainDisplayer) ReAuthRequired() {
	fmt.Fprintln(p.w, "Session expired, signing in again...")
}

func (p *PlainDisplayer) AccountResolved(name string, switched bool) {
	if switched {
		fmt.Fprintf(p.w, "Signed in as %s (account changed)\n", name)
	} else {
		fmt.Fprintf(p.w, "Signed in as %s\n", name)
	}
}

func (p *PlainDisplayer) CachesCleared() {
	fmt.Fprintln(p.w, "Cleared cached tasks for the previous account")
}

func (p *PlainDisplayer) TaskLists(names []string) {
	if len(names) == 0 {
		fmt.Fprintln(p.w, "No task lists found")
		return
	}
	fmt.Fprintf(p.w, "Task lists: %s\n", strings.Join(names, ", "))
}

func (p *PlainDisplayer) LogoutDone() {
	fmt.Fprintln(p.w, "Signed out: session, account, and caches cleared")
}

func (p *PlainDisplayer) PhaseChanged(phase string) {
	fmt.Fprintf(p.w, "auth phase: %s\n", phase)
}

func (p *PlainDisplayer) Watching() {
	fmt.Fprintln(p.w, "Watching for auth changes (Ctrl+C to stop)...")
}

func (p *PlainDisplayer) Done(preview, account string, expiresIn time.Duration) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintln(p.w, "Current Session:")
	if account != "" {
		fmt.Fprintf(p.w, "Account: %s\n", account)
	}
	fmt.Fprintf(p.w, "Access Token: %s...\n", preview)
	fmt.Fprintf(p.w, "Expires In: %s\n", expiresIn.Round(time.Second))
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                          {}
func (NoopDisplayer) TokensFound()                     {}
func (NoopDisplayer) TokensNotFound()                  {}
func (NoopDisplayer) TokenValid()                      {}
func (NoopDisplayer) TokenExpired()                    {}
func (NoopDisplayer) Refreshing()                      {}
func (NoopDisplayer) RefreshOK()                       {}
func (NoopDisplayer) RefreshFailed(_ error)            {}
func (NoopDisplayer) AuthorizeReady(_ string)          {}
func (NoopDisplayer) WaitingForAuth()                  {}
func (NoopDisplayer) Exchanging()                      {}
func (NoopDisplayer) LoginOK()                         {}
func (NoopDisplayer) ReAuthRequired()                  {}
func (NoopDisplayer) AccountResolved(_ string, _ bool) {}
func (NoopDisplayer) CachesCleared()                   {}
func (NoopDisplayer) TaskLists(_ []string)             {}
func (NoopDisplayer) LogoutDone()                      {}
func (NoopDisplayer) PhaseChanged(_ string)            {}
func (NoopDisplayer) Watching()                        {}
func (NoopDisplayer) Done(_, _ string, _ time.Duration) {}
func (NoopDisplayer) Fatal(_ error)                    {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) TokensFound() {
	t.p.Send(MsgTokensFound{})
}

func (t *ProgramDisplayer) TokensNotFound() {
	t.p.Send(MsgTokensNotFound{})
}

func (t *ProgramDisplayer) TokenValid() {
	t.p.Send(MsgTokenValid{})
}

func (t *ProgramDisplayer) TokenExpired() {
	t.p.Send(MsgTokenExpired{})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) AuthorizeReady(url string) {
	t.p.Send(MsgAuthorizeReady{URL: url})
}

func (t *ProgramDisplayer) WaitingForAuth() {
	t.p.Send(MsgWaitingForAuth{})
}

func (t *ProgramDisplayer) Exchanging() {
	t.p.Send(MsgExchanging{})
}

func (t *ProgramDisplayer) LoginOK() {
	t.p.Send(MsgLoginOK{})
}

func (t *ProgramDisplayer) ReAuthRequired() {
	t.p.Send(MsgReAuthRequired{})
}

func (t *ProgramDisplayer) AccountResolved(name string, switched bool) {
	t.p.Send(MsgAccountResolved{Name: name, Switched: switched})
}

func (t *ProgramDisplayer) CachesCleared() {
	t.p.Send(MsgCachesCleared{})
}

func (t *ProgramDisplayer) TaskLists(names []string) {
	t.p.Send(MsgTaskLists{Names: names})
}

func (t *ProgramDisplayer) LogoutDone() {
	t.p.Send(MsgLogoutDone{})
}

func (t *ProgramDisplayer) PhaseChanged(phase string) {
	t.p.Send(MsgPhaseChanged{Phase: phase})
}

func (t *ProgramDisplayer) Watching() {
	t.p.Send(MsgWatching{})
}

func (t *ProgramDisplayer) Done(preview, account string, expiresIn time.Duration) {
	t.p.Send(MsgDone{Preview: preview, Account: account, ExpiresIn: expiresIn})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
