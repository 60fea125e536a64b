package tui

import (
	"fmt"
	"strings"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// state represents the current display phase of the auth flow.
type state int

const (
	stateInit       state = iota
	stateRefreshing       // silent refresh in progress
	stateAuthorizing      // browser opened, waiting for redirect
	stateExchanging       // exchanging authorization code
	stateWatching         // long-lived watch mode
	stateSuccess          // all done
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the sign-in TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	// Interactive sign-in info
	authURL string

	// Watch mode
	phase string

	// Success / error display
	tokenPreview string
	account      string
	expiresIn    string
	errMsg       string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles — defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("33")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("33")).
			Padding(0, 2)

	styleURL = lipgloss.NewStyle().
			Foreground(lipgloss.Color("75")).
			Underline(true)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("33"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Auth flow messages ───────────────────────────────────────────────

	case MsgBanner:
		return m, nil

	case MsgTokensFound:
		m.addStatus(statusOK, "Found existing session")
		return m, nil

	case MsgTokensNotFound:
		m.addStatus(statusInfo, "No existing session, interactive sign-in required")
		return m, nil

	case MsgTokenValid:
		m.addStatus(statusOK, "Access token is still valid")
		return m, nil

	case MsgTokenExpired:
		m.addStatus(statusWarn, "Access token expired")
		return m, nil

	case MsgRefreshing:
		m.state = stateRefreshing
		m.addStatus(statusInfo, "Refreshing access token...")
		return m, nil

	case MsgRefreshOK:
		m.addStatus(statusOK, "Token refreshed successfully")
		return m, nil

	case MsgRefreshFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgAuthorizeReady:
		m.authURL = msg.URL
		m.state = stateAuthorizing
		m.addStatus(statusInfo, "Browser opened for sign-in")
		return m, nil

	case MsgWaitingForAuth:
		m.state = stateAuthorizing
		return m, nil

	case MsgExchanging:
		m.state = stateExchanging
		m.addStatus(statusInfo, "Exchanging authorization code...")
		return m, nil

	case MsgLoginOK:
		m.addStatus(statusOK, "Sign-in successful!")
		return m, nil

	case MsgReAuthRequired:
		m.addStatus(statusWarn, "Session expired, signing in again...")
		return m, nil

	case MsgAccountResolved:
		if msg.Switched {
			m.addStatus(statusWarn, "Signed in as "+msg.Name+" (account changed)")
		} else {
			m.addStatus(statusOK, "Signed in as "+msg.Name)
		}
		m.account = msg.Name
		return m, nil

	case MsgCachesCleared:
		m.addStatus(statusInfo, "Cleared cached tasks for the previous account")
		return m, nil

	case MsgTaskLists:
		if len(msg.Names) == 0 {
			m.addStatus(statusInfo, "No task lists found")
		} else {
			m.addStatus(statusOK, "Task lists: "+strings.Join(msg.Names, ", "))
		}
		return m, nil

	case MsgLogoutDone:
		m.addStatus(statusOK, "Signed out: session, account, and caches cleared")
		return m, nil

	case MsgPhaseChanged:
		m.phase = msg.Phase
		m.addStatus(statusInfo, "auth phase: "+msg.Phase)
		return m, nil

	case MsgWatching:
		m.state = stateWatching
		return m, nil

	case MsgDone:
		m.tokenPreview = msg.Preview
		m.account = msg.Account
		m.expiresIn = msg.ExpiresIn.String()
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown during init, refresh, authorization, exchange, and
// watch mode.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  Microsoft To Do Sign-In  "))
	b.WriteString("\n\n")

	switch m.state {
	case stateAuthorizing:
		b.WriteString(styleBold.Render("Finish signing in, in your browser."))
		b.WriteString("\n")
		b.WriteString(styleDim.Render("If nothing opened, visit:"))
		b.WriteString("\n")
		b.WriteString(styleURL.Render(m.authURL))
		b.WriteString("\n\n")
		b.WriteString(m.spinner.View())
		b.WriteString(" Waiting for the redirect...\n")

	case stateExchanging:
		b.WriteString(m.spinner.View())
		b.WriteString(" Exchanging authorization code...\n")

	case stateRefreshing:
		b.WriteString(m.spinner.View())
		b.WriteString(" Refreshing access token...\n")

	case stateWatching:
		b.WriteString(m.spinner.View())
		b.WriteString(" Watching for auth changes")
		if m.phase != "" {
			b.WriteString(styleDim.Render("  (phase: " + m.phase + ")"))
		}
		b.WriteString("\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess is shown after a successful run.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ Signed in"))
	b.WriteString("\n\n")

	if m.account != "" {
		b.WriteString(styleBold.Render("Account:      "))
		b.WriteString(m.account + "\n")
	}

	b.WriteString(styleBold.Render("Access Token: "))
	b.WriteString(m.tokenPreview + "...\n")

	b.WriteString(styleBold.Render("Expires In:   "))
	b.WriteString(m.expiresIn + "\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Authentication failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}
