package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/charahq/chara/pkg/protocol"
)

// TUI styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	urlStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86")).
			Bold(true)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	methodStyle = lipgloss.NewStyle().
			Bold(true).
			Width(7)

	pathStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	durationStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(8).
			Align(lipgloss.Right)

	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(10)

	flashStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Padding(0, 1)
)

// Status code colors
func statusStyle(code int) lipgloss.Style {
	style := lipgloss.NewStyle().Width(4)
	switch {
	case code >= 200 && code < 300:
		return style.Foreground(lipgloss.Color("42")) // Green
	case code >= 300 && code < 400:
		return style.Foreground(lipgloss.Color("214")) // Orange
	case code >= 400 && code < 500:
		return style.Foreground(lipgloss.Color("220")) // Yellow
	case code >= 500:
		return style.Foreground(lipgloss.Color("196")) // Red
	default:
		return style.Foreground(lipgloss.Color("252"))
	}
}

// Method colors
func methodColor(method string) lipgloss.Style {
	style := methodStyle
	switch method {
	case "GET":
		return style.Foreground(lipgloss.Color("42"))
	case "POST":
		return style.Foreground(lipgloss.Color("214"))
	case "PUT":
		return style.Foreground(lipgloss.Color("220"))
	case "DELETE":
		return style.Foreground(lipgloss.Color("196"))
	case "PATCH":
		return style.Foreground(lipgloss.Color("135"))
	default:
		return style.Foreground(lipgloss.Color("252"))
	}
}

// TUIModel is the Bubbletea model for the chara TUI.
type TUIModel struct {
	agent       *Agent
	requests    []protocol.RequestLog
	viewport    viewport.Model
	ready       bool
	width       int
	height      int
	quitting    bool
	maxRequests int

	connected bool
	flash     string
	flashAt   time.Time
}

// NewTUIModel creates a new TUI model for the given agent.
func NewTUIModel(agent *Agent) TUIModel {
	return TUIModel{
		agent:       agent,
		requests:    make([]protocol.RequestLog, 0),
		maxRequests: 100,
	}
}

// requestMsg is sent when a new request is logged.
type requestMsg protocol.RequestLog

// tickMsg is sent periodically to update stats.
type tickMsg time.Time

// connectedMsg is sent when the tunnel comes up.
type connectedMsg struct{}

// disconnectedMsg is sent when the tunnel goes down and a reconnect starts.
type disconnectedMsg struct{ err error }

// Init initializes the TUI model.
func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(
		tea.EnterAltScreen,
		tickCmd(),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles TUI events.
func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "c":
			// Clear requests
			m.requests = make([]protocol.RequestLog, 0)
			m.updateViewport()
		case "y":
			m.copyURL()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 6
		footerHeight := 2
		verticalMargins := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, msg.Height-verticalMargins)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = msg.Height - verticalMargins
		}
		m.updateViewport()

	case requestMsg:
		m.requests = append(m.requests, protocol.RequestLog(msg))
		if len(m.requests) > m.maxRequests {
			m.requests = m.requests[1:]
		}
		m.updateViewport()
		// Auto-scroll to bottom
		m.viewport.GotoBottom()

	case connectedMsg:
		m.connected = true

	case disconnectedMsg:
		m.connected = false

	case tickMsg:
		if m.flash != "" && time.Since(m.flashAt) > 3*time.Second {
			m.flash = ""
		}
		cmds = append(cmds, tickCmd())
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *TUIModel) copyURL() {
	url := m.agent.PublicURL()
	if url == "" {
		return
	}
	if err := clipboard.WriteAll(url); err != nil {
		m.flash = "copy failed: " + err.Error()
	} else {
		m.flash = "copied " + url
	}
	m.flashAt = time.Now()
}

// updateViewport updates the viewport content with the request log.
func (m *TUIModel) updateViewport() {
	if !m.ready {
		return
	}

	var content strings.Builder

	if len(m.requests) == 0 {
		content.WriteString("\n  Waiting for requests...\n")
	} else {
		for _, req := range m.requests {
			line := fmt.Sprintf("%s  %s  %s  %s  %s\n",
				timestampStyle.Render(req.Timestamp.Format("15:04:05")),
				methodColor(req.Method).Render(req.Method),
				statusStyle(req.StatusCode).Render(fmt.Sprintf("%d", req.StatusCode)),
				durationStyle.Render(formatDuration(req.Duration)),
				pathStyle.Render(truncatePath(req.Path, m.width-40)),
			)
			content.WriteString(line)
		}
	}

	m.viewport.SetContent(content.String())
}

// View renders the TUI.
func (m TUIModel) View() string {
	if m.quitting {
		return ""
	}

	if !m.ready {
		return "Initializing..."
	}

	// Header
	title := titleStyle.Render("chara tunnel")
	publicURL := m.agent.PublicURL()
	if publicURL == "" {
		publicURL = "connecting..."
	}
	url := urlStyle.Render(publicURL)

	requestCount, bytesIn, bytesOut, connectedAt := m.agent.Stats()
	state := "connecting"
	uptime := time.Duration(0)
	if !connectedAt.IsZero() {
		uptime = time.Since(connectedAt).Round(time.Second)
		state = "reconnecting"
	}
	if m.connected {
		state = "online"
	}
	stats := statusBarStyle.Render(fmt.Sprintf(
		"%s | Requests: %d | In: %s | Out: %s | Uptime: %s",
		state, requestCount, formatBytes(bytesIn), formatBytes(bytesOut), uptime,
	))

	header := fmt.Sprintf("%s\n%s\n%s\n", title, url, stats)

	// Footer
	help := helpStyle.Render("q: quit | c: clear | y: copy url | scroll: up/down")
	if m.flash != "" {
		help = flashStyle.Render(m.flash)
	}

	// Combine
	return fmt.Sprintf("%s\n%s\n%s", header, m.viewport.View(), help)
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// truncatePath truncates a path to fit the display width.
func truncatePath(path string, maxWidth int) string {
	if maxWidth < 10 {
		maxWidth = 10
	}
	if len(path) <= maxWidth {
		return path
	}
	return path[:maxWidth-3] + "..."
}

// formatBytes renders a byte count with a binary unit suffix.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// RunTUI runs the interactive dashboard for the agent. It takes over the
// agent's callbacks and its run loop, so the caller must not call Run.
func RunTUI(ctx context.Context, agent *Agent) error {
	model := NewTUIModel(agent)
	p := tea.NewProgram(model, tea.WithAltScreen())

	agent.OnRequest = func(entry protocol.RequestLog) {
		p.Send(requestMsg(entry))
	}
	agent.OnConnect = func(publicURL string, requested bool) {
		p.Send(connectedMsg{})
	}
	agent.OnDisconnect = func(err error) {
		p.Send(disconnectedMsg{err: err})
	}
	go agent.Run(ctx)

	_, err := p.Run()
	return err
}
