// Package tui provides the live Bubble Tea monitor for a running agentpulse
// daemon.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agentpulse/agentpulse/internal/cli"
	"github.com/agentpulse/agentpulse/internal/daemon"
	"github.com/agentpulse/agentpulse/internal/model"
)

const (
	maxRecentCalls   = 100
	minTerminalWidth = 60
)

// Options configures the monitor.
type Options struct {
	Addr     string
	Interval time.Duration
	Client   *http.Client
	Theme    string
}

// snapshotMsg carries one successful poll of the daemon API.
type snapshotMsg struct {
	status daemon.Status
	events []daemon.Event
	at     time.Time
}

type fetchErrMsg struct {
	err error
	at  time.Time
}

type tickMsg struct{}

// Watch is the root Bubble Tea model for `agentpulse watch`.
type Watch struct {
	base     string
	interval time.Duration
	client   *http.Client
	theme    Theme

	width, height int
	loaded        bool
	fetching      bool
	status        daemon.Status
	recent        []model.TelemetryRecord
	lastFetch     time.Time
	err           error

	spinner spinner.Model
	table   table.Model
}

// NewWatch returns a monitor polling the daemon API at opts.Addr.
func NewWatch(opts Options) Watch {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 3 * time.Second}
	}
	base := opts.Addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	t := ThemeByName(opts.Theme)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(t.Accent)

	tbl := table.New(
		table.WithColumns(columns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(t.Border).
		BorderBottom(true).
		Foreground(t.Accent).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(t.Text).
		Background(t.Selected).
		Bold(false)
	tbl.SetStyles(styles)

	return Watch{
		base:     strings.TrimRight(base, "/"),
		interval: opts.Interval,
		client:   opts.Client,
		theme:    t,
		spinner:  sp,
		table:    tbl,
		fetching: true,
	}
}

// Init implements tea.Model.
func (w Watch) Init() tea.Cmd {
	return tea.Batch(w.spinner.Tick, fetchCmd(w.client, w.base))
}

// Update implements tea.Model.
func (w Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		w.width = msg.Width
		w.height = msg.Height
		w.table.SetColumns(columns(msg.Width))
		w.table.SetHeight(max(3, msg.Height-12))
		return w, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return w, tea.Quit
		case "r":
			if w.fetching {
				return w, nil
			}
			w.fetching = true
			return w, fetchCmd(w.client, w.base)
		}
		var cmd tea.Cmd
		w.table, cmd = w.table.Update(msg)
		return w, cmd

	case snapshotMsg:
		w.loaded = true
		w.fetching = false
		w.err = nil
		w.status = msg.status
		w.lastFetch = msg.at
		w.recent = recentCalls(msg.events, maxRecentCalls)
		w.table.SetRows(rows(w.recent))
		return w, tickCmd(w.interval)

	case fetchErrMsg:
		w.fetching = false
		w.err = msg.err
		w.lastFetch = msg.at
		return w, tickCmd(w.interval)

	case tickMsg:
		if w.fetching {
			return w, nil
		}
		w.fetching = true
		return w, fetchCmd(w.client, w.base)

	case spinner.TickMsg:
		var cmd tea.Cmd
		w.spinner, cmd = w.spinner.Update(msg)
		return w, cmd
	}
	return w, nil
}

// View implements tea.Model.
func (w Watch) View() string {
	if w.width > 0 && w.width < minTerminalWidth {
		return fmt.Sprintf("\n  Terminal too narrow (%d cols); agentpulse watch needs %d.\n", w.width, minTerminalWidth)
	}

	t := w.theme
	title := lipgloss.NewStyle().Foreground(t.Accent).Bold(true)
	muted := lipgloss.NewStyle().Foreground(t.TextMuted)
	bad := lipgloss.NewStyle().Foreground(t.Red)

	var b strings.Builder
	b.WriteString(title.Render("◈ agentpulse"))
	b.WriteString(muted.Render(" · " + w.base))
	if w.fetching {
		b.WriteString("  " + w.spinner.View())
	}
	b.WriteString("\n\n")

	if w.err != nil {
		b.WriteString(bad.Render("  daemon unreachable: " + w.err.Error()))
		b.WriteString("\n")
		b.WriteString(muted.Render("  start it with `agentpulse start`"))
		b.WriteString("\n\n")
	}
	if !w.loaded {
		if w.err == nil {
			b.WriteString(muted.Render("  connecting..."))
			b.WriteString("\n")
		}
		b.WriteString(w.statusBar())
		return b.String()
	}

	b.WriteString(w.cards())
	b.WriteString("\n")
	b.WriteString(w.table.View())
	b.WriteString("\n")
	b.WriteString(w.statusBar())
	return b.String()
}

func (w Watch) cards() string {
	s := w.status
	sum := s.Summary
	cards := []struct{ label, value, sub string }{
		{"Calls", cli.FormatNumber(int64(sum.Calls)), fmt.Sprintf("%d errors", sum.Errors)},
		{"Tokens", cli.FormatTokens(sum.InputTokens + sum.OutputTokens),
			cli.FormatTokens(sum.InputTokens) + " in / " + cli.FormatTokens(sum.OutputTokens) + " out"},
		{"Cost", cli.FormatCost(sum.CostUSD), "since " + s.StartedAt.Local().Format("15:04")},
		{"Pipeline", fmt.Sprintf("%d open runs", s.OpenRuns), fmt.Sprintf("%d buffered, %d sent", s.Sink.Buffered, s.Sink.Sent)},
	}

	total := max(w.width, minTerminalWidth)
	widths := layoutRow(total, len(cards))
	rendered := make([]string, 0, len(cards))
	for i, c := range cards {
		rendered = append(rendered, w.card(c.label, c.value, c.sub, widths[i]))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

// card renders a bordered metric card; outerWidth includes the border.
func (w Watch) card(label, value, sub string, outerWidth int) string {
	t := w.theme
	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.Border).
		Width(max(10, outerWidth-2)).
		Padding(0, 1)
	content := lipgloss.NewStyle().Foreground(t.TextMuted).Render(label) + "\n" +
		lipgloss.NewStyle().Foreground(t.Text).Bold(true).Render(value) + "\n" +
		lipgloss.NewStyle().Foreground(t.TextDim).Render(sub)
	return style.Render(content)
}

func (w Watch) statusBar() string {
	t := w.theme
	left := " [r]efresh  [↑/↓]scroll  [q]uit"
	right := ""
	if !w.lastFetch.IsZero() {
		right = "updated " + w.lastFetch.Local().Format("15:04:05")
	}
	if w.status.Breaker != "" && w.status.Breaker != "closed" {
		right = "collector breaker " + w.status.Breaker + "  " + right
	}
	if w.status.LastError != "" {
		right = "last error: " + w.status.LastError + "  " + right
	}
	gap := max(1, max(w.width, minTerminalWidth)-lipgloss.Width(left)-lipgloss.Width(right)-1)
	return lipgloss.NewStyle().Foreground(t.TextMuted).Render(left + strings.Repeat(" ", gap) + right)
}

// layoutRow splits total into n widths summing to total; earlier items take
// the remainder.
func layoutRow(total, n int) []int {
	if n <= 0 {
		return nil
	}
	base, rem := total/n, total%n
	widths := make([]int, n)
	for i := range widths {
		widths[i] = base
		if i < rem {
			widths[i]++
		}
	}
	return widths
}

func columns(width int) []table.Column {
	fixed := 8 + 10 + 8 + 9 + 8 + 10 + 9
	modelW := max(12, width-fixed-2*8-2)
	return []table.Column{
		{Title: "Time", Width: 8},
		{Title: "Provider", Width: 10},
		{Title: "Model", Width: modelW},
		{Title: "Tokens", Width: 8},
		{Title: "Cost", Width: 9},
		{Title: "Latency", Width: 8},
		{Title: "Status", Width: 10},
		{Title: "Source", Width: 9},
	}
}

func rows(recs []model.TelemetryRecord) []table.Row {
	out := make([]table.Row, 0, len(recs))
	for _, r := range recs {
		latency := "-"
		if r.LatencyMs != nil {
			latency = cli.FormatLatency(float64(*r.LatencyMs))
		}
		out = append(out, table.Row{
			r.Timestamp.Local().Format("15:04:05"),
			r.Provider,
			r.Model,
			cli.FormatTokens(r.TotalTokens()),
			cli.FormatCost(r.CostUSD),
			latency,
			string(r.Status),
			r.TokenSource,
		})
	}
	return out
}

// recentCalls flattens events into records, newest first.
func recentCalls(events []daemon.Event, limit int) []model.TelemetryRecord {
	var out []model.TelemetryRecord
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		recs := events[i].Records
		for j := len(recs) - 1; j >= 0 && len(out) < limit; j-- {
			out = append(out, recs[j])
		}
	}
	return out
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func fetchCmd(client *http.Client, base string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var st daemon.Status
		if err := getJSON(ctx, client, base+"/v1/status", &st); err != nil {
			return fetchErrMsg{err: err, at: time.Now()}
		}
		var events []daemon.Event
		if err := getJSON(ctx, client, base+"/v1/events", &events); err != nil {
			return fetchErrMsg{err: err, at: time.Now()}
		}
		return snapshotMsg{status: st, events: events, at: time.Now()}
	}
}

func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", url, err)
	}
	return nil
}
