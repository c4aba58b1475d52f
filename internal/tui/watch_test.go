package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/agentpulse/agentpulse/internal/daemon"
	"github.com/agentpulse/agentpulse/internal/model"
)

func testEvents() []daemon.Event {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	rec := func(id, m string, offset time.Duration) model.TelemetryRecord {
		return model.TelemetryRecord{
			ID: id, Timestamp: base.Add(offset), Provider: "anthropic", Model: m,
			InputTokens: 500, OutputTokens: 250, CostUSD: 0.00175, LatencyMs: model.Latency(5000),
			Status: model.StatusSuccess, TokenSource: model.SourceEstimated,
		}
	}
	return []daemon.Event{
		{ID: 1, Type: "usage_delta", Records: []model.TelemetryRecord{rec("a", "claude-haiku-4-5", 0), rec("b", "claude-haiku-4-5", time.Second)}},
		{ID: 2, Type: "usage_delta", Records: []model.TelemetryRecord{rec("c", "claude-sonnet-4-5", time.Minute)}},
	}
}

func testStatus() daemon.Status {
	return daemon.Status{
		StartedAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		OpenRuns:  2,
		Breaker:   "closed",
		Summary: daemon.Snapshot{
			Calls: 3, InputTokens: 1500, OutputTokens: 750, CostUSD: 0.00525,
		},
		Sink: daemon.SinkStatus{Buffered: 1, Sent: 2},
	}
}

func newDaemonStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(testStatus())
	})
	mux.HandleFunc("/v1/events", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(testEvents())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRecentCallsNewestFirst(t *testing.T) {
	recs := recentCalls(testEvents(), 10)
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	if got := strings.Join(ids, ","); got != "c,b,a" {
		t.Errorf("order = %s, want c,b,a", got)
	}
	if got := recentCalls(testEvents(), 2); len(got) != 2 || got[1].ID != "b" {
		t.Errorf("limited = %+v", got)
	}
}

func TestLayoutRowSumsToTotal(t *testing.T) {
	for _, total := range []int{60, 61, 99, 160} {
		widths := layoutRow(total, 4)
		sum := 0
		for _, w := range widths {
			sum += w
		}
		if sum != total {
			t.Errorf("layoutRow(%d, 4) = %v sums to %d", total, widths, sum)
		}
	}
}

func TestFetchCmd(t *testing.T) {
	srv := newDaemonStub(t)
	w := NewWatch(Options{Addr: srv.URL})

	msg := fetchCmd(w.client, w.base)()
	snap, ok := msg.(snapshotMsg)
	if !ok {
		t.Fatalf("fetch returned %T: %+v", msg, msg)
	}
	if snap.status.Summary.Calls != 3 || len(snap.events) != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestFetchCmd_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	w := NewWatch(Options{Addr: srv.URL})

	if _, ok := fetchCmd(w.client, w.base)().(fetchErrMsg); !ok {
		t.Error("expected fetchErrMsg for a 404")
	}
	srv.Close()
	if _, ok := fetchCmd(w.client, w.base)().(fetchErrMsg); !ok {
		t.Error("expected fetchErrMsg for a closed server")
	}
}

func TestWatchUpdateAndView(t *testing.T) {
	var m tea.Model = NewWatch(Options{Addr: "127.0.0.1:8789", Theme: "terminal"})
	m, _ = m.Update(tea.WindowSizeMsg{Width: 160, Height: 40})

	if !strings.Contains(m.View(), "connecting") {
		t.Errorf("initial view should show connecting:\n%s", m.View())
	}

	m, cmd := m.Update(snapshotMsg{status: testStatus(), events: testEvents(), at: time.Now()})
	if cmd == nil {
		t.Error("snapshot should schedule the next tick")
	}
	w := m.(Watch)
	if len(w.table.Rows()) != 3 {
		t.Fatalf("table rows = %d, want 3", len(w.table.Rows()))
	}
	view := m.View()
	for _, want := range []string{"claude-sonnet-4-5", "Calls", "2 open runs", "http://127.0.0.1:8789"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}

	m, _ = m.Update(fetchErrMsg{err: errString("connection refused"), at: time.Now()})
	if !strings.Contains(m.View(), "daemon unreachable: connection refused") {
		t.Error("view should report the fetch error")
	}
}

func TestWatchQuitKeys(t *testing.T) {
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
	} {
		_, cmd := NewWatch(Options{}).Update(key)
		if cmd == nil {
			t.Fatalf("%s: no command", key)
		}
		if _, ok := cmd().(tea.QuitMsg); !ok {
			t.Errorf("%s did not quit", key)
		}
	}
}

func TestWatchTooNarrow(t *testing.T) {
	m, _ := NewWatch(Options{}).Update(tea.WindowSizeMsg{Width: 40, Height: 20})
	if !strings.Contains(m.View(), "too narrow") {
		t.Errorf("view = %q", m.View())
	}
}

type errString string

func (e errString) Error() string { return string(e) }
