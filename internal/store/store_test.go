package store

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/agentpulse/agentpulse/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "agentpulse.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOffsets(t *testing.T) {
	s := openTestStore(t)

	got, err := s.GetOffsets()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("fresh store has offsets: %v", got)
	}

	for _, step := range []struct {
		path string
		off  int64
	}{
		{"/tmp/openclaw/openclaw-2025-06-01.log", 120},
		{"/tmp/openclaw/openclaw-2025-06-02.log", 40},
		{"/tmp/openclaw/openclaw-2025-06-01.log", 512},
	} {
		if err := s.SaveOffset(step.path, step.off); err != nil {
			t.Fatalf("SaveOffset(%s): %v", step.path, err)
		}
	}

	got, err = s.GetOffsets()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]int64{
		"/tmp/openclaw/openclaw-2025-06-01.log": 512,
		"/tmp/openclaw/openclaw-2025-06-02.log": 40,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("offsets = %v, want %v", got, want)
	}

	if err := s.DeleteOffset("/tmp/openclaw/openclaw-2025-06-02.log"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetOffsets()
	if len(got) != 1 {
		t.Errorf("after delete: %v", got)
	}
}

func TestOffsetsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentpulse.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveOffset("a.log", 99); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()
	got, err := s.GetOffsets()
	if err != nil {
		t.Fatal(err)
	}
	if got["a.log"] != 99 {
		t.Errorf("offset after reopen = %d, want 99", got["a.log"])
	}
}

func sampleRecord(id string, ts time.Time) model.TelemetryRecord {
	return model.TelemetryRecord{
		ID:             id,
		TokenSource:    model.SourceProxy,
		Timestamp:      ts,
		Provider:       "anthropic",
		Model:          "claude-haiku-4-5",
		InputTokens:    500,
		OutputTokens:   250,
		CostUSD:        0.00175,
		LatencyMs:      model.Latency(5000),
		Status:         model.StatusSuccess,
		TaskContext:    "session:s1",
		ToolsUsed:      []string{"exec", "read"},
		PromptMessages: []model.Message{{Role: "user", Content: "hi"}},
		ResponseText:   "hello",
	}
}

func TestRecordsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 123456789, time.UTC)

	first := sampleRecord("r1", base)
	second := sampleRecord("r2", base.Add(time.Hour))
	second.Status = model.StatusError
	second.ErrorMessage = "exec: exit 1"
	second.LatencyMs = nil
	second.ToolsUsed = nil
	second.PromptMessages = nil

	if err := s.SaveRecords([]model.TelemetryRecord{second, first}); err != nil {
		t.Fatalf("SaveRecords: %v", err)
	}

	got, err := s.LoadRecords(time.Time{})
	if err != nil {
		t.Fatalf("LoadRecords: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d records, want 2", len(got))
	}
	if !reflect.DeepEqual(got[0], first) {
		t.Errorf("first record:\n got %+v\nwant %+v", got[0], first)
	}
	if got[1].ID != "r2" || got[1].LatencyMs != nil || got[1].ErrorMessage != "exec: exit 1" {
		t.Errorf("second record = %+v", got[1])
	}
	if got[1].ToolsUsed == nil || len(got[1].ToolsUsed) != 0 {
		t.Errorf("nil tools should load as empty, got %#v", got[1].ToolsUsed)
	}
}

func TestLoadRecordsSince(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var recs []model.TelemetryRecord
	for i, id := range []string{"a", "b", "c", "d"} {
		recs = append(recs, sampleRecord(id, base.Add(time.Duration(i)*24*time.Hour)))
	}
	if err := s.SaveRecords(recs); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadRecords(base.Add(48 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	if !reflect.DeepEqual(ids, []string{"c", "d"}) {
		t.Errorf("ids = %v, want [c d]", ids)
	}
}

func TestSaveRecordsIgnoresDuplicates(t *testing.T) {
	s := openTestStore(t)
	r := sampleRecord("dup", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	for range 3 {
		if err := s.SaveRecords([]model.TelemetryRecord{r}); err != nil {
			t.Fatal(err)
		}
	}
	noID := r
	noID.ID = ""
	if err := s.SaveRecords([]model.TelemetryRecord{noID, noID}); err != nil {
		t.Fatal(err)
	}

	n, err := s.RecordCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("RecordCount = %d, want 3", n)
	}
}

func TestPruneBefore(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if err := s.SaveRecords([]model.TelemetryRecord{
		sampleRecord("old", base),
		sampleRecord("new", base.Add(72*time.Hour)),
	}); err != nil {
		t.Fatal(err)
	}

	n, err := s.PruneBefore(base.Add(24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if c, _ := s.RecordCount(); c != 1 {
		t.Errorf("remaining = %d, want 1", c)
	}
}
