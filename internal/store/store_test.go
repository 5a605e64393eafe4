package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hitushen/portprobe/internal/models"
)

type memBackend struct {
	mu       sync.Mutex
	records  map[string][]byte
	reads    map[string]int
	writeErr error
}

func newMemBackend() *memBackend {
	return &memBackend{records: map[string][]byte{}, reads: map[string]int{}}
}

func (m *memBackend) Read(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads[name]++
	data, ok := m.records[name]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (m *memBackend) Write(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.records[name] = append([]byte(nil), data...)
	return nil
}

func (m *memBackend) Close() error { return nil }

func (m *memBackend) readCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[name]
}

func fixedClock() func() time.Time {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local)
	return func() time.Time { return ts }
}

func backends(t *testing.T) map[string]func() Backend {
	return map[string]func() Backend{
		"file": func() Backend {
			b, err := NewFileBackend(t.TempDir(), "scanner_settings.json", "scan_history.json")
			if err != nil {
				t.Fatalf("file backend: %v", err)
			}
			return b
		},
		"sqlite": func() Backend {
			b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "portprobe.db"))
			if err != nil {
				t.Fatalf("sqlite backend: %v", err)
			}
			return b
		},
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := New(mk())
			defer st.Close()

			if got := st.LoadSettings(ctx); !got.IsZero() {
				t.Fatalf("expected zero settings, got %+v", got)
			}
			if err := st.SaveSettings(ctx, "203.0.113.5", "8080"); err != nil {
				t.Fatalf("save: %v", err)
			}
			got := st.LoadSettings(ctx)
			want := models.Settings{Address: "203.0.113.5", Port: "8080"}
			if got != want {
				t.Fatalf("got %+v, want %+v", got, want)
			}
		})
	}
}

func TestHistoryPersistsAcrossStores(t *testing.T) {
	ctx := context.Background()
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			backend := mk()
			st := New(backend, WithClock(fixedClock()))
			if _, err := st.SaveHistoryEntry(ctx, "8.8.8.8", "443", models.StatusOpen); err != nil {
				t.Fatalf("save: %v", err)
			}

			reopened := New(backend)
			history := reopened.LoadHistory(ctx)
			if len(history) != 1 {
				t.Fatalf("len = %d, want 1", len(history))
			}
			want := models.HistoryEntry{Address: "8.8.8.8", Port: "443", Status: models.StatusOpen, Date: "2024-03-09 14:05:07"}
			if history[0] != want {
				t.Fatalf("got %+v, want %+v", history[0], want)
			}
			_ = backend.Close()
		})
	}
}

func TestHistoryUpsert(t *testing.T) {
	ctx := context.Background()
	st := New(newMemBackend(), WithClock(fixedClock()))

	for _, p := range []string{"80", "443", "22"} {
		if _, err := st.SaveHistoryEntry(ctx, "8.8.8.8", p, models.StatusClosed); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if _, err := st.SaveHistoryEntry(ctx, "8.8.8.8", "443", models.StatusOpen); err != nil {
		t.Fatalf("save: %v", err)
	}

	history := st.LoadHistory(ctx)
	gotPorts := make([]string, len(history))
	for i, e := range history {
		gotPorts[i] = e.Port
	}
	want := []string{"80", "22", "443"}
	if len(gotPorts) != len(want) {
		t.Fatalf("ports = %v, want %v", gotPorts, want)
	}
	for i := range want {
		if gotPorts[i] != want[i] {
			t.Fatalf("ports = %v, want %v", gotPorts, want)
		}
	}
	if last := history[len(history)-1]; last.Status != models.StatusOpen {
		t.Fatalf("last status = %q", last.Status)
	}

	count := 0
	for _, e := range history {
		if e.SameTarget("8.8.8.8", "443") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("found %d entries for 8.8.8.8:443", count)
	}
}

func TestHistoryCapacity(t *testing.T) {
	ctx := context.Background()
	st := New(newMemBackend())

	for i := 1; i <= models.MaxHistory+1; i++ {
		if _, err := st.SaveHistoryEntry(ctx, "8.8.8.8", strconv.Itoa(i), models.StatusClosed); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	history := st.LoadHistory(ctx)
	if len(history) != models.MaxHistory {
		t.Fatalf("len = %d, want %d", len(history), models.MaxHistory)
	}
	if history[0].Port != "2" {
		t.Fatalf("oldest remaining port = %s, want 2", history[0].Port)
	}
	if history[len(history)-1].Port != strconv.Itoa(models.MaxHistory+1) {
		t.Fatalf("newest port = %s", history[len(history)-1].Port)
	}
	for _, e := range history {
		if e.Port == "1" {
			t.Fatalf("oldest entry was not evicted")
		}
	}
}

func TestUpsertEvictsByAppendOrder(t *testing.T) {
	var history []models.HistoryEntry
	for i := 0; i < 3; i++ {
		// Dates deliberately run backwards; eviction must ignore them.
		history = upsert(history, models.HistoryEntry{
			Address: "1.1.1.1",
			Port:    strconv.Itoa(i),
			Date:    "2030-01-0" + strconv.Itoa(9-i) + " 00:00:00",
		}, 2)
	}
	if len(history) != 2 || history[0].Port != "1" || history[1].Port != "2" {
		t.Fatalf("history = %+v", history)
	}
}

func TestUpsertDoesNotMutateInput(t *testing.T) {
	in := []models.HistoryEntry{{Address: "1.1.1.1", Port: "1"}, {Address: "1.1.1.1", Port: "2"}}
	_ = upsert(in, models.HistoryEntry{Address: "1.1.1.1", Port: "1"}, 30)
	if in[0].Port != "1" || in[1].Port != "2" {
		t.Fatalf("input mutated: %+v", in)
	}
}

func TestLoadersCacheUntilWrite(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	st := New(backend)

	st.LoadHistory(ctx)
	st.LoadHistory(ctx)
	st.LoadSettings(ctx)
	st.LoadSettings(ctx)
	if n := backend.readCount(RecordHistory); n != 1 {
		t.Fatalf("history reads = %d, want 1", n)
	}
	if n := backend.readCount(RecordSettings); n != 1 {
		t.Fatalf("settings reads = %d, want 1", n)
	}

	if err := st.SaveSettings(ctx, "1.1.1.1", "53"); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	if got := st.LoadSettings(ctx); got.Address != "1.1.1.1" {
		t.Fatalf("settings not refreshed: %+v", got)
	}
	if n := backend.readCount(RecordSettings); n != 2 {
		t.Fatalf("settings reads = %d, want 2", n)
	}

	if _, err := st.SaveHistoryEntry(ctx, "1.1.1.1", "53", models.StatusOpen); err != nil {
		t.Fatalf("save history: %v", err)
	}
	if got := st.LoadHistory(ctx); len(got) != 1 {
		t.Fatalf("history not refreshed: %+v", got)
	}
}

func TestLoadHistoryReturnsCopy(t *testing.T) {
	ctx := context.Background()
	st := New(newMemBackend())
	if _, err := st.SaveHistoryEntry(ctx, "1.1.1.1", "53", models.StatusOpen); err != nil {
		t.Fatalf("save: %v", err)
	}
	got := st.LoadHistory(ctx)
	got[0].Status = "tampered"
	if again := st.LoadHistory(ctx); again[0].Status != models.StatusOpen {
		t.Fatalf("cache mutated through returned slice")
	}
}

func TestCorruptRecordsDegradeToEmpty(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, "settings.json", "history.json")
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	if err := os.WriteFile(backend.Path(RecordSettings), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(backend.Path(RecordHistory), []byte(`{"ip": "x"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	st := New(backend)
	if got := st.LoadSettings(ctx); !got.IsZero() {
		t.Fatalf("settings = %+v, want zero", got)
	}
	if got := st.LoadHistory(ctx); len(got) != 0 {
		t.Fatalf("history = %+v, want empty", got)
	}

	if _, err := st.SaveHistoryEntry(ctx, "9.9.9.9", "53", models.StatusClosed); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := New(backend).LoadHistory(ctx); len(got) != 1 {
		t.Fatalf("history after rewrite = %+v", got)
	}
}

func TestHistoryFileFormat(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir(), "scanner_settings.json", "scan_history.json")
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	st := New(backend, WithClock(fixedClock()))
	if _, err := st.SaveHistoryEntry(ctx, "8.8.8.8", "443", models.StatusClosed); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.SaveSettings(ctx, "8.8.8.8", "443"); err != nil {
		t.Fatalf("save settings: %v", err)
	}

	data, err := os.ReadFile(backend.Path(RecordHistory))
	if err != nil {
		t.Fatal(err)
	}
	var raw []map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("history is not a JSON array of objects: %v", err)
	}
	want := map[string]string{"ip": "8.8.8.8", "port": "443", "status": "fermé", "date": "2024-03-09 14:05:07"}
	if len(raw) != 1 || len(raw[0]) != len(want) {
		t.Fatalf("raw = %v", raw)
	}
	for k, v := range want {
		if raw[0][k] != v {
			t.Fatalf("field %s = %q, want %q", k, raw[0][k], v)
		}
	}

	data, err = os.ReadFile(backend.Path(RecordSettings))
	if err != nil {
		t.Fatal(err)
	}
	var settings map[string]string
	if err := json.Unmarshal(data, &settings); err != nil {
		t.Fatalf("settings: %v", err)
	}
	if settings["ip"] != "8.8.8.8" || settings["port"] != "443" || len(settings) != 2 {
		t.Fatalf("settings = %v", settings)
	}
}

func TestWriteFailuresSurface(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	backend.writeErr = errors.New("disk full")
	st := New(backend)

	if err := st.SaveSettings(ctx, "1.1.1.1", "53"); !errors.Is(err, backend.writeErr) {
		t.Fatalf("SaveSettings err = %v", err)
	}
	if _, err := st.SaveHistoryEntry(ctx, "1.1.1.1", "53", models.StatusOpen); !errors.Is(err, backend.writeErr) {
		t.Fatalf("SaveHistoryEntry err = %v", err)
	}
	if got := st.LoadHistory(ctx); len(got) != 0 {
		t.Fatalf("failed write leaked into cache: %+v", got)
	}
}

func TestConcurrentHistoryWrites(t *testing.T) {
	ctx := context.Background()
	st := New(newMemBackend())

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			if _, err := st.SaveHistoryEntry(ctx, "8.8.8.8", strconv.Itoa(port), models.StatusOpen); err != nil {
				t.Errorf("save: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := st.LoadHistory(ctx); len(got) != 20 {
		t.Fatalf("len = %d, want 20", len(got))
	}
}

func TestUpsertMatchesLegacySpellings(t *testing.T) {
	legacy := []models.HistoryEntry{
		{Address: "2001:4860:4860:0:0:0:0:8888", Port: "53", Status: models.StatusClosed, Date: "2023-01-01 00:00:00"},
		{Address: "1.1.1.1", Port: "0443", Status: models.StatusClosed, Date: "2023-01-02 00:00:00"},
		{Address: "9.9.9.9", Port: "53", Status: models.StatusOpen, Date: "2023-01-03 00:00:00"},
	}
	out := upsert(legacy, models.HistoryEntry{Address: "2001:4860:4860::8888", Port: "53", Status: models.StatusOpen}, 30)
	out = upsert(out, models.HistoryEntry{Address: "1.1.1.1", Port: "443", Status: models.StatusOpen}, 30)

	if len(out) != 3 {
		t.Fatalf("history = %+v", out)
	}
	if out[0].Address != "9.9.9.9" {
		t.Fatalf("untouched entry moved: %+v", out)
	}
	if out[1] != (models.HistoryEntry{Address: "2001:4860:4860::8888", Port: "53", Status: models.StatusOpen}) {
		t.Fatalf("ipv6 entry = %+v", out[1])
	}
	if out[2].Address != "1.1.1.1" || out[2].Port != "443" {
		t.Fatalf("port entry = %+v", out[2])
	}
}

func TestSaveReplacesLegacyHistoryEntry(t *testing.T) {
	ctx := context.Background()
	backend := newMemBackend()
	backend.records[RecordHistory] = []byte(`[{"ip":"2001:4860:4860:0:0:0:0:8888","port":"53","status":"fermé","date":"2023-01-01 00:00:00"}]`)
	st := New(backend, WithClock(fixedClock()))

	if _, err := st.SaveHistoryEntry(ctx, "2001:4860:4860::8888", "53", models.StatusOpen); err != nil {
		t.Fatalf("save: %v", err)
	}
	history := st.LoadHistory(ctx)
	if len(history) != 1 || history[0].Status != models.StatusOpen || history[0].Address != "2001:4860:4860::8888" {
		t.Fatalf("history = %+v", history)
	}
}
