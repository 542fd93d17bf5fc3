package loader

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tmarchal/bourse/internal/bars"
	"github.com/tmarchal/bourse/internal/catalog"
	"github.com/tmarchal/bourse/internal/companies"
)

// fakeStore is an in-memory Store for coordinator tests. Mutex-guarded:
// workers record error dates and load groups concurrently.
type fakeStore struct {
	mu sync.Mutex

	markets    map[string]int16
	companies  []companies.Company
	cids       map[string]int16
	nextCID    int16
	fileDone   map[string]struct{}
	errorDates map[time.Time]struct{}
	stocks     []bars.MinuteBar
	days       []bars.DayBar
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		markets: map[string]int16{
			"euronx":      1,
			"e_amsterdam": 11,
			"e_paris":     12,
			"e_bruxelle":  13,
		},
		cids:       make(map[string]int16),
		nextCID:    1,
		fileDone:   make(map[string]struct{}),
		errorDates: make(map[time.Time]struct{}),
	}
}

func (s *fakeStore) MarketIDFromAlias(_ context.Context, alias string) (int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markets[alias], nil
}

func (s *fakeStore) PrefixMarketIDs(_ context.Context) (map[string]int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int16)
	for prefix, alias := range companies.PrefixToAlias {
		out[prefix] = s.markets[alias]
	}
	return out, nil
}

func (s *fakeStore) CompanyCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.companies), nil
}

func (s *fakeStore) SymbolToCID(_ context.Context) (map[string]int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int16, len(s.cids))
	for k, v := range s.cids {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) ExistingSymbols(_ context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.cids))
	for k := range s.cids {
		out[k] = struct{}{}
	}
	return out, nil
}

func (s *fakeStore) InsertCompanies(_ context.Context, cs []companies.Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cs {
		s.cids[c.Symbol] = s.nextCID
		s.nextCID++
		s.companies = append(s.companies, c)
	}
	return nil
}

func (s *fakeStore) FileDone(_ context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.fileDone))
	for k := range s.fileDone {
		out[k] = struct{}{}
	}
	return out, nil
}

func (s *fakeStore) ErrorDates(_ context.Context) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Time
	for d := range s.errorDates {
		out = append(out, d)
	}
	return out, nil
}

func (s *fakeStore) RecordErrorDates(_ context.Context, dates []time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range dates {
		s.errorDates[d] = struct{}{}
	}
	return nil
}

func (s *fakeStore) ClearErrorDates(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorDates = make(map[time.Time]struct{})
	return nil
}

func (s *fakeStore) LoadGroup(_ context.Context, stocks []bars.MinuteBar, days []bars.DayBar, fileNames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stocks = append(s.stocks, stocks...)
	s.days = append(s.days, days...)
	for _, n := range fileNames {
		s.fileDone[n] = struct{}{}
	}
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeSnapshot(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, "2023", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func scanArchive(t *testing.T, root string) []catalog.FileRecord {
	t.Helper()
	files, err := catalog.New(quietLogger()).Scan(root)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return files
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.ReadWorkers = 2
	return cfg
}

func TestRunEndToEnd(t *testing.T) {
	root := t.TempDir()
	writeSnapshot(t, root, "compA 2023-01-02 09:05:10.txt", "1rPABC\tAlpha Corp\t10.0\t1000\n")
	writeSnapshot(t, root, "compA 2023-01-02 09:05:50.txt", "1rPABC\tAlpha Corp\t10.2\t1100\n")

	store := newFakeStore()
	files := scanArchive(t, root)

	if err := New(store, files, testConfig(), quietLogger()).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(store.cids) != 1 {
		t.Fatalf("Expected 1 company, got %d", len(store.cids))
	}
	cid, ok := store.cids["1rPABC"]
	if !ok {
		t.Fatal("Expected 1rPABC registered")
	}

	if len(store.stocks) != 1 {
		t.Fatalf("Expected 1 minute bar, got %d", len(store.stocks))
	}
	b := store.stocks[0]
	if b.CID != cid || !b.CIDValid {
		t.Errorf("Unexpected cid %d/%v", b.CID, b.CIDValid)
	}
	if b.Volume != 1100 {
		t.Errorf("Expected latest volume 1100, got %d", b.Volume)
	}
	if b.Value < 10.09 || b.Value > 10.11 {
		t.Errorf("Expected mean price 10.1, got %v", b.Value)
	}

	if len(store.days) != 1 {
		t.Fatalf("Expected 1 day bar, got %d", len(store.days))
	}
	d := store.days[0]
	if d.Open != d.Close || d.Std != 0 || d.Volume != 1100 {
		t.Errorf("Unexpected day bar %+v", d)
	}

	if len(store.fileDone) != 2 {
		t.Errorf("Expected 2 file_done marks, got %d", len(store.fileDone))
	}
	if len(store.errorDates) != 0 {
		t.Errorf("Expected no error dates, got %v", store.errorDates)
	}
}

func TestRunIdempotent(t *testing.T) {
	root := t.TempDir()
	writeSnapshot(t, root, "compA 2023-01-02 09:05:10.txt", "1rPABC\tAlpha Corp\t10.0\t1000\n")

	store := newFakeStore()
	files := scanArchive(t, root)
	cfg := testConfig()

	if err := New(store, files, cfg, quietLogger()).Run(context.Background()); err != nil {
		t.Fatalf("First run: %v", err)
	}
	stocks, days, cos := len(store.stocks), len(store.days), len(store.companies)

	if err := New(store, files, cfg, quietLogger()).Run(context.Background()); err != nil {
		t.Fatalf("Second run: %v", err)
	}
	if len(store.stocks) != stocks || len(store.days) != days || len(store.companies) != cos {
		t.Errorf("Second run added rows: stocks %d->%d days %d->%d companies %d->%d",
			stocks, len(store.stocks), days, len(store.days), cos, len(store.companies))
	}
}

func TestRunRecoversUnmappedSymbols(t *testing.T) {
	root := t.TempDir()
	writeSnapshot(t, root, "compA 2023-01-02 09:05:10.txt", "1rPABC\tAlpha Corp\t10.0\t1000\n")

	store := newFakeStore()
	// Non-empty registry without 1rPABC: bootstrap is skipped, the
	// first pass fails the group, re-resolution must repair it.
	store.cids["1rPOLD"] = 1
	store.companies = append(store.companies, companies.Company{Symbol: "1rPOLD"})
	store.nextCID = 2

	files := scanArchive(t, root)
	if err := New(store, files, testConfig(), quietLogger()).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Existing id untouched, new symbol appended after it.
	if store.cids["1rPOLD"] != 1 {
		t.Errorf("Existing company id changed: %d", store.cids["1rPOLD"])
	}
	if store.cids["1rPABC"] != 2 {
		t.Errorf("Expected appended id 2, got %d", store.cids["1rPABC"])
	}
	if len(store.stocks) != 1 {
		t.Fatalf("Expected 1 minute bar after recovery, got %d", len(store.stocks))
	}
	if len(store.errorDates) != 0 {
		t.Errorf("Expected cleared error dates, got %v", store.errorDates)
	}
}

func TestRunNonStrictWritesNullCID(t *testing.T) {
	root := t.TempDir()
	writeSnapshot(t, root, "compA 2023-01-02 09:05:10.txt", "1rPABC\tAlpha Corp\t10.0\t1000\n")

	store := newFakeStore()
	store.cids["1rPOLD"] = 1
	store.companies = append(store.companies, companies.Company{Symbol: "1rPOLD"})
	store.nextCID = 2

	cfg := testConfig()
	cfg.StrictMapping = false

	files := scanArchive(t, root)
	if err := New(store, files, cfg, quietLogger()).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(store.stocks) != 1 {
		t.Fatalf("Expected 1 minute bar, got %d", len(store.stocks))
	}
	if store.stocks[0].CIDValid {
		t.Errorf("Expected null cid for unmapped symbol, got %+v", store.stocks[0])
	}
}

func TestRunMalformedFileFails(t *testing.T) {
	root := t.TempDir()
	writeSnapshot(t, root, "compA 2023-01-02 09:05:10.txt", "1rPABC\tAlpha Corp\t10.0\tnotanumber\n")

	store := newFakeStore()
	files := scanArchive(t, root)

	if err := New(store, files, testConfig(), quietLogger()).Run(context.Background()); err == nil {
		t.Fatal("Expected error for malformed snapshot")
	}
	if len(store.stocks) != 0 || len(store.fileDone) != 0 {
		t.Errorf("Expected nothing persisted, got %d stocks, %d done marks",
			len(store.stocks), len(store.fileDone))
	}
}

func TestRunNothingPending(t *testing.T) {
	root := t.TempDir()
	writeSnapshot(t, root, "compA 2023-01-02 09:05:10.txt", "1rPABC\tAlpha Corp\t10.0\t1000\n")

	store := newFakeStore()
	store.fileDone["compA 2023-01-02 09:05:10.txt"] = struct{}{}

	files := scanArchive(t, root)
	if err := New(store, files, testConfig(), quietLogger()).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.companies) != 0 {
		t.Errorf("Expected no resolution when nothing pending, got %d companies", len(store.companies))
	}
}

func TestSplitGroups(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2023, 1, d, 0, 0, 0, 0, time.UTC) }
	files := []catalog.FileRecord{
		{Name: "a", Timestamp: day(2).Add(9 * time.Hour)},
		{Name: "b", Timestamp: day(2).Add(10 * time.Hour)},
		{Name: "c", Timestamp: day(3).Add(9 * time.Hour)},
		{Name: "d", Timestamp: day(5).Add(9 * time.Hour)},
	}

	groups := splitGroups(files, 2)
	if len(groups) != 2 {
		t.Fatalf("Expected 2 groups, got %d", len(groups))
	}
	if len(groups[0].dates) != 2 || len(groups[0].files) != 3 {
		t.Errorf("Group 0: %d dates, %d files", len(groups[0].dates), len(groups[0].files))
	}
	if len(groups[1].dates) != 1 || len(groups[1].files) != 1 {
		t.Errorf("Group 1: %d dates, %d files", len(groups[1].dates), len(groups[1].files))
	}
	if groups[0].String() != "2023-01-02..2023-01-03" {
		t.Errorf("Unexpected group label %q", groups[0].String())
	}
}

func TestFirstLastPerMarketDate(t *testing.T) {
	day := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	files := []catalog.FileRecord{
		{Name: "first", Market: "compA", Timestamp: day.Add(9 * time.Hour)},
		{Name: "mid", Market: "compA", Timestamp: day.Add(12 * time.Hour)},
		{Name: "last", Market: "compA", Timestamp: day.Add(17 * time.Hour)},
		{Name: "only", Market: "compB", Timestamp: day.Add(10 * time.Hour)},
	}

	got := firstLastPerMarketDate(files)
	names := make(map[string]struct{}, len(got))
	for _, f := range got {
		names[f.Name] = struct{}{}
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 files, got %d", len(got))
	}
	for _, want := range []string{"first", "last", "only"} {
		if _, ok := names[want]; !ok {
			t.Errorf("Expected %q kept", want)
		}
	}
	if _, ok := names["mid"]; ok {
		t.Error("Expected mid-day snapshot dropped")
	}
}
