package catalog

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("1rPABC\tAbc\t10.0\t100\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name    string
		market  string
		ts      time.Time
		wantErr bool
	}{
		{
			name:   "compA 2023-01-02 09:05:01.867525.bz2",
			market: "compA",
			ts:     time.Date(2023, 1, 2, 9, 5, 1, 867525000, time.UTC),
		},
		{
			name:   "amsterdam 2023-01-02 10:00:00.txt",
			market: "amsterdam",
			ts:     time.Date(2023, 1, 2, 10, 0, 0, 0, time.UTC),
		},
		{
			name:   "peapme 2023-01-02 10:00.txt",
			market: "peapme",
			ts:     time.Date(2023, 1, 2, 10, 0, 0, 0, time.UTC),
		},
		{name: "nomarket.txt", wantErr: true},
		{name: "compA notadate.txt", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			market, ts, err := ParseName(tt.name)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.name)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseName(%q): %v", tt.name, err)
			}
			if market != tt.market {
				t.Errorf("Expected market %q, got %q", tt.market, market)
			}
			if !ts.Equal(tt.ts) {
				t.Errorf("Expected timestamp %v, got %v", tt.ts, ts)
			}
		})
	}
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "2023", "compA 2023-01-02 10:00:00.txt"))
	writeFile(t, filepath.Join(root, "2023", "amsterdam 2023-01-02 09:00:00.txt"))
	writeFile(t, filepath.Join(root, "2022", "compB 2022-06-01 09:30:00.txt"))
	// Skipped entries: hidden file, non-year directory, unparseable name.
	writeFile(t, filepath.Join(root, "2023", ".hidden 2023-01-02 10:00:00.txt"))
	writeFile(t, filepath.Join(root, "notayear", "compA 2023-01-05 10:00:00.txt"))
	writeFile(t, filepath.Join(root, "2023", "junkname.txt"))

	records, err := New(quietLogger()).Scan(root)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}

	// Sorted by timestamp.
	for i := 1; i < len(records); i++ {
		if records[i].Timestamp.Before(records[i-1].Timestamp) {
			t.Errorf("Records not sorted: %v after %v", records[i].Timestamp, records[i-1].Timestamp)
		}
	}

	first := records[0]
	if first.Market != "compB" || first.Year != 2022 {
		t.Errorf("Expected compB/2022 first, got %s/%d", first.Market, first.Year)
	}
	if first.Name != "compB 2022-06-01 09:30:00.txt" {
		t.Errorf("Unexpected name %q", first.Name)
	}
}

func TestScanMissingRoot(t *testing.T) {
	if _, err := New(quietLogger()).Scan(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("Expected error for missing root")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	records := []FileRecord{
		{
			Market:    "compA",
			Path:      "/data/2023/compA 2023-01-02 10:00:00.txt",
			Timestamp: time.Date(2023, 1, 2, 10, 0, 0, 0, time.UTC),
			Year:      2023,
			Name:      "compA 2023-01-02 10:00:00.txt",
		},
	}

	path := filepath.Join(t.TempDir(), "catalog.json")
	if err := SaveCache(path, records); err != nil {
		t.Fatalf("SaveCache: %v", err)
	}

	loaded, err := LoadCache(path)
	if err != nil {
		t.Fatalf("LoadCache: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(loaded))
	}
	if loaded[0] != records[0] {
		t.Errorf("Round trip mismatch: %+v vs %+v", loaded[0], records[0])
	}
}

func TestFileRecordDate(t *testing.T) {
	r := FileRecord{Timestamp: time.Date(2023, 1, 2, 17, 45, 12, 0, time.UTC)}
	want := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	if !r.Date().Equal(want) {
		t.Errorf("Expected %v, got %v", want, r.Date())
	}
}
