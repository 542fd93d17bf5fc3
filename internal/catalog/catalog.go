// Package catalog builds the inventory of archived snapshot files.
// The archive is partitioned by year directories; each file name encodes
// the market and the capture timestamp.
package catalog

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// FileRecord describes one physical snapshot file. Records are immutable
// once cataloged.
type FileRecord struct {
	// Market is the filename token before the first space
	// (e.g. "compA", "amsterdam", "peapme").
	Market string `json:"market"`

	// Path is the absolute or root-relative path to the file.
	Path string `json:"path"`

	// Timestamp is the capture time parsed from the filename.
	Timestamp time.Time `json:"timestamp"`

	// Year is the partition directory the file was found under.
	Year int `json:"year"`

	// Name is the base filename, used as the file_done key.
	Name string `json:"name"`
}

// Date returns the calendar day of the record in UTC.
func (r FileRecord) Date() time.Time {
	return r.Timestamp.Truncate(24 * time.Hour)
}

// Filename timestamps come at microsecond, second or minute precision
// depending on the archiving script revision. Tried in order.
var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseName splits a snapshot filename of the form
// "<market> <timestamp>.<ext>" into its market token and timestamp.
func ParseName(name string) (market string, ts time.Time, err error) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	i := strings.Index(base, " ")
	if i < 0 {
		return "", time.Time{}, fmt.Errorf("filename %q has no market token", name)
	}
	market = base[:i]
	raw := base[i+1:]
	for _, layout := range timestampLayouts {
		if ts, err = time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return market, ts, nil
		}
	}
	return "", time.Time{}, fmt.Errorf("filename %q: unparseable timestamp %q", name, raw)
}

// Catalog scans snapshot archives and optionally persists the inventory.
type Catalog struct {
	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Catalog {
	return &Catalog{logger: logger}
}

// Scan walks the year-partitioned tree under root and returns the full
// inventory sorted by timestamp. Directories whose names are not numeric
// years are skipped, as are hidden files. A file with an unparseable
// name is skipped with a warning: failure is isolated to the file, never
// the scan.
func (c *Catalog) Scan(root string) ([]FileRecord, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read archive root %s: %w", root, err)
	}

	var records []FileRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		year, err := strconv.Atoi(entry.Name())
		if err != nil {
			c.logger.Warnf("Skipping non-year directory %s", entry.Name())
			continue
		}

		yearRoot := filepath.Join(root, entry.Name())
		err = filepath.WalkDir(yearRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") {
				return nil
			}
			market, ts, err := ParseName(name)
			if err != nil {
				c.logger.Warnf("Skipping file: %v", err)
				return nil
			}
			records = append(records, FileRecord{
				Market:    market,
				Path:      path,
				Timestamp: ts,
				Year:      year,
				Name:      name,
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", yearRoot, err)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	return records, nil
}

// SaveCache persists an inventory so a large archive is not re-walked on
// every run. Invalidation is the caller's responsibility.
func SaveCache(path string, records []FileRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadCache reads a previously saved inventory.
func LoadCache(path string) ([]FileRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []FileRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode catalog cache %s: %w", path, err)
	}
	return records, nil
}
