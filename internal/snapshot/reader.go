// Package snapshot parses raw intraday quote snapshot files.
//
// A snapshot is a tab-separated table with one quoted instrument per
// line: symbol, display name, last price, cumulative volume, and an
// optional per-row timestamp. Files may be bzip2-compressed.
package snapshot

import (
	"bufio"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Quote is one instrument row out of a snapshot file. Ephemeral:
// produced by the reader, consumed immediately by the aggregator and
// the company resolver.
type Quote struct {
	Symbol string
	Name   string

	// Last is the last traded price with any suffix annotation stripped.
	Last float64

	// Suffix is the parenthesized annotation glued to the raw price
	// field ("470.60(c)" gives "c"), empty when absent.
	Suffix string

	// Volume is the cumulative intraday volume. Negative values are a
	// source sentinel for "unknown / carry-forward" and are handled
	// downstream, not here.
	Volume int64

	// Timestamp is the row time: the per-row column when the file
	// carries one, otherwise the file's capture time.
	Timestamp time.Time
}

// Per-row timestamp layouts, finest first.
var rowTimestampLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ReadFile parses one snapshot file into quote rows. fallbackTS is the
// file-level capture timestamp (from the filename) applied to rows
// without their own timestamp column. Any malformed numeric field fails
// the whole file: callers isolate failures at file or date-group
// granularity, partial row sets are never returned.
func ReadFile(path string, fallbackTS time.Time) ([]Quote, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".bz2") {
		r = bzip2.NewReader(f)
	}

	quotes, err := Parse(r, fallbackTS)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return quotes, nil
}

// Parse reads tab-separated quote rows from r. An optional header line
// starting with "symbol" is skipped.
func Parse(r io.Reader, fallbackTS time.Time) ([]Quote, error) {
	var quotes []Quote

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		if lineNo == 1 && strings.HasPrefix(strings.ToLower(line), "symbol\t") {
			continue
		}

		q, err := parseLine(line, fallbackTS)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		quotes = append(quotes, q)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return quotes, nil
}

func parseLine(line string, fallbackTS time.Time) (Quote, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 4 {
		return Quote{}, fmt.Errorf("expected at least 4 fields, got %d", len(fields))
	}

	last, suffix, err := SplitPrice(fields[2])
	if err != nil {
		return Quote{}, err
	}

	volume, err := strconv.ParseInt(strings.TrimSpace(fields[3]), 10, 64)
	if err != nil {
		return Quote{}, fmt.Errorf("bad volume %q: %w", fields[3], err)
	}

	ts := fallbackTS
	if len(fields) >= 5 && strings.TrimSpace(fields[4]) != "" {
		ts, err = parseRowTimestamp(strings.TrimSpace(fields[4]))
		if err != nil {
			return Quote{}, err
		}
	}

	return Quote{
		Symbol:    strings.TrimSpace(fields[0]),
		Name:      strings.TrimSpace(fields[1]),
		Last:      last,
		Suffix:    suffix,
		Volume:    volume,
		Timestamp: ts,
	}, nil
}

// SplitPrice separates the numeric price from the parenthesized
// annotation some feeds append with no separating space: "470.60(c)"
// gives (470.60, "c"). A bare number gives an empty suffix.
func SplitPrice(raw string) (float64, string, error) {
	raw = strings.TrimSpace(raw)
	suffix := ""
	if i := strings.Index(raw, "("); i >= 0 {
		if !strings.HasSuffix(raw, ")") {
			return 0, "", fmt.Errorf("bad price %q: unterminated suffix", raw)
		}
		suffix = raw[i+1 : len(raw)-1]
		raw = raw[:i]
	}
	// Some markets quote with a comma decimal separator.
	raw = strings.ReplaceAll(raw, ",", ".")
	last, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, "", fmt.Errorf("bad price %q: %w", raw, err)
	}
	return last, suffix, nil
}

func parseRowTimestamp(raw string) (time.Time, error) {
	for _, layout := range rowTimestampLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("bad row timestamp %q", raw)
}
