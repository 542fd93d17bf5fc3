// Package bars resamples irregular snapshot quotes into fixed 1-minute
// bars and rolls those into daily OHLC bars.
package bars

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/tmarchal/bourse/internal/snapshot"
)

// ErrNegativeVolume reports a volume that survived cleaning and
// filtering. It fails the whole date-group: nothing is written.
var ErrNegativeVolume = errors.New("negative volume after cleaning")

// Config holds aggregation parameters.
type Config struct {
	// OpeningStart and OpeningEnd bound the session-open window as
	// offsets from midnight. Negative volumes inside the window are a
	// documented source convention (provisional open deltas) and are
	// kept as-is; outside it they are treated as missing.
	OpeningStart time.Duration
	OpeningEnd   time.Duration
}

// DefaultConfig is the 09:00-09:10 opening window of the source feed.
func DefaultConfig() Config {
	return Config{
		OpeningStart: 9 * time.Hour,
		OpeningEnd:   9*time.Hour + 10*time.Minute,
	}
}

func (c Config) inOpeningWindow(ts time.Time) bool {
	midnight := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, ts.Location())
	offset := ts.Sub(midnight)
	return offset >= c.OpeningStart && offset <= c.OpeningEnd
}

// MinuteBar is one (symbol, minute) aggregate. The symbol is kept until
// MapCompanies assigns the company id; storage only persists
// (date, cid, value, volume).
type MinuteBar struct {
	Date     time.Time
	Symbol   string
	CID      int16
	CIDValid bool
	Value    float32
	Volume   int64
}

// DayBar is the daily rollup of a company's minute bars.
type DayBar struct {
	Date     time.Time
	CID      int16
	CIDValid bool
	Open     float32
	Close    float32
	High     float32
	Low      float32

	// Volume is the last observed level of the day, not a sum: the
	// source volume field is cumulative intraday.
	Volume int64

	Mean float32
	Std  float32
}

// bucket accumulates quotes falling into one (symbol, minute) cell.
type bucket struct {
	minute   time.Time
	priceSum float64
	priceN   int

	// Volume is a cumulative level, not a flow: the bucket keeps the
	// latest usable observation instead of averaging levels.
	vol     float64
	volTS   time.Time
	volSeen bool
}

// Aggregate cleans volumes, resamples quotes into 1-minute buckets
// (price by arithmetic mean, volume by latest observation),
// forward-fills volume per symbol, and filters out non-positive rows.
// Input is the concatenated quote set of one date-group across all
// markets.
func Aggregate(quotes []snapshot.Quote, cfg Config) ([]MinuteBar, error) {
	type key struct {
		symbol string
		minute int64
	}
	buckets := make(map[key]*bucket)

	for _, q := range quotes {
		minute := q.Timestamp.Truncate(time.Minute)
		k := key{q.Symbol, minute.Unix()}
		b, ok := buckets[k]
		if !ok {
			b = &bucket{minute: minute}
			buckets[k] = b
		}
		b.priceSum += q.Last
		b.priceN++

		// Volume cleaning: a negative level outside the opening window
		// is the feed's "unknown" sentinel and must not enter the
		// bucket at all.
		if q.Volume >= 0 || cfg.inOpeningWindow(q.Timestamp) {
			if !b.volSeen || !q.Timestamp.Before(b.volTS) {
				b.vol = float64(q.Volume)
				b.volTS = q.Timestamp
				b.volSeen = true
			}
		}
	}

	// Regroup per symbol for the time-ordered forward fill.
	perSymbol := make(map[string][]*bucket)
	for k, b := range buckets {
		perSymbol[k.symbol] = append(perSymbol[k.symbol], b)
	}

	symbols := make([]string, 0, len(perSymbol))
	for s := range perSymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var out []MinuteBar
	for _, symbol := range symbols {
		bs := perSymbol[symbol]
		sort.Slice(bs, func(i, j int) bool { return bs[i].minute.Before(bs[j].minute) })

		// Forward fill: missing buckets inherit the last known level,
		// never a later one.
		lastVol := math.NaN()
		for _, b := range bs {
			value := b.priceSum / float64(b.priceN)

			vol := math.NaN()
			if b.volSeen {
				vol = b.vol
			}
			if math.IsNaN(vol) {
				vol = lastVol
			} else {
				lastVol = vol
			}

			// NaN fails both comparisons, dropping never-filled rows.
			if !(vol > 0 && value > 0) {
				continue
			}
			out = append(out, MinuteBar{
				Date:   b.minute,
				Symbol: symbol,
				Value:  float32(value),
				Volume: int64(vol),
			})
		}
	}

	for _, b := range out {
		if b.Volume < 0 {
			return nil, fmt.Errorf("%w: %s at %s", ErrNegativeVolume, b.Symbol, b.Date)
		}
	}
	return out, nil
}

// MapCompanies assigns company ids from the registry snapshot taken at
// the start of the run. Bars for unknown symbols keep an invalid cid;
// the returned slice lists the distinct unmapped symbols so the caller
// can decide between failing the group and inserting null ids.
func MapCompanies(bars []MinuteBar, registry map[string]int16) []string {
	seen := make(map[string]struct{})
	var unmapped []string
	for i := range bars {
		cid, ok := registry[bars[i].Symbol]
		if !ok {
			if _, dup := seen[bars[i].Symbol]; !dup {
				seen[bars[i].Symbol] = struct{}{}
				unmapped = append(unmapped, bars[i].Symbol)
			}
			continue
		}
		bars[i].CID = cid
		bars[i].CIDValid = true
	}
	sort.Strings(unmapped)
	return unmapped
}

// DayRollup groups minute bars by (calendar day, company) and derives
// the daily OHLC row: open and close are the chronologically first and
// last values, volume is the last observed level, mean and sample
// standard deviation are over the day's values. A single-bar day has an
// undefined sample stddev; it is stored as 0.
func DayRollup(bars []MinuteBar) []DayBar {
	type key struct {
		day    int64
		symbol string
	}
	groups := make(map[key][]MinuteBar)
	for _, b := range bars {
		day := time.Date(b.Date.Year(), b.Date.Month(), b.Date.Day(), 0, 0, 0, 0, b.Date.Location())
		k := key{day.Unix(), b.Symbol}
		groups[k] = append(groups[k], b)
	}

	out := make([]DayBar, 0, len(groups))
	for k, bs := range groups {
		sort.Slice(bs, func(i, j int) bool { return bs[i].Date.Before(bs[j].Date) })

		first, last := bs[0], bs[len(bs)-1]
		day := DayBar{
			Date:     time.Unix(k.day, 0).UTC(),
			CID:      first.CID,
			CIDValid: first.CIDValid,
			Open:     first.Value,
			Close:    last.Value,
			High:     first.Value,
			Low:      first.Value,
			Volume:   last.Volume,
		}

		var sum float64
		for _, b := range bs {
			if b.Value > day.High {
				day.High = b.Value
			}
			if b.Value < day.Low {
				day.Low = b.Value
			}
			sum += float64(b.Value)
		}
		mean := sum / float64(len(bs))
		day.Mean = float32(mean)

		if n := len(bs); n > 1 {
			var sq float64
			for _, b := range bs {
				d := float64(b.Value) - mean
				sq += d * d
			}
			day.Std = float32(math.Sqrt(sq / float64(n-1)))
		}
		out = append(out, day)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].CID < out[j].CID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}
