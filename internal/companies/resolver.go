// Package companies derives the canonical company registry from
// snapshot content. Symbol prefixes encode the listing exchange; per
// prefix rules extract a clean ticker and the market id.
package companies

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Known symbol prefixes. The set is closed: anything else falls through
// to the pass-through default arm.
const (
	PrefixParis     = "1rP" // EuroNext Paris
	PrefixAmsterdam = "1rA" // EuroNext Amsterdam
	PrefixParisAlt  = "1rE" // EuroNext Paris, alternate listing
	PrefixBrussels  = "FF1" // EuroNext Brussels
)

// PrefixToAlias maps a symbol prefix to the market alias seeded in the
// markets reference table. Consumed at resolver-configuration time to
// build the prefix-to-market-id table, never per row.
var PrefixToAlias = map[string]string{
	PrefixParis:     "e_paris",
	PrefixAmsterdam: "e_amsterdam",
	PrefixParisAlt:  "e_paris",
	PrefixBrussels:  "e_bruxelle",
}

// Observation is one (symbol, name) sighting extracted from a snapshot.
type Observation struct {
	Symbol string
	Name   string
	Seen   time.Time
}

// Company is a resolved registry row. Id assignment belongs to the
// store sequence on insert; the resolver never invents ids.
type Company struct {
	Symbol string
	Name   string
	Ticker string
	MID    int16
	PEA    bool

	// Seen is the most recent observation backing this row, used to let
	// the latest name win during the merge. Not persisted.
	Seen time.Time
}

// Batch is the per-market unit of resolution work. Batches are
// independent and may be resolved in parallel.
type Batch struct {
	// Market is the source market token, for logging only.
	Market string

	// DefaultMID is the market id used for symbols whose prefix is not
	// recognized. It differs per batch: an Amsterdam-sourced batch does
	// not default to Paris.
	DefaultMID int16

	// PEA tags every company in the batch as PEA/PME eligible.
	PEA bool

	Observations []Observation
}

// Prefix returns the first three characters of a symbol, the exchange
// discriminator.
func Prefix(symbol string) string {
	if len(symbol) < 3 {
		return symbol
	}
	return symbol[:3]
}

// Ticker extracts the display ticker from a raw symbol. Each known
// prefix has its own slicing convention; unknown prefixes pass the
// symbol through unchanged.
func Ticker(symbol string) string {
	switch Prefix(symbol) {
	case PrefixParis:
		// 15-char Paris symbols are synthetic instruments with no ticker.
		if len(symbol) == 15 {
			return ""
		}
		rest := symbol[3:]
		if i := strings.Index(rest, "_"); i >= 0 {
			return rest[:i]
		}
		return rest
	case PrefixAmsterdam:
		return symbol[3:]
	case PrefixParisAlt:
		// Alternate Paris listings carry a four character prefix.
		if len(symbol) < 4 {
			return ""
		}
		return symbol[4:]
	case PrefixBrussels:
		if i := strings.Index(symbol, "_"); i >= 0 {
			return symbol[i+1:]
		}
		return symbol
	default:
		return symbol
	}
}

// MarketID maps a symbol to its market id using the alias-derived
// prefix table, falling back to the batch default.
func MarketID(symbol string, prefixToMID map[string]int16, defaultMID int16) int16 {
	if mid, ok := prefixToMID[Prefix(symbol)]; ok {
		return mid
	}
	return defaultMID
}

// resolveBatch collapses a batch's observations into one candidate row
// per symbol carrying its latest known name.
func resolveBatch(b Batch, prefixToMID map[string]int16) []Company {
	// Latest sighting per (symbol, name): captures when a display name
	// was last in use.
	type key struct{ symbol, name string }
	latestPair := make(map[key]time.Time)
	for _, o := range b.Observations {
		k := key{o.Symbol, o.Name}
		if o.Seen.After(latestPair[k]) {
			latestPair[k] = o.Seen
		}
	}

	// Latest name per symbol: across renames, the last seen name wins.
	latest := make(map[string]Observation)
	for k, seen := range latestPair {
		cur, ok := latest[k.symbol]
		if !ok || seen.After(cur.Seen) {
			latest[k.symbol] = Observation{Symbol: k.symbol, Name: k.name, Seen: seen}
		}
	}

	out := make([]Company, 0, len(latest))
	for _, o := range latest {
		out = append(out, Company{
			Symbol: o.Symbol,
			Name:   o.Name,
			Ticker: Ticker(o.Symbol),
			MID:    MarketID(o.Symbol, prefixToMID, b.DefaultMID),
			PEA:    b.PEA,
			Seen:   o.Seen,
		})
	}
	return out
}

// Resolve turns per-market batches into registry rows for symbols not
// already registered. Batches are resolved in parallel; the merge and
// de-duplication step is single-threaded so the append-only id
// invariant cannot be raced.
func Resolve(batches []Batch, prefixToMID map[string]int16, existing map[string]struct{}) []Company {
	resolved := make([][]Company, len(batches))
	var wg sync.WaitGroup
	for i, b := range batches {
		wg.Add(1)
		go func(i int, b Batch) {
			defer wg.Done()
			resolved[i] = resolveBatch(b, prefixToMID)
		}(i, b)
	}
	wg.Wait()

	var all []Company
	for _, rs := range resolved {
		all = append(all, rs...)
	}
	return merge(all, existing)
}

// merge sorts candidates by observation date, drops exact duplicates,
// keeps the most recent row per symbol, and excludes symbols already in
// the registry. Net effect: one row per new symbol reflecting its
// latest known name, ticker and market.
func merge(all []Company, existing map[string]struct{}) []Company {
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Seen.Before(all[j].Seen)
	})

	perSymbol := make(map[string]Company, len(all))
	for _, c := range all {
		perSymbol[c.Symbol] = c // later (more recent) rows overwrite
	}

	out := make([]Company, 0, len(perSymbol))
	for _, c := range perSymbol {
		if _, ok := existing[c.Symbol]; ok {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seen.Equal(out[j].Seen) {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Seen.Before(out[j].Seen)
	})
	return out
}
