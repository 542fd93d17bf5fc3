// Package loader drives the ingestion pipeline: it partitions the
// not-yet-processed dates into work units, fans them out across a
// worker pool, and owns the error-date recovery passes.
package loader

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tmarchal/bourse/internal/bars"
	"github.com/tmarchal/bourse/internal/catalog"
	"github.com/tmarchal/bourse/internal/companies"
	"github.com/tmarchal/bourse/internal/snapshot"
)

// ErrUnmappedSymbols fails a date-group whose registry snapshot was
// missing symbols, scheduling it for the recovery pass.
var ErrUnmappedSymbols = errors.New("symbols missing from company registry")

// ErrNoProgress aborts the recovery loop when a pass fails to shrink
// the pending set, instead of retrying forever.
var ErrNoProgress = errors.New("recovery pass made no progress")

// Store is the persistence surface the coordinator needs. Implemented
// by storage.Store.
type Store interface {
	MarketIDFromAlias(ctx context.Context, alias string) (int16, error)
	PrefixMarketIDs(ctx context.Context) (map[string]int16, error)
	CompanyCount(ctx context.Context) (int, error)
	SymbolToCID(ctx context.Context) (map[string]int16, error)
	ExistingSymbols(ctx context.Context) (map[string]struct{}, error)
	InsertCompanies(ctx context.Context, cs []companies.Company) error
	FileDone(ctx context.Context) (map[string]struct{}, error)
	ErrorDates(ctx context.Context) ([]time.Time, error)
	RecordErrorDates(ctx context.Context, dates []time.Time) error
	ClearErrorDates(ctx context.Context) error
	LoadGroup(ctx context.Context, stocks []bars.MinuteBar, days []bars.DayBar, fileNames []string) error
}

// Config holds coordinator settings.
type Config struct {
	// GroupSize is the number of calendar dates per work unit. Small
	// groups bound both per-unit memory and the blast radius of a
	// failure.
	GroupSize int

	// Workers sizes the date-group pool. 0 means NumCPU.
	Workers int

	// ReadWorkers bounds concurrent snapshot reads within one unit.
	ReadWorkers int

	// MaxPasses bounds the error-date recovery loop.
	MaxPasses int

	// StrictMapping fails a group on unmapped symbols (recoverable via
	// re-resolution). When false, unmapped rows are written with a null
	// company id so ingestion never blocks on resolver lag.
	StrictMapping bool

	// Bars configures the aggregation step.
	Bars bars.Config
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		GroupSize:     1,
		Workers:       0,
		ReadWorkers:   8,
		MaxPasses:     3,
		StrictMapping: true,
		Bars:          bars.DefaultConfig(),
	}
}

// marketDefaultAlias supplies the fallback market per source batch for
// symbols whose prefix is unknown: an Amsterdam-sourced batch must not
// default to Paris.
var marketDefaultAlias = map[string]string{
	"amsterdam": "euronx",
	"compA":     "e_paris",
	"compB":     "e_paris",
	"peapme":    "e_paris",
}

const fallbackAlias = "euronx"

// peaMarkets marks source batches whose companies are PEA/PME eligible.
var peaMarkets = map[string]bool{"peapme": true}

// Coordinator runs the full backlog against the store.
type Coordinator struct {
	store  Store
	files  []catalog.FileRecord
	cfg    Config
	logger *logrus.Logger
}

func New(store Store, files []catalog.FileRecord, cfg Config, logger *logrus.Logger) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.ReadWorkers <= 0 {
		cfg.ReadWorkers = 8
	}
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = 1
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = 1
	}
	if cfg.Bars == (bars.Config{}) {
		cfg.Bars = bars.DefaultConfig()
	}
	return &Coordinator{store: store, files: files, cfg: cfg, logger: logger}
}

// group is one unit of work: all files for a few calendar dates.
type group struct {
	dates []time.Time
	files []catalog.FileRecord
}

func (g group) String() string {
	if len(g.dates) == 1 {
		return g.dates[0].Format("2006-01-02")
	}
	return fmt.Sprintf("%s..%s", g.dates[0].Format("2006-01-02"), g.dates[len(g.dates)-1].Format("2006-01-02"))
}

// Run processes the whole backlog. Each recovery pass must strictly
// shrink the pending set or the run fails with ErrNoProgress rather
// than looping forever.
func (c *Coordinator) Run(ctx context.Context) error {
	prevPending := -1
	lastResolved := 0
	for pass := 0; pass < c.cfg.MaxPasses; pass++ {
		pending, err := c.pendingFiles(ctx)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			c.logger.Info("Nothing to process")
			return nil
		}
		// A recovery iteration made progress if it either shrank the
		// pending set or taught the registry new companies.
		if prevPending >= 0 && len(pending) >= prevPending && lastResolved == 0 {
			return fmt.Errorf("%w: %d files still pending", ErrNoProgress, len(pending))
		}
		prevPending = len(pending)

		if err := c.bootstrapCompanies(ctx); err != nil {
			return err
		}

		// Registry snapshot for the whole parallel pass: read-only
		// while the workers run.
		registry, err := c.store.SymbolToCID(ctx)
		if err != nil {
			return err
		}

		groups := splitGroups(pending, c.cfg.GroupSize)
		c.logger.Infof("Pass %d: %d files in %d date-groups", pass+1, len(pending), len(groups))
		c.runPass(ctx, groups, registry)

		errDates, err := c.store.ErrorDates(ctx)
		if err != nil {
			return err
		}
		if len(errDates) == 0 {
			left, err := c.pendingFiles(ctx)
			if err != nil {
				return err
			}
			if len(left) > 0 {
				return fmt.Errorf("%d files failed without a recoverable cause", len(left))
			}
			return nil
		}

		// Serialized re-resolution restricted to the failing dates:
		// registry writes never run concurrently with the pool.
		c.logger.Infof("Re-resolving companies for %d error dates", len(errDates))
		lastResolved, err = c.resolveCompanies(ctx, filesOnDates(c.files, errDates), false)
		if err != nil {
			return err
		}
		if err := c.store.ClearErrorDates(ctx); err != nil {
			return err
		}
	}

	return fmt.Errorf("date-groups still failing after %d passes", c.cfg.MaxPasses)
}

// pendingFiles is the catalog minus the file_done set, in timestamp
// order.
func (c *Coordinator) pendingFiles(ctx context.Context) ([]catalog.FileRecord, error) {
	done, err := c.store.FileDone(ctx)
	if err != nil {
		return nil, err
	}
	var out []catalog.FileRecord
	for _, f := range c.files {
		if _, ok := done[f.Name]; !ok {
			out = append(out, f)
		}
	}
	return out, nil
}

// bootstrapCompanies performs the initial full resolution when the
// registry is empty, from the first and last snapshot of every
// (market, date) pair.
func (c *Coordinator) bootstrapCompanies(ctx context.Context) error {
	n, err := c.store.CompanyCount(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	c.logger.Info("Empty company registry, running initial resolution")
	_, err = c.resolveCompanies(ctx, c.files, true)
	return err
}

// runPass fans the groups out across the worker pool. Group failures
// are contained: logged, recorded as error dates, never propagated to
// sibling workers.
func (c *Coordinator) runPass(ctx context.Context, groups []group, registry map[string]int16) {
	jobs := make(chan group)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for g := range jobs {
				if err := c.processGroup(ctx, g, registry); err != nil {
					c.logger.Errorf("Group %s failed: %v", g, err)
					if err := c.store.RecordErrorDates(ctx, g.dates); err != nil {
						c.logger.Errorf("Group %s: recording error dates: %v", g, err)
					}
				} else {
					c.logger.Infof("Group %s done (%d files)", g, len(g.files))
				}
			}
		}()
	}

	for _, g := range groups {
		select {
		case jobs <- g:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()
}

// processGroup runs read → aggregate → map → write for one unit. All
// writes commit in one transaction together with the group's file-done
// marks; any error rolls the whole group back.
func (c *Coordinator) processGroup(ctx context.Context, g group, registry map[string]int16) error {
	quotes, err := c.readAll(ctx, g.files)
	if err != nil {
		return err
	}

	minuteBars, err := bars.Aggregate(quotes, c.cfg.Bars)
	if err != nil {
		return err
	}

	unmapped := bars.MapCompanies(minuteBars, registry)
	if len(unmapped) > 0 && c.cfg.StrictMapping {
		return fmt.Errorf("%w: %v", ErrUnmappedSymbols, unmapped)
	}

	days := bars.DayRollup(minuteBars)

	names := make([]string, 0, len(g.files))
	for _, f := range g.files {
		names = append(names, f.Name)
	}
	return c.store.LoadGroup(ctx, minuteBars, days, names)
}

// readAll parses the group's files with a bounded reader pool. Reads
// are I/O bound; a failed file fails the group.
func (c *Coordinator) readAll(ctx context.Context, files []catalog.FileRecord) ([]snapshot.Quote, error) {
	var (
		mu     sync.Mutex
		quotes []snapshot.Quote
		first  error
	)
	sem := make(chan struct{}, c.cfg.ReadWorkers)
	var wg sync.WaitGroup
	for _, f := range files {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(f catalog.FileRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			qs, err := snapshot.ReadFile(f.Path, f.Timestamp)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if first == nil {
					first = err
				}
				return
			}
			quotes = append(quotes, qs...)
		}(f)
	}
	wg.Wait()
	if first != nil {
		return nil, first
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return quotes, nil
}

// resolveCompanies reads the given files, builds per-market batches and
// appends the previously unseen companies to the registry, returning
// how many were added. Single writer: never called concurrently with a
// parallel pass.
func (c *Coordinator) resolveCompanies(ctx context.Context, files []catalog.FileRecord, keepFirstLast bool) (int, error) {
	if keepFirstLast {
		files = firstLastPerMarketDate(files)
	}
	if len(files) == 0 {
		return 0, nil
	}

	prefixMIDs, err := c.store.PrefixMarketIDs(ctx)
	if err != nil {
		return 0, err
	}

	// Observations grouped per source market.
	perMarket := make(map[string][]companies.Observation)
	for _, f := range files {
		quotes, err := snapshot.ReadFile(f.Path, f.Timestamp)
		if err != nil {
			return 0, fmt.Errorf("resolve companies: %w", err)
		}
		for _, q := range quotes {
			perMarket[f.Market] = append(perMarket[f.Market], companies.Observation{
				Symbol: q.Symbol,
				Name:   q.Name,
				Seen:   q.Timestamp,
			})
		}
	}

	var batches []companies.Batch
	for market, obs := range perMarket {
		alias, ok := marketDefaultAlias[market]
		if !ok {
			alias = fallbackAlias
		}
		mid, err := c.store.MarketIDFromAlias(ctx, alias)
		if err != nil {
			return 0, err
		}
		batches = append(batches, companies.Batch{
			Market:       market,
			DefaultMID:   mid,
			PEA:          peaMarkets[market],
			Observations: obs,
		})
	}

	existing, err := c.store.ExistingSymbols(ctx)
	if err != nil {
		return 0, err
	}
	resolved := companies.Resolve(batches, prefixMIDs, existing)
	if len(resolved) == 0 {
		return 0, nil
	}
	c.logger.Infof("Registering %d new companies", len(resolved))
	if err := c.store.InsertCompanies(ctx, resolved); err != nil {
		return 0, err
	}
	return len(resolved), nil
}

// splitGroups partitions the pending files' distinct dates into units
// of groupSize consecutive dates.
func splitGroups(files []catalog.FileRecord, groupSize int) []group {
	byDate := make(map[time.Time][]catalog.FileRecord)
	for _, f := range files {
		byDate[f.Date()] = append(byDate[f.Date()], f)
	}

	dates := make([]time.Time, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	var groups []group
	for start := 0; start < len(dates); start += groupSize {
		end := min(start+groupSize, len(dates))
		g := group{dates: dates[start:end]}
		for _, d := range g.dates {
			g.files = append(g.files, byDate[d]...)
		}
		groups = append(groups, g)
	}
	return groups
}

// filesOnDates selects the catalog records whose calendar date is in
// the given set.
func filesOnDates(files []catalog.FileRecord, dates []time.Time) []catalog.FileRecord {
	want := make(map[time.Time]struct{}, len(dates))
	for _, d := range dates {
		want[d.UTC().Truncate(24*time.Hour)] = struct{}{}
	}
	var out []catalog.FileRecord
	for _, f := range files {
		if _, ok := want[f.Date()]; ok {
			out = append(out, f)
		}
	}
	return out
}

// firstLastPerMarketDate keeps the first and last snapshot of every
// (market, date) pair: enough to observe each day's listings without
// reading the whole archive.
func firstLastPerMarketDate(files []catalog.FileRecord) []catalog.FileRecord {
	type key struct {
		market string
		date   time.Time
	}
	firsts := make(map[key]catalog.FileRecord)
	lasts := make(map[key]catalog.FileRecord)
	for _, f := range files {
		k := key{f.Market, f.Date()}
		if cur, ok := firsts[k]; !ok || f.Timestamp.Before(cur.Timestamp) {
			firsts[k] = f
		}
		if cur, ok := lasts[k]; !ok || f.Timestamp.After(cur.Timestamp) {
			lasts[k] = f
		}
	}

	seen := make(map[string]struct{})
	var out []catalog.FileRecord
	for _, m := range []map[key]catalog.FileRecord{firsts, lasts} {
		for _, f := range m {
			if _, dup := seen[f.Name]; dup {
				continue
			}
			seen[f.Name] = struct{}{}
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
