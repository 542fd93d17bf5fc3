// Package storage provides the TimescaleDB persistence layer of the
// pipeline: bulk copies of bar batches, the company registry, and the
// file-done / error-date bookkeeping tables.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/tmarchal/bourse/internal/bars"
	"github.com/tmarchal/bourse/internal/companies"
)

const (
	connectAttempts = 5
	connectDelay    = time.Second
)

// Store wraps a pgx connection pool. Safe for concurrent use: each
// date-group worker runs its writes in its own transaction over its own
// pooled connection.
type Store struct {
	pool      *pgxpool.Pool
	logger    *logrus.Logger
	chunkSize int
}

// Connect opens a pool against the TimescaleDB DSN and verifies
// connectivity. Establishment is retried a bounded number of times with
// a fixed delay before the error is propagated as fatal. chunkSize
// bounds the rows per bulk-copy chunk; 0 means 1000.
func Connect(ctx context.Context, dsn string, chunkSize int, logger *logrus.Logger) (*Store, error) {
	if chunkSize <= 0 {
		chunkSize = 1000
	}

	var pool *pgxpool.Pool
	backoff := retry.WithMaxRetries(connectAttempts-1, retry.NewConstant(connectDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		p, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return err // bad DSN, not retryable
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := p.Ping(pingCtx); err != nil {
			p.Close()
			logger.Warnf("Connection attempt failed: %v", err)
			return retry.RetryableError(err)
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	return &Store{pool: pool, logger: logger, chunkSize: chunkSize}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// MarketIDFromAlias resolves a market alias from the seeded reference
// table to its numeric id.
func (s *Store) MarketIDFromAlias(ctx context.Context, alias string) (int16, error) {
	var id int16
	err := s.pool.QueryRow(ctx, `SELECT id FROM markets WHERE alias = $1`, alias).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("market alias %q: %w", alias, err)
	}
	return id, nil
}

// PrefixMarketIDs builds the prefix-to-market-id table consumed by the
// company resolver, one alias lookup per known prefix.
func (s *Store) PrefixMarketIDs(ctx context.Context) (map[string]int16, error) {
	out := make(map[string]int16, len(companies.PrefixToAlias))
	for prefix, alias := range companies.PrefixToAlias {
		id, err := s.MarketIDFromAlias(ctx, alias)
		if err != nil {
			return nil, err
		}
		out[prefix] = id
	}
	return out, nil
}

// CompanyCount returns the number of registered companies.
func (s *Store) CompanyCount(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM companies`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// SymbolToCID returns the registry snapshot used to map bars during a
// parallel pass. The registry is read-only while workers run.
func (s *Store) SymbolToCID(ctx context.Context) (map[string]int16, error) {
	rows, err := s.pool.Query(ctx, `SELECT symbol, id FROM companies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int16)
	for rows.Next() {
		var symbol string
		var id int16
		if err := rows.Scan(&symbol, &id); err != nil {
			return nil, err
		}
		out[symbol] = id
	}
	return out, rows.Err()
}

// ExistingSymbols returns the set of symbols already registered, used
// to keep resolution incremental and the registry append-only.
func (s *Store) ExistingSymbols(ctx context.Context) (map[string]struct{}, error) {
	cids, err := s.SymbolToCID(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(cids))
	for symbol := range cids {
		out[symbol] = struct{}{}
	}
	return out, nil
}

// InsertCompanies appends resolved companies to the registry. Ids come
// from the store sequence; existing rows are never touched.
func (s *Store) InsertCompanies(ctx context.Context, cs []companies.Company) error {
	if len(cs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range cs {
		batch.Queue(
			`INSERT INTO companies (name, ticker, mid, symbol, pea) VALUES ($1, $2, $3, $4, $5)`,
			c.Name, c.Ticker, c.MID, c.Symbol, c.PEA,
		)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range cs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert companies: %w", err)
		}
	}
	return nil
}

// FileDone returns the names of fully committed snapshot files.
func (s *Store) FileDone(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM file_done`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = struct{}{}
	}
	return out, rows.Err()
}

// ErrorDates lists the dates scheduled for the re-resolution pass.
func (s *Store) ErrorDates(ctx context.Context) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT date FROM error_dates ORDER BY date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordErrorDates marks a failed date-group for later recovery. It
// runs outside the group's (already rolled back) transaction.
func (s *Store) RecordErrorDates(ctx context.Context, dates []time.Time) error {
	batch := &pgx.Batch{}
	for _, d := range dates {
		batch.Queue(`INSERT INTO error_dates (date) VALUES ($1)`, d)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range dates {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("record error dates: %w", err)
		}
	}
	return nil
}

// ClearErrorDates empties the recovery schedule after a re-resolution.
func (s *Store) ClearErrorDates(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM error_dates`)
	return err
}

// LoadGroup writes one date-group atomically: minute bars, day bars and
// the group's file-done marks commit together or not at all. This
// transaction boundary is the pipeline's sole crash-recovery checkpoint.
func (s *Store) LoadGroup(ctx context.Context, stocks []bars.MinuteBar, days []bars.DayBar, fileNames []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := s.copyStocks(ctx, tx, stocks); err != nil {
		return err
	}
	if err := s.copyDayStocks(ctx, tx, days); err != nil {
		return err
	}
	for _, name := range fileNames {
		if _, err := tx.Exec(ctx, `INSERT INTO file_done (name) VALUES ($1)`, name); err != nil {
			return fmt.Errorf("mark file done %s: %w", name, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) copyStocks(ctx context.Context, tx pgx.Tx, stocks []bars.MinuteBar) error {
	for start := 0; start < len(stocks); start += s.chunkSize {
		end := min(start+s.chunkSize, len(stocks))
		rows := make([][]any, 0, end-start)
		for _, b := range stocks[start:end] {
			var cid any
			if b.CIDValid {
				cid = b.CID
			}
			rows = append(rows, []any{b.Date, cid, b.Value, b.Volume})
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"stocks"},
			[]string{"date", "cid", "value", "volume"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy stocks: %w", err)
		}
	}
	return nil
}

func (s *Store) copyDayStocks(ctx context.Context, tx pgx.Tx, days []bars.DayBar) error {
	for start := 0; start < len(days); start += s.chunkSize {
		end := min(start+s.chunkSize, len(days))
		rows := make([][]any, 0, end-start)
		for _, d := range days[start:end] {
			var cid any
			if d.CIDValid {
				cid = d.CID
			}
			rows = append(rows, []any{d.Date, cid, d.Open, d.Close, d.High, d.Low, d.Volume, d.Mean, d.Std})
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"daystocks"},
			[]string{"date", "cid", "open", "close", "high", "low", "volume", "mean", "std"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy daystocks: %w", err)
		}
	}
	return nil
}
