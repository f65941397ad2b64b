// Package eventstore persists aggregate event streams, snapshots, and the
// delivery outbox in a single SQLite database. Events and their outbox
// rows are written in one transaction so delivery can never observe an
// event the stream does not hold.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/chainpulse-io/chainpulse/config"
	"github.com/chainpulse-io/chainpulse/internal/domain"
	klog "github.com/chainpulse-io/chainpulse/internal/log"
)

// Store is the SQLite-backed event store.
type Store struct {
	db     *sql.DB
	cfg    config.StoreConfig
	idgen  *idGenerator
	logger zerolog.Logger

	mu     sync.Mutex // Serializes write transactions.
	tables map[string]bool
}

// Open opens (creating if needed) the database at cfg.Path and applies
// the connection pragmas.
func Open(cfg config.StoreConfig) (*Store, error) {
	busyMillis := int64(5000)
	if cfg.BusyTimeout > 0 {
		busyMillis = cfg.BusyTimeout.Milliseconds()
	}

	dsn := "file:" + cfg.Path + "?" + url.Values{
		"_journal_mode": {"WAL"},
		"_synchronous":  {"NORMAL"},
		"_busy_timeout": {strconv.FormatInt(busyMillis, 10)},
		"_txlock":       {"immediate"},
	}.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
	}
	// One connection keeps WAL checkpointing and the immediate-lock write
	// path simple; reads queue behind writes at SQLite speed.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA wal_autocheckpoint = 1000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal autocheckpoint: %w", err)
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		idgen:  newIDGenerator(),
		logger: klog.Store,
		tables: make(map[string]bool),
	}
	if err := s.ensureSharedTables(); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info().Str("path", cfg.Path).Msg("event store opened")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close event store: %w", err)
	}
	s.logger.Info().Msg("event store closed")
	return nil
}

func (s *Store) ensureSharedTables() error {
	const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id INTEGER PRIMARY KEY,
	aggregateId TEXT NOT NULL,
	eventType TEXT NOT NULL,
	eventVersion INTEGER NOT NULL,
	requestId TEXT,
	blockHeight INTEGER,
	payload BLOB,
	isCompressed INTEGER NOT NULL DEFAULT 0,
	timestamp INTEGER NOT NULL,
	ulen INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	aggregateId TEXT NOT NULL,
	blockHeight INTEGER NOT NULL,
	version INTEGER NOT NULL,
	payload BLOB,
	isCompressed INTEGER NOT NULL DEFAULT 0,
	UNIQUE (aggregateId, blockHeight)
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create shared tables: %w", err)
	}
	return nil
}

// ensureAggregateTable creates the per-aggregate event table on first use.
// Caller holds s.mu or runs before concurrent access starts.
func (s *Store) ensureAggregateTable(aggregateID string) error {
	if s.tables[aggregateID] {
		return nil
	}
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	version INTEGER PRIMARY KEY,
	requestId TEXT,
	blockHeight INTEGER,
	payload BLOB,
	isCompressed INTEGER NOT NULL DEFAULT 0,
	timestamp INTEGER NOT NULL,
	type TEXT NOT NULL
)`, quoteIdent(aggregateID))
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("create event table %s: %w", aggregateID, err)
	}
	s.tables[aggregateID] = true
	return nil
}

// quoteIdent quotes a SQL identifier. Aggregate ids come from a closed set
// but the quoting keeps them from ever reading as SQL.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// PersistResult reports a committed write.
type PersistResult struct {
	OutboxIDs []int64
	FirstID   int64
	LastID    int64
	Events    []*domain.Event
}

// PersistAggregatesAndOutbox writes every unsaved event of the given
// aggregates to their event tables and the outbox in one transaction.
// On commit the aggregates' unsaved lists are cleared. Outbox ids across
// successive calls form disjoint, strictly increasing ranges.
func (s *Store) PersistAggregatesAndOutbox(ctx context.Context, aggs []domain.Aggregate) (*PersistResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []*domain.Event
	for _, a := range aggs {
		if err := s.ensureAggregateTable(a.ID()); err != nil {
			return nil, err
		}
		events = append(events, a.UnsavedEvents()...)
	}
	if len(events) == 0 {
		return &PersistResult{}, nil
	}

	firstID := s.idgen.reserve(len(events))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin persist tx: %w", err)
	}
	defer tx.Rollback()

	ids := make([]int64, len(events))
	for i, ev := range events {
		id := firstID + int64(i)
		ids[i] = id

		data, compressed, ulen := encodePayload(ev.Payload, int64(s.cfg.CompressThreshold))

		insertEvent := fmt.Sprintf(
			`INSERT OR IGNORE INTO %s (version, requestId, blockHeight, payload, isCompressed, timestamp, type)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`, quoteIdent(ev.AggregateID))
		if _, err := tx.ExecContext(ctx, insertEvent,
			ev.Version, ev.RequestID, ev.BlockHeight, data, boolToInt(compressed), ev.Timestamp, ev.Type); err != nil {
			return nil, fmt.Errorf("insert event %s v%d: %w", ev.AggregateID, ev.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outbox (id, aggregateId, eventType, eventVersion, requestId, blockHeight, payload, isCompressed, timestamp, ulen)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, ev.AggregateID, ev.Type, ev.Version, ev.RequestID, ev.BlockHeight, data, boolToInt(compressed), ev.Timestamp, ulen); err != nil {
			return nil, fmt.Errorf("insert outbox row %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit persist tx: %w", err)
	}

	for _, a := range aggs {
		a.ClearUnsavedEvents()
	}

	s.logger.Debug().
		Int("events", len(events)).
		Int64("first_id", firstID).
		Int64("last_id", ids[len(ids)-1]).
		Msg("persisted events")
	return &PersistResult{
		OutboxIDs: ids,
		FirstID:   firstID,
		LastID:    ids[len(ids)-1],
		Events:    events,
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// FetchOptions narrows event reads.
type FetchOptions struct {
	VersionGte int64 // 0 = unbounded.
	VersionLte int64 // 0 = unbounded.
	Limit      int   // 0 = unbounded.
	Offset     int
	Descending bool
}

// FetchEventsForOneAggregate reads events for one aggregate, payloads
// decompressed.
func (s *Store) FetchEventsForOneAggregate(ctx context.Context, aggregateID string, opts FetchOptions) ([]*domain.Event, error) {
	s.mu.Lock()
	err := s.ensureAggregateTable(aggregateID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	var args []interface{}
	fmt.Fprintf(&sb, `SELECT version, requestId, blockHeight, payload, isCompressed, timestamp, type FROM %s`,
		quoteIdent(aggregateID))

	var conds []string
	if opts.VersionGte > 0 {
		conds = append(conds, "version >= ?")
		args = append(args, opts.VersionGte)
	}
	if opts.VersionLte > 0 {
		conds = append(conds, "version <= ?")
		args = append(args, opts.VersionLte)
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	if opts.Descending {
		sb.WriteString(" ORDER BY version DESC")
	} else {
		sb.WriteString(" ORDER BY version ASC")
	}
	if opts.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("fetch events %s: %w", aggregateID, err)
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		ev := &domain.Event{AggregateID: aggregateID}
		var compressed int
		var data []byte
		if err := rows.Scan(&ev.Version, &ev.RequestID, &ev.BlockHeight, &data, &compressed, &ev.Timestamp, &ev.Type); err != nil {
			return nil, fmt.Errorf("scan event %s: %w", aggregateID, err)
		}
		payload, err := decodePayload(data, compressed != 0)
		if err != nil {
			return nil, fmt.Errorf("event %s v%d: %w", aggregateID, ev.Version, err)
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events %s: %w", aggregateID, err)
	}
	return out, nil
}

// FetchEventsForManyAggregates concatenates per-aggregate reads in the
// order the ids were given.
func (s *Store) FetchEventsForManyAggregates(ctx context.Context, aggregateIDs []string, opts FetchOptions) ([]*domain.Event, error) {
	var out []*domain.Event
	for _, id := range aggregateIDs {
		evs, err := s.FetchEventsForOneAggregate(ctx, id, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
	}
	return out, nil
}

// PruneEvents deletes an aggregate's events at or below the given block
// height. Events carrying no block height are retained: every cutoff
// covers them, and replay needs them. Aggregates whose retention forbids
// pruning are left untouched.
func (s *Store) PruneEvents(ctx context.Context, agg domain.Aggregate, uptoHeight int64) (int64, error) {
	if !agg.PruneableBelowSnapshot() {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureAggregateTable(agg.ID()); err != nil {
		return 0, err
	}

	stmt := fmt.Sprintf(`DELETE FROM %s WHERE blockHeight >= 0 AND blockHeight <= ?`, quoteIdent(agg.ID()))
	res, err := s.db.ExecContext(ctx, stmt, uptoHeight)
	if err != nil {
		return 0, fmt.Errorf("prune events %s: %w", agg.ID(), err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug().Str("aggregate", agg.ID()).Int64("rows", n).Int64("upto", uptoHeight).Msg("pruned events")
	}
	return n, nil
}
