package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chainpulse-io/chainpulse/internal/domain"
)

// SnapshotRow is one stored aggregate snapshot.
type SnapshotRow struct {
	ID          int64
	AggregateID string
	BlockHeight int64
	Version     int64
	Payload     []byte
}

// CreateSnapshot stores the aggregate's current state at its current
// (version, lastBlockHeight). A snapshot already present at that height is
// replaced.
func (s *Store) CreateSnapshot(ctx context.Context, agg domain.Aggregate) error {
	payload, err := agg.Snapshot()
	if err != nil {
		return fmt.Errorf("serialize snapshot %s: %w", agg.ID(), err)
	}
	data, compressed, _ := encodePayload(payload, int64(s.cfg.CompressThreshold))

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (aggregateId, blockHeight, version, payload, isCompressed)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (aggregateId, blockHeight) DO UPDATE SET version = excluded.version,
		 payload = excluded.payload, isCompressed = excluded.isCompressed`,
		agg.ID(), agg.LastBlockHeight(), agg.Version(), data, boolToInt(compressed))
	if err != nil {
		return fmt.Errorf("store snapshot %s at %d: %w", agg.ID(), agg.LastBlockHeight(), err)
	}
	s.logger.Debug().
		Str("aggregate", agg.ID()).
		Int64("height", agg.LastBlockHeight()).
		Int64("version", agg.Version()).
		Msg("snapshot created")
	return nil
}

// CreateSnapshotAtHeight rehydrates the given blank aggregate at the
// target height and snapshots the result. The caller's live aggregate is
// untouched.
func (s *Store) CreateSnapshotAtHeight(ctx context.Context, blank domain.Aggregate, height int64) error {
	if err := s.RehydrateAtHeight(ctx, blank, height); err != nil {
		return err
	}
	return s.CreateSnapshot(ctx, blank)
}

// FindLatestSnapshot returns the newest snapshot with blockHeight at or
// below maxHeight, or nil when none exists.
func (s *Store) FindLatestSnapshot(ctx context.Context, aggregateID string, maxHeight int64) (*SnapshotRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, aggregateId, blockHeight, version, payload, isCompressed FROM snapshots
		 WHERE aggregateId = ? AND blockHeight <= ?
		 ORDER BY blockHeight DESC LIMIT 1`,
		aggregateID, maxHeight)

	var snap SnapshotRow
	var compressed int
	var data []byte
	err := row.Scan(&snap.ID, &snap.AggregateID, &snap.BlockHeight, &snap.Version, &data, &compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find snapshot %s: %w", aggregateID, err)
	}
	payload, err := decodePayload(data, compressed != 0)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s at %d: %w", aggregateID, snap.BlockHeight, err)
	}
	snap.Payload = payload
	return &snap, nil
}

// RehydrateAtHeight restores the aggregate to its state as of the given
// block height: the newest snapshot at or below the height, then every
// later event up to the height.
func (s *Store) RehydrateAtHeight(ctx context.Context, agg domain.Aggregate, height int64) error {
	snap, err := s.FindLatestSnapshot(ctx, agg.ID(), height)
	if err != nil {
		return err
	}
	versionGte := int64(1)
	if snap != nil {
		if err := agg.FromSnapshot(snap.Version, snap.BlockHeight, snap.Payload); err != nil {
			return fmt.Errorf("restore snapshot %s v%d: %w", agg.ID(), snap.Version, err)
		}
		versionGte = snap.Version + 1
	}

	events, err := s.FetchEventsForOneAggregate(ctx, agg.ID(), FetchOptions{VersionGte: versionGte})
	if err != nil {
		return err
	}
	for _, ev := range events {
		if ev.BlockHeight > height {
			break
		}
		if err := agg.ApplyEvent(ev); err != nil {
			return fmt.Errorf("replay %s v%d: %w", agg.ID(), ev.Version, err)
		}
	}
	return nil
}

// PruneOldSnapshots deletes old snapshots while keeping at least minKeep
// per aggregate and every snapshot within keepWindow blocks of the newest.
func (s *Store) PruneOldSnapshots(ctx context.Context, aggregateID string, minKeep int, keepWindow int64) (int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, blockHeight FROM snapshots WHERE aggregateId = ? ORDER BY blockHeight DESC`,
		aggregateID)
	if err != nil {
		return 0, fmt.Errorf("list snapshots %s: %w", aggregateID, err)
	}
	type snapRef struct {
		id     int64
		height int64
	}
	var refs []snapRef
	for rows.Next() {
		var r snapRef
		if err := rows.Scan(&r.id, &r.height); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan snapshot ref: %w", err)
		}
		refs = append(refs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate snapshot refs: %w", err)
	}
	if len(refs) <= minKeep {
		return 0, nil
	}

	newest := refs[0].height
	var doomed []int64
	for i, r := range refs {
		if i < minKeep {
			continue
		}
		if keepWindow > 0 && newest-r.height <= keepWindow {
			continue
		}
		doomed = append(doomed, r.id)
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for _, id := range doomed {
		res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
		if err != nil {
			return deleted, fmt.Errorf("delete snapshot %d: %w", id, err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	s.logger.Debug().
		Str("aggregate", aggregateID).
		Int64("deleted", deleted).
		Msg("pruned snapshots")
	return deleted, nil
}
